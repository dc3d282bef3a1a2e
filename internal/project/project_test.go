package project

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codecollab/collab-server/internal/protocol"
)

func TestNewDefaults(t *testing.T) {
	p := New("   ", nil)
	assert.Equal(t, DefaultName, p.Name)
	assert.Equal(t, DefaultFiles(), p.Files)
	assert.NotEmpty(t, p.ID)
	assert.False(t, p.LastModified.IsZero())

	custom := []protocol.File{{Name: "main", Ext: "js", Content: "1"}}
	p = New(" demo ", custom)
	assert.Equal(t, "demo", p.Name)
	assert.Equal(t, custom, p.Files)
}

func TestNewFile(t *testing.T) {
	tests := []struct {
		in   string
		want protocol.File
		err  error
	}{
		{"about.html", protocol.File{Name: "about", Ext: "html", Content: "<!-- New File -->"}, nil},
		{"theme.css", protocol.File{Name: "theme", Ext: "css", Content: "/* New Styles */"}, nil},
		{"app.js", protocol.File{Name: "app", Ext: "js", Content: "// New Script"}, nil},
		{"notes", protocol.File{Name: "notes", Ext: "txt"}, nil},
		{".env", protocol.File{Name: "new-file", Ext: "env"}, nil},
		{"", protocol.File{}, ErrInvalidFile},
		{"../etc/passwd", protocol.File{}, ErrInvalidFile},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NewFile(tt.in)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Save(ctx, &Project{ID: "missing"}), ErrNotFound)

	p := New("demo", nil)
	require.NoError(t, s.Create(ctx, p))

	loaded, err := s.Load(ctx, p.ID)
	require.NoError(t, err)
	loaded.Files[0].Content = "changed locally"

	again, err := s.Load(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "<!-- Add HTML here -->", again.Files[0].Content, "loads return copies")

	before := again.LastModified
	again.Files[0].Content = "<h1>hi</h1>"
	require.NoError(t, s.Save(ctx, again))
	assert.False(t, again.LastModified.Before(before))

	f, err := AddFile(ctx, s, p.ID, "extra.css")
	require.NoError(t, err)
	assert.Equal(t, "extra", f.Name)

	final, err := s.Load(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, final.Files, 4)
	assert.Equal(t, "<h1>hi</h1>", final.Files[0].Content)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "demo", list[0].Name)

	require.NoError(t, s.Delete(ctx, p.ID))
	assert.ErrorIs(t, s.Delete(ctx, p.ID), ErrNotFound)
}
