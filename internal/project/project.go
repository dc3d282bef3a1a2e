// Package project stores the files of a collaborative project. The relay
// itself never persists edits; clients load a project over HTTP, edit it in
// a room and save it back.
package project

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codecollab/collab-server/internal/protocol"
)

// DefaultName is used when a project is created without a name.
const DefaultName = "Untitled Project"

var (
	ErrNotFound    = errors.New("project: not found")
	ErrInvalidFile = errors.New("project: invalid file name")
)

// Project is one stored project.
type Project struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Files        []protocol.File `json:"files"`
	LastModified time.Time       `json:"lastModified"`
}

// Summary is the listing form of a project.
type Summary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	LastModified time.Time `json:"lastModified"`
}

// Store persists projects.
type Store interface {
	List(ctx context.Context) ([]Summary, error)
	Load(ctx context.Context, id string) (*Project, error)
	// Save replaces the project's name and files and stamps LastModified.
	// It returns ErrNotFound if the project does not exist.
	Save(ctx context.Context, p *Project) error
	Create(ctx context.Context, p *Project) error
	Delete(ctx context.Context, id string) error
}

// DefaultFiles returns the starter files of a new project.
func DefaultFiles() []protocol.File {
	return []protocol.File{
		{Name: "index", Ext: "html", Content: "<!-- Add HTML here -->"},
		{Name: "style", Ext: "css", Content: "/* Add CSS here */"},
		{Name: "script", Ext: "js", Content: "// Add JavaScript here"},
	}
}

// New builds a project with a fresh id. A blank name becomes DefaultName and
// no files become DefaultFiles.
func New(name string, files []protocol.File) *Project {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultName
	}
	if len(files) == 0 {
		files = DefaultFiles()
	}
	return &Project{
		ID:           uuid.New().String(),
		Name:         name,
		Files:        files,
		LastModified: time.Now().UTC(),
	}
}

// NewFile turns "name.ext" into a file with placeholder content for the
// known web types. A missing extension becomes txt.
func NewFile(fileName string) (protocol.File, error) {
	fileName = strings.TrimSpace(fileName)
	if fileName == "" || strings.ContainsAny(fileName, "/\\") {
		return protocol.File{}, ErrInvalidFile
	}
	name, ext, _ := strings.Cut(fileName, ".")
	if name == "" {
		name = "new-file"
	}
	if ext == "" {
		ext = "txt"
	}

	f := protocol.File{Name: name, Ext: ext}
	switch ext {
	case "html":
		f.Content = "<!-- New File -->"
	case "css":
		f.Content = "/* New Styles */"
	case "js":
		f.Content = "// New Script"
	}
	return f, nil
}

// AddFile appends a new file to a stored project and saves it.
func AddFile(ctx context.Context, s Store, id, fileName string) (protocol.File, error) {
	f, err := NewFile(fileName)
	if err != nil {
		return protocol.File{}, err
	}
	p, err := s.Load(ctx, id)
	if err != nil {
		return protocol.File{}, err
	}
	p.Files = append(p.Files, f)
	if err := s.Save(ctx, p); err != nil {
		return protocol.File{}, err
	}
	return f, nil
}
