package project

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type savedLog struct {
	mu  sync.Mutex
	ids []string
}

func (s *savedLog) PublishProjectSaved(projectID string, data []byte) error {
	s.mu.Lock()
	s.ids = append(s.ids, projectID)
	s.mu.Unlock()
	return nil
}

func newTestAPI(t *testing.T) (http.Handler, *savedLog) {
	t.Helper()
	saved := &savedLog{}
	mux := http.NewServeMux()
	NewHandler(NewMemoryStore(), saved).Register(mux)
	return mux, saved
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, &buf))
	return rr
}

func TestCreateLoadSave(t *testing.T) {
	api, saved := newTestAPI(t)

	rr := do(t, api, http.MethodPost, "/api/projects", map[string]string{"name": "site"})
	require.Equal(t, http.StatusCreated, rr.Code)
	var created Project
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Equal(t, "site", created.Name)
	require.Len(t, created.Files, 3)

	rr = do(t, api, http.MethodGet, "/api/projects/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	created.Files[2].Content = "console.log(1)"
	rr = do(t, api, http.MethodPut, "/api/projects/"+created.ID, map[string]interface{}{"files": created.Files})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, api, http.MethodGet, "/api/projects/"+created.ID, nil)
	var loaded Project
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &loaded))
	assert.Equal(t, "site", loaded.Name, "empty name keeps the stored one")
	assert.Equal(t, "console.log(1)", loaded.Files[2].Content)
	assert.Equal(t, []string{created.ID}, saved.ids)
}

func TestCreateWithoutBody(t *testing.T) {
	api, _ := newTestAPI(t)

	rr := do(t, api, http.MethodPost, "/api/projects", nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	var created Project
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Equal(t, DefaultName, created.Name)
}

func TestAddFileAndList(t *testing.T) {
	api, _ := newTestAPI(t)

	rr := do(t, api, http.MethodPost, "/api/projects", map[string]string{"name": "a"})
	var created Project
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))

	rr = do(t, api, http.MethodPost, "/api/projects/"+created.ID+"/files", map[string]string{"name": "about.html"})
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.JSONEq(t, `{"name":"about","ext":"html","content":"<!-- New File -->"}`, rr.Body.String())

	rr = do(t, api, http.MethodPost, "/api/projects/"+created.ID+"/files", map[string]string{"name": ""})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, api, http.MethodGet, "/api/projects", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list []Summary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)
}

func TestNotFoundAndBadBody(t *testing.T) {
	api, _ := newTestAPI(t)

	assert.Equal(t, http.StatusNotFound, do(t, api, http.MethodGet, "/api/projects/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, api, http.MethodPut, "/api/projects/nope", map[string]string{}).Code)
	assert.Equal(t, http.StatusNotFound, do(t, api, http.MethodDelete, "/api/projects/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound,
		do(t, api, http.MethodPost, "/api/projects/nope/files", map[string]string{"name": "x.js"}).Code)

	rr := httptest.NewRecorder()
	api.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/projects", bytes.NewBufferString("{")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
