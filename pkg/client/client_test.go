package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePortal issues "tok-<n>" tokens and accepts only the latest one.
type fakePortal struct {
	mu      sync.Mutex
	issued  int
	valid   map[string]bool
	seen    []string
	rotated bool
}

func newFakePortal() *fakePortal {
	return &fakePortal{valid: map[string]bool{}}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (p *fakePortal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	token := ""
	if h := r.Header.Get("Authorization"); len(h) > 7 {
		token = h[7:]
	}
	p.seen = append(p.seen, token)

	unauthorized := map[string]interface{}{"error": map[string]interface{}{"code": "UNAUTHORIZED", "message": "unauthorized", "status": 401}}

	switch r.URL.Path {
	case "/api/auth/login":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "pw" {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": map[string]interface{}{"code": "INVALID_CREDENTIALS", "message": "invalid username or password", "status": 401}})
			return
		}
		p.issued++
		tok := "tok-" + string(rune('0'+p.issued))
		p.valid[tok] = true
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]interface{}{
			"access_token": tok, "token_type": "Bearer", "role": "student", "user_id": "u-1", "temp_password": !p.rotated, "expires_in": 3600,
		}})
	case "/api/auth/logout":
		if !p.valid[token] {
			writeJSON(w, http.StatusUnauthorized, unauthorized)
			return
		}
		delete(p.valid, token)
		w.WriteHeader(http.StatusNoContent)
	case "/api/me":
		if !p.valid[token] {
			writeJSON(w, http.StatusUnauthorized, unauthorized)
			return
		}
		if !p.rotated {
			writeJSON(w, http.StatusForbidden, map[string]interface{}{
				"error": map[string]interface{}{"code": "PASSWORD_CHANGE_REQUIRED", "message": "password change required", "status": 403},
				"meta":  map[string]interface{}{"redirect": "/change-password"},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]interface{}{"user": map[string]interface{}{"id": "u-1", "username": "ana.cruz", "role": "student"}}})
	case "/api/auth/change_password":
		if !p.valid[token] {
			writeJSON(w, http.StatusUnauthorized, unauthorized)
			return
		}
		p.rotated = true
		p.valid = map[string]bool{}
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]string{"status": "ok"}})
	case "/api/admin/enroll_requests/export":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="enroll-requests-all-20260101.csv"`)
		_, _ = w.Write([]byte("id,status\n"))
	default:
		http.NotFound(w, r)
	}
}

func TestRotationFlow(t *testing.T) {
	portal := newFakePortal()
	srv := httptest.NewServer(portal)
	defer srv.Close()

	store := &MemoryStore{}
	c := New(srv.URL+"/api", store)
	ctx := context.Background()

	_, err := c.Me(ctx)
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	res, err := c.Login(ctx, " Ana.Cruz ", "pw")
	require.NoError(t, err)
	assert.True(t, res.TempPassword)
	state, _ := store.Load()
	assert.Equal(t, State{Token: "tok-1", Role: "student", Username: "ana.cruz"}, state)

	_, err = c.Me(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "PASSWORD_CHANGE_REQUIRED", apiErr.Code)
	assert.Equal(t, "/change-password", apiErr.Redirect)

	require.NoError(t, c.ChangePassword(ctx, "", "a-much-longer-passphrase"))
	state, _ = store.Load()
	assert.False(t, state.LoggedIn())

	_, err = c.Login(ctx, "ana.cruz", "pw")
	require.NoError(t, err)
	me, err := c.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ana.cruz", me.User.Username)

	assert.Equal(t, "tok-2", portal.seen[len(portal.seen)-1])
}

func TestLoginFailureKeepsState(t *testing.T) {
	srv := httptest.NewServer(newFakePortal())
	defer srv.Close()

	store := &MemoryStore{}
	require.NoError(t, store.Save(State{Token: "old", Role: "admin", Username: "admin"}))
	c := New(srv.URL+"/api", store)

	_, err := c.Login(context.Background(), "ana.cruz", "wrong")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	state, _ := store.Load()
	assert.Equal(t, "old", state.Token)
}

func TestLogoutClearsStateEvenWhenServerForgot(t *testing.T) {
	srv := httptest.NewServer(newFakePortal())
	defer srv.Close()

	store := &MemoryStore{}
	require.NoError(t, store.Save(State{Token: "stale", Role: "admin", Username: "admin"}))
	c := New(srv.URL+"/api", store)

	require.NoError(t, c.Logout(context.Background()))
	state, _ := store.Load()
	assert.False(t, state.LoggedIn())

	require.NoError(t, c.Logout(context.Background()))
}

func TestExportReturnsFilename(t *testing.T) {
	srv := httptest.NewServer(newFakePortal())
	defer srv.Close()

	store := &MemoryStore{}
	require.NoError(t, store.Save(State{Token: "tok", Role: "admin"}))
	c := New(srv.URL+"/api", store)

	name, payload, err := c.Export(context.Background(), "all", "csv")
	require.NoError(t, err)
	assert.Equal(t, "enroll-requests-all-20260101.csv", name)
	assert.Equal(t, "id,status\n", string(payload))
}

func TestFileStoreKeepsUnrelatedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portalctl", "session.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte(`{"theme":"dark","base_url":"http://portal"}`), 0o600))

	store := NewFileStore(path)
	require.NoError(t, store.Save(State{Token: "tok", Role: "admin", Username: "admin"}))

	reopened := NewFileStore(path)
	state, err := reopened.Load()
	require.NoError(t, err)
	assert.Equal(t, State{Token: "tok", Role: "admin", Username: "admin"}, state)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, reopened.Clear())
	var raw map[string]string
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, map[string]string{"theme": "dark", "base_url": "http://portal"}, raw)
}

func TestFileStoreMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "absent.json"))
	state, err := store.Load()
	require.NoError(t, err)
	assert.False(t, state.LoggedIn())
}
