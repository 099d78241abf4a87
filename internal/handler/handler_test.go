package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/csta-portal-api/internal/models"
	"github.com/noah-isme/csta-portal-api/internal/service"
	appErrors "github.com/noah-isme/csta-portal-api/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type authServiceMock struct {
	loginReq  models.LoginRequest
	loginResp *models.LoginResponse
	loginErr  error
	loggedOut []string
	me        *models.MeResponse
}

func (m *authServiceMock) Login(_ context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	m.loginReq = req
	return m.loginResp, m.loginErr
}

func (m *authServiceMock) Logout(_ context.Context, session *models.Session, _ service.ClientMeta) error {
	if session == nil {
		return appErrors.ErrUnauthorized
	}
	m.loggedOut = append(m.loggedOut, session.ID)
	return nil
}

func (m *authServiceMock) Me(_ context.Context, session *models.Session) (*models.MeResponse, error) {
	if session == nil {
		return nil, appErrors.ErrUnauthorized
	}
	return m.me, nil
}

type passwordServiceMock struct {
	changed []models.ChangePasswordRequest
	err     error
	reset   *models.CredentialBundle
	actor   string
}

func (m *passwordServiceMock) ChangePassword(_ context.Context, _ *models.Session, req models.ChangePasswordRequest, _ service.ClientMeta) error {
	if m.err != nil {
		return m.err
	}
	m.changed = append(m.changed, req)
	return nil
}

func (m *passwordServiceMock) ResetPassword(_ context.Context, actorID, userID string, _ service.ClientMeta) (*models.CredentialBundle, error) {
	m.actor = actorID
	if userID != "u-2" {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
	}
	return m.reset, nil
}

type enrollmentServiceMock struct {
	mu        sync.Mutex
	submitted []models.SubmitEnrollmentRequest
	requests  map[int64]*models.EnrollmentRequest
	status    string
	actor     service.Actor
}

func newEnrollmentMock() *enrollmentServiceMock {
	return &enrollmentServiceMock{requests: map[int64]*models.EnrollmentRequest{
		1: {ID: 1, FirstName: "Ana", LastName: "Cruz", Email: "ana@x.com", Status: models.EnrollmentStatusPending},
	}}
}

func (m *enrollmentServiceMock) Submit(_ context.Context, req models.SubmitEnrollmentRequest) (*models.SubmitEnrollmentResponse, error) {
	if strings.TrimSpace(req.FirstName) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid or missing fields: first_name")
	}
	m.submitted = append(m.submitted, req)
	return &models.SubmitEnrollmentResponse{Status: models.EnrollmentStatusPending, ID: 2, CreatedAt: time.Now()}, nil
}

func (m *enrollmentServiceMock) List(_ context.Context, status string) ([]models.EnrollmentRequest, error) {
	m.status = status
	out := make([]models.EnrollmentRequest, 0, len(m.requests))
	for _, r := range m.requests {
		out = append(out, *r)
	}
	return out, nil
}

func (m *enrollmentServiceMock) Get(_ context.Context, id int64) (*models.EnrollmentRequest, error) {
	r, ok := m.requests[id]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "enroll request not found")
	}
	return r, nil
}

func (m *enrollmentServiceMock) Accept(_ context.Context, id int64, actor service.Actor) (*models.CredentialBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actor = actor
	r, ok := m.requests[id]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "enroll request not found")
	}
	if r.Status != models.EnrollmentStatusPending {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "request already processed")
	}
	r.Status = models.EnrollmentStatusAccepted
	return &models.CredentialBundle{Username: "ana.cruz", TempPassword: "Kp7xW3mQz9RtV2nYb4Hd"}, nil
}

func (m *enrollmentServiceMock) Reject(_ context.Context, id int64, actor service.Actor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actor = actor
	r, ok := m.requests[id]
	if !ok {
		return appErrors.Clone(appErrors.ErrNotFound, "enroll request not found")
	}
	if r.Status != models.EnrollmentStatusPending {
		return appErrors.Clone(appErrors.ErrInvalidState, "request already processed")
	}
	r.Status = models.EnrollmentStatusRejected
	return nil
}

type exporterMock struct{}

func (exporterMock) EnrollRequests(_ context.Context, status, format string) (*service.ExportFile, error) {
	if format != "csv" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}
	return &service.ExportFile{Filename: "enroll-requests-pending-20260101.csv", ContentType: "text/csv", Payload: []byte("id,status\n1,pending\n")}, nil
}

type sessionsStub map[string]*models.Session

func (s sessionsStub) Authenticate(_ context.Context, token string) (*models.Session, error) {
	if session, ok := s[token]; ok {
		return session, nil
	}
	return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid or expired session")
}

type auditStub struct{ actions []string }

func (a *auditStub) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	a.actions = append(a.actions, log.Action)
	return nil
}

type fixture struct {
	router      *gin.Engine
	auth        *authServiceMock
	passwords   *passwordServiceMock
	enrollments *enrollmentServiceMock
	audit       *auditStub
}

func newFixture() *fixture {
	f := &fixture{
		auth: &authServiceMock{
			loginResp: &models.LoginResponse{AccessToken: "tok", TokenType: "Bearer", Role: models.RoleStudent, UserID: "u-2", TempPassword: true, ExpiresIn: 3600},
			me:        &models.MeResponse{User: models.User{ID: "u-1", Username: "admin", Role: models.RoleAdmin}},
		},
		passwords:   &passwordServiceMock{reset: &models.CredentialBundle{Username: "ana.cruz", TempPassword: "Zq8nR4tY7wK2mP5xV3bH"}},
		enrollments: newEnrollmentMock(),
		audit:       &auditStub{},
	}
	sessions := sessionsStub{
		"admin":   {ID: "s-1", UserID: "u-1", Username: "admin", Role: models.RoleAdmin},
		"student": {ID: "s-2", UserID: "u-2", Username: "ana.cruz", Role: models.RoleStudent},
		"rotate":  {ID: "s-3", UserID: "u-2", Username: "ana.cruz", Role: models.RoleStudent, MustChangePassword: true},
	}
	f.router = NewRouter(RouterConfig{LoginRateLimit: 60, LoginRateBurst: 3}, nil, RouterDeps{
		Sessions:    sessions,
		Audit:       f.audit,
		Auth:        NewAuthHandler(f.auth, f.passwords),
		Enrollments: NewEnrollmentHandler(f.enrollments, exporterMock{}),
		Users:       NewUserHandler(f.passwords),
		Ops:         NewMetricsHandler(nil, nil),
	})
	return f
}

type envelope struct {
	Data  json.RawMessage        `json:"data"`
	Error *appErrors.Error       `json:"error"`
	Meta  map[string]interface{} `json:"meta"`
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") && w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func TestLoginAcceptsJSON(t *testing.T) {
	f := newFixture()

	w, env := f.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "ana.cruz", "password": "secret"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var res models.LoginResponse
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, "tok", res.AccessToken)
	assert.True(t, res.TempPassword)
	assert.Equal(t, "ana.cruz", f.auth.loginReq.Username)
}

func TestLoginAcceptsForm(t *testing.T) {
	f := newFixture()

	form := url.Values{"username": {"ana.cruz"}, "password": {"secret"}}
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "secret", f.auth.loginReq.Password)
}

func TestLoginErrorsUseEnvelope(t *testing.T) {
	f := newFixture()
	f.auth.loginErr = appErrors.Clone(appErrors.ErrInvalidCredentials, "")

	w, env := f.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "x", "password": "y"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "INVALID_CREDENTIALS", env.Error.Code)
}

func TestLoginIsRateLimited(t *testing.T) {
	f := newFixture()
	body := map[string]string{"username": "x", "password": "y"}

	for i := 0; i < 3; i++ {
		w, _ := f.do(t, http.MethodPost, "/api/auth/login", "", body)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w, env := f.do(t, http.MethodPost, "/api/auth/login", "", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMITED", env.Error.Code)
}

func TestChangePasswordBypassesRotationGuard(t *testing.T) {
	f := newFixture()

	w, env := f.do(t, http.MethodPost, "/api/auth/change_password", "rotate", map[string]string{"new_password": "a-much-longer-passphrase"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, string(env.Data))
	require.Len(t, f.passwords.changed, 1)
	assert.Empty(t, f.passwords.changed[0].CurrentPassword)

	f.passwords.err = appErrors.Clone(appErrors.ErrPolicyViolation, "password must be at least 16 characters")
	w, env = f.do(t, http.MethodPost, "/api/auth/change_password", "rotate", map[string]string{"new_password": "short"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "POLICY_VIOLATION", env.Error.Code)

	w, _ = f.do(t, http.MethodPost, "/api/auth/change_password", "", map[string]string{"new_password": "x"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogout(t *testing.T) {
	f := newFixture()

	w, _ := f.do(t, http.MethodPost, "/api/auth/logout", "rotate", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"s-3"}, f.auth.loggedOut)

	w, _ = f.do(t, http.MethodPost, "/api/auth/logout", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMeRequiresRotatedSession(t *testing.T) {
	f := newFixture()

	w, env := f.do(t, http.MethodGet, "/api/me", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"username":"admin"`)

	w, env = f.do(t, http.MethodGet, "/api/me", "rotate", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "PASSWORD_CHANGE_REQUIRED", env.Error.Code)
	assert.Equal(t, "/change-password", env.Meta["redirect"])
}

func TestSubmitEnrollment(t *testing.T) {
	f := newFixture()

	w, env := f.do(t, http.MethodPost, "/api/enroll", "", map[string]string{"first_name": "Ana", "last_name": "Cruz", "email": "ana@x.com", "program": "BSIT", "year_level": "1"})
	require.Equal(t, http.StatusCreated, w.Code)
	var res models.SubmitEnrollmentResponse
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, models.EnrollmentStatusPending, res.Status)
	assert.Equal(t, "BSIT", f.enrollments.submitted[0].Program)

	w, env = f.do(t, http.MethodPost, "/api/enroll", "", map[string]string{"last_name": "Cruz"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	f := newFixture()

	w, _ := f.do(t, http.MethodGet, "/api/admin/enroll_requests", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, env := f.do(t, http.MethodGet, "/api/admin/enroll_requests", "student", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "/student/dashboard", env.Meta["redirect"])

	w, env = f.do(t, http.MethodPost, "/api/admin/enroll_requests/1/accept", "rotate", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "PASSWORD_CHANGE_REQUIRED", env.Error.Code)
	assert.Equal(t, models.EnrollmentStatusPending, f.enrollments.requests[1].Status)
}

func TestListAndGetRequests(t *testing.T) {
	f := newFixture()

	w, env := f.do(t, http.MethodGet, "/api/admin/enroll_requests?status=all", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "all", f.enrollments.status)
	assert.EqualValues(t, 1, env.Meta["total"])

	w, _ = f.do(t, http.MethodGet, "/api/admin/enroll_requests/1", "admin", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/admin/enroll_requests/404", "admin", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/admin/enroll_requests/abc", "admin", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAcceptThenRejectConflicts(t *testing.T) {
	f := newFixture()

	w, env := f.do(t, http.MethodPost, "/api/admin/enroll_requests/1/accept", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	var bundle models.CredentialBundle
	require.NoError(t, json.Unmarshal(env.Data, &bundle))
	assert.Equal(t, "ana.cruz", bundle.Username)
	assert.NotEmpty(t, bundle.TempPassword)
	assert.Equal(t, "u-1", f.enrollments.actor.UserID)

	w, env = f.do(t, http.MethodPost, "/api/admin/enroll_requests/1/reject", "admin", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE", env.Error.Code)
}

func TestExportIsAudited(t *testing.T) {
	f := newFixture()

	w, _ := f.do(t, http.MethodGet, "/api/admin/enroll_requests/export?format=csv", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "enroll-requests-pending-20260101.csv")
	assert.Equal(t, []string{models.AuditActionEnrollExport}, f.audit.actions)

	w, _ = f.do(t, http.MethodGet, "/api/admin/enroll_requests/export?format=xlsx", "admin", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, f.audit.actions, 1)
}

func TestResetPassword(t *testing.T) {
	f := newFixture()

	w, env := f.do(t, http.MethodPost, "/api/admin/users/u-2/reset_password", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"temp_password"`)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "u-1", f.passwords.actor)

	w, _ = f.do(t, http.MethodPost, "/api/admin/users/missing/reset_password", "admin", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReadyReportsFailingDependency(t *testing.T) {
	h := NewMetricsHandler(nil, map[string]Pinger{
		"postgres": PingFunc(func(context.Context) error { return nil }),
		"redis":    PingFunc(func(context.Context) error { return errors.New("dial tcp: connection refused") }),
	})
	r := gin.New()
	r.GET("/ready", h.Ready)
	r.GET("/metrics", h.Prometheus)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"postgres":"ok"`)
	assert.Contains(t, w.Body.String(), "connection refused")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture()
	w, _ := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
