package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/csta-portal-api/internal/models"
	"github.com/noah-isme/csta-portal-api/internal/service"
	appErrors "github.com/noah-isme/csta-portal-api/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubAuth struct {
	sessions map[string]*models.Session
}

func (s stubAuth) Authenticate(_ context.Context, token string) (*models.Session, error) {
	if session, ok := s.sessions[token]; ok {
		return session, nil
	}
	return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid or expired session")
}

type envelope struct {
	Data  map[string]interface{} `json:"data"`
	Error *appErrors.Error       `json:"error"`
	Meta  map[string]interface{} `json:"meta"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func guardedRouter(required models.UserRole, metrics *service.MetricsService) *gin.Engine {
	auth := stubAuth{sessions: map[string]*models.Session{
		"admin-token":   {ID: "s1", UserID: "u1", Role: models.RoleAdmin},
		"student-token": {ID: "s2", UserID: "u2", Role: models.RoleStudent},
		"rotate-token":  {ID: "s3", UserID: "u3", Role: models.RoleAdmin, MustChangePassword: true},
	}}
	r := gin.New()
	r.GET("/resource", JWT(auth), Guard(required, metrics), func(c *gin.Context) {
		session, _ := CurrentSession(c)
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"user_id": session.UserID}})
	})
	return r
}

func get(r http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTRejectsMissingOrUnknownToken(t *testing.T) {
	r := guardedRouter(models.RoleAdmin, nil)

	w := get(r, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, decode(t, w).Error.Code)

	w = get(r, "forged")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	req.Header.Set("Authorization", "Basic admin-token")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGuardDecisions(t *testing.T) {
	metrics := service.NewMetricsService()
	r := guardedRouter(models.RoleAdmin, metrics)

	w := get(r, "admin-token")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", decode(t, w).Data["user_id"])

	w = get(r, "student-token")
	assert.Equal(t, http.StatusForbidden, w.Code)
	env := decode(t, w)
	assert.Equal(t, appErrors.ErrForbidden.Code, env.Error.Code)
	assert.Equal(t, models.RoleStudent.Dashboard(), env.Meta["redirect"])

	w = get(r, "rotate-token")
	assert.Equal(t, http.StatusForbidden, w.Code)
	env = decode(t, w)
	assert.Equal(t, appErrors.ErrPasswordChangeRequired.Code, env.Error.Code)
	assert.Equal(t, service.ChangePasswordPath, env.Meta["redirect"])
}

func TestGuardWithoutSession(t *testing.T) {
	r := gin.New()
	r.GET("/resource", RequireRole(""), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := get(r, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, service.LoginPath, decode(t, w).Meta["redirect"])
}

func TestGuardAnyRoleStillForcesRotation(t *testing.T) {
	r := guardedRouter("", nil)

	assert.Equal(t, http.StatusOK, get(r, "student-token").Code)
	assert.Equal(t, http.StatusForbidden, get(r, "rotate-token").Code)
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(60, 2)
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.False(t, limiter.Allow("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.2"))

	now = now.Add(time.Second)
	assert.True(t, limiter.Allow("10.0.0.1"))

	now = now.Add(time.Hour)
	limiter.Allow("10.0.0.3")
	limiter.mu.Lock()
	assert.Len(t, limiter.clients, 1)
	limiter.mu.Unlock()
}

func TestRateLimiterMiddleware(t *testing.T) {
	limiter := NewRateLimiter(1, 1)
	r := gin.New()
	r.POST("/login", limiter.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.RemoteAddr = "192.0.2.1:5000"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, send().Code)
	w := send()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, appErrors.ErrRateLimited.Code, decode(t, w).Error.Code)
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := NewRateLimiter(0, 0)
	r := gin.New()
	r.POST("/login", limiter.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/login", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []models.AuditLog
}

func (r *recordingAudit) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, *log)
	return nil
}

func TestAuditRecordsSuccessfulRequestsOnly(t *testing.T) {
	audits := &recordingAudit{}
	auth := stubAuth{sessions: map[string]*models.Session{"admin-token": {ID: "s1", UserID: "u1", Role: models.RoleAdmin}}}

	r := gin.New()
	r.GET("/export", JWT(auth), Audit(audits, nil, models.AuditActionEnrollExport, models.AuditResourceEnrollRequest), func(c *gin.Context) {
		if c.Query("format") == "bad" {
			c.Status(http.StatusBadRequest)
			return
		}
		c.Status(http.StatusOK)
	})

	for _, q := range []string{"format=csv", "format=bad"} {
		req := httptest.NewRequest(http.MethodGet, "/export?"+q, nil)
		req.Header.Set("Authorization", "Bearer admin-token")
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	require.Len(t, audits.logs, 1)
	log := audits.logs[0]
	assert.Equal(t, models.AuditActionEnrollExport, log.Action)
	require.NotNil(t, log.UserID)
	assert.Equal(t, "u1", *log.UserID)
	assert.Contains(t, string(log.NewValues), "format=csv")
}

func TestMetricsLabelsUnmatchedRoutes(t *testing.T) {
	metrics := service.NewMetricsService()
	r := gin.New()
	r.Use(Metrics(metrics))
	r.GET("/known/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/known/1", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/wp-admin.php", nil))

	count, err := testutil.GatherAndCount(metrics.Registry(), "http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
