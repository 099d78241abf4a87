package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/csta-portal-api/internal/models"
	"github.com/noah-isme/csta-portal-api/internal/repository"
	appErrors "github.com/noah-isme/csta-portal-api/pkg/errors"
)

const (
	pendingCacheKey = "enroll_requests:pending"
	pendingGenKey   = "enroll_requests:pending:gen"
)

// pendingSnapshot is a cached pending list tagged with the generation that
// was current before the rows were read.
type pendingSnapshot struct {
	Generation int64                      `json:"generation"`
	Requests   []models.EnrollmentRequest `json:"requests"`
}

type enrollmentRepository interface {
	Create(ctx context.Context, req *models.EnrollmentRequest) error
	FindByID(ctx context.Context, id int64) (*models.EnrollmentRequest, error)
	List(ctx context.Context, status models.EnrollmentStatus) ([]models.EnrollmentRequest, error)
	Decide(ctx context.Context, d repository.Decision, provision repository.ProvisionFunc) (*models.EnrollmentRequest, error)
}

type accountProvisioner interface {
	CreateAccount(ctx context.Context, accounts repository.AccountWriter, applicant models.Applicant) (string, *models.CredentialBundle, error)
}

type noticeQueue interface {
	Notify(ctx context.Context, n Notice) error
}

// Actor is the administrator deciding a request.
type Actor struct {
	UserID string
	ClientMeta
}

// EnrollmentService owns the enrollment request lifecycle.
type EnrollmentService struct {
	repo        enrollmentRepository
	provisioner accountProvisioner
	cache       *CacheService
	notices     noticeQueue
	validator   *validator.Validate
	logger      *zap.Logger
	metrics     *MetricsService
	cacheTTL    time.Duration

	// Set when a change could not be published to the cache; reads skip
	// the cache until a later bump succeeds. invalidateMu orders bumps so a
	// success never clears the flag for a change committed after it.
	cacheUnsafe  atomic.Bool
	invalidateMu sync.Mutex
}

// EnrollmentServiceDeps groups the optional collaborators.
type EnrollmentServiceDeps struct {
	Cache    *CacheService
	Notices  noticeQueue
	Metrics  *MetricsService
	CacheTTL time.Duration
}

// NewEnrollmentService constructs the service.
func NewEnrollmentService(repo enrollmentRepository, provisioner accountProvisioner, validate *validator.Validate, logger *zap.Logger, deps EnrollmentServiceDeps) *EnrollmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &EnrollmentService{
		repo:        repo,
		provisioner: provisioner,
		cache:       deps.Cache,
		notices:     deps.Notices,
		validator:   validate,
		logger:      logger,
		metrics:     deps.Metrics,
		cacheTTL:    deps.CacheTTL,
	}
}

// Submit records a new pending request.
func (s *EnrollmentService) Submit(ctx context.Context, req models.SubmitEnrollmentRequest) (*models.SubmitEnrollmentResponse, error) {
	req = trimSubmission(req)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, describeValidation(err))
	}

	record := &models.EnrollmentRequest{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Program:   req.Program,
		YearLevel: req.YearLevel,
		Contact:   req.Contact,
		Address:   req.Address,
		Remarks:   req.Remarks,
	}
	if err := s.repo.Create(ctx, record); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save enroll request")
	}

	s.invalidatePending(ctx)
	s.metrics.RecordSubmission()
	s.logger.Info("enroll request submitted", zap.Int64("request_id", record.ID))

	return &models.SubmitEnrollmentResponse{
		Status:    record.Status,
		ID:        record.ID,
		CreatedAt: record.CreatedAt,
	}, nil
}

// ListPending returns pending requests in submission order.
func (s *EnrollmentService) ListPending(ctx context.Context) ([]models.EnrollmentRequest, error) {
	useCache := s.cache.Enabled() && !s.cacheUnsafe.Load()
	var gen int64
	if useCache {
		var err error
		if gen, err = s.cache.Generation(ctx, pendingGenKey); err != nil {
			useCache = false
		}
	}
	if useCache {
		var snap pendingSnapshot
		if hit, _ := s.cache.Get(ctx, pendingCacheKey, &snap); hit && snap.Generation == gen {
			return snap.Requests, nil
		}
	}

	requests, err := s.repo.List(ctx, models.EnrollmentStatusPending)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enroll requests")
	}
	if useCache {
		// A decision committed during the read bumps past gen, so this
		// snapshot is never served.
		_ = s.cache.Set(ctx, pendingCacheKey, pendingSnapshot{Generation: gen, Requests: requests}, s.cacheTTL)
	}
	return requests, nil
}

// List returns requests with the given status; "all" returns every request.
func (s *EnrollmentService) List(ctx context.Context, status string) ([]models.EnrollmentRequest, error) {
	st, err := parseStatusFilter(status)
	if err != nil {
		return nil, err
	}
	if st == models.EnrollmentStatusPending {
		return s.ListPending(ctx)
	}
	requests, err := s.repo.List(ctx, st)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enroll requests")
	}
	return requests, nil
}

// Get returns one request.
func (s *EnrollmentService) Get(ctx context.Context, id int64) (*models.EnrollmentRequest, error) {
	req, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, decisionError(err)
	}
	return req, nil
}

// Accept provisions a student account for a pending request and marks it
// accepted, atomically. The returned credentials are not retrievable again.
func (s *EnrollmentService) Accept(ctx context.Context, id int64, actor Actor) (*models.CredentialBundle, error) {
	var bundle *models.CredentialBundle
	provision := func(ctx context.Context, accounts repository.AccountWriter, req *models.EnrollmentRequest) (string, error) {
		accountID, creds, err := s.provisioner.CreateAccount(ctx, accounts, req.Applicant())
		if err != nil {
			return "", err
		}
		bundle = creds
		return accountID, nil
	}

	req, err := s.repo.Decide(ctx, repository.Decision{
		ID:        id,
		To:        models.EnrollmentStatusAccepted,
		DecidedBy: actor.UserID,
		IPAddress: actor.IP,
		UserAgent: actor.UserAgent,
	}, provision)
	if err != nil {
		return nil, decisionError(err)
	}

	s.afterDecision(ctx, req, bundle.Username)
	return bundle, nil
}

// Reject marks a pending request rejected. No account is created.
func (s *EnrollmentService) Reject(ctx context.Context, id int64, actor Actor) error {
	req, err := s.repo.Decide(ctx, repository.Decision{
		ID:        id,
		To:        models.EnrollmentStatusRejected,
		DecidedBy: actor.UserID,
		IPAddress: actor.IP,
		UserAgent: actor.UserAgent,
	}, nil)
	if err != nil {
		return decisionError(err)
	}

	s.afterDecision(ctx, req, "")
	return nil
}

func (s *EnrollmentService) afterDecision(ctx context.Context, req *models.EnrollmentRequest, username string) {
	s.invalidatePending(ctx)
	s.metrics.RecordDecision(string(req.Status))
	s.logger.Info("enroll request decided", zap.Int64("request_id", req.ID), zap.String("status", string(req.Status)))

	if s.notices == nil {
		return
	}
	if err := s.notices.Notify(ctx, Notice{
		RequestID: req.ID,
		Email:     req.Email,
		FirstName: req.FirstName,
		Status:    req.Status,
		Username:  username,
	}); err != nil {
		s.logger.Warn("failed to queue applicant notice", zap.Int64("request_id", req.ID), zap.Error(err))
	}
}

func (s *EnrollmentService) invalidatePending(ctx context.Context) {
	if !s.cache.Enabled() {
		return
	}
	s.invalidateMu.Lock()
	defer s.invalidateMu.Unlock()
	if _, err := s.cache.Bump(ctx, pendingGenKey); err != nil {
		s.cacheUnsafe.Store(true)
		s.logger.Error("pending cache not invalidated, serving pending list from the database", zap.Error(err))
		return
	}
	s.cacheUnsafe.Store(false)
	_ = s.cache.Invalidate(ctx, pendingCacheKey)
}

func decisionError(err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return appErrors.Clone(appErrors.ErrNotFound, "enroll request not found")
	case errors.Is(err, repository.ErrStatusConflict):
		return appErrors.Clone(appErrors.ErrInvalidState, "request already processed")
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update enroll request")
}

func parseStatusFilter(raw string) (models.EnrollmentStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(models.EnrollmentStatusPending):
		return models.EnrollmentStatusPending, nil
	case "all":
		return "", nil
	}
	st := models.EnrollmentStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !st.Valid() {
		return "", appErrors.Clone(appErrors.ErrValidation, "status must be pending, accepted, rejected or all")
	}
	return st, nil
}

func trimSubmission(req models.SubmitEnrollmentRequest) models.SubmitEnrollmentRequest {
	req.FirstName = strings.TrimSpace(req.FirstName)
	req.LastName = strings.TrimSpace(req.LastName)
	req.Email = strings.TrimSpace(req.Email)
	req.Program = strings.TrimSpace(req.Program)
	req.YearLevel = strings.TrimSpace(req.YearLevel)
	req.Contact = strings.TrimSpace(req.Contact)
	req.Address = strings.TrimSpace(req.Address)
	req.Remarks = strings.TrimSpace(req.Remarks)
	return req
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid enroll payload"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, toSnake(fe.Field()))
	}
	return "invalid or missing fields: " + strings.Join(fields, ", ")
}

func toSnake(field string) string {
	var b strings.Builder
	for i, r := range field {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
