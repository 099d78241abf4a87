package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/csta-portal-api/internal/models"
	appErrors "github.com/noah-isme/csta-portal-api/pkg/errors"
)

type authUserRepository interface {
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindStudentProfile(ctx context.Context, userID string) (*models.StudentProfile, error)
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type sessionRepository interface {
	Create(ctx context.Context, session *models.Session) error
	FindByID(ctx context.Context, id string) (*models.Session, error)
	Touch(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
}

// AuthConfig defines configuration for authentication flows.
type AuthConfig struct {
	Secret        string
	TokenTTL      time.Duration
	Issuer        string
	BcryptCost    int
	TouchInterval time.Duration
}

// ClientMeta identifies the caller for audit purposes.
type ClientMeta struct {
	IP        string
	UserAgent string
}

// AuthService issues, validates and ends sessions.
type AuthService struct {
	users     authUserRepository
	sessions  sessionRepository
	validator *validator.Validate
	logger    *zap.Logger
	metrics   *MetricsService
	config    AuthConfig
	now       func() time.Time

	dummyOnce sync.Once
	dummyHash []byte
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(users authUserRepository, sessions sessionRepository, validate *validator.Validate, logger *zap.Logger, metrics *MetricsService, config AuthConfig) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = 5 * time.Hour
	}
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	if config.TouchInterval <= 0 {
		config.TouchInterval = time.Minute
	}
	return &AuthService{
		users:     users,
		sessions:  sessions,
		validator: validate,
		logger:    logger,
		metrics:   metrics,
		config:    config,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Login verifies credentials and opens a session.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "username and password are required")
	}

	username := strings.ToLower(strings.TrimSpace(req.Username))
	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Same bcrypt cost as a real miss so response time does not reveal the username.
			_ = bcrypt.CompareHashAndPassword(s.dummy(), []byte(req.Password))
			s.metrics.RecordLogin("invalid")
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
		}
		s.metrics.RecordLogin("error")
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.metrics.RecordLogin("invalid")
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
	}

	if !user.Role.Valid() {
		s.logger.Warn("login for account with unknown role", zap.String("user_id", user.ID), zap.String("role", string(user.Role)))
		s.metrics.RecordLogin("invalid")
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
	}

	now := s.now()
	session := &models.Session{
		ID:                 uuid.NewString(),
		UserID:             user.ID,
		Username:           user.Username,
		Role:               user.Role,
		MustChangePassword: user.MustChangePassword,
		IPAddress:          req.IP,
		UserAgent:          req.UserAgent,
		ExpiresAt:          now.Add(s.config.TokenTTL),
		CreatedAt:          now,
		LastSeenAt:         now,
	}

	token, err := s.signToken(session, now)
	if err != nil {
		s.metrics.RecordLogin("error")
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}
	session.TokenHash = hashToken(token)

	if err := s.sessions.Create(ctx, session); err != nil {
		s.metrics.RecordLogin("error")
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist session")
	}

	s.audit(ctx, user.ID, models.AuditActionLogin, ClientMeta{IP: req.IP, UserAgent: req.UserAgent}, `{"status":"success"}`)
	s.metrics.RecordLogin("success")

	return &models.LoginResponse{
		AccessToken:  token,
		TokenType:    "Bearer",
		Role:         user.Role,
		UserID:       user.ID,
		TempPassword: user.MustChangePassword,
		ExpiresIn:    int64(s.config.TokenTTL.Seconds()),
	}, nil
}

// Authenticate resolves a bearer token to its live session.
func (s *AuthService) Authenticate(ctx context.Context, token string) (*models.Session, error) {
	claims, err := s.parseToken(token)
	if err != nil {
		return nil, err
	}

	session, err := s.sessions.FindByID(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "session has ended")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}

	if subtle.ConstantTimeCompare([]byte(session.TokenHash), []byte(hashToken(token))) != 1 {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
	}

	now := s.now()
	if session.Expired(now) {
		if err := s.sessions.Delete(ctx, session.ID); err != nil {
			s.logger.Warn("failed to delete expired session", zap.String("session_id", session.ID), zap.Error(err))
		}
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "session expired")
	}

	if !session.Role.Valid() {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid session role")
	}

	if now.Sub(session.LastSeenAt) >= s.config.TouchInterval {
		if err := s.sessions.Touch(ctx, session.ID, now); err != nil {
			s.logger.Warn("failed to record session activity", zap.String("session_id", session.ID), zap.Error(err))
		} else {
			session.LastSeenAt = now
		}
	}

	return session, nil
}

// Logout ends the given session.
func (s *AuthService) Logout(ctx context.Context, session *models.Session, meta ClientMeta) error {
	if session == nil {
		return appErrors.ErrUnauthorized
	}
	if err := s.sessions.Delete(ctx, session.ID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to end session")
	}
	s.audit(ctx, session.UserID, models.AuditActionLogout, meta, `{"status":"logout"}`)
	return nil
}

// Me returns the session's account and, for students, their profile.
func (s *AuthService) Me(ctx context.Context, session *models.Session) (*models.MeResponse, error) {
	if session == nil {
		return nil, appErrors.ErrUnauthorized
	}
	user, err := s.users.FindByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "account no longer exists")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	resp := &models.MeResponse{User: *user}
	if user.Role == models.RoleStudent {
		profile, err := s.users.FindStudentProfile(ctx, user.ID)
		switch {
		case err == nil:
			resp.Student = profile
		case errors.Is(err, sql.ErrNoRows):
		default:
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student profile")
		}
	}
	return resp, nil
}

func (s *AuthService) signToken(session *models.Session, issuedAt time.Time) (string, error) {
	claims := &models.JWTClaims{
		Role:               session.Role,
		Username:           session.Username,
		MustChangePassword: session.MustChangePassword,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        session.ID,
			Issuer:    s.config.Issuer,
			Subject:   session.UserID,
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.config.Secret))
}

func (s *AuthService) parseToken(tokenString string) (*models.JWTClaims, error) {
	if tokenString == "" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "missing bearer token")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.config.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &models.JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.Secret), nil
	}, opts...)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}

	claims, ok := token.Claims.(*models.JWTClaims)
	if !ok || !token.Valid || claims.ID == "" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}
	return claims, nil
}

func (s *AuthService) dummy() []byte {
	s.dummyOnce.Do(func() {
		hash, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), s.config.BcryptCost)
		if err != nil {
			s.logger.Warn("failed to build timing hash", zap.Error(err))
		}
		s.dummyHash = hash
	})
	return s.dummyHash
}

func (s *AuthService) audit(ctx context.Context, userID, action string, meta ClientMeta, values string) {
	if err := s.users.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   models.AuditResourceAuth,
		ResourceID: &userID,
		NewValues:  []byte(values),
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
	}); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", action), zap.Error(err))
	}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
