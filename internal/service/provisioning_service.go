package service

import (
	"context"
	"errors"
	"math"
	"net/mail"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/noah-isme/csta-portal-api/internal/models"
	"github.com/noah-isme/csta-portal-api/internal/repository"
	appErrors "github.com/noah-isme/csta-portal-api/pkg/errors"
)

const (
	fallbackUsername  = "student"
	maxUsernameLength = 140
)

// ProvisioningConfig tunes account creation.
type ProvisioningConfig struct {
	TempPasswordLength int
	MaxAttempts        int
	BcryptCost         int
	RetryDelay         time.Duration
}

// ProvisioningService turns an accepted applicant into a student account
// with a one-time password.
type ProvisioningService struct {
	config ProvisioningConfig
	logger *zap.Logger
}

// NewProvisioningService constructs the service.
func NewProvisioningService(config ProvisioningConfig, logger *zap.Logger) *ProvisioningService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.TempPasswordLength < MinPasswordLength {
		config.TempPasswordLength = 20
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 20
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 5 * time.Millisecond
	}
	return &ProvisioningService{config: config, logger: logger}
}

// CreateAccount reserves a unique username, stores the hashed temporary
// password with a pending rotation, and creates the student profile. It
// returns the new user id and the plaintext credentials exactly once.
func (s *ProvisioningService) CreateAccount(ctx context.Context, accounts repository.AccountWriter, applicant models.Applicant) (string, *models.CredentialBundle, error) {
	tempPassword, err := GenerateTempPassword(s.config.TempPasswordLength)
	if err != nil {
		return "", nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate temporary password")
	}
	hash, err := hashPassword(tempPassword, s.config.BcryptCost)
	if err != nil {
		return "", nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash temporary password")
	}

	base := DeriveUsername(applicant)
	user := &models.User{
		Email:              strings.TrimSpace(applicant.Email),
		FirstName:          strings.TrimSpace(applicant.FirstName),
		LastName:           strings.TrimSpace(applicant.LastName),
		Role:               models.RoleStudent,
		PasswordHash:       hash,
		MustChangePassword: true,
	}

	backoff := retry.WithMaxRetries(uint64(s.config.MaxAttempts-1), retry.NewConstant(s.config.RetryDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		existing, err := accounts.ExistingUsernames(ctx, base)
		if err != nil {
			return err
		}
		user.ID = ""
		user.Username = NextUsername(base, existing)
		if err := accounts.InsertUser(ctx, user); err != nil {
			if errors.Is(err, repository.ErrUsernameTaken) {
				s.logger.Debug("username reserved concurrently, retrying", zap.String("username", user.Username))
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrUsernameTaken) {
			return "", nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "could not reserve a unique username")
		}
		return "", nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create account")
	}

	profile := &models.StudentProfile{
		UserID:    user.ID,
		Program:   strings.TrimSpace(applicant.Program),
		YearLevel: ParseYearLevel(applicant.YearLevel),
		Contact:   strings.TrimSpace(applicant.Contact),
		Address:   strings.TrimSpace(applicant.Address),
	}
	if err := accounts.InsertStudent(ctx, profile); err != nil {
		return "", nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create student profile")
	}

	s.logger.Info("student account provisioned", zap.String("user_id", user.ID), zap.String("username", user.Username))
	return user.ID, &models.CredentialBundle{Username: user.Username, TempPassword: tempPassword}, nil
}

// DeriveUsername builds the collision-free base: first.last in lowercase
// ASCII, else the email local part, else "student".
func DeriveUsername(a models.Applicant) string {
	first, last := usernamePart(a.FirstName), usernamePart(a.LastName)

	var base string
	switch {
	case first != "" && last != "":
		base = first + "." + last
	case first != "":
		base = first
	case last != "":
		base = last
	default:
		if addr, err := mail.ParseAddress(strings.TrimSpace(a.Email)); err == nil {
			base = usernamePart(strings.SplitN(addr.Address, "@", 2)[0])
		}
	}
	if base == "" {
		base = fallbackUsername
	}
	if len(base) > maxUsernameLength {
		base = strings.TrimRight(base[:maxUsernameLength], ".")
	}
	return base
}

// NextUsername returns base, or base followed by the smallest positive
// integer, that is not in existing.
func NextUsername(base string, existing []string) string {
	taken := make(map[int]bool, len(existing))
	for _, name := range existing {
		if name == base {
			taken[0] = true
			continue
		}
		rest, ok := strings.CutPrefix(name, base)
		if !ok || rest == "" || rest[0] == '0' {
			continue
		}
		if n, err := strconv.Atoi(rest); err == nil && n > 0 {
			taken[n] = true
		}
	}
	for n := 0; ; n++ {
		if taken[n] {
			continue
		}
		if n == 0 {
			return base
		}
		return base + strconv.Itoa(n)
	}
}

// ParseYearLevel accepts "1" or "1.0"; anything else is unknown.
func ParseYearLevel(raw string) *int {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || f < 1 || f > 20 || f != math.Trunc(f) {
		return nil
	}
	level := int(f)
	return &level
}

func usernamePart(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

type userCreator interface {
	Create(ctx context.Context, user *models.User) error
}

// AdminAccount describes an administrator created from the command line.
type AdminAccount struct {
	Username  string
	Email     string
	FirstName string
	LastName  string
	// Password is optional; when empty a temporary password is generated and
	// must be rotated at first login.
	Password string
}

// CreateAdmin creates an administrator. The username is used verbatim
// (lowercased) and must be free.
func (s *ProvisioningService) CreateAdmin(ctx context.Context, users userCreator, in AdminAccount) (*models.CredentialBundle, error) {
	username := strings.ToLower(strings.TrimSpace(in.Username))
	if username == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "username is required")
	}

	password, temporary := in.Password, false
	if password == "" {
		generated, err := GenerateTempPassword(s.config.TempPasswordLength)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate temporary password")
		}
		password, temporary = generated, true
	} else if err := CheckPasswordPolicy(password, MinPasswordLength); err != nil {
		return nil, err
	}

	hash, err := hashPassword(password, s.config.BcryptCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}
	user := &models.User{
		Username:           username,
		Email:              strings.TrimSpace(in.Email),
		FirstName:          strings.TrimSpace(in.FirstName),
		LastName:           strings.TrimSpace(in.LastName),
		Role:               models.RoleAdmin,
		PasswordHash:       hash,
		MustChangePassword: temporary,
	}
	if err := users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrUsernameTaken) {
			return nil, appErrors.Clone(appErrors.ErrInvalidState, "username already exists")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create administrator")
	}

	s.logger.Info("administrator created", zap.String("user_id", user.ID), zap.String("username", username), zap.Bool("temporary_password", temporary))
	bundle := &models.CredentialBundle{Username: username}
	if temporary {
		bundle.TempPassword = password
	}
	return bundle, nil
}
