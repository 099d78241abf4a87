package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/csta-portal-api/internal/models"
	"github.com/noah-isme/csta-portal-api/internal/repository"
	appErrors "github.com/noah-isme/csta-portal-api/pkg/errors"
)

func newTestProvisioner() *ProvisioningService {
	return NewProvisioningService(ProvisioningConfig{TempPasswordLength: 20, MaxAttempts: 5, BcryptCost: bcrypt.MinCost}, nil)
}

func TestDeriveUsername(t *testing.T) {
	cases := []struct {
		name string
		in   models.Applicant
		want string
	}{
		{"first.last", models.Applicant{FirstName: "Ana", LastName: "Cruz"}, "ana.cruz"},
		{"diacritics folded", models.Applicant{FirstName: "José", LastName: "Ñúñez"}, "jose.nunez"},
		{"spaces and punctuation dropped", models.Applicant{FirstName: "Mary Ann", LastName: "De la Cruz-Santos"}, "maryann.delacruzsantos"},
		{"first only", models.Applicant{FirstName: "Ana"}, "ana"},
		{"email fallback", models.Applicant{FirstName: "李", LastName: "王", Email: "Li.Wang@x.com"}, "liwang"},
		{"last resort", models.Applicant{FirstName: "李"}, "student"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveUsername(tc.in))
		})
	}
}

func TestNextUsername(t *testing.T) {
	assert.Equal(t, "ana.cruz", NextUsername("ana.cruz", nil))
	assert.Equal(t, "ana.cruz1", NextUsername("ana.cruz", []string{"ana.cruz"}))
	assert.Equal(t, "ana.cruz2", NextUsername("ana.cruz", []string{"ana.cruz", "ana.cruz1"}))
	assert.Equal(t, "ana.cruz1", NextUsername("ana.cruz", []string{"ana.cruz", "ana.cruz2"}))
	assert.Equal(t, "ana.cruz", NextUsername("ana.cruz", []string{"ana.cruz1"}))
	assert.Equal(t, "ana.cruz1", NextUsername("ana.cruz", []string{"ana.cruz", "ana.cruzado", "ana.cruz01"}))
}

func TestParseYearLevel(t *testing.T) {
	one := 1
	assert.Equal(t, &one, ParseYearLevel("1"))
	assert.Equal(t, &one, ParseYearLevel(" 1.0 "))
	assert.Nil(t, ParseYearLevel("1.5"))
	assert.Nil(t, ParseYearLevel("first"))
	assert.Nil(t, ParseYearLevel(""))
	assert.Nil(t, ParseYearLevel("0"))
}

func TestCreateAccount(t *testing.T) {
	db := newMemDB()
	w := &memWriter{db: db}

	id, bundle, err := newTestProvisioner().CreateAccount(context.Background(), w, models.Applicant{
		FirstName: "Ana", LastName: "Cruz", Email: "ana@x.com", Program: "BSIT", YearLevel: "1.0",
	})
	require.NoError(t, err)
	assert.Equal(t, "ana.cruz", bundle.Username)
	assert.Len(t, bundle.TempPassword, 20)

	require.Len(t, w.users, 1)
	user := w.users[0]
	assert.Equal(t, id, user.ID)
	assert.Equal(t, models.RoleStudent, user.Role)
	assert.True(t, user.MustChangePassword)
	assert.NotContains(t, user.PasswordHash, bundle.TempPassword)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(bundle.TempPassword)))

	require.Len(t, w.profiles, 1)
	assert.Equal(t, id, w.profiles[0].UserID)
	require.NotNil(t, w.profiles[0].YearLevel)
	assert.Equal(t, 1, *w.profiles[0].YearLevel)
}

// racingWriter reports a username as taken once, as a concurrent
// transaction committing between the lookup and the insert would.
type racingWriter struct {
	*memWriter
	raced bool
}

func (w *racingWriter) InsertUser(ctx context.Context, user *models.User) error {
	if !w.raced {
		w.raced = true
		w.db.users["other"] = &models.User{ID: "other", Username: user.Username}
		return repository.ErrUsernameTaken
	}
	return w.memWriter.InsertUser(ctx, user)
}

func TestCreateAccountRetriesOnConcurrentReservation(t *testing.T) {
	db := newMemDB()
	w := &racingWriter{memWriter: &memWriter{db: db}}

	_, bundle, err := newTestProvisioner().CreateAccount(context.Background(), w, models.Applicant{FirstName: "Ana", LastName: "Cruz"})
	require.NoError(t, err)
	assert.Equal(t, "ana.cruz1", bundle.Username)
}

type alwaysTakenWriter struct {
	*memWriter
	attempts int
}

func (w *alwaysTakenWriter) InsertUser(context.Context, *models.User) error {
	w.attempts++
	return repository.ErrUsernameTaken
}

func TestCreateAccountGivesUpAfterMaxAttempts(t *testing.T) {
	w := &alwaysTakenWriter{memWriter: &memWriter{db: newMemDB()}}

	_, _, err := newTestProvisioner().CreateAccount(context.Background(), w, models.Applicant{FirstName: "Ana", LastName: "Cruz"})
	assert.True(t, appErrors.Is(err, appErrors.ErrInternal))
	assert.Equal(t, 5, w.attempts)
}

type memCreator struct{ db *memDB }

func (c memCreator) Create(_ context.Context, user *models.User) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	for _, u := range c.db.users {
		if u.Username == user.Username {
			return repository.ErrUsernameTaken
		}
	}
	if user.ID == "" {
		user.ID = "admin-" + user.Username
	}
	cp := *user
	c.db.users[cp.ID] = &cp
	return nil
}

func TestCreateAdmin(t *testing.T) {
	db := newMemDB()
	p := newTestProvisioner()
	ctx := context.Background()

	bundle, err := p.CreateAdmin(ctx, memCreator{db}, AdminAccount{Username: " Registrar "})
	require.NoError(t, err)
	assert.Equal(t, "registrar", bundle.Username)
	assert.Len(t, bundle.TempPassword, 20)
	stored := db.user("admin-registrar")
	assert.Equal(t, models.RoleAdmin, stored.Role)
	assert.True(t, stored.MustChangePassword)

	bundle, err = p.CreateAdmin(ctx, memCreator{db}, AdminAccount{Username: "dean", Password: "a-much-longer-passphrase"})
	require.NoError(t, err)
	assert.Empty(t, bundle.TempPassword)
	assert.False(t, db.user("admin-dean").MustChangePassword)

	_, err = p.CreateAdmin(ctx, memCreator{db}, AdminAccount{Username: "dean", Password: "a-much-longer-passphrase"})
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidState))

	_, err = p.CreateAdmin(ctx, memCreator{db}, AdminAccount{Username: "short", Password: "tooshort"})
	assert.True(t, appErrors.Is(err, appErrors.ErrPolicyViolation))
}
