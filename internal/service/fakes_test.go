package service

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/csta-portal-api/internal/models"
	"github.com/noah-isme/csta-portal-api/internal/repository"
)

// memDB is an in-memory stand-in for the portal tables. Decide holds the
// lock for the whole transaction, like the row lock in Postgres.
type memDB struct {
	mu       sync.Mutex
	users    map[string]*models.User
	profiles map[string]*models.StudentProfile
	sessions map[string]*models.Session
	requests map[int64]*models.EnrollmentRequest
	nextReq  int64
	audits   []models.AuditLog
}

func newMemDB() *memDB {
	return &memDB{
		users:    map[string]*models.User{},
		profiles: map[string]*models.StudentProfile{},
		sessions: map[string]*models.Session{},
		requests: map[int64]*models.EnrollmentRequest{},
	}
}

func (db *memDB) addUser(u models.User) *models.User {
	db.mu.Lock()
	defer db.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	db.users[u.ID] = &u
	return &u
}

func (db *memDB) user(id string) models.User {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.users[id]
}

func (db *memDB) userCount(role models.UserRole) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, u := range db.users {
		if u.Role == role {
			n++
		}
	}
	return n
}

func (db *memDB) sessionCount(userID string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, s := range db.sessions {
		if s.UserID == userID {
			n++
		}
	}
	return n
}

func (db *memDB) auditActions() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]string, 0, len(db.audits))
	for _, a := range db.audits {
		out = append(out, a.Action)
	}
	return out
}

type memUsers struct{ db *memDB }

func (r memUsers) FindByUsername(_ context.Context, username string) (*models.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, u := range r.db.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r memUsers) FindByID(_ context.Context, id string) (*models.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	u, ok := r.db.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *u
	return &cp, nil
}

func (r memUsers) FindStudentProfile(_ context.Context, userID string) (*models.StudentProfile, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	p, ok := r.db.profiles[userID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *p
	return &cp, nil
}

func (r memUsers) SetPassword(_ context.Context, userID, hash string, mustChange bool) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	u, ok := r.db.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	u.PasswordHash = hash
	u.MustChangePassword = mustChange
	for id, s := range r.db.sessions {
		if s.UserID == userID {
			delete(r.db.sessions, id)
		}
	}
	return nil
}

func (r memUsers) RotatePassword(_ context.Context, userID, oldHash, newHash string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	u, ok := r.db.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	if u.PasswordHash != oldHash {
		return repository.ErrPasswordChanged
	}
	u.PasswordHash = newHash
	u.MustChangePassword = false
	for id, s := range r.db.sessions {
		if s.UserID == userID {
			delete(r.db.sessions, id)
		}
	}
	return nil
}

func (r memUsers) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.audits = append(r.db.audits, *log)
	return nil
}

type memSessions struct{ db *memDB }

func (r memSessions) Create(_ context.Context, s *models.Session) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cp := *s
	r.db.sessions[s.ID] = &cp
	return nil
}

func (r memSessions) FindByID(_ context.Context, id string) (*models.Session, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.sessions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *s
	if u, ok := r.db.users[s.UserID]; ok {
		cp.Username = u.Username
	}
	return &cp, nil
}

func (r memSessions) Touch(_ context.Context, id string, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if s, ok := r.db.sessions[id]; ok {
		s.LastSeenAt = at
	}
	return nil
}

func (r memSessions) Delete(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	delete(r.db.sessions, id)
	return nil
}

type memEnroll struct {
	db *memDB
	// hook runs inside Decide while the lock is held.
	hook func()
}

func (r *memEnroll) Create(_ context.Context, req *models.EnrollmentRequest) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.nextReq++
	req.ID = r.db.nextReq
	req.Status = models.EnrollmentStatusPending
	req.CreatedAt = time.Now().UTC()
	cp := *req
	r.db.requests[req.ID] = &cp
	return nil
}

func (r *memEnroll) FindByID(_ context.Context, id int64) (*models.EnrollmentRequest, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	req, ok := r.db.requests[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *req
	return &cp, nil
}

func (r *memEnroll) List(_ context.Context, status models.EnrollmentStatus) ([]models.EnrollmentRequest, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := make([]models.EnrollmentRequest, 0)
	for _, req := range r.db.requests {
		if status == "" || req.Status == status {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memEnroll) Decide(ctx context.Context, d repository.Decision, provision repository.ProvisionFunc) (*models.EnrollmentRequest, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.hook != nil {
		r.hook()
	}

	stored, ok := r.db.requests[d.ID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	if stored.Status != models.EnrollmentStatusPending {
		return nil, repository.ErrStatusConflict
	}

	w := &memWriter{db: r.db}
	var accountID *string
	if provision != nil {
		req := *stored
		id, err := provision(ctx, w, &req)
		if err != nil {
			return nil, err
		}
		accountID = &id
	}

	for _, u := range w.users {
		r.db.users[u.ID] = u
	}
	for _, p := range w.profiles {
		r.db.profiles[p.UserID] = p
	}
	now := time.Now().UTC()
	stored.Status = d.To
	stored.DecidedAt = &now
	if d.DecidedBy != "" {
		by := d.DecidedBy
		stored.DecidedBy = &by
	}
	stored.AccountID = accountID
	r.db.audits = append(r.db.audits, models.AuditLog{Action: "ENROLL_" + strings.ToUpper(string(d.To))})

	cp := *stored
	return &cp, nil
}

// memWriter stages account rows until Decide commits them.
type memWriter struct {
	db       *memDB
	users    []*models.User
	profiles []*models.StudentProfile
}

func (w *memWriter) ExistingUsernames(_ context.Context, base string) ([]string, error) {
	var names []string
	for _, u := range w.db.users {
		if strings.HasPrefix(u.Username, base) {
			names = append(names, u.Username)
		}
	}
	for _, u := range w.users {
		if strings.HasPrefix(u.Username, base) {
			names = append(names, u.Username)
		}
	}
	return names, nil
}

func (w *memWriter) InsertUser(_ context.Context, user *models.User) error {
	for _, u := range w.db.users {
		if u.Username == user.Username {
			return repository.ErrUsernameTaken
		}
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	cp := *user
	w.users = append(w.users, &cp)
	return nil
}

func (w *memWriter) InsertStudent(_ context.Context, profile *models.StudentProfile) error {
	cp := *profile
	w.profiles = append(w.profiles, &cp)
	return nil
}
