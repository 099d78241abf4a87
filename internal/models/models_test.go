package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUserRole(t *testing.T) {
	assert.True(t, RoleAdmin.Valid())
	assert.True(t, RoleStudent.Valid())
	assert.False(t, UserRole("Admin").Valid())
	assert.False(t, UserRole("").Valid())

	assert.Equal(t, "/admin/dashboard", RoleAdmin.Dashboard())
	assert.Equal(t, "/student/dashboard", RoleStudent.Dashboard())
	assert.Empty(t, UserRole("teacher").Dashboard())
}

func TestEnrollmentStatus(t *testing.T) {
	assert.False(t, EnrollmentStatusPending.Terminal())
	assert.True(t, EnrollmentStatusAccepted.Terminal())
	assert.True(t, EnrollmentStatusRejected.Terminal())
	assert.False(t, EnrollmentStatus("archived").Valid())
}

func TestSessionExpired(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s := &Session{ExpiresAt: now.Add(time.Minute)}
	assert.False(t, s.Expired(now))
	assert.True(t, s.Expired(now.Add(time.Minute)))
}
