package service

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	appErrors "github.com/noah-isme/csta-portal-api/pkg/errors"
)

const (
	// MinPasswordLength is the floor for every password, temporary ones included.
	MinPasswordLength = 16
	// bcrypt silently ignores input beyond 72 bytes.
	maxPasswordBytes = 72
)

// No 0/O, 1/l/I: temporary passwords are read aloud and retyped.
const tempPasswordAlphabet = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CheckPasswordPolicy validates a new password against the length policy.
func CheckPasswordPolicy(password string, minLength int) error {
	if minLength < MinPasswordLength {
		minLength = MinPasswordLength
	}
	if utf8.RuneCountInString(password) < minLength {
		return appErrors.Clone(appErrors.ErrPolicyViolation, fmt.Sprintf("password must be at least %d characters", minLength))
	}
	if len(password) > maxPasswordBytes {
		return appErrors.Clone(appErrors.ErrPolicyViolation, fmt.Sprintf("password must be at most %d bytes", maxPasswordBytes))
	}
	return nil
}

// GenerateTempPassword returns a random password of the given length drawn
// from crypto/rand. Lengths under the policy floor are raised to it.
func GenerateTempPassword(length int) (string, error) {
	if length < MinPasswordLength {
		length = MinPasswordLength
	}
	if length > maxPasswordBytes {
		length = maxPasswordBytes
	}
	max := big.NewInt(int64(len(tempPasswordAlphabet)))
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate temp password: %w", err)
		}
		buf[i] = tempPasswordAlphabet[n.Int64()]
	}
	return string(buf), nil
}

func hashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
