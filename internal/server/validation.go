package server

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	// MaxUsernameLength and MaxMessageLength count characters, not bytes.
	MaxUsernameLength = 80
	MaxMessageLength  = 80
	MaxRoomNameLength = 40

	// DefaultRoom is the room clients join when they name none.
	DefaultRoom = "Global"
)

var (
	ErrUsernameEmpty   = errors.New("username cannot be empty")
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameInvalid = errors.New("username contains invalid characters")
	ErrMessageEmpty    = errors.New("message cannot be empty")
	ErrMessageTooLong  = errors.New("message too long")
	ErrRoomNameInvalid = errors.New("invalid room name")
)

// NormalizeUsername trims and NFC-normalizes name so that precomposed and
// decomposed accents compare and count the same, then validates it.
func NormalizeUsername(name string) (string, error) {
	name = strings.TrimSpace(norm.NFC.String(name))
	if name == "" {
		return "", ErrUsernameEmpty
	}
	if n := utf8.RuneCountInString(name); n > MaxUsernameLength {
		return "", fmt.Errorf("%w: %d characters, limit is %d", ErrUsernameTooLong, n, MaxUsernameLength)
	}
	if !validNameRunes(name) {
		return "", ErrUsernameInvalid
	}
	return name, nil
}

// NormalizeRoomName maps the empty name to DefaultRoom and applies the
// username character rules to everything else.
func NormalizeRoomName(name string) (string, error) {
	name = strings.TrimSpace(norm.NFC.String(name))
	if name == "" {
		return DefaultRoom, nil
	}
	if utf8.RuneCountInString(name) > MaxRoomNameLength || !validNameRunes(name) {
		return "", fmt.Errorf("%w: %q", ErrRoomNameInvalid, name)
	}
	return name, nil
}

// ValidateMessage checks chat text as a client sent it.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrMessageEmpty
	}
	if n := utf8.RuneCountInString(text); n > MaxMessageLength {
		return fmt.Errorf("%w: %d characters, limit is %d", ErrMessageTooLong, n, MaxMessageLength)
	}
	return nil
}

// Letters of any script, digits, underscore, space and hyphen.
func validNameRunes(s string) bool {
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
		case r == '_', r == ' ', r == '-':
		default:
			return false
		}
	}
	return true
}
