package util

import (
	"errors"
	"strings"
)

const maxIdentityLen = 64

// ValidateIdentity validates and normalizes a participant identity.
// Identities end up as presence row keys and in log lines, so they must
// be non-empty, short, and free of whitespace and path characters.
func ValidateIdentity(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("identity is empty")
	}
	if len(name) > maxIdentityLen {
		return "", errors.New("identity is too long")
	}
	if strings.ContainsAny(name, "/\\ \t\n") || strings.Contains(name, "..") {
		return "", errors.New("identity must not contain spaces, slashes or '..'")
	}
	return name, nil
}
