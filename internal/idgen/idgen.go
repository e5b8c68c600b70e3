// Package idgen generates prefixed identifiers for persisted entities.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Entity prefixes.
const (
	Session   = "sess_"
	Payment   = "pay_"
	Escrow    = "esc_"
	Milestone = "ms_"
	Gap       = "gap_"
)

// New returns a random UUIDv4 in canonical dashed form.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by the 32 hex chars of a random UUID.
func WithPrefix(prefix string) string {
	return prefix + Hex()
}

// Hex returns a random UUID without dashes.
func Hex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HasPrefix reports whether id carries the given prefix and a well-formed
// hex body.
func HasPrefix(id, prefix string) bool {
	body, ok := strings.CutPrefix(id, prefix)
	if !ok || len(body) != 32 {
		return false
	}
	_, err := uuid.Parse(body)
	return err == nil
}
