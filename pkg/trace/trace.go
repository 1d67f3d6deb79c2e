// Package trace provides 128-bit trace identifiers linking all rows that
// comprise one logical action.
package trace

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// IDLength is the rendered length of a trace id: 32 lowercase hex characters.
const IDLength = 32

// NewID returns a fresh 128-bit random trace id rendered as 32 hex chars.
func NewID() string {
	u := uuid.New()
	return strings.ReplaceAll(u.String(), "-", "")
}

// Validate checks that s is a well-formed trace id.
func Validate(s string) error {
	if len(s) != IDLength {
		return fmt.Errorf("trace id must be %d hex chars, got %d", IDLength, len(s))
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("trace id contains invalid character %q", c)
		}
	}
	return nil
}
