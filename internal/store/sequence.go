package store

import (
	"fmt"

	"github.com/zulandar/switchyard/internal/models"
)

// validNext reports whether next may follow prev in a transcript. An empty
// prev means the transcript is empty.
func validNext(prev, next models.Role) bool {
	switch prev {
	case "":
		return next == models.RoleSystem || next == models.RoleUser
	case models.RoleSystem, models.RoleAssistant:
		return next == models.RoleUser
	case models.RoleUser:
		return next == models.RoleAssistant
	}
	return false
}

// ValidateSequence checks that roles form a valid transcript: at most one
// system message, first, followed by strictly alternating user and
// assistant messages starting with user.
func ValidateSequence(roles []models.Role) error {
	var prev models.Role
	for i, r := range roles {
		if !r.Valid() {
			return fmt.Errorf("%w: message %d has unknown role %q", ErrInvalidMessageSequence, i, r)
		}
		if !validNext(prev, r) {
			return fmt.Errorf("%w: message %d: %q cannot follow %q", ErrInvalidMessageSequence, i, r, describe(prev))
		}
		prev = r
	}
	return nil
}

func describe(r models.Role) string {
	if r == "" {
		return "start"
	}
	return string(r)
}
