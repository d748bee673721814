// Package store is the durable conversation store: chats, the conversations
// each chat holds with every endpoint, and their message transcripts.
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// DefaultPlaceholderTitle is the title a chat carries until one is synthesized.
const DefaultPlaceholderTitle = "New Chat"

var (
	// ErrInvalidMessageSequence is returned when a write would break the
	// system-first, user/assistant alternation of a transcript.
	ErrInvalidMessageSequence = errors.New("store: invalid message sequence")
	// ErrConstraintViolation is returned on uniqueness or foreign-key failures.
	ErrConstraintViolation = errors.New("store: constraint violation")
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("store: not found")
)

// Store wraps a GORM handle with the chat, conversation, message and
// endpoint operations. Every multi-row write runs in one transaction.
type Store struct {
	db               *gorm.DB
	placeholderTitle string
	now              func() time.Time
}

// Opts holds parameters for creating a Store.
type Opts struct {
	DB               *gorm.DB
	PlaceholderTitle string // defaults to DefaultPlaceholderTitle
}

// New creates a Store.
func New(opts Opts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	title := opts.PlaceholderTitle
	if title == "" {
		title = DefaultPlaceholderTitle
	}
	return &Store{db: opts.DB, placeholderTitle: title, now: time.Now}, nil
}

// PlaceholderTitle returns the title given to chats created without one.
func (s *Store) PlaceholderTitle() string {
	return s.placeholderTitle
}

// wrap prefixes err with the operation and maps driver errors onto the
// package sentinels.
func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidMessageSequence), errors.Is(err, ErrNotFound), errors.Is(err, ErrConstraintViolation):
		return fmt.Errorf("store: %s: %w", op, err)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("store: %s: %w", op, ErrNotFound)
	case isConstraintError(err):
		return fmt.Errorf("store: %s: %w: %w", op, ErrConstraintViolation, err)
	default:
		return fmt.Errorf("store: %s: %w", op, err)
	}
}

// isConstraintError recognizes translated GORM errors and falls back to the
// driver messages for dialects without a translator.
func isConstraintError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, gorm.ErrForeignKeyViolated) || errors.Is(err, gorm.ErrCheckConstraintViolated) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"UNIQUE constraint failed",
		"FOREIGN KEY constraint failed",
		"CHECK constraint failed",
		"Duplicate entry",
		"foreign key constraint fails",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
