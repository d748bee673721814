// Package title derives a short chat title from a finished transcript by
// asking a model endpoint for a YAML-shaped answer.
package title

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zulandar/switchyard/internal/ollama"
)

// DefaultAttempts bounds how many completions are requested before giving up.
const DefaultAttempts = 10

// DefaultAttemptTimeout bounds a single completion request.
const DefaultAttemptTimeout = time.Minute

// maxTitleRunes matches the width of the chats.title column.
const maxTitleRunes = 256

// ErrTitleExtractionFailed is returned when no attempt produced a title.
var ErrTitleExtractionFailed = errors.New("title: extraction failed")

// Instruction is appended to the transcript as the final user message.
const Instruction = `Summarize the conversation above as a chat title of at most six words.
Reply with exactly one line of YAML and nothing else, in this form:
title: "<the title>"`

var titlePattern = regexp.MustCompile(`(?i)title: ?"?([^"\r\n]+)"?`)

// Extract pulls the title out of a model reply. It accepts a
// case-insensitive "title:" followed by an optionally quoted value.
func Extract(reply string) (string, bool) {
	m := titlePattern.FindStringSubmatch(reply)
	if m == nil {
		return "", false
	}
	t := strings.TrimSpace(m[1])
	if t == "" {
		return "", false
	}
	if utf8.RuneCountInString(t) > maxTitleRunes {
		t = string([]rune(t)[:maxTitleRunes])
	}
	return t, true
}

// Completer sends one non-streaming exchange to a model and returns the
// reply text.
type Completer interface {
	Complete(ctx context.Context, model string, messages []ollama.Message) (string, error)
}

// TitleStore persists synthesized titles.
type TitleStore interface {
	UpdateChatTitle(ctx context.Context, chatID uint, title string) error
}

// Notifier is told about every title that was stored.
type Notifier interface {
	TitleCreated(chatID uint, title string) error
}

// Request names the transcript to summarize and where to send it.
type Request struct {
	ChatID     uint
	Endpoint   string
	Model      string
	Transcript []ollama.Message
}

// Synthesizer turns transcripts into chat titles.
type Synthesizer struct {
	store        TitleStore
	completerFor func(endpoint string) Completer
	attempts     int
	timeout      time.Duration
	logger       *slog.Logger
}

// Opts holds parameters for creating a Synthesizer.
type Opts struct {
	Store TitleStore
	// CompleterFor returns the completer for an endpoint address. Defaults
	// to NewOpenAICompleter.
	CompleterFor func(endpoint string) Completer
	Attempts     int           // defaults to DefaultAttempts
	Timeout      time.Duration // per attempt; defaults to DefaultAttemptTimeout
	Logger       *slog.Logger
}

// New creates a Synthesizer.
func New(opts Opts) (*Synthesizer, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("title: store is required")
	}
	s := &Synthesizer{
		store:        opts.Store,
		completerFor: opts.CompleterFor,
		attempts:     opts.Attempts,
		timeout:      opts.Timeout,
		logger:       opts.Logger,
	}
	if s.completerFor == nil {
		s.completerFor = func(endpoint string) Completer { return NewOpenAICompleter(endpoint) }
	}
	if s.attempts <= 0 {
		s.attempts = DefaultAttempts
	}
	if s.timeout <= 0 {
		s.timeout = DefaultAttemptTimeout
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Prompt builds the exchange sent to the endpoint: the transcript text
// followed by the title instruction. Images are not sent.
func Prompt(transcript []ollama.Message) []ollama.Message {
	msgs := make([]ollama.Message, 0, len(transcript)+1)
	for _, m := range transcript {
		msgs = append(msgs, ollama.Message{Role: m.Role, Content: m.Content})
	}
	return append(msgs, ollama.Message{Role: "user", Content: Instruction})
}

// Synthesize asks the endpoint for a title until one can be extracted or
// the attempts run out. On success the title is stored and n is notified;
// on failure the chat keeps its current title.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request, n Notifier) (string, error) {
	completer := s.completerFor(req.Endpoint)
	prompt := Prompt(req.Transcript)
	log := s.logger.With("chat_id", req.ChatID, "endpoint", req.Endpoint)

	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("title: chat %d: %w", req.ChatID, err)
		}
		reply, err := s.complete(ctx, completer, req.Model, prompt)
		if err != nil {
			log.Debug("title: completion failed", "attempt", attempt, "error", err)
			continue
		}
		t, ok := Extract(reply)
		if !ok {
			log.Debug("title: no title in reply", "attempt", attempt)
			continue
		}

		if err := s.store.UpdateChatTitle(ctx, req.ChatID, t); err != nil {
			return "", fmt.Errorf("title: store title for chat %d: %w", req.ChatID, err)
		}
		log.Info("title: created", "title", t, "attempts", attempt)
		if n != nil {
			if err := n.TitleCreated(req.ChatID, t); err != nil {
				log.Warn("title: notify", "error", err)
			}
		}
		return t, nil
	}
	return "", fmt.Errorf("%w: chat %d after %d attempts", ErrTitleExtractionFailed, req.ChatID, s.attempts)
}

// complete runs one attempt under the per-attempt deadline so a hung
// endpoint cannot hold the turn.
func (s *Synthesizer) complete(ctx context.Context, c Completer, model string, prompt []ollama.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return c.Complete(ctx, model, prompt)
}
