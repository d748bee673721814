// Package assign matches conversations without an endpoint to live
// endpoints that serve the conversation's model.
package assign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc/iter"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/store"
)

// Defaults for the model-listing retry.
const (
	DefaultRetries       = 5
	DefaultRetryDelay    = 500 * time.Millisecond
	DefaultRetryMaxDelay = 2 * time.Second
)

// Store is the persistence the assigner needs.
type Store interface {
	UnassignedConversations(ctx context.Context, chatID uint) ([]models.Conversation, error)
	UnassignedEndpoints(ctx context.Context, chatID uint) ([]models.Endpoint, error)
	AssignEndpoint(ctx context.Context, conversationID, endpointID uint) error
}

// ModelLister lists the model names an endpoint serves.
type ModelLister interface {
	ModelNames(ctx context.Context, endpoint string) ([]string, error)
}

// Assignment is one conversation bound to an endpoint.
type Assignment struct {
	ConversationID uint   `json:"conversation_id"`
	EndpointID     uint   `json:"endpoint_id"`
	Endpoint       string `json:"endpoint"`
}

// Assigner performs greedy conversation-to-endpoint matching.
type Assigner struct {
	store         Store
	lister        ModelLister
	retries       int
	retryDelay    time.Duration
	retryMaxDelay time.Duration
	logger        *slog.Logger
}

// Opts holds parameters for creating an Assigner.
type Opts struct {
	Store         Store
	Lister        ModelLister
	Retries       int           // defaults to DefaultRetries
	RetryDelay    time.Duration // defaults to DefaultRetryDelay
	RetryMaxDelay time.Duration // defaults to DefaultRetryMaxDelay
	Logger        *slog.Logger
}

// New creates an Assigner.
func New(opts Opts) (*Assigner, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("assign: store is required")
	}
	if opts.Lister == nil {
		return nil, fmt.Errorf("assign: model lister is required")
	}
	a := &Assigner{
		store:         opts.Store,
		lister:        opts.Lister,
		retries:       opts.Retries,
		retryDelay:    opts.RetryDelay,
		retryMaxDelay: opts.RetryMaxDelay,
		logger:        opts.Logger,
	}
	if a.retries <= 0 {
		a.retries = DefaultRetries
	}
	if a.retryDelay <= 0 {
		a.retryDelay = DefaultRetryDelay
	}
	if a.retryMaxDelay <= 0 {
		a.retryMaxDelay = DefaultRetryMaxDelay
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a, nil
}

type candidate struct {
	endpoint models.Endpoint
	models   map[string]bool
	err      error
}

// Assign binds the chat's unassigned conversations to free endpoints among
// live. Each conversation, in creation order, takes the first free
// endpoint that serves its model; an endpoint is used at most once.
// Conversations without a match stay unassigned.
func (a *Assigner) Assign(ctx context.Context, chatID uint, live []string) ([]Assignment, error) {
	convs, err := a.store.UnassignedConversations(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("assign: chat %d: %w", chatID, err)
	}
	assignments := []Assignment{}
	if len(convs) == 0 {
		return assignments, nil
	}

	free, err := a.store.UnassignedEndpoints(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("assign: chat %d: %w", chatID, err)
	}
	isLive := make(map[string]bool, len(live))
	for _, addr := range live {
		isLive[addr] = true
	}
	var eps []models.Endpoint
	for _, ep := range free {
		if isLive[ep.Address] {
			eps = append(eps, ep)
		}
	}
	if len(eps) == 0 {
		return assignments, nil
	}

	candidates := iter.Map(eps, func(ep *models.Endpoint) candidate {
		names, err := a.listModels(ctx, ep.Address)
		c := candidate{endpoint: *ep, models: make(map[string]bool, len(names)), err: err}
		for _, n := range names {
			c.models[n] = true
		}
		return c
	})

	used := make([]bool, len(candidates))
	for _, conv := range convs {
		for i, c := range candidates {
			if used[i] || c.err != nil || !c.models[conv.Model] {
				continue
			}
			err := a.store.AssignEndpoint(ctx, conv.ID, c.endpoint.ID)
			if errors.Is(err, store.ErrConstraintViolation) {
				// Taken concurrently; leave it for the next candidate.
				used[i] = true
				continue
			}
			if err != nil {
				return assignments, fmt.Errorf("assign: conversation %d: %w", conv.ID, err)
			}
			used[i] = true
			assignments = append(assignments, Assignment{
				ConversationID: conv.ID,
				EndpointID:     c.endpoint.ID,
				Endpoint:       c.endpoint.Address,
			})
			a.logger.Info("assign: conversation assigned", "chat_id", chatID, "conversation_id", conv.ID, "endpoint", c.endpoint.Address, "model", conv.Model)
			break
		}
	}
	for _, c := range candidates {
		if c.err != nil {
			a.logger.Warn("assign: list models failed", "endpoint", c.endpoint.Address, "error", c.err)
		}
	}
	return assignments, nil
}

// listModels queries an endpoint with exponential backoff and jitter.
func (a *Assigner) listModels(ctx context.Context, endpoint string) ([]string, error) {
	attempts := 0
	var names []string
	err := backoff.Retry(func() error {
		attempts++
		var err error
		names, err = a.lister.ModelNames(ctx, endpoint)
		return err
	}, a.retryPolicy(ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("list models on %s after %d attempts: %w", endpoint, attempts, err)
	}
	return names, nil
}

// retryPolicy doubles the delay from retryDelay up to retryMaxDelay with 25%
// jitter, stopping after retries attempts in total.
func (a *Assigner) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.retryDelay
	b.MaxInterval = a.retryMaxDelay
	b.RandomizationFactor = 0.25
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(a.retries-1)), ctx)
}
