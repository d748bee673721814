// Package turn fans one user turn out to every enabled endpoint of a chat,
// streams each endpoint's reply back through a Sink and persists the
// results.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/ollama"
	"github.com/zulandar/switchyard/internal/store"
	"github.com/zulandar/switchyard/internal/title"
)

var (
	// ErrModelNotSelected is reported for an enabled endpoint with neither
	// a selected nor a fallback model.
	ErrModelNotSelected = errors.New("turn: no model selected")
	// ErrNoConversation is reported when the chat has no conversation on
	// an enabled endpoint.
	ErrNoConversation = errors.New("turn: no conversation for endpoint")
)

// State is the lifecycle of one branch of a turn.
type State int

const (
	StatePending State = iota
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Chunk is one piece of a streamed reply. Metrics is set only on the final
// chunk, after the reply has been persisted.
type Chunk struct {
	CorrelationID string
	Response      ollama.ChatResponse
	Metrics       *ollama.Metrics
}

// Sink receives everything a turn sends back to the client.
type Sink interface {
	Chunk(endpoint string, c Chunk) error
	Failed(endpoint string, chatID uint, correlationID string, err error) error
	title.Notifier
}

// Store is the persistence a turn needs.
type Store interface {
	ConversationFor(ctx context.Context, chatID uint, address string) (*store.ConversationView, error)
	AppendMessage(ctx context.Context, conversationID uint, nm store.NewMessage) (*models.Message, error)
	UpdateMetrics(ctx context.Context, messageID string, m models.MessageMetrics) error
	ListMessages(ctx context.Context, conversationID uint) ([]models.Message, error)
}

// Endpoints exposes the live endpoints.
type Endpoints interface {
	Addresses() []string
	Streamer(address string) (ollama.ChatStreamer, bool)
}

// Canceller hands out per-(chat, endpoint) cancellation tokens.
type Canceller interface {
	Acquire(ctx context.Context, chatID uint, endpoint string) (context.Context, func())
}

// Titler names a chat after its first turn.
type Titler interface {
	Synthesize(ctx context.Context, req title.Request, n title.Notifier) (string, error)
}

// Result is the settled outcome of one branch.
type Result struct {
	Endpoint       string
	ConversationID uint
	Model          string
	CorrelationID  string
	State          State
	MessageID      string
	Content        string
	Metrics        *ollama.Metrics
	CompletedAt    time.Time
	Transcript     []ollama.Message
	Err            error
}

// Outcome collects every branch of a turn and the title, if one was made.
type Outcome struct {
	Results  []Result
	Title    string
	TitleErr error
}

// Completed returns the results that reached StateCompleted.
func (o *Outcome) Completed() []Result {
	var out []Result
	for _, r := range o.Results {
		if r.State == StateCompleted {
			out = append(out, r)
		}
	}
	return out
}

// Orchestrator runs turns.
type Orchestrator struct {
	store     Store
	endpoints Endpoints
	tokens    Canceller
	titler    Titler
	logger    *slog.Logger
	now       func() time.Time
}

// Opts holds parameters for creating an Orchestrator.
type Opts struct {
	Store     Store
	Endpoints Endpoints
	Tokens    Canceller
	Titler    Titler // optional; first turns are not titled without it
	Logger    *slog.Logger
}

// New creates an Orchestrator.
func New(opts Opts) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("turn: store is required")
	}
	if opts.Endpoints == nil {
		return nil, fmt.Errorf("turn: endpoints are required")
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("turn: tokens are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     opts.Store,
		endpoints: opts.Endpoints,
		tokens:    opts.Tokens,
		titler:    opts.Titler,
		logger:    logger,
		now:       time.Now,
	}, nil
}

type branch struct {
	endpoint string
	conv     uint
	model    string
	streamer ollama.ChatStreamer
}

// Run executes one turn. Branches run concurrently and fail independently;
// Run only returns an error for an invalid request. It blocks until every
// branch has settled and, on a first turn, the title attempt is over.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink Sink) (*Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	log := o.logger.With("chat_id", req.ChatID)

	var branches []branch
	out := &Outcome{}
	for _, addr := range o.endpoints.Addresses() {
		if !req.Enabled[addr] {
			continue
		}
		conv, err := o.store.ConversationFor(ctx, req.ChatID, addr)
		if errors.Is(err, store.ErrNotFound) {
			log.Info("turn: no conversation on endpoint, skipping", "endpoint", addr)
			continue
		}
		if err != nil {
			out.Results = append(out.Results, o.reject(req, addr, 0, "", err, sink))
			continue
		}
		model := req.modelFor(addr)
		if model == "" {
			out.Results = append(out.Results, o.reject(req, addr, conv.ID, "", ErrModelNotSelected, sink))
			continue
		}
		streamer, ok := o.endpoints.Streamer(addr)
		if !ok {
			err := fmt.Errorf("%w: %s", ollama.ErrEndpointUnreachable, addr)
			out.Results = append(out.Results, o.reject(req, addr, conv.ID, model, err, sink))
			continue
		}
		branches = append(branches, branch{endpoint: addr, conv: conv.ID, model: model, streamer: streamer})
	}

	p := pool.NewWithResults[Result]()
	for _, b := range branches {
		p.Go(func() Result {
			return o.runBranch(ctx, req, b, sink)
		})
	}
	out.Results = append(out.Results, p.Wait()...)

	if req.IsFirstMessage && o.titler != nil {
		o.synthesizeTitle(ctx, req, out, sink)
	}
	return out, nil
}

func (o *Orchestrator) reject(req Request, endpoint string, conv uint, model string, err error, sink Sink) Result {
	o.logger.Warn("turn: endpoint rejected", "chat_id", req.ChatID, "endpoint", endpoint, "error", err)
	if serr := sink.Failed(endpoint, req.ChatID, "", err); serr != nil {
		o.logger.Debug("turn: report failure", "endpoint", endpoint, "error", serr)
	}
	return Result{Endpoint: endpoint, ConversationID: conv, Model: model, State: StateFailed, Err: err}
}

// runBranch drives one endpoint from PENDING to COMPLETED or FAILED.
func (o *Orchestrator) runBranch(ctx context.Context, req Request, b branch, sink Sink) Result {
	res := Result{Endpoint: b.endpoint, ConversationID: b.conv, Model: b.model, State: StatePending}
	log := o.logger.With("chat_id", req.ChatID, "endpoint", b.endpoint, "conversation_id", b.conv)

	bctx, release := o.tokens.Acquire(ctx, req.ChatID, b.endpoint)
	defer release()

	var image []byte
	if len(req.Images) > 0 {
		image = req.Images[0]
	}
	userMsg, err := o.store.AppendMessage(bctx, b.conv, store.NewMessage{Role: models.RoleUser, Content: req.Message, Image: image})
	if err != nil {
		return o.fail(res, req, fmt.Errorf("turn: persist user message: %w", err), sink, log)
	}

	history, err := o.store.ListMessages(bctx, b.conv)
	if err != nil {
		return o.persistPartial(ctx, res, req, "", fmt.Errorf("turn: read transcript: %w", err), sink, log)
	}
	transcript := make([]ollama.Message, len(history))
	for i, m := range history {
		transcript[i] = ollama.Message{Role: string(m.Role), Content: m.Content}
		if m.ID == userMsg.ID {
			transcript[i].Images = ollama.Images(req.Images)
		} else if len(m.Image) > 0 {
			transcript[i].Images = []ollama.ImageData{m.Image}
		}
	}

	res.CorrelationID = uuid.NewString()
	res.State = StateStreaming

	var text strings.Builder
	var final *ollama.ChatResponse
	sinkFailed := false
	err = b.streamer.ChatStream(bctx, ollama.ChatRequest{Model: b.model, Messages: transcript}, func(r ollama.ChatResponse) error {
		text.WriteString(r.Message.Content)
		if r.Done {
			final = &r
			return nil
		}
		if err := sink.Chunk(b.endpoint, Chunk{CorrelationID: res.CorrelationID, Response: r}); err != nil && !sinkFailed {
			sinkFailed = true
			log.Debug("turn: client stopped receiving chunks", "error", err)
		}
		return nil
	})
	if err == nil && final == nil {
		err = fmt.Errorf("%w: stream ended without completion", ollama.ErrEndpointUnreachable)
	}
	if err != nil {
		return o.persistPartial(ctx, res, req, text.String(), err, sink, log)
	}

	// The reply is complete; persist it even if the turn was aborted since.
	pctx := context.WithoutCancel(ctx)
	metrics := ollama.NormalizeMetrics(*final)
	reply, err := o.store.AppendMessage(pctx, b.conv, store.NewMessage{Role: models.RoleAssistant, Content: text.String()})
	if err != nil {
		return o.fail(res, req, fmt.Errorf("turn: persist reply: %w", err), sink, log)
	}
	if err := o.store.UpdateMetrics(pctx, reply.ID, metricsModel(metrics)); err != nil {
		log.Error("turn: persist metrics", "message_id", reply.ID, "error", err)
	}

	if err := sink.Chunk(b.endpoint, Chunk{CorrelationID: res.CorrelationID, Response: *final, Metrics: &metrics}); err != nil {
		log.Debug("turn: completion notice not delivered", "error", err)
	}
	res.State = StateCompleted
	res.CompletedAt = o.now()
	res.MessageID = reply.ID
	res.Content = reply.Content
	res.Metrics = &metrics
	res.Transcript = append(transcript, ollama.Message{Role: string(models.RoleAssistant), Content: reply.Content})
	log.Info("turn: branch completed", "model", b.model, "eval_count", metrics.EvalCount)
	return res
}

// persistPartial stores whatever text was generated as an incomplete
// assistant message, keeping the transcript alternating, then fails the
// branch.
func (o *Orchestrator) persistPartial(ctx context.Context, res Result, req Request, text string, cause error, sink Sink, log *slog.Logger) Result {
	msg, err := o.store.AppendMessage(context.WithoutCancel(ctx), res.ConversationID, store.NewMessage{
		Role:       models.RoleAssistant,
		Content:    text,
		Incomplete: true,
	})
	if err != nil {
		log.Error("turn: persist partial reply", "error", err)
	} else {
		res.MessageID = msg.ID
		res.Content = msg.Content
	}
	return o.fail(res, req, cause, sink, log)
}

func (o *Orchestrator) fail(res Result, req Request, err error, sink Sink, log *slog.Logger) Result {
	res.State = StateFailed
	res.Err = err
	if errors.Is(err, context.Canceled) {
		log.Info("turn: branch cancelled")
	} else {
		log.Warn("turn: branch failed", "error", err)
	}
	if serr := sink.Failed(res.Endpoint, req.ChatID, res.CorrelationID, err); serr != nil {
		log.Debug("turn: report failure", "error", serr)
	}
	return res
}

// synthesizeTitle hands the branch that completed last to the titler.
func (o *Orchestrator) synthesizeTitle(ctx context.Context, req Request, out *Outcome, sink Sink) {
	var last *Result
	for i := range out.Results {
		r := &out.Results[i]
		if r.State != StateCompleted {
			continue
		}
		if last == nil || r.CompletedAt.After(last.CompletedAt) {
			last = r
		}
	}
	if last == nil {
		return
	}
	t, err := o.titler.Synthesize(ctx, title.Request{
		ChatID:     req.ChatID,
		Endpoint:   last.Endpoint,
		Model:      last.Model,
		Transcript: last.Transcript,
	}, sink)
	out.Title, out.TitleErr = t, err
	if err != nil {
		o.logger.Warn("turn: title not created", "chat_id", req.ChatID, "endpoint", last.Endpoint, "error", err)
	}
}

func metricsModel(m ollama.Metrics) models.MessageMetrics {
	return models.MessageMetrics{
		TotalDuration:      &m.TotalDuration,
		LoadDuration:       &m.LoadDuration,
		PromptEvalCount:    &m.PromptEvalCount,
		PromptEvalDuration: &m.PromptEvalDuration,
		PromptEvalRate:     &m.PromptEvalRate,
		EvalCount:          &m.EvalCount,
		EvalDuration:       &m.EvalDuration,
		EvalRate:           &m.EvalRate,
	}
}
