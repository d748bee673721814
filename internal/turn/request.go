package turn

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest is returned for turn payloads missing required fields.
var ErrInvalidRequest = errors.New("turn: invalid request")

// Request is one user turn addressed to a chat.
type Request struct {
	ChatID         uint
	IsFirstMessage bool
	Message        string
	Images         [][]byte
	// Enabled maps endpoint address to whether it takes part in the turn.
	Enabled map[string]bool
	// Models maps endpoint address to the model selected for it.
	Models map[string]string
	// FallbackModel is used for enabled endpoints without a selection.
	FallbackModel string
}

// Validate checks the fields every turn must carry.
func (r Request) Validate() error {
	switch {
	case r.ChatID == 0:
		return fmt.Errorf("%w: chat id is required", ErrInvalidRequest)
	case r.Enabled == nil:
		return fmt.Errorf("%w: endpoint enablement is required", ErrInvalidRequest)
	case r.Models == nil:
		return fmt.Errorf("%w: endpoint model selection is required", ErrInvalidRequest)
	case r.Message == "" && len(r.Images) == 0:
		return fmt.Errorf("%w: message is empty", ErrInvalidRequest)
	}
	return nil
}

// modelFor resolves the model for endpoint: its own selection first, then
// the fallback.
func (r Request) modelFor(endpoint string) string {
	if m := r.Models[endpoint]; m != "" {
		return m
	}
	return r.FallbackModel
}
