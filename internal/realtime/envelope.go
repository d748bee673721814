package realtime

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/switchyard/internal/ollama"
	"github.com/zulandar/switchyard/internal/turn"
)

// Envelope types.
const (
	TypeRegisterEndpoints  = "register-endpoints"
	TypeChatMessage        = "chat-message"
	TypeStopChat           = "stop-chat"
	TypeOnChatMessage      = "on-chat-message"
	TypeOnChatTitleCreated = "on-chat-title-created"
	TypeOnChatError        = "on-chat-error"
	TypeOnEndpointsChanged = "on-endpoints-changed"
)

// ErrInvalidPayload is returned for envelopes that cannot be decoded.
var ErrInvalidPayload = errors.New("realtime: invalid payload")

// Envelope is the frame of every message on the connection. Endpoint is
// null for frames not tied to one endpoint.
type Envelope struct {
	Type     string          `json:"type"`
	Endpoint *string         `json:"endpoint"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func newEnvelope(typ string, endpoint *string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("realtime: encode %s: %w", typ, err)
	}
	return json.Marshal(Envelope{Type: typ, Endpoint: endpoint, Data: raw})
}

// EndpointToggle enables or disables one endpoint for a turn.
type EndpointToggle struct {
	Endpoint  string `json:"endpoint"`
	IsEnabled bool   `json:"isEnabled"`
}

// EndpointModel selects the model one endpoint answers with.
type EndpointModel struct {
	Endpoint string `json:"endpoint"`
	Model    string `json:"model"`
}

// ChatMessage is the payload of a chat-message envelope.
type ChatMessage struct {
	IsFirstMessage         *bool            `json:"isFirstMessage"`
	ChatID                 uint             `json:"chatId"`
	Message                string           `json:"message"`
	Model                  string           `json:"model,omitempty"`
	Images                 []Image          `json:"images,omitempty"`
	EndpointsToChat        []EndpointToggle `json:"endpointsToChat"`
	EndpointsSelectedModel []EndpointModel  `json:"endpointsSelectedModel"`
}

// Request converts the payload into a turn request.
func (m ChatMessage) Request() (turn.Request, error) {
	if m.IsFirstMessage == nil {
		return turn.Request{}, fmt.Errorf("%w: isFirstMessage is required", ErrInvalidPayload)
	}
	if m.EndpointsToChat == nil || m.EndpointsSelectedModel == nil {
		return turn.Request{}, fmt.Errorf("%w: endpointsToChat and endpointsSelectedModel are required", ErrInvalidPayload)
	}
	req := turn.Request{
		ChatID:         m.ChatID,
		IsFirstMessage: *m.IsFirstMessage,
		Message:        m.Message,
		Enabled:        make(map[string]bool, len(m.EndpointsToChat)),
		Models:         make(map[string]string, len(m.EndpointsSelectedModel)),
		FallbackModel:  m.Model,
	}
	for _, t := range m.EndpointsToChat {
		req.Enabled[t.Endpoint] = t.IsEnabled
	}
	for _, s := range m.EndpointsSelectedModel {
		if s.Model != "" {
			req.Models[s.Endpoint] = s.Model
		}
	}
	for _, img := range m.Images {
		if len(img) > 0 {
			req.Images = append(req.Images, []byte(img))
		}
	}
	if err := req.Validate(); err != nil {
		return turn.Request{}, err
	}
	return req, nil
}

// StopChat is the payload of a stop-chat envelope. A zero ChatID stops
// every chat.
type StopChat struct {
	ChatID uint `json:"chatId,omitempty"`
}

// Image is raw image bytes. It decodes from a base64 string (optionally a
// data URL), an array of byte values, or a serialized typed array of the
// form {"type":"Uint8Array","data":[...]}.
type Image []byte

// UnmarshalJSON implements json.Unmarshaler.
func (im *Image) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*im = nil
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if i := strings.Index(s, ";base64,"); strings.HasPrefix(s, "data:") && i >= 0 {
			s = s[i+len(";base64,"):]
		}
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("%w: image: %v", ErrInvalidPayload, err)
		}
		*im = data
		return nil
	case '[':
		var vals []int
		if err := json.Unmarshal(b, &vals); err != nil {
			return fmt.Errorf("%w: image: %v", ErrInvalidPayload, err)
		}
		return im.fromInts(vals)
	case '{':
		var typed struct {
			Type string `json:"type"`
			Data []int  `json:"data"`
		}
		if err := json.Unmarshal(b, &typed); err != nil {
			return fmt.Errorf("%w: image: %v", ErrInvalidPayload, err)
		}
		if typed.Type != "" && typed.Type != "Uint8Array" && typed.Type != "Buffer" {
			return fmt.Errorf("%w: image: unsupported type %q", ErrInvalidPayload, typed.Type)
		}
		return im.fromInts(typed.Data)
	}
	return fmt.Errorf("%w: image: unsupported encoding", ErrInvalidPayload)
}

func (im *Image) fromInts(vals []int) error {
	out := make([]byte, len(vals))
	for i, v := range vals {
		if v < 0 || v > 255 {
			return fmt.Errorf("%w: image: byte %d out of range", ErrInvalidPayload, v)
		}
		out[i] = byte(v)
	}
	*im = out
	return nil
}

// EndpointsData carries the live endpoint list.
type EndpointsData struct {
	Endpoints []string `json:"endpoints"`
}

// ChatMessageData is one streamed chunk of an endpoint's reply.
type ChatMessageData struct {
	Message        ollama.ChatResponse `json:"message"`
	MessageMetrics *ollama.Metrics     `json:"messageMetrics"`
	MessageChunkID string              `json:"messageChunkId"`
	CreatedAt      time.Time           `json:"createdAt"`
}

// TitleData announces a synthesized chat title.
type TitleData struct {
	ChatID uint   `json:"chatId"`
	Title  string `json:"title"`
}

// ErrorData reports a failure tied to a chat, and to one reply when
// MessageChunkID is set.
type ErrorData struct {
	ChatID         uint    `json:"chatId"`
	MessageChunkID *string `json:"messageChunkId"`
	Error          string  `json:"error"`
}
