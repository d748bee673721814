package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ollama/ollama/api"
)

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL + "/")
}

func TestNormalizeMetrics(t *testing.T) {
	m := NormalizeMetrics(ChatResponse{Metrics: api.Metrics{
		TotalDuration:      2500 * time.Millisecond,
		LoadDuration:       500 * time.Millisecond,
		PromptEvalCount:    10,
		PromptEvalDuration: 250 * time.Millisecond,
		EvalCount:          50,
		EvalDuration:       0,
	}})
	if m.TotalDuration != 2.5 {
		t.Errorf("TotalDuration = %v, want 2.5", m.TotalDuration)
	}
	if m.LoadDuration != 0.5 {
		t.Errorf("LoadDuration = %v, want 0.5", m.LoadDuration)
	}
	if m.PromptEvalRate != 40 {
		t.Errorf("PromptEvalRate = %v, want 40", m.PromptEvalRate)
	}
	if m.EvalCount != 50 || m.EvalRate != 0 {
		t.Errorf("EvalCount/EvalRate = %d/%v, want 50/0", m.EvalCount, m.EvalRate)
	}
}

func TestPing(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/version" {
			t.Errorf("path = %s, want /api/version", r.URL.Path)
		}
		fmt.Fprint(w, `{"version":"0.3.12"}`)
	})
	v, err := c.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if v != "0.3.12" {
		t.Errorf("version = %q, want 0.3.12", v)
	}
}

func TestListModels(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[{"name":"llama3:latest","size":10},{"name":"mistral:7b"}]}`)
	})
	names, err := c.ModelNames(context.Background())
	if err != nil {
		t.Fatalf("ModelNames: %v", err)
	}
	if len(names) != 2 || names[0] != "llama3:latest" || names[1] != "mistral:7b" {
		t.Errorf("names = %v", names)
	}
}

func TestChatStream_ForwardsChunksInOrder(t *testing.T) {
	var got ChatRequest
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s, want /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, part := range []string{"Hel", "lo", "!"} {
			fmt.Fprintf(w, `{"model":"llama3","message":{"role":"assistant","content":%q},"done":false}`+"\n", part)
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, `{"model":"llama3","message":{"role":"assistant","content":""},"done":true,"total_duration":2500000000,"eval_count":3,"eval_duration":1000000000}`+"\n")
	})

	var chunks []ChatResponse
	err := c.ChatStream(context.Background(), ChatRequest{
		Model:    "llama3",
		Messages: []Message{{Role: "user", Content: "hi", Images: Images([][]byte{{0xff, 0x00}})}},
	}, func(r ChatResponse) error {
		chunks = append(chunks, r)
		return nil
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if got.Stream == nil || !*got.Stream {
		t.Error("request Stream not true")
	}
	if len(got.Messages) != 1 || len(got.Messages[0].Images) != 1 || got.Messages[0].Images[0][0] != 0xff {
		t.Errorf("images not carried: %+v", got.Messages)
	}
	if len(chunks) != 4 {
		t.Fatalf("chunks = %d, want 4", len(chunks))
	}
	var text strings.Builder
	for _, ch := range chunks[:3] {
		text.WriteString(ch.Message.Content)
	}
	if text.String() != "Hello!" {
		t.Errorf("text = %q, want Hello!", text.String())
	}
	last := chunks[3]
	if !last.Done || last.TotalDuration != 2500*time.Millisecond || last.EvalCount != 3 {
		t.Errorf("final chunk = %+v", last)
	}
}

func TestChatStream_ErrorLine(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":"model runner crashed"}`+"\n")
	})
	err := c.ChatStream(context.Background(), ChatRequest{Model: "x"}, func(ChatResponse) error { return nil })
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "model runner crashed" {
		t.Errorf("err = %v, want APIError(model runner crashed)", err)
	}
}

func TestChatStream_NotFound(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model \"nope\" not found"}`)
	})
	err := c.ChatStream(context.Background(), ChatRequest{Model: "nope"}, func(ChatResponse) error { return nil })
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if !strings.Contains(apiErr.Message, "not found") {
		t.Errorf("Message = %q, want the server's error text", apiErr.Message)
	}
	if errors.Is(err, ErrEndpointUnreachable) {
		t.Error("a reachable endpoint's refusal must not read as unreachable")
	}
}

func TestListModels_StatusError(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"disk full"}`)
	})
	_, err := c.ListModels(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusInternalServerError || apiErr.Message != "disk full" {
		t.Errorf("apiErr = %+v, want 500 disk full", apiErr)
	}
}

func TestPing_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	if _, err := NewClient(addr).Ping(context.Background()); !errors.Is(err, ErrEndpointUnreachable) {
		t.Errorf("err = %v, want ErrEndpointUnreachable", err)
	}
}

func TestChatStream_PrematureEOF(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"par"},"done":false}`+"\n")
	})
	err := c.ChatStream(context.Background(), ChatRequest{Model: "x"}, func(ChatResponse) error { return nil })
	if !errors.Is(err, ErrEndpointUnreachable) {
		t.Errorf("err = %v, want ErrEndpointUnreachable", err)
	}
}

func TestChatStream_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	err := NewClient(addr).ChatStream(context.Background(), ChatRequest{Model: "x"}, func(ChatResponse) error { return nil })
	if !errors.Is(err, ErrEndpointUnreachable) {
		t.Errorf("err = %v, want ErrEndpointUnreachable", err)
	}
}

func TestChatStream_Cancel(t *testing.T) {
	release := make(chan struct{})
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"a"},"done":false}`+"\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	var n int
	done := make(chan error, 1)
	go func() {
		done <- c.ChatStream(ctx, ChatRequest{Model: "x"}, func(ChatResponse) error {
			n++
			cancel()
			return nil
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ChatStream did not return after cancel")
	}
	if n != 1 {
		t.Errorf("chunks before cancel = %d, want 1", n)
	}
}

func TestChatStream_CallbackError(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":{"content":"a"},"done":false}`+"\n"+`{"message":{"content":"b"},"done":false}`+"\n")
	})
	boom := errors.New("client gone")
	err := c.ChatStream(context.Background(), ChatRequest{Model: "x"}, func(ChatResponse) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want callback error", err)
	}
}

func TestWaitReady(t *testing.T) {
	var calls atomic.Int32
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"version":"1"}`)
	})
	if err := c.WaitReady(context.Background(), 5*time.Second, 10*time.Millisecond); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if n := calls.Load(); n < 3 {
		t.Errorf("calls = %d, want >= 3", n)
	}
}

func TestWaitReady_Timeout(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	err := c.WaitReady(context.Background(), 50*time.Millisecond, 10*time.Millisecond)
	if !errors.Is(err, ErrEndpointUnreachable) {
		t.Errorf("err = %v, want ErrEndpointUnreachable", err)
	}
}
