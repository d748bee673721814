package assign

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/store"
)

type fakeLister struct {
	mu       sync.Mutex
	models   map[string][]string
	failures map[string]int // transient failures before success
	calls    map[string]int
}

func (l *fakeLister) ModelNames(ctx context.Context, endpoint string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.calls == nil {
		l.calls = map[string]int{}
	}
	l.calls[endpoint]++
	if l.failures[endpoint] > 0 {
		l.failures[endpoint]--
		return nil, errors.New("connection refused")
	}
	return l.models[endpoint], nil
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	gdb, err := db.Open(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))
	t.Cleanup(func() { db.Close(gdb) })
	s, err := store.New(store.Opts{DB: gdb})
	require.NoError(t, err)
	return s
}

func newAssigner(t *testing.T, s Store, l ModelLister) *Assigner {
	t.Helper()
	a, err := New(Opts{
		Store:         s,
		Lister:        l,
		Retries:       3,
		RetryDelay:    time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return a
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Opts{Lister: &fakeLister{}})
	assert.Error(t, err)
	_, err = New(Opts{Store: testStore(t)})
	assert.Error(t, err)
}

func TestAssign_OnlyMatchingModel(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	chat, err := s.CreateChat(ctx, "")
	require.NoError(t, err)
	convA, err := s.CreateConversation(ctx, store.NewConversation{ChatID: chat.ID, Model: "A"})
	require.NoError(t, err)
	convB, err := s.CreateConversation(ctx, store.NewConversation{ChatID: chat.ID, Model: "B"})
	require.NoError(t, err)
	ep1, _ := s.CreateEndpoint(ctx, "http://127.0.0.1:11435")
	ep2, _ := s.CreateEndpoint(ctx, "http://127.0.0.1:11436")

	lister := &fakeLister{models: map[string][]string{
		ep1.Address: {"C"},
		ep2.Address: {"A", "C"},
	}}
	got, err := newAssigner(t, s, lister).Assign(ctx, chat.ID, []string{ep1.Address, ep2.Address})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, Assignment{ConversationID: convA.ID, EndpointID: ep2.ID, Endpoint: ep2.Address}, got[0])

	left, err := s.UnassignedConversations(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, convB.ID, left[0].ID)
}

func TestAssign_EndpointUsedOnce(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	chat, _ := s.CreateChat(ctx, "")
	first, _ := s.CreateConversation(ctx, store.NewConversation{ChatID: chat.ID, Model: "llama3"})
	second, _ := s.CreateConversation(ctx, store.NewConversation{ChatID: chat.ID, Model: "llama3"})
	ep1, _ := s.CreateEndpoint(ctx, "http://127.0.0.1:11435")
	ep2, _ := s.CreateEndpoint(ctx, "http://127.0.0.1:11436")

	lister := &fakeLister{models: map[string][]string{
		ep1.Address: {"llama3"},
		ep2.Address: {"llama3"},
	}}
	got, err := newAssigner(t, s, lister).Assign(ctx, chat.ID, []string{ep1.Address, ep2.Address})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ConversationID)
	assert.Equal(t, ep1.ID, got[0].EndpointID)
	assert.Equal(t, second.ID, got[1].ConversationID)
	assert.Equal(t, ep2.ID, got[1].EndpointID)
	assert.Equal(t, 1, lister.calls[ep1.Address], "models listed once per endpoint")
}

func TestAssign_SkipsEndpointsAlreadyInChat(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	chat, _ := s.CreateChat(ctx, "")
	ep1, _ := s.CreateEndpoint(ctx, "http://127.0.0.1:11435")
	_, err := s.CreateConversation(ctx, store.NewConversation{ChatID: chat.ID, Model: "llama3", EndpointID: &ep1.ID})
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, store.NewConversation{ChatID: chat.ID, Model: "llama3"})
	require.NoError(t, err)

	lister := &fakeLister{models: map[string][]string{ep1.Address: {"llama3"}}}
	got, err := newAssigner(t, s, lister).Assign(ctx, chat.ID, []string{ep1.Address})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, lister.calls[ep1.Address])
}

func TestAssign_IgnoresDeadEndpoints(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	chat, _ := s.CreateChat(ctx, "")
	s.CreateConversation(ctx, store.NewConversation{ChatID: chat.ID, Model: "llama3"})
	ep, _ := s.CreateEndpoint(ctx, "http://127.0.0.1:11435")

	lister := &fakeLister{models: map[string][]string{ep.Address: {"llama3"}}}
	got, err := newAssigner(t, s, lister).Assign(ctx, chat.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAssign_RetriesTransientListFailure(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	chat, _ := s.CreateChat(ctx, "")
	s.CreateConversation(ctx, store.NewConversation{ChatID: chat.ID, Model: "llama3"})
	ep, _ := s.CreateEndpoint(ctx, "http://127.0.0.1:11435")

	lister := &fakeLister{
		models:   map[string][]string{ep.Address: {"llama3"}},
		failures: map[string]int{ep.Address: 2},
	}
	got, err := newAssigner(t, s, lister).Assign(ctx, chat.ID, []string{ep.Address})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 3, lister.calls[ep.Address])
}

func TestAssign_GivesUpOnUnreachableEndpoint(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	chat, _ := s.CreateChat(ctx, "")
	s.CreateConversation(ctx, store.NewConversation{ChatID: chat.ID, Model: "llama3"})
	bad, _ := s.CreateEndpoint(ctx, "http://127.0.0.1:11435")
	good, _ := s.CreateEndpoint(ctx, "http://127.0.0.1:11436")

	lister := &fakeLister{
		models:   map[string][]string{bad.Address: {"llama3"}, good.Address: {"llama3"}},
		failures: map[string]int{bad.Address: 100},
	}
	got, err := newAssigner(t, s, lister).Assign(ctx, chat.ID, []string{bad.Address, good.Address})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, good.ID, got[0].EndpointID)
	assert.Equal(t, 3, lister.calls[bad.Address])
}

func TestAssign_NothingToDo(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	chat, _ := s.CreateChat(ctx, "")
	got, err := newAssigner(t, s, &fakeLister{}).Assign(ctx, chat.ID, []string{"http://127.0.0.1:11435"})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestListModels_StopsOnCancel(t *testing.T) {
	lister := &fakeLister{failures: map[string]int{"http://127.0.0.1:11435": 100}}
	a, err := New(Opts{
		Store:         testStore(t),
		Lister:        lister,
		Retries:       5,
		RetryDelay:    time.Hour,
		RetryMaxDelay: time.Hour,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	start := time.Now()
	_, err = a.listModels(ctx, "http://127.0.0.1:11435")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, lister.calls["http://127.0.0.1:11435"])
}

func TestListModels_ReportsAttempts(t *testing.T) {
	lister := &fakeLister{failures: map[string]int{"http://127.0.0.1:11435": 100}}
	_, err := newAssigner(t, testStore(t), lister).listModels(context.Background(), "http://127.0.0.1:11435")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Contains(t, err.Error(), "connection refused")
}
