package registry

import (
	"context"
	"sync"
)

type tokenKey struct {
	chatID   uint
	endpoint string
}

// Tokens is the cancellation registry for in-flight turns. A token is held
// per (chat, endpoint) branch from the moment it starts streaming until it
// settles.
type Tokens struct {
	mu     sync.Mutex
	active map[tokenKey]map[*context.CancelFunc]struct{}
}

// NewTokens creates an empty cancellation registry.
func NewTokens() *Tokens {
	return &Tokens{active: make(map[tokenKey]map[*context.CancelFunc]struct{})}
}

// Acquire registers a token for (chatID, endpoint) and returns a context
// cancelled by AbortAll or AbortChat, plus a release func that must be
// called when the branch settles.
func (t *Tokens) Acquire(ctx context.Context, chatID uint, endpoint string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	key := tokenKey{chatID: chatID, endpoint: endpoint}
	handle := &cancel

	t.mu.Lock()
	set := t.active[key]
	if set == nil {
		set = make(map[*context.CancelFunc]struct{})
		t.active[key] = set
	}
	set[handle] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			t.mu.Lock()
			if set := t.active[key]; set != nil {
				delete(set, handle)
				if len(set) == 0 {
					delete(t.active, key)
				}
			}
			t.mu.Unlock()
			cancel()
		})
	}
	return ctx, release
}

// AbortAll cancels every outstanding token and returns how many there were.
func (t *Tokens) AbortAll() int {
	return t.abort(func(tokenKey) bool { return true })
}

// AbortChat cancels the outstanding tokens of one chat.
func (t *Tokens) AbortChat(chatID uint) int {
	return t.abort(func(k tokenKey) bool { return k.chatID == chatID })
}

func (t *Tokens) abort(match func(tokenKey) bool) int {
	t.mu.Lock()
	var cancels []context.CancelFunc
	for key, set := range t.active {
		if !match(key) {
			continue
		}
		for h := range set {
			cancels = append(cancels, *h)
		}
	}
	t.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	return len(cancels)
}

// Outstanding returns the number of registered tokens.
func (t *Tokens) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, set := range t.active {
		n += len(set)
	}
	return n
}
