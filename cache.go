package chatsync

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"slices"
	"sync"
	"time"
)

// Invalidator is told when the server-side history of a conversation may
// have changed.
type Invalidator interface {
	InvalidateConversation(conversationID string)
}

// HistoryLoader fetches the full history of a conversation.
type HistoryLoader func(ctx context.Context, conversationID string) ([]Message, error)

// HistoryCacheConfig configures a HistoryCache.
type HistoryCacheConfig struct {
	// StaleTime is how long a loaded history is served without refetching.
	StaleTime time.Duration
	// Retries is the number of extra attempts after a failed load. Negative
	// disables retrying.
	Retries        int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// RefetchTimeout bounds a background refetch.
	RefetchTimeout time.Duration
	Logger         *log.Logger
}

func (c *HistoryCacheConfig) defaults() {
	if c.StaleTime == 0 {
		c.StaleTime = 5 * time.Minute
	}
	if c.Retries == 0 {
		c.Retries = 3
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 1 * time.Second
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RefetchTimeout == 0 {
		c.RefetchTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.New(io.Discard, "", 0)
	}
}

// HistoryCache caches conversation histories keyed by conversation id and
// refetches them in the background when invalidated.
type HistoryCache struct {
	load   HistoryLoader
	config HistoryCacheConfig

	mu        sync.Mutex
	entries   map[string]*historyEntry
	observers []func(conversationID string, msgs []Message)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type historyEntry struct {
	messages  []Message
	fetchedAt time.Time
	stale     bool
	fetching  bool
}

func NewHistoryCache(load HistoryLoader, config HistoryCacheConfig) *HistoryCache {
	config.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &HistoryCache{
		load:    load,
		config:  config,
		entries: make(map[string]*historyEntry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnRefresh registers fn to receive every history loaded by a background
// refetch.
func (h *HistoryCache) OnRefresh(fn func(conversationID string, msgs []Message)) {
	h.mu.Lock()
	h.observers = append(h.observers, fn)
	h.mu.Unlock()
}

// Get returns the cached history when it is fresh and loads it otherwise.
func (h *HistoryCache) Get(ctx context.Context, conversationID string) ([]Message, error) {
	h.mu.Lock()
	e := h.entries[conversationID]
	if e != nil && !e.stale && time.Since(e.fetchedAt) < h.config.StaleTime {
		msgs := slices.Clone(e.messages)
		h.mu.Unlock()
		return msgs, nil
	}
	h.mu.Unlock()

	msgs, err := h.fetch(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	h.store(conversationID, msgs)
	return slices.Clone(msgs), nil
}

// InvalidateConversation marks the history stale. A history that was loaded
// before is refetched in the background.
func (h *HistoryCache) InvalidateConversation(conversationID string) {
	h.mu.Lock()
	e := h.entries[conversationID]
	if e == nil {
		h.mu.Unlock()
		return
	}
	e.stale = true
	if e.fetching || h.ctx.Err() != nil {
		h.mu.Unlock()
		return
	}
	e.fetching = true
	h.wg.Add(1)
	h.mu.Unlock()

	go h.refetch(conversationID)
}

func (h *HistoryCache) refetch(conversationID string) {
	defer h.wg.Done()

	ctx, cancel := context.WithTimeout(h.ctx, h.config.RefetchTimeout)
	defer cancel()
	msgs, err := h.fetch(ctx, conversationID)

	h.mu.Lock()
	if e := h.entries[conversationID]; e != nil {
		e.fetching = false
	}
	h.mu.Unlock()

	if err != nil {
		h.config.Logger.Printf("refetch history %s: %v", conversationID, err)
		return
	}
	h.store(conversationID, msgs)

	h.mu.Lock()
	observers := slices.Clone(h.observers)
	h.mu.Unlock()
	for _, fn := range observers {
		fn(conversationID, slices.Clone(msgs))
	}
}

func (h *HistoryCache) store(conversationID string, msgs []Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.entries[conversationID]
	if e == nil {
		e = &historyEntry{}
		h.entries[conversationID] = e
	}
	e.messages = msgs
	e.fetchedAt = time.Now()
	e.stale = false
}

// fetch loads with retries. Unauthorized responses are not retried.
func (h *HistoryCache) fetch(ctx context.Context, conversationID string) ([]Message, error) {
	var err error
	for attempt := 0; ; attempt++ {
		var msgs []Message
		msgs, err = h.load(ctx, conversationID)
		if err == nil {
			return msgs, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			return nil, err
		}
		if attempt >= h.config.Retries {
			return nil, err
		}
		delay := time.Duration(math.Min(
			float64(h.config.RetryBaseDelay)*math.Pow(2, float64(attempt)),
			float64(h.config.RetryMaxDelay),
		))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// Reset drops every cached history.
func (h *HistoryCache) Reset() {
	h.mu.Lock()
	h.entries = make(map[string]*historyEntry)
	h.mu.Unlock()
}

// Close stops background refetches and waits for them to finish.
func (h *HistoryCache) Close() {
	h.cancel()
	h.wg.Wait()
}
