package chatsync

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingLoader struct {
	calls atomic.Int32
	fail  atomic.Int32 // remaining failures
	err   error
	mu    sync.Mutex
	msgs  []Message
}

func (l *countingLoader) load(ctx context.Context, conversationID string) ([]Message, error) {
	l.calls.Add(1)
	if l.fail.Load() > 0 {
		l.fail.Add(-1)
		return nil, l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.msgs...), nil
}

func (l *countingLoader) set(msgs ...Message) {
	l.mu.Lock()
	l.msgs = msgs
	l.mu.Unlock()
}

func fastCacheConfig() HistoryCacheConfig {
	return HistoryCacheConfig{RetryBaseDelay: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}
}

func TestHistoryCacheGet(t *testing.T) {
	l := &countingLoader{}
	l.set(incoming("m1", StatusSent, 0))
	h := NewHistoryCache(l.load, fastCacheConfig())
	defer h.Close()

	for i := 0; i < 3; i++ {
		msgs, err := h.Get(context.Background(), testConv)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !sameIDs(msgs, "m1") {
			t.Fatalf("ids = %v", ids(msgs))
		}
	}
	if l.calls.Load() != 1 {
		t.Fatalf("loads = %d, want cached after the first", l.calls.Load())
	}

	t.Run("stale time", func(t *testing.T) {
		config := fastCacheConfig()
		config.StaleTime = 10 * time.Millisecond
		h := NewHistoryCache(l.load, config)
		defer h.Close()
		before := l.calls.Load()
		h.Get(context.Background(), testConv)
		time.Sleep(20 * time.Millisecond)
		h.Get(context.Background(), testConv)
		if l.calls.Load()-before != 2 {
			t.Fatalf("loads = %d", l.calls.Load()-before)
		}
	})
}

func TestHistoryCacheRetry(t *testing.T) {
	t.Run("retries transient failures", func(t *testing.T) {
		l := &countingLoader{err: errors.New("boom")}
		l.fail.Store(2)
		h := NewHistoryCache(l.load, fastCacheConfig())
		defer h.Close()
		if _, err := h.Get(context.Background(), testConv); err != nil {
			t.Fatalf("Get: %v", err)
		}
		if l.calls.Load() != 3 {
			t.Fatalf("loads = %d", l.calls.Load())
		}
	})

	t.Run("gives up after three retries", func(t *testing.T) {
		l := &countingLoader{err: errors.New("boom")}
		l.fail.Store(10)
		h := NewHistoryCache(l.load, fastCacheConfig())
		defer h.Close()
		if _, err := h.Get(context.Background(), testConv); err == nil {
			t.Fatal("expected error")
		}
		if l.calls.Load() != 4 {
			t.Fatalf("loads = %d, want 4", l.calls.Load())
		}
	})

	t.Run("no retry on 401", func(t *testing.T) {
		l := &countingLoader{err: &APIError{StatusCode: http.StatusUnauthorized}}
		l.fail.Store(10)
		h := NewHistoryCache(l.load, fastCacheConfig())
		defer h.Close()
		_, err := h.Get(context.Background(), testConv)
		var apiErr *APIError
		if !errors.As(err, &apiErr) || l.calls.Load() != 1 {
			t.Fatalf("err = %v loads = %d", err, l.calls.Load())
		}
	})

	t.Run("negative disables retry", func(t *testing.T) {
		l := &countingLoader{err: errors.New("boom")}
		l.fail.Store(10)
		config := fastCacheConfig()
		config.Retries = -1
		h := NewHistoryCache(l.load, config)
		defer h.Close()
		h.Get(context.Background(), testConv)
		if l.calls.Load() != 1 {
			t.Fatalf("loads = %d", l.calls.Load())
		}
	})
}

func TestHistoryCacheInvalidate(t *testing.T) {
	l := &countingLoader{}
	l.set(incoming("m1", StatusSent, 0))
	h := NewHistoryCache(l.load, fastCacheConfig())
	defer h.Close()

	refreshed := make(chan []Message, 4)
	h.OnRefresh(func(id string, msgs []Message) {
		if id == testConv {
			refreshed <- msgs
		}
	})

	t.Run("unknown conversation is not fetched", func(t *testing.T) {
		h.InvalidateConversation("conv-unknown")
		time.Sleep(20 * time.Millisecond)
		if l.calls.Load() != 0 {
			t.Fatalf("loads = %d", l.calls.Load())
		}
	})

	if _, err := h.Get(context.Background(), testConv); err != nil {
		t.Fatalf("Get: %v", err)
	}
	l.set(incoming("m1", StatusSent, 0), incoming("m2", StatusSent, 1))
	h.InvalidateConversation(testConv)

	select {
	case msgs := <-refreshed:
		if !sameIDs(msgs, "m1", "m2") {
			t.Fatalf("refreshed ids = %v", ids(msgs))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no background refetch")
	}

	msgs, _ := h.Get(context.Background(), testConv)
	if !sameIDs(msgs, "m1", "m2") || l.calls.Load() != 2 {
		t.Fatalf("ids = %v loads = %d", ids(msgs), l.calls.Load())
	}

	t.Run("reset forgets entries", func(t *testing.T) {
		h.Reset()
		h.InvalidateConversation(testConv)
		time.Sleep(20 * time.Millisecond)
		if l.calls.Load() != 2 {
			t.Fatalf("loads = %d", l.calls.Load())
		}
	})
}

func TestHistoryCacheFeedsStore(t *testing.T) {
	l := &countingLoader{}
	l.set(incoming("m1", StatusRead, 0))
	h := NewHistoryCache(l.load, fastCacheConfig())
	s := NewStore(testSelf)
	h.OnRefresh(s.MergeHistory)

	msgs, _ := h.Get(context.Background(), testConv)
	s.SetInitialMessages(testConv, msgs)
	s.AddMessage(outgoing("temp-1", StatusSent, 1))

	l.set(incoming("m1", StatusRead, 0), incoming("m2", StatusSent, 2))
	h.InvalidateConversation(testConv)
	h.Close()

	if got := s.Messages(testConv); !sameIDs(got, "m1", "m2", "temp-1") {
		t.Fatalf("ids = %v", ids(got))
	}
}
