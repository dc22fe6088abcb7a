// Package ingest tracks live transport stream feeds. Each feed couples the
// bytes written by a network receiver with a pipe reader consumed by a
// player session.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrExists is returned by Register when a feed with the same key is
// already live.
var ErrExists = errors.New("ingest: feed already registered")

// FeedStats captures connection-level counters for a live feed.
type FeedStats struct {
	Key           string `json:"key"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Feed is one live input. The receiver writes into Writer; the session
// reads from Reader. Closing the reader makes further writes fail, which
// the receiver treats as a request to hang up.
type Feed struct {
	Key       string
	StartedAt time.Time

	pr   *io.PipeReader
	pw   *io.PipeWriter
	done chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// Reader returns the consumer side of the feed.
func (f *Feed) Reader() io.ReadCloser { return f.pr }

// Writer returns the receiver side of the feed.
func (f *Feed) Writer() io.Writer { return f.pw }

// Done is closed when the feed is unregistered.
func (f *Feed) Done() <-chan struct{} { return f.done }

// RecordRead counts one successful network read of n bytes.
func (f *Feed) RecordRead(n int) {
	f.bytesReceived.Add(int64(n))
	f.readCount.Add(1)
}

// SetRemoteAddr stores the peer address for diagnostics.
func (f *Feed) SetRemoteAddr(addr string) {
	f.remoteAddr.Store(addr)
}

// Stats returns a snapshot of the feed counters.
func (f *Feed) Stats() FeedStats {
	addr, _ := f.remoteAddr.Load().(string)
	return FeedStats{
		Key:           f.Key,
		BytesReceived: f.bytesReceived.Load(),
		ReadCount:     f.readCount.Load(),
		ConnectedAt:   f.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(f.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks live feeds by key and hands each new feed to the onFeed
// callback, which typically opens a reader and starts a session.
type Registry struct {
	mu    sync.RWMutex
	feeds map[string]*Feed

	onFeed func(f *Feed)
}

// NewRegistry creates a Registry. onFeed, if non-nil, is invoked on its own
// goroutine for every registered feed.
func NewRegistry(onFeed func(f *Feed)) *Registry {
	return &Registry{
		feeds:  make(map[string]*Feed),
		onFeed: onFeed,
	}
}

// Register creates a live feed for key.
func (r *Registry) Register(key string) (*Feed, error) {
	pr, pw := io.Pipe()
	f := &Feed{
		Key:       key,
		StartedAt: time.Now(),
		pr:        pr,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, ok := r.feeds[key]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrExists, key)
	}
	r.feeds[key] = f
	r.mu.Unlock()

	if r.onFeed != nil {
		go r.onFeed(f)
	}
	return f, nil
}

// Unregister removes the feed, closing its writer so the consumer reads
// EOF, and closes Done. It is a no-op for unknown keys.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	f, ok := r.feeds[key]
	if ok {
		delete(r.feeds, key)
	}
	r.mu.Unlock()

	if ok {
		f.pw.Close()
		close(f.done)
	}
}

// Get returns the live feed for key.
func (r *Registry) Get(key string) (*Feed, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.feeds[key]
	return f, ok
}

// List returns stats for every live feed, sorted by key.
func (r *Registry) List() []FeedStats {
	r.mu.RLock()
	out := make([]FeedStats, 0, len(r.feeds))
	for _, f := range r.feeds {
		out = append(out, f.Stats())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
