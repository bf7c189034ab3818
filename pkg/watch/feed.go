package watch

import (
	"slices"
	"sync"
	"time"

	"github.com/rmax-ai/graphkit/pkg/graph"
	"github.com/rmax-ai/graphkit/pkg/predicate"
)

// FeedEntry is one delivered entry with its position in a Feed.
type FeedEntry struct {
	Index      int64       `json:"index"`
	ReceivedAt time.Time   `json:"received_at"`
	Entry      graph.Entry `json:"entry"`
}

// Feed keeps the most recent delivered entries in a ring buffer so that
// pollers can page through them by index.
type Feed struct {
	mu   sync.RWMutex
	buf  []FeedEntry
	next int64 // index of the next entry, starting at 1
}

func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Feed{buf: make([]FeedEntry, capacity), next: 1}
}

// Delegate returns a delegate that records into the feed.
func (f *Feed) Delegate() Delegate {
	return EntryFunc(f.Record)
}

// Record appends e, overwriting the oldest entry when the buffer is full.
func (f *Feed) Record(e graph.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf[f.next%int64(len(f.buf))] = FeedEntry{
		Index:      f.next,
		ReceivedAt: time.Now().UTC(),
		Entry:      e,
	}
	f.next++
}

// Last returns the index of the newest entry, or 0 if the feed is empty.
func (f *Feed) Last() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.next - 1
}

// Since returns up to limit retained entries with an index greater than
// after that match p, oldest first, and the index to pass as after on the
// next call. Entries already overwritten are skipped silently.
func (f *Feed) Since(after int64, limit int, p predicate.Predicate) ([]FeedEntry, int64) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	size := int64(len(f.buf))
	first := max(after+1, f.next-size, 1)
	cursor := max(after, first-1)

	var out []FeedEntry
	for i := first; i < f.next; i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		fe := f.buf[i%size]
		cursor = i
		if predicate.Matches(p, &fe.Entry) {
			out = append(out, fe)
		}
	}
	return out, cursor
}

// Tail returns the newest n retained entries matching p, oldest first.
func (f *Feed) Tail(n int, p predicate.Predicate) []FeedEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()

	size := int64(len(f.buf))
	first := max(f.next-size, 1)

	var out []FeedEntry
	for i := f.next - 1; i >= first && len(out) < n; i-- {
		fe := f.buf[i%size]
		if predicate.Matches(p, &fe.Entry) {
			out = append(out, fe)
		}
	}
	slices.Reverse(out)
	return out
}
