// Package outbound implements the priority-aware outbound queue that paces
// acks, results, telemetry and frame chunks against channel readiness.
package outbound

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bhandras/devicelink/internal/wire"
	"github.com/bhandras/devicelink/pkg/logger"
)

// ErrFrameTooLarge is returned when a frame has more chunks than the frame
// lane holds. Nothing of such a frame is queued.
var ErrFrameTooLarge = errors.New("frame larger than frame lane")

// Sink is the writable side of a channel.
type Sink interface {
	Send(ctx context.Context, data []byte) error
	Ready() <-chan struct{}
}

// Config bounds the queue.
type Config struct {
	// HighCapacity and NormalCapacity are soft limits. Control items are
	// accepted past them up to HardCeiling.
	HighCapacity   int
	NormalCapacity int
	// FrameCapacity bounds the frame-chunk lane, counted in chunks. Whole
	// frames are evicted to stay under it.
	FrameCapacity int
	// HardCeiling bounds acks, results and telemetry together. At the ceiling
	// the oldest telemetry item is evicted.
	HardCeiling int
	// ReadyTimeout is how long a drain waits for readiness before checking the
	// queue again.
	ReadyTimeout time.Duration
}

// DefaultConfig returns the default bounds.
func DefaultConfig() Config {
	return Config{
		HighCapacity:   256,
		NormalCapacity: 64,
		FrameCapacity:  32,
		HardCeiling:    1024,
		ReadyTimeout:   2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HighCapacity <= 0 {
		c.HighCapacity = d.HighCapacity
	}
	if c.NormalCapacity <= 0 {
		c.NormalCapacity = d.NormalCapacity
	}
	if c.FrameCapacity <= 0 {
		c.FrameCapacity = d.FrameCapacity
	}
	if c.HardCeiling <= 0 {
		c.HardCeiling = d.HardCeiling
	}
	if c.HardCeiling < c.HighCapacity+c.NormalCapacity {
		c.HardCeiling = c.HighCapacity + c.NormalCapacity
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = d.ReadyTimeout
	}
	return c
}

// Stats is a point-in-time view of queue counters.
type Stats struct {
	High   int
	Normal int
	Low    int

	Enqueued         uint64
	Sent             uint64
	Requeued         uint64
	// FramesDropped counts whole frames evicted or rejected; ChunksDropped
	// counts their chunks.
	FramesDropped    uint64
	ChunksDropped    uint64
	TelemetryEvicted uint64
	ReadyTimeouts    uint64
	EncodeFailures   uint64

	// LastSeq is the highest sequence number assigned so far.
	LastSeq int64
}

// Depth is the total number of queued items.
func (s Stats) Depth() int { return s.High + s.Normal + s.Low }

// Queue is safe for concurrent use. Its mutex guards bookkeeping only and is
// never held while writing to a sink.
type Queue struct {
	cfg Config
	now func() time.Time

	mu    sync.Mutex
	lanes [numLanes]*list.List
	seq   int64
	stats Stats

	// draining is the frame whose chunks are partly sent, if any.
	draining    frameKey
	hasDraining bool

	notify chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithNow overrides the enqueue timestamp source.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New returns an empty queue.
func New(cfg Config, opts ...Option) *Queue {
	q := &Queue{
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		notify: make(chan struct{}, 1),
	}
	for i := range q.lanes {
		q.lanes[i] = list.New()
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Restore continues sequence numbering after lastSeq, e.g. from a persisted
// resume record. It never moves the counter backwards.
func (q *Queue) Restore(lastSeq int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if lastSeq > q.seq {
		q.seq = lastSeq
		q.stats.LastSeq = lastSeq
	}
}

// LastSeq returns the highest sequence number assigned so far.
func (q *Queue) LastSeq() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.seq
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

func (q *Queue) lenLocked() int {
	n := 0
	for _, l := range q.lanes {
		n += l.Len()
	}
	return n
}

// Stats returns a copy of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.High = q.lanes[PriorityHigh].Len()
	s.Normal = q.lanes[PriorityNormal].Len()
	s.Low = q.lanes[PriorityLow].Len()
	return s
}

// Enqueue assigns the next seq to item and queues it.
//
// Acks, results and telemetry are always accepted. A lone frame chunk is
// queued like a one-chunk frame; Enqueue returns false if older frames had to
// be evicted for it or if it could not be queued at all.
func (q *Queue) Enqueue(item Item) bool {
	if item.Kind.Priority() == PriorityLow {
		evicted, err := q.EnqueueFrame([]Item{item})
		return err == nil && evicted == 0
	}

	q.mu.Lock()
	q.enqueueControlLocked(item)
	q.mu.Unlock()

	q.wake()
	return true
}

// EnqueueFrame queues all chunks of one frame, or none of them. Room is made
// by evicting whole older frames, oldest first; the frame being sent right
// now is evicted last. It returns how many frames were evicted, and
// ErrFrameTooLarge if the frame alone exceeds the lane.
func (q *Queue) EnqueueFrame(chunks []Item) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	if len(chunks) > q.cfg.FrameCapacity {
		q.mu.Lock()
		q.stats.FramesDropped++
		q.stats.ChunksDropped += uint64(len(chunks))
		q.mu.Unlock()
		return 0, fmt.Errorf("%w: %d chunks, lane holds %d", ErrFrameTooLarge, len(chunks), q.cfg.FrameCapacity)
	}

	key := chunks[0].frameKey()
	q.mu.Lock()
	l := q.lanes[PriorityLow]
	evicted := 0
	for l.Len()+len(chunks) > q.cfg.FrameCapacity {
		victim, ok := q.evictionVictimLocked(key)
		if !ok {
			break
		}
		q.removeFrameLocked(victim)
		evicted++
	}
	if l.Len()+len(chunks) > q.cfg.FrameCapacity {
		// Only chunks of this same frame are left; they came in through
		// Enqueue one by one and already fill the lane.
		q.stats.FramesDropped++
		q.stats.ChunksDropped += uint64(len(chunks))
		q.mu.Unlock()
		return evicted, fmt.Errorf("%w: lane full of frame %d", ErrFrameTooLarge, key.seq)
	}
	for _, c := range chunks {
		l.PushBack(q.stampLocked(c))
	}
	q.mu.Unlock()

	q.wake()
	return evicted, nil
}

func (q *Queue) stampLocked(item Item) Item {
	q.seq++
	item.Seq = q.seq
	item.EnqueuedAt = q.now()
	q.stats.LastSeq = q.seq
	q.stats.Enqueued++
	return item
}

func (q *Queue) enqueueControlLocked(item Item) {
	lane := item.Kind.Priority()
	control := q.lanes[PriorityHigh].Len() + q.lanes[PriorityNormal].Len()
	if control >= q.cfg.HardCeiling {
		if !q.evictOldestTelemetryLocked() {
			logger.Warnf("Outbound queue above hard ceiling (%d) with no telemetry to evict", q.cfg.HardCeiling)
		}
	}
	if l := q.lanes[lane]; l.Len() == q.capacity(lane) {
		logger.Debugf("Outbound %s lane expanding past %d items", item.Kind, q.capacity(lane))
	}
	q.lanes[lane].PushBack(q.stampLocked(item))
}

// evictionVictimLocked picks the oldest queued frame other than keep,
// preferring one that is not partly sent.
func (q *Queue) evictionVictimLocked(keep frameKey) (frameKey, bool) {
	var fallback frameKey
	haveFallback := false
	for e := q.lanes[PriorityLow].Front(); e != nil; e = e.Next() {
		k := e.Value.(Item).frameKey()
		switch {
		case k == keep:
		case q.hasDraining && k == q.draining:
			fallback, haveFallback = k, true
		default:
			return k, true
		}
	}
	return fallback, haveFallback
}

func (q *Queue) removeFrameLocked(key frameKey) {
	l := q.lanes[PriorityLow]
	for e := l.Front(); e != nil; {
		next := e.Next()
		if e.Value.(Item).frameKey() == key {
			l.Remove(e)
			q.stats.ChunksDropped++
		}
		e = next
	}
	q.stats.FramesDropped++
	if q.hasDraining && q.draining == key {
		q.hasDraining = false
	}
	logger.Debugf("Outbound frame lane full, evicted frame %d of %s", key.seq, key.command)
}

func (q *Queue) capacity(p Priority) int {
	switch p {
	case PriorityHigh:
		return q.cfg.HighCapacity
	case PriorityNormal:
		return q.cfg.NormalCapacity
	default:
		return q.cfg.FrameCapacity
	}
}

func (q *Queue) evictOldestTelemetryLocked() bool {
	l := q.lanes[PriorityNormal]
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(Item).Kind == KindTelemetry {
			l.Remove(e)
			q.stats.TelemetryEvicted++
			return true
		}
	}
	return false
}

// pop removes the head of the highest-priority non-empty lane.
func (q *Queue) pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, l := range q.lanes {
		if e := l.Front(); e != nil {
			l.Remove(e)
			item := e.Value.(Item)
			if item.Kind.Priority() == PriorityLow {
				q.draining, q.hasDraining = item.frameKey(), !item.finalChunk()
			}
			return item, true
		}
	}
	return Item{}, false
}

// pushFront returns an unsent item to the head of its lane.
func (q *Queue) pushFront(item Item) {
	q.mu.Lock()
	q.lanes[item.Kind.Priority()].PushFront(item)
	q.stats.Requeued++
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// DrainTo writes queued items to sink until ctx is done or a send fails. A
// failed item goes back to the head of its lane and the send error is
// returned.
func (q *Queue) DrainTo(ctx context.Context, sink Sink, sessionID string) error {
	timer := time.NewTimer(q.cfg.ReadyTimeout)
	defer timer.Stop()

	for {
		if q.Len() == 0 {
			select {
			case <-q.notify:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.cfg.ReadyTimeout)

		select {
		case <-sink.Ready():
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			q.mu.Lock()
			q.stats.ReadyTimeouts++
			q.mu.Unlock()
			logger.Tracef("Outbound drain: channel not ready after %s, rechecking", q.cfg.ReadyTimeout)
			continue
		}

		item, ok := q.pop()
		if !ok {
			continue
		}

		data, err := encode(item, sessionID)
		if err != nil {
			q.mu.Lock()
			q.stats.EncodeFailures++
			q.mu.Unlock()
			logger.Errorf("Outbound drain: dropping unencodable %s seq=%d: %v", item.Kind, item.Seq, err)
			continue
		}

		if err := sink.Send(ctx, data); err != nil {
			q.pushFront(item)
			return err
		}

		q.mu.Lock()
		q.stats.Sent++
		q.mu.Unlock()
	}
}

func encode(item Item, sessionID string) ([]byte, error) {
	env, err := item.Envelope(sessionID)
	if err != nil {
		return nil, err
	}
	return wire.Encode(env)
}
