// Package stream provides the session bus: per-session pipelines that
// classify text chunks as they arrive and publish typed events to
// subscribers (the WebSocket layer in practice).
package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itsneelabh/metarouter/core"
	"github.com/itsneelabh/metarouter/intent"
)

// EventType enumerates session bus events.
type EventType string

const (
	EventSessionStarted   EventType = "session.started"
	EventChunkProcessed   EventType = "chunk.processed"
	EventIntentRecognized EventType = "intent.recognized"
	EventSummaryUpdated   EventType = "summary.updated"
	EventSessionExpired   EventType = "session.expired"
)

// summaryEvery controls how many chunks between summary events.
const summaryEvery = 5

// defaultIdleTimeout evicts sessions with no traffic for this long.
const defaultIdleTimeout = 5 * time.Minute

// Event is one session bus emission.
type Event struct {
	Type      EventType        `json:"type"`
	SessionID string           `json:"sessionId"`
	Sequence  int              `json:"sequence,omitempty"`
	Text      string           `json:"text,omitempty"`
	Intent    *intent.Response `json:"intent,omitempty"`
	Summary   *Summary         `json:"summary,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Summary aggregates a session's classification history.
type Summary struct {
	Chunks            int            `json:"chunks"`
	DominantCategory  string         `json:"dominantCategory"`
	CategoryCounts    map[string]int `json:"categoryCounts"`
	AverageConfidence float64        `json:"averageConfidence"`
}

// Recognizer is the engine surface the bus needs.
type Recognizer interface {
	ClassifyIntent(ctx context.Context, req *intent.Request) (*intent.Response, error)
}

type chunk struct {
	ctx  context.Context
	text string
}

// Session is one live stream. All mutable session state is owned by its
// goroutine; callers interact only through channels.
type Session struct {
	ID string

	in      chan chunk
	events  chan Event
	done    chan struct{}
	claimed atomic.Bool

	lastActive atomicTime
}

// Claim reserves the event stream for a single consumer. Only the first
// caller gets true; later subscribers share nothing.
func (s *Session) Claim() bool {
	return s.claimed.CompareAndSwap(false, true)
}

// Done closes when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Events is the subscriber channel. Slow subscribers lose events rather
// than stalling classification.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Submit feeds one text chunk into the session pipeline.
func (s *Session) Submit(ctx context.Context, text string) error {
	select {
	case <-s.done:
		return fmt.Errorf("session %q: %w", s.ID, core.ErrNotInitialized)
	default:
	}
	select {
	case s.in <- chunk{ctx: ctx, text: text}:
		return nil
	case <-s.done:
		return fmt.Errorf("session %q: %w", s.ID, core.ErrNotInitialized)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Bus manages sessions and their reaper.
type Bus struct {
	recognizer  Recognizer
	logger      core.Logger
	idleTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	stopped  bool
	stop     chan struct{}
}

// NewBus creates the session bus.
func NewBus(recognizer Recognizer, logger core.Logger) *Bus {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Bus{
		recognizer:  recognizer,
		logger:      logger,
		idleTimeout: defaultIdleTimeout,
		now:         time.Now,
		sessions:    make(map[string]*Session),
		stop:        make(chan struct{}),
	}
}

// SetIdleTimeout overrides the eviction window (tests).
func (b *Bus) SetIdleTimeout(d time.Duration) {
	b.idleTimeout = d
}

// Open returns the session with the given id, creating and starting it on
// first use.
func (b *Bus) Open(id string) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.sessions[id]; ok {
		return s
	}
	s := &Session{
		ID:     id,
		in:     make(chan chunk, 16),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	s.lastActive.store(b.now())
	b.sessions[id] = s

	go b.run(s)

	b.logger.Info("Stream session opened", map[string]interface{}{
		"operation":  "session_open",
		"session_id": id,
	})
	return s
}

// run is the session owner goroutine.
func (b *Bus) run(s *Session) {
	b.emit(s, Event{Type: EventSessionStarted, SessionID: s.ID})

	sequence := 0
	counts := make(map[string]int)
	var confidenceSum float64

	for {
		select {
		case <-s.done:
			return
		case c := <-s.in:
			sequence++
			s.lastActive.store(b.now())

			b.emit(s, Event{
				Type:      EventChunkProcessed,
				SessionID: s.ID,
				Sequence:  sequence,
				Text:      c.text,
			})

			resp, err := b.recognizer.ClassifyIntent(c.ctx, &intent.Request{
				Text:    c.text,
				Context: &intent.RequestContext{SessionID: s.ID},
			})
			if err != nil {
				b.logger.Warn("Stream chunk classification failed", map[string]interface{}{
					"operation":  "session_classify",
					"session_id": s.ID,
					"sequence":   sequence,
					"error":      err.Error(),
				})
				continue
			}

			counts[resp.RecognizedIntent.Category]++
			confidenceSum += resp.RecognizedIntent.Confidence

			b.emit(s, Event{
				Type:      EventIntentRecognized,
				SessionID: s.ID,
				Sequence:  sequence,
				Intent:    resp,
			})

			if sequence%summaryEvery == 0 {
				b.emit(s, Event{
					Type:      EventSummaryUpdated,
					SessionID: s.ID,
					Sequence:  sequence,
					Summary:   summarize(sequence, counts, confidenceSum),
				})
			}
		}
	}
}

func summarize(chunks int, counts map[string]int, confidenceSum float64) *Summary {
	dominant := ""
	best := -1
	copied := make(map[string]int, len(counts))
	for category, n := range counts {
		copied[category] = n
		if n > best || (n == best && category < dominant) {
			best = n
			dominant = category
		}
	}
	return &Summary{
		Chunks:            chunks,
		DominantCategory:  dominant,
		CategoryCounts:    copied,
		AverageConfidence: confidenceSum / float64(chunks),
	}
}

// emit publishes without blocking; full subscriber buffers drop events.
func (b *Bus) emit(s *Session, ev Event) {
	ev.Timestamp = b.now().UTC()
	select {
	case s.events <- ev:
	default:
	}
}

// Close terminates one session.
func (b *Bus) Close(id string) {
	b.mu.Lock()
	s, ok := b.sessions[id]
	if ok {
		delete(b.sessions, id)
	}
	b.mu.Unlock()
	if ok {
		close(s.done)
	}
}

// StartReaper evicts idle sessions until the context is canceled.
func (b *Bus) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stop:
				return
			case <-ticker.C:
				b.reap()
			}
		}
	}()
}

func (b *Bus) reap() {
	cutoff := b.now().Add(-b.idleTimeout)

	b.mu.Lock()
	var expired []*Session
	for id, s := range b.sessions {
		if s.lastActive.load().Before(cutoff) {
			expired = append(expired, s)
			delete(b.sessions, id)
		}
	}
	b.mu.Unlock()

	for _, s := range expired {
		b.emit(s, Event{Type: EventSessionExpired, SessionID: s.ID})
		close(s.done)
		b.logger.Info("Stream session expired", map[string]interface{}{
			"operation":  "session_expire",
			"session_id": s.ID,
		})
	}
}

// Stop terminates the reaper and every live session.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.sessions = make(map[string]*Session)
	b.mu.Unlock()

	close(b.stop)
	for _, s := range sessions {
		close(s.done)
	}
}

// atomicTime guards the last-activity stamp shared between the session
// goroutine and the reaper.
type atomicTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomicTime) store(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomicTime) load() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}
