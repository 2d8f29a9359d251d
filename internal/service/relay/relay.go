package relay

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/atlastree/explorer/backend/internal/model/chat"
	"github.com/atlastree/explorer/backend/internal/service/ai"
	"github.com/atlastree/explorer/backend/internal/service/session"
)

const defaultBufferSize = 64

// handleLinger keeps a finished handle subscribable for a late GET. Buffered
// events survive the channel close, so a subscriber attaching after a fast
// generation still sees the full event sequence.
const handleLinger = time.Minute

// terminalGrace bounds how long a terminal event waits for a slow subscriber
// to drain its buffer before the handle is torn down without it.
const terminalGrace = 5 * time.Second

// Generator opens one streaming completion call. Satisfied by *ai.Service.
type Generator interface {
	GenerateStream(ctx context.Context, in ai.Input) (*schema.StreamReader[*schema.Message], error)
}

// State tracks a handle through its lifetime.
type State int32

const (
	StatePending State = iota
	StateStreaming
	StateComplete
	StateError
	StateCancelled
)

// Handle is the per-generation object bridging the completion stream to its
// single subscriber. Owned by the relay; never shared across sessions.
type Handle struct {
	sessionID string
	events    chan Event
	cancel    context.CancelFunc
	state     atomic.Int32
	claimed   atomic.Bool
	timedOut  atomic.Bool
}

// Events returns the receive side of the handle's event channel. The channel
// is closed after the terminal event.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Cancel tears the generation down. Safe to call multiple times; the usual
// caller is the SSE handler observing its client disconnect.
func (h *Handle) Cancel() {
	h.cancel()
}

// State returns the handle's current state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

func (h *Handle) setState(s State) {
	h.state.Store(int32(s))
}

// Config bounds one generation's lifetime.
type Config struct {
	// RequestTimeout caps the whole generation, including waiting for the
	// subscriber to drain events.
	RequestTimeout time.Duration
	// IdleTimeout fails a stream that produces no delta for this long.
	IdleTimeout time.Duration
	// KeepPartialOnCancel retains accumulated text as an assistant turn when
	// the subscriber disconnects mid-stream. Default discard.
	KeepPartialOnCancel bool
	// BufferSize is the event channel capacity; the producer blocks when the
	// subscriber falls this far behind.
	BufferSize int
}

// Relay drives one generation per session: it claims the session's
// generation lock, forwards completion deltas to the subscriber as chunk
// events, and finalizes history exactly once on completion.
type Relay struct {
	store *session.Store
	gen   Generator
	asm   *ai.Assembler
	cfg   Config

	mu     sync.Mutex
	active map[string]*Handle
}

// New wires a relay over the session store and completion client.
func New(store *session.Store, gen Generator, asm *ai.Assembler, cfg Config) *Relay {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}
	return &Relay{
		store:  store,
		gen:    gen,
		asm:    asm,
		cfg:    cfg,
		active: make(map[string]*Handle),
	}
}

// Start accepts one chat turn: it appends the user message and launches the
// generation in the background. Returns session.ErrGenerationInFlight when a
// generation already holds the session's lock; turns within a session are
// strictly sequential, never queued.
func (r *Relay) Start(sessionID, userMessage string, pageCtx *chat.PageContext) error {
	if !r.store.TryAcquireGeneration(sessionID) {
		if _, ok := r.store.History(sessionID); !ok {
			return session.ErrSessionNotFound
		}
		return session.ErrGenerationInFlight
	}

	// Snapshot history before the new turn lands so the prompt window and the
	// {query} slot never overlap.
	history, _ := r.store.History(sessionID)

	if _, err := r.store.AppendUserMessage(sessionID, userMessage, pageCtx); err != nil {
		r.store.ReleaseGeneration(sessionID)
		return errors.Wrap(err, "failed to record user turn")
	}

	in := r.asm.Build(history, userMessage, pageCtx)

	// The generation outlives the POST request, so it runs under its own
	// context rather than the handler's.
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RequestTimeout)
	h := &Handle{
		sessionID: sessionID,
		events:    make(chan Event, r.cfg.BufferSize),
		cancel:    cancel,
	}

	// Replace any lingering terminal handle; the generation lock guarantees
	// the previous one is no longer live.
	r.mu.Lock()
	r.active[sessionID] = h
	r.mu.Unlock()

	go r.run(ctx, h, in)
	return nil
}

func (r *Relay) remove(h *Handle) {
	r.mu.Lock()
	if r.active[h.sessionID] == h {
		delete(r.active, h.sessionID)
	}
	r.mu.Unlock()
}

// Subscribe claims the pending generation for sessionID. Only one subscriber
// may attach; subsequent calls return false, as does a session with nothing
// in flight.
func (r *Relay) Subscribe(sessionID string) (*Handle, bool) {
	r.mu.Lock()
	h, ok := r.active[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	if !h.claimed.CompareAndSwap(false, true) {
		return nil, false
	}
	return h, true
}

// Available reports whether the relay can reach a completion backend.
func (r *Relay) Available() bool {
	return r != nil && r.gen != nil
}

func (r *Relay) run(ctx context.Context, h *Handle, in ai.Input) {
	defer func() {
		r.store.ReleaseGeneration(h.sessionID)
		close(h.events)
		h.cancel()
		time.AfterFunc(handleLinger, func() { r.remove(h) })
	}()

	if !r.emit(ctx, h, Event{Type: EventStart, SessionID: h.sessionID}) {
		h.setState(StateCancelled)
		return
	}

	stream, err := r.gen.GenerateStream(ctx, in)
	if err != nil {
		r.fail(h, err)
		return
	}
	defer stream.Close()

	h.setState(StateStreaming)

	watchdog := r.startWatchdog(h)
	if watchdog != nil {
		defer watchdog.Stop()
	}

	var full strings.Builder
	for {
		chunk, recvErr := stream.Recv()
		if watchdog != nil {
			watchdog.Reset(r.cfg.IdleTimeout)
		}
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			r.failMidStream(h, recvErr, full.String())
			return
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}

		full.WriteString(chunk.Content)
		if !r.emit(ctx, h, Event{Type: EventChunk, Content: chunk.Content}) {
			r.cancelled(h, full.String())
			return
		}
	}

	msg, err := r.store.AppendAssistantMessage(h.sessionID, full.String())
	if err != nil {
		// Session evicted or reset underneath us; nothing to finalize.
		r.fail(h, err)
		return
	}

	h.setState(StateComplete)
	r.emit(ctx, h, Event{Type: EventEnd, MessageID: msg.ID})
	log.Debug().Str("session_id", h.sessionID).Int("chars", full.Len()).Msg("generation complete")
}

// startWatchdog cancels the generation when no delta arrives within the idle
// timeout. The timeout fires as a consumer-visible error, not a silent stall.
func (r *Relay) startWatchdog(h *Handle) *time.Timer {
	if r.cfg.IdleTimeout <= 0 {
		return nil
	}
	return time.AfterFunc(r.cfg.IdleTimeout, func() {
		h.timedOut.Store(true)
		h.cancel()
	})
}

// emit forwards one event, blocking while the subscriber's buffer is full.
// Returns false when the generation context died first.
func (r *Relay) emit(ctx context.Context, h *Handle, ev Event) bool {
	select {
	case h.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// emitTerminal delivers a terminal event, waiting out a subscriber whose
// buffer is momentarily full. The generation context may already be dead here
// (watchdog fired, request timeout), so the wait is bounded by a grace period
// rather than by the context.
func (r *Relay) emitTerminal(h *Handle, ev Event) {
	t := time.NewTimer(terminalGrace)
	defer t.Stop()
	select {
	case h.events <- ev:
	case <-t.C:
		log.Warn().Str("session_id", h.sessionID).Msg("subscriber stalled, terminal event dropped")
	}
}

func (r *Relay) fail(h *Handle, err error) {
	if ai.Classify(err) == ai.KindCancelled && !h.timedOut.Load() {
		r.cancelled(h, "")
		return
	}
	h.setState(StateError)
	log.Warn().Err(err).Str("session_id", h.sessionID).Msg("generation failed")
	r.emitTerminal(h, Event{Type: EventError, Error: ai.Message(err)})
}

// failMidStream handles errors after deltas may already have been forwarded.
// No partial assistant message is appended on error: history only ever gains
// complete replies.
func (r *Relay) failMidStream(h *Handle, err error, partial string) {
	if h.timedOut.Load() {
		h.setState(StateError)
		log.Warn().Str("session_id", h.sessionID).Msg("stream idle timeout")
		r.emitTerminal(h, Event{Type: EventError, Error: "the model stopped responding mid-stream"})
		return
	}
	if ai.Classify(err) == ai.KindCancelled {
		r.cancelled(h, partial)
		return
	}
	h.setState(StateError)
	log.Warn().Err(err).Str("session_id", h.sessionID).Msg("stream failed mid-generation")
	r.emitTerminal(h, Event{Type: EventError, Error: ai.Message(err)})
}

// cancelled finalizes a consumer-gone generation. No error event is emitted
// for an absent consumer; partial text is discarded unless configured
// otherwise.
func (r *Relay) cancelled(h *Handle, partial string) {
	h.setState(StateCancelled)
	if r.cfg.KeepPartialOnCancel && partial != "" {
		if _, err := r.store.AppendAssistantMessage(h.sessionID, partial); err != nil {
			log.Warn().Err(err).Str("session_id", h.sessionID).Msg("failed to retain partial reply")
		}
	}
	log.Debug().Str("session_id", h.sessionID).Msg("generation cancelled")
}
