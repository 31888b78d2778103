package relay

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// CloseReason records which edge moved a session to its terminal state.
type CloseReason string

const (
	CloseNone  CloseReason = ""
	CloseEnd   CloseReason = "end"
	CloseError CloseReason = "error"
	CloseAbort CloseReason = "abort"
)

// placeholderContent renders as nothing in chat clients.
const placeholderContent = "\u200b"

var keepAliveFrame = []byte(": keep-alive\n\n")

// ErrStreamingUnsupported is returned when the response cannot be flushed.
var ErrStreamingUnsupported = errors.New("response writer does not support flushing")

// SessionOptions configures a streaming session.
type SessionOptions struct {
	KeepAliveInterval time.Duration
	// PlaceholderInterval of zero disables placeholder frames.
	PlaceholderInterval time.Duration
	// Model is reported in placeholder frames.
	Model    string
	Rewriter *Rewriter
	Clock    Clock
	Observer Observer
	Logger   *slog.Logger
}

type sessionState int

const (
	stateOpen sessionState = iota
	stateClosed
)

// Session relays one upstream event stream to one client. Every external
// event has its own method; all of them are safe to call concurrently and
// after the session has closed.
type Session struct {
	mu sync.Mutex

	w       http.ResponseWriter
	flusher http.Flusher
	opts    SessionOptions

	state     sessionState
	reason    CloseReason
	splitter  FrameSplitter
	firstByte bool

	keepAlive   Timer
	placeholder Timer
	waitFrame   []byte

	done chan struct{}
}

// Open commits the event-stream headers and starts the session timers.
func Open(w http.ResponseWriter, opts SessionOptions) (*Session, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	if opts.KeepAliveInterval <= 0 {
		return nil, errors.New("keep-alive interval must be positive")
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Session{
		w:       w,
		flusher: flusher,
		opts:    opts,
		done:    make(chan struct{}),
	}
	if opts.PlaceholderInterval > 0 {
		frame, err := placeholderFrame(opts.Model, opts.Clock.Now())
		if err != nil {
			return nil, err
		}
		s.waitFrame = frame
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	opts.Observer.SessionOpened()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.keepAlive = opts.Clock.AfterFunc(opts.KeepAliveInterval, s.keepAliveTick)
	if opts.PlaceholderInterval > 0 {
		s.placeholder = opts.Clock.AfterFunc(opts.PlaceholderInterval, s.placeholderTick)
	}
	return s, nil
}

// Data handles one chunk of upstream bytes.
func (s *Session) Data(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen || len(chunk) == 0 {
		return
	}

	if !s.firstByte {
		s.firstByte = true
		stopTimer(&s.placeholder)
	}

	for _, frame := range s.splitter.Push(chunk) {
		out, err := s.opts.Rewriter.Frame(frame)
		if err != nil {
			s.opts.Logger.Warn("dropping upstream frame", "err", err)
			s.opts.Observer.FrameDropped()
			continue
		}
		if out == nil {
			continue
		}
		if !s.writeLocked(out) {
			return
		}
		s.opts.Observer.FrameForwarded()
	}
}

// End handles a clean end of the upstream stream.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen {
		return
	}
	if pending := s.splitter.Pending(); pending != "" {
		s.opts.Logger.Debug("discarding undelimited trailing fragment", "bytes", len(pending))
	}
	s.closeLocked(CloseEnd)
}

// Fail handles an upstream read error. The client sees a plain close.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen {
		return
	}
	s.opts.Logger.Error("upstream stream error", "err", err)
	s.closeLocked(CloseError)
}

// Abort handles the client going away.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLocked(CloseAbort)
}

// Done is closed once the session reaches its terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Reason reports how the session closed, or CloseNone while open.
func (s *Session) Reason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) keepAliveTick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen {
		return
	}
	if !s.writeLocked(keepAliveFrame) {
		return
	}
	s.opts.Observer.KeepAliveSent()
	s.keepAlive = s.opts.Clock.AfterFunc(s.opts.KeepAliveInterval, s.keepAliveTick)
}

func (s *Session) placeholderTick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen || s.firstByte {
		return
	}
	if !s.writeLocked(s.waitFrame) {
		return
	}
	s.opts.Observer.PlaceholderSent()
	s.placeholder = s.opts.Clock.AfterFunc(s.opts.PlaceholderInterval, s.placeholderTick)
}

// writeLocked writes and flushes p. A failed write means the client is
// gone, so the session is aborted.
func (s *Session) writeLocked(p []byte) bool {
	if _, err := s.w.Write(p); err != nil {
		s.opts.Logger.Debug("client write failed", "err", err)
		s.closeLocked(CloseAbort)
		return false
	}
	s.flusher.Flush()
	return true
}

func (s *Session) closeLocked(reason CloseReason) {
	if s.state == stateClosed {
		return
	}
	s.state = stateClosed
	s.reason = reason
	stopTimer(&s.keepAlive)
	stopTimer(&s.placeholder)
	close(s.done)
	s.opts.Observer.SessionClosed(reason)
}

func stopTimer(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
