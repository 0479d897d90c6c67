package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"lvbridge/internal/constants"
)

// State is the lifecycle position of a session.
type State int32

const (
	// StateConnecting is the initial state: socket accepted, HELLO sent,
	// waiting for a valid IDENTIFY.
	StateConnecting State = iota
	// StateAuthenticated means the handshake succeeded and the session is
	// registered with the heartbeat monitor and the relay router.
	StateAuthenticated
	// StateClosing means teardown has begun; no new frames are accepted.
	StateClosing
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrNotAuthenticated = errors.New("session not authenticated")
	ErrClosed           = errors.New("session closed")
	ErrSendQueueFull    = errors.New("session send queue full")
)

// Conn is the subset of *websocket.Conn a session writes through.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Session owns one client connection: its authentication state, sequence
// numbering, and lifecycle. All socket writes funnel through a single write
// pump so frames never interleave.
type Session struct {
	ID         string
	RemoteAddr string
	Nonce      string
	CreatedAt  time.Time

	mu       sync.Mutex
	state    State
	lastBeat time.Time

	outSeq atomic.Int64
	inSeq  atomic.Int64

	conn    Conn
	sendCh  chan []byte
	done    chan struct{}
	closing sync.Once
}

// New creates a session in Connecting state and starts its write pump.
func New(conn Conn, remoteAddr, nonce string) *Session {
	s := &Session{
		ID:         uuid.New().String(),
		RemoteAddr: remoteAddr,
		Nonce:      nonce,
		CreatedAt:  time.Now(),
		state:      StateConnecting,
		conn:       conn,
		sendCh:     make(chan []byte, constants.SendQueueSize),
		done:       make(chan struct{}),
	}
	go s.writePump()
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Authenticate promotes a Connecting session to Authenticated and starts its
// heartbeat clock.
func (s *Session) Authenticate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return fmt.Errorf("cannot authenticate session in state %s", s.state)
	}
	s.state = StateAuthenticated
	s.lastBeat = time.Now()
	return nil
}

// AbortHandshake moves a Connecting session to Closing. Exactly one of
// AbortHandshake and Authenticate succeeds, so a handshake deadline firing
// concurrently with a late IDENTIFY cannot leave a half-registered session.
func (s *Session) AbortHandshake() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return false
	}
	s.state = StateClosing
	return true
}

// Authenticated reports whether the session may relay application frames.
func (s *Session) Authenticated() bool {
	return s.State() == StateAuthenticated
}

// Touch records a heartbeat observation.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastBeat = time.Now()
	s.mu.Unlock()
}

// LastBeat returns the most recent heartbeat observation.
func (s *Session) LastBeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBeat
}

// NextOutSeq assigns the next outbound sequence number. Values are strictly
// increasing with no gaps even under concurrent submission.
func (s *Session) NextOutSeq() int64 {
	return s.outSeq.Add(1)
}

// NextInSeq assigns the next inbound sequence number.
func (s *Session) NextInSeq() int64 {
	return s.inSeq.Add(1)
}

// Send queues a frame for the write pump. It never blocks on socket I/O.
func (s *Session) Send(data []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.sendCh <- data:
		return nil
	case <-s.done:
		return ErrClosed
	default:
		return ErrSendQueueFull
	}
}

func (s *Session) writePump() {
	for {
		select {
		case data := <-s.sendCh:
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// Close tears the session down: sends the close frame with the given code,
// stops the write pump, and closes the socket. Closing an already-closed
// session is a no-op.
func (s *Session) Close(code int, reason string) {
	s.closing.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		s.mu.Unlock()

		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(constants.WriteWait))
		close(s.done)

		// Give the close frame a moment to reach the peer before the TCP
		// teardown. Kept off the caller's goroutine so the monitor sweep is
		// never delayed.
		conn := s.conn
		go func() {
			time.Sleep(constants.CloseGracePeriod)
			_ = conn.Close()
		}()

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
	})
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
