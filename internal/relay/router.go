// Package relay forwards application frames between client sessions and the
// backing message bus: outbound client frames are published under the
// target's topic, inbound bus messages are delivered to the owning session.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"lvbridge/internal/constants"
	"lvbridge/internal/metrics"
	"lvbridge/internal/protocol"
	"lvbridge/internal/session"
)

var (
	ErrBusClosed = errors.New("relay: bus closed")
	// ErrBusDegraded is returned while the bus is past its retry budget. New
	// relay traffic is rejected; existing sockets stay open.
	ErrBusDegraded = errors.New("relay: bus degraded, rejecting relay traffic")
)

// Envelope is the wire form of a relayed frame on the bus. Sequence numbers
// are strictly increasing per source; the payload is opaque.
type Envelope struct {
	Source  string          `json:"source"`
	Seq     int64           `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// SessionTopic derives the bus topic a session receives on.
func SessionTopic(sessionID string) string {
	return constants.SessionTopicPrefix + sessionID
}

// sessionFromTopic inverts SessionTopic.
func sessionFromTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, constants.SessionTopicPrefix) {
		return "", false
	}
	return topic[len(constants.SessionTopicPrefix):], true
}

// Router is the bidirectional forwarding core. It shares the session
// registry with the gateway server but never writes to it.
type Router struct {
	bus   Bus
	store *session.Store

	degraded   atomic.Bool
	recovering atomic.Bool
	drops      atomic.Int64
}

func NewRouter(bus Bus, store *session.Store) *Router {
	return &Router{bus: bus, store: store}
}

// Register subscribes a session's inbound topic. Called once the session
// authenticates.
func (r *Router) Register(ctx context.Context, s *session.Session) error {
	return r.bus.Subscribe(ctx, SessionTopic(s.ID))
}

// Deregister drops a session's subscription. Safe to call more than once.
func (r *Router) Deregister(ctx context.Context, sessionID string) {
	if err := r.bus.Unsubscribe(ctx, SessionTopic(sessionID)); err != nil {
		log.Printf("⚠️  Unsubscribe failed for session %s: %v", sessionID, err)
	}
}

// Forward publishes one client frame to the bus under the target's topic.
// The session must be Authenticated; the outbound sequence number is
// assigned here, on the session's single reader goroutine.
func (r *Router) Forward(ctx context.Context, s *session.Session, target string, payload []byte) error {
	if !s.Authenticated() {
		return session.ErrNotAuthenticated
	}
	if r.degraded.Load() {
		return ErrBusDegraded
	}

	env := Envelope{
		Source:  s.ID,
		Seq:     s.NextOutSeq(),
		Payload: payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	if err := r.publishWithRetry(ctx, SessionTopic(target), data); err != nil {
		r.degrade()
		return err
	}
	metrics.RelayPublished.Inc()
	return nil
}

func (r *Router) publishWithRetry(ctx context.Context, topic string, data []byte) error {
	var err error
	for attempt := 0; attempt <= constants.PublishRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(constants.PublishBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = r.bus.Publish(ctx, topic, data); err == nil {
			return nil
		}
	}
	return err
}

// degrade flips the router into its degraded mode and starts a single
// recovery probe loop.
func (r *Router) degrade() {
	if !r.degraded.CompareAndSwap(false, true) {
		return
	}
	metrics.BusDegraded.Set(1)
	log.Printf("❌ Relay bus unreachable past retry budget, degrading")

	if r.recovering.CompareAndSwap(false, true) {
		go r.recoverLoop()
	}
}

func (r *Router) recoverLoop() {
	defer r.recovering.Store(false)
	ticker := time.NewTicker(constants.BusRecoveryProbe)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := r.bus.Publish(ctx, constants.SessionTopicPrefix+"probe", nil)
		cancel()
		if err == nil {
			r.degraded.Store(false)
			metrics.BusDegraded.Set(0)
			log.Printf("✅ Relay bus recovered")
			return
		}
	}
}

// Run delivers inbound bus messages to their sessions until the bus closes
// or ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-r.bus.Messages():
			if !ok {
				return
			}
			r.deliver(msg)
		}
	}
}

func (r *Router) deliver(msg BusMessage) {
	sessionID, ok := sessionFromTopic(msg.Topic)
	if !ok {
		return
	}

	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		r.drop(sessionID, "malformed envelope")
		return
	}

	s, ok := r.store.Get(sessionID)
	if !ok || !s.Authenticated() {
		// The bus does not know about transient disconnects; dropping here
		// is the contract, not an error.
		r.drop(sessionID, "session not found")
		return
	}

	frame, err := protocol.Encode(protocol.OpInfo, env.Payload)
	if err != nil {
		r.drop(sessionID, "encode failed")
		return
	}
	s.NextInSeq()
	if err := s.Send(frame); err != nil {
		r.drop(sessionID, err.Error())
		return
	}
	metrics.RelayDelivered.Inc()
}

func (r *Router) drop(sessionID, reason string) {
	r.drops.Add(1)
	metrics.RelayDropped.Inc()
	log.Printf("📭 Relay delivery dropped for session %s: %s", sessionID, reason)
}

// Drops returns the number of inbound messages dropped so far.
func (r *Router) Drops() int64 {
	return r.drops.Load()
}

// Degraded reports whether the bus is past its retry budget.
func (r *Router) Degraded() bool {
	return r.degraded.Load()
}

// Health is the 0..1 health figure reported in READY and HEARTBEAT_ACK
// frames and on the health endpoint.
func (r *Router) Health() float64 {
	if r.degraded.Load() {
		return 0.0
	}
	return 1.0
}
