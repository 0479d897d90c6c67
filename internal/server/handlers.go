package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"lvbridge/internal/auth"
	"lvbridge/internal/constants"
	"lvbridge/internal/metrics"
	"lvbridge/internal/protocol"
	"lvbridge/internal/security"
	"lvbridge/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  constants.WSBufferSize,
	WriteBufferSize: constants.WSBufferSize,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWebSocket runs one client connection from accept to close: HELLO,
// handshake window, then the frame loop.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := security.GetClientIP(r)

	if !s.ConnLimiter.TryConnect(clientIP) {
		if s.AuditLogger != nil {
			s.AuditLogger.LogConnectionLimit(clientIP)
		}
		http.Error(w, "Connection limit exceeded", http.StatusTooManyRequests)
		return
	}
	defer s.ConnLimiter.Disconnect(clientIP)

	if !s.BruteProtector.Check(clientIP) {
		if s.AuditLogger != nil {
			s.AuditLogger.LogBruteForce(clientIP, constants.MaxAuthAttempts)
		}
		http.Error(w, "Too many failed attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("❌ WebSocket upgrade error: %v", err)
		return
	}
	conn.SetReadLimit(constants.MaxWSMessageSize)

	nonce, err := auth.GenerateNonce()
	if err != nil {
		log.Printf("❌ Failed to generate handshake nonce: %v", err)
		conn.Close()
		return
	}

	sess := session.New(conn, clientIP, nonce)
	s.Store.Add(sess)
	metrics.SessionsLive.Inc()
	log.Printf("🔌 Session %s connecting from %s", sess.ID, clientIP)

	hello, err := protocol.Encode(protocol.OpHello, protocol.HelloData{
		HeartbeatInterval: s.Monitor.Interval().Milliseconds(),
		Nonce:             nonce,
	})
	if err != nil {
		s.teardown(sess, protocol.CloseGeneral, "hello encode failed")
		return
	}
	if err := sess.Send(hello); err != nil {
		s.teardown(sess, protocol.CloseGeneral, "hello send failed")
		return
	}

	// The handshake window is enforced even if the client never sends a
	// frame at all. AbortHandshake is atomic against a concurrent IDENTIFY
	// on the read goroutine.
	handshakeTimer := time.AfterFunc(s.HandshakeTimeout, func() {
		if sess.AbortHandshake() {
			s.failAuth(sess, clientIP, auth.ReasonTimeout)
		}
	})
	defer handshakeTimer.Stop()

	s.readLoop(sess, conn, clientIP)
	s.teardown(sess, websocket.CloseNormalClosure, "")
	log.Printf("👋 Session %s closed", sess.ID)
}

func (s *Server) readLoop(sess *session.Session, conn *websocket.Conn, clientIP string) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) && sess.State() != session.StateClosed {
				log.Printf("⚠️  Read error on session %s: %v", sess.ID, err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.closeOnError(sess, clientIP, err)
			return
		}

		if err := s.dispatch(sess, clientIP, msg); err != nil {
			s.closeOnError(sess, clientIP, err)
			return
		}
	}
}

func (s *Server) dispatch(sess *session.Session, clientIP string, msg *protocol.Message) error {
	switch msg.Op {
	case protocol.OpIdentify:
		return s.handleIdentify(sess, clientIP, msg)
	case protocol.OpHeartbeat:
		return s.handleHeartbeat(sess)
	case protocol.OpInfo:
		return s.handleInfo(sess, msg)
	case protocol.OpResume:
		// Not supported by this gateway; tell the client to reconnect fresh.
		return &protocol.Error{Code: protocol.CloseGeneral, Reason: "resume not supported"}
	default:
		// HELLO/READY/HEARTBEAT_ACK are server-to-client only.
		return protocol.ErrBadState(msg.Op, sess.State().String())
	}
}

func (s *Server) handleIdentify(sess *session.Session, clientIP string, msg *protocol.Message) error {
	if sess.State() != session.StateConnecting {
		return protocol.ErrBadState(protocol.OpIdentify, sess.State().String())
	}

	// A correct token after the window elapsed still fails with timeout.
	if time.Since(sess.CreatedAt) > s.HandshakeTimeout {
		return &auth.Error{Reason: auth.ReasonTimeout}
	}

	var identify protocol.IdentifyData
	if err := decodePayload(msg.D, &identify); err != nil {
		return err
	}

	if !s.Verifier.Verify(sess.Nonce, identify.Token) {
		s.BruteProtector.RecordFailure(clientIP)
		return &auth.Error{Reason: auth.ReasonMismatch}
	}

	if err := sess.Authenticate(); err != nil {
		return protocol.ErrBadState(protocol.OpIdentify, sess.State().String())
	}

	s.Monitor.Register(sess.ID)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Router.Register(ctx, sess); err != nil {
		log.Printf("❌ Relay registration failed for session %s: %v", sess.ID, err)
		s.Monitor.Deregister(sess.ID)
		return &protocol.Error{Code: protocol.CloseGeneral, Reason: "relay registration failed"}
	}

	s.BruteProtector.RecordSuccess(clientIP)
	if s.AuditLogger != nil {
		s.AuditLogger.LogAuthSuccess(clientIP, sess.ID)
	}
	log.Printf("✅ Session %s authenticated", sess.ID)

	ready, err := protocol.Encode(protocol.OpReady, protocol.ReadyData{Health: s.Router.Health()})
	if err != nil {
		return err
	}
	return sess.Send(ready)
}

func (s *Server) handleHeartbeat(sess *session.Session) error {
	if !sess.Authenticated() {
		return protocol.ErrBadState(protocol.OpHeartbeat, sess.State().String())
	}

	sess.Touch()
	s.Monitor.Touch(sess.ID)

	ack, err := protocol.Encode(protocol.OpHeartbeatACK, protocol.HeartbeatAckData{Health: s.Router.Health()})
	if err != nil {
		return err
	}
	return sess.Send(ack)
}

func (s *Server) handleInfo(sess *session.Session, msg *protocol.Message) error {
	if !sess.Authenticated() {
		return protocol.ErrBadState(protocol.OpInfo, sess.State().String())
	}

	info, err := protocol.DecodeInfo(msg.D)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Router.Forward(ctx, sess, info.Target, msg.D); err != nil {
		// Bus trouble is an operational signal, not a per-message client
		// error; the socket stays open either way.
		log.Printf("⚠️  Relay forward failed for session %s: %v", sess.ID, err)
	}
	return nil
}

// failAuth closes a session for a handshake failure, with the close code
// matching the reason.
func (s *Server) failAuth(sess *session.Session, clientIP string, reason auth.Reason) {
	code := protocol.CloseAuthFailed
	if reason == auth.ReasonTimeout {
		code = protocol.CloseAuthTimeout
	}
	metrics.AuthFailures.WithLabelValues(string(reason)).Inc()
	if s.AuditLogger != nil {
		s.AuditLogger.LogAuthFailure(clientIP, sess.ID, string(reason))
	}
	log.Printf("🚫 Session %s auth failed: %s", sess.ID, reason)
	s.teardown(sess, code, "authentication failed: "+string(reason))
}

// closeOnError maps an error from the frame path to its close code and
// tears the session down.
func (s *Server) closeOnError(sess *session.Session, clientIP string, err error) {
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		s.failAuth(sess, clientIP, authErr.Reason)
		return
	}

	var protoErr *protocol.Error
	if errors.As(err, &protoErr) {
		log.Printf("🚫 Session %s protocol error: %s", sess.ID, protoErr.Reason)
		s.teardown(sess, protoErr.Code, protoErr.Reason)
		return
	}

	s.teardown(sess, protocol.CloseGeneral, err.Error())
}

func decodePayload(d []byte, v interface{}) error {
	if len(d) == 0 {
		return protocol.ErrDecode("missing payload")
	}
	if err := json.Unmarshal(d, v); err != nil {
		return protocol.ErrDecode("invalid payload")
	}
	return nil
}
