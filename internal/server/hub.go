package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"hivewatch/internal/domain"
)

const (
	writeWait    = 10 * time.Second
	readLimit    = 64 * 1024
	sendCapacity = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// pushSession is one connected monitor. Only the session goroutine writes
// to the connection; the reader hands replies to it through send.
type pushSession struct {
	id   string
	conn *websocket.Conn
	send chan domain.PushMessage

	lastRevision uint64
	sentSnapshot bool
	wasRunning   bool
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("push upgrade failed", "error", err)
		return
	}
	select {
	case <-s.done:
		_ = conn.Close()
		return
	default:
	}

	s.sessions.Add(1)
	defer s.sessions.Done()

	sess := &pushSession{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan domain.PushMessage, sendCapacity),
	}
	clientID := r.Header.Get("X-Client-ID")
	s.logger.Info("push client connected", "session", sess.id, "client", clientID)
	defer s.logger.Info("push client disconnected", "session", sess.id, "client", clientID)

	s.runSession(r.Context(), sess)
}

func (s *Server) runSession(ctx context.Context, sess *pushSession) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer sess.conn.Close()

	var events <-chan domain.ChangeEvent
	if s.bus != nil {
		subscriber := "push-" + sess.id
		events = s.bus.Register(subscriber)
		defer s.bus.Unregister(subscriber)
	}

	go s.readSession(sess, cancel)

	if err := s.pushSnapshot(ctx, sess, domain.PushInitialState); err != nil {
		s.logger.Warn("initial state failed", "session", sess.id, "error", err)
		_ = s.write(sess, domain.PushMessage{Type: domain.PushError, Message: err.Error()})
	}

	ticker := time.NewTicker(s.cfg.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = sess.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case msg := <-sess.send:
			if err := s.write(sess, msg); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := s.write(sess, signalFor(ev)); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.pushSnapshot(ctx, sess, domain.PushExecutionsUpdate); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("push update failed", "session", sess.id, "error", err)
			}
		}
	}
}

// pushSnapshot sends the executions list when the revision moved since the
// last one sent, then the running set while anything runs.
func (s *Server) pushSnapshot(ctx context.Context, sess *pushSession, kind domain.PushType) error {
	records, rev, err := s.store.ListExecutions(ctx)
	if err != nil {
		return err
	}
	if kind == domain.PushInitialState || !sess.sentSnapshot || rev != sess.lastRevision {
		if err := s.write(sess, domain.PushMessage{Type: kind, Revision: rev, Executions: records}); err != nil {
			return err
		}
		sess.lastRevision = rev
		sess.sentSnapshot = true
	}

	running := make([]domain.RunningAgent, 0)
	for _, rec := range records {
		if rec.IsRunning {
			running = append(running, domain.RunningAgent{ID: rec.ID, Name: rec.Name, Phase: rec.Phase})
		}
	}
	if len(running) == 0 && !sess.wasRunning {
		return nil
	}
	sess.wasRunning = len(running) > 0
	return s.write(sess, domain.PushMessage{Type: domain.PushRunningAgents, Count: len(running), Agents: running})
}

func (s *Server) readSession(sess *pushSession, cancel context.CancelFunc) {
	defer cancel()
	sess.conn.SetReadLimit(readLimit)
	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("push read failed", "session", sess.id, "error", err)
			}
			return
		}
		var msg domain.PushMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Debug("push frame ignored", "session", sess.id, "error", err)
			continue
		}
		if msg.Type != domain.PushPing {
			continue
		}
		select {
		case sess.send <- domain.PushMessage{Type: domain.PushPong}:
		default:
		}
	}
}

func (s *Server) write(sess *pushSession, msg domain.PushMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return sess.conn.WriteMessage(websocket.TextMessage, raw)
}

func signalFor(ev domain.ChangeEvent) domain.PushMessage {
	if ev.Kind == domain.ChangeExecutionCompleted {
		return domain.PushMessage{Type: domain.PushAgentCompleted, ID: ev.ExecutionID}
	}
	return domain.PushMessage{Type: domain.PushAgentUpdate, ID: ev.ExecutionID}
}
