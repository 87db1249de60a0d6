package realtime

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kjm1559/Clawbot/internal/event"
	"github.com/kjm1559/Clawbot/internal/permission"
	"github.com/kjm1559/Clawbot/internal/protocol"
	"github.com/kjm1559/Clawbot/internal/pty"
	"github.com/kjm1559/Clawbot/internal/router"
	"github.com/kjm1559/Clawbot/internal/session"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Server manages WebSocket connections and bridges clients to the
// session controller, permission broker, and input router. Bus events
// are rendered to every connected client.
type Server struct {
	ctrl   *session.Controller
	broker *permission.Broker
	rt     *router.Router
	bus    *event.Bus

	clients   map[*client]bool
	clientsMu sync.RWMutex

	stopEvents func()
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// New creates a realtime server and starts forwarding bus events.
func New(ctrl *session.Controller, broker *permission.Broker, rt *router.Router, bus *event.Bus) *Server {
	s := &Server{
		ctrl:    ctrl,
		broker:  broker,
		rt:      rt,
		bus:     bus,
		clients: make(map[*client]bool),
	}

	events, cancel := bus.SubscribeBuffered(256,
		event.TypeStateChange,
		event.TypeOutputChunk,
		event.TypeOutputDropped,
		event.TypePermissionRequest,
		event.TypePermissionResolve,
		event.TypeSessionEnd,
		event.TypeFilesUpdate,
	)
	s.stopEvents = cancel
	go s.forwardEvents(events)

	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("POST /sessions", s.handleLaunchSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/input", s.handleSendInput)
	mux.HandleFunc("POST /sessions/{id}/signal", s.handleSignalSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleCancelSession)

	return corsMiddleware(mux)
}

// Stop detaches the server from the bus.
func (s *Server) Stop() {
	s.stopEvents()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	// Send the current session list to the new client.
	s.sendSessionList(c)

	go c.writePump()
	go c.readPump()
}

// sendSessionList sends the current session table to a client.
func (s *Server) sendSessionList(c *client) {
	for _, sess := range s.ctrl.List() {
		msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, sessionUpdate(sess))
		if err != nil {
			continue
		}
		c.enqueue(msg)
	}
}

func sessionUpdate(sess session.Session) protocol.SessionUpdatePayload {
	return protocol.SessionUpdatePayload{
		ID:        sess.ID,
		State:     string(sess.State),
		Command:   sess.Command,
		WorkDir:   sess.WorkDir,
		CreatedAt: sess.CreatedAt.Format(time.RFC3339Nano),
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read error: %v", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands a message to the client's write pump, dropping it if
// the client cannot keep up.
func (c *client) enqueue(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	close(c.send)
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeSessionLaunch:
		var p protocol.SessionLaunchPayload
		json.Unmarshal(msg.Payload, &p)
		if _, err := s.ctrl.Launch(p.Command, p.WorkDir); err != nil {
			s.sendOpError(c, err)
		}

	case protocol.TypeSessionInput:
		var p protocol.SessionInputPayload
		json.Unmarshal(msg.Payload, &p)
		if _, err := s.rt.Route(router.Message{
			Sender:    p.Sender,
			Text:      p.Text,
			SessionID: p.SessionID,
			ReplyTo:   p.ReplyTo,
		}); err != nil {
			s.sendOpError(c, err)
		}

	case protocol.TypeSessionSend:
		var p protocol.SessionSendPayload
		json.Unmarshal(msg.Payload, &p)
		if _, err := s.rt.Route(router.Message{
			Sender:    p.Sender,
			Text:      p.Text,
			SessionID: p.SessionID,
		}); err != nil {
			s.sendOpError(c, err)
		}

	case protocol.TypeSessionClaim:
		var p protocol.SessionClaimPayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.ctrl.Claim(p.SessionID, p.Actor); err != nil {
			s.sendOpError(c, err)
		}

	case protocol.TypeSessionRelease:
		var p protocol.SessionReleasePayload
		json.Unmarshal(msg.Payload, &p)
		s.ctrl.Release(p.Actor)

	case protocol.TypeSessionCancel:
		var p protocol.SessionCancelPayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.ctrl.Cancel(p.SessionID); err != nil {
			s.sendOpError(c, err)
		}

	case protocol.TypeSessionSignal:
		var p protocol.SessionSignalPayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.ctrl.Signal(p.SessionID, pty.SignalKind(p.Signal)); err != nil {
			s.sendOpError(c, err)
		}

	case protocol.TypePermissionAsk:
		var p protocol.PermissionAskPayload
		json.Unmarshal(msg.Payload, &p)
		timeout := time.Duration(p.TimeoutSec) * time.Second
		if _, err := s.broker.Register(p.SessionID, p.Summary, timeout); err != nil {
			s.sendOpError(c, err)
		}

	case protocol.TypePermissionDecide:
		var p protocol.PermissionDecidePayload
		json.Unmarshal(msg.Payload, &p)
		decision, err := permission.ParseDecision(p.Decision)
		if err != nil {
			s.sendOpError(c, err)
			return
		}
		if err := s.broker.Resolve(p.SessionID, decision, p.Actor); err != nil {
			s.sendOpError(c, err)
		}
	}
}

// forwardEvents renders bus events to all connected clients.
func (s *Server) forwardEvents(events <-chan event.Event) {
	for ev := range events {
		msg := s.renderEvent(ev)
		if msg == nil {
			continue
		}
		s.broadcast(msg)
	}
}

func (s *Server) renderEvent(ev event.Event) *protocol.Message {
	switch p := ev.Payload.(type) {
	case event.StateChange:
		sess, err := s.ctrl.Get(p.SessionID)
		if err != nil {
			return nil
		}
		msg, _ := protocol.NewMessage(protocol.TypeSessionUpdate, sessionUpdate(sess))
		return msg

	case event.Chunk:
		msg, _ := protocol.NewMessage(protocol.TypeSessionOutput, protocol.SessionOutputPayload{
			SessionID: p.SessionID,
			Seq:       p.Seq,
			Data:      p.Payload,
			IsFinal:   p.IsFinal,
		})
		return msg

	case event.Dropped:
		msg, _ := protocol.NewMessage(protocol.TypeOutputDropped, protocol.OutputDroppedPayload{
			SessionID: p.SessionID,
			Count:     p.Count,
			FirstSeq:  p.FirstSeq,
			LastSeq:   p.LastSeq,
		})
		return msg

	case event.PermissionRequest:
		msg, _ := protocol.NewMessage(protocol.TypePermissionRequest, protocol.PermissionRequestPayload{
			RequestID: p.RequestID,
			SessionID: p.SessionID,
			Summary:   p.Summary,
			Deadline:  p.Deadline.Format(time.RFC3339Nano),
			Default:   p.Default,
		})
		return msg

	case event.PermissionResolve:
		msg, _ := protocol.NewMessage(protocol.TypePermissionResolve, protocol.PermissionResolvePayload{
			RequestID: p.RequestID,
			SessionID: p.SessionID,
			Decision:  p.Decision,
			Actor:     p.Actor,
			TimedOut:  p.TimedOut,
		})
		return msg

	case event.SessionEnd:
		msg, _ := protocol.NewMessage(protocol.TypeSessionEnded, protocol.SessionEndedPayload{
			SessionID:  p.SessionID,
			State:      p.State,
			ExitCode:   p.ExitCode,
			DurationMs: p.Duration.Milliseconds(),
			Reason:     p.Reason,
		})
		return msg

	case event.FilesUpdate:
		msg, _ := protocol.NewMessage(protocol.TypeFilesUpdate, protocol.FilesUpdatePayload{
			SessionID: p.SessionID,
			FileCount: p.FileCount,
		})
		return msg
	}
	return nil
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, skip.
		}
	}
}

// sendOpError maps a rejected operation to its stable error code.
func (s *Server) sendOpError(c *client, err error) {
	s.sendError(c, errorCode(err), err.Error())
}

func (s *Server) sendError(c *client, code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	c.enqueue(msg)
}

// errorCode maps controller, broker, and router errors onto the wire
// codes so every rejection renders as a specific kind.
func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return protocol.ErrSessionNotFound
	case errors.Is(err, session.ErrInvalidState):
		return protocol.ErrInvalidState
	case errors.Is(err, session.ErrInvalidCommand):
		return protocol.ErrInvalidCommand
	case errors.Is(err, session.ErrMaxSessions):
		return protocol.ErrMaxSessions
	case errors.Is(err, session.ErrSpawnFailed):
		return protocol.ErrSpawnFailed
	case errors.Is(err, session.ErrIO):
		return protocol.ErrIOFailure
	case errors.Is(err, permission.ErrAlreadyPending):
		return protocol.ErrAlreadyPending
	case errors.Is(err, permission.ErrNoPendingRequest):
		return protocol.ErrNoPendingRequest
	case errors.Is(err, permission.ErrInvalidDecision):
		return protocol.ErrInvalidMessage
	case errors.Is(err, router.ErrAmbiguous):
		return protocol.ErrRoutingAmbiguous
	case errors.Is(err, router.ErrNoRoute):
		return protocol.ErrRoutingFailure
	}
	return protocol.ErrInternal
}
