package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 45 * time.Second
	wsPingInterval    = 20 * time.Second
	authDeadline      = 10 * time.Second
)

// Session is one agent's WebSocket connection. Grounded on the teacher's
// wsSession (internal/gateway/ws_control_plane.go): a read loop and a
// write loop running as a goroutine pair, an outbound channel decoupling
// concurrent repliers from the single writer allowed on a websocket
// connection, and a cooperative-cancellation context for shutdown.
type Session struct {
	id         string
	conn       *websocket.Conn
	send       chan []byte
	ctx        context.Context
	cancel     context.CancelFunc
	server     *Server
	authed     bool
	identity   string

	mu       sync.Mutex
	inflight map[string]struct{} // request_id -> present, for duplicate detection
}

func newSession(server *Server, conn *websocket.Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, 64),
		ctx:      ctx,
		cancel:   cancel,
		server:   server,
		inflight: make(map[string]struct{}),
	}
}

// run drives the session until the connection closes. It blocks until
// readLoop returns; the caller (the HTTP handler goroutine) owns this call.
func (s *Session) run() {
	defer s.close()
	go s.writeLoop()
	s.readLoop()
}

func (s *Session) close() {
	s.cancel()
	close(s.send)
	s.conn.Close() //nolint:errcheck
	s.server.unregisterSession(s)
}

func (s *Session) readLoop() {
	s.conn.SetReadLimit(wsMaxPayloadBytes)
	s.conn.SetReadDeadline(time.Now().Add(authDeadline)) //nolint:errcheck

	if !s.awaitAuth() {
		return
	}

	s.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.writeEnvelope(errorEnvelope("", parseErr(err)))
			continue
		}
		s.handleEnvelope(env)
	}
}

// awaitAuth enforces the 10s handshake deadline: the first frame received
// must be method "auth" carrying a valid token, or the connection closes.
func (s *Session) awaitAuth() bool {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return false
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.writeEnvelope(errorEnvelope("", parseErr(err)))
		return false
	}
	if env.Method != "auth" {
		s.writeEnvelope(errorEnvelope(env.ID, notAuthedErr("auth must be the first message")))
		return false
	}
	var p authParams
	if err := json.Unmarshal(env.Params, &p); err != nil {
		s.writeEnvelope(errorEnvelope(env.ID, parseErr(err)))
		return false
	}
	if err := s.server.handshake.Validate(p.Token); err != nil {
		s.writeEnvelope(errorEnvelope(env.ID, notAuthedErr("invalid token")))
		return false
	}
	s.authed = true
	s.identity = s.server.agentIdentity
	s.server.registerSession(s)
	s.writeEnvelope(resultEnvelope(env.ID, map[string]any{"authenticated": true}))
	return true
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) writeEnvelope(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case s.send <- data:
	case <-s.ctx.Done():
	}
}

func (s *Session) handleEnvelope(env Envelope) {
	switch env.Method {
	case "tool_request":
		s.handleToolRequest(env)
	case "list_tools":
		s.handleListTools(env)
	case "get_pending_results":
		s.handleGetPendingResults(env)
	case "auth":
		s.writeEnvelope(resultEnvelope(env.ID, map[string]any{"authenticated": true}))
	default:
		s.writeEnvelope(errorEnvelope(env.ID, methodNotFoundErr(env.Method)))
	}
}

func (s *Session) handleToolRequest(env Envelope) {
	var p toolRequestParams
	if err := json.Unmarshal(env.Params, &p); err != nil {
		s.writeEnvelope(errorEnvelope(env.ID, parseErr(err)))
		return
	}
	if p.RequestID == "" || p.Tool == "" {
		s.writeEnvelope(errorEnvelope(env.ID, invalidRequestErr("request_id and tool are required")))
		return
	}
	if !s.trackRequest(p.RequestID) {
		s.writeEnvelope(errorEnvelope(env.ID, invalidRequestErr(fmt.Sprintf("duplicate request_id %q", p.RequestID))))
		return
	}

	s.server.wg.Add(1)
	go func() {
		defer s.server.wg.Done()
		defer s.untrackRequest(p.RequestID)
		s.server.processToolRequest(s.ctx, s, env.ID, p)
	}()
}

func (s *Session) handleListTools(env Envelope) {
	summaries := s.server.registry.AllTools()
	payload := listToolsResultPayload{Tools: make([]toolSummaryPayload, 0, len(summaries))}
	for _, t := range summaries {
		args := make(map[string]any, len(t.Args))
		for name, spec := range t.Args {
			args[name] = map[string]any{"required": spec.Required}
		}
		payload.Tools = append(payload.Tools, toolSummaryPayload{
			Name: t.Name, Description: t.Description, Service: t.Service, Args: args,
		})
	}
	s.writeEnvelope(resultEnvelope(env.ID, payload))
}

func (s *Session) handleGetPendingResults(env Envelope) {
	results, err := s.server.store.DrainOfflineResults(s.ctx, s.identity)
	if err != nil {
		s.writeEnvelope(errorEnvelope(env.ID, internalErr(err)))
		return
	}
	payload := pendingResultsPayload{Results: make([]offlineResultPayload, 0, len(results))}
	for _, r := range results {
		payload.Results = append(payload.Results, offlineResultPayload{
			RequestID: r.RequestID, ToolName: r.ToolName, Result: json.RawMessage(r.ResultBlob),
		})
	}
	s.writeEnvelope(resultEnvelope(env.ID, payload))
}

func (s *Session) trackRequest(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.inflight[requestID]; exists {
		return false
	}
	s.inflight[requestID] = struct{}{}
	return true
}

func (s *Session) untrackRequest(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, requestID)
}

// outstandingRequestIDs returns the request_ids currently in flight on this
// session, for the shutdown notice.
func (s *Session) outstandingRequestIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.inflight))
	for id := range s.inflight {
		ids = append(ids, id)
	}
	return ids
}

// attached reports whether this session is still the one registered with
// the server under its id — used to decide online vs offline delivery.
func (s *Session) attached() bool {
	return s.server.sessionAttached(s.id)
}
