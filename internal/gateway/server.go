// Package gateway is the request-lifecycle engine: the WebSocket control
// plane agents connect to, the validate/evaluate/dispatch-or-ask pipeline
// every tool_request runs through, and the health/metrics HTTP surface
// sitting alongside it. It is grounded on the teacher's
// internal/gateway/ws_control_plane.go for the session/session-pool shape,
// generalized from a single home-automation control plane into the
// registry-driven, policy-gated execution gateway spec.md describes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/toolgate/internal/auth"
	"github.com/haasonsaas/toolgate/internal/dispatch"
	"github.com/haasonsaas/toolgate/internal/health"
	"github.com/haasonsaas/toolgate/internal/messenger"
	"github.com/haasonsaas/toolgate/internal/model"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/policy"
	"github.com/haasonsaas/toolgate/internal/ratelimit"
	"github.com/haasonsaas/toolgate/internal/registry"
	"github.com/haasonsaas/toolgate/internal/store"
)

// Config configures a Server. AgentIdentity is the single tenant's
// identity used to key offline-result buffering (spec.md's single-agent
// model means there is exactly one).
type Config struct {
	AgentToken      string
	AgentIdentity   string
	ApprovalTimeout time.Duration
	SweepInterval   time.Duration
}

// Server owns every long-lived component the gateway wires together: the
// tool registry, the policy engine, the durable store, the HTTP
// dispatcher, the approval messenger, the rate limiter, and the set of
// currently-connected agent sessions.
type Server struct {
	registry   *registry.Registry
	policy     *policy.Engine
	store      *store.Store
	dispatcher *dispatch.Executor
	messenger  messenger.Adapter
	limiter    *ratelimit.Limiter
	handshake  *auth.HandshakeValidator
	health     *health.Aggregator
	metrics    *observability.Metrics
	logger     *slog.Logger

	agentIdentity   string
	approvalTimeout time.Duration
	sweepInterval   time.Duration

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
	waiters  map[string]chan model.Resolution

	wg sync.WaitGroup
}

// NewServer wires the components spec.md §4 describes into one Server.
// Callers are expected to have already loaded reg and pol and opened st.
func NewServer(cfg Config, reg *registry.Registry, pol *policy.Engine, st *store.Store, disp *dispatch.Executor, msgr messenger.Adapter, limiter *ratelimit.Limiter, metrics *observability.Metrics, logger *slog.Logger) *Server {
	approvalTimeout := cfg.ApprovalTimeout
	if approvalTimeout <= 0 {
		approvalTimeout = 15 * time.Minute
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	srv := &Server{
		registry:        reg,
		policy:          pol,
		store:           st,
		dispatcher:      disp,
		messenger:       msgr,
		limiter:         limiter,
		handshake:       auth.NewHandshakeValidator(cfg.AgentToken),
		health:          health.NewAggregator(),
		metrics:         metrics,
		logger:          logger,
		agentIdentity:   cfg.AgentIdentity,
		approvalTimeout: approvalTimeout,
		sweepInterval:   sweepInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
		waiters:  make(map[string]chan model.Resolution),
	}

	srv.health.RegisterCritical(health.Check{
		Name: "store",
		Probe: func(ctx context.Context) error {
			_, err := st.CountPending(ctx)
			return err
		},
	})
	srv.health.RegisterCritical(health.Check{
		Name:  "messenger",
		Probe: func(context.Context) error { return nil },
	})
	for _, svc := range reg.Services() {
		svc := svc
		if svc.Health == nil {
			continue
		}
		srv.health.RegisterService(health.Check{
			Name:  svc.Name,
			Probe: func(ctx context.Context) error { return dispatch.HealthCheck(ctx, nil, svc) },
		})
	}

	return srv
}

// ServeWS upgrades an HTTP request to a WebSocket and runs the resulting
// session until it disconnects.
func (srv *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	sess := newSession(srv, conn)
	srv.metrics.ActiveSessions.Inc()
	defer srv.metrics.ActiveSessions.Dec()
	sess.run()
}

// ServeHealth renders the aggregated health report from spec.md §6.
func (srv *Server) ServeHealth(w http.ResponseWriter, r *http.Request) {
	report := srv.health.Run(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if report.Status != string(health.StatusOK) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(report) //nolint:errcheck
}

func (srv *Server) registerSession(sess *Session) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.sessions[sess.id] = sess
}

func (srv *Server) unregisterSession(sess *Session) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if current, ok := srv.sessions[sess.id]; ok && current == sess {
		delete(srv.sessions, sess.id)
	}
}

func (srv *Server) sessionAttached(id string) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	_, ok := srv.sessions[id]
	return ok
}

func (srv *Server) registerWaiter(requestID string, ch chan model.Resolution) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.waiters[requestID] = ch
}

func (srv *Server) forgetWaiter(requestID string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.waiters, requestID)
}

// notifyWaiter delivers res to the registered waiter for requestID exactly
// once: it looks the channel up and deletes it from the map under the same
// lock, so a racing second caller (the approval path and the timeout path
// both reach here for the same request) finds nothing left to send to. It
// reports whether a waiter was actually registered — callers that run with
// no live Session/awaitApproval goroutine behind them (the sweep paths,
// after a process restart) use this to know the resolution needs to be
// finalized directly instead.
func (srv *Server) notifyWaiter(requestID string, res model.Resolution) bool {
	srv.mu.Lock()
	ch, ok := srv.waiters[requestID]
	if ok {
		delete(srv.waiters, requestID)
	}
	srv.mu.Unlock()
	if ok {
		ch <- res
	}
	return ok
}

// notifyShuttingDown pushes a shutting_down envelope to every connected
// session, naming the request_ids still in flight on it. Pending approvals
// are not cancelled; this is purely informational so the agent knows to
// expect those replies via get_pending_results instead of directly.
func (srv *Server) notifyShuttingDown() {
	srv.mu.Lock()
	sessions := make([]*Session, 0, len(srv.sessions))
	for _, sess := range srv.sessions {
		sessions = append(sessions, sess)
	}
	srv.mu.Unlock()

	for _, sess := range sessions {
		sess.writeEnvelope(Envelope{
			ProtocolVersion: ProtocolVersion,
			Method:          "shutting_down",
			Result:          shuttingDownPayload{OutstandingRequestIDs: sess.outstandingRequestIDs()},
		})
	}
}

// StartupSweep resolves every pending approval left over from a previous
// process lifetime as TIMED_OUT, writes its terminal audit entry, and
// buffers the resolution as an offline result — no in-process goroutine
// survives a restart to deliver it directly to a session, and no waiter is
// ever registered this early, so every row swept here is finalized
// directly (spec.md §8 invariant 7, and invariant 1: every request_id gets
// a terminal audit row).
func (srv *Server) StartupSweep(ctx context.Context) error {
	stale, err := srv.store.SweepStale(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("gateway: startup sweep: %w", err)
	}
	for _, p := range stale {
		srv.finalizeOrphanedPending(ctx, p)
	}
	if len(stale) > 0 {
		srv.logger.Info("startup sweep resolved orphaned pending approvals", "count", len(stale))
	}
	return nil
}

// RunSweepLoop periodically resolves any pending row that has outlived its
// expiry without being caught by its own in-process timer (clock skew, a
// missed AfterFunc under extreme load), or that belonged to a request
// whose awaitApproval goroutine no longer exists (a restart happened after
// the row was inserted but before this loop's first tick). Runs until ctx
// is canceled.
func (srv *Server) RunSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(srv.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale, err := srv.store.SweepStale(ctx, time.Now())
			if err != nil {
				srv.logger.Error("periodic sweep failed", "error", err)
				continue
			}
			for _, p := range stale {
				if srv.notifyWaiter(p.RequestID, model.ResolutionTimedOut) {
					srv.logger.Warn("periodic sweep resolved a pending row its own timer missed", "request_id", p.RequestID)
					continue
				}
				srv.logger.Warn("periodic sweep resolved an orphaned pending row with no live waiter", "request_id", p.RequestID)
				srv.finalizeOrphanedPending(ctx, p)
			}
		}
	}
}

// finalizeOrphanedPending writes the terminal audit entry and buffers the
// offline result for a pending row that no in-process waiter claimed. Both
// sweep paths only ever resolve stale rows to TIMED_OUT, so that is the
// only resolution this handles.
func (srv *Server) finalizeOrphanedPending(ctx context.Context, p model.PendingApproval) {
	srv.audit(ctx, p.RequestID, p.ToolName, p.Signature, model.DecisionAsk, model.ResolutionTimedOut, "", model.ErrorTimedOut, p.Args, p.CreatedAt)

	gwErr := model.NewGatewayError(model.ErrorTimedOut, "approval timed out while the gateway was restarting")
	data, err := json.Marshal(map[string]any{"error": &RPCError{Code: codeForGatewayError(gwErr), Message: gwErr.Message}})
	if err != nil {
		srv.logger.Error("marshal orphaned pending result failed", "request_id", p.RequestID, "error", err)
		return
	}
	if err := srv.store.EnqueueOfflineResult(ctx, p.RequestID, p.ToolName, srv.agentIdentity, string(data)); err != nil {
		srv.logger.Error("enqueue offline result for orphaned pending failed", "request_id", p.RequestID, "error", err)
	}
}

// Shutdown notifies every connected session that the gateway is going
// down and waits for in-flight tool_request goroutines to finish, up to
// ctx's deadline. A pending approval is not canceled by any of this — its
// decision wait runs on a detached context — so a goroutine still waiting
// on a human at the deadline is simply left running; if the process exits
// anyway, the row stays durable in the store for the next boot's
// StartupSweep to finalize. Finally closes the messenger and store.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.notifyShuttingDown()

	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		srv.logger.Warn("shutdown deadline hit with requests still in flight")
	}

	var errs []error
	if err := srv.messenger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("messenger close: %w", err))
	}
	if err := srv.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	return errors.Join(errs...)
}
