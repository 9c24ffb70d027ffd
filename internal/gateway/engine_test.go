package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/toolgate/internal/dispatch"
	"github.com/haasonsaas/toolgate/internal/messenger"
	"github.com/haasonsaas/toolgate/internal/model"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/policy"
	"github.com/haasonsaas/toolgate/internal/ratelimit"
	"github.com/haasonsaas/toolgate/internal/registry"
	"github.com/haasonsaas/toolgate/internal/store"
)

// testEngine wires a full, in-process gateway against a real in-memory
// store and a real httptest backend, mirroring spec.md §8's concrete
// scenarios closely enough to exercise the engine end to end without a
// live WebSocket connection.
type testEngine struct {
	srv   *Server
	msgr  *messenger.ConsoleAdapter
	store *store.Store
	svc   *httptest.Server
}

func newTestEngine(t *testing.T, pol policy.Policy) *testEngine {
	t.Helper()

	svc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"state":"on"}`)) //nolint:errcheck
	}))
	t.Cleanup(svc.Close)

	dir := t.TempDir()
	serviceYAML := `
service:
  name: homeassistant
  url: ` + svc.URL + `
  auth:
    scheme: bearer
    token: test-token
tools:
  - name: ha_get_state
    description: read an entity's state
    signature_template: "ha_get_state({entity_id})"
    args:
      entity_id:
        required: true
        validate: "^[a-z0-9_.]+$"
    request:
      method: GET
      path: /api/states/{entity_id}
  - name: ha_call_service
    description: call a Home Assistant service
    signature_template: "ha_call_service({domain}.{service}, {entity_id})"
    args:
      domain:
        required: true
        validate: "^[a-z]+$"
      service:
        required: true
        validate: "^[a-z]+$"
      entity_id:
        required: true
        validate: "^[a-z0-9_.]+$"
    request:
      method: POST
      path: /api/services/{domain}/{service}
`
	if err := os.WriteFile(filepath.Join(dir, "homeassistant.yaml"), []byte(serviceYAML), 0o644); err != nil {
		t.Fatalf("write service file: %v", err)
	}

	reg := registry.New()
	if err := reg.LoadDir(dir); err != nil {
		t.Fatalf("load registry: %v", err)
	}

	engine := policy.NewEngine(pol)

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	disp := dispatch.New(reg, svc.Client())
	limiter := ratelimit.New(ratelimit.Config{MaxRequestsPerMinute: 1000, MaxPendingApprovals: 10})
	metrics := observability.NewMetrics()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	msgr := messenger.NewConsoleAdapter(logger)

	srv := NewServer(Config{
		AgentToken:      "secret",
		AgentIdentity:   "default",
		ApprovalTimeout: 5 * time.Second,
	}, reg, engine, st, disp, msgr, limiter, metrics, logger)

	return &testEngine{srv: srv, msgr: msgr, store: st, svc: svc}
}

// newTestSession builds a bare Session suitable for driving
// processToolRequest directly, bypassing the real WebSocket connection.
func newTestSession(id string, srv *Server) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{id: id, server: srv, send: make(chan []byte, 1), ctx: ctx, cancel: cancel}
}

func auditFor(t *testing.T, te *testEngine, requestID string) model.AuditEntry {
	t.Helper()
	entries, err := te.store.AuditTrail(context.Background(), requestID)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected an audit row for request %s", requestID)
	}
	return entries[len(entries)-1]
}

// Scenario 1: auto-allow happy path.
func TestEngine_AutoAllowHappyPath(t *testing.T) {
	te := newTestEngine(t, policy.Policy{
		Defaults: []policy.Rule{
			{Pattern: "ha_get_state(*)", Action: policy.ActionAllow},
			{Pattern: "*", Action: policy.ActionAsk},
		},
	})

	var got Envelope
	replyCh := make(chan struct{})
	sess := newTestSession("sess-1", te.srv)
	go func() {
		data := <-sess.send
		json.Unmarshal(data, &got) //nolint:errcheck
		close(replyCh)
	}()
	te.srv.registerSession(sess)

	te.srv.processToolRequest(context.Background(), sess, "env-1", toolRequestParams{
		RequestID: "req-1", Tool: "ha_get_state", Args: map[string]any{"entity_id": "sensor.t"},
	})

	<-replyCh
	if got.Error != nil {
		t.Fatalf("expected no error, got %+v", got.Error)
	}
	entry := auditFor(t, te, "req-1")
	if entry.Decision != model.DecisionAllow || entry.Resolution != model.ResolutionExecuted {
		t.Fatalf("expected ALLOW/EXECUTED, got %s/%s", entry.Decision, entry.Resolution)
	}
}

// Scenario 2: a deny rule overrides a narrower allow rule on the same
// signature.
func TestEngine_PolicyDenyOverridesNarrowAllow(t *testing.T) {
	te := newTestEngine(t, policy.Policy{
		Rules: []policy.Rule{
			{Pattern: "ha_call_service(lock.*, *)", Action: policy.ActionDeny},
			{Pattern: "ha_call_service(lock.unlock, lock.front)", Action: policy.ActionAllow},
		},
	})

	sess := newTestSession("sess-2", te.srv)
	replyCh := make(chan Envelope, 1)
	go func() {
		data := <-sess.send
		var env Envelope
		json.Unmarshal(data, &env) //nolint:errcheck
		replyCh <- env
	}()
	te.srv.registerSession(sess)

	te.srv.processToolRequest(context.Background(), sess, "env-2", toolRequestParams{
		RequestID: "req-2", Tool: "ha_call_service",
		Args: map[string]any{"domain": "lock", "service": "unlock", "entity_id": "lock.front"},
	})

	env := <-replyCh
	if env.Error == nil || env.Error.Code != CodeDeniedByPolicy {
		t.Fatalf("expected DENIED_BY_POLICY, got %+v", env.Error)
	}
	entry := auditFor(t, te, "req-2")
	if entry.Resolution != model.ResolutionDeniedByPolicy {
		t.Fatalf("expected audit resolution DENIED_BY_POLICY, got %s", entry.Resolution)
	}
}

// Scenario 3: a human approves an ASK request before the timeout.
func TestEngine_HumanApprovalBeforeTimeout(t *testing.T) {
	te := newTestEngine(t, policy.Policy{
		Defaults: []policy.Rule{{Pattern: "*", Action: policy.ActionAsk}},
	})

	sess := newTestSession("sess-3", te.srv)
	replyCh := make(chan Envelope, 1)
	go func() {
		data := <-sess.send
		var env Envelope
		json.Unmarshal(data, &env) //nolint:errcheck
		replyCh <- env
	}()
	te.srv.registerSession(sess)

	go func() {
		time.Sleep(50 * time.Millisecond)
		if err := te.msgr.Resolve("req-3", "guardian-1", true); err != nil {
			t.Errorf("resolve: %v", err)
		}
	}()

	te.srv.processToolRequest(context.Background(), sess, "env-3", toolRequestParams{
		RequestID: "req-3", Tool: "ha_get_state", Args: map[string]any{"entity_id": "sensor.t"},
	})

	env := <-replyCh
	if env.Error != nil {
		t.Fatalf("expected a successful reply, got error %+v", env.Error)
	}
	entry := auditFor(t, te, "req-3")
	if entry.Decision != model.DecisionAsk || entry.Resolution != model.ResolutionExecuted {
		t.Fatalf("expected ASK/EXECUTED, got %s/%s", entry.Decision, entry.Resolution)
	}
}

// Scenario 5: the originating session disconnects before a human resolves
// the ASK request; the eventual reply is buffered as an offline result and
// handed back exactly once when the agent reconnects and drains. Critically,
// this drives processToolRequest with the session's own (cancelable) ctx and
// actually cancels it mid-wait, mirroring what Session.close does on a real
// socket drop — a disconnect must not cancel the pending approval itself.
func TestEngine_OfflineDeliveryThenDrain(t *testing.T) {
	te := newTestEngine(t, policy.Policy{
		Defaults: []policy.Rule{{Pattern: "*", Action: policy.ActionAsk}},
	})

	sess := newTestSession("sess-5", te.srv)
	te.srv.registerSession(sess)

	done := make(chan struct{})
	go func() {
		te.srv.processToolRequest(sess.ctx, sess, "env-5", toolRequestParams{
			RequestID: "req-5", Tool: "ha_get_state", Args: map[string]any{"entity_id": "sensor.t"},
		})
		close(done)
	}()

	// Give awaitApproval time to insert the pending row and register its
	// waiter, then simulate the agent disconnecting: unregister the
	// session (so deliver() finds it no longer attached) and cancel its
	// context (so a naive implementation bound to it would abandon the
	// wait).
	time.Sleep(20 * time.Millisecond)
	te.srv.unregisterSession(sess)
	sess.cancel()

	go func() {
		time.Sleep(50 * time.Millisecond)
		if err := te.msgr.Resolve("req-5", "guardian-1", true); err != nil {
			t.Errorf("resolve: %v", err)
		}
	}()

	<-done

	results, err := te.store.DrainOfflineResults(context.Background(), "default")
	if err != nil {
		t.Fatalf("drain offline results: %v", err)
	}
	if len(results) != 1 || results[0].RequestID != "req-5" {
		t.Fatalf("expected exactly one offline result for req-5, got %+v", results)
	}

	second, err := te.store.DrainOfflineResults(context.Background(), "default")
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected the second drain to return nothing, got %+v", second)
	}

	entry := auditFor(t, te, "req-5")
	if entry.Decision != model.DecisionAsk || entry.Resolution != model.ResolutionExecuted {
		t.Fatalf("expected ASK/EXECUTED, got %s/%s", entry.Decision, entry.Resolution)
	}
}

// A pending approval left over from a previous process lifetime (no
// in-process waiter survives a restart) must still end up with a terminal
// audit row and a buffered offline result once StartupSweep resolves it —
// not silently vanish.
func TestEngine_StartupSweepFinalizesOrphanedPendingRow(t *testing.T) {
	te := newTestEngine(t, policy.Policy{
		Defaults: []policy.Rule{{Pattern: "*", Action: policy.ActionAsk}},
	})

	past := time.Now().Add(-time.Hour)
	err := te.store.InsertPending(context.Background(), model.PendingApproval{
		RequestID:       "req-orphan",
		ToolName:        "ha_get_state",
		Signature:       "ha_get_state(sensor.t)",
		Args:            map[string]any{"entity_id": "sensor.t"},
		Reason:          "requires approval: ha_get_state(sensor.t)",
		CreatedAt:       past,
		ExpiresAt:       past.Add(time.Minute),
		AgentSessionRef: "sess-gone",
		Status:          model.PendingStatusPending,
	})
	if err != nil {
		t.Fatalf("insert pending: %v", err)
	}

	if err := te.srv.StartupSweep(context.Background()); err != nil {
		t.Fatalf("startup sweep: %v", err)
	}

	entry := auditFor(t, te, "req-orphan")
	if entry.Decision != model.DecisionAsk || entry.Resolution != model.ResolutionTimedOut {
		t.Fatalf("expected ASK/TIMED_OUT audit row, got %s/%s", entry.Decision, entry.Resolution)
	}

	results, err := te.store.DrainOfflineResults(context.Background(), "default")
	if err != nil {
		t.Fatalf("drain offline results: %v", err)
	}
	if len(results) != 1 || results[0].RequestID != "req-orphan" {
		t.Fatalf("expected exactly one buffered offline result for req-orphan, got %+v", results)
	}
}

// Scenario 6: an argument carrying a glob metacharacter is rejected before
// policy is ever consulted.
func TestEngine_InputSanitizationRejectsBeforePolicy(t *testing.T) {
	te := newTestEngine(t, policy.Policy{
		Defaults: []policy.Rule{{Pattern: "*", Action: policy.ActionDeny}}, // would also deny, to prove ValidateArgs runs first
	})

	sess := newTestSession("sess-4", te.srv)
	replyCh := make(chan Envelope, 1)
	go func() {
		data := <-sess.send
		var env Envelope
		json.Unmarshal(data, &env) //nolint:errcheck
		replyCh <- env
	}()
	te.srv.registerSession(sess)

	te.srv.processToolRequest(context.Background(), sess, "env-6", toolRequestParams{
		RequestID: "req-6", Tool: "ha_get_state", Args: map[string]any{"entity_id": "sensor.*"},
	})

	env := <-replyCh
	if env.Error == nil || env.Error.Code != CodeInvalidRequest {
		t.Fatalf("expected INVALID_REQUEST, got %+v", env.Error)
	}
	entry := auditFor(t, te, "req-6")
	if entry.Resolution != model.ResolutionDeniedByPolicy || entry.ErrorKind != model.ErrorInvalidRequest {
		t.Fatalf("expected DENIED_BY_POLICY/INVALID_REQUEST audit row, got %s/%s", entry.Resolution, entry.ErrorKind)
	}
}
