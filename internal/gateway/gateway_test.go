package gateway

import (
	"sync"
	"testing"

	"github.com/haasonsaas/toolgate/internal/model"
)

func TestCodeForGatewayError_MapsEveryErrorKind(t *testing.T) {
	cases := []struct {
		kind model.ErrorKind
		want int
	}{
		{model.ErrorParse, CodeParseError},
		{model.ErrorInvalidRequest, CodeInvalidRequest},
		{model.ErrorMethodNotFound, CodeMethodNotFound},
		{model.ErrorNotAuthenticated, CodeNotAuthenticated},
		{model.ErrorRateLimited, CodeRateLimitExceeded},
		{model.ErrorPolicyDenied, CodeDeniedByPolicy},
		{model.ErrorUserDenied, CodeDeniedByUser},
		{model.ErrorTimedOut, CodeApprovalTimedOut},
		{model.ErrorExecutionFailed, CodeExecutionFailed},
		{model.ErrorInternal, CodeExecutionFailed},
	}
	for _, c := range cases {
		got := codeForGatewayError(model.NewGatewayError(c.kind, "x"))
		if got != c.want {
			t.Errorf("codeForGatewayError(%s) = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestErrorEnvelope_CarriesCodeAndMessage(t *testing.T) {
	env := errorEnvelope("req-1", model.NewGatewayError(model.ErrorUserDenied, "denied by guardian"))
	if env.ID != "req-1" {
		t.Fatalf("expected id to round-trip, got %q", env.ID)
	}
	if env.Error == nil || env.Error.Code != CodeDeniedByUser || env.Error.Message != "denied by guardian" {
		t.Fatalf("unexpected error envelope: %+v", env.Error)
	}
	if env.Result != nil {
		t.Fatalf("expected no result on an error envelope, got %v", env.Result)
	}
}

func TestResultEnvelope_CarriesResultAndNoError(t *testing.T) {
	env := resultEnvelope("req-2", map[string]any{"ok": true})
	if env.Error != nil {
		t.Fatalf("expected no error on a result envelope, got %+v", env.Error)
	}
	if env.Result == nil {
		t.Fatal("expected result to be set")
	}
}

// TestNotifyWaiter_DeliversExactlyOnce exercises the core race invariant
// from spec.md §8 (invariant 2): when two goroutines race to resolve the
// same request_id, notifyWaiter must deliver to the registered channel
// exactly once, never twice, and never deadlock.
func TestNotifyWaiter_DeliversExactlyOnce(t *testing.T) {
	srv := &Server{waiters: make(map[string]chan model.Resolution)}
	ch := make(chan model.Resolution, 1)
	srv.registerWaiter("req-3", ch)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); srv.notifyWaiter("req-3", model.ResolutionApproved) }()
	go func() { defer wg.Done(); srv.notifyWaiter("req-3", model.ResolutionTimedOut) }()
	wg.Wait()

	select {
	case res := <-ch:
		select {
		case res2 := <-ch:
			t.Fatalf("expected exactly one delivery, got a second: %v (first was %v)", res2, res)
		default:
		}
		if res != model.ResolutionApproved && res != model.ResolutionTimedOut {
			t.Fatalf("unexpected resolution delivered: %v", res)
		}
	default:
		t.Fatal("expected a delivery on the waiter channel")
	}
}

// TestNotifyWaiter_ReportsWhetherAWaiterExisted exercises the return value
// the sweep paths rely on to decide whether a resolution still needs to be
// finalized directly (no live waiter, e.g. after a process restart).
func TestNotifyWaiter_ReportsWhetherAWaiterExisted(t *testing.T) {
	srv := &Server{waiters: make(map[string]chan model.Resolution)}

	if srv.notifyWaiter("no-such-request", model.ResolutionTimedOut) {
		t.Fatal("expected false when no waiter is registered")
	}

	ch := make(chan model.Resolution, 1)
	srv.registerWaiter("req-9", ch)
	if !srv.notifyWaiter("req-9", model.ResolutionTimedOut) {
		t.Fatal("expected true when a waiter is registered")
	}
	if res := <-ch; res != model.ResolutionTimedOut {
		t.Fatalf("expected the delivered resolution, got %v", res)
	}
}

func TestForgetWaiter_RemovesEntryWithoutSending(t *testing.T) {
	srv := &Server{waiters: make(map[string]chan model.Resolution)}
	ch := make(chan model.Resolution, 1)
	srv.registerWaiter("req-4", ch)
	srv.forgetWaiter("req-4")
	srv.notifyWaiter("req-4", model.ResolutionApproved)

	select {
	case res := <-ch:
		t.Fatalf("expected no delivery after forgetWaiter, got %v", res)
	default:
	}
}

func TestSession_TrackRequestRejectsDuplicate(t *testing.T) {
	s := &Session{inflight: make(map[string]struct{})}
	if !s.trackRequest("r1") {
		t.Fatal("expected first tracking of r1 to succeed")
	}
	if s.trackRequest("r1") {
		t.Fatal("expected duplicate tracking of r1 to be rejected")
	}
	s.untrackRequest("r1")
	if !s.trackRequest("r1") {
		t.Fatal("expected r1 to be trackable again after untrack")
	}
}

func TestServer_SessionAttachment(t *testing.T) {
	srv := &Server{sessions: make(map[string]*Session)}
	a := &Session{id: "sess-1"}
	b := &Session{id: "sess-1"}

	srv.registerSession(a)
	if !srv.sessionAttached("sess-1") {
		t.Fatal("expected session a to be attached after registration")
	}

	// A newer session reusing the same id (theoretical, ids are UUIDs)
	// replaces the registration; the older session's close must not
	// clobber it.
	srv.registerSession(b)
	srv.unregisterSession(a)
	if !srv.sessionAttached("sess-1") {
		t.Fatal("expected session b to remain attached after a's stale unregister")
	}

	srv.unregisterSession(b)
	if srv.sessionAttached("sess-1") {
		t.Fatal("expected no session attached after b unregisters")
	}
}
