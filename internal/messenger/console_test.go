package messenger

import (
	"context"
	"testing"
	"time"
)

func TestConsoleAdapter_RequestAndResolve(t *testing.T) {
	c := NewConsoleAdapter(nil)
	ch, err := c.RequestApproval(context.Background(), ApprovalPrompt{
		RequestID: "req-1", ToolName: "ha_call_service", Signature: "ha_call_service(lock.front)",
	})
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}

	if err := c.Resolve("req-1", "alice", true); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	select {
	case d := <-ch:
		if !d.Approved || d.Guardian != "alice" || d.RequestID != "req-1" {
			t.Fatalf("unexpected decision: %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decision")
	}
}

func TestConsoleAdapter_ResolveUnknownRequestErrors(t *testing.T) {
	c := NewConsoleAdapter(nil)
	if err := c.Resolve("no-such-id", "alice", true); err == nil {
		t.Fatal("expected error resolving unknown request id")
	}
}

func TestConsoleAdapter_CloseDrainsPending(t *testing.T) {
	c := NewConsoleAdapter(nil)
	ch, err := c.RequestApproval(context.Background(), ApprovalPrompt{RequestID: "req-2"})
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed with no value")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
