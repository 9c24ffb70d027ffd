package messenger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ConsoleAdapter logs approval prompts via slog and exposes a Resolve
// method so an operator (or a test) can answer them out of band — a
// stand-in messenger for local development and integration tests where
// standing up a real chat backend is unnecessary.
type ConsoleAdapter struct {
	mu      sync.Mutex
	pending map[string]chan Decision
	logger  *slog.Logger
}

// NewConsoleAdapter builds a console-backed messenger. logger defaults to
// slog.Default() if nil.
func NewConsoleAdapter(logger *slog.Logger) *ConsoleAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleAdapter{pending: make(map[string]chan Decision), logger: logger}
}

func (c *ConsoleAdapter) Name() string { return "console" }

func (c *ConsoleAdapter) RequestApproval(ctx context.Context, prompt ApprovalPrompt) (<-chan Decision, error) {
	ch := make(chan Decision, 1)
	c.mu.Lock()
	c.pending[prompt.RequestID] = ch
	c.mu.Unlock()

	c.logger.Info("approval requested",
		"request_id", prompt.RequestID,
		"tool", prompt.ToolName,
		"signature", prompt.Signature,
		"reason", prompt.Reason,
	)
	return ch, nil
}

// Resolve answers a pending prompt as though a guardian typed a decision at
// the console. The first call removes the prompt, so a second call for the
// same request_id returns an error, as does a call for an unknown one.
func (c *ConsoleAdapter) Resolve(requestID, guardian string, approved bool) error {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("messenger: no pending console prompt for request_id %q", requestID)
	}
	ch <- Decision{RequestID: requestID, Approved: approved, Guardian: guardian}
	return nil
}

func (c *ConsoleAdapter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	return nil
}
