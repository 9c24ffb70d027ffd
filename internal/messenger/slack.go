package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/slack-go/slack"

	"github.com/haasonsaas/toolgate/internal/auth"
)

// SlackConfig configures the Slack interactive-message adapter.
type SlackConfig struct {
	BotToken      string
	SigningSecret string
	ChannelID     string
	Guardians     []string // Slack user IDs authorized to resolve approvals
}

// SlackAdapter delivers approval prompts as Slack interactive messages with
// Approve/Deny buttons, and resolves them when ServeInteraction receives the
// corresponding callback. Each button's value carries a JWT (signed via
// internal/auth.CallbackSigner) binding request_id and decision, so
// ServeInteraction never has to trust the raw Slack payload alone. The
// token's guardian claim is left empty; the guardian is the Slack user who
// clicked, checked against the configured guardian list.
type SlackAdapter struct {
	client    *slack.Client
	channel   string
	signer    *auth.CallbackSigner
	guardians *auth.GuardianList
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]chan Decision
}

// NewSlackAdapter builds a Slack adapter. signer must be shared with
// ServeInteraction's verification path.
func NewSlackAdapter(cfg SlackConfig, signer *auth.CallbackSigner, logger *slog.Logger) (*SlackAdapter, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("messenger: slack bot_token is required")
	}
	if cfg.ChannelID == "" {
		return nil, fmt.Errorf("messenger: slack channel_id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackAdapter{
		client:    slack.New(cfg.BotToken),
		channel:   cfg.ChannelID,
		signer:    signer,
		guardians: auth.NewGuardianList(cfg.Guardians),
		logger:    logger,
		pending:   make(map[string]chan Decision),
	}, nil
}

func (s *SlackAdapter) Name() string { return "slack" }

func (s *SlackAdapter) RequestApproval(ctx context.Context, prompt ApprovalPrompt) (<-chan Decision, error) {
	approveValue, err := s.signer.Sign(prompt.RequestID, "", "approve")
	if err != nil {
		return nil, fmt.Errorf("messenger: sign approve callback: %w", err)
	}
	denyValue, err := s.signer.Sign(prompt.RequestID, "", "deny")
	if err != nil {
		return nil, fmt.Errorf("messenger: sign deny callback: %w", err)
	}

	text := fmt.Sprintf("*Tool approval requested*\n`%s`\n%s", prompt.Signature, prompt.Reason)
	section := slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
	actions := slack.NewActionBlock("toolgate_approval",
		slack.NewButtonBlockElement("approve", approveValue,
			slack.NewTextBlockObject(slack.PlainTextType, "Approve", false, false)).WithStyle(slack.StylePrimary),
		slack.NewButtonBlockElement("deny", denyValue,
			slack.NewTextBlockObject(slack.PlainTextType, "Deny", false, false)).WithStyle(slack.StyleDanger),
	)

	_, _, err = s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionBlocks(section, actions),
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		return nil, fmt.Errorf("messenger: post slack message: %w", err)
	}

	ch := make(chan Decision, 1)
	s.mu.Lock()
	s.pending[prompt.RequestID] = ch
	s.mu.Unlock()
	return ch, nil
}

// ServeInteraction is the HTTP handler Slack's interactivity endpoint
// invokes when a guardian clicks Approve/Deny. It verifies the button's
// signed callback token before resolving, so a forged POST cannot resolve an
// approval it wasn't issued. Slack's own request signature is not checked.
func (s *SlackAdapter) ServeInteraction(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	raw := r.PostForm.Get("payload")
	if raw == "" {
		http.Error(w, "missing payload", http.StatusBadRequest)
		return
	}
	var callback slack.InteractionCallback
	if err := json.Unmarshal([]byte(raw), &callback); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	if len(callback.ActionCallback.BlockActions) == 0 {
		http.Error(w, "no action", http.StatusBadRequest)
		return
	}
	action := callback.ActionCallback.BlockActions[0]

	claims, err := s.signer.Verify(action.Value)
	if err != nil {
		s.logger.Warn("rejected slack callback", "err", err)
		http.Error(w, "invalid or expired callback", http.StatusForbidden)
		return
	}

	guardianID := callback.User.ID
	if !s.guardians.IsGuardian(guardianID) {
		s.logger.Warn("rejected slack callback from non-guardian", "user", guardianID)
		http.Error(w, "not authorized to approve", http.StatusForbidden)
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[claims.RequestID]
	if ok {
		delete(s.pending, claims.RequestID)
	}
	s.mu.Unlock()
	if !ok {
		// Unknown, or already answered through this adapter; acknowledge
		// anyway so Slack doesn't retry delivery.
		w.WriteHeader(http.StatusOK)
		return
	}

	ch <- Decision{RequestID: claims.RequestID, Approved: claims.Decision == "approve", Guardian: guardianID}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
		"text": fmt.Sprintf("Recorded: %s by <@%s>", url.QueryEscape(claims.Decision), guardianID),
	})
}

func (s *SlackAdapter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	return nil
}
