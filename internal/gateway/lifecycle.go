package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/toolgate/internal/model"
	"github.com/haasonsaas/toolgate/internal/messenger"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/policy"
)

// processToolRequest drives one request from validation through to a
// terminal resolution, delivering the reply online if the originating
// session is still attached, or buffering it offline otherwise. It is the
// engine spec.md §4 describes: validate, evaluate, then dispatch, ask, or
// deny, each leg closed out with an audit entry.
//
// The ASK leg's approval/timeout race is grounded on the channel+timer
// pattern in the example pack's approval manager (mcplexer), layered on
// top of store.ResolvePending's atomic, idempotent UPDATE so the approval
// and timeout paths can never both win.
func (srv *Server) processToolRequest(ctx context.Context, sess *Session, envelopeID string, p toolRequestParams) {
	ctx, span := observability.StartRequestSpan(ctx, p.Tool)
	defer span.End()
	// Detach from the connection: a session disconnecting cancels s.ctx,
	// but it must not cancel a pending approval's decision wait or an
	// already-dispatched HTTP call — those complete (or keep waiting) on
	// their own terms and the result is delivered online or buffered
	// offline, never dropped (spec: agent disconnect does not cancel
	// in-flight work).
	ctx = observability.Detach(ctx)
	start := time.Now()
	requestID := p.RequestID

	reply := func(env Envelope) { srv.deliver(sess, requestID, p.Tool, env) }

	if gwErr := policy.ValidateArgs(srv.registry, p.Tool, p.Args); gwErr != nil {
		srv.audit(ctx, requestID, p.Tool, "", "", model.ResolutionDeniedByPolicy, "", gwErr.Kind, p.Args, start)
		reply(errorEnvelope(envelopeID, gwErr))
		return
	}

	sig := srv.registry.BuildSignature(p.Tool, p.Args)
	decision := srv.policy.Evaluate(sig)

	switch decision {
	case model.DecisionDeny:
		srv.audit(ctx, requestID, p.Tool, sig, decision, model.ResolutionDeniedByPolicy, "", model.ErrorPolicyDenied, p.Args, start)
		reply(errorEnvelope(envelopeID, model.NewGatewayError(model.ErrorPolicyDenied, fmt.Sprintf("denied by policy: %s", sig))))

	case model.DecisionAllow:
		if !srv.limiter.AutoAllow.Allow() {
			srv.metrics.RecordRateLimited("requests_per_minute")
			srv.audit(ctx, requestID, p.Tool, sig, decision, model.ResolutionExecutionFail, "", model.ErrorRateLimited, p.Args, start)
			reply(errorEnvelope(envelopeID, model.NewGatewayError(model.ErrorRateLimited, "max_requests_per_minute exceeded")))
			return
		}
		srv.executeAndReply(ctx, sess, envelopeID, requestID, p.Tool, sig, decision, p.Args, start)

	case model.DecisionAsk:
		if !srv.limiter.Pending.Acquire() {
			srv.metrics.RecordRateLimited("pending_approvals")
			srv.audit(ctx, requestID, p.Tool, sig, decision, model.ResolutionExecutionFail, "", model.ErrorRateLimited, p.Args, start)
			reply(errorEnvelope(envelopeID, model.NewGatewayError(model.ErrorRateLimited, "max_pending_approvals exceeded")))
			return
		}
		defer srv.limiter.Pending.Release()

		resolution := srv.awaitApproval(ctx, sess, requestID, p.Tool, sig, p.Args)
		switch resolution {
		case model.ResolutionApproved:
			srv.executeAndReply(ctx, sess, envelopeID, requestID, p.Tool, sig, decision, p.Args, start)
		case model.ResolutionDeniedByUser:
			srv.audit(ctx, requestID, p.Tool, sig, decision, model.ResolutionDeniedByUser, "", model.ErrorUserDenied, p.Args, start)
			reply(errorEnvelope(envelopeID, model.NewGatewayError(model.ErrorUserDenied, "denied by guardian")))
		default: // model.ResolutionTimedOut, or any failure mode we fail safe into
			srv.audit(ctx, requestID, p.Tool, sig, decision, model.ResolutionTimedOut, "", model.ErrorTimedOut, p.Args, start)
			reply(errorEnvelope(envelopeID, model.NewGatewayError(model.ErrorTimedOut, "approval timed out")))
		}
	}
}

// executeAndReply dispatches an ALLOW or approved-ASK request to its
// backing service and closes out the audit trail.
func (srv *Server) executeAndReply(ctx context.Context, sess *Session, envelopeID, requestID, toolName string, sig model.Signature, decision model.Decision, args map[string]any, start time.Time) {
	dispatchStart := time.Now()
	result, gwErr := srv.dispatcher.Execute(ctx, toolName, args)
	dispatchDur := time.Since(dispatchStart).Seconds()

	_, svcName, _ := srv.registry.Lookup(toolName)
	if gwErr != nil {
		srv.metrics.RecordDispatch(svcName, toolName, "error", dispatchDur)
		srv.metrics.RecordError(string(gwErr.Kind))
		srv.audit(ctx, requestID, toolName, sig, decision, model.ResolutionExecutionFail, "", gwErr.Kind, args, start)
		srv.deliver(sess, requestID, toolName, errorEnvelope(envelopeID, gwErr))
		return
	}

	srv.metrics.RecordDispatch(svcName, toolName, "success", dispatchDur)
	srv.audit(ctx, requestID, toolName, sig, decision, model.ResolutionExecuted, string(result), "", args, start)
	payload := toolResultPayload{RequestID: requestID, Resolution: string(model.ResolutionExecuted), Result: json.RawMessage(result)}
	srv.deliver(sess, requestID, toolName, resultEnvelope(envelopeID, payload))
}

// awaitApproval inserts a durable pending row, asks the configured
// messenger for a human decision, and blocks until either a guardian
// responds or the approval timeout elapses — whichever resolves the row
// first via store.ResolvePending wins; the loser observes the same
// terminal resolution instead of racing ahead with its own.
func (srv *Server) awaitApproval(ctx context.Context, sess *Session, requestID, toolName string, sig model.Signature, args map[string]any) model.Resolution {
	now := time.Now()
	expiresAt := now.Add(srv.approvalTimeout)
	reason := fmt.Sprintf("requires approval: %s", sig)

	pending := model.PendingApproval{
		RequestID:       requestID,
		ToolName:        toolName,
		Signature:       sig,
		Args:            args,
		Reason:          reason,
		CreatedAt:       now,
		ExpiresAt:       expiresAt,
		AgentSessionRef: sess.id,
		Status:          model.PendingStatusPending,
	}
	if err := srv.store.InsertPending(ctx, pending); err != nil {
		srv.logger.Error("insert pending approval failed", "request_id", requestID, "error", err)
		return model.ResolutionTimedOut
	}
	srv.metrics.PendingApprovals.Set(float64(srv.limiter.Pending.Current()))
	defer func() { srv.metrics.PendingApprovals.Set(float64(srv.limiter.Pending.Current())) }()

	waitCh := make(chan model.Resolution, 1)
	srv.registerWaiter(requestID, waitCh)
	defer srv.forgetWaiter(requestID)

	decisionCh, err := srv.messenger.RequestApproval(ctx, messenger.ApprovalPrompt{
		RequestID: requestID, ToolName: toolName, Signature: string(sig), Args: args, Reason: reason,
	})
	if err != nil {
		srv.logger.Error("messenger request_approval failed", "request_id", requestID, "error", err)
		won, resolved, resErr := srv.store.ResolvePending(context.Background(), requestID, model.ResolutionTimedOut)
		if resErr == nil {
			if won {
				srv.notifyWaiter(requestID, model.ResolutionTimedOut)
			} else {
				srv.notifyWaiter(requestID, resolved)
			}
		}
		return <-waitCh
	}

	timer := time.AfterFunc(time.Until(expiresAt), func() {
		won, resolved, resErr := srv.store.ResolvePending(context.Background(), requestID, model.ResolutionTimedOut)
		if resErr != nil {
			srv.logger.Error("resolve pending on timeout failed", "request_id", requestID, "error", resErr)
			return
		}
		if won {
			srv.notifyWaiter(requestID, model.ResolutionTimedOut)
		} else {
			srv.notifyWaiter(requestID, resolved)
		}
	})
	defer timer.Stop()

	go func() {
		select {
		case dec, ok := <-decisionCh:
			if !ok {
				return
			}
			res := model.ResolutionDeniedByUser
			if dec.Approved {
				res = model.ResolutionApproved
			}
			won, resolved, resErr := srv.store.ResolvePending(context.Background(), requestID, res)
			if resErr != nil {
				srv.logger.Error("resolve pending on decision failed", "request_id", requestID, "error", resErr)
				return
			}
			if won {
				srv.notifyWaiter(requestID, res)
			} else {
				srv.notifyWaiter(requestID, resolved)
			}
		case <-ctx.Done():
		}
	}()

	return <-waitCh
}

// audit writes the terminal audit entry and records the matching metric
// for one request lifecycle.
func (srv *Server) audit(ctx context.Context, requestID, toolName string, sig model.Signature, decision model.Decision, resolution model.Resolution, resultBlob string, errKind model.ErrorKind, args map[string]any, start time.Time) {
	dur := time.Since(start)
	entry := model.AuditEntry{
		Timestamp:  time.Now(),
		RequestID:  requestID,
		ToolName:   toolName,
		Signature:  sig,
		Args:       args,
		Decision:   decision,
		Resolution: resolution,
		ResultBlob: resultBlob,
		ErrorKind:  errKind,
		DurationMS: dur.Milliseconds(),
	}
	if err := srv.store.AppendAudit(ctx, entry); err != nil {
		srv.logger.Error("append audit entry failed", "request_id", requestID, "error", err)
	}
	srv.metrics.RecordRequest(toolName, string(decision), string(resolution), dur.Seconds())
	if errKind != "" {
		srv.metrics.RecordError(string(errKind))
	}
}

// deliver writes env to sess if it is still the attached session for its
// id, otherwise buffers it as an offline result keyed by agent identity
// (spec.md §8 invariant 6: a disconnected agent's pending replies survive
// until it reconnects and calls get_pending_results).
func (srv *Server) deliver(sess *Session, requestID, toolName string, env Envelope) {
	if sess.attached() {
		sess.writeEnvelope(env)
		return
	}
	var blob any = env.Result
	if env.Error != nil {
		blob = map[string]any{"error": env.Error}
	}
	data, err := json.Marshal(blob)
	if err != nil {
		srv.logger.Error("marshal offline result failed", "request_id", requestID, "error", err)
		return
	}
	if err := srv.store.EnqueueOfflineResult(context.Background(), requestID, toolName, srv.agentIdentity, string(data)); err != nil {
		srv.logger.Error("enqueue offline result failed", "request_id", requestID, "error", err)
	}
}
