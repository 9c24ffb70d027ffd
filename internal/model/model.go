// Package model defines the data shared across the gateway: requests,
// decisions, resolutions, pending approvals, audit entries, and tool
// definitions. Types here carry no behavior beyond small pure helpers —
// the components that act on them (registry, policy, store, dispatch,
// gateway) own the logic.
package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ToolRequest is the immutable envelope an agent submits for execution.
type ToolRequest struct {
	RequestID string
	ToolName  string
	Args      map[string]any
	Metadata  map[string]string
}

// Signature is the deterministic policy-matching string derived from a
// tool's template and the request's args.
type Signature string

// Decision is the result of policy evaluation.
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionAsk   Decision = "ASK"
	DecisionDeny  Decision = "DENY"
)

// Resolution is the terminal state of a request lifecycle.
type Resolution string

const (
	ResolutionApproved       Resolution = "APPROVED"
	ResolutionDeniedByUser   Resolution = "DENIED_BY_USER"
	ResolutionTimedOut       Resolution = "TIMED_OUT"
	ResolutionExecuted       Resolution = "EXECUTED"
	ResolutionExecutionFail  Resolution = "EXECUTION_FAILED"
	ResolutionDeniedByPolicy Resolution = "DENIED_BY_POLICY"
)

// PendingStatus is the lifecycle status of a PendingApproval row.
type PendingStatus string

const (
	PendingStatusPending  PendingStatus = "pending"
	PendingStatusResolved PendingStatus = "resolved"
)

// PendingApproval is a durable record of a request awaiting human decision.
type PendingApproval struct {
	RequestID        string
	ToolName         string
	Signature        Signature
	Args             map[string]any
	Reason           string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	AgentSessionRef  string
	Status           PendingStatus
	ResolutionResult Resolution
}

// ErrorKind enumerates the error taxonomy from the spec.
type ErrorKind string

const (
	ErrorParse            ErrorKind = "PARSE"
	ErrorInvalidRequest   ErrorKind = "INVALID_REQUEST"
	ErrorMethodNotFound   ErrorKind = "METHOD_NOT_FOUND"
	ErrorNotAuthenticated ErrorKind = "NOT_AUTHENTICATED"
	ErrorRateLimited      ErrorKind = "RATE_LIMITED"
	ErrorPolicyDenied     ErrorKind = "POLICY_DENIED"
	ErrorUserDenied       ErrorKind = "USER_DENIED"
	ErrorTimedOut         ErrorKind = "TIMED_OUT"
	ErrorExecutionFailed  ErrorKind = "EXECUTION_FAILED"
	ErrorConfig           ErrorKind = "CONFIG"
	ErrorInternal         ErrorKind = "INTERNAL"
)

// ExecutionFailedReason refines ErrorExecutionFailed per spec.md §7.
type ExecutionFailedReason string

const (
	ExecAuth       ExecutionFailedReason = "auth"
	ExecNotFound   ExecutionFailedReason = "not_found"
	ExecConnection ExecutionFailedReason = "connection"
	ExecProtocol   ExecutionFailedReason = "protocol"
	ExecOther      ExecutionFailedReason = "other"
)

// GatewayError carries a classified error through the engine.
type GatewayError struct {
	Kind    ErrorKind
	Reason  ExecutionFailedReason
	Message string
}

func (e *GatewayError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewGatewayError builds a classified error.
func NewGatewayError(kind ErrorKind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message}
}

// NewExecutionError builds an EXECUTION_FAILED error with a sub-reason.
func NewExecutionError(reason ExecutionFailedReason, message string) *GatewayError {
	return &GatewayError{Kind: ErrorExecutionFailed, Reason: reason, Message: message}
}

// AuditEntry is an append-only record of a request's outcome.
type AuditEntry struct {
	Timestamp  time.Time
	RequestID  string
	ToolName   string
	Signature  Signature
	Args       map[string]any
	Decision   Decision
	Resolution Resolution
	ResultBlob string
	ErrorKind  ErrorKind
	DurationMS int64
}

// OfflineResult is a resolution buffered because the originating agent
// session had disconnected.
type OfflineResult struct {
	RequestID  string
	ToolName   string
	ResultBlob string
	CreatedAt  time.Time
}

// ArgSpec describes one tool argument.
type ArgSpec struct {
	Required bool
	Validate string // compiled at registry load time; stored here as source
}

// RequestSpec describes how a tool call maps onto an HTTP request.
type RequestSpec struct {
	Method          string
	PathTemplate    string
	BodyExcludeSet  map[string]struct{}
}

// ResponseSpec describes how a service's HTTP response becomes a tool result.
type ResponseSpec struct {
	WrapKey string
}

// ErrorMapping maps an HTTP status to a templated message.
type ErrorMapping struct {
	Status  int
	Message string
}

// ToolDefinition is immutable after the registry loads it.
type ToolDefinition struct {
	Name              string
	ServiceName       string
	Description       string
	SignatureTemplate string
	Args              map[string]ArgSpec
	Request           RequestSpec
	Response          ResponseSpec
}

// BuildSignatureFallback produces the deterministic fallback signature used
// when a tool has no signature_template or is entirely unknown to the
// registry: "tool_name(key=value, ...)" with keys sorted lexicographically.
func BuildSignatureFallback(toolName string, args map[string]any) Signature {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return Signature(fmt.Sprintf("%s(%s)", toolName, strings.Join(parts, ", ")))
}
