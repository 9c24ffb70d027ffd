// Package dispatch executes a resolved tool call against its configured
// HTTP service. It generalizes the single-service REST client pattern
// seen throughout the teacher's internal/tools/* packages (concretely,
// internal/tools/homeassistant/client.go) into one data-driven executor
// that every registry-defined service shares, plus an escape hatch for
// services that need bespoke protocol handling.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/toolgate/internal/model"
	"github.com/haasonsaas/toolgate/internal/registry"
)

const defaultMaxResponseBytes = int64(1 << 20) // 1MB, matches the teacher's per-client cap

// Plugin is the escape hatch for a service whose protocol the generic
// HTTP executor cannot express (pagination quirks, non-JSON bodies,
// multi-step handshakes). A registry service with handler: "<name>"
// resolves to a Plugin registered under that name instead of Executor.
type Plugin interface {
	Execute(ctx context.Context, def model.ToolDefinition, args map[string]any) (json.RawMessage, *model.GatewayError)
}

// Executor runs tool calls against registry-defined HTTP services.
type Executor struct {
	reg     *registry.Registry
	client  *http.Client
	plugins map[string]Plugin
}

// New builds an Executor backed by reg. httpClient may be nil, in which
// case a default client is used per-call with the service's own timeout.
func New(reg *registry.Registry, httpClient *http.Client) *Executor {
	return &Executor{reg: reg, client: httpClient, plugins: map[string]Plugin{}}
}

// RegisterPlugin installs a named plugin handler.
func (e *Executor) RegisterPlugin(name string, p Plugin) {
	e.plugins[name] = p
}

// Execute runs toolName with args against its configured service, honoring
// the service's auth scheme, path template, body exclusions, and
// status→message mapping. It returns either a JSON result (possibly
// wrapped per response.wrap_key) or a classified GatewayError.
func (e *Executor) Execute(ctx context.Context, toolName string, args map[string]any) (json.RawMessage, *model.GatewayError) {
	def, svcName, ok := e.reg.Lookup(toolName)
	if !ok {
		return nil, model.NewGatewayError(model.ErrorMethodNotFound, fmt.Sprintf("unknown tool %q", toolName))
	}
	svc, ok := e.reg.Service(svcName)
	if !ok {
		return nil, model.NewGatewayError(model.ErrorConfig, fmt.Sprintf("service %q not configured", svcName))
	}

	if svc.Handler != "" {
		p, ok := e.plugins[svc.Handler]
		if !ok {
			return nil, model.NewGatewayError(model.ErrorConfig, fmt.Sprintf("no plugin registered for handler %q", svc.Handler))
		}
		return p.Execute(ctx, def, args)
	}

	return e.executeHTTP(ctx, def, svc, args)
}

func (e *Executor) executeHTTP(ctx context.Context, def model.ToolDefinition, svc *registry.Service, args map[string]any) (json.RawMessage, *model.GatewayError) {
	path, gwErr := interpolatePath(def.Request.PathTemplate, args)
	if gwErr != nil {
		return nil, gwErr
	}
	endpoint := strings.TrimRight(svc.URL, "/") + path

	body, gwErr := buildBody(def, args)
	if gwErr != nil {
		return nil, gwErr
	}

	req, err := http.NewRequestWithContext(ctx, def.Request.Method, endpoint, body)
	if err != nil {
		return nil, model.NewExecutionError(model.ExecProtocol, fmt.Sprintf("build request: %v", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if err := applyAuth(req, svc.Auth); err != nil {
		return nil, model.NewExecutionError(model.ExecAuth, err.Error())
	}

	client := e.client
	if client == nil {
		timeout := svc.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, model.NewExecutionError(model.ExecConnection, err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxResponseBytes+1))
	if err != nil {
		return nil, model.NewExecutionError(model.ExecProtocol, fmt.Sprintf("read response: %v", err))
	}
	if int64(len(data)) > defaultMaxResponseBytes {
		return nil, model.NewExecutionError(model.ExecProtocol, "response too large")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, mapStatusError(svc, resp.StatusCode, data)
	}

	return wrapResponse(def.Response, data)
}

// interpolatePath substitutes {arg} placeholders with URL-path-escaped
// argument values, matching the registry's BuildSignature placeholder
// syntax so tool authors only learn one templating convention.
func interpolatePath(template string, args map[string]any) (string, *model.GatewayError) {
	var b strings.Builder
	i := 0
	for i < len(template) {
		if template[i] == '{' {
			end := strings.IndexByte(template[i:], '}')
			if end < 0 {
				return "", model.NewGatewayError(model.ErrorConfig, "unterminated path placeholder")
			}
			name := template[i+1 : i+end]
			val, ok := args[name]
			if !ok {
				return "", model.NewGatewayError(model.ErrorInvalidRequest, fmt.Sprintf("missing path argument %q", name))
			}
			b.WriteString(url.PathEscape(fmt.Sprintf("%v", val)))
			i += end + 1
			continue
		}
		b.WriteByte(template[i])
		i++
	}
	return b.String(), nil
}

// buildBody constructs the JSON request body for non-GET tools, omitting
// any argument named in body_exclude_set and any argument whose {name}
// placeholder appears in the path template (e.g. domain/service in a
// call-service tool).
func buildBody(def model.ToolDefinition, args map[string]any) (io.Reader, *model.GatewayError) {
	if def.Request.Method == http.MethodGet || def.Request.Method == http.MethodHead {
		return nil, nil
	}
	payload := make(map[string]any, len(args))
	for k, v := range args {
		if _, excluded := def.Request.BodyExcludeSet[k]; excluded {
			continue
		}
		if strings.Contains(def.Request.PathTemplate, "{"+k+"}") {
			continue
		}
		payload[k] = v
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, model.NewGatewayError(model.ErrorInternal, fmt.Sprintf("encode request body: %v", err))
	}
	return bytes.NewReader(encoded), nil
}

func applyAuth(req *http.Request, auth registry.ServiceAuth) error {
	switch auth.Scheme {
	case "":
		return nil
	case registry.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case registry.AuthHeader:
		req.Header.Set(auth.Name, auth.Token)
	case registry.AuthQuery:
		q := req.URL.Query()
		q.Set(auth.Name, auth.Token)
		req.URL.RawQuery = q.Encode()
	case registry.AuthBasic:
		req.SetBasicAuth(auth.User, auth.Pass)
	default:
		return fmt.Errorf("dispatch: unknown auth scheme %q", auth.Scheme)
	}
	return nil
}

// mapStatusError turns a non-2xx HTTP status into a classified
// GatewayError, using the service's status→message template when
// configured and otherwise falling back to a generic classification.
func mapStatusError(svc *registry.Service, status int, body []byte) *model.GatewayError {
	msg := strings.TrimSpace(string(body))
	if tmpl, ok := svc.Errors[status]; ok {
		msg = strings.ReplaceAll(tmpl, "{body}", msg)
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return model.NewExecutionError(model.ExecAuth, msg)
	case status == http.StatusNotFound:
		return model.NewExecutionError(model.ExecNotFound, msg)
	default:
		return model.NewExecutionError(model.ExecOther, msg)
	}
}

// wrapResponse re-shapes the raw JSON body under response.wrap_key when
// configured, so a tool's result always matches what the registry author
// declared the agent should see.
func wrapResponse(spec model.ResponseSpec, data json.RawMessage) (json.RawMessage, *model.GatewayError) {
	if spec.WrapKey == "" {
		return data, nil
	}
	var inner any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil, model.NewExecutionError(model.ExecProtocol, fmt.Sprintf("decode response: %v", err))
		}
	}
	wrapped, err := json.Marshal(map[string]any{spec.WrapKey: inner})
	if err != nil {
		return nil, model.NewGatewayError(model.ErrorInternal, fmt.Sprintf("encode wrapped response: %v", err))
	}
	return wrapped, nil
}

// HealthCheck probes a service's configured health endpoint.
func HealthCheck(ctx context.Context, client *http.Client, svc *registry.Service) error {
	if svc.Health.Path == "" {
		return nil
	}
	method := svc.Health.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(svc.URL, "/")+svc.Health.Path, nil)
	if err != nil {
		return fmt.Errorf("dispatch: build health request: %w", err)
	}
	if err := applyAuth(req, svc.Auth); err != nil {
		return err
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch: health check %s: %w", svc.Name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	expected := svc.Health.ExpectedStatus
	if expected == 0 {
		expected = http.StatusOK
	}
	if resp.StatusCode != expected {
		return fmt.Errorf("dispatch: health check %s: got status %d, want %d", svc.Name, resp.StatusCode, expected)
	}
	return nil
}
