// Package registry loads tool definitions from declarative per-service YAML
// files, compiles their validators, and answers lookup/signature/listing
// queries. The registry exclusively owns ToolDefinitions; it is immutable
// once LoadDir returns successfully.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/toolgate/internal/model"
)

// AuthScheme identifies how a service's credentials are attached to requests.
type AuthScheme string

const (
	AuthBearer AuthScheme = "bearer"
	AuthHeader AuthScheme = "header"
	AuthQuery  AuthScheme = "query"
	AuthBasic  AuthScheme = "basic"
)

// ServiceAuth is the resolved auth configuration for a service.
type ServiceAuth struct {
	Scheme AuthScheme
	Name   string
	Token  string
	User   string
	Pass   string
}

// ServiceHealth is the resolved health-probe configuration for a service.
type ServiceHealth struct {
	Method         string
	Path           string
	ExpectedStatus int
}

// Service is the resolved, load-time-validated configuration for one
// backing service, independent of the tools it exposes.
type Service struct {
	Name    string
	URL     string
	Auth    ServiceAuth
	Timeout time.Duration
	Errors  map[int]string
	Health  *ServiceHealth
	Handler string // "" => generic HTTP dispatcher; else a plugin factory name
}

// compiledArg is an ArgSpec plus its compiled regex validator and optional
// per-arg type hint.
type compiledArg struct {
	model.ArgSpec
	re   *regexp.Regexp
	Type string
}

// compiledTool pairs a ToolDefinition with load-time-compiled validators.
type compiledTool struct {
	model.ToolDefinition
	args   map[string]compiledArg
	schema *jsonschema.Schema // optional whole-args structural validator
}

// Registry holds every loaded tool definition and service, keyed for O(1)
// lookup. Safe for concurrent read access once LoadDir returns; LoadDir
// itself is not safe to call concurrently with lookups.
type Registry struct {
	tools    map[string]*compiledTool
	services map[string]*Service
	order    []string // tool names in load order, for deterministic AllTools
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		tools:    make(map[string]*compiledTool),
		services: make(map[string]*Service),
	}
}

// LoadDir loads every *.yaml file in dir as a service definition. Tool name
// collisions across files, bad regexes, and bad JSON schemas are all fatal
// configuration errors.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("registry: read dir %s: %w", dir, err)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			paths = append(paths, filepath.Join(dir, name))
		}
	}
	sort.Strings(paths) // deterministic load order
	for _, path := range paths {
		if err := r.loadFile(path); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("registry: read %s: %w", path, err)
	}
	var file serviceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("registry: parse %s: %w", path, err)
	}
	if strings.TrimSpace(file.Service.Name) == "" {
		return fmt.Errorf("registry: %s: service.name is required", path)
	}
	if _, exists := r.services[file.Service.Name]; exists {
		return fmt.Errorf("registry: %s: duplicate service name %q", path, file.Service.Name)
	}

	svc, err := resolveService(file.Service)
	if err != nil {
		return fmt.Errorf("registry: %s: %w", path, err)
	}
	r.services[svc.Name] = svc

	for _, ts := range file.Tools {
		if strings.TrimSpace(ts.Name) == "" {
			return fmt.Errorf("registry: %s: tool with empty name", path)
		}
		if _, exists := r.tools[ts.Name]; exists {
			return fmt.Errorf("registry: %s: tool name %q collides with an already-loaded tool", path, ts.Name)
		}
		ct, err := compileTool(svc.Name, ts)
		if err != nil {
			return fmt.Errorf("registry: %s: tool %q: %w", path, ts.Name, err)
		}
		r.tools[ts.Name] = ct
		r.order = append(r.order, ts.Name)
	}
	return nil
}

func resolveService(s serviceSpec) (*Service, error) {
	if strings.TrimSpace(s.URL) == "" {
		return nil, fmt.Errorf("service.url is required")
	}
	timeout := 30 * time.Second
	if strings.TrimSpace(s.Timeout) != "" {
		d, err := time.ParseDuration(s.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", s.Timeout, err)
		}
		timeout = d
	}
	errs := make(map[int]string, len(s.Errors))
	for statusStr, msg := range s.Errors {
		status, err := parseStatus(statusStr)
		if err != nil {
			return nil, fmt.Errorf("invalid error status %q: %w", statusStr, err)
		}
		errs[status] = msg
	}
	var health *ServiceHealth
	if s.Health != nil {
		expected := s.Health.ExpectedStatus
		if expected == 0 {
			expected = 200
		}
		method := s.Health.Method
		if method == "" {
			method = "GET"
		}
		health = &ServiceHealth{Method: method, Path: s.Health.Path, ExpectedStatus: expected}
	}
	auth := ServiceAuth{
		Scheme: AuthScheme(strings.ToLower(strings.TrimSpace(s.Auth.Scheme))),
		Name:   s.Auth.Name,
		Token:  s.Auth.Token,
		User:   s.Auth.User,
		Pass:   s.Auth.Pass,
	}
	switch auth.Scheme {
	case "", AuthBearer, AuthHeader, AuthQuery, AuthBasic:
	default:
		return nil, fmt.Errorf("unknown auth scheme %q", s.Auth.Scheme)
	}
	return &Service{
		Name:    s.Name,
		URL:     strings.TrimRight(s.URL, "/"),
		Auth:    auth,
		Timeout: timeout,
		Errors:  errs,
		Health:  health,
		Handler: s.Handler,
	}, nil
}

func parseStatus(s string) (int, error) {
	var v int
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}

func compileTool(serviceName string, ts toolSpec) (*compiledTool, error) {
	args := make(map[string]compiledArg, len(ts.Args))
	modelArgs := make(map[string]model.ArgSpec, len(ts.Args))
	for name, a := range ts.Args {
		var re *regexp.Regexp
		if strings.TrimSpace(a.Validate) != "" {
			compiled, err := regexp.Compile(a.Validate)
			if err != nil {
				return nil, fmt.Errorf("arg %q: invalid validate pattern: %w", name, err)
			}
			re = compiled
		}
		args[name] = compiledArg{
			ArgSpec: model.ArgSpec{Required: a.Required, Validate: a.Validate},
			re:      re,
			Type:    a.Type,
		}
		modelArgs[name] = model.ArgSpec{Required: a.Required, Validate: a.Validate}
	}

	var schema *jsonschema.Schema
	if len(ts.ParamsSchema) > 0 {
		compiler := jsonschema.NewCompiler()
		schemaURL := "mem://" + serviceName + "/" + ts.Name + "/params.json"
		if err := compiler.AddResource(schemaURL, mapToAny(ts.ParamsSchema)); err != nil {
			return nil, fmt.Errorf("invalid params_schema: %w", err)
		}
		compiled, err := compiler.Compile(schemaURL)
		if err != nil {
			return nil, fmt.Errorf("invalid params_schema: %w", err)
		}
		schema = compiled
	}

	bodyExclude := make(map[string]struct{}, len(ts.Request.BodyExclude))
	for _, k := range ts.Request.BodyExclude {
		bodyExclude[k] = struct{}{}
	}

	def := model.ToolDefinition{
		Name:              ts.Name,
		ServiceName:       serviceName,
		Description:       ts.Description,
		SignatureTemplate: ts.SignatureTemplate,
		Args:              modelArgs,
		Request: model.RequestSpec{
			Method:         strings.ToUpper(ts.Request.Method),
			PathTemplate:   ts.Request.Path,
			BodyExcludeSet: bodyExclude,
		},
		Response: model.ResponseSpec{WrapKey: ts.Response.WrapKey},
	}
	return &compiledTool{ToolDefinition: def, args: args, schema: schema}, nil
}

func mapToAny(m map[string]any) any {
	// yaml.v3 decodes mappings into map[string]any already; jsonschema's
	// compiler wants the same shape, so this is an identity conversion
	// kept as a named step for clarity at call sites.
	return m
}

// Lookup returns a tool's definition and owning service name.
func (r *Registry) Lookup(toolName string) (model.ToolDefinition, string, bool) {
	ct, ok := r.tools[toolName]
	if !ok {
		return model.ToolDefinition{}, "", false
	}
	return ct.ToolDefinition, ct.ServiceName, true
}

// Service returns the resolved service configuration by name.
func (r *Registry) Service(name string) (*Service, bool) {
	s, ok := r.services[name]
	return s, ok
}

// Validator returns the compiled regex validator for a tool's arg, if any.
func (r *Registry) Validator(toolName, argName string) (*regexp.Regexp, bool) {
	ct, ok := r.tools[toolName]
	if !ok {
		return nil, false
	}
	a, ok := ct.args[argName]
	if !ok || a.re == nil {
		return nil, false
	}
	return a.re, true
}

// ValidateParamsSchema runs a tool's optional whole-args JSON Schema over
// the given args, when one was configured. Returns nil if no schema is
// configured for this tool.
func (r *Registry) ValidateParamsSchema(toolName string, args map[string]any) error {
	ct, ok := r.tools[toolName]
	if !ok || ct.schema == nil {
		return nil
	}
	return ct.schema.Validate(args)
}

// BuildSignature substitutes {arg} placeholders in the tool's template with
// stringified arg values. Unknown tools, or tools with no template, fall
// back to the deterministic "tool_name(key=value, ...)" form.
func (r *Registry) BuildSignature(toolName string, args map[string]any) model.Signature {
	ct, ok := r.tools[toolName]
	if !ok || strings.TrimSpace(ct.SignatureTemplate) == "" {
		return model.BuildSignatureFallback(toolName, args)
	}
	out := ct.SignatureTemplate
	for k, v := range args {
		out = strings.ReplaceAll(out, "{"+k+"}", fmt.Sprintf("%v", v))
	}
	return model.Signature(out)
}

// ToolSummary is what list_tools returns to an agent.
type ToolSummary struct {
	Name        string
	Description string
	Service     string
	Args        map[string]model.ArgSpec
}

// AllTools returns every loaded tool definition in load order.
func (r *Registry) AllTools() []ToolSummary {
	out := make([]ToolSummary, 0, len(r.order))
	for _, name := range r.order {
		ct := r.tools[name]
		out = append(out, ToolSummary{
			Name:        ct.Name,
			Description: ct.Description,
			Service:     ct.ServiceName,
			Args:        ct.Args,
		})
	}
	return out
}

// Services returns every loaded service configuration.
func (r *Registry) Services() []*Service {
	out := make([]*Service, 0, len(r.services))
	for _, s := range r.services {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
