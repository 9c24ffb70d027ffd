package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/toolgate/internal/model"
	"github.com/haasonsaas/toolgate/internal/registry"
)

func newFixtureRegistry(t *testing.T, yamlTemplate func(baseURL string) string, baseURL string) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "svc.yaml"), []byte(yamlTemplate(baseURL)), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	r := registry.New()
	if err := r.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	return r
}

func TestExecute_GetWithPathInterpolationAndBearerAuth(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"state":"on"}`))
	}))
	defer srv.Close()

	yaml := func(base string) string {
		return `
service:
  name: homeassistant
  url: ` + base + `
  auth: {scheme: bearer, token: secret-tkn}
tools:
  - name: ha_get_state
    request: {method: GET, path: /api/states/{entity_id}}
`
	}
	reg := newFixtureRegistry(t, yaml, srv.URL)
	ex := New(reg, srv.Client())

	result, gwErr := ex.Execute(context.Background(), "ha_get_state", map[string]any{"entity_id": "sensor.temp"})
	if gwErr != nil {
		t.Fatalf("Execute: %v", gwErr)
	}
	if gotAuth != "Bearer secret-tkn" {
		t.Fatalf("expected bearer auth header, got %q", gotAuth)
	}
	if gotPath != "/api/states/sensor.temp" {
		t.Fatalf("expected interpolated path, got %q", gotPath)
	}
	var decoded map[string]any
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if decoded["state"] != "on" {
		t.Fatalf("unexpected result: %v", decoded)
	}
}

func TestExecute_PostExcludesBodyFieldsUsedInPath(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	yaml := func(base string) string {
		return `
service:
  name: homeassistant
  url: ` + base + `
tools:
  - name: ha_call_service
    request:
      method: POST
      path: /api/services/{domain}/{service}
      body_exclude: [domain, service]
`
	}
	reg := newFixtureRegistry(t, yaml, srv.URL)
	ex := New(reg, srv.Client())

	_, gwErr := ex.Execute(context.Background(), "ha_call_service", map[string]any{
		"domain": "lock", "service": "unlock", "entity_id": "lock.front",
	})
	if gwErr != nil {
		t.Fatalf("Execute: %v", gwErr)
	}
	if _, present := gotBody["domain"]; present {
		t.Fatal("expected domain to be excluded from body")
	}
	if gotBody["entity_id"] != "lock.front" {
		t.Fatalf("expected entity_id in body, got %v", gotBody)
	}
}

func TestExecute_MapsStatusToClassifiedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("invalid token"))
	}))
	defer srv.Close()

	yaml := func(base string) string {
		return `
service:
  name: homeassistant
  url: ` + base + `
  errors:
    "401": "auth failed: {body}"
tools:
  - name: ha_get_state
    request: {method: GET, path: /api/states/{entity_id}}
`
	}
	reg := newFixtureRegistry(t, yaml, srv.URL)
	ex := New(reg, srv.Client())

	_, gwErr := ex.Execute(context.Background(), "ha_get_state", map[string]any{"entity_id": "sensor.temp"})
	if gwErr == nil {
		t.Fatal("expected classified error")
	}
	if gwErr.Kind != "EXECUTION_FAILED" || gwErr.Reason != "auth" {
		t.Fatalf("expected EXECUTION_FAILED(auth), got %v", gwErr)
	}
	if gwErr.Message != "auth failed: invalid token" {
		t.Fatalf("unexpected message: %q", gwErr.Message)
	}
}

func TestExecute_WrapsResponseUnderWrapKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"state":"on"}`))
	}))
	defer srv.Close()

	yaml := func(base string) string {
		return `
service:
  name: homeassistant
  url: ` + base + `
tools:
  - name: ha_get_state
    request: {method: GET, path: /api/states/{entity_id}}
    response: {wrap_key: result}
`
	}
	reg := newFixtureRegistry(t, yaml, srv.URL)
	ex := New(reg, srv.Client())

	result, gwErr := ex.Execute(context.Background(), "ha_get_state", map[string]any{"entity_id": "sensor.temp"})
	if gwErr != nil {
		t.Fatalf("Execute: %v", gwErr)
	}
	var decoded map[string]any
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	inner, ok := decoded["result"].(map[string]any)
	if !ok {
		t.Fatalf("expected wrapped result key, got %v", decoded)
	}
	if inner["state"] != "on" {
		t.Fatalf("unexpected inner result: %v", inner)
	}
}

func TestExecute_UnknownToolIsMethodNotFound(t *testing.T) {
	reg := registry.New()
	ex := New(reg, http.DefaultClient)
	_, gwErr := ex.Execute(context.Background(), "no_such_tool", nil)
	if gwErr == nil || gwErr.Kind != "METHOD_NOT_FOUND" {
		t.Fatalf("expected METHOD_NOT_FOUND, got %v", gwErr)
	}
}

type stubPlugin struct {
	called bool
}

func (p *stubPlugin) Execute(ctx context.Context, def model.ToolDefinition, args map[string]any) (json.RawMessage, *model.GatewayError) {
	p.called = true
	return json.RawMessage(`{"plugin":true}`), nil
}

func TestExecute_DispatchesToRegisteredPlugin(t *testing.T) {
	yaml := func(base string) string {
		return `
service:
  name: custom
  url: http://unused.local
  handler: custom-handler
tools:
  - name: custom_tool
    request: {method: GET, path: /x}
`
	}
	reg := newFixtureRegistry(t, yaml, "http://unused.local")
	ex := New(reg, http.DefaultClient)
	plugin := &stubPlugin{}
	ex.RegisterPlugin("custom-handler", plugin)

	result, gwErr := ex.Execute(context.Background(), "custom_tool", nil)
	if gwErr != nil {
		t.Fatalf("Execute: %v", gwErr)
	}
	if !plugin.called {
		t.Fatal("expected plugin to be invoked")
	}
	if string(result) != `{"plugin":true}` {
		t.Fatalf("unexpected result: %s", result)
	}
}
