package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"stockroom/internal/archive"
	"stockroom/internal/blob"
	"stockroom/internal/core"
	"stockroom/pkg/domain"
)

type testAPI struct {
	t        *testing.T
	svc      *core.Service
	server   *httptest.Server
	registry *prometheus.Registry
	token    string
}

func newTestAPI(t *testing.T, auth *Authenticator, svcOpts ...core.Option) *testAPI {
	t.Helper()
	return newTestAPIFor(t, core.NewInMemoryService(svcOpts...), auth)
}

func newTestAPIFor(t *testing.T, svc *core.Service, auth *Authenticator) *testAPI {
	t.Helper()
	store := blob.NewMockS3ForTests()
	registry := prometheus.NewRegistry()
	router := NewRouter(svc, Options{
		Logger:     slog.New(slog.DiscardHandler),
		Archives:   archive.NewExporter(svc, store),
		Auth:       auth,
		Registerer: registry,
		Gatherer:   registry,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &testAPI{t: t, svc: svc, server: server, registry: registry}
}

// do sends body as JSON and decodes the response into out when non-nil.
func (a *testAPI) do(method, path string, body any, out any) int {
	a.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			a.t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.server.URL+path, reader)
	if err != nil {
		a.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.server.Client().Do(req)
	if err != nil {
		a.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			a.t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (a *testAPI) register(category string, parentID any, tag any) domain.Identity {
	a.t.Helper()
	var identity domain.Identity
	status := a.do(http.MethodPost, "/api/v1/identities", map[string]any{
		"category":  category,
		"parent_id": parentID,
		"tag":       tag,
	}, &identity)
	if status != http.StatusCreated {
		a.t.Fatalf("register %s: status %d", category, status)
	}
	return identity
}

// expectError checks the status and code of an error envelope.
func (a *testAPI) expectError(method, path string, body any, status int, code string) {
	a.t.Helper()
	var envelope errorBody
	got := a.do(method, path, body, &envelope)
	if got != status || envelope.Error.Code != code {
		a.t.Fatalf("%s %s: expected %d %s, got %d %+v", method, path, status, code, got, envelope.Error)
	}
	if envelope.Error.Message == "" {
		a.t.Fatalf("%s %s: error envelope without message", method, path)
	}
}
