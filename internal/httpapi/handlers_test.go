package httpapi

import (
	"context"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"stockroom/internal/blob"
	"stockroom/internal/core"
	"stockroom/pkg/domain"
)

func TestScannerWorkflow(t *testing.T) {
	api := newTestAPI(t, nil)
	loc := api.register("location", nil, map[string]any{"name": "Aisle 1"})
	box := api.register("box", loc.ID, map[string]any{"name": "Bin 4"})
	trace := api.register("trace", box.ID, map[string]any{"part_id": "P-100", "quantity": "10", "unit_of_measure": "ea"})
	if loc.Code != "LOC-000001" || box.Code != "BOX-000002" || trace.Code != "TRC-000003" {
		t.Fatalf("unexpected codes %s %s %s", loc.Code, box.Code, trace.Code)
	}

	var found domain.Identity
	if status := api.do(http.MethodGet, "/api/v1/identities/lookup?code=TRC-000003", nil, &found); status != http.StatusOK || found.ID != trace.ID {
		t.Fatalf("lookup: %d %+v", status, found)
	}

	var tag struct {
		Category string          `json:"category"`
		Tag      domain.TraceTag `json:"tag"`
	}
	if status := api.do(http.MethodGet, "/api/v1/identities/"+trace.ID+"/tag", nil, &tag); status != http.StatusOK {
		t.Fatalf("tag: %d", status)
	}
	if tag.Category != "trace" || tag.Tag.PartID != "P-100" || tag.Tag.Quantity.String() != "10" {
		t.Fatalf("unexpected tag %+v", tag)
	}

	var chain struct{ Chain []domain.Identity }
	api.do(http.MethodGet, "/api/v1/identities/"+trace.ID+"/chain", nil, &chain)
	if len(chain.Chain) != 3 || chain.Chain[0].ID != trace.ID || chain.Chain[2].ID != loc.ID {
		t.Fatalf("unexpected chain %+v", chain.Chain)
	}
	api.do(http.MethodGet, "/api/v1/identities/"+trace.ID+"/chain?ancestors_only=true", nil, &chain)
	if len(chain.Chain) != 2 || chain.Chain[0].ID != box.ID {
		t.Fatalf("unexpected ancestors %+v", chain.Chain)
	}

	var split splitResponse
	if status := api.do(http.MethodPost, "/api/v1/split", map[string]any{"source_id": trace.ID, "amount": "4"}, &split); status != http.StatusCreated {
		t.Fatalf("split: %d", status)
	}
	if split.Created.Code != "TRC-000004" || split.Created.Parent.String() != box.ID {
		t.Fatalf("unexpected split result %+v", split.Created)
	}

	var moved domain.Identity
	if status := api.do(http.MethodPost, "/api/v1/move", map[string]any{"item_id": split.Created.ID, "new_parent_id": loc.ID}, &moved); status != http.StatusOK {
		t.Fatalf("move: %d", status)
	}
	if parent, _ := moved.Parent.ID(); parent != loc.ID {
		t.Fatalf("expected parent %s, got %s", loc.ID, moved.Parent)
	}

	var merged domain.Identity
	if status := api.do(http.MethodPost, "/api/v1/merge", map[string]any{"target_id": trace.ID, "source_id": split.Created.ID}, &merged); status != http.StatusOK {
		t.Fatalf("merge: %d", status)
	}
	api.expectError(http.MethodGet, "/api/v1/identities/lookup?code=TRC-000004", nil, http.StatusNotFound, "NotFound")

	var history core.HistoryPage
	api.do(http.MethodGet, "/api/v1/identities/"+trace.ID+"/history?limit=2", nil, &history)
	if len(history.Entries) != 2 || history.Entries[0].Action != domain.HistoryMerge || history.NextBefore == 0 {
		t.Fatalf("unexpected first page %+v", history)
	}
	var rest core.HistoryPage
	api.do(http.MethodGet, "/api/v1/identities/"+trace.ID+"/history?before="+itoa(history.NextBefore), nil, &rest)
	if len(rest.Entries) != 1 || rest.Entries[0].Action != domain.HistoryCreate {
		t.Fatalf("unexpected second page %+v", rest)
	}
}

func TestMoveToRootAndChildren(t *testing.T) {
	api := newTestAPI(t, nil)
	loc := api.register("location", nil, nil)
	box := api.register("box", loc.ID, nil)

	var children struct{ Items []domain.Identity }
	api.do(http.MethodGet, "/api/v1/identities/"+loc.ID+"/children", nil, &children)
	if len(children.Items) != 1 || children.Items[0].ID != box.ID {
		t.Fatalf("unexpected children %+v", children.Items)
	}
	api.expectError(http.MethodPost, "/api/v1/move", map[string]any{"item_id": box.ID}, http.StatusBadRequest, "InvalidRequest")
	if status := api.do(http.MethodPost, "/api/v1/move", map[string]any{"item_id": box.ID, "new_parent_id": nil}, nil); status != http.StatusOK {
		t.Fatalf("move to root: %d", status)
	}
	var roots struct{ Items []domain.Identity }
	api.do(http.MethodGet, "/api/v1/roots", nil, &roots)
	if len(roots.Items) != 2 {
		t.Fatalf("expected two roots, got %+v", roots.Items)
	}
	var categories struct{ Categories []domain.CategoryInfo }
	api.do(http.MethodGet, "/api/v1/categories", nil, &categories)
	if len(categories.Categories) != 4 {
		t.Fatalf("unexpected categories %+v", categories)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	api := newTestAPI(t, nil)
	loc := api.register("location", nil, nil)
	box := api.register("box", loc.ID, nil)
	inner := api.register("box", box.ID, nil)
	trace := api.register("trace", box.ID, map[string]any{"part_id": "P-1", "quantity": "5"})
	other := api.register("trace", box.ID, map[string]any{"part_id": "P-2", "quantity": "5"})

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown id", http.MethodGet, "/api/v1/identities/nope", nil, http.StatusNotFound, "NotFound"},
		{"lookup without code", http.MethodGet, "/api/v1/identities/lookup", nil, http.StatusBadRequest, "InvalidRequest"},
		{"unknown category", http.MethodPost, "/api/v1/identities", map[string]any{"category": "pallet"}, http.StatusUnprocessableEntity, "InvalidCategory"},
		{"trace without part", http.MethodPost, "/api/v1/identities", map[string]any{"category": "trace", "tag": map[string]any{"quantity": "1"}}, http.StatusUnprocessableEntity, "InvalidTag"},
		{"negative quantity", http.MethodPost, "/api/v1/identities", map[string]any{"category": "trace", "tag": map[string]any{"part_id": "P", "quantity": "-1"}}, http.StatusUnprocessableEntity, "InvalidTag"},
		{"missing parent", http.MethodPost, "/api/v1/identities", map[string]any{"category": "box", "parent_id": "ghost"}, http.StatusUnprocessableEntity, "InvalidParent"},
		{"self containment", http.MethodPost, "/api/v1/move", map[string]any{"item_id": box.ID, "new_parent_id": box.ID}, http.StatusUnprocessableEntity, "SelfContainment"},
		{"cycle", http.MethodPost, "/api/v1/move", map[string]any{"item_id": box.ID, "new_parent_id": inner.ID}, http.StatusConflict, "CycleDetected"},
		{"split everything", http.MethodPost, "/api/v1/split", map[string]any{"source_id": trace.ID, "amount": "5"}, http.StatusUnprocessableEntity, "InvalidAmount"},
		{"split box", http.MethodPost, "/api/v1/split", map[string]any{"source_id": box.ID, "amount": "1"}, http.StatusUnprocessableEntity, "InvalidCategory"},
		{"self merge", http.MethodPost, "/api/v1/merge", map[string]any{"target_id": trace.ID, "source_id": trace.ID}, http.StatusUnprocessableEntity, "SelfMerge"},
		{"part mismatch", http.MethodPost, "/api/v1/merge", map[string]any{"target_id": trace.ID, "source_id": other.ID}, http.StatusConflict, "IncompatibleMerge"},
		{"retire with children", http.MethodPost, "/api/v1/retire", map[string]any{"id": loc.ID}, http.StatusConflict, "HasActiveChildren"},
		{"unknown policy", http.MethodPost, "/api/v1/retire", map[string]any{"id": loc.ID, "policy": "shred"}, http.StatusBadRequest, "InvalidRequest"},
		{"policy on partial", http.MethodPost, "/api/v1/retire", map[string]any{"id": trace.ID, "amount": "1", "policy": "cascade"}, http.StatusBadRequest, "InvalidRequest"},
		{"bad limit", http.MethodGet, "/api/v1/history?limit=ten", nil, http.StatusBadRequest, "InvalidRequest"},
		{"empty body", http.MethodPost, "/api/v1/merge", nil, http.StatusBadRequest, "InvalidRequest"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api.t = t
			api.expectError(tc.method, tc.path, tc.body, tc.status, tc.code)
		})
	}
}

func TestRetireEndpoints(t *testing.T) {
	api := newTestAPI(t, nil)
	loc := api.register("location", nil, nil)
	box := api.register("box", loc.ID, nil)
	trace := api.register("trace", box.ID, map[string]any{"part_id": "P-1", "quantity": "5"})

	var partial domain.Identity
	if status := api.do(http.MethodPost, "/api/v1/retire", map[string]any{"id": trace.ID, "amount": "2", "reason": "scrap"}, &partial); status != http.StatusOK {
		t.Fatalf("partial retire: %d", status)
	}
	if !partial.Active() {
		t.Fatalf("partial retire should keep the trace active")
	}
	var retired domain.Identity
	if status := api.do(http.MethodPost, "/api/v1/retire", map[string]any{"id": loc.ID, "policy": "cascade", "reason": "site closed"}, &retired); status != http.StatusOK {
		t.Fatalf("cascade retire: %d", status)
	}
	if retired.Active() || retired.Status.Reason != "site closed" {
		t.Fatalf("unexpected status %+v", retired.Status)
	}
	var got domain.Identity
	api.do(http.MethodGet, "/api/v1/identities/"+trace.ID, nil, &got)
	if got.Active() {
		t.Fatalf("cascade should retire nested traces")
	}
	var history core.HistoryPage
	api.do(http.MethodGet, "/api/v1/history?limit=500", nil, &history)
	if len(history.Entries) != 7 || history.NextBefore != 0 {
		t.Fatalf("expected 7 global entries, got %d (next %d)", len(history.Entries), history.NextBefore)
	}
}

func TestArchiveEndpoints(t *testing.T) {
	api := newTestAPI(t, nil)
	loc := api.register("location", nil, nil)

	var info blob.Info
	if status := api.do(http.MethodPost, "/api/v1/identities/"+loc.ID+"/archives", nil, &info); status != http.StatusCreated {
		t.Fatalf("export: %d", status)
	}
	if !strings.HasPrefix(info.Key, "history/LOC-000001/") || info.ContentType != "application/x-ndjson" {
		t.Fatalf("unexpected archive %+v", info)
	}
	var list struct{ Archives []blob.Info }
	api.do(http.MethodGet, "/api/v1/identities/"+loc.ID+"/archives", nil, &list)
	if len(list.Archives) != 1 || list.Archives[0].Key != info.Key {
		t.Fatalf("unexpected archive list %+v", list.Archives)
	}
	api.expectError(http.MethodPost, "/api/v1/identities/missing/archives", nil, http.StatusNotFound, "NotFound")
}

func TestHealthAndMetrics(t *testing.T) {
	api := newTestAPI(t, nil)
	if status := api.do(http.MethodGet, "/healthz", nil, nil); status != http.StatusOK {
		t.Fatalf("healthz: %d", status)
	}
	if status := api.do(http.MethodGet, "/readyz", nil, nil); status != http.StatusOK {
		t.Fatalf("readyz: %d", status)
	}
	api.register("location", nil, nil)

	families, err := api.registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var routes []string
	for _, family := range families {
		if family.GetName() != "stockroom_http_requests_total" {
			continue
		}
		for _, m := range family.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "route" {
					routes = append(routes, label.GetValue())
				}
			}
		}
	}
	if !contains(routes, "/api/v1/identities") || !contains(routes, "/readyz") {
		t.Fatalf("expected route labels, got %v", routes)
	}
}

func TestReadyzReportsStoreFailure(t *testing.T) {
	store, err := core.OpenPersistentStore(context.Background(), core.StorageOptions{
		Driver:     core.StorageSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "stockroom.db"),
	}, core.NewRulesEngine())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	api := newTestAPIFor(t, core.NewService(store), nil)
	if status := api.do(http.MethodGet, "/readyz", nil, nil); status != http.StatusOK {
		t.Fatalf("expected ready sqlite store, got %d", status)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	if status := api.do(http.MethodGet, "/readyz", nil, nil); status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for a closed store, got %d", status)
	}
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
