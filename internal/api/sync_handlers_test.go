package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hyperengineering/fieldsync/internal/restclient"
	"github.com/hyperengineering/fieldsync/internal/types"
)

func newSyncClient(t *testing.T, tr *testRelay) *restclient.Client {
	t.Helper()
	srv := httptest.NewServer(tr.router)
	t.Cleanup(srv.Close)
	return restclient.New(srv.URL+"/api/v1", "")
}

func TestSync_AcceptsNewRecords(t *testing.T) {
	tr := newTestRelay(t, nil)
	client := newSyncClient(t, tr)
	ctx := context.Background()

	resp, err := client.Sync(ctx, "push-1", []restclient.Record{
		{Kind: types.KindProperty, Entity: types.Entity{"id": "p1", "lastModified": 1000.0}},
		{Kind: types.KindComparable, Entity: types.Entity{"id": "c1", "price": 410000.0}},
	})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(resp.Accepted) != 2 || len(resp.Conflicts) != 0 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Accepted[0].Version != 1 || resp.Accepted[1].ID != "c1" {
		t.Errorf("accepted = %+v", resp.Accepted)
	}
	got, err := client.GetEntity(ctx, types.KindComparable, "c1")
	if err != nil || got.Entity["price"] != 410000.0 {
		t.Errorf("GetEntity() = %+v, %v", got, err)
	}
}

func TestSync_NewerServerCopyConflicts(t *testing.T) {
	tr := newTestRelay(t, nil)
	client := newSyncClient(t, tr)
	ctx := context.Background()

	// Given: the server holds a copy modified at t=2000
	if _, err := client.PostEntity(ctx, types.KindProperty, types.Entity{
		"id": "p1", "address": "server", "lastModified": 2000.0,
	}); err != nil {
		t.Fatal(err)
	}

	// When: a device pushes an older, different copy and a newer copy of another
	if _, err := client.PostEntity(ctx, types.KindProperty, types.Entity{
		"id": "p2", "address": "old", "lastModified": 1000.0,
	}); err != nil {
		t.Fatal(err)
	}
	resp, err := client.Sync(ctx, "push-2", []restclient.Record{
		{Kind: types.KindProperty, Entity: types.Entity{"id": "p1", "address": "device", "lastModified": 1500.0}},
		{Kind: types.KindProperty, Entity: types.Entity{"id": "p2", "address": "new", "lastModified": 3000.0}},
	})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	// Then: p1 is a conflict carrying the server copy, p2 is accepted
	if len(resp.Conflicts) != 1 || resp.Conflicts[0].ID != "p1" || resp.Conflicts[0].Server["address"] != "server" {
		t.Errorf("conflicts = %+v", resp.Conflicts)
	}
	if len(resp.Accepted) != 1 || resp.Accepted[0].ID != "p2" || resp.Accepted[0].Version != 2 {
		t.Errorf("accepted = %+v", resp.Accepted)
	}
	got, _ := client.GetEntity(ctx, types.KindProperty, "p1")
	if got.Entity["address"] != "server" {
		t.Errorf("server copy overwritten: %v", got.Entity)
	}
}

func TestSync_OlderButEqualIsAccepted(t *testing.T) {
	tr := newTestRelay(t, nil)
	client := newSyncClient(t, tr)
	ctx := context.Background()

	// Given: the server copy is newer but differs only in ignored metadata
	client.PostEntity(ctx, types.KindReport, types.Entity{"id": "r1", "title": "A", "lastModified": 2000.0})

	resp, err := client.Sync(ctx, "push-3", []restclient.Record{
		{Kind: types.KindReport, Entity: types.Entity{"id": "r1", "title": "A", "lastModified": 1000.0}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Accepted) != 1 || len(resp.Conflicts) != 0 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestSync_IdempotentReplay(t *testing.T) {
	tr := newTestRelay(t, nil)
	body := `{"pushId":"push-9","records":[{"kind":"photo","entity":{"id":"ph1"}}]}`

	first := httptest.NewRecorder()
	tr.router.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/api/v1/sync", strings.NewReader(body)))
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d, body = %s", first.Code, first.Body.String())
	}

	// When: the same push is retried
	second := httptest.NewRecorder()
	tr.router.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/api/v1/sync", strings.NewReader(body)))

	// Then: the cached response is replayed and nothing is written twice
	if second.Header().Get("X-Idempotent-Replay") != "true" {
		t.Error("expected X-Idempotent-Replay header")
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replay body = %s, want %s", second.Body.String(), first.Body.String())
	}
	rec, err := tr.store.GetEntity(context.Background(), types.KindPhoto, "ph1")
	if err != nil || rec.Version != 1 {
		t.Errorf("version = %+v, %v; want 1", rec, err)
	}
}

func TestSync_RejectsInvalidRequests(t *testing.T) {
	tr := newTestRelay(t, nil)

	tests := []struct {
		name  string
		body  string
		want  int
		field string
	}{
		{"invalid json", `{`, http.StatusBadRequest, ""},
		{"missing push id", `{"records":[{"kind":"photo","entity":{"id":"a"}}]}`, http.StatusUnprocessableEntity, "pushId"},
		{"no records", `{"pushId":"p","records":[]}`, http.StatusUnprocessableEntity, "records"},
		{"bad kind", `{"pushId":"p","records":[{"kind":"invoice","entity":{"id":"a"}}]}`, http.StatusUnprocessableEntity, "records[0].kind"},
		{"missing entity", `{"pushId":"p","records":[{"kind":"photo"}]}`, http.StatusUnprocessableEntity, "records[0].entity"},
		{"missing id", `{"pushId":"p","records":[{"kind":"photo","entity":{"caption":"x"}}]}`, http.StatusUnprocessableEntity, "records[0].entity.id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tr.router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/sync", strings.NewReader(tt.body)))
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d; body = %s", w.Code, tt.want, w.Body.String())
			}
			if tt.field == "" {
				return
			}
			p := decodeProblem(t, w)
			found := false
			for _, e := range p.Errors {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("errors = %+v, want field %q", p.Errors, tt.field)
			}
		})
	}
}

func TestChanges(t *testing.T) {
	tr := newTestRelay(t, nil)
	client := newSyncClient(t, tr)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := client.PostEntity(ctx, types.KindSketch, types.Entity{"id": id}); err != nil {
			t.Fatal(err)
		}
	}

	// When: paging two at a time
	w := tr.do(t, http.MethodGet, "/api/v1/changes?after=0&limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var page ChangesResponse
	json.Unmarshal(w.Body.Bytes(), &page)
	if len(page.Changes) != 2 || !page.HasMore || page.LatestSequence != 3 {
		t.Fatalf("page = %+v", page)
	}

	w = tr.do(t, http.MethodGet, "/api/v1/changes?after=2", nil)
	json.Unmarshal(w.Body.Bytes(), &page)
	if len(page.Changes) != 1 || page.HasMore || page.Changes[0].EntityID != "c" {
		t.Errorf("page = %+v", page)
	}

	// Empty pages encode as [] with the cursor unchanged
	w = tr.do(t, http.MethodGet, "/api/v1/changes?after=3", nil)
	if !strings.Contains(w.Body.String(), `"changes":[]`) || !strings.Contains(w.Body.String(), `"lastSequence":3`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestParseChangesQuery(t *testing.T) {
	tests := []struct {
		query     string
		wantAfter int64
		wantLimit int
		wantErr   bool
	}{
		{"", 0, DefaultChangesLimit, false},
		{"after=5&limit=10", 5, 10, false},
		{"limit=5000", 0, MaxChangesLimit, false},
		{"after=-1", 0, 0, true},
		{"after=x", 0, 0, true},
		{"limit=0", 0, 0, true},
		{"limit=abc", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/changes?"+tt.query, nil)
			after, limit, err := parseChangesQuery(r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && (after != tt.wantAfter || limit != tt.wantLimit) {
				t.Errorf("got (%d, %d), want (%d, %d)", after, limit, tt.wantAfter, tt.wantLimit)
			}
		})
	}
}
