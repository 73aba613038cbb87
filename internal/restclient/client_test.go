package restclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/hyperengineering/fieldsync/internal/types"
)

// fakeServer keeps entities in memory and answers like the relay.
type fakeServer struct {
	mu       sync.Mutex
	entities map[string]types.Entity
	calls    []string
	auth     []string
	query    string
}

func newFakeServer(t *testing.T) (*fakeServer, *Client) {
	t.Helper()
	fs := &fakeServer{entities: map[string]types.Entity{}}
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)
	return fs, New(srv.URL+"/", "tok")
}

func (fs *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.calls = append(fs.calls, r.Method+" "+r.URL.Path)
	fs.auth = append(fs.auth, r.Header.Get("Authorization"))

	switch {
	case r.URL.Path == "/health":
		_ = json.NewEncoder(w).Encode(HealthResponse{Status: "healthy", Version: "test"})
		return
	case r.URL.Path == "/sync":
		var req SyncRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := SyncResponse{}
		for _, rec := range req.Records {
			if rec.Entity.ID() == "stale" {
				resp.Conflicts = append(resp.Conflicts, RecordConflict{Kind: rec.Kind, ID: "stale", Server: types.Entity{"id": "stale", "v": "server"}})
				continue
			}
			resp.Accepted = append(resp.Accepted, Accepted{Kind: rec.Kind, ID: rec.Entity.ID(), Version: 1})
		}
		_ = json.NewEncoder(w).Encode(resp)
		return
	case r.URL.Path == "/changes":
		fs.query = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(ChangesResponse{
			Changes:        []Change{{Sequence: 4, Kind: types.KindPhoto, EntityID: "ph1", Operation: "upsert"}},
			LastSequence:   4,
			LatestSequence: 9,
			HasMore:        true,
		})
		return
	case r.URL.Path == "/rooms/prop-1/snapshot":
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte("FSU1\x00snapshot"))
		return
	case r.URL.Path == "/rooms/missing/snapshot":
		problem(w, http.StatusNotFound, "Room not found")
		return
	}

	key := r.URL.Path
	existing, ok := fs.entities[key]
	switch r.Method {
	case http.MethodGet:
		if !ok {
			problem(w, http.StatusNotFound, "Entity not found")
			return
		}
		_ = json.NewEncoder(w).Encode(EntityResponse{ID: existing.ID(), Entity: existing, Version: 1})
	case http.MethodPut, http.MethodPost:
		if r.Method == http.MethodPut && !ok {
			problem(w, http.StatusNotFound, "Entity not found")
			return
		}
		if r.Method == http.MethodPost && ok {
			problem(w, http.StatusConflict, "Entity exists")
			return
		}
		var e types.Entity
		_ = json.NewDecoder(r.Body).Decode(&e)
		fs.entities[key] = e
		_ = json.NewEncoder(w).Encode(EntityResponse{ID: e.ID(), Entity: e, Version: 2})
	case http.MethodDelete:
		if !ok {
			problem(w, http.StatusNotFound, "Entity not found")
			return
		}
		delete(fs.entities, key)
		w.WriteHeader(http.StatusNoContent)
	}
}

func problem(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"type": "about:blank", "title": http.StatusText(status), "status": status, "detail": detail})
}

func TestGetEntity_NotFoundIsDistinguishable(t *testing.T) {
	_, c := newFakeServer(t)

	_, err := c.GetEntity(context.Background(), types.KindProperty, "p1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetEntity() error = %v, want ErrNotFound", err)
	}
}

func TestSaveEntity_CreatesWhenAbsentThenUpdates(t *testing.T) {
	fs, c := newFakeServer(t)
	ctx := context.Background()

	// When: saving an entity the server has never seen
	if _, err := c.SaveEntity(ctx, types.KindProperty, types.Entity{"id": "p1", "address": "1 Main"}); err != nil {
		t.Fatalf("SaveEntity() error = %v", err)
	}
	// And: saving it again
	resp, err := c.SaveEntity(ctx, types.KindProperty, types.Entity{"id": "p1", "address": "2 Main"})
	if err != nil {
		t.Fatalf("SaveEntity() error = %v", err)
	}

	// Then: PUT 404 fell back to POST once, the second save was a plain PUT
	want := []string{
		"PUT /entities/property/p1",
		"POST /entities/property/p1",
		"PUT /entities/property/p1",
	}
	if len(fs.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", fs.calls, want)
	}
	for i := range want {
		if fs.calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, fs.calls[i], want[i])
		}
	}
	if resp.Entity["address"] != "2 Main" {
		t.Errorf("entity = %v", resp.Entity)
	}

	got, err := c.GetEntity(ctx, types.KindProperty, "p1")
	if err != nil {
		t.Fatalf("GetEntity() error = %v", err)
	}
	if got.Entity["address"] != "2 Main" {
		t.Errorf("stored = %v", got.Entity)
	}
}

func TestPostEntity_Conflict(t *testing.T) {
	_, c := newFakeServer(t)
	ctx := context.Background()
	e := types.Entity{"id": "r1"}
	if _, err := c.PostEntity(ctx, types.KindReport, e); err != nil {
		t.Fatal(err)
	}
	if _, err := c.PostEntity(ctx, types.KindReport, e); !errors.Is(err, ErrConflict) {
		t.Errorf("PostEntity() error = %v, want ErrConflict", err)
	}
}

func TestSync_PartitionsAcceptedAndConflicts(t *testing.T) {
	_, c := newFakeServer(t)

	resp, err := c.Sync(context.Background(), "push-1", []Record{
		{Kind: types.KindMeasurement, Entity: types.Entity{"id": "m1"}},
		{Kind: types.KindMeasurement, Entity: types.Entity{"id": "stale"}},
	})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(resp.Accepted) != 1 || resp.Accepted[0].ID != "m1" {
		t.Errorf("accepted = %+v", resp.Accepted)
	}
	if len(resp.Conflicts) != 1 || resp.Conflicts[0].Server["v"] != "server" {
		t.Errorf("conflicts = %+v", resp.Conflicts)
	}
}

func TestAuthHeader(t *testing.T) {
	fs, c := newFakeServer(t)
	ctx := context.Background()

	if _, err := c.Health(ctx); err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	_, _ = c.GetEntity(ctx, types.KindPhoto, "x")

	if fs.auth[0] != "" {
		t.Errorf("health sent Authorization %q", fs.auth[0])
	}
	if fs.auth[1] != "Bearer tok" {
		t.Errorf("Authorization = %q, want Bearer tok", fs.auth[1])
	}
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, `{"detail":"bad token"}`, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, ``, ErrForbidden},
		{"not found", http.StatusNotFound, `{"detail":"gone"}`, ErrNotFound},
		{"conflict", http.StatusConflict, `not json`, ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := statusError(tt.status, []byte(tt.body)); !errors.Is(err, tt.want) {
				t.Errorf("statusError() = %v, want %v", err, tt.want)
			}
		})
	}

	err := statusError(http.StatusUnprocessableEntity, []byte(`{"title":"Validation Error","detail":"id: is required"}`))
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("statusError() = %T, want *APIError", err)
	}
	if apiErr.Status != 422 || apiErr.Detail != "id: is required" {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestDeleteEntity(t *testing.T) {
	_, c := newFakeServer(t)
	ctx := context.Background()

	if err := c.DeleteEntity(ctx, types.KindPhoto, "ph1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteEntity(absent) = %v, want ErrNotFound", err)
	}
	if _, err := c.PostEntity(ctx, types.KindPhoto, types.Entity{"id": "ph1"}); err != nil {
		t.Fatal(err)
	}
	if err := c.DeleteEntity(ctx, types.KindPhoto, "ph1"); err != nil {
		t.Errorf("DeleteEntity() error = %v", err)
	}
}

func TestChanges(t *testing.T) {
	fs, c := newFakeServer(t)

	resp, err := c.Changes(context.Background(), 3, 50)
	if err != nil {
		t.Fatalf("Changes() error = %v", err)
	}
	if fs.query != "after=3&limit=50" {
		t.Errorf("query = %q", fs.query)
	}
	if len(resp.Changes) != 1 || resp.Changes[0].EntityID != "ph1" || !resp.HasMore || resp.LatestSequence != 9 {
		t.Errorf("resp = %+v", resp)
	}

	if _, err := c.Changes(context.Background(), 0, 0); err != nil {
		t.Fatal(err)
	}
	if fs.query != "after=0" {
		t.Errorf("query without limit = %q", fs.query)
	}
}

func TestRoomSnapshot(t *testing.T) {
	fs, c := newFakeServer(t)

	data, err := c.RoomSnapshot(context.Background(), "prop-1")
	if err != nil {
		t.Fatalf("RoomSnapshot() error = %v", err)
	}
	if string(data) != "FSU1\x00snapshot" {
		t.Errorf("data = %q", data)
	}
	if got := fs.auth[len(fs.auth)-1]; got != "Bearer tok" {
		t.Errorf("auth = %q", got)
	}

	if _, err := c.RoomSnapshot(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RoomSnapshot(missing) = %v, want ErrNotFound", err)
	}
}
