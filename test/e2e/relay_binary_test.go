//go:build e2e

package e2e

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/fieldsync/internal/restclient"
	"github.com/hyperengineering/fieldsync/internal/types"
)

// TestRelayBinary_TwoDevicesConverge runs the relay as a process and
// checks two authenticated devices converge through it.
func TestRelayBinary_TwoDevicesConverge(t *testing.T) {
	relay := startRelayProcess(t)
	ctx := context.Background()

	a := newDeviceWithToken(t, relay.apiURL(), "tablet", relay.token(t, "appraiser-a"))
	b := newDeviceWithToken(t, relay.apiURL(), "phone", relay.token(t, "appraiser-b"))

	docA, err := a.Document(ctx, "prop-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := docA.Set(types.KindProperty, "p1", types.Entity{"address": "1 Pine Ct"}); err != nil {
		t.Fatal(err)
	}

	mA, err := a.Join(ctx, "prop-1")
	if err != nil {
		t.Fatal(err)
	}
	waitConnected(t, mA)
	mB, err := b.Join(ctx, "prop-1")
	if err != nil {
		t.Fatal(err)
	}
	waitConnected(t, mB)

	waitFor(t, 5*time.Second, "convergence", func() bool {
		ja := entityJSON(t, a, "prop-1", types.KindProperty, "p1")
		return ja != "" && ja == entityJSON(t, b, "prop-1", types.KindProperty, "p1")
	})
}

// TestRelayBinary_QueuedSaveReachesServer drains a queued save against the
// relay process and reads it back over REST.
func TestRelayBinary_QueuedSaveReachesServer(t *testing.T) {
	relay := startRelayProcess(t)
	ctx := context.Background()
	token := relay.token(t, "appraiser-a")
	dev := newDeviceWithToken(t, relay.apiURL(), "tablet", token)

	if _, err := dev.SaveEntity(ctx, types.OpCreateProperty, "", types.Entity{"id": "p2", "address": "2 Pine Ct"}, 5); err != nil {
		t.Fatalf("SaveEntity: %v", err)
	}
	sum, err := dev.Queue().ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if sum.Succeeded != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	rec, err := restclient.New(relay.apiURL(), token).GetEntity(ctx, types.KindProperty, "p2")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if rec.Entity["address"] != "2 Pine Ct" {
		t.Errorf("server copy = %v", rec.Entity)
	}
}

// TestRelayBinary_RejectsMissingToken checks the relay enforces auth when
// a secret is configured.
func TestRelayBinary_RejectsMissingToken(t *testing.T) {
	relay := startRelayProcess(t)

	resp, err := http.Get(relay.apiURL() + "/entities/property/p1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if !strings.Contains(relay.logs(t), "auth failure") {
		t.Error("expected auth failure in relay log")
	}
}
