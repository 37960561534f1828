package remote

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"teamsync/internal/domain"
	"teamsync/internal/fault"
	"teamsync/test/testutil"
)

func TestNATSBackendIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	url, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	backend, err := NewNATSBackend(testutil.BackendSettings(url, "remote"), nil)
	if err != nil {
		t.Fatalf("new nats backend: %v", err)
	}
	defer backend.Close()

	snapshots := make(chan domain.Document, 8)
	unsubscribe, err := backend.Subscribe("teams/T1", func(doc domain.Document) { snapshots <- doc }, func(err error) {
		t.Errorf("unexpected watch error: %v", err)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	if doc := waitSnapshot(t, snapshots); doc != nil {
		t.Fatalf("expected missing document first, got %v", doc)
	}
	if _, err := backend.Put("teams/T1", domain.Document{"name": "Blue"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if doc := waitSnapshot(t, snapshots); doc.Text("name") != "Blue" {
		t.Fatalf("unexpected snapshot %v", doc)
	}
	got, err := backend.Get(context.Background(), "teams/T1")
	if err != nil || got.Text("name") != "Blue" {
		t.Fatalf("unexpected get %v err=%v", got, err)
	}
	if err := backend.Delete("teams/T1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if doc := waitSnapshot(t, snapshots); doc != nil {
		t.Fatalf("expected nil after delete, got %v", doc)
	}

	sub, err := backend.ServeFunction("toggleFavorite", func(_ context.Context, payload json.RawMessage) (Result, error) {
		var req struct {
			TeamID string `json:"teamId"`
		}
		_ = json.Unmarshal(payload, &req)
		if req.TeamID == "" {
			return Fail("teamId is required"), nil
		}
		return OK([]string{req.TeamID})
	})
	if err != nil {
		t.Fatalf("serve function: %v", err)
	}
	defer sub.Unsubscribe()

	result, err := backend.Invoke(context.Background(), "toggleFavorite", map[string]string{"teamId": "T1"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var favorites []string
	if err := result.Decode(&favorites); err != nil || len(favorites) != 1 {
		t.Fatalf("unexpected favorites %v err=%v", favorites, err)
	}
	_, err = backend.Invoke(context.Background(), "toggleFavorite", map[string]string{})
	if _, ok := fault.AsDomain(err); !ok {
		t.Fatalf("expected domain error, got %v", err)
	}

	identities := make(chan *domain.Identity, 4)
	stopIdentity, err := backend.OnIdentityChange(func(identity *domain.Identity) { identities <- identity })
	if err != nil {
		t.Fatalf("identity watch: %v", err)
	}
	defer stopIdentity()
	if identity := waitIdentity(t, identities); identity != nil {
		t.Fatalf("expected signed out first")
	}
	if err := backend.SetIdentity(&domain.Identity{UID: "u1", TeamIDs: []string{"T1"}}); err != nil {
		t.Fatalf("set identity: %v", err)
	}
	if identity := waitIdentity(t, identities); identity == nil || identity.UID != "u1" {
		t.Fatalf("unexpected identity %v", identity)
	}
}

func waitSnapshot(t *testing.T, ch <-chan domain.Document) domain.Document {
	t.Helper()
	select {
	case doc := <-ch:
		return doc
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for snapshot")
		return nil
	}
}

func waitIdentity(t *testing.T, ch <-chan *domain.Identity) *domain.Identity {
	t.Helper()
	select {
	case identity := <-ch:
		return identity
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for identity")
		return nil
	}
}
