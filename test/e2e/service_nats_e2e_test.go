package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"teamsync/internal/config"
	"teamsync/internal/domain"
	"teamsync/internal/remote"
	"teamsync/test/testutil"
)

func natsModeConfig(port int, settings config.NATSBackendConfig) string {
	return fmt.Sprintf(`
[service]
name = "teamsync"
mode = "nats"

[log.console]
enabled = true
level = "error"
format = "line"

[http]
listen = "127.0.0.1:%d"

[backend.nats]
url = ["%s"]
docs_bucket = "%s"
session_bucket = "%s"
identity_key = "%s"
function_prefix = "%s"
request_timeout_ms = %d

[subscriptions.retry]
max_retries = 2
backoff = "linear"
initial_ms = 50
max_ms = 200
`, port, strings.Join(settings.URL, `","`), settings.DocsBucket, settings.SessionBucket,
		settings.IdentityKey, settings.FunctionPrefix, settings.RequestTimeoutMS)
}

func TestServiceNATSAutoSelectAndJoin(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	natsURL, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	settings := testutil.BackendSettings(natsURL, "e2e")
	seed, err := remote.NewNATSBackend(settings, nil)
	if err != nil {
		t.Fatalf("seed backend: %v", err)
	}
	defer seed.Close()

	if _, err := seed.Put(domain.TeamPath("T1"), domain.Document{"name": "Blue"}); err != nil {
		t.Fatalf("put team: %v", err)
	}
	if _, err := seed.Put(domain.TeamPath("T9"), domain.Document{"name": "Violet"}); err != nil {
		t.Fatalf("put team: %v", err)
	}
	joinSub, err := seed.ServeFunction("joinTeam", func(_ context.Context, payload json.RawMessage) (remote.Result, error) {
		var req struct {
			Code string `json:"code"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return remote.Result{}, err
		}
		if req.Code != "VIOLET" {
			return remote.Fail("Unknown invite code."), nil
		}
		return remote.OK(map[string]string{"teamId": "T9"})
	})
	if err != nil {
		t.Fatalf("serve joinTeam: %v", err)
	}
	defer joinSub.Unsubscribe()

	port, err := testutil.FreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	service := newServiceFromConfig(t, writeConfig(t, natsModeConfig(port, settings)))
	cancel, done := runService(t, service)
	defer cancel()
	waitReady(t, port)
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)

	if err := seed.SetIdentity(&domain.Identity{UID: "u1", TeamIDs: []string{"T1"}}); err != nil {
		t.Fatalf("set identity: %v", err)
	}
	waitSelection(t, baseURL, func(v selectionView) bool {
		return v.TeamID == "T1" && v.TeamState == "subscribed" && v.ScheduleState == "subscribed"
	})

	code, body := postJSON(t, baseURL+"/v1/join", map[string]string{"code": "NOPE"})
	if code != http.StatusUnprocessableEntity || !strings.Contains(string(body), "Unknown invite code.") {
		t.Fatalf("expected rejected join, got %d %s", code, body)
	}
	code, body = postJSON(t, baseURL+"/v1/join", map[string]string{"code": "VIOLET"})
	if code != http.StatusOK || !strings.Contains(string(body), `"team_id":"T9"`) {
		t.Fatalf("expected joined team, got %d %s", code, body)
	}
	waitSelection(t, baseURL, func(v selectionView) bool {
		return v.TeamID == "T9" && v.TeamState == "subscribed"
	})

	if err := seed.Delete(domain.TeamPath("T9")); err != nil {
		t.Fatalf("delete team: %v", err)
	}
	view := waitSelection(t, baseURL, func(v selectionView) bool { return v.Status.Kind == "error" })
	if view.TeamID != "" || len(view.LiveKeys) != 0 {
		t.Fatalf("missing team must clear selection, got %+v", view)
	}

	if err := seed.SetIdentity(nil); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	waitSelection(t, baseURL, func(v selectionView) bool { return !v.SignedIn })

	cancel()
	waitServiceStop(t, done)
}
