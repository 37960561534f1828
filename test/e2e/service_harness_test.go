package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"teamsync/internal/app"
	"teamsync/internal/clock"
	"teamsync/internal/config"
)

// selectionView mirrors the /selection response fields asserted by scenarios.
type selectionView struct {
	TeamID        string `json:"team_id"`
	Week          string `json:"week"`
	WeekOffset    int    `json:"week_offset"`
	TeamState     string `json:"team_state"`
	ScheduleState string `json:"schedule_state"`
	SignedIn      bool   `json:"signed_in"`
	Status        struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"status"`
	LiveKeys []string `json:"live_keys"`
}

// writeConfig stores TOML content in a temp dir for one scenario.
// Params: test handle and TOML body.
// Returns: absolute config path.
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// newServiceFromConfig creates Service from file config path for e2e scenarios.
// Params: test handle, absolute config path, and service overrides.
// Returns: initialized service instance.
func newServiceFromConfig(t *testing.T, path string, options ...app.ServiceOption) *app.Service {
	t.Helper()

	source, err := config.FromCLI(path, "")
	if err != nil {
		t.Fatalf("config source: %v", err)
	}
	options = append([]app.ServiceOption{app.WithConsole(io.Discard)}, options...)
	service, err := app.NewService(source, clock.RealClock{}, options...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

// runService starts service in background with cancellable context.
// Params: test handle and initialized service.
// Returns: cancel callback and done channel with Run result.
func runService(t *testing.T, service *app.Service) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.Run(ctx)
	}()
	return cancel, done
}

// waitReady waits for /readyz endpoint to return 200.
// Params: test handle and HTTP port.
// Returns: service is ready or test fails on timeout.
func waitReady(t *testing.T, port int) {
	t.Helper()
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	waitFor(t, 8*time.Second, func() bool {
		response, err := http.Get(baseURL + "/readyz")
		if err != nil {
			return false
		}
		defer response.Body.Close()
		return response.StatusCode == http.StatusOK
	})
}

// waitServiceStop asserts service Run exits without error after cancellation.
// Params: test handle and done channel returned by runService.
// Returns: test fails if stop timeout/error happens.
func waitServiceStop(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case runErr := <-done:
		if runErr != nil {
			t.Fatalf("service run error: %v", runErr)
		}
	case <-time.After(8 * time.Second):
		t.Fatalf("service did not stop after cancel")
	}
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for condition")
}

// fetchSelection reads the control plane selection view.
// Params: test handle and base URL.
// Returns: decoded selection.
func fetchSelection(t *testing.T, baseURL string) selectionView {
	t.Helper()
	response, err := http.Get(baseURL + "/v1/selection")
	if err != nil {
		t.Fatalf("selection request: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected selection 200, got %d", response.StatusCode)
	}
	var view selectionView
	if err := json.NewDecoder(response.Body).Decode(&view); err != nil {
		t.Fatalf("decode selection: %v", err)
	}
	return view
}

// waitSelection polls the selection view until check accepts it.
func waitSelection(t *testing.T, baseURL string, check func(selectionView) bool) selectionView {
	t.Helper()
	var last selectionView
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		last = fetchSelection(t, baseURL)
		if check(last) {
			return last
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("selection did not converge, last=%+v", last)
	return last
}

// postJSON sends one control request and returns status code and body.
func postJSON(t *testing.T, url string, body any) (int, []byte) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	response, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer response.Body.Close()
	raw, _ := io.ReadAll(response.Body)
	return response.StatusCode, raw
}
