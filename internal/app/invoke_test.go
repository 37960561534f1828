package app

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"teamsync/internal/domain"
	"teamsync/internal/fault"
	"teamsync/internal/remote"
	"teamsync/internal/state"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// runLoop starts the fixture loop on its own goroutine and initializes the orchestrator on it.
func runLoop(t *testing.T, f *fixture) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	go func() {
		_ = f.loop.Run(ctx)
	}()
	if err := f.loop.Do(ctx, func() error { return f.orch.Init() }); err != nil {
		t.Fatalf("init: %v", err)
	}
	return ctx
}

func onLoop[T any](t *testing.T, ctx context.Context, f *fixture, read func() T) T {
	t.Helper()
	var out T
	if err := f.loop.Do(ctx, func() error {
		out = read()
		return nil
	}); err != nil {
		t.Fatalf("loop read: %v", err)
	}
	return out
}

func TestToggleFavoriteUpdatesStore(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 5)
	f.backend.SetIdentity(&domain.Identity{UID: "u1", TeamIDs: []string{"A", "B"}})
	f.backend.Handle(fnToggleFavorite, func(_ context.Context, payload json.RawMessage) (remote.Result, error) {
		var req map[string]string
		if err := json.Unmarshal(payload, &req); err != nil {
			return remote.Result{}, err
		}
		return remote.OK([]string{req["teamId"]})
	})
	ctx := runLoop(t, f)

	favorites, err := f.orch.ToggleFavorite(ctx, "B")
	if err != nil {
		t.Fatalf("toggle favorite: %v", err)
	}
	if !reflect.DeepEqual(favorites, []string{"B"}) {
		t.Fatalf("unexpected favorites %v", favorites)
	}
	stored := onLoop(t, ctx, f, func() []string {
		ids, _ := state.Read[[]string](f.store, state.SlotFavoriteTeamIDs)
		return ids
	})
	if !reflect.DeepEqual(stored, []string{"B"}) {
		t.Fatalf("favorites not stored: %v", stored)
	}
	status := onLoop(t, ctx, f, func() domain.Status {
		status, _ := state.Read[domain.Status](f.store, state.SlotOperationStatus)
		return status
	})
	if status.Kind != domain.StatusReady {
		t.Fatalf("expected ready status, got %+v", status)
	}
	if got := testutil.ToFloat64(f.metrics.Invocations.WithLabelValues(fnToggleFavorite, "ok")); got != 1 {
		t.Fatalf("expected one ok invocation, got %v", got)
	}
}

func TestJoinTeamRejectionKeepsRemoteMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 5)
	f.backend.SetIdentity(&domain.Identity{UID: "u1", TeamIDs: []string{"A", "B"}})
	f.backend.Handle(fnJoinTeam, func(context.Context, json.RawMessage) (remote.Result, error) {
		return remote.Fail("This invite code has expired."), nil
	})
	ctx := runLoop(t, f)

	_, err := f.orch.JoinTeam(ctx, "INV123")
	domainErr, ok := fault.AsDomain(err)
	if !ok {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Error() != "This invite code has expired." {
		t.Fatalf("message must be verbatim, got %q", domainErr.Error())
	}
	status := onLoop(t, ctx, f, func() domain.Status {
		status, _ := state.Read[domain.Status](f.store, state.SlotOperationStatus)
		return status
	})
	if status.Kind != domain.StatusError || status.Message != "This invite code has expired." {
		t.Fatalf("unexpected status %+v", status)
	}
	if got := testutil.ToFloat64(f.metrics.Invocations.WithLabelValues(fnJoinTeam, "rejected")); got != 1 {
		t.Fatalf("expected one rejected invocation, got %v", got)
	}
}

func TestJoinTeamSelectsJoinedTeam(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 5)
	f.backend.SetIdentity(&domain.Identity{UID: "u1", TeamIDs: []string{"A", "B"}})
	f.backend.Put(domain.TeamPath("C"), domain.Document{"name": "Charlie"})
	f.backend.Handle(fnJoinTeam, func(context.Context, json.RawMessage) (remote.Result, error) {
		return remote.OK(map[string]string{"teamId": "C"})
	})
	ctx := runLoop(t, f)

	teamID, err := f.orch.JoinTeam(ctx, "INV123")
	if err != nil || teamID != "C" {
		t.Fatalf("join team: %q %v", teamID, err)
	}
	// Let the selection flush and the posted snapshot run.
	onLoop(t, ctx, f, func() bool { return true })
	got := onLoop(t, ctx, f, func() string { return f.orch.CurrentSelection(domain.KindTeam) })
	if got != "C" {
		t.Fatalf("expected joined team selected, got %q", got)
	}
	member := onLoop(t, ctx, f, func() bool {
		identity, _ := state.Read[*domain.Identity](f.store, state.SlotCurrentUser)
		return identity.MemberOf("C")
	})
	if !member {
		t.Fatalf("expected identity to list joined team")
	}
}

func TestInvocationsRequireSignIn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 5)
	ctx := runLoop(t, f)

	if _, err := f.orch.ToggleFavorite(ctx, "A"); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := f.orch.SaveAvailability(ctx, nil); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if f.backend.Invocations(fnToggleFavorite) != 0 {
		t.Fatalf("remote must not be called when signed out")
	}
}

func TestSaveAvailabilitySendsSelectedWeek(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 5)
	f.backend.SetIdentity(&domain.Identity{UID: "u1", TeamIDs: []string{"T1"}})
	f.backend.Put(domain.TeamPath("T1"), domain.Document{"name": "Blue"})
	received := make(chan availabilityPayload, 1)
	f.backend.Handle(fnSaveAvailability, func(_ context.Context, payload json.RawMessage) (remote.Result, error) {
		var req availabilityPayload
		if err := json.Unmarshal(payload, &req); err != nil {
			return remote.Result{}, err
		}
		received <- req
		return remote.OK(nil)
	})
	ctx := runLoop(t, f)
	onLoop(t, ctx, f, func() bool { return true })

	if err := f.orch.SaveAvailability(ctx, []domain.AvailabilitySlot{{Weekday: 1, Start: "09:00", End: "11:00"}}); err != nil {
		t.Fatalf("save availability: %v", err)
	}
	req := <-received
	if req.TeamID != "T1" || req.Week != thisWeek || len(req.Slots) != 1 {
		t.Fatalf("unexpected payload %+v", req)
	}

	bad := []domain.AvailabilitySlot{{Weekday: 9, Start: "09:00", End: "11:00"}}
	if err := f.orch.SaveAvailability(ctx, bad); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

// gate holds a remote handler until the test releases it.
type gate struct {
	started chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gate) handler(result remote.Result) remote.FunctionHandler {
	return func(context.Context, json.RawMessage) (remote.Result, error) {
		g.started <- struct{}{}
		<-g.release
		return result, nil
	}
}

func waitStarted(t *testing.T, g *gate) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("remote handler was not called")
	}
}

func readStatus(t *testing.T, ctx context.Context, f *fixture) domain.Status {
	t.Helper()
	return onLoop(t, ctx, f, func() domain.Status {
		status, _ := state.Read[domain.Status](f.store, state.SlotOperationStatus)
		return status
	})
}

func TestSaveAvailabilityAfterWeekChangeSettlesStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		result      remote.Result
		wantKind    domain.StatusKind
		wantMessage string
		wantDomain  bool
	}{
		{name: "success", result: remote.Result{Success: true}, wantKind: domain.StatusReady},
		{name: "rejected", result: remote.Fail("Slots overlap."), wantKind: domain.StatusError, wantMessage: "Slots overlap.", wantDomain: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, 5)
			f.backend.SetIdentity(&domain.Identity{UID: "u1", TeamIDs: []string{"T1"}})
			f.backend.Put(domain.TeamPath("T1"), domain.Document{"name": "Blue"})
			g := newGate()
			f.backend.Handle(fnSaveAvailability, g.handler(tc.result))
			ctx := runLoop(t, f)
			if got := onLoop(t, ctx, f, func() State { return f.orch.ResourceState(domain.KindTeam) }); got != StateSubscribed {
				t.Fatalf("expected subscribed team, got %s", got)
			}

			done := make(chan error, 1)
			go func() {
				done <- f.orch.SaveAvailability(ctx, []domain.AvailabilitySlot{{Weekday: 1, Start: "09:00", End: "11:00"}})
			}()
			waitStarted(t, g)
			if err := f.loop.Do(ctx, func() error { return f.orch.SetWeekOffset(1) }); err != nil {
				t.Fatalf("set week offset: %v", err)
			}
			if status := readStatus(t, ctx, f); status.Kind != domain.StatusSaving {
				t.Fatalf("expected saving while the call is pending, got %+v", status)
			}
			close(g.release)

			err := <-done
			if _, ok := fault.AsDomain(err); ok != tc.wantDomain {
				t.Fatalf("unexpected error %v", err)
			}
			status := readStatus(t, ctx, f)
			if status.Kind != tc.wantKind || status.Message != tc.wantMessage {
				t.Fatalf("expected %s %q, got %+v", tc.wantKind, tc.wantMessage, status)
			}
		})
	}
}

func TestSaveAvailabilityResultDroppedAfterTeamChange(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 5)
	f.backend.SetIdentity(&domain.Identity{UID: "u1", TeamIDs: []string{"T1", "T2"}})
	f.backend.Put(domain.TeamPath("T1"), domain.Document{"name": "Blue"})
	f.backend.Put(domain.TeamPath("T2"), domain.Document{"name": "Green"})
	g := newGate()
	f.backend.Handle(fnSaveAvailability, g.handler(remote.Fail("Slots overlap.")))
	ctx := runLoop(t, f)

	selectOnLoop := func(id string) {
		t.Helper()
		if err := f.loop.Do(ctx, func() error { return f.orch.SelectResource(domain.KindTeam, id) }); err != nil {
			t.Fatalf("select %s: %v", id, err)
		}
		if got := onLoop(t, ctx, f, func() State { return f.orch.ResourceState(domain.KindTeam) }); got != StateSubscribed {
			t.Fatalf("expected %s subscribed, got %s", id, got)
		}
	}
	selectOnLoop("T1")

	done := make(chan error, 1)
	go func() {
		done <- f.orch.SaveAvailability(ctx, []domain.AvailabilitySlot{{Weekday: 2, Start: "10:00", End: "12:00"}})
	}()
	waitStarted(t, g)
	selectOnLoop("T2")
	close(g.release)

	if _, ok := fault.AsDomain(<-done); !ok {
		t.Fatalf("caller must still see the remote rejection")
	}
	status := readStatus(t, ctx, f)
	if status.Kind != domain.StatusReady || status.Message != "" {
		t.Fatalf("result for the previous team must not touch status, got %+v", status)
	}
	if got := onLoop(t, ctx, f, func() string { return f.orch.CurrentSelection(domain.KindTeam) }); got != "T2" {
		t.Fatalf("expected T2 to stay selected, got %q", got)
	}
}

func TestToggleFavoriteResultDroppedAfterSignOut(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 5)
	f.backend.SetIdentity(&domain.Identity{UID: "u1", TeamIDs: []string{"A", "B"}})
	g := newGate()
	favorites, _ := remote.OK([]string{"A"})
	f.backend.Handle(fnToggleFavorite, g.handler(favorites))
	ctx := runLoop(t, f)

	type result struct {
		favorites []string
		err       error
	}
	done := make(chan result, 1)
	go func() {
		ids, err := f.orch.ToggleFavorite(ctx, "A")
		done <- result{favorites: ids, err: err}
	}()
	waitStarted(t, g)
	f.backend.SetIdentity(nil)
	if signedIn := onLoop(t, ctx, f, func() bool { return f.orch.Selection().SignedIn }); signedIn {
		t.Fatalf("expected sign-out to be applied")
	}
	close(g.release)

	if res := <-done; res.err != nil || !reflect.DeepEqual(res.favorites, []string{"A"}) {
		t.Fatalf("unexpected toggle result %+v", res)
	}
	stored := onLoop(t, ctx, f, func() []string {
		ids, _ := state.Read[[]string](f.store, state.SlotFavoriteTeamIDs)
		return ids
	})
	if len(stored) != 0 {
		t.Fatalf("favorites of a signed-out user must not be stored, got %v", stored)
	}
	if status := readStatus(t, ctx, f); status.Kind != domain.StatusIdle {
		t.Fatalf("expected idle status after sign-out, got %+v", status)
	}
}
