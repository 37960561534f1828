package app

import (
	"context"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"teamsync/internal/clock"
	"teamsync/internal/domain"
	"teamsync/internal/fault"
	"teamsync/internal/logging"
	"teamsync/internal/metrics"
	"teamsync/internal/namecache"
	"teamsync/internal/prefs"
	"teamsync/internal/remote"
	"teamsync/internal/retry"
	"teamsync/internal/state"
	"teamsync/internal/subscription"
	"teamsync/internal/throttle"
)

const (
	msgTeamMissing         = "This team no longer exists or you no longer have access to it."
	msgTeamUnavailable     = "Could not load the team. Check your connection and try again."
	msgScheduleUnavailable = "Could not load the schedule for this week."
	msgThrottled           = "Too many attempts. Please wait a moment and try again."
)

// State is the lifecycle of one managed resource kind.
type State int

const (
	StateUnsubscribed State = iota
	StateSubscribing
	StateSubscribed
	StateError
)

// String returns lower-case state name.
func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TitleSink receives rendered window titles.
type TitleSink interface {
	SetTitle(title string)
}

// TitleFunc adapts a plain function to TitleSink.
type TitleFunc func(title string)

// SetTitle calls f.
func (f TitleFunc) SetTitle(title string) {
	f(title)
}

// Runner is the event loop as seen by the orchestrator.
// Params: Post queues a task; Do runs a task and waits for it.
// Returns: loop scheduler.
type Runner interface {
	Post(task func())
	Do(ctx context.Context, task func() error) error
}

// OrchestratorDeps bundles collaborators owned by the service.
// Params: store, loop, backend, registry, throttle, prefs, name cache, title sink, clock, logger, and metrics.
// Returns: orchestrator dependencies.
type OrchestratorDeps struct {
	Store    *state.Store
	Loop     Runner
	Backend  remote.Backend
	Registry *subscription.Registry
	Throttle *throttle.Window
	Prefs    prefs.Store
	Names    *namecache.Cache
	Titles   TitleSink
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Registry
}

// OrchestratorOptions tunes retry and the title effect.
// Params: subscription retry policy, title debounce, and parsed title template.
// Returns: orchestrator options.
type OrchestratorOptions struct {
	Policy        retry.Policy
	TitleDebounce time.Duration
	TitleTemplate *template.Template
}

// resource tracks the desired target of one kind and its live handle.
type resource struct {
	kind   domain.ResourceKind
	state  State
	id     string
	key    string
	gen    uint64
	handle *subscription.Handle
}

func (r *resource) begin(id, key string) uint64 {
	r.gen++
	r.id = id
	r.key = key
	r.state = StateSubscribing
	r.handle = nil
	return r.gen
}

func (r *resource) reset() {
	r.gen++
	r.id = ""
	r.key = ""
	r.state = StateUnsubscribed
	r.handle = nil
}

// current reports whether a callback captured at gen still targets the desired resource.
func (r *resource) current(gen uint64) bool {
	return r.id != "" && r.gen == gen
}

func (r *resource) active() bool {
	return r.state == StateSubscribing || r.state == StateSubscribed
}

// Orchestrator maps store selection onto live remote subscriptions.
// Params: dependencies, options, and per-kind resource state.
// Returns: loop-confined orchestrator; only remote operations may be called from other goroutines.
type Orchestrator struct {
	deps   OrchestratorDeps
	opts   OrchestratorOptions
	logger *slog.Logger

	team     *resource
	schedule *resource

	uid        string
	identity   *domain.Identity
	weekOffset int

	initialized   bool
	unsubscribers []func()

	titleTimer clock.Timer
	titleSeq   uint64
	lastTitle  string
}

// NewOrchestrator creates orchestrator; call Init on the loop to start it.
// Params: collaborators and options.
// Returns: orchestrator or validation error for missing collaborators.
func NewOrchestrator(deps OrchestratorDeps, opts OrchestratorOptions) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, fault.Validation("orchestrator requires a store")
	case deps.Loop == nil:
		return nil, fault.Validation("orchestrator requires a loop")
	case deps.Backend == nil:
		return nil, fault.Validation("orchestrator requires a backend")
	case deps.Registry == nil:
		return nil, fault.Validation("orchestrator requires a subscription registry")
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Throttle == nil {
		deps.Throttle = throttle.New(0, 0, deps.Clock)
	}
	if deps.Prefs == nil {
		deps.Prefs = prefs.NewMemory()
	}
	if deps.Names == nil {
		deps.Names = namecache.New(nil)
	}
	if opts.Policy.Schedule == nil {
		opts.Policy = retry.NewPolicy(opts.Policy.MaxRetries, retry.BackoffLinear, time.Second, 10*time.Second)
	}
	return &Orchestrator{
		deps:     deps,
		opts:     opts,
		logger:   logging.OrDiscard(deps.Logger),
		team:     &resource{kind: domain.KindTeam},
		schedule: &resource{kind: domain.KindSchedule},
	}, nil
}

// Init registers store listeners and the identity listener.
// Params: none; must run on the loop goroutine.
// Returns: registration error (partial registrations are undone).
func (o *Orchestrator) Init() error {
	if o.initialized {
		return nil
	}
	o.initialized = true

	bindings := []struct {
		slot state.Slot
		fn   func(any)
	}{
		{slot: state.SlotWeekOffset, fn: o.onWeekOffset},
		{slot: state.SlotCurrentUser, fn: o.onUser},
		{slot: state.SlotSelectedTeamID, fn: o.onSelection},
	}
	for _, binding := range bindings {
		unsubscribe, err := o.deps.Store.Subscribe(binding.slot, state.NewListener(binding.fn))
		if err != nil {
			o.Cleanup()
			return fmt.Errorf("listen %s: %w", binding.slot, err)
		}
		o.unsubscribers = append(o.unsubscribers, unsubscribe)
	}

	stopIdentity, err := o.deps.Backend.OnIdentityChange(func(identity *domain.Identity) {
		o.deps.Loop.Post(func() { o.applyIdentity(identity) })
	})
	if err != nil {
		o.Cleanup()
		return fmt.Errorf("listen identity: %w", err)
	}
	o.unsubscribers = append(o.unsubscribers, stopIdentity)
	o.logger.Info("orchestrator started")
	return nil
}

// Cleanup tears everything down, children before parents.
// Params: none; must run on the loop goroutine.
// Returns: none; repeated calls are no-ops and failing steps are logged.
func (o *Orchestrator) Cleanup() {
	if !o.initialized {
		return
	}
	o.initialized = false

	o.guard("title timer", o.cancelTitle)
	for i := len(o.unsubscribers) - 1; i >= 0; i-- {
		o.guard("listener", o.unsubscribers[i])
	}
	o.unsubscribers = nil
	o.guard("schedule subscription", o.releaseSchedule)
	o.guard("team subscription", o.releaseTeam)
	o.guard("subscription registry", func() {
		if closed := o.deps.Registry.CloseAll(); closed > 0 {
			o.logger.Debug("subscriptions closed", "count", closed)
		}
	})
	o.guard("session slots", func() {
		o.setSlot(state.SlotSelectedTeamID, "")
		o.setStatus(domain.StatusIdle, "")
	})
	o.uid = ""
	o.identity = nil
	o.lastTitle = ""
	o.logger.Info("orchestrator stopped")
}

// SelectResource records the desired target of kind in the store.
// Params: kind and id ("" deselects a team; schedules take an ISO week label of the current or next week).
// Returns: ErrValidation for unknown kind or malformed id.
func (o *Orchestrator) SelectResource(kind domain.ResourceKind, id string) error {
	switch kind {
	case domain.KindTeam:
		if id != "" && !domain.ValidResourceID(id) {
			return fault.Validation("invalid team id %q", id)
		}
		return o.deps.Store.Set(state.SlotSelectedTeamID, id)
	case domain.KindSchedule:
		offset, err := o.offsetOfWeek(id)
		if err != nil {
			return err
		}
		return o.deps.Store.Set(state.SlotWeekOffset, offset)
	default:
		return fault.Validation("unknown resource kind %q", kind)
	}
}

// SetWeekOffset moves the schedule to the current (0) or next (1) week.
func (o *Orchestrator) SetWeekOffset(offset int) error {
	return o.deps.Store.Set(state.SlotWeekOffset, offset)
}

// SetFilters stores grid filter settings.
func (o *Orchestrator) SetFilters(filters domain.Filters) error {
	return o.deps.Store.Set(state.SlotFilterSettings, filters)
}

// CurrentSelection returns the committed selection of kind.
// Params: resource kind.
// Returns: team ID, ISO week label of the selected team, or "".
func (o *Orchestrator) CurrentSelection(kind domain.ResourceKind) string {
	switch kind {
	case domain.KindTeam:
		id, err := state.Read[string](o.deps.Store, state.SlotSelectedTeamID)
		if err != nil {
			return ""
		}
		return id
	case domain.KindSchedule:
		if o.team.id == "" {
			return ""
		}
		return domain.ISOWeek(o.deps.Clock.Now(), o.weekOffset)
	default:
		return ""
	}
}

// ResourceState reports lifecycle state of kind.
func (o *Orchestrator) ResourceState(kind domain.ResourceKind) State {
	switch kind {
	case domain.KindTeam:
		return o.team.state
	case domain.KindSchedule:
		return o.schedule.state
	default:
		return StateUnsubscribed
	}
}

// Selection is a diagnostic view of the orchestrator.
type Selection struct {
	TeamID        string        `json:"team_id"`
	Week          string        `json:"week,omitempty"`
	WeekOffset    int           `json:"week_offset"`
	TeamState     State         `json:"team_state"`
	ScheduleState State         `json:"schedule_state"`
	Status        domain.Status `json:"status"`
	Title         string        `json:"title,omitempty"`
	SignedIn      bool          `json:"signed_in"`
	LiveKeys      []string      `json:"live_keys"`
}

// Selection snapshots current selection and subscription state.
// Params: none; must run on the loop goroutine.
// Returns: selection view.
func (o *Orchestrator) Selection() Selection {
	status, err := state.Read[domain.Status](o.deps.Store, state.SlotOperationStatus)
	if err != nil {
		o.logger.Error("status read failed", "error", err.Error())
	}
	return Selection{
		TeamID:        o.CurrentSelection(domain.KindTeam),
		Week:          o.CurrentSelection(domain.KindSchedule),
		WeekOffset:    o.weekOffset,
		TeamState:     o.team.state,
		ScheduleState: o.schedule.state,
		Status:        status,
		Title:         o.lastTitle,
		SignedIn:      o.uid != "",
		LiveKeys:      o.deps.Registry.Keys(),
	}
}

func (o *Orchestrator) applyIdentity(identity *domain.Identity) {
	if !o.initialized {
		return
	}
	o.setSlot(state.SlotCurrentUser, identity)
}

func (o *Orchestrator) onUser(value any) {
	identity, _ := value.(*domain.Identity)
	uid := ""
	if identity != nil {
		uid = identity.UID
	}
	previous := o.uid
	o.uid = uid
	o.identity = identity

	switch {
	case uid == previous:
		return
	case uid == "":
		o.logger.Info("signed out", "uid", previous)
		o.signOut()
	default:
		if previous != "" {
			o.signOut()
		}
		o.logger.Info("signed in", "uid", uid, "teams", len(identity.TeamIDs))
		o.seedSelection(identity)
	}
}

// signOut drops every subscription and resets session slots except currentUser.
func (o *Orchestrator) signOut() {
	o.releaseTeam()
	o.setSlot(state.SlotSelectedTeamID, "")
	o.setSlot(state.SlotWeekOffset, 0)
	o.setSlot(state.SlotFavoriteTeamIDs, []string{})
	o.setSlot(state.SlotFilterSettings, domain.Filters{})
	o.setStatus(domain.StatusIdle, "")
	o.scheduleTitle()
}

// seedSelection restores the last team of uid or picks the only team.
func (o *Orchestrator) seedSelection(identity *domain.Identity) {
	if o.team.id != "" {
		return
	}
	last, err := o.deps.Prefs.LastSelected(identity.UID)
	if err != nil {
		o.logger.Warn("last selection unavailable", "uid", identity.UID, "error", err.Error())
	}
	target := ""
	switch {
	case last != "" && identity.MemberOf(last):
		target = last
	case len(identity.TeamIDs) == 1:
		target = identity.TeamIDs[0]
	}
	if target == "" || !domain.ValidResourceID(target) {
		return
	}
	o.logger.Info("selection restored", "uid", identity.UID, "id", target)
	o.setSlot(state.SlotSelectedTeamID, target)
	o.selectTeam(target)
}

func (o *Orchestrator) onSelection(value any) {
	id, _ := value.(string)
	o.selectTeam(id)
}

func (o *Orchestrator) onWeekOffset(value any) {
	offset, _ := value.(int)
	if offset == o.weekOffset {
		return
	}
	o.weekOffset = offset
	if o.team.state == StateSubscribed {
		o.syncSchedule()
		o.scheduleTitle()
	}
}

// selectTeam moves the team subscription to id.
func (o *Orchestrator) selectTeam(id string) {
	if id == o.team.id && (id == "" || o.team.active()) {
		return
	}
	o.releaseTeam()
	if id == "" {
		o.setStatus(domain.StatusIdle, "")
		o.scheduleTitle()
		return
	}

	key := domain.TeamKey(id)
	if o.deps.Throttle.ShouldThrottle(key) {
		o.throttled(domain.KindTeam, key)
		o.setSlot(state.SlotSelectedTeamID, "")
		o.setStatus(domain.StatusThrottled, msgThrottled)
		return
	}

	gen := o.team.begin(id, key)
	o.setStatus(domain.StatusLoading, "")
	err := o.deps.Registry.Register(key, func() (subscription.Closer, error) {
		handle := subscription.Open(o.handleDeps(), subscription.Spec{
			Kind:   domain.KindTeam,
			Key:    key,
			Path:   domain.TeamPath(id),
			Policy: o.opts.Policy,
			OnSnapshot: func(doc domain.Document) {
				o.onTeamSnapshot(gen, doc)
			},
			OnRetry: func(attempt int, _ time.Duration, _ error) {
				o.onRetry(o.team, gen, attempt)
			},
			OnExhausted: func(err error) {
				o.deps.Loop.Post(func() { o.onTeamExhausted(gen, err) })
			},
		})
		o.team.handle = handle
		return handle, nil
	})
	if err != nil {
		o.logger.Error("team subscription rejected", "key", key, "error", err.Error())
		o.failTeam(userMessage(err, msgTeamUnavailable))
		return
	}
	o.logger.Debug("team subscription opened", "key", key, "handle", o.team.handle.ID())
}

func (o *Orchestrator) onTeamSnapshot(gen uint64, doc domain.Document) {
	if !o.team.current(gen) {
		o.stale(domain.KindTeam)
		return
	}
	id := o.team.id
	if doc == nil {
		o.logger.Warn("team document missing", "id", id)
		o.failTeam(msgTeamMissing)
		return
	}

	first := o.team.state != StateSubscribed
	o.team.state = StateSubscribed
	o.setSlot(state.SlotTeamData, doc)
	o.deps.Names.Correct(id, doc.Text("name"))
	if first {
		o.setStatus(domain.StatusReady, "")
		o.rememberSelection(id)
		o.syncSchedule()
	}
	o.scheduleTitle()
}

func (o *Orchestrator) onTeamExhausted(gen uint64, err error) {
	if !o.team.current(gen) {
		o.stale(domain.KindTeam)
		return
	}
	o.logger.Error("team subscription failed", "id", o.team.id, "error", err.Error())
	o.failTeam(userMessage(err, msgTeamUnavailable))
}

// failTeam releases the team, clears its selection, and leaves the kind in Error.
func (o *Orchestrator) failTeam(message string) {
	o.releaseTeam()
	o.team.state = StateError
	o.setSlot(state.SlotSelectedTeamID, "")
	o.setStatus(domain.StatusError, message)
	o.scheduleTitle()
}

// releaseTeam closes schedule then team handles and clears their data slots.
func (o *Orchestrator) releaseTeam() {
	o.releaseSchedule()
	if o.team.id != "" {
		o.deps.Registry.ReleasePrefix(domain.ScheduleKeyPrefix(o.team.id))
		o.deps.Registry.Release(o.team.key)
	}
	o.team.reset()
	o.setSlot(state.SlotTeamData, nil)
}

// syncSchedule keys the schedule child to the subscribed team and week offset.
func (o *Orchestrator) syncSchedule() {
	if o.team.state != StateSubscribed {
		o.releaseSchedule()
		return
	}
	teamID := o.team.id
	week := domain.ISOWeek(o.deps.Clock.Now(), o.weekOffset)
	id := teamID + "/" + week
	if o.schedule.id == id && o.schedule.active() {
		return
	}
	o.releaseSchedule()

	key := domain.ScheduleKey(teamID, week)
	if o.deps.Throttle.ShouldThrottle(key) {
		o.throttled(domain.KindSchedule, key)
		o.setStatus(domain.StatusThrottled, msgThrottled)
		return
	}

	gen := o.schedule.begin(id, key)
	err := o.deps.Registry.Register(key, func() (subscription.Closer, error) {
		handle := subscription.Open(o.handleDeps(), subscription.Spec{
			Kind:   domain.KindSchedule,
			Key:    key,
			Path:   domain.SchedulePath(teamID, week),
			Policy: o.opts.Policy,
			OnSnapshot: func(doc domain.Document) {
				o.onScheduleSnapshot(gen, doc)
			},
			OnRetry: func(attempt int, _ time.Duration, _ error) {
				o.onRetry(o.schedule, gen, attempt)
			},
			OnExhausted: func(err error) {
				o.deps.Loop.Post(func() { o.onScheduleExhausted(gen, err) })
			},
		})
		o.schedule.handle = handle
		return handle, nil
	})
	if err != nil {
		o.logger.Error("schedule subscription rejected", "key", key, "error", err.Error())
		o.failSchedule(userMessage(err, msgScheduleUnavailable))
	}
}

func (o *Orchestrator) onScheduleSnapshot(gen uint64, doc domain.Document) {
	if !o.schedule.current(gen) {
		o.stale(domain.KindSchedule)
		return
	}
	// A week without entries has no document yet.
	o.schedule.state = StateSubscribed
	o.setSlot(state.SlotScheduleData, doc)
}

func (o *Orchestrator) onScheduleExhausted(gen uint64, err error) {
	if !o.schedule.current(gen) {
		o.stale(domain.KindSchedule)
		return
	}
	o.logger.Error("schedule subscription failed", "key", o.schedule.key, "error", err.Error())
	o.failSchedule(userMessage(err, msgScheduleUnavailable))
}

func (o *Orchestrator) failSchedule(message string) {
	o.releaseSchedule()
	o.schedule.state = StateError
	o.setStatus(domain.StatusError, message)
}

func (o *Orchestrator) releaseSchedule() {
	if o.schedule.key != "" {
		o.deps.Registry.Release(o.schedule.key)
	}
	o.schedule.reset()
	o.setSlot(state.SlotScheduleData, nil)
}

func (o *Orchestrator) onRetry(res *resource, gen uint64, attempt int) {
	if !res.current(gen) {
		return
	}
	res.state = StateSubscribing
	o.setStatus(domain.StatusLoading, fmt.Sprintf("Reconnecting (attempt %d)", attempt))
}

func (o *Orchestrator) rememberSelection(teamID string) {
	if o.uid == "" {
		return
	}
	if err := o.deps.Prefs.SaveSelected(o.uid, teamID); err != nil {
		o.logger.Warn("last selection not saved", "uid", o.uid, "id", teamID, "error", err.Error())
	}
}

func (o *Orchestrator) handleDeps() subscription.Deps {
	return subscription.Deps{
		Source:  o.deps.Backend,
		Loop:    o.deps.Loop,
		Clock:   o.deps.Clock,
		Logger:  o.logger,
		Metrics: o.deps.Metrics,
	}
}

func (o *Orchestrator) offsetOfWeek(label string) (int, error) {
	now := o.deps.Clock.Now()
	for offset := 0; offset <= 1; offset++ {
		if domain.ISOWeek(now, offset) == label {
			return offset, nil
		}
	}
	return 0, fault.Validation("week %q is neither the current nor the next week", label)
}

func (o *Orchestrator) throttled(kind domain.ResourceKind, key string) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.Throttled.WithLabelValues(string(kind)).Inc()
	}
	o.logger.Warn("subscribe throttled", "kind", string(kind), "key", key, "error", fault.ErrThrottled.Error())
}

func (o *Orchestrator) stale(kind domain.ResourceKind) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.StaleDeliveries.WithLabelValues(string(kind)).Inc()
	}
	o.logger.Debug("stale delivery dropped", "kind", string(kind))
}

func (o *Orchestrator) setSlot(slot state.Slot, value any) {
	if err := o.deps.Store.Set(slot, value); err != nil {
		o.logger.Error("store write rejected", "slot", slot.String(), "error", err.Error())
	}
}

func (o *Orchestrator) setStatus(kind domain.StatusKind, message string) {
	o.setSlot(state.SlotOperationStatus, domain.Status{Kind: kind, Message: message})
}

// guard runs one cleanup step and contains its panic.
func (o *Orchestrator) guard(step string, fn func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			o.logger.Error("cleanup step failed", "step", step, "panic", fmt.Sprint(recovered))
		}
	}()
	fn()
}

// userMessage picks the remote message for domain failures and fallback otherwise.
func userMessage(err error, fallback string) string {
	if domainErr, ok := fault.AsDomain(err); ok && domainErr.Message != "" {
		return domainErr.Message
	}
	return fallback
}
