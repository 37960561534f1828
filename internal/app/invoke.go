package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"teamsync/internal/domain"
	"teamsync/internal/fault"
	"teamsync/internal/loop"
	"teamsync/internal/state"
)

const (
	fnToggleFavorite   = "toggleFavorite"
	fnJoinTeam         = "joinTeam"
	fnSaveAvailability = "saveAvailability"

	maxInviteCodeLen = 64

	msgSaveFailed = "Could not save your changes. Try again."
)

var (
	errSignedOut = fmt.Errorf("%w: sign-in required", fault.ErrValidation)
	errNoTeam    = fmt.Errorf("%w: no team selected", fault.ErrValidation)
)

type joinResult struct {
	TeamID string `json:"teamId"`
}

type availabilityPayload struct {
	TeamID string                    `json:"teamId"`
	Week   string                    `json:"week"`
	Slots  []domain.AvailabilitySlot `json:"slots"`
}

// ToggleFavorite flips teamID in the signed-in user's favorites.
// Params: call context and team ID; safe from any goroutine.
// Returns: updated favorites, DomainError with the remote message, or transport error.
func (o *Orchestrator) ToggleFavorite(ctx context.Context, teamID string) ([]string, error) {
	if !domain.ValidResourceID(teamID) {
		return nil, fault.Validation("invalid team id %q", teamID)
	}
	uid, err := o.beginInvocation(ctx)
	if err != nil {
		return nil, err
	}

	var favorites []string
	err = o.invoke(ctx, fnToggleFavorite, map[string]string{"teamId": teamID}, &favorites)
	o.finishInvocation(ctx, err, func() bool { return o.uid == uid }, func() {
		o.setSlot(state.SlotFavoriteTeamIDs, favorites)
	})
	if err != nil {
		return nil, err
	}
	return favorites, nil
}

// JoinTeam redeems an invite code and selects the joined team.
// Params: call context and invite code; safe from any goroutine.
// Returns: joined team ID, DomainError with the remote message, or transport error.
func (o *Orchestrator) JoinTeam(ctx context.Context, code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" || len(code) > maxInviteCodeLen || !domain.ValidResourceID(code) {
		return "", fault.Validation("invalid invite code")
	}
	uid, err := o.beginInvocation(ctx)
	if err != nil {
		return "", err
	}

	var joined joinResult
	err = o.invoke(ctx, fnJoinTeam, map[string]string{"code": code}, &joined)
	if err == nil && !domain.ValidResourceID(joined.TeamID) {
		err = fault.Unavailable("invoke "+fnJoinTeam, fmt.Errorf("invalid team id %q in result", joined.TeamID))
	}
	o.finishInvocation(ctx, err, func() bool { return o.uid == uid }, func() {
		if o.identity != nil && !o.identity.MemberOf(joined.TeamID) {
			updated := *o.identity
			updated.TeamIDs = append(append([]string(nil), o.identity.TeamIDs...), joined.TeamID)
			o.setSlot(state.SlotCurrentUser, &updated)
		}
		o.setSlot(state.SlotSelectedTeamID, joined.TeamID)
	})
	if err != nil {
		return "", err
	}
	return joined.TeamID, nil
}

// SaveAvailability stores the user's free slots for the selected team and week.
// Params: call context and slots; safe from any goroutine.
// Returns: ErrValidation for bad slots or missing team, DomainError, or transport error.
func (o *Orchestrator) SaveAvailability(ctx context.Context, slots []domain.AvailabilitySlot) error {
	for i, slot := range slots {
		if err := slot.Validate(); err != nil {
			return fault.Validation("slot %d: %v", i, err)
		}
	}

	var payload availabilityPayload
	var uid string
	err := o.deps.Loop.Do(ctx, func() error {
		if o.uid == "" {
			return errSignedOut
		}
		if o.team.state != StateSubscribed {
			return errNoTeam
		}
		uid = o.uid
		payload = availabilityPayload{
			TeamID: o.team.id,
			Week:   domain.ISOWeek(o.deps.Clock.Now(), o.weekOffset),
			Slots:  slots,
		}
		o.setStatus(domain.StatusSaving, "")
		return nil
	})
	if err != nil {
		return err
	}

	err = o.invoke(ctx, fnSaveAvailability, payload, nil)
	o.finishInvocation(ctx, err, func() bool {
		return o.uid == uid && o.team.id == payload.TeamID &&
			domain.ISOWeek(o.deps.Clock.Now(), o.weekOffset) == payload.Week
	}, nil)
	return err
}

// beginInvocation captures the signed-in user and shows saving status.
func (o *Orchestrator) beginInvocation(ctx context.Context) (string, error) {
	var uid string
	err := o.deps.Loop.Do(ctx, func() error {
		if o.uid == "" {
			return errSignedOut
		}
		uid = o.uid
		o.setStatus(domain.StatusSaving, "")
		return nil
	})
	return uid, err
}

// finishInvocation applies the outcome on the loop when the caller's context still holds.
// A stale outcome is not applied, but a status still showing saving is settled.
func (o *Orchestrator) finishInvocation(ctx context.Context, err error, stillCurrent func() bool, apply func()) {
	loopErr := o.deps.Loop.Do(context.WithoutCancel(ctx), func() error {
		if !o.initialized {
			return nil
		}
		if !stillCurrent() {
			o.logger.Debug("stale invocation result dropped")
			o.settleSaving(err)
			return nil
		}
		if err != nil {
			o.setStatus(domain.StatusError, userMessage(err, msgSaveFailed))
			return nil
		}
		if apply != nil {
			apply()
		}
		o.setStatus(domain.StatusReady, "")
		return nil
	})
	if loopErr != nil && !errors.Is(loopErr, loop.ErrStopped) {
		o.logger.Error("invocation result not applied", "error", loopErr.Error())
	}
}

// settleSaving moves a lingering saving status to ready or error.
func (o *Orchestrator) settleSaving(err error) {
	status, readErr := state.Read[domain.Status](o.deps.Store, state.SlotOperationStatus)
	if readErr != nil || status.Kind != domain.StatusSaving {
		return
	}
	if err != nil {
		o.setStatus(domain.StatusError, userMessage(err, msgSaveFailed))
		return
	}
	o.setStatus(domain.StatusReady, "")
}

// invoke calls a remote function and records the outcome.
func (o *Orchestrator) invoke(ctx context.Context, name string, payload any, target any) error {
	result, err := o.deps.Backend.Invoke(ctx, name, payload)
	if err == nil && target != nil {
		if decodeErr := result.Decode(target); decodeErr != nil {
			err = fault.Unavailable("invoke "+name, decodeErr)
		}
	}

	outcome := "ok"
	switch {
	case err == nil:
	case isDomain(err):
		outcome = "rejected"
		o.logger.Warn("remote function rejected", "function", name, "error", err.Error())
	default:
		outcome = "error"
		o.logger.Error("remote function failed", "function", name, "error", err.Error())
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.Invocations.WithLabelValues(name, outcome).Inc()
	}
	return err
}

func isDomain(err error) bool {
	_, ok := fault.AsDomain(err)
	return ok
}
