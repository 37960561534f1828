package app

import (
	"context"

	"teamsync/internal/domain"
)

// loopController serves control requests by hopping onto the loop.
type loopController struct {
	loop Runner
	orch *Orchestrator
}

func (c loopController) Select(ctx context.Context, kind domain.ResourceKind, id string) error {
	return c.loop.Do(ctx, func() error { return c.orch.SelectResource(kind, id) })
}

func (c loopController) SetWeek(ctx context.Context, offset int) error {
	return c.loop.Do(ctx, func() error { return c.orch.SetWeekOffset(offset) })
}

func (c loopController) SetFilters(ctx context.Context, filters domain.Filters) error {
	return c.loop.Do(ctx, func() error { return c.orch.SetFilters(filters) })
}

func (c loopController) Selection(ctx context.Context) (any, error) {
	var selection Selection
	err := c.loop.Do(ctx, func() error {
		selection = c.orch.Selection()
		return nil
	})
	return selection, err
}

func (c loopController) ToggleFavorite(ctx context.Context, teamID string) ([]string, error) {
	return c.orch.ToggleFavorite(ctx, teamID)
}

func (c loopController) JoinTeam(ctx context.Context, code string) (string, error) {
	return c.orch.JoinTeam(ctx, code)
}

func (c loopController) SaveAvailability(ctx context.Context, slots []domain.AvailabilitySlot) error {
	return c.orch.SaveAvailability(ctx, slots)
}
