package app

import (
	"context"
	"time"

	"teamsync/internal/domain"
	"teamsync/internal/templatefmt"
)

const titleLookupTimeout = 5 * time.Second

// scheduleTitle restarts the trailing debounce of the window title.
func (o *Orchestrator) scheduleTitle() {
	if o.deps.Titles == nil || o.opts.TitleTemplate == nil {
		return
	}
	o.cancelTitle()
	seq := o.titleSeq
	o.titleTimer = o.deps.Clock.AfterFunc(o.opts.TitleDebounce, func() {
		o.deps.Loop.Post(func() { o.applyTitle(seq) })
	})
}

func (o *Orchestrator) cancelTitle() {
	o.titleSeq++
	if o.titleTimer != nil {
		o.titleTimer.Stop()
		o.titleTimer = nil
	}
}

// applyTitle renders the title once the debounce settled.
func (o *Orchestrator) applyTitle(seq uint64) {
	if seq != o.titleSeq || !o.initialized {
		return
	}
	o.titleTimer = nil
	if o.team.state != StateSubscribed {
		o.publishTitle("")
		return
	}
	teamID := o.team.id
	if name, ok := o.deps.Names.Peek(teamID); ok {
		o.renderTitle(teamID, name)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), titleLookupTimeout)
		defer cancel()
		name, err := o.deps.Names.Lookup(ctx, teamID)
		o.deps.Loop.Post(func() {
			if seq != o.titleSeq || o.team.id != teamID {
				return
			}
			if err != nil {
				o.logger.Warn("team name lookup failed", "id", teamID, "error", err.Error())
			}
			o.renderTitle(teamID, name)
		})
	}()
}

func (o *Orchestrator) renderTitle(teamID, name string) {
	title, err := templatefmt.Render(o.opts.TitleTemplate, templatefmt.TitleData{
		TeamID: teamID,
		Team:   name,
		Week:   domain.ISOWeek(o.deps.Clock.Now(), o.weekOffset),
	})
	if err != nil {
		o.logger.Error("title render failed", "id", teamID, "error", err.Error())
		return
	}
	o.publishTitle(title)
}

func (o *Orchestrator) publishTitle(title string) {
	if title == o.lastTitle {
		return
	}
	o.lastTitle = title
	o.deps.Titles.SetTitle(title)
}
