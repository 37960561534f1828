package domain

import (
	"fmt"
	"strings"
	"time"
)

// ResourceKind names one managed subscription family.
type ResourceKind string

const (
	// KindTeam is the selected team document (parent).
	KindTeam ResourceKind = "team"
	// KindSchedule is the weekly schedule of the selected team (child of team).
	KindSchedule ResourceKind = "schedule"
)

const maxResourceIDLen = 128

// ValidResourceID reports whether id can be embedded into keys and remote paths.
// Params: raw resource ID.
// Returns: true for 1..128 chars of [A-Za-z0-9_-].
func ValidResourceID(id string) bool {
	if id == "" || len(id) > maxResourceIDLen {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// TeamKey builds registry key for team subscription.
// Params: team ID.
// Returns: resource key.
func TeamKey(teamID string) string {
	return string(KindTeam) + "/" + teamID
}

// TeamPath builds remote document path for team.
// Params: team ID.
// Returns: remote path.
func TeamPath(teamID string) string {
	return "teams/" + teamID
}

// ScheduleKey builds registry key for one team week.
// Params: team ID and ISO week label.
// Returns: resource key nested under the team ID.
func ScheduleKey(teamID, week string) string {
	return ScheduleKeyPrefix(teamID) + week
}

// ScheduleKeyPrefix returns key prefix shared by all schedule keys of one team.
// Params: team ID.
// Returns: prefix used for cascade teardown.
func ScheduleKeyPrefix(teamID string) string {
	return string(KindSchedule) + "/" + teamID + "/"
}

// SchedulePath builds remote document path for one team week.
// Params: team ID and ISO week label.
// Returns: remote path.
func SchedulePath(teamID, week string) string {
	return "schedules/" + teamID + "/" + week
}

// ISOWeek labels the ISO week containing now shifted by offset weeks.
// Params: reference time and week offset.
// Returns: label like 2026-W42.
func ISOWeek(now time.Time, offset int) string {
	year, week := now.AddDate(0, 0, 7*offset).ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// PathToKVKey maps slash-separated remote path onto KV key syntax.
// Params: remote path.
// Returns: dot-separated KV key.
func PathToKVKey(path string) string {
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", ".")
}
