package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Identity is the signed-in user as reported by the identity backend.
// Params: stable user ID, contact/display fields, and team memberships.
// Returns: session info stored in the currentUser slot.
type Identity struct {
	UID         string   `json:"uid"`
	Email       string   `json:"email,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
	TeamIDs     []string `json:"team_ids,omitempty"`
}

// MemberOf reports whether identity lists team ID.
// Params: team ID.
// Returns: true on membership.
func (i *Identity) MemberOf(teamID string) bool {
	if i == nil {
		return false
	}
	for _, id := range i.TeamIDs {
		if id == teamID {
			return true
		}
	}
	return false
}

// DecodeIdentity decodes identity event payload.
// Params: JSON body; empty body or JSON null means signed out.
// Returns: identity (nil when signed out) or decode error.
func DecodeIdentity(raw []byte) (*Identity, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var identity Identity
	if err := json.Unmarshal(raw, &identity); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	if strings.TrimSpace(identity.UID) == "" {
		return nil, fmt.Errorf("decode identity: uid is required")
	}
	return &identity, nil
}
