package state

import (
	"strings"

	"teamsync/internal/domain"
	"teamsync/internal/fault"
)

// Slot names one entry of the closed application state.
type Slot string

const (
	// SlotCurrentUser holds *domain.Identity or nil when signed out.
	SlotCurrentUser Slot = "currentUser"
	// SlotSelectedTeamID holds selected team ID or empty string.
	SlotSelectedTeamID Slot = "selectedTeamId"
	// SlotTeamData holds the selected team document.
	SlotTeamData Slot = "teamData"
	// SlotScheduleData holds the selected week schedule document.
	SlotScheduleData Slot = "scheduleData"
	// SlotWeekOffset holds the visible week relative to now (0 or 1).
	SlotWeekOffset Slot = "weekOffset"
	// SlotFavoriteTeamIDs holds favorite team IDs.
	SlotFavoriteTeamIDs Slot = "favoriteTeamIds"
	// SlotFilterSettings holds domain.Filters.
	SlotFilterSettings Slot = "filterSettings"
	// SlotOperationStatus holds domain.Status.
	SlotOperationStatus Slot = "operationStatus"
)

const (
	minWeekOffset = 0
	maxWeekOffset = 1
)

// slotSpec binds slot default and type predicate.
// Params: default factory and validator that may normalize the value.
// Returns: slot contract used by Store.
type slotSpec struct {
	defaults func() any
	validate func(value any) (any, error)
}

// slotOrder fixes slot set and reset order.
var slotOrder = []Slot{
	SlotCurrentUser,
	SlotSelectedTeamID,
	SlotTeamData,
	SlotScheduleData,
	SlotWeekOffset,
	SlotFavoriteTeamIDs,
	SlotFilterSettings,
	SlotOperationStatus,
}

// buildSlotSpecs returns the closed slot table.
// Params: none.
// Returns: spec per slot name.
func buildSlotSpecs() map[Slot]slotSpec {
	return map[Slot]slotSpec{
		SlotCurrentUser: {
			defaults: func() any { return (*domain.Identity)(nil) },
			validate: validateIdentity,
		},
		SlotSelectedTeamID: {
			defaults: func() any { return "" },
			validate: validateSelection,
		},
		SlotTeamData: {
			defaults: func() any { return domain.Document(nil) },
			validate: validateDocument,
		},
		SlotScheduleData: {
			defaults: func() any { return domain.Document(nil) },
			validate: validateDocument,
		},
		SlotWeekOffset: {
			defaults: func() any { return 0 },
			validate: validateWeekOffset,
		},
		SlotFavoriteTeamIDs: {
			defaults: func() any { return []string{} },
			validate: validateFavorites,
		},
		SlotFilterSettings: {
			defaults: func() any { return domain.Filters{} },
			validate: validateFilters,
		},
		SlotOperationStatus: {
			defaults: func() any { return domain.Status{Kind: domain.StatusIdle} },
			validate: validateStatus,
		},
	}
}

func validateIdentity(value any) (any, error) {
	switch typed := value.(type) {
	case nil:
		return (*domain.Identity)(nil), nil
	case *domain.Identity:
		if typed != nil && strings.TrimSpace(typed.UID) == "" {
			return nil, fault.Validation("%s.uid is required", SlotCurrentUser)
		}
		return typed, nil
	default:
		return nil, fault.Validation("%s expects *domain.Identity, got %T", SlotCurrentUser, value)
	}
}

func validateSelection(value any) (any, error) {
	id, ok := value.(string)
	if !ok {
		return nil, fault.Validation("%s expects string, got %T", SlotSelectedTeamID, value)
	}
	if id != "" && !domain.ValidResourceID(id) {
		return nil, fault.Validation("%s has invalid id %q", SlotSelectedTeamID, id)
	}
	return id, nil
}

func validateDocument(value any) (any, error) {
	var doc domain.Document
	switch typed := value.(type) {
	case nil:
		return domain.Document(nil), nil
	case domain.Document:
		doc = typed
	case map[string]any:
		doc = domain.Document(typed)
	default:
		return nil, fault.Validation("document slot expects domain.Document, got %T", value)
	}
	if err := domain.ValidateTree(map[string]any(doc)); err != nil {
		return nil, fault.Validation("document is not a JSON tree: %v", err)
	}
	return doc, nil
}

func validateWeekOffset(value any) (any, error) {
	offset, ok := value.(int)
	if !ok {
		return nil, fault.Validation("%s expects int, got %T", SlotWeekOffset, value)
	}
	if offset < minWeekOffset || offset > maxWeekOffset {
		return nil, fault.Validation("%s must be in [%d,%d], got %d", SlotWeekOffset, minWeekOffset, maxWeekOffset, offset)
	}
	return offset, nil
}

func validateFavorites(value any) (any, error) {
	ids, ok := value.([]string)
	if !ok {
		if value == nil {
			return []string{}, nil
		}
		return nil, fault.Validation("%s expects []string, got %T", SlotFavoriteTeamIDs, value)
	}
	if ids == nil {
		return []string{}, nil
	}
	for i, id := range ids {
		if !domain.ValidResourceID(id) {
			return nil, fault.Validation("%s[%d] has invalid id %q", SlotFavoriteTeamIDs, i, id)
		}
	}
	return ids, nil
}

func validateFilters(value any) (any, error) {
	filters, ok := value.(domain.Filters)
	if !ok {
		return nil, fault.Validation("%s expects domain.Filters, got %T", SlotFilterSettings, value)
	}
	for _, day := range filters.Weekdays {
		if day < 0 || day > 6 {
			return nil, fault.Validation("%s.weekdays has out-of-range day %d", SlotFilterSettings, day)
		}
	}
	switch filters.Sort {
	case "", domain.SortByName, domain.SortByAvailability:
	default:
		return nil, fault.Validation("%s.sort has unsupported value %q", SlotFilterSettings, filters.Sort)
	}
	return filters, nil
}

func validateStatus(value any) (any, error) {
	status, ok := value.(domain.Status)
	if !ok {
		return nil, fault.Validation("%s expects domain.Status, got %T", SlotOperationStatus, value)
	}
	if !domain.KnownStatusKind(status.Kind) {
		return nil, fault.Validation("%s has unknown kind %q", SlotOperationStatus, status.Kind)
	}
	return status, nil
}

func unknownSlot(slot Slot) error {
	return fault.Validation("unknown slot %q", string(slot))
}

// String returns slot name.
func (s Slot) String() string {
	return string(s)
}
