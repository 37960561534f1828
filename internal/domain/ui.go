package domain

// Filters holds grid filter settings chosen in the UI.
// Params: visible weekdays (0=Sunday..6), availability toggle, and sort mode.
// Returns: value stored in the filterSettings slot.
type Filters struct {
	Weekdays      []int  `json:"weekdays,omitempty" toml:"weekdays"`
	OnlyAvailable bool   `json:"only_available" toml:"only_available"`
	Sort          string `json:"sort,omitempty" toml:"sort"`
}

const (
	// SortByName orders members alphabetically.
	SortByName = "name"
	// SortByAvailability orders members by free hours.
	SortByAvailability = "availability"
)

// StatusKind tags current user-facing operation state.
type StatusKind string

const (
	StatusIdle      StatusKind = "idle"
	StatusLoading   StatusKind = "loading"
	StatusSaving    StatusKind = "saving"
	StatusReady     StatusKind = "ready"
	StatusThrottled StatusKind = "throttled"
	StatusError     StatusKind = "error"
)

// Status is the operationStatus slot value.
// Params: kind tag and optional user-facing message.
// Returns: status shown by UI.
type Status struct {
	Kind    StatusKind `json:"kind"`
	Message string     `json:"message,omitempty"`
}

// KnownStatusKind reports whether kind is one of the status constants.
// Params: status kind.
// Returns: true for known kinds.
func KnownStatusKind(kind StatusKind) bool {
	switch kind {
	case StatusIdle, StatusLoading, StatusSaving, StatusReady, StatusThrottled, StatusError:
		return true
	default:
		return false
	}
}
