package state

import "teamsync/internal/fault"

// Read returns typed copy of slot value.
// Params: store, slot, and expected Go type T.
// Returns: typed value or ErrValidation when slot is unknown or holds another type.
func Read[T any](s *Store, slot Slot) (T, error) {
	var zero T
	value, err := s.Get(slot)
	if err != nil {
		return zero, err
	}
	if value == nil {
		return zero, nil
	}
	typed, ok := value.(T)
	if !ok {
		return zero, fault.Validation("slot %s holds %T", slot, value)
	}
	return typed, nil
}
