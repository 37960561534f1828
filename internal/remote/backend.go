// Package remote adapts the real-time document store, the function
// invocation API, and identity events behind one Backend interface.
package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"teamsync/internal/domain"
	"teamsync/internal/fault"
)

// Backend is the external collaborator set consumed by the orchestrator.
// Params: implementations call listeners from their own goroutines.
// Returns: document subscriptions, reads, function calls, and identity events.
type Backend interface {
	Subscribe(path string, onSnapshot func(domain.Document), onError func(error)) (func(), error)
	Get(ctx context.Context, path string) (domain.Document, error)
	Invoke(ctx context.Context, name string, payload any) (Result, error)
	OnIdentityChange(callback func(*domain.Identity)) (func(), error)
	Close() error
}

// Result is the remote function response envelope.
// Params: success flag, optional data payload, and optional message.
// Returns: decoded function outcome.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Decode unmarshals result data into target.
// Params: pointer target.
// Returns: decode error; nil when data is empty.
func (r Result) Decode(target any) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.Data, target); err != nil {
		return fmt.Errorf("decode result data: %w", err)
	}
	return nil
}

// OK builds successful result with data encoded as JSON.
// Params: data value (nil for none).
// Returns: result or encode error.
func OK(data any) (Result, error) {
	if data == nil {
		return Result{Success: true}, nil
	}
	body, err := json.Marshal(data)
	if err != nil {
		return Result{}, fmt.Errorf("encode result data: %w", err)
	}
	return Result{Success: true, Data: body}, nil
}

// Fail builds failed result carrying user-facing message.
func Fail(message string) Result {
	return Result{Success: false, Message: message}
}

// checkResult converts non-success into DomainError.
// Params: function name and decoded envelope.
// Returns: same result and DomainError when success is false.
func checkResult(name string, result Result) (Result, error) {
	if !result.Success {
		return result, &fault.DomainError{Function: name, Message: result.Message}
	}
	return result, nil
}
