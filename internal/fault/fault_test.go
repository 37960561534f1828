package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelWrapping(t *testing.T) {
	t.Parallel()

	if err := Validation("unknown slot %q", "x"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation sentinel, got %v", err)
	}
	if err := Exhausted("cap %d", 3); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected exhausted sentinel, got %v", err)
	}

	cause := errors.New("connection reset")
	err := Unavailable("watch teams/T1", cause)
	if !errors.Is(err, ErrRemoteUnavailable) || !errors.Is(err, cause) {
		t.Fatalf("expected both sentinel and cause in chain: %v", err)
	}
}

func TestDomainErrorKeepsMessageVerbatim(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("invoke joinTeam: %w", &DomainError{Function: "joinTeam", Message: "Invite code expired."})
	domainErr, ok := AsDomain(err)
	if !ok {
		t.Fatalf("expected domain error in chain")
	}
	if domainErr.Error() != "Invite code expired." {
		t.Fatalf("unexpected message %q", domainErr.Error())
	}
	if !IsPermanent(err) {
		t.Fatalf("domain errors must not be retried")
	}
}

func TestPermanentMarker(t *testing.T) {
	t.Parallel()

	if MarkPermanent(nil) != nil {
		t.Fatalf("expected nil passthrough")
	}
	base := errors.New("permission denied")
	marked := fmt.Errorf("subscribe: %w", MarkPermanent(base))
	if !IsPermanent(marked) {
		t.Fatalf("expected permanent marker")
	}
	if !errors.Is(marked, base) {
		t.Fatalf("expected unwrap to root cause")
	}
	if IsPermanent(base) {
		t.Fatalf("plain error must not be permanent")
	}
}
