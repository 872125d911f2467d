package state

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/dispatcher-state/pkg/types"
)

var (
	// ErrNotFound is returned by read accessors when the key is absent.
	ErrNotFound = errors.New("not found")
	// ErrInvariant matches every *InvariantError.
	ErrInvariant = errors.New("invariant violated")
	// ErrUnknownUpdate is returned for an update whose type tag is unset or
	// does not match its payload. Replay must stop on it.
	ErrUnknownUpdate = errors.New("update type not set")
)

// InvariantError reports an update that is inconsistent with the current
// state: duplicate ids, dangling references, empty pending queues. The store is
// left untouched when one is returned.
type InvariantError struct {
	Type   types.UpdateType
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("state: %s: %s: %s", ErrInvariant, e.Type, e.Reason)
}

func (e *InvariantError) Is(target error) bool {
	return target == ErrInvariant
}

func invariant(t types.UpdateType, format string, args ...any) error {
	return &InvariantError{Type: t, Reason: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}
