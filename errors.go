package nest

import (
	"github.com/vango-dev/nest/internal/errors"
)

// Sentinel errors. Errors returned or logged by the engine carry more
// detail but match these under errors.Is.
var (
	// ErrSubscriptionCycle rejects a subscribe call whose dependents name
	// a key already on their own chain. The call is rolled back.
	ErrSubscriptionCycle error = errors.New("N001")

	// ErrMissingSlot reports a child event for a key without a slot.
	ErrMissingSlot error = errors.New("N002")

	// ErrConfigurationConflict reports incompatible descriptor options.
	ErrConfigurationConflict error = errors.New("N003")

	// ErrRemoteWatch reports a failure of a remote watch.
	ErrRemoteWatch error = errors.New("N004")

	// ErrInvalidDescriptor reports a descriptor without key, mode or
	// locator.
	ErrInvalidDescriptor error = errors.New("N005")

	// ErrCancelled rejects a completion whose call was cancelled first.
	ErrCancelled error = errors.New("N006")

	// ErrClosed is returned once the engine was closed.
	ErrClosed error = errors.New("N007")
)

func newError(code, key string) *errors.Error {
	return errors.New(code).WithKey(key)
}
