package clicktracker

import "errors"

var (
	// ErrCampaignNotFound is returned by stores and resolvers when a
	// campaign does not exist. Normal traffic condition on the click path.
	ErrCampaignNotFound = errors.New("campaign not found")

	// ErrCounterNotFound is returned when a counter shard row is missing.
	// Non-retryable: the row is only absent if the campaign or platform was
	// never created or has been deleted.
	ErrCounterNotFound = errors.New("counter not found")

	// ErrTaskExists is returned by queue submissions when a task with the
	// same name is already pending or recently completed. Callers treat it
	// as success; it is the coalescing mechanism.
	ErrTaskExists = errors.New("task already exists")

	// ErrQueueClosed is returned when submitting to a stopped queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// IsPermanentFlushError reports whether a flush failure cannot be fixed by
// retrying with the same delta.
func IsPermanentFlushError(err error) bool {
	return errors.Is(err, ErrCounterNotFound) || errors.Is(err, ErrCampaignNotFound)
}
