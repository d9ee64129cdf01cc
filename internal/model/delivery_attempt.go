package model

import "time"

// AttemptStatus is the state of a single delivery attempt.
type AttemptStatus string

const (
	AttemptStatusPending AttemptStatus = "pending"
	AttemptStatusSuccess AttemptStatus = "success"
	AttemptStatusFailed  AttemptStatus = "failed"
)

// RetryStrategy records how an attempt was triggered.
type RetryStrategy string

const (
	RetryStrategyImmediate RetryStrategy = "immediate"
	RetryStrategyBackoff   RetryStrategy = "backoff"
	RetryStrategyManual    RetryStrategy = "manual"
)

// DeliveryAttempt is one execution of "try to push this message". Attempt
// numbers are per message, strictly increasing from 1 with no gaps. Only the
// highest-numbered attempt for a message is eligible for retry; older failed
// attempts are historical and a retry always creates a new attempt.
type DeliveryAttempt struct {
	ID            int64         `json:"id"`
	MessageID     int64         `json:"message_id"`
	Attempt       int           `json:"attempt"`
	Status        AttemptStatus `json:"status"`
	RetryStrategy RetryStrategy `json:"retry_strategy"`
	RequestedAt   time.Time     `json:"requested_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	NextRetryAt   *time.Time    `json:"next_retry_at,omitempty"`
}

// AttemptCompletion carries the completion fields patched onto an attempt.
// NextRetryAt is only set on failure.
type AttemptCompletion struct {
	Status       AttemptStatus
	CompletedAt  time.Time
	ErrorMessage string
	NextRetryAt  *time.Time
}
