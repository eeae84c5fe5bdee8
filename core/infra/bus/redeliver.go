package bus

import (
	"errors"
	"fmt"
	"time"
)

// RedeliverableError marks a handler error as redeliverable for buses that
// support explicit ack/nak semantics (e.g. NATS JetStream).
type RedeliverableError struct {
	Err   error
	Delay time.Duration
}

func (e *RedeliverableError) Error() string {
	if e == nil {
		return ""
	}
	if e.Delay > 0 {
		return fmt.Sprintf("redeliver after %s: %v", e.Delay, e.Err)
	}
	return fmt.Sprintf("redeliver: %v", e.Err)
}

func (e *RedeliverableError) RedeliverDelay() time.Duration {
	if e == nil {
		return 0
	}
	return e.Delay
}

func (e *RedeliverableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Redeliver wraps err so the bus naks instead of acking, after delay.
func Redeliver(err error, delay time.Duration) error {
	if err == nil {
		err = errors.New("redelivery requested")
	}
	if delay < 0 {
		delay = 0
	}
	return &RedeliverableError{Err: err, Delay: delay}
}

// RedeliverDelay extracts a redelivery delay from err when it is marked.
func RedeliverDelay(err error) (time.Duration, bool) {
	type delayProvider interface {
		RedeliverDelay() time.Duration
	}
	var dp delayProvider
	if errors.As(err, &dp) {
		delay := dp.RedeliverDelay()
		if delay < 0 {
			delay = 0
		}
		return delay, true
	}
	return 0, false
}
