package client

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RetryableFunc is a function that can be retried
type RetryableFunc func() error

// Errors that can occur during client operations
var (
	// ErrNotConnected indicates the client is not connected to the server
	ErrNotConnected = errors.New("not connected to server")

	// ErrInvalidOptions indicates invalid client options
	ErrInvalidOptions = errors.New("invalid client options")

	// ErrTimeout indicates a request timed out
	ErrTimeout = errors.New("request timed out")

	// ErrChecksumMismatch indicates data was damaged in transit
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrShortRead indicates the server returned fewer bytes than requested
	ErrShortRead = errors.New("short read")

	// ErrInvalidResponse indicates a response could not be decoded
	ErrInvalidResponse = errors.New("invalid response")
)

// IsRetryableError returns true if the error is considered retryable
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// These errors are considered transient and can be retried
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrChecksumMismatch) {
		return true
	}

	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
		return true
	}

	// Other errors are considered permanent
	return false
}

// RetryWithBackoff executes a function with exponential backoff and jitter
func RetryWithBackoff(
	ctx context.Context,
	fn RetryableFunc,
	maxRetries int,
	initialBackoff time.Duration,
	maxBackoff time.Duration,
	backoffFactor float64,
	jitter float64,
) error {
	var err error
	backoff := initialBackoff

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !IsRetryableError(err) {
			return err
		}

		if attempt >= maxRetries {
			return err
		}

		jitterRange := float64(backoff) * jitter
		jitterAmount := int64(rand.Float64() * jitterRange)
		sleepTime := backoff + time.Duration(jitterAmount)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepTime):
		}

		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	return err
}

// CalculateExponentialBackoff calculates the backoff time for a given attempt
func CalculateExponentialBackoff(
	attempt int,
	initialBackoff time.Duration,
	maxBackoff time.Duration,
	backoffFactor float64,
	jitter float64,
) time.Duration {
	backoff := time.Duration(float64(initialBackoff) * math.Pow(backoffFactor, float64(attempt)))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	if jitter > 0 {
		jitterRange := float64(backoff) * jitter
		jitterAmount := int64(rand.Float64() * jitterRange)
		backoff = backoff + time.Duration(jitterAmount)
	}

	return backoff
}
