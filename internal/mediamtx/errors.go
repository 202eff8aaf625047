package mediamtx

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Normalized downstream error kinds. Callers branch on these instead of raw
// transport errors.
var (
	ErrUnreachable = errors.New("UNREACHABLE")
	ErrTimeout     = errors.New("TIMEOUT")
	ErrRejected    = errors.New("REJECTED")
	ErrNotFound    = errors.New("NOT_FOUND")
	ErrConflict    = errors.New("CONFLICT")
	ErrInternal    = errors.New("INTERNAL")
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// normalize maps a transport or status error onto the small error set.
func normalize(err error, status int) error {
	if err != nil {
		var netErr net.Error
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		case errors.As(err, &netErr) && netErr.Timeout():
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		default:
			return fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
	}
	switch {
	case status == 404:
		return ErrNotFound
	case status == 409:
		return ErrConflict
	case status >= 500:
		return fmt.Errorf("%w: status %d", ErrInternal, status)
	case status >= 400:
		return fmt.Errorf("%w: status %d", ErrRejected, status)
	}
	return nil
}

// retryable reports whether the normalized error is worth another attempt.
// Client-side rejections and conflicts are final.
func retryable(err error) bool {
	return errors.Is(err, ErrUnreachable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrInternal)
}
