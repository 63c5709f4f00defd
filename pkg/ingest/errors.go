package ingest

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// TimeoutError reports that a stream was cancelled because no raw event
// arrived within the configured idle window.
type TimeoutError struct {
	After time.Duration
}

func (e TimeoutError) Error() string {
	return "SSE idle timeout after " + FormatIdleTimeout(e.After)
}

// AbortError reports that a stream was cancelled by the caller.
type AbortError struct {
	Cause error
}

func (e AbortError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stream aborted: %v", e.Cause)
	}
	return "stream aborted"
}

func (e AbortError) Unwrap() error { return e.Cause }

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var te TimeoutError
	return errors.As(err, &te)
}

// IsAbort reports whether err is (or wraps) an AbortError.
func IsAbort(err error) bool {
	var ae AbortError
	return errors.As(err, &ae)
}

// FormatIdleTimeout renders a duration in the minute phrasing used by
// user-visible timeout messages. Whole minutes render without a fraction;
// sub-minute values keep three significant digits. Localization happens at
// the presentation layer, not here.
func FormatIdleTimeout(d time.Duration) string {
	minutes := d.Minutes()
	if minutes == math.Trunc(minutes) {
		return strconv.FormatFloat(minutes, 'f', 0, 64) + " minutes"
	}
	return strconv.FormatFloat(minutes, 'g', 3, 64) + " minutes"
}
