package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"
)

var (
	// ErrQuotaExceeded means the daily API quota is gone; every later call in
	// the run would fail the same way.
	ErrQuotaExceeded = errors.New("youtube: quota exceeded")
	// ErrNotFound means the requested channel, playlist or video does not exist.
	ErrNotFound = errors.New("youtube: not found")
)

// Kind classifies an API failure for the caller's retry-vs-abort decision.
type Kind int

const (
	// KindTransient failures are retried by the next scheduled run.
	KindTransient Kind = iota
	// KindQuota failures abort the whole sweep and start the quota cooldown.
	KindQuota
	// KindNotFound failures concern one entity only.
	KindNotFound
	// KindInvalid failures are request errors that retrying cannot fix.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindQuota:
		return "quota"
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	default:
		return "transient"
	}
}

// APIError wraps a failed API call.
type APIError struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("youtube %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the package sentinels by kind.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrQuotaExceeded:
		return e.Kind == KindQuota
	case ErrNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

var quotaReasons = map[string]bool{
	"quotaExceeded":      true,
	"dailyLimitExceeded": true,
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &APIError{Op: op, Kind: classify(err), Err: err}
}

func classify(err error) Kind {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return KindTransient
	}
	for _, item := range gerr.Errors {
		if quotaReasons[item.Reason] {
			return KindQuota
		}
	}
	switch gerr.Code {
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusBadRequest:
		return KindInvalid
	default:
		return KindTransient
	}
}

// IsQuota reports whether err carries a quota signal.
func IsQuota(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}
