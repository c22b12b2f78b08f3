package davclient

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNoBaseURL        = errors.New("webdav: base url missing")
	ErrNotFound         = errors.New("webdav: resource not found")
	ErrCollectionExists = errors.New("webdav: collection already exists")
)

// StatusError is returned for every response whose status is not what the
// operation expects.
type StatusError struct {
	Method string
	Path   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webdav %s %s: %d %s", e.Method, e.Path, e.Code, http.StatusText(e.Code))
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	case ErrCollectionExists:
		// 405 is the standard answer, some servers redirect an existing collection
		return e.Method == MethodMkcol && (e.Code == http.StatusMethodNotAllowed || e.Code == http.StatusMovedPermanently)
	}
	return false
}

// IsRetryable reports whether retrying the same request might succeed.
func IsRetryable(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == http.StatusTooManyRequests || se.Code >= 500
}
