package fleet

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnavailable wraps transport failures: DNS, refused connections, timeouts
	ErrUnavailable = errors.New("fleet backend unavailable")

	// ErrIdentityInvalid means the backend no longer recognizes the device id
	ErrIdentityInvalid = errors.New("device identity invalid")

	// ErrNoIdentity is returned by authenticated calls before SetIdentity
	ErrNoIdentity = errors.New("fleet client has no device identity")
)

// APIError is a non-2xx answer from the backend
type APIError struct {
	Operation string
	Status    int
	Message   string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %d %s", e.Operation, e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%s: %d %s", e.Operation, e.Status, e.Message)
}

// IsNetwork reports whether err means the backend could not be reached or
// answered with a server-side failure, so the device should consider itself
// offline and retry later
func IsNetwork(err error) bool {
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError
	}
	return false
}
