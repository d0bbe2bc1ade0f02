package fetch

import "fmt"

// TransientError reports a retryable failure that survived the attempt
// budget: 429, a 5xx, or a network error. Status is 0 when no response
// arrived at all.
type TransientError struct {
	URL    string
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: transient failure (status %d): %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: transient failure (status %d)", e.URL, e.Status)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError reports a non-2xx status that retrying cannot fix, e.g.
// 404 or 403.
type PermanentError struct {
	URL    string
	Status int
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("fetch %s: http status %d", e.URL, e.Status)
}
