package downloader

import (
	"errors"
	"fmt"
)

// ErrImageTooLarge is reported when a response body exceeds the configured cap.
var ErrImageTooLarge = errors.New("image exceeds size limit")

// DownloadError identifies the URL that could not be fetched. Status is set
// for non-2xx responses; Err carries transport and filesystem failures.
type DownloadError struct {
	URL    string
	Status int
	Err    error
}

// Error implements the error interface.
func (e *DownloadError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("Failed to download: %s (status %d)", e.URL, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("Failed to download: %s (%v)", e.URL, e.Err)
	}
	return fmt.Sprintf("Failed to download: %s", e.URL)
}

// Unwrap returns the underlying error.
func (e *DownloadError) Unwrap() error {
	return e.Err
}
