// Package common defines the error taxonomy shared by the catalog, download
// and session layers. Callers match sentinels with errors.Is and HTTPError
// with errors.As.
package common

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// Host normalization.
	ErrInvalidHost       = errors.New("invalid host")
	ErrUnsupportedScheme = errors.New("only HTTP or HTTPS hosts are allowed")

	// Catalog.
	ErrMalformedFeed = errors.New("the OPDS feed has no data")
	ErrMissingAPIKey = errors.New("no API key found in the session; enter your API key in settings to enable OPDS")

	// Downloads.
	ErrMissingLink        = errors.New("no valid download link found")
	ErrStorageUnavailable = errors.New("the file system is not available on this platform")
	ErrTransferFailed     = errors.New("download failed")

	// Session.
	ErrNoSession           = errors.New("no active session")
	ErrMissingCredentials  = errors.New("username and password are required")
	ErrInvalidAuthResponse = errors.New("the server response is not valid JSON; enter the base URL of your server (for example, http://192.168.1.18:5000)")
	ErrMissingAccessToken  = errors.New("the server response did not include an access token")
)

// HTTPError reports a response outside the 2xx range.
type HTTPError struct {
	Op     string
	Status int
}

func (e *HTTPError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("unexpected HTTP status %d", e.Status)
	}
	return fmt.Sprintf("%s (%d)", e.Op, e.Status)
}

// AsHTTPError extracts an HTTPError from err's chain.
func AsHTTPError(err error) (*HTTPError, bool) {
	var he *HTTPError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}

// IsSuccess reports whether status is in the 2xx range.
func IsSuccess(status int) bool {
	return status >= http.StatusOK && status < http.StatusMultipleChoices
}
