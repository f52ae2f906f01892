package telegram

import (
	"net/http"
	"time"

	"github.com/createrken-code/nippo-shokuninn/core/netutil"
)

// Headroom on top of the long-poll timeout; getUpdates holds the response until it expires.
const (
	responseHeadroom = 5 * time.Second
	clientHeadroom   = 30 * time.Second
)

// BuildHTTPClient returns a retrying client whose timeouts outlast pollTimeout.
func BuildHTTPClient(pollTimeout time.Duration) *http.Client {
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	return netutil.NewHTTPClientTimeout(pollTimeout+responseHeadroom, pollTimeout+clientHeadroom)
}
