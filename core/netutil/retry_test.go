package netutil

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestShouldRetry(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"dial", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"read", &net.OpError{Op: "read", Err: errors.New("reset")}, false},
		{"url timeout", &url.Error{Op: "Post", URL: "https://api.line.me", Err: timeoutErr{}}, true},
		{"url wrapping dial", &url.Error{Op: "Get", URL: "https://x", Err: &net.OpError{Op: "dial", Err: errors.New("x")}}, true},
		{"status 503", &StatusError{Op: "push", Status: 503}, true},
		{"status 429", &StatusError{Op: "push", Status: 429}, true},
		{"status 400", &StatusError{Op: "push", Status: 400}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ShouldRetry(tc.err))
		})
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	n, err := Do(context.Background(), 3, 0, func(context.Context) error {
		calls++
		return errors.New("permanent")
	})
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientError(t *testing.T) {
	calls := 0
	n, err := Do(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return &StatusError{Op: "push", Status: 502}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, 3, time.Hour, func(context.Context) error {
		return &StatusError{Op: "push", Status: 500}
	})
	assert.ErrorIs(t, err, context.Canceled)
}

type flakyTransport struct {
	failures int32
	calls    atomic.Int32
	bodies   []string
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	n := f.calls.Add(1)
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		f.bodies = append(f.bodies, string(b))
	}
	if n <= f.failures {
		return nil, &net.OpError{Op: "dial", Err: errors.New("refused")}
	}
	return httptest.NewRecorder().Result(), nil
}

func TestRetryTransportReplaysBody(t *testing.T) {
	base := &flakyTransport{failures: 2}
	rt := &RetryTransport{Base: base, Retries: 2}
	req, err := http.NewRequest(http.MethodPost, "https://example.invalid/push", strings.NewReader("payload"))
	require.NoError(t, err)

	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, int32(3), base.calls.Load())
	assert.Equal(t, []string{"payload", "payload", "payload"}, base.bodies)
}

func TestRetryTransportGivesUp(t *testing.T) {
	base := &flakyTransport{failures: 10}
	rt := &RetryTransport{Base: base, Retries: 1}
	req, err := http.NewRequest(http.MethodGet, "https://example.invalid/content", nil)
	require.NoError(t, err)

	_, err = rt.RoundTrip(req)
	require.Error(t, err)
	assert.Equal(t, int32(2), base.calls.Load())
}
