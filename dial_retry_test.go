package wsstream

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msBackoff(int) time.Duration {
	return time.Millisecond
}

func closedPortURL(t *testing.T) url.URL {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return url.URL{Scheme: "ws", Host: addr, Path: "/"}
}

func TestRetryDialer_RetriesConnectionFailures(t *testing.T) {
	l := listen(t)
	ch := serveOnce(l)

	bad := closedPortURL(t)
	good := url.URL{Scheme: "ws", Host: l.Addr().String(), Path: "/"}

	var calls atomic.Int32
	repo := NewOpenConnectionParamsRepo(NewNopLogger(), func(context.Context) (OpenConnectionParams, error) {
		if calls.Add(1) < 3 {
			return OpenConnectionParams{URL: bad}, nil
		}
		return OpenConnectionParams{URL: good}, nil
	})

	d := NewRetryDialer(repo, msBackoff, 0, nop())

	var mu sync.Mutex
	var retries []DialAttempt
	d.OnRetry(func(a DialAttempt) {
		mu.Lock()
		retries = append(retries, a)
		mu.Unlock()
	})

	s, err := d.DialStream(context.Background())
	require.NoError(t, err)
	defer s.Close()
	server := accepted(t, ch)

	_, err = s.Write([]byte("after retries\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(server).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "after retries\n", line)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, retries, 2)
	assert.Equal(t, 1, retries[0].Attempt)
	assert.Equal(t, 2, retries[1].Attempt)
	assert.Equal(t, time.Millisecond, retries[0].Wait)
	assert.Equal(t, KindConnectionFailed, KindOf(retries[0].Err))
}

func TestRetryDialer_HandshakeRejectionIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	u, err := url.Parse(wsURL(srv))
	require.NoError(t, err)

	var calls atomic.Int32
	repo := NewOpenConnectionParamsRepo(NewNopLogger(), func(context.Context) (OpenConnectionParams, error) {
		calls.Add(1)
		return OpenConnectionParams{URL: *u}, nil
	})

	_, err = NewRetryDialer(repo, msBackoff, 5, nop()).Dial(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRetryDialer_GivesUp(t *testing.T) {
	repo := NewOpenConnectionParamsRepo(NewNopLogger(), StaticOpenConnectionParams(closedPortURL(t), nil))

	attempts := 0
	d := NewRetryDialer(repo, msBackoff, 3, nop())
	d.OnRetry(func(DialAttempt) { attempts++ })

	_, err := d.Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
	assert.Equal(t, KindConnectionFailed, KindOf(err))
	assert.Equal(t, 2, attempts)
}

func TestRetryDialer_ContextCancelStopsWaiting(t *testing.T) {
	repo := NewOpenConnectionParamsRepo(NewNopLogger(), StaticOpenConnectionParams(closedPortURL(t), nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewRetryDialer(repo, func(int) time.Duration { return time.Hour }, 0, nop())
	d.OnRetry(func(DialAttempt) { cancel() })

	start := time.Now()
	_, err := d.Dial(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, KindConnectionFailed, KindOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRetryDialer_ParamsError(t *testing.T) {
	boom := errors.New("no endpoint")
	repo := NewOpenConnectionParamsRepo(NewNopLogger(), func(context.Context) (OpenConnectionParams, error) {
		return OpenConnectionParams{}, boom
	})

	_, err := NewRetryDialer(repo, msBackoff, 0, nop()).Dial(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestRetryDialer_ForwardsHeader(t *testing.T) {
	tokens := make(chan string, 1)
	ws := HTTPHandler(&gorilla.Upgrader{}, func(s *Stream) {}, nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.Header.Get("X-Token")
		ws.ServeHTTP(w, r)
	}))
	defer srv.Close()

	u, err := url.Parse(wsURL(srv))
	require.NoError(t, err)

	repo := NewOpenConnectionParamsRepo(NewNopLogger(),
		StaticOpenConnectionParams(*u, http.Header{"X-Token": {"secret"}}))

	p, err := NewRetryDialer(repo, nil, 1, nop()).Dial(context.Background())
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, "secret", <-tokens)
}

func TestExponentialBackoffSeconds(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, ExponentialBackoffSeconds(1))
	assert.Equal(t, 1500*time.Millisecond, ExponentialBackoffSeconds(2))
	assert.Equal(t, 3500*time.Millisecond, ExponentialBackoffSeconds(3))
}
