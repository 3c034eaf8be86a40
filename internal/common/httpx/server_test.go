package httpx

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delivery-tracker/internal/common/logger"
)

func TestServeEndsHijackedConnections(t *testing.T) {
	hijacked := make(chan struct{})
	released := make(chan struct{})
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		close(hijacked)
		<-r.Context().Done()
		close(released)
	})
	srv := New("", WithRequestLog(logger.NewWithWriter("test", io.Discard), h), time.Second,
		logger.NewWithWriter("test", io.Discard))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("GET /ws HTTP/1.1\r\nHost: test\r\n\r\n"))
	require.NoError(t, err)

	select {
	case <-hijacked:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never hijacked the connection")
	}

	cancel()
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("hijacked handler outlived shutdown")
	}
	assert.NoError(t, <-served)
}

func TestServeAnswersUntilShutdown(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	srv := New("", h, time.Second, logger.NewWithWriter("test", io.Discard))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	line, _ := bufio.NewReader(resp.Body).ReadString('\n')
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, line)

	cancel()
	assert.NoError(t, <-served)
}
