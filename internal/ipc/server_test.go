package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overmind-sh/overmind/internal/common/logger"
	"github.com/overmind-sh/overmind/pkg/ipc"
)

func startTestServer(t *testing.T, router *Router) string {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "overmind.sock")
	srv := NewServer(router, 5*time.Second, logger.Default())
	require.NoError(t, srv.Listen(socket))
	go func() { _ = srv.Serve(context.Background()) }()
	t.Cleanup(func() { _ = srv.Close() })
	return socket
}

func echoRouter(t *testing.T) *Router {
	t.Helper()
	r := NewRouter(logger.Default())
	r.Register("echo", func(ctx context.Context, req *ipc.Request) *ipc.Response {
		return ipc.Okf("echo: " + req.Message)
	})
	r.Register("boom", func(ctx context.Context, req *ipc.Request) *ipc.Response {
		panic("handler bug")
	})
	return r
}

func TestServerRoundTrip(t *testing.T) {
	socket := startTestServer(t, echoRouter(t))
	client := ipc.NewClient(socket)

	resp, err := client.Call(context.Background(), &ipc.Request{Type: "echo", Message: "hi"})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, "echo: hi", resp.Summary)
}

func TestServerUnknownVerbReply(t *testing.T) {
	socket := startTestServer(t, echoRouter(t))
	client := ipc.NewClient(socket)

	resp, err := client.Call(context.Background(), &ipc.Request{Type: "frobnicate"})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, "unknown type: frobnicate", resp.Error)
}

func TestServerPanicBecomesErrorReply(t *testing.T) {
	socket := startTestServer(t, echoRouter(t))
	client := ipc.NewClient(socket)

	resp, err := client.Call(context.Background(), &ipc.Request{Type: "boom"})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "internal error handling boom")

	// the server survives
	resp, err = client.Call(context.Background(), &ipc.Request{Type: "echo", Message: "still here"})
	require.NoError(t, err)
	assert.True(t, resp.OK)
}

// Every reply on the wire is a single JSON object with a boolean ok
// field, newline terminated.
func TestServerReplyEnvelopeShape(t *testing.T) {
	socket := startTestServer(t, echoRouter(t))

	for _, reqLine := range []string{
		`{"type":"echo","message":"x"}`,
		`{"type":"nope"}`,
		`{"type":"boom"}`,
	} {
		conn, err := net.Dial("unix", socket)
		require.NoError(t, err)
		_, err = fmt.Fprintln(conn, reqLine)
		require.NoError(t, err)
		require.NoError(t, conn.(*net.UnixConn).CloseWrite())

		line, err := bufio.NewReader(conn).ReadString('\n')
		require.NoError(t, err, "request %s", reqLine)
		var envelope map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &envelope))
		_, isBool := envelope["ok"].(bool)
		assert.True(t, isBool, "reply to %s lacks boolean ok: %s", reqLine, line)
		conn.Close()
	}
}

// Malformed JSON drops the connection without a reply.
func TestServerDropsMalformedJSON(t *testing.T) {
	socket := startTestServer(t, echoRouter(t))

	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close()
	_, err = fmt.Fprintln(conn, `{"type": "echo",`)
	require.NoError(t, err)
	require.NoError(t, conn.(*net.UnixConn).CloseWrite())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	assert.Error(t, err)
	assert.Empty(t, line)

	// the next connection is served normally
	resp, err := ipc.NewClient(socket).Call(context.Background(), &ipc.Request{Type: "echo", Message: "ok?"})
	require.NoError(t, err)
	assert.True(t, resp.OK)
}

func TestServerConcurrentConnections(t *testing.T) {
	socket := startTestServer(t, echoRouter(t))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client := ipc.NewClient(socket)
			resp, err := client.Call(context.Background(), &ipc.Request{
				Type: "echo", Message: fmt.Sprintf("c%d", i),
			})
			if err != nil {
				errs <- err
				return
			}
			if resp.Summary != fmt.Sprintf("echo: c%d", i) {
				errs <- fmt.Errorf("wrong reply: %s", resp.Summary)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestParseResponseLegacyOK(t *testing.T) {
	resp, err := ipc.ParseResponse("ok\n")
	require.NoError(t, err)
	assert.True(t, resp.OK)

	resp, err = ipc.ParseResponse(`{"ok":false,"error":"nope"}` + "\n")
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, "nope", resp.Error)

	_, err = ipc.ParseResponse("garbage{")
	assert.Error(t, err)
}

func TestServerCloseIsIdempotent(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "s.sock")
	srv := NewServer(echoRouter(t), time.Second, logger.Default())
	require.NoError(t, srv.Listen(socket))
	done := make(chan struct{})
	go func() { _ = srv.Serve(context.Background()); close(done) }()

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serve loop did not exit after close")
	}
}
