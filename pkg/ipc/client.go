package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// SocketEnv is the environment variable advertising the socket path.
const SocketEnv = "OVERMIND_SOCKET"

// Client speaks the line-JSON protocol: dial, write one request line,
// read one response line, disconnect.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a client for the given socket path. An empty path
// falls back to the environment.
func NewClient(socketPath string) *Client {
	if socketPath == "" {
		socketPath = os.Getenv(SocketEnv)
	}
	return &Client{socketPath: socketPath, timeout: 30 * time.Second}
}

// WithTimeout sets the per-call deadline.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// Call sends one request and reads one response. The ts field is
// stamped automatically. The write side is closed after sending so the
// server sees EOF while the connection stays readable.
func (c *Client) Call(ctx context.Context, req *Request) (*Response, error) {
	if c.socketPath == "" {
		return nil, fmt.Errorf("ipc socket path not set (is %s exported?)", SocketEnv)
	}
	if req.TS == 0 {
		req.TS = time.Now().UnixMilli()
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return ParseResponse(line)
}

// ParseResponse decodes one response line. The literal "ok" is the
// legacy acceptance form.
func ParseResponse(line string) (*Response, error) {
	line = strings.TrimSpace(line)
	if line == "ok" {
		return &Response{OK: true}, nil
	}
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return nil, fmt.Errorf("malformed response %q: %w", line, err)
	}
	return &resp, nil
}
