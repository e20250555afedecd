package tinyids

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// Transport carries one request line to a target and returns the single
// response line. Different implementations can use TCP or an in-process
// server.
type Transport interface {
	Exchange(ctx context.Context, t Target, payload string) (string, error)
}

// errNoResponse is returned when the server closes without answering.
var errNoResponse = errors.New("server closed connection without response")

// TCPTransport implements Transport over TCP, one connection per request.
type TCPTransport struct {
	Timeout time.Duration // dial + exchange bound
	Dialer  *net.Dialer
}

// NewTCPTransport creates a TCP transport with the given per-request timeout.
func NewTCPTransport(timeout time.Duration) *TCPTransport {
	return &TCPTransport{
		Timeout: timeout,
		Dialer:  &net.Dialer{Timeout: timeout},
	}
}

// Exchange dials t, writes payload and reads the response.
func (tr *TCPTransport) Exchange(ctx context.Context, t Target, payload string) (string, error) {
	d := tr.Dialer
	if d == nil {
		d = &net.Dialer{Timeout: tr.Timeout}
	}
	conn, err := d.DialContext(ctx, "tcp", t.Address())
	if err != nil {
		return "", fmt.Errorf("connect to %s: %w", t.Address(), err)
	}
	defer conn.Close()
	return exchange(ctx, conn, payload, tr.Timeout)
}

// LocalTransport is a Transport that talks to in-process servers over
// net.Pipe, keyed by target name. Useful for testing; the server sees
// every request as coming from Identity.
type LocalTransport struct {
	Servers  map[string]*Server
	Identity string
	Timeout  time.Duration
}

// NewLocalTransport creates a transport for the given servers.
func NewLocalTransport(servers map[string]*Server, identity string) *LocalTransport {
	return &LocalTransport{
		Servers:  servers,
		Identity: identity,
		Timeout:  5 * time.Second,
	}
}

// Exchange hands payload to the server registered for t.Name.
func (tr *LocalTransport) Exchange(ctx context.Context, t Target, payload string) (string, error) {
	srv, ok := tr.Servers[t.Name]
	if !ok {
		return "", fmt.Errorf("connect to %s: no local server", t.Name)
	}
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	_ = serverConn.SetReadDeadline(time.Now().Add(srv.cfg.ReadTimeout))

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.handler.serve(newSession(serverConn, tr.Identity))
	}()
	resp, err := exchange(ctx, clientConn, payload, tr.Timeout)
	_ = clientConn.Close()
	<-done
	return resp, err
}

// exchange writes one line and reads one line under a shared deadline.
func exchange(ctx context.Context, conn net.Conn, payload string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if timeout > 0 {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := WriteLine(conn, payload); err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	resp, err := ReadLine(bufio.NewReader(conn), MaxResponseLength)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
			return "", errNoResponse
		}
		return "", fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

// Address returns host:port of t.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}
