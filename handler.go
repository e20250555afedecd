package tinyids

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// session is the per-connection state. It is never shared between
// connections and never persisted.
type session struct {
	id     string
	conn   net.Conn
	client string
	req    Request

	// inProgress is set once a complete request has been read; shutdown
	// lets such sessions finish and cuts idle ones short.
	inProgress atomic.Bool
}

func newSession(conn net.Conn, client string) *session {
	return &session{
		id:     uuid.NewString(),
		conn:   conn,
		client: client,
	}
}

// clientIdentity is the remote IP without the port. Addresses that are not
// host:port pairs are used verbatim.
func clientIdentity(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.String()
}

// handler runs the request/response exchange of one connection:
// read, decrypt, parse, dispatch, sign, write, close.
type handler struct {
	store        *FingerprintStore
	keys         *KeyRing
	metrics      *Metrics
	logger       *slog.Logger
	writeTimeout time.Duration
}

// commandFunc executes one parsed request. A non-nil error is a store
// failure; the connection is then closed without a reply.
type commandFunc func(h *handler, s *session) (Status, error)

var commands = map[Command]commandFunc{
	CmdTest:         (*handler).test,
	CmdCheck:        (*handler).check,
	CmdUpdate:       (*handler).update,
	CmdDelete:       (*handler).remove,
	CmdChangePhrase: (*handler).changePhrase,
}

// serve handles one connection and closes it. The caller sets the read
// deadline before the session becomes visible to shutdown.
func (h *handler) serve(s *session) {
	log := h.logger.With("session", s.id, "client", s.client)
	defer func() {
		if r := recover(); r != nil {
			log.Error("connection handler panic", "panic", r, "stack", string(debug.Stack()))
		}
		_ = s.conn.Close()
	}()

	line, err := ReadLine(bufio.NewReader(s.conn), MaxMessageLength)
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			log.Debug("connection closed before request")
		case errors.Is(err, os.ErrDeadlineExceeded):
			log.Warn("timed out waiting for request")
		default:
			log.Warn("failed to read request", "error", err)
		}
		return
	}
	s.inProgress.Store(true)

	if h.keys.HasPrivateKey() {
		plain, err := h.keys.Decrypt(line)
		if err != nil {
			h.metrics.decryptFailures.Inc()
			log.Warn("rejecting request that could not be decrypted", "error", err)
			// The client cannot verify a signature from a server it does
			// not share keys with.
			if err := h.write(s, StatusInvalidClient.String()); err != nil {
				log.Debug("failed to write response", "error", err)
			}
			return
		}
		line = string(plain)
	}

	status, err := h.dispatch(s, line)
	if err != nil {
		log.Error("request failed", "command", string(s.req.Command), "error", err)
		return
	}
	h.metrics.observeRequest(s.req.Command, status)

	if err := h.respond(s, status); err != nil {
		log.Error("failed to send response", "command", string(s.req.Command), "status", status.String(), "error", err)
		return
	}

	if status.OK() {
		log.Info("request served", "command", string(s.req.Command), "status", status.String())
	} else {
		log.Warn("request refused", "command", string(s.req.Command), "status", status.String())
	}
}

// dispatch parses line and runs its command.
func (h *handler) dispatch(s *session, line string) (Status, error) {
	req, err := ParseCommand(line)
	if err != nil {
		return StatusInvalidCommand, nil
	}
	s.req = req
	fn, ok := commands[req.Command]
	if !ok {
		return StatusInvalidCommand, nil
	}
	return fn(h, s)
}

// respond signs status when a private key is loaded and writes it.
func (h *handler) respond(s *session, status Status) error {
	payload := status.String()
	if h.keys.HasPrivateKey() {
		signed, err := h.keys.Sign([]byte(payload))
		if err != nil {
			return err
		}
		payload = signed
	}
	return h.write(s, payload)
}

func (h *handler) write(s *session, payload string) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	if err := WriteLine(s.conn, payload); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

func (h *handler) test(s *session) (Status, error) {
	rev, err := strconv.Atoi(s.req.Args[0])
	if err != nil || !IsCompatibleRevision(rev) {
		return StatusInvalidClient, nil
	}
	return StatusOK, nil
}

func (h *handler) check(s *session) (Status, error) {
	if !IsFingerprint(s.req.Args[0]) {
		return StatusInvalidCommand, nil
	}
	stored, err := h.store.Get(s.client)
	if errors.Is(err, ErrNotFound) {
		return StatusNotFound, nil
	}
	if err != nil {
		return 0, err
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(s.req.Args[0])) != 1 {
		return StatusMismatch, nil
	}
	return StatusOK, nil
}

func (h *handler) update(s *session) (Status, error) {
	if !IsFingerprint(s.req.Args[0]) {
		return StatusInvalidCommand, nil
	}
	return storeStatus(h.store.Put(s.client, s.req.Args[0], s.req.Args[1]))
}

func (h *handler) remove(s *session) (Status, error) {
	return storeStatus(h.store.Remove(s.client, s.req.Args[0]))
}

func (h *handler) changePhrase(s *session) (Status, error) {
	return storeStatus(h.store.ChangePassphrase(s.client, s.req.Args[0], s.req.Args[1]))
}

// storeStatus maps a store mutation result onto a response code.
func storeStatus(err error) (Status, error) {
	switch {
	case err == nil:
		return StatusOK, nil
	case errors.Is(err, ErrNotFound):
		return StatusNotFound, nil
	case errors.Is(err, ErrInvalidPassphrase):
		return StatusInvalidPassphrase, nil
	default:
		return 0, err
	}
}
