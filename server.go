package tinyids

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Server is the trust anchor: it owns the fingerprint store and, when keys
// are enabled, the key pair, and answers one request per connection.
type Server struct {
	cfg     ServerConfig
	logger  *slog.Logger
	store   *FingerprintStore
	keys    *KeyRing
	metrics *Metrics
	limiter *connLimiter
	handler *handler

	mu         sync.Mutex
	listener   net.Listener
	metricsSrv *http.Server
	sessions   map[*session]struct{}
	closed     bool

	serving atomic.Bool
	wg      sync.WaitGroup
}

// NewServer opens the store and, when keys are enabled, loads the key pair,
// generating it on first start. Nothing is left open on error.
func NewServer(cfg ServerConfig, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	backend, err := OpenBackend(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open fingerprint store: %w", err)
	}
	store := NewFingerprintStore(backend, NewPassphraseHasher(cfg.Passphrase))

	keys := NewKeyRing()
	if cfg.Keys.Enabled {
		if err := loadServerKeys(cfg.Keys, keys, logger); err != nil {
			_ = store.Close()
			return nil, err
		}
	} else {
		logger.Warn("encryption disabled, requests and responses are plaintext")
	}

	metrics := NewMetrics()
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		keys:     keys,
		metrics:  metrics,
		limiter:  newConnLimiter(cfg.RateLimit),
		sessions: make(map[*session]struct{}),
		handler: &handler{
			store:        store,
			keys:         keys,
			metrics:      metrics,
			logger:       logger,
			writeTimeout: cfg.WriteTimeout,
		},
	}
	return s, nil
}

func loadServerKeys(cfg KeyConfig, keys *KeyRing, logger *slog.Logger) error {
	pubPath, privPath, err := KeyPaths(cfg.Dir)
	if err != nil {
		return err
	}
	generated, err := EnsureKeyPair(pubPath, privPath, cfg.Bits)
	if err != nil {
		return fmt.Errorf("create key pair: %w", err)
	}
	if generated {
		logger.Info("generated server key pair", "public_key_path", pubPath, "bits", cfg.Bits)
	}
	if err := keys.LoadPrivateKeyFile(privPath); err != nil {
		return fmt.Errorf("load server key: %w", err)
	}
	return nil
}

// Listen binds the protocol listener and, if configured, the metrics
// listener. A bind failure closes the server.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return errors.Join(fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err), s.Close())
	}

	var metricsSrv *http.Server
	if s.cfg.MetricsAddress != "" {
		mln, err := net.Listen("tcp", s.cfg.MetricsAddress)
		if err != nil {
			_ = ln.Close()
			return errors.Join(fmt.Errorf("listen on %s: %w", s.cfg.MetricsAddress, err), s.Close())
		}
		metricsSrv = &http.Server{
			Handler:           s.metrics.Router(s.serving.Load),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.Serve(mln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	s.mu.Lock()
	s.listener = ln
	s.metricsSrv = metricsSrv
	s.mu.Unlock()

	s.logger.Info("listening", "address", ln.Addr().String(), "encrypted", s.keys.HasPrivateKey())
	return nil
}

// Addr returns the bound protocol address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed, then drains in-flight connections. It returns nil on an orderly
// stop and the accept error otherwise.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("serve: not listening")
	}

	s.serving.Store(true)
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.drain()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				s.logger.Warn("accept failed, retrying", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			s.drain()
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0

		client := clientIdentity(conn.RemoteAddr())
		if !s.limiter.Allow(client, time.Now()) {
			s.metrics.rateLimited.Inc()
			s.logger.Warn("connection rate limited", "client", client)
			_ = conn.Close()
			continue
		}

		sess := newSession(conn, client)
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.track(sess)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(sess)
			s.handler.serve(sess)
		}()
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

func (s *Server) track(sess *session) {
	s.metrics.connections.Inc()
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(sess *session) {
	s.metrics.connections.Dec()
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// drain waits for connections to finish. Idle ones are cut short at once;
// ones with a request in progress get up to ShutdownTimeout before their
// deadlines are forced.
func (s *Server) drain() {
	s.serving.Store(false)
	now := time.Now()
	s.mu.Lock()
	for sess := range s.sessions {
		if !sess.inProgress.Load() {
			_ = sess.conn.SetReadDeadline(now)
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	}

	s.mu.Lock()
	n := len(s.sessions)
	for sess := range s.sessions {
		_ = sess.conn.SetDeadline(time.Now())
	}
	s.mu.Unlock()
	s.logger.Warn("forced connections closed after shutdown timeout", "connections", n)
	<-done
}

// Close stops listening, closes the store and clears the keys. It is safe
// to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	metricsSrv := s.metricsSrv
	s.mu.Unlock()

	s.serving.Store(false)
	var errs []error
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close listener: %w", err))
		}
	}
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
		cancel()
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close fingerprint store: %w", err))
	}
	s.keys.Reset()
	return errors.Join(errs...)
}

// Run listens, serves until ctx is done and closes the server. A fatal
// serving error still closes everything before it is returned.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	err := s.Serve(ctx)
	closeErr := s.Close()
	if err != nil {
		s.logger.Error("server stopped on fatal error", "error", err)
		return errors.Join(err, closeErr)
	}
	s.logger.Info("server stopped")
	return closeErr
}
