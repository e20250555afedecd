package tinyids

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
)

// Target is one configured trust-anchor server.
type Target struct {
	Name          string `yaml:"name"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	PublicKeyPath string `yaml:"public_key"`
}

// ResolveKeyPaths makes relative public key paths relative to dir.
func ResolveKeyPaths(targets []Target, dir string) []Target {
	out := make([]Target, len(targets))
	for i, t := range targets {
		if t.PublicKeyPath != "" && !filepath.IsAbs(t.PublicKeyPath) && dir != "" {
			t.PublicKeyPath = filepath.Join(dir, t.PublicKeyPath)
		}
		out[i] = t
	}
	return out
}

// Prompter obtains secrets from the operator. Obtain never returns an
// empty string without an error.
type Prompter interface {
	Obtain(label string) (string, error)
}

// maxConfirmAttempts bounds how often a new passphrase is re-entered when
// the confirmation does not match.
const maxConfirmAttempts = 3

var errPassphraseMismatch = errors.New("passphrases do not match")

// Result is the outcome of one command against one target.
type Result struct {
	Target Target
	Status Status
	Err    error
}

// OK reports whether the target answered 20.
func (r Result) OK() bool { return r.Err == nil && r.Status.OK() }

// Client drives one command against every configured target in turn.
type Client struct {
	targets   []Target
	transport Transport
	prompter  Prompter
	logger    *slog.Logger
}

// NewClient creates a client.
func NewClient(targets []Target, transport Transport, prompter Prompter, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		targets:   targets,
		transport: transport,
		prompter:  prompter,
		logger:    logger,
	}
}

// Run sends cmd to every target. fingerprint is used by CHECK and UPDATE.
// A failing target is recorded in its Result and never stops the rest.
func (c *Client) Run(ctx context.Context, cmd Command, fingerprint string) []Result {
	results := make([]Result, 0, len(c.targets))
	for _, t := range c.targets {
		if err := ctx.Err(); err != nil {
			results = append(results, Result{Target: t, Err: err})
			continue
		}
		log := c.logger.With("server", t.Name, "command", string(cmd))
		status, err := c.runOne(ctx, t, cmd, fingerprint)
		res := Result{Target: t, Status: status, Err: err}
		switch {
		case err != nil:
			log.Error("command failed", "error", err)
			log.Warn("skipping server")
		case status.OK():
			log.Info("command complete", "status", status.String())
		default:
			log.Warn("command refused", "status", status.String())
		}
		results = append(results, res)
	}
	return results
}

func (c *Client) runOne(ctx context.Context, t Target, cmd Command, fingerprint string) (Status, error) {
	args, err := c.arguments(t, cmd, fingerprint)
	if err != nil {
		return 0, err
	}
	req, err := NewRequest(cmd, args...)
	if err != nil {
		return 0, err
	}
	return c.exchange(ctx, t, req)
}

// arguments builds the argument list of cmd, prompting for passphrases.
func (c *Client) arguments(t Target, cmd Command, fingerprint string) ([]string, error) {
	switch cmd {
	case CmdTest:
		return []string{strconv.Itoa(ProtocolRevision)}, nil
	case CmdCheck:
		return []string{fingerprint}, nil
	case CmdUpdate:
		pw, err := c.obtain(t, "Passphrase")
		if err != nil {
			return nil, err
		}
		return []string{fingerprint, pw}, nil
	case CmdDelete:
		pw, err := c.obtain(t, "Passphrase")
		if err != nil {
			return nil, err
		}
		return []string{pw}, nil
	case CmdChangePhrase:
		oldPw, err := c.obtain(t, "Old passphrase")
		if err != nil {
			return nil, err
		}
		newPw, err := c.obtainConfirmed(t)
		if err != nil {
			return nil, err
		}
		return []string{oldPw, newPw}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidCommand, string(cmd))
	}
}

func (c *Client) obtain(t Target, label string) (string, error) {
	if c.prompter == nil {
		return "", errors.New("no passphrase prompter configured")
	}
	pw, err := c.prompter.Obtain(fmt.Sprintf("%s for %s", label, t.Name))
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if pw == "" {
		return "", errors.New("read passphrase: empty passphrase")
	}
	return pw, nil
}

func (c *Client) obtainConfirmed(t Target) (string, error) {
	for i := 0; i < maxConfirmAttempts; i++ {
		pw, err := c.obtain(t, "New passphrase")
		if err != nil {
			return "", err
		}
		confirm, err := c.obtain(t, "Confirm new passphrase")
		if err != nil {
			return "", err
		}
		if pw == confirm {
			return pw, nil
		}
		c.logger.Error("passphrases do not match, try again", "server", t.Name)
	}
	return "", errPassphraseMismatch
}

// exchange encrypts, sends, verifies and parses one request. The key ring
// lives only for this exchange.
func (c *Client) exchange(ctx context.Context, t Target, req Request) (Status, error) {
	ring := NewKeyRing()
	defer ring.Reset()

	payload := req.Encode()
	if t.PublicKeyPath != "" {
		if err := ring.LoadPublicKeyFile(t.PublicKeyPath); err != nil {
			return 0, err
		}
		enc, err := ring.Encrypt([]byte(payload))
		if err != nil {
			return 0, err
		}
		payload = enc
	}

	resp, err := c.transport.Exchange(ctx, t, payload)
	if err != nil {
		return 0, err
	}

	if ring.HasPublicKey() {
		data, err := ring.Verify(resp)
		if err != nil {
			if resp == StatusInvalidClient.String() {
				return 0, fmt.Errorf("%w: server could not decrypt the request (unsigned %q)", ErrVerification, resp)
			}
			return 0, err
		}
		resp = string(data)
	}
	return ParseStatus(resp)
}

// Fingerprint runs collectors in order through a fresh digest.
func Fingerprint(ctx context.Context, algorithm string, collectors []Collector, logger *slog.Logger) (string, error) {
	d, err := NewDigest(algorithm)
	if err != nil {
		return "", err
	}
	for _, col := range collectors {
		if logger != nil {
			logger.Info("processing collector", "collector", col.Name())
		}
		if err := d.Consume(ctx, col); err != nil {
			return "", fmt.Errorf("collector %s: %w", col.Name(), err)
		}
	}
	return d.Finalize(), nil
}
