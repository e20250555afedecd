package tinyids

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// PassphraseParams are the argon2id cost parameters for new digests.
// Existing digests carry their own parameters and verify regardless.
type PassphraseParams struct {
	Time    uint32 `yaml:"time"`
	Memory  uint32 `yaml:"memory"` // KiB
	Threads uint8  `yaml:"threads"`
	KeyLen  uint32 `yaml:"key_len"`
	SaltLen int    `yaml:"salt_len"`

	// Parallel caps concurrent derivations. Peak hashing memory is
	// Parallel * Memory KiB however many clients connect.
	Parallel int `yaml:"parallel"`
}

// DefaultPassphraseParams matches the cost used for the key envelope in
// other tools of this family: t=2, m=64MiB, p=1.
var DefaultPassphraseParams = PassphraseParams{
	Time:     2,
	Memory:   64 * 1024,
	Threads:  1,
	KeyLen:   32,
	SaltLen:  16,
	Parallel: 4,
}

const passphraseScheme = "argon2id"

var errMalformedDigest = errors.New("malformed passphrase digest")

// PassphraseHasher derives and checks the one-way passphrase digests kept
// in fingerprint records. The digest binds the passphrase to the client
// identity, so a record copied to another identity does not verify.
type PassphraseHasher struct {
	params PassphraseParams
	slots  chan struct{}
	derive func(password, salt []byte, time, memory uint32, threads uint8, keyLen uint32) []byte
}

// NewPassphraseHasher returns a hasher; zero fields take defaults.
func NewPassphraseHasher(p PassphraseParams) *PassphraseHasher {
	d := DefaultPassphraseParams
	if p.Time == 0 {
		p.Time = d.Time
	}
	if p.Memory == 0 {
		p.Memory = d.Memory
	}
	if p.Threads == 0 {
		p.Threads = d.Threads
	}
	if p.KeyLen == 0 {
		p.KeyLen = d.KeyLen
	}
	if p.SaltLen == 0 {
		p.SaltLen = d.SaltLen
	}
	if p.Parallel <= 0 {
		p.Parallel = d.Parallel
	}
	return &PassphraseHasher{
		params: p,
		slots:  make(chan struct{}, p.Parallel),
		derive: argon2.IDKey,
	}
}

// key runs one derivation once a slot is free.
func (h *PassphraseHasher) key(password, salt []byte, time, memory uint32, threads uint8, keyLen uint32) []byte {
	h.slots <- struct{}{}
	defer func() { <-h.slots }()
	return h.derive(password, salt, time, memory, threads, keyLen)
}

func passphraseInput(identity, passphrase string) []byte {
	return []byte(identity + "\x00" + passphrase)
}

// Digest derives a fresh salted digest for passphrase under identity.
func (h *PassphraseHasher) Digest(identity, passphrase string) (string, error) {
	salt := make([]byte, h.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	p := h.params
	sum := h.key(passphraseInput(identity, passphrase), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
	return fmt.Sprintf("%s$v=%d$t=%d$m=%d$p=%d$%s$%s",
		passphraseScheme, argon2.Version, p.Time, p.Memory, p.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum)), nil
}

// Verify reports whether passphrase under identity produced encoded.
func (h *PassphraseHasher) Verify(identity, passphrase, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 7 || parts[0] != passphraseScheme {
		return false, errMalformedDigest
	}
	version, err := digestParam(parts[1], "v")
	if err != nil {
		return false, err
	}
	if version != argon2.Version {
		return false, fmt.Errorf("%w: unsupported argon2 version %d", errMalformedDigest, version)
	}
	t, err := digestParam(parts[2], "t")
	if err != nil {
		return false, err
	}
	m, err := digestParam(parts[3], "m")
	if err != nil {
		return false, err
	}
	threads, err := digestParam(parts[4], "p")
	if err != nil {
		return false, err
	}
	if t == 0 || m == 0 || threads == 0 || threads > 255 {
		return false, errMalformedDigest
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("%w: salt: %v", errMalformedDigest, err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[6])
	if err != nil || len(want) == 0 {
		return false, fmt.Errorf("%w: hash", errMalformedDigest)
	}
	got := h.key(passphraseInput(identity, passphrase), salt,
		uint32(t), uint32(m), uint8(threads), uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func digestParam(field, name string) (uint64, error) {
	v, ok := strings.CutPrefix(field, name+"=")
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", errMalformedDigest, name)
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", errMalformedDigest, name, err)
	}
	return n, nil
}
