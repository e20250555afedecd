package tinyids

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Store outcomes reported to the dispatcher.
var (
	ErrNotFound          = errors.New("fingerprint not found")
	ErrInvalidPassphrase = errors.New("invalid passphrase")
)

// Record is the stored state of one client identity.
type Record struct {
	Fingerprint      string
	PassphraseDigest string
}

// recordSeparator joins fingerprint and digest in the persisted value.
// Encoded passphrase digests never contain it, so the last one splits.
const recordSeparator = ":"

func (r Record) encode() string {
	return r.Fingerprint + recordSeparator + r.PassphraseDigest
}

func decodeRecord(v string) (Record, error) {
	i := strings.LastIndex(v, recordSeparator)
	if i <= 0 || i == len(v)-len(recordSeparator) {
		return Record{}, errors.New("malformed fingerprint record")
	}
	return Record{Fingerprint: v[:i], PassphraseDigest: v[i+len(recordSeparator):]}, nil
}

// Backend persists records by client identity. Implementations must be
// safe for concurrent use and durable once Save or Delete returns.
type Backend interface {
	// Load returns the record for id, or false if there is none.
	Load(id string) (Record, bool, error)
	// Save creates or replaces the record for id.
	Save(id string, r Record) error
	// Delete removes the record for id; deleting a missing id is not an error.
	Delete(id string) error
	// Close releases the backend.
	Close() error
}

// Store backend names accepted by OpenBackend.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// OpenBackend opens the configured backend inside cfg.Dir.
func OpenBackend(cfg StoreConfig) (Backend, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendFile:
		return OpenFileStore(cfg.Dir)
	case BackendSQLite:
		return OpenSQLiteStore(filepath.Join(cfg.Dir, sqliteFileName))
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// FingerprintStore applies the passphrase rules on top of a Backend.
// Read-verify-write sequences for one identity are serialized; different
// identities proceed in parallel.
type FingerprintStore struct {
	backend Backend
	hasher  *PassphraseHasher

	mu    sync.Mutex
	locks map[string]*identityLock
}

type identityLock struct {
	mu   sync.Mutex
	refs int
}

// NewFingerprintStore wraps backend. The store owns the backend and closes
// it in Close.
func NewFingerprintStore(backend Backend, hasher *PassphraseHasher) *FingerprintStore {
	if hasher == nil {
		hasher = NewPassphraseHasher(DefaultPassphraseParams)
	}
	return &FingerprintStore{
		backend: backend,
		hasher:  hasher,
		locks:   make(map[string]*identityLock),
	}
}

// lock acquires the mutex for id and returns its release. Entries are
// reference counted so the map only holds identities in use.
func (s *FingerprintStore) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &identityLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// Get returns the stored fingerprint for id.
func (s *FingerprintStore) Get(id string) (string, error) {
	rec, ok, err := s.backend.Load(id)
	if err != nil {
		return "", fmt.Errorf("load %s: %w", id, err)
	}
	if !ok {
		return "", ErrNotFound
	}
	return rec.Fingerprint, nil
}

// verify checks raw against rec. A malformed digest is a store error, not
// a wrong passphrase.
func (s *FingerprintStore) verify(id, raw string, rec Record) error {
	ok, err := s.hasher.Verify(id, raw, rec.PassphraseDigest)
	if err != nil {
		return fmt.Errorf("verify passphrase for %s: %w", id, err)
	}
	if !ok {
		return ErrInvalidPassphrase
	}
	return nil
}

// Put stores fingerprint for id. The first Put for an identity sets its
// passphrase; later ones must present it and only replace the fingerprint.
func (s *FingerprintStore) Put(id, fingerprint, raw string) error {
	unlock := s.lock(id)
	defer unlock()

	rec, ok, err := s.backend.Load(id)
	if err != nil {
		return fmt.Errorf("load %s: %w", id, err)
	}
	if !ok {
		digest, err := s.hasher.Digest(id, raw)
		if err != nil {
			return err
		}
		rec = Record{Fingerprint: fingerprint, PassphraseDigest: digest}
	} else {
		if err := s.verify(id, raw, rec); err != nil {
			return err
		}
		rec.Fingerprint = fingerprint
	}
	if err := s.backend.Save(id, rec); err != nil {
		return fmt.Errorf("save %s: %w", id, err)
	}
	return nil
}

// Remove deletes the record for id after checking raw.
func (s *FingerprintStore) Remove(id, raw string) error {
	unlock := s.lock(id)
	defer unlock()

	rec, ok, err := s.backend.Load(id)
	if err != nil {
		return fmt.Errorf("load %s: %w", id, err)
	}
	if !ok {
		return ErrNotFound
	}
	if err := s.verify(id, raw, rec); err != nil {
		return err
	}
	if err := s.backend.Delete(id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// ChangePassphrase replaces the passphrase of id after checking oldRaw. The
// fingerprint is kept.
func (s *FingerprintStore) ChangePassphrase(id, oldRaw, newRaw string) error {
	unlock := s.lock(id)
	defer unlock()

	rec, ok, err := s.backend.Load(id)
	if err != nil {
		return fmt.Errorf("load %s: %w", id, err)
	}
	if !ok {
		return ErrNotFound
	}
	if err := s.verify(id, oldRaw, rec); err != nil {
		return err
	}
	digest, err := s.hasher.Digest(id, newRaw)
	if err != nil {
		return err
	}
	rec.PassphraseDigest = digest
	if err := s.backend.Save(id, rec); err != nil {
		return fmt.Errorf("save %s: %w", id, err)
	}
	return nil
}

// Close closes the backend.
func (s *FingerprintStore) Close() error {
	return s.backend.Close()
}
