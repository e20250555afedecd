package tinyids

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// fileStore implements Backend as an append-only journal replayed into
// memory on open.
//
// Entry format in fingerprints.db:
//
//	[1]byte: op (1 = put, 2 = delete)
//	[2]byte: identity length (uint16)
//	[4]byte: value length (uint32, 0 for delete)
//	[n]byte: identity
//	[m]byte: value (fingerprint ":" digest)
//
// A torn entry at the end of the journal (crash mid-append) is truncated
// away on open. The journal is rewritten with only live records when stale
// entries outnumber them.
type fileStore struct {
	dir     string
	file    *os.File
	records map[string]Record
	entries int
	mu      sync.RWMutex
}

const (
	journalFileName    = "fingerprints.db"
	journalHeaderSize  = 1 + 2 + 4 // op + idLen + valueLen
	journalOpPut       = byte(1)
	journalOpDelete    = byte(2)
	maxJournalIDLen    = 1<<16 - 1
	maxJournalValueLen = 1 << 20
)

var errCorruptJournal = errors.New("corrupt journal entry")

// OpenFileStore creates or opens the journal in dir.
func OpenFileStore(dir string) (Backend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	path := filepath.Join(dir, journalFileName)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	s := &fileStore{
		dir:     dir,
		file:    file,
		records: make(map[string]Record),
	}
	if err := s.replay(); err != nil {
		_ = file.Close()
		return nil, err
	}
	if s.entries-len(s.records) > len(s.records) {
		if err := s.compact(); err != nil {
			_ = s.file.Close()
			return nil, err
		}
	}
	return s, nil
}

// replay rebuilds the in-memory index from the journal.
func (s *fileStore) replay() error {
	if err := unix.Flock(int(s.file.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock journal: %w", err)
	}
	defer func() { _ = unix.Flock(int(s.file.Fd()), unix.LOCK_UN) }()

	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek journal: %w", err)
	}
	reader := bufio.NewReader(s.file)
	var good int64

	for {
		op, id, value, n, err := readJournalEntry(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				if err := s.file.Truncate(good); err != nil {
					return fmt.Errorf("truncate torn journal entry: %w", err)
				}
				return nil
			}
			return fmt.Errorf("replay journal at offset %d: %w", good, err)
		}
		good += n
		s.entries++

		switch op {
		case journalOpPut:
			rec, err := decodeRecord(value)
			if err != nil {
				return fmt.Errorf("replay journal at offset %d: %w", good-n, err)
			}
			s.records[id] = rec
		case journalOpDelete:
			delete(s.records, id)
		}
	}
}

// readJournalEntry reads one entry and returns its size on disk.
func readJournalEntry(r *bufio.Reader) (op byte, id, value string, n int64, err error) {
	var hdr [journalHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, "", "", 0, err
	}
	op = hdr[0]
	if op != journalOpPut && op != journalOpDelete {
		return 0, "", "", 0, fmt.Errorf("%w: op %d", errCorruptJournal, op)
	}
	idLen := binary.BigEndian.Uint16(hdr[1:3])
	valueLen := binary.BigEndian.Uint32(hdr[3:7])
	if idLen == 0 || valueLen > maxJournalValueLen {
		return 0, "", "", 0, fmt.Errorf("%w: lengths %d/%d", errCorruptJournal, idLen, valueLen)
	}

	buf := make([]byte, int(idLen)+int(valueLen))
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, "", "", 0, err
	}
	return op, string(buf[:idLen]), string(buf[idLen:]), int64(journalHeaderSize + len(buf)), nil
}

func encodeJournalEntry(op byte, id, value string) ([]byte, error) {
	if len(id) == 0 || len(id) > maxJournalIDLen {
		return nil, fmt.Errorf("identity length %d out of range", len(id))
	}
	if len(value) > maxJournalValueLen {
		return nil, fmt.Errorf("record length %d out of range", len(value))
	}
	buf := make([]byte, journalHeaderSize+len(id)+len(value))
	buf[0] = op
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(id)))
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(value)))
	copy(buf[journalHeaderSize:], id)
	copy(buf[journalHeaderSize+len(id):], value)
	return buf, nil
}

// appendLocked writes one entry durably (caller must hold s.mu).
func (s *fileStore) appendLocked(entry []byte) error {
	if err := unix.Flock(int(s.file.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock journal: %w", err)
	}
	defer func() { _ = unix.Flock(int(s.file.Fd()), unix.LOCK_UN) }()

	n, err := s.file.Write(entry)
	if err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	if n != len(entry) {
		return fmt.Errorf("incomplete write: %d of %d bytes", n, len(entry))
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	s.entries++
	return nil
}

// compact rewrites the journal with one put per live record and swaps it
// in with a rename.
func (s *fileStore) compact() error {
	path := filepath.Join(s.dir, journalFileName)
	tmp, err := os.CreateTemp(s.dir, ".tmp-journal-*")
	if err != nil {
		return fmt.Errorf("create compacted journal: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod compacted journal: %w", err)
	}

	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := bufio.NewWriter(tmp)
	for _, id := range ids {
		entry, err := encodeJournalEntry(journalOpPut, id, s.records[id].encode())
		if err != nil {
			_ = tmp.Close()
			return err
		}
		if _, err := w.Write(entry); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("write compacted journal: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write compacted journal: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync compacted journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close compacted journal: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("install compacted journal: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("reopen journal: %w", err)
	}
	_ = s.file.Close()
	s.file = file
	s.entries = len(ids)
	return nil
}

// Load returns the record for id.
func (s *fileStore) Load(id string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return Record{}, false, os.ErrClosed
	}
	rec, ok := s.records[id]
	return rec, ok, nil
}

// Save appends a put entry for id.
func (s *fileStore) Save(id string, r Record) error {
	entry, err := encodeJournalEntry(journalOpPut, id, r.encode())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return os.ErrClosed
	}
	if err := s.appendLocked(entry); err != nil {
		return err
	}
	s.records[id] = r
	return nil
}

// Delete appends a delete entry for id if it exists.
func (s *fileStore) Delete(id string) error {
	entry, err := encodeJournalEntry(journalOpDelete, id, "")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return os.ErrClosed
	}
	if _, ok := s.records[id]; !ok {
		return nil
	}
	if err := s.appendLocked(entry); err != nil {
		return err
	}
	delete(s.records, id)
	return nil
}

// Close closes the journal. Further calls are no-ops.
func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	return nil
}
