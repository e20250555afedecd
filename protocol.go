package tinyids

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Delimiter terminates every request and response line on the wire.
const Delimiter = "\r\n"

const (
	// MaxMessageLength bounds a request line read by the server,
	// delimiter excluded.
	MaxMessageLength = 8192

	// MaxResponseLength bounds a response line read by the client.
	MaxResponseLength = 1024

	// MaxFingerprintLength bounds a fingerprint token, enough for a
	// 512-bit digest in hex.
	MaxFingerprintLength = 128

	// DefaultPort is the TCP port tinyidsd listens on unless configured.
	DefaultPort = 10500
)

// ProtocolRevision is the revision a client announces in TEST.
const ProtocolRevision = 2

// compatibleRevisions lists the client revisions this server accepts.
var compatibleRevisions = map[int]struct{}{
	ProtocolRevision: {},
}

// IsCompatibleRevision reports whether a client announcing rev can talk to
// this server.
func IsCompatibleRevision(rev int) bool {
	_, ok := compatibleRevisions[rev]
	return ok
}

// ErrInvalidCommand is returned for unknown commands and wrong argument counts.
var ErrInvalidCommand = errors.New("invalid command")

// ErrMessageTooLong is returned when a line exceeds its length limit before
// the delimiter is seen.
var ErrMessageTooLong = errors.New("message exceeds maximum length")

// Command names a protocol operation.
type Command string

// Protocol commands.
const (
	CmdTest         Command = "TEST"
	CmdCheck        Command = "CHECK"
	CmdUpdate       Command = "UPDATE"
	CmdDelete       Command = "DELETE"
	CmdChangePhrase Command = "CHANGEPHRASE"
)

// commandArity is the grammar: every recognized command and the exact
// number of arguments it takes.
var commandArity = map[Command]int{
	CmdTest:         1, // TEST <revision>
	CmdCheck:        1, // CHECK <fingerprint>
	CmdUpdate:       2, // UPDATE <fingerprint> <passphrase>
	CmdDelete:       1, // DELETE <passphrase>
	CmdChangePhrase: 2, // CHANGEPHRASE <old> <new>
}

// Arity returns the number of arguments c requires and whether c is known.
func (c Command) Arity() (int, bool) {
	n, ok := commandArity[c]
	return n, ok
}

// ParseCommandName maps a user-supplied name onto a Command.
func ParseCommandName(name string) (Command, error) {
	c := Command(strings.ToUpper(strings.TrimSpace(name)))
	if _, ok := commandArity[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidCommand, name)
	}
	return c, nil
}

// IsFingerprint reports whether s is a hex digest as produced by Digest.
func IsFingerprint(s string) bool {
	if s == "" || len(s) > MaxFingerprintLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}

// Request is a decoded request line.
type Request struct {
	Command Command
	Args    []string
}

// NewRequest builds a request and checks it against the grammar.
func NewRequest(cmd Command, args ...string) (Request, error) {
	want, ok := cmd.Arity()
	if !ok {
		return Request{}, fmt.Errorf("%w: %q", ErrInvalidCommand, string(cmd))
	}
	if len(args) != want {
		return Request{}, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrInvalidCommand, cmd, want, len(args))
	}
	for _, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\r\n") {
			return Request{}, fmt.Errorf("%w: argument must be a single non-empty token", ErrInvalidCommand)
		}
	}
	return Request{Command: cmd, Args: args}, nil
}

// ParseCommand splits line on whitespace and validates it against the
// grammar. The command name is case-insensitive.
func ParseCommand(line string) (Request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Request{}, fmt.Errorf("%w: empty request", ErrInvalidCommand)
	}
	cmd := Command(strings.ToUpper(fields[0]))
	want, ok := cmd.Arity()
	if !ok {
		return Request{}, fmt.Errorf("%w: unknown command", ErrInvalidCommand)
	}
	args := fields[1:]
	if len(args) != want {
		return Request{}, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrInvalidCommand, cmd, want, len(args))
	}
	return Request{Command: cmd, Args: args}, nil
}

// Encode renders the request as a single line without the delimiter.
func (r Request) Encode() string {
	if len(r.Args) == 0 {
		return string(r.Command)
	}
	return string(r.Command) + " " + strings.Join(r.Args, " ")
}

// Status is a numeric response code.
type Status int

// Response codes.
const (
	StatusOK                Status = 20
	StatusMismatch          Status = 30
	StatusNotFound          Status = 31
	StatusInvalidClient     Status = 40
	StatusInvalidCommand    Status = 41
	StatusInvalidPassphrase Status = 42
)

var statusText = map[Status]string{
	StatusOK:                "OK",
	StatusMismatch:          "MISMATCH",
	StatusNotFound:          "NOT FOUND",
	StatusInvalidClient:     "INVALID CLIENT",
	StatusInvalidCommand:    "INVALID COMMAND",
	StatusInvalidPassphrase: "INVALID PASSPHRASE",
}

// Text returns the fixed text that follows the code on the wire.
func (s Status) Text() string {
	if t, ok := statusText[s]; ok {
		return t
	}
	return "UNKNOWN"
}

// String returns the response line, e.g. "20 OK".
func (s Status) String() string {
	return strconv.Itoa(int(s)) + " " + s.Text()
}

// OK reports whether s is the success code.
func (s Status) OK() bool { return s == StatusOK }

// ParseStatus reads the leading code of a response line.
func ParseStatus(line string) (Status, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0, errors.New("empty response")
	}
	code, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, fmt.Errorf("malformed status code %q", fields[0])
	}
	s := Status(code)
	if _, ok := statusText[s]; !ok {
		return s, fmt.Errorf("unknown status code %d", code)
	}
	return s, nil
}

// ReadLine reads one delimiter-terminated line of at most max bytes
// (delimiter excluded) and returns it without the delimiter. A line that
// reaches EOF without a delimiter is returned with io.ErrUnexpectedEOF.
// Nothing beyond max+len(Delimiter) bytes is buffered for the caller.
func ReadLine(r *bufio.Reader, max int) (string, error) {
	var buf bytes.Buffer
	limit := max + len(Delimiter)
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if buf.Len() == 0 {
					return "", io.EOF
				}
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		buf.WriteByte(b)
		if bytes.HasSuffix(buf.Bytes(), []byte(Delimiter)) {
			return string(buf.Bytes()[:buf.Len()-len(Delimiter)]), nil
		}
		if buf.Len() >= limit {
			return "", ErrMessageTooLong
		}
	}
}

// WriteLine writes payload followed by the delimiter.
func WriteLine(w io.Writer, payload string) error {
	_, err := io.WriteString(w, payload+Delimiter)
	return err
}
