package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// terminalPrompter reads passphrases from the controlling terminal with
// echo disabled.
type terminalPrompter struct {
	fd  int
	out io.Writer
}

func newTerminalPrompter() *terminalPrompter {
	return &terminalPrompter{fd: int(os.Stdin.Fd()), out: os.Stderr}
}

// Obtain asks until a non-empty passphrase without whitespace is entered.
func (p *terminalPrompter) Obtain(label string) (string, error) {
	if !term.IsTerminal(p.fd) {
		return "", errors.New("passphrase entry requires a terminal on stdin")
	}
	for {
		fmt.Fprintf(p.out, "%s: ", label)
		b, err := term.ReadPassword(p.fd)
		fmt.Fprintln(p.out)
		if err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		pw := string(b)
		switch {
		case pw == "":
			continue
		case strings.ContainsAny(pw, " \t"):
			fmt.Fprintln(p.out, "passphrase must not contain whitespace")
			continue
		}
		return pw, nil
	}
}
