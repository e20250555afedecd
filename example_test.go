package tinyids

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Store backends
//
// Two backends keep fingerprint records:
//
//  1. File journal (file_store.go), the default. One append-only
//     fingerprints.db, flock'd on write, replayed on open and compacted
//     when stale entries outnumber live ones.
//  2. SQLite (sqlite_store.go). One fingerprints.sqlite in WAL mode, for
//     sites that already back up SQLite databases.
//
// Both hold the same "fingerprint:digest" value per client identity and
// are selected with store.backend in tinyidsd.yaml.
func ExampleOpenBackend() {
	dir, err := os.MkdirTemp("", "tinyids-example-*")
	if err != nil {
		fmt.Println(err)
		return
	}
	defer os.RemoveAll(dir)

	for _, backend := range []string{BackendFile, BackendSQLite} {
		b, err := OpenBackend(StoreConfig{Backend: backend, Dir: filepath.Join(dir, backend)})
		if err != nil {
			fmt.Println(err)
			return
		}
		store := NewFingerprintStore(b, NewPassphraseHasher(PassphraseParams{Time: 1, Memory: 64, Threads: 1}))

		_ = store.Put("192.168.1.10", "abc123", "secret")
		err = store.Put("192.168.1.10", "def456", "guess")
		fp, _ := store.Get("192.168.1.10")
		fmt.Printf("%s: %s, wrong passphrase rejected: %v\n", backend, fp, errors.Is(err, ErrInvalidPassphrase))
		_ = store.Close()
	}
	// Output:
	// file: abc123, wrong passphrase rejected: true
	// sqlite: abc123, wrong passphrase rejected: true
}

// An agent talks to each server in turn. LocalTransport wires servers
// running in the same process, as a deployment test would; tinyids uses
// TCPTransport against the configured hosts.
func ExampleClient_Run() {
	dir, err := os.MkdirTemp("", "tinyids-example-*")
	if err != nil {
		fmt.Println(err)
		return
	}
	defer os.RemoveAll(dir)

	servers := make(map[string]*Server)
	var targets []Target
	for _, name := range []string{"anchor1", "anchor2"} {
		cfg := DefaultServerConfig()
		cfg.Store.Dir = filepath.Join(dir, name)
		cfg.Keys.Enabled = false
		cfg.Passphrase = PassphraseParams{Time: 1, Memory: 64, Threads: 1}
		srv, err := NewServer(cfg, nil)
		if err != nil {
			fmt.Println(err)
			return
		}
		defer srv.Close()
		servers[name] = srv
		targets = append(targets, Target{Name: name})
	}

	client := NewClient(targets, NewLocalTransport(servers, "10.0.0.5"), fixedPrompter("secret"), nil)
	for _, cmd := range []Command{CmdTest, CmdCheck, CmdUpdate, CmdCheck} {
		for _, r := range client.Run(context.Background(), cmd, "abc123") {
			fmt.Printf("%s %s: %s\n", cmd, r.Target.Name, r.Status)
		}
	}
	// Output:
	// TEST anchor1: 20 OK
	// TEST anchor2: 20 OK
	// CHECK anchor1: 31 NOT FOUND
	// CHECK anchor2: 31 NOT FOUND
	// UPDATE anchor1: 20 OK
	// UPDATE anchor2: 20 OK
	// CHECK anchor1: 20 OK
	// CHECK anchor2: 20 OK
}

type fixedPrompter string

func (p fixedPrompter) Obtain(string) (string, error) { return string(p), nil }
