package tinyids

//revive:disable:cognitive-complexity High complexity score due to test scenarios.
//revive:disable:function-length Long test functions are acceptable

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

// scriptedPrompter answers prompts from a fixed list.
type scriptedPrompter struct {
	answers []string
	labels  []string
}

func (p *scriptedPrompter) Obtain(label string) (string, error) {
	p.labels = append(p.labels, label)
	if len(p.answers) == 0 {
		return "", errors.New("no more answers")
	}
	a := p.answers[0]
	p.answers = p.answers[1:]
	return a, nil
}

func newTestServer(t *testing.T, encrypted bool) (*Server, ServerConfig) {
	t.Helper()
	cfg := testServerConfig(t, encrypted)
	srv, err := NewServer(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv, cfg
}

func TestLocalTransport(t *testing.T) {
	srv, _ := newTestServer(t, false)
	tr := NewLocalTransport(map[string]*Server{"anchor": srv}, "10.0.0.7")
	ctx := context.Background()

	resp, err := tr.Exchange(ctx, Target{Name: "anchor"}, "UPDATE abc123 secret")
	if err != nil {
		t.Fatal(err)
	}
	if resp != StatusOK.String() {
		t.Errorf("Expected %q, got %q", StatusOK.String(), resp)
	}
	if fp, err := srv.store.Get("10.0.0.7"); err != nil || fp != "abc123" {
		t.Errorf("record stored under wrong identity: %q, %v", fp, err)
	}

	if _, err := tr.Exchange(ctx, Target{Name: "ghost"}, "TEST 2"); err == nil {
		t.Error("Expected error for unknown local server")
	}

	// An oversized request is dropped without reply.
	if _, err := tr.Exchange(ctx, Target{Name: "anchor"}, strings.Repeat("x", MaxMessageLength+1)); err == nil {
		t.Error("Expected error for oversized request")
	}
}

func TestTCPTransport(t *testing.T) {
	srv := startServer(t, testServerConfig(t, false))
	host, portStr, err := net.SplitHostPort(srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}

	tr := NewTCPTransport(2 * time.Second)
	target := Target{Name: "anchor", Host: host, Port: port}
	resp, err := tr.Exchange(context.Background(), target, "TEST 2")
	if err != nil {
		t.Fatal(err)
	}
	if resp != StatusOK.String() {
		t.Errorf("Expected %q, got %q", StatusOK.String(), resp)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.Exchange(ctx, target, "TEST 2"); err == nil {
		t.Error("Expected error for cancelled context")
	}
}

func TestClient_AllCommands(t *testing.T) {
	srv, _ := newTestServer(t, false)
	tr := NewLocalTransport(map[string]*Server{"anchor": srv}, "10.0.0.8")
	targets := []Target{{Name: "anchor"}}
	ctx := context.Background()

	run := func(cmd Command, fp string, answers ...string) Result {
		t.Helper()
		p := &scriptedPrompter{answers: answers}
		results := NewClient(targets, tr, p, nil).Run(ctx, cmd, fp)
		if len(results) != 1 {
			t.Fatalf("Expected 1 result, got %d", len(results))
		}
		return results[0]
	}

	if r := run(CmdTest, ""); !r.OK() {
		t.Errorf("TEST: %+v", r)
	}
	if r := run(CmdCheck, "abc123"); r.Err != nil || r.Status != StatusNotFound {
		t.Errorf("CHECK before UPDATE: %+v", r)
	}
	if r := run(CmdUpdate, "abc123", "secret"); !r.OK() {
		t.Errorf("UPDATE: %+v", r)
	}
	if r := run(CmdCheck, "abc123"); !r.OK() {
		t.Errorf("CHECK: %+v", r)
	}
	if r := run(CmdCheck, "def456"); r.Status != StatusMismatch {
		t.Errorf("CHECK after tamper: %+v", r)
	}
	if r := run(CmdChangePhrase, "", "secret", "fresh", "fresh"); !r.OK() {
		t.Errorf("CHANGEPHRASE: %+v", r)
	}
	if r := run(CmdDelete, "", "secret"); r.Status != StatusInvalidPassphrase {
		t.Errorf("DELETE with retired passphrase: %+v", r)
	}
	if r := run(CmdDelete, "", "fresh"); !r.OK() {
		t.Errorf("DELETE: %+v", r)
	}
	if r := run(CmdUpdate, "abc123"); r.Err == nil {
		t.Error("Expected error when the prompter fails")
	}
}

func TestClient_PromptsPerServer(t *testing.T) {
	srvA, _ := newTestServer(t, false)
	srvB, _ := newTestServer(t, false)
	tr := NewLocalTransport(map[string]*Server{"a": srvA, "b": srvB}, "10.0.0.9")

	p := &scriptedPrompter{answers: []string{"pwA", "pwB"}}
	results := NewClient([]Target{{Name: "a"}, {Name: "b"}}, tr, p, nil).Run(context.Background(), CmdUpdate, "abc123")
	for _, r := range results {
		if !r.OK() {
			t.Errorf("%s: %+v", r.Target.Name, r)
		}
	}
	want := []string{"Passphrase for a", "Passphrase for b"}
	if strings.Join(p.labels, "|") != strings.Join(want, "|") {
		t.Errorf("prompts %q, want %q", p.labels, want)
	}
	if err := srvB.store.Remove("10.0.0.9", "pwA"); !errors.Is(err, ErrInvalidPassphrase) {
		t.Errorf("server b accepted server a's passphrase: %v", err)
	}
}

func TestClient_ChangePhraseConfirmation(t *testing.T) {
	srv, _ := newTestServer(t, false)
	if err := srv.store.Put("10.0.0.10", "abc123", "old"); err != nil {
		t.Fatal(err)
	}
	tr := NewLocalTransport(map[string]*Server{"anchor": srv}, "10.0.0.10")
	targets := []Target{{Name: "anchor"}}

	// One mismatched confirmation, then a match.
	p := &scriptedPrompter{answers: []string{"old", "new1", "typo", "new2", "new2"}}
	results := NewClient(targets, tr, p, nil).Run(context.Background(), CmdChangePhrase, "")
	if !results[0].OK() {
		t.Fatalf("CHANGEPHRASE: %+v", results[0])
	}
	if err := srv.store.Put("10.0.0.10", "abc123", "new2"); err != nil {
		t.Errorf("confirmed passphrase not installed: %v", err)
	}

	// Every attempt mismatched: nothing is sent.
	answers := []string{"new2"}
	for i := 0; i < maxConfirmAttempts; i++ {
		answers = append(answers, fmt.Sprintf("a%d", i), fmt.Sprintf("b%d", i))
	}
	p = &scriptedPrompter{answers: answers}
	results = NewClient(targets, tr, p, nil).Run(context.Background(), CmdChangePhrase, "")
	if !errors.Is(results[0].Err, errPassphraseMismatch) {
		t.Errorf("Expected errPassphraseMismatch, got %+v", results[0])
	}
	if err := srv.store.Put("10.0.0.10", "abc123", "new2"); err != nil {
		t.Errorf("passphrase changed despite mismatch: %v", err)
	}
}

// Test that one unreachable server does not stop the others.
func TestClient_SkipsFailingServer(t *testing.T) {
	srvA, _ := newTestServer(t, false)
	srvB, _ := newTestServer(t, false)
	tr := NewLocalTransport(map[string]*Server{"a": srvA, "b": srvB}, "10.0.0.11")

	targets := []Target{{Name: "a"}, {Name: "down"}, {Name: "b"}}
	results := NewClient(targets, tr, nil, nil).Run(context.Background(), CmdTest, "")
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	if !results[0].OK() || !results[2].OK() {
		t.Errorf("reachable servers failed: %+v", results)
	}
	if results[1].Err == nil {
		t.Error("Expected error for unreachable server")
	}

	// A real TCP target that refuses connections behaves the same.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()
	tcpResults := NewClient([]Target{{Name: "gone", Host: "127.0.0.1", Port: addr.Port}}, NewTCPTransport(time.Second), nil, nil).
		Run(context.Background(), CmdTest, "")
	if tcpResults[0].Err == nil {
		t.Error("Expected connection error")
	}
}

func TestClient_Encrypted(t *testing.T) {
	srv, cfg := newTestServer(t, true)
	pubPath, _, err := KeyPaths(cfg.Keys.Dir)
	if err != nil {
		t.Fatal(err)
	}
	tr := NewLocalTransport(map[string]*Server{"anchor": srv}, "10.0.0.12")
	targets := []Target{{Name: "anchor", PublicKeyPath: pubPath}}
	ctx := context.Background()

	p := &scriptedPrompter{answers: []string{"secret"}}
	if r := NewClient(targets, tr, p, nil).Run(ctx, CmdUpdate, "abc123")[0]; !r.OK() {
		t.Fatalf("encrypted UPDATE: %+v", r)
	}
	if r := NewClient(targets, tr, nil, nil).Run(ctx, CmdCheck, "abc123")[0]; !r.OK() {
		t.Errorf("encrypted CHECK: %+v", r)
	}

	// A client holding the wrong public key is told so without a signature.
	_, other, err := GenerateKeyPair(MinKeyBits)
	if err != nil {
		t.Fatal(err)
	}
	wrongPath := filepath.Join(t.TempDir(), "wrong.pub")
	if err := SavePublicKey(&other.PublicKey, wrongPath); err != nil {
		t.Fatal(err)
	}
	wrong := []Target{{Name: "anchor", PublicKeyPath: wrongPath}}
	r := NewClient(wrong, tr, nil, nil).Run(ctx, CmdCheck, "abc123")[0]
	if !errors.Is(r.Err, ErrVerification) {
		t.Errorf("Expected ErrVerification, got %+v", r)
	}

	// A plaintext client gets the same refusal, which it reads as 40.
	plain := []Target{{Name: "anchor"}}
	r = NewClient(plain, tr, nil, nil).Run(ctx, CmdCheck, "abc123")[0]
	if r.Err != nil || r.Status != StatusInvalidClient {
		t.Errorf("Expected 40 for plaintext request, got %+v", r)
	}

	missing := []Target{{Name: "anchor", PublicKeyPath: filepath.Join(os.TempDir(), "does-not-exist.pub")}}
	if r := NewClient(missing, tr, nil, nil).Run(ctx, CmdTest, "")[0]; r.Err == nil {
		t.Error("Expected error for missing public key")
	}
}

func TestClient_CancelledContext(t *testing.T) {
	srv, _ := newTestServer(t, false)
	tr := NewLocalTransport(map[string]*Server{"anchor": srv}, "10.0.0.13")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewClient([]Target{{Name: "anchor"}}, tr, nil, nil).Run(ctx, CmdTest, "")[0]
	if !errors.Is(r.Err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %+v", r)
	}
}

func TestTargetAddressAndKeyPaths(t *testing.T) {
	if got := (Target{Host: "::1", Port: 10500}).Address(); got != "[::1]:10500" {
		t.Errorf("Address = %q", got)
	}
	in := []Target{
		{Name: "rel", PublicKeyPath: "anchor.pub"},
		{Name: "abs", PublicKeyPath: "/keys/anchor.pub"},
		{Name: "none"},
	}
	out := ResolveKeyPaths(in, "/etc/tinyids/keys")
	if out[0].PublicKeyPath != "/etc/tinyids/keys/anchor.pub" {
		t.Errorf("relative path resolved to %q", out[0].PublicKeyPath)
	}
	if out[1].PublicKeyPath != "/keys/anchor.pub" || out[2].PublicKeyPath != "" {
		t.Errorf("paths changed unexpectedly: %+v", out)
	}
	if in[0].PublicKeyPath != "anchor.pub" {
		t.Error("input slice modified")
	}
}
