package tinyids

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Key sizes.
const (
	DefaultKeyBits = 2048
	MinKeyBits     = 1024
	// MaxKeyBits keeps a signed status line within MaxResponseLength.
	MaxKeyBits = 4096
)

// Crypto failures. Callers match them with errors.Is; the wrapped cause is
// for logs only.
var (
	ErrEncryption   = errors.New("data encryption error")
	ErrDecryption   = errors.New("data decryption error")
	ErrSigning      = errors.New("data signing error")
	ErrVerification = errors.New("data verification error")
)

const (
	publicKeySuffix  = ".pub"
	privateKeySuffix = ".key"
)

// GenerateKeyPair creates a fresh RSA key pair of the given modulus size.
func GenerateKeyPair(bits int) (*rsa.PublicKey, *rsa.PrivateKey, error) {
	if err := checkKeySize(bits); err != nil {
		return nil, nil, err
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return &priv.PublicKey, priv, nil
}

func checkKeySize(bits int) error {
	if bits < MinKeyBits {
		return fmt.Errorf("key size %d below minimum %d", bits, MinKeyBits)
	}
	if bits > MaxKeyBits {
		return fmt.Errorf("key size %d above maximum %d", bits, MaxKeyBits)
	}
	return nil
}

// KeyPaths returns the public and private key paths for this host, named
// after its hostname inside dir.
func KeyPaths(dir string) (pub, priv string, err error) {
	host, err := os.Hostname()
	if err != nil {
		return "", "", fmt.Errorf("hostname: %w", err)
	}
	pub, priv = KeyPathsFor(dir, host)
	return pub, priv, nil
}

// KeyPathsFor returns the key paths for basename inside dir.
func KeyPathsFor(dir, basename string) (pub, priv string) {
	base := filepath.Join(dir, basename)
	return base + publicKeySuffix, base + privateKeySuffix
}

// EnsureKeyPair generates and persists a key pair unless the private key
// already exists. It reports whether a new pair was written.
func EnsureKeyPair(pubPath, privPath string, bits int) (bool, error) {
	if _, err := os.Stat(privPath); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat private key: %w", err)
	}
	pub, priv, err := GenerateKeyPair(bits)
	if err != nil {
		return false, err
	}
	if err := SavePrivateKey(priv, privPath); err != nil {
		return false, err
	}
	if err := SavePublicKey(pub, pubPath); err != nil {
		return false, err
	}
	return true, nil
}

// SavePrivateKey writes key as PKCS#8 PEM with mode 0600.
func SavePrivateKey(key *rsa.PrivateKey, path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	return writeKeyFile(path, &pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

// SavePublicKey writes key as PKIX PEM with mode 0600.
func SavePublicKey(key *rsa.PublicKey, path string) error {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	return writeKeyFile(path, &pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

// writeKeyFile writes through a temp file in the same directory so a crash
// never leaves a truncated key behind.
func writeKeyFile(path string, block *pem.Block) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-key-*")
	if err != nil {
		return fmt.Errorf("create temp key file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod key file: %w", err)
	}
	if err := pem.Encode(tmp, block); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write key file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close key file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("install key file: %w", err)
	}
	return nil
}

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("read key %s: no PEM data", path)
	}
	return block, nil
}

// LoadPrivateKey reads an RSA private key in PKCS#8 or PKCS#1 PEM form.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}
	rk, err := parsePrivateKey(block)
	if err != nil {
		return nil, err
	}
	if err := checkKeySize(rk.N.BitLen()); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rk, nil
}

func parsePrivateKey(block *pem.Block) (*rsa.PrivateKey, error) {
	switch block.Type {
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("parse private key: not an RSA key (%T)", k)
		}
		return rk, nil
	case "RSA PRIVATE KEY":
		rk, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return rk, nil
	default:
		return nil, fmt.Errorf("parse private key: unexpected PEM type %q", block.Type)
	}
}

// LoadPublicKey reads an RSA public key in PKIX or PKCS#1 PEM form.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}
	rk, err := parsePublicKey(block)
	if err != nil {
		return nil, err
	}
	if err := checkKeySize(rk.N.BitLen()); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rk, nil
}

func parsePublicKey(block *pem.Block) (*rsa.PublicKey, error) {
	switch block.Type {
	case "PUBLIC KEY":
		k, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		rk, ok := k.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("parse public key: not an RSA key (%T)", k)
		}
		return rk, nil
	case "RSA PUBLIC KEY":
		rk, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		return rk, nil
	default:
		return nil, fmt.Errorf("parse public key: unexpected PEM type %q", block.Type)
	}
}

// KeyRing holds the keys of one actor: the server, or a client talking to
// one server. Encryption uses the public key (client to server), signing
// uses the private key (server to client). An empty ring means plaintext.
type KeyRing struct {
	mu      sync.RWMutex
	public  *rsa.PublicKey
	private *rsa.PrivateKey
}

// NewKeyRing returns an empty key ring.
func NewKeyRing() *KeyRing { return &KeyRing{} }

// SetPublicKey installs pub, keeping any private key.
func (k *KeyRing) SetPublicKey(pub *rsa.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.public = pub
}

// SetPrivateKey installs priv and its public half.
func (k *KeyRing) SetPrivateKey(priv *rsa.PrivateKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.private = priv
	if priv != nil {
		k.public = &priv.PublicKey
	}
}

// LoadPublicKeyFile loads pub from path into the ring.
func (k *KeyRing) LoadPublicKeyFile(path string) error {
	pub, err := LoadPublicKey(path)
	if err != nil {
		return err
	}
	k.SetPublicKey(pub)
	return nil
}

// LoadPrivateKeyFile loads priv from path into the ring.
func (k *KeyRing) LoadPrivateKeyFile(path string) error {
	priv, err := LoadPrivateKey(path)
	if err != nil {
		return err
	}
	k.SetPrivateKey(priv)
	return nil
}

// HasPublicKey reports whether a public key is loaded.
func (k *KeyRing) HasPublicKey() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.public != nil
}

// HasPrivateKey reports whether a private key is loaded.
func (k *KeyRing) HasPrivateKey() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.private != nil
}

// Reset drops both keys.
func (k *KeyRing) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.public = nil
	k.private = nil
}

// Encrypt encrypts plaintext with RSA-OAEP/SHA-256 and returns it base64
// encoded, ready to be framed as a line.
func (k *KeyRing) Encrypt(plaintext []byte) (string, error) {
	k.mu.RLock()
	pub := k.public
	k.mu.RUnlock()
	if pub == nil {
		return "", fmt.Errorf("%w: public key not loaded", ErrEncryption)
	}
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt. payload is untrusted network input.
func (k *KeyRing) Decrypt(payload string) ([]byte, error) {
	k.mu.RLock()
	priv := k.private
	k.mu.RUnlock()
	if priv == nil {
		return nil, fmt.Errorf("%w: private key not loaded", ErrDecryption)
	}
	ct, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	pt, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return pt, nil
}

// Sign signs data with RSA-PSS/SHA-256 and returns the base64 encoded
// envelope holding both data and signature.
func (k *KeyRing) Sign(data []byte) (string, error) {
	k.mu.RLock()
	priv := k.private
	k.mu.RUnlock()
	if priv == nil {
		return "", fmt.Errorf("%w: private key not loaded", ErrSigning)
	}
	sum := sha256.Sum256(data)
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, sum[:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}
	env := SignedEnvelope{Data: data, Signature: sig}
	return base64.StdEncoding.EncodeToString(env.Marshal()), nil
}

// Verify checks a payload produced by Sign and returns the signed data.
func (k *KeyRing) Verify(payload string) ([]byte, error) {
	k.mu.RLock()
	pub := k.public
	k.mu.RUnlock()
	if pub == nil {
		return nil, fmt.Errorf("%w: public key not loaded", ErrVerification)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	env, err := UnmarshalSignedEnvelope(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	sum := sha256.Sum256(env.Data)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, sum[:], env.Signature, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	return env.Data, nil
}
