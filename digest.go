package tinyids

import (
	"context"
	"crypto/sha1" //nolint:gosec // kept for fingerprints stored by older agents
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"
)

// ErrUnknownAlgorithm is returned by NewDigest for unsupported algorithms.
var ErrUnknownAlgorithm = errors.New("unknown digest algorithm")

// Digest algorithms accepted by NewDigest.
const (
	AlgorithmSHA256 = "sha256"
	AlgorithmBLAKE3 = "blake3"
	AlgorithmSHA1   = "sha1"
)

// DefaultAlgorithm is used when the configuration leaves it empty.
const DefaultAlgorithm = AlgorithmSHA256

// Digest accumulates collector output into a single fingerprint.
// The result depends on the order of chunks, not only on their contents.
type Digest struct {
	algorithm string
	h         hash.Hash
}

// NewDigest returns an empty accumulator for algorithm.
func NewDigest(algorithm string) (*Digest, error) {
	algorithm = strings.ToLower(strings.TrimSpace(algorithm))
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	var h hash.Hash
	switch algorithm {
	case AlgorithmSHA256:
		h = sha256.New()
	case AlgorithmBLAKE3:
		h = blake3.New()
	case AlgorithmSHA1:
		h = sha1.New() //nolint:gosec
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
	return &Digest{algorithm: algorithm, h: h}, nil
}

// Algorithm returns the name of the underlying hash.
func (d *Digest) Algorithm() string { return d.algorithm }

// Update feeds chunk into the running digest.
func (d *Digest) Update(chunk []byte) {
	_, _ = d.h.Write(chunk)
}

// Write implements io.Writer so collectors can stream into the digest.
func (d *Digest) Write(p []byte) (int, error) {
	d.Update(p)
	return len(p), nil
}

// Finalize returns the current state as lowercase hex. It does not reset
// the accumulator; later updates extend the same state.
func (d *Digest) Finalize() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Consume feeds every chunk produced by c, in order.
func (d *Digest) Consume(ctx context.Context, c Collector) error {
	return c.Produce(ctx, func(chunk []byte) error {
		d.Update(chunk)
		return nil
	})
}
