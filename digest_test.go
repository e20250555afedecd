package tinyids

import (
	"context"
	"errors"
	"testing"
)

func TestDigest_Deterministic(t *testing.T) {
	chunks := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}

	for _, alg := range []string{AlgorithmSHA256, AlgorithmBLAKE3, AlgorithmSHA1} {
		d1, err := NewDigest(alg)
		if err != nil {
			t.Fatalf("NewDigest(%s) failed: %v", alg, err)
		}
		d2, _ := NewDigest(alg)
		for _, c := range chunks {
			d1.Update(c)
			d2.Update(c)
		}
		if d1.Finalize() != d2.Finalize() {
			t.Errorf("%s: same chunks gave different digests", alg)
		}

		d3, _ := NewDigest(alg)
		for i := len(chunks) - 1; i >= 0; i-- {
			d3.Update(chunks[i])
		}
		if d3.Finalize() == d1.Finalize() {
			t.Errorf("%s: digest does not depend on chunk order", alg)
		}
	}
}

func TestDigest_FinalizeIsNonDestructive(t *testing.T) {
	d, err := NewDigest("")
	if err != nil {
		t.Fatal(err)
	}
	if d.Algorithm() != DefaultAlgorithm {
		t.Errorf("default algorithm = %s", d.Algorithm())
	}
	d.Update([]byte("abc"))
	first := d.Finalize()
	if first != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Errorf("sha256(abc) = %s", first)
	}
	if again := d.Finalize(); again != first {
		t.Error("Finalize changed the accumulator")
	}

	d.Update([]byte("def"))
	ref, _ := NewDigest(AlgorithmSHA256)
	ref.Update([]byte("abcdef"))
	if d.Finalize() != ref.Finalize() {
		t.Error("updates after Finalize must extend the same state")
	}
}

func TestDigest_UnknownAlgorithm(t *testing.T) {
	if _, err := NewDigest("md5"); !errors.Is(err, ErrUnknownAlgorithm) {
		t.Errorf("expected ErrUnknownAlgorithm, got %v", err)
	}
}

type sliceCollector [][]byte

func (sliceCollector) Name() string { return "slice" }

func (s sliceCollector) Produce(_ context.Context, yield func([]byte) error) error {
	for _, c := range s {
		if err := yield(c); err != nil {
			return err
		}
	}
	return nil
}

func TestDigest_Consume(t *testing.T) {
	d, _ := NewDigest(AlgorithmBLAKE3)
	if err := d.Consume(context.Background(), sliceCollector{[]byte("ab"), []byte("c")}); err != nil {
		t.Fatal(err)
	}
	ref, _ := NewDigest(AlgorithmBLAKE3)
	ref.Update([]byte("abc"))
	if d.Finalize() != ref.Finalize() {
		t.Error("Consume must feed chunks in order")
	}
	if len(d.Finalize()) != 64 {
		t.Errorf("blake3 hex length = %d", len(d.Finalize()))
	}
}
