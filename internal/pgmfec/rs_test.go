package pgmfec

import (
	"bytes"
	"math/rand/v2"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct{ k, h int }{
		{4, 4}, {8, 4}, {16, 8}, {2, 2},
	}
	for _, c := range cases {
		n := c.k + c.h
		enc, err := NewEncoder(n, c.k)
		if err != nil {
			t.Fatalf("NewEncoder(%d,%d): %v", n, c.k, err)
		}

		originals := make([][]byte, c.k)
		for i := range originals {
			originals[i] = make([]byte, 64)
			rand.NewChaCha8([32]byte{byte(i), byte(n)}).Read(originals[i])
		}
		parity, err := enc.Encode(originals)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}

		shards := make([][]byte, n)
		present := make([]bool, n)
		copy(shards[:c.k], originals)
		copy(shards[c.k:], parity)
		for i := range shards {
			present[i] = true
		}

		// Drop the first h shards, leaving exactly k present.
		dropped := 0
		for i := 0; i < n && dropped < c.h; i++ {
			present[i] = false
			dropped++
		}

		if err := Decode(shards, present, c.k, n); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		for i := 0; i < c.k; i++ {
			if !bytes.Equal(shards[i], originals[i]) {
				t.Fatalf("k=%d h=%d: shard %d mismatch after decode", c.k, c.h, i)
			}
		}
	}
}

func TestDecodeFailsWithFewerThanK(t *testing.T) {
	k, n := 4, 8
	shards := make([][]byte, n)
	present := make([]bool, n)
	for i := range shards {
		shards[i] = make([]byte, 16)
	}
	for i := 0; i < k-1; i++ {
		present[i] = true
	}
	if err := Decode(shards, present, k, n); err == nil {
		t.Fatalf("expected error with fewer than k shards present")
	}
}

func TestCheckParamsValidation(t *testing.T) {
	if err := CheckParams(300, 4); err == nil {
		t.Fatalf("expected error for n>255")
	}
	if err := CheckParams(8, 3); err == nil {
		t.Fatalf("expected error for non-power-of-two k")
	}
	if err := CheckParams(8, 4); err != nil {
		t.Fatalf("RS(8,4) should be valid: %v", err)
	}
	if err := CheckParams(255, 128); err != nil {
		t.Fatalf("RS(255,128) should be valid: %v", err)
	}
}

func TestEncodeUsingAllParityThenDecode(t *testing.T) {
	k, h := 8, 8
	n := k + h
	enc, err := NewEncoder(n, k)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	originals := make([][]byte, k)
	for i := range originals {
		originals[i] = bytes.Repeat([]byte{byte(i + 1)}, 32)
	}
	parity, err := enc.Encode(originals)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	shards := append(append([][]byte{}, originals...), parity...)
	present := make([]bool, n)
	// Only the parity shards and one original are present: k+1 in all.
	present[0] = true
	for i := k; i < n; i++ {
		present[i] = true
	}
	if err := Decode(shards, present, k, n); err != nil {
		t.Fatalf("Decode from all-parity: %v", err)
	}
	for i := 0; i < k; i++ {
		if !bytes.Equal(shards[i], originals[i]) {
			t.Fatalf("shard %d mismatch", i)
		}
	}
}
