package client

import (
	"testing"

	"dedupvault/internal/chunk"
)

func TestKnownChunksGetOrInsert(t *testing.T) {
	seedDigest := chunk.Sum([]byte("seeded"))
	k := newKnownChunks([]string{seedDigest.String()})

	if !k.getOrInsert(seedDigest) {
		t.Fatal("expected seeded digest to already be known")
	}

	freshDigest := chunk.Sum([]byte("fresh"))
	if k.getOrInsert(freshDigest) {
		t.Fatal("expected fresh digest to be reported as not yet known")
	}
	if !k.getOrInsert(freshDigest) {
		t.Fatal("expected fresh digest to be known after its first insert")
	}
}

func TestNewKnownChunksIgnoresMalformedSeeds(t *testing.T) {
	k := newKnownChunks([]string{"not-a-hex-digest", ""})
	if len(k.seen) != 0 {
		t.Fatalf("expected malformed seeds to be skipped, got %d entries", len(k.seen))
	}
}
