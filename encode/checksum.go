package encode

import "github.com/zeebo/xxh3"

// Checksum is the pluggable checksum capability referenced throughout the
// header and chunk formats. The wire format still names the field
// "fletcher" (matching the on-disk vocabulary), but the algorithm behind
// it is swappable; the default is xxh3 rather than a hand-rolled
// Fletcher32, since Fletcher32 itself is an external collaborator with
// no bearing on the store's correctness beyond "detects corruption".
type Checksum interface {
	// Sum32 returns a 32-bit checksum of b.
	Sum32(b []byte) uint32
}

// XXH3Checksum is the default Checksum implementation.
type XXH3Checksum struct{}

func (XXH3Checksum) Sum32(b []byte) uint32 {
	return uint32(xxh3.Hash(b))
}

// DefaultChecksum is the checksum used when a store is opened without an
// explicit override.
var DefaultChecksum Checksum = XXH3Checksum{}
