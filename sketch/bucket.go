package sketch

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"
)

// hash64 hashes a 64-bit value under a seed. Buckets use it both to decide
// membership depth and to checksum their contents.
func hash64(x, seed uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], x)
	return murmur3.Sum64WithSeed(b[:], uint32(seed^seed>>32))
}

// Bucket accumulates an XOR of the ids routed to it together with an XOR of
// their checksums. When exactly one id is present, Alpha holds that id and
// Gamma matches its checksum; any other population fails the checksum with
// high probability.
type Bucket struct {
	Alpha uint64
	Gamma uint64
}

// Update toggles the membership of id in the bucket.
func (b *Bucket) Update(id, checksumSeed uint64) {
	b.Alpha ^= id
	b.Gamma ^= hash64(id, checksumSeed)
}

// Empty reports whether the bucket holds no ids (with high probability;
// a colliding even population can masquerade as empty).
func (b Bucket) Empty() bool {
	return b.Alpha == 0 && b.Gamma == 0
}

// Good reports whether the bucket holds exactly one id, which is then
// readable from Alpha.
func (b Bucket) Good(checksumSeed uint64) bool {
	return b.Alpha != 0 && b.Gamma == hash64(b.Alpha, checksumSeed)
}
