// Package offsetmap provides a bounded-memory, open-addressed hash table
// mapping record key digests to the highest offset seen for that key. The
// log cleaner fills one of these per cleaning pass and consults it while
// rewriting segments to decide which records are still live.
package offsetmap

import (
	"crypto/md5"
	"crypto/sha1"
	"errors"
	"hash"

	"github.com/spaolacci/murmur3"
	"golang.org/x/crypto/blake2b"
)

// ErrFull is returned by Put when inserting a brand new key into a table
// that is already at capacity. Callers are expected to stop feeding new
// keys before Utilization reaches the configured load factor; seeing this
// error indicates that contract was violated.
var ErrFull = errors.New("offsetmap: table is full")

// Algorithm names a digest function usable to derive a map slot from a
// record key. Digest width only affects collision probability; any of
// these is wide enough that collisions are statistically negligible for
// realistic key populations, per the engine's documented design tradeoff
// of never dropping a live record at the cost of occasionally retaining an
// extra one.
type Algorithm string

const (
	MD5     Algorithm = "md5"
	SHA1    Algorithm = "sha1"
	Blake2b Algorithm = "blake2b"
	Murmur3 Algorithm = "murmur3"
)

func newHasher(alg Algorithm) (hash.Hash, error) {
	switch alg {
	case MD5, "":
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case Blake2b:
		return blake2b.New256(nil)
	case Murmur3:
		return murmur3.New128(), nil
	default:
		return nil, errors.New("offsetmap: unknown hash algorithm " + string(alg))
	}
}

const emptyOffset = ^uint64(0)

type slot struct {
	digest [16]byte
	offset uint64
	used   bool
}

// Map is a fixed-capacity, open-addressed table with linear probing. It
// never resizes; callers must respect LoadFactor by stopping inserts of
// new keys once Utilization crosses it.
type Map struct {
	slots      []slot
	occupied   int
	loadFactor float64
	hasher     hash.Hash
	alg        Algorithm
}

// Config describes how to size and hash a Map.
type Config struct {
	// MemoryBytes is the total memory budget for the slot table.
	MemoryBytes int64
	// LoadFactor is the utilization ceiling map builders should respect.
	LoadFactor float64
	// HashAlgorithm selects the digest function. Defaults to MD5.
	HashAlgorithm Algorithm
}

const slotBytes = 16 + 8 + 1 // digest + offset + used flag, approximated for sizing

// New builds a Map sized to fit within cfg.MemoryBytes.
func New(cfg Config) (*Map, error) {
	hasher, err := newHasher(cfg.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	lf := cfg.LoadFactor
	if lf <= 0 || lf >= 1 {
		lf = 0.75
	}
	numSlots := cfg.MemoryBytes / slotBytes
	if numSlots < 1 {
		numSlots = 1
	}
	m := &Map{
		slots:      make([]slot, numSlots),
		loadFactor: lf,
		hasher:     hasher,
		alg:        cfg.HashAlgorithm,
	}
	m.Clear()
	return m, nil
}

func (m *Map) digestOf(key []byte) [16]byte {
	m.hasher.Reset()
	m.hasher.Write(key)
	sum := m.hasher.Sum(nil)
	var d [16]byte
	copy(d[:], sum)
	return d
}

// Slots returns the fixed number of slots in the table.
func (m *Map) Slots() int64 { return int64(len(m.slots)) }

// LoadFactor returns the configured utilization ceiling.
func (m *Map) LoadFactor() float64 { return m.loadFactor }

// Utilization returns occupied/Slots.
func (m *Map) Utilization() float64 {
	if len(m.slots) == 0 {
		return 0
	}
	return float64(m.occupied) / float64(len(m.slots))
}

func (m *Map) probe(digest [16]byte) int {
	n := int64(len(m.slots))
	start := int64(0)
	for i := 0; i < 8; i++ {
		start = (start<<8 | int64(digest[i])) % n
		if start < 0 {
			start += n
		}
	}
	return int(start)
}

// Put inserts or overwrites the stored offset for key. Overwriting an
// existing key always succeeds, even at capacity; inserting a brand new key
// into a full table returns ErrFull.
func (m *Map) Put(key []byte, offset uint64) error {
	digest := m.digestOf(key)
	n := len(m.slots)
	start := m.probe(digest)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		s := &m.slots[idx]
		if !s.used {
			if m.occupied >= n {
				return ErrFull
			}
			s.digest = digest
			s.offset = offset
			s.used = true
			m.occupied++
			return nil
		}
		if s.digest == digest {
			s.offset = offset
			return nil
		}
	}
	return ErrFull
}

// Get returns the stored offset for key and true, or (0, false) if key is
// absent. Absence is reported only through ok; the returned offset carries
// no sentinel value.
func (m *Map) Get(key []byte) (offset uint64, ok bool) {
	digest := m.digestOf(key)
	n := len(m.slots)
	start := m.probe(digest)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		s := &m.slots[idx]
		if !s.used {
			return 0, false
		}
		if s.digest == digest {
			return s.offset, true
		}
	}
	return 0, false
}

// Clear empties the table in place without reallocating.
func (m *Map) Clear() {
	for i := range m.slots {
		m.slots[i] = slot{offset: emptyOffset}
	}
	m.occupied = 0
}
