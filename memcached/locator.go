package memcached

import (
	"hash/crc32"

	"github.com/sihuatech/webcache/hash2/hashring"
)

// A locator decides which configured node a key belongs to.  Node ids are
// indexes into the configured server list.
type locator interface {
	// Returns the node for key.  When the preferred node is not usable,
	// the next usable node in the key's failover order is returned.  When
	// no node is usable the preferred node is returned anyway, so that the
	// caller gets a transport error instead of a silent miss.  Returns -1
	// only when there are no nodes.
	pick(key string, usable func(node int) bool) int
}

func newLocator(algo HashAlgorithm, servers []ServerSpec) locator {
	if algo == KetamaHash {
		return newKetamaLocator(servers)
	}
	return newCompatLocator(servers)
}

// Consistent hashing over an md5 hash ring.  A server's share of the ring
// grows with its weight.
type ketamaLocator struct {
	ring *hashring.HashRing
}

func newKetamaLocator(servers []ServerSpec) *ketamaLocator {
	return &ketamaLocator{
		ring: hashring.New(Addresses(servers), Weights(servers)),
	}
}

func (l *ketamaLocator) pick(key string, usable func(node int) bool) int {
	primary := l.ring.GetNode(key)
	if primary < 0 || usable == nil || usable(primary) {
		return primary
	}

	for _, node := range l.ring.GetNodes(key) {
		if usable(node) {
			return node
		}
	}
	return primary
}

// Weighted bucket list addressed by CRC32, the placement used by the classic
// java client's "new compat" hashing.
type compatLocator struct {
	buckets []int
}

func newCompatLocator(servers []ServerSpec) *compatLocator {
	l := &compatLocator{}
	for i, s := range servers {
		for v := 0; v < s.Weight; v++ {
			l.buckets = append(l.buckets, i)
		}
	}
	return l
}

func compatHash(key string) uint32 {
	return (crc32.ChecksumIEEE([]byte(key)) >> 16) & 0x7fff
}

func (l *compatLocator) pick(key string, usable func(node int) bool) int {
	if len(l.buckets) == 0 {
		return -1
	}

	start := int(compatHash(key) % uint32(len(l.buckets)))
	primary := l.buckets[start]
	if usable == nil || usable(primary) {
		return primary
	}

	for i := 1; i < len(l.buckets); i++ {
		if node := l.buckets[(start+i)%len(l.buckets)]; usable(node) {
			return node
		}
	}
	return primary
}
