// Package hashring implements a weighted ketama style consistent hash ring
// over md5.  Nodes are identified by their index in the list passed to New.
package hashring

import (
	"crypto/md5"
	"sort"
	"strconv"
)

// Digests computed per unit of weight.  Every md5 digest yields four points
// on the ring.
const digestsPerWeight = 40

type point struct {
	hash uint32
	node int
}

type HashRing struct {
	points   []point
	numNodes int
}

// New places node i on the ring weights[i] times as often as a node of
// weight 1.  A missing or non-positive weight counts as 1.
func New(names []string, weights []int) *HashRing {
	h := &HashRing{numNodes: len(names)}
	for node, name := range names {
		weight := 1
		if node < len(weights) && weights[node] > 0 {
			weight = weights[node]
		}
		h.addNode(node, name, weight)
	}

	// Ties are broken by node index so that placement does not depend on
	// the order of collisions.
	sort.Slice(h.points, func(i, j int) bool {
		if h.points[i].hash != h.points[j].hash {
			return h.points[i].hash < h.points[j].hash
		}
		return h.points[i].node < h.points[j].node
	})
	return h
}

func (h *HashRing) addNode(node int, name string, weight int) {
	for j := 0; j < digestsPerWeight*weight; j++ {
		digest := md5.Sum([]byte(name + "-" + strconv.Itoa(j)))
		for i := 0; i < 4; i++ {
			h.points = append(h.points, point{
				hash: hashVal(digest[i*4 : i*4+4]),
				node: node,
			})
		}
	}
}

// NumNodes returns the number of nodes the ring was built with.
func (h *HashRing) NumNodes() int {
	return h.numNodes
}

// GetNode returns the node owning key, or -1 for an empty ring.
func (h *HashRing) GetNode(key string) int {
	if len(h.points) == 0 {
		return -1
	}
	return h.points[h.search(key)].node
}

// GetNodes returns every node exactly once, in the order they are met
// walking the ring clockwise from key.  The first entry is GetNode(key).
func (h *HashRing) GetNodes(key string) []int {
	if len(h.points) == 0 {
		return nil
	}

	pos := h.search(key)

	seen := make([]bool, h.numNodes)
	nodes := make([]int, 0, h.numNodes)
	for i := 0; i < len(h.points) && len(nodes) < h.numNodes; i++ {
		node := h.points[(pos+i)%len(h.points)].node
		if !seen[node] {
			seen[node] = true
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// Requires len(h.points) > 0
func (h *HashRing) search(key string) int {
	digest := md5.Sum([]byte(key))
	hash := hashVal(digest[0:4])

	pos := sort.Search(len(h.points), func(i int) bool {
		return h.points[i].hash > hash
	})
	if pos == len(h.points) {
		// Wrap around to the first point.
		return 0
	}
	return pos
}

func hashVal(b []byte) uint32 {
	return (uint32(b[3]) << 24) |
		(uint32(b[2]) << 16) |
		(uint32(b[1]) << 8) |
		uint32(b[0])
}
