package shard

import (
	"fmt"
	"sort"
	"sync"

	"github.com/spaolacci/murmur3"
)

const (
	// DefaultVNodesPerNode is the default number of virtual nodes per physical node.
	DefaultVNodesPerNode = 128
)

// Ring is a murmur3 consistent-hash ring that assigns keys (session ids)
// to the healthy node that owns them.
type Ring struct {
	mu            sync.RWMutex
	vnodes        []VNode // sorted by token
	nodes         map[string]Node
	vnodesPerNode int
}

// NewRing creates a new consistent hashing ring.
func NewRing(vnodesPerNode int) *Ring {
	if vnodesPerNode <= 0 {
		vnodesPerNode = DefaultVNodesPerNode
	}
	return &Ring{
		nodes:         make(map[string]Node),
		vnodesPerNode: vnodesPerNode,
	}
}

// AddNode adds a node, or refreshes address and status of a known one
// without moving its vnodes.
func (r *Ring) AddNode(node Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if node.Status == "" {
		node.Status = NodeStatusHealthy
	}

	if _, exists := r.nodes[node.ID]; exists {
		r.nodes[node.ID] = node
		return
	}
	r.nodes[node.ID] = node

	for i := 0; i < r.vnodesPerNode; i++ {
		r.vnodes = append(r.vnodes, VNode{
			Token:  hashKey(fmt.Sprintf("%s-%d", node.ID, i)),
			NodeID: node.ID,
		})
	}
	sort.Slice(r.vnodes, func(i, j int) bool {
		return r.vnodes[i].Token < r.vnodes[j].Token
	})
}

// SetNodeStatus changes a node's health without removing its vnodes, so a
// flapping member gets its keys back when it returns.
func (r *Ring) SetNodeStatus(nodeID string, status NodeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if node, exists := r.nodes[nodeID]; exists {
		node.Status = status
		r.nodes[nodeID] = node
	}
}

// RemoveNode removes a physical node from the ring.
func (r *Ring) RemoveNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[nodeID]; !exists {
		return
	}
	delete(r.nodes, nodeID)

	kept := r.vnodes[:0]
	for _, vn := range r.vnodes {
		if vn.NodeID != nodeID {
			kept = append(kept, vn)
		}
	}
	r.vnodes = kept
}

// Owner returns the first healthy node clockwise from the key's token.
// ok is false when no healthy node exists.
func (r *Ring) Owner(key string) (Node, bool) {
	token := hashKey(key)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.vnodes) == 0 {
		return Node{}, false
	}

	start := sort.Search(len(r.vnodes), func(i int) bool {
		return r.vnodes[i].Token >= token
	})
	for i := 0; i < len(r.vnodes); i++ {
		vn := r.vnodes[(start+i)%len(r.vnodes)]
		if node := r.nodes[vn.NodeID]; node.Status == NodeStatusHealthy {
			return node, true
		}
	}
	return Node{}, false
}

// Nodes returns all physical nodes sorted by ID.
func (r *Ring) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

func hashKey(key string) uint64 {
	return murmur3.Sum64([]byte(key))
}
