package shard

import (
	"fmt"
)

// Node is one ingest process participating in work partitioning.
type Node struct {
	ID     string     `json:"id"`
	Addr   string     `json:"addr"`
	Status NodeStatus `json:"status"`
}

type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

func (n Node) String() string {
	return fmt.Sprintf("%s@%s[%s]", n.ID, n.Addr, n.Status)
}

// VNode represents a virtual node on the ring.
// It points to a physical Node.
type VNode struct {
	Token  uint64
	NodeID string
}
