package gossip

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/anthanhphan/go-ingestion-pipeline/pkg/shard"
	"github.com/anthanhphan/gosdk/logger"
	"github.com/hashicorp/memberlist"
)

// Config describes how this node joins the ingest cluster.
type Config struct {
	NodeID   string
	BindAddr string
	BindPort int
	// ServiceAddr is the HTTP address advertised to peers in node metadata.
	ServiceAddr string
	Seeds       []string
}

// Membership tracks live ingest nodes with memberlist and maps keys to
// their owner on a consistent-hash ring. Background sweeps use it so each
// session is normally handled by one node only.
type Membership struct {
	list *memberlist.Memberlist
	ring *shard.Ring

	nodeID      string
	serviceAddr string
}

var (
	_ memberlist.Delegate      = (*Membership)(nil)
	_ memberlist.EventDelegate = (*Membership)(nil)
)

// NewMembership starts memberlist and registers the local node in ring.
func NewMembership(cfg Config, ring *shard.Ring) (*Membership, error) {
	conf := memberlist.DefaultLANConfig()
	conf.Name = cfg.NodeID
	conf.BindAddr = cfg.BindAddr
	conf.BindPort = cfg.BindPort
	conf.AdvertisePort = cfg.BindPort
	conf.LogOutput = io.Discard

	m := &Membership{
		ring:        ring,
		nodeID:      cfg.NodeID,
		serviceAddr: cfg.ServiceAddr,
	}
	conf.Events = m
	conf.Delegate = m

	list, err := memberlist.Create(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	m.list = list

	ring.AddNode(shard.Node{ID: cfg.NodeID, Addr: cfg.ServiceAddr})

	if len(cfg.Seeds) > 0 {
		if _, err := list.Join(cfg.Seeds); err != nil {
			// Keep running alone; peers that come up later will join us.
			logger.Warnw("Failed to join ingest cluster", "seeds", cfg.Seeds, "error", err.Error())
		}
	}
	return m, nil
}

// Owns reports whether the local node owns key. With no healthy owner
// known the local node claims it, since CAS guards overlapping work.
func (m *Membership) Owns(key string) bool {
	owner, ok := m.ring.Owner(key)
	if !ok {
		return true
	}
	return owner.ID == m.nodeID
}

// Members returns the ring's view of the cluster.
func (m *Membership) Members() []shard.Node {
	return m.ring.Nodes()
}

// Leave gracefully leaves the cluster.
func (m *Membership) Leave() error {
	if err := m.list.Leave(5 * time.Second); err != nil {
		return err
	}
	return m.list.Shutdown()
}

// NodeMeta returns the local node metadata.
func (m *Membership) NodeMeta(limit int) []byte {
	data, err := json.Marshal(nodeMeta{ServiceAddr: m.serviceAddr})
	if err != nil || len(data) > limit {
		logger.Warnw("Gossip node meta not advertised", "limit", limit)
		return nil
	}
	return data
}

// NotifyMsg, GetBroadcasts, LocalState, MergeRemoteState are required by Delegate.
func (m *Membership) NotifyMsg([]byte)                           {}
func (m *Membership) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (m *Membership) LocalState(join bool) []byte                { return nil }
func (m *Membership) MergeRemoteState(buf []byte, join bool)     {}

// NotifyJoin is invoked when a node joins.
func (m *Membership) NotifyJoin(node *memberlist.Node) {
	n := shard.Node{ID: node.Name, Addr: decodeMeta(node.Meta).ServiceAddr}
	if n.Addr == "" {
		n.Addr = node.Address()
	}
	logger.Infow("Ingest node joined", "id", n.ID, "addr", n.Addr)
	m.ring.AddNode(n)
}

// NotifyLeave is invoked when a node leaves or is declared dead.
func (m *Membership) NotifyLeave(node *memberlist.Node) {
	logger.Infow("Ingest node left", "id", node.Name)
	m.ring.SetNodeStatus(node.Name, shard.NodeStatusUnhealthy)
}

// NotifyUpdate is invoked when a node is updated.
func (m *Membership) NotifyUpdate(node *memberlist.Node) {
	m.NotifyJoin(node)
}

type nodeMeta struct {
	ServiceAddr string `json:"service_addr"`
}

func decodeMeta(meta []byte) nodeMeta {
	var nm nodeMeta
	if len(meta) == 0 {
		return nm
	}
	if err := json.Unmarshal(meta, &nm); err != nil {
		logger.Warnw("failed to decode node metadata", "error", err.Error())
	}
	return nm
}
