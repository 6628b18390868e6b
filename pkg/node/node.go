package node

import (
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/shardmesh/pkg/gossip"
	"github.com/ryandielhenn/shardmesh/pkg/kv"
	"github.com/ryandielhenn/shardmesh/pkg/messaging"
	"github.com/ryandielhenn/shardmesh/pkg/ring"
)

// Node ties the messaging hub, gossip membership, consistent-hash ring,
// and local KV store together -- the messaging core's one real
// consumer, equivalent in role to StorageServer in the original.
type Node struct {
	kv     *kv.Store
	ring   *ring.HashRing
	addr   string
	selfID string
	rf     int

	hub    *messaging.Hub
	gsp    *gossip.Gossiper
	logger *zap.Logger
}

// Config is everything New needs to wire a Node to a already-listening
// Hub.
type Config struct {
	Store             *kv.Store
	Ring              *ring.HashRing
	Hub               *messaging.Hub
	SelfID            string
	Addr              string
	ReplicationFactor int
	Logger            *zap.Logger
	GossipSeeds       []string
	GossipInterval    time.Duration
	FailureTimeout    time.Duration
	DeadTimeout       time.Duration
}

// New constructs a Node, registers its ClientRequest verb handler on
// cfg.Hub, and builds (but does not start) its gossiper. Call Start to
// begin gossiping and accepting cluster-routed client traffic.
func New(cfg Config) *Node {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 2
	}

	n := &Node{
		kv:     cfg.Store,
		ring:   cfg.Ring,
		addr:   cfg.Addr,
		selfID: cfg.SelfID,
		rf:     cfg.ReplicationFactor,
		hub:    cfg.Hub,
		logger: cfg.Logger,
	}

	n.gsp = gossip.New(gossip.Config{
		Self:           gossip.Member{ID: gossip.NodeID(cfg.SelfID), Addr: cfg.Addr, Generation: uint64(time.Now().Unix())},
		Hub:            cfg.Hub,
		Seeds:          cfg.GossipSeeds,
		GossipInterval: cfg.GossipInterval,
		FailureTimeout: cfg.FailureTimeout,
		DeadTimeout:    cfg.DeadTimeout,
		Logger:         cfg.Logger,
		OnStateChange:  n.onMemberStateChange,
	})

	if err := cfg.Hub.RegisterVerbHandler(messaging.ClientRequest, clientRequestHandler{node: n}); err != nil {
		cfg.Logger.Warn("client request handler already registered", zap.Error(err))
	}

	return n
}

// NewNode/NewNodeRF are simple constructors kept for callers (tests,
// cmd/bench-style standalone tools) that want a bare ring+kv node with
// no gossip or messaging wired in.
func NewNode(store *kv.Store, r *ring.HashRing, addr string) *Node {
	return NewNodeRF(store, r, addr, 3)
}

func NewNodeRF(store *kv.Store, r *ring.HashRing, addr string, replicationFactor int) *Node {
	return &Node{
		kv:     store,
		ring:   r,
		addr:   addr,
		selfID: addr,
		rf:     replicationFactor,
		logger: zap.NewNop(),
	}
}

// Start begins gossiping; it is a no-op if this Node was built via
// NewNode/NewNodeRF with no Hub.
func (n *Node) Start() error {
	if n.gsp == nil {
		return nil
	}
	return n.gsp.Start()
}

// Stop ends gossiping, announcing a shutdown to known peers first.
func (n *Node) Stop() {
	if n.gsp != nil {
		n.gsp.Stop()
	}
}

// onMemberStateChange keeps the consistent-hash ring in sync with
// gossip membership: an ALIVE transition adds the peer as an owner
// candidate, SUSPECT/DEAD removes it so keys route around a silent
// node rather than timing out on every request. A DEAD peer is also
// convicted, resetting its outbound connection.
func (n *Node) onMemberStateChange(m gossip.Member) {
	switch m.State {
	case gossip.StateAlive:
		n.ring.Add(string(m.ID), m.Addr)
	case gossip.StateSuspect:
		n.ring.Remove(string(m.ID))
	case gossip.StateDead:
		n.ring.Remove(string(m.ID))
		n.hub.Convict(m.Addr)
	}
}

func (n *Node) AddPeer(id string, hostport string) {
	n.ring.Add(id, hostport)
}

func (n *Node) ClearPeers() {
	n.ring.Clear()
}

func (n *Node) Addr() string {
	return n.addr
}

// Replicas returns the rf replica owners for key, in ring order.
func (n *Node) Replicas(key string) []string {
	return n.ring.LookupN([]byte(key), n.rf)
}
