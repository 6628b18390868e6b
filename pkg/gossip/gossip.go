package gossip

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/shardmesh/pkg/messaging"
)

// Config carries everything a Gossiper needs to start exchanging
// digests with the rest of the cluster.
type Config struct {
	Self            Member
	Hub             *messaging.Hub
	Seeds           []string      // bootstrap addresses, added as ALIVE members at Start
	GossipInterval  time.Duration // how often a round fires; defaults to 1s
	FailureTimeout  time.Duration // silence before a peer is marked SUSPECT; defaults to 10s
	DeadTimeout     time.Duration // silence before SUSPECT becomes DEAD; defaults to 30s
	Logger          *zap.Logger
	OnStateChange   func(Member) // invoked whenever a member's state transitions
}

// Gossiper runs the periodic SYN/ACK/ACK2 digest exchange and turns
// accumulated silence from a peer into a DEAD transition.
type Gossiper struct {
	cfg       Config
	transport Transport
	members   *memberList
	detector  FailureDetector
	logger    *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Gossiper wired to hub for transport. Start must be
// called to begin the periodic exchange.
func New(cfg Config) *Gossiper {
	if cfg.GossipInterval <= 0 {
		cfg.GossipInterval = time.Second
	}
	if cfg.FailureTimeout <= 0 {
		cfg.FailureTimeout = 10 * time.Second
	}
	if cfg.DeadTimeout <= 0 {
		cfg.DeadTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	g := &Gossiper{
		cfg:       cfg,
		transport: newHubTransport(cfg.Hub, cfg.Self.Addr),
		members:   newMemberList(cfg.Self),
		detector:  newHeartbeatDetector(cfg.FailureTimeout),
		logger:    cfg.Logger,
		stopCh:    make(chan struct{}),
	}
	return g
}

// Start registers the digest verb handlers and begins the periodic
// gossip round and suspicion sweep in background goroutines.
func (g *Gossiper) Start() error {
	if err := g.transport.RegisterHandler(messaging.GossipDigestSyn, g.handleSyn); err != nil {
		return err
	}
	if err := g.transport.RegisterHandler(messaging.GossipDigestAck, g.handleAck); err != nil {
		return err
	}
	if err := g.transport.RegisterHandler(messaging.GossipDigestAck2, g.handleAck2); err != nil {
		return err
	}
	if err := g.transport.RegisterHandler(messaging.GossipShutdown, g.handleShutdown); err != nil {
		return err
	}

	for _, seed := range g.cfg.Seeds {
		if seed == g.cfg.Self.Addr {
			continue
		}
		g.members.ApplyDelta(Delta{Member: Member{ID: NodeID(seed), Addr: seed, State: StateAlive}})
	}

	g.wg.Add(2)
	go g.gossipLoop()
	go g.suspicionLoop()
	return nil
}

// Stop ends both background loops and announces a shutdown to every
// known peer so they can mark this node DEAD without waiting out the
// full failure-detector timeout.
func (g *Gossiper) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
		for _, m := range g.members.All() {
			if m.ID == g.cfg.Self.ID {
				continue
			}
			g.transport.SendOneWay(messaging.GossipShutdown, messaging.GossipShutdownMessage{}, m.Addr)
		}
	})
	g.wg.Wait()
}

// Members returns a snapshot of every member this node currently
// knows about, including itself.
func (g *Gossiper) Members() []Member {
	return g.members.All()
}

func (g *Gossiper) gossipLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.GossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.gossipRound()
		}
	}
}

// gossipRound picks one random non-dead peer (excluding self) and opens
// a SYN exchange with it. Seeds are already members from Start onward;
// with no such peer known, the round sends nothing.
func (g *Gossiper) gossipRound() {
	peers := g.members.All()
	candidates := make([]Member, 0, len(peers))
	for _, m := range peers {
		if m.ID != g.cfg.Self.ID && m.State != StateDead {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return
	}
	target := candidates[rand.Intn(len(candidates))]

	digests := make([]messaging.GossipDigest, 0, len(peers))
	for _, m := range peers {
		digests = append(digests, toDigest(m))
	}
	g.transport.SendOneWay(messaging.GossipDigestSyn, messaging.GossipDigestSynMessage{
		ClusterName: "shardmesh",
		Digests:     digests,
	}, target.Addr)
}

// suspicionLoop periodically checks the failure detector's phi score
// for every known peer, promoting a silent peer from ALIVE to SUSPECT
// past FailureTimeout, and from SUSPECT to DEAD past DeadTimeout.
func (g *Gossiper) suspicionLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.FailureTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case now := <-ticker.C:
			g.sweepSuspicion(now)
		}
	}
}

func (g *Gossiper) sweepSuspicion(now time.Time) {
	for _, m := range g.members.All() {
		if m.ID == g.cfg.Self.ID {
			continue
		}
		if m.State == StateAlive {
			// An alive member's latest merge into the list counts as a
			// heartbeat, so a member never heard from directly still
			// starts its silence clock.
			g.detector.Observe(m.ID, m.LastUpdate)
		}
		phi := g.detector.Phi(m.ID, now)
		switch {
		case m.State == StateAlive && phi >= 1:
			if g.members.MarkSuspect(m.ID) {
				g.notifyStateChange(m.ID)
			}
		case m.State == StateSuspect && phi >= float64(g.cfg.DeadTimeout)/float64(g.cfg.FailureTimeout):
			if g.members.MarkDead(m.ID) {
				g.notifyStateChange(m.ID)
			}
		}
	}
}

func (g *Gossiper) notifyStateChange(id NodeID) {
	m, ok := g.members.Get(id)
	if !ok || g.cfg.OnStateChange == nil {
		return
	}
	g.cfg.OnStateChange(m)
}

// handleSyn answers a digest SYN with an ACK: for every digest the
// sender holds that we're behind on, we ask for it (by digest); for
// every digest we're ahead on (or the sender never mentioned), we
// attach the full state so the sender can catch up without a second
// round trip.
func (g *Gossiper) handleSyn(msg messaging.MessageIn, id int32) {
	syn, ok := msg.Payload.(messaging.GossipDigestSynMessage)
	if !ok {
		g.logger.Warn("gossip syn with unexpected payload type", zap.String("from", msg.From))
		return
	}
	g.detector.Observe(NodeID(msg.From), msg.Arrival)

	seen := make(map[string]bool, len(syn.Digests))
	wanted := make([]messaging.GossipDigest, 0)
	states := make(map[string]messaging.EndpointStateSnapshot)

	for _, d := range syn.Digests {
		seen[d.Endpoint] = true
		local, ok := g.members.Get(NodeID(d.Endpoint))
		if !ok {
			wanted = append(wanted, d)
			continue
		}
		if isNewer(int64(local.Generation), int64(local.Incarnation), d.Generation, d.MaxVersion) {
			wanted = append(wanted, d)
			continue
		}
		if isNewer(d.Generation, d.MaxVersion, int64(local.Generation), int64(local.Incarnation)) {
			states[d.Endpoint] = toSnapshot(local)
		}
	}
	// Anything we know about that the SYN never mentioned: push it too.
	for _, m := range g.members.All() {
		if !seen[string(m.ID)] {
			states[string(m.ID)] = toSnapshot(m)
		}
	}

	g.transport.SendOneWay(messaging.GossipDigestAck, messaging.GossipDigestAckMessage{
		Digests: wanted,
		States:  states,
	}, msg.From)
}

// handleAck applies the states the peer sent, then answers with an
// ACK2 carrying the states it asked for by digest.
func (g *Gossiper) handleAck(msg messaging.MessageIn, id int32) {
	ack, ok := msg.Payload.(messaging.GossipDigestAckMessage)
	if !ok {
		g.logger.Warn("gossip ack with unexpected payload type", zap.String("from", msg.From))
		return
	}
	g.detector.Observe(NodeID(msg.From), msg.Arrival)
	g.applyStates(ack.States)

	states := make(map[string]messaging.EndpointStateSnapshot, len(ack.Digests))
	for _, d := range ack.Digests {
		if m, ok := g.members.Get(NodeID(d.Endpoint)); ok {
			states[d.Endpoint] = toSnapshot(m)
		}
	}
	g.transport.SendOneWay(messaging.GossipDigestAck2, messaging.GossipDigestAck2Message{
		States: states,
	}, msg.From)
}

func (g *Gossiper) handleAck2(msg messaging.MessageIn, id int32) {
	ack2, ok := msg.Payload.(messaging.GossipDigestAck2Message)
	if !ok {
		g.logger.Warn("gossip ack2 with unexpected payload type", zap.String("from", msg.From))
		return
	}
	g.detector.Observe(NodeID(msg.From), msg.Arrival)
	g.applyStates(ack2.States)
}

func (g *Gossiper) handleShutdown(msg messaging.MessageIn, id int32) {
	if g.members.MarkDead(NodeID(msg.From)) {
		g.notifyStateChange(NodeID(msg.From))
	}
}

func (g *Gossiper) applyStates(states map[string]messaging.EndpointStateSnapshot) {
	for addr, snap := range states {
		if addr == string(g.cfg.Self.ID) {
			continue
		}
		m := fromSnapshot(NodeID(addr), addr, snap)
		if g.members.ApplyDelta(Delta{Member: m}) {
			g.notifyStateChange(m.ID)
		}
	}
}
