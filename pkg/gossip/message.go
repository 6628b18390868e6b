package gossip

import "github.com/ryandielhenn/shardmesh/pkg/messaging"

// NodeID identifies a cluster member. In practice it's the same
// host:port string used as the member's Addr and as the messaging
// layer's peer identity, kept as a distinct type so call sites can't
// accidentally pass an arbitrary string where a member id is expected.
type NodeID string

// State is a member's liveness as known locally. A later message with a
// newer generation or incarnation replaces the member's state whatever
// it was, so a suspected or dead member can come back as StateAlive.
type State uint8

const (
	StateAlive State = iota
	StateSuspect
	StateDead
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateSuspect:
		return "suspect"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Delta is one member's state as carried in a digest exchange: enough
// to let a peer decide whether it already has something newer.
type Delta struct {
	Member Member
}

// toDigest summarizes a member down to what's needed to decide who's
// behind: its generation (set once, at startup) and incarnation (bumped
// on every local state change).
func toDigest(m Member) messaging.GossipDigest {
	return messaging.GossipDigest{
		Endpoint:   string(m.ID),
		Generation: int64(m.Generation),
		MaxVersion: int64(m.Incarnation),
	}
}

func toSnapshot(m Member) messaging.EndpointStateSnapshot {
	return messaging.EndpointStateSnapshot{
		Generation: int64(m.Generation),
		Version:    int64(m.Incarnation),
		State:      m.State.String(),
	}
}

func fromSnapshot(id NodeID, addr string, s messaging.EndpointStateSnapshot) Member {
	var st State
	switch s.State {
	case "suspect":
		st = StateSuspect
	case "dead":
		st = StateDead
	default:
		st = StateAlive
	}
	return Member{
		ID:          id,
		Addr:        addr,
		Generation:  uint64(s.Generation),
		Incarnation: uint64(s.Version),
		State:       st,
	}
}

// isNewer reports whether a remote generation/incarnation pair
// postdates a local one, using generation first (a restart always
// wins) and incarnation as the tiebreaker within one generation.
func isNewer(localGen, localVer, remoteGen, remoteVer int64) bool {
	if remoteGen != localGen {
		return remoteGen > localGen
	}
	return remoteVer > localVer
}
