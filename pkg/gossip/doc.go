// Package gossip implements cluster membership on top of the messaging
// package's verb dispatch: a three-message digest exchange
// (SYN/ACK/ACK2) run periodically against a random peer, piggybacking
// member state until every node converges on the same view. A
// heartbeat-timeout failure detector marks a quiet peer SUSPECT, and a
// confirmed timeout promotes it to DEAD, which the node layer turns
// into messaging.Hub.Convict.
//
// Typical usage:
//
//	g := gossip.New(gossip.Config{Self: gossip.Member{ID: "node1", Addr: "10.0.0.1:7000"}, Hub: hub})
//	g.Start()
//	defer g.Stop()
package gossip
