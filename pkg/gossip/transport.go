package gossip

import "github.com/ryandielhenn/shardmesh/pkg/messaging"

// Transport is what the gossiper needs from the network: fire a
// one-way verb at a peer, and register the handler that runs when one
// arrives. It exists so tests can swap in an in-process fake instead of
// a real messaging hub.
type Transport interface {
	SendOneWay(verb messaging.Verb, payload messaging.Payload, to string)
	RegisterHandler(verb messaging.Verb, fn func(msg messaging.MessageIn, id int32)) error
	LocalAddr() string
}

// hubTransport is the production Transport, backed by the messaging
// core's Hub: digest exchange and shutdown notices travel as ordinary
// one-way verbs over the same connections as client traffic.
type hubTransport struct {
	hub  *messaging.Hub
	self string
}

func newHubTransport(hub *messaging.Hub, self string) *hubTransport {
	return &hubTransport{hub: hub, self: self}
}

func (t *hubTransport) SendOneWay(verb messaging.Verb, payload messaging.Payload, to string) {
	t.hub.SendOneWay(messaging.MessageOut{Verb: verb, Payload: payload}, to)
}

func (t *hubTransport) RegisterHandler(verb messaging.Verb, fn func(msg messaging.MessageIn, id int32)) error {
	return t.hub.RegisterVerbHandler(verb, verbHandlerFunc(fn))
}

func (t *hubTransport) LocalAddr() string { return t.self }

type verbHandlerFunc func(msg messaging.MessageIn, id int32)

func (f verbHandlerFunc) DoVerb(msg messaging.MessageIn, id int32) { f(msg, id) }
