package messaging

// Verb identifies the kind of a message. Its wire form is the ordinal
// below, so new verbs must only ever be appended: peers running a prior
// version depend on these ordinals staying put.
type Verb int32

const (
	// RequestResponse carries replies, matched to their request by id.
	RequestResponse Verb = iota
	GossipDigestSyn
	GossipDigestAck
	GossipDigestAck2
	GossipShutdown
	// InternalResponse carries responses to internal (non-client) calls.
	InternalResponse
	Echo
	PullSchema
	PullSchemaAck
	// Unused1-3 preserve ordinals that were reserved upstream; never
	// reassign them to a new verb.
	Unused1
	Unused2
	Unused3
	// ClientRequest is a shardmesh addition: a generic client KV
	// operation routed to whichever node owns the key, replied to over
	// RequestResponse. Appended after the reserved slots per the
	// append-only rule above.
	ClientRequest
)

func (v Verb) String() string {
	switch v {
	case RequestResponse:
		return "REQUEST_RESPONSE"
	case GossipDigestSyn:
		return "GOSSIP_DIGEST_SYN"
	case GossipDigestAck:
		return "GOSSIP_DIGEST_ACK"
	case GossipDigestAck2:
		return "GOSSIP_DIGEST_ACK2"
	case GossipShutdown:
		return "GOSSIP_SHUTDOWN"
	case InternalResponse:
		return "INTERNAL_RESPONSE"
	case Echo:
		return "ECHO"
	case PullSchema:
		return "PULL_SCHEMA"
	case PullSchemaAck:
		return "PULL_SCHEMA_ACK"
	case Unused1, Unused2, Unused3:
		return "UNUSED"
	case ClientRequest:
		return "CLIENT_REQUEST"
	default:
		return "UNKNOWN_VERB"
	}
}

// verbStages is the static verb -> stage map. Gossip must not be starved
// by client request traffic, which is why they run on separate stages.
var verbStages = map[Verb]Stage{
	RequestResponse:   StageRequestResponse,
	InternalResponse:  StageInternalResponse,
	GossipDigestSyn:   StageGossip,
	GossipDigestAck:   StageGossip,
	GossipDigestAck2:  StageGossip,
	GossipShutdown:    StageGossip,
	Echo:              StageGossip,
	PullSchema:        StageRequestResponse,
	PullSchemaAck:     StageRequestResponse,
	Unused1:           StageInternalResponse,
	Unused2:           StageInternalResponse,
	Unused3:           StageInternalResponse,
	ClientRequest:     StageRequestResponse,
}

// StageFor returns the worker-pool stage that executes handlers for verb.
func StageFor(verb Verb) (Stage, bool) {
	s, ok := verbStages[verb]
	return s, ok
}

// droppableVerbs is the set of verbs whose queued messages may be
// silently discarded once they've aged past their timeout. Only
// RequestResponse replies are droppable; every other verb (ClientRequest,
// gossip, schema pulls) is never dropped, no matter how deep the backlog.
var droppableVerbs = map[Verb]bool{
	RequestResponse: true,
}

// Droppable reports whether verb may be dropped from an outbound queue
// once its messages have aged past their send timeout.
func Droppable(verb Verb) bool {
	return droppableVerbs[verb]
}

// verbSerializers is the static verb -> serializer table used by inbound
// connections to decode payloads. RequestResponse and InternalResponse
// have no entry here: their deserializer is recovered from the
// originating request's CallbackInfo, never from this table.
var verbSerializers = map[Verb]Serializer{
	GossipDigestSyn:  gobSerializer[GossipDigestSynMessage]{},
	GossipDigestAck:  gobSerializer[GossipDigestAckMessage]{},
	GossipDigestAck2: gobSerializer[GossipDigestAck2Message]{},
	GossipShutdown:   gobSerializer[GossipShutdownMessage]{},
	Echo:             gobSerializer[EchoMessage]{},
	PullSchema:       gobSerializer[PullSchemaMessage]{},
	PullSchemaAck:    gobSerializer[PullSchemaAckMessage]{},
	ClientRequest:    gobSerializer[ClientRequestMessage]{},
}

// SerializerFor returns the static serializer registered for verb, if any.
func SerializerFor(verb Verb) (Serializer, bool) {
	s, ok := verbSerializers[verb]
	return s, ok
}

// RegisterSerializer lets callers outside this package (gossip, node)
// install a serializer for one of the verbs they own the payload type
// for. It exists so new payload structs don't have to live in this
// package to be wired into the static table.
func RegisterSerializer(verb Verb, s Serializer) {
	verbSerializers[verb] = s
}

// callbackDeserializers maps an *outbound* verb to the serializer that
// should be wired onto the CallbackInfo created for its reply, since
// RequestResponse/InternalResponse payloads carry no type tag on the
// wire.
var callbackDeserializers = map[Verb]Serializer{
	Echo:          gobSerializer[EchoMessage]{},
	PullSchema:    gobSerializer[PullSchemaAckMessage]{},
	ClientRequest: gobSerializer[ClientReplyMessage]{},
}

// CallbackDeserializerFor returns the deserializer that should be used
// for the reply to a message sent with verb.
func CallbackDeserializerFor(verb Verb) Serializer {
	return callbackDeserializers[verb]
}
