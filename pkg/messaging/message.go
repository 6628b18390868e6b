package messaging

import (
	"bytes"
	"encoding/gob"
	"io"
	"time"
)

// Reserved parameter keys. Any other key found on the wire is preserved
// and passed through uninterpreted.
const (
	// ParamFailureCallback flags that the sender wants onFailure invoked
	// if this request times out.
	ParamFailureCallback = "CAL_BAC"
	// ParamFailureResponse flags that this message is itself a failure
	// notification rather than an ordinary reply.
	ParamFailureResponse = "FAIL"
)

// oneByte is the placeholder value the original attaches to
// ParamFailureCallback; only its presence as a key matters.
var oneByte = []byte{0}

// Payload is any value that can ride as a message body. Concrete types
// implement no particular method set themselves; their Serializer does
// the encoding/decoding on their behalf.
type Payload any

// Serializer encodes and decodes one payload type for wire transport.
// Each verb with a static payload type carries exactly one Serializer;
// RequestResponse and InternalResponse carry none, since their payload
// type is determined per-message by the originating CallbackInfo.
type Serializer interface {
	Serialize(p Payload, w io.Writer, version int32) error
	Deserialize(r io.Reader, version int32) (Payload, error)
	// Owns reports whether p is the concrete type this serializer
	// encodes, so the outbound path can recover the right serializer
	// for a RequestResponse/InternalResponse reply from its payload
	// alone, with no reflection-heavy trial encoding.
	Owns(p Payload) bool
}

// gobSerializer is the stdlib-backed Serializer used for shardmesh's own
// payload types. The wire format never needs cross-language
// compatibility (every peer in the cluster runs this binary), so gob is
// sufficient and avoids hand-rolling a binary codec for each struct.
type gobSerializer[T any] struct{}

func (gobSerializer[T]) Serialize(p Payload, w io.Writer, _ int32) error {
	v, ok := p.(T)
	if !ok {
		var zero T
		return &invalidPayloadError{want: zero, got: p}
	}
	return gob.NewEncoder(w).Encode(v)
}

func (gobSerializer[T]) Deserialize(r io.Reader, _ int32) (Payload, error) {
	var v T
	if err := gob.NewDecoder(r).Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func (gobSerializer[T]) Owns(p Payload) bool {
	_, ok := p.(T)
	return ok
}

// MessageOut is an outbound envelope: a verb, its payload, optional
// per-message parameters, and a send timeout used only for callback
// expiry and droppable-verb aging.
type MessageOut struct {
	Verb       Verb
	Payload    Payload
	Parameters map[string][]byte
	Timeout    time.Duration
}

// WithParameter returns a copy of m with key/value added to its
// parameter set, leaving m itself untouched.
func (m MessageOut) WithParameter(key string, value []byte) MessageOut {
	out := m
	out.Parameters = make(map[string][]byte, len(m.Parameters)+1)
	for k, v := range m.Parameters {
		out.Parameters[k] = v
	}
	out.Parameters[key] = value
	return out
}

// hasParameter reports whether key is present regardless of its value.
func (m MessageOut) hasParameter(key string) bool {
	_, ok := m.Parameters[key]
	return ok
}

// MessageIn is the peer-side reconstruction of a received message.
type MessageIn struct {
	From       string
	Verb       Verb
	Payload    Payload
	Parameters map[string][]byte
	Version    int32
	Arrival    time.Time
}

// encodePayload serializes p with s into a standalone buffer, so the
// caller can write it as a length-prefixed frame.
func encodePayload(s Serializer, p Payload, version int32) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := s.Serialize(p, &buf, version); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type invalidPayloadError struct {
	want, got any
}

func (e *invalidPayloadError) Error() string {
	return "messaging: payload type mismatch for serializer"
}

// --- Built-in payload types for the verbs this package owns end to end. ---

// EchoMessage is an empty probe payload: ECHO carries nothing, and its
// reply (also empty) round-trips through RequestResponse.
type EchoMessage struct{}

// GossipDigestSynMessage/Ack/Ack2 intentionally carry only the minimum
// needed to exercise the messaging fabric honestly; a full accrual
// failure detector and digest reconciliation state machine is not
// implemented here.
type GossipDigestSynMessage struct {
	ClusterName string
	Digests     []GossipDigest
}

type GossipDigestAckMessage struct {
	Digests []GossipDigest
	States  map[string]EndpointStateSnapshot
}

type GossipDigestAck2Message struct {
	States map[string]EndpointStateSnapshot
}

type GossipShutdownMessage struct{}

// GossipDigest is a compact summary of what a node knows about a peer's
// generation/version, used to decide who needs a fuller state push.
type GossipDigest struct {
	Endpoint   string
	Generation int64
	MaxVersion int64
}

// EndpointStateSnapshot is the minimal per-member state gossiped between
// nodes: enough to drive membership, nothing about schema or topology.
type EndpointStateSnapshot struct {
	Generation int64
	Version    int64
	State      string // "alive" | "suspect" | "dead"
}

// PullSchemaMessage/Ack demonstrate a generic request/reply exchange
// distinct from the client KV path; real schema definitions are not
// modeled, so the payload is a stand-in version marker.
type PullSchemaMessage struct {
	SchemaVersion string
}

type PullSchemaAckMessage struct {
	SchemaVersion string
	Definitions   map[string]string
}

// ClientRequestMessage is shardmesh's own addition: a generic client KV
// operation forwarded to whichever node owns the key.
type ClientRequestMessage struct {
	Op    string // "GET" | "PUT" | "DELETE"
	Key   string
	Value []byte
	TTL   time.Duration
}

// ClientReplyMessage is the RequestResponse payload wired to a
// ClientRequest callback.
type ClientReplyMessage struct {
	Found bool
	Value []byte
	Err   string
}
