package node

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/shardmesh/pkg/messaging"
)

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload with the process ID, current time, and KV item count.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID   int       `json:"pid"`
		Now   time.Time `json:"now"`
		Items int       `json:"items"`
	}
	data, _ := json.Marshal(resp{PID: os.Getpid(), Now: time.Now(), Items: n.kv.Len()})
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// clientReplyWait is the Callback a forwarded HTTP request blocks on
// while its ClientRequest round-trips over the messaging hub.
type clientReplyWait struct {
	done chan messaging.ClientReplyMessage
}

func newClientReplyWait() *clientReplyWait {
	return &clientReplyWait{done: make(chan messaging.ClientReplyMessage, 1)}
}

func (c *clientReplyWait) Response(msg messaging.MessageIn) {
	reply, _ := msg.Payload.(messaging.ClientReplyMessage)
	c.done <- reply
}

func (c *clientReplyWait) IsLatencyForSnitch() bool { return true }

// forward routes op/key/val to the node that owns key over the
// messaging hub's ClientRequest/RequestResponse round trip, so
// cross-node traffic never leaves the messaging core's own wire
// protocol instead of being re-issued as a fresh HTTP request.
func (n *Node) forward(owner, op, key string, val []byte, ttl time.Duration) (messaging.ClientReplyMessage, error) {
	cb := newClientReplyWait()
	_, err := n.hub.SendRR(messaging.MessageOut{
		Verb: messaging.ClientRequest,
		Payload: messaging.ClientRequestMessage{
			Op: op, Key: key, Value: val, TTL: ttl,
		},
	}, owner, cb)
	if err != nil {
		return messaging.ClientReplyMessage{}, err
	}

	select {
	case reply := <-cb.done:
		return reply, nil
	case <-time.After(n.hub.GetRPCTimeout()):
		return messaging.ClientReplyMessage{}, errForwardTimeout
	}
}

var errForwardTimeout = &forwardTimeoutError{}

type forwardTimeoutError struct{}

func (*forwardTimeoutError) Error() string { return "node: forwarded client request timed out" }

// Put adds a key/value pair.
func (n *Node) Put(w http.ResponseWriter, req *http.Request) {
	key := req.URL.Path[len("/kv/"):]
	owner, self, ok := n.OwnerForKey(key)
	if !ok {
		http.Error(w, "no owner for key", http.StatusServiceUnavailable)
		return
	}

	val, err := io.ReadAll(req.Body)
	if err != nil && err.Error() != "EOF" {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var ttl time.Duration
	if ttlStr := req.URL.Query().Get("ttl"); ttlStr != "" {
		sec, err := strconv.Atoi(ttlStr)
		if err != nil {
			http.Error(w, "invalid ttl", http.StatusBadRequest)
			return
		}
		ttl = time.Duration(sec) * time.Second
	}

	if owner != self {
		n.logger.Debug("forwarding PUT", zap.String("key", key), zap.String("owner", owner))
		if _, err := n.forward(owner, "PUT", key, val, ttl); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	n.kv.Put(key, val, ttl)
	w.WriteHeader(http.StatusNoContent)
}

// Get returns the value for a key.
func (n *Node) Get(w http.ResponseWriter, req *http.Request) {
	key := req.URL.Path[len("/kv/"):]
	owner, self, ok := n.OwnerForKey(key)
	if !ok {
		http.Error(w, "no owner for key", http.StatusServiceUnavailable)
		return
	}

	if owner != self {
		n.logger.Debug("forwarding GET", zap.String("key", key), zap.String("owner", owner))
		reply, err := n.forward(owner, "GET", key, nil, 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		if !reply.Found {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(reply.Value)
		return
	}

	val, ok := n.kv.Get(key)
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(val)
}

// Del removes a key.
func (n *Node) Del(w http.ResponseWriter, req *http.Request) {
	key := req.URL.Path[len("/kv/"):]
	owner, self, ok := n.OwnerForKey(key)
	if !ok {
		http.Error(w, "no owner for key", http.StatusServiceUnavailable)
		return
	}

	if owner != self {
		n.logger.Debug("forwarding DELETE", zap.String("key", key), zap.String("owner", owner))
		if _, err := n.forward(owner, "DELETE", key, nil, 0); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	n.kv.Delete(key)
	w.WriteHeader(http.StatusNoContent)
}

// clientRequestHandler answers a ClientRequest verb with a
// ClientReplyMessage carrying the local KV result, on whichever node
// actually owns the key. It never forwards further: by the time a
// ClientRequest arrives here, the sender has already resolved the
// owner via its own ring.
type clientRequestHandler struct {
	node *Node
}

func (h clientRequestHandler) DoVerb(msg messaging.MessageIn, id int32) {
	req, ok := msg.Payload.(messaging.ClientRequestMessage)
	if !ok {
		return
	}

	var reply messaging.ClientReplyMessage
	switch req.Op {
	case "PUT":
		h.node.kv.Put(req.Key, req.Value, req.TTL)
		reply = messaging.ClientReplyMessage{Found: true}
	case "GET":
		val, found := h.node.kv.Get(req.Key)
		reply = messaging.ClientReplyMessage{Found: found, Value: val}
	case "DELETE":
		found := h.node.kv.Delete(req.Key)
		reply = messaging.ClientReplyMessage{Found: found}
	default:
		reply = messaging.ClientReplyMessage{Err: "unknown op " + req.Op}
	}

	h.node.hub.SendReply(messaging.MessageOut{
		Verb:    messaging.RequestResponse,
		Payload: reply,
	}, id, msg.From)
}
