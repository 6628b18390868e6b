package messaging

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// queuedMessage is one enqueued send awaiting its turn on the writer.
type queuedMessage struct {
	id        int32
	msg       MessageOut
	enqueued  time.Time
}

// OutboundConnection is the single writer for one remote endpoint.
// It lazily connects on first send, serializes every write
// for that peer (guaranteeing per-peer FIFO), and silently drops aged
// droppable-verb messages rather than ever blocking the caller.
type OutboundConnection struct {
	endpoint string // logical identity; never changes
	hub      *Hub

	mu     sync.Mutex
	target string // dial target, possibly rewritten by PreferredIP
	conn   net.Conn
	queue  []*queuedMessage
	cond   *sync.Cond
	closed bool

	version atomic.Int32

	completed atomic.Int64
	pending   atomic.Int64
	timeouts  atomic.Int64

	resetEpoch atomic.Int64
}

// NewOutboundConnection constructs a connection for endpoint and starts
// its dedicated writer goroutine. The connection itself does not dial
// until the first enqueued message needs a socket.
func NewOutboundConnection(endpoint string, hub *Hub) *OutboundConnection {
	c := &OutboundConnection{
		endpoint: endpoint,
		target:   endpoint,
		hub:      hub,
	}
	c.cond = sync.NewCond(&c.mu)
	go c.writeLoop()
	return c
}

// Enqueue appends msg to the send queue without blocking; the writer
// goroutine takes responsibility for eventually transmitting or
// discarding it.
func (c *OutboundConnection) Enqueue(msg MessageOut, id int32) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, &queuedMessage{id: id, msg: msg, enqueued: time.Now()})
	c.mu.Unlock()
	n := c.pending.Add(1)
	c.hub.metrics.SetPending(c.endpoint, n)
	c.cond.Signal()
}

// Reset closes the current socket and discards everything still queued,
// keeping the connection's identity. The next Enqueue triggers a fresh
// reconnect.
func (c *OutboundConnection) Reset() {
	c.mu.Lock()
	c.discardLocked()
	c.mu.Unlock()
}

// ResetTo is Reset plus retargeting future dials at newTarget. The
// outbound table key (c.endpoint) is unaffected, so callers keep
// addressing this connection by its original logical endpoint even
// after a preferred-IP style migration.
func (c *OutboundConnection) ResetTo(newTarget string) {
	c.mu.Lock()
	c.target = newTarget
	c.discardLocked()
	c.mu.Unlock()
}

func (c *OutboundConnection) discardLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	dropped := int64(len(c.queue))
	c.queue = nil
	c.resetEpoch.Add(1)
	n := c.pending.Add(-dropped)
	c.hub.metrics.SetPending(c.endpoint, n)
}

// Close is terminal: the writer goroutine exits and no further sends
// are accepted.
func (c *OutboundConnection) Close() {
	c.mu.Lock()
	c.closed = true
	c.discardLocked()
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *OutboundConnection) IncrementTimeout()          { c.timeouts.Add(1) }
func (c *OutboundConnection) PendingMessages() int64     { return c.pending.Load() }
func (c *OutboundConnection) CompletedMessages() int64   { return c.completed.Load() }
func (c *OutboundConnection) Timeouts() int64            { return c.timeouts.Load() }

// writeLoop is the connection's dedicated writer: it owns socket
// lifecycle and is the only goroutine that ever writes to c.conn, which
// is what guarantees per-peer send ordering.
func (c *OutboundConnection) writeLoop() {
	for {
		item, ok := c.dequeue()
		if !ok {
			return // Close was called and the queue is empty
		}
		n := c.pending.Add(-1)
		c.hub.metrics.SetPending(c.endpoint, n)

		if Droppable(item.msg.Verb) && item.msg.Timeout > 0 && time.Since(item.enqueued) > item.msg.Timeout {
			c.hub.metrics.IncDropped(item.msg.Verb)
			continue
		}

		if err := c.ensureConnected(); err != nil {
			c.hub.logger.Debug("outbound connect failed, dropping message",
				zap.String("endpoint", c.endpoint), zap.Error(err))
			continue
		}

		if err := c.writeMessage(item); err != nil {
			c.hub.logger.Debug("outbound write failed, resetting connection",
				zap.String("endpoint", c.endpoint), zap.Error(err))
			c.Reset()
			continue
		}
		c.completed.Add(1)
		c.hub.metrics.IncCompleted(c.endpoint)
	}
}

// dequeue blocks until a message is available or the connection is
// closed with an empty queue.
func (c *OutboundConnection) dequeue() (*queuedMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) == 0 {
		if c.closed {
			return nil, false
		}
		c.cond.Wait()
	}
	item := c.queue[0]
	c.queue = c.queue[1:]
	return item, true
}

// ensureConnected dials the current target if there is no live socket.
// Concurrent writers never race here: the writer goroutine is the only
// caller, by construction.
func (c *OutboundConnection) ensureConnected() error {
	c.mu.Lock()
	alreadyConnected := c.conn != nil
	target := c.hub.cfg.PreferredIP(c.target)
	c.mu.Unlock()
	if alreadyConnected {
		return nil
	}

	d := net.Dialer{Timeout: c.hub.cfg.ConnectTimeout}
	conn, err := d.Dial("tcp", target)
	if err != nil {
		return err
	}

	header := packHeader(CurrentVersion, false, false)
	bw := bufio.NewWriter(conn)
	if err := writeUint32(bw, ProtocolMagic); err != nil {
		conn.Close()
		return err
	}
	if err := writeUint32(bw, header); err != nil {
		conn.Close()
		return err
	}
	// Tell the peer which port we accept connections on, since all it
	// sees on its side of the accept() is our ephemeral source port.
	if err := writeUint32(bw, uint32(c.hub.selfListenPort())); err != nil {
		conn.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// writeMessage frames and writes one message: id, low-word millisecond
// timestamp, verb ordinal, parameter count, parameters, then the
// length-prefixed serialized payload.
func (c *OutboundConnection) writeMessage(item *queuedMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}

	serializer, payload := c.resolveSerializer(item.msg)
	body, err := encodePayload(serializer, payload, c.hub.GetVersion(c.endpoint))
	if err != nil {
		return err
	}

	w := bufio.NewWriter(conn)
	if err := writeInt32(w, item.id); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(time.Now().UnixMilli())); err != nil {
		return err
	}
	if err := writeInt32(w, int32(item.msg.Verb)); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(item.msg.Parameters))); err != nil {
		return err
	}
	for k, v := range item.msg.Parameters {
		if err := writeString(w, k); err != nil {
			return err
		}
		if err := writeBytes(w, v); err != nil {
			return err
		}
	}
	if err := writeBytes(w, body); err != nil {
		return err
	}
	return w.Flush()
}

// resolveSerializer picks the static serializer for msg.Verb, or for
// RequestResponse/InternalResponse falls back to whatever serializer the
// payload's own verb-level registration implies -- callers constructing
// a reply are expected to supply a payload whose type matches a
// registered CallbackDeserializer on the other end.
func (c *OutboundConnection) resolveSerializer(msg MessageOut) (Serializer, Payload) {
	if s, ok := SerializerFor(msg.Verb); ok {
		return s, msg.Payload
	}
	// RequestResponse / InternalResponse: the payload carries no static
	// serializer, so recover one keyed by the payload's own concrete
	// type among the registered callback deserializers.
	for _, s := range callbackDeserializers {
		if s.Owns(msg.Payload) {
			return s, msg.Payload
		}
	}
	return nil, msg.Payload
}
