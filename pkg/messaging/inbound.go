package messaging

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// InboundConnection reads framed messages off one accepted socket and
// hands decoded tasks to the stage dispatcher. It exclusively
// owns its socket and in-flight parse state; nothing else touches them.
type InboundConnection struct {
	conn   net.Conn
	hub    *Hub
	logger *zap.Logger
	peer   string
}

// NewInboundConnection wraps an accepted socket. Call Run to start its
// read loop; Run returns once the connection is closed or a framing
// error ends it.
func NewInboundConnection(conn net.Conn, hub *Hub) *InboundConnection {
	return &InboundConnection{
		conn:   conn,
		hub:    hub,
		logger: hub.logger,
		peer:   conn.RemoteAddr().String(),
	}
}

// Run performs the magic/header handshake and then loops reading
// messages until the socket closes or a frame is malformed.
func (c *InboundConnection) Run() {
	defer c.conn.Close()

	r := bufio.NewReader(c.conn)

	magic, err := readUint32(r)
	if err != nil {
		c.logger.Debug("inbound connection closed before handshake", zap.String("peer", c.peer), zap.Error(err))
		return
	}
	if magic != ProtocolMagic {
		c.logger.Debug("bad protocol magic, closing connection", zap.String("peer", c.peer))
		return
	}

	header, err := readUint32(r)
	if err != nil {
		return
	}
	listenPort, err := readUint32(r)
	if err != nil {
		return
	}
	version := unpackVersion(header)
	if host, _, splitErr := net.SplitHostPort(c.peer); splitErr == nil && listenPort != 0 {
		c.peer = net.JoinHostPort(host, strconv.Itoa(int(listenPort)))
	}
	c.hub.SetVersion(c.peer, version)
	c.logger.Debug("inbound handshake complete",
		zap.String("peer", c.peer), zap.Int32("version", version),
		zap.Bool("stream", unpackIsStream(header)), zap.Bool("compressed", unpackCompressed(header)))

	for {
		if err := c.readOneMessage(r, version); err != nil {
			if err != io.EOF {
				c.logger.Debug("inbound read loop ending", zap.String("peer", c.peer), zap.Error(err))
			}
			return
		}
	}
}

// readOneMessage decodes one (id, timestamp, verb, params, payload)
// frame and submits the resulting MessageIn for dispatch.
func (c *InboundConnection) readOneMessage(r *bufio.Reader, version int32) error {
	id, err := readInt32(r)
	if err != nil {
		return err
	}
	tsLowWord, err := readUint32(r)
	if err != nil {
		return err
	}
	verbOrdinal, err := readInt32(r)
	if err != nil {
		return err
	}
	verb := Verb(verbOrdinal)

	paramCount, err := readUint32(r)
	if err != nil {
		return err
	}
	params := make(map[string][]byte, paramCount)
	for i := uint32(0); i < paramCount; i++ {
		key, err := readString(r)
		if err != nil {
			return err
		}
		val, err := readBytes(r)
		if err != nil {
			return err
		}
		params[key] = val
	}

	payload, err := c.readPayload(r, verb, id, version)
	if err != nil {
		return err
	}

	msg := MessageIn{
		From:       c.peer,
		Verb:       verb,
		Payload:    payload,
		Parameters: params,
		Version:    version,
		Arrival:    arrivalTime(tsLowWord),
	}
	c.hub.dispatch(msg, id)
	return nil
}

// readPayload enforces a strict ordering for RequestResponse/
// InternalResponse: the callback lookup happens *before* the payload
// bytes are consumed, so a missing callback causes a frame-skip rather
// than a parse attempt against an unknown type.
func (c *InboundConnection) readPayload(r *bufio.Reader, verb Verb, id int32, version int32) (Payload, error) {
	if verb == RequestResponse || verb == InternalResponse {
		deserializer, ok := c.hub.peekCallbackDeserializer(id)
		if !ok || deserializer == nil {
			if err := skipBytes(r); err != nil {
				return nil, err
			}
			return nil, nil
		}
		return decodeLengthPrefixed(r, deserializer, version)
	}

	serializer, ok := SerializerFor(verb)
	if !ok {
		// Unknown/unregistered verb: skip its payload so the stream
		// stays in sync for whatever frame follows.
		if err := skipBytes(r); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return decodeLengthPrefixed(r, serializer, version)
}

func decodeLengthPrefixed(r *bufio.Reader, s Serializer, version int32) (Payload, error) {
	body, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	return s.Deserialize(bytes.NewReader(body), version)
}

// arrivalTime reconstructs a wall-clock time from the wire's low-word
// millisecond timestamp, assuming arrival is close enough in time to the
// send that only the low 32 bits of significance matter.
func arrivalTime(lowWord uint32) time.Time {
	now := time.Now()
	nowMillis := now.UnixMilli()
	reconstructed := (nowMillis &^ 0xFFFFFFFF) | int64(lowWord)
	return time.UnixMilli(reconstructed)
}
