package messaging

import (
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Listener accepts inbound sockets, authenticates the peer, and spawns
// an InboundConnection per accepted connection. It binds
// with SO_REUSEADDR semantics (Go's net package does this by default on
// the platforms shardmesh targets) and tracks every connection it has
// spawned so Close can tear them down on shutdown.
type Listener struct {
	addr string
	hub  *Hub

	ln net.Listener

	mu          sync.Mutex
	conns       map[*InboundConnection]struct{}
	listening   chan struct{}
	closed      bool
}

// NewListener builds a listener bound to addr once Start is called.
func NewListener(addr string, hub *Hub) *Listener {
	return &Listener{
		addr:      addr,
		hub:       hub,
		conns:     make(map[*InboundConnection]struct{}),
		listening: make(chan struct{}),
	}
}

// Start binds the socket, signals WaitUntilListening, and begins
// accepting in a background goroutine. Bind failures are classified into
// a typed ConfigError.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return classifyBindError(l.addr, err)
	}
	l.ln = ln
	close(l.listening)
	l.hub.logger.Info("messaging listener bound", zap.String("addr", l.addr))
	go l.acceptLoop()
	return nil
}

// WaitUntilListening blocks until Start has finished binding.
func (l *Listener) WaitUntilListening() {
	<-l.listening
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			l.hub.logger.Debug("accept error", zap.Error(err))
			return
		}

		host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
		port, _ := strconv.Atoi(portStr)
		if err != nil || !l.hub.cfg.Authenticator.Authenticate(host, port) {
			l.hub.logger.Debug("peer failed internode authentication, closing before read",
				zap.String("peer", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		ic := NewInboundConnection(conn, l.hub)
		l.track(ic)
		go func() {
			ic.Run()
			l.untrack(ic)
		}()
	}
}

func (l *Listener) track(ic *InboundConnection) {
	l.mu.Lock()
	l.conns[ic] = struct{}{}
	l.mu.Unlock()
}

func (l *Listener) untrack(ic *InboundConnection) {
	l.mu.Lock()
	delete(l.conns, ic)
	l.mu.Unlock()
}

// Close closes the server socket and then every tracked inbound
// connection.
func (l *Listener) Close() error {
	l.mu.Lock()
	l.closed = true
	conns := make([]*InboundConnection, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	var err error
	if l.ln != nil {
		err = l.ln.Close()
	}
	for _, c := range conns {
		c.conn.Close()
	}
	return err
}
