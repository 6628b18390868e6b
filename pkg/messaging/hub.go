package messaging

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// HubConfig carries the collaborators and tunables the hub needs from
// its environment, supplied by the process's config loader.
type HubConfig struct {
	RPCTimeout      time.Duration
	ConnectTimeout  time.Duration
	Authenticator   InternodeAuthenticator
	PreferredIP     func(endpoint string) string
	Metrics         Metrics
	Logger          *zap.Logger
	StageDispatcher *StageDispatcher
}

// Hub is the messaging core's public facade: send-one-way,
// send-request-reply, verb-handler registry, peer version table,
// latency subscribers, and dropped-message accounting. It is constructed
// once by the server bootstrap and passed to collaborators by reference;
// nothing here is package-global.
type Hub struct {
	cfg HubConfig

	mu           sync.RWMutex
	verbHandlers map[Verb]VerbHandler
	versions     map[string]int32
	outbound     map[string]*OutboundConnection
	subscribers  []LatencySubscriber

	registry   *CallbackRegistry
	dispatcher *StageDispatcher
	logger     *zap.Logger
	metrics    Metrics

	idGen atomic.Int32

	listener   *Listener
	selfPort   atomic.Int32

	shuttingDown atomic.Bool
}

// NewHub constructs a hub with its default verb handlers already
// registered, mirroring registerDefaultVerbHandlers in the original.
func NewHub(cfg HubConfig) *Hub {
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 10 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Authenticator == nil {
		cfg.Authenticator = AllowAllAuthenticator{}
	}
	if cfg.PreferredIP == nil {
		cfg.PreferredIP = func(ep string) string { return ep }
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NoopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.StageDispatcher == nil {
		cfg.StageDispatcher = NewStageDispatcher(nil, cfg.Logger)
	}

	h := &Hub{
		cfg:          cfg,
		verbHandlers: make(map[Verb]VerbHandler),
		versions:     make(map[string]int32),
		outbound:     make(map[string]*OutboundConnection),
		dispatcher:   cfg.StageDispatcher,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
	h.registry = NewCallbackRegistry(h.timeoutReporter)
	h.registerDefaultVerbHandlers()
	return h
}

func (h *Hub) registerDefaultVerbHandlers() {
	h.verbHandlers[RequestResponse] = &ResponseVerbHandler{hub: h}
	h.verbHandlers[InternalResponse] = &ResponseVerbHandler{hub: h}
	h.verbHandlers[Echo] = &EchoVerbHandler{hub: h}
}

// RegisterVerbHandler installs handler for verb. A duplicate
// registration is a programming error, not a runtime condition, and
// fails loudly rather than silently overwriting.
func (h *Hub) RegisterVerbHandler(verb Verb, handler VerbHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.verbHandlers[verb]; exists {
		return fmt.Errorf("messaging: duplicate verb handler registration for %s", verb)
	}
	h.verbHandlers[verb] = handler
	return nil
}

func (h *Hub) handlerFor(verb Verb) (VerbHandler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handler, ok := h.verbHandlers[verb]
	return handler, ok
}

func (h *Hub) nextID() int32 {
	return h.idGen.Add(1)
}

// SendOneWay fire-and-forgets msg to `to`, allocating a fresh id.
func (h *Hub) SendOneWay(msg MessageOut, to string) int32 {
	id := h.nextID()
	h.SendOneWayWithID(msg, id, to)
	return id
}

// SendOneWayWithID fire-and-forgets msg to `to` reusing the given id.
// Returns once the message is enqueued; it does not wait for network
// transmission.
func (h *Hub) SendOneWayWithID(msg MessageOut, id int32, to string) {
	if h.shuttingDown.Load() {
		return
	}
	conn := h.connectionFor(to)
	conn.Enqueue(msg, id)
}

// SendRR registers a callback for msg's reply and sends it, returning
// the id the caller correlates the reply with.
func (h *Hub) SendRR(msg MessageOut, to string, cb Callback) (int32, error) {
	return h.sendRR(msg, to, cb, h.cfg.RPCTimeout, false)
}

// SendRRTimeout is SendRR with an explicit per-message timeout.
func (h *Hub) SendRRTimeout(msg MessageOut, to string, cb Callback, timeout time.Duration) (int32, error) {
	return h.sendRR(msg, to, cb, timeout, false)
}

// SendRRWithFailure is SendRR for a callback that additionally wants
// onFailure(target) invoked on timeout.
func (h *Hub) SendRRWithFailure(msg MessageOut, to string, cb FailureAwareCallback, timeout time.Duration) (int32, error) {
	return h.sendRR(msg, to, cb, timeout, true)
}

func (h *Hub) sendRR(msg MessageOut, to string, cb Callback, timeout time.Duration, failureCallback bool) (int32, error) {
	if timeout <= 0 {
		timeout = h.cfg.RPCTimeout
	}
	id := h.nextID()
	info := CallbackInfo{
		Target:          to,
		Callback:        cb,
		Deserializer:    CallbackDeserializerFor(msg.Verb),
		FailureCallback: failureCallback,
		CreatedAt:       time.Now(),
	}
	if err := h.registry.Put(id, info, timeout); err != nil {
		return 0, err
	}
	out := msg
	out.Timeout = timeout
	if failureCallback {
		out = out.WithParameter(ParamFailureCallback, oneByte)
	}
	h.SendOneWayWithID(out, id, to)
	return id, nil
}

// SendReply sends msg to `to` reusing id, for reply correlation with an
// inbound request.
func (h *Hub) SendReply(msg MessageOut, id int32, to string) {
	h.SendOneWayWithID(msg, id, to)
}

// GetVersion returns the negotiated protocol version for endpoint,
// clamped to CurrentVersion, or CurrentVersion if the peer's version is
// unknown.
func (h *Hub) GetVersion(endpoint string) int32 {
	h.mu.RLock()
	v, ok := h.versions[endpoint]
	h.mu.RUnlock()
	if !ok {
		return CurrentVersion
	}
	if v < CurrentVersion {
		return v
	}
	return CurrentVersion
}

// SetVersion records endpoint's negotiated protocol version, overwriting
// any previous value (last-writer-wins).
func (h *Hub) SetVersion(endpoint string, version int32) {
	h.mu.Lock()
	h.versions[endpoint] = version
	h.mu.Unlock()
}

// RemoveVersion forgets endpoint's negotiated version; GetVersion will
// again assume CurrentVersion for it.
func (h *Hub) RemoveVersion(endpoint string) {
	h.mu.Lock()
	delete(h.versions, endpoint)
	h.mu.Unlock()
}

func (h *Hub) knowsVersion(endpoint string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.versions[endpoint]
	return ok
}

// Convict resets the outbound connection to ep, discarding anything
// still queued. Called by the failure detector when it decides a peer
// is unreachable.
func (h *Hub) Convict(ep string) {
	h.logger.Debug("convicting peer, resetting outbound connection", zap.String("endpoint", ep))
	h.connectionFor(ep).Reset()
}

// Reconnect retargets the outbound connection keyed by `oldEp` to dial
// `newEp` going forward. The connection's identity (its key in the
// outbound table) stays `oldEp`.
func (h *Hub) Reconnect(oldEp, newEp string) {
	h.connectionFor(oldEp).ResetTo(newEp)
}

// Register adds a latency subscriber. The subscriber list is append-only
// under hub ownership; readers iterate a snapshot.
func (h *Hub) Register(sub LatencySubscriber) {
	h.mu.Lock()
	h.subscribers = append(h.subscribers, sub)
	h.mu.Unlock()
}

func (h *Hub) subscriberSnapshot() []LatencySubscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]LatencySubscriber, len(h.subscribers))
	copy(out, h.subscribers)
	return out
}

func (h *Hub) addLatency(endpoint string, latency time.Duration) {
	h.metrics.ObserveLatency(endpoint, latency)
	for _, sub := range h.subscriberSnapshot() {
		sub.ReceiveTiming(endpoint, latency)
	}
}

// connectionFor returns the outbound connection for ep, creating it
// lazily and atomically if this is the first send to that endpoint.
func (h *Hub) connectionFor(ep string) *OutboundConnection {
	h.mu.RLock()
	conn, ok := h.outbound[ep]
	h.mu.RUnlock()
	if ok {
		return conn
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if conn, ok := h.outbound[ep]; ok {
		return conn
	}
	conn = NewOutboundConnection(ep, h)
	h.outbound[ep] = conn
	return conn
}

// DestroyConnection closes and forgets the outbound connection for ep.
func (h *Hub) DestroyConnection(ep string) {
	h.mu.Lock()
	conn, ok := h.outbound[ep]
	if ok {
		delete(h.outbound, ep)
	}
	h.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// Listen binds the listener on addr and returns once the bind has
// completed (success or typed ConfigError); WaitUntilListening blocks
// until the one-shot listening signal fires.
func (h *Hub) Listen(addr string) error {
	l := NewListener(addr, h)
	h.registry.Reset() // hack to allow tests to stop/restart the hub
	if err := l.Start(); err != nil {
		return err
	}
	h.listener = l
	if _, portStr, err := net.SplitHostPort(l.ln.Addr().String()); err == nil {
		if port, err := strconv.Atoi(portStr); err == nil {
			h.selfPort.Store(int32(port))
		}
	}
	return nil
}

// GetRPCTimeout returns the default request/reply timeout this hub was
// configured with, for collaborators that need to bound their own wait
// on a SendRR reply without duplicating the config value.
func (h *Hub) GetRPCTimeout() time.Duration {
	return h.cfg.RPCTimeout
}

// selfListenPort returns the port this hub accepts inbound connections
// on, so an outbound connection can tell the peer where to dial back
// for replies -- the peer otherwise only sees our ephemeral source port.
func (h *Hub) selfListenPort() int32 {
	return h.selfPort.Load()
}

// WaitUntilListening blocks until Listen has finished binding.
func (h *Hub) WaitUntilListening() {
	if h.listener != nil {
		h.listener.WaitUntilListening()
	}
}

// ListenAddr returns the bound address of this hub's listener, e.g. for
// a ":0" bind where the OS picked the port. Empty if Listen was never
// called.
func (h *Hub) ListenAddr() string {
	if h.listener == nil || h.listener.ln == nil {
		return ""
	}
	return h.listener.ln.Addr().String()
}

// Shutdown quiesces the callback registry (blocking until every entry
// drains or expires) and closes the listener and all inbound
// connections. No new sends are accepted once this returns.
func (h *Hub) Shutdown() {
	h.shuttingDown.Store(true)
	h.logger.Info("messaging hub quiescing")
	h.registry.ShutdownBlocking()
	if h.listener != nil {
		h.listener.Close()
	}
}

// --- Inbound dispatch, called from InboundConnection. ---

// dispatch looks up the stage and handler for msg.Verb and submits the
// handler invocation as a task on that stage. The hub never inspects
// queue contents past this point.
func (h *Hub) dispatch(msg MessageIn, id int32) {
	handler, ok := h.handlerFor(msg.Verb)
	if !ok {
		h.logger.Debug("no handler registered for verb", zap.Stringer("verb", msg.Verb))
		return
	}
	stage, ok := StageFor(msg.Verb)
	if !ok {
		h.logger.Warn("no stage configured for verb", zap.Stringer("verb", msg.Verb))
		return
	}
	h.dispatcher.Submit(stage, func() { handler.DoVerb(msg, id) })
}

// peekCallbackDeserializer is used by the inbound reader to recover the
// deserializer for a RequestResponse/InternalResponse payload *before*
// consuming its bytes, without removing the entry (removal happens once
// the dispatched ResponseVerbHandler runs).
func (h *Hub) peekCallbackDeserializer(id int32) (Serializer, bool) {
	info, ok := h.registry.Get(id)
	if !ok {
		return nil, false
	}
	return info.Deserializer, true
}

// timeoutReporter runs an ordered sequence on callback expiry: latency
// accounting, global/peer timeout counters,
// then (for failure-aware callbacks) onFailure dispatched onto the
// InternalResponse stage so it never blocks the sweeper.
func (h *Hub) timeoutReporter(id int32, info CallbackInfo, elapsed time.Duration) {
	if info.Callback != nil && info.Callback.IsLatencyForSnitch() {
		h.addLatency(info.Target, elapsed)
	}
	h.metrics.IncTimeoutsTotal()
	h.metrics.IncPeerTimeout(info.Target)
	h.connectionFor(info.Target).IncrementTimeout()

	if info.isFailureAware() {
		fc := info.Callback.(FailureAwareCallback)
		h.dispatcher.Submit(StageInternalResponse, func() {
			fc.OnFailure(info.Target)
		})
	}
}

// --- Management surface, read-only. ---

func (h *Hub) outboundSnapshot() map[string]*OutboundConnection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]*OutboundConnection, len(h.outbound))
	for k, v := range h.outbound {
		out[k] = v
	}
	return out
}

func (h *Hub) GetResponsePendingTasks() map[string]int64 {
	out := make(map[string]int64)
	for ep, conn := range h.outboundSnapshot() {
		out[ep] = conn.PendingMessages()
	}
	return out
}

func (h *Hub) GetResponseCompletedTasks() map[string]int64 {
	out := make(map[string]int64)
	for ep, conn := range h.outboundSnapshot() {
		out[ep] = conn.CompletedMessages()
	}
	return out
}

func (h *Hub) GetTimeoutsPerHost() map[string]int64 {
	out := make(map[string]int64)
	for ep, conn := range h.outboundSnapshot() {
		out[ep] = conn.Timeouts()
	}
	return out
}

func (h *Hub) GetRegisteredCallback(id int32) (CallbackInfo, bool) {
	return h.registry.Get(id)
}

func (h *Hub) RemoveRegisteredCallback(id int32) (CallbackInfo, bool) {
	return h.registry.Remove(id)
}

func (h *Hub) GetRegisteredCallbackAge(id int32) (time.Duration, bool) {
	return h.registry.GetAge(id)
}
