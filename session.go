// Package mcbp implements a client-side driver for the Couchbase
// Memcached Binary Protocol: a long-lived, authenticated, optionally
// bucket-scoped session per data-service node, with multiplexed
// request/response correlation and server-pushed topology updates.
package mcbp

import (
	"encoding/binary"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pior/mcbp/protocol"
	"github.com/pior/mcbp/sasl"
)

const driverVersion = "0.1.0"

// Default timeouts for the session state machine.
const (
	DefaultBootstrapTimeout  = 10 * time.Second
	DefaultConnectTimeout    = 5 * time.Second
	DefaultHeartbeatInterval = 2500 * time.Millisecond
	DefaultRetryBackoff      = 500 * time.Millisecond
)

const inputBufferSize = 16 * 1024

// Continuation receives the outcome of a single request: a response
// frame, or an error from the status taxonomy, cancellation, or session
// teardown. Every registered continuation is invoked exactly once.
type Continuation func(err error, frame *protocol.Frame)

// messageHandler is the active variant consuming decoded frames:
// the bootstrap handler during the handshake, the normal handler in
// steady state. The transition replaces the variant.
type messageHandler interface {
	handle(frame *protocol.Frame)
	stop()
}

// DialFunc opens a transport to host:service. The returned connection
// may be a cleartext or TLS byte stream.
type DialFunc func(host, service string, timeout time.Duration) (net.Conn, error)

// SessionConfig carries the session tunables. The zero value is usable:
// timeouts fall back to the defaults, features to the default feature
// vector and logging to a nop logger.
type SessionConfig struct {
	// ClientID is the stable identifier of the owning client, reported
	// to the server inside the HELLO user-agent.
	ClientID string

	// Bucket is the bucket to select during bootstrap. Empty runs a
	// bucket-less (cluster-level) session.
	Bucket string

	// Features is the feature vector requested in HELLO.
	Features []protocol.HelloFeature

	// Mechanisms is the SASL preference order. The first locally
	// supported mechanism is attempted; there is no cross-mechanism
	// retry.
	Mechanisms []sasl.Mechanism

	BootstrapTimeout  time.Duration
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	RetryBackoff      time.Duration

	// Dial opens the transport. Nil uses a resolving TCP dialer.
	Dial DialFunc

	Logger *zap.Logger
}

// DefaultFeatures is the feature vector requested when none is
// configured.
func DefaultFeatures() []protocol.HelloFeature {
	return []protocol.HelloFeature{
		protocol.FeatureTCPNoDelay,
		protocol.FeatureMutationSeqno,
		protocol.FeatureXattr,
		protocol.FeatureXerror,
		protocol.FeatureSelectBucket,
		protocol.FeatureSnappy,
		protocol.FeatureJSON,
		protocol.FeatureDuplex,
		protocol.FeatureClustermapNotif,
		protocol.FeatureUnorderedExecution,
		protocol.FeatureAltRequest,
		protocol.FeatureTracing,
		protocol.FeatureSyncReplication,
		protocol.FeatureCollections,
		protocol.FeatureCreateAsDeleted,
	}
}

// Session is a single MCBP connection to one data-service node. It is
// created disconnected; Bootstrap drives it through connect, HELLO,
// SASL, bucket selection and the initial configuration fetch. Stop is
// terminal: every pending continuation is canceled and the socket
// released.
//
// All methods are safe to call from any goroutine.
type Session struct {
	clientID string
	id       string
	bucket   string
	origin   *Origin
	logger   *zap.Logger

	features   []protocol.HelloFeature
	mechanisms []sasl.Mechanism

	bootstrapTimeout  time.Duration
	connectTimeout    time.Duration
	heartbeatInterval time.Duration
	retryBackoff      time.Duration
	dial              DialFunc

	mu                sync.Mutex
	conn              net.Conn
	handler           messageHandler
	bootstrapCb       func(error, *ClusterConfig)
	bootstrapDeadline *time.Timer
	retryTimer        *time.Timer
	bootstrapped      bool
	authenticated     bool
	bucketSelected    bool
	supportsGCCCP     bool
	negotiated        []protocol.HelloFeature
	errMap            []byte
	endpoint          string // remote address as connected
	endpointHost      string
	endpointPort      uint16

	stopped atomic.Bool
	opaque  atomic.Uint32

	inflightMu sync.Mutex
	inflight   map[uint32]Continuation

	outputMu  sync.Mutex
	output    [][]byte
	writingMu sync.Mutex
	writing   [][]byte
	pendingMu sync.Mutex
	pending   [][]byte

	configMu sync.RWMutex
	config   *ClusterConfig

	collections *collectionCache
}

// NewSession creates a disconnected session bound to the given origin.
func NewSession(origin *Origin, config SessionConfig) *Session {
	s := &Session{
		clientID:          config.ClientID,
		id:                uuid.NewString(),
		bucket:            config.Bucket,
		origin:            origin,
		features:          config.Features,
		mechanisms:        config.Mechanisms,
		bootstrapTimeout:  config.BootstrapTimeout,
		connectTimeout:    config.ConnectTimeout,
		heartbeatInterval: config.HeartbeatInterval,
		retryBackoff:      config.RetryBackoff,
		dial:              config.Dial,
		supportsGCCCP:     true,
		inflight:          make(map[uint32]Continuation),
		collections:       newCollectionCache(),
	}
	if s.features == nil {
		s.features = DefaultFeatures()
	}
	if len(s.mechanisms) == 0 {
		s.mechanisms = sasl.DefaultMechanisms
	}
	if s.bootstrapTimeout <= 0 {
		s.bootstrapTimeout = DefaultBootstrapTimeout
	}
	if s.connectTimeout <= 0 {
		s.connectTimeout = DefaultConnectTimeout
	}
	if s.heartbeatInterval <= 0 {
		s.heartbeatInterval = DefaultHeartbeatInterval
	}
	if s.retryBackoff <= 0 {
		s.retryBackoff = DefaultRetryBackoff
	}
	if s.dial == nil {
		s.dial = resolvingDial
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s.logger = logger.With(
		zap.String("client_id", s.clientID),
		zap.String("session_id", s.id),
		zap.String("bucket", s.bucket),
	)
	return s
}

// ID returns the per-session uuid.
func (s *Session) ID() string {
	return s.id
}

// Endpoint returns the remote address of the established connection,
// empty before connect.
func (s *Session) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// NextOpaque allocates a correlation token. Wrap-around is tolerated:
// only at-any-time uniqueness among in-flight requests matters.
func (s *Session) NextOpaque() uint32 {
	return s.opaque.Add(1)
}

// Bootstrap starts the handshake. The callback is invoked at most once,
// with the configuration fetched during bootstrap on success.
func (s *Session) Bootstrap(callback func(error, *ClusterConfig)) {
	s.mu.Lock()
	s.bootstrapCb = callback
	s.bootstrapDeadline = time.AfterFunc(s.bootstrapTimeout, s.onBootstrapDeadline)
	s.mu.Unlock()
	go s.initiateBootstrap()
}

func (s *Session) onBootstrapDeadline() {
	if s.stopped.Load() {
		return
	}
	s.mu.Lock()
	if s.bootstrapped {
		s.mu.Unlock()
		return
	}
	cb := s.bootstrapCb
	s.bootstrapCb = nil
	s.mu.Unlock()
	s.logger.Warn("unable to bootstrap in time")
	if cb != nil {
		cb(protocol.ErrUnambiguousTimeout, nil)
	}
	s.Stop()
}

// initiateBootstrap walks the origin address list, sleeping a fixed
// backoff and restarting the origin when the list is exhausted.
func (s *Session) initiateBootstrap() {
	for {
		if s.stopped.Load() {
			return
		}
		if s.origin.Exhausted() {
			s.logger.Debug("reached the end of the bootstrap node list, waiting before restart",
				zap.Duration("backoff", s.retryBackoff))
			s.mu.Lock()
			s.retryTimer = time.AfterFunc(s.retryBackoff, func() {
				if s.stopped.Load() {
					return
				}
				s.origin.Restart()
				s.initiateBootstrap()
			})
			s.mu.Unlock()
			return
		}
		host, service, ok := s.origin.NextAddress()
		if !ok {
			continue
		}
		s.logger.Debug("attempting to establish MCBP connection",
			zap.String("host", host), zap.String("service", service))
		conn, err := s.dial(host, service, s.connectTimeout)
		if err != nil {
			s.logger.Warn("unable to connect",
				zap.String("host", host), zap.String("service", service), zap.Error(err))
			continue
		}
		s.onConnect(conn)
		return
	}
}

// resolvingDial resolves host, then walks the candidate endpoints with
// a per-attempt deadline.
func resolvingDial(host, service string, timeout time.Duration) (net.Conn, error) {
	addrs, err := net.LookupHost(host)
	if err != nil {
		return nil, err
	}
	port, err := net.LookupPort("tcp", service)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, addr := range addrs {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(addr, strconv.Itoa(port)), timeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("mcbp: no addresses resolved for %q", host)
	}
	return nil, lastErr
}

func (s *Session) onConnect(conn net.Conn) {
	if s.stopped.Load() {
		conn.Close()
		return
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
		tcp.SetKeepAlive(true)
	}
	remote := conn.RemoteAddr().String()
	host, portStr, err := net.SplitHostPort(remote)
	var port uint16
	if err != nil {
		host = remote
	} else if p, perr := strconv.ParseUint(portStr, 10, 16); perr == nil {
		port = uint16(p)
	}

	handler := newBootstrapHandler(s)

	s.mu.Lock()
	s.conn = conn
	s.endpoint = remote
	s.endpointHost = host
	s.endpointPort = port
	s.handler = handler
	s.mu.Unlock()

	s.logger.Debug("connected", zap.String("remote", remote))
	go s.readLoop(conn)
	handler.begin()
}

// readLoop is the single reader of the connection. It owns the frame
// parser and feeds every decoded frame to the active handler.
func (s *Session) readLoop(conn net.Conn) {
	buf := make([]byte, inputBufferSize)
	var parser protocol.Parser
reading:
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if s.stopped.Load() {
				return
			}
			s.logger.Error("IO error while reading from the socket", zap.Error(err))
			s.Stop()
			return
		}
		parser.Feed(buf[:n])
		for {
			var frame protocol.Frame
			switch parser.Next(&frame) {
			case protocol.Ok:
				s.logger.Debug("MCBP recv",
					zap.Uint32("opaque", frame.Opaque),
					zap.Uint8("opcode", frame.Opcode))
				s.currentHandler().handle(&frame)
				if s.stopped.Load() {
					return
				}
			case protocol.NeedData:
				continue reading
			case protocol.Failure:
				s.logger.Error("failed to parse incoming frame", zap.Error(parser.Err()))
				s.Stop()
				return
			}
		}
	}
}

func (s *Session) currentHandler() messageHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler == nil {
		return noopHandler{}
	}
	return s.handler
}

type noopHandler struct{}

func (noopHandler) handle(*protocol.Frame) {}
func (noopHandler) stop()                  {}

// write queues an already-encoded frame on the output buffer. It does
// not touch the socket; flush does.
func (s *Session) write(buf []byte) {
	if s.stopped.Load() {
		return
	}
	if len(buf) >= protocol.HeaderSize {
		s.logger.Debug("MCBP send",
			zap.Uint32("opaque", binary.BigEndian.Uint32(buf[12:])),
			zap.Int("len", len(buf)))
	}
	s.outputMu.Lock()
	s.output = append(s.output, buf)
	s.outputMu.Unlock()
}

// flush drains the output buffer to the socket with a single vectored
// write. Concurrent flushes are collapsed: while a write is in flight
// the swap is skipped, and the in-flight writer re-checks the output
// buffer on completion.
func (s *Session) flush() {
	if s.stopped.Load() {
		return
	}
	s.doWrite()
}

func (s *Session) writeAndFlush(buf []byte) {
	if s.stopped.Load() {
		return
	}
	s.write(buf)
	s.flush()
}

func (s *Session) doWrite() {
	s.writingMu.Lock()
	s.outputMu.Lock()
	if len(s.writing) > 0 || len(s.output) == 0 {
		s.outputMu.Unlock()
		s.writingMu.Unlock()
		return
	}
	s.writing, s.output = s.output, nil
	bufs := make(net.Buffers, len(s.writing))
	copy(bufs, s.writing)
	s.outputMu.Unlock()
	s.writingMu.Unlock()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.writingMu.Lock()
		s.writing = nil
		s.writingMu.Unlock()
		return
	}
	go s.performWrite(conn, bufs)
}

func (s *Session) performWrite(conn net.Conn, bufs net.Buffers) {
	if _, err := bufs.WriteTo(conn); err != nil {
		if !s.stopped.Load() {
			s.logger.Error("IO error while writing to the socket", zap.Error(err))
			s.Stop()
		}
		return
	}
	s.writingMu.Lock()
	s.writing = nil
	s.writingMu.Unlock()
	s.doWrite()
}

// WriteAndSubscribe delivers an encoded request and registers its
// continuation. The opaque must be the one encoded at offset 12 of
// data. On a stopped session the continuation is invoked synchronously
// with a request-canceled error. Before the session is ready the frame
// is parked on the pending buffer and released when bootstrap
// completes.
func (s *Session) WriteAndSubscribe(opaque uint32, data []byte, continuation Continuation) {
	if s.stopped.Load() {
		s.logger.Warn("canceling operation, session is closed", zap.Uint32("opaque", opaque))
		continuation(protocol.ErrRequestCanceled, nil)
		return
	}
	s.inflightMu.Lock()
	s.inflight[opaque] = continuation
	s.inflightMu.Unlock()

	// Stop may have drained the table between the check above and the
	// registration; reap the entry ourselves in that case.
	if s.stopped.Load() {
		s.inflightMu.Lock()
		_, mine := s.inflight[opaque]
		if mine {
			delete(s.inflight, opaque)
		}
		s.inflightMu.Unlock()
		if mine {
			continuation(protocol.ErrRequestCanceled, nil)
		}
		return
	}

	// The pending append happens under mu so that finishBootstrap,
	// which flips bootstrapped under the same mutex, observes either a
	// ready submission or a parked frame, never neither.
	s.mu.Lock()
	ready := s.bootstrapped && s.conn != nil
	if !ready {
		s.pendingMu.Lock()
		s.pending = append(s.pending, data)
		s.pendingMu.Unlock()
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.writeAndFlush(data)
}

// Cancel invokes a still-registered continuation with the supplied
// error and removes it from the in-flight table.
func (s *Session) Cancel(opaque uint32, err error) {
	if s.stopped.Load() {
		return
	}
	s.inflightMu.Lock()
	continuation, ok := s.inflight[opaque]
	if ok {
		delete(s.inflight, opaque)
	}
	s.inflightMu.Unlock()
	if ok {
		s.logger.Debug("canceling operation", zap.Uint32("opaque", opaque), zap.Error(err))
		continuation(err, nil)
	}
}

// Stop terminates the session. It is idempotent. All timers are
// canceled, the socket is closed, the bootstrap callback (if still
// pending) and every registered continuation are invoked with a
// request-canceled error.
func (s *Session) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.mu.Lock()
	if s.bootstrapDeadline != nil {
		s.bootstrapDeadline.Stop()
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	conn := s.conn
	s.conn = nil
	handler := s.handler
	s.handler = nil
	cb := s.bootstrapCb
	s.bootstrapCb = nil
	bootstrapped := s.bootstrapped
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if !bootstrapped && cb != nil {
		cb(protocol.ErrRequestCanceled, nil)
	}
	if handler != nil {
		handler.stop()
	}

	s.inflightMu.Lock()
	inflight := s.inflight
	s.inflight = make(map[uint32]Continuation)
	s.inflightMu.Unlock()
	for opaque, continuation := range inflight {
		s.logger.Debug("canceling operation during session close", zap.Uint32("opaque", opaque))
		continuation(protocol.ErrRequestCanceled, nil)
	}
}

// Stopped reports whether the session reached its terminal state.
func (s *Session) Stopped() bool {
	return s.stopped.Load()
}

// finishBootstrap delivers the bootstrap outcome, installs the normal
// handler and releases the pending buffer.
func (s *Session) finishBootstrap(err error) {
	s.mu.Lock()
	cb := s.bootstrapCb
	already := s.bootstrapped
	if !already && cb != nil {
		if s.bootstrapDeadline != nil {
			s.bootstrapDeadline.Stop()
		}
		s.bootstrapCb = nil
	}
	s.mu.Unlock()

	if !already && cb != nil {
		cb(err, s.Config())
	}
	if err != nil {
		s.Stop()
		return
	}

	handler := newNormalHandler(s)
	s.mu.Lock()
	// After this flip no new frames can reach the pending buffer, so
	// the drain below releases everything parked during the handshake.
	s.bootstrapped = true
	s.handler = handler
	s.mu.Unlock()

	s.pendingMu.Lock()
	pending := s.pending
	s.pending = nil
	s.pendingMu.Unlock()
	if len(pending) > 0 {
		for _, buf := range pending {
			s.write(buf)
		}
		s.flush()
	}

	handler.start()
}

// dispatchResponse correlates a client response with its continuation.
// Unknown opaques are logged as orphans and dropped.
func (s *Session) dispatchResponse(frame *protocol.Frame) {
	s.inflightMu.Lock()
	continuation, ok := s.inflight[frame.Opaque]
	if ok {
		delete(s.inflight, frame.Opaque)
	}
	s.inflightMu.Unlock()
	if !ok {
		s.logger.Debug("unexpected orphan response",
			zap.Uint8("opcode", frame.Opcode), zap.Uint32("opaque", frame.Opaque))
		return
	}
	err := s.mapStatus(frame.ClientOpcode(), frame.Status)
	s.logger.Debug("invoking operation handler",
		zap.Uint32("opaque", frame.Opaque),
		zap.Uint16("status", uint16(frame.Status)),
		zap.Error(err))
	continuation(err, frame)
}

func (s *Session) mapStatus(opcode protocol.ClientOpcode, status protocol.Status) error {
	err := protocol.MapStatus(opcode, status)
	if statusErr, ok := err.(*protocol.StatusError); ok && statusErr.Err == protocol.ErrProtocol {
		s.mu.Lock()
		hasErrMap := s.errMap != nil
		s.mu.Unlock()
		s.logger.Warn("unknown status code",
			zap.Uint16("status", uint16(status)),
			zap.Stringer("opcode", opcode),
			zap.Bool("has_error_map", hasErrMap))
	}
	return err
}

// updateConfiguration stores an incoming configuration when its
// revision strictly exceeds the stored one. Empty hostnames on the
// local node are filled from the connected endpoint.
func (s *Session) updateConfiguration(config *ClusterConfig) {
	if s.stopped.Load() {
		return
	}
	s.mu.Lock()
	endpointHost := s.endpointHost
	s.mu.Unlock()

	s.configMu.Lock()
	defer s.configMu.Unlock()
	if s.config != nil && config.Rev <= s.config.Rev {
		return
	}
	for i := range config.Nodes {
		if config.Nodes[i].ThisNode && config.Nodes[i].Hostname == "" {
			config.Nodes[i].Hostname = endpointHost
		}
	}
	s.config = config
	s.logger.Debug("received new configuration", zap.Int64("rev", config.Rev))
}

// SupportsFeature reports whether the server accepted the feature
// during HELLO.
func (s *Session) SupportsFeature(feature protocol.HelloFeature) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.negotiated {
		if f == feature {
			return true
		}
	}
	return false
}

// SupportedFeatures returns a copy of the negotiated feature set.
func (s *Session) SupportedFeatures() []protocol.HelloFeature {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.HelloFeature(nil), s.negotiated...)
}

// SupportsGCCCP reports whether the server serves cluster configuration
// without a selected bucket.
func (s *Session) SupportsGCCCP() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supportsGCCCP
}

// HasConfig reports whether a configuration has been stored.
func (s *Session) HasConfig() bool {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.config != nil
}

// Config returns the latest stored configuration, nil when none.
func (s *Session) Config() *ClusterConfig {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.config
}

// GetCollectionID returns the cached numeric id for a fully-qualified
// collection path.
func (s *Session) GetCollectionID(path string) (uint32, bool) {
	return s.collections.Get(path)
}

// UpdateCollectionID stores the numeric id for a collection path.
func (s *Session) UpdateCollectionID(path string, id uint32) {
	if s.stopped.Load() {
		return
	}
	s.collections.Update(path, id)
}

func (s *Session) setNegotiatedFeatures(features []protocol.HelloFeature) {
	s.mu.Lock()
	s.negotiated = features
	s.mu.Unlock()
}

func (s *Session) setAuthenticated() {
	s.mu.Lock()
	s.authenticated = true
	s.mu.Unlock()
}

func (s *Session) setBucketSelected(selected bool) {
	s.mu.Lock()
	s.bucketSelected = selected
	s.mu.Unlock()
}

func (s *Session) clearSupportsGCCCP() {
	s.mu.Lock()
	s.supportsGCCCP = false
	s.mu.Unlock()
}

func (s *Session) setErrMap(errMap []byte) {
	s.mu.Lock()
	s.errMap = append([]byte(nil), errMap...)
	s.mu.Unlock()
}

func (s *Session) endpointInfo() (host string, port uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpointHost, s.endpointPort
}

// userAgent builds the HELLO identification blob.
func (s *Session) userAgent() string {
	return fmt.Sprintf(`{"a":"gomcbp/%s/%s","i":"%s/%s"}`,
		driverVersion, runtime.Version(), s.clientID, s.id)
}
