package mcbp

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pior/mcbp/protocol"
	"github.com/pior/mcbp/sasl"
)

const errorMapFormatVersion = 2

// bootstrapHandler consumes handshake responses in arrival order and
// completes the bootstrap, successfully or not, exactly once.
type bootstrapHandler struct {
	session *Session
	sasl    *sasl.Client
	stopped atomic.Bool
}

func newBootstrapHandler(s *Session) *bootstrapHandler {
	// The first configured mechanism that this client implements is
	// used; mechanisms it does not implement are skipped.
	var client *sasl.Client
	for _, mechanism := range s.mechanisms {
		c, err := sasl.NewClient(mechanism, s.origin.Username(), s.origin.Password())
		if err != nil {
			s.logger.Debug("skipping unsupported SASL mechanism", zap.Error(err))
			continue
		}
		client = c
		break
	}
	if client == nil {
		// no configured mechanism is supported; begin() reports an
		// authentication failure.
		s.logger.Error("unable to create SASL client: no supported mechanism configured")
	}
	return &bootstrapHandler{session: s, sasl: client}
}

// begin emits the handshake burst: HELLO, SASL-LIST-MECHS and the
// initial SASL-AUTH, before any response is read.
func (h *bootstrapHandler) begin() {
	s := h.session
	if h.sasl == nil {
		h.complete(protocol.ErrAuthenticationFailure)
		return
	}

	hello := protocol.NewHelloRequest(s.userAgent(), s.features)
	hello.Opaque = s.NextOpaque()
	s.logger.Debug("sending hello", zap.String("user_agent", s.userAgent()),
		zap.Int("requested_features", len(s.features)))
	s.write(hello.Bytes())

	listMechs := protocol.NewSASLListMechsRequest()
	listMechs.Opaque = s.NextOpaque()
	s.write(listMechs.Bytes())

	payload, err := h.sasl.Start()
	if err != nil {
		s.logger.Error("unable to start SASL exchange", zap.Error(err))
		h.complete(protocol.ErrAuthenticationFailure)
		return
	}
	auth := protocol.NewSASLAuthRequest(h.sasl.Mechanism(), payload)
	auth.Opaque = s.NextOpaque()
	s.write(auth.Bytes())

	s.flush()
}

func (h *bootstrapHandler) stop() {
	h.stopped.Store(true)
}

func (h *bootstrapHandler) complete(err error) {
	if h.stopped.Swap(true) {
		return
	}
	h.session.finishBootstrap(err)
}

// authSuccess runs the post-authentication burst: GET-ERROR-MAP when
// xerror was negotiated, SELECT-BUCKET when a bucket is configured, and
// the GET-CLUSTER-CONFIG whose response completes the bootstrap.
func (h *bootstrapHandler) authSuccess() {
	s := h.session
	s.setAuthenticated()
	if s.SupportsFeature(protocol.FeatureXerror) {
		req := protocol.NewGetErrorMapRequest(errorMapFormatVersion)
		req.Opaque = s.NextOpaque()
		s.write(req.Bytes())
	}
	if s.bucket != "" {
		req := protocol.NewSelectBucketRequest(s.bucket)
		req.Opaque = s.NextOpaque()
		s.write(req.Bytes())
	}
	req := protocol.NewGetClusterConfigRequest()
	req.Opaque = s.NextOpaque()
	s.write(req.Bytes())
	s.flush()
}

func (h *bootstrapHandler) handle(frame *protocol.Frame) {
	if h.stopped.Load() {
		return
	}
	s := h.session
	switch opcode := frame.ClientOpcode(); opcode {
	case protocol.OpHello:
		if frame.Status != protocol.StatusSuccess {
			s.logger.Warn("unexpected message status during bootstrap",
				zap.Stringer("opcode", opcode), zap.Uint16("status", uint16(frame.Status)))
			h.complete(protocol.ErrHandshakeFailure)
			return
		}
		features, err := protocol.ParseHelloResponse(frame)
		if err != nil {
			s.logger.Warn("malformed hello response", zap.Error(err))
			h.complete(protocol.ErrHandshakeFailure)
			return
		}
		s.setNegotiatedFeatures(features)
		s.logger.Debug("negotiated features", zap.Int("count", len(features)))

	case protocol.OpSASLListMechs:
		if frame.Status != protocol.StatusSuccess {
			s.logger.Warn("unexpected message status during bootstrap",
				zap.Stringer("opcode", opcode), zap.Uint16("status", uint16(frame.Status)))
			h.complete(protocol.ErrAuthenticationFailure)
			return
		}

	case protocol.OpSASLAuth:
		switch frame.Status {
		case protocol.StatusSuccess:
			h.authSuccess()
		case protocol.StatusAuthContinue:
			payload, err := h.sasl.Step(frame.Value)
			if err != nil {
				s.logger.Error("unable to authenticate", zap.Error(err))
				h.complete(protocol.ErrAuthenticationFailure)
				return
			}
			if payload == nil {
				h.authSuccess()
				return
			}
			step := protocol.NewSASLStepRequest(h.sasl.Mechanism(), payload)
			step.Opaque = s.NextOpaque()
			s.writeAndFlush(step.Bytes())
		default:
			s.logger.Warn("unexpected message status during bootstrap",
				zap.Stringer("opcode", opcode), zap.Uint16("status", uint16(frame.Status)))
			h.complete(protocol.ErrAuthenticationFailure)
		}

	case protocol.OpSASLStep:
		if frame.Status == protocol.StatusSuccess {
			h.authSuccess()
			return
		}
		h.complete(protocol.ErrAuthenticationFailure)

	case protocol.OpGetErrorMap:
		if frame.Status != protocol.StatusSuccess {
			s.logger.Warn("unexpected message status during bootstrap",
				zap.Stringer("opcode", opcode), zap.Uint16("status", uint16(frame.Status)))
			h.complete(protocol.ErrProtocol)
			return
		}
		s.setErrMap(frame.Value)

	case protocol.OpSelectBucket:
		switch frame.Status {
		case protocol.StatusSuccess:
			s.logger.Debug("selected bucket")
			s.setBucketSelected(true)
		case protocol.StatusNoAccess:
			s.logger.Debug("unable to select bucket, it probably does not exist")
			s.setBucketSelected(false)
			h.complete(protocol.ErrBucketNotFound)
		default:
			s.logger.Warn("unexpected message status during bootstrap",
				zap.Stringer("opcode", opcode), zap.Uint16("status", uint16(frame.Status)))
			h.complete(protocol.ErrBucketNotFound)
		}

	case protocol.OpGetClusterConfig:
		switch {
		case frame.Status == protocol.StatusSuccess:
			host, _ := s.endpointInfo()
			config, err := ParseClusterConfig(frame.Value, host)
			if err != nil {
				s.logger.Warn("malformed configuration during bootstrap", zap.Error(err))
				h.complete(protocol.ErrProtocol)
				return
			}
			s.updateConfiguration(config)
			h.complete(nil)
		case frame.Status == protocol.StatusNoBucket && s.bucket == "":
			// bucket-less session, but the server wants a bucket
			s.clearSupportsGCCCP()
			s.logger.Warn("server does not support GCCCP, open a bucket before making cluster-level commands")
			host, port := s.endpointInfo()
			s.updateConfiguration(blankConfiguration(host, port))
			h.complete(nil)
		default:
			s.logger.Warn("unexpected message status during bootstrap",
				zap.Stringer("opcode", opcode), zap.Uint16("status", uint16(frame.Status)))
			h.complete(protocol.ErrProtocol)
		}

	default:
		s.logger.Warn("unexpected message during bootstrap", zap.Stringer("opcode", opcode))
		h.complete(protocol.ErrProtocol)
	}
}

// requestReplyOpcodes are the client opcodes the multiplexer correlates
// with registered continuations in steady state.
var requestReplyOpcodes = map[protocol.ClientOpcode]struct{}{
	protocol.OpGet:                    {},
	protocol.OpGetAndLock:             {},
	protocol.OpGetAndTouch:            {},
	protocol.OpTouch:                  {},
	protocol.OpInsert:                 {},
	protocol.OpUpsert:                 {},
	protocol.OpReplace:                {},
	protocol.OpRemove:                 {},
	protocol.OpObserve:                {},
	protocol.OpUnlock:                 {},
	protocol.OpIncrement:              {},
	protocol.OpDecrement:              {},
	protocol.OpGetCollectionID:        {},
	protocol.OpGetCollectionsManifest: {},
	protocol.OpSubdocMultiLookup:      {},
	protocol.OpSubdocMultiMutation:    {},
}

// normalHandler is the steady-state variant: it correlates client
// responses, applies pushed configurations and keeps the periodic
// config refresh running while the server supports GCCCP.
type normalHandler struct {
	session *Session
	stopped atomic.Bool

	mu        sync.Mutex
	heartbeat *time.Timer
}

func newNormalHandler(s *Session) *normalHandler {
	return &normalHandler{session: s}
}

func (h *normalHandler) start() {
	if h.session.SupportsGCCCP() {
		h.fetchConfig()
	}
}

func (h *normalHandler) stop() {
	if h.stopped.Swap(true) {
		return
	}
	h.mu.Lock()
	if h.heartbeat != nil {
		h.heartbeat.Stop()
	}
	h.mu.Unlock()
}

// fetchConfig issues a GET-CLUSTER-CONFIG and re-arms the heartbeat.
// Failures are logged by the response path and otherwise ignored.
func (h *normalHandler) fetchConfig() {
	s := h.session
	if h.stopped.Load() || s.stopped.Load() {
		return
	}
	req := protocol.NewGetClusterConfigRequest()
	req.Opaque = s.NextOpaque()
	s.writeAndFlush(req.Bytes())
	h.mu.Lock()
	h.heartbeat = time.AfterFunc(s.heartbeatInterval, h.fetchConfig)
	h.mu.Unlock()
}

func (h *normalHandler) handle(frame *protocol.Frame) {
	if h.stopped.Load() {
		return
	}
	s := h.session
	switch {
	case frame.Magic.IsResponse():
		opcode := frame.ClientOpcode()
		if opcode == protocol.OpGetClusterConfig {
			h.handleConfigResponse(frame)
			return
		}
		if _, ok := requestReplyOpcodes[opcode]; ok {
			s.dispatchResponse(frame)
			return
		}
		s.logger.Warn("unexpected client response", zap.Stringer("opcode", opcode))

	case frame.Magic == protocol.MagicServerRequest:
		switch opcode := frame.ServerOpcode(); opcode {
		case protocol.OpClustermapChangeNotification:
			h.handleClustermapNotification(frame)
		default:
			s.logger.Warn("unexpected server request", zap.Stringer("opcode", opcode))
		}

	default:
		s.logger.Warn("unexpected magic",
			zap.Stringer("magic", frame.Magic),
			zap.Uint8("opcode", frame.Opcode),
			zap.Uint32("opaque", frame.Opaque))
	}
}

// handleConfigResponse applies the answer to the periodic refresh.
// The refresh requests carry no continuation, so the frame never goes
// through the in-flight table.
func (h *normalHandler) handleConfigResponse(frame *protocol.Frame) {
	s := h.session
	if frame.Status != protocol.StatusSuccess {
		s.logger.Warn("unexpected message status",
			zap.Uint16("status", uint16(frame.Status)))
		return
	}
	host, _ := s.endpointInfo()
	config, err := ParseClusterConfig(frame.Value, host)
	if err != nil {
		s.logger.Warn("malformed configuration", zap.Error(err))
		return
	}
	s.updateConfiguration(config)
}

// handleClustermapNotification applies a pushed configuration when the
// notification is cluster-level (empty bucket tag on a config that
// names no bucket) or targets this session's bucket.
func (h *normalHandler) handleClustermapNotification(frame *protocol.Frame) {
	s := h.session
	bucketTag := string(frame.Key)
	host, _ := s.endpointInfo()
	config, err := ParseClusterConfig(frame.Value, host)
	if err != nil {
		s.logger.Warn("malformed pushed configuration", zap.Error(err))
		return
	}
	clusterLevel := bucketTag == "" && config.Name == ""
	bucketMatch := s.bucket != "" && bucketTag != "" && bucketTag == s.bucket
	if clusterLevel || bucketMatch {
		s.updateConfiguration(config)
	}
}
