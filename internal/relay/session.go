// Package relay implements the per-connection protocol state machine and
// bidirectional relay described by the spec: Session (client-side half),
// RemoteTCP/RemoteUDP (upstream-side halves), and the buffering/closure
// coordination between them.
package relay

import (
	"net"
	"strconv"
	"sync"

	"ssrelay/internal/cipher"
	"ssrelay/internal/header"
	"ssrelay/internal/logging"
	"ssrelay/internal/metrics"
)

// Stage is the Session's protocol state, advancing monotonically through
// Init -> Connect -> Stream, or laterally to Error, then terminally to
// Destroy.
type Stage int

const (
	StageInit Stage = iota
	StageConnect
	StageStream
	StageError
	StageDestroy
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StageConnect:
		return "connect"
	case StageStream:
		return "stream"
	case StageError:
		return "error"
	case StageDestroy:
		return "destroy"
	default:
		return "unknown"
	}
}

// remote is the upstream half as seen by Session: enough surface to flush
// the pending buffer once, forward subsequent STREAM-state bytes, and
// close. Both RemoteTCP and RemoteUDP implement it.
type remote interface {
	WritePending(pending []byte) error
	Forward(data []byte) error
	Close()
}

// Dialer resolves (host, port) from a parsed header into a connected
// Remote, wiring it to call back into session for delivery and close.
// TCP and UDP acceptors supply different Dialer implementations.
type Dialer func(session *Session, host string, port uint16) (remote, error)

// HeaderParser is the parse_header(bytes) -> (atyp, host, port, consumed)
// collaborator named in the spec.
type HeaderParser func(data []byte) (atyp byte, host string, port uint16, consumed int, ok bool)

// Session is one per client connection (TCP) or per client source
// endpoint (UDP), per spec §3.
type Session struct {
	port      int
	transport cipher.Transport
	peer      net.Addr

	cph         cipher.Cipher
	parseHeader HeaderParser
	dial        Dialer

	logger  logging.Logger
	metrics *metrics.Metrics

	// writeToClient sends already-encrypted bytes to the client: a
	// direct conn.Write for TCP, a sendto-the-peer closure for UDP.
	writeToClient func([]byte) error

	// closeClientConn closes the client-side transport; only set for
	// TCP (UDP has no per-session transport, only the shared socket).
	closeClientConn func()

	mu     sync.Mutex
	stage  Stage
	pending []byte
	remote  remote

	closeOnce sync.Once
	onClose   func() // invoked exactly once when this Session is destroyed
}

// Config bundles the fields a Session needs from its owning acceptor.
type Config struct {
	Port          int
	Transport     cipher.Transport
	Peer          net.Addr
	Cipher        cipher.Cipher
	ParseHeader   HeaderParser
	Dial          Dialer
	Logger        logging.Logger
	Metrics       *metrics.Metrics
	WriteToClient func([]byte) error
	CloseClient   func()
	OnClose       func()
}

// New constructs a Session in StageInit. The caller must have already
// incremented the "connection made" / "active connection" metrics.
func New(cfg Config) *Session {
	parse := cfg.ParseHeader
	if parse == nil {
		parse = header.Parse
	}
	return &Session{
		port:            cfg.Port,
		transport:       cfg.Transport,
		peer:            cfg.Peer,
		cph:             cfg.Cipher,
		parseHeader:     parse,
		dial:            cfg.Dial,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		writeToClient:   cfg.WriteToClient,
		closeClientConn: cfg.CloseClient,
		stage:           StageInit,
		onClose:         cfg.OnClose,
	}
}

func (s *Session) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// HandleData is the data_received event: decrypt, then dispatch on
// stage. A decrypt failure or an empty decode ("need more bytes") are
// both handled per spec §4.3/§6.
func (s *Session) HandleData(ciphertext []byte) {
	plaintext, err := s.cph.Decrypt(ciphertext)
	if err != nil {
		s.logger.Warn("decrypt failed, closing session", "port", s.port, "peer", s.peer, "err", err)
		s.Close()
		return
	}
	if len(plaintext) == 0 {
		return
	}

	s.mu.Lock()
	stage := s.stage
	s.mu.Unlock()

	switch stage {
	case StageInit:
		s.handleInit(plaintext)
	case StageConnect:
		s.handleConnect(plaintext)
	case StageStream:
		s.handleStream(plaintext)
	case StageError, StageDestroy:
		s.Close()
	default:
		s.logger.Warn("unknown stage", "stage", stage)
	}
}

func (s *Session) handleInit(data []byte) {
	atyp, host, port, n, ok := s.parseHeader(data)
	if !ok {
		s.logger.Warn("header parse failed", "port", s.port, "peer", s.peer, "atyp", atyp)
		s.transitionError()
		s.Close()
		return
	}

	payload := data[n:]

	s.mu.Lock()
	s.stage = StageConnect
	s.mu.Unlock()

	// The leftover payload is pushed through the CONNECT handler, which
	// buffers it into pending since remote is not yet present.
	s.handleConnect(payload)

	go s.connect(host, port)
}

func (s *Session) handleConnect(data []byte) {
	if len(data) == 0 {
		return
	}

	s.mu.Lock()
	if s.remote == nil {
		s.pending = append(s.pending, data...)
		s.mu.Unlock()
		return
	}
	r := s.remote
	s.stage = StageStream
	s.mu.Unlock()

	if err := r.Forward(data); err != nil {
		s.logger.Warn("forward to remote failed", "port", s.port, "peer", s.peer, "err", err)
		s.Close()
	}
}

func (s *Session) handleStream(data []byte) {
	s.mu.Lock()
	r := s.remote
	s.mu.Unlock()

	if r == nil {
		// Should not happen: STREAM is only reachable once remote is set.
		s.logger.Warn("stream stage with no remote", "port", s.port, "peer", s.peer)
		return
	}
	if err := r.Forward(data); err != nil {
		s.logger.Warn("forward to remote failed", "port", s.port, "peer", s.peer, "err", err)
		s.Close()
	}
}

func (s *Session) transitionError() {
	s.mu.Lock()
	s.stage = StageError
	s.mu.Unlock()
}

// connect performs the asynchronous outbound dial named in spec §4.3
// step 4/5. It runs on its own goroutine so a second inbound chunk can
// arrive (and be buffered into pending) while the dial is in flight.
//
// remote.WritePending must complete before s.remote is published: once
// handleConnect/handleStream observe a non-nil remote, they call
// r.Forward unlocked, with nothing else serializing that write against
// WritePending's own write. The source relies on its single-threaded
// cooperative scheduler for this ordering — connection_made runs to
// completion with no interleaving from data_received on the same
// connection. The Go equivalent is to hold the session mutex across
// the flush itself, so handleConnect/handleStream (which both take the
// same lock before touching remote) cannot observe a published remote
// until the pending write has already completed.
func (s *Session) connect(host string, port uint16) {
	r, err := s.dial(s, host, port)
	if err != nil {
		s.transitionError()
		s.logger.Warn("upstream connect failed", "port", s.port, "peer", s.peer, "host", host, "dstPort", port, "err", err)
		s.Close()
		return
	}

	s.mu.Lock()
	if s.stage == StageDestroy {
		// Close ran while the dial was in flight; nothing will ever
		// close this remote otherwise.
		s.mu.Unlock()
		r.Close()
		return
	}
	pending := s.pending
	s.pending = nil
	writeErr := r.WritePending(pending)
	if writeErr == nil {
		s.remote = r
	}
	s.mu.Unlock()

	if writeErr != nil {
		s.logger.Warn("flush pending to remote failed", "port", s.port, "peer", s.peer, "err", writeErr)
		s.Close()
		return
	}

	if s.transport == cipher.TCP {
		s.cph.RecordUserIP(s.peer)
	}
}

// WriteToClient is called by a Remote to deliver already-encrypted bytes
// back to the client. Calls after the Session starts closing are
// silently dropped, per spec.
func (s *Session) WriteToClient(ciphertext []byte) {
	s.mu.Lock()
	closing := s.stage == StageDestroy
	s.mu.Unlock()
	if closing {
		return
	}
	if err := s.writeToClient(ciphertext); err != nil {
		s.logger.Warn("write to client failed", "port", s.port, "peer", s.peer, "err", err)
		s.Close()
	}
}

// Close is idempotent: first call transitions to DESTROY, decrements
// metrics exactly once, closes the client transport (TCP only),
// decrements the per-user TCP counter (TCP only), and closes remote if
// present. Subsequent calls are no-ops.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.stage = StageDestroy
		r := s.remote
		s.mu.Unlock()

		transportLabel := "tcp"
		if s.transport == cipher.UDP {
			transportLabel = "udp"
		}
		if s.metrics != nil {
			s.metrics.ActiveConnection.WithLabelValues(portLabel(s.port), transportLabel).Dec()
		}

		if s.transport == cipher.TCP {
			if s.closeClientConn != nil {
				s.closeClientConn()
			}
			s.cph.IncrUserTCPNum(-1)
		}

		if r != nil {
			r.Close()
		}

		if s.onClose != nil {
			s.onClose()
		}
	})
}

func portLabel(port int) string {
	return strconv.Itoa(port)
}
