package relay

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"ssrelay/internal/cipher"
	"ssrelay/internal/logging"
	"ssrelay/internal/metrics"
)

// RemoteTCP is the upstream half of a TCP session: it owns the outbound
// connection to the destination named in the header, flushes the
// client's pre-connect pending bytes once, and re-encrypts every
// upstream read before handing it back to the Session.
type RemoteTCP struct {
	session *Session // non-owning back-reference
	conn    net.Conn
	cph     cipher.Cipher
	logger  logging.Logger
	gate    *flowGate

	metrics        *metrics.Metrics
	portLabel      string
	transportLabel string

	ready     atomic.Bool
	closeOnce sync.Once
}

// TCPDialer builds a relay.Dialer bound to a cipher factory and a dial
// timeout. Each dial takes the Session's local listening port (used to
// derive the upstream cipher's access-user context, since the Remote's
// cipher is a fresh instance sharing method+password with the Session's,
// not the literal same object).
//
// A successful dial increments the same "connections made"/"active
// connections" pair the TCP acceptor increments on accept: spec §4.4
// pairs Remote TCP's own connection_made with its own metrics
// increment, independent of the accept-side one, so one TCP session
// that completes its handshake is counted on both halves.
func TCPDialer(factory cipher.Factory, dialTimeout time.Duration, logger logging.Logger, m *metrics.Metrics) Dialer {
	return func(session *Session, host string, port uint16) (remote, error) {
		addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			return nil, fmt.Errorf("dial upstream %s: %w", addr, err)
		}

		cph, err := factory.GetCipherByPort(session.port, cipher.TCP)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("build upstream cipher: %w", err)
		}

		portLabel := strconv.Itoa(session.port)
		if m != nil {
			m.ConnectionsMade.WithLabelValues(portLabel, "tcp").Inc()
			m.ActiveConnection.WithLabelValues(portLabel, "tcp").Inc()
		}

		r := &RemoteTCP{
			session:        session,
			conn:           conn,
			cph:            cph,
			logger:         logger,
			gate:           newFlowGate(),
			metrics:        m,
			portLabel:      portLabel,
			transportLabel: "tcp",
		}
		go r.readLoop()
		return r, nil
	}
}

// WritePending flushes the Session's buffered pre-connect bytes to the
// upstream connection in one write, then flips ready. An empty buffer
// still flips ready.
func (r *RemoteTCP) WritePending(pending []byte) error {
	defer r.ready.Store(true)
	if len(pending) == 0 {
		return nil
	}
	_, err := r.conn.Write(pending)
	return err
}

// Forward writes a STREAM-state chunk from the client to upstream.
func (r *RemoteTCP) Forward(data []byte) error {
	r.gate.Wait()
	_, err := r.conn.Write(data)
	return err
}

// PauseReading and ResumeReading mirror the source's transport hooks:
// pausing stalls this Remote's own write path (client -> upstream),
// which is the Go equivalent of the source telling the client transport
// to stop reading while the upstream write buffer is backed up.
func (r *RemoteTCP) PauseReading()  { r.gate.Pause() }
func (r *RemoteTCP) ResumeReading() { r.gate.Resume() }

func (r *RemoteTCP) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.conn.Read(buf)
		if n > 0 {
			ciphertext, encErr := r.cph.Encrypt(buf[:n])
			if encErr != nil {
				r.logger.Error("encrypt upstream data failed", "err", encErr)
				break
			}
			r.session.WriteToClient(ciphertext)
		}
		if err != nil {
			break
		}
	}
	r.Close()
}

// Close is idempotent: closes the upstream connection and tells the
// owning Session to close, which is itself idempotent. The decrement
// mirrors the increment in TCPDialer, releasing the remote half's unit
// of the active-connection gauge independently of the Session's own
// release of the accept half's unit.
func (r *RemoteTCP) Close() {
	r.closeOnce.Do(func() {
		if r.metrics != nil {
			r.metrics.ActiveConnection.WithLabelValues(r.portLabel, r.transportLabel).Dec()
		}
		r.conn.Close()
		r.session.Close()
	})
}
