package relay

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"ssrelay/internal/cipher"
	"ssrelay/internal/header"
	"ssrelay/internal/logging"
)

// RemoteUDP is the upstream half of a UDP session: one per (Session,
// destination) pair. It owns a connected datagram socket to the
// destination named in the first client datagram's header, and wraps
// every reply in the same ATYP||addr||port reply header the client
// expects, derived correctly from the reply's actual address family
// (the redesigned behavior; the original always emitted IPv4's ATYP).
type RemoteUDP struct {
	session *Session
	conn    *net.UDPConn
	cph     cipher.Cipher
	logger  logging.Logger

	closeOnce sync.Once
}

// UDPDialer builds a relay.Dialer for UDP destinations. Each dial uses
// the Session's local listening port (not the destination port) to
// derive the upstream cipher's access-user context, matching the
// Session's own.
func UDPDialer(factory cipher.Factory, logger logging.Logger) Dialer {
	return func(session *Session, host string, port uint16) (remote, error) {
		destAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(int(port))))
		if err != nil {
			return nil, fmt.Errorf("resolve upstream %s:%d: %w", host, port, err)
		}

		conn, err := net.DialUDP("udp", nil, destAddr)
		if err != nil {
			return nil, fmt.Errorf("dial upstream %s: %w", destAddr, err)
		}

		cph, err := factory.GetCipherByPort(session.port, cipher.UDP)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("build upstream cipher: %w", err)
		}

		r := &RemoteUDP{session: session, conn: conn, cph: cph, logger: logger}
		go r.readLoop()
		return r, nil
	}
}

// WritePending sends the first client datagram's payload upstream.
func (r *RemoteUDP) WritePending(pending []byte) error {
	if len(pending) == 0 {
		return nil
	}
	_, err := r.conn.Write(pending)
	return err
}

// Forward sends a subsequent client datagram to the same destination.
func (r *RemoteUDP) Forward(data []byte) error {
	_, err := r.conn.Write(data)
	return err
}

func (r *RemoteUDP) readLoop() {
	buf := make([]byte, 64*1024)
	remoteAddr, ok := r.conn.RemoteAddr().(*net.UDPAddr)
	if !ok {
		r.logger.Error("upstream UDP remote addr has unexpected type")
		r.Close()
		return
	}

	atyp, packedAddr, ok := header.ATYPForAddr(remoteAddr.IP)
	if !ok {
		r.logger.Error("cannot encode reply header for upstream address", "addr", remoteAddr)
		r.Close()
		return
	}

	for {
		n, err := r.conn.Read(buf)
		if n > 0 {
			reply := buildReplyHeader(atyp, packedAddr, uint16(remoteAddr.Port))
			reply = append(reply, buf[:n]...)

			ciphertext, encErr := r.cph.Encrypt(reply)
			if encErr != nil {
				r.logger.Error("encrypt upstream datagram failed", "err", encErr)
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

func buildReplyHeader(atyp byte, addr net.IP, port uint16) []byte {
	out := make([]byte, 0, 1+len(addr)+2)
	out = append(out, atyp)
	out = append(out, addr...)
	out = append(out, byte(port>>8), byte(port))
	return out
}

func (r *RemoteUDP) Close() {
	r.closeOnce.Do(func() {
		r.conn.Close()
		r.session.Close()
	})
}
