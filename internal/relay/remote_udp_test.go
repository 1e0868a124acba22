package relay

import (
	"net"
	"testing"
	"time"

	"ssrelay/internal/cipher"
	"ssrelay/internal/header"
	"ssrelay/internal/logging"
	"ssrelay/internal/metrics"
)

// testRemoteUDPRoundTrip drives RemoteUDP against a real loopback UDP
// socket acting as the upstream and asserts the reply header's ATYP
// matches the upstream's real address family (Scenarios 5 and 6:
// IPv4 and IPv6 reply framing), exercising header.ATYPForAddr's actual
// call site inside readLoop rather than the helper in isolation.
func testRemoteUDPRoundTrip(t *testing.T, network, loopback string, wantATYP byte) {
	t.Helper()

	upstream, err := net.ListenUDP(network, &net.UDPAddr{IP: net.ParseIP(loopback)})
	if err != nil {
		t.Skipf("no %s loopback available in this environment: %v", network, err)
	}
	defer upstream.Close()

	go func() {
		buf := make([]byte, 1024)
		n, from, err := upstream.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if string(buf[:n]) != "hello" {
			return
		}
		upstream.WriteToUDP([]byte("world"), from)
	}()

	var written [][]byte
	writeCh := make(chan struct{}, 1)
	session := New(Config{
		Port:      8388,
		Transport: cipher.UDP,
		Peer:      &net.UDPAddr{IP: net.ParseIP(loopback), Port: 54321},
		Cipher:    &identityCipher{},
		Logger:    logging.Noop(),
		Metrics:   metrics.New(),
		WriteToClient: func(b []byte) error {
			written = append(written, append([]byte(nil), b...))
			select {
			case writeCh <- struct{}{}:
			default:
			}
			return nil
		},
	})

	dial := UDPDialer(&fakeCipherFactory{cph: &identityCipher{}}, logging.Noop())
	r, err := dial(session, loopback, uint16(upstream.LocalAddr().(*net.UDPAddr).Port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer r.Close()

	if err := r.WritePending([]byte("hello")); err != nil {
		t.Fatalf("write pending: %v", err)
	}

	select {
	case <-writeCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream reply")
	}

	if len(written) != 1 {
		t.Fatalf("expected exactly one reply delivered to the client, got %d", len(written))
	}

	atyp, _, _, n, ok := header.Parse(written[0])
	if !ok {
		t.Fatalf("reply did not parse as a valid address header: %x", written[0])
	}
	if atyp != wantATYP {
		t.Fatalf("expected ATYP %#x for %s upstream, got %#x", wantATYP, network, atyp)
	}
	if string(written[0][n:]) != "world" {
		t.Fatalf("expected payload %q after the reply header, got %q", "world", written[0][n:])
	}
}

func TestRemoteUDPReplyHeaderIPv4(t *testing.T) {
	testRemoteUDPRoundTrip(t, "udp4", "127.0.0.1", header.ATYPIPv4)
}

func TestRemoteUDPReplyHeaderIPv6(t *testing.T) {
	testRemoteUDPRoundTrip(t, "udp6", "::1", header.ATYPIPv6)
}
