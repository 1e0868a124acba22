package header

import (
	"net"
	"testing"
)

func TestParseIPv4(t *testing.T) {
	data := []byte{ATYPIPv4, 93, 184, 216, 34, 0, 80, 'x', 'y'}
	atyp, host, port, n, ok := Parse(data)
	if !ok {
		t.Fatalf("expected ok")
	}
	if atyp != ATYPIPv4 || host != "93.184.216.34" || port != 80 || n != 7 {
		t.Fatalf("got atyp=%v host=%v port=%v n=%v", atyp, host, port, n)
	}
}

func TestParseIPv6(t *testing.T) {
	ip := net.ParseIP("2001:db8::1").To16()
	data := append([]byte{ATYPIPv6}, ip...)
	data = append(data, 0x1F, 0x90) // port 8080
	atyp, host, port, n, ok := Parse(data)
	if !ok || atyp != ATYPIPv6 || port != 8080 || n != 19 {
		t.Fatalf("got atyp=%v host=%v port=%v n=%v ok=%v", atyp, host, port, n, ok)
	}
	if net.ParseIP(host).String() != "2001:db8::1" {
		t.Fatalf("got host %q", host)
	}
}

func TestParseDomain(t *testing.T) {
	domain := "example.com"
	data := []byte{ATYPDomain, byte(len(domain))}
	data = append(data, domain...)
	data = append(data, 0x01, 0xBB) // port 443
	atyp, host, port, n, ok := Parse(data)
	if !ok || atyp != ATYPDomain || host != domain || port != 443 || n != len(data) {
		t.Fatalf("got atyp=%v host=%v port=%v n=%v ok=%v", atyp, host, port, n, ok)
	}
}

func TestParseTruncated(t *testing.T) {
	cases := [][]byte{
		{},
		{ATYPIPv4, 1, 2, 3},
		{ATYPDomain, 5, 'a', 'b'},
		{ATYPDomain, 0},
		{ATYPIPv6, 1, 2, 3},
		{0xFF},
	}
	for i, data := range cases {
		if _, _, _, _, ok := Parse(data); ok {
			t.Fatalf("case %d: expected ok=false for %v", i, data)
		}
	}
}

func TestATYPForAddr(t *testing.T) {
	atyp, packed, ok := ATYPForAddr(net.ParseIP("10.0.0.1"))
	if !ok || atyp != ATYPIPv4 || len(packed) != 4 {
		t.Fatalf("ipv4 case failed: atyp=%v len=%v ok=%v", atyp, len(packed), ok)
	}

	atyp, packed, ok = ATYPForAddr(net.ParseIP("2001:db8::1"))
	if !ok || atyp != ATYPIPv6 || len(packed) != 16 {
		t.Fatalf("ipv6 case failed: atyp=%v len=%v ok=%v", atyp, len(packed), ok)
	}
}
