// Package header implements the Shadowsocks address header: the pure
// parse_header(bytes) -> (atyp, host, port, consumed) function the relay
// core treats as an external collaborator.
package header

import (
	"encoding/binary"
	"net"
)

// Address type bytes, per the Shadowsocks/SOCKS5 wire format.
const (
	ATYPIPv4   byte = 0x01
	ATYPDomain byte = 0x03
	ATYPIPv6   byte = 0x04
)

// Parse consumes a Shadowsocks address header from the front of data and
// returns the address type, destination host, destination port, and the
// number of bytes consumed. ok is false if data is too short or the ATYP
// byte is not one of the three recognized values, matching parse_header's
// "all-null on failure" contract from the spec.
func Parse(data []byte) (atyp byte, host string, port uint16, consumed int, ok bool) {
	if len(data) < 1 {
		return 0, "", 0, 0, false
	}

	atyp = data[0]
	switch atyp {
	case ATYPIPv4:
		const n = 1 + 4 + 2
		if len(data) < n {
			return 0, "", 0, 0, false
		}
		ip := net.IP(data[1:5])
		port = binary.BigEndian.Uint16(data[5:7])
		return atyp, ip.String(), port, n, true

	case ATYPIPv6:
		const n = 1 + 16 + 2
		if len(data) < n {
			return 0, "", 0, 0, false
		}
		ip := net.IP(data[1:17])
		port = binary.BigEndian.Uint16(data[17:19])
		return atyp, ip.String(), port, n, true

	case ATYPDomain:
		if len(data) < 2 {
			return 0, "", 0, 0, false
		}
		domainLen := int(data[1])
		n := 2 + domainLen + 2
		if domainLen == 0 || len(data) < n {
			return 0, "", 0, 0, false
		}
		domain := string(data[2 : 2+domainLen])
		port = binary.BigEndian.Uint16(data[2+domainLen : n])
		return atyp, domain, port, n, true

	default:
		return 0, "", 0, 0, false
	}
}

// ATYPForAddr returns the correct reply ATYP byte for a resolved upstream
// source address, per spec: 0x01 for a 4-byte address, 0x04 for a 16-byte
// one. ok is false for anything else (the datagram must be dropped).
func ATYPForAddr(ip net.IP) (atyp byte, packed net.IP, ok bool) {
	if v4 := ip.To4(); v4 != nil {
		return ATYPIPv4, v4, true
	}
	if v6 := ip.To16(); v6 != nil && ip.To4() == nil {
		return ATYPIPv6, v6, true
	}
	return 0, nil, false
}
