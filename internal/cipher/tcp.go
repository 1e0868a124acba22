package cipher

import (
	"crypto/rand"
	gocipher "crypto/cipher"
	"fmt"
	"net"
)

// payloadSizeMask bounds a single AEAD chunk's plaintext length, matching
// the Shadowsocks AEAD TCP framing (2-byte big-endian length, masked to
// 14 bits).
const payloadSizeMask = 0x3FFF

// tcpCipher implements Cipher for a TCP Session/Remote pair. It is
// stateful: Decrypt buffers ciphertext across calls and only emits
// plaintext once a whole length+payload frame has arrived, returning
// (nil, nil) otherwise.
type tcpCipher struct {
	method     Method
	masterKey  []byte
	accessUser AccessUser
	overhead   int

	sendAEAD  gocipher.AEAD
	sendNonce nonceCounter

	recvAEAD  gocipher.AEAD
	recvNonce nonceCounter
	recvBuf   []byte
}

// NewTCP returns a fresh per-connection TCP cipher sharing masterKey
// (and therefore the Shadowsocks password) with every other cipher
// created for this port, but with independent send/recv AEAD state.
func NewTCP(method Method, masterKey []byte, user AccessUser) (Cipher, error) {
	aead, err := newAEAD(method, make([]byte, method.keySize()))
	if err != nil {
		return nil, err
	}
	return &tcpCipher{
		method:     method,
		masterKey:  masterKey,
		accessUser: user,
		overhead:   aead.Overhead(),
	}, nil
}

func (c *tcpCipher) Encrypt(plaintext []byte) ([]byte, error) {
	out := make([]byte, 0, len(plaintext)+c.method.saltSize()+32)

	if c.sendAEAD == nil {
		salt := make([]byte, c.method.saltSize())
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("cipher: generate salt: %w", err)
		}
		key, err := deriveSubkey(c.method, c.masterKey, salt)
		if err != nil {
			return nil, err
		}
		aead, err := newAEAD(c.method, key)
		if err != nil {
			return nil, err
		}
		c.sendAEAD = aead
		out = append(out, salt...)
	}

	for len(plaintext) > 0 {
		n := len(plaintext)
		if n > payloadSizeMask {
			n = payloadSizeMask
		}
		chunk := plaintext[:n]
		plaintext = plaintext[n:]

		lenBuf := [2]byte{byte(n >> 8), byte(n)}
		out = c.sendAEAD.Seal(out, c.sendNonce.bytes(), lenBuf[:], nil)
		if err := c.sendNonce.increment(); err != nil {
			return nil, err
		}

		out = c.sendAEAD.Seal(out, c.sendNonce.bytes(), chunk, nil)
		if err := c.sendNonce.increment(); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func (c *tcpCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) > 0 {
		c.recvBuf = append(c.recvBuf, ciphertext...)
	}

	if c.recvAEAD == nil {
		if len(c.recvBuf) < c.method.saltSize() {
			return nil, nil
		}
		salt := c.recvBuf[:c.method.saltSize()]
		key, err := deriveSubkey(c.method, c.masterKey, salt)
		if err != nil {
			return nil, err
		}
		aead, err := newAEAD(c.method, key)
		if err != nil {
			return nil, err
		}
		c.recvAEAD = aead
		c.recvBuf = c.recvBuf[c.method.saltSize():]
	}

	var out []byte
	lenFrame := 2 + c.overhead

	for {
		if len(c.recvBuf) < lenFrame {
			break
		}

		lenPlain, err := c.recvAEAD.Open(nil, c.recvNonce.bytes(), c.recvBuf[:lenFrame], nil)
		if err != nil {
			return nil, fmt.Errorf("cipher: decrypt length chunk: %w", err)
		}
		payloadLen := int(lenPlain[0])<<8 | int(lenPlain[1])

		frameTotal := lenFrame + payloadLen + c.overhead
		if len(c.recvBuf) < frameTotal {
			// Not enough buffered yet; wait for more bytes without
			// consuming the nonce or the length frame.
			break
		}

		if err := c.recvNonce.increment(); err != nil {
			return nil, err
		}

		payloadCiphertext := c.recvBuf[lenFrame:frameTotal]
		payloadPlain, err := c.recvAEAD.Open(nil, c.recvNonce.bytes(), payloadCiphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("cipher: decrypt payload chunk: %w", err)
		}
		if err := c.recvNonce.increment(); err != nil {
			return nil, err
		}

		out = append(out, payloadPlain...)
		c.recvBuf = c.recvBuf[frameTotal:]
	}

	return out, nil
}

// RecordUserIP and IncrUserTCPNum are real methods with nowhere to send
// their data: this repository has no quota/billing backend, so they are
// intentionally no-ops. They exist so Session/Remote code calls a real
// interface method rather than being special-cased around a missing one.
func (c *tcpCipher) RecordUserIP(net.Addr) {}
func (c *tcpCipher) IncrUserTCPNum(int)    {}

func (c *tcpCipher) AccessUser() AccessUser { return c.accessUser }
