package cipher

import (
	"crypto/rand"
	"fmt"
	"net"
)

// udpCipher implements Cipher for one UDP Remote. Unlike the TCP cipher,
// every packet is self-contained: it carries its own random salt and is
// sealed with a zero nonce, so Encrypt/Decrypt never carry state across
// calls.
type udpCipher struct {
	method     Method
	masterKey  []byte
	accessUser AccessUser
	saltSize   int
}

// NewUDP returns a fresh per-(Session,destination) UDP cipher.
func NewUDP(method Method, masterKey []byte, user AccessUser) (Cipher, error) {
	return &udpCipher{
		method:     method,
		masterKey:  masterKey,
		accessUser: user,
		saltSize:   method.saltSize(),
	}, nil
}

func (c *udpCipher) Encrypt(plaintext []byte) ([]byte, error) {
	salt := make([]byte, c.saltSize)
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

	nonce := make([]byte, aead.NonceSize())
	out := make([]byte, 0, len(salt)+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = aead.Seal(out, nonce, plaintext, nil)
	return out, nil
}

func (c *udpCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < c.saltSize {
		// Datagram too short to carry a salt: nothing to act on.
		return nil, nil
	}

	salt := ciphertext[:c.saltSize]
	key, err := deriveSubkey(c.method, c.masterKey, salt)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(c.method, key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	plaintext, err := aead.Open(nil, nonce, ciphertext[c.saltSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("cipher: decrypt datagram: %w", err)
	}
	return plaintext, nil
}

func (c *udpCipher) RecordUserIP(net.Addr) {}
func (c *udpCipher) IncrUserTCPNum(int)    {}

func (c *udpCipher) AccessUser() AccessUser { return c.accessUser }
