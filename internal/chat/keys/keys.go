// Package keys wraps nacl box for the chat payloads: keys and ciphertexts
// travel as standard base64.
package keys

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

const nonceSize = 24

var (
	ErrBadKey  = errors.New("keys: invalid public key")
	ErrDecrypt = errors.New("keys: decryption failed")
)

type KeyPair struct {
	Public  *[32]byte
	Private *[32]byte
}

// Sealed is the wire form of one encrypted payload.
type Sealed struct {
	Encrypted string `json:"encrypted"`
	Nonce     string `json:"nonce"`
}

func Generate() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keys: generate: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

func (k *KeyPair) PublicBase64() string {
	return EncodePublicKey(k.Public)
}

func EncodePublicKey(pub *[32]byte) string {
	return base64.StdEncoding.EncodeToString(pub[:])
}

func DecodePublicKey(s string) (*[32]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return nil, ErrBadKey
	}
	var pub [32]byte
	copy(pub[:], raw)
	return &pub, nil
}

// Seal encrypts plain for peer with a fresh random nonce.
func (k *KeyPair) Seal(plain []byte, peer *[32]byte) (Sealed, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Sealed{}, fmt.Errorf("keys: nonce: %w", err)
	}
	out := box.Seal(nil, plain, &nonce, peer, k.Private)
	return Sealed{
		Encrypted: base64.StdEncoding.EncodeToString(out),
		Nonce:     base64.StdEncoding.EncodeToString(nonce[:]),
	}, nil
}

func (k *KeyPair) Open(s Sealed, peer *[32]byte) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(s.Encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	rawNonce, err := base64.StdEncoding.DecodeString(s.Nonce)
	if err != nil || len(rawNonce) != nonceSize {
		return nil, fmt.Errorf("%w: bad nonce", ErrDecrypt)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], rawNonce)
	plain, ok := box.Open(nil, ct, &nonce, peer, k.Private)
	if !ok {
		return nil, ErrDecrypt
	}
	return plain, nil
}
