// Package chat is the payload carried over the peer data channel.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Duet/internal/chat/keys"
	"github.com/google/uuid"
)

var ErrPeerKeyUnknown = errors.New("chat: peer public key not exchanged")

type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

func NewMessage(sender, text string) Message {
	return Message{
		ID:        uuid.NewString(),
		Text:      text,
		Sender:    sender,
		Timestamp: time.Now().UTC(),
	}
}

// Codec turns messages into data channel frames. With encryption on, frames
// are nacl boxes addressed to the peer key and nothing is encoded until that
// key is known. Plain frames are always accepted on decode.
type Codec struct {
	keys    *keys.KeyPair
	encrypt bool

	mu   sync.RWMutex
	peer *[32]byte
}

func NewCodec(kp *keys.KeyPair, encrypt bool) *Codec {
	return &Codec{keys: kp, encrypt: encrypt && kp != nil}
}

func (c *Codec) Encrypted() bool { return c.encrypt }

func (c *Codec) SetPeerKey(b64 string) error {
	pub, err := keys.DecodePublicKey(b64)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.peer = pub
	c.mu.Unlock()
	return nil
}

func (c *Codec) ClearPeerKey() {
	c.mu.Lock()
	c.peer = nil
	c.mu.Unlock()
}

// Ready reports whether Encode can produce a frame.
func (c *Codec) Ready() bool {
	if !c.encrypt {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peer != nil
}

func (c *Codec) Encode(m Message) ([]byte, error) {
	plain, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("chat: encode: %w", err)
	}
	if !c.encrypt {
		return plain, nil
	}
	c.mu.RLock()
	peer := c.peer
	c.mu.RUnlock()
	if peer == nil {
		return nil, ErrPeerKeyUnknown
	}
	sealed, err := c.keys.Seal(plain, peer)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sealed)
}

func (c *Codec) Decode(frame []byte) (Message, error) {
	var probe struct {
		keys.Sealed
		ID string `json:"id"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return Message{}, fmt.Errorf("chat: decode: %w", err)
	}

	plain := frame
	if probe.Encrypted != "" {
		if c.keys == nil {
			return Message{}, keys.ErrDecrypt
		}
		c.mu.RLock()
		peer := c.peer
		c.mu.RUnlock()
		if peer == nil {
			return Message{}, ErrPeerKeyUnknown
		}
		var err error
		plain, err = c.keys.Open(probe.Sealed, peer)
		if err != nil {
			return Message{}, err
		}
	}

	var m Message
	if err := json.Unmarshal(plain, &m); err != nil {
		return Message{}, fmt.Errorf("chat: decode: %w", err)
	}
	return m, nil
}
