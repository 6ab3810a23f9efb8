package voice

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/rtp"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// HeaderSize is the length of the RTP header prepended to every packet.
	HeaderSize = 12

	// payloadType is the dynamic RTP payload type used for Opus voice.
	payloadType = 0x78

	nonceSize = 24
)

// Mode is the packet encryption scheme negotiated for a session.
type Mode int

const (
	// ModeNone disables encryption. It is only used to reset a delegated
	// encryptor and is never negotiated.
	ModeNone Mode = iota

	// ModeLite uses an incrementing 32-bit nonce; its 4 bytes are appended
	// to each packet.
	ModeLite

	// ModeSuffix uses 24 random nonce bytes appended to each packet.
	ModeSuffix

	// ModeDefault uses the RTP header, zero padded, as the nonce.
	ModeDefault
)

// Negotiated encryption mode names.
const (
	ModeNameLite    = "xsalsa20_poly1305_lite"
	ModeNameSuffix  = "xsalsa20_poly1305_suffix"
	ModeNameDefault = "xsalsa20_poly1305"
)

// ParseMode maps a negotiated mode name to a [Mode]. Unrecognised names map
// to [ModeDefault].
func ParseMode(name string) Mode {
	switch name {
	case ModeNameLite:
		return ModeLite
	case ModeNameSuffix:
		return ModeSuffix
	default:
		return ModeDefault
	}
}

// String returns the negotiated name of m.
func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeLite:
		return ModeNameLite
	case ModeSuffix:
		return ModeNameSuffix
	default:
		return ModeNameDefault
	}
}

// Counters is the mutable per-session packet state. Every field wraps at its
// width.
type Counters struct {
	Sequence  uint16
	Timestamp uint32
	Nonce     uint32
}

// errNoEncryption is returned by [Cipher.Seal] for [ModeNone].
var errNoEncryption = errors.New("voice: cipher has no encryption mode")

// Cipher frames and encrypts outbound audio for one session. It owns the
// session's [Counters]; all methods are safe for concurrent use.
type Cipher struct {
	key  [32]byte
	ssrc uint32
	mode Mode
	rand io.Reader

	mu       sync.Mutex
	counters Counters
}

// NewCipher returns a Cipher for a session starting at the given counters.
func NewCipher(key [32]byte, mode Mode, ssrc uint32, start Counters) *Cipher {
	return &Cipher{key: key, ssrc: ssrc, mode: mode, rand: rand.Reader, counters: start}
}

// Mode returns the cipher's encryption mode.
func (c *Cipher) Mode() Mode { return c.mode }

// SSRC returns the session's synchronisation source.
func (c *Cipher) SSRC() uint32 { return c.ssrc }

// Key returns the session secret.
func (c *Cipher) Key() [32]byte { return c.key }

// Counters returns a snapshot of the packet counters.
func (c *Cipher) Counters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// SetCounters overwrites the packet counters. It is used to take over the
// counters advanced by an external encryptor.
func (c *Cipher) SetCounters(cnt Counters) {
	c.mu.Lock()
	c.counters = cnt
	c.mu.Unlock()
}

// Seal advances the sequence by one and the timestamp by units, then returns
// the RTP header followed by the encrypted frame and the mode's nonce suffix.
func (c *Cipher) Seal(frame []byte, units uint32) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode == ModeNone {
		return nil, errNoEncryption
	}

	c.counters.Sequence++
	c.counters.Timestamp += units

	h := rtp.Header{
		Version:        2,
		PayloadType:    payloadType,
		SequenceNumber: c.counters.Sequence,
		Timestamp:      c.counters.Timestamp,
		SSRC:           c.ssrc,
	}
	hdr, err := h.Marshal()
	if err != nil {
		return nil, fmt.Errorf("voice: marshal rtp header: %w", err)
	}

	out := make([]byte, HeaderSize, HeaderSize+len(frame)+secretbox.Overhead+nonceSize)
	copy(out, hdr)

	var nonce [nonceSize]byte
	switch c.mode {
	case ModeLite:
		c.counters.Nonce++
		binary.BigEndian.PutUint32(nonce[:4], c.counters.Nonce)
		out = secretbox.Seal(out, frame, &nonce, &c.key)
		out = append(out, nonce[:4]...)
	case ModeSuffix:
		if _, err := io.ReadFull(c.rand, nonce[:]); err != nil {
			return nil, fmt.Errorf("voice: generate nonce: %w", err)
		}
		out = secretbox.Seal(out, frame, &nonce, &c.key)
		out = append(out, nonce[:]...)
	default:
		copy(nonce[:], out[:HeaderSize])
		out = secretbox.Seal(out, frame, &nonce, &c.key)
	}
	return out, nil
}
