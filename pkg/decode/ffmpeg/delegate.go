package ffmpeg

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/MrWong99/yasha/pkg/decode"
	"github.com/MrWong99/yasha/pkg/voice"
)

// SetSecretBox installs the cipher used to seal frames. A zero key with
// [voice.ModeNone] removes it; frames are then dropped until a cipher is
// installed again, since the caller sends reported packets as they are.
func (s *Session) SetSecretBox(key [32]byte, mode voice.Mode, ssrc uint32) error {
	if !s.encrypt {
		return errors.New("ffmpeg: session was not created for encryption")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if mode == voice.ModeNone {
		s.cipher = nil
		return nil
	}
	var start voice.Counters
	if s.cipher != nil {
		start = s.cipher.Counters()
	}
	s.cipher = voice.NewCipher(key, mode, ssrc, start)
	return nil
}

// UpdateSecretBox overwrites the packet counters of the installed cipher.
func (s *Session) UpdateSecretBox(c voice.Counters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cipher != nil {
		s.cipher.SetCounters(c)
	}
}

// SecretBox returns the installed cipher's counters, or zero counters.
func (s *Session) SecretBox() voice.Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cipher == nil {
		return voice.Counters{}
	}
	return s.cipher.Counters()
}

// Pipe writes sealed packets to ip:port over UDP in addition to reporting
// them. An empty ip closes the socket.
func (s *Session) Pipe(ip string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipe != nil {
		_ = s.pipe.Close()
		s.pipe = nil
	}
	if ip == "" {
		return nil
	}
	if s.closed {
		return fmt.Errorf("ffmpeg: pipe: %w", decode.ErrClosed)
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("ffmpeg: resolve voice server %s:%d: %w", ip, port, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("ffmpeg: dial voice server %s: %w", addr, err)
	}
	s.pipe = conn
	return nil
}

// sealLocked returns the packet to report for frame and the socket it must
// also be written to, if any. A nil packet means the frame must not leave
// the session: encryption is delegated but no cipher is installed, or
// sealing failed.
func (s *Session) sealLocked(frame []byte, units uint32) ([]byte, *net.UDPConn) {
	if !s.encrypt {
		return frame, nil
	}
	if s.cipher == nil {
		return nil, nil
	}
	packet, err := s.cipher.Seal(frame, units)
	if err != nil {
		s.log.Warn("ffmpeg: seal frame", "err", err)
		return nil, nil
	}
	return packet, s.pipe
}
