package ffmpeg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/jonas747/ogg"
	"layeh.com/gopus"
)

// maxPacketSize bounds one encoded Opus packet.
const maxPacketSize = 4000

// frameSource yields Opus frames with their length in samples per channel.
// next returns io.EOF at the clean end of the source.
type frameSource interface {
	next() (frame []byte, units uint32, err error)
}

// codecError marks a failure of the local encoder or demuxer.
type codecError struct{ err error }

func (e *codecError) Error() string { return e.err.Error() }
func (e *codecError) Unwrap() error { return e.err }

// ─── PCM transcoding ─────────────────────────────────────────────────────────

// pcmSource reads s16le PCM from ffmpeg and encodes it with gopus.
type pcmSource struct {
	r         io.Reader
	enc       *gopus.Encoder
	frameSize int
	buf       []byte
	pcm       []int16
	volume    func() float64
	bitrate   func() int
	current   int
}

func newPCMSource(r io.Reader, sampleRate, channels int, volume func() float64, bitrate func() int) (*pcmSource, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: create opus encoder: %w", err)
	}
	frameSize := sampleRate / 50
	return &pcmSource{
		r:         r,
		enc:       enc,
		frameSize: frameSize,
		buf:       make([]byte, frameSize*channels*2),
		pcm:       make([]int16, frameSize*channels),
		volume:    volume,
		bitrate:   bitrate,
	}, nil
}

func (s *pcmSource) next() ([]byte, uint32, error) {
	n, err := io.ReadFull(s.r, s.buf)
	switch {
	case errors.Is(err, io.EOF):
		return nil, 0, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		// Final partial frame: pad with silence.
		clear(s.buf[n:])
	case err != nil:
		return nil, 0, err
	}

	decodePCM(s.pcm, s.buf)
	applyVolume(s.pcm, s.volume())

	if b := s.bitrate(); b != s.current {
		s.enc.SetBitrate(b)
		s.current = b
	}
	frame, encErr := s.enc.Encode(s.pcm, s.frameSize, maxPacketSize)
	if encErr != nil {
		return nil, 0, &codecError{fmt.Errorf("ffmpeg: opus encode: %w", encErr)}
	}
	return frame, uint32(s.frameSize), nil
}

// decodePCM converts little-endian s16 bytes into samples.
func decodePCM(dst []int16, b []byte) {
	for i := range dst {
		dst[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
}

// applyVolume scales samples by v with clipping.
func applyVolume(pcm []int16, v float64) {
	if v == 1 {
		return
	}
	for i, s := range pcm {
		scaled := math.Round(float64(s) * v)
		pcm[i] = int16(max(math.MinInt16, min(math.MaxInt16, scaled)))
	}
}

// ─── Ogg codec copy ──────────────────────────────────────────────────────────

// oggSource demuxes Opus packets from an Ogg stream produced with
// "-c:a copy -f ogg".
type oggSource struct {
	dec *ogg.PacketDecoder
}

func newOggSource(r io.Reader) *oggSource {
	return &oggSource{dec: ogg.NewPacketDecoder(ogg.NewDecoder(r))}
}

var (
	opusHead = []byte("OpusHead")
	opusTags = []byte("OpusTags")
)

func (s *oggSource) next() ([]byte, uint32, error) {
	for {
		packet, _, err := s.dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, 0, io.EOF
			}
			return nil, 0, &codecError{fmt.Errorf("ffmpeg: ogg demux: %w", err)}
		}
		if bytes.HasPrefix(packet, opusHead) || bytes.HasPrefix(packet, opusTags) {
			continue
		}
		units := opusSamples(packet)
		if units == 0 {
			continue
		}
		return packet, units, nil
	}
}

// opusSamples returns the number of 48 kHz samples per channel in an Opus
// packet, derived from its TOC byte, or 0 for a malformed packet.
func opusSamples(packet []byte) uint32 {
	if len(packet) == 0 {
		return 0
	}
	toc := packet[0]
	cfg := toc >> 3

	var frame uint32
	switch {
	case cfg < 12: // SILK: 10, 20, 40, 60 ms
		frame = [4]uint32{480, 960, 1920, 2880}[cfg%4]
	case cfg < 16: // Hybrid: 10, 20 ms
		frame = [2]uint32{480, 960}[cfg%2]
	default: // CELT: 2.5, 5, 10, 20 ms
		frame = [4]uint32{120, 240, 480, 960}[cfg%4]
	}

	var count uint32
	switch toc & 0x3 {
	case 0:
		count = 1
	case 1, 2:
		count = 2
	default:
		if len(packet) < 2 {
			return 0
		}
		count = uint32(packet[1] & 0x3f)
	}
	return frame * count
}
