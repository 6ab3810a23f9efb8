package ffmpeg

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"
)

func TestOpusSamples(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		packet []byte
		want   uint32
	}{
		{"empty", nil, 0},
		{"celt 20ms single", []byte{31 << 3}, 960},
		{"celt 2.5ms single", []byte{16 << 3}, 120},
		{"silk 60ms single", []byte{3 << 3}, 2880},
		{"hybrid 10ms two frames", []byte{12<<3 | 1}, 960},
		{"celt 20ms code 3 with 3 frames", []byte{31<<3 | 3, 3}, 2880},
		{"code 3 truncated", []byte{31<<3 | 3}, 0},
		{"silence frame", []byte{0xf8, 0xff, 0xfe}, 960},
	}
	for _, tt := range tests {
		if got := opusSamples(tt.packet); got != tt.want {
			t.Errorf("%s: opusSamples = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestApplyVolume(t *testing.T) {
	t.Parallel()

	pcm := []int16{1000, -1000, math.MaxInt16, math.MinInt16}
	applyVolume(pcm, 2)
	want := []int16{2000, -2000, math.MaxInt16, math.MinInt16}
	for i := range pcm {
		if pcm[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, pcm[i], want[i])
		}
	}

	pcm = []int16{1001}
	applyVolume(pcm, 0.5)
	if pcm[0] != 501 {
		t.Errorf("half volume = %d, want 501", pcm[0])
	}
}

func TestDecodePCM(t *testing.T) {
	t.Parallel()

	dst := make([]int16, 2)
	decodePCM(dst, []byte{0x34, 0x12, 0xff, 0xff})
	if dst[0] != 0x1234 || dst[1] != -1 {
		t.Errorf("decodePCM = %v, want [4660 -1]", dst)
	}
}

func TestPCMSource_Frames(t *testing.T) {
	t.Parallel()

	const frameBytes = 960 * 2 * 2
	// Two full frames and half of a third.
	input := bytes.NewReader(make([]byte, frameBytes*2+frameBytes/2))
	bitrate := 64000
	src, err := newPCMSource(input, 48000, 2, func() float64 { return 1 }, func() int { return bitrate })
	if err != nil {
		t.Fatal(err)
	}

	for i := range 3 {
		frame, units, err := src.next()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if units != 960 {
			t.Errorf("frame %d: units = %d, want 960", i, units)
		}
		if len(frame) == 0 || len(frame) > maxPacketSize {
			t.Errorf("frame %d: %d bytes", i, len(frame))
		}
		if i == 0 {
			bitrate = 96000
		}
	}
	if src.current != 96000 {
		t.Errorf("encoder bitrate = %d, want 96000", src.current)
	}
	if _, _, err := src.next(); !errors.Is(err, io.EOF) {
		t.Errorf("after last frame: err = %v, want EOF", err)
	}
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestPCMSource_ReadError(t *testing.T) {
	t.Parallel()

	boom := errors.New("broken pipe")
	src, err := newPCMSource(failingReader{boom}, 48000, 2, func() float64 { return 1 }, func() int { return 64000 })
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := src.next(); !errors.Is(err, boom) {
		t.Errorf("next() error = %v, want %v", err, boom)
	}
}
