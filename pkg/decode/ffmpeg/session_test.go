package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/yasha/pkg/decode"
	"github.com/MrWong99/yasha/pkg/voice"
)

const pcmFrameBytes = 960 * 2 * 2

// TestHelperProcess stands in for ffmpeg.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	frame := make([]byte, pcmFrameBytes)
	writeFrames := func(n int) {
		for range n {
			if _, err := os.Stdout.Write(frame); err != nil {
				os.Exit(0)
			}
		}
	}

	switch os.Getenv("FFMPEG_HELPER_MODE") {
	case "five":
		fmt.Fprintln(os.Stderr, "  Duration: 00:00:00.10, start: 0.000000, bitrate: 1536 kb/s")
		writeFrames(5)
		os.Exit(0)
	case "notfound":
		fmt.Fprintln(os.Stderr, "[https @ 0x55] HTTP error 404 Not Found")
		fmt.Fprintln(os.Stderr, "https://cdn.example/a: Server returned 404 Not Found")
		os.Exit(1)
	case "reset":
		writeFrames(2)
		fmt.Fprintln(os.Stderr, "[tls @ 0x55] Error in the pull function.")
		fmt.Fprintln(os.Stderr, "https://cdn.example/a: Connection reset by peer")
		os.Exit(1)
	case "crash":
		os.Exit(3)
	case "idle":
		time.Sleep(time.Minute)
		os.Exit(0)
	case "endless":
		for {
			writeFrames(1)
		}
	default:
		os.Exit(0)
	}
}

// ─── harness ─────────────────────────────────────────────────────────────────

type recorder struct {
	mu      sync.Mutex
	ready   int
	packets [][]byte
	units   []uint32
	finish  int
	errs    []*decode.Error
	debug   []string
	ended   chan struct{}
}

func newRecorder() *recorder { return &recorder{ended: make(chan struct{}, 8)} }

func (r *recorder) OnReady() {
	r.mu.Lock()
	r.ready++
	r.mu.Unlock()
}

func (r *recorder) OnPacket(frame []byte, units uint32) {
	r.mu.Lock()
	r.packets = append(r.packets, append([]byte(nil), frame...))
	r.units = append(r.units, units)
	r.mu.Unlock()
}

func (r *recorder) OnFinish() {
	r.mu.Lock()
	r.finish++
	r.mu.Unlock()
	r.ended <- struct{}{}
}

func (r *recorder) OnError(err *decode.Error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.ended <- struct{}{}
}

func (r *recorder) OnDebug(msg string) {
	r.mu.Lock()
	r.debug = append(r.debug, msg)
	r.mu.Unlock()
}

func (r *recorder) packetCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.packets)
}

func (r *recorder) waitEnd(t *testing.T) {
	t.Helper()
	select {
	case <-r.ended:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the run to end")
	}
}

// helper launches the test binary in the given mode and records every
// argument list it was started with.
type helper struct {
	mode string

	mu   sync.Mutex
	runs [][]string
}

func (h *helper) command(ctx context.Context, _ string, args ...string) *exec.Cmd {
	h.mu.Lock()
	h.runs = append(h.runs, append([]string(nil), args...))
	h.mu.Unlock()
	cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "FFMPEG_HELPER_MODE="+h.mode)
	return cmd
}

func (h *helper) started() [][]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.runs)
}

func newTestSession(t *testing.T, mode string, encrypt bool) (*Session, *recorder, *helper) {
	t.Helper()
	rec := newRecorder()
	h := &helper{mode: mode}
	s, err := newSession(decode.Config{Handler: rec, Encrypt: encrypt}, Options{}, h.command)
	if err != nil {
		t.Fatal(err)
	}
	s.SetURL("https://cdn.example/a", false)
	t.Cleanup(func() { _ = s.Close() })
	return s, rec, h
}

func argValue(args []string, flag string) (string, bool) {
	i := slices.Index(args, flag)
	if i < 0 || i+1 >= len(args) {
		return "", false
	}
	return args[i+1], true
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ─── lifecycle ───────────────────────────────────────────────────────────────

func TestNew_RequiresHandler(t *testing.T) {
	t.Parallel()

	if _, err := New(decode.Config{}, Options{}); err == nil {
		t.Error("New without handler: want error")
	}
}

func TestSession_PlaysToEnd(t *testing.T) {
	t.Parallel()

	s, rec, _ := newTestSession(t, "five", false)
	begin := time.Now()
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	rec.waitEnd(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.ready != 1 || rec.finish != 1 || len(rec.errs) != 0 {
		t.Errorf("ready, finish, errors = %d, %d, %d; want 1, 1, 0", rec.ready, rec.finish, len(rec.errs))
	}
	if len(rec.packets) != 5 {
		t.Fatalf("packets = %d, want 5", len(rec.packets))
	}
	for i, u := range rec.units {
		if u != 960 {
			t.Errorf("packet %d units = %d, want 960", i, u)
		}
	}
	if elapsed := time.Since(begin); elapsed < 70*time.Millisecond {
		t.Errorf("five frames took %v, want real-time pacing", elapsed)
	}
	if got := s.Time(); got != 100*time.Millisecond {
		t.Errorf("Time() = %v, want 100ms", got)
	}
	if got := s.Duration(); got != 100*time.Millisecond {
		t.Errorf("Duration() = %v, want 100ms", got)
	}
	if got := s.TotalFrames(); got != 5 {
		t.Errorf("TotalFrames() = %d, want 5", got)
	}
	if s.CodecCopy() {
		t.Error("CodecCopy() = true after finish")
	}
}

func TestSession_StartRequiresURL(t *testing.T) {
	t.Parallel()

	s, err := New(decode.Config{Handler: newRecorder()}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err == nil {
		t.Error("Start without URL: want error")
	}
}

func TestSession_StartFailsWithoutBinary(t *testing.T) {
	t.Parallel()

	s, err := New(decode.Config{Handler: newRecorder()}, Options{Path: "/nonexistent/ffmpeg"})
	if err != nil {
		t.Fatal(err)
	}
	s.SetURL("https://cdn.example/a", false)
	if err := s.Start(); err == nil {
		t.Error("Start with missing binary: want error")
	}
}

func TestSession_ErrorsAreClassified(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode      string
		wantCode  decode.Code
		wantRetry bool
	}{
		{"notfound", decode.CodeUnplayable, false},
		{"reset", decode.CodeNetwork, true},
		{"crash", decode.CodeProcess, true},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			t.Parallel()
			s, rec, _ := newTestSession(t, tt.mode, false)
			if err := s.Start(); err != nil {
				t.Fatal(err)
			}
			rec.waitEnd(t)

			rec.mu.Lock()
			defer rec.mu.Unlock()
			if rec.finish != 0 || len(rec.errs) != 1 {
				t.Fatalf("finish, errors = %d, %d; want 0, 1", rec.finish, len(rec.errs))
			}
			got := rec.errs[0]
			if got.Code != tt.wantCode || got.Retryable != tt.wantRetry {
				t.Errorf("error = %v (retryable %v), want %v (retryable %v)", got, got.Retryable, tt.wantCode, tt.wantRetry)
			}
		})
	}
}

func TestSession_StopIsSilent(t *testing.T) {
	t.Parallel()

	s, rec, _ := newTestSession(t, "endless", false)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "packets", func() bool { return rec.packetCount() >= 2 })
	s.Stop()

	time.Sleep(100 * time.Millisecond)
	n := rec.packetCount()
	time.Sleep(100 * time.Millisecond)
	if got := rec.packetCount(); got != n {
		t.Errorf("packets grew from %d to %d after Stop", n, got)
	}
	select {
	case <-rec.ended:
		t.Error("Stop reported an end of source")
	default:
	}
}

func TestSession_ClosedRejectsCalls(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSession(t, "endless", false)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := s.Start(); !errors.Is(err, decode.ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
	if err := s.Seek(time.Second); !errors.Is(err, decode.ErrClosed) {
		t.Errorf("Seek after Close = %v, want ErrClosed", err)
	}
}

// ─── controls ────────────────────────────────────────────────────────────────

func TestSession_SeekRestartsAtPosition(t *testing.T) {
	t.Parallel()

	s, rec, h := newTestSession(t, "endless", false)
	if err := s.Seek(10 * time.Second); err != nil {
		t.Fatal(err)
	}
	if len(h.started()) != 0 {
		t.Fatal("Seek before Start launched ffmpeg")
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "packets", func() bool { return rec.packetCount() >= 1 })

	if err := s.Seek(42 * time.Second); err != nil {
		t.Fatal(err)
	}
	runs := h.started()
	if len(runs) != 2 {
		t.Fatalf("ffmpeg runs = %d, want 2", len(runs))
	}
	if ss, _ := argValue(runs[0], "-ss"); ss != "10" {
		t.Errorf("first run -ss = %q, want 10", ss)
	}
	if ss, _ := argValue(runs[1], "-ss"); ss != "42" {
		t.Errorf("second run -ss = %q, want 42", ss)
	}
	waitUntil(t, "position", func() bool { return s.Time() > 42*time.Second })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.ready != 1 {
		t.Errorf("ready = %d, want 1 across a seek", rec.ready)
	}
}

func TestSession_FilterChangesRestart(t *testing.T) {
	t.Parallel()

	s, rec, h := newTestSession(t, "endless", false)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "packets", func() bool { return rec.packetCount() >= 1 })

	// Volume and bitrate apply in place.
	if err := s.SetVolume(0.5); err != nil {
		t.Fatal(err)
	}
	if err := s.SetBitrate(64000); err != nil {
		t.Fatal(err)
	}
	if n := len(h.started()); n != 1 {
		t.Fatalf("ffmpeg runs after volume change = %d, want 1", n)
	}

	if err := s.SetTempo(1.5); err != nil {
		t.Fatal(err)
	}
	if err := s.SetEqualizer([]decode.Band{{Band: 0, Gain: 1}}); err != nil {
		t.Fatal(err)
	}
	runs := h.started()
	if len(runs) != 3 {
		t.Fatalf("ffmpeg runs = %d, want 3", len(runs))
	}
	af, _ := argValue(runs[2], "-af")
	if !strings.Contains(af, "atempo=1.5") || !strings.Contains(af, "equalizer=f=25") {
		t.Errorf("filter graph = %q, want tempo and equalizer", af)
	}
}

func TestSession_ControlValidation(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSession(t, "endless", false)
	checks := map[string]error{
		"volume":      s.SetVolume(-1),
		"bitrate":     s.SetBitrate(10),
		"rate":        s.SetRate(0),
		"tempo":       s.SetTempo(-2),
		"tremolo":     s.SetTremolo(2, 4),
		"band":        s.SetEqualizer([]decode.Band{{Band: 15, Gain: 0.1}}),
		"gain":        s.SetEqualizer([]decode.Band{{Band: 1, Gain: 2}}),
		"seek":        s.Seek(-time.Second),
		"encrypt off": s.SetSecretBox([32]byte{1}, voice.ModeLite, 1),
	}
	for name, err := range checks {
		if err == nil {
			t.Errorf("%s: want error", name)
		}
	}
}

func TestSession_CodecCopy(t *testing.T) {
	t.Parallel()

	s, _, h := newTestSession(t, "idle", false)
	s.SetSourceCodec("opus")
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if !s.CodecCopy() {
		t.Error("CodecCopy() = false for an opus source")
	}
	if c, _ := argValue(h.started()[0], "-c:a"); c != "copy" {
		t.Errorf("-c:a = %q, want copy", c)
	}

	// Software volume needs transcoding.
	if err := s.SetVolume(0.5); err != nil {
		t.Fatal(err)
	}
	runs := h.started()
	if len(runs) != 2 {
		t.Fatalf("ffmpeg runs = %d, want 2", len(runs))
	}
	if slices.Contains(runs[1], "copy") {
		t.Errorf("second run still copies: %v", runs[1])
	}
	if s.CodecCopy() {
		t.Error("CodecCopy() = true after volume change")
	}
}

func TestSession_PauseHoldsFrames(t *testing.T) {
	t.Parallel()

	s, rec, _ := newTestSession(t, "endless", false)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "packets", func() bool { return rec.packetCount() >= 2 })

	s.SetPaused(true)
	if !s.Paused() {
		t.Fatal("Paused() = false")
	}
	time.Sleep(60 * time.Millisecond)
	n := rec.packetCount()
	time.Sleep(100 * time.Millisecond)
	if got := rec.packetCount(); got != n {
		t.Errorf("packets grew from %d to %d while paused", n, got)
	}

	s.SetPaused(false)
	waitUntil(t, "resume", func() bool { return rec.packetCount() > n })
	if got := s.FramesDropped(); got != 0 {
		t.Errorf("FramesDropped() = %d after resume, want 0", got)
	}
}

// ─── delegated encryption ────────────────────────────────────────────────────

func TestSession_SealsAndPipes(t *testing.T) {
	t.Parallel()

	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { server.Close() })
	received := make(chan []byte, 16)
	go func() {
		buf := make([]byte, 2048)
		for {
			n, _, err := server.ReadFromUDP(buf)
			if err != nil {
				return
			}
			received <- append([]byte(nil), buf[:n]...)
		}
	}()

	s, rec, _ := newTestSession(t, "five", true)
	if err := s.SetSecretBox([32]byte{1, 2, 3}, voice.ModeLite, 1234); err != nil {
		t.Fatal(err)
	}
	s.UpdateSecretBox(voice.Counters{Sequence: 100, Timestamp: 5000, Nonce: 7})
	addr := server.LocalAddr().(*net.UDPAddr)
	if err := s.Pipe(addr.IP.String(), addr.Port); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	rec.waitEnd(t)

	want := voice.Counters{Sequence: 105, Timestamp: 5000 + 5*960, Nonce: 12}
	if got := s.SecretBox(); got != want {
		t.Errorf("SecretBox() = %+v, want %+v", got, want)
	}

	rec.mu.Lock()
	packets := slices.Clone(rec.packets)
	rec.mu.Unlock()
	if len(packets) != 5 {
		t.Fatalf("packets = %d, want 5", len(packets))
	}
	for i, p := range packets {
		if len(p) < 12 || p[0] != 0x80 || p[1] != 0x78 {
			t.Errorf("packet %d is not an RTP voice packet: % x", i, p[:min(len(p), 12)])
		}
	}

	for i := range 5 {
		select {
		case p := <-received:
			if string(p) != string(packets[i]) {
				t.Errorf("piped packet %d differs from reported packet", i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("piped packet %d not received", i)
		}
	}

	// Resetting the secret box removes the cipher.
	if err := s.SetSecretBox([32]byte{}, voice.ModeNone, 0); err != nil {
		t.Fatal(err)
	}
	if got := s.SecretBox(); got != (voice.Counters{}) {
		t.Errorf("SecretBox() after reset = %+v, want zero", got)
	}
	if err := s.Pipe("", 0); err != nil {
		t.Errorf("stop piping: %v", err)
	}
}

func TestSession_DelegatedWithoutCipherDropsFrames(t *testing.T) {
	t.Parallel()

	s, rec, _ := newTestSession(t, "five", true)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	rec.waitEnd(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.ready != 1 || rec.finish != 1 {
		t.Errorf("ready, finish = %d, %d; want 1, 1", rec.ready, rec.finish)
	}
	if len(rec.packets) != 0 {
		t.Errorf("packets = %d, want none without a cipher", len(rec.packets))
	}
}
