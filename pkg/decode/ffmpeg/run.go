package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/yasha/pkg/decode"
)

const (
	// maxLag is how far delivery may fall behind before frames are dropped.
	maxLag = 5 * decode.FrameDuration

	// stderrTail is the number of ffmpeg log lines kept for error reports.
	stderrTail = 4
)

var errStopped = errors.New("ffmpeg: run stopped")

// run is one ffmpeg process and the goroutines serving it.
type run struct {
	s        *Session
	cmd      *exec.Cmd
	ctx      context.Context
	cancel   context.CancelFunc
	copy     bool
	announce bool
	startAt  time.Duration
	speed    float64

	stopped atomic.Bool
	bitrate atomic.Int64
	volume  atomic.Uint64
	done    chan struct{}

	stderrDone chan struct{}
	tailMu     sync.Mutex
	tail       []string
}

// restartLocked replaces the running ffmpeg with a new one at the current
// position. announce reports OnReady with the first frame.
func (s *Session) restartLocked(announce bool) error {
	s.stopLocked()

	copyMode := s.copyLocked()
	args := buildArgs(runParams{
		url:        s.url,
		isFile:     s.isFile,
		reconnect:  s.reconnect,
		startAt:    s.position,
		copy:       copyMode,
		graph:      s.filters.graph(),
		channels:   s.channels,
		sampleRate: s.sampleRate,
	})

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		s:          s,
		ctx:        ctx,
		cancel:     cancel,
		copy:       copyMode,
		announce:   announce,
		startAt:    s.position,
		speed:      s.filters.speed(),
		done:       make(chan struct{}),
		stderrDone: make(chan struct{}),
	}
	r.bitrate.Store(int64(s.bitrate))
	r.setVolume(s.filters.volume)

	r.cmd = s.command(ctx, s.path, args...)
	stdout, err := r.cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}
	stderr, err := r.cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("ffmpeg: stderr pipe: %w", err)
	}

	var src frameSource
	if copyMode {
		src = newOggSource(stdout)
	} else {
		pcm, err := newPCMSource(stdout, s.sampleRate, s.channels, r.loadVolume, r.loadBitrate)
		if err != nil {
			cancel()
			return err
		}
		src = pcm
	}

	if err := r.cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("ffmpeg: start %s: %w", s.path, err)
	}
	s.cur = r
	s.log.Debug("ffmpeg: started", "start_at", r.startAt, "copy", copyMode, "filters", s.filters.graph())

	go r.readStderr(stderr)
	go r.loop(src)
	return nil
}

func (r *run) stop() {
	if r.stopped.CompareAndSwap(false, true) {
		r.cancel()
	}
}

func (r *run) setVolume(v float64) { r.volume.Store(math.Float64bits(v)) }
func (r *run) loadVolume() float64 { return math.Float64frombits(r.volume.Load()) }
func (r *run) loadBitrate() int    { return int(r.bitrate.Load()) }

// loop pumps frames until the source ends or the run is stopped, then reaps
// the process and reports the outcome.
func (r *run) loop(src frameSource) {
	defer close(r.done)

	produced, readErr := r.pump(src)
	if !errors.Is(readErr, io.EOF) {
		// ffmpeg may still be blocked writing to the pipe.
		r.cancel()
	}
	<-r.stderrDone
	waitErr := r.cmd.Wait()

	if r.stopped.Load() || errors.Is(readErr, errStopped) {
		return
	}
	derr := classify(readErr, waitErr, r.stderrLines(), produced)
	if derr == nil {
		r.s.log.Debug("ffmpeg: source finished")
	} else {
		r.s.log.Debug("ffmpeg: decoding failed", "err", derr, "retryable", derr.Retryable)
	}
	r.finish(derr)
}

// pump delivers frames paced to real time. It reports whether any frame
// was delivered and the error that ended it.
func (r *run) pump(src frameSource) (bool, error) {
	s := r.s
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	var (
		next     time.Time
		elapsed  time.Duration
		produced bool
	)
	for {
		resumed, ok := r.waitUnpaused()
		if !ok {
			return produced, errStopped
		}

		frame, units, err := src.next()
		if r.stopped.Load() {
			return produced, errStopped
		}
		if err != nil {
			return produced, err
		}
		if resumed || next.IsZero() {
			next = time.Now()
		}
		s.totalFrames.Add(1)

		d := time.Duration(units) * time.Second / decode.SampleRate
		elapsed += time.Duration(float64(d) * r.speed)
		r.setPosition(r.startAt + elapsed)

		if time.Since(next) > maxLag {
			s.framesDropped.Add(1)
			next = next.Add(d)
			continue
		}
		if wait := time.Until(next); wait > 0 {
			timer.Reset(wait)
			select {
			case <-timer.C:
			case <-r.ctx.Done():
				return produced, errStopped
			}
		}
		next = next.Add(d)

		if !r.deliver(frame, units, r.announce && !produced) {
			return produced, errStopped
		}
		produced = true
	}
}

// waitUnpaused blocks while the session is paused. It reports whether it
// had to wait, and false for ok when the run was stopped meanwhile.
func (r *run) waitUnpaused() (resumed, ok bool) {
	s := r.s
	s.mu.Lock()
	paused, ch := s.paused, s.unpaused
	s.mu.Unlock()
	if !paused {
		return false, true
	}
	select {
	case <-ch:
		return true, true
	case <-r.ctx.Done():
		return false, false
	}
}

func (r *run) setPosition(at time.Duration) {
	s := r.s
	s.mu.Lock()
	if s.cur == r {
		s.position = at
	}
	s.mu.Unlock()
}

// deliver seals frame when encryption is delegated and hands it to the
// handler. Frames that cannot be sealed are not reported. It returns false
// once the run is no longer current.
func (r *run) deliver(frame []byte, units uint32, ready bool) bool {
	s := r.s
	s.cbMu.Lock()
	defer s.cbMu.Unlock()

	s.mu.Lock()
	if s.cur != r || s.closed {
		s.mu.Unlock()
		return false
	}
	packet, pipe := s.sealLocked(frame, units)
	s.mu.Unlock()

	if pipe != nil {
		if _, err := pipe.Write(packet); err != nil {
			s.log.Debug("ffmpeg: pipe packet", "err", err)
		}
	}
	if ready {
		s.handler.OnReady()
	}
	if packet != nil {
		s.handler.OnPacket(packet, units)
	}
	return true
}

// finish reports the end of the run if it is still current.
func (r *run) finish(derr *decode.Error) {
	s := r.s
	s.cbMu.Lock()
	defer s.cbMu.Unlock()

	s.mu.Lock()
	current := s.cur == r && !s.closed
	if current {
		s.cur = nil
	}
	s.mu.Unlock()
	if !current {
		return
	}
	if derr == nil {
		s.handler.OnFinish()
		return
	}
	s.handler.OnError(derr)
}

// ── ffmpeg log ────────────────────────────────────────────────────────────────

var durationRe = regexp.MustCompile(`Duration: (\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

func (r *run) readStderr(rd io.Reader) {
	defer close(r.stderrDone)
	sc := bufio.NewScanner(rd)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if d, ok := parseDuration(line); ok {
			r.s.mu.Lock()
			if r.s.cur == r {
				r.s.duration = d
			}
			r.s.mu.Unlock()
		}

		r.tailMu.Lock()
		r.tail = append(r.tail, line)
		if len(r.tail) > stderrTail {
			r.tail = r.tail[1:]
		}
		r.tailMu.Unlock()

		if strings.Contains(strings.ToLower(line), "error") {
			r.debug(line)
		}
	}
}

// debug forwards an ffmpeg diagnostic to the handler.
func (r *run) debug(msg string) {
	s := r.s
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.mu.Lock()
	current := s.cur == r && !s.closed
	s.mu.Unlock()
	if current {
		s.handler.OnDebug(msg)
	}
}

func (r *run) stderrLines() []string {
	r.tailMu.Lock()
	defer r.tailMu.Unlock()
	return append([]string(nil), r.tail...)
}

// parseDuration extracts the input duration from an ffmpeg banner line.
func parseDuration(line string) (time.Duration, bool) {
	m := durationRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	hours, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	sec, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, false
	}
	d := time.Duration(hours)*time.Hour + time.Duration(mins)*time.Minute +
		time.Duration(math.Round(sec*float64(time.Second)))
	return d, true
}

// ── exit classification ───────────────────────────────────────────────────────

var (
	// goneMarkers mean the address is permanently invalid when seen before
	// any audio. Mid-stream they usually mean an expired address.
	goneMarkers = []string{"403 Forbidden", "404 Not Found", "410 Gone"}

	unplayableMarkers = []string{
		"Invalid data found when processing input",
		"matches no streams",
		"does not contain any stream",
		"No such file or directory",
	}

	networkMarkers = []string{
		"Connection reset", "Connection refused", "Connection timed out",
		"timed out", "I/O error", "Network is unreachable", "Server returned 5",
		"End of file",
	}
)

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// classify maps the end of a run to a decode error, or nil for a clean end
// of the source.
func classify(readErr, waitErr error, tail []string, produced bool) *decode.Error {
	var ce *codecError
	if errors.As(readErr, &ce) {
		return &decode.Error{Err: ce, Code: decode.CodeCodec, Retryable: true}
	}
	if errors.Is(readErr, io.EOF) && waitErr == nil {
		return nil
	}

	cause := waitErr
	if cause == nil {
		cause = readErr
	}
	log := strings.Join(tail, "; ")
	if log != "" {
		cause = fmt.Errorf("%w: %s", cause, log)
	}

	switch {
	case containsAny(log, goneMarkers) && !produced:
		return &decode.Error{Err: cause, Code: decode.CodeUnplayable}
	case containsAny(log, unplayableMarkers):
		return &decode.Error{Err: cause, Code: decode.CodeUnplayable}
	case containsAny(log, goneMarkers), containsAny(log, networkMarkers):
		return &decode.Error{Err: cause, Code: decode.CodeNetwork, Retryable: true}
	default:
		return &decode.Error{Err: cause, Code: decode.CodeProcess, Retryable: true}
	}
}
