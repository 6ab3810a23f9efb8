package player

import (
	"time"

	"github.com/MrWong99/yasha/pkg/decode"
)

// withSession runs fn on the live session under the player lock.
func (p *Player) withSession(fn func(s decode.Session) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return ErrNotPlaying
	}
	return fn(p.session)
}

// HasSession reports whether a decode session is live.
func (p *Player) HasSession() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session != nil
}

// Paused reports whether decoding is paused.
func (p *Player) Paused() (paused bool, err error) {
	err = p.withSession(func(s decode.Session) error {
		paused = s.Paused()
		return nil
	})
	return paused, err
}

// SetPaused pauses or resumes decoding. Pausing arms keep-alive silence.
func (p *Player) SetPaused(paused bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return ErrNotPlaying
	}
	if paused {
		p.startSilenceLocked()
	}
	p.session.SetPaused(paused)
	return nil
}

// Seek moves playback to at. It arms keep-alive silence until frames flow
// again.
func (p *Player) Seek(at time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return ErrNotPlaying
	}
	p.startSilenceLocked()
	return p.session.Seek(at)
}

// SetVolume sets the software gain, 1 being unchanged.
func (p *Player) SetVolume(volume float64) error {
	return p.withSession(func(s decode.Session) error { return s.SetVolume(volume) })
}

// SetBitrate sets the Opus output bitrate in bits per second.
func (p *Player) SetBitrate(bitrate int) error {
	return p.withSession(func(s decode.Session) error { return s.SetBitrate(bitrate) })
}

// SetRate changes speed and pitch together.
func (p *Player) SetRate(rate float64) error {
	return p.withSession(func(s decode.Session) error { return s.SetRate(rate) })
}

// SetTempo changes speed while keeping pitch.
func (p *Player) SetTempo(tempo float64) error {
	return p.withSession(func(s decode.Session) error { return s.SetTempo(tempo) })
}

// SetTremolo applies a tremolo effect. A depth of 0 disables it.
func (p *Player) SetTremolo(depth, rate float64) error {
	return p.withSession(func(s decode.Session) error { return s.SetTremolo(depth, rate) })
}

// SetEqualizer sets equalizer band gains. Bands not listed are reset.
func (p *Player) SetEqualizer(bands []decode.Band) error {
	return p.withSession(func(s decode.Session) error { return s.SetEqualizer(bands) })
}

// Time returns the current playback position.
func (p *Player) Time() (at time.Duration, err error) {
	err = p.withSession(func(s decode.Session) error {
		at = s.Time()
		return nil
	})
	return at, err
}

// Duration returns the source duration, or 0 when unknown.
func (p *Player) Duration() (d time.Duration, err error) {
	err = p.withSession(func(s decode.Session) error {
		d = s.Duration()
		return nil
	})
	return d, err
}

// FramesDropped returns how many frames were skipped because delivery fell
// behind.
func (p *Player) FramesDropped() (n int64, err error) {
	err = p.withSession(func(s decode.Session) error {
		n = s.FramesDropped()
		return nil
	})
	return n, err
}

// TotalFrames returns how many frames were produced.
func (p *Player) TotalFrames() (n int64, err error) {
	err = p.withSession(func(s decode.Session) error {
		n = s.TotalFrames()
		return nil
	})
	return n, err
}

// CodecCopy reports whether the session forwards source Opus frames without
// transcoding.
func (p *Player) CodecCopy() (copying bool, err error) {
	err = p.withSession(func(s decode.Session) error {
		copying = s.CodecCopy()
		return nil
	})
	return copying, err
}

// Stop ends decoding of the current track and arms keep-alive silence. The
// session stays live so a later Start can reuse it.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startSilenceLocked()
	if p.session != nil {
		p.session.Stop()
	}
}
