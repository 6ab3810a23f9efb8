package player

import (
	"errors"
	"time"

	"github.com/MrWong99/yasha/pkg/decode"
	"github.com/MrWong99/yasha/pkg/voice"
)

// silenceFrame is an Opus frame of silence.
var silenceFrame = []byte{0xf8, 0xff, 0xfe}

const silenceFrames = 5

// cancelSilenceLocked is called whenever real audio flows. It stops a
// running silence run and arms a new one for the next gap.
func (p *Player) cancelSilenceLocked() {
	if p.silenceNeeded {
		return
	}
	p.stopSilenceTickerLocked()
	p.silenceNeeded = true
	p.silenceLeft = silenceFrames
}

// startSilenceLocked begins the armed silence run, if any. With delegated
// encryption the connection first takes over the delegate's counters.
func (p *Player) startSilenceLocked() {
	if !p.silenceNeeded || p.silenceStop != nil {
		return
	}
	p.silenceNeeded = false

	if d, conn := p.delegateLocked(); d != nil {
		conn.SetCounters(d.SecretBox())
	}

	stop := make(chan struct{})
	p.silenceStop = stop
	go p.runSilence(stop)
}

func (p *Player) stopSilenceTickerLocked() {
	if p.silenceStop != nil {
		close(p.silenceStop)
		p.silenceStop = nil
	}
}

func (p *Player) runSilence(stop chan struct{}) {
	ticker := time.NewTicker(decode.FrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !p.silenceTick(stop) {
				return
			}
		}
	}
}

// silenceTick sends one silence frame and reports whether the run goes on.
func (p *Player) silenceTick(stop chan struct{}) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.silenceStop != stop {
		return false
	}

	p.silenceLeft--
	p.sendLocked(silenceFrame, decode.FrameUnits, true)

	if d, conn := p.delegateLocked(); d != nil {
		if info, ok := conn.Session(); ok {
			d.UpdateSecretBox(info.Counters)
		}
	}

	if p.silenceLeft <= 0 {
		p.stopSilenceTickerLocked()
		return false
	}
	return true
}

// delegateLocked returns the encrypting session and its ready connection
// when encryption is delegated.
func (p *Player) delegateLocked() (decode.Delegate, Conn) {
	if !p.opts.ExternalEncrypt || p.session == nil || len(p.subs) == 0 {
		return nil, nil
	}
	conn := p.subs[0].conn
	if !conn.Ready() {
		return nil, nil
	}
	d, ok := p.session.(decode.Delegate)
	if !ok {
		return nil, nil
	}
	return d, conn
}

// sendLocked fans frame out to every ready connection. Connections that are
// not ready are skipped. Delegated audio packets are already encrypted;
// silence is always encrypted here.
func (p *Player) sendLocked(frame []byte, units uint32, silence bool) {
	raw := p.opts.ExternalEncrypt && !silence
	for _, s := range p.subs {
		if !s.conn.Ready() {
			continue
		}
		var err error
		if raw {
			err = s.conn.SendRaw(frame)
		} else {
			err = s.conn.SendFrame(frame, units)
		}
		if err != nil {
			if !errors.Is(err, voice.ErrNotReady) {
				p.log.Debug("player: send packet", "err", err)
			}
			continue
		}
		if silence {
			p.metrics.packets.Add(p.ctx, 1, kindSilence)
		} else {
			p.metrics.packets.Add(p.ctx, 1, kindAudio)
		}
	}
}
