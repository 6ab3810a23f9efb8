package player

import (
	"fmt"
	"sync/atomic"

	"github.com/MrWong99/yasha/pkg/decode"
	"github.com/MrWong99/yasha/pkg/voice"
)

// Conn is the voice connection surface the player drives.
type Conn interface {
	Ready() bool
	Session() (voice.SessionInfo, bool)
	SetCounters(c voice.Counters)
	SendFrame(frame []byte, units uint32) error
	SendRaw(packet []byte) error
	SetSpeaking(speaking bool) error
	OnStateChange(fn voice.StateListener) (remove func())
	SetOwner(s voice.Subscriber) (prev voice.Subscriber)
	ReleaseOwner(s voice.Subscriber)
}

var _ Conn = (*voice.Connection)(nil)

// Subscription binds a connection to a player.
type Subscription struct {
	player *Player
	conn   Conn
	remove func()
	done   atomic.Bool
}

var _ voice.Subscriber = (*Subscription)(nil)

// Conn returns the subscribed connection.
func (s *Subscription) Conn() Conn { return s.conn }

// Unsubscribe detaches the connection. When the last subscription goes the
// player releases its decode session and timers. Calling it again is a
// no-op.
func (s *Subscription) Unsubscribe() {
	if !s.done.CompareAndSwap(false, true) {
		return
	}
	s.conn.ReleaseOwner(s)
	s.player.unsubscribe(s)
}

// Subscribe sends the player's audio to conn. A connection has one owning
// subscription; an earlier one is unsubscribed. With delegated encryption
// only one subscription is allowed and a second fails with
// [ErrUnsupported].
func (p *Player) Subscribe(conn Conn) (*Subscription, error) {
	p.mu.Lock()
	if p.opts.ExternalEncrypt && len(p.subs) > 0 {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot subscribe to multiple connections with external encryption", ErrUnsupported)
	}
	sub := &Subscription{player: p, conn: conn}
	if p.opts.ExternalEncrypt {
		sub.remove = conn.OnStateChange(func(_, cur voice.Status) {
			p.onConnectionState(sub, cur)
		})
	}
	p.subs = append(p.subs, sub)
	p.initSecretBoxLocked()
	p.mu.Unlock()

	if prev := conn.SetOwner(sub); prev != nil && prev != voice.Subscriber(sub) {
		prev.Unsubscribe()
	}
	return sub, nil
}

// Subscriptions returns the number of subscribed connections.
func (p *Player) Subscriptions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

func (p *Player) unsubscribe(s *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := -1
	for i, cur := range p.subs {
		if cur == s {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	if s.remove != nil {
		s.remove()
	}
	p.subs = append(p.subs[:idx], p.subs[idx+1:]...)

	if len(p.subs) == 0 {
		p.teardownLocked()
	}
}

// onConnectionState follows the delegated cipher target through reconnects.
func (p *Player) onConnectionState(s *Subscription, cur voice.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.subs) == 0 || p.subs[0] != s {
		return
	}
	if cur == voice.StatusReady {
		p.initSecretBoxLocked()
		return
	}
	if !p.opts.ExternalPacketSend || p.session == nil {
		return
	}
	if d, ok := p.session.(decode.Delegate); ok {
		if err := d.Pipe("", 0); err != nil {
			p.log.Debug("player: stop piping", "err", err)
		}
	}
}

// initSecretBoxLocked hands the connection's cipher to a delegating
// session, or disables its encryption while no connection is ready.
func (p *Player) initSecretBoxLocked() {
	if !p.opts.ExternalEncrypt || p.session == nil {
		return
	}
	d, ok := p.session.(decode.Delegate)
	if !ok {
		return
	}

	if len(p.subs) > 0 {
		conn := p.subs[0].conn
		if info, ready := conn.Session(); ready {
			err := d.SetSecretBox(info.SecretKey, voice.ParseMode(info.Mode), info.SSRC)
			if err == nil {
				d.UpdateSecretBox(info.Counters)
				if p.opts.ExternalPacketSend {
					err = d.Pipe(info.RemoteIP, info.RemotePort)
				}
			}
			if err != nil {
				p.destroySessionLocked()
				p.emit(EventError{Err: fmt.Errorf("%w: install secret box: %w", ErrInternal, err)})
				return
			}
			if p.opts.ExternalPacketSend {
				if err := conn.SetSpeaking(true); err != nil {
					p.log.Debug("player: set speaking", "err", err)
				}
			}
			return
		}
	}

	if err := d.SetSecretBox([32]byte{}, voice.ModeNone, 0); err != nil {
		p.destroySessionLocked()
		p.emit(EventError{Err: fmt.Errorf("%w: reset secret box: %w", ErrInternal, err)})
		return
	}
	if p.opts.ExternalPacketSend {
		if err := d.Pipe("", 0); err != nil {
			p.log.Debug("player: stop piping", "err", err)
		}
	}
}
