package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/yasha/pkg/voice"
)

// transport is the per-guild signaling state. Updates are reported to the
// handler outside of mu.
type transport struct {
	dialer         *Dialer
	guildID        string
	handler        voice.Handler
	log            *slog.Logger
	removeHandlers []func()

	mu        sync.Mutex
	joined    bool
	closed    bool
	channelID string
	opts      voice.JoinOptions
	sessionID string
	token     string
	endpoint  string
	gw        *gateway
}

// Join requests voice state for channelID on the main gateway.
func (t *transport) Join(_ context.Context, channelID string, opts voice.JoinOptions) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return voice.ErrDestroyed
	}
	t.joined = true
	t.channelID = channelID
	t.opts = opts
	t.mu.Unlock()

	t.emit(voice.StateUpdate{Status: voice.StatusSignalling})
	if err := t.dialer.session.ChannelVoiceJoinManual(t.guildID, channelID, opts.SelfMute, opts.SelfDeaf); err != nil {
		return fmt.Errorf("discord: join voice channel %s: %w", channelID, err)
	}
	return nil
}

// Disconnect asks the main gateway to leave the voice channel.
func (t *transport) Disconnect(_ context.Context) error {
	t.mu.Lock()
	opts := t.opts
	t.joined = false
	t.mu.Unlock()
	if err := t.dialer.session.ChannelVoiceJoinManual(t.guildID, "", opts.SelfMute, opts.SelfDeaf); err != nil {
		return fmt.Errorf("discord: leave voice channel: %w", err)
	}
	return nil
}

// Send writes one framed packet to the voice server.
func (t *transport) Send(packet []byte) error {
	g := t.current()
	if g == nil {
		return voice.ErrNotReady
	}
	return g.send(packet)
}

// SetSpeaking sends the speaking flag (op 5).
func (t *transport) SetSpeaking(speaking bool) error {
	g := t.current()
	if g == nil {
		return voice.ErrNotReady
	}
	flag := 0
	if speaking {
		flag = 1
	}
	return g.write(opSpeaking, speakingData{Speaking: flag, SSRC: g.ssrc()})
}

// SetReceiveIntent tells the voice server whether we want inbound audio
// (op 15).
func (t *transport) SetReceiveIntent(receive bool) error {
	g := t.current()
	if g == nil {
		return voice.ErrNotReady
	}
	wants := 0
	if receive {
		wants = 100
	}
	return g.write(opMediaSinkWants, mediaSinkWantsData{Any: wants})
}

// Close stops listening for gateway events and closes the voice sockets.
func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	g := t.gw
	t.gw = nil
	t.mu.Unlock()

	for _, remove := range t.removeHandlers {
		remove()
	}
	if g != nil {
		g.stop()
	}
	return nil
}

func (t *transport) current() *gateway {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gw
}

func (t *transport) emit(u voice.StateUpdate) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	t.handler(u)
}

// ── Main gateway events ───────────────────────────────────────────────────────

func (t *transport) onVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.VoiceState == nil || vsu.GuildID != t.guildID || vsu.UserID != t.dialer.userID() {
		return
	}

	t.mu.Lock()
	if t.closed || !t.joined {
		t.mu.Unlock()
		return
	}
	if vsu.ChannelID == "" {
		g := t.gw
		t.gw = nil
		t.joined = false
		t.mu.Unlock()
		if g != nil {
			g.stop()
		}
		t.log.Info("discord: removed from voice channel")
		t.emit(voice.StateUpdate{Status: voice.StatusDisconnected, Reason: voice.ReasonManual})
		return
	}

	t.channelID = vsu.ChannelID
	changed := t.sessionID != vsu.SessionID
	t.sessionID = vsu.SessionID
	ready := changed && t.endpoint != ""
	t.mu.Unlock()

	if ready {
		t.openGateway()
	}
}

func (t *transport) onVoiceServerUpdate(_ *discordgo.Session, vsu *discordgo.VoiceServerUpdate) {
	if vsu.GuildID != t.guildID {
		return
	}

	t.mu.Lock()
	if t.closed || !t.joined {
		t.mu.Unlock()
		return
	}
	if vsu.Endpoint == "" {
		g := t.gw
		t.gw = nil
		t.endpoint = ""
		t.mu.Unlock()
		if g != nil {
			g.stop()
		}
		t.log.Info("discord: voice server endpoint removed")
		t.emit(voice.StateUpdate{Status: voice.StatusDisconnected, Reason: voice.ReasonEndpointRemoved})
		return
	}

	t.token = vsu.Token
	t.endpoint = vsu.Endpoint
	ready := t.sessionID != ""
	t.mu.Unlock()

	if ready {
		t.openGateway()
	}
}

// openGateway replaces the current voice websocket with one for the latest
// server handoff.
func (t *transport) openGateway() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	old := t.gw
	g := newGateway(t, identifyData{
		ServerID:  t.guildID,
		UserID:    t.dialer.userID(),
		SessionID: t.sessionID,
		Token:     t.token,
	}, t.dialer.gatewayURL(t.endpoint))
	t.gw = g
	t.mu.Unlock()

	if old != nil {
		old.stop()
	}
	t.emit(voice.StateUpdate{Status: voice.StatusConnecting})
	go g.run()
}

// gatewayReady reports a completed handshake on g if g is still current.
func (t *transport) gatewayReady(g *gateway, info voice.SessionInfo) {
	if t.current() != g {
		return
	}
	t.log.Debug("discord: voice session ready", "ssrc", info.SSRC, "mode", info.Mode)
	t.emit(voice.StateUpdate{Status: voice.StatusReady, Session: &info})
}

// gatewayLost handles the end of g's websocket. Close code 4014 means the
// bot was disconnected from the channel; other closes re-signal the join.
// Failures before the socket ever opened are reported as errors.
func (t *transport) gatewayLost(g *gateway, err error, wasOpen bool) {
	t.mu.Lock()
	if t.gw != g || t.closed {
		t.mu.Unlock()
		return
	}
	t.gw = nil
	channelID, opts := t.channelID, t.opts
	t.mu.Unlock()

	code := closeStatus(err)
	switch {
	case code == closeDisconnected:
		t.log.Info("discord: voice websocket closed", "code", code)
		t.emit(voice.StateUpdate{Status: voice.StatusDisconnected, Reason: voice.ReasonWebSocketClose})
	case wasOpen || code != -1:
		t.log.Warn("discord: voice websocket lost, rejoining", "code", code, "err", err)
		t.mu.Lock()
		t.sessionID = ""
		t.mu.Unlock()
		t.emit(voice.StateUpdate{Status: voice.StatusSignalling})
		if jerr := t.dialer.session.ChannelVoiceJoinManual(t.guildID, channelID, opts.SelfMute, opts.SelfDeaf); jerr != nil {
			t.log.Warn("discord: rejoin failed", "err", jerr)
			t.emit(voice.StateUpdate{Status: voice.StatusDisconnected, Reason: voice.ReasonAdapterUnavailable})
		}
	default:
		if errors.Is(err, context.Canceled) {
			return
		}
		t.emit(voice.StateUpdate{Err: err})
	}
}
