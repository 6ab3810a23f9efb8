// Package discord implements the [voice.Dialer] and [voice.Transport]
// signaling boundary for Discord voice.
//
// Voice state is requested over the main gateway owned by a
// *discordgo.Session. Once both halves of the server handoff have arrived
// (VOICE_STATE_UPDATE carrying the session id and VOICE_SERVER_UPDATE
// carrying the token and endpoint) the transport opens the voice websocket
// (gateway v4), performs UDP IP discovery and negotiates an encryption mode.
// The resulting [voice.SessionInfo] is handed to the owning
// [voice.Connection], which does all framing and encryption itself.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/yasha/pkg/voice"
)

// Compile-time interface assertions.
var (
	_ voice.Dialer    = (*Dialer)(nil)
	_ voice.Transport = (*transport)(nil)
	_ Session         = (*discordgo.Session)(nil)
)

// discoveryTimeout bounds the UDP IP discovery round trip.
const discoveryTimeout = 5 * time.Second

// Session is the subset of *discordgo.Session used for voice signaling.
type Session interface {
	ChannelVoiceJoinManual(guildID, channelID string, mute, deaf bool) error
	AddHandler(handler any) func()
}

// Dialer creates Discord voice transports. It is safe for concurrent use.
type Dialer struct {
	session    Session
	userID     func() string
	lookup     func(guildID, userID string) (*discordgo.VoiceState, error)
	log        *slog.Logger
	gatewayURL func(endpoint string) string
}

// DialerOption configures a [Dialer].
type DialerOption func(*Dialer)

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) DialerOption {
	return func(d *Dialer) { d.log = l }
}

// WithGatewayURL overrides how a voice server endpoint is turned into the
// voice websocket URL.
func WithGatewayURL(fn func(endpoint string) string) DialerOption {
	return func(d *Dialer) { d.gatewayURL = fn }
}

// NewDialer returns a Dialer that signals through s. The session must be
// open (its state must know the bot user) before the first Dial.
func NewDialer(s *discordgo.Session, opts ...DialerOption) *Dialer {
	userID := func() string {
		if s.State == nil || s.State.User == nil {
			return ""
		}
		return s.State.User.ID
	}
	return newDialer(s, userID, s.State.VoiceState, opts...)
}

func newDialer(s Session, userID func() string, lookup func(guildID, userID string) (*discordgo.VoiceState, error), opts ...DialerOption) *Dialer {
	d := &Dialer{
		session:    s,
		userID:     userID,
		lookup:     lookup,
		log:        slog.Default(),
		gatewayURL: defaultGatewayURL,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func defaultGatewayURL(endpoint string) string {
	return "wss://" + strings.TrimSuffix(endpoint, ":80") + "/?v=4"
}

// Dial returns a transport for guildID that reports state changes to h.
func (d *Dialer) Dial(guildID string, h voice.Handler) (voice.Transport, error) {
	if d.userID() == "" {
		return nil, fmt.Errorf("discord: dial guild %s: session has no user, is it open?", guildID)
	}
	t := &transport{
		dialer:  d,
		guildID: guildID,
		handler: h,
		log:     d.log.With("guild_id", guildID),
	}
	t.removeHandlers = []func(){
		d.session.AddHandler(t.onVoiceStateUpdate),
		d.session.AddHandler(t.onVoiceServerUpdate),
	}
	return t, nil
}

// Present reports the voice channel the bot user occupies in guildID
// according to the gateway state cache.
func (d *Dialer) Present(guildID string) (string, bool) {
	if d.lookup == nil {
		return "", false
	}
	vs, err := d.lookup(guildID, d.userID())
	if err != nil || vs == nil || vs.ChannelID == "" {
		return "", false
	}
	return vs.ChannelID, true
}

// Leave asks the gateway to remove the bot user from voice in guildID.
func (d *Dialer) Leave(_ context.Context, guildID string) error {
	if err := d.session.ChannelVoiceJoinManual(guildID, "", false, false); err != nil {
		return fmt.Errorf("discord: leave voice in guild %s: %w", guildID, err)
	}
	return nil
}
