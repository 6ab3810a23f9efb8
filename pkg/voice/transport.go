package voice

import "context"

// Destination identifies where to connect: a guild and a voice channel in it.
type Destination struct {
	GuildID   string
	ChannelID string
}

// JoinOptions are the voice state flags sent with a join request.
type JoinOptions struct {
	SelfMute bool
	SelfDeaf bool

	// ReceiveAudio announces whether the bot wants inbound audio once the
	// session is ready.
	ReceiveAudio bool
}

// SessionInfo is the negotiated session delivered with [StatusReady].
type SessionInfo struct {
	SecretKey [32]byte
	SSRC      uint32

	// Mode is the negotiated encryption mode name; see [ParseMode].
	Mode string

	// Counters are the initial packet counters.
	Counters Counters

	RemoteIP   string
	RemotePort int
}

// StateUpdate is a lifecycle event published by a [Transport].
type StateUpdate struct {
	Status Status

	// Reason is set for [StatusDisconnected].
	Reason DisconnectReason

	// Session is set for [StatusReady].
	Session *SessionInfo

	// Err reports a networking failure outside the normal state flow. Status
	// is ignored when Err is set.
	Err error
}

// Handler receives transport state updates. Transports must not hold their
// own locks while calling it.
type Handler func(StateUpdate)

// Transport is the signaling and media boundary for one guild session.
type Transport interface {
	// Join sends a voice state request for channelID. It returns once the
	// request is written; progress arrives through the [Handler].
	Join(ctx context.Context, channelID string, opts JoinOptions) error

	// Disconnect asks the gateway to leave the voice channel.
	Disconnect(ctx context.Context) error

	// Send writes one packet to the media socket.
	Send(packet []byte) error

	// SetSpeaking announces whether audio is being sent.
	SetSpeaking(speaking bool) error

	// SetReceiveIntent announces whether inbound audio is wanted.
	SetReceiveIntent(receive bool) error

	// Close releases sockets and handlers. It must be safe to call more than
	// once.
	Close() error
}

// Dialer creates transports and performs out-of-band teardown.
type Dialer interface {
	// Dial prepares a transport for guildID. It does not start signaling.
	Dial(guildID string, h Handler) (Transport, error)

	// Present reports whether the bot is currently in a voice channel in
	// guildID according to the gateway's state cache.
	Present(guildID string) (channelID string, ok bool)

	// Leave sends a leave request for guildID without a transport.
	Leave(ctx context.Context, guildID string) error
}
