package voice

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Registry owns at most one [Connection] per guild. It is safe for
// concurrent use.
type Registry struct {
	dialer  Dialer
	log     *slog.Logger
	timeout time.Duration
	metrics *metrics

	mu    sync.Mutex
	conns map[string]*Connection
}

// Option configures a [Registry].
type Option func(*registryConfig)

type registryConfig struct {
	log     *slog.Logger
	timeout time.Duration
	mp      metric.MeterProvider
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *registryConfig) { c.log = l }
}

// WithConnectTimeout sets how long connections may take to become ready.
// Default: [DefaultConnectTimeout].
func WithConnectTimeout(d time.Duration) Option {
	return func(c *registryConfig) { c.timeout = d }
}

// WithMeterProvider sets the meter provider for connection metrics. Default:
// the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *registryConfig) { c.mp = mp }
}

// NewRegistry returns a Registry that creates transports with d.
func NewRegistry(d Dialer, opts ...Option) *Registry {
	cfg := registryConfig{timeout: DefaultConnectTimeout}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}
	if cfg.timeout <= 0 {
		cfg.timeout = DefaultConnectTimeout
	}
	if cfg.mp == nil {
		cfg.mp = otel.GetMeterProvider()
	}
	return &Registry{
		dialer:  d,
		log:     cfg.log,
		timeout: cfg.timeout,
		metrics: newMetrics(cfg.mp, cfg.log),
		conns:   make(map[string]*Connection),
	}
}

// Connect returns the guild's ready connection, creating one or moving the
// existing one to dest.ChannelID as needed. It waits until the connection is
// ready and fails with [ErrConnectionTimeout], a [*RejectedError], or
// [ErrDestroyed]. Concurrent calls for one guild share a single negotiation.
func (r *Registry) Connect(ctx context.Context, dest Destination, opts JoinOptions) (*Connection, error) {
	r.mu.Lock()
	c, ok := r.conns[dest.GuildID]
	if !ok {
		c = newConnection(r, dest, opts)
		r.conns[dest.GuildID] = c
		r.metrics.active.Add(context.Background(), 1)
	}
	r.mu.Unlock()

	if !ok {
		r.log.Info("voice: connecting", "guild_id", dest.GuildID, "channel_id", dest.ChannelID)
		tr, err := r.dialer.Dial(dest.GuildID, c.handle)
		if err != nil {
			c.handle(StateUpdate{Status: StatusDisconnected, Reason: ReasonAdapterUnavailable})
			return nil, &RejectedError{Reason: ReasonAdapterUnavailable, Err: err}
		}
		c.attach(tr)
		c.join(ctx)
	} else {
		c.retarget(ctx, dest.ChannelID, opts)
	}

	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}

	// The connection may have been destroyed and replaced while waiting.
	if r.Get(dest.GuildID) != c {
		return nil, ErrDestroyed
	}
	return c, nil
}

// Get returns the guild's live connection, or nil.
func (r *Registry) Get(guildID string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[guildID]
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Disconnect destroys the guild's connection. Without a connection, if the
// gateway still lists the bot in a voice channel, a leave request is sent
// directly. It reports whether anything was torn down.
func (r *Registry) Disconnect(ctx context.Context, guildID string) (bool, error) {
	if c := r.Get(guildID); c != nil {
		c.Destroy()
		return true, nil
	}

	channelID, ok := r.dialer.Present(guildID)
	if !ok {
		return false, nil
	}
	r.log.Info("voice: leaving untracked channel", "guild_id", guildID, "channel_id", channelID)
	if err := r.dialer.Leave(ctx, guildID); err != nil {
		return false, &RejectedError{Reason: ReasonAdapterUnavailable, Err: err}
	}
	return true, nil
}

// Close destroys every connection.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.Destroy()
	}
}

// remove deletes c from the registry if it is the registered connection
// for its guild.
func (r *Registry) remove(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[c.guildID] != c {
		return
	}
	delete(r.conns, c.guildID)
	r.metrics.active.Add(context.Background(), -1)
}
