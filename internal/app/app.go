// Package app wires the yasha subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run joins the configured voice channel and plays the queue
// while serving metrics and health endpoints, and Shutdown tears everything
// down in reverse order.
//
// For testing, inject test doubles via functional options (WithDialer,
// WithDecoder, WithSources, ...). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/yasha/internal/config"
	"github.com/MrWong99/yasha/internal/health"
	"github.com/MrWong99/yasha/internal/observe"
	"github.com/MrWong99/yasha/internal/resilience"
	"github.com/MrWong99/yasha/pkg/decode"
	"github.com/MrWong99/yasha/pkg/decode/ffmpeg"
	"github.com/MrWong99/yasha/pkg/media"
	"github.com/MrWong99/yasha/pkg/player"
	"github.com/MrWong99/yasha/pkg/source"
	"github.com/MrWong99/yasha/pkg/source/file"
	"github.com/MrWong99/yasha/pkg/source/match"
	"github.com/MrWong99/yasha/pkg/source/soundcloud"
	"github.com/MrWong99/yasha/pkg/voice"
	"github.com/MrWong99/yasha/pkg/voice/discord"
)

const (
	// startTimeout bounds stream loading for one track.
	startTimeout = 30 * time.Second

	// serverShutdownTimeout bounds draining HTTP requests.
	serverShutdownTimeout = 5 * time.Second

	// eventBuffer is the player event buffer. Debug messages are dropped
	// while it is full; lifecycle events never are.
	eventBuffer = 256
)

// ErrNothingFound is returned by [App.Enqueue] when no source and no search
// produced a track.
var ErrNothingFound = errors.New("app: nothing found")

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	level   *slog.LevelVar
	mp      metric.MeterProvider
	metrics *observe.Metrics

	dialer   voice.Dialer
	decoder  decode.Factory
	srcs     []source.Source
	searcher Searcher
	breaker  *resilience.CircuitBreaker

	voices  *voice.Registry
	sources *source.Registry
	player  *player.Player
	health  *health.Handler
	server  *http.Server
	queue   Queue

	mu      sync.Mutex
	volume  float64
	bitrate int
	current media.Track

	// closers are called in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDialer injects a voice dialer instead of opening a Discord session.
func WithDialer(d voice.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithDecoder injects a decode session factory instead of ffmpeg.
func WithDecoder(f decode.Factory) Option {
	return func(a *App) { a.decoder = f }
}

// WithSources replaces the default SoundCloud and file sources.
func WithSources(srcs ...source.Source) Option {
	return func(a *App) { a.srcs = srcs }
}

// WithSearcher sets the fallback for input no source matches. The default
// searches SoundCloud unless WithSources replaced the sources.
func WithSearcher(s Searcher) Option {
	return func(a *App) { a.searcher = s }
}

// WithLevelVar shares the level variable of the caller's log handler so
// that config reloads can change it.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMeterProvider sets the meter provider. Default: the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(a *App) { a.mp = mp }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Without
// [WithDialer] it opens a Discord gateway session with the configured token.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		volume:  cfg.Player.Volume,
		bitrate: cfg.Player.Bitrate,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(LogLevel(cfg.Server.LogLevel))
	}
	if a.mp == nil {
		a.mp = otel.GetMeterProvider()
	}

	var err error
	if a.metrics, err = observe.NewMetrics(a.mp); err != nil {
		return nil, fmt.Errorf("app: create metrics: %w", err)
	}

	a.initSources()

	if a.dialer == nil {
		if err := a.initDiscord(ctx); err != nil {
			return nil, err
		}
	}
	a.voices = voice.NewRegistry(a.dialer,
		voice.WithConnectTimeout(cfg.Voice.ConnectTimeout),
		voice.WithLogger(a.log),
		voice.WithMeterProvider(a.mp),
	)
	a.closers = append(a.closers, func() error {
		a.voices.Close()
		return nil
	})

	if a.decoder == nil {
		a.decoder = ffmpeg.NewFactory(ffmpeg.Options{
			Path:      cfg.Decoder.FFmpegPath,
			Reconnect: cfg.Decoder.Reconnect,
			Logger:    a.log,
		})
	}
	a.player, err = player.New(player.Options{
		NormalizeVolume:    cfg.Player.NormalizeVolume,
		ExternalEncrypt:    cfg.Player.ExternalEncrypt,
		ExternalPacketSend: cfg.Player.ExternalPacketSend,
		Bitrate:            cfg.Player.Bitrate,
		NewSession:         a.decoder,
		MeterProvider:      a.mp,
		Logger:             a.log,
	})
	if err != nil {
		return nil, fmt.Errorf("app: create player: %w", err)
	}
	a.closers = append(a.closers, func() error {
		a.player.Close()
		return nil
	})

	a.initHTTP()
	return a, nil
}

// initSources builds the source registry and the search fallback.
func (a *App) initSources() {
	if a.srcs == nil {
		a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:   soundcloud.Platform,
			Logger: a.log,
		})
		client := soundcloud.New(soundcloud.Options{
			ClientID: a.cfg.Sources.SoundCloud.ClientID,
			BaseURL:  a.cfg.Sources.SoundCloud.BaseURL,
			HTTPClient: &http.Client{
				Timeout:   15 * time.Second,
				Transport: observe.Transport(a.metrics, nil),
			},
			Breaker:       a.breaker,
			Logger:        a.log,
			MeterProvider: a.mp,
		})
		a.srcs = []source.Source{soundcloud.NewSource(client), file.Source{}}
		if a.searcher == nil {
			m := a.cfg.Sources.Match
			a.searcher = &soundcloudSearch{
				client: client,
				matcher: match.New(
					match.WithThreshold(m.Threshold),
					match.WithLooseThreshold(m.LooseThreshold),
					match.WithArtistSimilarity(m.ArtistSimilarity),
				),
			}
		}
	}
	a.sources = source.NewRegistry(a.srcs, source.WithLogger(a.log))
}

// initDiscord opens the gateway session the voice dialer signals through.
func (a *App) initDiscord(_ context.Context) error {
	session, err := discordgo.New("Bot " + a.cfg.Discord.Token)
	if err != nil {
		return fmt.Errorf("app: create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	if err := session.Open(); err != nil {
		return fmt.Errorf("app: open discord session: %w", err)
	}
	a.closers = append(a.closers, session.Close)
	a.dialer = discord.NewDialer(session, discord.WithLogger(a.log))
	a.log.Info("discord session opened", "guild_id", a.cfg.Discord.GuildID)
	return nil
}

// initHTTP builds the metrics and health server.
func (a *App) initHTTP() {
	checkers := []health.Checker{
		health.VoiceReady(a.voices, a.cfg.Discord.GuildID),
	}
	if a.cfg.Decoder.FFmpegPath != "" {
		checkers = append(checkers, health.Executable("ffmpeg", a.cfg.Decoder.FFmpegPath))
	}
	if a.breaker != nil {
		checkers = append(checkers, health.Breaker(a.breaker.Name(), a.breaker))
	}
	a.health = health.New(checkers...)

	if a.cfg.Server.ListenAddr == "" {
		return
	}
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics, a.log)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Health returns the health handler.
func (a *App) Health() *health.Handler { return a.health }

// Player returns the playback engine.
func (a *App) Player() *player.Player { return a.player }

// Queue returns the play queue.
func (a *App) Queue() *Queue { return &a.queue }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, joins the configured voice channel, queues input and
// plays until ctx is cancelled. An empty input joins without playing.
func (a *App) Run(ctx context.Context, input string) error {
	g, gctx := errgroup.WithContext(ctx)
	if a.server != nil {
		g.Go(func() error { return a.serve(gctx) })
	}
	g.Go(func() error { return a.play(gctx, input) })

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (a *App) serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- a.server.ListenAndServe() }()
	a.log.Info("http server listening", "addr", a.server.Addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http server shutdown", "err", err)
	}
	return ctx.Err()
}

func (a *App) play(ctx context.Context, input string) error {
	conn, err := a.connect(ctx)
	if err != nil {
		return err
	}
	sub, err := a.player.Subscribe(conn)
	if err != nil {
		return fmt.Errorf("app: subscribe player: %w", err)
	}
	defer sub.Unsubscribe()

	events, stop := a.player.Listen(eventBuffer)
	defer stop()

	if input != "" {
		if _, err := a.Enqueue(ctx, input); err != nil {
			return err
		}
		a.advance(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			a.handleEvent(ctx, ev)
		}
	}
}

// connect joins the configured channel and keeps the connection gauge in
// step with the connection's readiness.
func (a *App) connect(ctx context.Context) (*voice.Connection, error) {
	dest := voice.Destination{GuildID: a.cfg.Discord.GuildID, ChannelID: a.cfg.Discord.ChannelID}
	conn, err := a.voices.Connect(ctx, dest, voice.JoinOptions{
		SelfMute:     a.cfg.Discord.SelfMute,
		SelfDeaf:     a.cfg.Discord.SelfDeaf,
		ReceiveAudio: a.cfg.Discord.ReceiveAudio,
	})
	if err != nil {
		return nil, fmt.Errorf("app: join voice channel %s: %w", dest.ChannelID, err)
	}
	a.log.Info("voice connected", "guild_id", dest.GuildID, "channel_id", dest.ChannelID)

	gauge := a.metrics.ActiveConnections
	gauge.Add(ctx, 1)
	conn.OnStateChange(func(old, cur voice.Status) {
		switch {
		case old == voice.StatusReady && cur != voice.StatusReady:
			gauge.Add(context.Background(), -1)
		case old != voice.StatusReady && cur == voice.StatusReady:
			gauge.Add(context.Background(), 1)
		}
		a.log.Debug("voice state changed", "from", old, "to", cur)
	})
	conn.OnError(func(err error) {
		a.log.Warn("voice connection error", "guild_id", dest.GuildID, "err", err)
	})
	return conn, nil
}

func (a *App) handleEvent(ctx context.Context, ev player.Event) {
	switch ev := ev.(type) {
	case player.EventReady:
		a.log.Debug("playback started", "track", a.currentLabel())
	case player.EventFinish:
		a.log.Info("track finished", "track", a.currentLabel())
		a.advance(ctx)
	case player.EventError:
		a.metrics.RecordPlaybackError(ctx, errorKind(ev.Err))
		a.log.Warn("playback error", "err", ev.Err)
		// Fatal decode errors and failed restarts leave the player without
		// a session. Failures of tracks advance already skipped find the
		// next track playing, or the queue finished.
		if !a.player.HasSession() && a.Current() != nil {
			a.advance(ctx)
		}
	case player.EventDebug:
		a.log.Debug("decoder", "msg", ev.Message)
	}
}

// Enqueue resolves input and appends the result to the queue. It returns
// the number of tracks added.
func (a *App) Enqueue(ctx context.Context, input string) (added int, err error) {
	ctx, span := observe.StartSpan(ctx, "app.Enqueue")
	defer observe.EndSpan(span, &err)

	start := time.Now()
	res, err := a.sources.Resolve(ctx, input, true)
	if err == nil && res.Empty() && a.searcher != nil {
		var t media.Track
		if t, err = a.searcher.Search(ctx, input); err == nil {
			res.Track = t
		}
	}

	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case res.Empty():
		status = "empty"
	}
	a.metrics.RecordResolve(ctx, status, time.Since(start))
	span.SetAttributes(attribute.String("status", status))

	switch {
	case err != nil:
		return 0, fmt.Errorf("app: resolve %q: %w", input, err)
	case res.Playlist != nil:
		n := a.queue.Len()
		if err := a.queue.PushPlaylist(ctx, res.Playlist); err != nil {
			return 0, err
		}
		added = a.queue.Len() - n
		a.log.Info("playlist queued", "title", res.Playlist.Title, "tracks", added)
		return added, nil
	case res.Track != nil:
		a.queue.Push(res.Track)
		a.log.Info("track queued", "track", res.Track.Info())
		return 1, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrNothingFound, input)
	}
}

// advance plays queued tracks until one starts or the queue runs dry.
func (a *App) advance(ctx context.Context) {
	for ctx.Err() == nil {
		track, ok, err := a.queue.Next(ctx)
		if err != nil {
			a.log.Warn("load next tracks", "err", err)
			continue
		}
		if !ok {
			a.log.Info("queue finished")
			a.setCurrent(nil)
			return
		}
		if err := a.start(ctx, track); err != nil {
			if errors.Is(err, player.ErrSuperseded) {
				return
			}
			a.log.Warn("skipping track", "track", track.Info(), "err", err)
			continue
		}
		return
	}
}

func (a *App) start(ctx context.Context, track media.Track) error {
	a.setCurrent(track)
	if err := a.player.Play(track); err != nil {
		return err
	}
	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := a.player.Start(startCtx); err != nil {
		return err
	}

	a.mu.Lock()
	volume, bitrate := a.volume, a.bitrate
	a.mu.Unlock()
	if volume != 1 {
		a.applyControl("volume", a.player.SetVolume(volume))
	}
	if bitrate != a.cfg.Player.Bitrate {
		a.applyControl("bitrate", a.player.SetBitrate(bitrate))
	}

	a.metrics.RecordTrackStarted(ctx, track.Platform())
	a.log.Info("now playing", "track", track.Info())
	return nil
}

func (a *App) setCurrent(t media.Track) {
	a.mu.Lock()
	a.current = t
	a.mu.Unlock()
}

// Current returns the track last handed to the player, or nil when idle.
func (a *App) Current() media.Track {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// currentLabel describes the current track for logging.
func (a *App) currentLabel() string {
	if t := a.Current(); t != nil {
		return t.Info().String()
	}
	return "none"
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new and
// logs settings that need a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		a.level.Set(LogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VolumeChanged {
		a.mu.Lock()
		a.volume = d.NewVolume
		a.mu.Unlock()
		a.applyControl("volume", a.player.SetVolume(d.NewVolume))
	}
	if d.BitrateChanged {
		a.mu.Lock()
		a.bitrate = d.NewBitrate
		a.mu.Unlock()
		a.applyControl("bitrate", a.player.SetBitrate(d.NewBitrate))
	}
	if len(d.Restart) > 0 {
		a.log.Warn("config changes take effect after restart", "settings", d.Restart)
	}
}

func (a *App) applyControl(name string, err error) {
	if err != nil && !errors.Is(err, player.ErrNotPlaying) {
		a.log.Warn("apply player setting", "setting", name, "err", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		a.queue.Clear()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// LogLevel converts a config level to a slog level.
func LogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// errorKind classifies a playback error for metrics.
func errorKind(err error) string {
	switch {
	case errors.Is(err, media.ErrUnplayable):
		return "unplayable"
	case errors.Is(err, player.ErrInternal):
		return "internal"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "decode"
	}
}
