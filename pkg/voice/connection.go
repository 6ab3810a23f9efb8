package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultConnectTimeout bounds every wait for a connection to become ready.
const DefaultConnectTimeout = 15 * time.Second

// disconnectTimeout bounds the leave request sent while destroying.
const disconnectTimeout = 5 * time.Second

// Subscriber is the playback binding that owns a connection. The connection
// calls Unsubscribe when it is destroyed.
type Subscriber interface {
	Unsubscribe()
}

// StateListener is called after every status transition, outside the
// connection's lock.
type StateListener func(old, cur Status)

// readyWait is the single pending wait for readiness. done is closed once err
// is final.
type readyWait struct {
	done chan struct{}
	err  error
}

// Connection is one supervised voice session in a guild. Create connections
// through [Registry.Connect].
//
// Connection is safe for concurrent use.
type Connection struct {
	guildID  string
	registry *Registry
	log      *slog.Logger
	timeout  time.Duration

	mu         sync.Mutex
	channelID  string
	opts       JoinOptions
	status     Status
	lastReason DisconnectReason
	transport  Transport
	cipher     *Cipher
	session    SessionInfo
	speaking   bool
	connected  bool
	wait       *readyWait
	owner      Subscriber

	listeners    map[int]StateListener
	errListeners map[int]func(error)
	nextID       int
}

func newConnection(r *Registry, dest Destination, opts JoinOptions) *Connection {
	c := &Connection{
		guildID:      dest.GuildID,
		registry:     r,
		log:          r.log.With("guild_id", dest.GuildID),
		timeout:      r.timeout,
		channelID:    dest.ChannelID,
		opts:         opts,
		status:       StatusSignalling,
		listeners:    make(map[int]StateListener),
		errListeners: make(map[int]func(error)),
	}
	c.mu.Lock()
	c.startWaitLocked()
	c.mu.Unlock()
	return c
}

// GuildID returns the guild this connection belongs to.
func (c *Connection) GuildID() string { return c.guildID }

// ChannelID returns the voice channel currently targeted.
func (c *Connection) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

// Status returns the current lifecycle status.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Ready reports whether the connection is in [StatusReady].
func (c *Connection) Ready() bool {
	return c.Status() == StatusReady
}

// Session returns the negotiated session with the current packet counters.
// ok is false unless the connection is ready.
func (c *Connection) Session() (info SessionInfo, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusReady || c.cipher == nil {
		return SessionInfo{}, false
	}
	info = c.session
	info.Counters = c.cipher.Counters()
	return info, true
}

// SetCounters overwrites the session's packet counters. It is used to take
// over counters advanced by an external encryptor. It is a no-op unless the
// connection is ready.
func (c *Connection) SetCounters(cnt Counters) {
	c.mu.Lock()
	cipher := c.cipher
	c.mu.Unlock()
	if cipher != nil {
		cipher.SetCounters(cnt)
	}
}

// OnStateChange registers fn for status transitions and returns a function
// that removes it.
func (c *Connection) OnStateChange(fn StateListener) (remove func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// OnError registers fn for networking errors that occur after the connection
// has been ready once. The connection is destroyed after the listeners run.
func (c *Connection) OnError(fn func(error)) (remove func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.errListeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.errListeners, id)
		c.mu.Unlock()
	}
}

// SetOwner records s as the subscription owning this connection and returns
// the previous owner, if any. The caller is responsible for unsubscribing the
// previous owner.
func (c *Connection) SetOwner(s Subscriber) (prev Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, c.owner = c.owner, s
	return prev
}

// ReleaseOwner clears the owner if it is s.
func (c *Connection) ReleaseOwner(s Subscriber) {
	c.mu.Lock()
	if c.owner == s {
		c.owner = nil
	}
	c.mu.Unlock()
}

// SendFrame frames and encrypts one encoded audio frame covering units
// samples and sends it. It returns [ErrNotReady] unless the connection is
// ready.
func (c *Connection) SendFrame(frame []byte, units uint32) error {
	tr, cipher, err := c.sender()
	if err != nil {
		return err
	}
	pkt, err := cipher.Seal(frame, units)
	if err != nil {
		return err
	}
	return tr.Send(pkt)
}

// SendRaw sends an already framed and encrypted packet.
func (c *Connection) SendRaw(packet []byte) error {
	tr, _, err := c.sender()
	if err != nil {
		return err
	}
	return tr.Send(packet)
}

// sender returns the transport and cipher for a send and raises the speaking
// flag on the first send.
func (c *Connection) sender() (Transport, *Cipher, error) {
	c.mu.Lock()
	if c.status != StatusReady || c.cipher == nil || c.transport == nil {
		c.mu.Unlock()
		return nil, nil, ErrNotReady
	}
	tr, cipher := c.transport, c.cipher
	announce := !c.speaking
	c.speaking = true
	c.mu.Unlock()

	if announce {
		if err := tr.SetSpeaking(true); err != nil {
			c.log.Debug("voice: set speaking failed", "err", err)
		}
	}
	return tr, cipher, nil
}

// SetSpeaking announces the speaking flag if it differs from the last one
// sent.
func (c *Connection) SetSpeaking(speaking bool) error {
	c.mu.Lock()
	if c.speaking == speaking || c.transport == nil {
		c.mu.Unlock()
		return nil
	}
	c.speaking = speaking
	tr := c.transport
	c.mu.Unlock()
	return tr.SetSpeaking(speaking)
}

// Destroy tears the connection down and leaves the voice channel. It is
// safe to call more than once.
func (c *Connection) Destroy() {
	c.destroy(true)
}

// ── Lifecycle internals ───────────────────────────────────────────────────────

// attach installs the transport created by the dialer.
func (c *Connection) attach(tr Transport) {
	c.mu.Lock()
	c.transport = tr
	c.mu.Unlock()
}

// join sends the voice state request for the current channel.
func (c *Connection) join(ctx context.Context) {
	c.mu.Lock()
	tr, channelID, opts := c.transport, c.channelID, c.opts
	c.mu.Unlock()
	if tr == nil {
		return
	}
	if err := tr.Join(ctx, channelID, opts); err != nil {
		c.log.Warn("voice: join request failed", "channel_id", channelID, "err", err)
		c.handle(StateUpdate{Status: StatusDisconnected, Reason: ReasonAdapterUnavailable})
	}
}

// retarget moves the connection to channelID if it differs from the
// current target.
func (c *Connection) retarget(ctx context.Context, channelID string, opts JoinOptions) {
	c.mu.Lock()
	if c.channelID == channelID || c.status == StatusDestroyed {
		c.mu.Unlock()
		return
	}
	c.channelID = channelID
	c.opts = opts
	c.mu.Unlock()
	c.log.Info("voice: moving connection", "channel_id", channelID)
	c.join(ctx)
}

// awaitReady waits for the pending readiness wait, starting one if none is
// pending. ctx only bounds this caller's wait.
func (c *Connection) awaitReady(ctx context.Context) error {
	c.mu.Lock()
	switch c.status {
	case StatusReady:
		c.mu.Unlock()
		return nil
	case StatusDestroyed:
		c.mu.Unlock()
		return ErrDestroyed
	}
	w := c.wait
	if w == nil {
		w = c.startWaitLocked()
	}
	c.mu.Unlock()

	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startWaitLocked creates the pending wait and its supervisor. c.mu must be
// held and no wait may be pending.
func (c *Connection) startWaitLocked() *readyWait {
	w := &readyWait{done: make(chan struct{})}
	c.wait = w
	go c.supervise(w)
	return w
}

// settleLocked completes w with err if it is still the pending wait.
func (c *Connection) settleLocked(w *readyWait, err error) {
	if w == nil || c.wait != w {
		return
	}
	c.wait = nil
	w.err = err
	close(w.done)
}

// supervise enforces the connect timeout on w and destroys the connection
// if the wait fails.
func (c *Connection) supervise(w *readyWait) {
	timer := time.NewTimer(c.timeout)
	select {
	case <-w.done:
		timer.Stop()
	case <-timer.C:
		c.mu.Lock()
		c.settleLocked(w, ErrConnectionTimeout)
		c.mu.Unlock()
		<-w.done
	}

	c.registry.metrics.recordConnect(w.err)

	c.mu.Lock()
	if w.err == nil {
		c.connected = true
		c.mu.Unlock()
		return
	}
	wasConnected := c.connected
	adapterAvailable := !(c.status == StatusDisconnected && c.lastReason == ReasonAdapterUnavailable)
	c.mu.Unlock()

	if wasConnected && !errors.Is(w.err, ErrDestroyed) {
		c.reportError(w.err)
	}
	c.destroy(adapterAvailable)
}

// handle applies a transport state update.
func (c *Connection) handle(u StateUpdate) {
	c.mu.Lock()
	if c.status == StatusDestroyed {
		c.mu.Unlock()
		return
	}

	if u.Err != nil {
		if c.wait != nil {
			c.settleLocked(c.wait, fmt.Errorf("voice: networking: %w", u.Err))
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.reportError(u.Err)
		c.destroy(true)
		return
	}

	if u.Status == StatusDestroyed {
		c.mu.Unlock()
		c.destroy(true)
		return
	}

	old := c.status
	if u.Status == StatusReady && u.Session != nil {
		c.session = *u.Session
		c.cipher = NewCipher(u.Session.SecretKey, ParseMode(u.Session.Mode), u.Session.SSRC, u.Session.Counters)
		c.speaking = false
	}
	if u.Status == old {
		c.mu.Unlock()
		return
	}
	c.status = u.Status
	if u.Status == StatusDisconnected {
		c.lastReason = u.Reason
	}

	destroyAfter := false
	adapterAvailable := true
	if c.wait != nil {
		switch u.Status {
		case StatusReady:
			c.settleLocked(c.wait, nil)
		case StatusDisconnected:
			c.settleLocked(c.wait, &RejectedError{Reason: u.Reason})
		}
	} else if u.Status == StatusDisconnected {
		if u.Reason == ReasonWebSocketClose {
			c.startWaitLocked()
		} else {
			destroyAfter = true
			adapterAvailable = u.Reason != ReasonAdapterUnavailable
		}
	} else if old == StatusReady {
		// Re-signalling after a lost session gets the same deadline as a
		// fresh connect.
		c.startWaitLocked()
	}

	tr, receive := c.transport, c.opts.ReceiveAudio
	listeners := c.snapshotListenersLocked()
	c.mu.Unlock()

	c.log.Debug("voice: state change", "old", old, "new", u.Status)

	if u.Status == StatusReady && tr != nil {
		c.log.Info("voice: connection ready")
		if err := tr.SetReceiveIntent(receive); err != nil {
			c.log.Warn("voice: announce receive intent failed", "err", err)
		}
	}
	if u.Status == StatusDisconnected {
		c.log.Info("voice: connection lost", "reason", u.Reason)
	}

	for _, fn := range listeners {
		fn(old, u.Status)
	}

	if destroyAfter {
		c.destroy(adapterAvailable)
	}
}

// destroy moves the connection to [StatusDestroyed]. When adapterAvailable
// is set a leave request is sent first. The transport is always closed.
func (c *Connection) destroy(adapterAvailable bool) {
	c.mu.Lock()
	if c.status == StatusDestroyed {
		c.mu.Unlock()
		return
	}
	old := c.status
	c.status = StatusDestroyed
	c.settleLocked(c.wait, ErrDestroyed)
	tr := c.transport
	owner := c.owner
	c.owner = nil
	c.cipher = nil
	listeners := c.snapshotListenersLocked()
	c.mu.Unlock()

	if tr != nil {
		if adapterAvailable {
			ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
			if err := tr.Disconnect(ctx); err != nil {
				c.log.Warn("voice: leave request failed", "err", err)
			}
			cancel()
		}
		if err := tr.Close(); err != nil {
			c.log.Debug("voice: close transport", "err", err)
		}
	}

	c.registry.remove(c)

	if owner != nil {
		owner.Unsubscribe()
	}

	c.log.Info("voice: connection destroyed")
	for _, fn := range listeners {
		fn(old, StatusDestroyed)
	}
}

func (c *Connection) snapshotListenersLocked() []StateListener {
	out := make([]StateListener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		out = append(out, fn)
	}
	return out
}

func (c *Connection) reportError(err error) {
	c.log.Error("voice: connection error", "err", err)
	c.mu.Lock()
	fns := make([]func(error), 0, len(c.errListeners))
	for _, fn := range c.errListeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}
