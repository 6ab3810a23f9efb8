package player

import "sync"

// Event is published to listeners registered with [Player.Listen]. The
// concrete types are [EventReady], [EventPacket], [EventFinish],
// [EventError] and [EventDebug].
type Event interface {
	event()
}

// EventReady is published when the decode session produced its first frame.
type EventReady struct{}

// EventPacket is published for every decoded frame to listeners registered
// with [WithPackets]. Frame is a copy owned by the listener.
type EventPacket struct {
	Frame []byte
	Units uint32
}

// EventFinish is published when the source is exhausted.
type EventFinish struct{}

// EventError is published for failures of the current play. After a fatal
// decode error the player holds no session.
type EventError struct {
	Err error
}

// EventDebug carries a diagnostic message from the decode session.
type EventDebug struct {
	Message string
}

func (EventReady) event()  {}
func (EventPacket) event() {}
func (EventFinish) event() {}
func (EventError) event()  {}
func (EventDebug) event()  {}

// ListenOption configures a listener registered with [Player.Listen].
type ListenOption func(*listener)

// WithPackets subscribes the listener to [EventPacket]. Packets are not
// delivered otherwise.
func WithPackets() ListenOption {
	return func(l *listener) { l.packets = true }
}

// listener delivers events to one channel. Packet and debug events are
// dropped while the channel is full. Ready, finish and error events are
// never dropped: they wait in a backlog that a pump goroutine feeds into
// the channel in order.
type listener struct {
	out     chan Event
	packets bool
	wake    chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	backlog []Event
	closed  bool
}

// Listen registers a listener and returns its channel together with a
// function that unregisters it and closes the channel. buffer is the channel
// capacity. A listener whose channel is full loses packet and debug events
// but still receives every lifecycle event, in order.
func (p *Player) Listen(buffer int, opts ...ListenOption) (<-chan Event, func()) {
	l := &listener{
		out:  make(chan Event, max(buffer, 1)),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.pump()

	p.evMu.Lock()
	id := p.nextListener
	p.nextListener++
	p.listeners[id] = l
	p.evMu.Unlock()

	return l.out, func() {
		p.evMu.Lock()
		_, ok := p.listeners[id]
		delete(p.listeners, id)
		p.evMu.Unlock()
		if ok {
			l.close()
		}
	}
}

// emit delivers ev without blocking. It may be called with p.mu held.
func (p *Player) emit(ev Event) {
	_, packet := ev.(EventPacket)
	p.evMu.Lock()
	defer p.evMu.Unlock()
	for _, l := range p.listeners {
		if packet && !l.packets {
			continue
		}
		if !l.push(ev) {
			p.metrics.dropped.Add(p.ctx, 1)
		}
	}
}

// wantsPackets reports whether any listener subscribed to packets.
func (p *Player) wantsPackets() bool {
	p.evMu.Lock()
	defer p.evMu.Unlock()
	for _, l := range p.listeners {
		if l.packets {
			return true
		}
	}
	return false
}

// push queues ev and reports whether it was kept.
func (l *listener) push(ev Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	if len(l.backlog) == 0 {
		select {
		case l.out <- ev:
			return true
		default:
		}
	}
	switch ev.(type) {
	case EventPacket, EventDebug:
		return false
	}
	l.backlog = append(l.backlog, ev)
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// pump moves the backlog into the channel and closes it once the listener
// is unregistered. An event stays at the head of the backlog until it is
// delivered, so push never overtakes it.
func (l *listener) pump() {
	defer close(l.out)
	for {
		l.mu.Lock()
		if len(l.backlog) == 0 {
			l.mu.Unlock()
			select {
			case <-l.wake:
				continue
			case <-l.done:
				return
			}
		}
		ev := l.backlog[0]
		l.mu.Unlock()

		select {
		case l.out <- ev:
		case <-l.done:
			return
		}

		l.mu.Lock()
		l.backlog[0] = nil
		l.backlog = l.backlog[1:]
		l.mu.Unlock()
	}
}

func (l *listener) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
}
