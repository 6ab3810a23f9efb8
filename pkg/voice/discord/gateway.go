package discord

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/yasha/pkg/voice"
)

// Voice gateway v4 opcodes.
const (
	opIdentify           = 0
	opSelectProtocol     = 1
	opReady              = 2
	opHeartbeat          = 3
	opSessionDescription = 4
	opSpeaking           = 5
	opHeartbeatAck       = 6
	opHello              = 8
	opMediaSinkWants     = 15
)

// closeDisconnected is sent when the bot was removed from the channel.
const closeDisconnected websocket.StatusCode = 4014

// preferredModes lists the encryption modes in order of preference.
var preferredModes = []string{voice.ModeNameLite, voice.ModeNameSuffix, voice.ModeNameDefault}

// ── Protocol messages ─────────────────────────────────────────────────────────

type payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type outgoing struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

type identifyData struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

type helloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type readyData struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

type selectProtocolData struct {
	Protocol string             `json:"protocol"`
	Data     selectProtocolAddr `json:"data"`
}

type selectProtocolAddr struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Mode    string `json:"mode"`
}

type sessionDescriptionData struct {
	Mode      string   `json:"mode"`
	SecretKey [32]byte `json:"secret_key"`
}

type speakingData struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
}

type mediaSinkWantsData struct {
	Any int `json:"any"`
}

// ── gateway ───────────────────────────────────────────────────────────────────

// gateway is one voice websocket session with its UDP socket.
type gateway struct {
	t        *transport
	identify identifyData
	url      string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	udp    *net.UDPConn
	ready  readyData
	opened bool
}

func newGateway(t *transport, id identifyData, url string) *gateway {
	ctx, cancel := context.WithCancel(context.Background())
	return &gateway{t: t, identify: id, url: url, ctx: ctx, cancel: cancel}
}

// run drives the handshake and then reads until the socket ends.
func (g *gateway) run() {
	err := g.serve()
	g.mu.Lock()
	wasOpen := g.opened
	g.mu.Unlock()
	g.stop()
	if g.ctx.Err() != nil && closeStatus(err) == -1 {
		return
	}
	g.t.gatewayLost(g, err, wasOpen)
}

func (g *gateway) serve() error {
	conn, _, err := websocket.Dial(g.ctx, g.url, nil)
	if err != nil {
		return fmt.Errorf("discord: dial voice gateway: %w", err)
	}
	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()

	if err := g.write(opIdentify, g.identify); err != nil {
		return err
	}

	for {
		_, data, err := conn.Read(g.ctx)
		if err != nil {
			return err
		}
		var p payload
		if err := json.Unmarshal(data, &p); err != nil {
			g.t.log.Debug("discord: malformed voice payload", "err", err)
			continue
		}
		if err := g.dispatch(p); err != nil {
			conn.Close(websocket.StatusInternalError, "handshake failed")
			return err
		}
	}
}

func (g *gateway) dispatch(p payload) error {
	switch p.Op {
	case opHello:
		var h helloData
		if err := json.Unmarshal(p.D, &h); err != nil {
			return fmt.Errorf("discord: decode hello: %w", err)
		}
		go g.heartbeat(time.Duration(h.HeartbeatInterval * float64(time.Millisecond)))

	case opReady:
		var r readyData
		if err := json.Unmarshal(p.D, &r); err != nil {
			return fmt.Errorf("discord: decode ready: %w", err)
		}
		return g.selectProtocol(r)

	case opSessionDescription:
		var sd sessionDescriptionData
		if err := json.Unmarshal(p.D, &sd); err != nil {
			return fmt.Errorf("discord: decode session description: %w", err)
		}
		g.mu.Lock()
		g.opened = true
		r := g.ready
		g.mu.Unlock()
		g.t.gatewayReady(g, voice.SessionInfo{
			SecretKey: sd.SecretKey,
			SSRC:      r.SSRC,
			Mode:      sd.Mode,
			Counters: voice.Counters{
				Sequence:  uint16(rand.Uint32()),
				Timestamp: rand.Uint32(),
			},
			RemoteIP:   r.IP,
			RemotePort: r.Port,
		})

	case opHeartbeatAck:
	default:
		g.t.log.Debug("discord: ignoring voice opcode", "op", p.Op)
	}
	return nil
}

// selectProtocol opens the UDP socket, discovers our external address and
// announces it with the preferred encryption mode.
func (g *gateway) selectProtocol(r readyData) error {
	mode, err := chooseMode(r.Modes)
	if err != nil {
		return err
	}

	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(r.IP, strconv.Itoa(r.Port)))
	if err != nil {
		return fmt.Errorf("discord: resolve voice server: %w", err)
	}
	udp, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("discord: dial voice udp: %w", err)
	}
	g.mu.Lock()
	g.udp = udp
	g.ready = r
	g.mu.Unlock()

	ip, port, err := discoverIP(udp, r.SSRC, discoveryTimeout)
	if err != nil {
		return err
	}
	return g.write(opSelectProtocol, selectProtocolData{
		Protocol: "udp",
		Data:     selectProtocolAddr{Address: ip, Port: port, Mode: mode},
	})
}

func (g *gateway) heartbeat(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			if err := g.write(opHeartbeat, time.Now().UnixMilli()); err != nil {
				g.t.log.Debug("discord: heartbeat failed", "err", err)
				return
			}
		}
	}
}

// write sends one JSON payload on the voice websocket.
func (g *gateway) write(op int, d any) error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return voice.ErrNotReady
	}
	data, err := json.Marshal(outgoing{Op: op, D: d})
	if err != nil {
		return fmt.Errorf("discord: marshal op %d: %w", op, err)
	}
	return conn.Write(g.ctx, websocket.MessageText, data)
}

func (g *gateway) send(packet []byte) error {
	g.mu.Lock()
	udp, opened := g.udp, g.opened
	g.mu.Unlock()
	if udp == nil || !opened {
		return voice.ErrNotReady
	}
	_, err := udp.Write(packet)
	return err
}

func (g *gateway) ssrc() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready.SSRC
}

// stop cancels the session and closes both sockets. Safe to call repeatedly.
func (g *gateway) stop() {
	g.cancel()
	g.mu.Lock()
	conn, udp := g.conn, g.udp
	g.conn, g.udp = nil, nil
	g.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
	if udp != nil {
		udp.Close()
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// chooseMode picks the most preferred mode offered by the server.
func chooseMode(offered []string) (string, error) {
	for _, want := range preferredModes {
		for _, m := range offered {
			if m == want {
				return m, nil
			}
		}
	}
	return "", fmt.Errorf("discord: no supported encryption mode in %v", offered)
}

// discoverIP performs UDP IP discovery: a 74-byte request carrying the SSRC
// is answered with our external address (NUL-padded) and port.
func discoverIP(conn *net.UDPConn, ssrc uint32, timeout time.Duration) (string, int, error) {
	req := make([]byte, 74)
	binary.BigEndian.PutUint16(req[0:2], 1)
	binary.BigEndian.PutUint16(req[2:4], 70)
	binary.BigEndian.PutUint32(req[4:8], ssrc)

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return "", 0, fmt.Errorf("discord: ip discovery: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(req); err != nil {
		return "", 0, fmt.Errorf("discord: ip discovery: %w", err)
	}
	resp := make([]byte, 74)
	n, err := conn.Read(resp)
	if err != nil {
		return "", 0, fmt.Errorf("discord: ip discovery: %w", err)
	}
	return parseDiscovery(resp[:n])
}

func parseDiscovery(resp []byte) (string, int, error) {
	if len(resp) < 74 {
		return "", 0, fmt.Errorf("discord: ip discovery: short response (%d bytes)", len(resp))
	}
	ip := string(bytes.TrimRight(resp[8:72], "\x00"))
	if net.ParseIP(ip) == nil {
		return "", 0, fmt.Errorf("discord: ip discovery: invalid address %q", ip)
	}
	return ip, int(binary.BigEndian.Uint16(resp[72:74])), nil
}

// closeStatus returns the websocket close code carried by err, or -1.
func closeStatus(err error) websocket.StatusCode {
	if err == nil {
		return -1
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return -1
}
