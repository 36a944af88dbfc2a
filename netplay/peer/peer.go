// Package peer は1対1のWebRTC接続をラップする。
// 入力は順序付き・再送2回のデータチャネル "game" で、映像は任意のメディアトラックで送る
package peer

import (
	"fmt"
	"math"
	"sync"
	"time"

	"psxnetplay/models"
	"psxnetplay/netplay/protocol"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	channelLabel      = "game"
	maxRetransmits    = 2
	heartbeatInterval = time.Second
	defaultEventQueue = 256
)

type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

type EventKind int

const (
	EventState EventKind = iota
	EventLatency
	EventData
	EventCandidate
	EventOffer // 再ネゴシエーションで生成したオファー
	EventTrack
)

func (k EventKind) String() string {
	switch k {
	case EventState:
		return "state"
	case EventLatency:
		return "latency"
	case EventData:
		return "data"
	case EventCandidate:
		return "candidate"
	case EventOffer:
		return "offer"
	case EventTrack:
		return "track"
	}
	return "unknown"
}

// Event はEvents()から受け取る通知。Kindに応じたフィールドだけが埋まる
type Event struct {
	Kind      EventKind
	PeerID    string
	State     State
	Latency   time.Duration
	Data      []byte
	Candidate webrtc.ICECandidateInit
	Offer     webrtc.SessionDescription
	Track     *webrtc.TrackRemote
}

type Config struct {
	ICEServers []webrtc.ICEServer
	// 0ならエフェメラルポート全体
	UDPPortMin, UDPPortMax uint16
	IncludeLoopback        bool
	EventQueue             int
	Clock                  clock.Clock
}

// ICEServers は設定ファイルのSTUN/TURNをpionの形式にする
func ICEServers(cfg models.ICEConfig) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if cfg.StunURL != "" {
		servers = append(servers, webrtc.ICEServer{URLs: []string{cfg.StunURL}})
	}
	if cfg.TurnURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{cfg.TurnURL},
			Username:   cfg.TurnUsername,
			Credential: cfg.TurnPassword,
		})
	}
	return servers
}

type Peer struct {
	id     string
	pc     *webrtc.PeerConnection
	clock  clock.Clock
	epoch  time.Time // ハートビートのタイムスタンプ基準
	events chan Event
	logger *zap.Logger

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	state     State
	latency   time.Duration
	pending   []webrtc.ICECandidateInit // リモートSDP適用前に届いた候補
	heartbeat bool
	closed    bool

	done chan struct{}
}

func New(id string, cfg Config, logger *zap.Logger) (*Peer, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.EventQueue <= 0 {
		cfg.EventQueue = defaultEventQueue
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.UDPPortMin > 0 && cfg.UDPPortMax >= cfg.UDPPortMin {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("udp port range: %w", err)
		}
	}
	settingEngine.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &Peer{
		id:     id,
		pc:     pc,
		clock:  cfg.Clock,
		epoch:  cfg.Clock.Now(),
		events: make(chan Event, cfg.EventQueue),
		logger: logger.With(zap.String("peerID", id)),
		state:  StateNew,
		done:   make(chan struct{}),
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		if state, ok := mapICEState(s); ok {
			p.setState(state)
		}
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.emit(Event{Kind: EventCandidate, Candidate: c.ToJSON()})
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != channelLabel {
			p.logger.Warn("Unexpected data channel", zap.String("label", dc.Label()))
			return
		}
		p.setupDataChannel(dc)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.emit(Event{Kind: EventTrack, Track: track})
	})
	pc.OnNegotiationNeeded(func() { go p.renegotiate() })

	return p, nil
}

// mapICEState はICE接続状態をピアの状態に変換する。対応しない状態はfalse
func mapICEState(s webrtc.ICEConnectionState) (State, bool) {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return StateConnecting, true
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return StateConnected, true
	case webrtc.ICEConnectionStateDisconnected:
		return StateDisconnected, true
	case webrtc.ICEConnectionStateFailed:
		return StateFailed, true
	}
	return "", false
}

func (p *Peer) ID() string { return p.id }

// Events は接続の通知を返す。満杯のときは古い通知を待たずに破棄される
func (p *Peer) Events() <-chan Event { return p.events }

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) Latency() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latency
}

// CreateOffer はデータチャネルを作成してオファーを返す（接続を開始する側）
func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	ordered := true
	retransmits := uint16(maxRetransmits)
	dc, err := p.pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &retransmits,
	})
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create data channel: %w", err)
	}
	p.setupDataChannel(dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return offer, nil
}

// HandleOffer はリモートのオファーを適用してアンサーを返す
func (p *Peer) HandleOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.setRemote(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return answer, nil
}

func (p *Peer) HandleAnswer(answer webrtc.SessionDescription) error {
	return p.setRemote(answer)
}

func (p *Peer) setRemote(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.logger.Warn("Failed to add queued ICE candidate", zap.Error(err))
		}
	}
	return nil
}

// Stale はオファーをこの接続に適用できないときtrue。
// 相手が新しいPeerConnectionを作り直すとSDPのoriginのセッションIDが変わる
func (p *Peer) Stale(offer webrtc.SessionDescription) bool {
	remote := p.pc.RemoteDescription()
	if remote == nil {
		return false
	}
	switch p.State() {
	case StateDisconnected, StateFailed:
		return true
	}
	current, err := remote.Unmarshal()
	if err != nil {
		return true
	}
	next, err := offer.Unmarshal()
	if err != nil {
		return true
	}
	return current.Origin.SessionID != next.Origin.SessionID
}

// AddICECandidate はリモートSDPがまだなければ候補を保留する
func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if p.pc.RemoteDescription() == nil {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// AttachTrack は送信トラックを追加する。接続確立後なら再ネゴシエーションのオファーがEventOfferで届く
func (p *Peer) AttachTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(rtcpBuf); err != nil {
				return
			}
		}
	}()
	return nil
}

// 初回のネゴシエーションはCreateOffer/HandleOfferが行うので、確立後の変更だけ扱う
func (p *Peer) renegotiate() {
	if p.pc.RemoteDescription() == nil || p.pc.SignalingState() != webrtc.SignalingStateStable {
		return
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		p.logger.Error("Failed to create renegotiation offer", zap.Error(err))
		return
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		p.logger.Error("Failed to set renegotiation offer", zap.Error(err))
		return
	}
	p.emit(Event{Kind: EventOffer, Offer: offer})
}

// Send はデータチャネルが開いていればペイロードを送る
func (p *Peer) Send(data []byte) bool {
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return false
	}
	if err := dc.Send(protocol.WrapPayload(data)); err != nil {
		p.logger.Debug("Data channel send failed", zap.Error(err))
		return false
	}
	return true
}

func (p *Peer) setupDataChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.setState(StateConnected)
		p.startHeartbeat()
	})
	dc.OnClose(func() {
		p.setState(StateDisconnected)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.handleMessage(msg.Data)
	})
}

func (p *Peer) startHeartbeat() {
	p.mu.Lock()
	if p.heartbeat || p.closed {
		p.mu.Unlock()
		return
	}
	p.heartbeat = true
	p.mu.Unlock()

	go func() {
		ticker := p.clock.Ticker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.sendRaw(protocol.EncodeHeartbeat(protocol.TagPing, p.now()))
			case <-p.done:
				return
			}
		}
	}()
}

func (p *Peer) now() float64 {
	return float64(p.clock.Since(p.epoch)) / float64(time.Millisecond)
}

func (p *Peer) sendRaw(buf []byte) {
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	if err := dc.Send(buf); err != nil {
		p.logger.Debug("Heartbeat send failed", zap.Error(err))
	}
}

func (p *Peer) handleMessage(buf []byte) {
	tag, body, err := protocol.SplitPacket(buf)
	if err != nil {
		return
	}
	switch tag {
	case protocol.TagPayload:
		data := make([]byte, len(body))
		copy(data, body)
		p.emit(Event{Kind: EventData, Data: data})
	case protocol.TagPing:
		ts, err := protocol.DecodeHeartbeat(buf)
		if err != nil {
			return
		}
		p.sendRaw(protocol.EncodeHeartbeat(protocol.TagPong, ts))
	case protocol.TagPong:
		ts, err := protocol.DecodeHeartbeat(buf)
		if err != nil {
			return
		}
		ms := math.Round((p.now() - ts) / 2)
		latency := time.Duration(ms) * time.Millisecond
		p.mu.Lock()
		p.latency = latency
		p.mu.Unlock()
		p.emit(Event{Kind: EventLatency, Latency: latency})
	default:
		p.logger.Debug("Unknown packet tag", zap.Uint8("tag", tag))
	}
}

// setState は変化したときだけEventStateを出す
func (p *Peer) setState(s State) {
	p.mu.Lock()
	if p.state == s || p.closed {
		p.mu.Unlock()
		return
	}
	p.state = s
	p.mu.Unlock()
	p.emit(Event{Kind: EventState, State: s})
}

func (p *Peer) emit(ev Event) {
	ev.PeerID = p.id
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("Peer event queue full, dropping event", zap.Stringer("kind", ev.Kind))
	}
}

// Close はハートビートを止めて接続を閉じる。Events()のチャネルは閉じない
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	dc := p.dc
	p.mu.Unlock()

	close(p.done)
	if dc != nil {
		dc.Close()
	}
	return p.pc.Close()
}
