// Package netplay はクライアント側のネットプレイセッション。
// シグナリング、ピア接続、入力履歴を60Hzのゲームループでまとめる
package netplay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"psxnetplay/models"
	"psxnetplay/netplay/peer"
	"psxnetplay/netplay/protocol"
	"psxnetplay/netplay/rollback"
	"psxnetplay/netplay/signaling"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	FrameInterval = 16 * time.Millisecond // 約60Hz
	// 最も遅いピアよりこれ(+入力遅延)以上先行したらフレームを進めない
	MaxAdvantage = 7
	// ゲーム同期や再接続の後、再開するまでのカウントダウン
	ResumeCountdown = 3 * time.Second
)

// Emulator はエミュレータ本体。ステートの保存と読み込み、入力の注入、映像トラックを提供する
type Emulator interface {
	CaptureState() ([]byte, error)
	LoadState([]byte) error
	SetInput(port int, buttons uint16)
	VideoTrack() (webrtc.TrackLocal, error)
}

// InputSource はローカルのコントローラ
type InputSource interface {
	Poll() protocol.Input
}

// Signaler はセッションが使うシグナリングの操作。*signaling.Client が満たす
type Signaler interface {
	Events() <-chan signaling.Event
	Signal(targetID string, sdp json.RawMessage) error
	ICE(targetID string, candidate json.RawMessage) error
	SaveState(stateData string) error
	EmulatorReady() error
	RejoinRoom(roomID string) error
}

type Config struct {
	UserID     string
	Peer       peer.Config
	InputDelay int
	Clock      clock.Clock
}

type link struct {
	peer *peer.Peer
	stop chan struct{}
}

// Session はゲームのプレイ中だけ動かす。Runのctxが終わるとピア接続も全て閉じる
type Session struct {
	userID string
	cfg    Config
	clock  clock.Clock
	sig    Signaler
	emu    Emulator
	input  InputSource
	engine *rollback.Engine
	logger *zap.Logger

	room          *models.Room
	playing       bool
	authoritative bool
	links         map[string]*link
	peerEvents    chan peer.Event
	tracks        chan *webrtc.TrackRemote
	// 一時切断中で再参加を待っているプレイヤー
	reconnecting  map[string]bool

	frame     uint32
	paused    bool
	resumeAt  time.Time
	throttled uint64
}

func NewSession(cfg Config, sig Signaler, emu Emulator, input InputSource, logger *zap.Logger) *Session {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Peer.Clock == nil {
		cfg.Peer.Clock = cfg.Clock
	}
	engine := rollback.NewEngine()
	if cfg.InputDelay > 0 {
		engine.SetDelay(cfg.InputDelay)
	}
	return &Session{
		userID:     cfg.UserID,
		cfg:        cfg,
		clock:      cfg.Clock,
		sig:        sig,
		emu:        emu,
		input:      input,
		engine:     engine,
		logger:     logger.With(zap.String("userID", cfg.UserID)),
		links:        make(map[string]*link),
		peerEvents:   make(chan peer.Event, 256),
		tracks:       make(chan *webrtc.TrackRemote, 4),
		reconnecting: make(map[string]bool),
	}
}

// Tracks はホストから届いた映像トラック（ゲスト側）
func (s *Session) Tracks() <-chan *webrtc.TrackRemote { return s.tracks }

func (s *Session) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(FrameInterval)
	defer ticker.Stop()
	defer s.closePeers()

	events := s.sig.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.handleSignal(ev)
		case ev := <-s.peerEvents:
			s.handlePeerEvent(ev)
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Session) handleSignal(ev signaling.Event) {
	switch ev.Type {
	case "game-starting", "room-updated":
		if ev.Room != nil {
			s.syncRoom(ev.Room)
		}
	case "signal":
		s.handleRemoteSDP(ev.FromID, ev.SDP)
	case "ice":
		s.handleRemoteICE(ev.FromID, ev.Candidate)
	case "game-synced":
		if len(s.reconnecting) == 0 {
			s.resume()
		}
	case "player-disconnected":
		s.dropPeer(ev.UserID)
		if ev.Temporary {
			s.reconnecting[ev.UserID] = true
			s.pauseForReconnect()
		} else if s.reconnecting[ev.UserID] {
			// 猶予切れで席がなくなったので残りのメンバーで再開する
			s.playerBack(ev.UserID)
		}
	case "player-reconnected":
		s.playerBack(ev.UserID)
	case "reconnect-state":
		s.loadReconnectState(ev.StateData)
	case signaling.EventClose:
		s.logger.Info("Signaling connection lost")
		if s.playing {
			// 相手側は切断として接続を作り直すので、こちらの接続も捨てる
			s.closePeers()
			s.paused = true
		}
	case signaling.EventOpen:
		if s.playing && s.room != nil {
			s.logger.Info("Signaling reconnected, rejoining room", zap.String("roomID", s.room.ID))
			s.closePeers()
			if err := s.sig.RejoinRoom(s.room.ID); err != nil {
				s.logger.Warn("Failed to send rejoin-room", zap.Error(err))
			}
		}
	}
}

// playerBack は一時切断が解消したとき。待っている人がいなくなれば再開する
func (s *Session) playerBack(userID string) {
	delete(s.reconnecting, userID)
	if len(s.reconnecting) == 0 {
		s.resume()
	}
}

// syncRoom はルームの状態に合わせてピア接続を作成・削除する
func (s *Session) syncRoom(room *models.Room) {
	s.room = room
	if room.Status != models.RoomPlaying {
		if s.playing {
			s.logger.Info("Game ended", zap.String("roomID", room.ID))
			s.stopGame()
		}
		return
	}

	authoritative := room.HostID == s.userID
	if s.playing && authoritative != s.authoritative {
		// ホストが入れ替わったら接続を作り直す
		s.logger.Info("Host changed, rebuilding peers", zap.String("hostID", room.HostID))
		s.closePeers()
	}
	s.authoritative = authoritative

	if !s.playing {
		s.playing = true
		s.frame = 0
		s.engine.Reset()
		s.paused = true // game-syncedまで待つ
		if err := s.sig.EmulatorReady(); err != nil {
			s.logger.Warn("Failed to send emulator-ready", zap.Error(err))
		}
	}

	present := make(map[string]bool, len(room.Players))
	for _, p := range room.Players {
		present[p.UserID] = true
		if p.UserID == s.userID || !s.authoritative {
			continue
		}
		if _, ok := s.links[p.UserID]; !ok {
			s.offerTo(p.UserID)
		}
	}
	for id := range s.links {
		if !present[id] {
			s.dropPeer(id)
		}
	}
}

// offerTo はホスト側からの接続開始。映像トラックを付けてからオファーする
func (s *Session) offerTo(remoteID string) {
	l := s.newLink(remoteID)
	if l == nil {
		return
	}
	offer, err := l.peer.CreateOffer()
	if err != nil {
		s.logger.Error("Failed to create offer", zap.String("peerID", remoteID), zap.Error(err))
		s.dropPeer(remoteID)
		return
	}
	s.sendSDP(remoteID, offer)
}

func (s *Session) newLink(remoteID string) *link {
	p, err := peer.New(remoteID, s.cfg.Peer, s.logger)
	if err != nil {
		s.logger.Error("Failed to create peer", zap.String("peerID", remoteID), zap.Error(err))
		return nil
	}
	if s.authoritative && s.emu != nil {
		track, err := s.emu.VideoTrack()
		if err != nil {
			s.logger.Warn("No video track", zap.Error(err))
		} else if track != nil {
			if err := p.AttachTrack(track); err != nil {
				s.logger.Warn("Failed to attach video track", zap.String("peerID", remoteID), zap.Error(err))
			}
		}
	}

	l := &link{peer: p, stop: make(chan struct{})}
	s.links[remoteID] = l
	go func() {
		for {
			select {
			case ev := <-p.Events():
				select {
				case s.peerEvents <- ev:
				case <-l.stop:
					return
				}
			case <-l.stop:
				return
			}
		}
	}()
	return l
}

func (s *Session) dropPeer(remoteID string) {
	l, ok := s.links[remoteID]
	if !ok {
		return
	}
	delete(s.links, remoteID)
	close(l.stop)
	l.peer.Close()
	s.engine.RemovePeer(remoteID)
}

func (s *Session) closePeers() {
	for id := range s.links {
		s.dropPeer(id)
	}
}

func (s *Session) stopGame() {
	s.closePeers()
	s.playing = false
	s.paused = false
	s.frame = 0
	s.engine.Reset()
	s.reconnecting = make(map[string]bool)
}

func (s *Session) handleRemoteSDP(fromID string, raw json.RawMessage) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		s.logger.Warn("Invalid SDP", zap.String("from", fromID), zap.Error(err))
		return
	}
	l, ok := s.links[fromID]
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if ok && l.peer.Stale(desc) {
			s.logger.Info("Fresh offer from known peer, recreating link", zap.String("from", fromID))
			s.dropPeer(fromID)
			ok = false
		}
		if !ok {
			if l = s.newLink(fromID); l == nil {
				return
			}
		}
		answer, err := l.peer.HandleOffer(desc)
		if err != nil {
			s.logger.Error("Failed to handle offer", zap.String("from", fromID), zap.Error(err))
			return
		}
		s.sendSDP(fromID, answer)
	case webrtc.SDPTypeAnswer:
		if !ok {
			s.logger.Debug("Answer for unknown peer", zap.String("from", fromID))
			return
		}
		if err := l.peer.HandleAnswer(desc); err != nil {
			s.logger.Error("Failed to handle answer", zap.String("from", fromID), zap.Error(err))
		}
	}
}

func (s *Session) handleRemoteICE(fromID string, raw json.RawMessage) {
	l, ok := s.links[fromID]
	if !ok {
		return
	}
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &c); err != nil {
		s.logger.Warn("Invalid ICE candidate", zap.String("from", fromID), zap.Error(err))
		return
	}
	if err := l.peer.AddICECandidate(c); err != nil {
		s.logger.Warn("Failed to add ICE candidate", zap.String("from", fromID), zap.Error(err))
	}
}

func (s *Session) sendSDP(targetID string, desc webrtc.SessionDescription) {
	raw, err := json.Marshal(desc)
	if err != nil {
		return
	}
	if err := s.sig.Signal(targetID, raw); err != nil {
		s.logger.Warn("Failed to send signal", zap.String("to", targetID), zap.Error(err))
	}
}

func (s *Session) handlePeerEvent(ev peer.Event) {
	if _, ok := s.links[ev.PeerID]; !ok {
		return
	}
	switch ev.Kind {
	case peer.EventCandidate:
		raw, err := json.Marshal(ev.Candidate)
		if err != nil {
			return
		}
		if err := s.sig.ICE(ev.PeerID, raw); err != nil {
			s.logger.Warn("Failed to send ICE", zap.String("to", ev.PeerID), zap.Error(err))
		}
	case peer.EventOffer:
		s.sendSDP(ev.PeerID, ev.Offer)
	case peer.EventData:
		frame, in, err := protocol.DecodeInput(ev.Data)
		if err != nil {
			s.logger.Debug("Invalid input packet", zap.String("from", ev.PeerID), zap.Error(err))
			return
		}
		s.engine.AddRemoteInput(ev.PeerID, frame, in)
	case peer.EventState:
		s.logger.Info("Peer state", zap.String("peerID", ev.PeerID), zap.String("state", string(ev.State)))
	case peer.EventLatency:
		s.logger.Debug("Peer latency", zap.String("peerID", ev.PeerID), zap.Duration("latency", ev.Latency))
	case peer.EventTrack:
		select {
		case s.tracks <- ev.Track:
		default:
		}
	}
}

// pauseForReconnect はホスト側で一時停止し、戻ってくるプレイヤー用にステートを預ける
func (s *Session) pauseForReconnect() {
	if !s.playing {
		return
	}
	s.paused = true
	if !s.authoritative || s.emu == nil {
		return
	}
	state, err := s.emu.CaptureState()
	if err != nil {
		s.logger.Error("Failed to capture state", zap.Error(err))
		return
	}
	if err := s.sig.SaveState(base64.StdEncoding.EncodeToString(state)); err != nil {
		s.logger.Warn("Failed to send save state", zap.Error(err))
	}
}

func (s *Session) resume() {
	if !s.playing {
		return
	}
	s.paused = false
	s.resumeAt = s.clock.Now().Add(ResumeCountdown)
}

func (s *Session) loadReconnectState(stateData string) {
	if !s.authoritative || s.emu == nil || stateData == "" {
		return
	}
	data, err := base64.StdEncoding.DecodeString(stateData)
	if err != nil {
		s.logger.Warn("Invalid reconnect state", zap.Error(err))
		return
	}
	if err := s.emu.LoadState(data); err != nil {
		s.logger.Error("Failed to load reconnect state", zap.Error(err))
	}
}

// tick は1フレーム分の処理。ルームがなければ何もしない
func (s *Session) tick() {
	if !s.playing || s.room == nil || s.paused || s.input == nil {
		return
	}
	if s.clock.Now().Before(s.resumeAt) {
		return
	}
	if s.engine.FrameAdvantage() > int64(s.engine.Delay()+MaxAdvantage) {
		s.throttled++
		return
	}

	s.frame++
	in := s.input.Poll()
	s.engine.AddLocalInput(s.frame, in)
	packet := protocol.EncodeInput(s.frame, in)
	for _, l := range s.links {
		l.peer.Send(packet)
	}

	if !s.authoritative || s.emu == nil {
		return
	}
	delay := uint32(s.engine.Delay())
	if s.frame <= delay {
		return
	}
	target := s.frame - delay
	for _, p := range s.room.Players {
		if p.UserID == s.userID {
			s.emu.SetInput(p.ControllerPort, s.engine.LocalInput(target).Buttons)
		} else {
			s.emu.SetInput(p.ControllerPort, s.engine.RemoteInput(p.UserID, target).Buttons)
		}
	}
}
