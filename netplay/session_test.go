package netplay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"psxnetplay/models"
	"psxnetplay/netplay/peer"
	"psxnetplay/netplay/protocol"
	"psxnetplay/netplay/signaling"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

type sentSignal struct {
	target string
	sdp    webrtc.SessionDescription
}

type fakeSignaler struct {
	events  chan signaling.Event
	signals []sentSignal
	ice     []string
	states  []string
	rejoins []string
	ready   int
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{events: make(chan signaling.Event, 16)}
}

func (f *fakeSignaler) Events() <-chan signaling.Event { return f.events }

func (f *fakeSignaler) Signal(targetID string, sdp json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(sdp, &desc); err != nil {
		return err
	}
	f.signals = append(f.signals, sentSignal{target: targetID, sdp: desc})
	return nil
}

func (f *fakeSignaler) ICE(targetID string, candidate json.RawMessage) error {
	f.ice = append(f.ice, targetID)
	return nil
}

func (f *fakeSignaler) SaveState(stateData string) error {
	f.states = append(f.states, stateData)
	return nil
}

func (f *fakeSignaler) EmulatorReady() error {
	f.ready++
	return nil
}

func (f *fakeSignaler) RejoinRoom(roomID string) error {
	f.rejoins = append(f.rejoins, roomID)
	return nil
}

type fakeEmulator struct {
	inputs  map[int][]uint16
	loaded  []byte
	state   []byte
	noVideo bool
}

func (e *fakeEmulator) CaptureState() ([]byte, error) { return e.state, nil }

func (e *fakeEmulator) LoadState(data []byte) error {
	e.loaded = data
	return nil
}

func (e *fakeEmulator) SetInput(port int, buttons uint16) {
	if e.inputs == nil {
		e.inputs = make(map[int][]uint16)
	}
	e.inputs[port] = append(e.inputs[port], buttons)
}

func (e *fakeEmulator) VideoTrack() (webrtc.TrackLocal, error) {
	if e.noVideo {
		return nil, errors.New("no video")
	}
	return webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "psx")
}

// scriptedInput はPollのたびにフレーム番号をボタンにした入力を返す
type scriptedInput struct{ n uint16 }

func (s *scriptedInput) Poll() protocol.Input {
	s.n++
	return protocol.Input{Buttons: s.n}
}

type fixture struct {
	session *Session
	sig     *fakeSignaler
	emu     *fakeEmulator
	clock   *clock.Mock
}

func newFixture(t *testing.T, userID string) *fixture {
	t.Helper()
	f := &fixture{sig: newFakeSignaler(), emu: &fakeEmulator{}, clock: clock.NewMock()}
	f.session = NewSession(Config{UserID: userID, Clock: f.clock}, f.sig, f.emu, &scriptedInput{}, zap.NewNop())
	t.Cleanup(f.session.closePeers)
	return f
}

func playingRoom(hostID string, players ...string) *models.Room {
	room := &models.Room{ID: "room1", HostID: hostID, GameID: "ff7", MaxPlayers: 4, Status: models.RoomPlaying}
	for i, id := range players {
		room.Players = append(room.Players, &models.Player{UserID: id, ControllerPort: i})
	}
	return room
}

// start はgame-startingからgame-syncedのカウントダウン終了までを進める
func (f *fixture) start(room *models.Room) {
	f.session.handleSignal(signaling.Event{Type: "game-starting", Room: room})
	f.session.handleSignal(signaling.Event{Type: "game-synced"})
	f.clock.Add(ResumeCountdown)
}

func TestTickWithoutRoomIsNoop(t *testing.T) {
	f := newFixture(t, "u1")
	for i := 0; i < 5; i++ {
		f.session.tick()
	}
	if f.session.frame != 0 || len(f.emu.inputs) != 0 {
		t.Fatalf("frame = %d, inputs = %v", f.session.frame, f.emu.inputs)
	}
}

func TestWaitsForGameSynced(t *testing.T) {
	f := newFixture(t, "u1")
	f.session.handleSignal(signaling.Event{Type: "game-starting", Room: playingRoom("u1", "u1")})
	if f.sig.ready != 1 {
		t.Fatalf("emulator-ready sent %d times", f.sig.ready)
	}
	f.session.tick()
	if f.session.frame != 0 {
		t.Fatal("ticked before game-synced")
	}

	f.session.handleSignal(signaling.Event{Type: "game-synced"})
	f.session.tick()
	if f.session.frame != 0 {
		t.Fatal("ticked during countdown")
	}
	f.clock.Add(ResumeCountdown)
	f.session.tick()
	if f.session.frame != 1 {
		t.Fatalf("frame = %d after countdown", f.session.frame)
	}
}

func TestSinglePlayerAppliesDelayedInput(t *testing.T) {
	f := newFixture(t, "u1")
	f.start(playingRoom("u1", "u1"))

	for i := 0; i < 5; i++ {
		f.session.tick()
	}
	// 入力遅延2なら frame3 で frame1 の入力(ボタン値1)が適用される
	got := f.emu.inputs[0]
	want := []uint16{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("inputs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("inputs = %v, want %v", got, want)
		}
	}
	if len(f.session.links) != 0 {
		t.Fatalf("links = %d for single player", len(f.session.links))
	}
}

func TestHostOffersWithVideo(t *testing.T) {
	f := newFixture(t, "host")
	f.start(playingRoom("host", "host", "guest"))

	if _, ok := f.session.links["guest"]; !ok {
		t.Fatal("no peer for guest")
	}
	if len(f.sig.signals) != 1 {
		t.Fatalf("signals = %+v", f.sig.signals)
	}
	s := f.sig.signals[0]
	if s.target != "guest" || s.sdp.Type != webrtc.SDPTypeOffer {
		t.Fatalf("signal = %+v", s)
	}
	if !strings.Contains(s.sdp.SDP, "m=video") || !strings.Contains(s.sdp.SDP, "m=application") {
		t.Fatalf("offer missing sections:\n%s", s.sdp.SDP)
	}

	// 同じルーム状態をもう一度受けても再オファーしない
	f.session.handleSignal(signaling.Event{Type: "room-updated", Room: playingRoom("host", "host", "guest")})
	if len(f.sig.signals) != 1 {
		t.Fatalf("re-offered: %d signals", len(f.sig.signals))
	}
}

func TestGuestAnswersHostOffer(t *testing.T) {
	host, err := peer.New("guest", peer.Config{}, zap.NewNop())
	if err != nil {
		t.Fatalf("peer.New: %v", err)
	}
	defer host.Close()
	offer, err := host.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	raw, _ := json.Marshal(offer)

	f := newFixture(t, "guest")
	f.start(playingRoom("host", "host", "guest"))
	if len(f.session.links) != 0 {
		t.Fatal("guest should wait for the host offer")
	}

	f.session.handleSignal(signaling.Event{Type: "signal", FromID: "host", SDP: raw})
	if _, ok := f.session.links["host"]; !ok {
		t.Fatal("no peer for host")
	}
	if len(f.sig.signals) != 1 || f.sig.signals[0].sdp.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("signals = %+v", f.sig.signals)
	}
	if err := host.HandleAnswer(f.sig.signals[0].sdp); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
}

func TestRemoteInputReachesEmulator(t *testing.T) {
	f := newFixture(t, "host")
	f.emu.noVideo = true
	f.start(playingRoom("host", "host", "guest"))

	cross := protocol.Neutral.WithButton(protocol.ButtonCross)
	for frame := uint32(1); frame <= 3; frame++ {
		f.session.handlePeerEvent(peer.Event{Kind: peer.EventData, PeerID: "guest", Data: protocol.EncodeInput(frame, cross)})
	}
	for i := 0; i < 3; i++ {
		f.session.tick()
	}
	got := f.emu.inputs[1]
	if len(got) != 1 || got[0] != cross.Buttons {
		t.Fatalf("port 1 inputs = %v, want [%d]", got, cross.Buttons)
	}
	// 未知のピアからのデータは捨てる
	f.session.handlePeerEvent(peer.Event{Kind: peer.EventData, PeerID: "stranger", Data: protocol.EncodeInput(9, cross)})
	if f.session.engine.RemoteInput("stranger", 9) != protocol.Neutral {
		t.Fatal("input from unknown peer was recorded")
	}
}

func TestThrottlesWhenTooFarAhead(t *testing.T) {
	f := newFixture(t, "host")
	f.emu.noVideo = true
	f.start(playingRoom("host", "host", "guest"))
	f.session.handlePeerEvent(peer.Event{Kind: peer.EventData, PeerID: "guest", Data: protocol.EncodeInput(0, protocol.Neutral)})

	limit := uint32(f.session.engine.Delay() + MaxAdvantage + 1)
	for i := 0; i < 20; i++ {
		f.session.tick()
	}
	if f.session.frame != limit {
		t.Fatalf("frame = %d, want throttled at %d", f.session.frame, limit)
	}
	if f.session.throttled == 0 {
		t.Fatal("throttle counter not incremented")
	}

	f.session.handlePeerEvent(peer.Event{Kind: peer.EventData, PeerID: "guest", Data: protocol.EncodeInput(limit, protocol.Neutral)})
	f.session.tick()
	if f.session.frame != limit+1 {
		t.Fatalf("frame = %d after catching up", f.session.frame)
	}
}

func TestTemporaryDisconnectSavesState(t *testing.T) {
	f := newFixture(t, "host")
	f.emu.noVideo = true
	f.emu.state = []byte{1, 2, 3}
	f.start(playingRoom("host", "host", "guest"))

	f.session.handleSignal(signaling.Event{Type: "player-disconnected", UserID: "guest", Temporary: true})
	if _, ok := f.session.links["guest"]; ok {
		t.Fatal("peer kept after disconnect")
	}
	if len(f.sig.states) != 1 || f.sig.states[0] != base64.StdEncoding.EncodeToString([]byte{1, 2, 3}) {
		t.Fatalf("saved states = %v", f.sig.states)
	}
	f.session.tick()
	if f.session.frame != 0 {
		t.Fatal("ticked while paused")
	}

	f.session.handleSignal(signaling.Event{Type: "player-reconnected", UserID: "guest"})
	f.clock.Add(ResumeCountdown)
	f.session.tick()
	if f.session.frame != 1 {
		t.Fatalf("frame = %d after reconnect", f.session.frame)
	}
}

func TestReconnectStateLoadedByHost(t *testing.T) {
	f := newFixture(t, "host")
	f.start(playingRoom("host", "host"))
	f.session.handleSignal(signaling.Event{Type: "reconnect-state", StateData: base64.StdEncoding.EncodeToString([]byte("save"))})
	if string(f.emu.loaded) != "save" {
		t.Fatalf("loaded = %q", f.emu.loaded)
	}
}

func TestRoomLeavingPlayingStopsGame(t *testing.T) {
	f := newFixture(t, "host")
	f.emu.noVideo = true
	f.start(playingRoom("host", "host", "guest"))
	f.session.tick()

	closed := playingRoom("host", "host", "guest")
	closed.Status = models.RoomClosed
	f.session.handleSignal(signaling.Event{Type: "room-updated", Room: closed})
	if f.session.playing || len(f.session.links) != 0 || f.session.frame != 0 {
		t.Fatalf("playing=%v links=%d frame=%d", f.session.playing, len(f.session.links), f.session.frame)
	}
}

// hostOffer はホスト役のピアを作ってオファーをシグナリングのイベントにする
func hostOffer(t *testing.T) (*peer.Peer, signaling.Event) {
	t.Helper()
	host, err := peer.New("guest", peer.Config{}, zap.NewNop())
	if err != nil {
		t.Fatalf("peer.New: %v", err)
	}
	t.Cleanup(func() { host.Close() })
	offer, err := host.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	raw, _ := json.Marshal(offer)
	return host, signaling.Event{Type: "signal", FromID: "host", SDP: raw}
}

func TestGuestRecreatesLinkForFreshOffer(t *testing.T) {
	f := newFixture(t, "guest")
	f.start(playingRoom("host", "host", "guest"))

	host1, offer1 := hostOffer(t)
	f.session.handleSignal(offer1)
	first := f.session.links["host"]
	if first == nil || len(f.sig.signals) != 1 {
		t.Fatalf("links = %v, signals = %d", f.session.links, len(f.sig.signals))
	}
	if err := host1.HandleAnswer(f.sig.signals[0].sdp); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}

	// ホストが接続を作り直して新しいオファーを送ってきた
	host2, offer2 := hostOffer(t)
	f.session.handleSignal(offer2)
	second := f.session.links["host"]
	if second == nil || second == first {
		t.Fatal("fresh offer was applied to the previous link")
	}
	if len(f.sig.signals) != 2 || f.sig.signals[1].sdp.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("signals = %+v", f.sig.signals)
	}
	if err := host2.HandleAnswer(f.sig.signals[1].sdp); err != nil {
		t.Fatalf("HandleAnswer on the new host peer: %v", err)
	}
	select {
	case <-first.stop:
	default:
		t.Fatal("previous link was not stopped")
	}
}

func TestSignalingReconnectRejoinsAndRebuildsLinks(t *testing.T) {
	f := newFixture(t, "guest")
	f.start(playingRoom("host", "host", "guest"))
	_, offer1 := hostOffer(t)
	f.session.handleSignal(offer1)
	first := f.session.links["host"]
	f.session.tick()
	if f.session.frame != 1 {
		t.Fatalf("frame = %d before disconnect", f.session.frame)
	}

	f.session.handleSignal(signaling.Event{Type: signaling.EventClose})
	if len(f.session.links) != 0 {
		t.Fatalf("links kept after signaling loss: %d", len(f.session.links))
	}
	f.session.tick()
	if f.session.frame != 1 {
		t.Fatal("ticked while signaling was down")
	}

	f.session.handleSignal(signaling.Event{Type: signaling.EventOpen})
	if len(f.sig.rejoins) != 1 || f.sig.rejoins[0] != "room1" {
		t.Fatalf("rejoins = %v", f.sig.rejoins)
	}

	f.session.handleSignal(signaling.Event{Type: "player-reconnected", UserID: "guest"})
	_, offer2 := hostOffer(t)
	f.session.handleSignal(offer2)
	if l := f.session.links["host"]; l == nil || l == first {
		t.Fatal("no new link for the host after rejoin")
	}
	f.clock.Add(ResumeCountdown)
	f.session.tick()
	if f.session.frame != 2 {
		t.Fatalf("frame = %d after rejoin", f.session.frame)
	}
}

func TestSignalingOpenWhileIdleDoesNotRejoin(t *testing.T) {
	f := newFixture(t, "guest")
	f.session.handleSignal(signaling.Event{Type: signaling.EventOpen})
	if len(f.sig.rejoins) != 0 {
		t.Fatalf("rejoins = %v", f.sig.rejoins)
	}
}

func TestExpiredReservationResumesHost(t *testing.T) {
	f := newFixture(t, "host")
	f.emu.noVideo = true
	f.start(playingRoom("host", "host", "guest", "third"))

	f.session.handleSignal(signaling.Event{Type: "player-disconnected", UserID: "guest", Temporary: true})
	f.session.handleSignal(signaling.Event{Type: "player-disconnected", UserID: "third", Temporary: true})
	f.session.handleSignal(signaling.Event{Type: "game-synced"})
	f.session.handleSignal(signaling.Event{Type: "player-disconnected", UserID: "guest"})
	f.clock.Add(ResumeCountdown)
	f.session.tick()
	if f.session.frame != 0 {
		t.Fatal("resumed while a player is still reconnecting")
	}

	f.session.handleSignal(signaling.Event{Type: "player-disconnected", UserID: "third"})
	f.clock.Add(ResumeCountdown)
	f.session.tick()
	if f.session.frame != 1 {
		t.Fatalf("frame = %d after reservations expired", f.session.frame)
	}
}
