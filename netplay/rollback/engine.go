package rollback

import "psxnetplay/netplay/protocol"

const (
	DefaultInputDelay = 2
	MaxInputDelay     = 10
)

// Engine はローカルとピアごとの入力履歴を管理する遅延ベースの同期エンジン。
// ゲームループのゴルーチンからのみ呼ばれる前提で、ロックは持たない
type Engine struct {
	local       *InputBuffer
	remote      map[string]*InputBuffer
	localFrame  uint32
	remoteFrame uint32
	inputDelay  int
}

func NewEngine() *Engine {
	return &Engine{
		local:      NewInputBuffer(DefaultBufferSize),
		remote:     make(map[string]*InputBuffer),
		inputDelay: DefaultInputDelay,
	}
}

func (e *Engine) AddLocalInput(frame uint32, in protocol.Input) {
	e.local.Set(frame, in)
	if frame > e.localFrame {
		e.localFrame = frame
	}
}

// AddRemoteInput はピアの入力を記録し、全ピアの最新フレームの最小値を更新する
func (e *Engine) AddRemoteInput(peerID string, frame uint32, in protocol.Input) {
	buf, ok := e.remote[peerID]
	if !ok {
		buf = NewInputBuffer(DefaultBufferSize)
		e.remote[peerID] = buf
	}
	buf.Set(frame, in)
	e.recomputeRemoteFrame()
}

// RemovePeer は退出したピアの履歴を捨てる
func (e *Engine) RemovePeer(peerID string) {
	delete(e.remote, peerID)
	e.recomputeRemoteFrame()
}

func (e *Engine) recomputeRemoteFrame() {
	first := true
	var lowest uint32
	for _, buf := range e.remote {
		latest, _ := buf.Latest()
		if first || latest < lowest {
			lowest = latest
			first = false
		}
	}
	if !first {
		e.remoteFrame = lowest
	}
}

// LocalInput は記録済みのローカル入力。なければニュートラル
func (e *Engine) LocalInput(frame uint32) protocol.Input {
	if in := e.local.Get(frame); in != nil {
		return *in
	}
	return protocol.Neutral
}

// RemoteInput はピアの入力を返す。未着なら最後に分かっている入力で予測し、
// それもなければニュートラル
func (e *Engine) RemoteInput(peerID string, frame uint32) protocol.Input {
	buf, ok := e.remote[peerID]
	if !ok {
		return protocol.Neutral
	}
	if in := buf.Get(frame); in != nil {
		return *in
	}
	if latest, ok := buf.Latest(); ok {
		if in := buf.Get(latest); in != nil {
			return *in
		}
	}
	return protocol.Neutral
}

func (e *Engine) LocalFrame() uint32  { return e.localFrame }
func (e *Engine) RemoteFrame() uint32 { return e.remoteFrame }

// FrameAdvantage はローカルが最も遅いピアより何フレーム先行しているか。
// ピアがいなければ0
func (e *Engine) FrameAdvantage() int64 {
	if len(e.remote) == 0 {
		return 0
	}
	return int64(e.localFrame) - int64(e.remoteFrame)
}

// ShouldRollback は遅延で吸収しきれないほどリモートが遅れているか
func (e *Engine) ShouldRollback() bool {
	return e.FrameAdvantage() > int64(e.inputDelay)
}

func (e *Engine) Delay() int { return e.inputDelay }

// SetDelay は入力遅延を0..10に丸めて設定する
func (e *Engine) SetDelay(d int) {
	if d < 0 {
		d = 0
	}
	if d > MaxInputDelay {
		d = MaxInputDelay
	}
	e.inputDelay = d
}

// Reset は全履歴とフレームカウンタを初期化する。遅延設定は保持する
func (e *Engine) Reset() {
	e.local = NewInputBuffer(DefaultBufferSize)
	e.remote = make(map[string]*InputBuffer)
	e.localFrame = 0
	e.remoteFrame = 0
}
