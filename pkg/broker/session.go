package broker

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/chatgate/pkg/token"
)

// トランスポート名。
const (
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
	TransportPolling   = "polling"
)

// 送信キューの上限の既定値。
const (
	DefaultMessageCacheSize = 1000
	DefaultMaxMessageBytes  = 512 * 1024
)

// SessionOptions はSessionの送信キューの上限。
type SessionOptions struct {
	// MaxMessages はキューに保持できるフレーム数の上限。
	MaxMessages int
	// MaxBytes はキューに保持できる合計バイト数の上限。
	MaxBytes int
}

// Session はブローカーに接続した1つのクライアントを表す。
//
// 送信キューは件数とバイト数の両方で有界であり、上限を超える追加はErrOverflowになる。
// 閉じられたSessionへの追加は常にErrSessionClosedになる。
type Session struct {
	id        string
	transport string
	opts      SessionOptions

	identity     atomic.Pointer[token.Identity]
	lastActivity atomic.Int64

	// mu は送信キューと状態を保護する。
	mu     sync.Mutex
	queue  [][]byte
	bytes  int
	closed bool
	reason string
	notify chan struct{}
	done   chan struct{}

	// subMu は購読表を保護する。
	subMu    sync.Mutex
	subs     map[string]*subscription
	detached bool
}

// NewSession は新しいSessionを生成する。
func NewSession(transport string, opts SessionOptions) *Session {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = DefaultMessageCacheSize
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxMessageBytes
	}
	s := &Session{
		id:        uuid.New().String(),
		transport: transport,
		opts:      opts,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		subs:      make(map[string]*subscription),
	}
	s.Touch()
	return s
}

// ID はセッションIDを返す。
func (s *Session) ID() string { return s.id }

// Transport はトランスポート名を返す。
func (s *Session) Transport() string { return s.transport }

// Identity は紐付けられたIdentityを返す。未認証の場合はnil。
func (s *Session) Identity() *token.Identity { return s.identity.Load() }

// SetIdentity はSessionにIdentityを紐付ける。
func (s *Session) SetIdentity(id *token.Identity) { s.identity.Store(id) }

// Touch は最終アクティビティ時刻を現在時刻に更新する。
func (s *Session) Touch() { s.touchAt(time.Now()) }

func (s *Session) touchAt(t time.Time) { s.lastActivity.Store(t.UnixNano()) }

// LastActivity は最終アクティビティ時刻を返す。
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Send はフレームを送信キューに追加する。
func (s *Session) Send(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("フレームのシリアライズに失敗: %w", err)
	}
	return s.enqueue(b)
}

// enqueue はシリアライズ済みのフレームを送信キューに追加する。ブロックしない。
func (s *Session) enqueue(b []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if len(b) > s.opts.MaxBytes {
		s.mu.Unlock()
		return ErrMessageTooLarge
	}
	if len(s.queue)+1 > s.opts.MaxMessages || s.bytes+len(b) > s.opts.MaxBytes {
		s.mu.Unlock()
		return ErrOverflow
	}
	s.queue = append(s.queue, b)
	s.bytes += len(b)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Drain は送信キューのフレームをすべて取り出す。キューが空の場合はnilを返す。
func (s *Session) Drain() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	out := s.queue
	s.queue = nil
	s.bytes = 0
	return out
}

// Pending は送信キューに残っているフレーム数を返す。
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Notify は送信キューにフレームが追加されたことを通知するチャネルを返す。
// 通知は合体されるため、受信後はDrainで残りをすべて取り出すこと。
func (s *Session) Notify() <-chan struct{} { return s.notify }

// Done はSessionが閉じられたときに閉じられるチャネルを返す。
func (s *Session) Done() <-chan struct{} { return s.done }

// Closed はSessionが閉じられているかどうかを返す。
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseReason は切断理由を返す。閉じられていない場合は空文字列。
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Close はSessionを閉じ、未送信のフレームを破棄する。
// 最初の呼び出しでのみtrueを返す。
func (s *Session) Close(reason string) bool {
	return s.close(reason, true)
}

// CloseAfterFlush はSessionを閉じるが、既にキューにあるフレームは残す。
// トランスポートはDone後にDrainで残りを送信してから接続を閉じる。
func (s *Session) CloseAfterFlush(reason string) bool {
	return s.close(reason, false)
}

func (s *Session) close(reason string, discard bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.reason = reason
	if discard {
		s.queue = nil
		s.bytes = 0
	}
	close(s.done)
	return true
}

// addSubscription は購読を登録する。
func (s *Session) addSubscription(sub *subscription) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.detached {
		return ErrSessionClosed
	}
	if _, ok := s.subs[sub.id]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateSubscription, sub.id)
	}
	s.subs[sub.id] = sub
	return nil
}

// removeSubscription は購読を取り除く。存在しない場合はnilを返す。
func (s *Session) removeSubscription(id string) *subscription {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil
	}
	delete(s.subs, id)
	return sub
}

// detach は以降の購読を拒否し、登録済みの購読をすべて取り出す。
// 2回目以降の呼び出しではfalseを返す。
func (s *Session) detach() ([]*subscription, bool) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.detached {
		return nil, false
	}
	s.detached = true
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[string]*subscription)
	return subs, true
}

// Subscriptions は購読IDと宛先の対応を返す。
func (s *Session) Subscriptions() map[string]string {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	out := make(map[string]string, len(s.subs))
	for id, sub := range s.subs {
		out[id] = sub.destination
	}
	return out
}
