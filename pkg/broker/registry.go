package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nao1215/chatgate/pkg/logging"
	"github.com/nao1215/chatgate/pkg/metrics"
	"go.uber.org/zap"
)

// DefaultDisconnectDelay は無通信のSessionを切断するまでの既定の時間。
const DefaultDisconnectDelay = 30 * time.Second

// 無通信検出の間隔の範囲。
const (
	minReapInterval = 10 * time.Millisecond
	maxReapInterval = 5 * time.Second
)

// maxSubscriptionIDLen は購読IDの最大長。MESSAGEフレームの大きさの見積もりに使用する。
const maxSubscriptionIDLen = 256

// Config はRegistryの設定。
type Config struct {
	// BrokerPrefixes はブローカーが直接扱う宛先の接頭辞。空の場合は "/topic/"。
	BrokerPrefixes []string
	// DisconnectDelay は無通信のSessionを切断するまでの時間。0以下の場合は切断しない。
	DisconnectDelay time.Duration
	// MaxMessageBytes は発行できるMESSAGEフレームの最大バイト数。0以下の場合は DefaultMaxMessageBytes。
	// Sessionの送信キューのバイト上限以下にすること。
	MaxMessageBytes int
	// Logger はロガー。nilの場合は出力しない。
	Logger *zap.Logger
	// Metrics はメトリクス。nilの場合は記録しない。
	Metrics *metrics.Metrics
}

// Registry は宛先ごとの購読者を管理し、メッセージを配信する。
type Registry struct {
	prefixes        []string
	disconnectDelay time.Duration
	maxMessageBytes int
	logger          *zap.Logger
	metrics         *metrics.Metrics
	now             func() time.Time

	// mu はtopicsとsessionsを保護する。トピックのロックより先に取得する。
	mu       sync.RWMutex
	topics   map[string]*topic
	sessions map[string]*Session

	// patterns はパターン購読のコピーオンライト配列。更新はpatternMuの下で行う。
	patterns  atomic.Pointer[[]*subscription]
	patternMu sync.Mutex

	seq atomic.Uint64
}

// topic は1つの宛先。muが配信順序を決める。
type topic struct {
	name   string
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// subscription はSessionによる1つの購読。
type subscription struct {
	id          string
	destination string
	pattern     bool
	session     *Session
	active      atomic.Bool
}

// NewRegistry は新しいRegistryを生成する。
func NewRegistry(cfg Config) *Registry {
	prefixes := cfg.BrokerPrefixes
	if len(prefixes) == 0 {
		prefixes = []string{DefaultBrokerPrefix}
	}
	maxMessageBytes := cfg.MaxMessageBytes
	if maxMessageBytes <= 0 {
		maxMessageBytes = DefaultMaxMessageBytes
	}
	r := &Registry{
		prefixes:        prefixes,
		disconnectDelay: cfg.DisconnectDelay,
		maxMessageBytes: maxMessageBytes,
		logger:          logging.OrNop(cfg.Logger),
		metrics:         cfg.Metrics,
		now:             time.Now,
		topics:          make(map[string]*topic),
		sessions:        make(map[string]*Session),
	}
	r.patterns.Store(&[]*subscription{})
	return r
}

// IsBrokerDestination は宛先がブローカーの名前空間にあるかどうかを返す。
func (r *Registry) IsBrokerDestination(destination string) bool {
	return hasPrefix(destination, r.prefixes)
}

// Attach はSessionをRegistryに登録する。
func (r *Registry) Attach(s *Session) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	r.mu.Lock()
	if _, ok := r.sessions[s.ID()]; ok {
		r.mu.Unlock()
		return nil
	}
	r.sessions[s.ID()] = s
	r.mu.Unlock()

	r.metrics.SessionOpened(s.Transport())
	r.logger.Debug("セッションを登録しました",
		zap.String("session_id", s.ID()),
		zap.String("transport", s.Transport()),
	)
	return nil
}

// Detach はSessionのすべての購読を解除してRegistryから取り除き、Sessionを閉じる。
// 何度呼び出しても安全である。
func (r *Registry) Detach(s *Session) {
	s.Close(ReasonTransportClosed)

	subs, first := s.detach()
	for _, sub := range subs {
		sub.active.Store(false)
		r.removeSubscription(sub)
	}

	r.mu.Lock()
	_, attached := r.sessions[s.ID()]
	delete(r.sessions, s.ID())
	r.mu.Unlock()

	if first && attached {
		r.metrics.SessionClosed(s.Transport())
		r.logger.Debug("セッションを解除しました",
			zap.String("session_id", s.ID()),
			zap.String("reason", s.CloseReason()),
		)
	}
}

// Session はIDで登録済みのSessionを検索する。
func (r *Registry) Session(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// SessionCount は登録済みのSession数を返す。
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// TopicCount は購読者を持つトピック数を返す。
func (r *Registry) TopicCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

// Subscribe はSessionに宛先の購読を追加する。
// 宛先には完全一致の宛先か、"/topic/rooms/*" のようなパターンを指定できる。
func (r *Registry) Subscribe(s *Session, subID, destination string) error {
	if subID == "" {
		return fmt.Errorf("%w: 購読IDが空です", ErrInvalidFrame)
	}
	if len(subID) > maxSubscriptionIDLen {
		return fmt.Errorf("%w: 購読IDが長すぎます", ErrInvalidFrame)
	}
	if err := validDestination(destination); err != nil {
		return err
	}
	if !r.IsBrokerDestination(destination) {
		return fmt.Errorf("%w: 購読できない宛先です: %q", ErrInvalidDestination, destination)
	}
	if s.Closed() {
		return ErrSessionClosed
	}

	sub := &subscription{
		id:          subID,
		destination: destination,
		pattern:     IsPattern(destination),
		session:     s,
	}
	sub.active.Store(true)
	if err := s.addSubscription(sub); err != nil {
		return err
	}

	// Detachと競合した場合、購読は既に無効化されているので登録しない。
	if sub.pattern {
		r.patternMu.Lock()
		if sub.active.Load() {
			next := append(slices.Clone(*r.patterns.Load()), sub)
			r.patterns.Store(&next)
		}
		r.patternMu.Unlock()
		return nil
	}

	r.mu.Lock()
	t, ok := r.topics[destination]
	if !ok {
		t = &topic{name: destination, subs: make(map[*subscription]struct{})}
		r.topics[destination] = t
		r.metrics.TopicsChanged(1)
	}
	t.mu.Lock()
	if sub.active.Load() {
		t.subs[sub] = struct{}{}
	}
	r.retireLocked(t)
	t.mu.Unlock()
	r.mu.Unlock()
	return nil
}

// Unsubscribe は購読を解除する。存在しない購読IDの場合は何もしない。
func (r *Registry) Unsubscribe(s *Session, subID string) {
	sub := s.removeSubscription(subID)
	if sub == nil {
		return
	}
	sub.active.Store(false)
	r.removeSubscription(sub)
}

// removeSubscription は購読をトピックまたはパターン表から取り除き、
// 完全一致の購読者がいなくなったトピックを破棄する。
func (r *Registry) removeSubscription(sub *subscription) {
	if sub.pattern {
		r.patternMu.Lock()
		next := slices.DeleteFunc(slices.Clone(*r.patterns.Load()), func(p *subscription) bool {
			return p == sub
		})
		r.patterns.Store(&next)
		r.patternMu.Unlock()
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topics[sub.destination]
	if !ok {
		return
	}
	t.mu.Lock()
	delete(t.subs, sub)
	r.retireLocked(t)
	t.mu.Unlock()
}

// retireLocked は購読者のいないトピックを破棄する。r.muとt.muを保持して呼び出すこと。
func (r *Registry) retireLocked(t *topic) {
	if t.closed || len(t.subs) > 0 || r.topics[t.name] != t {
		return
	}
	t.closed = true
	delete(r.topics, t.name)
	r.metrics.TopicsChanged(-1)
}

// Publish は宛先の購読者へメッセージを配信する。
//
// 同一宛先への発行はトピックのロック下で直列化され、Seqはその順に割り当てられる。
// 送信キューが溢れた購読者のSessionは切断されるが、発行自体は失敗しない。
// MESSAGEフレームが MaxMessageBytes を超える場合は誰にも配信せず ErrMessageTooLarge を返す。
func (r *Registry) Publish(destination string, payload json.RawMessage) (Message, error) {
	if err := validDestination(destination); err != nil {
		return Message{}, err
	}
	if IsPattern(destination) || !r.IsBrokerDestination(destination) {
		return Message{}, fmt.Errorf("%w: 発行できない宛先です: %q", ErrInvalidDestination, destination)
	}
	if err := r.checkMessageSize(destination, payload); err != nil {
		return Message{}, err
	}

	for {
		t := r.lookupOrCreate(destination)

		t.mu.Lock()
		if t.closed {
			// 破棄と競合したので作り直す。
			t.mu.Unlock()
			continue
		}
		msg := Message{
			Destination: destination,
			Payload:     payload,
			Seq:         r.seq.Add(1),
			PublishedAt: r.now(),
		}
		delivered, overflowed := r.deliverLocked(t, msg)
		empty := len(t.subs) == 0
		t.mu.Unlock()

		if empty {
			r.mu.Lock()
			t.mu.Lock()
			r.retireLocked(t)
			t.mu.Unlock()
			r.mu.Unlock()
		}

		r.metrics.Published()
		r.metrics.Delivered(delivered)
		for _, s := range overflowed {
			r.metrics.SlowConsumerDisconnect()
			r.logger.Warn("送信キューが溢れたためセッションを切断しました",
				zap.String("session_id", s.ID()),
				zap.String("destination", destination),
			)
			r.Detach(s)
		}
		return msg, nil
	}
}

// checkMessageSize は最も長い購読IDで配信した場合のMESSAGEフレームの大きさを検査する。
func (r *Registry) checkMessageSize(destination string, payload json.RawMessage) error {
	b, err := json.Marshal(Frame{
		Command:      CommandMessage,
		Destination:  destination,
		Subscription: strings.Repeat("x", maxSubscriptionIDLen),
		Seq:          math.MaxUint64,
		Payload:      payload,
	})
	if err != nil {
		return fmt.Errorf("%w: ペイロードをシリアライズできません: %v", ErrInvalidFrame, err)
	}
	if len(b) > r.maxMessageBytes {
		return fmt.Errorf("%w: %d bytes (上限 %d bytes)", ErrMessageTooLarge, len(b), r.maxMessageBytes)
	}
	return nil
}

// lookupOrCreate は宛先のトピックを返す。存在しない場合は作成する。
func (r *Registry) lookupOrCreate(destination string) *topic {
	r.mu.RLock()
	t, ok := r.topics[destination]
	r.mu.RUnlock()
	if ok {
		return t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok = r.topics[destination]; ok {
		return t
	}
	t = &topic{name: destination, subs: make(map[*subscription]struct{})}
	r.topics[destination] = t
	r.metrics.TopicsChanged(1)
	return t
}

// deliverLocked はトピックの購読者と一致するパターン購読者へメッセージを追加する。
// t.muを保持して呼び出すこと。送信キューが溢れたSessionは閉じて返す。
func (r *Registry) deliverLocked(t *topic, msg Message) (int, []*Session) {
	var (
		delivered  int
		overflowed []*Session
	)
	deliver := func(sub *subscription) {
		if !sub.active.Load() {
			return
		}
		b, err := json.Marshal(Frame{
			Command:      CommandMessage,
			Destination:  msg.Destination,
			Subscription: sub.id,
			Seq:          msg.Seq,
			Payload:      msg.Payload,
		})
		if err != nil {
			r.logger.Error("MESSAGEフレームのシリアライズに失敗しました", zap.Error(err))
			return
		}
		switch err := sub.session.enqueue(b); err {
		case nil:
			delivered++
		case ErrOverflow:
			if sub.session.Close(ReasonSlowConsumer) {
				overflowed = append(overflowed, sub.session)
			}
		case ErrMessageTooLarge:
			// 送信キューの上限が発行の上限より小さいSessionには届けずに接続を維持する。
			r.logger.Warn("送信キューに収まらないメッセージを破棄しました",
				zap.String("session_id", sub.session.ID()),
				zap.String("destination", msg.Destination),
				zap.Int("bytes", len(b)),
			)
		}
	}

	for sub := range t.subs {
		deliver(sub)
	}
	for _, sub := range *r.patterns.Load() {
		if matchDestination(sub.destination, msg.Destination) {
			deliver(sub)
		}
	}
	return delivered, overflowed
}

// Run は無通信のSessionを定期的に切断する。ctxがキャンセルされるまでブロックする。
func (r *Registry) Run(ctx context.Context) {
	if r.disconnectDelay <= 0 {
		<-ctx.Done()
		return
	}

	interval := min(max(r.disconnectDelay/4, minReapInterval), maxReapInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap(r.now())
		}
	}
}

// reap はnowの時点で無通信期間が切断遅延を超えたSessionを切断する。
func (r *Registry) reap(now time.Time) int {
	r.mu.RLock()
	var idle []*Session
	for _, s := range r.sessions {
		if now.Sub(s.LastActivity()) > r.disconnectDelay {
			idle = append(idle, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range idle {
		if s.Close(ReasonIdle) {
			r.metrics.IdleDisconnect()
			r.logger.Info("無通信のためセッションを切断しました",
				zap.String("session_id", s.ID()),
				zap.String("transport", s.Transport()),
			)
		}
		r.Detach(s)
	}
	return len(idle)
}

// CloseAll はすべてのSessionを閉じる。シャットダウン時に使用する。
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.CloseAfterFlush(reason)
		r.Detach(s)
	}
}
