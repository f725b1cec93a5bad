package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/nao1215/chatgate/pkg/logging"
	"github.com/nao1215/chatgate/pkg/token"
	"go.uber.org/zap"
)

// Verifier はCONNECTで提示されたトークンを検証する。
type Verifier interface {
	Verify(raw string) (*token.Identity, error)
}

// AppHandler は /app/ 配下の宛先に送られたSENDフレームを処理する。
type AppHandler func(ctx context.Context, s *Session, f Frame) error

// DispatcherConfig はDispatcherの設定。
type DispatcherConfig struct {
	// Verifier はCONNECTのトークン検証器。nilの場合はトークン付きCONNECTを拒否する。
	Verifier Verifier
	// RequireIdentity はSUBSCRIBEとSENDにIdentityを必須とするかどうか。
	RequireIdentity bool
	// AppPrefixes はアプリケーションハンドラーへ渡す宛先の接頭辞。空の場合は "/app/"。
	AppPrefixes []string
	// Logger はロガー。
	Logger *zap.Logger
}

// Dispatcher はクライアントから受信したフレームを解釈し、Registryとアプリケーションハンドラーへ振り分ける。
type Dispatcher struct {
	registry        *Registry
	verifier        Verifier
	requireIdentity bool
	appPrefixes     []string
	routes          []appRoute
	logger          *zap.Logger
}

// appRoute は宛先パターンとハンドラーの組。登録順に評価する。
type appRoute struct {
	pattern string
	handler AppHandler
}

// NewDispatcher は新しいDispatcherを生成する。
func NewDispatcher(registry *Registry, cfg DispatcherConfig) *Dispatcher {
	prefixes := cfg.AppPrefixes
	if len(prefixes) == 0 {
		prefixes = []string{DefaultAppPrefix}
	}
	return &Dispatcher{
		registry:        registry,
		verifier:        cfg.Verifier,
		requireIdentity: cfg.RequireIdentity,
		appPrefixes:     prefixes,
		logger:          logging.OrNop(cfg.Logger),
	}
}

// Registry はDispatcherが使用するRegistryを返す。
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Handle は宛先パターンにアプリケーションハンドラーを登録する。
// パターンはアプリケーションの接頭辞の配下でなければならない。起動時にのみ呼び出すこと。
func (d *Dispatcher) Handle(pattern string, h AppHandler) error {
	if err := validDestination(pattern); err != nil {
		return err
	}
	if !hasPrefix(pattern, d.appPrefixes) {
		return fmt.Errorf("%w: アプリケーションの宛先ではありません: %q", ErrInvalidDestination, pattern)
	}
	d.routes = append(d.routes, appRoute{pattern: pattern, handler: h})
	return nil
}

// Dispatch は1つのフレームを処理する。
//
// 処理の失敗はERRORフレームとしてクライアントに返し、Dispatchはnilを返す。
// Sessionを閉じた場合とSessionが既に閉じている場合のみエラーを返す。
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, f Frame) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	s.Touch()

	var err error
	switch f.Command {
	case CommandConnect:
		return d.connect(s, f)
	case CommandDisconnect:
		if f.Receipt != "" {
			_ = s.Send(Frame{Command: CommandReceipt, Receipt: f.Receipt})
		}
		s.CloseAfterFlush(ReasonClientDisconnect)
		return ErrSessionClosed
	case CommandHeartbeat:
	case CommandSubscribe:
		if err = d.authorize(s); err == nil {
			err = d.registry.Subscribe(s, f.ID, f.Destination)
		}
	case CommandUnsubscribe:
		d.registry.Unsubscribe(s, f.ID)
	case CommandSend:
		if err = d.authorize(s); err == nil {
			err = d.send(ctx, s, f)
		}
	default:
		err = fmt.Errorf("%w: 不明なコマンドです: %q", ErrInvalidFrame, f.Command)
	}

	if err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return err
		}
		d.logger.Debug("フレームの処理に失敗しました",
			zap.String("session_id", s.ID()),
			zap.String("command", string(f.Command)),
			zap.Error(err),
		)
		return d.reply(s, errorFrame(errorMessage(err), f.Receipt))
	}
	if f.Receipt != "" {
		return d.reply(s, Frame{Command: CommandReceipt, Receipt: f.Receipt})
	}
	return nil
}

// connect はCONNECTフレームを処理する。トークンの検証に失敗した場合はSessionを閉じる。
func (d *Dispatcher) connect(s *Session, f Frame) error {
	if raw := strings.TrimSpace(f.Token); raw != "" {
		if d.verifier == nil {
			return d.refuse(s, f, token.ErrSignatureInvalid)
		}
		id, err := d.verifier.Verify(raw)
		if err != nil {
			return d.refuse(s, f, err)
		}
		s.SetIdentity(id)
	}
	if d.requireIdentity && s.Identity() == nil {
		return d.refuse(s, f, token.ErrMissing)
	}

	return d.reply(s, Frame{Command: CommandConnected, Session: s.ID(), Receipt: f.Receipt})
}

// refuse は認証失敗をERRORフレームで通知してSessionを閉じる。
func (d *Dispatcher) refuse(s *Session, f Frame, err error) error {
	d.logger.Info("CONNECTの認証に失敗しました",
		zap.String("session_id", s.ID()),
		zap.String("reason", token.Reason(err)),
	)
	_ = s.Send(errorFrame(ReasonUnauthorized, f.Receipt))
	s.CloseAfterFlush(ReasonUnauthorized)
	return ErrUnauthorized
}

// authorize はIdentityが必須の操作を行えるかどうかを判定する。
func (d *Dispatcher) authorize(s *Session) error {
	if d.requireIdentity && s.Identity() == nil {
		return ErrUnauthorized
	}
	return nil
}

// send はSENDフレームを宛先の名前空間に応じて振り分ける。
func (d *Dispatcher) send(ctx context.Context, s *Session, f Frame) error {
	if err := validDestination(f.Destination); err != nil {
		return err
	}
	switch {
	case d.registry.IsBrokerDestination(f.Destination):
		_, err := d.registry.Publish(f.Destination, f.Payload)
		return err
	case hasPrefix(f.Destination, d.appPrefixes):
		for _, r := range d.routes {
			if ok, _ := doublestar.Match(r.pattern, f.Destination); ok {
				return r.handler(ctx, s, f)
			}
		}
		return fmt.Errorf("%w: ハンドラーが登録されていません: %q", ErrInvalidDestination, f.Destination)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDestination, f.Destination)
	}
}

// reply はフレームを送信キューに追加する。キューが溢れた場合はSessionを切断する。
func (d *Dispatcher) reply(s *Session, f Frame) error {
	err := s.Send(f)
	if errors.Is(err, ErrOverflow) {
		s.Close(ReasonSlowConsumer)
		d.registry.Detach(s)
		return ErrSessionClosed
	}
	return err
}

// errorMessage はクライアントに返すエラーの説明を返す。内部の詳細は含めない。
func errorMessage(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return ReasonUnauthorized
	case errors.Is(err, ErrDuplicateSubscription):
		return "duplicate subscription"
	case errors.Is(err, ErrInvalidDestination):
		return "invalid destination"
	case errors.Is(err, ErrMessageTooLarge):
		return "message too large"
	case errors.Is(err, ErrInvalidFrame):
		return "invalid frame"
	default:
		return "internal error"
	}
}
