package broker

import "errors"

var (
	// ErrSessionClosed はSessionが既に閉じられていることを表す。
	ErrSessionClosed = errors.New("broker: session closed")
	// ErrOverflow は送信キューが上限を超えたことを表す。
	ErrOverflow = errors.New("broker: outbox overflow")
	// ErrMessageTooLarge は1件のメッセージが空の送信キューにも収まらない大きさであることを表す。
	ErrMessageTooLarge = errors.New("broker: message too large")
	// ErrDuplicateSubscription は同じSessionで購読IDが重複していることを表す。
	ErrDuplicateSubscription = errors.New("broker: duplicate subscription id")
	// ErrInvalidDestination は宛先の形式が不正であるか、操作に対して許可されていないことを表す。
	ErrInvalidDestination = errors.New("broker: invalid destination")
	// ErrUnauthorized はIdentityが必要な操作を未認証のSessionが行ったことを表す。
	ErrUnauthorized = errors.New("broker: unauthorized")
	// ErrInvalidFrame はフレームを解釈できないことを表す。
	ErrInvalidFrame = errors.New("broker: invalid frame")
)

// 切断理由。クライアントへのクローズ通知とログに使用する。
const (
	ReasonSlowConsumer     = "slow consumer"
	ReasonIdle             = "idle timeout"
	ReasonUnauthorized     = "unauthorized"
	ReasonClientDisconnect = "client disconnect"
	ReasonTransportClosed  = "transport closed"
	ReasonShutdown         = "server shutdown"
)
