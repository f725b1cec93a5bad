package transport

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/nao1215/chatgate/pkg/broker"
	"go.uber.org/zap"
)

// ServeWebSocket はWebSocketへのアップグレードを行い、切断されるまでフレームを中継する。
func (h *Handler) ServeWebSocket(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		h.abort(c, &UpgradeError{Kind: KindBadRequest, Err: errors.New("WebSocketのハンドシェイクではありません")})
		return
	}
	id, err := h.admit(c.Request, broker.TransportWebSocket)
	if err != nil {
		h.abort(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgraderがエラーレスポンスを書き込み済み。
		h.logger.Info("WebSocketのアップグレードに失敗しました", zap.Error(err))
		return
	}
	defer conn.Close()

	s, err := h.open(broker.TransportWebSocket, id)
	if err != nil {
		h.logger.Error("セッションの登録に失敗しました", zap.Error(err))
		return
	}
	logger := h.logger.With(zap.String("session_id", s.ID()))
	logger.Debug("WebSocketセッションを開始しました")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(conn, s, logger)
	}()

	h.readLoop(c, conn, s, logger)

	s.CloseAfterFlush(broker.ReasonTransportClosed)
	<-writerDone
	h.registry.Detach(s)
	logger.Debug("WebSocketセッションを終了しました", zap.String("reason", s.CloseReason()))
}

// readLoop は接続からフレームを読み、Dispatcherへ渡す。
// 接続が切れるかDispatcherがSessionを閉じると戻る。
func (h *Handler) readLoop(c *gin.Context, conn *websocket.Conn, s *broker.Session, logger *zap.Logger) {
	conn.SetReadLimit(h.maxBytes)
	conn.SetPingHandler(func(data string) error {
		s.Touch()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(h.writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		s.Touch()
		return nil
	})

	ctx := c.Request.Context()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Info("WebSocketの読み込みに失敗しました", zap.Error(err))
			}
			return
		}
		s.Touch()

		f, err := broker.DecodeFrame(data)
		if err != nil {
			if sendErr := s.Send(broker.Frame{Command: broker.CommandError, Message: "invalid frame"}); sendErr != nil {
				return
			}
			continue
		}
		if err := h.dispatcher.Dispatch(ctx, s, f); err != nil {
			return
		}
	}
}

// writeLoop は送信キューのフレームを接続へ書き込む。
// Sessionが閉じられると残りのフレームを書き込み、クローズフレームを送って接続を閉じる。
func (h *Handler) writeLoop(conn *websocket.Conn, s *broker.Session, logger *zap.Logger) {
	defer conn.Close()

	for {
		select {
		case <-s.Notify():
			if err := h.writeFrames(conn, s.Drain()); err != nil {
				logger.Info("WebSocketへの書き込みに失敗しました", zap.Error(err))
				s.Close(broker.ReasonTransportClosed)
				return
			}
		case <-s.Done():
			if err := h.writeFrames(conn, s.Drain()); err != nil {
				return
			}
			msg := websocket.FormatCloseMessage(closeCode(s.CloseReason()), s.CloseReason())
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.writeWait))
			return
		}
	}
}

// writeFrames はフレームをテキストメッセージとして順に書き込む。
func (h *Handler) writeFrames(conn *websocket.Conn, frames [][]byte) error {
	for _, b := range frames {
		if err := conn.SetWriteDeadline(time.Now().Add(h.writeWait)); err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return err
		}
	}
	return nil
}

// closeCode は切断理由に対応するWebSocketのクローズコードを返す。
func closeCode(reason string) int {
	switch reason {
	case broker.ReasonClientDisconnect, broker.ReasonTransportClosed:
		return websocket.CloseNormalClosure
	case broker.ReasonIdle, broker.ReasonShutdown:
		return websocket.CloseGoingAway
	case broker.ReasonUnauthorized, broker.ReasonSlowConsumer:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseInternalServerErr
	}
}
