package transport

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/chatgate/pkg/broker"
	"go.uber.org/zap"
)

// createSession はフォールバックセッションを作成する。
// クエリパラメータtransportに "sse" を指定するとSSE用のセッションとして記録する。
func (h *Handler) createSession(c *gin.Context) {
	transport := broker.TransportPolling
	if c.Query("transport") == broker.TransportSSE {
		transport = broker.TransportSSE
	}

	id, err := h.admit(c.Request, transport)
	if err != nil {
		h.abort(c, err)
		return
	}
	s, err := h.open(transport, id)
	if err != nil {
		h.logger.Error("セッションの登録に失敗しました", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "セッションの作成に失敗しました"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"session_id": s.ID(), "transport": transport})
}

// lookup はパスパラメータのセッションIDからSessionを取得する。存在しない場合は404を返す。
func (h *Handler) lookup(c *gin.Context) (*broker.Session, bool) {
	s, ok := h.registry.Session(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "セッションが見つかりません"})
		return nil, false
	}
	return s, true
}

// stream はServer-Sent Eventsでフレームを配信する。
// クライアントが切断してもSessionは残り、無通信が続いた場合にのみ切断される。
func (h *Handler) stream(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	s.Touch()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	ctx := c.Request.Context()

	c.Stream(func(io.Writer) bool {
		select {
		case <-s.Notify():
			for _, b := range s.Drain() {
				c.SSEvent("frame", string(b))
			}
			s.Touch()
			return true
		case <-ticker.C:
			c.SSEvent("heartbeat", "")
			s.Touch()
			return true
		case <-s.Done():
			for _, b := range s.Drain() {
				c.SSEvent("frame", string(b))
			}
			c.SSEvent("close", s.CloseReason())
			h.registry.Detach(s)
			return false
		case <-ctx.Done():
			return false
		}
	})
}

// poll はロングポーリングでフレームを返す。
// フレームがあればJSON配列で返し、待機時間内に届かなければ204を返す。
func (h *Handler) poll(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	s.Touch()

	timer := time.NewTimer(h.pollWait)
	defer timer.Stop()
	ctx := c.Request.Context()

	for {
		if frames := s.Drain(); len(frames) > 0 {
			s.Touch()
			c.Data(http.StatusOK, "application/json; charset=utf-8", joinFrames(frames))
			if s.Closed() {
				h.registry.Detach(s)
			}
			return
		}

		select {
		case <-s.Notify():
			// 通知は合体されるので、空振りした場合は待ち直す。
		case <-s.Done():
			if frames := s.Drain(); len(frames) > 0 {
				c.Data(http.StatusOK, "application/json; charset=utf-8", joinFrames(frames))
			} else {
				h.gone(c, s)
			}
			h.registry.Detach(s)
			return
		case <-timer.C:
			s.Touch()
			c.Status(http.StatusNoContent)
			return
		case <-ctx.Done():
			return
		}
	}
}

// send はクライアントから送られた1つまたは複数のフレームをDispatcherへ渡す。
func (h *Handler) send(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "フレームが大きすぎます"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディの読み込みに失敗しました"})
		return
	}
	frames, err := broker.DecodeFrames(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "フレームの形式が不正です"})
		return
	}

	if s.Closed() {
		h.gone(c, s)
		return
	}
	s.Touch()
	for _, f := range frames {
		if err := h.dispatcher.Dispatch(c.Request.Context(), s, f); err != nil {
			// DISCONNECTで閉じた場合は要求どおりなので成功とする。
			if errors.Is(err, broker.ErrSessionClosed) && f.Command != broker.CommandDisconnect {
				h.gone(c, s)
				return
			}
			break
		}
	}
	c.Status(http.StatusNoContent)
}

// gone は終了したセッションへの要求に410を返す。
func (h *Handler) gone(c *gin.Context, s *broker.Session) {
	c.JSON(http.StatusGone, gin.H{"error": "セッションは終了しました", "reason": s.CloseReason()})
}

// deleteSession はフォールバックセッションを終了する。
func (h *Handler) deleteSession(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	s.Close(broker.ReasonClientDisconnect)
	h.registry.Detach(s)
	c.Status(http.StatusNoContent)
}

// joinFrames はシリアライズ済みのフレームをJSON配列にまとめる。
func joinFrames(frames [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, b := range frames {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}
