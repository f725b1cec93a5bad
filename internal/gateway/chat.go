package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nao1215/chatgate/internal/config"
	"github.com/nao1215/chatgate/pkg/broker"
	"github.com/nao1215/chatgate/pkg/event"
	"github.com/nao1215/chatgate/pkg/httpclient"
	"go.uber.org/zap"
)

const (
	// roomAppPrefix はチャットルームへの送信を受け付けるアプリケーション宛先の接頭辞。
	roomAppPrefix = broker.DefaultAppPrefix + "rooms/"
	// roomPattern はチャットリレーを登録する宛先パターン。
	roomPattern = roomAppPrefix + "*"
	// roomTopicPrefix はチャットルームの配信先トピックの接頭辞。
	roomTopicPrefix = broker.DefaultBrokerPrefix + "rooms/"
	// messageStorePath はメッセージ保存APIのパス。
	messageStorePath = "/api/v1/messages"
	// anonymousSender は認証なしで送信された場合の送信者。
	anonymousSender = "anonymous"
)

// chatRelay は /app/rooms/{room} へのSENDをチャットメッセージに変換して
// /topic/rooms/{room} に発行する。
type chatRelay struct {
	registry *broker.Registry
	store    *httpclient.Client
	logger   *zap.Logger
}

// newChatRelay はchatRelayを生成する。MessageStoreが空の場合は保存しない。
func newChatRelay(registry *broker.Registry, svc config.Services, logger *zap.Logger) *chatRelay {
	r := &chatRelay{registry: registry, logger: logger}
	if svc.MessageStore != "" {
		timeout := svc.MessageStoreTimeout
		if timeout <= 0 {
			timeout = httpclient.DefaultTimeout
		}
		r.store = httpclient.New(svc.MessageStore, httpclient.WithTimeout(timeout))
	}
	return r
}

// handleSend はbroker.AppHandlerとして登録される。
func (r *chatRelay) handleSend(ctx context.Context, s *broker.Session, f broker.Frame) error {
	room := strings.TrimPrefix(f.Destination, roomAppPrefix)
	if room == "" || strings.Contains(room, "/") {
		return fmt.Errorf("%w: %q", broker.ErrInvalidDestination, f.Destination)
	}

	sender := anonymousSender
	if id := s.Identity(); id != nil {
		sender = id.Subject
	}

	msg, err := event.New(event.TypeMessageSent, room, sender, f.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", broker.ErrInvalidFrame, err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("チャットメッセージのシリアライズに失敗: %w", err)
	}
	if _, err := r.registry.Publish(roomTopicPrefix+room, payload); err != nil {
		return fmt.Errorf("チャットメッセージの発行に失敗: %w", err)
	}

	if r.store != nil {
		go r.persist(context.WithoutCancel(ctx), msg)
	}
	return nil
}

// persist はメッセージを保存サービスに送る。失敗は配信に影響しないためログのみ残す。
func (r *chatRelay) persist(ctx context.Context, msg *event.ChatMessage) {
	start := time.Now()
	err := r.store.PostJSON(httpclient.WithUserID(ctx, msg.Sender), messageStorePath, msg, nil)
	if err != nil {
		r.logger.Warn("メッセージの保存に失敗しました",
			zap.String("message_id", msg.ID),
			zap.String("room", msg.Room),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	r.logger.Debug("メッセージを保存しました", zap.String("message_id", msg.ID), zap.String("room", msg.Room))
}
