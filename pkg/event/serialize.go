package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyRoom はルーム名が空であることを表す。
var ErrEmptyRoom = errors.New("event: ルーム名が空です")

// New は新しいチャットイベントを生成する。
// payloadには任意の値を渡す。json.RawMessageの場合はそのまま格納し、それ以外はJSON形式にシリアライズする。
func New(eventType Type, room, sender string, payload any) (*ChatMessage, error) {
	if room == "" {
		return nil, ErrEmptyRoom
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		if len(p) > 0 && !json.Valid(p) {
			return nil, errors.New("event: ペイロードが不正なJSONです")
		}
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
		}
		raw = b
	}

	return &ChatMessage{
		ID:      uuid.New().String(),
		Type:    eventType,
		Room:    room,
		Sender:  sender,
		Payload: raw,
		SentAt:  time.Now().UTC(),
	}, nil
}

// DecodeData はメッセージのPayloadを指定された型にデシリアライズする。
func DecodeData[T any](m *ChatMessage) (*T, error) {
	var data T
	if err := json.Unmarshal(m.Payload, &data); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}
