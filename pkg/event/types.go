package event

import (
	"encoding/json"
	"time"
)

// Type はチャットイベントの種類を表す。
type Type string

const (
	// TypeMessageSent はルームにメッセージが投稿されたことを表す。
	TypeMessageSent Type = "MessageSent"
	// TypeMemberJoined はユーザーがルームの購読を開始したことを表す。
	TypeMemberJoined Type = "MemberJoined"
	// TypeMemberLeft はユーザーがルームの購読を終了したことを表す。
	TypeMemberLeft Type = "MemberLeft"
)

// ChatMessage はルームへ配信されるチャットメッセージのエンベロープ。
// ブローカーの宛先 /topic/rooms/{room} への配信と、Message Storeへの保存の両方に使用する。
type ChatMessage struct {
	// ID はメッセージの一意識別子（UUID）。
	ID string `json:"id"`
	// Type はイベントの種類。
	Type Type `json:"type"`
	// Room は投稿先のルーム名。
	Room string `json:"room"`
	// Sender は投稿したユーザーのID。検証済みIdentityのSubjectから設定する。
	Sender string `json:"sender"`
	// Payload はクライアントが送信した本文（JSON形式）。ゲートウェイは解釈しない。
	Payload json.RawMessage `json:"payload,omitempty"`
	// SentAt はゲートウェイがメッセージを受理した日時。
	SentAt time.Time `json:"sent_at"`
}

// TextPayload はテキストメッセージの本文。
type TextPayload struct {
	// Text はメッセージ本文。
	Text string `json:"text"`
}
