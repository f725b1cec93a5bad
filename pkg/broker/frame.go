package broker

import (
	"encoding/json"
	"fmt"
	"time"
)

// Command はフレームの種類を表す。
type Command string

const (
	// CommandConnect はクライアントがIdentityを提示してセッションを開始することを表す。
	CommandConnect Command = "CONNECT"
	// CommandConnected はCONNECTへの応答。
	CommandConnected Command = "CONNECTED"
	// CommandSubscribe は宛先の購読を開始することを表す。
	CommandSubscribe Command = "SUBSCRIBE"
	// CommandUnsubscribe は購読を終了することを表す。
	CommandUnsubscribe Command = "UNSUBSCRIBE"
	// CommandSend は宛先へメッセージを送信することを表す。
	CommandSend Command = "SEND"
	// CommandMessage は購読者へ配信されるメッセージ。
	CommandMessage Command = "MESSAGE"
	// CommandReceipt はreceipt付きフレームの処理完了通知。
	CommandReceipt Command = "RECEIPT"
	// CommandError はフレーム処理の失敗通知。
	CommandError Command = "ERROR"
	// CommandDisconnect はクライアントが切断を要求することを表す。
	CommandDisconnect Command = "DISCONNECT"
	// CommandHeartbeat は生存通知。アクティビティの更新のみを行う。
	CommandHeartbeat Command = "HEARTBEAT"
)

// Frame はトランスポート上でやり取りされるJSONフレーム。
type Frame struct {
	// Command はフレームの種類。
	Command Command `json:"command"`
	// ID はSUBSCRIBE/UNSUBSCRIBEの購読ID。
	ID string `json:"id,omitempty"`
	// Destination は宛先。
	Destination string `json:"destination,omitempty"`
	// Subscription はMESSAGEがどの購読に対する配信かを表す購読ID。
	Subscription string `json:"subscription,omitempty"`
	// Token はCONNECTで提示するBearerトークン。
	Token string `json:"token,omitempty"`
	// Receipt は処理完了通知を要求するためのID。
	Receipt string `json:"receipt,omitempty"`
	// Session はCONNECTEDで返すセッションID。
	Session string `json:"session,omitempty"`
	// Seq はMESSAGEの配信順序番号。同一宛先内で単調増加する。
	Seq uint64 `json:"seq,omitempty"`
	// Payload はメッセージ本文。ブローカーは解釈しない。
	Payload json.RawMessage `json:"payload,omitempty"`
	// Message はERRORの説明。
	Message string `json:"message,omitempty"`
}

// Message はPublishで発行されたメッセージ。
type Message struct {
	// Destination は発行先の宛先。
	Destination string `json:"destination"`
	// Payload はメッセージ本文。
	Payload json.RawMessage `json:"payload"`
	// Seq はRegistry全体で単調増加する順序番号。
	Seq uint64 `json:"seq"`
	// PublishedAt は発行日時。
	PublishedAt time.Time `json:"published_at"`
}

// DecodeFrame はJSONをフレームにデコードする。
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if f.Command == "" {
		return Frame{}, fmt.Errorf("%w: commandがありません", ErrInvalidFrame)
	}
	return f, nil
}

// DecodeFrames は単一のフレームまたはフレームの配列をデコードする。
func DecodeFrames(data []byte) ([]Frame, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		f, ferr := DecodeFrame(data)
		if ferr != nil {
			return nil, ferr
		}
		return []Frame{f}, nil
	}
	frames := make([]Frame, 0, len(raws))
	for _, raw := range raws {
		f, err := DecodeFrame(raw)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// errorFrame はERRORフレームを生成する。
func errorFrame(message, receipt string) Frame {
	return Frame{Command: CommandError, Message: message, Receipt: receipt}
}
