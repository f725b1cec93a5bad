package transport

import (
	"fmt"
	"net/http"
)

// UpgradeKind はアップグレード失敗の種類を表す。
type UpgradeKind int

const (
	// KindBadRequest はアップグレード要求の形式が不正であることを表す。
	KindBadRequest UpgradeKind = iota + 1
	// KindForbidden はOriginが許可されていないことを表す。
	KindForbidden
	// KindUnauthorized は提示されたトークンが無効であることを表す。
	KindUnauthorized
)

// String は種類の名前を返す。
func (k UpgradeKind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindForbidden:
		return "forbidden"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// UpgradeError は接続の確立に失敗したことを表す。
type UpgradeError struct {
	// Kind は失敗の種類。
	Kind UpgradeKind
	// Err は原因となったエラー。
	Err error
}

// Error はエラーメッセージを返す。
func (e *UpgradeError) Error() string {
	return fmt.Sprintf("transport: upgrade %s: %v", e.Kind, e.Err)
}

// Unwrap は原因となったエラーを返す。
func (e *UpgradeError) Unwrap() error { return e.Err }

// Status は種類に対応するHTTPステータスコードを返す。
func (e *UpgradeError) Status() int {
	switch e.Kind {
	case KindForbidden:
		return http.StatusForbidden
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}

// message はクライアントに返すエラーメッセージを返す。
func (e *UpgradeError) message() string {
	switch e.Kind {
	case KindForbidden:
		return "許可されていないオリジンです"
	case KindUnauthorized:
		return "認証に失敗しました"
	default:
		return "不正な接続要求です"
	}
}
