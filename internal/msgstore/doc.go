// Package msgstore はチャットメッセージを保存する参照用のMessage Storeを提供する。
//
// ゲートウェイのチャットリレーが配信したメッセージをPOST /api/v1/messagesで受け取り、
// 追記のみでSQLiteに保存する。保存したメッセージはルーム単位で送信日時順に取得できる。
//
// 主な機能:
//   - メッセージの追記（同じIDの再送は重複として扱う）
//   - ルームごとのメッセージ取得（クエリパラメータ: room, since, limit）
package msgstore
