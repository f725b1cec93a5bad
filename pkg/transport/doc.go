// Package transport はブローカーへの接続を確立するConnection Upgrade Handlerを提供する。
//
// ネイティブのWebSocket（gorilla/websocket）に加え、WebSocketを利用できない
// クライアントのためにServer-Sent EventsとロングポーリングによるフォールバックをGinのルートとして提供する。
//
//	GET    {base}                     WebSocketアップグレード
//	POST   {base}/sessions            フォールバックセッションの作成
//	GET    {base}/sessions/:id/stream Server-Sent Eventsによる受信
//	GET    {base}/sessions/:id/poll   ロングポーリングによる受信
//	POST   {base}/sessions/:id/send   フレームの送信
//	DELETE {base}/sessions/:id        セッションの終了
//
// いずれの経路でも、ブラウザからのOriginはCORSポリシーで検証し、
// 任意で提示されたBearerトークンはアップグレード時に検証してSessionに紐付ける。
package transport
