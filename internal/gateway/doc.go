// Package gateway はチャットゲートウェイのHTTPサーバーを組み立てる。
//
// すべてのリクエストはRecovery、アクセスログ、CORS、認証ゲートの順に処理される。
// 認証を通過したリクエストは認証サービスまたはチャットサービスへプロキシされ、
// /ws 配下はConnection Upgrade Handlerを経由してインメモリブローカーに接続する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線として機能する。
package gateway
