// Package broker はWebSocketおよびフォールバックトランスポートで接続したクライアント間の
// メッセージ配信を行うインメモリブローカーを提供する。
//
// クライアントはSTOMP形式のコマンドを持つJSONフレームを送受信する。
// /topic/ で始まる宛先はブローカーが直接配信し、/app/ で始まる宛先は
// Dispatcherに登録されたアプリケーションハンドラーへ渡される。
//
// # 並行性
//
// Registryのトピック表はsync.RWMutexで保護し、各トピックは自身のsync.Mutexを持つ。
// ロック順序は常にRegistry→トピックの順とする。同一トピックへのPublishは
// トピックのロック下で直列化されるため、購読者は発行順にメッセージを受け取る。
//
// 配信は購読者のSessionが持つ有界キューへのノンブロッキングな追加であり、
// キューが溢れた場合はそのSessionだけを切断する。遅い購読者が他の購読者や
// 発行者を待たせることはない。
package broker
