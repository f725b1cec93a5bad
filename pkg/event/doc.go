// Package event はチャットルームで交換されるイベントのエンベロープを定義する。
//
// ゲートウェイのチャットリレーがクライアントからのSENDフレームをChatMessageに包み、
// ブローカーの /topic/rooms/{room} へ配信する。同じエンベロープがMessage Storeにも送られる。
package event
