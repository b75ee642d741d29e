// Package camera 2台のカメラデバイスのライフサイクルを管理する
//
// # 責務
// - デバイスごとの状態遷移（open → session → preview → freeze/resume → close）
// - open/close の排他制御（OpenGate）と待ち時間の上限
// - プレビュー解像度の選択と表示用変換行列の計算
// - 2台同時撮影と保存処理のバックグラウンド実行
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - 2台のカメラを独立に開始・停止したい
// - プレビューを止めてもデバイスは開いたままにしたい
// - 動作中のカメラだけをまとめて撮影したい
//
// # 仕様
//   - Controller: 2台分のDeviceHandleとOpenGateを所有し、公開操作を提供する
//   - DeviceHandle: 1台のデバイスとそのキャプチャセッションを所有する状態機械
//   - OpenGate: デバイスごとの二値セマフォ。open開始とclose完了を直列化する
//   - Executor: 単一ゴルーチンのFIFOワーカー。セッション構築と保存処理を担う
//   - CaptureCoordinator: 動作中デバイスのフレームを保存キューに積む
//   - ハードウェアからの通知はDeviceEventとして制御用Executorに積まれ、
//     Controllerだけが状態を遷移させる
//
// # 前提要件
//   - v4l2 バックエンドを使う場合は v4l-utils と ffmpeg が必要
//     Ubuntu/Debian: sudo apt install v4l-utils ffmpeg
package camera
