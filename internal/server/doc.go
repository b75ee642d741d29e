// Package server は、カメラコントローラーを操作するHTTPサーバーを提供します。
//
// 責務:
//   - カメラ状態の参照とプレビューの切り替え
//   - 描画先（サーフェス）の作成、サイズ変更、回転、破棄
//   - 動作中の全カメラでの撮影要求
//   - 描画先のフレームのMJPEG配信
//   - 非同期の通知と保存結果の記録
//
// エラーはカメラのエラー分類に応じたHTTPステータスとJSONで返します。
package server
