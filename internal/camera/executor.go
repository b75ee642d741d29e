package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task はExecutorに積む処理
type Task struct {
	Name string

	// Run はワーカー上で実行される
	Run func()

	// Discard は実行されずに破棄された場合に呼ばれる（nil可）
	Discard func()
}

// Executor は単一ゴルーチンで処理を投入順に実行する
//
// Post は呼び出し側をブロックしない。キューに上限はない。
type Executor struct {
	name   string
	logger *zap.Logger

	mu       sync.Mutex
	queue    []Task
	quitting bool
	abandon  bool

	wakeCh chan struct{}
	doneCh chan struct{}
}

// NewExecutor は新しいExecutorを作成してワーカーを開始する
func NewExecutor(name string, logger *zap.Logger) *Executor {
	e := &Executor{
		name:   name,
		logger: logger.With(zap.String("executor", name)),
		wakeCh: make(chan struct{}, 1),
		doneCh: make(chan struct{}),
	}
	go e.loop()
	return e
}

// Post は処理をキューの末尾に積む
func (e *Executor) Post(task Task) error {
	e.mu.Lock()
	if e.quitting {
		e.mu.Unlock()
		return fmt.Errorf("%s: %w", e.name, ErrExecutorStopped)
	}
	e.queue = append(e.queue, task)
	e.mu.Unlock()

	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

// QuitSafely は新規投入を止め、残りの処理を実行し終えてからワーカーを終了する
//
// ctxが先に終了した場合、未実行の処理は破棄されDiscardが呼ばれる。
func (e *Executor) QuitSafely(ctx context.Context) error {
	e.mu.Lock()
	e.quitting = true
	e.mu.Unlock()

	select {
	case e.wakeCh <- struct{}{}:
	default:
	}

	select {
	case <-e.doneCh:
		return nil
	case <-ctx.Done():
	}

	e.mu.Lock()
	e.abandon = true
	e.mu.Unlock()

	select {
	case e.wakeCh <- struct{}{}:
	default:
	}

	// 実行中の処理が終わるのを少しだけ待つ
	select {
	case <-e.doneCh:
	case <-time.After(3 * time.Second):
		e.logger.Warn("ワーカーの停止がタイムアウトしました")
	}
	return fmt.Errorf("%s の停止を打ち切りました: %w", e.name, ctx.Err())
}

// Done はワーカー終了時に閉じられるチャンネルを返す
func (e *Executor) Done() <-chan struct{} {
	return e.doneCh
}

// loop はキューが空になるまで処理を取り出して実行する
func (e *Executor) loop() {
	defer close(e.doneCh)

	for {
		e.mu.Lock()
		if e.abandon {
			discarded := e.queue
			e.queue = nil
			e.mu.Unlock()
			e.discard(discarded)
			return
		}
		if len(e.queue) == 0 {
			if e.quitting {
				e.mu.Unlock()
				return
			}
			e.mu.Unlock()
			<-e.wakeCh
			continue
		}
		task := e.queue[0]
		e.queue[0] = Task{}
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.run(task)
	}
}

// run はpanicでワーカーが止まらないように処理を実行する
func (e *Executor) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("処理中にpanicが発生しました",
				zap.String("task", task.Name),
				zap.Any("panic", r))
		}
	}()
	if task.Run != nil {
		task.Run()
	}
}

func (e *Executor) discard(tasks []Task) {
	for _, task := range tasks {
		e.logger.Warn("未実行の処理を破棄しました", zap.String("task", task.Name))
		if task.Discard != nil {
			task.Discard()
		}
	}
}
