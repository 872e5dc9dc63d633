// Package deferred リクエストやジョブの終了時にまとめて実行する遅延タスクキュー
//
// キューはリクエスト（ジョブ）ごとに生成して呼び出し元が保持し、
// ホスト側のライフサイクルフックで一度だけ Drain する。
package deferred

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/k-negishi/group-calendar-notifier/internal/domain"
)

// Func 遅延実行される関数
type Func func(ctx context.Context, args ...any) error

// Registry 関数IDと実装の対応表
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry Registry を作成
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register 関数IDに実装を登録する
func (r *Registry) Register(id string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[id] = fn
}

func (r *Registry) lookup(id string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[id]
	return fn, ok
}

// Task 予約された呼び出し
type Task struct {
	ID   string
	Args []any
}

// Queue 遅延タスクキュー
type Queue struct {
	registry *Registry

	mu    sync.Mutex
	tasks []Task
}

// NewQueue Queue を作成
func NewQueue(registry *Registry) *Queue {
	return &Queue{registry: registry}
}

// Schedule タスクを予約する
//
// dedupe が true の場合、同じ ID と引数のタスクが既にあれば何もしない。
// 追加したかどうかを返す。
func (q *Queue) Schedule(id string, args []any, dedupe bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if dedupe {
		for _, t := range q.tasks {
			if t.ID == id && reflect.DeepEqual(t.Args, args) {
				return false
			}
		}
	}
	q.tasks = append(q.tasks, Task{ID: id, Args: args})
	return true
}

// Len 予約済みタスク数
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Tasks 予約済みタスクのコピー
func (q *Queue) Tasks() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, len(q.tasks))
	copy(out, q.tasks)
	return out
}

// Drain 予約順にタスクを実行してキューを空にする
//
// 実行中のタスクが新たに予約したタスクも同じ Drain の中で実行する。
// 個々のタスクの失敗はログに記録して続行し、まとめて返す。
func (q *Queue) Drain(ctx context.Context) error {
	var errs []error
	for {
		batch := q.take()
		if len(batch) == 0 {
			break
		}
		for _, t := range batch {
			if err := q.run(ctx, t); err != nil {
				slog.ErrorContext(ctx, "deferred task failed",
					slog.String("task", t.ID),
					slog.Any("args", t.Args),
					slog.String("error", err.Error()),
				)
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (q *Queue) take() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.tasks
	q.tasks = nil
	return batch
}

func (q *Queue) run(ctx context.Context, t Task) (err error) {
	fn, ok := q.registry.lookup(t.ID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownTask, t.ID)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deferred task %s panicked: %v", t.ID, r)
		}
	}()
	return fn(ctx, t.Args...)
}
