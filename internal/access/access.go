// Package access 閲覧者とアクセス制御無視の権限をコンテキストで受け渡す
//
// Elevate は親コンテキストを変更せず派生コンテキストを返すため、呼び出し元の
// 権限は派生コンテキストを使い終えた時点で元に戻る。release を呼ぶと派生
// コンテキストが外に漏れていても権限は失効する。
package access

import (
	"context"
	"sync/atomic"
)

type viewerKey struct{}

type tokenKey struct{}

type token struct {
	released atomic.Bool
}

// WithViewer userID として操作するコンテキストを返す
func WithViewer(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, viewerKey{}, userID)
}

// Viewer ログイン中のユーザーID。匿名・バックグラウンド処理では空
func Viewer(ctx context.Context) string {
	id, _ := ctx.Value(viewerKey{}).(string)
	return id
}

// Elevate アクセスチェックを無視するコンテキストを返す
func Elevate(ctx context.Context) (context.Context, func()) {
	t := &token{}
	return context.WithValue(ctx, tokenKey{}, t), func() {
		t.released.Store(true)
	}
}

// Ignored 有効な昇格トークンを保持しているか
func Ignored(ctx context.Context) bool {
	t, ok := ctx.Value(tokenKey{}).(*token)
	return ok && !t.released.Load()
}
