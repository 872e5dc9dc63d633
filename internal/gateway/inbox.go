package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/k-negishi/group-calendar-notifier/internal/domain"
)

// InboxChannel アプリ内通知のチャネル名
const InboxChannel = "inbox"

// InboxItem アプリ内通知1件
type InboxItem struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ContextID string    `json:"contextId,omitempty"`
	EntityID  string    `json:"entityId,omitempty"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// InboxSender 通知を SQLite の notifications テーブルに保存する
type InboxSender struct {
	db    *sql.DB
	clock func() time.Time
}

// Inbox ストアと同じデータベースを使う InboxSender を返す
func (s *SQLiteStore) Inbox() *InboxSender {
	return &InboxSender{db: s.db, clock: time.Now}
}

// Channel チャネル名
func (i *InboxSender) Channel() string {
	return InboxChannel
}

// Send 通知を保存する
func (i *InboxSender) Send(ctx context.Context, user *domain.User, msg domain.Message) error {
	_, err := i.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, context_id, entity_id, subject, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), user.ID, msg.ContextID, msg.EntityID, msg.Subject, msg.Body, i.clock().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("ユーザー %s のアプリ内通知の保存に失敗しました: %w", user.ID, err)
	}
	return nil
}

// List ユーザーの通知を新しい順に返す
func (i *InboxSender) List(ctx context.Context, userID string, limit int) ([]InboxItem, error) {
	rows, err := i.db.QueryContext(ctx, `
		SELECT id, user_id, context_id, entity_id, subject, body, created_at
		FROM notifications WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("ユーザー %s のアプリ内通知の取得に失敗しました: %w", userID, err)
	}
	defer rows.Close()

	var items []InboxItem
	for rows.Next() {
		var (
			item      InboxItem
			createdAt int64
		)
		if err := rows.Scan(&item.ID, &item.UserID, &item.ContextID, &item.EntityID, &item.Subject, &item.Body, &createdAt); err != nil {
			return nil, err
		}
		item.CreatedAt = time.UnixMilli(createdAt).UTC()
		items = append(items, item)
	}
	return items, rows.Err()
}
