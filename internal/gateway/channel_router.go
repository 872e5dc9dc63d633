package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/k-negishi/group-calendar-notifier/internal/access"
	"github.com/k-negishi/group-calendar-notifier/internal/domain"
)

// Sender 1つの配送チャネル
type Sender interface {
	Channel() string
	Send(ctx context.Context, user *domain.User, msg domain.Message) error
}

// UserLookup 宛先ユーザーを解決するポート
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*domain.User, error)
}

// ChannelRouter メッセージを指定されたチャネルの Sender に振り分ける
type ChannelRouter struct {
	users   UserLookup
	senders map[string]Sender
	order   []string
}

// NewChannelRouter ChannelRouter を作成。チャネルは登録順に配送する
func NewChannelRouter(users UserLookup, senders ...Sender) *ChannelRouter {
	r := &ChannelRouter{
		users:   users,
		senders: make(map[string]Sender, len(senders)),
	}
	for _, s := range senders {
		if _, dup := r.senders[s.Channel()]; dup {
			continue
		}
		r.senders[s.Channel()] = s
		r.order = append(r.order, s.Channel())
	}
	return r
}

// Channels 登録済みのチャネル
func (r *ChannelRouter) Channels() []string {
	return append([]string(nil), r.order...)
}

// Dispatch msg.Channels の各チャネルへ配送する
//
// 1つのチャネルの失敗で他のチャネルへの配送は止めない。失敗があれば
// domain.ErrTransportFailure をラップしたエラーを返す。
func (r *ChannelRouter) Dispatch(ctx context.Context, msg domain.Message) error {
	elevated, release := access.Elevate(ctx)
	user, err := r.users.GetUser(elevated, msg.UserID)
	release()
	if err != nil {
		return fmt.Errorf("%w: 宛先ユーザー %s の取得に失敗しました: %w", domain.ErrTransportFailure, msg.UserID, err)
	}

	var errs []error
	for _, ch := range msg.Channels {
		sender, ok := r.senders[ch]
		if !ok {
			errs = append(errs, fmt.Errorf("未登録のチャネルです: %s", ch))
			continue
		}
		if err := sender.Send(ctx, user, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch, err))
			continue
		}
		slog.DebugContext(ctx, "notification sent",
			slog.String("channel", ch),
			slog.String("user_id", user.ID),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrTransportFailure, errors.Join(errs...))
	}
	return nil
}
