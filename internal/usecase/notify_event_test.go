package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/k-negishi/group-calendar-notifier/internal/access"
	"github.com/k-negishi/group-calendar-notifier/internal/domain"
)

var notifyNow = time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)

func testEvent(start time.Time) *domain.Event {
	return &domain.Event{
		ID:        "ev1",
		Title:     "定例会",
		Location:  "会議室A",
		OwnerID:   "owner",
		Container: domain.Container{Kind: domain.ContainerUser, ID: "owner", Name: "オーナー"},
		Schedule:  domain.Schedule{Start: start, Delta: time.Hour},
		Access:    domain.AccessPublic,
	}
}

func newTestNotifier(store *MockStore, transport *MockTransport, opts ...NotifierOption) *EventNotifier {
	n := NewEventNotifier(store, transport, keyTranslator{}, opts...)
	n.clock = func() time.Time { return notifyNow }
	return n
}

// expectUsers 各ユーザーの取得・閲覧権限を設定する
func expectUsers(store *MockStore, ev *domain.Event, users ...*domain.User) {
	store.On("GetUser", mock.Anything, "owner").Return(&domain.User{ID: "owner", Name: "オーナー"}, nil).Maybe()
	for _, u := range users {
		store.On("GetUser", mock.Anything, u.ID).Return(u, nil).Once()
		store.On("HasAccess", mock.Anything, ev, u.ID).Return(true, nil).Once()
	}
}

func forUser(userID string) interface{} {
	return mock.MatchedBy(func(msg domain.Message) bool { return msg.UserID == userID })
}

func TestNotifyEventUpdated_Dedupe(t *testing.T) {
	t.Run("同じユーザーが2つのカレンダーに登録していても1通だけ送る", func(t *testing.T) {
		store := new(MockStore)
		transport := &MockTransport{channels: []string{"line"}}
		ev := testEvent(notifyNow.Add(2 * time.Hour))

		store.On("GetEvent", mock.Anything, "ev1").Return(ev, nil)
		store.On("CalendarsForEvent", mock.Anything, "ev1").Return([]*domain.Calendar{
			userCalendar("c1", "u1"),
			userCalendar("c2", "u1"),
			userCalendar("c3", "u2"),
		}, nil)
		expectUsers(store, ev, &domain.User{ID: "u1"}, &domain.User{ID: "u2"})
		transport.On("Dispatch", mock.Anything, forUser("u1")).Return(nil).Once()
		transport.On("Dispatch", mock.Anything, forUser("u2")).Return(nil).Once()

		res, err := newTestNotifier(store, transport).NotifyEventUpdated(context.Background(), "ev1")
		require.NoError(t, err)
		assert.Equal(t, 2, res.Dispatched)
		transport.AssertNumberOfCalls(t, "Dispatch", 2)
		store.AssertExpectations(t)
	})

	t.Run("グループが持つカレンダーは対象外", func(t *testing.T) {
		store := new(MockStore)
		transport := &MockTransport{channels: []string{"line"}}
		ev := testEvent(notifyNow.Add(2 * time.Hour))

		store.On("GetEvent", mock.Anything, "ev1").Return(ev, nil)
		store.On("CalendarsForEvent", mock.Anything, "ev1").Return([]*domain.Calendar{
			{ID: "gc", Owner: domain.Container{Kind: domain.ContainerGroup, ID: "g1"}},
		}, nil)
		store.On("GetUser", mock.Anything, "owner").Return(&domain.User{ID: "owner"}, nil)

		res, err := newTestNotifier(store, transport).NotifyEventUpdated(context.Background(), "ev1")
		require.NoError(t, err)
		assert.Equal(t, PassResult{}, res)
		transport.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
	})
}

func TestNotifyEventUpdated_Filtering(t *testing.T) {
	t.Run("閲覧権限がないユーザーはスキップ", func(t *testing.T) {
		store := new(MockStore)
		transport := &MockTransport{channels: []string{"line"}}
		ev := testEvent(notifyNow.Add(2 * time.Hour))

		store.On("GetEvent", mock.Anything, "ev1").Return(ev, nil)
		store.On("CalendarsForEvent", mock.Anything, "ev1").Return([]*domain.Calendar{userCalendar("c1", "u1")}, nil)
		store.On("GetUser", mock.Anything, "owner").Return(&domain.User{ID: "owner"}, nil)
		store.On("GetUser", mock.Anything, "u1").Return(&domain.User{ID: "u1"}, nil)
		store.On("HasAccess", mock.MatchedBy(access.Ignored), ev, "u1").Return(false, nil)

		res, err := newTestNotifier(store, transport).NotifyEventUpdated(context.Background(), "ev1")
		require.NoError(t, err)
		assert.Equal(t, 1, res.Skipped)
		transport.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
		store.AssertExpectations(t)
	})

	t.Run("操作した本人には notify_self がなければ送らない", func(t *testing.T) {
		store := new(MockStore)
		transport := &MockTransport{channels: []string{"line"}}
		ev := testEvent(notifyNow.Add(2 * time.Hour))

		store.On("GetEvent", mock.Anything, "ev1").Return(ev, nil)
		store.On("CalendarsForEvent", mock.Anything, "ev1").Return([]*domain.Calendar{
			userCalendar("c1", "u1"),
			userCalendar("c2", "u2"),
		}, nil)
		expectUsers(store, ev, &domain.User{ID: "u1"}, &domain.User{ID: "u2"})
		transport.On("Dispatch", mock.Anything, forUser("u2")).Return(nil).Once()

		ctx := access.WithViewer(context.Background(), "u1")
		res, err := newTestNotifier(store, transport).NotifyEventUpdated(ctx, "ev1")
		require.NoError(t, err)
		assert.Equal(t, 1, res.Dispatched)
		assert.Equal(t, 1, res.Skipped)
		transport.AssertExpectations(t)
	})

	t.Run("notify_self が有効なら本人にも送る", func(t *testing.T) {
		store := new(MockStore)
		transport := &MockTransport{channels: []string{"line"}}
		ev := testEvent(notifyNow.Add(2 * time.Hour))

		store.On("GetEvent", mock.Anything, "ev1").Return(ev, nil)
		store.On("CalendarsForEvent", mock.Anything, "ev1").Return([]*domain.Calendar{userCalendar("c1", "u1")}, nil)
		expectUsers(store, ev, &domain.User{ID: "u1", NotifySelf: true})
		transport.On("Dispatch", mock.Anything, forUser("u1")).Return(nil).Once()

		ctx := access.WithViewer(context.Background(), "u1")
		res, err := newTestNotifier(store, transport).NotifyEventUpdated(ctx, "ev1")
		require.NoError(t, err)
		assert.Equal(t, 1, res.Dispatched)
	})

	t.Run("通知種別ごとに無効化したチャネルは除外する", func(t *testing.T) {
		store := new(MockStore)
		transport := &MockTransport{channels: []string{"line", "inbox"}}
		ev := testEvent(notifyNow.Add(2 * time.Hour))

		lineOff := domain.Preferences{}
		lineOff.Set("line", domain.NotificationEventUpdate, false)
		allOff := domain.Preferences{}
		allOff.Set("line", domain.NotificationEventUpdate, false)
		allOff.Set("inbox", domain.NotificationEventUpdate, false)

		store.On("GetEvent", mock.Anything, "ev1").Return(ev, nil)
		store.On("CalendarsForEvent", mock.Anything, "ev1").Return([]*domain.Calendar{
			userCalendar("c1", "u1"),
			userCalendar("c2", "u2"),
		}, nil)
		expectUsers(store, ev,
			&domain.User{ID: "u1", Preferences: lineOff},
			&domain.User{ID: "u2", Preferences: allOff},
		)
		transport.On("Dispatch", mock.Anything, mock.MatchedBy(func(msg domain.Message) bool {
			return msg.UserID == "u1" && assert.ObjectsAreEqual([]string{"inbox"}, msg.Channels)
		})).Return(nil).Once()

		res, err := newTestNotifier(store, transport).NotifyEventUpdated(context.Background(), "ev1")
		require.NoError(t, err)
		assert.Equal(t, 1, res.Dispatched)
		assert.Equal(t, 1, res.Skipped)
		transport.AssertExpectations(t)
	})
}

func TestNotifyEventUpdated_Failures(t *testing.T) {
	t.Run("イベントが存在しなければ NotFound で中断", func(t *testing.T) {
		store := new(MockStore)
		transport := &MockTransport{channels: []string{"line"}}
		store.On("GetEvent", mock.Anything, "gone").Return(nil, domain.ErrNotFound)

		_, err := newTestNotifier(store, transport).NotifyEventUpdated(context.Background(), "gone")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		store.AssertNotCalled(t, "CalendarsForEvent", mock.Anything, mock.Anything)
	})

	t.Run("ユーザー単位の失敗は他のユーザーへの送信を止めない", func(t *testing.T) {
		store := new(MockStore)
		transport := &MockTransport{channels: []string{"line"}}
		ev := testEvent(notifyNow.Add(2 * time.Hour))

		store.On("GetEvent", mock.Anything, "ev1").Return(ev, nil)
		store.On("CalendarsForEvent", mock.Anything, "ev1").Return([]*domain.Calendar{
			userCalendar("c1", "missing"),
			userCalendar("c2", "denied"),
			userCalendar("c3", "broken"),
			userCalendar("c4", "ok"),
		}, nil)
		store.On("GetUser", mock.Anything, "owner").Return(&domain.User{ID: "owner"}, nil)
		store.On("GetUser", mock.Anything, "missing").Return(nil, domain.ErrNotFound)
		store.On("GetUser", mock.Anything, "denied").Return(&domain.User{ID: "denied"}, nil)
		store.On("HasAccess", mock.Anything, ev, "denied").Return(false, errors.New("acl unavailable"))
		expectUsers(store, ev, &domain.User{ID: "broken"}, &domain.User{ID: "ok"})
		transport.On("Dispatch", mock.Anything, forUser("broken")).Return(domain.ErrTransportFailure)
		transport.On("Dispatch", mock.Anything, forUser("ok")).Return(nil)

		res, err := newTestNotifier(store, transport).NotifyEventUpdated(context.Background(), "ev1")
		require.NoError(t, err)
		assert.Equal(t, 1, res.Dispatched)
		assert.Equal(t, 3, res.Failed)
	})

	t.Run("カレンダー列挙の失敗は呼び出し元へ返す", func(t *testing.T) {
		store := new(MockStore)
		transport := &MockTransport{channels: []string{"line"}}
		ev := testEvent(notifyNow.Add(2 * time.Hour))

		store.On("GetEvent", mock.Anything, "ev1").Return(ev, nil)
		store.On("GetUser", mock.Anything, "owner").Return(&domain.User{ID: "owner"}, nil)
		store.On("CalendarsForEvent", mock.Anything, "ev1").Return([]*domain.Calendar{}, errors.New("db closed"))

		_, err := newTestNotifier(store, transport).NotifyEventUpdated(context.Background(), "ev1")
		assert.ErrorContains(t, err, "db closed")
	})
}

func TestNotifyEventUpdated_Workers(t *testing.T) {
	store := new(MockStore)
	transport := &MockTransport{channels: []string{"line"}}
	ev := testEvent(notifyNow.Add(2 * time.Hour))

	var cals []*domain.Calendar
	var users []*domain.User
	for _, id := range []string{"u1", "u2", "u3", "u4", "u5"} {
		cals = append(cals, userCalendar("c-"+id, id), userCalendar("d-"+id, id))
		users = append(users, &domain.User{ID: id})
	}
	store.On("GetEvent", mock.Anything, "ev1").Return(ev, nil)
	store.On("CalendarsForEvent", mock.Anything, "ev1").Return(cals, nil)
	expectUsers(store, ev, users...)
	transport.On("Dispatch", mock.Anything, mock.Anything).Return(nil)

	res, err := newTestNotifier(store, transport, WithWorkers(4)).NotifyEventUpdated(context.Background(), "ev1")
	require.NoError(t, err)
	assert.Equal(t, 5, res.Dispatched)
	transport.AssertNumberOfCalls(t, "Dispatch", 5)
}

func TestNotifyEventUpdated_Message(t *testing.T) {
	t.Run("グループのイベントは件名にグループ名を含める", func(t *testing.T) {
		store := new(MockStore)
		transport := &MockTransport{channels: []string{"line"}}
		ev := testEvent(notifyNow.Add(2 * time.Hour))
		ev.Container = domain.Container{Kind: domain.ContainerGroup, ID: "g1", Name: "読書会"}
		ev.CanComment = true

		var got domain.Message
		store.On("GetEvent", mock.Anything, "ev1").Return(ev, nil)
		store.On("CalendarsForEvent", mock.Anything, "ev1").Return([]*domain.Calendar{userCalendar("c1", "u1")}, nil)
		expectUsers(store, ev, &domain.User{ID: "u1", Timezone: "Asia/Tokyo"})
		transport.On("Dispatch", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			got = args.Get(1).(domain.Message)
		}).Return(nil)

		_, err := newTestNotifier(store, transport).NotifyEventUpdated(context.Background(), "ev1")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(got.Subject, "event:notify:eventupdate:subject|定例会|events:notify:subject:ingroup|読書会|オーナー"))
		assert.Contains(t, got.Body, "JST")
		assert.Equal(t, "g1", got.ContextID)
		assert.Equal(t, "ev1", got.EntityID)
	})

	t.Run("フックで件名と本文を差し替えられる", func(t *testing.T) {
		store := new(MockStore)
		transport := &MockTransport{channels: []string{"line"}}
		ev := testEvent(notifyNow.Add(2 * time.Hour))

		store.On("GetEvent", mock.Anything, "ev1").Return(ev, nil)
		store.On("CalendarsForEvent", mock.Anything, "ev1").Return([]*domain.Calendar{userCalendar("c1", "u1")}, nil)
		expectUsers(store, ev, &domain.User{ID: "u1"})
		transport.On("Dispatch", mock.Anything, mock.MatchedBy(func(msg domain.Message) bool {
			return msg.Subject == "[更新] 定例会" && strings.HasPrefix(msg.Body, "event:notify:eventupdate:message") && msg.EntityID == ""
		})).Return(nil).Once()

		subject := func(hc HookContext) (string, bool) { return "[更新] " + hc.Event.Title, true }
		body := func(HookContext) (string, bool) { return "", false }
		n := newTestNotifier(store, transport, WithSubjectHook(subject), WithMessageHook(body))

		_, err := n.NotifyEventUpdated(context.Background(), "ev1")
		require.NoError(t, err)
		transport.AssertExpectations(t)
	})
}

func TestNotifyEventReminder(t *testing.T) {
	setup := func(ev *domain.Event) (*MockStore, *MockTransport) {
		store := new(MockStore)
		transport := &MockTransport{channels: []string{"line"}}
		store.On("GetEvent", mock.Anything, "ev1").Return(ev, nil)
		store.On("CalendarsForEvent", mock.Anything, "ev1").Return([]*domain.Calendar{userCalendar("c1", "u1")}, nil)
		store.On("GetUser", mock.Anything, "owner").Return(&domain.User{ID: "owner"}, nil)
		store.On("GetUser", mock.Anything, "u1").Return(&domain.User{ID: "u1"}, nil)
		store.On("HasAccess", mock.Anything, ev, "u1").Return(true, nil)
		transport.On("Dispatch", mock.Anything, mock.Anything).Return(nil)
		return store, transport
	}

	t.Run("開始が10分以上前なら forced=false は送信せず終了", func(t *testing.T) {
		store, transport := setup(testEvent(notifyNow.Add(-30 * time.Minute)))

		res, err := newTestNotifier(store, transport).NotifyEventReminder(context.Background(), "ev1", time.Time{}, false)
		require.NoError(t, err)
		assert.True(t, res.Aborted)
		transport.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
		store.AssertNotCalled(t, "CalendarsForEvent", mock.Anything, mock.Anything)
	})

	t.Run("同じ条件でも forced=true なら送信する", func(t *testing.T) {
		store, transport := setup(testEvent(notifyNow.Add(-30 * time.Minute)))

		res, err := newTestNotifier(store, transport).NotifyEventReminder(context.Background(), "ev1", time.Time{}, true)
		require.NoError(t, err)
		assert.False(t, res.Aborted)
		assert.Equal(t, 1, res.Dispatched)
	})

	t.Run("猶予の範囲内なら送信する", func(t *testing.T) {
		store, transport := setup(testEvent(notifyNow.Add(-5 * time.Minute)))

		res, err := newTestNotifier(store, transport).NotifyEventReminder(context.Background(), "ev1", notifyNow, false)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Dispatched)
	})

	t.Run("件名の日時はユーザーのタイムゾーンで表示する", func(t *testing.T) {
		ev := testEvent(notifyNow.Add(time.Hour))
		store := new(MockStore)
		transport := &MockTransport{channels: []string{"line"}}
		store.On("GetEvent", mock.Anything, "ev1").Return(ev, nil)
		store.On("CalendarsForEvent", mock.Anything, "ev1").Return([]*domain.Calendar{userCalendar("c1", "u1")}, nil)
		expectUsers(store, ev, &domain.User{ID: "u1", Timezone: "Asia/Tokyo"})
		transport.On("Dispatch", mock.Anything, mock.MatchedBy(func(msg domain.Message) bool {
			return msg.Subject == "event:notify:eventreminder:subject|定例会||Mon, June 10 7:00pm JST"
		})).Return(nil).Once()

		_, err := newTestNotifier(store, transport).NotifyEventReminder(context.Background(), "ev1", notifyNow, false)
		require.NoError(t, err)
		transport.AssertExpectations(t)
	})

	// 判定は reminderTime から見た次回の開催で行うため、過ぎた回の遅延した
	// リマインダーでも、次の回が先にあれば送信される。
	t.Run("次回の開催で判定する粗い方針", func(t *testing.T) {
		ev := testEvent(notifyNow.Add(-30 * time.Minute))
		ev.Schedule.Rule = "FREQ=DAILY"
		store, transport := setup(ev)

		res, err := newTestNotifier(store, transport).NotifyEventReminder(context.Background(), "ev1", notifyNow, false)
		require.NoError(t, err)
		assert.False(t, res.Aborted)
		assert.Equal(t, 1, res.Dispatched)
	})

	t.Run("繰り返しが終わっていれば最後の開催で判定する", func(t *testing.T) {
		ev := testEvent(notifyNow.Add(-72 * time.Hour))
		ev.Schedule.Rule = "FREQ=DAILY;COUNT=2"
		store, transport := setup(ev)

		res, err := newTestNotifier(store, transport).NotifyEventReminder(context.Background(), "ev1", notifyNow, false)
		require.NoError(t, err)
		assert.True(t, res.Aborted)
		transport.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
	})
}
