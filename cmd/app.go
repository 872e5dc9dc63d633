package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/k-negishi/group-calendar-notifier/internal/config"
	"github.com/k-negishi/group-calendar-notifier/internal/deferred"
	"github.com/k-negishi/group-calendar-notifier/internal/gateway"
	"github.com/k-negishi/group-calendar-notifier/internal/i18n"
	"github.com/k-negishi/group-calendar-notifier/internal/scheduler"
	"github.com/k-negishi/group-calendar-notifier/internal/usecase"
)

// inboxLimit アプリ内通知を一度に返す件数
const inboxLimit = 50

// app 設定から組み立てた依存関係一式
type app struct {
	cfg      *config.Config
	store    *gateway.SQLiteStore
	registry *deferred.Registry
	sync     *usecase.GroupSync
	sweep    *usecase.ReminderSweep
	digest   *usecase.DailyDigest
	feed     *usecase.CalendarFeed
	ics      *gateway.ICSFeed
	// importer 取り込みが無効なら nil
	importer *usecase.ImportEvents

	lastImport time.Time
}

// newApp ストア・配送チャネル・ユースケースを組み立てる
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := gateway.NewSQLiteStore(ctx, cfg.DatabasePath, cfg.MemberPageSize)
	if err != nil {
		return nil, err
	}

	catalog, err := i18n.Load(cfg.Locale, cfg.MessagesPath)
	if err != nil {
		store.Close()
		return nil, err
	}

	site := cfg.Location()
	router := gateway.NewChannelRouter(store,
		gateway.NewLINENotifier(cfg.LineChannelAccessToken),
		store.Inbox(),
	)
	notifier := usecase.NewEventNotifier(store, router, catalog,
		usecase.WithWorkers(cfg.FanoutWorkers),
		usecase.WithSiteLocation(site),
	)

	registry := deferred.NewRegistry()
	groupSync := usecase.NewGroupSync(store)
	usecase.RegisterTasks(registry, groupSync, notifier)

	a := &app{
		cfg:      cfg,
		store:    store,
		registry: registry,
		sync:     groupSync,
		sweep:    usecase.NewReminderSweep(store, registry, cfg.ReminderLead, cfg.ReminderInterval),
		digest:   usecase.NewDailyDigest(store, router, catalog, site),
		feed:     usecase.NewCalendarFeed(store, site, 0),
		ics:      gateway.NewICSFeed(""),
	}

	if cfg.ImportEnabled() {
		creds, err := cfg.GoogleCredentialsJSON()
		if err != nil {
			store.Close()
			return nil, err
		}
		source, err := gateway.NewGoogleCalendarSource(ctx, creds, cfg.CalendarID, site)
		if err != nil {
			store.Close()
			return nil, err
		}
		a.importer = usecase.NewImportEvents(source, store, usecase.NewEventService(store), cfg.ImportGroupID, cfg.ImportOwnerID)
	}
	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// runReminders 次の区間に始まる開催のリマインダーを送る
func (a *app) runReminders(ctx context.Context, now time.Time) error {
	n, err := a.sweep.Run(ctx, now)
	if err != nil {
		return fmt.Errorf("リマインダーの送信に失敗しました: %w", err)
	}
	slog.InfoContext(ctx, "reminder sweep finished", slog.Int("scheduled", n))
	return nil
}

// runDigest 設定されたグループのメンバーに本日・翌日の予定を送る
func (a *app) runDigest(ctx context.Context, now time.Time) error {
	if a.cfg.DigestGroupID == "" {
		return fmt.Errorf("ダイジェストの送信先グループが設定されていません")
	}
	sent, err := a.digest.SendGroup(ctx, a.cfg.DigestGroupID, now)
	if err != nil {
		return fmt.Errorf("ダイジェストの送信に失敗しました: %w", err)
	}
	slog.InfoContext(ctx, "daily digest finished",
		slog.String("group_id", a.cfg.DigestGroupID),
		slog.Int("sent", sent),
	)
	return nil
}

// runImport updatedSince 以降に更新された外部イベントを取り込む
func (a *app) runImport(ctx context.Context, updatedSince time.Time) (usecase.ImportResult, error) {
	if a.importer == nil {
		return usecase.ImportResult{}, fmt.Errorf("取り込みが設定されていません")
	}

	queue := deferred.NewQueue(a.registry)
	res, err := a.importer.Run(ctx, queue, updatedSince)
	// 取り込み済みの分の後続処理は失敗時も流す
	if drainErr := queue.Drain(ctx); drainErr != nil {
		slog.ErrorContext(ctx, "deferred tasks failed after import", slog.String("error", drainErr.Error()))
	}
	if err != nil {
		return res, fmt.Errorf("イベントの取り込みに失敗しました: %w", err)
	}
	slog.InfoContext(ctx, "import finished",
		slog.Int("created", res.Created),
		slog.Int("updated", res.Updated),
		slog.Int("unchanged", res.Unchanged),
		slog.Int("deleted", res.Deleted),
	)
	return res, nil
}

// writeFeed ユーザーの month 月のカレンダーを iCalendar で書き出す
//
// month は "2006-01" 形式。空なら今月。
func (a *app) writeFeed(ctx context.Context, w io.Writer, userID, month string, upcoming bool) error {
	ts := time.Now()
	if month != "" {
		first, err := time.Parse("2006-01", month)
		if err != nil {
			return fmt.Errorf("月の指定が不正です: %s", month)
		}
		// 月の途中を指定してタイムゾーン差で前月にずれないようにする
		ts = first.AddDate(0, 0, 14)
	}

	page, err := a.feed.Month(ctx, userID, ts, upcoming)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "feed merged",
		slog.String("user_id", userID),
		slog.Int("occurrences", len(page.Result.Occurrences)),
		slog.Int("reason", int(page.Result.Reason)),
	)
	return a.ics.Render(w, page.Result)
}

// setAutoSync グループのイベントを既定カレンダーへ自動で追加するかを切り替える
func (a *app) setAutoSync(ctx context.Context, userID, groupID string, enabled bool) error {
	if userID == "" || groupID == "" {
		return fmt.Errorf("ユーザーとグループの指定が必要です")
	}
	return a.sync.SetAutoSync(ctx, userID, groupID, enabled)
}

// writeInbox ユーザーのアプリ内通知を新しい順に JSON で書き出す
func (a *app) writeInbox(ctx context.Context, w io.Writer, userID string) error {
	if userID == "" {
		return fmt.Errorf("ユーザーの指定が必要です")
	}
	items, err := a.store.Inbox().List(ctx, userID, inboxLimit)
	if err != nil {
		return err
	}
	if items == nil {
		items = []gateway.InboxItem{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(items); err != nil {
		return fmt.Errorf("アプリ内通知の書き出しに失敗しました: %w", err)
	}
	return nil
}

// schedule ローカル実行用のスケジューラを組み立てる
func (a *app) schedule() (*scheduler.Scheduler, error) {
	s := scheduler.New(a.cfg.Location())
	if err := s.Add("reminders", a.cfg.ReminderCron, a.runReminders); err != nil {
		return nil, err
	}
	if a.cfg.DigestGroupID != "" {
		if err := s.Add("digest", a.cfg.DigestCron, a.runDigest); err != nil {
			return nil, err
		}
	}
	if a.importer == nil {
		return s, nil
	}
	err := s.Add("import", a.cfg.ImportCron, func(ctx context.Context, now time.Time) error {
		if _, err := a.runImport(ctx, a.lastImport); err != nil {
			return err
		}
		a.lastImport = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
