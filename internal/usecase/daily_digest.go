package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/k-negishi/group-calendar-notifier/internal/access"
	"github.com/k-negishi/group-calendar-notifier/internal/aggregator"
	"github.com/k-negishi/group-calendar-notifier/internal/domain"
	"github.com/k-negishi/group-calendar-notifier/internal/tzutil"
)

// DigestResult 1ユーザー分のダイジェスト
type DigestResult struct {
	Today    int
	Tomorrow int
	// Sent 両日とも予定がなければ送らない
	Sent bool
}

// DailyDigest ユーザーのカレンダーから本日と翌日の予定をまとめて送る
type DailyDigest struct {
	users      UserRepository
	calendars  CalendarRepository
	aggregator *aggregator.Aggregator
	transport  Transport
	translator Translator
	site       *time.Location
}

// NewDailyDigest DailyDigest を作成
func NewDailyDigest(store Store, transport Transport, translator Translator, site *time.Location) *DailyDigest {
	if site == nil {
		site = time.UTC
	}
	return &DailyDigest{
		users:      store,
		calendars:  store,
		aggregator: aggregator.New(store),
		transport:  transport,
		translator: translator,
		site:       site,
	}
}

// Send userID に now の属する日と翌日の予定を送る
func (d *DailyDigest) Send(ctx context.Context, userID string, now time.Time) (DigestResult, error) {
	user, err := elevated(ctx, func(ctx context.Context) (*domain.User, error) {
		return d.users.GetUser(ctx, userID)
	})
	if err != nil {
		return DigestResult{}, fmt.Errorf("ユーザー %s の取得に失敗しました: %w", userID, err)
	}
	return d.send(ctx, user, now)
}

// SendGroup グループの全メンバーにダイジェストを送る
//
// メンバーごとの失敗はログに残して続行する。送信した人数を返す。
func (d *DailyDigest) SendGroup(ctx context.Context, groupID string, now time.Time) (int, error) {
	sent := 0
	for user, err := range d.users.GroupMembers(ctx, groupID) {
		if err != nil {
			return sent, fmt.Errorf("グループ %s のメンバー列挙に失敗しました: %w", groupID, err)
		}
		res, err := d.send(ctx, user, now)
		if err != nil {
			slog.ErrorContext(ctx, "failed to send daily digest",
				slog.String("group_id", groupID),
				slog.String("user_id", user.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if res.Sent {
			sent++
		}
	}
	return sent, nil
}

func (d *DailyDigest) send(ctx context.Context, user *domain.User, now time.Time) (DigestResult, error) {
	loc := tzutil.ClientLocation(user.Timezone, d.site)
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	tomorrow := today.AddDate(0, 0, 1)

	cals, err := d.calendars.CalendarsForUser(ctx, user.ID)
	if err != nil {
		return DigestResult{}, fmt.Errorf("ユーザー %s のカレンダー取得に失敗しました: %w", user.ID, err)
	}
	res, err := d.aggregator.MergeWindow(access.WithViewer(ctx, user.ID), cals, aggregator.Query{
		WindowStart: today,
		WindowEnd:   tomorrow.AddDate(0, 0, 1),
	})
	if err != nil {
		return DigestResult{}, err
	}

	var todays, tomorrows []domain.Occurrence
	for _, occ := range res.Occurrences {
		if occ.Start.Before(tomorrow) {
			todays = append(todays, occ)
		} else {
			tomorrows = append(tomorrows, occ)
		}
	}
	result := DigestResult{Today: len(todays), Tomorrow: len(tomorrows)}
	if result.Today == 0 && result.Tomorrow == 0 {
		slog.DebugContext(ctx, "daily digest skipped: no events", slog.String("user_id", user.ID))
		return result, nil
	}

	channels := EnabledChannels(user, domain.NotificationDailyDigest, d.transport.Channels())
	if len(channels) == 0 {
		return result, nil
	}

	var body strings.Builder
	d.writeDay(&body, "event:notify:digest:today", today, todays, res.Events, loc)
	body.WriteString("\n\n")
	d.writeDay(&body, "event:notify:digest:tomorrow", tomorrow, tomorrows, res.Events, loc)

	err = d.transport.Dispatch(ctx, domain.Message{
		UserID:    user.ID,
		ContextID: user.ID,
		Subject:   d.translator.Translate("event:notify:digest:subject"),
		Body:      body.String(),
		Channels:  channels,
	})
	if err != nil {
		return result, err
	}
	result.Sent = true
	return result, nil
}

// writeDay 1日分の見出しと予定の一覧を書く
func (d *DailyDigest) writeDay(b *strings.Builder, labelKey string, day time.Time, occs []domain.Occurrence, events map[string]*domain.Event, loc *time.Location) {
	label := d.translator.Translate(labelKey)
	date := fmt.Sprintf("%s(%s)", day.Format("1/2"), d.translator.Translate(fmt.Sprintf("weekday:%d", day.Weekday())))
	if len(occs) == 0 {
		b.WriteString(d.translator.Translate("event:notify:digest:dayempty", label, date))
		return
	}

	b.WriteString(d.translator.Translate("event:notify:digest:day", label, date, len(occs)))
	for _, occ := range occs {
		ev := events[occ.EventID]
		if ev == nil {
			continue
		}
		b.WriteString("\n")
		if ev.Schedule.EndDelta > 0 {
			fmt.Fprintf(b, "🔸 %s (%s)", ev.Title, d.translator.Translate("event:notify:digest:allday"))
		} else {
			fmt.Fprintf(b, "🔸 %s〜%s %s", occ.Start.In(loc).Format("15:04"), occ.End.In(loc).Format("15:04"), ev.Title)
		}
		// 場所情報があれば追加
		if ev.Location != "" {
			fmt.Fprintf(b, "\n   📍 %s", ev.Location)
		}
	}
}
