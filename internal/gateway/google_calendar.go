package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/k-negishi/group-calendar-notifier/internal/domain"
)

// EventsProvider Google Calendar API の呼び出しを抽象化する
type EventsProvider interface {
	// ListEvents 繰り返しを展開せずにイベントを返す。updatedMin が空なら全件
	ListEvents(ctx context.Context, calendarID, updatedMin string) ([]*calendar.Event, error)
}

// apiEventsProvider calendar.Service を使った EventsProvider
type apiEventsProvider struct {
	service *calendar.Service
}

func (p *apiEventsProvider) ListEvents(ctx context.Context, calendarID, updatedMin string) ([]*calendar.Event, error) {
	call := p.service.Events.List(calendarID).
		SingleEvents(false).
		ShowDeleted(true).
		MaxResults(250)
	if updatedMin != "" {
		call = call.UpdatedMin(updatedMin)
	}

	var items []*calendar.Event
	err := call.Pages(ctx, func(page *calendar.Events) error {
		items = append(items, page.Items...)
		return nil
	})
	return items, err
}

// GoogleCalendarSource Google Calendar を取り込み元とする EventSource の実装
type GoogleCalendarSource struct {
	provider   EventsProvider
	calendarID string
	timezone   *time.Location
}

// NewGoogleCalendarSource サービスアカウントの認証情報で GoogleCalendarSource を作成
func NewGoogleCalendarSource(ctx context.Context, credentialsJSON []byte, calendarID string, timezone *time.Location) (*GoogleCalendarSource, error) {
	creds, err := google.CredentialsFromJSON(
		ctx,
		credentialsJSON,
		calendar.CalendarReadonlyScope,
	)
	if err != nil {
		return nil, fmt.Errorf("google認証情報の読み込みに失敗しました: %w", err)
	}

	service, err := calendar.NewService(
		ctx,
		option.WithCredentials(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("google Calendar APIサービスの作成に失敗しました: %w", err)
	}

	return NewGoogleCalendarSourceWithProvider(&apiEventsProvider{service: service}, calendarID, timezone), nil
}

// NewGoogleCalendarSourceWithProvider 任意の EventsProvider で GoogleCalendarSource を作成
func NewGoogleCalendarSourceWithProvider(provider EventsProvider, calendarID string, timezone *time.Location) *GoogleCalendarSource {
	if timezone == nil {
		timezone = time.UTC
	}
	return &GoogleCalendarSource{
		provider:   provider,
		calendarID: calendarID,
		timezone:   timezone,
	}
}

// ListEvents updatedSince 以降に更新されたイベントを取得する
//
// 繰り返しの例外として個別に変更された回は取り込まない。削除されたイベントは
// Cancelled を立てたイベントとして返す。
func (s *GoogleCalendarSource) ListEvents(ctx context.Context, updatedSince time.Time) ([]domain.Event, error) {
	updatedMin := ""
	if !updatedSince.IsZero() {
		updatedMin = updatedSince.Format(time.RFC3339)
	}

	items, err := s.provider.ListEvents(ctx, s.calendarID, updatedMin)
	if err != nil {
		return nil, fmt.Errorf("カレンダーイベントの取得に失敗しました: %w", err)
	}

	events := make([]domain.Event, 0, len(items))
	for _, item := range items {
		if item.RecurringEventId != "" {
			continue
		}
		if item.Status == "cancelled" {
			events = append(events, domain.Event{ID: item.Id, Cancelled: true})
			continue
		}
		ev, err := s.convertToEvent(item)
		if err != nil {
			slog.WarnContext(ctx, "skipped google calendar event",
				slog.String("google_event_id", item.Id),
				slog.String("error", err.Error()),
			)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// convertToEvent Google Calendar APIのイベントをドメインエンティティに変換
//
// ID には Google 側のIDをそのまま入れる。
func (s *GoogleCalendarSource) convertToEvent(item *calendar.Event) (domain.Event, error) {
	ev := domain.Event{
		ID:          item.Id,
		Title:       item.Summary,
		Location:    item.Location,
		Description: item.Description,
	}
	if ev.Title == "" {
		ev.Title = "（無題）"
	}

	if item.Start == nil || item.End == nil {
		return domain.Event{}, fmt.Errorf("開始時刻が設定されていません")
	}
	loc := s.location(item.Start.TimeZone)
	start, err := parseEventDateTime(item.Start, loc)
	if err != nil {
		return domain.Event{}, fmt.Errorf("開始時刻の解析に失敗しました: %w", err)
	}
	end, err := parseEventDateTime(item.End, loc)
	if err != nil {
		return domain.Event{}, fmt.Errorf("終了時刻の解析に失敗しました: %w", err)
	}
	ev.Schedule.Start = start
	if item.Start.Date != "" {
		// 終日イベントは日をまたぐ長さとして扱う
		ev.Schedule.EndDelta = end.Sub(start)
	} else {
		ev.Schedule.Delta = end.Sub(start)
	}

	if err := applyRecurrence(&ev.Schedule, item.Recurrence, loc); err != nil {
		return domain.Event{}, err
	}

	if item.Updated != "" {
		updated, err := time.Parse(time.RFC3339, item.Updated)
		if err != nil {
			return domain.Event{}, fmt.Errorf("更新日時の解析に失敗しました: %w", err)
		}
		ev.UpdatedAt = updated
	}
	return ev, nil
}

func (s *GoogleCalendarSource) location(name string) *time.Location {
	if name == "" {
		return s.timezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return s.timezone
	}
	return loc
}

func parseEventDateTime(dt *calendar.EventDateTime, loc *time.Location) (time.Time, error) {
	switch {
	case dt.DateTime != "":
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return time.Time{}, err
		}
		return t.In(loc), nil
	case dt.Date != "":
		return time.ParseInLocation("2006-01-02", dt.Date, loc)
	default:
		return time.Time{}, fmt.Errorf("開始時刻が設定されていません")
	}
}

// applyRecurrence RRULE / EXDATE 行を Schedule に反映する
func applyRecurrence(s *domain.Schedule, lines []string, loc *time.Location) error {
	if len(lines) == 0 {
		return nil
	}

	var exLines []string
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "RRULE:"):
			s.Rule = strings.TrimPrefix(line, "RRULE:")
		case strings.HasPrefix(line, "EXDATE"):
			exLines = append(exLines, line)
		}
	}
	if s.Rule == "" {
		return nil
	}
	if _, err := rrule.StrToROption(s.Rule); err != nil {
		return fmt.Errorf("繰り返しルールの解析に失敗しました: %w", err)
	}
	for _, line := range exLines {
		// "EXDATE;TZID=Asia/Tokyo:..." または "EXDATE:..."
		dates, err := rrule.StrToDatesInLoc(line[len("EXDATE")+1:], loc)
		if err != nil {
			return fmt.Errorf("除外日の解析に失敗しました: %w", err)
		}
		for _, ex := range dates {
			s.ExDates = append(s.ExDates, ex.In(loc))
		}
	}
	return nil
}
