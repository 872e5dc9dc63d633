package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/k-negishi/group-calendar-notifier/internal/access"
	"github.com/k-negishi/group-calendar-notifier/internal/domain"
	"github.com/k-negishi/group-calendar-notifier/internal/occurrence"
	"github.com/k-negishi/group-calendar-notifier/internal/tzutil"
)

// ReminderGrace 定期実行のリマインダーで許容する開始時刻の遅れ
const ReminderGrace = 10 * time.Minute

// HookContext 件名・本文フックに渡す情報
type HookContext struct {
	Type     string
	Event    *domain.Event
	Calendar *domain.Calendar
	User     *domain.User
	Start    time.Time
	End      time.Time
	Default  string
}

// TextHook 件名・本文を差し替えるフック。false なら既定の文面を使う
type TextHook func(HookContext) (string, bool)

// PassResult 1回の通知パスの結果
type PassResult struct {
	Dispatched int
	Skipped    int
	Failed     int
	// Aborted 期限切れのリマインダーで送信せずに終了した
	Aborted bool
}

// EventNotifier イベントをカレンダーに追加しているユーザーへ通知を配信する
type EventNotifier struct {
	events     EventRepository
	users      UserRepository
	calendars  CalendarRepository
	access     AccessChecker
	transport  Transport
	translator Translator

	site        *time.Location
	workers     int
	subjectHook TextHook
	messageHook TextHook
	clock       func() time.Time
}

// NotifierOption EventNotifier のオプション
type NotifierOption func(*EventNotifier)

// WithSubjectHook 件名フックを設定
func WithSubjectHook(h TextHook) NotifierOption {
	return func(n *EventNotifier) { n.subjectHook = h }
}

// WithMessageHook 本文フックを設定
func WithMessageHook(h TextHook) NotifierOption {
	return func(n *EventNotifier) { n.messageHook = h }
}

// WithWorkers ユーザーごとの処理を並列化する
func WithWorkers(workers int) NotifierOption {
	return func(n *EventNotifier) { n.workers = workers }
}

// WithSiteLocation ユーザーのタイムゾーン未設定時に使うタイムゾーン
func WithSiteLocation(loc *time.Location) NotifierOption {
	return func(n *EventNotifier) { n.site = loc }
}

// NewEventNotifier EventNotifier を作成
func NewEventNotifier(store Store, transport Transport, translator Translator, opts ...NotifierOption) *EventNotifier {
	n := &EventNotifier{
		events:     store,
		users:      store,
		calendars:  store,
		access:     store,
		transport:  transport,
		translator: translator,
		site:       time.UTC,
		workers:    1,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// pass 1回の通知パスの状態
type pass struct {
	kind       string
	event      *domain.Event
	ownerName  string
	inGroup    string
	start      time.Time
	end        time.Time
	viewerID   string
	channels   []string
	withEntity bool

	mu        sync.Mutex
	processed map[string]struct{}
	result    PassResult
}

// claim ユーザーを処理済みにする。既に処理済みなら false
func (p *pass) claim(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.processed[userID]; ok {
		return false
	}
	p.processed[userID] = struct{}{}
	return true
}

func (p *pass) count(f func(r *PassResult)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f(&p.result)
}

// NotifyEventUpdated イベント更新をカレンダー登録者へ通知する
func (n *EventNotifier) NotifyEventUpdated(ctx context.Context, eventID string) (PassResult, error) {
	ev, err := n.loadEvent(ctx, eventID)
	if err != nil {
		return PassResult{}, err
	}

	start := ev.Schedule.Start
	if occ, err := occurrence.Nearest(ev, n.clock()); err == nil {
		start = occ.Start
	}

	p := n.newPass(ctx, domain.NotificationEventUpdate, ev, start, start.Add(ev.Schedule.Length()))
	p.withEntity = ev.CanComment
	return n.run(ctx, p)
}

// NotifyEventReminder 開催前のリマインダーを送る
//
// 対象は reminderTime 以降で最初の開催。定期実行からは対象の開催の開始時刻が
// 渡される。reminderTime がゼロ値なら現在時刻を使う。forced でない場合、
// 対象の開催が reminderTime より ReminderGrace 以上前ならパス全体を送信せずに
// 終了する。
func (n *EventNotifier) NotifyEventReminder(ctx context.Context, eventID string, reminderTime time.Time, forced bool) (PassResult, error) {
	if reminderTime.IsZero() {
		reminderTime = n.clock()
	}

	ev, err := n.loadEvent(ctx, eventID)
	if err != nil {
		return PassResult{}, err
	}

	occ, err := occurrence.Nearest(ev, reminderTime)
	if err != nil {
		if errors.Is(err, domain.ErrNoOccurrence) {
			slog.InfoContext(ctx, "reminder skipped: event has no occurrences", slog.String("event_id", ev.ID))
			return PassResult{Aborted: true}, nil
		}
		return PassResult{}, err
	}

	if !forced && occ.Start.Before(reminderTime.Add(-ReminderGrace)) {
		slog.InfoContext(ctx, "reminder skipped: occurrence already passed",
			slog.String("event_id", ev.ID),
			slog.Time("start", occ.Start),
			slog.Time("reminder_time", reminderTime),
		)
		return PassResult{Aborted: true}, nil
	}

	p := n.newPass(ctx, domain.NotificationEventReminder, ev, occ.Start, occ.End)
	return n.run(ctx, p)
}

func (n *EventNotifier) loadEvent(ctx context.Context, eventID string) (*domain.Event, error) {
	elevated, release := access.Elevate(ctx)
	defer release()

	ev, err := n.events.GetEvent(elevated, eventID)
	if err != nil {
		return nil, fmt.Errorf("イベント %s の取得に失敗しました: %w", eventID, err)
	}
	return ev, nil
}

func (n *EventNotifier) newPass(ctx context.Context, kind string, ev *domain.Event, start, end time.Time) *pass {
	p := &pass{
		kind:      kind,
		event:     ev,
		start:     start,
		end:       end,
		viewerID:  access.Viewer(ctx),
		channels:  n.transport.Channels(),
		processed: make(map[string]struct{}),
	}

	elevated, release := access.Elevate(ctx)
	owner, err := n.users.GetUser(elevated, ev.OwnerID)
	release()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load event owner",
			slog.String("event_id", ev.ID),
			slog.String("owner_id", ev.OwnerID),
			slog.String("error", err.Error()),
		)
	} else {
		p.ownerName = owner.Name
	}

	if ev.Container.IsGroup() {
		p.inGroup = n.translator.Translate("events:notify:subject:ingroup", ev.Container.Name)
	}
	return p
}

// run カレンダーを順に辿り、ユーザーごとに1通だけ配信する
func (n *EventNotifier) run(ctx context.Context, p *pass) (PassResult, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(n.workers, 1))

	var iterErr error
	for cal, err := range n.calendars.CalendarsForEvent(ctx, p.event.ID) {
		if err != nil {
			iterErr = fmt.Errorf("カレンダーの列挙に失敗しました: %w", err)
			break
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			n.notifyCalendarOwner(ctx, p, cal)
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	result := p.result
	p.mu.Unlock()

	slog.InfoContext(ctx, "notification pass finished",
		slog.String("type", p.kind),
		slog.String("event_id", p.event.ID),
		slog.Int("dispatched", result.Dispatched),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", result.Failed),
	)
	return result, iterErr
}

func (n *EventNotifier) notifyCalendarOwner(ctx context.Context, p *pass, cal *domain.Calendar) {
	if cal.Owner.Kind != domain.ContainerUser {
		return
	}
	userID := cal.Owner.ID
	if !p.claim(userID) {
		return
	}

	user, ok := n.lookupUser(ctx, p, userID)
	if !ok {
		return
	}

	visible, err := n.visibleTo(ctx, p.event, user.ID)
	if err != nil {
		p.count(func(r *PassResult) { r.Failed++ })
		slog.ErrorContext(ctx, "access check failed",
			slog.String("event_id", p.event.ID),
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !visible {
		p.count(func(r *PassResult) { r.Skipped++ })
		slog.DebugContext(ctx, "user has no access to event",
			slog.String("event_id", p.event.ID),
			slog.String("user_id", user.ID),
		)
		return
	}

	if p.viewerID == user.ID && !user.NotifySelf {
		p.count(func(r *PassResult) { r.Skipped++ })
		return
	}

	channels := EnabledChannels(user, p.kind, p.channels)
	if len(channels) == 0 {
		p.count(func(r *PassResult) { r.Skipped++ })
		return
	}

	msg := n.buildMessage(p, cal, user, channels)
	if err := n.transport.Dispatch(ctx, msg); err != nil {
		p.count(func(r *PassResult) { r.Failed++ })
		slog.ErrorContext(ctx, "failed to dispatch notification",
			slog.String("type", p.kind),
			slog.String("event_id", p.event.ID),
			slog.String("user_id", user.ID),
			slog.Any("channels", channels),
			slog.String("error", err.Error()),
		)
		return
	}
	p.count(func(r *PassResult) { r.Dispatched++ })
}

func (n *EventNotifier) lookupUser(ctx context.Context, p *pass, userID string) (*domain.User, bool) {
	elevated, release := access.Elevate(ctx)
	defer release()

	user, err := n.users.GetUser(elevated, userID)
	if err != nil {
		p.count(func(r *PassResult) { r.Failed++ })
		slog.ErrorContext(ctx, "failed to load calendar owner",
			slog.String("event_id", p.event.ID),
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	return user, true
}

// visibleTo 閲覧者の権限に関係なく、userID がイベントを閲覧できるか判定する
func (n *EventNotifier) visibleTo(ctx context.Context, ev *domain.Event, userID string) (bool, error) {
	elevated, release := access.Elevate(ctx)
	defer release()
	return n.access.HasAccess(elevated, ev, userID)
}

func (n *EventNotifier) buildMessage(p *pass, cal *domain.Calendar, user *domain.User, channels []string) domain.Message {
	loc := tzutil.ClientLocation(user.Timezone, n.site)
	ev := p.event
	dateRange := tzutil.FormatDateRange(p.start, p.end, loc)

	var subject, body string
	switch p.kind {
	case domain.NotificationEventReminder:
		subject = n.translator.Translate("event:notify:eventreminder:subject",
			ev.Title, p.inGroup, p.start.In(loc).Format(tzutil.DateTimeLayout))
		body = n.translator.Translate("event:notify:eventreminder:message",
			ev.Title, p.inGroup, dateRange, ev.Location, ev.Description)
	default:
		subject = n.translator.Translate("event:notify:eventupdate:subject",
			ev.Title, p.inGroup, p.ownerName)
		body = n.translator.Translate("event:notify:eventupdate:message",
			p.ownerName, ev.Title, p.inGroup, dateRange, ev.Location, ev.Description)
	}

	hc := HookContext{
		Type:     p.kind,
		Event:    ev,
		Calendar: cal,
		User:     user,
		Start:    p.start,
		End:      p.end,
	}
	subject = applyHook(n.subjectHook, hc, subject)
	body = applyHook(n.messageHook, hc, body)

	msg := domain.Message{
		UserID:    user.ID,
		ContextID: ev.Container.ID,
		Subject:   subject,
		Body:      body,
		Channels:  channels,
	}
	if p.withEntity {
		msg.EntityID = ev.ID
	}
	return msg
}

func applyHook(h TextHook, hc HookContext, def string) string {
	if h == nil {
		return def
	}
	hc.Default = def
	if s, ok := h(hc); ok {
		return s
	}
	return def
}
