package gateway

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/k-negishi/group-calendar-notifier/internal/access"
	"github.com/k-negishi/group-calendar-notifier/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DefaultPageSize 列挙時に1回のクエリで読む件数
const DefaultPageSize = 200

// SQLiteStore SQLite を使ったエンティティストア
type SQLiteStore struct {
	db       *sql.DB
	pageSize int
}

// NewSQLiteStore データベースを開き、スキーマを最新にする
//
// path に ":memory:" を渡すとインメモリで動作する。
func NewSQLiteStore(ctx context.Context, path string, pageSize int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("データベースのオープンに失敗しました: %w", err)
	}
	// インメモリDBは接続ごとに別物になるため1本に固定する
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベースへの接続に失敗しました: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &SQLiteStore{db: db, pageSize: pageSize}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("マイグレーションの読み込みに失敗しました: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("マイグレーションドライバの作成に失敗しました: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("マイグレーションの初期化に失敗しました: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("マイグレーションの適用に失敗しました: %w", err)
	}
	return nil
}

// Close データベースを閉じる
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// eventRecord events.body に保存する JSON
type eventRecord struct {
	Title         string        `json:"title"`
	Description   string        `json:"description,omitempty"`
	Location      string        `json:"location,omitempty"`
	ContainerName string        `json:"container_name,omitempty"`
	CanComment    bool          `json:"can_comment,omitempty"`
	TZ            string        `json:"tz"`
	Start         time.Time     `json:"start"`
	Until         time.Time     `json:"until"`
	Rule          string        `json:"rule,omitempty"`
	ExDates       []time.Time   `json:"exdates,omitempty"`
	Delta         time.Duration `json:"delta"`
	EndDelta      time.Duration `json:"end_delta,omitempty"`
}

func toRecord(ev *domain.Event) eventRecord {
	return eventRecord{
		Title:         ev.Title,
		Description:   ev.Description,
		Location:      ev.Location,
		ContainerName: ev.Container.Name,
		CanComment:    ev.CanComment,
		TZ:            ev.Schedule.Start.Location().String(),
		Start:         ev.Schedule.Start,
		Until:         ev.Schedule.Until,
		Rule:          ev.Schedule.Rule,
		ExDates:       ev.Schedule.ExDates,
		Delta:         ev.Schedule.Delta,
		EndDelta:      ev.Schedule.EndDelta,
	}
}

func (r eventRecord) schedule() domain.Schedule {
	loc, err := time.LoadLocation(r.TZ)
	if err != nil {
		loc = time.UTC
	}
	s := domain.Schedule{
		Start:    r.Start.In(loc),
		Rule:     r.Rule,
		Delta:    r.Delta,
		EndDelta: r.EndDelta,
	}
	if !r.Until.IsZero() {
		s.Until = r.Until.In(loc)
	}
	for _, ex := range r.ExDates {
		s.ExDates = append(s.ExDates, ex.In(loc))
	}
	return s
}

type scanner interface {
	Scan(dest ...any) error
}

const eventColumns = "id, owner_id, container_kind, container_id, access, updated_at, body"

func scanEvent(row scanner) (*domain.Event, error) {
	var (
		ev        domain.Event
		kind      int
		updatedAt int64
		body      string
	)
	if err := row.Scan(&ev.ID, &ev.OwnerID, &kind, &ev.Container.ID, &ev.Access, &updatedAt, &body); err != nil {
		return nil, err
	}
	var rec eventRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("イベント %s のデコードに失敗しました: %w", ev.ID, err)
	}
	ev.Container.Kind = domain.ContainerKind(kind)
	ev.Container.Name = rec.ContainerName
	ev.Title = rec.Title
	ev.Description = rec.Description
	ev.Location = rec.Location
	ev.CanComment = rec.CanComment
	ev.Schedule = rec.schedule()
	ev.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &ev, nil
}

// GetEvent イベントを取得する
//
// 昇格していないコンテキストでは、閲覧者が見られないイベントは存在しないものとして扱う。
func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*domain.Event, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM events WHERE id = ?", id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("イベント %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if access.Ignored(ctx) {
		return ev, nil
	}
	ok, err := s.canView(ctx, ev, access.Viewer(ctx))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("イベント %s: %w", id, domain.ErrNotFound)
	}
	return ev, nil
}

// SaveEvent イベントを作成または更新する
func (s *SQLiteStore) SaveEvent(ctx context.Context, ev *domain.Event) error {
	body, err := json.Marshal(toRecord(ev))
	if err != nil {
		return fmt.Errorf("イベント %s のエンコードに失敗しました: %w", ev.ID, err)
	}
	updatedAt := ev.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, owner_id, container_kind, container_id, access, updated_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = excluded.owner_id,
			container_kind = excluded.container_kind,
			container_id = excluded.container_id,
			access = excluded.access,
			updated_at = excluded.updated_at,
			body = excluded.body`,
		ev.ID, ev.OwnerID, int(ev.Container.Kind), ev.Container.ID, int(ev.Access), updatedAt.Unix(), string(body),
	)
	if err != nil {
		return fmt.Errorf("イベント %s の保存に失敗しました: %w", ev.ID, err)
	}
	return nil
}

// DeleteEvent イベントを削除する。カレンダーからの参照は残る
func (s *SQLiteStore) DeleteEvent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("イベント %s の削除に失敗しました: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("イベント %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Events 全イベントを ID 順に列挙する
func (s *SQLiteStore) Events(ctx context.Context) iter.Seq2[*domain.Event, error] {
	return paginate(s.pageSize, func(after string, limit int) ([]*domain.Event, string, error) {
		rows, err := s.db.QueryContext(ctx,
			"SELECT "+eventColumns+" FROM events WHERE id > ? ORDER BY id LIMIT ?", after, limit)
		if err != nil {
			return nil, "", err
		}
		defer rows.Close()

		var page []*domain.Event
		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				return nil, "", err
			}
			page = append(page, ev)
		}
		if len(page) == 0 {
			return nil, "", rows.Err()
		}
		return page, page[len(page)-1].ID, rows.Err()
	})
}

// SaveUser ユーザーを作成または更新する
func (s *SQLiteStore) SaveUser(ctx context.Context, u *domain.User) error {
	p := u.Preferences
	if p == nil {
		p = domain.Preferences{}
	}
	prefs, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("ユーザー %s の設定のエンコードに失敗しました: %w", u.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, line_user_id, timezone, notify_self, preferences)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			line_user_id = excluded.line_user_id,
			timezone = excluded.timezone,
			notify_self = excluded.notify_self,
			preferences = excluded.preferences`,
		u.ID, u.Name, u.LineUserID, u.Timezone, u.NotifySelf, string(prefs),
	)
	if err != nil {
		return fmt.Errorf("ユーザー %s の保存に失敗しました: %w", u.ID, err)
	}
	return nil
}

const userColumns = "u.id, u.name, u.line_user_id, u.timezone, u.notify_self, u.preferences"

func scanUser(row scanner) (*domain.User, error) {
	var (
		u     domain.User
		prefs string
	)
	if err := row.Scan(&u.ID, &u.Name, &u.LineUserID, &u.Timezone, &u.NotifySelf, &prefs); err != nil {
		return nil, err
	}
	u.Preferences = domain.Preferences{}
	if err := json.Unmarshal([]byte(prefs), &u.Preferences); err != nil {
		return nil, fmt.Errorf("ユーザー %s の設定のデコードに失敗しました: %w", u.ID, err)
	}
	return &u, nil
}

// GetUser ユーザーを取得する
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users u WHERE u.id = ?", id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ユーザー %s: %w", id, domain.ErrNotFound)
	}
	return u, err
}

// SaveGroup グループを作成または更新する
func (s *SQLiteStore) SaveGroup(ctx context.Context, g *domain.Group) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_groups (id, name) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`,
		g.ID, g.Name,
	)
	if err != nil {
		return fmt.Errorf("グループ %s の保存に失敗しました: %w", g.ID, err)
	}
	return nil
}

// GetGroup グループを取得する
func (s *SQLiteStore) GetGroup(ctx context.Context, id string) (*domain.Group, error) {
	var g domain.Group
	err := s.db.QueryRowContext(ctx, "SELECT id, name FROM user_groups WHERE id = ?", id).Scan(&g.ID, &g.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("グループ %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GroupMembers グループのメンバーを ID 順にページングしながら列挙する
func (s *SQLiteStore) GroupMembers(ctx context.Context, groupID string) iter.Seq2[*domain.User, error] {
	return paginate(s.pageSize, func(after string, limit int) ([]*domain.User, string, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+userColumns+`
			FROM relationships r JOIN users u ON u.id = r.subject
			WHERE r.predicate = ? AND r.object = ? AND u.id > ?
			ORDER BY u.id LIMIT ?`,
			domain.RelationshipMember, groupID, after, limit)
		if err != nil {
			return nil, "", err
		}
		defer rows.Close()

		var page []*domain.User
		for rows.Next() {
			u, err := scanUser(rows)
			if err != nil {
				return nil, "", err
			}
			page = append(page, u)
		}
		if len(page) == 0 {
			return nil, "", rows.Err()
		}
		return page, page[len(page)-1].ID, rows.Err()
	})
}

// CalendarsForEvent イベントを参照している、ユーザーが保持するカレンダーを列挙する
func (s *SQLiteStore) CalendarsForEvent(ctx context.Context, eventID string) iter.Seq2[*domain.Calendar, error] {
	return paginate(s.pageSize, func(after string, limit int) ([]*domain.Calendar, string, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT c.id, c.owner_kind, c.owner_id
			FROM calendar_events ce JOIN calendars c ON c.id = ce.calendar_id
			WHERE ce.event_id = ? AND c.owner_kind = ? AND c.id > ?
			ORDER BY c.id LIMIT ?`,
			eventID, int(domain.ContainerUser), after, limit)
		if err != nil {
			return nil, "", err
		}
		defer rows.Close()

		var page []*domain.Calendar
		for rows.Next() {
			cal, err := scanCalendar(rows)
			if err != nil {
				return nil, "", err
			}
			page = append(page, cal)
		}
		if len(page) == 0 {
			return nil, "", rows.Err()
		}
		return page, page[len(page)-1].ID, rows.Err()
	})
}

func scanCalendar(row scanner) (*domain.Calendar, error) {
	var (
		cal  domain.Calendar
		kind int
	)
	if err := row.Scan(&cal.ID, &kind, &cal.Owner.ID); err != nil {
		return nil, err
	}
	cal.Owner.Kind = domain.ContainerKind(kind)
	return &cal, nil
}

// CalendarsForUser ユーザーが持つカレンダーを、参照しているイベントID付きで返す
func (s *SQLiteStore) CalendarsForUser(ctx context.Context, userID string) ([]*domain.Calendar, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, owner_kind, owner_id FROM calendars WHERE owner_kind = ? AND owner_id = ? ORDER BY personal DESC, id",
		int(domain.ContainerUser), userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザー %s のカレンダー取得に失敗しました: %w", userID, err)
	}
	var cals []*domain.Calendar
	for rows.Next() {
		cal, err := scanCalendar(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		cals = append(cals, cal)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, cal := range cals {
		if err := s.loadEventIDs(ctx, cal); err != nil {
			return nil, err
		}
	}
	return cals, nil
}

func (s *SQLiteStore) loadEventIDs(ctx context.Context, cal *domain.Calendar) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT event_id FROM calendar_events WHERE calendar_id = ? ORDER BY rowid", cal.ID)
	if err != nil {
		return fmt.Errorf("カレンダー %s のイベント取得に失敗しました: %w", cal.ID, err)
	}
	defer rows.Close()

	cal.EventIDs = cal.EventIDs[:0]
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		cal.EventIDs = append(cal.EventIDs, id)
	}
	return rows.Err()
}

// PersonalCalendar ユーザーの既定カレンダー。初回に作成する
func (s *SQLiteStore) PersonalCalendar(ctx context.Context, userID string) (*domain.Calendar, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO calendars (id, owner_kind, owner_id, personal) VALUES (?, ?, ?, 1)",
		uuid.NewString(), int(domain.ContainerUser), user.ID)
	if err != nil {
		return nil, fmt.Errorf("ユーザー %s の既定カレンダー作成に失敗しました: %w", user.ID, err)
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT id, owner_kind, owner_id FROM calendars WHERE owner_kind = ? AND owner_id = ? AND personal = 1",
		int(domain.ContainerUser), user.ID)
	cal, err := scanCalendar(row)
	if err != nil {
		return nil, fmt.Errorf("ユーザー %s の既定カレンダー取得に失敗しました: %w", user.ID, err)
	}
	cal.Owner.Name = user.Name
	if err := s.loadEventIDs(ctx, cal); err != nil {
		return nil, err
	}
	return cal, nil
}

// AddEvent カレンダーにイベントを追加する。既にあれば false
func (s *SQLiteStore) AddEvent(ctx context.Context, calendarID, eventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO calendar_events (calendar_id, event_id) VALUES (?, ?)", calendarID, eventID)
	if err != nil {
		return false, fmt.Errorf("カレンダー %s へのイベント追加に失敗しました: %w", calendarID, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RemoveEventReferences 全カレンダーからイベントを取り除く
func (s *SQLiteStore) RemoveEventReferences(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM calendar_events WHERE event_id = ?", eventID)
	return err
}

// HasRelationship リレーションの有無
func (s *SQLiteStore) HasRelationship(ctx context.Context, subject, predicate, object string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM relationships WHERE subject = ? AND predicate = ? AND object = ?)",
		subject, predicate, object).Scan(&exists)
	return exists, err
}

// AddRelationship リレーションを追加する。既にあれば何もしない
func (s *SQLiteStore) AddRelationship(ctx context.Context, subject, predicate, object string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO relationships (subject, predicate, object) VALUES (?, ?, ?)",
		subject, predicate, object)
	return err
}

// RemoveRelationship リレーションを削除する
func (s *SQLiteStore) RemoveRelationship(ctx context.Context, subject, predicate, object string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM relationships WHERE subject = ? AND predicate = ? AND object = ?",
		subject, predicate, object)
	return err
}

// HasAccess userID がイベントを閲覧できるか
//
// 昇格していない呼び出し元が判定できるのは自分自身の権限だけ。
func (s *SQLiteStore) HasAccess(ctx context.Context, ev *domain.Event, userID string) (bool, error) {
	if viewer := access.Viewer(ctx); !access.Ignored(ctx) && viewer != "" && viewer != userID {
		return false, fmt.Errorf("ユーザー %s の権限は参照できません: %w", userID, domain.ErrAccessDenied)
	}
	return s.canView(ctx, ev, userID)
}

func (s *SQLiteStore) canView(ctx context.Context, ev *domain.Event, userID string) (bool, error) {
	if userID != "" && userID == ev.OwnerID {
		return true, nil
	}
	switch ev.Access {
	case domain.AccessPublic:
		return true, nil
	case domain.AccessLoggedIn:
		return userID != "", nil
	case domain.AccessMembers:
		if userID == "" {
			return false, nil
		}
		if !ev.Container.IsGroup() {
			return userID == ev.Container.ID, nil
		}
		return s.HasRelationship(ctx, userID, domain.RelationshipMember, ev.Container.ID)
	default:
		return false, nil
	}
}

// paginate キーセットページングで列挙する
//
// 1ページ分を読み切ってから yield するため、呼び出し側の処理中にカーソルを保持しない。
func paginate[T any](pageSize int, fetch func(after string, limit int) ([]T, string, error)) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		after := ""
		for {
			page, last, err := fetch(after, pageSize)
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			for _, item := range page {
				if !yield(item, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after = last
		}
	}
}
