package domain

import "time"

// AccessLevel イベントの公開範囲
type AccessLevel int

const (
	// AccessPrivate 作成者のみ
	AccessPrivate AccessLevel = iota
	// AccessLoggedIn ログインユーザー全員
	AccessLoggedIn
	// AccessPublic 誰でも閲覧可能
	AccessPublic
	// AccessMembers コンテナ（グループ）のメンバーのみ
	AccessMembers
)

// Schedule イベントの繰り返し定義
type Schedule struct {
	// Start 繰り返しの起点。Location はイベントのタイムゾーン
	Start time.Time
	// Until 繰り返しの終了（ゼロ値なら無期限）
	Until time.Time
	// Rule RRULE 本体（例: "FREQ=WEEKLY;BYDAY=MO"）。空なら単発イベント
	Rule string
	// ExDates 除外する開催日時
	ExDates []time.Time
	// Delta 1回あたりの開催時間
	Delta time.Duration
	// EndDelta 日をまたぐ開催の長さ。設定されていれば Delta より優先
	EndDelta time.Duration
}

// Recurring 繰り返しイベントかどうか
func (s Schedule) Recurring() bool {
	return s.Rule != ""
}

// Length 1回の開催の長さ
func (s Schedule) Length() time.Duration {
	if s.EndDelta > 0 {
		return s.EndDelta
	}
	return s.Delta
}

// Event カレンダーイベントのドメインエンティティ
type Event struct {
	ID          string
	Title       string
	Description string
	Location    string
	OwnerID     string
	Container   Container
	Schedule    Schedule
	Access      AccessLevel
	// CanComment 通知にコメント用のエンティティ参照を付けるか
	CanComment bool
	UpdatedAt  time.Time
	// Cancelled 取り込み元で削除済み。ID 以外は設定されない
	Cancelled bool
}

// Occurrence 繰り返し展開後の1回分の開催
//
// 永続化はせず、同じ EventID と Start を持つものは同一とみなす。
type Occurrence struct {
	EventID string
	Start   time.Time
	End     time.Time
}

// Key 重複判定用のキー
func (o Occurrence) Key() OccurrenceKey {
	return OccurrenceKey{EventID: o.EventID, Start: o.Start.Unix()}
}

// OccurrenceKey (event_id, start_timestamp) の組
type OccurrenceKey struct {
	EventID string
	Start   int64
}
