package domain

// 通知種別
const (
	NotificationAddToCalendar = "addtocal"
	NotificationEventUpdate   = "eventupdate"
	NotificationEventReminder = "eventreminder"
	NotificationDailyDigest   = "dailydigest"
)

// リレーション名
const (
	RelationshipMember         = "member"
	RelationshipCalendarNoSync = "calendar_nosync"
)

// NotificationTypes カレンダー関連の通知種別一覧
func NotificationTypes() []string {
	return []string{
		NotificationAddToCalendar,
		NotificationEventUpdate,
		NotificationEventReminder,
		NotificationDailyDigest,
	}
}

// Preferences チャネル × 通知種別ごとの受信設定
//
// キーは "channel:type"。未設定は有効扱い。
type Preferences map[string]bool

// Enabled 指定チャネル・通知種別が有効か
func (p Preferences) Enabled(channel, notification string) bool {
	v, ok := p[channel+":"+notification]
	return !ok || v
}

// Set 設定を更新
func (p Preferences) Set(channel, notification string, enabled bool) {
	p[channel+":"+notification] = enabled
}

// User ユーザー
type User struct {
	ID         string
	Name       string
	LineUserID string
	// Timezone IANA タイムゾーン名。空ならサイト既定
	Timezone string
	// NotifySelf 自分が操作したイベントでも通知を受け取るか
	NotifySelf  bool
	Preferences Preferences
}
