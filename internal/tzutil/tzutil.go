package tzutil

import (
	"fmt"
	"time"
)

// UTC 基準タイムゾーン名
const UTC = "UTC"

// LoadLocation タイムゾーン名を解決する。空なら fallback を返す
func LoadLocation(name string, fallback *time.Location) (*time.Location, error) {
	if name == "" {
		return fallback, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("タイムゾーン %s の読み込みに失敗しました: %w", name, err)
	}
	return loc, nil
}

// ClientLocation ユーザーのタイムゾーンを解決する。不正な名前はサイト既定にフォールバック
func ClientLocation(name string, site *time.Location) *time.Location {
	loc, err := LoadLocation(name, site)
	if err != nil {
		return site
	}
	return loc
}

// GetOffset ts 時点での from から to へのオフセット
//
// 夏時間は問い合わせ時刻ではなく ts 時点の規則で評価する。
func GetOffset(ts time.Time, from, to *time.Location) time.Duration {
	_, fromOffset := ts.In(from).Zone()
	_, toOffset := ts.In(to).Zone()
	return time.Duration(toOffset-fromOffset) * time.Second
}

// GetMonthStart ts を含む月の最初の1秒（loc 基準）
func GetMonthStart(ts time.Time, loc *time.Location) time.Time {
	t := ts.In(loc)
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
}

// GetMonthEnd ts を含む月の最後の1秒（loc 基準）
func GetMonthEnd(ts time.Time, loc *time.Location) time.Time {
	return GetMonthStart(ts, loc).AddDate(0, 1, 0).Add(-time.Second)
}

// FormatDateRange 開始・終了をユーザーのタイムゾーンで整形
func FormatDateRange(start, end time.Time, loc *time.Location) string {
	s := start.In(loc)
	e := end.In(loc)
	if !e.After(s) {
		return s.Format(DateTimeLayout)
	}
	if s.Year() == e.Year() && s.YearDay() == e.YearDay() {
		return s.Format(DateTimeLayout) + " - " + e.Format(TimeLayout)
	}
	return s.Format(DateTimeLayout) + " - " + e.Format(DateTimeLayout)
}

const (
	// DateTimeLayout 通知で使う日時の書式
	DateTimeLayout = "Mon, January 2 3:04pm MST"
	// TimeLayout 同日内の終了時刻の書式
	TimeLayout = "3:04pm MST"
)
