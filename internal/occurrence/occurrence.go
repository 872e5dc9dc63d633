package occurrence

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/k-negishi/group-calendar-notifier/internal/domain"
)

// maxOccurrencesPerEvent 1回の展開で返す開催数の上限
const maxOccurrencesPerEvent = 5000

// Instances [windowStart, windowEnd) に開始する開催を開始時刻順に返す
//
// 単発イベントは高々1件。繰り返しイベントは起点から順に進め、
// windowStart より前の候補は読み飛ばし、windowEnd に達した時点で打ち切る。
// 読み飛ばす候補数には上限を設けないため、Next と同じ開催が必ず見つかる。
func Instances(ev *domain.Event, windowStart, windowEnd time.Time) (iter.Seq[domain.Occurrence], error) {
	if windowEnd.Before(windowStart) {
		return nil, fmt.Errorf("%w: %s - %s", domain.ErrInvalidWindow, windowStart.Format(time.RFC3339), windowEnd.Format(time.RFC3339))
	}

	if !ev.Schedule.Recurring() {
		return func(yield func(domain.Occurrence) bool) {
			start := ev.Schedule.Start
			if inWindow(start, windowStart, windowEnd) {
				yield(makeOccurrence(ev, start))
			}
		}, nil
	}

	set, err := buildSet(ev.Schedule)
	if err != nil {
		return nil, err
	}

	return func(yield func(domain.Occurrence) bool) {
		next := set.Iterator()
		emitted := 0
		for {
			start, ok := next()
			if !ok || !start.Before(windowEnd) {
				return
			}
			if start.Before(windowStart) {
				continue
			}
			if emitted >= maxOccurrencesPerEvent {
				slog.Error("occurrence cap reached",
					slog.String("event_id", ev.ID),
					slog.Int("cap", maxOccurrencesPerEvent),
				)
				return
			}
			emitted++
			if !yield(makeOccurrence(ev, start)) {
				return
			}
		}
	}, nil
}

// All Instances の結果をスライスで返す
func All(ev *domain.Event, windowStart, windowEnd time.Time) ([]domain.Occurrence, error) {
	seq, err := Instances(ev, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	return slices.Collect(seq), nil
}

// Next after 以降で最初の開催。繰り返しが終了していれば domain.ErrNoOccurrence
func Next(ev *domain.Event, after time.Time) (domain.Occurrence, error) {
	if !ev.Schedule.Recurring() {
		if ev.Schedule.Start.Before(after) {
			return domain.Occurrence{}, domain.ErrNoOccurrence
		}
		return makeOccurrence(ev, ev.Schedule.Start), nil
	}

	set, err := buildSet(ev.Schedule)
	if err != nil {
		return domain.Occurrence{}, err
	}
	start := set.After(after, true)
	if start.IsZero() {
		return domain.Occurrence{}, domain.ErrNoOccurrence
	}
	return makeOccurrence(ev, start), nil
}

// Previous before より前で最後の開催
func Previous(ev *domain.Event, before time.Time) (domain.Occurrence, error) {
	if !ev.Schedule.Recurring() {
		if !ev.Schedule.Start.Before(before) {
			return domain.Occurrence{}, domain.ErrNoOccurrence
		}
		return makeOccurrence(ev, ev.Schedule.Start), nil
	}

	set, err := buildSet(ev.Schedule)
	if err != nil {
		return domain.Occurrence{}, err
	}
	start := set.Before(before, false)
	if start.IsZero() {
		return domain.Occurrence{}, domain.ErrNoOccurrence
	}
	return makeOccurrence(ev, start), nil
}

// Nearest at 以降の開催。終了済みなら直近の過去の開催を返す
func Nearest(ev *domain.Event, at time.Time) (domain.Occurrence, error) {
	occ, err := Next(ev, at)
	if errors.Is(err, domain.ErrNoOccurrence) {
		return Previous(ev, at)
	}
	return occ, err
}

func buildSet(s domain.Schedule) (*rrule.Set, error) {
	opt, err := rrule.StrToROption(strings.TrimPrefix(s.Rule, "RRULE:"))
	if err != nil {
		return nil, fmt.Errorf("RRULE %q の解析に失敗しました: %w", s.Rule, err)
	}
	opt.Dtstart = s.Start
	if !s.Until.IsZero() && (opt.Until.IsZero() || s.Until.Before(opt.Until)) {
		opt.Until = s.Until
	}

	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("RRULE %q の生成に失敗しました: %w", s.Rule, err)
	}

	set := &rrule.Set{}
	set.RRule(r)
	for _, ex := range s.ExDates {
		set.ExDate(ex.In(s.Start.Location()))
	}
	return set, nil
}

func makeOccurrence(ev *domain.Event, start time.Time) domain.Occurrence {
	return domain.Occurrence{
		EventID: ev.ID,
		Start:   start,
		End:     start.Add(ev.Schedule.Length()),
	}
}

func inWindow(ts, windowStart, windowEnd time.Time) bool {
	return !ts.Before(windowStart) && ts.Before(windowEnd)
}
