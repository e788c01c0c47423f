package recurrence

import "time"

// Safety limit to prevent runaway iteration on degenerate rules.
const maxOccurrences = 10000

// Next returns the first occurrence of the rule strictly after the given
// time. Occurrences are anchored at start (the series origin). Returns nil
// when the series is exhausted by COUNT or UNTIL before reaching after.
func Next(rule Rule, start, after time.Time) *time.Time {
	count := 0
	for occ := range occurrences(rule, start) {
		count++
		if rule.Count > 0 && count > rule.Count {
			return nil
		}
		if rule.Until != nil && occ.After(*rule.Until) {
			return nil
		}
		if occ.After(after) {
			return &occ
		}
	}
	return nil
}

// occurrences yields the rule's occurrence times in order, starting at start.
func occurrences(rule Rule, start time.Time) func(yield func(time.Time) bool) {
	return func(yield func(time.Time) bool) {
		switch rule.Freq {
		case Daily:
			cur := start
			for i := 0; i < maxOccurrences; i++ {
				if !yield(cur) {
					return
				}
				cur = cur.AddDate(0, 0, rule.Interval)
			}

		case Weekly:
			if len(rule.ByDay) == 0 {
				cur := start
				for i := 0; i < maxOccurrences; i++ {
					if !yield(cur) {
						return
					}
					cur = cur.AddDate(0, 0, 7*rule.Interval)
				}
				return
			}
			week := weekStart(start)
			emitted := 0
			for emitted < maxOccurrences {
				for _, day := range sortedByDay(rule.ByDay) {
					candidate := dayInWeek(week, day, start)
					if candidate.Before(start) {
						continue
					}
					emitted++
					if !yield(candidate) {
						return
					}
				}
				week = week.AddDate(0, 0, 7*rule.Interval)
			}

		case Monthly:
			day := rule.ByMonthDay
			if day == 0 {
				day = start.Day()
			}
			cur := start
			for i := 0; i < maxOccurrences; i++ {
				if !yield(cur) {
					return
				}
				next := cur.AddDate(0, rule.Interval, 0)
				year, month, _ := next.Date()
				// Skip months too short for the target day.
				for day > daysInMonth(year, month) {
					next = next.AddDate(0, rule.Interval, 0)
					year, month, _ = next.Date()
				}
				cur = time.Date(year, month, day,
					start.Hour(), start.Minute(), start.Second(), 0, start.Location())
			}
		}
	}
}

// sortedByDay orders weekdays Monday-first to match weekStart.
func sortedByDay(days []time.Weekday) []time.Weekday {
	out := make([]time.Weekday, len(days))
	copy(out, days)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && mondayIndex(out[j]) < mondayIndex(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func mondayIndex(d time.Weekday) int {
	idx := int(d) - int(time.Monday)
	if idx < 0 {
		idx += 7
	}
	return idx
}

// dayInWeek returns the given weekday within the week starting at monday,
// keeping the time-of-day from base.
func dayInWeek(monday time.Time, day time.Weekday, base time.Time) time.Time {
	return time.Date(
		monday.Year(), monday.Month(), monday.Day()+mondayIndex(day),
		base.Hour(), base.Minute(), base.Second(), 0, base.Location(),
	)
}

// weekStart returns Monday at midnight of t's week.
func weekStart(t time.Time) time.Time {
	monday := t.AddDate(0, 0, -mondayIndex(t.Weekday()))
	return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, t.Location())
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
