package settlement

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultDueDateOffsetDays is the number of calendar days between week end and payout due date.
const DefaultDueDateOffsetDays = 3

// WeekRange is a Monday–Sunday settlement window in the operating timezone.
// End is inclusive (Sunday 23:59:59.999999999).
type WeekRange struct {
	Start       time.Time
	End         time.Time
	IsoYearWeek int
}

// ComputeIsoYearWeek returns the ISO-8601 week of date encoded as year*100+week.
// The ISO year is the calendar year of the Thursday in date's Monday-based week,
// so late-December dates can belong to week 1 of the next year and early-January
// dates to the last week of the previous one.
func ComputeIsoYearWeek(date time.Time) int {
	thursday := thursdayOf(civilDate(date))
	year := thursday.Year()
	week1Thursday := thursdayOf(time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC))
	days := int(thursday.Sub(week1Thursday).Hours() / 24)
	return year*100 + 1 + days/7
}

// WeekContaining returns the week that contains t, evaluated in loc.
func WeekContaining(t time.Time, loc *time.Location) WeekRange {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	offset := mondayOffset(local.Weekday())
	start := time.Date(local.Year(), local.Month(), local.Day()-offset, 0, 0, 0, 0, loc)
	return weekFromMonday(start)
}

// CurrentWeek returns the week containing now in loc.
func CurrentWeek(now time.Time, loc *time.Location) WeekRange {
	return WeekContaining(now, loc)
}

// WeekFromIsoYearWeek resolves a year*100+week value into its boundaries.
func WeekFromIsoYearWeek(isoYearWeek int, loc *time.Location) (WeekRange, error) {
	if loc == nil {
		loc = time.UTC
	}
	year, week := isoYearWeek/100, isoYearWeek%100
	if year < 1970 || week < 1 || week > 53 {
		return WeekRange{}, fmt.Errorf("%w: iso year-week %d out of range", ErrValidation, isoYearWeek)
	}
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, loc)
	week1Monday := jan4.AddDate(0, 0, -mondayOffset(jan4.Weekday()))
	monday := week1Monday.AddDate(0, 0, (week-1)*7)
	w := weekFromMonday(monday)
	if w.IsoYearWeek != isoYearWeek {
		return WeekRange{}, fmt.Errorf("%w: year %d has no week %d", ErrValidation, year, week)
	}
	return w, nil
}

// ParseWeek accepts "2025-W02", "2025W02", "202502" or a "2006-01-02" date inside the week.
func ParseWeek(value string, loc *time.Location) (WeekRange, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return WeekRange{}, fmt.Errorf("%w: empty week", ErrValidation)
	}
	if loc == nil {
		loc = time.UTC
	}
	if day, err := time.ParseInLocation("2006-01-02", value, loc); err == nil {
		return WeekContaining(day, loc), nil
	}
	compact := strings.ToUpper(strings.ReplaceAll(value, "-", ""))
	compact = strings.Replace(compact, "W", "", 1)
	if len(compact) != 6 {
		return WeekRange{}, fmt.Errorf("%w: malformed week %q", ErrValidation, value)
	}
	yw, err := strconv.Atoi(compact)
	if err != nil {
		return WeekRange{}, fmt.Errorf("%w: malformed week %q", ErrValidation, value)
	}
	return WeekFromIsoYearWeek(yw, loc)
}

// DueDate returns the payout due date: weekEnd's calendar date plus offsetDays.
func DueDate(weekEnd time.Time, offsetDays int) time.Time {
	if offsetDays < 0 {
		offsetDays = DefaultDueDateOffsetDays
	}
	day := time.Date(weekEnd.Year(), weekEnd.Month(), weekEnd.Day(), 0, 0, 0, 0, weekEnd.Location())
	return day.AddDate(0, 0, offsetDays)
}

// Validate rejects ranges that are not a full Monday–Sunday week.
func (w WeekRange) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return fmt.Errorf("%w: week boundaries required", ErrValidation)
	}
	if w.Start.Weekday() != time.Monday || w.Start.Hour() != 0 || w.Start.Minute() != 0 || w.Start.Second() != 0 || w.Start.Nanosecond() != 0 {
		return fmt.Errorf("%w: week must start on Monday 00:00, got %s", ErrValidation, w.Start.Format(time.RFC3339))
	}
	if !w.End.Equal(endOfWeek(w.Start)) {
		return fmt.Errorf("%w: week must end on the following Sunday, got %s", ErrValidation, w.End.Format(time.RFC3339))
	}
	if w.IsoYearWeek != ComputeIsoYearWeek(w.Start) {
		return fmt.Errorf("%w: iso year-week %d does not match start %s", ErrValidation, w.IsoYearWeek, w.Start.Format("2006-01-02"))
	}
	return nil
}

// Contains reports whether t falls inside the week, inclusive on both ends.
func (w WeekRange) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Previous returns the week before w.
func (w WeekRange) Previous() WeekRange {
	return weekFromMonday(w.Start.AddDate(0, 0, -7))
}

// Next returns the week after w.
func (w WeekRange) Next() WeekRange {
	return weekFromMonday(w.Start.AddDate(0, 0, 7))
}

// DueDate returns the payout due date of the week.
func (w WeekRange) DueDate(offsetDays int) time.Time {
	return DueDate(w.End, offsetDays)
}

// Label renders the week as "2025-W02".
func (w WeekRange) Label() string {
	return fmt.Sprintf("%d-W%02d", w.IsoYearWeek/100, w.IsoYearWeek%100)
}

func weekFromMonday(monday time.Time) WeekRange {
	return WeekRange{
		Start:       monday,
		End:         endOfWeek(monday),
		IsoYearWeek: ComputeIsoYearWeek(monday),
	}
}

func endOfWeek(monday time.Time) time.Time {
	return monday.AddDate(0, 0, 7).Add(-time.Nanosecond)
}

func civilDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func thursdayOf(day time.Time) time.Time {
	return day.AddDate(0, 0, 3-mondayOffset(day.Weekday()))
}

// mondayOffset is the number of days since the most recent Monday.
func mondayOffset(d time.Weekday) int {
	return (int(d) + 6) % 7
}
