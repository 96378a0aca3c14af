package domain

import (
	"regexp"
	"strconv"
	"time"

	"github.com/rpattn/ddfstore/internal/errors"
)

// Time types recognised in time concept columns.
const (
	TimeTypeYear    = "YEAR_TYPE"
	TimeTypeQuarter = "QUARTER_TYPE"
	TimeTypeMonth   = "MONTH_TYPE"
	TimeTypeWeek    = "WEEK_TYPE"
	TimeTypeDay     = "DATE_TYPE"
)

// TimeDescriptor is the resolved form of a time dimension value.
type TimeDescriptor struct {
	ConceptGid string `json:"conceptGid"`
	TimeType   string `json:"timeType"`
	Millis     int64  `json:"millis"`
}

var (
	yearPattern    = regexp.MustCompile(`^(\d{4})$`)
	quarterPattern = regexp.MustCompile(`^(\d{4})[qQ]([1-4])$`)
	monthPattern   = regexp.MustCompile(`^(\d{4})-?(0[1-9]|1[0-2])$`)
	weekPattern    = regexp.MustCompile(`^(\d{4})[wW](0[1-9]|[1-4]\d|5[0-3])$`)
	dayPattern     = regexp.MustCompile(`^(\d{4})-?(0[1-9]|1[0-2])-?(0[1-9]|[12]\d|3[01])$`)
)

// ParseTime resolves a DDF time cell ("2015", "2015q2", "201503", "2015-03",
// "2015w07", "20150301") to its type and the UTC millisecond of its start.
func ParseTime(raw string) (timeType string, millis int64, err error) {
	switch {
	case yearPattern.MatchString(raw):
		y := atoi(yearPattern.FindStringSubmatch(raw)[1])
		return TimeTypeYear, utcMillis(y, 1, 1), nil
	case quarterPattern.MatchString(raw):
		m := quarterPattern.FindStringSubmatch(raw)
		return TimeTypeQuarter, utcMillis(atoi(m[1]), (atoi(m[2])-1)*3+1, 1), nil
	case weekPattern.MatchString(raw):
		m := weekPattern.FindStringSubmatch(raw)
		return TimeTypeWeek, isoWeekStart(atoi(m[1]), atoi(m[2])), nil
	case dayPattern.MatchString(raw):
		m := dayPattern.FindStringSubmatch(raw)
		return TimeTypeDay, utcMillis(atoi(m[1]), atoi(m[2]), atoi(m[3])), nil
	case monthPattern.MatchString(raw):
		m := monthPattern.FindStringSubmatch(raw)
		return TimeTypeMonth, utcMillis(atoi(m[1]), atoi(m[2]), 1), nil
	}
	return "", 0, errors.Newf("unrecognised time value %q", raw)
}

func utcMillis(year, month, day int) int64 {
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC).UnixMilli()
}

// isoWeekStart returns the Monday of the ISO week.
func isoWeekStart(year, week int) int64 {
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	offset := int(jan4.Weekday()+6) % 7
	monday := jan4.AddDate(0, 0, -offset+(week-1)*7)
	return monday.UnixMilli()
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
