package cycle

import "fmt"

// Calendar selects the day-counting rule used to interpret ISO
// date-time cycle points and durations.
type Calendar int

const (
	ProlepticGregorian Calendar = iota
	Day360
	Day365
	Day366
)

func (c Calendar) String() string {
	switch c {
	case ProlepticGregorian:
		return "gregorian"
	case Day360:
		return "360day"
	case Day365:
		return "365day"
	case Day366:
		return "366day"
	default:
		return "unknown"
	}
}

// ParseCalendar parses a calendar-mode name from normalized configuration.
func ParseCalendar(name string) (Calendar, error) {
	switch name {
	case "", "gregorian", "proleptic_gregorian":
		return ProlepticGregorian, nil
	case "360day", "360_day":
		return Day360, nil
	case "365day", "365_day", "noleap":
		return Day365, nil
	case "366day", "366_day", "allleap":
		return Day366, nil
	default:
		return ProlepticGregorian, fmt.Errorf("unknown cycling calendar: %q", name)
	}
}

func isGregorianLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// daysInMonth returns the number of days in the given 1-indexed month of
// year under the calendar, used by the non-Gregorian fixed-length-year
// arithmetic in point.go.
func (c Calendar) daysInMonth(year, month int) int {
	switch c {
	case Day360:
		return 30
	case Day365:
		return [...]int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}[month-1]
	case Day366:
		return [...]int{31, 29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}[month-1]
	default: // ProlepticGregorian
		d := [...]int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}[month-1]
		if month == 2 && isGregorianLeap(year) {
			d = 29
		}
		return d
	}
}

func (c Calendar) monthsPerYear() int { return 12 }
