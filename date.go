package fatcore

import (
	"time"
)

// fatEpoch is the first date a directory entry can hold.
var fatEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// ParseDate reads the given input as a directory entry date stamp:
//  Bits 0–4: Day of month, valid value range 1-31 inclusive.
//  Bits 5–8: Month of year, 1 = January, valid value range 1–12 inclusive.
//  Bits 9–15: Count of years from 1980, valid value range 0–127 inclusive.
// It returns a time.Time which has always a time of 00:00:00 UTC.
//
// Day or month 0 are invalid, in this case time.Time{} is returned so that
// time.Time.IsZero() can be used.
func ParseDate(input uint16) time.Time {
	dayOfMonth := input & 0x1F
	monthOfYear := input & 0x1E0 >> 5
	yearSince1980 := input & 0xFE00 >> 9

	if dayOfMonth == 0 || monthOfYear == 0 {
		return time.Time{}
	}

	return time.Date(1980+int(yearSince1980), time.Month(monthOfYear), int(dayOfMonth), 0, 0, 0, 0, time.UTC)
}

// ParseTime reads the given input as a directory entry time stamp with a
// granularity of 2 seconds:
//  Bits 0–4: 2-second count, valid value range 0–29 inclusive (0 – 58 seconds).
//  Bits 5–10: Minutes, valid value range 0–59 inclusive.
//  Bits 11–15: Hours, valid value range 0–23 inclusive.
// It returns a time.Time on January 1, year 1. Out of range values are
// capped to 23:59:59.
func ParseTime(input uint16) time.Time {
	seconds := int(input&0x1F) * 2
	minutes := input & 0x7E0 >> 5
	hours := input & 0xF800 >> 11

	result := time.Date(1, 1, 1, int(hours), int(minutes), seconds, 0, time.UTC)

	if result.Day() > 1 {
		return time.Date(1, 1, 1, 23, 59, 59, 0, time.UTC)
	}

	return result
}

// ParseDateTime combines a date and a time stamp. An invalid date results in time.Time{}.
func ParseDateTime(date, clock uint16) time.Time {
	d := ParseDate(date)
	if d.IsZero() {
		return time.Time{}
	}
	c := ParseTime(clock)
	return time.Date(d.Year(), d.Month(), d.Day(), c.Hour(), c.Minute(), c.Second(), 0, time.UTC)
}

// EncodeDate is the inverse of ParseDate. Times before 1980 are stored as the epoch.
func EncodeDate(t time.Time) uint16 {
	t = t.UTC()
	if t.Before(fatEpoch) {
		t = fatEpoch
	}
	years := t.Year() - 1980
	if years > 127 {
		years = 127
	}
	return uint16(years)<<9 |
		uint16(t.Month())<<5 |
		uint16(t.Day())
}

// EncodeTime is the inverse of ParseTime, seconds are rounded down to an even number.
func EncodeTime(t time.Time) uint16 {
	t = t.UTC()
	if t.Before(fatEpoch) {
		return 0
	}
	return uint16(t.Hour())<<11 |
		uint16(t.Minute())<<5 |
		uint16(t.Second()/2)
}
