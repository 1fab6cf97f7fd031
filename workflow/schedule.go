package workflow

import "time"

// ComputeSchedule lays itemCount publish times onto a day grid: postsPerDay
// slots per day, the first slot of each day at baseHour:00, later slots spaced
// by the slot interval. Item i lands on day i/postsPerDay, slot i%postsPerDay.
// Pure function of its inputs, so a recomputed plan always matches the
// original one.
func ComputeSchedule(baseDate time.Time, baseHour int, itemCount int, postsPerDay int, intervalHours int, intervalMinutes int) []time.Time {
	if itemCount <= 0 {
		return nil
	}
	if postsPerDay <= 0 {
		postsPerDay = 1
	}
	if baseHour < 0 || baseHour > 23 {
		baseHour = 0
	}
	interval := slotInterval(intervalHours, intervalMinutes)
	dayStart := time.Date(baseDate.Year(), baseDate.Month(), baseDate.Day(), baseHour, 0, 0, 0, time.UTC)

	out := make([]time.Time, 0, itemCount)
	for i := 0; i < itemCount; i++ {
		day := i / postsPerDay
		slot := i % postsPerDay
		out = append(out, dayStart.AddDate(0, 0, day).Add(time.Duration(slot)*interval))
	}
	return out
}

// ComputeSingle gives the publish time for one slot offset from an explicit
// base time, ignoring the day grid.
func ComputeSingle(baseTime time.Time, index int, intervalHours int, intervalMinutes int) time.Time {
	if index < 0 {
		index = 0
	}
	return baseTime.Add(time.Duration(index) * slotInterval(intervalHours, intervalMinutes))
}

// slotInterval resolves the spacing between same-day slots. A non-zero minute
// interval takes precedence over the hour interval.
func slotInterval(intervalHours int, intervalMinutes int) time.Duration {
	if intervalMinutes > 0 {
		return time.Duration(intervalMinutes) * time.Minute
	}
	if intervalHours > 0 {
		return time.Duration(intervalHours) * time.Hour
	}
	return time.Hour
}
