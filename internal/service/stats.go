package service

import (
	"time"

	"wisefido-presence/internal/models"
)

// ComputeStatistics 由在场事件流计算自日起点以来的在场统计（纯函数）
//
// 只看 ConfirmedAway / Returned 配对；PotentiallyAway 不影响统计。
// 跨越日起点的离开区间按日起点截断。进行中的离开计入总时长与最长
// 时长。
func ComputeStatistics(events []models.PresenceEvent, dayStart, now time.Time) models.PresenceStatistics {
	stats := models.PresenceStatistics{}

	var (
		openAwayStart *time.Time
		lastReturn    *time.Time
	)

	addAway := func(start, end time.Time) {
		if start.Before(dayStart) {
			start = dayStart
		}
		minutes := end.Sub(start).Minutes()
		if minutes < 0 {
			minutes = 0
		}
		stats.TotalAwayMinutes += minutes
		if minutes > stats.LongestAwayMinutes {
			stats.LongestAwayMinutes = minutes
		}
	}

	for _, e := range events {
		switch e.Kind {
		case models.EventConfirmedAway:
			start := e.Timestamp
			openAwayStart = &start
			stats.AwayCount++

		case models.EventReturned:
			start := e.Timestamp
			if openAwayStart != nil {
				start = *openAwayStart
			} else if e.DurationMinutes != nil {
				// 重启后第一条就是 Returned：从回溯时长还原离开起点
				start = e.Timestamp.Add(-time.Duration(*e.DurationMinutes * float64(time.Minute)))
				stats.AwayCount++
			}
			addAway(start, e.Timestamp)
			openAwayStart = nil
			ret := e.Timestamp
			lastReturn = &ret
		}
	}

	// 进行中的离开
	if openAwayStart != nil {
		addAway(*openAwayStart, now)
	}

	elapsed := now.Sub(dayStart).Minutes()
	if elapsed < 0 {
		elapsed = 0
	}
	stats.TotalActiveMinutes = elapsed - stats.TotalAwayMinutes
	if stats.TotalActiveMinutes < 0 {
		stats.TotalActiveMinutes = 0
	}

	// 当前活跃会话：最后一次返回（或日起点）至今；当前离开中则为 0
	if openAwayStart == nil {
		sessionStart := dayStart
		if lastReturn != nil && lastReturn.After(dayStart) {
			sessionStart = *lastReturn
		}
		session := now.Sub(sessionStart).Minutes()
		if session < 0 {
			session = 0
		}
		stats.CurrentSessionMinutes = session
	}

	return stats
}
