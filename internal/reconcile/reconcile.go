// Package reconcile 将多来源的睡眠/清醒片段合并为单一的夜间汇总
//
// 算法分四步：
// 1. 冲突过滤：用户陈述优先——与任何用户陈述片段区间重叠的系统片段
//    （presence_inferred / assumed_cold_start）整体丢弃；用户陈述之间
//    从不互相丢弃（视为良性更正）
// 2. 时间线构建：把存活的睡眠片段和全部清醒片段展开为按时间排序的
//    事件流
// 3. 状态游走：从 awake 出发，开合睡眠时段与清醒打断
// 4. 聚合：总睡眠/总清醒分钟数、碎片化标记、最长时段、来源归因
//
// 纯函数，不修改输入，无副作用，可被多个读者并发调用。
package reconcile

import (
	"sort"
	"time"

	"wisefido-presence/internal/models"
)

// 同一时刻的事件排序优先级：先开后合，且清醒打断先于睡眠结束，
// 这样紧贴片段边界的打断（用户更正 23-03 / 04-07 夹一个 03-04 清醒）
// 能正确关闭并重开时段而不丢失打断。
const (
	evSleepStart = iota
	evWakeStart
	evWakeEnd
	evSleepEnd
)

type timelineEvent struct {
	at       time.Time
	kind     int
	source   models.SegmentSource
}

// Reconcile 计算对账后的夜间汇总
//
// 输入通常是触及尾随 24 小时窗口的全部片段。幂等：同一输入集两次
// 调用产出相同结果。畸形输入（无包裹睡眠的清醒、未闭合片段）跳过
// 并计数，从不致命。
func Reconcile(sleepSegments []models.SleepSegment, wakeSegments []models.WakeSegment) models.ReconciledNight {
	night := models.ReconciledNight{
		SleepPeriods:      []models.SleepPeriod{},
		WakeInterruptions: []models.WakeInterruption{},
		SourceBreakdown:   map[models.SegmentSource]float64{},
	}

	// 1. 冲突过滤：用户数据总是获胜
	surviving := filterConflicts(sleepSegments)

	// 2. 时间线构建
	var events []timelineEvent
	for _, s := range surviving {
		if s.EndTime == nil {
			// 进行中的片段无法参与对账
			night.SkippedSegments++
			continue
		}
		if !s.EndTime.After(s.StartTime) && !s.EndTime.Equal(s.StartTime) {
			night.SkippedSegments++
			continue
		}
		events = append(events,
			timelineEvent{at: s.StartTime, kind: evSleepStart, source: s.Source},
			timelineEvent{at: *s.EndTime, kind: evSleepEnd, source: s.Source},
		)
	}
	for _, w := range wakeSegments {
		if w.EndTime == nil || w.EndTime.Before(w.StartTime) {
			night.SkippedSegments++
			continue
		}
		events = append(events,
			timelineEvent{at: w.StartTime, kind: evWakeStart},
			timelineEvent{at: *w.EndTime, kind: evWakeEnd},
		)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].at.Equal(events[j].at) {
			return events[i].at.Before(events[j].at)
		}
		return events[i].kind < events[j].kind
	})

	// 3. 状态游走
	var (
		openSleeps   int                    // 当前覆盖此刻的睡眠片段数
		sourceStack  []models.SegmentSource // 打开中片段的来源栈
		periodOpen   bool
		periodStart  time.Time
		periodSrc    models.SegmentSource
		interrupted  bool
		intStart     time.Time
		lastSleepEnd time.Time // 已见过的最晚睡眠终点（打断越界时的截断点）
	)

	closePeriod := func(end time.Time) {
		minutes := end.Sub(periodStart).Minutes()
		if minutes < 0 {
			minutes = 0
		}
		night.SleepPeriods = append(night.SleepPeriods, models.SleepPeriod{
			Start:   periodStart,
			End:     end,
			Minutes: minutes,
			Source:  periodSrc,
		})
		night.SourceBreakdown[periodSrc] += minutes
		periodOpen = false
	}

	for _, ev := range events {
		switch ev.kind {
		case evSleepStart:
			openSleeps++
			sourceStack = append(sourceStack, ev.source)
			if openSleeps == 1 && !interrupted {
				periodOpen = true
				periodStart = ev.at
				periodSrc = ev.source
			}

		case evWakeStart:
			if periodOpen {
				// 睡眠中开始清醒：在此刻关闭睡眠时段，打开打断
				closePeriod(ev.at)
				interrupted = true
				intStart = ev.at
			} else if !interrupted {
				// 没有打开的睡眠时段：畸形输入，跳过
				night.SkippedSegments++
			}
			// 已在打断中再次出现 wake_start：忽略（重叠的打断）

		case evWakeEnd:
			if interrupted {
				end := ev.at
				// 打断不得超出包裹它的睡眠：清醒延伸出最后一段睡眠
				// 终点之外时截断，越界的尾巴不属于这一夜
				if openSleeps == 0 && end.After(lastSleepEnd) {
					end = lastSleepEnd
				}
				minutes := end.Sub(intStart).Minutes()
				if minutes < 0 {
					minutes = 0
				}
				night.WakeInterruptions = append(night.WakeInterruptions, models.WakeInterruption{
					Start:   intStart,
					End:     end,
					Minutes: minutes,
				})
				night.TotalWakeMinutes += minutes
				interrupted = false
				// 打断结束时若仍有片段覆盖此刻，重开睡眠时段
				if openSleeps > 0 {
					periodOpen = true
					periodStart = ev.at
					periodSrc = sourceStack[len(sourceStack)-1]
				}
			}
			// 没有打开的打断：对应的 wake_start 已被跳过

		case evSleepEnd:
			if openSleeps > 0 {
				openSleeps--
				sourceStack = sourceStack[:len(sourceStack)-1]
			}
			if ev.at.After(lastSleepEnd) {
				lastSleepEnd = ev.at
			}
			if openSleeps == 0 && periodOpen {
				closePeriod(ev.at)
			}
		}
	}

	// 末尾仍未闭合的打断：清醒延伸出了睡眠数据之外，不算打断
	// （打开中的睡眠时段不会留到末尾——每个参与片段都有闭合端点）

	// 4. 聚合
	for _, p := range night.SleepPeriods {
		night.TotalSleepMinutes += p.Minutes
		if p.Minutes > night.PrimarySleepMinutes {
			night.PrimarySleepMinutes = p.Minutes
		}
	}
	night.Fragmented = len(night.SleepPeriods) > 1

	return night
}

// filterConflicts 丢弃与任何用户陈述片段重叠的系统片段
//
// 重叠判定：a.start < b.end AND b.start < a.end
func filterConflicts(segments []models.SleepSegment) []models.SleepSegment {
	var userStated []models.SleepSegment
	for _, s := range segments {
		if s.Source == models.SourceUserStated {
			userStated = append(userStated, s)
		}
	}

	if len(userStated) == 0 {
		return segments
	}

	surviving := make([]models.SleepSegment, 0, len(segments))
	for _, s := range segments {
		if s.Source == models.SourceUserStated {
			surviving = append(surviving, s)
			continue
		}
		conflict := false
		for _, u := range userStated {
			if overlaps(s, u) {
				conflict = true
				break
			}
		}
		if !conflict {
			surviving = append(surviving, s)
		}
	}
	return surviving
}

func overlaps(a, b models.SleepSegment) bool {
	aEnd := openEnd(a)
	bEnd := openEnd(b)
	return a.StartTime.Before(bEnd) && b.StartTime.Before(aEnd)
}

// openEnd 进行中的片段视为延伸到无穷远处
func openEnd(s models.SleepSegment) time.Time {
	if s.EndTime != nil {
		return *s.EndTime
	}
	return s.StartTime.Add(100 * 365 * 24 * time.Hour)
}
