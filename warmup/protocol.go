package warmup

import (
	"time"

	"github.com/hivegrid/hivegrid/models"
)

type taskSpec struct {
	action models.ActionType
	target int
	// offset into the day, staggers tasks so they never fire together
	at time.Duration
}

// protocol is the fixed 14-day onboarding ladder. Early days are passive
// browsing, social actions ramp up through the middle, and feed posting is
// only unlocked on days 13-14.
var protocol = map[int][]taskSpec{
	1:  {{models.ActionBrowse, 10, 10 * time.Hour}},
	2:  {{models.ActionBrowse, 15, 11 * time.Hour}},
	3:  {{models.ActionBrowse, 15, 10 * time.Hour}, {models.ActionFollow, 3, 15 * time.Hour}},
	4:  {{models.ActionBrowse, 20, 11 * time.Hour}, {models.ActionFollow, 5, 16 * time.Hour}},
	5:  {{models.ActionBrowse, 20, 10 * time.Hour}, {models.ActionFollow, 5, 14 * time.Hour}, {models.ActionLike, 5, 17 * time.Hour}},
	6:  {{models.ActionBrowse, 25, 11 * time.Hour}, {models.ActionFollow, 7, 15 * time.Hour}, {models.ActionLike, 8, 18 * time.Hour}},
	7:  {{models.ActionBrowse, 25, 10 * time.Hour}, {models.ActionLike, 10, 14 * time.Hour}, {models.ActionStoryView, 10, 19 * time.Hour}},
	8:  {{models.ActionFollow, 8, 11 * time.Hour}, {models.ActionLike, 12, 15 * time.Hour}, {models.ActionStoryView, 15, 20 * time.Hour}},
	9:  {{models.ActionBrowse, 30, 10 * time.Hour}, {models.ActionLike, 15, 13 * time.Hour}, {models.ActionComment, 2, 18 * time.Hour}},
	10: {{models.ActionFollow, 10, 11 * time.Hour}, {models.ActionLike, 15, 15 * time.Hour}, {models.ActionComment, 3, 19 * time.Hour}},
	11: {{models.ActionBrowse, 30, 10 * time.Hour}, {models.ActionLike, 20, 14 * time.Hour}, {models.ActionComment, 4, 17 * time.Hour}, {models.ActionStoryView, 20, 20 * time.Hour}},
	12: {{models.ActionFollow, 12, 11 * time.Hour}, {models.ActionLike, 20, 15 * time.Hour}, {models.ActionComment, 5, 18 * time.Hour}},
	13: {{models.ActionBrowse, 30, 10 * time.Hour}, {models.ActionLike, 20, 13 * time.Hour}, {models.ActionPost, 1, 17 * time.Hour}},
	14: {{models.ActionFollow, 12, 11 * time.Hour}, {models.ActionComment, 5, 14 * time.Hour}, {models.ActionPost, 1, 19 * time.Hour}},
}

// buildTasks expands the protocol into task rows anchored at start.
func buildTasks(start time.Time) []models.WarmupTask {
	var tasks []models.WarmupTask
	for day := 1; day <= models.WarmupPlanDays; day++ {
		dayStart := start.Add(time.Duration(day-1) * 24 * time.Hour).Truncate(24 * time.Hour)
		for _, spec := range protocol[day] {
			tasks = append(tasks, models.WarmupTask{
				Day:         day,
				TaskType:    spec.action,
				TargetCount: spec.target,
				Status:      models.TaskPending,
				ScheduledAt: dayStart.Add(spec.at),
			})
		}
	}
	return tasks
}
