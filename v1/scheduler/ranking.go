package scheduler

import (
	"sort"

	"go.uber.org/zap"

	"github.com/mirkobrombin/go-crowdlock/v1/filter"
	"github.com/mirkobrombin/go-crowdlock/v1/task"
)

type ranked struct {
	task  *task.Task
	score float64
	held  bool
}

// eligible keeps the tasks whose filter accepts profile and scores them.
// Tasks with unreadable filters are skipped.
func (s *Scheduler) eligible(pool []*task.Task, profile task.Profile) []*ranked {
	out := make([]*ranked, 0, len(pool))
	for _, t := range pool {
		expr, err := filter.ParseExpression([]byte(t.Filter))
		if err != nil {
			s.logger.Warn("crowdlock: skipping task with invalid filter", zap.String("task", t.ID), zap.Error(err))
			continue
		}
		if !expr.Match(profile) {
			continue
		}
		weights, err := filter.ParseWeights([]byte(t.Weights))
		if err != nil {
			s.logger.Warn("crowdlock: ignoring invalid preference weights", zap.String("task", t.ID), zap.Error(err))
		}
		out = append(out, &ranked{task: t, score: weights.Score(profile)})
	}
	return out
}

func before(a, b *ranked) bool {
	if a.held != b.held {
		return a.held
	}
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	if a.score != b.score {
		return a.score > b.score
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.task.ID < b.task.ID
}

func tied(a, b *ranked) bool {
	return a.held == b.held && a.task.Priority == b.task.Priority && a.score == b.score
}

// order sorts candidates: held tasks first, then priority and preference
// score descending, then creation time and id. With randomize, runs of tasks
// tied on holding, priority and score are shuffled.
func (s *Scheduler) order(rs []*ranked, randomize bool) {
	sort.SliceStable(rs, func(i, j int) bool { return before(rs[i], rs[j]) })
	if !randomize {
		return
	}
	for start := 0; start < len(rs); {
		end := start + 1
		for end < len(rs) && tied(rs[start], rs[end]) {
			end++
		}
		if end-start > 1 {
			group := rs[start:end]
			s.shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
		}
		start = end
	}
}
