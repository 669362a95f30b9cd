package scheduler

import (
	"context"

	"go.uber.org/zap"

	"github.com/mirkobrombin/go-crowdlock/v1/syncbus"
	"github.com/mirkobrombin/go-crowdlock/v1/task"
)

// loadCandidates returns the ongoing tasks of a project, from the candidate
// cache when one is configured.
func (s *Scheduler) loadCandidates(ctx context.Context, projectID string) ([]*task.Task, error) {
	load := func(ctx context.Context) ([]*task.Task, error) {
		return s.repo.ListOngoingTasks(ctx, projectID)
	}
	if s.candidates == nil {
		return load(ctx)
	}
	s.watch(projectID)
	return s.candidates.Load(ctx, syncbus.ProjectKey(projectID), load)
}

// InvalidateProject drops the cached candidates of a project.
func (s *Scheduler) InvalidateProject(ctx context.Context, projectID string) error {
	if s.candidates == nil {
		return nil
	}
	return s.candidates.Forget(ctx, syncbus.ProjectKey(projectID))
}

// watch subscribes once per project to its invalidation events.
func (s *Scheduler) watch(projectID string) {
	if s.bus == nil {
		return
	}
	s.watchMu.Lock()
	if _, ok := s.watched[projectID]; ok {
		s.watchMu.Unlock()
		return
	}
	s.watched[projectID] = struct{}{}
	s.watchMu.Unlock()

	key := syncbus.ProjectKey(projectID)
	ch, err := s.bus.Subscribe(s.watchCtx, key)
	if err != nil {
		s.logger.Warn("crowdlock: candidate invalidation unavailable", zap.String("project", projectID), zap.Error(err))
		s.watchMu.Lock()
		delete(s.watched, projectID)
		s.watchMu.Unlock()
		return
	}
	go func() {
		for range ch {
			if err := s.InvalidateProject(context.Background(), projectID); err != nil {
				s.logger.Warn("crowdlock: drop cached candidates", zap.String("project", projectID), zap.Error(err))
			}
		}
	}()
}
