package event

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CronEntry declares one scheduled trigger.
type CronEntry struct {
	ID           string `json:"id"`
	RepositoryID string `json:"repository_id"`
	Spec         string `json:"spec"`
}

// CronSource fires schedule events on cron expressions.
type CronSource struct {
	matcher *Matcher
	runner  *cron.Cron
	logger  *zap.Logger
}

// NewCronSource builds a cron source from the configured entries.
func NewCronSource(matcher *Matcher, entries []CronEntry, logger *zap.Logger) (*CronSource, error) {
	s := &CronSource{
		matcher: matcher,
		runner:  cron.New(),
		logger:  logger,
	}
	for _, e := range entries {
		entry := e
		_, err := s.runner.AddFunc(entry.Spec, func() {
			ev := NewSchedule(entry.RepositoryID, entry.ID)
			if _, err := s.matcher.Dispatch(context.Background(), ev); err != nil {
				s.logger.Error("schedule dispatch failed",
					zap.String("cron", entry.ID), zap.Error(err))
			}
		})
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start begins firing schedules.
func (s *CronSource) Start() {
	s.runner.Start()
}

// Stop halts the scheduler and waits for in-flight jobs.
func (s *CronSource) Stop() {
	<-s.runner.Stop().Done()
}
