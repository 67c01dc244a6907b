package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"
)

// Scheduler refreshes the schema snapshot on a cron schedule so long-running
// deployments pick up structure changes without an admin call. A redis lock
// keeps replicas from refreshing at the same time.
type Scheduler struct {
	Svc    AdminService
	Rdb    *redis.Client
	Cron   string
	Stop   chan struct{}
	Logger *log.Logger

	lastRefresh time.Time
}

func (s *Scheduler) Start() {
	if s.Cron == "" {
		return
	}
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	if _, err := cronexpr.Parse(s.Cron); err != nil {
		s.Logger.Printf("invalid refresh cron %q: %v, scheduler disabled", s.Cron, err)
		return
	}
	s.lastRefresh = time.Now()
	ticker := time.NewTicker(time.Minute)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick(time.Now())
			}
		}
	}()
}

func (s *Scheduler) tick(now time.Time) {
	if !s.due(now) {
		return
	}
	ctx := context.Background()
	if s.Rdb != nil {
		ok, err := s.Rdb.SetNX(ctx, refreshLockKey, "1", 2*time.Minute).Result()
		if err != nil || !ok {
			return
		}
		defer s.Rdb.Del(ctx, refreshLockKey)
	}
	s.lastRefresh = now
	if _, err := s.Svc.RefreshSchema(ctx); err != nil {
		s.Logger.Printf("scheduled schema refresh failed: %v", err)
		return
	}
	s.Logger.Printf("scheduled schema refresh complete")
}

// due reports whether the cron schedule has fired since the last refresh.
func (s *Scheduler) due(now time.Time) bool {
	expr, err := cronexpr.Parse(s.Cron)
	if err != nil {
		return false
	}
	next := expr.Next(s.lastRefresh)
	return !next.IsZero() && !next.After(now)
}
