// Package jobs holds the background jobs of the tracking service.
//
// Jobs are scheduled with github.com/robfig/cron/v3 and managed through
// JobManager:
//
//	manager := jobs.NewJobManager(jobs.NewExpirySweeper(coord, channel, interval, logger))
//	if err := manager.StartAll(); err != nil {
//		return err
//	}
//	defer manager.StopAll()
//
// ExpirySweeper evicts tracking sessions that have been idle past the idle
// timeout and tells their rooms the feed was stopped by the system.
package jobs
