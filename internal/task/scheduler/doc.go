// Package scheduler turns cron expressions into task-engine submissions.
//
// The scheduler only triggers. Each fire enqueues a task into the engine,
// which runs it once.
package scheduler
