// Package storage is the optional audit log.
//
// It records uploads, deliveries and schedule changes so operators can see
// what was sent and when. It is append-only and never consulted to rebuild
// schedule state: rosters live in memory and are re-uploaded after a restart.
package storage
