// Package common holds small process-wide flags shared across model and
// config packages that don't deserve their own package.
package common

import "sync/atomic"

var (
	UsingSQLite     atomic.Bool
	UsingMySQL      atomic.Bool
	UsingPostgreSQL atomic.Bool
)

const (
	SQLitePath        = "gateway.db"
	SQLiteBusyTimeout  = 3000
)
