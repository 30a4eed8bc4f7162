// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package store

import (
	"strconv"
	"strings"
)

// NotifyChannel is the Postgres channel signalled whenever a task is queued.
const NotifyChannel = "tasks_updated"

// queueLockKey serializes queue mutations across connections on Postgres.
const queueLockKey = 7300417

type dialect struct {
	name      string
	forUpdate string
	lockQueue string
	notify    string
	schema    []string
	numbered  bool
}

var postgresDialect = dialect{
	name:      "postgres",
	forUpdate: " FOR UPDATE",
	lockQueue: "SELECT pg_advisory_xact_lock(" + strconv.Itoa(queueLockKey) + ")",
	notify:    "SELECT pg_notify('" + NotifyChannel + "', ?)",
	numbered:  true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS reports (
			id BIGSERIAL PRIMARY KEY,
			purl TEXT NOT NULL DEFAULT '',
			ecosystem TEXT NOT NULL DEFAULT '',
			package_name TEXT NOT NULL DEFAULT '',
			package_version TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id BIGSERIAL PRIMARY KEY,
			purl TEXT NOT NULL DEFAULT '',
			ecosystem TEXT NOT NULL DEFAULT '',
			package_name TEXT NOT NULL DEFAULT '',
			package_version TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			queue_position INTEGER,
			created_at BIGINT NOT NULL,
			queued_at BIGINT,
			started_at BIGINT,
			completed_at BIGINT,
			last_heartbeat BIGINT,
			job_handle TEXT NOT NULL DEFAULT '',
			timeout_minutes INTEGER NOT NULL DEFAULT 30,
			container_id TEXT NOT NULL DEFAULT '',
			report_id BIGINT REFERENCES reports(id),
			download_url TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			error_category TEXT NOT NULL DEFAULT '',
			error_details TEXT NOT NULL DEFAULT '',
			duration_seconds DOUBLE PRECISION,
			api_key TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS tasks_status_idx ON tasks (status)`,
		`CREATE INDEX IF NOT EXISTS tasks_purl_idx ON tasks (purl, status)`,
		`CREATE INDEX IF NOT EXISTS tasks_legacy_identity_idx ON tasks (ecosystem, package_name, package_version)`,
		`CREATE INDEX IF NOT EXISTS tasks_queue_idx ON tasks (priority DESC, queued_at ASC, id ASC) WHERE status = 'queued'`,
	},
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS reports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			purl TEXT NOT NULL DEFAULT '',
			ecosystem TEXT NOT NULL DEFAULT '',
			package_name TEXT NOT NULL DEFAULT '',
			package_version TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			purl TEXT NOT NULL DEFAULT '',
			ecosystem TEXT NOT NULL DEFAULT '',
			package_name TEXT NOT NULL DEFAULT '',
			package_version TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			queue_position INTEGER,
			created_at INTEGER NOT NULL,
			queued_at INTEGER,
			started_at INTEGER,
			completed_at INTEGER,
			last_heartbeat INTEGER,
			job_handle TEXT NOT NULL DEFAULT '',
			timeout_minutes INTEGER NOT NULL DEFAULT 30,
			container_id TEXT NOT NULL DEFAULT '',
			report_id INTEGER REFERENCES reports(id),
			download_url TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			error_category TEXT NOT NULL DEFAULT '',
			error_details TEXT NOT NULL DEFAULT '',
			duration_seconds REAL,
			api_key TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS tasks_status_idx ON tasks (status)`,
		`CREATE INDEX IF NOT EXISTS tasks_purl_idx ON tasks (purl, status)`,
		`CREATE INDEX IF NOT EXISTS tasks_legacy_identity_idx ON tasks (ecosystem, package_name, package_version)`,
	},
}

// bind rewrites ? placeholders into $n for drivers that need numbered ones.
func (d dialect) bind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
