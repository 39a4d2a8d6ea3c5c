package storage

import (
	_ "embed"
)

const (
	insertSessionSQL = `
INSERT INTO sessions (start_time,
                      config)
VALUES (?, ?)`

	selectSessionsSQL = `
SELECT id,
       start_time,
       config
FROM sessions
ORDER BY start_time`

	insertRecordSQL = `
INSERT INTO records (session_id,
                     timestamp,
                     latitude,
                     longitude,
                     altitude,
                     fix_quality,
                     satellites,
                     strength_db)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	selectRecordsSQL = `
SELECT timestamp,
       latitude,
       longitude,
       altitude,
       fix_quality,
       satellites,
       strength_db
FROM records
WHERE session_id = ?
ORDER BY id`

	initIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_records_session_timestamp ON records (session_id, timestamp)`
)

//go:embed schema.sql
var initSchemaSQL string
