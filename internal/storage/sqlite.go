package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roman-kulish/kermit/internal/driver"
	"github.com/roman-kulish/kermit/internal/gps"
)

// Session is a single collection run
type Session struct {
	ID        int64
	StartTime time.Time
	Config    *string
}

// SqliteRecorder stores records in a SQLite database, one session per run.
// Every Append is its own committed transaction.
type SqliteRecorder struct {
	dbPath    string
	sessionID int64

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	insertStmt *sql.Stmt

	closeOnce sync.Once
	closeErr  error
}

// NewSqliteRecorder creates the database if needed and starts a new session.
// config is stored with the session. It can be a string, []byte or a
// JSON-serializable value.
func NewSqliteRecorder(ctx context.Context, dbPath string, config any) (*SqliteRecorder, error) {
	s := SqliteRecorder{dbPath: dbPath}

	sessionID, err := s.createSession(ctx, config)
	if err != nil {
		_ = s.Close()
		return nil, driver.NewPersistenceError(dbPath, err)
	}

	s.sessionID = sessionID
	return &s, nil
}

// SessionID returns the session records are appended to
func (s *SqliteRecorder) SessionID() int64 {
	return s.sessionID
}

func runSQLCommand(db *sql.DB, sql string) error {
	_, err := db.Exec(sql)
	return err
}

func (s *SqliteRecorder) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=FULL&_foreign_keys=on"))
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}
		db.SetMaxOpenConns(1)

		if err = runSQLCommand(db, initSchemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *SqliteRecorder) getReadDB() (*sql.DB, error) {
	s.readDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "mode=ro"))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

func (s *SqliteRecorder) createSession(ctx context.Context, config any) (sessionID int64, err error) {
	var configData sql.NullString

	if config != nil {
		switch c := config.(type) {
		case string:
			configData.Valid = true
			configData.String = c

		case []byte:
			configData.Valid = true
			configData.String = string(c)

		default:
			var p []byte
			if p, err = json.Marshal(config); err != nil {
				err = fmt.Errorf("marshaling config: %w", err)
				return
			}

			configData.Valid = true
			configData.String = string(p)
		}
	}

	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, insertSessionSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	result, err := stmt.ExecContext(ctx, time.Now().UTC(), configData)
	if err != nil {
		err = fmt.Errorf("inserting session: %w", err)
		return
	}

	sessionID, err = result.LastInsertId()
	if err != nil {
		err = fmt.Errorf("getting session ID: %w", err)
	}
	return
}

func (s *SqliteRecorder) Append(ctx context.Context, r Record) error {
	if err := s.append(ctx, r); err != nil {
		return driver.NewPersistenceError(s.dbPath, err)
	}
	return nil
}

func (s *SqliteRecorder) append(ctx context.Context, r Record) (err error) {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	if s.insertStmt == nil {
		if s.insertStmt, err = db.PrepareContext(ctx, insertRecordSQL); err != nil {
			return fmt.Errorf("preparing statement: %w", err)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			rollbackWithError(tx, &err)
		}
	}()

	if _, err = tx.StmtContext(ctx, s.insertStmt).ExecContext(
		ctx,
		s.sessionID,
		r.Timestamp.UTC(),
		r.Latitude,
		r.Longitude,
		r.Altitude,
		int(r.Quality),
		r.Satellites,
		r.Strength,
	); err != nil {
		return fmt.Errorf("inserting record: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// Records reads back the records of a session in insertion order
func (s *SqliteRecorder) Records(ctx context.Context, sessionID int64) (records []Record, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectRecordsSQL, sessionID)
	if err != nil {
		err = fmt.Errorf("querying records: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var r Record
		var quality int
		if err = rows.Scan(&r.Timestamp, &r.Latitude, &r.Longitude, &r.Altitude, &quality, &r.Satellites, &r.Strength); err != nil {
			err = fmt.Errorf("scanning record: %w", err)
			return
		}
		r.Quality = gps.Quality(quality)
		records = append(records, r)
	}

	err = rows.Err()
	return
}

// Sessions returns all sessions ordered by start time
func (s *SqliteRecorder) Sessions(ctx context.Context) (sessions []*Session, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectSessionsSQL)
	if err != nil {
		err = fmt.Errorf("querying sessions: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var sess Session
		var config sql.NullString
		if err = rows.Scan(&sess.ID, &sess.StartTime, &config); err != nil {
			err = fmt.Errorf("scanning session: %w", err)
			return
		}
		if config.Valid {
			sess.Config = &config.String
		}
		sessions = append(sessions, &sess)
	}

	err = rows.Err()
	return
}

func (s *SqliteRecorder) Close() error {
	s.closeOnce.Do(func() {
		var errs []error

		if s.insertStmt != nil {
			errs = append(errs, s.insertStmt.Close())
			s.insertStmt = nil
		}

		if s.writeDB != nil {
			_ = runSQLCommand(s.writeDB, initIndexesSQL)

			errs = append(errs, s.writeDB.Close())
			s.writeDB = nil
		}

		if s.readDB != nil {
			errs = append(errs, s.readDB.Close())
			s.readDB = nil
		}

		if err := errors.Join(errs...); err != nil {
			s.closeErr = driver.NewPersistenceError(s.dbPath, err)
		}
	})

	return s.closeErr
}
