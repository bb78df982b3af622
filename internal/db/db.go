package db

import (
	"compress/gzip"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/cartnav/internal/monitoring"
	"github.com/banshee-data/cartnav/internal/occupancy"
	"github.com/banshee-data/cartnav/internal/workflow"
)

// ErrNotFound is returned when a lookup matches no rows.
var ErrNotFound = errors.New("not found")

type DB struct {
	*sql.DB
	path string
}

// NewDB opens (or creates) the sqlite database at path and brings its schema
// up to date with the embedded migrations. Use ":memory:" for tests.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: sqlite has a single writer and an in-memory database
	// only exists on the connection that created it.
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Run is one process lifetime of the cart. Map snapshots and delivery events
// hang off a run.
type Run struct {
	RunID            string
	StartedUnixNanos int64
	EndedUnixNanos   *int64
	Mode             string // "hardware" or "sim"
	Version          string
	ConfigJSON       string
}

// CreateRun inserts a new run with a fresh ID.
func (db *DB) CreateRun(mode, version, configJSON string, started time.Time) (*Run, error) {
	run := &Run{
		RunID:            uuid.NewString(),
		StartedUnixNanos: started.UnixNano(),
		Mode:             mode,
		Version:          version,
		ConfigJSON:       configJSON,
	}
	_, err := db.Exec(`INSERT INTO runs (run_id, started_unix_nanos, mode, version, config_json)
		VALUES (?, ?, ?, ?, ?)`,
		run.RunID, run.StartedUnixNanos, run.Mode, run.Version, run.ConfigJSON)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// EndRun stamps the run's end time.
func (db *DB) EndRun(runID string, ended time.Time) error {
	res, err := db.Exec(`UPDATE runs SET ended_unix_nanos = ? WHERE run_id = ?`, ended.UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// GetRun loads a run by ID.
func (db *DB) GetRun(runID string) (*Run, error) {
	var r Run
	var ended sql.NullInt64
	err := db.QueryRow(`SELECT run_id, started_unix_nanos, ended_unix_nanos, mode, version, config_json
		FROM runs WHERE run_id = ?`, runID).
		Scan(&r.RunID, &r.StartedUnixNanos, &ended, &r.Mode, &r.Version, &r.ConfigJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if ended.Valid {
		r.EndedUnixNanos = &ended.Int64
	}
	return &r, nil
}

// InsertMapSnapshot stores one serialized grid. Satisfies
// occupancy.SnapshotStore.
func (db *DB) InsertMapSnapshot(s *occupancy.MapSnapshot) (int64, error) {
	res, err := db.Exec(`INSERT INTO map_snapshots
		(run_id, taken_unix_nanos, width, height, cell_size, grid_blob, confirmed_count, snapshot_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.RunID, s.TakenUnixNanos, s.Width, s.Height, s.CellSize, s.GridBlob, s.ConfirmedCount, s.SnapshotReason)
	if err != nil {
		return 0, fmt.Errorf("insert map snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.SnapshotID = &id
	return id, nil
}

// LatestMapSnapshot returns the most recent snapshot for runID. An empty
// runID selects the most recent snapshot of any run.
func (db *DB) LatestMapSnapshot(runID string) (*occupancy.MapSnapshot, error) {
	q := `SELECT snapshot_id, run_id, taken_unix_nanos, width, height, cell_size, grid_blob, confirmed_count, snapshot_reason
		FROM map_snapshots`
	var args []any
	if runID != "" {
		q += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	q += ` ORDER BY taken_unix_nanos DESC, snapshot_id DESC LIMIT 1`

	var s occupancy.MapSnapshot
	var id int64
	err := db.QueryRow(q, args...).Scan(&id, &s.RunID, &s.TakenUnixNanos, &s.Width, &s.Height,
		&s.CellSize, &s.GridBlob, &s.ConfirmedCount, &s.SnapshotReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("map snapshot for run %q: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest map snapshot: %w", err)
	}
	s.SnapshotID = &id
	return &s, nil
}

// ListMapSnapshots returns snapshot metadata (without blobs) for runID,
// newest first.
func (db *DB) ListMapSnapshots(runID string, limit int) ([]occupancy.MapSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT snapshot_id, run_id, taken_unix_nanos, width, height, cell_size, confirmed_count, snapshot_reason
		FROM map_snapshots WHERE run_id = ? ORDER BY taken_unix_nanos DESC, snapshot_id DESC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []occupancy.MapSnapshot
	for rows.Next() {
		var s occupancy.MapSnapshot
		var id int64
		if err := rows.Scan(&id, &s.RunID, &s.TakenUnixNanos, &s.Width, &s.Height, &s.CellSize,
			&s.ConfirmedCount, &s.SnapshotReason); err != nil {
			return nil, err
		}
		s.SnapshotID = &id
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeliveryEvent is a row of delivery_events.
type DeliveryEvent struct {
	EventID    int64  `json:"event_id"`
	RunID      string `json:"run_id"`
	DeliveryID string `json:"delivery_id"`
	Code       string `json:"code"`
	State      string `json:"state"`
	Place      string `json:"place"`
	AtUnixNano int64  `json:"at_unix_nanos"`
	Note       string `json:"note"`
}

// DeliveryRecorder binds workflow events to a run.
type DeliveryRecorder struct {
	db    *DB
	runID string
}

// DeliveryRecorder returns a workflow.EventRecorder writing under runID.
func (db *DB) DeliveryRecorder(runID string) *DeliveryRecorder {
	return &DeliveryRecorder{db: db, runID: runID}
}

func (r *DeliveryRecorder) RecordDeliveryEvent(ev workflow.Event) error {
	_, err := r.db.Exec(`INSERT INTO delivery_events (run_id, delivery_id, code, state, place, at_unix_nanos, note)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.runID, ev.DeliveryID, ev.Code, ev.State.String(), ev.Place, ev.At.UnixNano(), ev.Note)
	if err != nil {
		return fmt.Errorf("insert delivery event: %w", err)
	}
	return nil
}

// DeliveryEvents returns the events recorded for runID in insertion order.
func (db *DB) DeliveryEvents(runID string) ([]DeliveryEvent, error) {
	rows, err := db.Query(`SELECT event_id, run_id, delivery_id, code, state, place, at_unix_nanos, note
		FROM delivery_events WHERE run_id = ? ORDER BY event_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []DeliveryEvent
	for rows.Next() {
		var e DeliveryEvent
		if err := rows.Scan(&e.EventID, &e.RunID, &e.DeliveryID, &e.Code, &e.State, &e.Place, &e.AtUnixNano, &e.Note); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Logf("[db] tailsql disabled: %v", err)
	} else {
		tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
			Label: "Cart DB",
		})
		// mount the tailSQL server on the debug /tailsql path
		debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	}

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("cartnav-backup-%d.db", time.Now().UnixNano()))
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		// remove the temporary copy once it has been streamed
		defer func() {
			if err := os.Remove(backupPath); err != nil {
				monitoring.Logf("[db] failed to remove backup file: %v", err)
			}
		}()

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer backupFile.Close()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
		w.Header().Set("Content-Type", "application/gzip")

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			monitoring.Logf("[db] backup stream failed: %v", err)
		}
	}))
}
