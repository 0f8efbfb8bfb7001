package registry

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	lf "github.com/bgt-builder/bgt/internal/logfield"
	"github.com/bgt-builder/bgt/internal/models"
)

var ErrNotFound = errors.New("Tag is not registered")

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	tag TEXT PRIMARY KEY,
	stage TEXT NOT NULL,
	completed INTEGER NOT NULL DEFAULT 0,
	scheduled INTEGER NOT NULL DEFAULT 1,
	attempts INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	output_dir TEXT NOT NULL DEFAULT '',
	discovered_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	stage_since INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_incomplete ON entries(completed, scheduled);
CREATE TABLE IF NOT EXISTS locks (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	pid INTEGER NOT NULL,
	host TEXT NOT NULL,
	acquired_at INTEGER NOT NULL,
	heartbeat INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
INSERT OR IGNORE INTO meta (key, value)
	SELECT 'baseline', '' WHERE EXISTS (SELECT 1 FROM entries WHERE scheduled = 0);
`

// baselineKey marks that the tags published before the first watcher start
// have been recorded.
const baselineKey = "baseline"

type Options struct {
	StaleAfter time.Duration
}

// Registry persists tag progress and named locks in one SQLite file. Several
// bgt processes may open the same file; write transactions take the database
// lock up front so read-modify-write sequences never interleave.
type Registry struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger

	owner      string
	pid        int
	host       string
	staleAfter time.Duration

	now   func() time.Time
	alive func(pid int) bool
}

func dsn(path string) string {
	query := url.Values{}
	query.Add("_pragma", "busy_timeout(5000)")
	query.Add("_pragma", "journal_mode(WAL)")
	query.Add("_pragma", "foreign_keys(1)")
	query.Set("_txlock", "immediate")
	return fmt.Sprintf("file:%s?%s", path, query.Encode())
}

func Open(logger *zap.Logger, path string, options Options) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "Failed to create state directory")
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open registry")
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "Failed to initialize registry schema")
	}

	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	if options.StaleAfter <= 0 {
		options.StaleAfter = 2 * time.Minute
	}

	return &Registry{
		db:         db,
		logger:     logger.Named("registry"),
		owner:      uuid.NewString(),
		pid:        os.Getpid(),
		host:       host,
		staleAfter: options.StaleAfter,
		now:        time.Now,
		alive:      processAlive,
	}, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// Owner is the token identifying locks taken through this registry.
func (r *Registry) Owner() string {
	return r.owner
}

func (r *Registry) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "Failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "Failed to commit transaction")
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const entryColumns = "tag, stage, completed, scheduled, attempts, error, output_dir, discovered_at, updated_at, stage_since"

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*models.TagRegistryEntry, error) {
	var (
		entry                               models.TagRegistryEntry
		stage                               string
		completed, scheduled                int
		discoveredAt, updatedAt, stageSince int64
	)
	err := row.Scan(&entry.Tag, &stage, &completed, &scheduled, &entry.Attempts, &entry.Error, &entry.OutputDir, &discoveredAt, &updatedAt, &stageSince)
	if err != nil {
		return nil, err
	}
	entry.Stage = models.Stage(stage)
	entry.Completed = completed != 0
	entry.Scheduled = scheduled != 0
	entry.DiscoveredAt = fromUnix(discoveredAt)
	entry.UpdatedAt = fromUnix(updatedAt)
	entry.StageSince = fromUnix(stageSince)
	return &entry, nil
}

func getEntry(ctx context.Context, tx *sql.Tx, tag string) (*models.TagRegistryEntry, error) {
	entry, err := scanEntry(tx.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM entries WHERE tag = ?", tag))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "Failed to load registry entry")
	}
	return entry, nil
}

func observe(ctx context.Context, tx *sql.Tx, now time.Time, tags []models.Tag, scheduled bool) ([]models.Tag, error) {
	inserted := make([]models.Tag, 0)
	for _, tag := range tags {
		discovered := tag.DiscoveredAt
		if discovered.IsZero() {
			discovered = now
		}
		res, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO entries ("+entryColumns+") VALUES (?, ?, 0, ?, 0, '', '', ?, ?, ?)",
			tag.Name, string(models.StagePending), boolToInt(scheduled), toUnix(discovered), toUnix(now), toUnix(now),
		)
		if err != nil {
			return nil, errors.Wrapf(err, "Failed to observe tag %s", tag.Name)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			inserted = append(inserted, tag)
		}
	}
	return inserted, nil
}

// Observe records newly seen tags and returns the ones that were not known
// before. Already registered tags are left untouched.
func (r *Registry) Observe(ctx context.Context, tags []models.Tag, scheduled bool) ([]models.Tag, error) {
	var inserted []models.Tag
	err := r.tx(ctx, func(tx *sql.Tx) (err error) {
		inserted, err = observe(ctx, tx, r.now(), tags, scheduled)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// RecordBaseline registers tags as never scheduled and marks the baseline as
// taken. Tags that are already known, manual runs included, keep their entry.
func (r *Registry) RecordBaseline(ctx context.Context, tags []models.Tag) ([]models.Tag, error) {
	var inserted []models.Tag
	err := r.tx(ctx, func(tx *sql.Tx) (err error) {
		now := r.now()
		inserted, err = observe(ctx, tx, now, tags, false)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)",
			baselineKey, fmt.Sprint(toUnix(now)),
		)
		return errors.Wrap(err, "Failed to mark baseline")
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// Baselined reports whether RecordBaseline ever ran on this registry.
func (r *Registry) Baselined(ctx context.Context) (bool, error) {
	var count int
	err := r.tx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM meta WHERE key = ?", baselineKey).Scan(&count)
		return errors.Wrap(err, "Failed to read baseline marker")
	})
	return count > 0, err
}

// RecordStage persists a pipeline run. Unknown tags are registered on the fly
// so manual runs are tracked too.
func (r *Registry) RecordStage(ctx context.Context, run models.PipelineRun) error {
	if !run.Stage.Valid() {
		return errors.Errorf("Unknown stage %q", run.Stage)
	}

	return r.tx(ctx, func(tx *sql.Tx) error {
		now := r.now()
		current, err := getEntry(ctx, tx, run.Tag.Name)
		if errors.Is(err, ErrNotFound) {
			discovered := run.Tag.DiscoveredAt
			if discovered.IsZero() {
				discovered = now
			}
			_, err = tx.ExecContext(ctx,
				"INSERT INTO entries ("+entryColumns+") VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?)",
				run.Tag.Name, string(run.Stage), boolToInt(run.Stage == models.StageDone), run.Attempts, run.Error, run.OutputDir,
				toUnix(discovered), toUnix(now), toUnix(now),
			)
			return errors.Wrap(err, "Failed to insert registry entry")
		}
		if err != nil {
			return err
		}

		if !current.Stage.CanTransition(run.Stage) {
			return errors.Errorf("Refusing to move %s from %s to %s", run.Tag.Name, current.Stage, run.Stage)
		}

		stageSince := current.StageSince
		if current.Stage != run.Stage {
			stageSince = now
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE entries SET stage = ?, completed = ?, scheduled = 1, attempts = ?, error = ?, output_dir = ?, updated_at = ?, stage_since = ? WHERE tag = ?",
			string(run.Stage), boolToInt(run.Stage == models.StageDone), run.Attempts, run.Error, run.OutputDir,
			toUnix(now), toUnix(stageSince), run.Tag.Name,
		)
		return errors.Wrap(err, "Failed to update registry entry")
	})
}

// Reset moves a finished or failed tag back to Pending for a manual rerun.
func (r *Registry) Reset(ctx context.Context, tag string) error {
	return r.tx(ctx, func(tx *sql.Tx) error {
		now := r.now()
		res, err := tx.ExecContext(ctx,
			"UPDATE entries SET stage = ?, completed = 0, scheduled = 1, attempts = 0, error = '', updated_at = ?, stage_since = ? WHERE tag = ?",
			string(models.StagePending), toUnix(now), toUnix(now), tag,
		)
		if err != nil {
			return errors.Wrap(err, "Failed to reset registry entry")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *Registry) Get(ctx context.Context, tag string) (*models.TagRegistryEntry, error) {
	var entry *models.TagRegistryEntry
	err := r.tx(ctx, func(tx *sql.Tx) (err error) {
		entry, err = getEntry(ctx, tx, tag)
		return err
	})
	return entry, err
}

func (r *Registry) query(ctx context.Context, where string, args ...interface{}) ([]models.TagRegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.QueryContext(ctx, "SELECT "+entryColumns+" FROM entries "+where, args...)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to query registry")
	}
	defer rows.Close()

	entries := make([]models.TagRegistryEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to scan registry entry")
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "Failed to iterate registry")
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return models.CompareVersions(entries[i].Tag, entries[j].Tag) < 0
	})
	return entries, nil
}

func (r *Registry) List(ctx context.Context) ([]models.TagRegistryEntry, error) {
	return r.query(ctx, "")
}

// LoadIncomplete returns scheduled tags whose pipeline has not reached a
// terminal stage yet.
func (r *Registry) LoadIncomplete(ctx context.Context) ([]models.TagRegistryEntry, error) {
	return r.query(ctx, "WHERE scheduled = 1 AND completed = 0 AND stage NOT IN (?, ?)",
		string(models.StageDone), string(models.StageFailed))
}

// Forget removes a tag and its lock. A tag that is being worked on cannot be
// forgotten.
func (r *Registry) Forget(ctx context.Context, tag string) error {
	return r.tx(ctx, func(tx *sql.Tx) error {
		lock, err := getLock(ctx, tx, tag)
		if err != nil {
			return err
		}
		if lock != nil && !r.stale(lock) {
			return lockContention(lock)
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE tag = ?", tag)
		if err != nil {
			return errors.Wrap(err, "Failed to delete registry entry")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM locks WHERE name = ?", tag)
		r.logger.Info("Forgot tag", lf.Tag(tag))
		return errors.Wrap(err, "Failed to delete lock")
	})
}
