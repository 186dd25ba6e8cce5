package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"serialarr/internal/model"
	"serialarr/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- stories ----

func (s *sqliteStore) PutStory(ctx context.Context, st model.Story) error {
	now := time.Now()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stories(id, provider, source_url, title, author, monitored, chapter_mark, last_checked_at, last_attempt_at, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   title = excluded.title,
		   author = excluded.author,
		   monitored = excluded.monitored,
		   updated_at = excluded.updated_at`,
		st.ID, st.Provider, st.SourceURL, st.Title, st.Author, boolInt(st.Monitored),
		st.ChapterMark, nullTime(st.LastCheckedAt), nullTime(st.LastAttemptAt),
		fmtTime(st.CreatedAt), fmtTime(st.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) GetStory(ctx context.Context, id string) (model.Story, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, provider, source_url, title, author, monitored, chapter_mark, last_checked_at, last_attempt_at, created_at, updated_at
		 FROM stories WHERE id = ?`, id)
	st, err := scanStory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Story{}, ErrNotFound
	}
	return st, err
}

func (s *sqliteStore) ListStories(ctx context.Context) ([]model.Story, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, provider, source_url, title, author, monitored, chapter_mark, last_checked_at, last_attempt_at, created_at, updated_at
		 FROM stories ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Story
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteStory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stories WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) TouchStoryChecked(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stories SET last_checked_at = ?, last_attempt_at = ?, updated_at = ? WHERE id = ?`,
		fmtTime(at), fmtTime(at), fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) TouchStoryAttempt(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stories SET last_attempt_at = ?, updated_at = ? WHERE id = ?`,
		fmtTime(at), fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) AdvanceStoryMarker(ctx context.Context, storyID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var mark int
	if err := tx.QueryRowContext(ctx,
		`SELECT chapter_mark FROM stories WHERE id = ?`, storyID).Scan(&mark); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT ordinal FROM tasks
		 WHERE story_id = ? AND kind = ? AND state = ? AND ordinal > ?
		 ORDER BY ordinal`,
		storyID, string(model.TaskDownloadChapter), string(model.TaskSucceeded), mark)
	if err != nil {
		return 0, err
	}
	newMark := mark
	for rows.Next() {
		var ord int
		if err := rows.Scan(&ord); err != nil {
			rows.Close()
			return 0, err
		}
		if ord != newMark+1 {
			// Gap: a lower chapter hasn't finished yet, stop here.
			break
		}
		newMark = ord
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	if newMark != mark {
		if _, err := tx.ExecContext(ctx,
			`UPDATE stories SET chapter_mark = ?, updated_at = ? WHERE id = ?`,
			newMark, fmtTime(time.Now()), storyID); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return newMark, nil
}

// ---- tasks ----

func (s *sqliteStore) SaveTask(ctx context.Context, t model.Task) error {
	t.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, kind, story_id, provider, ordinal, chapter_url, chapter_title,
		                   attempts, state, last_error_kind, last_error, created_at, next_eligible_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   attempts = excluded.attempts,
		   state = excluded.state,
		   last_error_kind = excluded.last_error_kind,
		   last_error = excluded.last_error,
		   next_eligible_at = excluded.next_eligible_at,
		   updated_at = excluded.updated_at`,
		t.ID, string(t.Kind), t.StoryID, t.Provider, t.Ordinal, t.ChapterURL, t.ChapterTitle,
		t.Attempts, string(t.State), string(t.LastErrorKind), t.LastError,
		fmtTime(t.CreatedAt), nullTime(t.NextEligibleAt), fmtTime(t.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) ListOpenTasks(ctx context.Context) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, story_id, provider, ordinal, chapter_url, chapter_title,
		        attempts, state, last_error_kind, last_error, created_at, next_eligible_at, updated_at
		 FROM tasks
		 WHERE state IN (?,?,?)
		 ORDER BY created_at, id`,
		string(model.TaskPending), string(model.TaskRunning), string(model.TaskRetrying))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ReclaimStale(ctx context.Context, cutoff, nextEligible time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks
		 SET state = ?, next_eligible_at = ?, updated_at = ?
		 WHERE state = ? AND updated_at < ?`,
		string(model.TaskRetrying), fmtTime(nextEligible), fmtTime(time.Now()),
		string(model.TaskRunning), fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---- history ----

func (s *sqliteStore) AppendHistory(ctx context.Context, e model.HistoryEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history(at, task_id, story_id, kind, ordinal, outcome, attempts, error_kind, detail, duration_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		fmtTime(e.At), e.TaskID, e.StoryID, string(e.Kind), e.Ordinal, string(e.Outcome),
		e.Attempts, string(e.ErrorKind), e.Detail, e.Duration.Milliseconds(),
	)
	return err
}

func (s *sqliteStore) RecentHistory(ctx context.Context, limit int) ([]model.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, task_id, story_id, kind, ordinal, outcome, attempts, error_kind, detail, duration_ms
		 FROM history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.HistoryEntry
	for rows.Next() {
		var (
			e     model.HistoryEntry
			at    string
			kind  string
			state string
			ekind string
			durMS int64
		)
		if err := rows.Scan(&e.ID, &at, &e.TaskID, &e.StoryID, &kind, &e.Ordinal, &state,
			&e.Attempts, &ekind, &e.Detail, &durMS); err != nil {
			return nil, err
		}
		e.At = parseTime(at)
		e.Kind = model.TaskKind(kind)
		e.Outcome = model.TaskState(state)
		e.ErrorKind = model.FailureKind(ekind)
		e.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- scan helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStory(r rowScanner) (model.Story, error) {
	var (
		st        model.Story
		monitored int
		checked   sql.NullString
		attempted sql.NullString
		created   string
		updated   string
	)
	err := r.Scan(&st.ID, &st.Provider, &st.SourceURL, &st.Title, &st.Author,
		&monitored, &st.ChapterMark, &checked, &attempted, &created, &updated)
	if err != nil {
		return model.Story{}, err
	}
	st.Monitored = monitored != 0
	if checked.Valid {
		st.LastCheckedAt = parseTime(checked.String)
	}
	if attempted.Valid {
		st.LastAttemptAt = parseTime(attempted.String)
	}
	st.CreatedAt = parseTime(created)
	st.UpdatedAt = parseTime(updated)
	return st, nil
}

func scanTask(r rowScanner) (model.Task, error) {
	var (
		t        model.Task
		kind     string
		state    string
		ekind    string
		eligible sql.NullString
		created  string
		updated  string
	)
	err := r.Scan(&t.ID, &kind, &t.StoryID, &t.Provider, &t.Ordinal, &t.ChapterURL, &t.ChapterTitle,
		&t.Attempts, &state, &ekind, &t.LastError, &created, &eligible, &updated)
	if err != nil {
		return model.Task{}, err
	}
	t.Kind = model.TaskKind(kind)
	t.State = model.TaskState(state)
	t.LastErrorKind = model.FailureKind(ekind)
	t.CreatedAt = parseTime(created)
	if eligible.Valid {
		t.NextEligibleAt = parseTime(eligible.String)
	}
	t.UpdatedAt = parseTime(updated)
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeLayout is fixed-width so lexicographic comparison in SQL matches
// chronological order (RFC3339Nano trims zeros and breaks that).
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
