// Package state persists the audit log and the sync journal in SQLite.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Ning0612/Meshsync/internal/domain"
)

// DBName is the database file created inside the data directory
const DBName = "meshsync.db"

const schema = `
CREATE TABLE IF NOT EXISTS resolutions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	case_id TEXT NOT NULL,
	path TEXT NOT NULL,
	candidates TEXT NOT NULL,
	chosen INTEGER NOT NULL,
	action TEXT NOT NULL,
	policy TEXT NOT NULL,
	startup INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS errors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	root INTEGER NOT NULL,
	path TEXT NOT NULL,
	kind TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_journal (
	path TEXT PRIMARY KEY,
	size INTEGER NOT NULL,
	mtime_ns INTEGER NOT NULL,
	mode INTEGER NOT NULL,
	digest TEXT NOT NULL,
	exists_flag INTEGER NOT NULL,
	origin INTEGER NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS handoffs (
	root INTEGER NOT NULL,
	path TEXT NOT NULL,
	size INTEGER NOT NULL,
	mtime_ns INTEGER NOT NULL,
	mode INTEGER NOT NULL,
	digest TEXT NOT NULL,
	exists_flag INTEGER NOT NULL,
	origin INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (root, path)
);

CREATE INDEX IF NOT EXISTS idx_resolutions_path ON resolutions(path);
CREATE INDEX IF NOT EXISTS idx_errors_path ON errors(root, path);
`

type resolutionRow struct {
	ID         int64  `db:"id"`
	CaseID     string `db:"case_id"`
	Path       string `db:"path"`
	Candidates string `db:"candidates"`
	Chosen     int    `db:"chosen"`
	Action     string `db:"action"`
	Policy     string `db:"policy"`
	Startup    bool   `db:"startup"`
	CreatedAt  string `db:"created_at"`
}

type errorRow struct {
	ID        int64  `db:"id"`
	Root      int    `db:"root"`
	Path      string `db:"path"`
	Kind      string `db:"kind"`
	Message   string `db:"message"`
	CreatedAt string `db:"created_at"`
}

type baselineRow struct {
	Path      string `db:"path"`
	Size      int64  `db:"size"`
	MtimeNs   int64  `db:"mtime_ns"`
	Mode      uint32 `db:"mode"`
	Digest    string `db:"digest"`
	Exists    bool   `db:"exists_flag"`
	Origin    int    `db:"origin"`
	UpdatedAt string `db:"updated_at"`
}

type handoffRow struct {
	Root int    `db:"root"`
	Seq  uint64 `db:"seq"`
	baselineRow
}

// candidateJSON is the audit form of a conflict candidate
type candidateJSON struct {
	Root    int       `json:"root"`
	Exists  bool      `json:"exists"`
	Size    int64     `json:"size,omitempty"`
	ModTime time.Time `json:"mtime,omitempty"`
	Digest  string    `json:"digest,omitempty"`
}

// Store is the append-only audit log plus the sync journal. The journal
// holds the last record every root agreed on per path; it is the baseline
// divergence is measured against. Handoffs record, per root, the value a
// partial propagation left there.
type Store struct {
	mu sync.Mutex
	db *sqlx.DB
	// now is overridable in tests
	now func() time.Time
}

// Open creates or opens the store inside dataDir
func Open(dataDir string) (*Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory cannot be empty")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, DBName))
}

// OpenPath opens the database at path. ":memory:" is accepted.
func OpenPath(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection avoids "database is locked" and keeps :memory: a single database
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode and busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// AppendResolution records a resolved or skipped conflict
func (s *Store) AppendResolution(rec domain.ResolutionRecord) error {
	cands := make([]candidateJSON, 0, len(rec.Candidates))
	for _, c := range rec.Candidates {
		cands = append(cands, candidateJSON{
			Root:    c.Root,
			Exists:  c.Record.Exists,
			Size:    c.Record.Size,
			ModTime: c.Record.ModTime,
			Digest:  string(c.Record.Digest),
		})
	}
	data, err := json.Marshal(cands)
	if err != nil {
		return fmt.Errorf("failed to encode candidates: %w", err)
	}

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	row := resolutionRow{
		CaseID:     rec.CaseID,
		Path:       rec.Path,
		Candidates: string(data),
		Chosen:     rec.Chosen,
		Action:     rec.Action.String(),
		Policy:     string(rec.Policy),
		Startup:    rec.Startup,
		CreatedAt:  ts.UTC().Format(time.RFC3339Nano),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.NamedExec(`INSERT INTO resolutions (case_id, path, candidates, chosen, action, policy, startup, created_at)
		VALUES (:case_id, :path, :candidates, :chosen, :action, :policy, :startup, :created_at)`, row)
	if err != nil {
		return fmt.Errorf("failed to save resolution for %s: %w", rec.Path, err)
	}
	return nil
}

// AppendError records a per-file or per-root failure
func (s *Store) AppendError(rec domain.ErrorRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	row := errorRow{
		Root:      rec.Root,
		Path:      rec.Path,
		Kind:      rec.Kind,
		Message:   rec.Message,
		CreatedAt: ts.UTC().Format(time.RFC3339Nano),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.NamedExec(`INSERT INTO errors (root, path, kind, message, created_at)
		VALUES (:root, :path, :kind, :message, :created_at)`, row)
	if err != nil {
		return fmt.Errorf("failed to save error for %s: %w", rec.Path, err)
	}
	return nil
}

// Resolutions returns the newest resolution records first
func (s *Store) Resolutions(limit int) ([]domain.ResolutionRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	var rows []resolutionRow
	s.mu.Lock()
	err := s.db.Select(&rows, `SELECT id, case_id, path, candidates, chosen, action, policy, startup, created_at
		FROM resolutions ORDER BY id DESC LIMIT ?`, limit)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to query resolutions: %w", err)
	}

	out := make([]domain.ResolutionRecord, 0, len(rows))
	for _, r := range rows {
		var cands []candidateJSON
		if err := json.Unmarshal([]byte(r.Candidates), &cands); err != nil {
			return nil, fmt.Errorf("failed to decode candidates of %s: %w", r.CaseID, err)
		}
		rec := domain.ResolutionRecord{
			CaseID:    r.CaseID,
			Path:      r.Path,
			Chosen:    r.Chosen,
			Action:    parseAction(r.Action),
			Policy:    domain.Policy(r.Policy),
			Startup:   r.Startup,
			Timestamp: parseTime(r.CreatedAt),
		}
		for _, c := range cands {
			rec.Candidates = append(rec.Candidates, domain.Candidate{
				Root: c.Root,
				Record: domain.FileRecord{
					Path:    r.Path,
					Exists:  c.Exists,
					Size:    c.Size,
					ModTime: c.ModTime,
					Digest:  domain.Digest(c.Digest),
				},
			})
		}
		out = append(out, rec)
	}
	return out, nil
}

// Errors returns the newest error records first
func (s *Store) Errors(limit int) ([]domain.ErrorRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	var rows []errorRow
	s.mu.Lock()
	err := s.db.Select(&rows, `SELECT id, root, path, kind, message, created_at
		FROM errors ORDER BY id DESC LIMIT ?`, limit)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to query errors: %w", err)
	}

	out := make([]domain.ErrorRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.ErrorRecord{
			Root:      r.Root,
			Path:      r.Path,
			Kind:      r.Kind,
			Message:   r.Message,
			Timestamp: parseTime(r.CreatedAt),
		})
	}
	return out, nil
}

// SetBaseline stores the record all roots agree on for rec.Path
func (s *Store) SetBaseline(rec domain.FileRecord) error {
	row := newBaselineRow(rec, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.NamedExec(`INSERT OR REPLACE INTO sync_journal (path, size, mtime_ns, mode, digest, exists_flag, origin, updated_at)
		VALUES (:path, :size, :mtime_ns, :mode, :digest, :exists_flag, :origin, :updated_at)`, row)
	if err != nil {
		return fmt.Errorf("failed to set baseline for %s: %w", rec.Path, err)
	}
	return nil
}

// Baseline returns the agreed record for path, if any
func (s *Store) Baseline(path string) (domain.FileRecord, bool, error) {
	var row baselineRow
	s.mu.Lock()
	err := s.db.Get(&row, `SELECT path, size, mtime_ns, mode, digest, exists_flag, origin, updated_at
		FROM sync_journal WHERE path = ?`, path)
	s.mu.Unlock()
	if errors.Is(err, sql.ErrNoRows) {
		return domain.FileRecord{}, false, nil
	}
	if err != nil {
		return domain.FileRecord{}, false, fmt.Errorf("failed to query baseline for %s: %w", path, err)
	}
	return row.record(), true, nil
}

// Baselines returns the whole journal keyed by path
func (s *Store) Baselines() (map[string]domain.FileRecord, error) {
	var rows []baselineRow
	s.mu.Lock()
	err := s.db.Select(&rows, `SELECT path, size, mtime_ns, mode, digest, exists_flag, origin, updated_at FROM sync_journal`)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}

	out := make(map[string]domain.FileRecord, len(rows))
	for _, r := range rows {
		out[r.Path] = r.record()
	}
	return out, nil
}

// DeleteBaseline forgets path
func (s *Store) DeleteBaseline(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM sync_journal WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to delete baseline for %s: %w", path, err)
	}
	return nil
}

// SetHandoff records the value root exchanged for h.Record.Path
func (s *Store) SetHandoff(root int, h domain.Handoff) error {
	row := handoffRow{Root: root, Seq: h.Seq, baselineRow: newBaselineRow(h.Record, s.now())}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.NamedExec(`INSERT OR REPLACE INTO handoffs (root, path, size, mtime_ns, mode, digest, exists_flag, origin, seq, updated_at)
		VALUES (:root, :path, :size, :mtime_ns, :mode, :digest, :exists_flag, :origin, :seq, :updated_at)`, row)
	if err != nil {
		return fmt.Errorf("failed to set handoff for %s on root %d: %w", h.Record.Path, root, err)
	}
	return nil
}

// Handoffs returns every recorded handoff keyed by root, then path
func (s *Store) Handoffs() (map[int]map[string]domain.Handoff, error) {
	var rows []handoffRow
	s.mu.Lock()
	err := s.db.Select(&rows, `SELECT root, path, size, mtime_ns, mode, digest, exists_flag, origin, seq, updated_at FROM handoffs`)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to query handoffs: %w", err)
	}

	out := make(map[int]map[string]domain.Handoff)
	for _, r := range rows {
		if out[r.Root] == nil {
			out[r.Root] = make(map[string]domain.Handoff)
		}
		out[r.Root][r.Path] = domain.Handoff{Record: r.record(), Seq: r.Seq}
	}
	return out, nil
}

// DeleteHandoffs forgets the handoffs of path on every root
func (s *Store) DeleteHandoffs(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM handoffs WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to delete handoffs for %s: %w", path, err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

func newBaselineRow(rec domain.FileRecord, now time.Time) baselineRow {
	row := baselineRow{
		Path:      rec.Path,
		Size:      rec.Size,
		Mode:      uint32(rec.Mode),
		Digest:    string(rec.Digest),
		Exists:    rec.Exists,
		Origin:    rec.Origin,
		UpdatedAt: now.UTC().Format(time.RFC3339Nano),
	}
	if !rec.ModTime.IsZero() {
		row.MtimeNs = rec.ModTime.UnixNano()
	}
	return row
}

func (r baselineRow) record() domain.FileRecord {
	rec := domain.FileRecord{
		Path:   r.Path,
		Size:   r.Size,
		Mode:   fs.FileMode(r.Mode),
		Digest: domain.Digest(r.Digest),
		Exists: r.Exists,
		Origin: r.Origin,
	}
	if r.MtimeNs != 0 {
		rec.ModTime = time.Unix(0, r.MtimeNs)
	}
	return rec
}

func parseAction(s string) domain.DecisionAction {
	switch s {
	case "accept":
		return domain.DecisionAccept
	case "defer":
		return domain.DecisionDefer
	default:
		return domain.DecisionSkip
	}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
