package presence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the presence table in a SQLite database so rows
// survive process restarts. The change feed is produced by the store
// itself: every mutation that goes through this instance notifies
// subscribers while the write lock is held, which keeps per-row event
// order aligned with commit order.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.Mutex
	feed *Feed
	now  func() time.Time
}

// OpenSQLite opens (or creates) the presence database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// WAL mode for concurrent access from readers while a writer commits.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS participants (
		id             TEXT PRIMARY KEY,
		last_seen      INTEGER NOT NULL DEFAULT 0,
		status         TEXT NOT NULL DEFAULT 'online',
		room_id        TEXT NOT NULL DEFAULT '',
		partner_id     TEXT NOT NULL DEFAULT '',
		signal_kind    TEXT NOT NULL DEFAULT '',
		signal_payload TEXT NOT NULL DEFAULT '',
		signal_ts      INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, feed: NewFeed(), now: time.Now}, nil
}

const recordCols = "id, last_seen, status, room_id, partner_id, signal_kind, signal_payload, signal_ts"

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var rec Record
	var lastSeen, signalTS int64
	var status, kind string
	err := row.Scan(&rec.ID, &lastSeen, &status, &rec.RoomID, &rec.PartnerID,
		&kind, &rec.SignalPayload, &signalTS)
	if err != nil {
		return Record{}, err
	}
	rec.LastSeen = time.UnixMilli(lastSeen)
	rec.Status = Status(status)
	rec.SignalKind = SignalKind(kind)
	if signalTS != 0 {
		rec.SignalTS = time.UnixMilli(signalTS)
	}
	return rec, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, id)
}

func (s *SQLiteStore) getLocked(ctx context.Context, id string) (Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordCols+` FROM participants WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("presence: get %s: %w", id, err)
	}
	return rec, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existsErr := s.getLocked(ctx, rec.ID)
	kind := ChangeUpdate
	if existsErr == ErrNotFound {
		kind = ChangeInsert
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO participants (`+recordCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_seen      = excluded.last_seen,
			status         = excluded.status,
			room_id        = excluded.room_id,
			partner_id     = excluded.partner_id,
			signal_kind    = excluded.signal_kind,
			signal_payload = excluded.signal_payload,
			signal_ts      = excluded.signal_ts`,
		rec.ID, rec.LastSeen.UnixMilli(), string(rec.Status), rec.RoomID,
		rec.PartnerID, string(rec.SignalKind), rec.SignalPayload, signalMillis(rec.SignalTS))
	if err != nil {
		return fmt.Errorf("presence: upsert %s: %w", rec.ID, err)
	}
	s.feed.Publish(Change{Kind: kind, Record: rec})
	return nil
}

func signalMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// setClause renders a Fields patch as SQL assignments.
func setClause(f Fields) (string, []any) {
	var cols []string
	var args []any
	add := func(col string, v any) {
		cols = append(cols, col+" = ?")
		args = append(args, v)
	}
	if f.LastSeen != nil {
		add("last_seen", f.LastSeen.UnixMilli())
	}
	if f.Status != nil {
		add("status", string(*f.Status))
	}
	if f.RoomID != nil {
		add("room_id", *f.RoomID)
	}
	if f.PartnerID != nil {
		add("partner_id", *f.PartnerID)
	}
	if f.SignalKind != nil {
		add("signal_kind", string(*f.SignalKind))
	}
	if f.SignalPayload != nil {
		add("signal_payload", *f.SignalPayload)
	}
	if f.SignalTS != nil {
		add("signal_ts", signalMillis(*f.SignalTS))
	}
	return strings.Join(cols, ", "), args
}

func (s *SQLiteStore) UpdateFields(ctx context.Context, id string, f Fields) error {
	set, args := setClause(f)
	if set == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE participants SET `+set+` WHERE id = ?`, append(args, id)...)
	if err != nil {
		return fmt.Errorf("presence: update %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	rec, err := s.getLocked(ctx, id)
	if err != nil {
		return err
	}
	s.feed.Publish(Change{Kind: ChangeUpdate, Record: rec})
	return nil
}

func (s *SQLiteStore) ClaimWaiting(ctx context.Context, id string, f Fields) error {
	set, args := setClause(f)
	if set == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// The WHERE clause is the pairing guard: the patch lands only while
	// the row is still waiting and unpartnered.
	res, err := s.db.ExecContext(ctx,
		`UPDATE participants SET `+set+
			` WHERE id = ? AND status = ? AND partner_id = ''`,
		append(args, id, string(StatusWaiting))...)
	if err != nil {
		return fmt.Errorf("presence: claim %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.getLocked(ctx, id); err == ErrNotFound {
			return ErrNotFound
		}
		return ErrConflict
	}
	rec, err := s.getLocked(ctx, id)
	if err != nil {
		return err
	}
	s.feed.Publish(Change{Kind: ChangeUpdate, Record: rec})
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM participants WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("presence: delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.feed.Publish(Change{Kind: ChangeDelete, Record: Record{ID: id}})
	}
	return nil
}

func (s *SQLiteStore) QueryWaiting(ctx context.Context, excluding string, maxAge time.Duration) ([]Record, error) {
	cutoff := s.now().Add(-maxAge).UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+recordCols+` FROM participants
		WHERE status = ? AND partner_id = '' AND id != ? AND last_seen >= ?
		LIMIT ?`, string(StatusWaiting), excluding, cutoff, queryLimit)
	if err != nil {
		return nil, fmt.Errorf("presence: query waiting: %w", err)
	}
	return collectRecords(rows)
}

func (s *SQLiteStore) QueryActive(ctx context.Context, maxAge time.Duration) ([]Record, error) {
	cutoff := s.now().Add(-maxAge).UnixMilli()
	if maxAge <= 0 {
		cutoff = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+recordCols+` FROM participants
		WHERE last_seen >= ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("presence: query active: %w", err)
	}
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Subscribe() (<-chan Change, func()) {
	return s.feed.Subscribe()
}

func (s *SQLiteStore) Close() error {
	s.feed.Close()
	return s.db.Close()
}
