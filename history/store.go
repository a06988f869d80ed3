// Package history keeps the utterance log: one row per recording with
// its transcription, optional AI rewrite, and a WAV file on disk.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	xlog "sonicinput/internal/log"
	"sonicinput/session"
)

// Statuses for both the transcription and AI stages.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
	StatusPending = "pending"
)

// ErrNotFound is returned when a record id has no row.
var ErrNotFound = errors.New("history record not found")

// Record is one utterance. Transcription fields are immutable after the
// first save; Update only touches the AI fields and the final text.
type Record struct {
	ID                    string
	Timestamp             time.Time
	AudioPath             string
	DurationS             float64
	TranscriptionText     string
	TranscriptionProvider string
	TranscriptionStatus   string
	TranscriptionError    string
	AIText                string
	AIProvider            string
	AIStatus              string
	AIError               string
	FinalText             string
}

// NewRecord allocates an id and timestamp for a fresh utterance.
func NewRecord() *Record {
	return &Record{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
	}
}

// Filter narrows Search, Count and AggregateStats.
type Filter struct {
	Text        string
	Start       time.Time
	End         time.Time
	TransStatus string
	AIStatus    string
	Limit       int
	Offset      int
}

// Stats is the AggregateStats result.
type Stats struct {
	Count          int
	TotalDurationS float64
	SuccessCount   int
}

// Store owns the database file and the audio directory. Writes are
// serialized; reads run concurrently.
type Store struct {
	db       *sql.DB
	audioDir string
	logger   zerolog.Logger
	writeMu  sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	audio_path TEXT NOT NULL DEFAULT '',
	duration_s REAL NOT NULL DEFAULT 0,
	transcription_text TEXT NOT NULL DEFAULT '',
	transcription_provider TEXT NOT NULL DEFAULT '',
	transcription_status TEXT NOT NULL DEFAULT 'pending',
	transcription_error TEXT NOT NULL DEFAULT '',
	ai_optimized_text TEXT NOT NULL DEFAULT '',
	ai_provider TEXT NOT NULL DEFAULT '',
	ai_status TEXT NOT NULL DEFAULT 'skipped',
	ai_error TEXT NOT NULL DEFAULT '',
	final_text TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_records_timestamp ON records(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_records_trans_status ON records(transcription_status);
CREATE INDEX IF NOT EXISTS idx_records_ai_status ON records(ai_status);

CREATE VIRTUAL TABLE IF NOT EXISTS records_fts USING fts5(
	transcription_text, ai_optimized_text,
	content='records', content_rowid='rowid'
);
CREATE TRIGGER IF NOT EXISTS records_ai AFTER INSERT ON records BEGIN
	INSERT INTO records_fts(rowid, transcription_text, ai_optimized_text)
	VALUES (new.rowid, new.transcription_text, new.ai_optimized_text);
END;
CREATE TRIGGER IF NOT EXISTS records_ad AFTER DELETE ON records BEGIN
	INSERT INTO records_fts(records_fts, rowid, transcription_text, ai_optimized_text)
	VALUES ('delete', old.rowid, old.transcription_text, old.ai_optimized_text);
END;
CREATE TRIGGER IF NOT EXISTS records_au AFTER UPDATE ON records BEGIN
	INSERT INTO records_fts(records_fts, rowid, transcription_text, ai_optimized_text)
	VALUES ('delete', old.rowid, old.transcription_text, old.ai_optimized_text);
	INSERT INTO records_fts(rowid, transcription_text, ai_optimized_text)
	VALUES (new.rowid, new.transcription_text, new.ai_optimized_text);
END;
`

// Open creates or opens the store. Pragmas ride the DSN so every pooled
// connection gets them.
func Open(dbPath, audioDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	if err := os.MkdirAll(audioDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}

	return &Store{
		db:       db,
		audioDir: audioDir,
		logger:   xlog.WithComponent("history"),
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// AudioDir exposes the audio directory for export helpers.
func (s *Store) AudioDir() string { return s.audioDir }

// Save inserts a record. When pcm is non-nil and the record carries no
// audio path yet, the samples are written to <id>.wav first.
func (s *Store) Save(ctx context.Context, rec *Record, pcm []float32) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if pcm != nil && rec.AudioPath == "" {
		path := filepath.Join(s.audioDir, rec.ID+".wav")
		if err := session.WriteWAV(path, pcm, session.DefaultSampleRate); err != nil {
			return fmt.Errorf("write audio file: %w", err)
		}
		rec.AudioPath = path
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (
			id, timestamp, audio_path, duration_s,
			transcription_text, transcription_provider, transcription_status, transcription_error,
			ai_optimized_text, ai_provider, ai_status, ai_error, final_text
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UnixMilli(), rec.AudioPath, rec.DurationS,
		rec.TranscriptionText, rec.TranscriptionProvider, rec.TranscriptionStatus, rec.TranscriptionError,
		rec.AIText, rec.AIProvider, rec.AIStatus, rec.AIError, rec.FinalText)
	if err != nil {
		return fmt.Errorf("insert history record: %w", err)
	}
	return nil
}

// Update rewrites the AI fields and final text of an existing record.
func (s *Store) Update(ctx context.Context, rec *Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET
			ai_optimized_text = ?, ai_provider = ?, ai_status = ?, ai_error = ?, final_text = ?
		WHERE id = ?`,
		rec.AIText, rec.AIProvider, rec.AIStatus, rec.AIError, rec.FinalText, rec.ID)
	if err != nil {
		return fmt.Errorf("update history record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const recordColumns = `id, timestamp, audio_path, duration_s,
	transcription_text, transcription_provider, transcription_status, transcription_error,
	ai_optimized_text, ai_provider, ai_status, ai_error, final_text`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var rec Record
	var ts int64
	err := row.Scan(&rec.ID, &ts, &rec.AudioPath, &rec.DurationS,
		&rec.TranscriptionText, &rec.TranscriptionProvider, &rec.TranscriptionStatus, &rec.TranscriptionError,
		&rec.AIText, &rec.AIProvider, &rec.AIStatus, &rec.AIError, &rec.FinalText)
	if err != nil {
		return nil, err
	}
	rec.Timestamp = time.UnixMilli(ts)
	return &rec, nil
}

// Get returns one record by id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM records WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// listOrderings maps the accepted orderBy names to SQL. Anything outside
// the allowlist falls back to newest first.
var listOrderings = map[string]string{
	"":           "timestamp DESC",
	"timestamp":  "timestamp DESC",
	"oldest":     "timestamp ASC",
	"duration":   "duration_s DESC",
	"ai_status":  "ai_status, timestamp DESC",
	"trans_stat": "transcription_status, timestamp DESC",
}

// List pages records ordered by orderBy (see listOrderings).
func (s *Store) List(ctx context.Context, limit, offset int, orderBy string) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	order, ok := listOrderings[orderBy]
	if !ok {
		order = listOrderings[""]
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM records ORDER BY "+order+" LIMIT ? OFFSET ?",
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// buildFilter renders the WHERE clause shared by Search, Count and
// AggregateStats. Full-text terms go through the FTS index.
func buildFilter(f Filter) (string, []any) {
	var conds []string
	var args []any
	if f.Text != "" {
		conds = append(conds,
			"rowid IN (SELECT rowid FROM records_fts WHERE records_fts MATCH ?)")
		args = append(args, ftsQuery(f.Text))
	}
	if !f.Start.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Start.UnixMilli())
	}
	if !f.End.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, f.End.UnixMilli())
	}
	if f.TransStatus != "" {
		conds = append(conds, "transcription_status = ?")
		args = append(args, f.TransStatus)
	}
	if f.AIStatus != "" {
		conds = append(conds, "ai_status = ?")
		args = append(args, f.AIStatus)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ftsQuery quotes each term so user input cannot inject MATCH syntax.
func ftsQuery(text string) string {
	terms := strings.Fields(text)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}

// Search returns matching records newest first.
func (s *Store) Search(ctx context.Context, f Filter) ([]*Record, error) {
	where, args := buildFilter(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM records"+where+
			" ORDER BY timestamp DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, fmt.Errorf("search history: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Count returns the total matching rows for pagination.
func (s *Store) Count(ctx context.Context, f Filter) (int, error) {
	where, args := buildFilter(f)
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM records"+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return n, nil
}

// AggregateStats summarizes matching records.
func (s *Store) AggregateStats(ctx context.Context, f Filter) (Stats, error) {
	where, args := buildFilter(f)
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(duration_s), 0),
			COALESCE(SUM(CASE WHEN transcription_status = 'success' THEN 1 ELSE 0 END), 0)
		FROM records`+where, args...).
		Scan(&st.Count, &st.TotalDurationS, &st.SuccessCount)
	if err != nil {
		return Stats{}, fmt.Errorf("aggregate history stats: %w", err)
	}
	return st, nil
}

// Delete removes one record and its audio file.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.DeleteMany(ctx, []string{id})
}

// DeleteMany removes rows and their audio files. Rows go first so a
// crash leaves orphan files for the sweep, never dangling rows.
func (s *Store) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	paths := make([]string, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if rec.AudioPath != "" {
			paths = append(paths, rec.AudioPath)
		}
	}

	s.writeMu.Lock()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM records WHERE id IN ("+placeholders+")", args...)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("delete history records: %w", err)
	}

	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", p).Msg("failed to remove audio file")
		}
	}
	return nil
}

// SweepOrphans deletes audio files that no row references and returns
// how many were removed.
func (s *Store) SweepOrphans(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT audio_path FROM records WHERE audio_path != ''")
	if err != nil {
		return 0, fmt.Errorf("list audio paths: %w", err)
	}
	referenced := make(map[string]bool)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, err
		}
		referenced[filepath.Base(p)] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(s.audioDir)
	if err != nil {
		return 0, fmt.Errorf("read audio directory: %w", err)
	}
	var removed atomic.Int64
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".wav") {
			continue
		}
		if referenced[e.Name()] {
			continue
		}
		name := e.Name()
		g.Go(func() error {
			if err := os.Remove(filepath.Join(s.audioDir, name)); err != nil {
				s.logger.Warn().Err(err).Str("file", name).Msg("orphan removal failed")
				return nil
			}
			removed.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	if removed.Load() > 0 {
		s.logger.Info().Int64("removed", removed.Load()).Msg("orphan audio files swept")
	}
	return int(removed.Load()), nil
}

// ExportMP3 re-encodes a record's WAV as MP3 at the given path.
func (s *Store) ExportMP3(ctx context.Context, id, outPath string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.AudioPath == "" {
		return fmt.Errorf("record %s has no audio", id)
	}
	pcm, rate, err := session.ReadWAV(rec.AudioPath)
	if err != nil {
		return fmt.Errorf("read audio for export: %w", err)
	}
	return session.WriteMP3(outPath, pcm, rate)
}
