package history

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"sonicinput/session"
)

const (
	reprocessPageSize = 500
	reprocessCooldown = 500 * time.Millisecond
	maxReportedErrors = 10
)

// ReprocessFunc re-transcribes one record's audio and returns the new
// text. Returning an error marks the record failed in the report.
type ReprocessFunc func(ctx context.Context, rec *Record, pcm []float32) (string, error)

// ReprocessOptions tunes a batch run. Zero values take the defaults.
type ReprocessOptions struct {
	Filter   Filter
	PageSize int
	Cooldown time.Duration // pause between records, respects rate limits
}

// ReprocessReport summarizes a batch run.
type ReprocessReport struct {
	Total       int
	Success     int
	Skipped     int
	Failed      int
	FirstErrors []string
}

// Reprocess walks matching records page by page and re-runs
// transcription through fn. Records without audio are skipped.
// Cancellation is honored between records, never mid-record.
func (s *Store) Reprocess(ctx context.Context, opts ReprocessOptions, fn ReprocessFunc) (*ReprocessReport, error) {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = reprocessPageSize
	}
	cooldown := opts.Cooldown
	if cooldown == 0 {
		cooldown = reprocessCooldown
	}

	report := &ReprocessReport{}

	// Snapshot the matching ids before touching anything: updates change
	// which rows match the filter, which would make offset paging skip
	// records.
	var ids []string
	for offset := 0; ; offset += pageSize {
		f := opts.Filter
		f.Limit = pageSize
		f.Offset = offset
		page, err := s.Search(ctx, f)
		if err != nil {
			return report, err
		}
		for _, rec := range page {
			ids = append(ids, rec.ID)
		}
		if len(page) < pageSize {
			break
		}
	}

	for _, id := range ids {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}
		report.Total++

		rec, err := s.Get(ctx, id)
		if err != nil {
			report.Skipped++
			continue
		}
		if rec.AudioPath == "" {
			report.Skipped++
			continue
		}
		pcm, err := loadAudio(rec.AudioPath)
		if err != nil {
			report.Failed++
			report.addError(fmt.Sprintf("%s: read audio: %v", rec.ID, err))
			continue
		}

		text, err := fn(ctx, rec, pcm)
		if err != nil {
			report.Failed++
			report.addError(fmt.Sprintf("%s: %v", rec.ID, err))
		} else {
			rec.TranscriptionText = text
			if rec.FinalText == "" || rec.AIStatus != StatusSuccess {
				rec.FinalText = text
			}
			if err := s.updateTranscription(ctx, rec); err != nil {
				report.Failed++
				report.addError(fmt.Sprintf("%s: save: %v", rec.ID, err))
			} else {
				report.Success++
			}
		}
		s.sleep(ctx, cooldown)
	}
	return report, nil
}

// loadAudio reads a stored utterance. WAV is the canonical format; MP3
// appears when a record was exported in place.
func loadAudio(path string) ([]float32, error) {
	if strings.EqualFold(filepath.Ext(path), ".mp3") {
		return session.ReadMP3Mono(path, session.DefaultSampleRate)
	}
	pcm, _, err := session.ReadWAV(path)
	return pcm, err
}

func (r *ReprocessReport) addError(msg string) {
	if len(r.FirstErrors) < maxReportedErrors {
		r.FirstErrors = append(r.FirstErrors, msg)
	}
}

// updateTranscription is the one writer allowed to touch transcription
// text after insert; it exists solely for batch reprocessing.
func (s *Store) updateTranscription(ctx context.Context, rec *Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE records SET transcription_text = ?, transcription_status = ?,
			transcription_error = '', final_text = ?
		WHERE id = ?`,
		rec.TranscriptionText, StatusSuccess, rec.FinalText, rec.ID)
	return err
}

func (s *Store) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
