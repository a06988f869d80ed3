package api

import (
	"time"

	"sonicinput/audio"
	"sonicinput/history"
)

// Message is the JSON envelope for both directions of the control
// channel. Fields are sparse; only the ones relevant to the message type
// are set.
type Message struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`

	// Request parameters
	ID     string   `json:"id,omitempty"`
	Query  string   `json:"query,omitempty"`
	Key    string   `json:"key,omitempty"`
	Value  any      `json:"value,omitempty"`
	Limit  int      `json:"limit,omitempty"`
	Offset int      `json:"offset,omitempty"`
	Sort   string   `json:"sort,omitempty"`
	Status string   `json:"status,omitempty"`
	IDs    []string `json:"ids,omitempty"`

	// Responses
	Recording bool              `json:"recording,omitempty"`
	Level     float64           `json:"level,omitempty"`
	Devices   []audio.Device    `json:"devices,omitempty"`
	Records   []*HistoryRecord  `json:"records,omitempty"`
	Record    *HistoryRecord    `json:"record,omitempty"`
	Config    map[string]any    `json:"config,omitempty"`
	Report    *ReprocessSummary `json:"report,omitempty"`
	Payload   any               `json:"payload,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// HistoryRecord is the wire shape of a history row.
type HistoryRecord struct {
	ID                  string    `json:"id"`
	Timestamp           time.Time `json:"timestamp"`
	DurationS           float64   `json:"durationS"`
	TranscriptionText   string    `json:"transcriptionText,omitempty"`
	TranscriptionStatus string    `json:"transcriptionStatus"`
	TranscriptionError  string    `json:"transcriptionError,omitempty"`
	Provider            string    `json:"provider,omitempty"`
	AIText              string    `json:"aiText,omitempty"`
	AIStatus            string    `json:"aiStatus"`
	FinalText           string    `json:"finalText,omitempty"`
	HasAudio            bool      `json:"hasAudio"`
}

// ReprocessSummary is the wire shape of a batch reprocess result.
type ReprocessSummary struct {
	Total       int      `json:"total"`
	Success     int      `json:"success"`
	Skipped     int      `json:"skipped"`
	Failed      int      `json:"failed"`
	FirstErrors []string `json:"firstErrors,omitempty"`
}

func viewRecord(rec *history.Record) *HistoryRecord {
	return &HistoryRecord{
		ID:                  rec.ID,
		Timestamp:           rec.Timestamp,
		DurationS:           rec.DurationS,
		TranscriptionText:   rec.TranscriptionText,
		TranscriptionStatus: rec.TranscriptionStatus,
		TranscriptionError:  rec.TranscriptionError,
		Provider:            rec.TranscriptionProvider,
		AIText:              rec.AIText,
		AIStatus:            rec.AIStatus,
		FinalText:           rec.FinalText,
		HasAudio:            rec.AudioPath != "",
	}
}

func viewRecords(recs []*history.Record) []*HistoryRecord {
	out := make([]*HistoryRecord, len(recs))
	for i, r := range recs {
		out[i] = viewRecord(r)
	}
	return out
}

func viewReport(r *history.ReprocessReport) *ReprocessSummary {
	return &ReprocessSummary{
		Total:       r.Total,
		Success:     r.Success,
		Skipped:     r.Skipped,
		Failed:      r.Failed,
		FirstErrors: r.FirstErrors,
	}
}
