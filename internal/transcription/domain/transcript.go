package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Segment 帶時間軸的逐段文字
type Segment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Segments stored as a jsonb column
type Segments []Segment

// Value implements driver.Valuer
func (s Segments) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (s *Segments) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	}
	return fmt.Errorf("segments: cannot scan %T", src)
}

// Transcript 轉錄結果, created once and never updated by the worker
type Transcript struct {
	ID         string    `gorm:"primaryKey;type:uuid"`
	MediaID    string    `gorm:"column:media_id;type:uuid;index"`
	Text       string    `gorm:"column:text;type:text"`
	Segments   Segments  `gorm:"column:segments;type:jsonb"`
	Language   string    `gorm:"column:language"`
	Confidence float64   `gorm:"column:confidence"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName gorm table name
func (Transcript) TableName() string {
	return "transcripts"
}

// TranscriptResult engine output
type TranscriptResult struct {
	Text       string
	Segments   []Segment
	Language   string
	Confidence float64
}

// RawSegment a segment as the engine reports it
type RawSegment struct {
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	Text         string  `json:"text"`
	NoSpeechProb float64 `json:"no_speech_prob"`
}

// BuildResult turn raw engine segments into a TranscriptResult: segments are ordered by
// start (stable), text is trimmed, per-segment confidence is 1-no_speech_prob and the
// aggregate is AggregateConfidence.
func BuildResult(text, language string, raw []RawSegment) TranscriptResult {
	ordered := make([]RawSegment, len(raw))
	copy(ordered, raw)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Start < ordered[j].Start })

	segments := make([]Segment, 0, len(ordered))
	for _, r := range ordered {
		segments = append(segments, Segment{
			Start:      r.Start,
			End:        r.End,
			Text:       strings.TrimSpace(r.Text),
			Confidence: clamp01(1 - r.NoSpeechProb),
		})
	}

	return TranscriptResult{
		Text:       strings.TrimSpace(text),
		Segments:   segments,
		Language:   language,
		Confidence: AggregateConfidence(ordered),
	}
}

// AggregateConfidence 1 - mean(no_speech_prob), 0 when there are no segments
func AggregateConfidence(raw []RawSegment) float64 {
	if len(raw) == 0 {
		return 0
	}
	var total float64
	for _, r := range raw {
		total += r.NoSpeechProb
	}
	return 1 - total/float64(len(raw))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
