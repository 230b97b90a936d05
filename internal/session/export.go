package session

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/tessera-audio/tessera/internal/merge"
)

// ExportFormat selects the transcript export encoding.
type ExportFormat string

const (
	FormatText ExportFormat = "text"
	FormatJSON ExportFormat = "json"
	FormatSRT  ExportFormat = "srt"
	FormatCSV  ExportFormat = "csv"
)

// IsValid reports whether f is a supported export format.
func (f ExportFormat) IsValid() bool {
	switch f {
	case FormatText, FormatJSON, FormatSRT, FormatCSV:
		return true
	}
	return false
}

// Export writes the transcript and statistics to w in the given format.
// Segments must be ordered by start time; speaker ids are replaced by
// display names where one was assigned.
func Export(w io.Writer, format ExportFormat, stats Statistics, segments []merge.MergedSegment, names map[string]string) error {
	switch format {
	case FormatText:
		return exportText(w, stats, segments, names)
	case FormatJSON:
		return exportJSON(w, stats, segments)
	case FormatSRT:
		return exportSRT(w, segments, names)
	case FormatCSV:
		return exportCSV(w, segments, names)
	default:
		return fmt.Errorf("session: unsupported export format %q", format)
	}
}

func speakerLabel(id string, names map[string]string) string {
	if name, ok := names[id]; ok && name != "" {
		return name
	}
	return id
}

func exportText(w io.Writer, stats Statistics, segments []merge.MergedSegment, names map[string]string) error {
	if _, err := fmt.Fprintf(w, "Session %s\n", stats.SessionID); err != nil {
		return err
	}
	fmt.Fprintf(w, "Audio processed: %s, segments: %d (%d refined), speaker changes: %d\n",
		stats.AudioProcessed.Round(time.Second), stats.SegmentCount, stats.RefinedCount, stats.SpeakerChanges)
	for _, sp := range stats.Speakers {
		fmt.Fprintf(w, "  %-20s %8s  %5.1f%%  %d segments, %.0f wpm\n",
			speakerLabel(sp.SpeakerID, names),
			sp.SpeechTime.Round(time.Second),
			sp.Percentage,
			sp.Segments,
			sp.WordsPerMinute,
		)
	}
	fmt.Fprintln(w)
	for _, s := range segments {
		_, err := fmt.Fprintf(w, "[%s] %s: %s\n",
			clockTime(s.Start), speakerLabel(s.SpeakerID, names), s.Text)
		if err != nil {
			return err
		}
	}
	return nil
}

func exportJSON(w io.Writer, stats Statistics, segments []merge.MergedSegment) error {
	doc := struct {
		Statistics Statistics            `json:"statistics"`
		Segments   []merge.MergedSegment `json:"segments"`
	}{stats, segments}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func exportSRT(w io.Writer, segments []merge.MergedSegment, names map[string]string) error {
	for i, s := range segments {
		_, err := fmt.Fprintf(w, "%d\n%s --> %s\n[%s] %s\n\n",
			i+1,
			srtTimestamp(s.Start),
			srtTimestamp(s.End),
			speakerLabel(s.SpeakerID, names),
			s.Text,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func exportCSV(w io.Writer, segments []merge.MergedSegment, names map[string]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"start_ms", "end_ms", "speaker", "text", "confidence", "refined", "overlapping_speakers"}); err != nil {
		return err
	}
	for _, s := range segments {
		rec := []string{
			strconv.FormatInt(s.Start.Milliseconds(), 10),
			strconv.FormatInt(s.End.Milliseconds(), 10),
			speakerLabel(s.SpeakerID, names),
			s.Text,
			strconv.FormatFloat(float64(s.OverallConfidence), 'f', 3, 32),
			strconv.FormatBool(s.Refined),
			strings.Join(s.OverlappingSpeakers, ";"),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// srtTimestamp renders a stream offset as HH:MM:SS,mmm.
func srtTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	ms := (d - s*time.Second) / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// clockTime renders a stream offset as MM:SS or HH:MM:SS.
func clockTime(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	s := (d - m*time.Minute) / time.Second
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
