package sentiment

import (
	"time"

	"call-insights-go/internal/types"
)

// Meta identifies the call in the transcript sent for analysis.
type Meta struct {
	JobID    string
	Filename string
	At       time.Time
}

// BuildContext merges both channel transcripts into the document the
// sentiment service expects: a metadata block, the combined text and the
// concatenated segments (left first).
func BuildContext(meta Meta, left, right types.Document) types.Document {
	model := left.Model()
	if model == "" {
		model = "large-v3"
	}
	at := meta.At
	if at.IsZero() {
		at = time.Now()
	}
	segments := make([]interface{}, 0, len(left.Segments())+len(right.Segments()))
	segments = append(segments, left.Segments()...)
	segments = append(segments, right.Segments()...)

	return types.Document{
		"metadata": map[string]interface{}{
			"ref-id":         meta.JobID,
			"used-model":     model,
			"transcribed-at": at.UTC().Format("2006-01-02 15:04:05"),
			"company-code":   "AUTO",
			"agent-name":     "System",
			"source-file":    meta.Filename,
		},
		"text":     CombinedText(left, right),
		"segments": segments,
	}
}

// CombinedText joins the left and right transcript text with a space.
func CombinedText(left, right types.Document) string {
	return left.Text() + " " + right.Text()
}
