// Package dataset reads batches of call recordings from spreadsheets and
// writes job results back out as workbooks.
package dataset

import (
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Call is one recording listed in a batch spreadsheet.
type Call struct {
	Row      int    `json:"row"` // 1-based sheet row
	CallID   string `json:"call_id,omitempty"`
	AudioURL string `json:"audio_url"`
	Filename string `json:"filename"`
}

// Batch is the parsed content of a spreadsheet.
type Batch struct {
	Sheet string
	Calls []Call
	// Skipped lists rows whose audio cell is not an http(s) URL.
	Skipped []int
}

// Load opens the spreadsheet at p and reads its first sheet.
func Load(p string) (*Batch, error) {
	f, err := excelize.OpenFile(p)
	if err != nil {
		return nil, fmt.Errorf("dataset: open %s: %w", p, err)
	}
	defer f.Close()
	return read(f)
}

// Read parses a spreadsheet from r.
func Read(r io.Reader) (*Batch, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("dataset: open: %w", err)
	}
	defer f.Close()
	return read(f)
}

func read(f *excelize.File) (*Batch, error) {
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("dataset: no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("dataset: read rows: %w", err)
	}
	if len(rows) <= 1 {
		return nil, fmt.Errorf("dataset: no data rows")
	}

	audioIdx, idIdx, nameIdx := columns(rows[0])
	if audioIdx == -1 {
		return nil, fmt.Errorf("dataset: no audio url column in header %q", rows[0])
	}

	b := &Batch{Sheet: sheets[0]}
	for i, r := range rows[1:] {
		rowNum := i + 2
		call := Call{Row: rowNum, AudioURL: cell(r, audioIdx), CallID: cell(r, idIdx), Filename: cell(r, nameIdx)}
		lower := strings.ToLower(call.AudioURL)
		if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
			if strings.Join(r, "") != "" {
				b.Skipped = append(b.Skipped, rowNum)
			}
			continue
		}
		if call.Filename == "" {
			call.Filename = filenameFromURL(call.AudioURL, call.CallID, rowNum)
		}
		b.Calls = append(b.Calls, call)
	}
	return b, nil
}

// columns finds the audio, id and filename columns by header name.
func columns(header []string) (audio, id, name int) {
	audio, id, name = -1, -1, -1
	for i, h := range header {
		l := strings.ToLower(strings.TrimSpace(h))
		switch {
		case strings.Contains(l, "audio") || strings.Contains(l, "recording") || strings.Contains(l, "url") ||
			(strings.Contains(l, "call") && strings.Contains(l, "link")):
			if audio == -1 {
				audio = i
			}
		case strings.Contains(l, "file"):
			if name == -1 {
				name = i
			}
		case l == "id" || strings.Contains(l, "call id") || strings.Contains(l, "callid") || strings.HasSuffix(l, "_id"):
			if id == -1 {
				id = i
			}
		}
	}
	return audio, id, name
}

func cell(r []string, i int) string {
	if i < 0 || i >= len(r) {
		return ""
	}
	return strings.TrimSpace(r[i])
}

func filenameFromURL(u, callID string, row int) string {
	base := path.Base(strings.SplitN(strings.SplitN(u, "?", 2)[0], "#", 2)[0])
	if base != "" && base != "." && base != "/" && strings.Contains(base, ".") {
		return base
	}
	if callID != "" {
		return callID
	}
	return fmt.Sprintf("row-%d", row)
}
