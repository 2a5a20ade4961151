// Package detection finds competitor mentions in transcript text, either
// locally from a competitor list or through the analysis service.
package detection

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"call-insights-go/internal/httpclient"
	"call-insights-go/internal/retry"
)

// Matcher matches a fixed competitor list against text, case-insensitively
// and on word boundaries.
type Matcher struct {
	patterns map[string]*regexp.Regexp // lower-cased name -> pattern
}

// NewMatcher compiles one pattern per unique non-empty name.
func NewMatcher(names []string) *Matcher {
	m := &Matcher{patterns: make(map[string]*regexp.Regexp)}
	for _, n := range names {
		key := strings.ToLower(strings.TrimSpace(n))
		if key == "" {
			continue
		}
		if _, ok := m.patterns[key]; ok {
			continue
		}
		m.patterns[key] = regexp.MustCompile(wordPattern(key))
	}
	return m
}

// nonWord matches anything but a Unicode word character. RE2's \b only
// knows ASCII, so boundaries are spelled out against this class.
const nonWord = `[^\p{L}\p{N}\p{M}_]`

// wordPattern matches key case-insensitively when it is not part of a longer
// word. Edges of key that are not word characters need no boundary.
func wordPattern(key string) string {
	pattern := `(?i)`
	first, _ := utf8.DecodeRuneInString(key)
	last, _ := utf8.DecodeLastRuneInString(key)
	if isWordRune(first) {
		pattern += `(?:^|` + nonWord + `)`
	}
	pattern += regexp.QuoteMeta(key)
	if isWordRune(last) {
		pattern += `(?:$|` + nonWord + `)`
	}
	return pattern
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsMark(r)
}

// LoadMatcher reads one competitor name per line from path.
func LoadMatcher(path string) (*Matcher, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("detection: open competitor list: %w", err)
	}
	defer f.Close()
	return ReadMatcher(f)
}

// ReadMatcher reads one competitor name per line from r.
func ReadMatcher(r io.Reader) (*Matcher, error) {
	var names []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		names = append(names, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("detection: read competitor list: %w", err)
	}
	return NewMatcher(names), nil
}

// Len is the number of distinct competitors known.
func (m *Matcher) Len() int { return len(m.patterns) }

// Detect returns the title-cased names found in text, sorted.
func (m *Matcher) Detect(_ context.Context, text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return []string{}, nil
	}
	found := make([]string, 0)
	for key, re := range m.patterns {
		if re.MatchString(text) {
			found = append(found, titleCase(key))
		}
	}
	sort.Strings(found)
	return found, nil
}

// titleCase upper-cases the first letter of every run of letters and
// lower-cases the rest.
func titleCase(s string) string {
	var b strings.Builder
	prevLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			if prevLetter {
				b.WriteRune(unicode.ToLower(r))
			} else {
				b.WriteRune(unicode.ToUpper(r))
			}
			prevLetter = true
			continue
		}
		prevLetter = false
		b.WriteRune(r)
	}
	return b.String()
}

// Client calls the analysis service's /find-competitors endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpclient.New(30 * time.Second)}
}

type findRequest struct {
	TranscriptText string `json:"transcript_text"`
}

type findResponse struct {
	CompetitorsFound []string `json:"competitors_found"`
	Count            int      `json:"count"`
}

func (c *Client) Detect(ctx context.Context, text string) ([]string, error) {
	body, err := json.Marshal(findRequest{TranscriptText: text})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("detection: marshal: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/find-competitors", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("detection: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	var res findResponse
	if err := httpclient.DoJSON(c.http, req, &res); err != nil {
		return nil, fmt.Errorf("detection: %w", err)
	}
	if res.CompetitorsFound == nil {
		res.CompetitorsFound = []string{}
	}
	return res.CompetitorsFound, nil
}
