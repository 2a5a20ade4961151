// Package sentiment calls the contextual sentiment service for one
// competitor at a time.
package sentiment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"call-insights-go/internal/httpclient"
	"call-insights-go/internal/retry"
	"call-insights-go/internal/types"

	"github.com/sirupsen/logrus"
)

type Client struct {
	baseURL string
	http    *http.Client
	log     *logrus.Entry
	mock    bool
}

// NewClient returns a sentiment client. USE_MOCK_SENTIMENT=true returns a
// deterministic result without network calls.
func NewClient(baseURL string, log *logrus.Entry) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpclient.New(120 * time.Second),
		log:     log.WithField("module", "sentiment"),
		mock:    os.Getenv("USE_MOCK_SENTIMENT") == "true",
	}
}

// Analyze posts context.txt and transcript.json to
// /analyze/contextual/file and returns the first result. An empty result
// list yields a neutral placeholder.
func (c *Client) Analyze(ctx context.Context, competitor string, transcript types.Document) (types.Document, error) {
	if c.mock {
		return mockResult(competitor, transcript), nil
	}

	transcriptJSON, err := json.MarshalIndent(transcript, "", "  ")
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("sentiment: marshal transcript: %w", err))
	}
	body, ct, err := httpclient.Multipart(nil,
		httpclient.Part{Field: "context", Filename: "context.txt", ContentType: "text/plain", Data: strings.NewReader("Analyze sentiment regarding: " + competitor)},
		httpclient.Part{Field: "transcript", Filename: "transcript.json", ContentType: "application/json", Data: strings.NewReader(string(transcriptJSON))},
	)
	if err != nil {
		return nil, fmt.Errorf("sentiment: build form: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze/contextual/file", body)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("sentiment: build request: %w", err))
	}
	req.Header.Set("Content-Type", ct)

	raw, err := httpclient.Do(c.http, req)
	if err != nil {
		return nil, fmt.Errorf("sentiment: %s: %w", competitor, err)
	}
	doc, err := parseResult(raw, competitor)
	if err != nil {
		return nil, fmt.Errorf("sentiment: %s: %w", competitor, err)
	}
	c.log.WithFields(logrus.Fields{
		"competitor":        competitor,
		"overall_sentiment": doc.String("overall_sentiment"),
	}).Debug("sentiment analyzed")
	return doc, nil
}

func neutral(competitor string) types.Document {
	return types.Document{
		"competitor":        competitor,
		"overall_sentiment": "neutral",
		"message":           "No sentiment analysis results returned",
	}
}

// parseResult reads an object or array body. Bodies with text around the
// JSON object are accepted by extracting the first balanced object.
func parseResult(raw []byte, competitor string) (types.Document, error) {
	if !json.Valid(raw) {
		candidate := extractJSON(string(raw))
		if candidate == "" {
			return nil, fmt.Errorf("no JSON found in response: %.200s", string(raw))
		}
		raw = []byte(candidate)
	}
	obj, ok, err := httpclient.FirstObject(raw)
	if err != nil {
		return nil, err
	}
	if !ok {
		return neutral(competitor), nil
	}
	return types.Document(obj), nil
}

// extractJSON finds the first balanced JSON object in s, ignoring markdown
// fences.
func extractJSON(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	for _, fence := range []string{"```json", "```"} {
		s = strings.ReplaceAll(s, fence, "")
	}
	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := strings.TrimSpace(s[start : i+1])
				if json.Valid([]byte(candidate)) {
					return candidate
				}
				return ""
			}
		}
	}
	return ""
}

var (
	negativeWords = []string{"expensive", "cancel", "switch", "refund", "problem", "issue", "worse", "slow"}
	positiveWords = []string{"great", "cheaper", "better", "love", "happy", "fast", "recommend"}
)

// mockResult scores the sentences mentioning competitor with a tiny word list.
func mockResult(competitor string, transcript types.Document) types.Document {
	text := strings.ToLower(transcript.Text())
	name := strings.ToLower(competitor)
	score := 0
	mentions := 0
	for _, sentence := range strings.FieldsFunc(text, func(r rune) bool { return r == '.' || r == '!' || r == '?' }) {
		if !strings.Contains(sentence, name) {
			continue
		}
		mentions++
		for _, w := range negativeWords {
			if strings.Contains(sentence, w) {
				score--
			}
		}
		for _, w := range positiveWords {
			if strings.Contains(sentence, w) {
				score++
			}
		}
	}
	overall := "neutral"
	switch {
	case score > 0:
		overall = "positive"
	case score < 0:
		overall = "negative"
	}
	return types.Document{
		"competitor":        competitor,
		"overall_sentiment": overall,
		"mentions":          mentions,
		"score":             score,
		"mock":              true,
	}
}
