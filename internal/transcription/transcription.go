// Package transcription talks to the audio split and speech-to-text services.
package transcription

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

// WhisperParams are sent with every transcription request.
var WhisperParams = map[string]string{
	"whisper_model":               "large-v3",
	"compression_ratio_threshold": "1.8",
	"temperature":                 "0",
	"logprob_threshold":           "-0.8",
	"no_speech_threshold":         "0.7",
	"condition_on_previous_text":  "false",
	"beam_size":                   "1",
	"best_of":                     "1",
	"word_timestamps":             "true",
	"language":                    "en",
}

// Client transcribes one audio channel at a time.
type Client struct {
	baseURL string
	http    *http.Client
	log     *logrus.Entry
	mock    bool
}

// NewClient returns a transcription client. USE_MOCK_TRANSCRIBE=true makes
// it return a canned transcript without network calls.
func NewClient(baseURL string, log *logrus.Entry) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpclient.New(300 * time.Second),
		log:     log.WithField("module", "transcription"),
		mock:    os.Getenv("USE_MOCK_TRANSCRIBE") == "true",
	}
}

// Transcribe downloads the channel audio and posts it to the transcription
// service with token as bearer credentials. The returned document holds at
// least "text", and usually "model" and "segments".
func (c *Client) Transcribe(ctx context.Context, channelURL, token string) (types.Document, error) {
	if c.mock {
		return types.Document{
			"model":    "mock",
			"text":     "MOCK TRANSCRIPT: Customer says they face pricing issues and want refund.",
			"segments": []interface{}{},
		}, nil
	}

	audio, err := openAudio(ctx, c.http, channelURL)
	if err != nil {
		return nil, err
	}
	defer audio.Close()

	body, ct, err := httpclient.Multipart(WhisperParams, httpclient.Part{
		Field:       "audio_file",
		Filename:    "audio.mp3",
		ContentType: "audio/mpeg",
		Data:        audio,
	})
	if err != nil {
		return nil, fmt.Errorf("transcribe: build form: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/transcriptions/", body)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("transcribe: build request: %w", err))
	}
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	var raw json.RawMessage
	if err := httpclient.DoJSON(c.http, req, &raw); err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	doc, err := parseTranscript(raw)
	if err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{
		"channel_url": channelURL,
		"chars":       len(doc.Text()),
		"took":        time.Since(start).String(),
	}).Info("channel transcribed")
	return doc, nil
}

// parseTranscript accepts the service's array envelope
// [{"success":true,"data":{...}}] as well as a bare transcript object.
func parseTranscript(raw json.RawMessage) (types.Document, error) {
	isArray := len(raw) > 0 && strings.HasPrefix(strings.TrimSpace(string(raw)), "[")
	obj, ok, err := httpclient.FirstObject(raw)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("transcribe: empty response")
	}
	if isArray {
		if data, ok := obj["data"].(map[string]interface{}); ok {
			return types.Document(data), nil
		}
	}
	return types.Document(obj), nil
}
