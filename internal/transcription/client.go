package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"call-insights-go/internal/httpclient"
	"call-insights-go/internal/retry"

	"github.com/sirupsen/logrus"
)

// SplitClient sends a stereo recording to the split service and gets back
// one URL per channel.
type SplitClient struct {
	baseURL string
	http    *http.Client
	log     *logrus.Entry
}

func NewSplitClient(baseURL string, log *logrus.Entry) *SplitClient {
	return &SplitClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpclient.New(300 * time.Second),
		log:     log.WithField("module", "split"),
	}
}

type splitResponse struct {
	LeftChannelURL  string `json:"left_channel_url"`
	RightChannelURL string `json:"right_channel_url"`
}

// Split uploads the audio behind audioRef (a local path or an http URL) and
// returns absolute left and right channel URLs.
func (c *SplitClient) Split(ctx context.Context, audioRef, filename string) (string, string, error) {
	if os.Getenv("USE_MOCK_SPLIT") == "true" {
		return "mock://" + audioRef + "#left", "mock://" + audioRef + "#right", nil
	}

	audio, err := openAudio(ctx, c.http, audioRef)
	if err != nil {
		return "", "", err
	}
	defer audio.Close()

	if filename == "" {
		filename = filepath.Base(audioRef)
	}
	body, ct, err := httpclient.Multipart(nil, httpclient.Part{Field: "file", Filename: filename, ContentType: "audio/mpeg", Data: audio})
	if err != nil {
		return "", "", fmt.Errorf("split: build form: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/split", body)
	if err != nil {
		return "", "", retry.Permanent(fmt.Errorf("split: build request: %w", err))
	}
	req.Header.Set("Content-Type", ct)

	var raw json.RawMessage
	if err := httpclient.DoJSON(c.http, req, &raw); err != nil {
		return "", "", fmt.Errorf("split: %w", err)
	}
	obj, ok, err := httpclient.FirstObject(raw)
	if err != nil || !ok {
		return "", "", fmt.Errorf("split: unexpected response %s", string(raw))
	}
	var res splitResponse
	b, _ := json.Marshal(obj)
	_ = json.Unmarshal(b, &res)
	if res.LeftChannelURL == "" || res.RightChannelURL == "" {
		return "", "", fmt.Errorf("split: response missing channel urls: %s", string(raw))
	}

	left, right := c.absolute(res.LeftChannelURL), c.absolute(res.RightChannelURL)
	c.log.WithFields(logrus.Fields{"left": left, "right": right}).Info("audio split")
	return left, right, nil
}

// absolute prefixes relative channel URLs with the split service base URL.
func (c *SplitClient) absolute(u string) string {
	if strings.HasPrefix(u, "http") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return c.baseURL + u
}

// openAudio opens a local file or downloads a remote one.
func openAudio(ctx context.Context, client *http.Client, ref string) (io.ReadCloser, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("download %s: %w", ref, err))
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", ref, err)
		}
		if resp.StatusCode >= 300 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, fmt.Errorf("download %s: %w", ref, &retry.StatusError{Code: resp.StatusCode, Body: string(b)})
		}
		return resp.Body, nil
	}
	f, err := os.Open(ref)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("open audio: %w", err))
	}
	return f, nil
}
