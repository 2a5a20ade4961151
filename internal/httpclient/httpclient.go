// Package httpclient holds the request helpers shared by the service
// adapters.
package httpclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"call-insights-go/internal/retry"
)

// New returns a client with the given timeout.
func New(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// Do sends req and returns the body of a 2xx response. Non-2xx responses
// become *retry.StatusError so callers can classify them.
func Do(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &retry.StatusError{Code: resp.StatusCode, Body: truncate(body, 512)}
	}
	return body, nil
}

// DoJSON sends req and decodes a 2xx JSON body into target.
func DoJSON(client *http.Client, req *http.Request, target interface{}) error {
	body, err := Do(client, req)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("empty body")
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("json decode error: %v body=%s", err, truncate(body, 200))
	}
	return nil
}

// FirstObject accepts either a JSON object or an array of objects and
// returns the object (or the first element). ok is false for an empty array.
func FirstObject(raw json.RawMessage) (obj map[string]interface{}, ok bool, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, false, fmt.Errorf("empty body")
	}
	if raw[0] == '[' {
		var items []map[string]interface{}
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, false, fmt.Errorf("json decode error: %v", err)
		}
		if len(items) == 0 {
			return nil, false, nil
		}
		return items[0], true, nil
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false, fmt.Errorf("json decode error: %v", err)
	}
	return obj, true, nil
}

// Part is one file in a multipart form.
type Part struct {
	Field       string
	Filename    string
	ContentType string
	Data        io.Reader
}

// Multipart encodes fields and parts into a form body and returns it with
// its content type.
func Multipart(fields map[string]string, parts ...Part) (*bytes.Buffer, string, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		h["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name=%q; filename=%q`, p.Field, p.Filename)}
		ct := p.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h["Content-Type"] = []string{ct}
		fw, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(fw, p.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &b, w.FormDataContentType(), nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
