package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"call-insights-go/internal/httpclient"
	"call-insights-go/internal/retry"
	"call-insights-go/internal/types"
)

// HTTPStore talks to the storage service.
type HTTPStore struct {
	baseURL string
	http    *http.Client
}

func NewHTTPStore(baseURL string) *HTTPStore {
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpclient.New(30 * time.Second),
	}
}

type uploadRequest struct {
	ObjectPath string         `json:"object_path"`
	Data       types.Document `json:"data"`
}

// Put uploads doc with POST /upload.
func (s *HTTPStore) Put(ctx context.Context, path string, doc types.Document) error {
	body, err := json.Marshal(uploadRequest{ObjectPath: path, Data: doc})
	if err != nil {
		return retry.Permanent(fmt.Errorf("storage: marshal %s: %w", path, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/upload", bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("storage: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if _, err := httpclient.Do(s.http, req); err != nil {
		return fmt.Errorf("storage: upload %s: %w", path, err)
	}
	return nil
}

// Get downloads the document with GET /download/{path}. The service wraps
// the document in one or two "data" envelopes.
func (s *HTTPStore) Get(ctx context.Context, path string) (types.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/download/"+strings.TrimLeft(path, "/"), nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("storage: build request: %w", err))
	}
	var envelope map[string]interface{}
	if err := httpclient.DoJSON(s.http, req, &envelope); err != nil {
		var se *retry.StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, notFound(path)
		}
		return nil, fmt.Errorf("storage: download %s: %w", path, err)
	}
	return types.Document(unwrapData(envelope, 2)), nil
}

func unwrapData(obj map[string]interface{}, depth int) map[string]interface{} {
	for i := 0; i < depth; i++ {
		inner, ok := obj["data"].(map[string]interface{})
		if !ok {
			break
		}
		obj = inner
	}
	return obj
}
