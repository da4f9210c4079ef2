package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// HTTPStoreConfig wires the hub-backed implementation of Store and BinaryStore.
type HTTPStoreConfig struct {
	BaseURL     string
	AccessToken string
	Client      *http.Client
	Logger      *zap.Logger
}

// HTTPStore speaks the hub's REST and SSE protocol. The session identity is
// carried by the bearer token; the backend scopes every row to its subject.
type HTTPStore struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPStore validates the configuration and returns an HTTPStore.
func NewHTTPStore(cfg HTTPStoreConfig) (*HTTPStore, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPStore{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.AccessToken,
		client:  client,
		logger:  logger,
	}, nil
}

func (s *HTTPStore) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", "Bearer "+s.token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	return request, nil
}

func statusError(status int) error {
	switch status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrPermissionDenied
	default:
		return fmt.Errorf("remote: unexpected status %d", status)
	}
}

// do executes the request and decodes a JSON response into out when out is
// non-nil. 2xx with an empty body and a nil out are both fine.
func (s *HTTPStore) do(request *http.Request, out interface{}) error {
	response, err := s.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		io.Copy(io.Discard, response.Body) //nolint:errcheck
		return statusError(response.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, response.Body) //nolint:errcheck
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}

func listPath(table string, updatedSince int64) string {
	if updatedSince <= 0 {
		return "/v1/" + table
	}
	return "/v1/" + table + "?updated_since=" + strconv.FormatInt(updatedSince, 10)
}

// ListStreams implements Store.
func (s *HTTPStore) ListStreams(ctx context.Context, updatedSince int64) ([]StreamRow, error) {
	request, err := s.newRequest(ctx, http.MethodGet, listPath("streams", updatedSince), nil)
	if err != nil {
		return nil, err
	}
	var rows []StreamRow
	if err := s.do(request, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// ListLocations implements Store.
func (s *HTTPStore) ListLocations(ctx context.Context, updatedSince int64) ([]LocationRow, error) {
	request, err := s.newRequest(ctx, http.MethodGet, listPath("locations", updatedSince), nil)
	if err != nil {
		return nil, err
	}
	var rows []LocationRow
	if err := s.do(request, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// ListEntries implements Store.
func (s *HTTPStore) ListEntries(ctx context.Context, updatedSince int64) ([]EntryRow, error) {
	request, err := s.newRequest(ctx, http.MethodGet, listPath("entries", updatedSince), nil)
	if err != nil {
		return nil, err
	}
	var rows []EntryRow
	if err := s.do(request, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// ListAttachments implements Store.
func (s *HTTPStore) ListAttachments(ctx context.Context, updatedSince int64) ([]AttachmentRow, error) {
	request, err := s.newRequest(ctx, http.MethodGet, listPath("attachments", updatedSince), nil)
	if err != nil {
		return nil, err
	}
	var rows []AttachmentRow
	if err := s.do(request, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// GetEntry implements Store. A missing row returns (nil, nil).
func (s *HTTPStore) GetEntry(ctx context.Context, id string) (*EntryRow, error) {
	request, err := s.newRequest(ctx, http.MethodGet, "/v1/entries/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var row EntryRow
	err = s.do(request, &row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// UpsertStream implements Store.
func (s *HTTPStore) UpsertStream(ctx context.Context, row StreamRow) error {
	request, err := s.newRequest(ctx, http.MethodPut, "/v1/streams/"+url.PathEscape(row.ID), row)
	if err != nil {
		return err
	}
	return s.do(request, nil)
}

// UpsertLocation implements Store.
func (s *HTTPStore) UpsertLocation(ctx context.Context, row LocationRow) error {
	request, err := s.newRequest(ctx, http.MethodPut, "/v1/locations/"+url.PathEscape(row.ID), row)
	if err != nil {
		return err
	}
	return s.do(request, nil)
}

type upsertEntryResponse struct {
	Version int64 `json:"version"`
}

// UpsertEntry implements Store.
func (s *HTTPStore) UpsertEntry(ctx context.Context, row EntryRow) (int64, error) {
	request, err := s.newRequest(ctx, http.MethodPut, "/v1/entries/"+url.PathEscape(row.ID), row)
	if err != nil {
		return 0, err
	}
	var response upsertEntryResponse
	if err := s.do(request, &response); err != nil {
		return 0, err
	}
	return response.Version, nil
}

type casEntryRequest struct {
	Row         EntryRow `json:"row"`
	BaseVersion int64    `json:"base_version"`
}

type casEntryResponse struct {
	Affected bool  `json:"affected"`
	Version  int64 `json:"version"`
}

// UpdateEntryIfVersion implements Store.
func (s *HTTPStore) UpdateEntryIfVersion(ctx context.Context, row EntryRow, baseVersion int64) (bool, int64, error) {
	payload := casEntryRequest{Row: row, BaseVersion: baseVersion}
	request, err := s.newRequest(ctx, http.MethodPost, "/v1/entries/"+url.PathEscape(row.ID)+"/cas", payload)
	if err != nil {
		return false, 0, err
	}
	var response casEntryResponse
	if err := s.do(request, &response); err != nil {
		return false, 0, err
	}
	return response.Affected, response.Version, nil
}

// UpsertAttachment implements Store.
func (s *HTTPStore) UpsertAttachment(ctx context.Context, row AttachmentRow) error {
	request, err := s.newRequest(ctx, http.MethodPut, "/v1/attachments/"+url.PathEscape(row.ID), row)
	if err != nil {
		return err
	}
	return s.do(request, nil)
}

// SoftDeleteEntry implements Store.
func (s *HTTPStore) SoftDeleteEntry(ctx context.Context, id string) error {
	request, err := s.newRequest(ctx, http.MethodDelete, "/v1/entries/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	return s.do(request, nil)
}

// SoftDeleteLocation implements Store.
func (s *HTTPStore) SoftDeleteLocation(ctx context.Context, id string) error {
	request, err := s.newRequest(ctx, http.MethodDelete, "/v1/locations/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	return s.do(request, nil)
}

// DeleteStream implements Store.
func (s *HTTPStore) DeleteStream(ctx context.Context, id string) error {
	request, err := s.newRequest(ctx, http.MethodDelete, "/v1/streams/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	return s.do(request, nil)
}

// DeleteAttachment implements Store.
func (s *HTTPStore) DeleteAttachment(ctx context.Context, id string) error {
	request, err := s.newRequest(ctx, http.MethodDelete, "/v1/attachments/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	return s.do(request, nil)
}

// Subscribe implements Store by consuming the hub's SSE change feed. Events
// for tables outside the requested set are filtered client-side.
func (s *HTTPStore) Subscribe(ctx context.Context, tables []string) (<-chan ChangeEvent, func(), error) {
	feedCtx, cancelCtx := context.WithCancel(ctx)
	request, err := s.newRequest(feedCtx, http.MethodGet, "/v1/changes", nil)
	if err != nil {
		cancelCtx()
		return nil, nil, err
	}
	request.Header.Set("Accept", "text/event-stream")

	response, err := s.client.Do(request)
	if err != nil {
		cancelCtx()
		return nil, nil, err
	}
	if response.StatusCode != http.StatusOK {
		response.Body.Close()
		cancelCtx()
		return nil, nil, statusError(response.StatusCode)
	}

	wanted := make(map[string]bool, len(tables))
	for _, table := range tables {
		wanted[table] = true
	}

	events := make(chan ChangeEvent, 16)
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelCtx()
			response.Body.Close()
		})
	}

	go func() {
		defer close(events)
		defer cancel()
		scanner := bufio.NewScanner(response.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}
			var event ChangeEvent
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				s.logger.Debug("change feed decode failed", zap.Error(err))
				continue
			}
			if len(wanted) > 0 && !wanted[event.Table] {
				continue
			}
			select {
			case events <- event:
			case <-feedCtx.Done():
				return
			}
		}
	}()

	return events, cancel, nil
}

// Upload implements BinaryStore: reads the local file and posts the bytes.
func (s *HTTPStore) Upload(ctx context.Context, localPath string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("read local asset: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/assets", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	request.Header.Set("Authorization", "Bearer "+s.token)
	request.Header.Set("Content-Type", "application/octet-stream")

	var response struct {
		Ref string `json:"ref"`
	}
	if err := s.do(request, &response); err != nil {
		return "", err
	}
	return response.Ref, nil
}

// Download implements BinaryStore.
func (s *HTTPStore) Download(ctx context.Context, remoteRef string) ([]byte, error) {
	request, err := s.newRequest(ctx, http.MethodGet, "/v1/assets/"+url.PathEscape(remoteRef), nil)
	if err != nil {
		return nil, err
	}
	response, err := s.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, statusError(response.StatusCode)
	}
	return io.ReadAll(response.Body)
}

// Remove implements BinaryStore.
func (s *HTTPStore) Remove(ctx context.Context, remoteRef string) error {
	request, err := s.newRequest(ctx, http.MethodDelete, "/v1/assets/"+url.PathEscape(remoteRef), nil)
	if err != nil {
		return err
	}
	return s.do(request, nil)
}
