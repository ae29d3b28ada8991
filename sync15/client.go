package sync15

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SetupStorageClient is the slice of the storage API the global setup state
// machine needs. The full StorageClient implements it; tests substitute
// fakes.
type SetupStorageClient interface {
	FetchInfoConfiguration(ctx context.Context) (InfoConfiguration, error)
	FetchInfoCollections(ctx context.Context) (InfoCollections, error)
	FetchMetaGlobal(ctx context.Context) (MetaGlobalRecord, ServerTimestamp, error)
	PutMetaGlobal(ctx context.Context, xius ServerTimestamp, global *MetaGlobalRecord) (ServerTimestamp, error)
	FetchCryptoKeys(ctx context.Context) (EncryptedBso, error)
	PutCryptoKeys(ctx context.Context, xius ServerTimestamp, keys EncryptedBso) error
	WipeAll(ctx context.Context) error
}

// backoffState tracks server-requested backoff across requests. Both values
// are unix milliseconds, written from response headers and read before the
// driver schedules the next sync.
type backoffState struct {
	backoffUntil     atomic.Int64
	rateLimitedUntil atomic.Int64
}

func (b *backoffState) note(header http.Header, now time.Time) {
	if v := header.Get("X-Weave-Backoff"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			b.backoffUntil.Store(now.Add(time.Duration(secs * float64(time.Second))).UnixMilli())
		}
	}
	if after, ok := parseRetryAfter(header); ok {
		b.rateLimitedUntil.Store(now.Add(after).UnixMilli())
	}
}

func parseRetryAfter(header http.Header) (time.Duration, bool) {
	v := header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

// StorageClient talks to a Sync 1.5 storage node. Credentials come from the
// TokenProvider; server backoff requests are remembered across calls.
type StorageClient struct {
	http    *http.Client
	log     *zap.Logger
	tokens  TokenProvider
	backoff backoffState
	now     func() time.Time
}

// NewStorageClient wires a client to a token provider. A nil httpClient
// falls back to http.DefaultClient.
func NewStorageClient(httpClient *http.Client, log *zap.Logger, tokens TokenProvider) *StorageClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &StorageClient{http: httpClient, log: log, tokens: tokens, now: time.Now}
}

// BackoffUntil reports the later of the server's backoff and rate-limit
// requests, zero time when none is active.
func (c *StorageClient) BackoffUntil() time.Time {
	ms := c.backoff.backoffUntil.Load()
	if rl := c.backoff.rateLimitedUntil.Load(); rl > ms {
		ms = rl
	}
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// RequiredWait reports how long the server has asked us to stay away.
// ignoreSoft skips the advisory X-Weave-Backoff wait but never the hard
// rate limit.
func (c *StorageClient) RequiredWait(ignoreSoft bool) (time.Duration, bool) {
	now := c.now()
	ms := c.backoff.rateLimitedUntil.Load()
	if !ignoreSoft {
		if soft := c.backoff.backoffUntil.Load(); soft > ms {
			ms = soft
		}
	}
	if ms == 0 {
		return 0, false
	}
	until := time.UnixMilli(ms)
	if !until.After(now) {
		return 0, false
	}
	return until.Sub(now), true
}

func (c *StorageClient) baseURL(ctx context.Context) (*url.URL, error) {
	endpoint, err := c.tokens.APIEndpoint(ctx)
	if err != nil {
		return nil, err
	}
	return url.Parse(endpoint)
}

// doRequest sends one authenticated request, records backoff headers and
// normalizes error statuses. The caller owns the response body on success.
func (c *StorageClient) doRequest(ctx context.Context, method string, u *url.URL, route string, body []byte, xius *ServerTimestamp) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	auth, err := c.tokens.Authorization(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", auth)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if xius != nil {
		req.Header.Set("X-If-Unmodified-Since", xius.String())
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, route, err)
	}
	c.backoff.note(resp.Header, c.now())
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.OnAuthFailure()
	}
	c.log.Debug("storage request failed",
		zap.String("route", route),
		zap.Int("status", resp.StatusCode))
	return nil, &StorageHTTPError{Status: resp.StatusCode, Route: route}
}

func responseTimestamp(resp *http.Response) (ServerTimestamp, error) {
	for _, h := range []string{"X-Last-Modified", "X-Weave-Timestamp"} {
		if v := resp.Header.Get(h); v != "" {
			return ParseTimestamp(v)
		}
	}
	return 0, ErrMissingServerTimestamp
}

func (c *StorageClient) getJSON(ctx context.Context, relPath, route string, out any) (ServerTimestamp, error) {
	base, err := c.baseURL(ctx)
	if err != nil {
		return 0, err
	}
	u := *base
	u.Path = u.Path + relPath
	resp, err := c.doRequest(ctx, http.MethodGet, &u, route, nil, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	ts, err := responseTimestamp(resp)
	if err != nil {
		return 0, err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return 0, fmt.Errorf("parsing %s response: %w", route, err)
	}
	return ts, nil
}

// FetchInfoConfiguration fetches the server limits, substituting the
// defaults when the server predates /info/configuration.
func (c *StorageClient) FetchInfoConfiguration(ctx context.Context) (InfoConfiguration, error) {
	var config InfoConfiguration
	_, err := c.getJSON(ctx, "/info/configuration", "info/configuration", &config)
	if err != nil {
		if IsNotFound(err) {
			return DefaultInfoConfiguration(), nil
		}
		return InfoConfiguration{}, err
	}
	return config, nil
}

// FetchInfoCollections fetches the per-collection modification times.
func (c *StorageClient) FetchInfoCollections(ctx context.Context) (InfoCollections, error) {
	collections := InfoCollections{}
	if _, err := c.getJSON(ctx, "/info/collections", "info/collections", &collections); err != nil {
		return nil, err
	}
	return collections, nil
}

// FetchMetaGlobal fetches and parses the cleartext meta/global record,
// returning its server timestamp.
func (c *StorageClient) FetchMetaGlobal(ctx context.Context) (MetaGlobalRecord, ServerTimestamp, error) {
	var bso CleartextBso
	_, err := c.getJSON(ctx, "/storage/meta/global", "meta/global", &bso)
	if err != nil {
		return MetaGlobalRecord{}, 0, err
	}
	var global MetaGlobalRecord
	if err := bso.IntoRecord(&global); err != nil {
		return MetaGlobalRecord{}, 0, fmt.Errorf("parsing meta/global: %w", err)
	}
	return global, bso.Modified, nil
}

// PutMetaGlobal uploads meta/global guarded by X-If-Unmodified-Since and
// returns the new server timestamp.
func (c *StorageClient) PutMetaGlobal(ctx context.Context, xius ServerTimestamp, global *MetaGlobalRecord) (ServerTimestamp, error) {
	payload, err := json.Marshal(global)
	if err != nil {
		return 0, err
	}
	bso := struct {
		ID      Guid   `json:"id"`
		Payload string `json:"payload"`
	}{ID: "global", Payload: string(payload)}
	return c.putRecord(ctx, "/storage/meta/global", "meta/global", xius, bso)
}

// FetchCryptoKeys fetches the still-encrypted crypto/keys record.
func (c *StorageClient) FetchCryptoKeys(ctx context.Context) (EncryptedBso, error) {
	var bso EncryptedBso
	if _, err := c.getJSON(ctx, "/storage/crypto/keys", "crypto/keys", &bso); err != nil {
		return EncryptedBso{}, err
	}
	return bso, nil
}

// PutCryptoKeys uploads crypto/keys guarded by X-If-Unmodified-Since.
func (c *StorageClient) PutCryptoKeys(ctx context.Context, xius ServerTimestamp, keys EncryptedBso) error {
	_, err := c.putRecord(ctx, "/storage/crypto/keys", "crypto/keys", xius, keys)
	return err
}

func (c *StorageClient) putRecord(ctx context.Context, relPath, route string, xius ServerTimestamp, record any) (ServerTimestamp, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return 0, err
	}
	base, err := c.baseURL(ctx)
	if err != nil {
		return 0, err
	}
	u := *base
	u.Path = u.Path + relPath
	resp, err := c.doRequest(ctx, http.MethodPut, &u, route, body, &xius)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return responseTimestamp(resp)
}

// GetEncryptedRecords runs a collection fetch and returns the records with
// the collection's last-modified timestamp.
func (c *StorageClient) GetEncryptedRecords(ctx context.Context, req CollectionRequest) ([]EncryptedBso, ServerTimestamp, error) {
	base, err := c.baseURL(ctx)
	if err != nil {
		return nil, 0, err
	}
	u := req.WithFull().BuildURL(base)
	resp, err := c.doRequest(ctx, http.MethodGet, u, req.Collection, nil, nil)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	ts, err := responseTimestamp(resp)
	if err != nil {
		return nil, 0, err
	}
	var records []EncryptedBso
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, 0, fmt.Errorf("parsing %s records: %w", req.Collection, err)
	}
	for i := range records {
		records[i].Collection = req.Collection
	}
	return records, ts, nil
}

// postChunk sends one already-serialized batch chunk to a collection POST
// endpoint. Used by the upload queue; 202 means the batch is still open.
func (c *StorageClient) postChunk(ctx context.Context, req CollectionRequest, xius ServerTimestamp, body []byte) (*UploadResult, int, ServerTimestamp, error) {
	base, err := c.baseURL(ctx)
	if err != nil {
		return nil, 0, 0, err
	}
	u := req.BuildURL(base)
	resp, err := c.doRequest(ctx, http.MethodPost, u, req.Collection, body, &xius)
	if err != nil {
		return nil, 0, 0, err
	}
	defer resp.Body.Close()
	ts, tsErr := responseTimestamp(resp)
	var result UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, 0, 0, fmt.Errorf("parsing %s upload response: %w", req.Collection, err)
	}
	if tsErr != nil {
		return nil, 0, 0, tsErr
	}
	return &result, resp.StatusCode, ts, nil
}

// WipeAll deletes every record and collection for the user.
func (c *StorageClient) WipeAll(ctx context.Context) error {
	return c.deletePath(ctx, "/storage", "storage")
}

// WipeRemoteEngine deletes a single collection.
func (c *StorageClient) WipeRemoteEngine(ctx context.Context, collection string) error {
	return c.deletePath(ctx, "/storage/"+url.PathEscape(collection), collection)
}

func (c *StorageClient) deletePath(ctx context.Context, relPath, route string) error {
	base, err := c.baseURL(ctx)
	if err != nil {
		return err
	}
	u := *base
	u.Path = u.Path + relPath
	resp, err := c.doRequest(ctx, http.MethodDelete, &u, route, nil, nil)
	if err != nil {
		// Already-gone collections are not an error for a wipe.
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}
