package storageserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testServer(t *testing.T, config Config) *httptest.Server {
	t.Helper()
	if config.Secret == nil {
		config.Secret = []byte("test-secret")
	}
	srv := httptest.NewServer(New(config, zap.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

type testClient struct {
	t         *testing.T
	srv       *httptest.Server
	syncToken string
	endpoint  string
}

func newTestClient(t *testing.T, srv *httptest.Server, accessToken string) *testClient {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/token/1.0/sync/1.5", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var token struct {
		ID          string `json:"id"`
		APIEndpoint string `json:"api_endpoint"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&token))
	return &testClient{t: t, srv: srv, syncToken: token.ID, endpoint: token.APIEndpoint}
}

func (c *testClient) do(method, path string, body any, extraHeaders map[string]string) *http.Response {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.endpoint+path, reader)
	require.NoError(c.t, err)
	req.Header.Set("Authorization", "Bearer "+c.syncToken)
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	resp, err := c.srv.Client().Do(req)
	require.NoError(c.t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func bso(id, payload string) map[string]any {
	return map[string]any{"id": id, "payload": payload}
}

func TestTokenEndpointRequiresBearer(t *testing.T) {
	srv := testServer(t, Config{})
	resp, err := srv.Client().Get(srv.URL + "/token/1.0/sync/1.5")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStorageRejectsBadToken(t *testing.T) {
	srv := testServer(t, Config{})
	client := newTestClient(t, srv, "user-a")
	client.syncToken = "garbage"
	resp := client.do(http.MethodGet, "/info/collections", nil, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStorageRejectsForeignToken(t *testing.T) {
	srv := testServer(t, Config{})
	a := newTestClient(t, srv, "user-a")
	b := newTestClient(t, srv, "user-b")
	// b's token against a's node.
	a.syncToken = b.syncToken
	resp := a.do(http.MethodGet, "/info/collections", nil, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPutGetRoundtrip(t *testing.T) {
	srv := testServer(t, Config{})
	client := newTestClient(t, srv, "user-a")

	resp := client.do(http.MethodPut, "/storage/meta/global", bso("global", `{"syncID":"abc"}`), nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Last-Modified"))
	assert.NotEmpty(t, resp.Header.Get("X-Weave-Timestamp"))

	resp = client.do(http.MethodGet, "/storage/meta/global", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got struct {
		ID       string  `json:"id"`
		Modified float64 `json:"modified"`
		Payload  string  `json:"payload"`
	}
	decodeBody(t, resp, &got)
	assert.Equal(t, "global", got.ID)
	assert.Equal(t, `{"syncID":"abc"}`, got.Payload)
	assert.Greater(t, got.Modified, 0.0)

	var colls map[string]float64
	resp = client.do(http.MethodGet, "/info/collections", nil, nil)
	decodeBody(t, resp, &colls)
	assert.Contains(t, colls, "meta")

	resp = client.do(http.MethodGet, "/storage/meta/missing", nil, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMissingCollectionReadsEmpty(t *testing.T) {
	srv := testServer(t, Config{})
	client := newTestClient(t, srv, "user-a")

	var ids []string
	resp := client.do(http.MethodGet, "/storage/history", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &ids)
	assert.Empty(t, ids)
}

func TestXIUSConflict(t *testing.T) {
	srv := testServer(t, Config{})
	client := newTestClient(t, srv, "user-a")

	resp := client.do(http.MethodPut, "/storage/bookmarks/one", bso("one", "{}"), nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Stale precondition loses.
	resp = client.do(http.MethodPut, "/storage/bookmarks/two", bso("two", "{}"),
		map[string]string{"X-If-Unmodified-Since": "0.01"})
	resp.Body.Close()
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)

	// Matching precondition wins.
	resp = client.do(http.MethodGet, "/storage/bookmarks", nil, nil)
	lastModified := resp.Header.Get("X-Last-Modified")
	resp.Body.Close()
	resp = client.do(http.MethodPut, "/storage/bookmarks/two", bso("two", "{}"),
		map[string]string{"X-If-Unmodified-Since": lastModified})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBatchStagingAndCommit(t *testing.T) {
	srv := testServer(t, Config{})
	client := newTestClient(t, srv, "user-a")

	var accepted struct {
		Batch *string `json:"batch"`
	}
	resp := client.do(http.MethodPost, "/storage/history?batch=true",
		[]map[string]any{bso("one", "{}"), bso("two", "{}")}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	decodeBody(t, resp, &accepted)
	require.NotNil(t, accepted.Batch)

	// Nothing visible until commit.
	var ids []string
	resp = client.do(http.MethodGet, "/storage/history", nil, nil)
	decodeBody(t, resp, &ids)
	assert.Empty(t, ids)

	var committed struct {
		Success []string `json:"success"`
	}
	resp = client.do(http.MethodPost,
		fmt.Sprintf("/storage/history?batch=%s&commit=true", *accepted.Batch),
		[]map[string]any{bso("three", "{}")}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &committed)
	assert.ElementsMatch(t, []string{"one", "two", "three"}, committed.Success)

	resp = client.do(http.MethodGet, "/storage/history", nil, nil)
	decodeBody(t, resp, &ids)
	assert.ElementsMatch(t, []string{"one", "two", "three"}, ids)
}

func TestCollectionQueryParams(t *testing.T) {
	srv := testServer(t, Config{})
	client := newTestClient(t, srv, "user-a")

	for _, id := range []string{"one", "two", "three"} {
		resp := client.do(http.MethodPut, "/storage/history/"+id, bso(id, "{}"), nil)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	var ids []string
	resp := client.do(http.MethodGet, "/storage/history?sort=oldest", nil, nil)
	decodeBody(t, resp, &ids)
	assert.Equal(t, []string{"one", "two", "three"}, ids)

	resp = client.do(http.MethodGet, "/storage/history?limit=2", nil, nil)
	decodeBody(t, resp, &ids)
	assert.Equal(t, []string{"three", "two"}, ids)

	resp = client.do(http.MethodGet, "/storage/history?ids=one,three", nil, nil)
	decodeBody(t, resp, &ids)
	assert.ElementsMatch(t, []string{"one", "three"}, ids)
}

func TestDeleteCollectionAndWipe(t *testing.T) {
	srv := testServer(t, Config{})
	client := newTestClient(t, srv, "user-a")

	resp := client.do(http.MethodPut, "/storage/history/one", bso("one", "{}"), nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = client.do(http.MethodDelete, "/storage/history", nil, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = client.do(http.MethodDelete, "/storage/history", nil, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = client.do(http.MethodPut, "/storage/tabs/one", bso("one", "{}"), nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = client.do(http.MethodDelete, "/storage", nil, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var colls map[string]float64
	resp = client.do(http.MethodGet, "/info/collections", nil, nil)
	decodeBody(t, resp, &colls)
	assert.Empty(t, colls)
}
