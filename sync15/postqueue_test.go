package sync15

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type postCall struct {
	body   string
	xius   ServerTimestamp
	batch  string
	commit bool
}

type scriptedResponse struct {
	result UploadResult
	status int
	ts     ServerTimestamp
}

type fakePoster struct {
	t         *testing.T
	calls     []postCall
	responses []scriptedResponse
}

func (p *fakePoster) Post(ctx context.Context, body []byte, xius ServerTimestamp, batch string, commit bool) (*UploadResult, int, ServerTimestamp, error) {
	p.calls = append(p.calls, postCall{body: string(body), xius: xius, batch: batch, commit: commit})
	if len(p.responses) == 0 {
		p.t.Fatalf("unexpected POST #%d", len(p.calls))
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	result := resp.result
	if result.Failed == nil {
		result.Failed = map[Guid]string{}
	}
	return &result, resp.status, resp.ts, nil
}

func testQueueConfig() InfoConfiguration {
	return InfoConfiguration{
		MaxRequestBytes:       1 << 20,
		MaxRecordPayloadBytes: 1000,
		MaxPostRecords:        2,
		MaxPostBytes:          1 << 20,
		MaxTotalRecords:       math.MaxInt,
		MaxTotalBytes:         math.MaxInt,
	}
}

func queueRecord(id Guid, size int) EncryptedBso {
	return EncryptedBso{
		ID: id,
		Payload: EncryptedPayload{
			IV:         "aXZpdml2aXZpdml2aXY=",
			HMAC:       strings.Repeat("ab", 32),
			Ciphertext: strings.Repeat("A", size),
		},
	}
}

func batchID(s string) *string { return &s }

func TestPostQueueSinglePostNoBatch(t *testing.T) {
	poster := &fakePoster{t: t, responses: []scriptedResponse{
		{result: UploadResult{Success: []Guid{"one", "two"}}, status: 200, ts: 5000},
	}}
	handler := NewNormalResponseHandler(false)
	q := NewPostQueue(testQueueConfig(), 1000, zap.NewNop(), poster, handler)

	for _, id := range []Guid{"one", "two"} {
		ok, err := q.Enqueue(context.Background(), queueRecord(id, 10))
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, q.Flush(context.Background(), true))

	require.Len(t, poster.calls, 1)
	// A first flush that also commits still opens a batch.
	assert.Equal(t, "true", poster.calls[0].batch)
	assert.True(t, poster.calls[0].commit)
	assert.Equal(t, ServerTimestamp(1000), poster.calls[0].xius)

	info := q.CompletedUploadInfo()
	assert.Equal(t, []Guid{"one", "two"}, info.SuccessfulIDs)
	assert.Empty(t, info.FailedIDs)
	assert.Equal(t, ServerTimestamp(5000), info.ModifiedTimestamp)
}

func TestPostQueueBatchProtocol(t *testing.T) {
	poster := &fakePoster{t: t, responses: []scriptedResponse{
		{result: UploadResult{Batch: batchID("b1"), Success: []Guid{"one", "two"}}, status: 202, ts: 2000},
		{result: UploadResult{Success: []Guid{"three"}}, status: 200, ts: 3000},
	}}
	handler := NewNormalResponseHandler(false)
	q := NewPostQueue(testQueueConfig(), 1000, zap.NewNop(), poster, handler)

	for _, id := range []Guid{"one", "two", "three"} {
		ok, err := q.Enqueue(context.Background(), queueRecord(id, 10))
		require.NoError(t, err)
		require.True(t, ok)
	}
	// Enqueuing "three" overflowed max_post_records and flushed the first
	// chunk; committed ids must not be visible yet.
	require.Len(t, poster.calls, 1)
	assert.Equal(t, "true", poster.calls[0].batch)
	assert.False(t, poster.calls[0].commit)
	assert.Empty(t, handler.SuccessfulIDs)

	require.NoError(t, q.Flush(context.Background(), true))
	require.Len(t, poster.calls, 2)
	assert.Equal(t, "b1", poster.calls[1].batch)
	assert.True(t, poster.calls[1].commit)

	info := q.CompletedUploadInfo()
	assert.Equal(t, []Guid{"one", "two", "three"}, info.SuccessfulIDs)
	assert.Equal(t, ServerTimestamp(3000), info.ModifiedTimestamp)
}

func TestPostQueueBatchUnsupportedServer(t *testing.T) {
	poster := &fakePoster{t: t, responses: []scriptedResponse{
		{result: UploadResult{Success: []Guid{"one", "two"}}, status: 200, ts: 2000},
		{result: UploadResult{Success: []Guid{"three"}}, status: 200, ts: 3000},
	}}
	handler := NewNormalResponseHandler(false)
	q := NewPostQueue(testQueueConfig(), 1000, zap.NewNop(), poster, handler)

	for _, id := range []Guid{"one", "two", "three"} {
		ok, err := q.Enqueue(context.Background(), queueRecord(id, 10))
		require.NoError(t, err)
		require.True(t, ok)
	}
	// The 200 downgraded us; ids from the first chunk land immediately.
	assert.Equal(t, []Guid{"one", "two"}, handler.SuccessfulIDs)

	require.NoError(t, q.Flush(context.Background(), true))
	require.Len(t, poster.calls, 2)
	// No batch protocol on the second POST.
	assert.Equal(t, "", poster.calls[1].batch)
	assert.False(t, poster.calls[1].commit)
	assert.Equal(t, []Guid{"one", "two", "three"}, handler.SuccessfulIDs)
}

func TestPostQueueRecordTooLarge(t *testing.T) {
	poster := &fakePoster{t: t}
	q := NewPostQueue(testQueueConfig(), 0, zap.NewNop(), poster, NewNormalResponseHandler(false))

	ok, err := q.Enqueue(context.Background(), queueRecord("huge", 5000))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, poster.calls)
}

func TestPostQueue202WithoutBatchID(t *testing.T) {
	poster := &fakePoster{t: t, responses: []scriptedResponse{
		{result: UploadResult{Success: []Guid{"one", "two"}}, status: 202, ts: 2000},
	}}
	q := NewPostQueue(testQueueConfig(), 0, zap.NewNop(), poster, NewNormalResponseHandler(false))

	for _, id := range []Guid{"one", "two", "three"} {
		_, err := q.Enqueue(context.Background(), queueRecord(id, 10))
		if err != nil {
			var problem *BatchProblemError
			require.ErrorAs(t, err, &problem)
			return
		}
	}
	t.Fatal("expected a batch problem")
}

func TestPostQueueBatchIDChangedMidBatch(t *testing.T) {
	poster := &fakePoster{t: t, responses: []scriptedResponse{
		{result: UploadResult{Batch: batchID("b1"), Success: []Guid{"one", "two"}}, status: 202, ts: 2000},
		{result: UploadResult{Batch: batchID("b2"), Success: []Guid{"three", "four"}}, status: 202, ts: 2000},
	}}
	q := NewPostQueue(testQueueConfig(), 0, zap.NewNop(), poster, NewNormalResponseHandler(false))

	var lastErr error
	for _, id := range []Guid{"one", "two", "three", "four", "five"} {
		if _, lastErr = q.Enqueue(context.Background(), queueRecord(id, 10)); lastErr != nil {
			break
		}
	}
	var problem *BatchProblemError
	require.ErrorAs(t, lastErr, &problem)
	assert.Contains(t, problem.Reason, "batch id changed")
}

func TestNormalResponseHandlerRejectsFailures(t *testing.T) {
	strict := NewNormalResponseHandler(false)
	err := strict.HandleResponse(&UploadResult{
		Success: []Guid{"one"},
		Failed:  map[Guid]string{"two": "invalid"},
	}, false)
	assert.ErrorIs(t, err, ErrRecordUploadFailed)

	lenient := NewNormalResponseHandler(true)
	require.NoError(t, lenient.HandleResponse(&UploadResult{
		Success: []Guid{"one"},
		Failed:  map[Guid]string{"two": "invalid"},
	}, false))
	assert.Equal(t, []Guid{"one"}, lenient.SuccessfulIDs)
	assert.Equal(t, []Guid{"two"}, lenient.FailedIDs)
}
