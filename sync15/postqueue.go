package sync15

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// UploadResult is the server's response body to a collection POST.
type UploadResult struct {
	Batch   *string         `json:"batch"`
	Failed  map[Guid]string `json:"failed"`
	Success []Guid          `json:"success"`
}

// UploadInfo summarizes a finished upload: which ids landed, which failed,
// and the collection timestamp after the last commit.
type UploadInfo struct {
	SuccessfulIDs     []Guid
	FailedIDs         []Guid
	ModifiedTimestamp ServerTimestamp
}

// BatchPoster sends one serialized chunk of records. Implementations must
// return HTTP-level failures as errors but deliver any 2xx response,
// including 202 Accepted, as a result.
type BatchPoster interface {
	Post(ctx context.Context, body []byte, xius ServerTimestamp, batch string, commit bool) (*UploadResult, int, ServerTimestamp, error)
}

// PostResponseHandler observes each chunk's result. midBatch marks chunks
// whose effects are not durable until the batch commits.
type PostResponseHandler interface {
	HandleResponse(result *UploadResult, midBatch bool) error
}

// limitTracker enforces one (bytes, records) limit pair, either per-POST or
// per-batch.
type limitTracker struct {
	maxBytes   int
	maxRecords int
	curBytes   int
	curRecords int
}

func newLimitTracker(maxBytes, maxRecords int) limitTracker {
	return limitTracker{maxBytes: maxBytes, maxRecords: maxRecords}
}

func (l *limitTracker) clear() {
	l.curBytes = 0
	l.curRecords = 0
}

func (l *limitTracker) canAddRecord(payloadSize int) bool {
	return l.curRecords < l.maxRecords && l.curBytes+payloadSize <= l.maxBytes
}

func (l *limitTracker) canNeverAdd(recordSize int) bool {
	return recordSize >= l.maxBytes
}

func (l *limitTracker) recordAdded(recordSize int) {
	l.curRecords++
	l.curBytes += recordSize
}

type batchState int

const (
	batchNone batchState = iota
	batchUnsupported
	batchInProgress
)

// PostQueue accumulates encrypted records into request bodies, flushing
// whenever a server limit would be exceeded and driving the batch protocol
// (batch=true, batch=<id>, commit=true) across flushes.
type PostQueue struct {
	poster          BatchPoster
	onResponse      PostResponseHandler
	log             *zap.Logger
	postLimits      limitTracker
	batchLimits     limitTracker
	maxPayloadBytes int
	maxRequestBytes int
	queued          []byte
	batch           batchState
	batchID         string
	lastModified    ServerTimestamp
}

// NewPostQueue builds a queue against the server's advertised limits,
// starting from the collection's known last-modified timestamp.
func NewPostQueue(config InfoConfiguration, ts ServerTimestamp, log *zap.Logger, poster BatchPoster, onResponse PostResponseHandler) *PostQueue {
	return &PostQueue{
		poster:          poster,
		onResponse:      onResponse,
		log:             log,
		postLimits:      newLimitTracker(config.MaxPostBytes, config.MaxPostRecords),
		batchLimits:     newLimitTracker(config.MaxTotalBytes, config.MaxTotalRecords),
		maxPayloadBytes: config.MaxRecordPayloadBytes,
		maxRequestBytes: config.MaxRequestBytes,
		batch:           batchNone,
		lastModified:    ts,
	}
}

func (q *PostQueue) inBatch() bool { return q.batch == batchInProgress }

// Enqueue adds one record, flushing first if it would overflow the current
// POST or batch. Returns false, with no error, for records too large to
// ever upload; the caller reports those as failed ids.
func (q *PostQueue) Enqueue(ctx context.Context, record EncryptedBso) (bool, error) {
	payloadLength := record.Payload.SerializedLen()

	if q.postLimits.canNeverAdd(payloadLength) ||
		q.batchLimits.canNeverAdd(payloadLength) ||
		payloadLength >= q.maxPayloadBytes {
		q.log.Warn("record too large to upload", zap.Int("bytes", payloadLength))
		return false, nil
	}

	serialized, err := json.Marshal(record)
	if err != nil {
		return false, err
	}
	// The + 2 covers the separator and the final ']'.
	if len(serialized)+2 >= q.maxRequestBytes {
		q.log.Warn("record too large to upload", zap.Int("bytes", len(serialized)))
		return false, nil
	}

	canPost := q.postLimits.canAddRecord(payloadLength)
	canBatch := q.batchLimits.canAddRecord(payloadLength)
	canSend := len(q.queued)+len(serialized)+2 <= q.maxRequestBytes
	if !canPost || !canSend || !canBatch {
		if err := q.Flush(ctx, !canBatch); err != nil {
			return false, err
		}
	}

	if len(q.queued) == 0 {
		q.queued = append(q.queued, '[')
	} else {
		q.queued = append(q.queued, ',')
	}
	q.queued = append(q.queued, serialized...)

	q.postLimits.recordAdded(payloadLength)
	q.batchLimits.recordAdded(payloadLength)
	return true, nil
}

// Flush posts whatever is queued. wantCommit closes the current batch; the
// final flush of an upload always commits.
func (q *PostQueue) Flush(ctx context.Context, wantCommit bool) error {
	if len(q.queued) == 0 {
		return nil
	}

	body := append(q.queued, ']')
	q.queued = nil

	var batchParam string
	switch q.batch {
	case batchUnsupported:
		batchParam = ""
	case batchNone:
		batchParam = "true"
	case batchInProgress:
		batchParam = q.batchID
	}
	isCommit := wantCommit && batchParam != ""

	q.log.Debug("posting records",
		zap.Int("records", q.postLimits.curRecords),
		zap.Int("bytes", len(body)),
		zap.Bool("commit", isCommit))

	result, status, lastModified, err := q.poster.Post(ctx, body, q.lastModified, batchParam, isCommit)

	if wantCommit || q.batch == batchUnsupported {
		q.batchLimits.clear()
	}
	q.postLimits.clear()

	if err != nil {
		return err
	}

	if wantCommit || q.batch == batchUnsupported {
		q.lastModified = lastModified
	}

	if wantCommit {
		q.batch = batchNone
		q.batchID = ""
		return q.onResponse.HandleResponse(result, false)
	}

	if status != http.StatusAccepted {
		if q.inBatch() {
			return &BatchProblemError{Reason: "server responded non-202 mid-batch"}
		}
		q.lastModified = lastModified
		q.batch = batchUnsupported
		q.batchLimits.clear()
		return q.onResponse.HandleResponse(result, false)
	}

	if result.Batch == nil || *result.Batch == "" {
		return &BatchProblemError{Reason: "202 response without a batch id"}
	}
	if q.batch == batchInProgress && q.batchID != *result.Batch {
		return &BatchProblemError{Reason: "batch id changed mid-batch"}
	}
	q.batch = batchInProgress
	q.batchID = *result.Batch
	q.lastModified = lastModified
	return q.onResponse.HandleResponse(result, true)
}

// NormalResponseHandler collects ids across flushes, holding back the
// results of uncommitted chunks until their batch commits.
type NormalResponseHandler struct {
	FailedIDs      []Guid
	SuccessfulIDs  []Guid
	AllowFailed    bool
	pendingFailed  []Guid
	pendingSuccess []Guid
}

// NewNormalResponseHandler builds a handler; allowFailed keeps going when
// the server rejects individual records instead of failing the upload.
func NewNormalResponseHandler(allowFailed bool) *NormalResponseHandler {
	return &NormalResponseHandler{AllowFailed: allowFailed}
}

func (h *NormalResponseHandler) HandleResponse(result *UploadResult, midBatch bool) error {
	if len(result.Failed) > 0 && !h.AllowFailed {
		return ErrRecordUploadFailed
	}
	h.pendingSuccess = append(h.pendingSuccess, result.Success...)
	for id := range result.Failed {
		h.pendingFailed = append(h.pendingFailed, id)
	}
	if !midBatch {
		h.SuccessfulIDs = append(h.SuccessfulIDs, h.pendingSuccess...)
		h.FailedIDs = append(h.FailedIDs, h.pendingFailed...)
		h.pendingSuccess = nil
		h.pendingFailed = nil
	}
	return nil
}

// CompletedUploadInfo snapshots the handler's totals after the last flush.
func (q *PostQueue) CompletedUploadInfo() UploadInfo {
	h, ok := q.onResponse.(*NormalResponseHandler)
	if !ok {
		return UploadInfo{ModifiedTimestamp: q.lastModified}
	}
	return UploadInfo{
		SuccessfulIDs:     h.SuccessfulIDs,
		FailedIDs:         h.FailedIDs,
		ModifiedTimestamp: q.lastModified,
	}
}

// collPoster adapts a StorageClient to the BatchPoster interface for one
// collection.
type collPoster struct {
	client     *StorageClient
	collection string
}

func (p collPoster) Post(ctx context.Context, body []byte, xius ServerTimestamp, batch string, commit bool) (*UploadResult, int, ServerTimestamp, error) {
	req := NewCollectionRequest(p.collection).WithBatch(batch).WithCommit(commit)
	return p.client.postChunk(ctx, req, xius, body)
}

// NewPostQueueFor builds a queue posting to one collection through this
// client.
func (c *StorageClient) NewPostQueueFor(collection string, config InfoConfiguration, ts ServerTimestamp, onResponse PostResponseHandler) *PostQueue {
	return NewPostQueue(config, ts, c.log, collPoster{client: c, collection: collection}, onResponse)
}
