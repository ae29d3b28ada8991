package sync15

import (
	"encoding/json"
	"math"
	"net/url"
	"strconv"
	"strings"
)

// RequestOrder is the sort= parameter of a collection fetch.
type RequestOrder string

const (
	OrderNewest RequestOrder = "newest"
	OrderOldest RequestOrder = "oldest"
	OrderIndex  RequestOrder = "index"
)

// CollectionRequest describes one GET or POST against
// /storage/<collection>, built up with the chained With* methods.
type CollectionRequest struct {
	Collection string
	Full       bool
	IDs        []Guid
	Limit      int
	Older      *ServerTimestamp
	Newer      *ServerTimestamp
	Order      RequestOrder
	Commit     bool
	Batch      string
}

// NewCollectionRequest starts a request against one collection.
func NewCollectionRequest(collection string) CollectionRequest {
	return CollectionRequest{Collection: collection}
}

// WithFull asks for complete records rather than bare ids.
func (r CollectionRequest) WithFull() CollectionRequest {
	r.Full = true
	return r
}

// WithIDs restricts the fetch to the given record ids.
func (r CollectionRequest) WithIDs(ids ...Guid) CollectionRequest {
	r.IDs = ids
	return r
}

// WithLimit caps the number of records returned.
func (r CollectionRequest) WithLimit(n int) CollectionRequest {
	r.Limit = n
	return r
}

// OlderThan keeps only records modified strictly before ts.
func (r CollectionRequest) OlderThan(ts ServerTimestamp) CollectionRequest {
	r.Older = &ts
	return r
}

// NewerThan keeps only records modified strictly after ts.
func (r CollectionRequest) NewerThan(ts ServerTimestamp) CollectionRequest {
	r.Newer = &ts
	return r
}

// SortBy sets the result ordering.
func (r CollectionRequest) SortBy(order RequestOrder) CollectionRequest {
	r.Order = order
	return r
}

// WithBatch attaches a batch token to a POST.
func (r CollectionRequest) WithBatch(batch string) CollectionRequest {
	r.Batch = batch
	return r
}

// WithCommit marks a POST as the committing request of its batch.
func (r CollectionRequest) WithCommit(v bool) CollectionRequest {
	r.Commit = v
	return r
}

// BuildURL resolves the request against the storage endpoint base.
func (r CollectionRequest) BuildURL(base *url.URL) *url.URL {
	u := *base
	u.Path = strings.TrimRight(u.Path, "/") + "/storage/" + url.PathEscape(r.Collection)
	q := url.Values{}
	if r.Full {
		q.Set("full", "1")
	}
	if r.Limit > 0 {
		q.Set("limit", strconv.Itoa(r.Limit))
	}
	if len(r.IDs) > 0 {
		ids := make([]string, len(r.IDs))
		for i, id := range r.IDs {
			ids[i] = string(id)
		}
		q.Set("ids", strings.Join(ids, ","))
	}
	if r.Batch != "" {
		q.Set("batch", r.Batch)
	}
	if r.Commit {
		q.Set("commit", "true")
	}
	if r.Older != nil {
		q.Set("older", r.Older.String())
	}
	if r.Newer != nil {
		q.Set("newer", r.Newer.String())
	}
	if r.Order != "" {
		q.Set("sort", string(r.Order))
	}
	u.RawQuery = q.Encode()
	return &u
}

// InfoConfiguration is the server's advertised upload limits from
// /info/configuration. Missing fields mean unlimited, except for the two
// request-size limits which have conservative protocol defaults.
type InfoConfiguration struct {
	MaxRequestBytes       int `json:"max_request_bytes"`
	MaxRecordPayloadBytes int `json:"max_record_payload_bytes"`
	MaxPostRecords        int `json:"max_post_records"`
	MaxPostBytes          int `json:"max_post_bytes"`
	MaxTotalRecords       int `json:"max_total_records"`
	MaxTotalBytes         int `json:"max_total_bytes"`
}

// DefaultInfoConfiguration is what a server that lacks /info/configuration
// is assumed to support.
func DefaultInfoConfiguration() InfoConfiguration {
	return InfoConfiguration{
		MaxRequestBytes:       260 * 1024,
		MaxRecordPayloadBytes: 256 * 1024,
		MaxPostRecords:        math.MaxInt,
		MaxPostBytes:          math.MaxInt,
		MaxTotalRecords:       math.MaxInt,
		MaxTotalBytes:         math.MaxInt,
	}
}

// UnmarshalJSON fills absent fields with the defaults above.
func (c *InfoConfiguration) UnmarshalJSON(b []byte) error {
	*c = DefaultInfoConfiguration()
	var raw map[string]int
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if v, ok := raw["max_request_bytes"]; ok {
		c.MaxRequestBytes = v
	}
	if v, ok := raw["max_record_payload_bytes"]; ok {
		c.MaxRecordPayloadBytes = v
	}
	if v, ok := raw["max_post_records"]; ok {
		c.MaxPostRecords = v
	}
	if v, ok := raw["max_post_bytes"]; ok {
		c.MaxPostBytes = v
	}
	if v, ok := raw["max_total_records"]; ok {
		c.MaxTotalRecords = v
	}
	if v, ok := raw["max_total_bytes"]; ok {
		c.MaxTotalBytes = v
	}
	return nil
}

// InfoCollections maps collection name to its last-modified timestamp, from
// /info/collections.
type InfoCollections map[string]ServerTimestamp
