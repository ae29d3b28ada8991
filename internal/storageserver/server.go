// Package storageserver is an in-memory Sync 1.5 storage node with a
// matching tokenserver endpoint. It exists for local development and for
// exercising the sync engine end to end in tests.
package storageserver

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Config tunes the server's advertised limits and batch support.
type Config struct {
	// Secret signs storage tokens. Required.
	Secret []byte
	// TokenTTL bounds how long an issued storage token is valid.
	TokenTTL time.Duration
	// DisableBatches makes POSTs apply immediately with no 202 protocol,
	// like old servers.
	DisableBatches bool
	// MaxPostRecords caps records per POST; zero means unlimited.
	MaxPostRecords int
	// MaxTotalRecords caps records per batch; zero means unlimited.
	MaxTotalRecords int
}

type storedBso struct {
	payload   string
	sortindex *int
	modified  int64
	expiresAt *time.Time
}

type collection struct {
	records      map[string]*storedBso
	lastModified int64
}

type userStorage struct {
	collections map[string]*collection
	batches     map[string][]wireBso
	nextBatch   int
}

type wireBso struct {
	ID        string  `json:"id"`
	Modified  float64 `json:"modified,omitempty"`
	SortIndex *int    `json:"sortindex,omitempty"`
	TTL       *int    `json:"ttl,omitempty"`
	Payload   string  `json:"payload"`
}

type uploadResponse struct {
	Batch   *string           `json:"batch"`
	Success []string          `json:"success"`
	Failed  map[string]string `json:"failed"`
}

// Server holds every user's records in memory.
type Server struct {
	log    *zap.Logger
	config Config
	secret []byte
	now    func() time.Time

	mu     sync.Mutex
	users  map[string]*userStorage
	lastTs int64
}

// New builds a server; panics on a missing secret since that is a
// programming error, not a runtime condition.
func New(config Config, log *zap.Logger) *Server {
	if len(config.Secret) == 0 {
		panic("storageserver: config.Secret is required")
	}
	if config.TokenTTL == 0 {
		config.TokenTTL = 5 * time.Minute
	}
	return &Server{
		log:    log,
		config: config,
		secret: config.Secret,
		now:    time.Now,
		users:  map[string]*userStorage{},
	}
}

// Handler wires up the full route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(Recover(s.log), Logging(s.log))

	r.HandleFunc("/token/1.0/sync/1.5", s.handleToken).Methods(http.MethodGet)

	api := r.PathPrefix("/v1.5/{uid}").Subrouter()
	api.Handle("/info/collections", s.Auth(http.HandlerFunc(s.handleInfoCollections))).Methods(http.MethodGet)
	api.Handle("/info/configuration", s.Auth(http.HandlerFunc(s.handleInfoConfiguration))).Methods(http.MethodGet)
	api.Handle("/storage", s.Auth(http.HandlerFunc(s.handleDeleteAll))).Methods(http.MethodDelete)
	api.Handle("/storage/{collection}", s.Auth(http.HandlerFunc(s.handleGetCollection))).Methods(http.MethodGet)
	api.Handle("/storage/{collection}", s.Auth(http.HandlerFunc(s.handlePostCollection))).Methods(http.MethodPost)
	api.Handle("/storage/{collection}", s.Auth(http.HandlerFunc(s.handleDeleteCollection))).Methods(http.MethodDelete)
	api.Handle("/storage/{collection}/{id}", s.Auth(http.HandlerFunc(s.handleGetRecord))).Methods(http.MethodGet)
	api.Handle("/storage/{collection}/{id}", s.Auth(http.HandlerFunc(s.handlePutRecord))).Methods(http.MethodPut)
	return r
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	accessToken, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || accessToken == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	uid := uidForAccessToken(accessToken)
	token, err := issueSyncToken(s.secret, uid, s.config.TokenTTL, s.now())
	if err != nil {
		http.Error(w, "signing failed", http.StatusInternalServerError)
		return
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	endpoint := fmt.Sprintf("%s://%s/v1.5/%s", scheme, r.Host, uid)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":             token,
		"key":            "unused",
		"uid":            1,
		"api_endpoint":   endpoint,
		"duration":       int64(s.config.TokenTTL.Seconds()),
		"hashed_fxa_uid": uid,
	})
}

// tick returns a strictly increasing timestamp in millis.
func (s *Server) tick() int64 {
	ms := s.now().UnixMilli()
	if ms <= s.lastTs {
		ms = s.lastTs + 1
	}
	s.lastTs = ms
	return ms
}

func (s *Server) user(r *http.Request) *userStorage {
	uid, _ := UserIDFromCtx(r.Context())
	u, ok := s.users[uid]
	if !ok {
		u = &userStorage{
			collections: map[string]*collection{},
			batches:     map[string][]wireBso{},
		}
		s.users[uid] = u
	}
	return u
}

func floatSeconds(ms int64) string {
	return strconv.FormatFloat(float64(ms)/1000.0, 'f', 2, 64)
}

func parseFloatMillis(v string) (int64, bool) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return int64(math.Round(f * 1000.0)), true
}

func (s *Server) stampHeaders(w http.ResponseWriter, lastModified int64) {
	w.Header().Set("X-Weave-Timestamp", floatSeconds(s.now().UnixMilli()))
	if lastModified > 0 {
		w.Header().Set("X-Last-Modified", floatSeconds(lastModified))
	}
}

// checkXIUS enforces X-If-Unmodified-Since against the collection's
// last-modified, writing a 412 on conflict.
func checkXIUS(w http.ResponseWriter, r *http.Request, lastModified int64) bool {
	v := r.Header.Get("X-If-Unmodified-Since")
	if v == "" {
		return true
	}
	xius, ok := parseFloatMillis(v)
	if !ok {
		http.Error(w, "bad X-If-Unmodified-Since", http.StatusBadRequest)
		return false
	}
	if xius < lastModified {
		http.Error(w, "precondition failed", http.StatusPreconditionFailed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleInfoCollections(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(r)
	out := map[string]json.RawMessage{}
	for name, coll := range u.collections {
		if len(coll.records) == 0 {
			continue
		}
		out[name] = json.RawMessage(floatSeconds(coll.lastModified))
	}
	s.stampHeaders(w, 0)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleInfoConfiguration(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int{
		"max_request_bytes":        1024 * 1024,
		"max_record_payload_bytes": 256 * 1024,
	}
	if s.config.MaxPostRecords > 0 {
		out["max_post_records"] = s.config.MaxPostRecords
	}
	if s.config.MaxTotalRecords > 0 {
		out["max_total_records"] = s.config.MaxTotalRecords
	}
	s.stampHeaders(w, 0)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) liveRecords(coll *collection) []string {
	now := s.now()
	ids := make([]string, 0, len(coll.records))
	for id, rec := range coll.records {
		if rec.expiresAt != nil && rec.expiresAt.Before(now) {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(r)
	name := mux.Vars(r)["collection"]
	coll, ok := u.collections[name]
	if !ok {
		// Missing collections read as empty, only single records 404.
		s.stampHeaders(w, 0)
		if r.URL.Query().Get("full") == "" {
			writeJSON(w, http.StatusOK, []string{})
		} else {
			writeJSON(w, http.StatusOK, []wireBso{})
		}
		return
	}

	q := r.URL.Query()
	ids := s.liveRecords(coll)

	if wanted := q.Get("ids"); wanted != "" {
		allowed := map[string]struct{}{}
		for _, id := range strings.Split(wanted, ",") {
			allowed[id] = struct{}{}
		}
		kept := ids[:0]
		for _, id := range ids {
			if _, ok := allowed[id]; ok {
				kept = append(kept, id)
			}
		}
		ids = kept
	}
	if newer := q.Get("newer"); newer != "" {
		if ms, ok := parseFloatMillis(newer); ok {
			kept := ids[:0]
			for _, id := range ids {
				if coll.records[id].modified > ms {
					kept = append(kept, id)
				}
			}
			ids = kept
		}
	}
	if older := q.Get("older"); older != "" {
		if ms, ok := parseFloatMillis(older); ok {
			kept := ids[:0]
			for _, id := range ids {
				if coll.records[id].modified < ms {
					kept = append(kept, id)
				}
			}
			ids = kept
		}
	}

	switch q.Get("sort") {
	case "oldest":
		sort.Slice(ids, func(i, j int) bool {
			return coll.records[ids[i]].modified < coll.records[ids[j]].modified
		})
	case "index":
		sort.Slice(ids, func(i, j int) bool {
			return derefOr(coll.records[ids[i]].sortindex, 0) > derefOr(coll.records[ids[j]].sortindex, 0)
		})
	default:
		sort.Slice(ids, func(i, j int) bool {
			return coll.records[ids[i]].modified > coll.records[ids[j]].modified
		})
	}

	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 && n < len(ids) {
			ids = ids[:n]
		}
	}

	s.stampHeaders(w, coll.lastModified)
	if q.Get("full") == "" {
		writeJSON(w, http.StatusOK, ids)
		return
	}
	out := make([]wireBso, 0, len(ids))
	for _, id := range ids {
		rec := coll.records[id]
		out = append(out, wireBso{
			ID:        id,
			Modified:  float64(rec.modified) / 1000.0,
			SortIndex: rec.sortindex,
			Payload:   rec.payload,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(r)
	vars := mux.Vars(r)
	coll, ok := u.collections[vars["collection"]]
	if !ok {
		s.stampHeaders(w, 0)
		http.Error(w, "no such collection", http.StatusNotFound)
		return
	}
	rec, ok := coll.records[vars["id"]]
	if !ok || (rec.expiresAt != nil && rec.expiresAt.Before(s.now())) {
		s.stampHeaders(w, coll.lastModified)
		http.Error(w, "no such record", http.StatusNotFound)
		return
	}
	s.stampHeaders(w, coll.lastModified)
	writeJSON(w, http.StatusOK, wireBso{
		ID:        vars["id"],
		Modified:  float64(rec.modified) / 1000.0,
		SortIndex: rec.sortindex,
		Payload:   rec.payload,
	})
}

func (s *Server) handlePutRecord(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(r)
	vars := mux.Vars(r)
	name := vars["collection"]
	coll := u.collections[name]

	var last int64
	if coll != nil {
		last = coll.lastModified
	}
	if !checkXIUS(w, r, last) {
		return
	}

	var incoming wireBso
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		http.Error(w, "bad record", http.StatusBadRequest)
		return
	}
	if coll == nil {
		coll = &collection{records: map[string]*storedBso{}}
		u.collections[name] = coll
	}
	ts := s.tick()
	s.storeRecord(coll, vars["id"], incoming, ts)
	coll.lastModified = ts
	s.stampHeaders(w, ts)
	writeJSON(w, http.StatusOK, json.RawMessage(floatSeconds(ts)))
}

func (s *Server) storeRecord(coll *collection, id string, incoming wireBso, ts int64) {
	rec := &storedBso{
		payload:   incoming.Payload,
		sortindex: incoming.SortIndex,
		modified:  ts,
	}
	if incoming.TTL != nil {
		expires := s.now().Add(time.Duration(*incoming.TTL) * time.Second)
		rec.expiresAt = &expires
	}
	coll.records[id] = rec
}

func (s *Server) handlePostCollection(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(r)
	name := mux.Vars(r)["collection"]
	coll := u.collections[name]

	var last int64
	if coll != nil {
		last = coll.lastModified
	}
	if !checkXIUS(w, r, last) {
		return
	}

	var incoming []wireBso
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		http.Error(w, "bad records", http.StatusBadRequest)
		return
	}
	if s.config.MaxPostRecords > 0 && len(incoming) > s.config.MaxPostRecords {
		http.Error(w, "too many records", http.StatusRequestEntityTooLarge)
		return
	}

	q := r.URL.Query()
	batchParam := q.Get("batch")
	commit := q.Get("commit") == "true"

	if s.config.DisableBatches || batchParam == "" {
		ts := s.applyRecords(u, name, incoming)
		s.stampHeaders(w, ts)
		writeJSON(w, http.StatusOK, uploadResponse{
			Success: recordIDs(incoming),
			Failed:  map[string]string{},
		})
		return
	}

	var batchID string
	if batchParam == "true" {
		u.nextBatch++
		batchID = strconv.Itoa(u.nextBatch)
	} else {
		batchID = batchParam
		if _, ok := u.batches[batchID]; !ok {
			http.Error(w, "no such batch", http.StatusBadRequest)
			return
		}
	}
	u.batches[batchID] = append(u.batches[batchID], incoming...)

	if s.config.MaxTotalRecords > 0 && len(u.batches[batchID]) > s.config.MaxTotalRecords {
		delete(u.batches, batchID)
		http.Error(w, "batch too large", http.StatusRequestEntityTooLarge)
		return
	}

	if commit {
		staged := u.batches[batchID]
		delete(u.batches, batchID)
		ts := s.applyRecords(u, name, staged)
		s.stampHeaders(w, ts)
		writeJSON(w, http.StatusOK, uploadResponse{
			Success: recordIDs(staged),
			Failed:  map[string]string{},
		})
		return
	}

	var lastMod int64
	if coll != nil {
		lastMod = coll.lastModified
	}
	s.stampHeaders(w, lastMod)
	writeJSON(w, http.StatusAccepted, uploadResponse{
		Batch:   &batchID,
		Success: recordIDs(incoming),
		Failed:  map[string]string{},
	})
}

func (s *Server) applyRecords(u *userStorage, name string, records []wireBso) int64 {
	coll := u.collections[name]
	if coll == nil {
		coll = &collection{records: map[string]*storedBso{}}
		u.collections[name] = coll
	}
	ts := s.tick()
	for _, rec := range records {
		s.storeRecord(coll, rec.ID, rec, ts)
	}
	coll.lastModified = ts
	return ts
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(r)
	name := mux.Vars(r)["collection"]
	if _, ok := u.collections[name]; !ok {
		s.stampHeaders(w, 0)
		http.Error(w, "no such collection", http.StatusNotFound)
		return
	}
	delete(u.collections, name)
	ts := s.tick()
	s.stampHeaders(w, ts)
	writeJSON(w, http.StatusOK, json.RawMessage(floatSeconds(ts)))
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid, _ := UserIDFromCtx(r.Context())
	delete(s.users, uid)
	ts := s.tick()
	s.stampHeaders(w, ts)
	writeJSON(w, http.StatusOK, json.RawMessage(floatSeconds(ts)))
}

func recordIDs(records []wireBso) []string {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	return ids
}

func derefOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
