package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/fitledger/internal/auth"
	"github.com/hitoshi/fitledger/internal/fitbit"
	"github.com/hitoshi/fitledger/internal/model"
)

const (
	stepsPath = "/1/user/-/activities/date/2024-05-01.json"
	heartPath = "/1/user/-/activities/heart/date/2024-05-01.json"

	stepsBody = `{"summary":{"steps":8421,"distances":[{"activity":"total","distance":6.1}]}}`
	heartBody = `{"activities-heart":[{"dateTime":"2024-05-01","value":{"restingHeartRate":58}}]}`
)

// scriptedResponse はテスト用APIサーバーが返すレスポンス。
type scriptedResponse struct {
	status int
	body   string
}

// fakeAPI はFitbit APIを模したテストサーバー。
// パスごとに用意したレスポンスを順に返し、最後の1件は繰り返す。
type fakeAPI struct {
	mu        sync.Mutex
	responses map[string][]scriptedResponse
	calls     map[string]int
	authz     map[string][]string
	server    *httptest.Server
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{
		responses: make(map[string][]scriptedResponse),
		calls:     make(map[string]int),
		authz:     make(map[string][]string),
	}
	api.server = httptest.NewServer(http.HandlerFunc(api.handle))
	t.Cleanup(api.server.Close)
	return api
}

func (a *fakeAPI) on(path string, responses ...scriptedResponse) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responses[path] = responses
}

func (a *fakeAPI) handle(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls[r.URL.Path]++
	a.authz[r.URL.Path] = append(a.authz[r.URL.Path], r.Header.Get("Authorization"))

	queue := a.responses[r.URL.Path]
	if len(queue) == 0 {
		http.NotFound(w, r)
		return
	}
	resp := queue[0]
	if len(queue) > 1 {
		a.responses[r.URL.Path] = queue[1:]
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	io.WriteString(w, resp.body)
}

func (a *fakeAPI) callCount(path string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[path]
}

func (a *fakeAPI) totalCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, n := range a.calls {
		total += n
	}
	return total
}

func (a *fakeAPI) authorizations(path string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.authz[path]...)
}

// fakeTokenEndpoint はリフレッシュ交換を数えるトークンエンドポイント。
type fakeTokenEndpoint struct {
	mu     sync.Mutex
	calls  int
	status int
	server *httptest.Server
}

func newFakeTokenEndpoint(t *testing.T) *fakeTokenEndpoint {
	t.Helper()
	te := &fakeTokenEndpoint{status: http.StatusOK}
	te.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		te.mu.Lock()
		te.calls++
		n := te.calls
		status := te.status
		te.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			io.WriteString(w, `{"errors":[{"errorType":"invalid_grant"}],"success":false}`)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "fresh-token-" + strconv.Itoa(n),
			"refresh_token": "refresh-rotated",
			"token_type":    "Bearer",
			"expires_in":    28800,
		})
	}))
	t.Cleanup(te.server.Close)
	return te
}

func (te *fakeTokenEndpoint) callCount() int {
	te.mu.Lock()
	defer te.mu.Unlock()
	return te.calls
}

// memoryRepo はメモリ上のMetricsRepository実装。
type memoryRepo struct {
	mu        sync.Mutex
	steps     map[string]int
	restingHR map[string]*int
	raw       map[string]json.RawMessage
	writes    int

	failSteps bool
	failHR    bool
	failRaw   string // 指定エンドポイントのStoreRawを失敗させる
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		steps:     make(map[string]int),
		restingHR: make(map[string]*int),
		raw:       make(map[string]json.RawMessage),
	}
}

func (r *memoryRepo) UpsertSteps(_ context.Context, fact model.DailyStepsFact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSteps {
		return model.NewPersistenceFailure("upsert daily_steps", errors.New("connection refused"))
	}
	r.steps[fact.UserID+"|"+fact.Date] = fact.Steps
	r.writes++
	return nil
}

func (r *memoryRepo) UpsertRestingHR(_ context.Context, fact model.DailyRestingHRFact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failHR {
		return model.NewPersistenceFailure("upsert daily_resting_hr", errors.New("connection refused"))
	}
	r.restingHR[fact.UserID+"|"+fact.Date] = fact.RestingHR
	r.writes++
	return nil
}

func (r *memoryRepo) StoreRaw(_ context.Context, record model.RawResponseRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failRaw == record.Endpoint {
		return model.NewPersistenceFailure("store raw_fitbit_responses", errors.New("disk full"))
	}
	r.raw[record.UserID+"|"+record.Endpoint+"|"+record.Date] = append(json.RawMessage(nil), record.Payload...)
	r.writes++
	return nil
}

func (r *memoryRepo) FindDay(_ context.Context, userID, date string) (*model.DaySummary, error) {
	return nil, nil
}

func (r *memoryRepo) ListDays(_ context.Context, userID, from, to string) ([]model.DaySummary, error) {
	return nil, nil
}

func (r *memoryRepo) stepsFor(date string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.steps["-|"+date]
	return v, ok
}

func (r *memoryRepo) restingHRFor(date string) (*int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.restingHR["-|"+date]
	return v, ok
}

func (r *memoryRepo) rawCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.raw)
}

func (r *memoryRepo) hasRaw(endpoint, date string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.raw["-|"+endpoint+"|"+date]
	return ok
}

// recordingReporter は報告されたエラーを記録する。
type recordingReporter struct {
	mu   sync.Mutex
	errs []error
	tags []map[string]string
}

func (r *recordingReporter) CaptureRunFailure(err error, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
	r.tags = append(r.tags, tags)
}

// recordingMetrics は記録されたメトリクスを保持する。
type recordingMetrics struct {
	mu        sync.Mutex
	runs      []string
	refreshes int
	statuses  []int
	upserts   map[string]int
	defaulted map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{upserts: make(map[string]int), defaulted: make(map[string]int)}
}

func (m *recordingMetrics) RecordRun(outcome, errorKind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, outcome+"/"+errorKind)
}

func (m *recordingMetrics) RecordTokenRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes++
}

func (m *recordingMetrics) RecordHTTPStatus(_ string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
}

func (m *recordingMetrics) RecordFetchLatency(string, time.Duration) {}

func (m *recordingMetrics) RecordFactUpserted(table string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts[table]++
}

func (m *recordingMetrics) RecordExtractionDefaulted(metric string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaulted[metric]++
}

// harness はテスト用の依存一式。
type harness struct {
	api      *fakeAPI
	tokens   *fakeTokenEndpoint
	holder   *auth.CredentialHolder
	repo     *memoryRepo
	reporter *recordingReporter
	metrics  *recordingMetrics
	orch     *Orchestrator
	logs     *strings.Builder
}

func newHarness(t *testing.T, cred model.Credential) *harness {
	t.Helper()

	h := &harness{
		api:      newFakeAPI(t),
		tokens:   newFakeTokenEndpoint(t),
		repo:     newMemoryRepo(),
		reporter: &recordingReporter{},
		metrics:  newRecordingMetrics(),
		logs:     &strings.Builder{},
	}
	logger := slog.New(slog.NewJSONHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	h.holder = auth.NewCredentialHolder(cred, auth.HolderConfig{TokenURL: h.tokens.server.URL})
	client := fitbit.NewClient(h.api.server.Client(), fitbit.Config{BaseURL: h.api.server.URL}, logger)
	h.orch = NewOrchestrator(h.holder, client, h.repo,
		WithMetrics(h.metrics),
		WithReporter(h.reporter),
		WithLogger(logger),
	)
	return h
}

func validCredential() model.Credential {
	return model.Credential{
		AccessToken:  "initial-token",
		RefreshToken: "refresh-1",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
	}
}

func ok(body string) scriptedResponse {
	return scriptedResponse{status: http.StatusOK, body: body}
}

func unauthorized() scriptedResponse {
	return scriptedResponse{status: http.StatusUnauthorized, body: `{"errors":[{"errorType":"expired_token","message":"Access token expired"}],"success":false}`}
}
