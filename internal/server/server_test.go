package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	_ "dutybot/internal/builtin"
	"dutybot/internal/eventbus"
	"dutybot/internal/flow"
	"dutybot/internal/metrics"
	"dutybot/internal/source"
	"dutybot/internal/storage"
	"dutybot/internal/task/engine"
	"dutybot/internal/task/scheduler"
	logx "dutybot/pkg/logx"
)

const (
	xlsxType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	xlsType  = "application/vnd.ms-excel"
)

// recordingSource accepts every upload and remembers the payloads.
type recordingSource struct {
	mu  sync.Mutex
	got [][]byte
}

func (r *recordingSource) Produce(time.Time, bool) source.Output { return source.Output{Content: "ok"} }

func (r *recordingSource) Handle(data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, data)
	return true
}

func (r *recordingSource) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

var (
	recMu      sync.Mutex
	recSources = map[string]*recordingSource{}
)

func init() {
	source.Register("recording", func(_ json.RawMessage, deps source.Deps) (source.Source, error) {
		r := &recordingSource{}
		recMu.Lock()
		recSources[deps.Name] = r
		recMu.Unlock()
		return r, nil
	})
}

func recorded(id string) *recordingSource {
	recMu.Lock()
	defer recMu.Unlock()
	return recSources[id]
}

func buildTable(t *testing.T, srv *Server, docs map[string]string) *flow.Table {
	t.Helper()
	dir := t.TempDir()
	paths := map[string]string{}
	for id, body := range docs {
		p := filepath.Join(dir, id+".json")
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		paths[id] = p
	}
	table, err := flow.Build(paths, flow.Options{Logger: logx.Nop(), Bus: srv.opt.Bus, UploadURL: srv.UploadURL})
	require.NoError(t, err)
	return table
}

const recordingDoc = `{"name": "recording", "publishers": {"log": {"cron_expr": "0 8 * * *"}}}`

const enzeDoc = `{"name": "enze", "title_key": "日期", "content_key": "张三", "date_format": "%-m.%-d",
  "publishers": {"log": {"cron_expr": "0 8 * * *"}}}`

func newTestServer(t *testing.T, opt Options, docs map[string]string) (*Server, *flow.Table) {
	t.Helper()
	opt.Logger = logx.Nop()
	if opt.PublicURL == "" {
		opt.PublicURL = "http://duty.example.com:8080"
	}
	srv := New(opt)
	table := buildTable(t, srv, docs)
	srv.Mount(Backend{Flows: table})
	return srv, table
}

func multipartBody(t *testing.T, filename, ctype string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	h.Set("Content-Type", ctype)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func post(t *testing.T, srv *Server, path, filename, ctype string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, filename, ctype, data)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func get(srv *Server, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func roster(t *testing.T) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"日期", "11.15", "11.16"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{"张三", "P", "A"}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, Options{}, map[string]string{"ops": recordingDoc})
	rec := get(srv, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, 1, resp.Flows)
}

func TestUploadForm(t *testing.T) {
	srv, _ := newTestServer(t, Options{}, map[string]string{"ops": recordingDoc})

	rec := get(srv, "/upload")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `action="/upload"`)
	assert.Contains(t, rec.Body.String(), "5MB")

	rec = get(srv, "/upload/ops")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `action="/upload/ops"`)

	assert.Equal(t, http.StatusNotFound, get(srv, "/upload/nope").Code)
}

func TestUploadRejectsNonExcel(t *testing.T) {
	srv, _ := newTestServer(t, Options{}, map[string]string{"gate": recordingDoc})

	rec := post(t, srv, "/upload/gate", "roster.csv", "text/csv", []byte("a,b"))
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Equal(t, "文件 'roster.csv' 不是有效的 Excel 文件", rec.Body.String())
	assert.Equal(t, 0, recorded("gate").calls())
}

func TestUploadSizeBoundary(t *testing.T) {
	srv, _ := newTestServer(t, Options{}, map[string]string{"size": recordingDoc})

	exact := bytes.Repeat([]byte{'x'}, int(DefaultMaxUploadBytes))
	rec := post(t, srv, "/upload", "big.xlsx", xlsxType, exact)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "文件 'big.xlsx' 已上传成功", rec.Body.String())
	assert.Equal(t, 1, recorded("size").calls())

	over := append(exact, 'x')
	rec = post(t, srv, "/upload", "big.xlsx", xlsxType, over)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "文件 'big.xlsx' 大小不允许超过 5MB", rec.Body.String())
	assert.Equal(t, 1, recorded("size").calls())
}

func TestUploadConfiguredLimit(t *testing.T) {
	srv, _ := newTestServer(t, Options{MaxUploadBytes: 1024}, map[string]string{"small": recordingDoc})

	rec := post(t, srv, "/upload/small", "a.xls", xlsType, make([]byte, 1025))
	assert.Equal(t, "文件 'a.xls' 大小不允许超过 1KB", rec.Body.String())

	rec = post(t, srv, "/upload/small", "a.xls", xlsType+"; charset=binary", make([]byte, 1024))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUploadOversizedRequest(t *testing.T) {
	srv, _ := newTestServer(t, Options{MaxUploadBytes: 1024}, map[string]string{"huge": recordingDoc})

	rec := post(t, srv, "/upload/huge", "a.xlsx", xlsxType, make([]byte, 1<<20))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, 0, recorded("huge").calls())
}

func TestUploadSeveralFilesWithinLimit(t *testing.T) {
	srv, _ := newTestServer(t, Options{MaxUploadBytes: 1024}, map[string]string{"multi": recordingDoc})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, name := range []string{"a.xlsx", "b.xlsx"} {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, name))
		h.Set("Content-Type", xlsxType)
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(make([]byte, 1024))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload/multi", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "文件 'a.xlsx' 已上传成功\n文件 'b.xlsx' 已上传成功", rec.Body.String())
	assert.Equal(t, 2, recorded("multi").calls())
}

func TestUploadRequestOverBodyCap(t *testing.T) {
	srv, _ := newTestServer(t, Options{MaxUploadBytes: 1024}, map[string]string{"cap": recordingDoc})

	// A large non-file field pushes the body past the cap before any file part.
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", strings.Repeat("x", 1<<20)))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload/cap", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "上传文件大小不允许超过 1KB", rec.Body.String())
	assert.Equal(t, 0, recorded("cap").calls())
}

func TestUploadHandleFailure(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	srv, _ := newTestServer(t, Options{Bus: bus}, map[string]string{"ops": enzeDoc})

	rec := post(t, srv, "/upload", "bad.xlsx", xlsxType, []byte("not a workbook"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "服务异常", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Upload-Id"))

	ev := <-events
	assert.Equal(t, eventbus.UploadRejected, ev.Type)
	assert.Equal(t, "bad.xlsx", ev.Data.(eventbus.Upload).Filename)
}

func TestUploadRosterAndSchedule(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	srv, _ := newTestServer(t, Options{Bus: bus}, map[string]string{"ops": enzeDoc})

	rec := post(t, srv, "/upload/ops", "roster.xlsx", xlsxType, roster(t))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "文件 'roster.xlsx' 已上传成功", rec.Body.String())

	var kinds []string
	for len(kinds) < 2 {
		kinds = append(kinds, (<-events).Type)
	}
	assert.ElementsMatch(t, []string{eventbus.ScheduleUpdated, eventbus.UploadAccepted}, kinds)

	rec = get(srv, "/api/v1/flows/ops/schedule")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap struct {
		Current   map[string]string `json:"current"`
		Next      map[string]string `json:"next"`
		UploadURL string            `json:"upload_url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	// The label column keeps its own (non-empty) date key.
	assert.Equal(t, map[string]string{"日期": "张三", "11.15": "P", "11.16": "A"}, snap.Next)
	assert.Empty(t, snap.Current)
	assert.Equal(t, "http://duty.example.com:8080/upload/ops", snap.UploadURL)

	assert.Equal(t, http.StatusNotFound, get(srv, "/api/v1/flows/nope/schedule").Code)
}

func TestDefaultFlowSelection(t *testing.T) {
	docs := map[string]string{"a": recordingDoc, "b": recordingDoc}

	srv, _ := newTestServer(t, Options{}, docs)
	rec := post(t, srv, "/upload", "x.xlsx", xlsxType, []byte("x"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	srv, _ = newTestServer(t, Options{DefaultFlow: "b"}, docs)
	rec = post(t, srv, "/upload", "x.xlsx", xlsxType, []byte("x"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, recorded("b").calls())
	assert.Equal(t, "http://duty.example.com:8080/upload", srv.UploadURL("b"))
	assert.Equal(t, "http://duty.example.com:8080/upload/a", srv.UploadURL("a"))
}

type fakeScheduler struct {
	triggered []string
	err       error
}

func (f *fakeScheduler) Snapshot() scheduler.Snapshot {
	return scheduler.Snapshot{Running: true, Schedules: []scheduler.ScheduleInfo{
		{Name: "ops/log", Spec: "0 8 * * *", Next: time.Date(2024, 11, 9, 8, 0, 0, 0, time.UTC)},
	}}
}

func (f *fakeScheduler) Trigger(name string) error {
	if f.err != nil {
		return f.err
	}
	f.triggered = append(f.triggered, name)
	return nil
}

type fakeTasks struct{}

func (fakeTasks) Snapshot() engine.Snapshot { return engine.Snapshot{Workers: 1, QueueCap: 64} }

func TestFlowsAPI(t *testing.T) {
	srv, table := newTestServer(t, Options{}, map[string]string{"ops": enzeDoc})
	sched := &fakeScheduler{}
	srv.Mount(Backend{Flows: table, Scheduler: sched, Tasks: fakeTasks{}})

	rec := get(srv, "/api/v1/flows")
	require.Equal(t, http.StatusOK, rec.Code)
	var flows []FlowInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &flows))
	require.Len(t, flows, 1)
	assert.Equal(t, "enze", flows[0].Source)
	assert.Equal(t, "http://duty.example.com:8080/upload/ops", flows[0].UploadURL)
	require.Len(t, flows[0].Publishers, 1)
	assert.Equal(t, "ops/log", flows[0].Publishers[0].Task)
	assert.Equal(t, 2024, flows[0].Publishers[0].Next.Year())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/flows/ops/publishers/log/trigger", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"ops/log"}, sched.triggered)

	sched.err = scheduler.ErrUnknownSchedule
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/flows/ops/publishers/fax/trigger", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	sched.err = engine.ErrOverlapSkip
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/flows/ops/publishers/log/trigger", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = get(srv, "/api/v1/tasks")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queue_cap":64`)
}

func TestAuditAPI(t *testing.T) {
	srv, table := newTestServer(t, Options{}, map[string]string{"ops": recordingDoc})
	assert.Equal(t, http.StatusNotFound, get(srv, "/api/v1/audit").Code)

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "audit")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Append(t.Context(), storage.Entry{Kind: eventbus.UploadAccepted, Flow: "ops", OK: true}))
	srv.Mount(Backend{Flows: table, Audit: st})

	rec := get(srv, "/api/v1/audit?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []storage.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "ops", entries[0].Flow)

	assert.Equal(t, http.StatusBadRequest, get(srv, "/api/v1/audit?limit=0").Code)
}

func TestMetricsRoute(t *testing.T) {
	m := metrics.New()
	srv, _ := newTestServer(t, Options{Metrics: m}, map[string]string{"ops": recordingDoc})

	require.Equal(t, http.StatusOK, get(srv, "/health").Code)
	rec := get(srv, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `route="GET /health"`))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := Recovery(logx.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestListenServeShutdown(t *testing.T) {
	srv := New(Options{Address: "127.0.0.1", Port: 0, Logger: logx.Nop()})
	require.NoError(t, srv.Listen())
	require.NotEmpty(t, srv.Addr())

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Shutdown(t.Context()))
	require.NoError(t, <-done)
}

func TestSizeLabel(t *testing.T) {
	assert.Equal(t, "5MB", sizeLabel(5<<20))
	assert.Equal(t, "1KB", sizeLabel(1024))
	assert.Equal(t, "1000B", sizeLabel(1000))
}
