package web

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/JonMunkholm/ipsdiag/internal/codec"
	"github.com/JonMunkholm/ipsdiag/internal/config"
	"github.com/JonMunkholm/ipsdiag/internal/core"
	"github.com/JonMunkholm/ipsdiag/internal/diag"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			RequestTimeout: 5 * time.Second,
		},
		Upload: config.UploadConfig{
			MaxFileSize:   1 << 20,
			MaxConcurrent: 1,
			MaxWaitTime:   time.Second,
		},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	svc := core.NewService(core.NewPipeline(nil, core.Options{Workers: 2}))
	limiter := core.NewUploadLimiter(cfg.Upload.MaxConcurrent, cfg.Upload.MaxWaitTime)
	s := NewServer(svc, limiter, cfg)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func tarGz(t *testing.T, files map[string]string, order []string) []byte {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for _, name := range order {
		body := files[name]
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	zw := gzip.NewWriter(&out)
	zw.Write(tarBuf.Bytes())
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return out.Bytes()
}

func sampleArchive(t *testing.T) []byte {
	files := map[string]string{
		"sysinfo/audit.log":   "15,2025-01-22 21:15:34,HOST,1,CLI,10.51.25.37,User,Fail,user1,Login failed\n",
		"sysinfo/general.txt": "show health\nMemory: 45%\n",
		"sysinfo/README":      "Generated on request.\n",
	}
	return tarGz(t, files, []string{"sysinfo/audit.log", "sysinfo/general.txt", "sysinfo/README"})
}

func multipartBody(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func upload(t *testing.T, s *Server, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, "file", "bundle.tgz", data)
	req := httptest.NewRequest(http.MethodPost, "/api/archives", body)
	req.Header.Set("Content-Type", contentType)
	return do(s, req)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestServer_NoArchive(t *testing.T) {
	s := newTestServer(t, testConfig())

	rec := do(s, httptest.NewRequest(http.MethodGet, "/api/archives/current", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if got := decodeError(t, rec).Code; got != "UPL003" {
		t.Errorf("code = %q, want UPL003", got)
	}
}

func TestServer_UploadAndQuery(t *testing.T) {
	s := newTestServer(t, testConfig())

	rec := upload(t, s, sampleArchive(t))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var sess struct {
		ID     string      `json:"id"`
		Name   string      `json:"name"`
		Format string      `json:"format"`
		Counts core.Counts `json:"counts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatal(err)
	}
	if sess.ID == "" || sess.Name != "bundle.tgz" || sess.Format != "gzip" {
		t.Errorf("session = %+v", sess)
	}
	if sess.Counts.Artifacts != 3 || sess.Counts.Events != 1 {
		t.Errorf("counts = %+v, want 3 artifacts and 1 event", sess.Counts)
	}

	t.Run("current", func(t *testing.T) {
		rec := do(s, httptest.NewRequest(http.MethodGet, "/api/archives/current", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), sess.ID) {
			t.Errorf("body %q does not name session %s", rec.Body.String(), sess.ID)
		}
	})

	t.Run("records as cbor", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/archives/current/records", nil)
		req.Header.Set("Accept", "application/cbor")
		rec := do(s, req)
		if got := rec.Header().Get("Content-Type"); got != "application/cbor" {
			t.Fatalf("Content-Type = %q, want application/cbor", got)
		}
		var rs core.RecordSet
		if err := codec.UnmarshalCBOR(rec.Body.Bytes(), &rs); err != nil {
			t.Fatalf("decode cbor: %v", err)
		}
		if len(rs.Events["sysinfo/audit.log"].Records) != 1 {
			t.Errorf("events = %+v", rs.Events)
		}
	})

	t.Run("records without raw", func(t *testing.T) {
		rec := do(s, httptest.NewRequest(http.MethodGet, "/api/archives/current/records?raw=false", nil))
		var rs core.RecordSet
		if err := json.Unmarshal(rec.Body.Bytes(), &rs); err != nil {
			t.Fatal(err)
		}
		if len(rs.Raw) != 0 || len(rs.Artifacts) != 3 {
			t.Errorf("got %d raw texts and %d artifacts, want 0 and 3", len(rs.Raw), len(rs.Artifacts))
		}
	})

	t.Run("unknown format", func(t *testing.T) {
		rec := do(s, httptest.NewRequest(http.MethodGet, "/api/archives/current/records?format=xml", nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("diagnostics filter", func(t *testing.T) {
		rec := do(s, httptest.NewRequest(http.MethodGet, "/api/archives/current/diagnostics?artifact=sysinfo/README", nil))
		var ds []diag.Diagnostic
		if err := json.Unmarshal(rec.Body.Bytes(), &ds); err != nil {
			t.Fatal(err)
		}
		if len(ds) != 1 || ds[0].Code != diag.CodeUnrecognized {
			t.Errorf("diagnostics = %+v, want one %s", ds, diag.CodeUnrecognized)
		}
	})

	t.Run("artifacts by dialect", func(t *testing.T) {
		rec := do(s, httptest.NewRequest(http.MethodGet, "/api/archives/current/artifacts?dialect=event_csv", nil))
		var as []core.ArtifactInfo
		if err := json.Unmarshal(rec.Body.Bytes(), &as); err != nil {
			t.Fatal(err)
		}
		if len(as) != 1 || as[0].Name != "sysinfo/audit.log" {
			t.Errorf("artifacts = %+v", as)
		}
	})

	t.Run("destination", func(t *testing.T) {
		rec := do(s, httptest.NewRequest(http.MethodGet, "/api/archives/current/destinations/audit", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var resp destinationResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if _, ok := resp.Events["sysinfo/audit.log"]; !ok || len(resp.Reports) != 0 {
			t.Errorf("destination = %+v", resp)
		}

		rec = do(s, httptest.NewRequest(http.MethodGet, "/api/archives/current/destinations/nope", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("unknown destination status = %d, want %d", rec.Code, http.StatusNotFound)
		}
	})

	t.Run("raw text", func(t *testing.T) {
		rec := do(s, httptest.NewRequest(http.MethodGet, "/api/archives/current/raw/sysinfo/README", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if got := rec.Body.String(); got != "Generated on request.\n" {
			t.Errorf("raw = %q", got)
		}

		rec = do(s, httptest.NewRequest(http.MethodGet, "/api/archives/current/raw/missing.txt", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("missing artifact status = %d, want %d", rec.Code, http.StatusNotFound)
		}
		if got := decodeError(t, rec).Code; got != "UPL006" {
			t.Errorf("code = %q, want UPL006", got)
		}
	})
}

func TestServer_UploadRawBody(t *testing.T) {
	s := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/api/archives?name=dir/support.tgz", bytes.NewReader(sampleArchive(t)))
	req.Header.Set("Content-Type", "application/octet-stream")
	rec := do(s, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"name":"support.tgz"`) {
		t.Errorf("body = %s, want name support.tgz", rec.Body.String())
	}
}

func TestServer_UploadErrors(t *testing.T) {
	cfg := testConfig()
	cfg.Upload.MaxFileSize = 4 << 10

	tests := []struct {
		name       string
		req        func(t *testing.T) *http.Request
		wantStatus int
		wantCode   string
	}{
		{
			name: "empty body",
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/archives", nil)
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "FILE005",
		},
		{
			name: "form without file",
			req: func(t *testing.T) *http.Request {
				body, ct := multipartBody(t, "other", "x.tgz", []byte("data"))
				req := httptest.NewRequest(http.MethodPost, "/api/archives", body)
				req.Header.Set("Content-Type", ct)
				return req
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "FILE004",
		},
		{
			name: "too large",
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/archives", bytes.NewReader(make([]byte, 8<<10)))
			},
			wantStatus: http.StatusRequestEntityTooLarge,
			wantCode:   "FILE001",
		},
		{
			name: "not an archive",
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/archives", strings.NewReader("just some text"))
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "FILE002",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, cfg)
			rec := do(s, tt.req(t))
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := decodeError(t, rec).Code; got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestServer_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Rate = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2, UploadLimit: 1}
	s := newTestServer(t, cfg)

	for i := 0; i < 2; i++ {
		rec := do(s, httptest.NewRequest(http.MethodGet, "/api/registry", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want %d", i, rec.Code, http.StatusOK)
		}
	}

	rec := do(s, httptest.NewRequest(http.MethodGet, "/api/registry", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	if got := decodeError(t, rec).Code; got != "RATE001" {
		t.Errorf("code = %q, want RATE001", got)
	}

	// A different client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/api/registry", nil)
	req.RemoteAddr = "192.0.2.99:1234"
	if rec := do(s, req); rec.Code != http.StatusOK {
		t.Errorf("other client status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t, testConfig())

	rec := do(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status  string                   `json:"status"`
		Loaded  bool                     `json:"loaded"`
		Uploads core.UploadLimiterStatus `json:"uploads"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Loaded || body.Uploads.MaxConcurrent != 1 {
		t.Errorf("health = %+v", body)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
}

// firstRunBlocks holds its first run until the run is cancelled and
// hands later runs to the real pipeline.
type firstRunBlocks struct {
	*core.Pipeline
	calls   atomic.Int32
	started chan struct{}
}

func (p *firstRunBlocks) Process(ctx context.Context, data []byte) (*core.RecordSet, error) {
	if p.calls.Add(1) == 1 {
		close(p.started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return p.Pipeline.Process(ctx, data)
}

func TestServer_UploadCancelsRunHoldingTheOnlySlot(t *testing.T) {
	cfg := testConfig()
	cfg.Upload.MaxConcurrent = 1
	proc := &firstRunBlocks{Pipeline: core.NewPipeline(nil, core.Options{}), started: make(chan struct{})}
	s := NewServer(core.NewService(proc), core.NewUploadLimiter(1, cfg.Upload.MaxWaitTime), cfg)
	t.Cleanup(func() { s.Shutdown(context.Background()) })

	body, contentType := multipartBody(t, "file", "first.tgz", sampleArchive(t))
	firstReq := httptest.NewRequest(http.MethodPost, "/api/archives", body)
	firstReq.Header.Set("Content-Type", contentType)

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() { first <- do(s, firstReq) }()
	<-proc.started

	rec := upload(t, s, sampleArchive(t))
	if rec.Code != http.StatusCreated {
		t.Fatalf("second upload status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}

	firstRec := <-first
	if firstRec.Code != http.StatusConflict {
		t.Fatalf("first upload status = %d, want %d", firstRec.Code, http.StatusConflict)
	}
	if got := decodeError(t, firstRec).Code; got != "UPL001" {
		t.Errorf("first upload code = %q, want UPL001", got)
	}

	if got := do(s, httptest.NewRequest(http.MethodGet, "/api/archives/current", nil)).Code; got != http.StatusOK {
		t.Errorf("current status = %d, want %d", got, http.StatusOK)
	}
}
