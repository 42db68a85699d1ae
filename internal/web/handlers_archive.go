package web

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/ipsdiag/internal/codec"
	"github.com/JonMunkholm/ipsdiag/internal/core"
	"github.com/JonMunkholm/ipsdiag/internal/diag"
	"github.com/JonMunkholm/ipsdiag/internal/parse"
)

var (
	errNoFile              = errors.New("no file provided")
	errEmptyFile           = errors.New("empty file")
	errArtifactNotFound    = errors.New("artifact not found")
	errDestinationNotFound = errors.New("destination not found")
)

// defaultArchiveName names raw-body uploads that carry no ?name=.
const defaultArchiveName = "archive"

// sessionResponse is the summary returned for an upload and for
// GET /api/archives/current.
type sessionResponse struct {
	*core.Session
	Format     string `json:"format"`
	DurationMS int64  `json:"duration_ms"`
}

func newSessionResponse(sess *core.Session) sessionResponse {
	return sessionResponse{
		Session:    sess,
		Format:     sess.Records.Format,
		DurationMS: sess.Duration.Milliseconds(),
	}
}

// destinationResponse holds the typed records of every artifact filed
// under one destination.
type destinationResponse struct {
	Destination string                           `json:"destination"`
	Artifacts   []string                         `json:"artifacts"`
	Events      map[string]core.EventLog         `json:"events"`
	Reports     map[string][]parse.ReportSection `json:"reports"`
	Tables      map[string][]parse.GenericTable  `json:"tables"`
	Series      map[string][]parse.Series        `json:"series"`
}

// handleUpload accepts an archive as the "file" field of a multipart form
// or as the raw request body, and replaces the current archive with it.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Upload.MaxFileSize.Int64())

	name, data, err := readUpload(r)
	if err != nil {
		status := http.StatusBadRequest
		if isTooLarge(err) {
			status = http.StatusRequestEntityTooLarge
		}
		s.respondError(w, r, err, status)
		return
	}

	// The run in flight may hold the only slot.
	s.service.Supersede()
	if err := s.limiter.Acquire(r.Context()); err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}
	defer s.limiter.Release()

	sess, err := s.service.Submit(r.Context(), name, data)
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}

	s.respond(w, r, http.StatusCreated, newSessionResponse(sess))
}

// readUpload returns the archive name and bytes of an upload request.
func readUpload(r *http.Request) (string, []byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return "", nil, err
		}
		if len(data) == 0 {
			return "", nil, errEmptyFile
		}
		name := r.URL.Query().Get("name")
		if name == "" {
			name = defaultArchiveName
		}
		return path.Base(name), data, nil
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return "", nil, err
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return "", nil, errNoFile
		}
		if err != nil {
			return "", nil, err
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return "", nil, err
		}
		if len(data) == 0 {
			return "", nil, errEmptyFile
		}
		name := part.FileName()
		if name == "" {
			name = defaultArchiveName
		}
		return name, data, nil
	}
}

func isTooLarge(err error) bool {
	var tooLarge *http.MaxBytesError
	return errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large")
}

// handleCancel stops the upload in flight. The current archive is kept.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.service.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.currentSession(w, r)
	if !ok {
		return
	}
	s.respond(w, r, http.StatusOK, newSessionResponse(sess))
}

// handleRecords returns the full record set. ?raw=false leaves out the
// artifact text.
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.currentSession(w, r)
	if !ok {
		return
	}
	rs := sess.Records
	if r.URL.Query().Get("raw") == "false" {
		trimmed := *rs
		trimmed.Raw = map[string]string{}
		rs = &trimmed
	}
	s.respond(w, r, http.StatusOK, rs)
}

// handleArtifacts lists the artifacts, optionally filtered by ?dialect=.
func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.currentSession(w, r)
	if !ok {
		return
	}
	dialect := r.URL.Query().Get("dialect")
	out := make([]core.ArtifactInfo, 0, len(sess.Records.Artifacts))
	for _, a := range sess.Records.Artifacts {
		if dialect == "" || a.Dialect.String() == dialect {
			out = append(out, a)
		}
	}
	s.respond(w, r, http.StatusOK, out)
}

// handleDiagnostics lists diagnostics. Filters: ?artifact=, ?kind=,
// ?severity= and ?code=.
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.currentSession(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	out := make([]diag.Diagnostic, 0, len(sess.Records.Diagnostics))
	for _, d := range sess.Records.Diagnostics {
		if q.Has("artifact") && d.Artifact != q.Get("artifact") {
			continue
		}
		if q.Has("kind") && string(d.Kind) != q.Get("kind") {
			continue
		}
		if q.Has("severity") && d.Severity.String() != q.Get("severity") {
			continue
		}
		if q.Has("code") && d.Code != q.Get("code") {
			continue
		}
		out = append(out, d)
	}
	s.respond(w, r, http.StatusOK, out)
}

func (s *Server) handleDestinations(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.currentSession(w, r)
	if !ok {
		return
	}
	s.respond(w, r, http.StatusOK, sess.Records.Destinations)
}

func (s *Server) handleDestination(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.currentSession(w, r)
	if !ok {
		return
	}
	dest := chi.URLParam(r, "destination")
	rs := sess.Records
	names := rs.Destination(dest)
	if len(names) == 0 {
		s.respondError(w, r, errDestinationNotFound, http.StatusNotFound)
		return
	}

	resp := destinationResponse{
		Destination: dest,
		Artifacts:   names,
		Events:      map[string]core.EventLog{},
		Reports:     map[string][]parse.ReportSection{},
		Tables:      map[string][]parse.GenericTable{},
		Series:      map[string][]parse.Series{},
	}
	for _, name := range names {
		if v, ok := rs.Events[name]; ok {
			resp.Events[name] = v
		}
		if v, ok := rs.Reports[name]; ok {
			resp.Reports[name] = v
		}
		if v, ok := rs.Tables[name]; ok {
			resp.Tables[name] = v
		}
		if v, ok := rs.Series[name]; ok {
			resp.Series[name] = v
		}
	}
	s.respond(w, r, http.StatusOK, resp)
}

// handleRaw returns the decoded text of one artifact.
func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.currentSession(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "*")
	text, ok := sess.Records.Raw[name]
	if !ok {
		s.respondError(w, r, errArtifactNotFound, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, text)
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, s.service.Registry().File())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, err := s.service.Current()
	writeBody(w, r, codec.JSON, http.StatusOK, map[string]any{
		"status":  "ok",
		"loaded":  err == nil,
		"uploads": s.limiter.Status(),
	})
}

// currentSession writes a 404 when no archive has been processed.
func (s *Server) currentSession(w http.ResponseWriter, r *http.Request) (*core.Session, bool) {
	sess, err := s.service.Current()
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return nil, false
	}
	return sess, true
}

// respond writes v in the format the client asked for: ?format= wins over
// an Accept header naming application/cbor.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	f, err := responseFormat(r)
	if err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}
	writeBody(w, r, f, status, v)
}

func responseFormat(r *http.Request) (codec.Format, error) {
	if q := r.URL.Query().Get("format"); q != "" {
		return codec.ParseFormat(q)
	}
	if strings.Contains(r.Header.Get("Accept"), codec.CBOR.ContentType()) {
		return codec.CBOR, nil
	}
	return codec.JSON, nil
}
