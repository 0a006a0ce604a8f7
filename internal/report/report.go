package report

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"sqlopt/internal/util"
)

// Kind classifies an optimizer decision.
type Kind string

const (
	KindRewrite Kind = "rewrite"
	KindBatch   Kind = "batch"
	KindIndex   Kind = "index"
	KindSkip    Kind = "skip"
	KindAlert   Kind = "alert"
)

// Outcomes recorded with events.
const (
	OutcomeApplied    = "applied"
	OutcomeFallback   = "fallback"
	OutcomeIneligible = "ineligible"
	OutcomeDiscarded  = "discarded"
	OutcomeProposed   = "proposed"
	OutcomeCreated    = "created"
	OutcomeFailed     = "failed"
)

const (
	EventsFileName  = "events.jsonl"
	SummaryFileName = "summary.json"
	ArchiveName     = "session.tar.zst"
	ArchiveCodec    = "zstd"
)

// Event is one decision on the observability channel.
type Event struct {
	Time    time.Time      `json:"time"`
	Kind    Kind           `json:"kind"`
	Outcome string         `json:"outcome"`
	Reason  string         `json:"reason,omitempty"`
	Shape   string         `json:"shape,omitempty"`
	SQL     string         `json:"sql,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Summary is the persisted metadata of a session.
type Summary struct {
	SessionID      string         `json:"session_id"`
	SessionDir     string         `json:"session_dir"`
	StartedAt      string         `json:"started_at"`
	FinishedAt     string         `json:"finished_at"`
	Events         int            `json:"events"`
	Counts         map[string]int `json:"counts"`
	ArchiveName    string         `json:"archive_name"`
	ArchiveCodec   string         `json:"archive_codec"`
	UploadLocation string         `json:"upload_location"`
	Details        map[string]any `json:"details"`
}

// Recorder collects events for one session. Without an output directory it
// keeps events in memory only. Safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	id       string
	dir      string
	started  time.Time
	events   []Event
	counts   map[string]int
	out      *os.File
	enc      *json.Encoder
	closed   bool
	registry *prometheus.Registry
	total    *prometheus.CounterVec
}

// NewRecorder starts a session. A non-empty outputDir receives a session
// directory named after a UUIDv7.
func NewRecorder(outputDir string) (*Recorder, error) {
	id := uuid.New().String()
	if v7, err := uuid.NewV7(); err == nil {
		id = v7.String()
	}
	r := &Recorder{
		id:       id,
		started:  time.Now(),
		counts:   make(map[string]int),
		registry: prometheus.NewRegistry(),
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqlopt",
			Name:      "events_total",
			Help:      "Optimizer decisions by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
	r.registry.MustRegister(r.total)
	if outputDir == "" {
		return r, nil
	}
	r.dir = filepath.Join(outputDir, id)
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create session dir")
	}
	f, err := os.Create(filepath.Join(r.dir, EventsFileName))
	if err != nil {
		return nil, errors.Wrap(err, "create events file")
	}
	r.out = f
	r.enc = json.NewEncoder(f)
	r.enc.SetEscapeHTML(false)
	return r, nil
}

// ID returns the session id.
func (r *Recorder) ID() string {
	return r.id
}

// Dir returns the session directory, empty for in-memory sessions.
func (r *Recorder) Dir() string {
	return r.dir
}

// Registry exposes the session's Prometheus counters.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Record appends an event. Write failures are logged and do not stop the
// session.
func (r *Recorder) Record(ev Event) {
	if r == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.events = append(r.events, ev)
	r.counts[countKey(ev.Kind, ev.Outcome)]++
	r.total.WithLabelValues(string(ev.Kind), ev.Outcome).Inc()
	util.Debugf("report %s/%s %s %s", ev.Kind, ev.Outcome, ev.Reason, ev.SQL)
	if r.enc != nil {
		if err := r.enc.Encode(ev); err != nil {
			util.Warnf("write event failed: %v", err)
		}
	}
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind ended with outcome.
func (r *Recorder) Count(kind Kind, outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[countKey(kind, outcome)]
}

func countKey(kind Kind, outcome string) string {
	return string(kind) + "/" + outcome
}

// Close ends the session, writing summary.json and the archive when the
// session has a directory.
func (r *Recorder) Close(details map[string]any) (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	summary := Summary{
		SessionID:  r.id,
		SessionDir: r.dir,
		StartedAt:  r.started.UTC().Format(time.RFC3339),
		FinishedAt: time.Now().UTC().Format(time.RFC3339),
		Events:     len(r.events),
		Counts:     make(map[string]int, len(r.counts)),
		Details:    details,
	}
	for k, v := range r.counts {
		summary.Counts[k] = v
	}
	if r.closed {
		return summary, nil
	}
	r.closed = true
	if r.dir == "" {
		return summary, nil
	}
	if r.out != nil {
		if err := r.out.Close(); err != nil {
			return summary, errors.Wrap(err, "close events file")
		}
	}
	if err := writeSummaryFile(filepath.Join(r.dir, SummaryFileName), summary); err != nil {
		return summary, errors.Wrap(err, "write summary")
	}
	name, codec, err := writeArchive(r.dir)
	if err != nil {
		return summary, errors.Wrap(err, "write archive")
	}
	summary.ArchiveName, summary.ArchiveCodec = name, codec
	return summary, nil
}

// UpdateSummary rewrites summary.json, typically after an upload.
func (r *Recorder) UpdateSummary(summary Summary) error {
	if r.dir == "" {
		return nil
	}
	return writeSummaryFile(filepath.Join(r.dir, SummaryFileName), summary)
}

func writeSummaryFile(path string, summary Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer util.CloseWithErr(f, "summary output")
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return encodeSummaryStable(enc, summary)
}

// writeArchive packs the session directory into session.tar.zst.
func writeArchive(dir string) (name string, codec string, err error) {
	archivePath := filepath.Join(dir, ArchiveName)
	if removeErr := os.Remove(archivePath); removeErr != nil && !os.IsNotExist(removeErr) {
		return "", "", removeErr
	}
	defer func() {
		if err != nil {
			_ = os.Remove(archivePath)
		}
	}()
	file, err := os.Create(archivePath)
	if err != nil {
		return "", "", err
	}
	defer util.CloseWithErr(file, "archive output")

	zw, err := zstd.NewWriter(file)
	if err != nil {
		return "", "", err
	}
	defer func() {
		if closeErr := zw.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
	}()

	tw := tar.NewWriter(zw)
	defer func() {
		if closeErr := tw.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
	}()

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || path == archivePath {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer util.CloseWithErr(src, "archive source")
		_, err = io.Copy(tw, src)
		return err
	})
	if walkErr != nil {
		return "", "", walkErr
	}
	return ArchiveName, ArchiveCodec, nil
}

// encodeSummaryStable writes Details with sorted keys at every level so
// summaries diff cleanly.
func encodeSummaryStable(enc *json.Encoder, summary Summary) error {
	type summaryAlias Summary
	alias := summaryAlias(summary)
	rawDetails, err := encodeOrderedValue(alias.Details)
	if err != nil {
		return err
	}
	alias.Details = nil
	payload := struct {
		summaryAlias
		Details json.RawMessage `json:"details"`
	}{
		summaryAlias: alias,
		Details:      rawDetails,
	}
	return enc.Encode(payload)
}

func encodeOrderedValue(v any) (json.RawMessage, error) {
	if v == nil || (reflect.ValueOf(v).Kind() == reflect.Map && reflect.ValueOf(v).IsNil()) {
		return json.RawMessage("null"), nil
	}
	var buf bytes.Buffer
	if err := writeOrderedJSON(&buf, v); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}

func writeOrderedJSON(w io.Writer, v any) error {
	if v == nil {
		_, err := io.WriteString(w, "null")
		return err
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			return writeOrderedMap(w, rv)
		}
	case reflect.Slice, reflect.Array:
		if _, isBytes := v.([]byte); !isBytes {
			return writeOrderedSlice(w, rv)
		}
	}
	return writeScalarJSON(w, v)
}

func writeOrderedMap(w io.Writer, rv reflect.Value) error {
	keys := make([]string, 0, rv.Len())
	for _, k := range rv.MapKeys() {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	if _, err := io.WriteString(w, "{"); err != nil {
		return err
	}
	for i, key := range keys {
		if i > 0 {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		if err := writeScalarJSON(w, key); err != nil {
			return err
		}
		if _, err := io.WriteString(w, ":"); err != nil {
			return err
		}
		val := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if err := writeOrderedJSON(w, val.Interface()); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "}")
	return err
}

func writeOrderedSlice(w io.Writer, rv reflect.Value) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	for i := 0; i < rv.Len(); i++ {
		if i > 0 {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		if err := writeOrderedJSON(w, rv.Index(i).Interface()); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "]")
	return err
}

func writeScalarJSON(w io.Writer, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	_, err := w.Write(bytes.TrimRight(buf.Bytes(), "\n"))
	return err
}
