package logger

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/httpseal/nettrace/pkg/traffic"
)

// Console verbosity for finished entries.
const (
	LevelNone    = "none"
	LevelMinimal = "minimal"
	LevelNormal  = "normal"
	LevelVerbose = "verbose"
)

// Line-oriented file formats. HAR is written separately at exit.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatHAR  = "har"
)

var csvHeader = []string{
	"timestamp", "session_id", "id", "domain", "method", "url", "status_code",
	"content_type", "request_size", "response_size", "duration_ms", "error",
}

// TrafficOptions controls what a TrafficLogger prints and stores.
type TrafficOptions struct {
	Level               string
	Format              string
	OutputFile          string
	FilterDomains       []string
	ExcludeContentTypes []string
	MaxBodySize         int
}

// TrafficLogger prints finished entries to the console and appends them
// to a file, applying the configured filters.
type TrafficLogger struct {
	Logger
	opts      TrafficOptions
	sessionID string

	mu        sync.Mutex
	out       io.WriteCloser
	csvWriter *csv.Writer
}

// NewTrafficLogger wraps console with traffic output. When OutputFile is
// set and Format is not har the file is opened for appending.
func NewTrafficLogger(console Logger, opts TrafficOptions) (*TrafficLogger, error) {
	if console == nil {
		console = Nop()
	}
	if opts.Level == "" {
		opts.Level = LevelNormal
	}
	if opts.Format == "" {
		opts.Format = FormatText
	}
	l := &TrafficLogger{
		Logger:    console,
		opts:      opts,
		sessionID: generateSessionID(),
	}

	if opts.OutputFile != "" && opts.Format != FormatHAR {
		f, err := os.OpenFile(opts.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to setup file output: %w", err)
		}
		if err := l.attach(f); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to setup file output: %w", err)
		}
	}
	return l, nil
}

// attach installs the file writer and emits per-format preambles.
func (l *TrafficLogger) attach(w io.WriteCloser) error {
	l.out = w
	if l.opts.Format == FormatCSV {
		l.csvWriter = csv.NewWriter(w)
		if err := l.csvWriter.Write(csvHeader); err != nil {
			return err
		}
		l.csvWriter.Flush()
		return l.csvWriter.Error()
	}
	return nil
}

// SessionID identifies this run in file output.
func (l *TrafficLogger) SessionID() string {
	return l.sessionID
}

// LogEntry prints and stores one finished entry. Filtered entries are
// skipped silently.
func (l *TrafficLogger) LogEntry(e traffic.Entry) error {
	if !l.shouldLog(e) {
		return nil
	}
	l.logToConsole(e)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return nil
	}
	switch l.opts.Format {
	case FormatJSON:
		return l.writeJSON(e)
	case FormatCSV:
		return l.writeCSV(e)
	default:
		return l.writeText(e)
	}
}

// Handle is LogEntry for recorder.Tail; write failures are logged.
func (l *TrafficLogger) Handle(e traffic.Entry) {
	if err := l.LogEntry(e); err != nil {
		l.Error("Failed to write traffic entry %s: %v", e.ID, err)
	}
}

func (l *TrafficLogger) shouldLog(e traffic.Entry) bool {
	if l.opts.Level == LevelNone && l.out == nil {
		return false
	}

	if len(l.opts.FilterDomains) > 0 {
		domain := entryDomain(e)
		found := false
		for _, d := range l.opts.FilterDomains {
			if strings.Contains(domain, d) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	contentType := strings.ToLower(responseContentType(e))
	for _, exclude := range l.opts.ExcludeContentTypes {
		if exclude != "" && strings.Contains(contentType, strings.ToLower(exclude)) {
			return false
		}
	}
	return true
}

func (l *TrafficLogger) logToConsole(e traffic.Entry) {
	switch l.opts.Level {
	case LevelMinimal:
		l.Info(">> %s %s", e.Request.Method, e.Request.URLString())
		l.Info("<< %s", statusLine(e))
	case LevelNormal:
		l.Info(">> Request to %s", entryDomain(e))
		l.Info("%s %s", e.Request.Method, e.Request.URLString())
		if ua, ok := traffic.HeaderValue(e.Request.Headers, "User-Agent"); ok {
			l.Info("User-Agent: %s", ua)
		}
		l.Info("<< %s", statusLine(e))
		if e.Response != nil {
			l.Info("Content-Type: %s", responseContentType(e))
			l.Info("Content-Length: %d", len(e.Response.Body))
		}
		l.Info("")
	case LevelVerbose:
		l.logVerbose(e)
	}
}

func (l *TrafficLogger) logVerbose(e traffic.Entry) {
	l.Info(">> Request to %s (%s)", entryDomain(e), e.ID)
	l.Info("%s %s", e.Request.Method, e.Request.URLString())
	for _, name := range traffic.SortedHeaderNames(e.Request.Headers) {
		l.Debug("%s: %s", name, e.Request.Headers[name])
	}
	if len(e.Request.Body) > 0 {
		l.Info("Request body (%d bytes):", len(e.Request.Body))
		l.Info("%s", l.clip(e.Request.Body))
	}
	l.Info("")

	l.Info("<< %s", statusLine(e))
	if e.Response == nil {
		l.Info("")
		return
	}
	for _, name := range traffic.SortedHeaderNames(e.Response.Headers) {
		if strings.EqualFold(name, "Content-Type") || strings.EqualFold(name, "Content-Length") {
			l.Info("%s: %s", name, e.Response.Headers[name])
		} else {
			l.Debug("%s: %s", name, e.Response.Headers[name])
		}
	}
	if len(e.Response.Body) > 0 {
		contentType := responseContentType(e)
		if traffic.IsTextLikeContent(e.Response.Body, contentType) {
			l.Info("Response body (%d bytes):", len(e.Response.Body))
			l.Info("%s", l.clip(e.Response.Body))
		} else {
			l.Info("Response body: %d bytes of binary data (%s)", len(e.Response.Body), contentType)
		}
	}
	l.Info("")
}

func (l *TrafficLogger) clip(body []byte) string {
	if l.opts.MaxBodySize > 0 && len(body) > l.opts.MaxBodySize {
		return string(body[:l.opts.MaxBodySize]) + "... (truncated)"
	}
	return string(body)
}

type jsonRecord struct {
	SessionID string `json:"session_id"`
	Domain    string `json:"domain"`
	traffic.Entry
	DurationMS float64 `json:"duration_ms"`
}

func (l *TrafficLogger) writeJSON(e traffic.Entry) error {
	data, err := json.Marshal(jsonRecord{
		SessionID:  l.sessionID,
		Domain:     entryDomain(e),
		Entry:      e,
		DurationMS: durationMS(e),
	})
	if err != nil {
		return err
	}
	_, err = l.out.Write(append(data, '\n'))
	return err
}

func (l *TrafficLogger) writeCSV(e traffic.Entry) error {
	var respSize int
	if e.Response != nil {
		respSize = len(e.Response.Body)
	}
	var errText string
	if e.Error != nil {
		errText = e.Error.Description
	}
	row := []string{
		e.Request.CreatedAt.UTC().Format(time.RFC3339),
		l.sessionID,
		e.ID,
		entryDomain(e),
		e.Request.Method,
		e.Request.URLString(),
		strconv.Itoa(e.StatusCode()),
		responseContentType(e),
		strconv.Itoa(len(e.Request.Body)),
		strconv.Itoa(respSize),
		strconv.FormatFloat(durationMS(e), 'f', 3, 64),
		errText,
	}
	if err := l.csvWriter.Write(row); err != nil {
		return err
	}
	l.csvWriter.Flush()
	return l.csvWriter.Error()
}

func (l *TrafficLogger) writeText(e traffic.Entry) error {
	var size int
	if e.Response != nil {
		size = len(e.Response.Body)
	}
	text := fmt.Sprintf("[%s] %s -> %s %s %s -> %s (%s, %d bytes, %.3fms)\n",
		e.Request.CreatedAt.Format("15:04:05"),
		l.sessionID,
		entryDomain(e),
		e.Request.Method,
		e.Request.URLString(),
		statusLine(e),
		responseContentType(e),
		size,
		durationMS(e),
	)
	_, err := io.WriteString(l.out, text)
	return err
}

// Close flushes and closes the output file.
func (l *TrafficLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.csvWriter != nil {
		l.csvWriter.Flush()
	}
	if l.out == nil {
		return nil
	}
	err := l.out.Close()
	l.out = nil
	return err
}

func generateSessionID() string {
	return fmt.Sprintf("nt_%d", time.Now().Unix())
}

func entryDomain(e traffic.Entry) string {
	if e.Request.URL == nil {
		return ""
	}
	return e.Request.URL.Hostname()
}

func responseContentType(e traffic.Entry) string {
	if e.Response == nil {
		return ""
	}
	ct, _ := traffic.HeaderValue(e.Response.Headers, "Content-Type")
	return ct
}

func statusLine(e traffic.Entry) string {
	switch {
	case e.Response != nil:
		return fmt.Sprintf("%d %s", e.Response.StatusCode, statusText(e.Response.StatusCode))
	case e.Error != nil:
		return "ERROR " + e.Error.Description
	default:
		return "pending"
	}
}

func statusText(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	return "Unknown"
}

func durationMS(e traffic.Entry) float64 {
	if e.Duration == nil {
		return 0
	}
	return float64(*e.Duration) / float64(time.Millisecond)
}
