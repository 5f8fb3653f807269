// Package mirror replays recorded exchanges as plain HTTP on the loopback
// interface so they can be captured with Wireshark or tcpdump.
package mirror

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/httpseal/nettrace/pkg/logger"
	"github.com/httpseal/nettrace/pkg/traffic"
)

// Headers stamped on mirrored messages.
const (
	HeaderMirrorID     = "X-Nettrace-Mirror-ID"
	HeaderOriginalHost = "X-Nettrace-Original-Host"
	HeaderEntryID      = "X-Nettrace-Entry-ID"
	HeaderTimestamp    = "X-Nettrace-Timestamp"
	HeaderMirror       = "X-Nettrace-Mirror"
)

const queueSize = 100

type record struct {
	id    uint64
	entry traffic.Entry
}

// Server listens on 127.0.0.1 and answers its own replayed requests with
// the recorded responses.
type Server struct {
	port     int
	listener net.Listener
	logger   logger.Logger

	acceptWG sync.WaitGroup
	workerWG sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
	nextID   atomic.Uint64
	replayed atomic.Int64
	queue    chan record

	mu        sync.Mutex
	closed    bool
	responses map[uint64]traffic.Entry
}

// NewServer creates a mirror on port. Port 0 picks a free port at Start.
func NewServer(port int, log logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		port:      port,
		logger:    log,
		stopCh:    make(chan struct{}),
		queue:     make(chan record, queueSize),
		responses: make(map[uint64]traffic.Entry),
	}
}

// Start opens the listener and the replay worker.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on mirror port %d: %w", s.port, err)
	}
	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port

	s.logger.Info("HTTP Mirror Server started on 127.0.0.1:%d", s.port)
	s.logger.Info("Capture interface 'lo' with filter 'tcp port %d'", s.port)

	s.acceptWG.Add(1)
	go s.acceptLoop()
	s.workerWG.Add(1)
	go s.processQueue()
	return nil
}

// Stop closes the listener and waits for queued replays to finish.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()

		// replays need the listener, so drain them first
		s.workerWG.Wait()
		close(s.stopCh)
		if s.listener != nil {
			s.listener.Close()
		}
		s.acceptWG.Wait()
	})
	return nil
}

// Port returns the listening port.
func (s *Server) Port() int {
	return s.port
}

// Replayed returns the number of exchanges replayed so far.
func (s *Server) Replayed() int64 {
	return s.replayed.Load()
}

// Mirror queues a finished exchange. Entries without a response are
// skipped, and a full queue drops the entry with a warning.
func (s *Server) Mirror(e traffic.Entry) {
	if e.Response == nil || e.Request.URL == nil {
		return
	}
	rec := record{id: s.nextID.Add(1), entry: e.Clone()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- rec:
		s.responses[rec.id] = rec.entry
	default:
		s.logger.Warn("Mirror queue full, dropping entry %s", e.ID)
	}
}

// Handle is Mirror for recorder.Tail.
func (s *Server) Handle(e traffic.Entry) {
	s.Mirror(e)
}

func (s *Server) forget(id uint64) {
	s.mu.Lock()
	delete(s.responses, id)
	s.mu.Unlock()
}

func (s *Server) acceptLoop() {
	defer s.acceptWG.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Error accepting mirror connection: %v", err)
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		s.logger.Error("Failed to parse mirror HTTP request: %v", err)
		return
	}
	io.Copy(io.Discard, req.Body)

	idStr := req.Header.Get(HeaderMirrorID)
	if idStr == "" {
		writeResponse(conn, req, http.StatusOK, nil, "nettrace mirror ready")
		return
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		s.logger.Error("Invalid mirror id: %s", idStr)
		writeResponse(conn, req, http.StatusBadRequest, nil, "invalid mirror id")
		return
	}

	s.mu.Lock()
	e, ok := s.responses[id]
	delete(s.responses, id)
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("No response found for mirror id %d", id)
		writeResponse(conn, req, http.StatusNotFound, nil, "response not found")
		return
	}

	header := make(http.Header)
	for name, value := range e.Response.Headers {
		if skipHeader(name) {
			continue
		}
		header.Set(name, value)
	}
	header.Set(HeaderOriginalHost, e.Request.URL.Host)
	header.Set(HeaderMirrorID, idStr)
	header.Set(HeaderTimestamp, e.Response.ReceivedAt.UTC().Format(time.RFC3339))
	writeResponse(conn, req, e.Response.StatusCode, header, string(e.Response.Body))
}

func writeResponse(w io.Writer, req *http.Request, status int, header http.Header, body string) {
	if header == nil {
		header = make(http.Header)
		header.Set("Content-Type", "text/plain")
	}
	header.Set(HeaderMirror, "true")
	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Request:       req,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Close:         true,
	}
	resp.Write(w)
}

func (s *Server) processQueue() {
	defer s.workerWG.Done()
	for rec := range s.queue {
		if err := s.replay(rec); err != nil {
			s.forget(rec.id)
			s.logger.Error("Failed to replay mirrored exchange %s: %v", rec.entry.ID, err)
			continue
		}
		s.replayed.Add(1)
	}
}

// replay sends the recorded request to the mirror over a fresh connection
// and reads back the recorded response.
func (s *Server) replay(rec record) error {
	conn, err := net.Dial("tcp", s.listener.Addr().String())
	if err != nil {
		return fmt.Errorf("failed to connect to mirror server: %w", err)
	}
	defer conn.Close()

	e := rec.entry
	target := e.Request.URL.RequestURI()
	req, err := http.NewRequest(e.Request.Method, "http://"+e.Request.URL.Host+target, bytes.NewReader(e.Request.Body))
	if err != nil {
		return err
	}
	for name, value := range e.Request.Headers {
		if skipHeader(name) || strings.EqualFold(name, "Host") {
			continue
		}
		req.Header.Set(name, value)
	}
	req.Header.Set(HeaderOriginalHost, e.Request.URL.Host)
	req.Header.Set(HeaderEntryID, e.ID)
	req.Header.Set(HeaderMirrorID, strconv.FormatUint(rec.id, 10))
	req.Header.Set(HeaderTimestamp, e.Request.CreatedAt.UTC().Format(time.RFC3339))
	req.Close = true

	if err := req.Write(conn); err != nil {
		return fmt.Errorf("failed to send mirror request: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return fmt.Errorf("failed to read mirror response: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	s.logger.Debug("Mirrored %s %s -> %d", e.Request.Method, e.Request.URLString(), resp.StatusCode)
	return nil
}

func skipHeader(name string) bool {
	switch strings.ToLower(name) {
	case "connection", "content-length", "transfer-encoding", "content-encoding":
		return true
	}
	return false
}
