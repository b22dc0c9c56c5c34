package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/basket/clawgov/internal/governance"
	otelPkg "github.com/basket/clawgov/internal/otel"
)

const (
	requestsDir  = "requests"
	responsesDir = "responses"

	maxRequestBytes        = 256 << 10
	defaultPollInterval    = 2 * time.Second
	defaultWorkersPerGroup = 4
)

var groupPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ServerConfig configures the file-drop transport.
type ServerConfig struct {
	Dir     string
	Handler *Handler
	Logger  *slog.Logger
	Metrics *otelPkg.Metrics
	// PollInterval backs up fsnotify, which can miss events on some
	// filesystems. Zero means the default.
	PollInterval time.Duration
	// RequestsPerMinute and Burst bound each group's intake. Zero disables
	// rate limiting.
	RequestsPerMinute int
	Burst             int
	// WorkersPerGroup caps how many of one group's requests run at once.
	// Requests over the cap stay queued on disk. Zero means the default.
	WorkersPerGroup int
}

// Server watches <dir>/<group>/requests/*.json, runs each command as <group>
// and writes the reply to <dir>/<group>/responses/<id>.json. Clients must
// write requests atomically: a dot-prefixed temp file renamed into place.
type Server struct {
	dir      string
	handler  *Handler
	logger   *slog.Logger
	metrics  *otelPkg.Metrics
	interval time.Duration
	limit    rate.Limit
	burst    int
	workers  int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	slots    map[string]chan struct{}
	inflight map[string]struct{}

	// kick wakes the loop to rescan after a worker frees a slot that a
	// deferred request is waiting for.
	kick     chan struct{}
	deferred atomic.Bool

	cancel  context.CancelFunc
	wg      sync.WaitGroup // the watch loop
	running sync.WaitGroup // request workers
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Handler == nil {
		return nil, errors.New("ipc: handler is required")
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("ipc: dir is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	workers := cfg.WorkersPerGroup
	if workers <= 0 {
		workers = defaultWorkersPerGroup
	}
	s := &Server{
		dir:      cfg.Dir,
		handler:  cfg.Handler,
		logger:   logger.With("component", "ipc"),
		metrics:  cfg.Metrics,
		interval: interval,
		limit:    rate.Inf,
		workers:  workers,
		limiters: map[string]*rate.Limiter{},
		slots:    map[string]chan struct{}{},
		inflight: map[string]struct{}{},
		kick:     make(chan struct{}, 1),
	}
	if cfg.RequestsPerMinute > 0 {
		s.limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60)
		s.burst = cfg.Burst
		if s.burst <= 0 {
			s.burst = cfg.RequestsPerMinute
		}
	}
	return s, nil
}

// Dir returns the transport root.
func (s *Server) Dir() string { return s.dir }

// RequestDir returns the directory group drops commands into.
func (s *Server) RequestDir(group string) string {
	return filepath.Join(s.dir, group, requestsDir)
}

// ResponsePath returns where the reply to id is written for group.
func (s *Server) ResponsePath(group, id string) string {
	return filepath.Join(s.dir, group, responsesDir, id+".json")
}

// Start creates the root, drains anything already queued, then watches for
// new requests until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create ipc dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	if err := fsw.Add(s.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch ipc dir: %w", err)
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.watchGroups(fsw)
	s.scan(ctx, nil)

	s.wg.Add(1)
	go s.loop(ctx, fsw)
	s.logger.Info("ipc server started", "dir", s.dir, "poll_interval", s.interval)
	return nil
}

// Stop halts the watcher and waits for in-progress commands.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.running.Wait()
	s.logger.Info("ipc server stopped")
}

func (s *Server) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer s.wg.Done()
	defer fsw.Close()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
				// A new group directory, or its requests directory.
				s.watchGroups(fsw)
				s.scan(ctx, nil)
				continue
			}
			group, ok := s.groupOf(ev.Name)
			if !ok {
				continue
			}
			s.dispatch(ctx, group, ev.Name, nil)
		case <-s.kick:
			s.scan(ctx, nil)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			s.logger.Warn("ipc watcher error", "error", err)
		case <-ticker.C:
			s.watchGroups(fsw)
			s.scan(ctx, nil)
		}
	}
}

// watchGroups adds every group directory and its requests directory.
func (s *Server) watchGroups(fsw *fsnotify.Watcher) {
	for _, group := range s.groups() {
		_ = fsw.Add(filepath.Join(s.dir, group))
		reqDir := s.RequestDir(group)
		if fi, err := os.Stat(reqDir); err == nil && fi.IsDir() {
			_ = fsw.Add(reqDir)
		}
	}
}

func (s *Server) groups() []string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && groupPattern.MatchString(e.Name()) {
			out = append(out, e.Name())
		}
	}
	return out
}

// groupOf maps <dir>/<group>/requests/<file>.json to group.
func (s *Server) groupOf(path string) (string, bool) {
	if !isRequestFile(filepath.Base(path)) {
		return "", false
	}
	reqDir := filepath.Dir(path)
	if filepath.Base(reqDir) != requestsDir {
		return "", false
	}
	groupDir := filepath.Dir(reqDir)
	if filepath.Clean(filepath.Dir(groupDir)) != filepath.Clean(s.dir) {
		return "", false
	}
	group := filepath.Base(groupDir)
	return group, groupPattern.MatchString(group)
}

func isRequestFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}

// Scan processes every queued request once and returns when they are all
// answered. It is for one-shot use on a server that was not started.
func (s *Server) Scan(ctx context.Context) {
	var done sync.WaitGroup
	s.scan(ctx, &done)
	done.Wait()
}

// scan dispatches queued requests, oldest name first per group. Requests
// that find their group at capacity are left for a later pass.
func (s *Server) scan(ctx context.Context, done *sync.WaitGroup) {
	for _, group := range s.groups() {
		entries, err := os.ReadDir(s.RequestDir(group))
		if err != nil {
			continue
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() && isRequestFile(e.Name()) {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			if ctx.Err() != nil {
				return
			}
			s.dispatch(ctx, group, filepath.Join(s.RequestDir(group), name), done)
		}
	}
}

// dispatch claims path and runs it on its own goroutine. The rate limit is
// charged here, in dispatch order, so a burst is judged oldest first.
func (s *Server) dispatch(ctx context.Context, group, path string, done *sync.WaitGroup) {
	if !s.claim(path) {
		return
	}
	slot := s.slot(group)
	select {
	case slot <- struct{}{}:
	default:
		s.release(path)
		s.deferred.Store(true)
		return
	}
	allowed := s.limiter(group).Allow()

	s.running.Add(1)
	if done != nil {
		done.Add(1)
	}
	go func() {
		defer func() {
			<-slot
			s.release(path)
			s.running.Done()
			if done != nil {
				done.Done()
			}
			if s.deferred.CompareAndSwap(true, false) {
				select {
				case s.kick <- struct{}{}:
				default:
				}
			}
		}()
		s.process(ctx, group, path, allowed)
	}()
}

func (s *Server) claim(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[path]; busy {
		return false
	}
	s.inflight[path] = struct{}{}
	return true
}

func (s *Server) release(path string) {
	s.mu.Lock()
	delete(s.inflight, path)
	s.mu.Unlock()
}

func (s *Server) slot(group string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.slots[group]
	if !ok {
		ch = make(chan struct{}, s.workers)
		s.slots[group] = ch
	}
	return ch
}

func (s *Server) limiter(group string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[group]
	if !ok {
		l = rate.NewLimiter(s.limit, s.burst)
		s.limiters[group] = l
	}
	return l
}

// process handles one claimed request file. The request is removed only
// after its response is durable, so a crash in between re-runs it; replays
// are absorbed by the request_id and version guards.
func (s *Server) process(ctx context.Context, group, path string, allowed bool) {
	raw, err := readRequest(path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	fallbackID := strings.TrimSuffix(filepath.Base(path), ".json")
	logger := s.logger.With("group", group, "file", filepath.Base(path))

	var (
		resp   *Response
		replay *CallCommand
	)
	id := fallbackID
	switch {
	case err != nil:
		resp = ErrorResponse("", &governance.Error{Kind: governance.KindValidation, Reason: "MALFORMED_COMMAND", Message: err.Error()})
	case !allowed:
		s.metrics.RecordIngressReject(ctx, group)
		resp = ErrorResponse("", &governance.Error{Kind: governance.KindBusy, Reason: "RATE_LIMITED", Message: "too many requests from " + group})
	default:
		cmd, cmdID, derr := Decode(raw)
		if cmdID != "" {
			id = cmdID
		}
		if derr != nil {
			resp = ErrorResponse("", derr)
			break
		}
		if call, ok := cmd.(*CallCommand); ok && cmdID == "" && call.RequestID != "" {
			id = call.RequestID
		}
		resp = s.handler.Handle(ctx, group, cmd)
		if call, ok := cmd.(*CallCommand); ok && resp == nil {
			replay = call
		}
	}

	if replay != nil && validResponseID(id) {
		if _, err := os.Stat(s.ResponsePath(group, id)); errors.Is(err, os.ErrNotExist) {
			// The call was decided but its reply was lost, or it is still
			// running elsewhere. Answer from the ledger or retry later.
			stored, err := s.handler.StoredCall(ctx, group, replay.RequestID)
			if err != nil {
				logger.Error("load stored response failed", "error", err)
				return
			}
			if stored == nil {
				logger.Debug("replayed request waits for its call to finish", "request_id", replay.RequestID)
				return
			}
			resp = stored
		}
	}

	if resp != nil {
		if !validResponseID(id) {
			id = fallbackID
		}
		resp.CommandID = id
		if err := s.writeResponse(group, id, resp); err != nil {
			logger.Error("write response failed", "error", err)
			return
		}
	} else {
		logger.Debug("replayed request dropped")
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("remove request failed", "error", err)
	}
}

func readRequest(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	raw, err := io.ReadAll(io.LimitReader(f, maxRequestBytes+1))
	if err != nil {
		return nil, err
	}
	if len(raw) > maxRequestBytes {
		return nil, fmt.Errorf("request exceeds %d bytes", maxRequestBytes)
	}
	return raw, nil
}

var responseIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

func validResponseID(id string) bool {
	return responseIDPattern.MatchString(id) && !strings.Contains(id, "..")
}

func (s *Server) writeResponse(group, id string, resp *Response) error {
	b, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return WriteFileAtomic(s.ResponsePath(group, id), append(b, '\n'))
}

// WriteFileAtomic writes data to path through a synced temp file and a
// rename, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".resp-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
