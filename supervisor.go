package hotswap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultPollInterval is used when Options.PollInterval is zero.
const DefaultPollInterval = 5 * time.Second

// State is the phase of the reload cycle the supervisor is in.
type State int32

const (
	Idle State = iota
	Loading
	Resolving
	Publishing
	Retiring
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Resolving:
		return "resolving"
	case Publishing:
		return "publishing"
	case Retiring:
		return "retiring"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options configures a Supervisor. Artifact, Loader and Functions are
// required.
type Options struct {
	// Artifact is the build output to watch, e.g. ArtifactName("game")
	// inside the build directory.
	Artifact string

	// CopyDir receives the numbered copies that are actually loaded.
	// Defaults to DefaultCopyDir next to Artifact.
	CopyDir string

	// PollInterval is how often the artifact's modification time is
	// checked and retired modules are swept. Defaults to
	// DefaultPollInterval.
	PollInterval time.Duration

	Loader    Loader
	Functions []Descriptor

	// Watch additionally wakes the poll loop on filesystem events for the
	// artifact. The modification time still decides whether to reload.
	Watch bool

	// WatchDebounce is how long events must be quiet before the loop is
	// woken. Defaults to 100ms.
	WatchDebounce time.Duration

	// RemoveCopies deletes a numbered copy once its module is released.
	RemoveCopies bool

	// OnReload is called after every successful cycle, once the supervisor
	// is unlocked, so it may call back into the Supervisor. It runs on the
	// goroutine that ran the cycle and holds up that goroutine's next poll.
	// Close waits for the poll loop, so it must not be called from OnReload
	// during a background poll.
	OnReload func(ReloadInfo)

	Logger *slog.Logger

	// Registerer receives the supervisor's metrics. Nil keeps them
	// unexported.
	Registerer   prometheus.Registerer
	MetricLabels prometheus.Labels
}

// ReloadInfo describes the module published by a reload cycle.
type ReloadInfo struct {
	Generation uint64
	Path       string
	Digest     string
	ModTime    time.Time
}

// Supervisor loads new builds of the artifact, publishes their functions
// into a Table and retires superseded modules once no call is using them.
type Supervisor struct {
	table   *Table
	opts    Options
	logger  *slog.Logger
	metrics *metrics

	state   atomic.Int32
	info    atomic.Pointer[ReloadInfo]
	pending atomic.Int64

	// mu serializes reload cycles and sweeps. Everything below is only
	// accessed with mu held.
	mu       sync.Mutex
	current  *moduleHandle
	lastMod  time.Time
	nextCopy uint64
	queue    retirementQueue
	started  bool
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}
	watcher  *artifactWatcher

	// published is the cycle info unlock hands to OnReload.
	published *ReloadInfo
}

// New registers every function of opts in table and returns a supervisor
// that publishes into it. Only one supervisor may publish into a table.
func New(table *Table, opts Options) (*Supervisor, error) {
	if table == nil {
		return nil, errors.New("hotswap: nil table")
	}
	if opts.Artifact == "" {
		return nil, errors.New("hotswap: no artifact")
	}
	if opts.Loader == nil {
		return nil, errors.New("hotswap: no loader")
	}
	if len(opts.Functions) == 0 {
		return nil, errors.New("hotswap: no functions")
	}

	seen := make(map[string]struct{}, len(opts.Functions))
	for _, d := range opts.Functions {
		if err := d.validate(); err != nil {
			return nil, fmt.Errorf("hotswap: %w", err)
		}
		if _, dup := seen[d.Name]; dup {
			return nil, fmt.Errorf("hotswap: duplicate function %q", d.Name)
		}
		seen[d.Name] = struct{}{}
	}

	if opts.CopyDir == "" {
		opts.CopyDir = filepath.Join(filepath.Dir(opts.Artifact), DefaultCopyDir)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.WatchDebounce <= 0 {
		opts.WatchDebounce = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if !table.claimed.CompareAndSwap(false, true) {
		return nil, errors.New("hotswap: table already has a supervisor")
	}
	for _, d := range opts.Functions {
		table.Register(d.Name)
	}

	return &Supervisor{
		table:   table,
		opts:    opts,
		logger:  opts.Logger.With("artifact", opts.Artifact),
		metrics: newMetrics(opts.Registerer, opts.MetricLabels),
	}, nil
}

// Start runs the first reload cycle and, once it succeeded, starts the poll
// loop in the background. No hot-reloadable function may be called before
// Start returns nil. The loop stops when ctx is done or Close is called.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.unlock()

	if s.closed {
		return ErrClosed
	}
	if s.started {
		return errors.New("hotswap: supervisor already started")
	}

	mod, err := s.artifactModTime()
	if err != nil {
		err = &LoadError{Path: s.opts.Artifact, Err: err}
		s.metrics.reloads.WithLabelValues(resultLoad).Inc()
		s.logger.Error("initial load failed", "error", err)
		return err
	}
	if err := s.cycle(ctx, mod); err != nil {
		return err
	}

	if s.opts.Watch {
		w, err := newArtifactWatcher(s.opts.Artifact, s.opts.WatchDebounce, s.logger)
		if err != nil {
			s.logger.Warn("watching artifact failed, polling only", "error", err)
		} else {
			s.watcher = w
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	if s.watcher != nil {
		go s.watcher.run(loopCtx)
	}
	go s.loop(loopCtx)
	return nil
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if s.watcher != nil {
		wake = s.watcher.wake
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
		// Failures are logged by the cycle and retried next tick.
		_, _ = s.Poll(ctx)
	}
}

// Close stops the poll loop and waits for it to exit. Loaded modules stay
// mapped since application goroutines may still call into them.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done, w := s.cancel, s.done, s.watcher
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if w != nil {
		return w.Close()
	}
	return nil
}

// Poll runs one tick of the loop: it reloads if the artifact's modification
// time increased since the last successful load, then sweeps the retirement
// queue. It reports whether a new module was published.
func (s *Supervisor) Poll(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.unlock()

	if s.closed {
		return false, ErrClosed
	}
	defer s.sweepLocked()

	mod, err := s.artifactModTime()
	if err != nil {
		// A rebuild may have removed the artifact for a moment.
		s.logger.Debug("artifact not readable", "error", err)
		return false, nil
	}
	if !mod.After(s.lastMod) {
		return false, nil
	}
	if err := s.cycle(ctx, mod); err != nil {
		return false, err
	}
	return true, nil
}

// Reload runs a reload cycle even if the artifact didn't change.
func (s *Supervisor) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.unlock()

	if s.closed {
		return ErrClosed
	}
	mod, err := s.artifactModTime()
	if err != nil {
		err = &LoadError{Path: s.opts.Artifact, Err: err}
		s.metrics.reloads.WithLabelValues(resultLoad).Inc()
		s.logger.Warn("reload aborted", "error", err)
		return err
	}
	return s.cycle(ctx, mod)
}

// Sweep releases every superseded module whose tokens are no longer used and
// returns how many were released.
func (s *Supervisor) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked()
}

// State returns the phase of the running cycle, or Idle.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Generation returns the number of the module serving calls. It is only
// meaningful once Start succeeded.
func (s *Supervisor) Generation() uint64 {
	if info := s.info.Load(); info != nil {
		return info.Generation
	}
	return 0
}

// Current describes the module serving calls; ok is false before the first
// successful cycle.
func (s *Supervisor) Current() (info ReloadInfo, ok bool) {
	if p := s.info.Load(); p != nil {
		return *p, true
	}
	return ReloadInfo{}, false
}

// Pending returns the number of superseded modules still mapped.
func (s *Supervisor) Pending() int { return int(s.pending.Load()) }

func (s *Supervisor) artifactModTime() (time.Time, error) {
	fi, err := os.Stat(s.opts.Artifact)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

// unlock releases mu, then reports the cycle that published while it was
// held, if any.
func (s *Supervisor) unlock() {
	info := s.published
	s.published = nil
	s.mu.Unlock()

	if info != nil && s.opts.OnReload != nil {
		s.opts.OnReload(*info)
	}
}

func (s *Supervisor) setState(st State) { s.state.Store(int32(st)) }

// cycle loads the artifact, resolves every function, publishes the new
// tokens and files the superseded ones for retirement. mod is the artifact's
// modification time observed before copying. Called with mu held.
func (s *Supervisor) cycle(ctx context.Context, mod time.Time) error {
	defer s.setState(Idle)

	gen := s.nextCopy
	s.nextCopy++
	logger := s.logger.With("generation", gen)

	s.setState(Loading)
	path, digest, err := copyArtifact(s.opts.Artifact, s.opts.CopyDir, gen)
	if err != nil {
		return s.loadFailed(logger, &LoadError{Path: s.opts.Artifact, Err: err})
	}
	m, err := s.opts.Loader.Load(path)
	if err != nil {
		os.Remove(path)
		return s.loadFailed(logger, &LoadError{Path: path, Err: err})
	}
	handle := newModuleHandle(gen, path, digest, m)
	s.lastMod = mod

	s.setState(Resolving)
	syms := make([]Symbol, len(s.opts.Functions))
	for i, d := range s.opts.Functions {
		sym, err := resolve(m, d)
		if err != nil {
			return s.resolveFailed(logger, handle, &SymbolError{Name: d.Name, Err: err})
		}
		syms[i] = sym
	}
	if err := ctx.Err(); err != nil {
		logger.Warn("reload canceled", "error", err)
		s.dropUnpublished(logger, handle)
		return err
	}

	s.setState(Publishing)
	superseded := make([]*Token, 0, len(syms))
	for i, d := range s.opts.Functions {
		// Entries are registered in New and never removed.
		old, _ := s.table.Replace(d.Name, newToken(d.Name, syms[i], gen))
		if old != nil {
			superseded = append(superseded, old)
		}
	}

	s.setState(Retiring)
	if prev := s.current; prev != nil {
		rec := newRetirement(prev)
		for _, old := range superseded {
			rec.file(old)
		}
		s.queue.push(rec)
		s.pending.Store(int64(s.queue.len()))
		s.metrics.queueLength.Set(float64(s.queue.len()))
	}
	s.current = handle

	info := &ReloadInfo{Generation: gen, Path: path, Digest: digest, ModTime: mod}
	s.info.Store(info)
	s.metrics.reloads.WithLabelValues(resultOK).Inc()
	s.metrics.generation.Set(float64(gen))
	logger.Info("module published", "copy", path, "digest", digest, "functions", len(syms))

	s.published = info
	return nil
}

// resolve binds d in m and makes sure the function value has exactly d's
// type so typed call sites can assert it.
func resolve(m Module, d Descriptor) (Symbol, error) {
	sym, err := m.Resolve(d.Name, d.Type)
	if err != nil {
		return Symbol{}, err
	}
	if sym.Func == nil {
		return Symbol{}, fmt.Errorf("%w: nil function", ErrSymbolNotFound)
	}

	got := reflect.TypeOf(sym.Func)
	if got == d.Type {
		return sym, nil
	}
	if err := CheckSignature(d.Type, got); err != nil {
		return Symbol{}, err
	}
	sym.Func = reflect.ValueOf(sym.Func).Convert(d.Type).Interface()
	return sym, nil
}

func (s *Supervisor) loadFailed(logger *slog.Logger, err *LoadError) error {
	s.metrics.reloads.WithLabelValues(resultLoad).Inc()
	logger.Warn("reload aborted", "error", err)
	return err
}

func (s *Supervisor) resolveFailed(logger *slog.Logger, h *moduleHandle, err *SymbolError) error {
	s.metrics.reloads.WithLabelValues(resultSymbol).Inc()
	logger.Warn("reload aborted", "error", err)
	s.dropUnpublished(logger, h)
	return err
}

// dropUnpublished releases a module none of whose tokens escaped.
func (s *Supervisor) dropUnpublished(logger *slog.Logger, h *moduleHandle) {
	if err := h.release(); err != nil {
		s.metrics.releaseErrors.Inc()
		logger.Error("releasing unpublished module failed", "copy", h.path, "error", err)
	}
	os.Remove(h.path)
}

func (s *Supervisor) sweepLocked() int {
	n := s.queue.sweep(func(r *retirement, err error) {
		logger := s.logger.With("generation", r.handle.gen, "copy", r.handle.path)
		if err != nil {
			s.metrics.releaseErrors.Inc()
			logger.Error("releasing retired module failed", "error", err)
		} else {
			logger.Info("module retired")
		}
		s.metrics.retired.Inc()

		if s.opts.RemoveCopies {
			if err := os.Remove(r.handle.path); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Warn("removing module copy failed", "error", err)
			}
		}
	})
	s.pending.Store(int64(s.queue.len()))
	s.metrics.queueLength.Set(float64(s.queue.len()))
	return n
}
