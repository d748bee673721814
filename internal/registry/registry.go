// Package registry owns the model-server processes: port allocation,
// spawning, durable endpoint records, exit cleanup and termination.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/ollama"
)

// Defaults for Opts.
const (
	DefaultHost           = "127.0.0.1"
	DefaultBasePort       = 11434
	DefaultMaxPortTries   = 100
	DefaultStopRetries    = 3
	DefaultStopRetryDelay = time.Second
	readyPollInterval     = 200 * time.Millisecond
)

var (
	// ErrNoPortAvailable is returned when every candidate port is taken.
	ErrNoPortAvailable = errors.New("registry: no port available")
	// ErrProcessSpawnFailed is returned when the process could not be
	// started or never became ready.
	ErrProcessSpawnFailed = errors.New("registry: process spawn failed")
	// ErrRegistrationFailed is returned when the endpoint record could not
	// be written; the spawned process has been killed.
	ErrRegistrationFailed = errors.New("registry: registration failed")
	// ErrUnknownEndpoint is returned for addresses the registry does not track.
	ErrUnknownEndpoint = errors.New("registry: unknown endpoint")
)

// EndpointStore persists endpoint records.
type EndpointStore interface {
	CreateEndpoint(ctx context.Context, address string) (*models.Endpoint, error)
	DeleteEndpoint(ctx context.Context, address string) (bool, error)
}

// Endpoint is a read-only snapshot of one live endpoint.
type Endpoint struct {
	Address    string    `json:"endpoint"`
	EndpointID uint      `json:"endpoint_id"`
	Port       int       `json:"port"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	LastSeen   time.Time `json:"last_seen,omitempty"`
	Failures   int       `json:"consecutive_failures"`
}

// StopResult is the outcome of terminating one endpoint during StopAll.
type StopResult struct {
	Address string `json:"endpoint"`
	Stopped bool   `json:"stopped"`
	Err     error  `json:"-"`
}

type entry struct {
	address    string
	endpointID uint
	port       int
	proc       Process
	client     *ollama.Client
	startedAt  time.Time
	lastSeen   time.Time
	failures   int
	stopping   bool
}

// Registry tracks live model-server processes by address.
type Registry struct {
	store          EndpointStore
	spawner        Spawner
	probe          PortProber
	host           string
	basePort       int
	maxPortTries   int
	readyTimeout   time.Duration
	stopRetries    int
	stopRetryDelay time.Duration
	logger         *slog.Logger

	// procCtx bounds process lifetimes independently of request contexts.
	procCtx context.Context

	mu       sync.Mutex
	entries  map[string]*entry
	pending  map[int]bool
	onChange func(addresses []string)
}

// Opts holds parameters for creating a Registry.
type Opts struct {
	Store          EndpointStore
	Spawner        Spawner
	Probe          PortProber    // defaults to ListenProbe
	Host           string        // defaults to DefaultHost
	BasePort       int           // defaults to DefaultBasePort
	MaxPortTries   int           // defaults to DefaultMaxPortTries
	ReadyTimeout   time.Duration // 0 skips the readiness wait
	StopRetries    int           // defaults to DefaultStopRetries
	StopRetryDelay time.Duration // defaults to DefaultStopRetryDelay
	Logger         *slog.Logger
}

// New creates a Registry.
func New(opts Opts) (*Registry, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("registry: store is required")
	}
	if opts.Spawner == nil {
		return nil, fmt.Errorf("registry: spawner is required")
	}
	r := &Registry{
		store:          opts.Store,
		spawner:        opts.Spawner,
		probe:          opts.Probe,
		host:           opts.Host,
		basePort:       opts.BasePort,
		maxPortTries:   opts.MaxPortTries,
		readyTimeout:   opts.ReadyTimeout,
		stopRetries:    opts.StopRetries,
		stopRetryDelay: opts.StopRetryDelay,
		logger:         opts.Logger,
		procCtx:        context.Background(),
		entries:        make(map[string]*entry),
		pending:        make(map[int]bool),
	}
	if r.probe == nil {
		r.probe = ListenProbe
	}
	if r.host == "" {
		r.host = DefaultHost
	}
	if r.basePort <= 0 {
		r.basePort = DefaultBasePort
	}
	if r.maxPortTries <= 0 {
		r.maxPortTries = DefaultMaxPortTries
	}
	if r.stopRetries <= 0 {
		r.stopRetries = DefaultStopRetries
	}
	if r.stopRetryDelay <= 0 {
		r.stopRetryDelay = DefaultStopRetryDelay
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

// OnChange registers fn to be called with the current addresses after
// every start, stop or crash cleanup.
func (r *Registry) OnChange(fn func(addresses []string)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *Registry) notify() {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn(r.Addresses())
	}
}

// allocatePortLocked picks the first bindable port above both the base
// port and every port already in use by this registry.
func (r *Registry) allocatePortLocked() (int, error) {
	highest := r.basePort
	for _, e := range r.entries {
		if e.port > highest {
			highest = e.port
		}
	}
	for p := range r.pending {
		if p > highest {
			highest = p
		}
	}
	for i := 1; i <= r.maxPortTries; i++ {
		port := highest + i
		if port > 65535 {
			break
		}
		if r.probe(r.host, port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: tried %d ports above %d", ErrNoPortAvailable, r.maxPortTries, highest)
}

// Start spawns a new model server on a free port, waits for it to answer,
// records it and returns its address.
func (r *Registry) Start(ctx context.Context) (string, error) {
	r.mu.Lock()
	port, err := r.allocatePortLocked()
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	r.pending[port] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, port)
		r.mu.Unlock()
	}()

	address := "http://" + r.host + ":" + strconv.Itoa(port)
	proc, err := r.spawner.Spawn(r.procCtx, r.host, port)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrProcessSpawnFailed, address, err)
	}
	client := ollama.NewClient(address)

	if r.readyTimeout > 0 {
		if err := r.waitReady(ctx, proc, client); err != nil {
			r.kill(proc)
			return "", fmt.Errorf("%w: %s: %v", ErrProcessSpawnFailed, address, err)
		}
	}

	rec, err := r.store.CreateEndpoint(ctx, address)
	if err != nil {
		r.kill(proc)
		return "", fmt.Errorf("%w: %s: %v", ErrRegistrationFailed, address, err)
	}

	now := time.Now()
	e := &entry{
		address:    address,
		endpointID: rec.ID,
		port:       port,
		proc:       proc,
		client:     client,
		startedAt:  now,
		lastSeen:   now,
	}
	r.mu.Lock()
	r.entries[address] = e
	r.mu.Unlock()

	go r.watch(e)

	r.logger.Info("registry: endpoint started", "endpoint", address, "pid", proc.PID())
	r.notify()
	return address, nil
}

// waitReady polls the endpoint until it answers, giving up early if the
// process exits.
func (r *Registry) waitReady(ctx context.Context, proc Process, client *ollama.Client) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-proc.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	err := client.WaitReady(ctx, r.readyTimeout, readyPollInterval)
	select {
	case <-proc.Done():
		return fmt.Errorf("process exited: %v", proc.Err())
	default:
	}
	return err
}

func (r *Registry) kill(proc Process) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := proc.Stop(ctx); err != nil {
		r.logger.Error("registry: kill orphan", "pid", proc.PID(), "error", err)
	}
}

// watch cleans up after a process that exits without Stop.
func (r *Registry) watch(e *entry) {
	<-e.proc.Done()

	r.mu.Lock()
	cur, ok := r.entries[e.address]
	if !ok || cur != e || e.stopping {
		r.mu.Unlock()
		return
	}
	delete(r.entries, e.address)
	r.mu.Unlock()

	r.logger.Warn("registry: endpoint exited unexpectedly", "endpoint", e.address, "error", e.proc.Err())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := r.store.DeleteEndpoint(ctx, e.address); err != nil {
		r.logger.Error("registry: delete crashed endpoint", "endpoint", e.address, "error", err)
	}
	r.notify()
}

// Stop terminates the process at address and removes its record. A
// missing endpoint is not an error and reports false.
func (r *Registry) Stop(ctx context.Context, address string) (bool, error) {
	r.mu.Lock()
	e, ok := r.entries[address]
	if !ok || e.stopping {
		r.mu.Unlock()
		return false, nil
	}
	e.stopping = true
	r.mu.Unlock()

	if err := e.proc.Stop(ctx); err != nil {
		r.mu.Lock()
		e.stopping = false
		r.mu.Unlock()
		return false, fmt.Errorf("registry: stop %s: %w", address, err)
	}

	if _, err := r.store.DeleteEndpoint(context.WithoutCancel(ctx), address); err != nil {
		r.logger.Error("registry: delete endpoint record", "endpoint", address, "error", err)
	}
	r.mu.Lock()
	delete(r.entries, address)
	r.mu.Unlock()

	r.logger.Info("registry: endpoint stopped", "endpoint", address)
	r.notify()
	return true, nil
}

// StopAll terminates every tracked process, retrying failures a bounded
// number of times. The result holds the final outcome per endpoint.
func (r *Registry) StopAll(ctx context.Context) []StopResult {
	final := make(map[string]StopResult)
attempts:
	for attempt := 0; attempt <= r.stopRetries; attempt++ {
		addrs := r.Addresses()
		if len(addrs) == 0 {
			break
		}
		if attempt > 0 {
			r.logger.Warn("registry: retrying stop", "attempt", attempt, "remaining", len(addrs))
			select {
			case <-ctx.Done():
				break attempts
			case <-time.After(r.stopRetryDelay):
			}
		}

		p := pool.NewWithResults[StopResult]()
		for _, addr := range addrs {
			p.Go(func() StopResult {
				stopped, err := r.Stop(ctx, addr)
				if err == nil && !stopped {
					// Already gone (crashed or stopped concurrently).
					stopped = true
				}
				return StopResult{Address: addr, Stopped: stopped, Err: err}
			})
		}
		for _, res := range p.Wait() {
			final[res.Address] = res
		}
	}

	for _, addr := range r.Addresses() {
		if _, ok := final[addr]; !ok {
			final[addr] = StopResult{Address: addr, Err: ctx.Err()}
		}
	}
	results := make([]StopResult, 0, len(final))
	for _, res := range final {
		results = append(results, res)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Address < results[j].Address })
	return results
}

// Addresses returns the live endpoint addresses in port order.
func (r *Registry) Addresses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].port < out[j].port })
	addrs := make([]string, len(out))
	for i, e := range out {
		addrs[i] = e.address
	}
	return addrs
}

// List returns a snapshot of every live endpoint in port order.
func (r *Registry) List() []Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Endpoint, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Get returns the snapshot for address.
func (r *Registry) Get(address string) (Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[address]
	if !ok {
		return Endpoint{}, false
	}
	return e.snapshot(), true
}

func (e *entry) snapshot() Endpoint {
	return Endpoint{
		Address:    e.address,
		EndpointID: e.endpointID,
		Port:       e.port,
		PID:        e.proc.PID(),
		StartedAt:  e.startedAt,
		LastSeen:   e.lastSeen,
		Failures:   e.failures,
	}
}

// Client returns the client for address.
func (r *Registry) Client(address string) (*ollama.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[address]
	if !ok || e.stopping {
		return nil, false
	}
	return e.client, true
}

// Streamer returns the chat streamer for address.
func (r *Registry) Streamer(address string) (ollama.ChatStreamer, bool) {
	c, ok := r.Client(address)
	if !ok {
		return nil, false
	}
	return c, true
}

// Models lists the models available on address.
func (r *Registry) Models(ctx context.Context, address string) ([]ollama.ModelInfo, error) {
	c, ok := r.Client(address)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, address)
	}
	return c.ListModels(ctx)
}

// ModelNames lists the names of the models available on address.
func (r *Registry) ModelNames(ctx context.Context, address string) ([]string, error) {
	c, ok := r.Client(address)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, address)
	}
	return c.ModelNames(ctx)
}
