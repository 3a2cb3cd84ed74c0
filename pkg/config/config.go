// Package config implements the config registry: a keyed table of
// per-client limits loaded from, and hot-reloaded from, a limit file.
// Runtime accounting survives reloads; only the limits themselves are
// replaced.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

var (
	// ErrConfigMissing is returned when the limit file cannot be opened.
	ErrConfigMissing = errors.New("config: limit file missing")
	// ErrConfigMalformed is returned when the limit file's content does
	// not match the expected record shape.
	ErrConfigMalformed = errors.New("config: limit file malformed")
)

// Format selects the on-disk representation of the limit file.
type Format int

const (
	// FormatText is the mandatory whitespace record format: a record
	// count, then one "name min_frac max_frac sm_partition
	// mem_limit_bytes" line per client.
	FormatText Format = iota
	// FormatYAML is a structured alternative representation for sites
	// that prefer to template or validate their limit file as YAML.
	FormatYAML
)

// Limits holds the per-client bounds loaded from the limit file.
type Limits struct {
	Name        string
	MinFrac     float64
	MaxFrac     float64
	SMPartition int
	MemLimit    uint64

	BaseQuota float64
	MinQuota  float64
	MaxQuota  float64
}

// Runtime holds the per-client state that persists across config
// reloads. Fields are unexported and reached only through accessor
// methods so every read/write is serialized through the same mutex,
// regardless of which component (handler or daemon) touches it
// concurrently.
type Runtime struct {
	mu sync.Mutex

	memUsed           uint64
	burst             float64
	quota             float64
	latestOveruse     float64
	latestActualUsage float64
}

// NewRuntime seeds a fresh Runtime with Quota = baseQuota, the
// bootstrap value for a client never seen before.
func NewRuntime(baseQuota float64) *Runtime {
	return &Runtime{quota: baseQuota}
}

// MemUsedSnapshot returns the current byte count under lock.
func (r *Runtime) MemUsedSnapshot() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memUsed
}

// TryAllocate adds bytes to MemUsed iff the result would not exceed
// limit, atomically. Used by pkg/memory to implement allocate-side
// memory-update requests.
func (r *Runtime) TryAllocate(bytes, limit uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.memUsed+bytes > limit {
		return false
	}
	r.memUsed += bytes
	return true
}

// TryFree subtracts bytes from MemUsed iff MemUsed >= bytes, atomically.
func (r *Runtime) TryFree(bytes uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.memUsed < bytes {
		return false
	}
	r.memUsed -= bytes
	return true
}

// Burst returns the last client-reported burst estimate.
func (r *Runtime) Burst() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.burst
}

// SetBurst records a freshly reported burst from a quota request.
func (r *Runtime) SetBurst(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.burst = v
}

// Quota returns the last quota computed for this client.
func (r *Runtime) Quota() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quota
}

// SetQuota records a freshly computed quota.
func (r *Runtime) SetQuota(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quota = v
}

// RecordOveruse stores the last observed lease deviation, for
// diagnostics and tests.
func (r *Runtime) RecordOveruse(overuse, actual float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latestOveruse = overuse
	r.latestActualUsage = actual
}

// LatestOveruse returns the last recorded overuse value.
func (r *Runtime) LatestOveruse() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latestOveruse
}

type yamlDoc struct {
	Clients []struct {
		Name        string  `yaml:"name"`
		MinFrac     float64 `yaml:"min_frac"`
		MaxFrac     float64 `yaml:"max_frac"`
		SMPartition int     `yaml:"sm_partition"`
		MemLimit    uint64  `yaml:"mem_limit"`
	} `yaml:"clients"`
}

// Registry is the config registry: a keyed table of Limits plus the
// Runtime map that outlives reloads. baseQuota/minQuotaBase are
// process-wide defaults (CLI flags); each client's MaxQuota is derived
// as min_frac * windowMillis.
type Registry struct {
	log *logrus.Logger

	mu      sync.RWMutex
	limits  map[string]*Limits
	runtime map[string]*Runtime

	baseQuota    float64
	minQuotaBase float64
	windowMillis float64
	format       Format
}

// New constructs an empty Registry. baseQuota and minQuota are the CLI
// defaults (--quota, --min_quota); windowMillis is --window, used to
// derive each client's MaxQuota = min_frac * window.
func New(log *logrus.Logger, baseQuota, minQuota, windowMillis float64, format Format) *Registry {
	return &Registry{
		log:          log,
		limits:       make(map[string]*Limits),
		runtime:      make(map[string]*Runtime),
		baseQuota:    baseQuota,
		minQuotaBase: minQuota,
		windowMillis: windowMillis,
		format:       format,
	}
}

// Load reads path and replaces the limits table in place. Runtime state
// for names that already existed is preserved (mem_used must not reset
// on reload); Runtime for brand-new names is created, seeded with
// Quota = BaseQuota.
func (r *Registry) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConfigMissing, path, err)
	}
	defer f.Close()

	var records []*Limits
	switch r.format {
	case FormatYAML:
		records, err = parseYAML(f)
	default:
		records, err = parseText(f)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*Limits, len(records))
	for _, l := range records {
		l.BaseQuota = r.baseQuota
		l.MinQuota = r.minQuotaBase
		l.MaxQuota = l.MinFrac * r.windowMillis
		next[l.Name] = l
		if _, ok := r.runtime[l.Name]; !ok {
			r.runtime[l.Name] = NewRuntime(l.BaseQuota)
		}
	}
	r.limits = next
	r.log.Infof("config: loaded %d client record(s) from %s", len(next), path)
	return nil
}

func parseText(r *os.File) ([]*Limits, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return nil, fmt.Errorf("%w: empty file", ErrConfigMalformed)
	}
	count, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return nil, fmt.Errorf("%w: record count: %v", ErrConfigMalformed, err)
	}

	records := make([]*Limits, 0, count)
	for i := 0; i < count; i++ {
		if !scanner.Scan() {
			return nil, fmt.Errorf("%w: expected %d records, got %d", ErrConfigMalformed, count, i)
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) != 5 {
			return nil, fmt.Errorf("%w: record %q: expected 5 fields, got %d", ErrConfigMalformed, scanner.Text(), len(fields))
		}
		minFrac, err1 := strconv.ParseFloat(fields[1], 64)
		maxFrac, err2 := strconv.ParseFloat(fields[2], 64)
		sm, err3 := strconv.Atoi(fields[3])
		mem, err4 := strconv.ParseUint(fields[4], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			return nil, fmt.Errorf("%w: record %q: %v/%v/%v/%v", ErrConfigMalformed, scanner.Text(), err1, err2, err3, err4)
		}
		records = append(records, &Limits{
			Name:        fields[0],
			MinFrac:     minFrac,
			MaxFrac:     maxFrac,
			SMPartition: sm,
			MemLimit:    mem,
		})
	}
	return records, scanner.Err()
}

func parseYAML(r *os.File) ([]*Limits, error) {
	var doc yamlDoc
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigMalformed, err)
	}
	records := make([]*Limits, 0, len(doc.Clients))
	for _, c := range doc.Clients {
		records = append(records, &Limits{
			Name:        c.Name,
			MinFrac:     c.MinFrac,
			MaxFrac:     c.MaxFrac,
			SMPartition: c.SMPartition,
			MemLimit:    c.MemLimit,
		})
	}
	return records, nil
}

// Get returns the limits and runtime state for name, and whether name
// is registered. Every issued token's client must be present here.
func (r *Registry) Get(name string) (*Limits, *Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.limits[name]
	if !ok {
		return nil, nil, false
	}
	return l, r.runtime[name], true
}

// Names returns every currently registered client name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.limits))
	for n := range r.limits {
		names = append(names, n)
	}
	return names
}

// Filename joins --limit_file_dir and --limit_file into the limit file's
// path; kept here so main.go doesn't need to duplicate the join.
func Filename(dir, name string) string {
	return filepath.Join(dir, name)
}
