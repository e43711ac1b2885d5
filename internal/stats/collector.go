// Package stats aggregates anonymous install-time facts reported by deployed
// instances. Facts are "last known value per instance", not a time series:
// a repeated report from the same instance overwrites its previous value.
// Aggregates exist per product line and globally; a mutation applies to both
// or to neither.
package stats

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// Aggregate holds the telemetry facts of one scope (a product line or the
// global view). Every map is keyed by instance id.
type Aggregate struct {
	// Installs counts distinct instances that ever reported a server version.
	Installs        int               `json:"installs"`
	ServerVersions  map[string]string `json:"server_versions"`
	RuntimeVersions map[string]string `json:"runtime_versions"`
	ProductVersions map[string]string `json:"product_versions"`
	Countries       map[string]string `json:"countries"`
	Platforms       map[string]string `json:"platforms"`
}

func newAggregate() *Aggregate {
	return &Aggregate{
		ServerVersions:  make(map[string]string),
		RuntimeVersions: make(map[string]string),
		ProductVersions: make(map[string]string),
		Countries:       make(map[string]string),
		Platforms:       make(map[string]string),
	}
}

// state is the complete collector content, serialized as one JSON blob per
// flush.
type state struct {
	Lines  map[string]*Aggregate `json:"lines"`
	Global *Aggregate            `json:"global"`
}

// Collector accumulates telemetry aggregates per line and globally.
type Collector struct {
	mu    sync.Mutex
	state *state
	dirty atomic.Bool
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		state: &state{
			Lines:  make(map[string]*Aggregate),
			Global: newAggregate(),
		},
	}
}

// EnsureLine creates the aggregate of a product line if it does not exist
// yet. Called for every configured line at startup and after each install,
// so reports for a line are only accepted once the line is known.
func (c *Collector) EnsureLine(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.state.Lines[line]; !ok {
		c.state.Lines[line] = newAggregate()
		c.dirty.Store(true)
	}
}

// Accept applies mutate to the line aggregate and then to the global one.
// When the line is unknown neither aggregate is touched, keeping the two
// views consistent with each other.
func (c *Collector) Accept(line string, mutate func(*Aggregate)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	agg, ok := c.state.Lines[line]
	if !ok {
		return fmt.Errorf("unknown product line: %s", line)
	}
	mutate(agg)
	mutate(c.state.Global)
	c.dirty.Store(true)
	return nil
}

// RecordServerVersion notes the CloudNet version an instance runs. The first
// report of an instance also counts as one install.
func (c *Collector) RecordServerVersion(id *CloudID, version string) error {
	return c.Accept(id.ParentName, func(a *Aggregate) {
		if _, seen := a.ServerVersions[id.InstanceID]; !seen {
			a.Installs++
		}
		a.ServerVersions[id.InstanceID] = version
	})
}

// RecordRuntimeVersion notes the runtime (JVM) major version of an instance.
func (c *Collector) RecordRuntimeVersion(id *CloudID, version string) error {
	return c.Accept(id.ParentName, func(a *Aggregate) {
		a.RuntimeVersions[id.InstanceID] = version
	})
}

// RecordProductVersion notes which stored release an instance runs.
func (c *Collector) RecordProductVersion(id *CloudID, version string) error {
	return c.Accept(id.ParentName, func(a *Aggregate) {
		a.ProductVersions[id.InstanceID] = version
	})
}

// RecordCountry notes the self-reported country of an instance.
func (c *Collector) RecordCountry(id *CloudID, country string) error {
	return c.Accept(id.ParentName, func(a *Aggregate) {
		a.Countries[id.InstanceID] = country
	})
}

// RecordPlatform notes the Minecraft platform an instance hosts.
func (c *Collector) RecordPlatform(id *CloudID, platform string) error {
	return c.Accept(id.ParentName, func(a *Aggregate) {
		a.Platforms[id.InstanceID] = platform
	})
}

// Dirty reports whether the state changed since the last MarkClean.
func (c *Collector) Dirty() bool {
	return c.dirty.Load()
}

// MarkClean resets the dirty flag. The flush job clears the flag before it
// snapshots, so reports accepted while a persist is in flight re-arm it for
// the next cycle.
func (c *Collector) MarkClean() {
	c.dirty.Store(false)
}

// markDirty re-arms the flag without a state change. Used by the flush job
// when a persist attempt fails after the flag was already cleared.
func (c *Collector) markDirty() {
	c.dirty.Store(true)
}

// Snapshot serializes the complete collector state.
func (c *Collector) Snapshot() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(c.state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode telemetry snapshot: %w", err)
	}
	return data, nil
}

// Restore replaces the collector state with a previously persisted snapshot.
func (c *Collector) Restore(data []byte) error {
	var restored state
	if err := json.Unmarshal(data, &restored); err != nil {
		return fmt.Errorf("failed to decode telemetry snapshot: %w", err)
	}
	if restored.Lines == nil {
		restored.Lines = make(map[string]*Aggregate)
	}
	if restored.Global == nil {
		restored.Global = newAggregate()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = &restored
	return nil
}

// LineAggregate returns a deep copy of one line's aggregate, or nil for an
// unknown line. Used by tests and debugging endpoints.
func (c *Collector) LineAggregate(line string) *Aggregate {
	c.mu.Lock()
	defer c.mu.Unlock()
	agg, ok := c.state.Lines[line]
	if !ok {
		return nil
	}
	return copyAggregate(agg)
}

// GlobalAggregate returns a deep copy of the global aggregate.
func (c *Collector) GlobalAggregate() *Aggregate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyAggregate(c.state.Global)
}

func copyAggregate(a *Aggregate) *Aggregate {
	cp := newAggregate()
	cp.Installs = a.Installs
	for k, v := range a.ServerVersions {
		cp.ServerVersions[k] = v
	}
	for k, v := range a.RuntimeVersions {
		cp.RuntimeVersions[k] = v
	}
	for k, v := range a.ProductVersions {
		cp.ProductVersions[k] = v
	}
	for k, v := range a.Countries {
		cp.Countries[k] = v
	}
	for k, v := range a.Platforms {
		cp.Platforms[k] = v
	}
	return cp
}
