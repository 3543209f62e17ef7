// Package metrics aggregates proxy usage: total bytes relayed and visit
// counts per origin host.
//
// An Aggregator is shared by every session. The byte counter and each
// host's visit counter are updated atomically; the host index is guarded by
// a read-write mutex and remembers first-seen order so equal visit counts
// rank deterministically.
package metrics

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/atomic"
)

const (
	kib = 1024
	mib = 1024 * 1024
)

type Aggregator struct {
	bandwidth atomic.Uint64

	mu     sync.RWMutex
	order  []string
	visits map[string]*atomic.Uint64
}

// Site is one ranked entry of a snapshot.
type Site struct {
	URL    string `json:"url"`
	Visits uint64 `json:"visits"`
}

// Snapshot is the query view served on the metrics endpoint and logged at
// shutdown.
type Snapshot struct {
	BandwidthUsage string `json:"bandwidth_usage"`
	TopSites       []Site `json:"top_sites"`
}

func New() *Aggregator {
	return &Aggregator{visits: make(map[string]*atomic.Uint64)}
}

// Record adds bytes to the bandwidth counter and one visit to host.
func (a *Aggregator) Record(host string, bytes uint64) {
	a.bandwidth.Add(bytes)
	a.counter(host).Inc()
}

func (a *Aggregator) counter(host string) *atomic.Uint64 {
	a.mu.RLock()
	c, ok := a.visits[host]
	a.mu.RUnlock()
	if ok {
		return c
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.visits[host]; ok {
		return c
	}
	c = atomic.NewUint64(0)
	a.visits[host] = c
	a.order = append(a.order, host)
	return c
}

// BandwidthBytes returns the exact number of bytes recorded so far.
func (a *Aggregator) BandwidthBytes() uint64 {
	return a.bandwidth.Load()
}

// Visits returns the visit count for host, zero if it was never recorded.
func (a *Aggregator) Visits(host string) uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if c, ok := a.visits[host]; ok {
		return c.Load()
	}
	return 0
}

// Sites returns every host in first-seen order with its current count.
func (a *Aggregator) Sites() []Site {
	a.mu.RLock()
	defer a.mu.RUnlock()
	sites := make([]Site, 0, len(a.order))
	for _, host := range a.order {
		sites = append(sites, Site{URL: host, Visits: a.visits[host].Load()})
	}
	return sites
}

// Snapshot ranks hosts by visits, descending, keeping first-seen order among
// equal counts, and returns at most topN of them.
func (a *Aggregator) Snapshot(topN int) Snapshot {
	sites := a.Sites()
	sort.SliceStable(sites, func(i, j int) bool {
		return sites[i].Visits > sites[j].Visits
	})
	if topN < 0 {
		topN = 0
	}
	if len(sites) > topN {
		sites = sites[:topN]
	}
	return Snapshot{
		BandwidthUsage: FormatBandwidth(a.BandwidthBytes()),
		TopSites:       sites,
	}
}

// FormatBandwidth truncates to whole KB below 1 MiB and to whole MB above.
func FormatBandwidth(bytes uint64) string {
	if bytes < mib {
		return fmt.Sprintf("%dKB", bytes/kib)
	}
	return fmt.Sprintf("%dMB", bytes/mib)
}
