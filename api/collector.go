package api

import (
	"context"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmcleod/caledger/ledger"
)

// collectTimeout bounds the storage reads of a single scrape.
const collectTimeout = 5 * time.Second

// stateCollector reports ledger and allocator state read from storage at
// scrape time, so every process serving /metrics sees the shared store.
type stateCollector struct {
	ledger Ledger
	alloc  Allocator
	clock  clock.Clock

	up              *prometheus.Desc
	entries         *prometheus.Desc
	reservations    *prometheus.Desc
	oldestReserved  *prometheus.Desc
	releasedSerials *prometheus.Desc
}

// NewStateCollector returns a prometheus.Collector exporting the number of
// ledger entries by status and the allocator's outstanding reservations.
func NewStateCollector(l Ledger, alloc Allocator, clk clock.Clock) prometheus.Collector {
	labels := prometheus.Labels{"namespace": l.Namespace()}
	return &stateCollector{
		ledger: l,
		alloc:  alloc,
		clock:  clk,
		up: prometheus.NewDesc(
			"caledger_state_up",
			"Whether the last scrape could read the ledger and allocator state",
			nil, labels),
		entries: prometheus.NewDesc(
			"caledger_ledger_entries",
			"Number of ledger entries, labeled by status",
			[]string{"status"}, labels),
		reservations: prometheus.NewDesc(
			"caledger_allocator_reservations",
			"Number of reserved serials not yet committed or rolled back, across all instances",
			nil, labels),
		oldestReserved: prometheus.NewDesc(
			"caledger_allocator_oldest_reservation_age_seconds",
			"Age of the oldest outstanding reservation, 0 when there is none",
			nil, labels),
		releasedSerials: prometheus.NewDesc(
			"caledger_allocator_released_serials",
			"Number of rolled back serials waiting to be reissued",
			nil, labels),
	}
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.entries
	ch <- c.reservations
	ch <- c.oldestReserved
	ch <- c.releasedSerials
}

// Collect may run concurrently; it only reads.
func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	gauge := func(desc *prometheus.Desc, v float64, labelValues ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labelValues...)
	}

	st, err := c.alloc.State(ctx)
	if err != nil {
		gauge(c.up, 0)
		return
	}
	counts := map[ledger.Status]int{}
	for e, err := range c.ledger.Scan(ctx) {
		if err != nil {
			gauge(c.up, 0)
			return
		}
		counts[e.Status]++
	}

	gauge(c.up, 1)
	for _, s := range []ledger.Status{ledger.StatusValid, ledger.StatusRevoked, ledger.StatusExpired} {
		gauge(c.entries, float64(counts[s]), s.Name())
	}
	gauge(c.reservations, float64(len(st.Reserved)))
	var oldest time.Duration
	now := c.clock.Now()
	for _, r := range st.Reserved {
		oldest = max(oldest, now.Sub(r.ReservedAt))
	}
	gauge(c.oldestReserved, oldest.Seconds())
	gauge(c.releasedSerials, float64(len(st.Released)))
}
