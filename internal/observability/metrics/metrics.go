// Package metrics exposes engine counters in the Prometheus text format
// without pulling in a client library.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type sweepKey struct {
	outcome string
}

type settleKey struct {
	result string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu            sync.Mutex
	sweepOutcomes map[sweepKey]uint64
	settleResults map[settleKey]uint64
	deaths        uint64
	payouts       map[string]uint64
	sweepDuration *histogram
}

var engineCollector = &collector{
	sweepOutcomes: make(map[sweepKey]uint64),
	settleResults: make(map[settleKey]uint64),
	payouts:       make(map[string]uint64),
	sweepDuration: newHistogram(),
}

// ObserveSweep records the outcome counts and duration of a monitor sweep.
func ObserveSweep(checked, skipped, opened, closed, died, errored int, duration time.Duration) {
	c := engineCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepOutcomes[sweepKey{"checked"}] += uint64(checked)
	c.sweepOutcomes[sweepKey{"skipped"}] += uint64(skipped)
	c.sweepOutcomes[sweepKey{"opened"}] += uint64(opened)
	c.sweepOutcomes[sweepKey{"closed"}] += uint64(closed)
	c.sweepOutcomes[sweepKey{"errored"}] += uint64(errored)
	c.deaths += uint64(died)
	c.sweepDuration.observe(duration.Seconds())
}

// ObserveSettlement records the result of one settlement pass.
func ObserveSettlement(settled, errored int) {
	c := engineCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settleResults[settleKey{"settled"}] += uint64(settled)
	c.settleResults[settleKey{"errored"}] += uint64(errored)
}

// ObservePayout records the terminal state of a payout request.
func ObservePayout(state string) {
	c := engineCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payouts[state]++
}

func newHistogram() *histogram {
	buckets := []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, engineCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP perpagent_sweep_outcomes_total Agent monitor sweep outcomes by kind.\n")
	builder.WriteString("# TYPE perpagent_sweep_outcomes_total counter\n")
	for _, key := range sortedSweepKeys(c.sweepOutcomes) {
		builder.WriteString(fmt.Sprintf("perpagent_sweep_outcomes_total{outcome=\"%s\"} %d\n",
			escape(key.outcome), c.sweepOutcomes[key]))
	}

	builder.WriteString("# HELP perpagent_agent_deaths_total Agents that ran out of fuel.\n")
	builder.WriteString("# TYPE perpagent_agent_deaths_total counter\n")
	builder.WriteString(fmt.Sprintf("perpagent_agent_deaths_total %d\n", c.deaths))

	builder.WriteString("# HELP perpagent_settlements_total Settlement pass results by kind.\n")
	builder.WriteString("# TYPE perpagent_settlements_total counter\n")
	for _, key := range sortedSettleKeys(c.settleResults) {
		builder.WriteString(fmt.Sprintf("perpagent_settlements_total{result=\"%s\"} %d\n",
			escape(key.result), c.settleResults[key]))
	}

	builder.WriteString("# HELP perpagent_payouts_total Payout requests by terminal state.\n")
	builder.WriteString("# TYPE perpagent_payouts_total counter\n")
	states := make([]string, 0, len(c.payouts))
	for state := range c.payouts {
		states = append(states, state)
	}
	sort.Strings(states)
	for _, state := range states {
		builder.WriteString(fmt.Sprintf("perpagent_payouts_total{state=\"%s\"} %d\n",
			escape(state), c.payouts[state]))
	}

	builder.WriteString("# HELP perpagent_sweep_duration_seconds Monitor sweep duration in seconds.\n")
	builder.WriteString("# TYPE perpagent_sweep_duration_seconds histogram\n")
	hist := c.sweepDuration
	for idx, bound := range hist.buckets {
		builder.WriteString(fmt.Sprintf("perpagent_sweep_duration_seconds_bucket{le=\"%s\"} %d\n",
			formatFloat(bound), hist.counts[idx]))
	}
	builder.WriteString(fmt.Sprintf("perpagent_sweep_duration_seconds_bucket{le=\"+Inf\"} %d\n", hist.count))
	builder.WriteString(fmt.Sprintf("perpagent_sweep_duration_seconds_sum %s\n", formatFloat(hist.sum)))
	builder.WriteString(fmt.Sprintf("perpagent_sweep_duration_seconds_count %d\n", hist.count))

	return builder.String()
}

func sortedSweepKeys(m map[sweepKey]uint64) []sweepKey {
	keys := make([]sweepKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].outcome < keys[j].outcome })
	return keys
}

func sortedSettleKeys(m map[settleKey]uint64) []settleKey {
	keys := make([]settleKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].result < keys[j].result })
	return keys
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
