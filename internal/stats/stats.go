// Package stats exposes gateway counters over expvar. Deltas are queued
// through a buffered channel and applied by a single goroutine, so hot
// paths never contend on the expvar map.
package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"time"
)

// StatsProvider is the counter surface the gateway records against.
type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

const deltaBuffer = 512

type counterDelta struct {
	name  string
	delta int64
}

type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan counterDelta
}

// NewStatsUpdater publishes the process metrics map and mounts its JSON
// dump at /debug/vars.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		vars:       expvar.NewMap("metrotales-stats"),
		updateChan: make(chan counterDelta, deltaBuffer),
	}
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.serveVars))

	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))

	return su
}

func (su *StatsUpdater) serveVars(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	out := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		out[kv.Key] = value
	})

	json.NewEncoder(w).Encode(out)
}

// RegisterMetric publishes a named counter. Every counter must be
// registered before its first Incr or Decr.
func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, expvar.NewInt(name))
}

func (su *StatsUpdater) Incr(name string) {
	su.updateChan <- counterDelta{name: name, delta: 1}
}

func (su *StatsUpdater) Decr(name string) {
	su.updateChan <- counterDelta{name: name, delta: -1}
}

// Run starts the apply loop. Stop closes the delta channel, which ends it.
func (su *StatsUpdater) Run() {
	go func() {
		for d := range su.updateChan {
			metric := su.vars.Get(d.name)
			if metric == nil {
				panic("unregistered metric: " + d.name)
			}

			metric.(*expvar.Int).Add(d.delta)
		}
	}()
}

func (su *StatsUpdater) Stop() {
	close(su.updateChan)
}
