package main

import (
	"encoding/json"
	"sync"
	"sync/atomic"
)

// Metrics is the instrumentation hook: purely observational, never on the
// correctness path. Tests inject NopMetrics.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	Message(msgType string)
	Error(code string)
}

type NopMetrics struct{}

func (NopMetrics) ConnectionOpened()  {}
func (NopMetrics) ConnectionClosed()  {}
func (NopMetrics) Message(string)     {}
func (NopMetrics) Error(string)       {}

// CounterMetrics is the production sink: atomic totals plus per-type and
// per-code counters, served as JSON at /metrics.
type CounterMetrics struct {
	activeConns atomic.Int64
	totalConns  atomic.Int64

	mu       sync.Mutex
	messages map[string]int64
	errors   map[string]int64
}

func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{
		messages: make(map[string]int64),
		errors:   make(map[string]int64),
	}
}

func (m *CounterMetrics) ConnectionOpened() {
	m.activeConns.Add(1)
	m.totalConns.Add(1)
}

func (m *CounterMetrics) ConnectionClosed() {
	m.activeConns.Add(-1)
}

func (m *CounterMetrics) Message(msgType string) {
	m.mu.Lock()
	m.messages[msgType]++
	m.mu.Unlock()
}

func (m *CounterMetrics) Error(code string) {
	m.mu.Lock()
	m.errors[code]++
	m.mu.Unlock()
}

func (m *CounterMetrics) SnapshotJSON() []byte {
	m.mu.Lock()
	messages := make(map[string]int64, len(m.messages))
	for k, v := range m.messages {
		messages[k] = v
	}
	errs := make(map[string]int64, len(m.errors))
	for k, v := range m.errors {
		errs[k] = v
	}
	m.mu.Unlock()

	out, _ := json.Marshal(map[string]any{
		"active_connections": m.activeConns.Load(),
		"total_connections":  m.totalConns.Load(),
		"messages":           messages,
		"errors":             errs,
	})
	return out
}
