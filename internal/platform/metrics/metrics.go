package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Opts struct {
	Name string
	Help string
}

type collector interface {
	name() string
	writePrometheus(*strings.Builder)
}

// Registry renders its collectors in the Prometheus text exposition format.
type Registry struct {
	mu         sync.RWMutex
	collectors map[string]collector
}

func NewRegistry() *Registry {
	return &Registry{collectors: map[string]collector{}}
}

func (r *Registry) MustRegister(items ...collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range items {
		name := item.name()
		if _, exists := r.collectors[name]; exists {
			panic("metrics collector already registered: " + name)
		}
		r.collectors[name] = item
	}
}

// Render writes every collector, sorted by name.
func (r *Registry) Render() string {
	r.mu.RLock()
	names := make([]string, 0, len(r.collectors))
	for name := range r.collectors {
		names = append(names, name)
	}
	sort.Strings(names)
	ordered := make([]collector, 0, len(names))
	for _, name := range names {
		ordered = append(ordered, r.collectors[name])
	}
	r.mu.RUnlock()

	var sb strings.Builder
	for _, c := range ordered {
		c.writePrometheus(&sb)
	}
	return sb.String()
}

func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(r.Render()))
	})
}

var Default = NewRegistry()
var processStart = time.Now()

func DefaultHandler() http.Handler {
	return Default.Handler()
}

type GaugeFunc struct {
	opts Opts
	fn   func() float64
}

func NewGaugeFunc(opts Opts, fn func() float64) *GaugeFunc {
	return &GaugeFunc{opts: opts, fn: fn}
}

func (g *GaugeFunc) name() string { return g.opts.Name }

func (g *GaugeFunc) writePrometheus(sb *strings.Builder) {
	writeMetricHead(sb, g.opts.Name, "gauge", g.opts.Help)
	v := 0.0
	if g.fn != nil {
		v = g.fn()
	}
	fmt.Fprintf(sb, "%s %s\n", g.opts.Name, floatToString(v))
}

// CounterVec is a monotonically increasing counter partitioned by labels.
type CounterVec struct {
	opts       Opts
	labelNames []string

	mu     sync.RWMutex
	values map[string]float64
}

func NewCounterVec(opts Opts, labelNames ...string) *CounterVec {
	return &CounterVec{
		opts:       opts,
		labelNames: append([]string(nil), labelNames...),
		values:     map[string]float64{},
	}
}

func (c *CounterVec) name() string { return c.opts.Name }

func (c *CounterVec) WithLabelValues(values ...string) *Counter {
	return &Counter{parent: c, labelValues: values}
}

// Value reports the current count for one label combination.
func (c *CounterVec) Value(values ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[strings.Join(values, "\xff")]
}

func (c *CounterVec) add(labelValues []string, delta float64) {
	if len(labelValues) != len(c.labelNames) {
		return
	}
	key := strings.Join(labelValues, "\xff")
	c.mu.Lock()
	c.values[key] += delta
	c.mu.Unlock()
}

func (c *CounterVec) writePrometheus(sb *strings.Builder) {
	writeMetricHead(sb, c.opts.Name, "counter", c.opts.Help)

	c.mu.RLock()
	keys := make([]string, 0, len(c.values))
	for key := range c.values {
		keys = append(keys, key)
	}
	snapshot := make(map[string]float64, len(keys))
	for _, key := range keys {
		snapshot[key] = c.values[key]
	}
	c.mu.RUnlock()
	sort.Strings(keys)

	for _, key := range keys {
		labelValues := strings.Split(key, "\xff")
		sb.WriteString(c.opts.Name)
		if len(c.labelNames) > 0 {
			pairs := make([]string, len(c.labelNames))
			for idx, labelName := range c.labelNames {
				pairs[idx] = labelName + `="` + escapeLabelValue(labelValues[idx]) + `"`
			}
			sb.WriteString("{" + strings.Join(pairs, ",") + "}")
		}
		sb.WriteString(" " + floatToString(snapshot[key]) + "\n")
	}
}

type Counter struct {
	parent      *CounterVec
	labelValues []string
}

func (c *Counter) Add(v float64) {
	if c == nil || c.parent == nil || v < 0 {
		return
	}
	c.parent.add(c.labelValues, v)
}

func (c *Counter) Inc() { c.Add(1) }

func writeMetricHead(sb *strings.Builder, name, metricType, help string) {
	fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", name, metricType)
}

func floatToString(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func escapeLabelValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return v
}

func init() {
	Default.MustRegister(
		NewGaugeFunc(Opts{
			Name: "process_uptime_seconds",
			Help: "Seconds since process start.",
		}, func() float64 {
			return time.Since(processStart).Seconds()
		}),
		NewGaugeFunc(Opts{
			Name: "go_goroutines",
			Help: "Number of goroutines.",
		}, func() float64 {
			return float64(runtime.NumGoroutine())
		}),
	)
}
