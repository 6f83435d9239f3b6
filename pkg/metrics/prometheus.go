package metrics

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// promHandler maps the Handler interface onto Prometheus vectors. Prometheus
// needs label names up front, so a vector is registered per metric name on
// first use. A name must always be used with the same tag keys.
type promHandler struct {
	*promInstruments
	defaultTags map[string]string
}

type promInstruments struct {
	registerer prometheus.Registerer
	namespace  string

	mtx        sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

func NewPrometheusHandler(_ context.Context, registerer prometheus.Registerer, namespace string) Handler {
	return &promHandler{
		promInstruments: &promInstruments{
			registerer: registerer,
			namespace:  namespace,
			counters:   make(map[string]*prometheus.CounterVec),
			histograms: make(map[string]*prometheus.HistogramVec),
			gauges:     make(map[string]*prometheus.GaugeVec),
		},
	}
}

func promName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(strings.ToLower(name))
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func vecKey(name string, labels []string) string {
	return name + "{" + strings.Join(labels, ",") + "}"
}

// register returns the already-registered collector when another handler got there first.
func (p *promInstruments) register(c prometheus.Collector) prometheus.Collector {
	if err := p.registerer.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

func (p *promInstruments) counterVec(name string, help string, labels []string) *prometheus.CounterVec {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	key := vecKey(name, labels)
	if v, ok := p.counters[key]; ok {
		return v
	}
	v := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: p.namespace, Name: name, Help: help}, labels)
	v = p.register(v).(*prometheus.CounterVec)
	p.counters[key] = v
	return v
}

func (p *promInstruments) histogramVec(name string, help string, labels []string) *prometheus.HistogramVec {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	key := vecKey(name, labels)
	if v, ok := p.histograms[key]; ok {
		return v
	}
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: p.namespace,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
	}, labels)
	v = p.register(v).(*prometheus.HistogramVec)
	p.histograms[key] = v
	return v
}

func (p *promInstruments) gaugeVec(name string, help string, labels []string) *prometheus.GaugeVec {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	key := vecKey(name, labels)
	if v, ok := p.gauges[key]; ok {
		return v
	}
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: p.namespace, Name: name, Help: help}, labels)
	v = p.register(v).(*prometheus.GaugeVec)
	p.gauges[key] = v
	return v
}

type promCounter struct {
	h    *promHandler
	name string
	help string
}

func (c *promCounter) Add(_ context.Context, value int64, tags map[string]string) {
	all := mergeTags(c.h.defaultTags, tags)
	c.h.counterVec(c.name, c.help, labelNames(all)).With(all).Add(float64(value))
}

type promHistogram struct {
	h    *promHandler
	name string
	help string
}

func (c *promHistogram) Record(_ context.Context, value int64, tags map[string]string) {
	all := mergeTags(c.h.defaultTags, tags)
	c.h.histogramVec(c.name, c.help, labelNames(all)).With(all).Observe(float64(value))
}

type promGauge struct {
	h    *promHandler
	name string
	help string
}

func (c *promGauge) Observe(_ context.Context, value int64, tags map[string]string) {
	all := mergeTags(c.h.defaultTags, tags)
	c.h.gaugeVec(c.name, c.help, labelNames(all)).With(all).Set(float64(value))
}

func (h *promHandler) Int64Counter(name string, description string, unit Unit) Int64Counter {
	return &promCounter{h: h, name: promName(name) + "_total", help: description}
}

func (h *promHandler) Int64Histogram(name string, description string, unit Unit) Int64Histogram {
	n := promName(name)
	if unit == Milliseconds {
		n += "_milliseconds"
	}
	return &promHistogram{h: h, name: n, help: description}
}

func (h *promHandler) Int64Gauge(name string, description string, unit Unit) Int64Gauge {
	return &promGauge{h: h, name: promName(name), help: description}
}

func (h *promHandler) WithTags(tags map[string]string) Handler {
	return &promHandler{
		promInstruments: h.promInstruments,
		defaultTags:     mergeTags(h.defaultTags, tags),
	}
}

var _ Handler = (*promHandler)(nil)
