package metrics

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

type otelInstruments struct {
	meter otelmetric.Meter

	countersMtx sync.Mutex
	counters    map[string]otelmetric.Int64Counter
	histosMtx   sync.Mutex
	histos      map[string]otelmetric.Int64Histogram
	gaugesMtx   sync.Mutex
	gauges      map[string]*syncInt64Gauge
}

type otelHandler struct {
	*otelInstruments
	defaultTags map[string]string
}

func attributesFor(defaults map[string]string, tags map[string]string) attribute.Set {
	kvs := make([]attribute.KeyValue, 0, len(defaults)+len(tags))
	for k, v := range defaults {
		if _, ok := tags[k]; ok {
			continue
		}
		kvs = append(kvs, attribute.String(k, v))
	}
	for k, v := range tags {
		kvs = append(kvs, attribute.String(k, v))
	}
	return attribute.NewSet(kvs...)
}

type otelInt64Counter struct {
	c        otelmetric.Int64Counter
	defaults map[string]string
}

func (o *otelInt64Counter) Add(ctx context.Context, value int64, tags map[string]string) {
	o.c.Add(ctx, value, otelmetric.WithAttributeSet(attributesFor(o.defaults, tags)))
}

type otelInt64Histogram struct {
	h        otelmetric.Int64Histogram
	defaults map[string]string
}

func (o *otelInt64Histogram) Record(ctx context.Context, value int64, tags map[string]string) {
	o.h.Record(ctx, value, otelmetric.WithAttributeSet(attributesFor(o.defaults, tags)))
}

// syncInt64Gauge holds the last observed value per attribute set until the
// meter collects it.
type syncInt64Gauge struct {
	mtx    sync.Mutex
	values map[attribute.Distinct]gaugeValue
	gauge  otelmetric.Int64ObservableGauge
}

type gaugeValue struct {
	value int64
	attrs attribute.Set
}

type boundGauge struct {
	g        *syncInt64Gauge
	defaults map[string]string
}

func (b *boundGauge) Observe(_ context.Context, value int64, tags map[string]string) {
	attrs := attributesFor(b.defaults, tags)

	b.g.mtx.Lock()
	defer b.g.mtx.Unlock()
	b.g.values[attrs.Equivalent()] = gaugeValue{value: value, attrs: attrs}
}

func (h *otelHandler) Int64Histogram(name string, description string, unit Unit) Int64Histogram {
	h.histosMtx.Lock()
	defer h.histosMtx.Unlock()

	name = strings.ToLower(name)

	c, ok := h.histos[name]
	var err error
	if !ok {
		c, err = h.meter.Int64Histogram(name, otelmetric.WithDescription(description), otelmetric.WithUnit(string(unit)))
		if err != nil {
			panic(err)
		}
		h.histos[name] = c
	}

	return &otelInt64Histogram{h: c, defaults: h.defaultTags}
}

func (h *otelHandler) Int64Counter(name string, description string, unit Unit) Int64Counter {
	h.countersMtx.Lock()
	defer h.countersMtx.Unlock()

	name = strings.ToLower(name)

	c, ok := h.counters[name]
	var err error
	if !ok {
		c, err = h.meter.Int64Counter(name, otelmetric.WithDescription(description), otelmetric.WithUnit(string(unit)))
		if err != nil {
			panic(err)
		}
		h.counters[name] = c
	}

	return &otelInt64Counter{c: c, defaults: h.defaultTags}
}

func (h *otelHandler) Int64Gauge(name string, description string, unit Unit) Int64Gauge {
	h.gaugesMtx.Lock()
	defer h.gaugesMtx.Unlock()

	name = strings.ToLower(name)

	if g, ok := h.gauges[name]; ok {
		return &boundGauge{g: g, defaults: h.defaultTags}
	}

	g, err := h.meter.Int64ObservableGauge(name, otelmetric.WithDescription(description), otelmetric.WithUnit(string(unit)))
	if err != nil {
		panic(err)
	}
	newGauge := &syncInt64Gauge{gauge: g, values: make(map[attribute.Distinct]gaugeValue)}

	_, err = h.meter.RegisterCallback(func(_ context.Context, observer otelmetric.Observer) error {
		newGauge.mtx.Lock()
		defer newGauge.mtx.Unlock()
		for _, v := range newGauge.values {
			observer.ObserveInt64(newGauge.gauge, v.value, otelmetric.WithAttributeSet(v.attrs))
		}
		return nil
	}, newGauge.gauge)
	if err != nil {
		panic(err)
	}

	h.gauges[name] = newGauge

	return &boundGauge{g: newGauge, defaults: h.defaultTags}
}

func (h *otelHandler) WithTags(tags map[string]string) Handler {
	return &otelHandler{
		otelInstruments: h.otelInstruments,
		defaultTags:     mergeTags(h.defaultTags, tags),
	}
}

func NewOtelHandler(_ context.Context, provider otelmetric.MeterProvider, name string) Handler {
	return &otelHandler{
		otelInstruments: &otelInstruments{
			meter:    provider.Meter(name),
			counters: make(map[string]otelmetric.Int64Counter),
			histos:   make(map[string]otelmetric.Int64Histogram),
			gauges:   make(map[string]*syncInt64Gauge),
		},
	}
}

var _ Handler = (*otelHandler)(nil)
