package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"

	"github.com/conductorone/baton-rolebatch/pkg/metrics"
)

const (
	otelStdoutMetricsFlag = "otel-stdout-metrics"
	prometheusListenFlag  = "prometheus-listen"

	meterName           = "baton-rolebatch"
	otelExportInterval  = 10 * time.Second
	metricsReadTimeout  = 5 * time.Second
	metricsShutdownWait = 5 * time.Second
)

// newMetricsHandler picks the metrics backend from flags. Without either flag
// metrics are discarded.
func newMetricsHandler(ctx context.Context, v *viper.Viper) (metrics.Handler, func(context.Context) error, error) {
	otelStdout := v.GetBool(otelStdoutMetricsFlag)
	promAddr := v.GetString(prometheusListenFlag)

	switch {
	case otelStdout && promAddr != "":
		return nil, nil, errors.New("--otel-stdout-metrics and --prometheus-listen are mutually exclusive")
	case otelStdout:
		return newOtelStdoutHandler(ctx)
	case promAddr != "":
		return newPrometheusHandler(ctx, promAddr)
	default:
		return metrics.NewNoOpHandler(ctx), nil, nil
	}
}

func newOtelStdoutHandler(ctx context.Context) (metrics.Handler, func(context.Context) error, error) {
	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(otelExportInterval))),
	)

	return metrics.NewOtelHandler(ctx, provider, meterName), provider.Shutdown, nil
}

func newPrometheusHandler(ctx context.Context, addr string) (metrics.Handler, func(context.Context) error, error) {
	l := ctxzap.Extract(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("prometheus listener stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	l.Info("serving prometheus metrics", zap.String("addr", addr))

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, metricsShutdownWait)
		defer cancel()
		return srv.Shutdown(ctx)
	}

	return metrics.NewPrometheusHandler(ctx, reg, ""), shutdown, nil
}
