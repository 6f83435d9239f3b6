package cli

import (
	"context"
	"errors"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/conductorone/baton-rolebatch/pkg/config"
	"github.com/conductorone/baton-rolebatch/pkg/logging"
	"github.com/conductorone/baton-rolebatch/pkg/metrics"
)

// app is the state shared by every subcommand once flags have been parsed.
type app struct {
	config  *config.Config
	viper   *viper.Viper
	metrics *metrics.M

	shutdown []func(context.Context) error
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, v, err := config.Load(cmd)
	if err != nil {
		return err
	}

	ctx, err := logging.Init(cmd.Context(),
		logging.WithLogLevel(cfg.LogLevel),
		logging.WithLogFormat(cfg.LogFormat),
	)
	if err != nil {
		return err
	}

	handler, shutdown, err := newMetricsHandler(ctx, v)
	if err != nil {
		return err
	}
	if shutdown != nil {
		a.shutdown = append(a.shutdown, shutdown)
	}

	a.config = cfg
	a.viper = v
	a.metrics = metrics.New(handler)
	cmd.SetContext(ctx)

	return nil
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	for _, fn := range a.shutdown {
		errs = append(errs, fn(context.WithoutCancel(ctx)))
	}
	a.shutdown = nil

	err := errors.Join(errs...)
	if err != nil {
		ctxzap.Extract(ctx).Error("shutdown failed", zap.Error(err))
	}
	return err
}

// NewRootCommand builds the baton-rolebatch command tree.
func NewRootCommand(name string, version string) *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           name,
		Short:         "Rate-limited bulk tag grants and revokes for group members",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.close(cmd.Context())
		},
	}

	config.Flags(cmd.PersistentFlags())
	cmd.PersistentFlags().Bool(otelStdoutMetricsFlag, false, "Periodically export metrics to stderr through OpenTelemetry")
	cmd.PersistentFlags().String(prometheusListenFlag, "", "Serve Prometheus metrics on this address, e.g. :9090")

	cmd.AddCommand(runCmd(a))
	cmd.AddCommand(mockServerCmd(a))

	return cmd
}
