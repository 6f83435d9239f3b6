package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/conductorone/baton-rolebatch/pkg/bulk"
	"github.com/conductorone/baton-rolebatch/pkg/events"
	"github.com/conductorone/baton-rolebatch/pkg/membership/memory"
	"github.com/conductorone/baton-rolebatch/pkg/membership/rediscache"
	"github.com/conductorone/baton-rolebatch/pkg/membership/restapi"
	"github.com/conductorone/baton-rolebatch/pkg/queue"
	"github.com/conductorone/baton-rolebatch/pkg/retry"
	"github.com/conductorone/baton-rolebatch/pkg/types/membership"
)

const queuedRequester = "cli"

func runCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Grant or revoke a tag for many principals of a group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd)
		},
	}

	fs := cmd.Flags()
	fs.String("group", "", "The group whose members are changed")
	fs.String("tag", "", "The tag to grant or revoke")
	fs.String("direction", "grant", "grant, revoke or toggle")
	fs.String("reason", "", "Reason recorded in the audit log of the membership API")
	fs.StringSlice("ids", nil, "Principal IDs to change")
	fs.String("ids-file", "", "Path to a yaml file listing principal IDs")
	fs.String("api-url", "", "Base URL of the membership API")
	fs.String("token", "", "Bot token for the membership API")
	fs.String("redis-addr", "", "Cache principal lookups across runs in this Redis instance")
	fs.Duration("redis-ttl", 5*time.Minute, "Lifetime of principal snapshots cached in Redis")
	fs.Bool("queue", false, "Feed principals through the priority queue in small batches instead of one bulk run")

	return cmd
}

func (a *app) run(cmd *cobra.Command) error {
	ctx := cmd.Context()
	v := a.viper
	l := ctxzap.Extract(ctx)

	d, err := membership.ParseDirection(v.GetString("direction"))
	if err != nil {
		return err
	}
	ids, err := readIDs(v.GetStringSlice("ids"), v.GetString("ids-file"))
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return errors.New("no principal ids given, use --ids or --ids-file")
	}
	if v.GetString("api-url") == "" {
		return errors.New("--api-url is required")
	}

	client, err := restapi.New(ctx, v.GetString("api-url"), restapi.WithToken(v.GetString("token")))
	if err != nil {
		return err
	}

	var lookup membership.Lookup = client
	var mutator membership.Mutator = client
	if addr := v.GetString("redis-addr"); addr != "" {
		rc := redis.NewClient(&redis.Options{Addr: addr})
		defer rc.Close()
		cache := rediscache.New(client, rc, rediscache.WithTTL(v.GetDuration("redis-ttl")))
		lookup = cache
		mutator = cache.Mutator(client)
	}

	bus := events.NewBus()
	bus.Subscribe(events.NewLogSubscriber())
	bus.Subscribe(a.metrics.Subscriber())

	bulkConfig := a.config.BulkConfig()
	exec := bulk.NewBatchExecutor(lookup, mutator, bulkConfig,
		bulk.WithEmitter(bus),
		bulk.WithMetrics(a.metrics),
		bulk.WithRetryer(retry.NewRetryer(a.config.RetryConfig(bus))),
	)

	req := membership.BulkRequest{
		GroupID:      v.GetString("group"),
		PrincipalIDs: ids,
		Tag:          v.GetString("tag"),
		Direction:    d,
		Reason:       v.GetString("reason"),
	}
	if err := req.Validate(); err != nil {
		return err
	}

	var summary *bulk.RunSummary
	if v.GetBool("queue") {
		summary = a.runQueued(ctx, exec, bus, req)
	} else {
		summary = bulk.NewChunkedExecutor(exec, bulkConfig, bulk.WithChunkEmitter(bus)).ExecuteRoleOperation(ctx, req)
	}

	if !summary.Complete() {
		l.Warn("run finished with failures",
			zap.String("run_id", summary.RunID),
			zap.Int("failed", summary.FailedCount),
			zap.Int("skipped", summary.Skipped),
		)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

// runQueued enqueues one item per principal and folds the resulting batch runs
// into a single summary.
func (a *app) runQueued(ctx context.Context, exec *bulk.BatchExecutor, bus *events.Bus, req membership.BulkRequest) *bulk.RunSummary {
	start := time.Now()
	summary := bulk.NewSummary(req, a.config.MaxErrors)

	reg := queue.NewRegistry(ctx, a.config.QueueConfig(), queue.WithEmitter(bus))
	defer reg.Close()

	var mtx sync.Mutex
	reg.Handle(queue.KindMutation, bulk.NewQueueHandler(exec, func(_ context.Context, _ queue.Key, s *bulk.RunSummary) {
		mtx.Lock()
		defer mtx.Unlock()
		summary.Merge(s)
	}))

	key := queue.Key{Operation: req.Direction.String(), GroupID: req.GroupID}
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, id := range req.PrincipalIDs {
		// A principal queued twice would land in different batches, which matters for toggles.
		if !seen.Add(id) {
			summary.NoOps++
			summary.Processed++
			continue
		}
		reg.Enqueue(key, &queue.Item{
			GroupID:     req.GroupID,
			PrincipalID: id,
			Tag:         req.Tag,
			Direction:   req.Direction,
			Reason:      req.Reason,
			RequestedBy: queuedRequester,
		}, queue.KindMutation)
	}
	reg.Wait()

	mtx.Lock()
	defer mtx.Unlock()
	// Items still queued when the context ends are dropped by the registry.
	if err := ctx.Err(); err != nil && summary.Processed < summary.TotalRequested {
		summary.FailRemaining(fmt.Errorf("queued run interrupted: %w", err))
	}
	summary.Duration = time.Since(start)
	return summary
}

func mockServerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Serve an in-memory membership API for local testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.mockServer(cmd)
		},
	}

	fs := cmd.Flags()
	fs.String("listen", "127.0.0.1:8080", "Address to listen on")
	fs.String("seed", "", "Path to a yaml file with the initial group members and tags")
	fs.String("token", "", "Require this bot token on every request")

	return cmd
}

func (a *app) mockServer(cmd *cobra.Command) error {
	ctx := cmd.Context()
	v := a.viper
	l := ctxzap.Extract(ctx)

	svc := memory.New()
	if path := v.GetString("seed"); path != "" {
		var err error
		svc, err = memory.LoadSeedFile(path)
		if err != nil {
			return fmt.Errorf("loading seed: %w", err)
		}
	}

	ln, err := net.Listen("tcp", v.GetString("listen"))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           svc.Handler(memory.WithToken(v.GetString("token")), memory.WithLogger(l)),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	l.Info("mock membership API listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
