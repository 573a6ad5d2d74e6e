package cli

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"fiscalcore/internal/backup"
	"fiscalcore/internal/blob"
	"fiscalcore/internal/core"
	"fiscalcore/internal/integrity"
	"fiscalcore/internal/logging"
)

const defaultBackupRoot = "./backups"

// runtime bundles the stores and services a command operates on.
type runtime struct {
	log     *logging.Logger
	service *core.Service
	scanner *integrity.Scanner
	backups *backup.Coordinator
}

// openRuntime builds the full stack from environment configuration and runs
// startup reconciliation so interrupted allocations are healed before any
// command touches the counter.
func openRuntime(ctx context.Context, opts *RootOptions) (*runtime, func(), error) {
	log, err := logging.New(opts.LogMode)
	if err != nil {
		return nil, nil, err
	}
	store, err := core.OpenPersistentStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	blobs, err := blob.Open(ctx)
	if err != nil {
		return nil, nil, err
	}
	obsOpts, obsClose, err := openObservability(log)
	if err != nil {
		return nil, nil, err
	}
	service := core.NewService(store, blobs, append([]core.Option{core.WithLogger(log)}, obsOpts...)...)
	if _, err := service.ReconcileReferences(ctx); err != nil {
		obsClose()
		return nil, nil, err
	}
	backupRoot := os.Getenv("FISCALCORE_BACKUP_ROOT")
	if backupRoot == "" {
		backupRoot = defaultBackupRoot
	}
	rt := &runtime{
		log:     log,
		service: service,
		scanner: integrity.New(store, blobs, log),
		backups: backup.New(store, blobs, backupRoot, log),
	}
	closer := func() {
		if c, ok := store.(io.Closer); ok {
			_ = c.Close()
		}
		obsClose()
		log.Sync()
	}
	return rt, closer, nil
}

// openObservability builds the optional metrics and tracing wiring from
// environment configuration. FISCALCORE_METRICS_ADDR serves prometheus
// counters on /metrics; FISCALCORE_TRACE_PATH appends completed spans as
// JSON lines.
func openObservability(log *logging.Logger) ([]core.Option, func(), error) {
	var opts []core.Option
	var closers []func()
	closeAll := func() {
		for _, fn := range closers {
			fn()
		}
	}
	if addr := os.Getenv("FISCALCORE_METRICS_ADDR"); addr != "" {
		reg := prometheus.NewRegistry()
		rec, err := core.NewPrometheusMetricsRecorder(reg)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, core.WithMetrics(rec))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("metrics listener stopped", "addr", addr, "error", err)
			}
		}()
		closers = append(closers, func() { _ = srv.Close() })
	}
	if path := os.Getenv("FISCALCORE_TRACE_PATH"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		opts = append(opts, core.WithTracer(core.NewJSONTracer(f)))
		closers = append(closers, func() { _ = f.Close() })
	}
	return opts, closeAll, nil
}

// emit writes v to the command's stdout honoring the --format flag. text uses
// the supplied human rendering, json marshals v.
func emit(cmd *cobra.Command, opts *RootOptions, v any, text func(io.Writer)) error {
	if opts.Format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(cmd.OutOrStdout())
	return nil
}
