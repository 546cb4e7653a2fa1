package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vango-dev/nest/internal/errors"
	"github.com/vango-dev/nest/pkg/remote/memremote"
	"github.com/vango-dev/nest/pkg/remote/wsremote"
)

func serveCmd(opts *globalOptions) *cobra.Command {
	var (
		addr string
		seed string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an in-memory data tree over websockets",
		Long: `Start an in-memory remote that clients reach with wsremote.

Routes:
  /ws        websocket protocol
  /healthz   liveness and connection count
  /metrics   Prometheus metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				e.cfg.Serve.Addr = addr
			}
			if seed != "" {
				e.cfg.Serve.Seed = seed
			}
			return runServe(e)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (default from nest.json)")
	cmd.Flags().StringVar(&seed, "seed", "", "JSON file loaded into the tree at start")

	return cmd
}

func runServe(e *env) error {
	svc := memremote.New(memremote.WithLogger(e.logger.With("component", "memremote")))
	defer svc.Close()

	if path := e.cfg.Serve.Seed; path != "" {
		size, err := loadSeed(svc, path)
		if err != nil {
			return err
		}
		success("Seeded tree from %s (%s)", path, humanize.Bytes(uint64(size)))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	srv := wsremote.NewServer(svc, wsremote.ServerConfig{
		Logger: e.logger.With("component", "wsremote"),
	})
	defer srv.Close()

	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: e.cfg.Metrics.Namespace,
			Name:      "server_connections",
			Help:      "Number of open websocket connections",
		}, func() float64 { return float64(srv.Connections()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: e.cfg.Metrics.Namespace,
			Name:      "server_watches",
			Help:      "Number of open watches on the tree",
		}, func() float64 { return float64(svc.OpenWatches()) }),
	)

	router := srv.Router()
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{
		Addr:              e.cfg.Serve.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signalContext()
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	printBanner()
	success("Serving on %s", e.cfg.Serve.Addr)
	info("websocket  ws://localhost%s/ws", e.cfg.Serve.Addr)
	info("metrics    http://localhost%s/metrics", e.cfg.Serve.Addr)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.Newf(errors.CategoryCLI, "serve %s: %v", e.cfg.Serve.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Close()
	return httpSrv.Shutdown(shutdownCtx)
}

func loadSeed(svc *memremote.Service, path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.New("N102").WithPath(path).Wrap(err)
	}
	var data map[string]any
	if err := json.Unmarshal(b, &data); err != nil {
		return 0, errors.New("N102").
			WithPath(path).
			WithDetail("Seed file is not a JSON object: " + err.Error())
	}
	if err := svc.Load(data); err != nil {
		return 0, errors.New("N102").WithPath(path).Wrap(err)
	}
	return len(b), nil
}
