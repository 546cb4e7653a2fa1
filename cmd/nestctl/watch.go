package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vango-dev/nest"
	"github.com/vango-dev/nest/internal/errors"
	"github.com/vango-dev/nest/pkg/metrics"
	"github.com/vango-dev/nest/pkg/remote"
)

type watchOptions struct {
	descriptors string
	once        bool
	quiet       bool
	metrics     bool
	restore     string
	timeout     time.Duration
}

func watchCmd(opts *globalOptions) *cobra.Command {
	var wo watchOptions

	cmd := &cobra.Command{
		Use:   "watch [descriptor-file]",
		Short: "Subscribe a descriptor file and print changes",
		Long: `Subscribe every descriptor in a descriptor file against the remote
and print lifecycle and data notices as they are applied.

With --once the command waits for the whole tree to load, prints the
materialized slots and exits.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			wo.descriptors = e.cfg.Descriptors
			if len(args) == 1 {
				wo.descriptors = args[0]
			}
			if wo.descriptors == "" {
				return errors.New("N111").
					WithDetail("No descriptor file given").
					WithSuggestion("Pass a file or set descriptors in nest.json")
			}
			return runWatch(e, wo)
		},
	}

	cmd.Flags().BoolVar(&wo.once, "once", false, "Exit after the tree has loaded")
	cmd.Flags().BoolVarP(&wo.quiet, "quiet", "q", false, "Do not print data notices")
	cmd.Flags().BoolVar(&wo.metrics, "metrics", false, "Serve /metrics on metrics.addr")
	cmd.Flags().StringVar(&wo.restore, "restore", "", "Seed the cache from a snapshot (\"latest\" for the newest)")
	cmd.Flags().DurationVar(&wo.timeout, "timeout", 30*time.Second, "How long --once waits for the tree")

	return cmd
}

func runWatch(e *env, wo watchOptions) error {
	descs, err := e.descriptors(wo.descriptors)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	client, err := e.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	reg := prometheus.NewRegistry()
	collector := metrics.New(
		metrics.WithNamespace(e.cfg.Metrics.Namespace),
		metrics.WithRegistry(reg),
	)
	if wo.metrics && e.cfg.Metrics.Addr != "" {
		go serveMetrics(e, reg)
	}

	engine := e.engine(client, collector)
	defer engine.Close()

	if wo.restore != "" {
		if err := restore(ctx, e, engine, wo.restore); err != nil {
			return err
		}
	}

	if !wo.quiet {
		unlisten := engine.Listen(printNotice)
		defer unlisten()
	}

	start := time.Now()
	cancel, comp := engine.SubscribeWithCompletion(descs...)
	defer cancel()

	if wo.once {
		waitCtx, done := context.WithTimeout(ctx, wo.timeout)
		defer done()
		if err := comp.Wait(waitCtx); err != nil {
			return err
		}
		engine.Flush()
		success("Loaded %d subscriptions in %s", engine.Registry().Len(), time.Since(start).Round(time.Millisecond))
		printSlots(engine)
		return nil
	}

	go func() {
		if err := comp.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				errorMsg("%v", err)
			}
			return
		}
		success("Loaded %d subscriptions in %s", engine.Registry().Len(), time.Since(start).Round(time.Millisecond))
	}()

	select {
	case <-ctx.Done():
		info("Stopping...")
	case <-client.Done():
		warn("Remote connection closed")
	}
	return nil
}

func restore(ctx context.Context, e *env, engine *nest.Engine, name string) error {
	sink, err := e.sink()
	if err != nil {
		return err
	}
	if name == "latest" {
		name = ""
	}
	data, err := sink.Load(ctx, name)
	if err != nil {
		return errors.New("N110").WithPath(name).Wrap(err)
	}
	engine.LoadSnapshot(data)
	success("Restored %s slots", humanize.Comma(int64(len(data))))
	return nil
}

func serveMetrics(e *env, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: e.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	e.logger.Info("serving metrics", "addr", e.cfg.Metrics.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		e.logger.Error("metrics server stopped", "error", err)
	}
}

func printNotice(n nest.Notice) {
	switch n.Type {
	case nest.NoticeData:
		d := n.Data
		target := d.Key
		if d.Child != "" {
			target += "/" + d.Child
		}
		if d.Kind == remote.KindChildRemoved {
			info("%-16s %s", d.Kind, target)
			return
		}
		info("%-16s %s = %s", d.Kind, target, compact(d.Value))
	case nest.NoticeSubscribed:
		success("%s %s", n.Type, n.Key)
	case nest.NoticeUnsubscribed:
		warn("%s %s", n.Type, n.Key)
	}
}

func compact(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	if len(b) > 72 {
		return string(b[:69]) + "..."
	}
	return string(b)
}

func printSlots(engine *nest.Engine) {
	g := engine.ExportGraph()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"key", "mode", "path", "children", "value"})
	for _, n := range g.Nodes {
		slot := engine.GetData(n.ID)
		if slot == nil {
			table.Append([]string{n.ID, n.Mode, n.Path, "-", "-"})
			continue
		}
		table.Append([]string{
			n.ID,
			n.Mode,
			n.Path,
			humanize.Comma(int64(slot.Len())),
			compact(slot.Plain()),
		})
	}
	table.Render()
}
