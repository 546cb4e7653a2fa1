package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jamiealquiza/tachymeter"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v3"

	"github.com/vango-dev/nest"
	"github.com/vango-dev/nest/pkg/batch"
	"github.com/vango-dev/nest/pkg/remote"
	"github.com/vango-dev/nest/pkg/remote/memremote"
)

const (
	childrenKey  = "children"
	itersKey     = "iters"
	delayKey     = "delay"
	immediateKey = "immediate"
)

func main() {
	cmd := &cli.Command{
		Name:  "nestbench",
		Usage: "Measure completion and drain latency of nested subscriptions",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  childrenKey,
				Usage: "Children per list, one run per value",
				Value: []string{"10", "100", "1000"},
			},
			&cli.UintFlag{
				Name:  itersKey,
				Usage: "Iterations per run",
				Value: 50,
			},
			&cli.DurationFlag{
				Name:  delayKey,
				Usage: "Queue quiet period",
				Value: batch.DefaultDelay,
			},
			&cli.BoolFlag{
				Name:  immediateKey,
				Usage: "Disable batching",
			},
		},
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	start := time.Now()
	log.Printf("nestbench started")
	defer func() {
		log.Printf("nestbench finished in %v", time.Since(start))
	}()

	queue := batch.Config{
		Delay:     cmd.Duration(delayKey),
		Immediate: cmd.Bool(immediateKey),
	}
	iters := int(cmd.Uint(itersKey))

	tbl := table.NewWriter()
	tbl.SetTitle("Nested subscriptions")
	tbl.SetOutputMirror(os.Stdout)
	tbl.AppendHeader(table.Row{"benchmark", "children", "avg", "min", "p75", "p99", "max", "rate/s"})

	for _, s := range cmd.StringSlice(childrenKey) {
		children, err := strconv.Atoi(s)
		if err != nil || children <= 0 {
			return fmt.Errorf("nestbench: bad --%s value %q", childrenKey, s)
		}

		b, err := newBench(children, queue)
		if err != nil {
			return err
		}
		log.Printf("running %s children", humanize.Comma(int64(children)))

		completion, err := b.completion(ctx, iters)
		if err != nil {
			b.close()
			return err
		}
		tbl.AppendRow(row("completion", children, completion))

		drain, err := b.drain(ctx, iters)
		b.close()
		if err != nil {
			return err
		}
		tbl.AppendRow(row("drain", children, drain))
	}

	tbl.Render()
	return nil
}

func row(name string, children int, calc *tachymeter.Metrics) table.Row {
	return table.Row{
		name,
		humanize.Comma(int64(children)),
		calc.Time.Avg,
		calc.Time.Min,
		calc.Time.P75,
		calc.Time.P99,
		calc.Time.Max,
		humanize.CommafWithDigits(calc.Rate.Second, 1),
	}
}

// bench is an in-memory tree of one list whose children each own a
// dependent value subscription.
type bench struct {
	svc      *memremote.Service
	engine   *nest.Engine
	children int
}

func newBench(children int, queue batch.Config) (*bench, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	items := make(map[string]any, children)
	users := make(map[string]any, children)
	for i := 0; i < children; i++ {
		id := fmt.Sprintf("u%06d", i)
		items[fmt.Sprintf("m%06d", i)] = map[string]any{"uid": id, "n": i}
		users[id] = map[string]any{"name": id}
	}

	svc := memremote.New(memremote.WithLogger(logger))
	if err := svc.Load(map[string]any{"items": items, "users": users}); err != nil {
		return nil, err
	}
	return &bench{
		svc:      svc,
		engine:   nest.New(svc, nest.Config{Queue: queue, Logger: logger}),
		children: children,
	}, nil
}

func (b *bench) close() {
	b.engine.Close()
	b.svc.Close()
}

func itemsDesc() nest.Descriptor {
	return nest.Descriptor{
		Key:  "items",
		Mode: nest.AsList,
		Path: "items",
		ChildSubs: func(_ string, child any) []nest.Descriptor {
			m, _ := child.(map[string]any)
			uid, _ := m["uid"].(string)
			if uid == "" {
				return nil
			}
			return []nest.Descriptor{{
				Key:  "user_" + uid,
				Mode: nest.AsValue,
				Path: remote.Join("users", uid),
			}}
		},
	}
}

// completion times a subscribe call until every dependent has loaded.
func (b *bench) completion(ctx context.Context, iters int) (*tachymeter.Metrics, error) {
	tach := tachymeter.New(&tachymeter.Config{Size: iters})
	for i := 0; i < iters; i++ {
		start := time.Now()
		cancel, comp := b.engine.SubscribeWithCompletion(itemsDesc())
		if err := comp.Wait(ctx); err != nil {
			cancel()
			return nil, err
		}
		tach.AddTime(time.Since(start))
		<-cancel()
	}
	return tach.Calc(), nil
}

// drain times a remote write until its data notice is delivered.
func (b *bench) drain(ctx context.Context, iters int) (*tachymeter.Metrics, error) {
	cancel, comp := b.engine.SubscribeWithCompletion(itemsDesc())
	defer cancel()
	if err := comp.Wait(ctx); err != nil {
		return nil, err
	}

	applied := make(chan struct{}, 1)
	stop := b.engine.Listen(func(n nest.Notice) {
		if n.Type == nest.NoticeData && n.Key == "items" && n.Data.Kind == remote.KindChildChanged {
			select {
			case applied <- struct{}{}:
			default:
			}
		}
	})
	defer stop()

	tach := tachymeter.New(&tachymeter.Config{Size: iters})
	for i := 0; i < iters; i++ {
		path := remote.Join("items", fmt.Sprintf("m%06d", i%b.children), "n")
		start := time.Now()
		if err := b.svc.Set(ctx, path, -i-1); err != nil {
			return nil, err
		}
		select {
		case <-applied:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
			return nil, fmt.Errorf("nestbench: no data notice for %s", path)
		}
		tach.AddTime(time.Since(start))
	}
	return tach.Calc(), nil
}
