package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/nest/internal/errors"
	"github.com/vango-dev/nest/pkg/graph"
)

func graphCmd(opts *globalOptions) *cobra.Command {
	var (
		format  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "graph [descriptor-file]",
		Short: "Print the subscription graph of a descriptor file",
		Long: `Subscribe a descriptor file, wait for every dependent to load and
print the resulting subscription graph.

Formats:
  table   one row per key with refcount, state and dependents
  dot     Graphviz source, e.g. nestctl graph --format dot | dot -Tsvg
  json    nodes and edges`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			path := e.cfg.Descriptors
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return errors.New("N111").
					WithDetail("No descriptor file given").
					WithSuggestion("Pass a file or set descriptors in nest.json")
			}

			descs, err := e.descriptors(path)
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

			engine := e.engine(client, nil)
			defer engine.Close()

			cancel, comp := engine.SubscribeWithCompletion(descs...)
			defer cancel()

			waitCtx, done := context.WithTimeout(ctx, timeout)
			defer done()
			if err := comp.Wait(waitCtx); err != nil {
				return err
			}

			return printGraph(engine.ExportGraph(), format)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "o", "table", "Output format: table, dot or json")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for the tree")

	return cmd
}

func printGraph(g graph.Graph, format string) error {
	switch format {
	case "table":
		fmt.Println(graph.Table(g))
	case "dot":
		fmt.Print(graph.DOT(g))
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(g)
	default:
		return errors.New("N111").
			WithDetail(fmt.Sprintf("Unknown format %q", format)).
			WithSuggestion("Use table, dot or json")
	}
	return nil
}
