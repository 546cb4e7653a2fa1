package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/vango-dev/nest/internal/errors"
	"github.com/vango-dev/nest/pkg/snapshot"
)

func snapshotCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Dump, load and list cache snapshots",
		Long: `Snapshots are cache dumps stored in snapshot.dir, or in S3 when
snapshot.s3.bucket is set in nest.json.`,
	}

	cmd.AddCommand(
		snapshotDumpCmd(opts),
		snapshotLoadCmd(opts),
		snapshotShowCmd(opts),
		snapshotListCmd(opts),
	)

	return cmd
}

func snapshotDumpCmd(opts *globalOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "dump [descriptor-file]",
		Short: "Load a descriptor file and store its cache",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			path := e.cfg.Descriptors
			if len(args) == 1 {
				path = args[0]
			}
			descs, err := e.descriptors(path)
			if err != nil {
				return err
			}
			sink, err := e.sink()
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

			saved, err := sink.Save(ctx, engine.DumpSnapshot())
			if err != nil {
				return errors.New("N110").Wrap(err)
			}
			success("Saved %s", saved)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for the tree")

	return cmd
}

func snapshotLoadCmd(opts *globalOptions) *cobra.Command {
	wo := watchOptions{once: true, quiet: true}

	cmd := &cobra.Command{
		Use:   "load [name]",
		Short: "Seed a cache from a snapshot, then load the descriptor file",
		Long: `Seed a fresh cache from a snapshot (the latest when no name is given),
subscribe the descriptor file from nest.json and print the slots once the
remote has caught up.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			wo.restore = "latest"
			if len(args) == 1 {
				wo.restore = args[0]
			}
			if wo.descriptors == "" {
				wo.descriptors = e.cfg.Descriptors
			}
			if wo.descriptors == "" {
				return errors.New("N111").
					WithDetail("No descriptor file given").
					WithSuggestion("Pass --descriptors or set descriptors in nest.json")
			}
			return runWatch(e, wo)
		},
	}

	cmd.Flags().StringVar(&wo.descriptors, "descriptors", "", "Descriptor file (default from nest.json)")
	cmd.Flags().DurationVar(&wo.timeout, "timeout", 30*time.Second, "How long to wait for the tree")

	return cmd
}

func snapshotShowCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show [name]",
		Short: "Print a snapshot (the latest when no name is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			sink, err := e.sink()
			if err != nil {
				return err
			}
			var name string
			if len(args) == 1 {
				name = args[0]
			}
			data, err := sink.Load(cmd.Context(), name)
			if err != nil {
				return errors.New("N110").WithPath(name).Wrap(err)
			}
			b, err := snapshot.Encode(data)
			if err != nil {
				return errors.New("N110").Wrap(err)
			}
			fmt.Fprintln(os.Stdout, string(b))
			return nil
		},
	}
}

func snapshotListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			sink, err := e.sink()
			if err != nil {
				return err
			}
			infos, err := sink.List(cmd.Context())
			if err != nil {
				return errors.New("N110").Wrap(err)
			}
			if len(infos) == 0 {
				warn("No snapshots yet")
				return nil
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"name", "size", "created"})
			var total int64
			for _, in := range infos {
				total += in.Size
				table.Append([]string{in.Name, humanize.Bytes(uint64(in.Size)), humanize.Time(in.CreatedAt)})
			}
			table.SetFooter([]string{humanize.Comma(int64(len(infos))), humanize.Bytes(uint64(total)), ""})
			table.Render()
			return nil
		},
	}
}
