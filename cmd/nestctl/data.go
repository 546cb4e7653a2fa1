package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/vango-dev/nest/internal/errors"
	"github.com/vango-dev/nest/pkg/remote"
)

// parseValue reads a JSON literal. Anything that isn't JSON is taken as a
// plain string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// withRemote dials the configured remote and runs fn against it.
func withRemote(opts *globalOptions, fn func(ctx context.Context, svc remote.Service) error) error {
	e, err := opts.load()
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
	if err := fn(ctx, client); err != nil {
		return errors.FromError(err, "N202")
	}
	return nil
}

func getCmd(opts *globalOptions) *cobra.Command {
	var (
		orderBy string
		child   string
		first   int
		last    int
	)

	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Read a value from the remote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := remote.Ref(args[0])
			if orderBy != "" {
				o, err := remote.ParseOrderBy(orderBy)
				if err != nil {
					return errors.New("N111").WithDetail(err.Error())
				}
				q.OrderBy = o
				q.Child = child
			}
			if first > 0 {
				q = q.First(first)
			}
			if last > 0 {
				q = q.Last(last)
			}

			return withRemote(opts, func(ctx context.Context, svc remote.Service) error {
				snap, err := svc.Get(ctx, q)
				if err != nil {
					return err
				}
				if !snap.Exists() {
					warn("%s does not exist", q)
					return nil
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(snap.Value)
			})
		},
	}

	cmd.Flags().StringVar(&orderBy, "order-by", "", "Order children by key, child or value")
	cmd.Flags().StringVar(&child, "child", "", "Child field for --order-by child")
	cmd.Flags().IntVar(&first, "first", 0, "Keep the first n children")
	cmd.Flags().IntVar(&last, "last", 0, "Keep the last n children")

	return cmd
}

func setCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <path> <json>",
		Short: "Replace the value at a path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRemote(opts, func(ctx context.Context, svc remote.Service) error {
				if err := svc.Set(ctx, args[0], parseValue(args[1])); err != nil {
					return err
				}
				success("Set %s", args[0])
				return nil
			})
		},
	}
}

func updateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "update <path> <json-object>",
		Short: "Merge children into the value at a path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, ok := parseValue(args[1]).(map[string]any)
			if !ok {
				return errors.New("N111").
					WithDetail("update takes a JSON object").
					WithSuggestion(`Try: nestctl update users/u1 '{"name":"Ann"}'`)
			}
			return withRemote(opts, func(ctx context.Context, svc remote.Service) error {
				if err := svc.Update(ctx, args[0], values); err != nil {
					return err
				}
				success("Updated %d children of %s", len(values), args[0])
				return nil
			})
		},
	}
}

func pushCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push <path> <json>",
		Short: "Append a child under a generated key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRemote(opts, func(ctx context.Context, svc remote.Service) error {
				key, err := svc.Push(ctx, args[0], parseValue(args[1]))
				if err != nil {
					return err
				}
				success("Pushed %s", remote.Join(args[0], key))
				return nil
			})
		},
	}
}

func removeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <path>",
		Aliases: []string{"rm"},
		Short:   "Delete the value at a path",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRemote(opts, func(ctx context.Context, svc remote.Service) error {
				if err := svc.Remove(ctx, args[0]); err != nil {
					return err
				}
				success("Removed %s", args[0])
				return nil
			})
		},
	}
}
