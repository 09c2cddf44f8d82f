package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/houzhh15/tunnel-registry/importer"
	"github.com/houzhh15/tunnel-registry/wgconf"
)

func newImportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>...",
		Short: "Import .conf files or .zip archives of them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				out := cmd.OutOrStdout()

				total := &importer.BatchResult{}
				for _, path := range args {
					result, err := a.importer.ImportFile(path)
					if err != nil {
						total.Attempted++
						total.Failures = append(total.Failures, importer.EntryFailure{Entry: path, Err: err})
						continue
					}
					total.Attempted += result.Attempted
					total.Succeeded += result.Succeeded
					total.Keys = append(total.Keys, result.Keys...)
					total.Failures = append(total.Failures, result.Failures...)
				}

				fmt.Fprintf(out, "created %d of %d tunnels\n", total.Succeeded, total.Attempted)
				for _, f := range total.Failures {
					fmt.Fprintf(out, "  %s: %v\n", f.Entry, f.Err)
				}

				if total.Succeeded == 0 {
					return errors.New("no tunnels imported")
				}
				return nil
			})
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tunnels in registry order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "INDEX\tNAME\tSTATUS\tUPDATED")
				for i, rec := range a.registry.Snapshot() {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i, rec.Key, rec.Status, rec.UpdatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print a tunnel's configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				rec, err := a.registry.Get(args[0])
				if err != nil {
					return err
				}
				text, err := rec.Config.MarshalText()
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if cfg, ok := rec.Config.(*wgconf.Config); ok {
					if pub, err := cfg.PublicKey(); err == nil {
						fmt.Fprintf(out, "# PublicKey = %s\n", pub)
					}
				}
				_, err = out.Write(text)
				return err
			})
		},
	}
}

func newRemoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>...",
		Aliases: []string{"rm"},
		Short:   "Remove tunnels",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				var errs []error
				for _, name := range args {
					if err := a.registry.Remove(name); err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", name, err))
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", name)
				}
				return errors.Join(errs...)
			})
		},
	}
}

func newRenameCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <old> <new>",
		Short: "Rename a tunnel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				index, err := a.registry.Rename(args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "renamed %s to %s (index %d)\n", args[0], args[1], index)
				return nil
			})
		},
	}
}
