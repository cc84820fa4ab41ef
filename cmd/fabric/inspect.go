package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/eventfabric/pkg/config"
	"github.com/Mindburn-Labs/eventfabric/pkg/routing"
)

func newTrailsCmd(configPath *string) *cobra.Command {
	var (
		dialect string
		dsn     string
		limit   int
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "trails",
		Short: "List the strongest paths in a saved snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			sc := cfg.Snapshot
			if dialect != "" {
				sc.Dialect = dialect
			}
			if dsn != "" {
				sc.DSN = dsn
			}

			ctx := cmd.Context()
			store, err := openSnapshot(ctx, sc)
			if err != nil {
				return err
			}
			defer store.Close()

			trails, err := store.Load(ctx)
			if err != nil {
				return err
			}
			ps := routing.NewPheromoneStore(routing.NewMemoryBackend(), routing.StoreOptions{HalfLife: cfg.Pheromone.HalfLife})
			if err := ps.Restore(ctx, trails); err != nil {
				return err
			}
			top, err := ps.TopPaths(ctx, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(top)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "PATH\tSTRENGTH\tTIER")
			for _, p := range top {
				_, _ = fmt.Fprintf(tw, "%s\t%.3f\t%s\n", p.Path, p.Strength, p.Tier)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&dialect, "dialect", "", "snapshot dialect (sqlite or postgres); defaults to config")
	cmd.Flags().StringVar(&dsn, "dsn", "", "snapshot DSN; defaults to config")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of paths to show, 0 for all")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newTierCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tier <score>",
		Short: "Classify a pheromone score into its tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			score, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("score %q is not a number", args[0])
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), routing.ClassifyTier(score).String())
			return err
		},
	}
}
