package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"agora/api/internal/reconcile"
)

var (
	reconcileRepair  bool
	reconcilePrune   bool
	reconcileReindex bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare the record store with the vector index",
	Long: `reconcile lists every proposal in both stores and reports records missing
from the index, index entities without a record, and mirrored fields that
differ. --repair rewrites the index from the record store; --prune deletes
index entities that have no record. --reindex rebuilds the Meilisearch keyword
mirror from the record store.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		components, err := build(cmd.Context())
		if err != nil {
			return err
		}
		defer components.Close()

		r := reconcile.New(components.Records, components.Index, components.Embedder, logger)
		report, err := r.Run(cmd.Context(), reconcile.Options{
			Collection: components.Service.Collection(),
			Repair:     reconcileRepair,
			Prune:      reconcilePrune,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		encoder := yaml.NewEncoder(out)
		encoder.SetIndent(2)
		if err := encoder.Encode(report); err != nil {
			return err
		}
		_ = encoder.Close()

		if report.Clean() {
			color.New(color.FgGreen, color.Bold).Fprintln(out, "stores agree")
		} else if !reconcileRepair && !reconcilePrune {
			color.New(color.FgYellow).Fprintln(out, "drift found; rerun with --repair and/or --prune")
		}
		if reconcileReindex {
			if !components.Search.Configured() {
				color.New(color.FgYellow).Fprintln(out, "MEILI_URL not set; no keyword mirror to reindex")
			} else {
				result, err := components.Search.ReindexAll(cmd.Context())
				if err != nil {
					return fmt.Errorf("reindex keyword mirror: %w", err)
				}
				fmt.Fprintf(out, "keyword mirror: %d indexed, %d removed\n", result.Indexed, result.Removed)
			}
		}
		if len(report.Failed) > 0 {
			return fmt.Errorf("%d repairs failed", len(report.Failed))
		}
		return nil
	},
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileRepair, "repair", false, "Write missing and drifted entities from the record store")
	reconcileCmd.Flags().BoolVar(&reconcilePrune, "prune", false, "Delete index entities that have no record")
	reconcileCmd.Flags().BoolVar(&reconcileReindex, "reindex", false, "Rebuild the Meilisearch keyword mirror from the record store")
	rootCmd.AddCommand(reconcileCmd)
}
