package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"agora/api/internal/app"
)

var healthModels bool

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check every dependency and report its status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		components, err := build(cmd.Context())
		if err != nil {
			return err
		}
		defer components.Close()

		readiness := components.Service.Ready(cmd.Context())
		printReadiness(cmd.OutOrStdout(), readiness)

		if healthModels {
			models := components.Service.Models(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "\nembedding models: %v\nchat models: %v\n", models.Embedding, models.Chat)
			if models.Error != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "model catalogue: %s\n", models.Error)
			}
		}
		if !readiness.Ready {
			return fmt.Errorf("not ready")
		}
		return nil
	},
}

func printReadiness(w io.Writer, r app.Readiness) {
	names := make([]string, 0, len(r.Checks))
	for name := range r.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		check := r.Checks[name]
		statusColor(check.Status).Fprintf(w, "%-13s", check.Status)
		fmt.Fprintf(w, "%-8s", name)
		switch {
		case check.Error != "":
			fmt.Fprintf(w, " %s", check.Error)
		case check.Detail != "":
			fmt.Fprintf(w, " %s", check.Detail)
		}
		fmt.Fprintln(w)
	}
}

func statusColor(status string) *color.Color {
	switch status {
	case "ok":
		return color.New(color.FgGreen, color.Bold)
	case "error":
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.FgYellow)
	}
}

func init() {
	healthCmd.Flags().BoolVar(&healthModels, "models", false, "Also list the AI proxy model catalogue")
	rootCmd.AddCommand(healthCmd)
}
