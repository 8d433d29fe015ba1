package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"agora/api/internal/app"
)

var seedDryRun bool

// seedFile is the YAML layout accepted by seed.
type seedFile struct {
	Language  string         `yaml:"language"`
	Proposals []seedProposal `yaml:"proposals"`
}

type seedProposal struct {
	Title       string   `yaml:"title"`
	Content     string   `yaml:"content"`
	Description string   `yaml:"description"`
	Budget      float64  `yaml:"budget"`
	Tags        []string `yaml:"tags"`
	CreatedBy   string   `yaml:"created_by"`
}

func parseSeed(r io.Reader) ([]app.CreateInput, error) {
	var file seedFile
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("seed file is empty")
		}
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	inputs := make([]app.CreateInput, 0, len(file.Proposals))
	for _, p := range file.Proposals {
		inputs = append(inputs, app.CreateInput{
			Title:       p.Title,
			Content:     p.Content,
			Description: p.Description,
			Budget:      p.Budget,
			Tags:        p.Tags,
			CreatedBy:   p.CreatedBy,
			Language:    file.Language,
		})
	}
	return inputs, nil
}

var seedCmd = &cobra.Command{
	Use:   "seed <file.yaml>",
	Short: "Create the proposals listed in a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		inputs, err := parseSeed(f)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if seedDryRun {
			for _, in := range inputs {
				fmt.Fprintf(out, "would create %q\n", in.Title)
			}
			return nil
		}

		components, err := build(cmd.Context())
		if err != nil {
			return err
		}
		defer components.Close()

		green := color.New(color.FgGreen, color.Bold)
		red := color.New(color.FgRed, color.Bold)
		failed := 0
		for _, in := range inputs {
			result, err := components.Service.Create(cmd.Context(), in)
			if err != nil {
				failed++
				red.Fprint(out, "FAIL ")
				fmt.Fprintf(out, "%q: %v\n", in.Title, err)
				continue
			}
			green.Fprint(out, "OK   ")
			fmt.Fprintf(out, "%s %q (%s/%s)\n", result.Proposal.ID, result.Proposal.Title, result.Proposal.Category, result.Proposal.Risk)
		}
		// Mirror writes from Create run in the background; flush them before exiting.
		if components.Search.Configured() {
			if _, err := components.Search.ReindexAll(cmd.Context()); err != nil {
				color.New(color.FgYellow).Fprintf(out, "keyword mirror not updated: %v\n", err)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d proposals failed", failed, len(inputs))
		}
		return nil
	},
}

func init() {
	seedCmd.Flags().BoolVar(&seedDryRun, "dry-run", false, "Parse the file and list proposals without creating them")
	rootCmd.AddCommand(seedCmd)
}
