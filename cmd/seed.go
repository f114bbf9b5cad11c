package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
)

// newSeedCmd creates the 'seed' subcommand, which loads payloads into the
// configured backlog without running the pipeline.
func newSeedCmd() *cobra.Command {
	var (
		file  string
		depth int
	)
	cmd := &cobra.Command{
		Use:   "seed [payload...]",
		Short: "Add seeds to the configured backlog",
		Long: `Appends seeds to the file or postgres backlog. Payloads come from the
arguments and, with --file, one per line (blank lines and # comments are
skipped). Each seed gets a fresh ID.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			payloads := append([]string(nil), args...)
			if file != "" {
				lines, err := readPayloads(file)
				if err != nil {
					return err
				}
				payloads = append(payloads, lines...)
			}
			if len(payloads) == 0 {
				return fmt.Errorf("no seeds given")
			}
			seeds := make([]crawler.Seed, 0, len(payloads))
			for _, p := range payloads {
				seeds = append(seeds, crawler.Seed{Payload: p, Depth: depth})
			}
			n, err := appInstance.AppendSeeds(cmd.Context(), seeds...)
			if err != nil {
				return fmt.Errorf("add seeds: %w", err)
			}
			appInstance.Logger().Info("seeds added", zap.Int("added", n), zap.Int("given", len(seeds)))
			fmt.Fprintf(cmd.OutOrStdout(), "added %d seeds\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "read payloads from this file, one per line")
	cmd.Flags().IntVar(&depth, "depth", 0, "starting depth for the new seeds")
	return cmd
}

func readPayloads(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return out, nil
}
