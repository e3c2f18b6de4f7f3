package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/findings"
	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/reporter"
)

func newRenderCmd() *cobra.Command {
	var (
		output     string
		noSanitize bool
	)
	cmd := &cobra.Command{
		Use:   "render <findings.json>",
		Short: "Validate an existing findings document and render it offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRender(args[0], output, !noSanitize)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default: report.html next to the input)")
	cmd.Flags().BoolVar(&noSanitize, "no-sanitize", false, "keep HTML fields exactly as written")
	return cmd
}

func runRender(path, output string, sanitize bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	fields, err := findings.Decode(data)
	if err != nil {
		return err
	}

	doc, err := findings.NewValidator(sanitize).Validate(fields)
	if err != nil {
		var verr *findings.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintf(os.Stderr, "[!] %s has %d problem(s):\n", filepath.Base(path), verr.Count())
			for _, v := range verr.Violations() {
				fmt.Fprintf(os.Stderr, "    - %s\n", v)
			}
		}
		return err
	}

	renderer, err := reporter.New()
	if err != nil {
		return err
	}
	html, err := renderer.Render(doc)
	if err != nil {
		return err
	}

	if output == "" {
		output = filepath.Join(filepath.Dir(path), "report.html")
	}
	if err := os.WriteFile(output, html, 0644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	fmt.Fprintf(os.Stderr, "[*] Report generated: %s\n", output)
	return nil
}
