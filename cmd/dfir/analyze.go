package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/browser"
	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/ingest"
	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/orchestrator"
	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/store"
)

type analyzeOptions struct {
	format string
	title  string
	prompt string
	output string
	open   bool
}

func newAnalyzeCmd() *cobra.Command {
	var opts analyzeOptions
	cmd := &cobra.Command{
		Use:   "analyze <file>",
		Short: "Run one bundle through the pipeline and store the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVarP(&opts.format, "format", "f", "", "bundle format: json, ndjson, csv, xml, text (default: from extension)")
	cmd.Flags().StringVarP(&opts.title, "title", "t", "", "incident title (replaces the extracted one)")
	cmd.Flags().StringVarP(&opts.prompt, "prompt", "p", "", "analyst guidance passed to the model")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "also write report.html to this path")
	cmd.Flags().BoolVar(&opts.open, "open", false, "open the report in the default browser")
	return cmd
}

func runAnalyze(cmd *cobra.Command, path string, opts analyzeOptions) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var format ingest.Format
	if opts.format != "" {
		if format, err = ingest.ParseFormat(opts.format); err != nil {
			return err
		}
	}
	bundle, err := ingest.ReadFile(path, format)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(ctx, cfg, log, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer st.closeStore() //nolint:errcheck

	start := time.Now()
	fmt.Fprintf(os.Stderr, "[*] Analyzing %s (%s) with %s/%s...\n",
		bundle.Name, humanize.IBytes(uint64(bundle.ByteSize())), cfg.LLM.Provider, cfg.LLM.Model)

	id, err := st.orch.Submit(orchestrator.Submission{
		Bundle:        bundle,
		IncidentTitle: opts.title,
		Guidance:      opts.prompt,
	})
	if err != nil {
		return err
	}

	status, err := followRun(ctx, st.orch, id)
	if err != nil {
		return err
	}
	if status.Failure != nil {
		return status.Failure
	}

	rep, err := st.orch.Result(context.Background(), id)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "[*] %d event(s), %d extraction attempt(s)\n", status.Events, status.Attempt)
	fmt.Fprintf(os.Stderr, "[*] Report stored: %s\n", rep.Key)

	location := ""
	if fs, ok := st.store.(*store.FileStore); ok {
		location = filepath.Join(fs.Dir(), rep.Key, store.ReportFile)
		fmt.Fprintf(os.Stderr, "[*] Report file: %s\n", location)
	}
	if opts.output != "" {
		if err := os.WriteFile(opts.output, rep.HTML, 0644); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		location = opts.output
		fmt.Fprintf(os.Stderr, "[*] Report written: %s\n", opts.output)
	}
	fmt.Fprintf(os.Stderr, "[*] Total time: %s\n", time.Since(start).Round(time.Millisecond))

	if opts.open {
		if location == "" {
			tmp, err := os.CreateTemp("", "dfir-report-*.html")
			if err != nil {
				return err
			}
			tmp.Write(rep.HTML) //nolint:errcheck
			tmp.Close()
			location = tmp.Name()
		}
		if err := browser.Open(location); err != nil {
			log.WithError(err).Warn("could not open browser")
		}
	}

	fmt.Println(rep.Key)
	return nil
}

// followRun prints each state the run enters until it is terminal. An
// interrupt cancels the run, which stops at its next stage boundary.
func followRun(ctx context.Context, orch *orchestrator.Orchestrator, id string) (orchestrator.Status, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	done := ctx.Done()
	printed := 1 // idle
	for {
		st, err := orch.Status(id)
		if err != nil {
			return st, err
		}
		for ; printed < len(st.History); printed++ {
			printStage(st, printed)
		}
		if st.State.Terminal() {
			return st, nil
		}

		select {
		case <-done:
			fmt.Fprintln(os.Stderr, "[*] Interrupted, cancelling at the next stage boundary...")
			if err := orch.Cancel(id); err != nil {
				return st, err
			}
			done = nil
		case <-ticker.C:
		}
	}
}

func printStage(st orchestrator.Status, idx int) {
	state := st.History[idx]
	switch state {
	case orchestrator.StateExtracting:
		attempt := 0
		for _, s := range st.History[:idx+1] {
			if s == orchestrator.StateExtracting {
				attempt++
			}
		}
		fmt.Fprintf(os.Stderr, "[*] Extracting findings (attempt %d/%d)...\n", attempt, st.MaxAttempts)
	case orchestrator.StateFailed:
		if st.Failure != nil {
			fmt.Fprintf(os.Stderr, "[!] Failed during %s: %s\n", st.Failure.Stage, st.Failure.Reason)
		}
	case orchestrator.StateDone:
		fmt.Fprintln(os.Stderr, "[*] Done")
	default:
		fmt.Fprintf(os.Stderr, "[*] %s...\n", stageLabel(state))
	}
}

func stageLabel(s orchestrator.State) string {
	switch s {
	case orchestrator.StateIngesting:
		return "Normalizing bundle"
	case orchestrator.StateValidating:
		return "Validating findings"
	case orchestrator.StateRendering:
		return "Rendering report"
	default:
		return s.String()
	}
}
