package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/testpilot-io/testpilot/pkg/coordinator"
	"github.com/testpilot-io/testpilot/pkg/engine"
	"github.com/testpilot-io/testpilot/pkg/report"
	"github.com/testpilot-io/testpilot/pkg/threshold"
)

var (
	planFile        string
	runOffline      bool
	reportFormat    string
	reportOutput    string
	failOnThreshold bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one performance test from a plan file",
	Long: `Run a single performance test described by a YAML plan file and print
its report. Interrupting the command cancels the run; the partial results are
still analyzed and reported.`,
	Example: `  testpilot run -f plan.yaml
  testpilot run -f plan.yaml --offline --format json -o report.json`,
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&planFile, "file", "f", "", "plan file (required)")
	runCmd.Flags().BoolVar(&runOffline, "offline", false, "skip LLM providers and use the fallback analysis")
	runCmd.Flags().StringVar(&reportFormat, "format", "markdown", "report format (markdown, json)")
	runCmd.Flags().StringVarP(&reportOutput, "output", "o", "", "write the report to this file instead of stdout")
	runCmd.Flags().BoolVar(&failOnThreshold, "fail-on-threshold", false, "exit non-zero when the verdict is fail")

	_ = runCmd.MarkFlagRequired("file")
}

// loadPlan reads a run request from a YAML plan file. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func loadPlan(r io.Reader) (coordinator.Request, error) {
	var req coordinator.Request

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return req, fmt.Errorf("plan is empty")
		}

		return req, fmt.Errorf("parsing plan: %w", err)
	}

	return req, nil
}

func renderReport(doc *report.Document, format string) ([]byte, error) {
	switch format {
	case "markdown", "md":
		return []byte(report.RenderMarkdown(doc)), nil
	case "json":
		return report.RenderJSON(doc)
	default:
		return nil, fmt.Errorf("unsupported report format %q", format)
	}
}

func runPlan(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(planFile)
	if err != nil {
		return fmt.Errorf("reading plan file: %w", err)
	}

	req, err := loadPlan(bytes.NewReader(data))
	if err != nil {
		return err
	}

	// Fail on a bad format before spending the run's duration.
	switch reportFormat {
	case "markdown", "md", "json":
	default:
		return fmt.Errorf("unsupported report format %q", reportFormat)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	opts := []engine.Option{engine.WithoutRecovery()}
	if runOffline {
		opts = append(opts, engine.WithOffline())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := engine.New(log, cfg, opts...)

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	defer func() {
		if err := eng.Stop(); err != nil {
			log.WithError(err).Warn("Engine stop error")
		}
	}()

	coord := eng.Coordinator()

	id, err := coord.Start(ctx, req)
	if err != nil {
		return fmt.Errorf("starting run: %w", err)
	}

	runLog := log.WithField("run_id", id)
	runLog.Info("Run started, press Ctrl+C to cancel")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			runLog.WithField("signal", sig).Warn("Cancelling run")

			if _, err := coord.Cancel(ctx, id); err != nil {
				runLog.WithError(err).Warn("Cancel failed")
			}
		case <-ctx.Done():
		}
	}()

	if err := coord.Wait(ctx, id); err != nil {
		return fmt.Errorf("waiting for run: %w", err)
	}

	doc, err := coord.Report(ctx, id)
	if err != nil {
		return fmt.Errorf("building report: %w", err)
	}

	out, err := renderReport(doc, reportFormat)
	if err != nil {
		return err
	}

	if reportOutput != "" {
		if err := os.WriteFile(reportOutput, out, 0o644); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}

		runLog.WithField("path", reportOutput).Info("Report written")
	} else if _, err := os.Stdout.Write(out); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}

	runLog.WithFields(logrus.Fields{
		"state":    doc.State,
		"verdict":  doc.Verdict.Overall,
		"requests": doc.Summary.TotalRequests,
	}).Info("Run finished")

	if failOnThreshold && doc.Verdict.Overall == threshold.Fail {
		return fmt.Errorf("run %s failed its thresholds", id)
	}

	return nil
}
