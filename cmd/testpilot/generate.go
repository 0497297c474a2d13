package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/testpilot-io/testpilot/pkg/engine"
	"github.com/testpilot-io/testpilot/pkg/testgen"
)

var (
	genURL      string
	genProject  string
	genCount    int
	genType     string
	genPriority string
	genOffline  bool
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate test cases for a web page",
	Long: `Fetch a page, fingerprint it and store draft test cases for it in the
given project. The generated cases are printed as JSON.`,
	Example: `  testpilot generate --url https://shop.example --project web --count 5`,
	RunE:    runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)
	generateCmd.Flags().StringVar(&genURL, "url", "", "page URL (required)")
	generateCmd.Flags().StringVar(&genProject, "project", "", "project ID (required)")
	generateCmd.Flags().IntVar(&genCount, "count", 5,
		fmt.Sprintf("number of test cases (%d-%d)", testgen.MinTestCount, testgen.MaxTestCount))
	generateCmd.Flags().StringVar(&genType, "type", "", "test type of the generated cases")
	generateCmd.Flags().StringVar(&genPriority, "priority", "", "priority of the generated cases")
	generateCmd.Flags().BoolVar(&genOffline, "offline", false, "skip LLM providers and use stock test cases")

	_ = generateCmd.MarkFlagRequired("url")
	_ = generateCmd.MarkFlagRequired("project")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	req, err := testgen.Validate(testgen.Request{
		URL:       genURL,
		ProjectID: genProject,
		TestCount: genCount,
		TestType:  genType,
		Priority:  genPriority,
	})
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	opts := []engine.Option{engine.WithoutRecovery()}
	if genOffline {
		opts = append(opts, engine.WithOffline())
	}

	ctx := context.Background()
	eng := engine.New(log, cfg, opts...)

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	defer func() {
		if err := eng.Stop(); err != nil {
			log.WithError(err).Warn("Engine stop error")
		}
	}()

	res, err := eng.GenerateTestCases(ctx, req)
	if err != nil {
		return fmt.Errorf("generating test cases: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}

	return nil
}
