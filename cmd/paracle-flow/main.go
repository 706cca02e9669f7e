// Command paracle-flow is the operational CLI for the workflow engine.
//
// Usage:
//
//	paracle-flow validate plan.yaml       # validate a plan definition
//	paracle-flow history --run-id <id>    # inspect an archived run
//	paracle-flow history --workflow etl   # list recent runs of a workflow
//	paracle-flow version                  # show version information
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/IbIFACE-Tech/paracle-flow/config"
	"github.com/IbIFACE-Tech/paracle-flow/history"
	"github.com/IbIFACE-Tech/paracle-flow/workflow"
)

// Injected at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		runValidate(os.Args[2:])
	case "history":
		runHistory(os.Args[2:])
	case "version":
		fmt.Printf("paracle-flow %s (%s)\n", Version, GitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	verbose := fs.Bool("v", false, "print the dispatch order of each valid plan")
	fs.Parse(args)

	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "validate: at least one plan file is required")
		os.Exit(1)
	}

	failed := false
	for _, path := range fs.Args() {
		plan, err := decodePlanFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: INVALID: %v\n", path, err)
			failed = true
			continue
		}
		fmt.Printf("%s: OK (%d steps)\n", path, plan.Size())
		if *verbose {
			fmt.Printf("  dispatch order: %s\n", strings.Join(plan.StepIDs(), " -> "))
			for name, ref := range plan.Outputs() {
				fmt.Printf("  output %s <- %s\n", name, ref)
			}
		}
	}
	if failed {
		os.Exit(1)
	}
}

func decodePlanFile(path string) (*workflow.WorkflowPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if filepath.Ext(path) == ".json" {
		return workflow.DecodePlanJSON(data)
	}
	return workflow.DecodePlanYAML(data)
}

func runHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the engine config file")
	dbPath := fs.String("db", "", "history database path (overrides config)")
	runID := fs.String("run-id", "", "show a single archived run")
	workflowName := fs.String("workflow", "", "list recent runs of a workflow")
	limit := fs.Int("limit", 20, "maximum number of runs to list")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	path := cfg.History.Path
	if *dbPath != "" {
		path = *dbPath
	}

	store, err := history.Open(path, zap.NewNop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open history database %s: %v\n", path, err)
		os.Exit(1)
	}

	ctx := context.Background()
	switch {
	case *runID != "":
		record, err := store.Get(ctx, *runID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load run: %v\n", err)
			os.Exit(1)
		}
		printJSON(record)

	case *workflowName != "":
		records, err := store.ListByWorkflow(ctx, *workflowName, *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list runs: %v\n", err)
			os.Exit(1)
		}
		for _, r := range records {
			fmt.Printf("%s  %-10s  %s  started=%s\n",
				r.RunID, r.Status, r.Workflow, r.StartedAt.Format("2006-01-02T15:04:05"))
		}

	default:
		fmt.Fprintln(os.Stderr, "history: either --run-id or --workflow is required")
		os.Exit(1)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode output: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`paracle-flow - workflow orchestration engine

Commands:
  validate <plan.yaml|plan.json>...  Validate plan definitions
  history  --run-id <id>             Inspect an archived run
  history  --workflow <name>         List recent runs of a workflow
  version                            Show version information

Run "paracle-flow <command> -h" for command flags.
`)
}
