package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/deepnoodle-ai/conductor"
	"github.com/deepnoodle-ai/conductor/executors"
	"github.com/fatih/color"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(os.Args[2:])
	case "list":
		err = listCommand(os.Args[2:])
	case "resume":
		err = resumeCommand(os.Args[2:])
	case "cancel":
		err = cancelCommand(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		color.Red("Unknown command %q", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Conductor - run and manage workflow executions

Usage: %s <command> [options]

Commands:
  run     Execute a YAML workflow definition
  list    List known executions
  resume  Resume a paused execution with a response
  cancel  Cancel an execution

Run '%s <command> -h' for command options.
`, os.Args[0], os.Args[0])
}

// kvFlags collects repeated key=value flags, parsing values as JSON when
// possible.
type kvFlags map[string]any

func (f kvFlags) String() string { return fmt.Sprintf("%v", map[string]any(f)) }

func (f kvFlags) Set(raw string) error {
	parts := strings.SplitN(raw, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid format %q, use key=value", raw)
	}
	var value any
	if err := json.Unmarshal([]byte(parts[1]), &value); err != nil {
		value = parts[1]
	}
	f[parts[0]] = value
	return nil
}

func setupLogger(verbose bool) *slog.Logger {
	if verbose {
		return conductor.NewLogger()
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func buildEngine(dataDir string, logger *slog.Logger) (*conductor.Engine, error) {
	checkpointer, err := conductor.NewFileCheckpointer(conductor.FileCheckpointerOptions{
		DataDir: filepath.Join(dataDir, "executions"),
	})
	if err != nil {
		return nil, err
	}
	store, err := conductor.NewFileRegistryStore(filepath.Join(dataDir, "registry"))
	if err != nil {
		return nil, err
	}
	registry, err := conductor.NewExecutionRegistry(context.Background(), conductor.RegistryOptions{
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	return conductor.NewEngine(conductor.EngineOptions{
		Executors:    executors.Defaults(),
		Backend:      conductor.NewMockBackend(),
		Checkpointer: checkpointer,
		Registry:     registry,
		Logger:       logger,
	})
}

func runCommand(args []string) error {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	file := flags.String("file", "", "Path to the YAML workflow definition file (required)")
	dataDir := flags.String("data", defaultDataDir(), "Directory for checkpoints and the execution registry")
	timeout := flags.Duration("timeout", 0, "Execution timeout (e.g. 30s, 5m)")
	verbose := flags.Bool("verbose", false, "Enable verbose logging")
	asJSON := flags.Bool("json", false, "Output results in JSON format")
	inputs := kvFlags{}
	flags.Var(inputs, "input", "Input parameter in key=value form (repeatable)")
	flags.Parse(args)

	if *file == "" {
		return fmt.Errorf("workflow file is required (-file)")
	}

	color.Blue("Loading workflow from: %s", *file)
	def, err := conductor.LoadFile(*file)
	if err != nil {
		return fmt.Errorf("failed to load workflow: %w", err)
	}
	color.Cyan("Workflow: %s", def.Name())
	if def.Description() != "" {
		color.White("Description: %s", def.Description())
	}

	logger := setupLogger(*verbose)
	engine, err := buildEngine(*dataDir, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
		color.Yellow("Timeout: %v", *timeout)
	}

	execution, err := engine.Start(ctx, def, conductor.StartOptions{Input: inputs})
	if err != nil {
		return err
	}
	color.Green("Execution started (ID: %s)", execution.ID())

	startTime := time.Now()
	runErr := execution.Wait()
	showResults(execution, runErr, time.Since(startTime), *asJSON)
	if runErr != nil {
		os.Exit(1)
	}
	return nil
}

func listCommand(args []string) error {
	flags := flag.NewFlagSet("list", flag.ExitOnError)
	dataDir := flags.String("data", defaultDataDir(), "Directory for checkpoints and the execution registry")
	owner := flags.String("owner", "", "Filter by owner id")
	status := flags.String("status", "", "Filter by status")
	search := flags.String("search", "", "Free-text filter over id and workflow name")
	limit := flags.Int("limit", 0, "Maximum entries to show")
	flags.Parse(args)

	store, err := conductor.NewFileRegistryStore(filepath.Join(*dataDir, "registry"))
	if err != nil {
		return err
	}
	registry, err := conductor.NewExecutionRegistry(context.Background(), conductor.RegistryOptions{Store: store})
	if err != nil {
		return err
	}

	entries := registry.List(conductor.ListFilter{
		OwnerID: *owner,
		Status:  conductor.ExecutionStatus(*status),
		Search:  *search,
		Limit:   *limit,
	})
	if len(entries) == 0 {
		color.Blue("No executions found")
		return nil
	}
	for _, entry := range entries {
		line := fmt.Sprintf("%s  %-10s  %s", entry.ExecutionID, entry.Status, entry.WorkflowName)
		switch entry.Status {
		case conductor.ExecutionStatusCompleted:
			color.Green("%s", line)
		case conductor.ExecutionStatusFailed, conductor.ExecutionStatusCancelled:
			color.Red("%s", line)
		case conductor.ExecutionStatusPaused:
			color.Yellow("%s", line)
		default:
			color.White("%s", line)
		}
	}
	return nil
}

func resumeCommand(args []string) error {
	flags := flag.NewFlagSet("resume", flag.ExitOnError)
	file := flags.String("file", "", "Path to the YAML workflow definition file (required)")
	dataDir := flags.String("data", defaultDataDir(), "Directory for checkpoints and the execution registry")
	executionID := flags.String("execution", "", "Execution id to resume (required)")
	checkpointID := flags.String("checkpoint", "", "Pending checkpoint id (defaults to the execution's pending checkpoint)")
	verbose := flags.Bool("verbose", false, "Enable verbose logging")
	asJSON := flags.Bool("json", false, "Output results in JSON format")
	response := kvFlags{}
	flags.Var(response, "response", "Response value in key=value form (repeatable)")
	flags.Parse(args)

	if *file == "" {
		return fmt.Errorf("workflow file is required (-file)")
	}
	if *executionID == "" {
		return fmt.Errorf("execution id is required (-execution)")
	}

	def, err := conductor.LoadFile(*file)
	if err != nil {
		return fmt.Errorf("failed to load workflow: %w", err)
	}
	logger := setupLogger(*verbose)
	engine, err := buildEngine(*dataDir, logger)
	if err != nil {
		return err
	}
	if err := engine.AddDefinition(def); err != nil {
		return err
	}

	ctx := context.Background()
	execution, err := engine.Resume(ctx, *executionID, *checkpointID, response)
	if err != nil {
		return err
	}
	color.Green("Execution resumed (ID: %s)", execution.ID())

	startTime := time.Now()
	runErr := execution.Wait()
	showResults(execution, runErr, time.Since(startTime), *asJSON)
	if runErr != nil {
		os.Exit(1)
	}
	return nil
}

func cancelCommand(args []string) error {
	flags := flag.NewFlagSet("cancel", flag.ExitOnError)
	dataDir := flags.String("data", defaultDataDir(), "Directory for checkpoints and the execution registry")
	executionID := flags.String("execution", "", "Execution id to cancel (required)")
	reason := flags.String("reason", "cancelled from the command line", "Cancellation reason")
	flags.Parse(args)

	if *executionID == "" {
		return fmt.Errorf("execution id is required (-execution)")
	}
	engine, err := buildEngine(*dataDir, setupLogger(false))
	if err != nil {
		return err
	}
	if err := engine.Cancel(context.Background(), *executionID, *reason); err != nil {
		return err
	}
	color.Green("Execution %s cancelled", *executionID)
	return nil
}

func defaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("Failed to get user home directory: %v", err)
	}
	return filepath.Join(homeDir, ".conductor")
}

func showResults(execution *conductor.Execution, err error, duration time.Duration, asJSON bool) {
	status := execution.Status()
	color.White("Finished in %v", duration)
	color.White("Status: %s", status)

	switch {
	case err != nil:
		color.Red("Error: %v", err)
	case status == conductor.ExecutionStatusPaused:
		if pending := execution.State().Pending(); pending != nil {
			color.Yellow("Paused on node %q (checkpoint %s)", pending.NodeID, pending.ID)
			if pending.Message != "" {
				color.Yellow("  %s", pending.Message)
			}
		}
	default:
		color.Green("Execution successful!")
	}

	data := execution.State().Data()
	if len(data) == 0 {
		return
	}
	fmt.Println()
	color.Magenta("State:")
	if asJSON {
		if encoded, err := json.MarshalIndent(data, "", "  "); err == nil {
			fmt.Println(string(encoded))
		}
		return
	}
	for key, value := range data {
		if encoded, err := json.Marshal(value); err == nil {
			fmt.Printf("  %s: %s\n", key, string(encoded))
		} else {
			fmt.Printf("  %s: %v\n", key, value)
		}
	}
}
