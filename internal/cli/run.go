package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/graphcache/internal/harness"
	"github.com/roach88/graphcache/internal/ir"
)

// RunResult is the JSON payload of the run command.
type RunResult struct {
	Scenario string               `json:"scenario"`
	Pass     bool                 `json:"pass"`
	Trace    []harness.TraceEvent `json:"trace"`
	Errors   []string             `json:"errors,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run one cache scenario and print its trace",
		Long: `Run a scenario file against a fresh in-memory cache.

Every step and every subscriber notification is printed in order, followed
by the assertion results. Runs are deterministic: draft ids are sequential
and the clock is fixed.

Exit codes:
  0 - Scenario passed
  1 - A step or assertion failed
  2 - Scenario could not be loaded or run

Example:
  graphcache run ./scenarios/acme_rename.yaml
  graphcache run ./scenarios/acme_rename.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarioFile(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runScenarioFile(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return formatter.fail(ErrCodeScenario, "failed to load scenario", err)
	}
	formatter.VerboseLog("Running %s: %d step(s), %d assertion(s)", scenario.Name, len(scenario.Steps), len(scenario.Assertions))

	result, err := harness.Run(scenario)
	if err != nil {
		return formatter.fail(ErrCodeScenario, "failed to run scenario", err)
	}

	failed := NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed", scenario.Name))
	if formatter.JSON() {
		out := RunResult{Scenario: scenario.Name, Pass: result.Pass, Trace: result.Trace, Errors: result.Errors}
		if result.Pass {
			return formatter.Success(out)
		}
		if err := formatter.Failure(ErrCodeScenario, fmt.Sprintf("%d failure(s)", len(result.Errors)), out); err != nil {
			return err
		}
		return failed
	}

	w := formatter.Writer
	writeTrace(w, result.Trace)
	fmt.Fprintln(w)
	if result.Pass {
		fmt.Fprintf(w, "✓ %s\n", scenario.Name)
		return nil
	}
	fmt.Fprintf(w, "✗ %s\n", scenario.Name)
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
	return failed
}

// writeTrace prints one line per event:
//
//	[1] ingest -> Account:1
//	[1]   AccountName fulfilled {"Id":1,"Name":"Acme"}
func writeTrace(w io.Writer, trace []harness.TraceEvent) {
	for _, ev := range trace {
		switch ev.Type {
		case harness.EventOp:
			fmt.Fprintf(w, "[%d] %s", ev.Step, ev.Op)
			if ev.Result != "" {
				fmt.Fprintf(w, " -> %s", ev.Result)
			}
			if ev.Error != "" {
				fmt.Fprintf(w, " !%s", ev.Error)
			}
			fmt.Fprintln(w)
		case harness.EventNotify:
			fmt.Fprintf(w, "[%d]   %s %s", ev.Step, ev.Sub, ev.State)
			if ev.Data != nil {
				if data, err := ir.MarshalCanonical(ev.Data); err == nil {
					fmt.Fprintf(w, " %s", data)
				}
			}
			fmt.Fprintln(w)
		}
	}
}
