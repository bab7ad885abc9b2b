package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/graphcache/internal/compiler"
	"github.com/roach88/graphcache/internal/plan"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompilationStats holds summary statistics.
type CompilationStats struct {
	TypeCount  int `json:"types"`
	PlanCount  int `json:"plans"`
	FieldCount int `json:"fields"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <schema-dir>",
		Short: "Compile a CUE schema to JSON",
		Long: `Compile the CUE schema in a directory: entity types with their identities
and reducers, and the named plans. The compiled schema is printed or, with
--output, written as indented JSON.

Example:
  graphcache compile ./schema -o schema.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, schemaDir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	loadResult, err := LoadSchemaDir(schemaDir)
	if err != nil {
		return outputLoadError(formatter, err)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, schemaDir)

	schema := loadResult.Schema
	stats := calculateStats(schema)

	if opts.Output != "" {
		if err := writeSchemaToFile(schema, opts.Output); err != nil {
			return formatter.fail(ErrCodeWriteFailed, "writing output file", err)
		}
		formatter.VerboseLog("Wrote %s", opts.Output)
	}

	if formatter.JSON() {
		return formatter.Success(schema)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ Compiled %d type(s), %d plan(s)\n\n", stats.TypeCount, stats.PlanCount)
	if len(schema.Types) > 0 {
		fmt.Fprintln(w, "Types:")
		for _, t := range schema.Types {
			fmt.Fprintf(w, "  %s: %s", t.Name, describeIdentity(t))
			if t.Reducer != "" {
				fmt.Fprintf(w, ", reducer %s", t.Reducer)
			}
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w)
	}
	if len(schema.Plans) > 0 {
		fmt.Fprintln(w, "Plans:")
		for _, p := range schema.Plans {
			fmt.Fprintf(w, "  %s: %s\n", p.Label(), describeFields(p.Fields))
		}
		fmt.Fprintln(w)
	}
	if opts.Output != "" {
		fmt.Fprintf(w, "Wrote compiled schema to %s\n", opts.Output)
	}
	return nil
}

// calculateStats counts types, plans and selected fields at every depth.
func calculateStats(s *compiler.Schema) CompilationStats {
	stats := CompilationStats{TypeCount: len(s.Types), PlanCount: len(s.Plans)}
	var count func([]plan.Field)
	count = func(fields []plan.Field) {
		for _, f := range fields {
			stats.FieldCount++
			count(f.Fields)
		}
	}
	for _, p := range s.Plans {
		count(p.Fields)
	}
	return stats
}

func describeIdentity(t compiler.TypeSpec) string {
	switch {
	case t.Identity.Expr != "":
		return "identity_expr " + t.Identity.Expr
	case len(t.Identity.Fields) > 0:
		return "identity " + strings.Join(t.Identity.Fields, "+")
	default:
		return "default identity"
	}
}

// describeFields renders a selection as Name, Owner{Email}, Items[Id].
func describeFields(fields []plan.Field) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		s := f.Name
		if f.Required {
			s += "!"
		}
		switch f.Kind {
		case plan.KindLink:
			s += "{" + describeFields(f.Fields) + "}"
		case plan.KindList:
			s += "[" + describeFields(f.Fields) + "]"
		}
		parts[i] = s
	}
	return strings.Join(parts, ", ")
}

// outputLoadError reports a schema load failure with exit code 2.
func outputLoadError(formatter *OutputFormatter, err error) error {
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		return formatter.fail(ErrCodeGeneric, err.Error(), nil)
	}
	if !formatter.JSON() && loadErr.Pos.IsValid() {
		fmt.Fprintf(formatter.Writer, "%s:%d:%d\n", loadErr.Pos.Filename(), loadErr.Pos.Line(), loadErr.Pos.Column())
	}
	return formatter.fail(loadErr.Code, loadErr.Message, nil)
}

// writeSchemaToFile writes the compiled schema as indented JSON.
func writeSchemaToFile(s *compiler.Schema, filename string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling schema: %w", err)
	}
	if err := os.WriteFile(filename, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}
