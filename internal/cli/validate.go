package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/graphcache/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool                       `json:"valid"`
	Errors []compiler.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <schema-dir>",
		Short: "Validate a CUE schema",
		Long: `Validate the CUE schema in a directory without writing output.

Checks that every type identity compiles, reducer names are known, plans
reference declared types and root keys match their plan type.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, schemaDir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	errs, err := ValidateSchemaDir(schemaDir, formatter)
	if err != nil {
		var loadErr *LoadError
		if errors.As(err, &loadErr) && loadErr.Code != ErrCodeNotFound && loadErr.Code != ErrCodeNoFiles {
			// A schema that loads but does not compile is a validation failure.
			errs = []compiler.ValidationError{{
				Field:   "schema",
				Message: loadErr.Message,
				Code:    loadErr.Code,
				Line:    loadErr.Line(),
			}}
		} else {
			return outputLoadError(formatter, err)
		}
	}

	if len(errs) > 0 {
		return outputValidationErrors(formatter, errs)
	}

	if formatter.JSON() {
		return formatter.Success(ValidationResult{Valid: true})
	}
	fmt.Fprintln(formatter.Writer, "✓ Schema valid")
	return nil
}

// ValidateSchemaDir loads and validates the schema in schemaDir. A non-nil
// error means the schema could not be loaded or compiled.
func ValidateSchemaDir(schemaDir string, formatter *OutputFormatter) ([]compiler.ValidationError, error) {
	loadResult, err := LoadSchemaDir(schemaDir)
	if err != nil {
		return nil, err
	}
	if formatter != nil {
		formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, schemaDir)
		for _, t := range loadResult.Schema.Types {
			formatter.VerboseLog("Validating type: %s", t.Name)
		}
		for _, p := range loadResult.Schema.Plans {
			formatter.VerboseLog("Validating plan: %s", p.Name)
		}
	}
	return compiler.Validate(loadResult.Schema), nil
}

// outputValidationErrors reports validation errors with exit code 1.
func outputValidationErrors(formatter *OutputFormatter, errs []compiler.ValidationError) error {
	exitErr := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))

	if formatter.JSON() {
		result := ValidationResult{Valid: false, Errors: errs}
		if err := formatter.Failure(errs[0].Code, errs[0].Message, result); err != nil {
			return err
		}
		return exitErr
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, err := range errs {
		if err.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", err.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n\n", err.Code, err.Field, err.Message)
	}
	return exitErr
}
