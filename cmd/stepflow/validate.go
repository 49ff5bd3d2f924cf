package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/loader"
	"github.com/rendis/stepflow/pkg/schema"
)

func newValidateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check workflow documents without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := root.load(cmd)
			if err != nil {
				return err
			}
			_, eng, err := newEngine(loader.New(), logger)
			if err != nil {
				return err
			}

			failed := 0
			for _, path := range args {
				if err := validateFile(cmd.Context(), eng, path); err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s\n%s\n", path, describe(err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok   %s\n", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d documents invalid", failed, len(args))
			}
			return nil
		},
	}
}

// validateFile parses and prepares one document. The file name, minus its
// extension, stands in for the trigger name.
func validateFile(ctx context.Context, eng *engine.Engine, path string) error {
	wf, err := loader.ParseFile(path)
	if err != nil {
		return err
	}
	_, err = eng.Prepare(ctx, wf, schema.TriggerEvent{Name: workflowIDFromPath(path)})
	return err
}

// describe renders a FlowError with its details, one issue per line.
func describe(err error) string {
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		return "  " + err.Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "  %s: %s", fe.Code, fe.Message)
	if issues, ok := fe.Details["errors"].([]schema.ValidationIssue); ok {
		for _, is := range issues {
			fmt.Fprintf(&b, "\n    - %s", is)
		}
	}
	return b.String()
}

func workflowIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
