package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/internal/loader"
	"github.com/rendis/stepflow/pkg/schema"
)

type runOptions struct {
	data string
	file string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [trigger]",
		Short: "Send a trigger event and wait for its run's output",
		Long: `run sends one trigger event through a local runtime and prints the
result once the run ends or the wait timeout passes. With --file the
workflow document is run inline and --data becomes its input.`,
		Example: `  stepflow run user/signup --data '{"user":"ada"}'
  stepflow run --file etl.yaml --data '{"source":"s3://bucket"}'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && opts.file == "" {
				return fmt.Errorf("a trigger or --file is required")
			}
			cfg, logger, err := root.load(cmd)
			if err != nil {
				return err
			}

			var data any
			if opts.data != "" {
				if !json.Valid([]byte(opts.data)) {
					return fmt.Errorf("--data is not valid JSON")
				}
				data = json.RawMessage(opts.data)
			}
			trigger := ""
			if len(args) == 1 {
				trigger = args[0]
			}
			if opts.file != "" {
				wf, err := loader.ParseFile(opts.file)
				if err != nil {
					return err
				}
				var input map[string]any
				if opts.data != "" {
					if err := json.Unmarshal([]byte(opts.data), &input); err != nil {
						return fmt.Errorf("--data must be an object with --file: %w", err)
					}
				}
				trigger = schema.TriggerWorkflowRun
				data = schema.WorkflowRunOptions{Workflow: wf, Input: input}
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.events.SendEvent(ctx, trigger, data, true)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			switch res.Status {
			case schema.RunStatusFailed, schema.RunStatusCancelled:
				return fmt.Errorf("run %s ended %s", res.RunID, res.Status)
			case "":
				return fmt.Errorf("run of event %s did not end within %s", res.EventID, time.Duration(cfg.WaitTimeout))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.data, "data", "", "event payload as JSON")
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "run this workflow document inline")
	return cmd
}
