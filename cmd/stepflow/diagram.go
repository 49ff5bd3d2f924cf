package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/loader"
	"github.com/rendis/stepflow/pkg/schema"
)

type diagramOptions struct {
	format string
	out    string
	event  string
}

func newDiagramCmd(root *rootOptions) *cobra.Command {
	opts := &diagramOptions{}
	cmd := &cobra.Command{
		Use:   "diagram [file|workflow-id]",
		Short: "Draw a workflow, or an event's run with its progress",
		Example: `  stepflow diagram etl.yaml
  stepflow diagram user/signup --format ascii
  stepflow diagram --event 01J9Z... --format png --out run.png`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (opts.event == "") {
				return fmt.Errorf("give either a workflow or --event")
			}
			cfg, logger, err := root.load(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var (
				wf *schema.Workflow
				ov diagram.Overlay
			)
			if len(args) == 1 {
				if _, statErr := os.Stat(args[0]); statErr == nil {
					wf, err = loader.ParseFile(args[0])
					if err != nil {
						return err
					}
				}
			}
			if wf == nil {
				a, err := newApp(ctx, cfg, logger)
				if err != nil {
					return err
				}
				defer a.Close()
				if opts.event != "" {
					trace, err := a.events.GetEventTrace(ctx, opts.event)
					if err != nil {
						return err
					}
					if wf, err = a.runtime.Workflow(ctx, trace.Run.ID); err != nil {
						return err
					}
					ov = diagram.NewOverlay(wf, trace.Run.Status, trace.Steps)
				} else if wf, err = a.loader.ByID(ctx, args[0]); err != nil {
					return err
				} else if wf == nil {
					return schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "workflow %q not found", args[0])
				}
			}

			model, err := diagram.Build(wf, ov)
			if err != nil {
				return err
			}
			var out []byte
			switch opts.format {
			case "mermaid":
				out = []byte(diagram.RenderMermaid(model))
			case "ascii":
				out = []byte(diagram.RenderASCII(model))
			case "svg", "png":
				if out, err = diagram.RenderImage(ctx, model, diagram.ImageFormat(opts.format)); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown format %q", opts.format)
			}

			if opts.out == "" {
				if opts.format == "png" {
					return fmt.Errorf("--out is required for png")
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			return os.WriteFile(opts.out, out, 0o644)
		},
	}
	cmd.Flags().StringVar(&opts.format, "format", "mermaid", "mermaid, ascii, svg or png")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "write to this file instead of stdout")
	cmd.Flags().StringVar(&opts.event, "event", "", "draw the latest run of this event")
	return cmd
}
