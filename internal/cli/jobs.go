package cli

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"renderhub/internal/httpapi/handlers"
	"renderhub/internal/models"
)

func addRenderFlags(fs *pflag.FlagSet, o *handlers.RenderOptions) {
	fs.StringVar(&o.FabricColor, "fabric-color", "", "fabric color (hex or named)")
	fs.StringVar(&o.BackgroundColor, "background-color", "", "background color (hex, named or transparent)")
	fs.StringVar(&o.RenderMode, "mode", "", "render mode: all, images-only or animation-only")
	fs.IntVar(&o.Samples, "samples", 0, "render samples (0 uses the worker default)")
}

func newSubmitCmd(opts *options) *cobra.Command {
	var p SubmitParams

	cmd := &cobra.Command{
		Use:   "submit <design-file>",
		Short: "Upload a design and queue a render job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read design: %w", err)
			}
			p.Design = data
			p.DesignFilename = filepath.Base(path)
			if p.DesignMIME == "" {
				p.DesignMIME = mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
			}
			if p.DesignMIME == "" {
				return fmt.Errorf("cannot infer the design type of %s, pass --mime", path)
			}

			job, err := opts.client().Submit(cmd.Context(), p)
			if err != nil {
				return err
			}
			return printJob(cmd.OutOrStdout(), opts, job)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&p.ProductID, "product", "", "catalog product ID")
	fs.StringVar(&p.VariantID, "variant", "", "catalog variant ID")
	fs.StringVar(&p.Preset, "preset", string(models.PresetChestMedium), "print placement preset")
	fs.StringVar(&p.TemplateID, "template", "", "garment template ID")
	fs.StringVar(&p.DesignMIME, "mime", "", "design MIME type (inferred from the extension)")
	addRenderFlags(fs, &p.Options)
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a render job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := opts.client().GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJob(cmd.OutOrStdout(), opts, job)
		},
	}
}

func newListCmd(opts *options) *cobra.Command {
	var p ListParams

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List render jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := opts.client().ListJobs(cmd.Context(), p)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, list)
			}
			if len(list) == 0 {
				printf(out, "No render jobs found.\n")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			printf(tw, "ID\tPRODUCT\tPRESET\tSTATUS\tCREATED\n")
			for _, j := range list {
				printf(tw, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.ProductID, j.Preset, j.Status, formatTime(&j.CreatedAt))
			}
			return tw.Flush()
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&p.Status, "status", "", "only jobs in this status")
	fs.StringVar(&p.ProductID, "product", "", "only jobs for this product")
	fs.IntVar(&p.Limit, "limit", 0, "maximum jobs to return")
	fs.IntVar(&p.Offset, "offset", 0, "jobs to skip")
	return cmd
}

func newRetryCmd(opts *options) *cobra.Command {
	var ro handlers.RenderOptions

	cmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Re-run a failed render job with its stored design",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := opts.client().RetryJob(cmd.Context(), args[0], ro)
			if err != nil {
				return err
			}
			return printJob(cmd.OutOrStdout(), opts, job)
		},
	}
	addRenderFlags(cmd.Flags(), &ro)
	return cmd
}

func printJob(w io.Writer, opts *options, j *models.RenderJob) error {
	if opts.json {
		return printJSON(w, j)
	}

	printf(w, "Job:        %s\n", j.ID)
	printf(w, "Status:     %s\n", j.Status)
	printf(w, "Product:    %s\n", j.ProductID)
	printf(w, "Preset:     %s\n", j.Preset)
	printf(w, "Created:    %s\n", formatTime(&j.CreatedAt))
	printf(w, "Started:    %s\n", formatTime(j.StartedAt))
	printf(w, "Completed:  %s\n", formatTime(j.CompletedAt))
	if j.ErrorMessage != nil {
		printf(w, "Error:      %s\n", *j.ErrorMessage)
	}
	if r := j.Metadata.Retry; r != nil {
		printf(w, "Retry of:   %s (#%d)\n", r.From, r.Count)
	}

	printf(w, "Design:     %s\n", orDash(j.DesignURL))
	printf(w, "Composited: %s\n", orDash(j.CompositedURL))
	printf(w, "Rendered:   %s\n", orDash(j.RenderedImageURL))
	printf(w, "Animation:  %s\n", orDash(j.AnimationURL))
	for _, m := range j.Metadata.ProducedMedia {
		printf(w, "Media:      %s %s %s\n", m.MediaID, m.Angle, m.URL)
	}
	return nil
}
