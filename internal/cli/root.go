// Package cli implements renderctl, the operator command line for renderhub.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"renderhub/internal/pkg/logger"
)

var Version = "0.1.0"

type options struct {
	apiURL   string
	adminURL string
	timeout  time.Duration
	retryMax int
	json     bool
	verbose  bool

	log *logger.Logger
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// NewRootCmd builds the renderctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "renderctl",
		Short: "Inspect and drive renderhub render jobs",
		Long: `renderctl talks to the renderhub API and worker admin server.

Examples:
  renderctl submit design.png --product prod-1 --preset chest-medium --template tshirt
  renderctl status 6f1c...
  renderctl list --status failed
  renderctl retry 6f1c... --samples 256
  renderctl queue metrics`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := "warn"
			if opts.verbose {
				level = "debug"
			}
			opts.log = logger.New(logger.Config{
				Level:       level,
				Format:      "text",
				Output:      cmd.ErrOrStderr(),
				ServiceName: "renderctl",
			})
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.apiURL, "api-url", envOr("RENDERHUB_API_URL", "http://localhost:8080"), "renderhub API base URL")
	pf.StringVar(&opts.adminURL, "admin-url", envOr("RENDERHUB_ADMIN_URL", "http://localhost:9090"), "worker admin server base URL")
	pf.DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-request timeout")
	pf.IntVar(&opts.retryMax, "retries", 2, "retries for failed requests")
	pf.BoolVar(&opts.json, "json", false, "print raw JSON")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "log requests")

	root.AddCommand(
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newListCmd(opts),
		newRetryCmd(opts),
		newQueueCmd(opts),
		newGDriveAuthCmd(),
	)
	return root
}

func (o *options) client() *Client {
	return NewClient(ClientConfig{
		APIURL:   o.apiURL,
		AdminURL: o.adminURL,
		Timeout:  o.timeout,
		RetryMax: o.retryMax,
	}, o.log)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
