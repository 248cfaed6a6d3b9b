package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/equipe-eprev/cnis-extractor-api/internal/cache"
	"github.com/equipe-eprev/cnis-extractor-api/internal/extraction"
	"github.com/equipe-eprev/cnis-extractor-api/internal/httputil"
	"github.com/equipe-eprev/cnis-extractor-api/services/cnis"
)

type extractOptions struct {
	server  string
	asJSON  bool
	pages   bool
	plain   bool
	timeout time.Duration
}

func newExtractCmd(flags *globalFlags) *cobra.Command {
	opts := &extractOptions{}

	cmd := &cobra.Command{
		Use:   "extract <file.pdf>",
		Short: "Extract the text of a PDF",
		Long: `Extract the text of a PDF and print it.

By default the document is processed locally with the configured extraction
settings. With --server the file is uploaded to a running API instead.`,
		Example: `  cnis-api extract cnis.pdf
  cnis-api extract --json --pages cnis.pdf
  cnis-api extract --server http://localhost:8080 cnis.pdf`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(cmd, flags, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", "", "base URL of a running API")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the API response body")
	cmd.Flags().BoolVar(&opts.pages, "pages", false, "include per-page text (with --json)")
	cmd.Flags().BoolVar(&opts.plain, "plain", false, "join words with single spaces instead of keeping the layout (default: extraction.layout)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "extraction timeout (default: server.request_timeout)")

	return cmd
}

func runExtract(cmd *cobra.Command, flags *globalFlags, opts *extractOptions, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	filename := filepath.Base(path)

	cfg, err := flags.load()
	if err != nil {
		return err
	}
	timeout := cfg.Server.RequestTimeout
	if opts.timeout > 0 {
		timeout = opts.timeout
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var resp cnis.ExtractResponse
	if opts.server != "" {
		resp, err = extractRemote(ctx, cmd, opts, filename, data, timeout)
	} else {
		log := flags.logger(cfg)
		log.SetOutput(cmd.ErrOrStderr())

		eopts := extractionOptions(cfg.Extraction)
		if cmd.Flags().Changed("plain") {
			eopts.Layout = !opts.plain
		}
		svc := extraction.New(extraction.Config{
			MaxConcurrent: 1,
			Timeout:       timeout,
			Options:       eopts,
			Cache:         cache.Noop{},
			Logger:        log,
		})
		var res *extraction.Result
		res, err = svc.Extract(ctx, extraction.Request{Source: extraction.SourceCLI, Filename: filename, Data: data})
		if err == nil {
			resp = cnis.NewExtractResponse(res.Document, filename, opts.pages)
		}
	}
	if err != nil {
		return err
	}

	return printExtraction(cmd.OutOrStdout(), resp, opts.asJSON)
}

func extractRemote(ctx context.Context, cmd *cobra.Command, opts *extractOptions, filename string, data []byte, timeout time.Duration) (cnis.ExtractResponse, error) {
	var resp cnis.ExtractResponse

	client := httputil.NewClient(httputil.ClientConfig{
		BaseURL: opts.server,
		Timeout: timeout + 10*time.Second,
	})
	// Without --plain the server applies its own layout setting.
	query := url.Values{"pages": {strconv.FormatBool(opts.pages)}}
	if cmd.Flags().Changed("plain") {
		query.Set("layout", strconv.FormatBool(!opts.plain))
	}
	httpResp, err := client.PostFile(ctx, "/extract?"+query.Encode(), "file", filename, data)
	if err != nil {
		return resp, err
	}
	if err := httputil.DecodeResponse(httpResp, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

func printExtraction(w io.Writer, resp cnis.ExtractResponse, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(resp)
	}
	_, err := fmt.Fprintln(w, resp.Texto)
	return err
}
