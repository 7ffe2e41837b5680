package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/genflow/internal/host"
	"github.com/rendis/genflow/internal/httpapi"
	"github.com/rendis/genflow/internal/janitor"
	"github.com/rendis/genflow/internal/recovery"
	"github.com/rendis/genflow/internal/store"
	"github.com/rendis/genflow/pkg/mcp"
	"github.com/rendis/genflow/pkg/schema"
)

const shutdownTimeout = 5 * time.Second

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func (c *cli) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and event stream",
		Long: "Serve the HTTP API and event stream. Workflows run on the background engine when it answers " +
			"and on the local engine otherwise. With --nats-url the background is a separate worker process.",
		RunE: c.runServe,
	}
	f := cmd.Flags()
	f.String("listen-addr", "", "HTTP listen address")
	f.String("nats-url", "", "NATS URL of a background worker (empty runs the background in-process)")
	f.String("channel", "", "NATS channel shared with the worker")
	f.Int("pool-size", 0, "workflows stepping at once per engine")
	return cmd
}

func (c *cli) runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	h, err := host.Open(ctx, c.cfg.hostConfig(), host.WithLogger(c.logger))
	if err != nil {
		return err
	}
	defer h.Close()

	c.runRecovery(ctx, h)
	if err := h.Janitor.Start(ctx); err != nil {
		return err
	}
	c.watchConfig()

	api := httpapi.New(httpapi.Deps{Workflows: h.Service, Metrics: h.Metrics, Logger: c.logger})
	srv := &http.Server{
		Addr:              c.cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end with the process.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	c.logger.Info("genflow serving", "addr", c.cfg.ListenAddr, "version", version, "background", backgroundLabel(c.cfg))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	c.logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

func backgroundLabel(cfg Config) string {
	if cfg.NATSURL != "" {
		return "nats"
	}
	return "in-process"
}

func (c *cli) runRecovery(ctx context.Context, h *host.Host) *recovery.Report {
	report, err := h.Recovery.Run(ctx)
	if err != nil {
		c.logger.Error("recovery failed", "error", err)
		return nil
	}
	c.logger.Info("recovery finished",
		"adopted", len(report.Adopted),
		"reattached", len(report.Reattached),
		"resumed", len(report.Resumed),
		"interrupted", len(report.Interrupted),
		"surfaced", len(report.Surfaced),
		"deferred", len(report.Deferred),
		"errors", len(report.Errors),
	)
	return report
}

func (c *cli) workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the background engine as a NATS worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()
			return host.RunWorker(ctx, c.cfg.hostConfig(), c.logger)
		},
	}
	f := cmd.Flags()
	f.String("nats-url", "", "NATS URL")
	f.String("channel", "", "NATS channel shared with the foreground")
	f.Int("pool-size", 0, "workflows stepping at once")
	return cmd
}

func (c *cli) recoverCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Reconcile persisted workflows after a restart and print the report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			h, err := host.Open(ctx, c.cfg.hostConfig(), host.WithLogger(c.logger), host.WithBackground(host.BackgroundNone))
			if err != nil {
				return err
			}
			defer h.Close()

			report, err := h.Recovery.Run(ctx)
			if err != nil {
				return err
			}
			if wait {
				for _, id := range report.Resumed {
					if _, err := h.Engine.Wait(ctx, id); err != nil {
						return err
					}
				}
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for resumed workflows to finish")
	return cmd
}

func (c *cli) listCmd() *cobra.Command {
	var (
		statuses []string
		limit    int
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted workflows, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := host.OpenStore(cmd.Context(), c.cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			filter := store.WorkflowFilter{Limit: limit}
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, schema.WorkflowStatus(s))
			}
			wfs, err := st.ListWorkflows(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), wfs)
			}
			return writeTable(cmd.OutOrStdout(), wfs)
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&statuses, "status", nil, "only these statuses (repeatable)")
	f.IntVar(&limit, "limit", 20, "maximum number of workflows")
	f.BoolVar(&asJSON, "json", false, "print full records as JSON")
	return cmd
}

func writeTable(w io.Writer, wfs []*schema.Workflow) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSTEPS\tUPDATED\tNAME")
	for _, wf := range wfs {
		done := 0
		for _, s := range wf.Steps {
			if s.Status == schema.StepStatusCompleted || s.Status == schema.StepStatusSkipped {
				done++
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n",
			wf.ID, wf.Status, done, len(wf.Steps), wf.UpdatedAt.Format(time.RFC3339), wf.Name)
	}
	return tw.Flush()
}

func (c *cli) purgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete terminal workflows older than the retention period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := host.OpenStore(cmd.Context(), c.cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			j, err := janitor.New(st, janitor.Config{Schedule: c.cfg.PurgeSchedule, Retention: c.cfg.Retention}, nil, nil, c.logger)
			if err != nil {
				return err
			}
			ids, err := j.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "purged %d workflows\n", len(ids))
			for _, id := range ids {
				fmt.Fprintln(out, id)
			}
			return nil
		},
	}
	cmd.Flags().Duration("retention", 0, "override the retention period")
	return cmd
}

func (c *cli) mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the workflow tools to an agent over MCP stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			h, err := host.Open(ctx, c.cfg.hostConfig(), host.WithLogger(c.logger))
			if err != nil {
				return err
			}
			defer h.Close()

			c.runRecovery(ctx, h)
			if err := h.Janitor.Start(ctx); err != nil {
				return err
			}
			return mcp.NewServer(mcp.ServerDeps{Workflows: h.Service, Logger: c.logger}).Serve(ctx)
		},
	}
	f := cmd.Flags()
	f.String("nats-url", "", "NATS URL of a background worker (empty runs the background in-process)")
	f.String("channel", "", "NATS channel shared with the worker")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
