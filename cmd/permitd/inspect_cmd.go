package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/permitd"
)

type inspectOptions struct {
	admin   string
	timeout time.Duration
	raw     bool
}

func newInspectCommand() *cobra.Command {
	opts := &inspectOptions{}
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Query a running coordinator's observer endpoints",
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.admin, "admin", "http://"+permitd.DefaultAdminListen, "observer base URL")
	flags.DurationVar(&opts.timeout, "timeout", 5*time.Second, "request timeout")
	flags.BoolVar(&opts.raw, "json", false, "print the raw JSON response")

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show permit holder, queue depth, sessions and policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var view permitd.StatusView
			return opts.run(cmd, "/v1/status", &view, func(w io.Writer) { printStatus(w, view, time.Now()) })
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "queue",
		Short: "List pending REQUESTs in grant order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var view permitd.QueueView
			return opts.run(cmd, "/v1/queue", &view, func(w io.Writer) { printQueue(w, view) })
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "ledger",
		Short: "Show how many grants each requester has received",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var view permitd.LedgerView
			return opts.run(cmd, "/v1/ledger", &view, func(w io.Writer) { printLedger(w, view) })
		},
	})
	return cmd
}

func (o *inspectOptions) run(cmd *cobra.Command, path string, out any, render func(io.Writer)) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()
	body, err := o.fetch(ctx, path)
	if err != nil {
		return err
	}
	if o.raw {
		_, err := cmd.OutOrStdout().Write(body)
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	render(cmd.OutOrStdout())
	return nil
}

func (o *inspectOptions) fetch(ctx context.Context, path string) ([]byte, error) {
	base := strings.TrimRight(strings.TrimSpace(o.admin), "/")
	if base == "" {
		return nil, fmt.Errorf("--admin is required")
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inspect %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func printStatus(w io.Writer, view permitd.StatusView, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "version:\t%s\n", view.Version.Version)
	fmt.Fprintf(tw, "started:\t%s (%s)\n", view.StartedAt.Format(time.RFC3339), humanize.RelTime(view.StartedAt, now, "ago", "from now"))
	if view.Permit.Held && view.Permit.Holder != nil {
		holder := view.Permit.Holder
		fmt.Fprintf(tw, "permit:\theld by %s for %s (grant %s)\n", holder.Label, time.Duration(holder.HeldMillis)*time.Millisecond, holder.GrantID)
	} else {
		fmt.Fprintf(tw, "permit:\tfree\n")
	}
	fmt.Fprintf(tw, "queue:\t%d/%d\n", view.QueueLength, view.QueueCapacity)
	fmt.Fprintf(tw, "grants:\t%s\n", humanize.Comma(int64(view.GrantsTotal)))
	fmt.Fprintf(tw, "sessions:\t%d\n", len(view.Sessions))
	fmt.Fprintf(tw, "policies:\trouting=%s release=%s queue-full=%s purge-on-disconnect=%t release-on-disconnect=%t\n",
		view.Policies.Routing, view.Policies.ReleasePolicy, view.Policies.QueueFullPolicy,
		view.Policies.PurgeOnDisconnect, view.Policies.ReleaseOnDisconnect)
	if view.Process.PID != 0 {
		fmt.Fprintf(tw, "process:\tpid=%d rss=%s threads=%d goroutines=%d cpu=%.1f%%\n",
			view.Process.PID, humanize.IBytes(view.Process.RSSBytes), view.Process.Threads,
			view.Process.Goroutines, view.Process.CPUPercent)
	}
	_ = tw.Flush()
	if len(view.Sessions) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tREMOTE\tOPENED")
	for _, s := range view.Sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, s.Remote, humanize.RelTime(s.OpenedAt, now, "ago", "from now"))
	}
	_ = tw.Flush()
}

func printQueue(w io.Writer, view permitd.QueueView) {
	fmt.Fprintf(w, "queue %d/%d\n", view.Length, view.Capacity)
	if len(view.Pending) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "POS\tREQUESTER\tSESSION\tWAITING")
	for _, p := range view.Pending {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", p.Position, p.Label, p.Session, time.Duration(p.WaitingMillis)*time.Millisecond)
	}
	_ = tw.Flush()
}

func printLedger(w io.Writer, view permitd.LedgerView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REQUESTER\tGRANTS")
	for _, entry := range view.Requesters {
		fmt.Fprintf(tw, "%s\t%s\n", entry.Label, humanize.Comma(int64(entry.Grants)))
	}
	fmt.Fprintf(tw, "total\t%s\n", humanize.Comma(int64(view.Total)))
	_ = tw.Flush()
}
