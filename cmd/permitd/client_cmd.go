package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/permitd/client"
	"pkt.systems/permitd/internal/loggingutil"
)

func newClientCommand(levels *loggingutil.Switch) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "client",
		Aliases: []string{"cli"},
		Short:   "Reference client for a running coordinator",
	}
	cmd.AddCommand(newClientRunCommand(levels))
	return cmd
}

func newClientRunCommand(levels *loggingutil.Switch) *cobra.Command {
	var (
		server       string
		requesters   []int
		rounds       int
		hold         time.Duration
		pause        time.Duration
		grantTimeout time.Duration
		dialTimeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run requesters through REQUEST, GRANT, hold, RELEASE cycles",
		Example: `
  # Three requesters taking turns twice each, holding for one second
  permitd client run -s 127.0.0.1:8080 -r 1,2,3 --rounds 2 --hold 1s
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			driver, err := client.NewDriver(client.DriverConfig{
				Addr:         server,
				Requesters:   requesters,
				Rounds:       rounds,
				Hold:         hold,
				Pause:        pause,
				GrantTimeout: grantTimeout,
				Logger:       levels.Logger(),
				Options:      []client.Option{client.WithDialTimeout(dialTimeout)},
			})
			if err != nil {
				return err
			}
			report, err := driver.Run(cmd.Context())
			printDriverReport(cmd.OutOrStdout(), report)
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&server, "server", "s", "127.0.0.1:8080", "coordinator host:port")
	flags.IntSliceVarP(&requesters, "requesters", "r", []int{1}, "requester identities (0-9), one connection each")
	flags.IntVar(&rounds, "rounds", 1, "cycles per requester")
	flags.DurationVar(&hold, "hold", client.DefaultHold, "time to hold the permit each round")
	flags.DurationVar(&pause, "pause", 0, "delay between RELEASE and the next REQUEST")
	flags.DurationVar(&grantTimeout, "grant-timeout", 0, "give up waiting for a GRANT after this long (0 waits forever)")
	flags.DurationVar(&dialTimeout, "dial-timeout", client.DefaultDialTimeout, "connect timeout")
	return cmd
}

func printDriverReport(w io.Writer, report client.DriverReport) {
	if len(report.Rounds) == 0 {
		fmt.Fprintln(w, "no rounds completed")
		return
	}
	type summary struct {
		grants  int
		waited  time.Duration
		maxWait time.Duration
		held    time.Duration
	}
	byRequester := make(map[int]*summary)
	for _, r := range report.Rounds {
		s := byRequester[r.Requester]
		if s == nil {
			s = &summary{}
			byRequester[r.Requester] = s
		}
		s.grants++
		s.waited += r.Waited
		s.held += r.Held
		if r.Waited > s.maxWait {
			s.maxWait = r.Waited
		}
	}
	ids := make([]int, 0, len(byRequester))
	for id := range byRequester {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REQUESTER\tGRANTS\tAVG WAIT\tMAX WAIT\tHELD")
	for _, id := range ids {
		s := byRequester[id]
		avg := s.waited / time.Duration(s.grants)
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", id, s.grants,
			avg.Round(time.Millisecond), s.maxWait.Round(time.Millisecond), s.held.Round(time.Millisecond))
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "%d rounds in %s\n", len(report.Rounds), report.Elapsed.Round(time.Millisecond))
}
