package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/backbone/internal/infrastructure/broker"
	"github.com/GriffinCanCode/backbone/internal/jobqueue"
)

type options struct {
	redisAddr     string
	redisPassword string
	redisDB       int
}

// open returns the named queue on the producer connection and a func that
// releases it
func (o *options) open(name string) (*jobqueue.Queue, func(), error) {
	if name == "" {
		return nil, nil, fmt.Errorf("queue name is required")
	}
	conns := broker.Open(broker.Config{
		Addr:     o.redisAddr,
		Password: o.redisPassword,
		DB:       o.redisDB,
	}, nil)
	queue := jobqueue.New(conns.QueueProducer(), jobqueue.DefaultOptions(name), nil, nil)
	return queue, func() {
		_ = queue.Close()
		_ = conns.Close()
	}, nil
}

func listCmd(opts *options) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list <queue>",
		Short: "List dead letters, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, release, err := opts.open(args[0])
			if err != nil {
				return err
			}
			defer release()

			letters, err := queue.ListDLQ(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), letters)
			}
			return writeTable(cmd.OutOrStdout(), letters)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum letters to list (0 lists all)")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}

func drainCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "drain <queue>",
		Short: "Re-enqueue dead letters as fresh jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, release, err := opts.open(args[0])
			if err != nil {
				return err
			}
			defer release()

			n, err := queue.DrainDLQ(cmd.Context(), limit)
			fmt.Fprintf(cmd.OutOrStdout(), "re-enqueued %d job(s) on %s\n", n, args[0])
			return err
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum letters to drain (0 drains all)")
	return cmd
}

func countsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "counts <queue>",
		Short: "Show stream, delayed and dead-letter backlog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, release, err := opts.open(args[0])
			if err != nil {
				return err
			}
			defer release()

			counts, err := queue.Counts(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stream:   %d\ndelayed:  %d\ndead:     %d\n",
				counts.Stream, counts.Delayed, counts.DeadLettered)
			return nil
		},
	}
}

func writeJSON(w io.Writer, letters []jobqueue.DeadLetter) error {
	data, err := sonic.ConfigStd.MarshalIndent(letters, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func writeTable(w io.Writer, letters []jobqueue.DeadLetter) error {
	if len(letters) == 0 {
		_, err := fmt.Fprintln(w, "no dead letters")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tNAME\tATTEMPTS\tFAILED AT\tERROR")
	for _, d := range letters {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			d.JobID, d.Name, d.AttemptsMade, d.FailedAt.Format(time.RFC3339), d.Error)
	}
	return tw.Flush()
}
