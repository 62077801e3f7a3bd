package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/jamcrm/api/internal/model"
	"github.com/jamcrm/api/internal/tracker"
)

func newCollectionsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "collections",
		Short: "List collections and their member counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := opts.client().ListCollections(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tMEMBERS")
			for _, c := range list {
				fmt.Fprintf(w, "%s\t%s\t%d\n", c.ID, c.CollectionName, c.Total)
			}
			return w.Flush()
		},
	}
}

func newMoveCmd(opts *globalOptions) *cobra.Command {
	var (
		from, to     string
		ids          []int64
		allOrNothing bool
		track        bool
		interval     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "move",
		Short: "Start a bulk move job",
		Long: "Start a bulk move job. Without --ids every current member of the source collection is moved.\n" +
			"With --track the job is followed until it finishes; an interrupted run can be picked up with 'bulkmove track'.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &model.BulkMoveRequest{
				FromCollectionID: from,
				ToCollectionID:   to,
			}
			if cmd.Flags().Changed("ids") {
				scope := append([]int64{}, ids...)
				req.CompanyIDs = &scope
			}
			if cmd.Flags().Changed("all-or-nothing") {
				req.AllOrNothing = &allOrNothing
			}

			accepted, err := opts.client().BulkMove(cmd.Context(), req)
			if err != nil {
				return err
			}
			if !track {
				return printJSON(cmd.OutOrStdout(), accepted)
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "operation %s: %d batches\n", accepted.OperationID, accepted.TotalBatches)
			keys, err := opts.keyStore()
			if err != nil {
				return err
			}
			defer keys.Close()
			view := newProgressView(cmd)
			t := newTracker(opts, keys, interval, view)
			if err := t.Start(accepted.OperationID); err != nil {
				return err
			}
			return follow(cmd, t, view)
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "source collection id")
	cmd.Flags().StringVar(&to, "to", "", "destination collection id")
	cmd.Flags().Int64SliceVar(&ids, "ids", nil, "company ids to move (default: all members)")
	cmd.Flags().BoolVar(&allOrNothing, "all-or-nothing", false, "stop the job at the first failed batch")
	cmd.Flags().BoolVar(&track, "track", false, "follow the job until it finishes")
	cmd.Flags().DurationVar(&interval, "interval", tracker.DefaultInterval, "poll interval when tracking")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <operation-id>",
		Short: "Print the current status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := opts.client().BulkMoveStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
}

func newTrackCmd(opts *globalOptions) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "track [operation-id]",
		Short: "Follow a job; without an id, resume the last tracked job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := opts.keyStore()
			if err != nil {
				return err
			}
			defer keys.Close()
			view := newProgressView(cmd)
			t := newTracker(opts, keys, interval, view)

			if len(args) == 1 {
				if err := t.Start(args[0]); err != nil {
					return err
				}
			} else {
				ok, err := t.Resume()
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.ErrOrStderr(), "no job is being tracked")
					return nil
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "resuming operation %s\n", t.OperationID())
			}
			return follow(cmd, t, view)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", tracker.DefaultInterval, "poll interval")
	return cmd
}

// progressView renders tracker updates on a terminal progress bar.
type progressView struct {
	bar *progressbar.ProgressBar
}

func newProgressView(cmd *cobra.Command) *progressView {
	return &progressView{
		bar: progressbar.NewOptions(10000,
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionSetDescription("moving"),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionFullWidth(),
		),
	}
}

func (v *progressView) update(s *model.BulkMoveStatusResponse) {
	v.bar.Describe(fmt.Sprintf("%s %d/%d batches", s.Status, s.CompletedBatches+s.FailedBatches, s.TotalBatches))
	_ = v.bar.Set(int(s.ProgressPercentage * 100))
}

func newTracker(opts *globalOptions, keys tracker.KeyStore, interval time.Duration, view *progressView) *tracker.Tracker {
	trackerOpts := []tracker.Option{
		tracker.WithInterval(interval),
		tracker.WithOnUpdate(view.update),
	}
	if opts.verbose {
		trackerOpts = append(trackerOpts, tracker.WithLogger(opts.logger()))
	}
	return tracker.New(opts.client(), keys, trackerOpts...)
}

// follow runs the tracker until the job is terminal or the user interrupts.
func follow(cmd *cobra.Command, t *tracker.Tracker, view *progressView) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	final, err := t.Run(ctx)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintf(cmd.ErrOrStderr(), "\ninterrupted; resume with 'bulkmove track'\n")
		return nil
	}
	if err != nil {
		return err
	}
	_ = view.bar.Finish()
	fmt.Fprintln(cmd.ErrOrStderr())

	if err := printJSON(cmd.OutOrStdout(), final); err != nil {
		return err
	}
	if final.Status == model.JobStatusFailed {
		msg := "job failed"
		if final.Error != nil {
			msg += ": " + *final.Error
		}
		return errors.New(msg)
	}
	return nil
}
