package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"filebridge/bridge"
	"filebridge/events"
	"filebridge/transfer"
	"filebridge/workspace"
)

type copyOpts struct {
	dest       string
	move       bool
	bestEffort bool
}

func CopyCommand() *cobra.Command {
	var opts copyOpts

	cmd := &cobra.Command{
		Use:     "copy <path>...",
		Aliases: []string{"cp"},
		Short:   "Upload local files and folders to a remote directory",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w, err := workspace.Open(ctx, getConfig(cmd))
			if err != nil {
				return err
			}
			defer w.Close()

			var entries []bridge.Entry
			for _, arg := range args {
				p, err := filepath.Abs(arg)
				if err != nil {
					return err
				}
				e, err := w.Bridge.Stat(ctx, bridge.Local, p)
				if err != nil {
					return err
				}
				entries = append(entries, e)
			}

			op := transfer.Copy
			if opts.move {
				op = transfer.Move
			}

			sub := w.Bus.Subscribe(events.JobProgress, events.JobCompleted, events.JobFailed)
			defer w.Bus.Unsubscribe(sub)

			job, err := w.Queue.Submit(transfer.Request{
				Op:         op,
				Entries:    entries,
				Dest:       opts.dest,
				DestSide:   bridge.Remote,
				BestEffort: opts.bestEffort,
			})
			if err != nil {
				return err
			}

			progress := newJobProgress(cmd.ErrOrStderr(), job.ID)
			for {
				select {
				case e, ok := <-sub:
					if !ok || progress.handle(e) {
						return job.Wait(ctx)
					}
				case <-job.Done():
					return job.Err()
				case <-ctx.Done():
					job.Abort()
					<-job.Done()
					return fmt.Errorf("interrupted: %w", ctx.Err())
				}
			}
		},
	}

	cmd.Flags().StringVarP(&opts.dest, "dest", "d", "/", "Remote destination directory")
	cmd.Flags().BoolVar(&opts.move, "move", false, "Delete the local sources after upload")
	cmd.Flags().BoolVar(&opts.bestEffort, "best-effort", false, "Keep going when an entry fails")
	return cmd
}
