package cli

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"filebridge/config"
	"filebridge/events"
	"filebridge/logging"
	"filebridge/workspace"
)

func SyncCommand() *cobra.Command {
	var local, remote string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Mirror local directories to the remote until interrupted",
		Long: `sync watches the registrations listed under [[watch.registrations]] in the
config, plus the pair given with --local and --remote, and replays local
changes on the remote.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := getConfig(cmd)
			regs := cfg.Watch.Registrations
			if local != "" || remote != "" {
				if local == "" || remote == "" {
					return errors.New("--local and --remote go together")
				}
				regs = append(regs, config.Registration{Local: local, Remote: remote, Enabled: true})
			}
			if len(regs) == 0 {
				return errors.New("nothing to sync: no watch registrations configured")
			}

			w, err := workspace.Open(ctx, cfg)
			if err != nil {
				return err
			}
			defer w.Close()

			log := logging.For("sync")
			sub := w.Bus.Subscribe(events.WatchError, events.JobFailed)
			defer w.Bus.Unsubscribe(sub)

			started, err := w.StartWatches(ctx, regs)
			if err != nil {
				return err
			}
			for _, r := range started {
				log.Info().Str("local", r.LocalRoot).Str("remote", r.RemoteRoot).Str("state", r.State.String()).Msg("registered")
			}

			for {
				select {
				case e, ok := <-sub:
					if !ok {
						return nil
					}
					if e.Kind == events.WatchError {
						log.Error().Str("registration", e.Registration).Str("error", e.Error).Msg("mirror disabled")
						continue
					}
					log.Warn().Str("job", e.JobID).Str("error", e.Error).Msg("transfer failed")
				case <-ctx.Done():
					log.Info().Msg("stopping")
					return nil
				}
			}
		},
	}

	cmd.Flags().StringVar(&local, "local", "", "Local directory to mirror")
	cmd.Flags().StringVar(&remote, "remote", "", "Remote directory to mirror into")
	return cmd
}
