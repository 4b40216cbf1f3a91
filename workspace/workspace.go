// Package workspace ties one local and one remote provider to a selection
// store, a transfer queue, a watch engine and an event bus.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"filebridge/bridge"
	"filebridge/config"
	"filebridge/events"
	"filebridge/logging"
	"filebridge/provider/localfs"
	"filebridge/provider/s3fs"
	"filebridge/provider/sftpfs"
	"filebridge/selection"
	"filebridge/transfer"
	"filebridge/watch"
)

type Workspace struct {
	ID      string
	Created time.Time

	Bridge    *bridge.Bridge
	Selection *selection.Store
	Queue     *transfer.Queue
	Watch     *watch.Engine
	Bus       *events.Bus

	log zerolog.Logger
}

// DialRemote connects the remote provider described by cfg.
func DialRemote(ctx context.Context, cfg config.Remote) (*bridge.Provider, error) {
	switch cfg.Type {
	case config.RemoteSFTP:
		return sftpfs.Dial(sftpfs.Options{
			Host:          cfg.SFTP.Host,
			Port:          cfg.SFTP.Port,
			Username:      cfg.SFTP.Username,
			Password:      cfg.SFTP.Password,
			KeyFile:       cfg.SFTP.KeyFile,
			KeyPassphrase: cfg.SFTP.KeyPassphrase,
			KnownHosts:    cfg.SFTP.KnownHosts,
			Timeout:       cfg.SFTP.Timeout.Duration,
		})
	case config.RemoteS3:
		return s3fs.Dial(ctx, s3fs.Options{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		})
	case config.RemoteLocal:
		if cfg.Local.Root == "" {
			return nil, errors.New("remote.local.root is required")
		}
		info, err := os.Stat(cfg.Local.Root)
		if err != nil {
			return nil, fmt.Errorf("failed to open remote root: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("remote root %s is not a directory", cfg.Local.Root)
		}
		return localfs.NewDir(cfg.Local.Root), nil
	case "":
		return nil, errors.New("no remote configured")
	default:
		return nil, fmt.Errorf("unknown remote type %q", cfg.Type)
	}
}

// Open dials the configured remote and pairs it with the OS filesystem.
func Open(ctx context.Context, cfg config.Config) (*Workspace, error) {
	remote, err := DialRemote(ctx, cfg.Remote)
	if err != nil {
		return nil, err
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/"
	}
	w, err := New(localfs.NewOS(), remote, home, cfg)
	if err != nil {
		if remote.Close != nil {
			remote.Close()
		}
		return nil, err
	}
	return w, nil
}

// New builds a workspace over two providers. localDir is the initial local
// working directory; the remote one starts at its root.
func New(local, remote *bridge.Provider, localDir string, cfg config.Config) (*Workspace, error) {
	b, err := bridge.New(local, remote)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	bus := events.NewBus(0)
	store := selection.New(localDir, "/")
	queue := transfer.NewQueue(b, transfer.Options{
		Workers:   cfg.Transfer.Workers,
		ChunkSize: cfg.Transfer.ChunkSize,
		Store:     store,
		Sink:      bus,
	})
	engine := watch.NewEngine(b, queue, watch.Options{
		Debounce:   cfg.Watch.Debounce.Duration,
		MaxRetries: cfg.Watch.MaxRetries,
		Sink:       bus,
	})

	w := &Workspace{
		ID:        id,
		Created:   time.Now(),
		Bridge:    b,
		Selection: store,
		Queue:     queue,
		Watch:     engine,
		Bus:       bus,
		log:       logging.For("workspace").With().Str("id", id).Logger(),
	}
	w.log.Info().
		Str("remote", b.ProviderName(bridge.Remote)).
		Str("capabilities", b.Capabilities(bridge.Remote).String()).
		Str("remove", b.RemoveStrategy(bridge.Remote).String()).
		Msg("workspace opened")
	return w, nil
}

// StartWatches registers the configured pairs and enables the ones marked
// enabled. It stops at the first failure.
func (w *Workspace) StartWatches(ctx context.Context, regs []config.Registration) ([]watch.Registration, error) {
	var out []watch.Registration
	for _, r := range regs {
		reg, err := w.Watch.Register(ctx, r.Local, r.Remote)
		if err != nil {
			return out, fmt.Errorf("failed to register %s: %w", r.Local, err)
		}
		if r.Enabled {
			if err := w.Watch.Enable(reg.ID); err != nil {
				return out, err
			}
			reg, _ = w.Watch.Get(reg.ID)
		}
		out = append(out, reg)
	}
	return out, nil
}

// Close stops watching, aborts running jobs and closes both providers.
func (w *Workspace) Close() error {
	w.Watch.Close()
	w.Queue.Close()
	w.Bus.Close()
	err := w.Bridge.Close()
	w.log.Info().Msg("workspace closed")
	return err
}
