// Package sftpfs provides the remote side over an SSH/SFTP connection.
package sftpfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"filebridge/bridge"
	"filebridge/logging"
)

// Options describe how to reach the SFTP server.
type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	// KeyFile is a PEM private key; used when Password is empty.
	KeyFile       string
	KeyPassphrase string
	// KnownHosts enables host key verification when set.
	KnownHosts string
	Timeout    time.Duration
}

func (o Options) addr() string {
	port := o.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(o.Host, strconv.Itoa(port))
}

func (o Options) clientConfig(log zerolog.Logger) (*ssh.ClientConfig, error) {
	config := &ssh.ClientConfig{
		User:    o.Username,
		Timeout: o.Timeout,
	}

	switch {
	case o.Password != "":
		config.Auth = append(config.Auth, ssh.Password(o.Password))
	case o.KeyFile != "":
		pem, err := os.ReadFile(o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if o.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(o.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		config.Auth = append(config.Auth, ssh.PublicKeys(signer))
	default:
		return nil, errors.New("no authentication method provided")
	}

	if o.KnownHosts != "" {
		cb, err := knownhosts.New(o.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		config.HostKeyCallback = cb
	} else {
		log.Warn().Str("host", o.Host).Msg("host key verification disabled")
		config.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	return config, nil
}

// Dial connects to the server and opens an SFTP session on it. Closing the
// provider closes both.
func Dial(o Options) (*bridge.Provider, error) {
	log := logging.For("sftp")

	config, err := o.clientConfig(log)
	if err != nil {
		return nil, err
	}

	sshClient, err := ssh.Dial("tcp", o.addr(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", o.addr(), err)
	}

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("failed to create sftp client: %w", err)
	}

	log.Info().Str("addr", o.addr()).Str("user", o.Username).Msg("connected")
	return New(fmt.Sprintf("sftp://%s@%s", o.Username, o.addr()), client, sshClient.Close), nil
}

type fileSystem struct {
	client *sftp.Client
	log    zerolog.Logger
}

// New wraps an established client. closeConn, when not nil, is called after
// the SFTP session is closed.
func New(name string, client *sftp.Client, closeConn func() error) *bridge.Provider {
	s := &fileSystem{client: client, log: logging.For("sftp")}

	return &bridge.Provider{
		Name:           name,
		Caps:           bridge.AllCapabilities,
		List:           s.list,
		Stat:           s.stat,
		OpenRead:       s.openRead,
		OpenWrite:      s.openWrite,
		MakeDir:        s.makeDir,
		Remove:         s.remove,
		RemoveAll:      s.removeAll,
		Rename:         s.rename,
		Symlink:        s.symlink,
		SetPermissions: s.setPermissions,
		Close: func() error {
			err := client.Close()
			if closeConn != nil {
				if cerr := closeConn(); cerr != nil && err == nil {
					err = cerr
				}
			}
			return err
		},
	}
}

// mapError translates SFTP status codes. io/fs errors are left to the bridge.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sftp.ErrSSHFxConnectionLost) || errors.Is(err, sftp.ErrSSHFxNoConnection) {
		return fmt.Errorf("%w: %w", bridge.ErrConnectionLost, err)
	}

	var se *sftp.StatusError
	if !errors.As(err, &se) {
		return err
	}
	switch se.FxCode() {
	case sftp.ErrSSHFxNoSuchFile:
		return fmt.Errorf("%w: %w", bridge.ErrNotFound, err)
	case sftp.ErrSSHFxPermissionDenied:
		return fmt.Errorf("%w: %w", bridge.ErrPermissionDenied, err)
	case sftp.ErrSSHFxOpUnsupported:
		return fmt.Errorf("%w: %w", bridge.ErrUnsupportedFeature, err)
	case sftp.ErrSSHFxNoConnection, sftp.ErrSSHFxConnectionLost:
		return fmt.Errorf("%w: %w", bridge.ErrConnectionLost, err)
	}
	return err
}

func (s *fileSystem) toEntry(p string, info os.FileInfo) bridge.Entry {
	e := bridge.EntryFromInfo(bridge.Remote, p, info)
	if e.Kind == bridge.KindSymlink {
		if target, err := s.client.ReadLink(p); err == nil {
			e.LinkTarget = target
		}
	}
	return e
}

// List implements bridge.Provider.
func (s *fileSystem) list(ctx context.Context, dir string) ([]bridge.Entry, error) {
	files, err := s.client.ReadDir(dir)
	if err != nil {
		return nil, mapError(err)
	}

	entries := make([]bridge.Entry, 0, len(files))
	for _, file := range files {
		entries = append(entries, s.toEntry(path.Join(dir, file.Name()), file))
	}
	return entries, nil
}

// Stat implements bridge.Provider. Symlinks are not followed.
func (s *fileSystem) stat(ctx context.Context, p string) (bridge.Entry, error) {
	info, err := s.client.Lstat(p)
	if err != nil {
		return bridge.Entry{}, mapError(err)
	}
	e := s.toEntry(p, info)
	e.Name = path.Base(p)
	return e, nil
}

// OpenRead implements bridge.Provider.
func (s *fileSystem) openRead(ctx context.Context, p string) (io.ReadCloser, error) {
	info, err := s.client.Stat(p)
	if err != nil {
		return nil, mapError(err)
	}
	if info.IsDir() {
		return nil, &os.PathError{Op: "open", Path: p, Err: syscall.EISDIR}
	}
	f, err := s.client.Open(p)
	if err != nil {
		return nil, mapError(err)
	}
	return f, nil
}

// OpenWrite implements bridge.Provider.
func (s *fileSystem) openWrite(ctx context.Context, p string, mode os.FileMode) (io.WriteCloser, error) {
	f, err := s.client.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, mapError(err)
	}
	if mode != 0 {
		if err := f.Chmod(mode); err != nil {
			s.log.Debug().Err(err).Str("path", p).Msg("chmod after create failed")
		}
	}
	return f, nil
}

// MakeDir implements bridge.Provider.
func (s *fileSystem) makeDir(ctx context.Context, p string) error {
	err := s.client.Mkdir(p)
	if err == nil {
		return nil
	}
	// servers answer a generic failure for an existing directory
	if _, serr := s.client.Lstat(p); serr == nil {
		return &os.PathError{Op: "mkdir", Path: p, Err: os.ErrExist}
	}
	return mapError(err)
}

// Remove implements bridge.Provider. Directories must be empty.
func (s *fileSystem) remove(ctx context.Context, p string) error {
	return mapError(s.client.Remove(p))
}

// RemoveAll implements bridge.Provider.
func (s *fileSystem) removeAll(ctx context.Context, p string) error {
	return mapError(s.client.RemoveAll(p))
}

// Rename implements bridge.Provider. The POSIX extension is preferred since
// plain SFTP rename refuses to replace.
func (s *fileSystem) rename(ctx context.Context, from, to string) error {
	if _, ok := s.client.HasExtension("posix-rename@openssh.com"); ok {
		return mapError(s.client.PosixRename(from, to))
	}
	return mapError(s.client.Rename(from, to))
}

// Symlink implements bridge.Provider.
func (s *fileSystem) symlink(ctx context.Context, target, link string) error {
	return mapError(s.client.Symlink(target, link))
}

// SetPermissions implements bridge.Provider.
func (s *fileSystem) setPermissions(ctx context.Context, p string, mode os.FileMode) error {
	return mapError(s.client.Chmod(p, mode))
}
