// Package s3fs exposes an S3 bucket (or any S3 compatible store) as the
// remote side. Directories are key prefixes; an empty directory is kept
// alive by a marker object named "<dir>/".
package s3fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"filebridge/bridge"
	"filebridge/logging"
	"filebridge/metrics"
)

// Options configure the bucket connection.
type Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
}

// API is the subset of the S3 client the provider calls.
type API interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Dial builds an S3 client with static credentials and path-style
// addressing, so MinIO and other compatible servers work.
func Dial(ctx context.Context, o Options) (*bridge.Provider, error) {
	opts := []func(*config.LoadOptions) error{}
	if o.Region != "" {
		opts = append(opts, config.WithRegion(o.Region))
	}
	if o.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.AccessKey, o.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(so *s3.Options) {
		so.UsePathStyle = true
		if o.Endpoint != "" {
			so.BaseEndpoint = aws.String(o.Endpoint)
		}
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(o.Bucket)}); err != nil {
		return nil, fmt.Errorf("failed to reach bucket %s: %w", o.Bucket, err)
	}
	return New(client, o.Bucket, o.Prefix), nil
}

type bucket struct {
	api    API
	name   string
	prefix string
	log    zerolog.Logger
}

// New serves bucket through api. Paths map to keys below prefix.
func New(api API, name, prefix string) *bridge.Provider {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	b := &bucket{api: api, name: name, prefix: prefix, log: logging.For("s3")}

	return &bridge.Provider{
		Name: "s3://" + name + "/" + prefix,
		Caps: bridge.NewCapabilitySet(
			bridge.CapList, bridge.CapStat, bridge.CapReadStream, bridge.CapWriteStream,
			bridge.CapMakeDir, bridge.CapRemove, bridge.CapMultiConnection,
		),
		List:      b.list,
		Stat:      b.stat,
		OpenRead:  b.openRead,
		OpenWrite: b.openWrite,
		MakeDir:   b.makeDir,
		Remove:    b.remove,
	}
}

// key turns a slash separated path into an object key. The root maps to the
// prefix without its trailing slash.
func (b *bucket) key(p string) string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return strings.TrimSuffix(b.prefix, "/")
	}
	return b.prefix + p
}

func isRoot(p string) bool {
	return path.Clean("/"+p) == "/"
}

func (b *bucket) dirPrefix(p string) string {
	k := b.key(p)
	if k == "" {
		return ""
	}
	return k + "/"
}

func (b *bucket) observe(op string, start time.Time, err error) {
	metrics.RecordProviderOperation("s3", op, time.Since(start), err == nil)
}

// mapError translates S3 error codes into io/fs errors.
func mapError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return &os.PathError{Op: op, Path: p, Err: fmt.Errorf("%w: %s", os.ErrNotExist, ae.ErrorMessage())}
		case "AccessDenied", "Forbidden":
			return &os.PathError{Op: op, Path: p, Err: fmt.Errorf("%w: %s", os.ErrPermission, ae.ErrorMessage())}
		}
	}
	return fmt.Errorf("failed to %s %s: %w", op, p, err)
}

func dirEntry(p string, mod time.Time) bridge.Entry {
	return bridge.Entry{
		Name:    path.Base(p),
		Path:    p,
		Kind:    bridge.KindDir,
		Mode:    0755,
		ModTime: mod,
		Side:    bridge.Remote,
	}
}

func fileEntry(p string, size *int64, mod *time.Time) bridge.Entry {
	return bridge.Entry{
		Name:    path.Base(p),
		Path:    p,
		Kind:    bridge.KindFile,
		Size:    aws.ToInt64(size),
		Mode:    0644,
		ModTime: aws.ToTime(mod),
		Side:    bridge.Remote,
	}
}

// List implements bridge.Provider.
func (b *bucket) list(ctx context.Context, dir string) ([]bridge.Entry, error) {
	start := time.Now()
	prefix := b.dirPrefix(dir)

	paginator := s3.NewListObjectsV2Paginator(b.api, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.name),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var entries []bridge.Entry
	found := isRoot(dir)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			b.observe("list", start, err)
			return nil, mapError("list", dir, err)
		}
		for _, cp := range page.CommonPrefixes {
			found = true
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			entries = append(entries, dirEntry(path.Join(dir, name), time.Time{}))
		}
		for _, obj := range page.Contents {
			found = true
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" {
				// marker of dir itself
				continue
			}
			entries = append(entries, fileEntry(path.Join(dir, name), obj.Size, obj.LastModified))
		}
	}
	b.observe("list", start, nil)

	if !found {
		return nil, &os.PathError{Op: "list", Path: dir, Err: os.ErrNotExist}
	}
	return entries, nil
}

// Stat implements bridge.Provider.
func (b *bucket) stat(ctx context.Context, p string) (bridge.Entry, error) {
	start := time.Now()
	if isRoot(p) {
		return dirEntry(p, time.Time{}), nil
	}
	k := b.key(p)

	out, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.name), Key: aws.String(k)})
	if err == nil {
		b.observe("stat", start, nil)
		return fileEntry(p, out.ContentLength, out.LastModified), nil
	}
	if err = mapError("stat", p, err); !errors.Is(err, os.ErrNotExist) {
		b.observe("stat", start, err)
		return bridge.Entry{}, err
	}

	// no object; a directory if anything lives below it
	list, err := b.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.name),
		Prefix:  aws.String(k + "/"),
		MaxKeys: aws.Int32(1),
	})
	b.observe("stat", start, err)
	if err != nil {
		return bridge.Entry{}, mapError("stat", p, err)
	}
	if len(list.Contents) == 0 && len(list.CommonPrefixes) == 0 {
		return bridge.Entry{}, &os.PathError{Op: "stat", Path: p, Err: os.ErrNotExist}
	}
	var mod time.Time
	if len(list.Contents) > 0 && aws.ToString(list.Contents[0].Key) == k+"/" {
		mod = aws.ToTime(list.Contents[0].LastModified)
	}
	return dirEntry(p, mod), nil
}

// OpenRead implements bridge.Provider.
func (b *bucket) openRead(ctx context.Context, p string) (io.ReadCloser, error) {
	start := time.Now()
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(b.name), Key: aws.String(b.key(p))})
	b.observe("get", start, err)
	if err != nil {
		return nil, mapError("open", p, err)
	}
	return out.Body, nil
}

// spool buffers a write in a temp file; S3 needs the length up front.
type spool struct {
	*os.File
	b   *bucket
	ctx context.Context
	p   string
}

func (s *spool) Close() error {
	defer os.Remove(s.File.Name())
	defer s.File.Close()

	size, err := s.File.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("failed to size upload: %w", err)
	}
	if _, err := s.File.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind upload: %w", err)
	}

	start := time.Now()
	_, err = s.b.api.PutObject(s.ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.b.name),
		Key:           aws.String(s.b.key(s.p)),
		Body:          s.File,
		ContentLength: aws.Int64(size),
	})
	s.b.observe("put", start, err)
	if err != nil {
		return mapError("put", s.p, err)
	}
	s.b.log.Debug().Str("key", s.b.key(s.p)).Int64("size", size).Msg("put object")
	return nil
}

// OpenWrite implements bridge.Provider. The object appears when the writer
// is closed.
func (b *bucket) openWrite(ctx context.Context, p string, mode os.FileMode) (io.WriteCloser, error) {
	if isRoot(p) {
		return nil, &os.PathError{Op: "open", Path: p, Err: syscall.EISDIR}
	}
	f, err := os.CreateTemp("", "filebridge-s3-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	return &spool{File: f, b: b, ctx: ctx, p: p}, nil
}

// MakeDir implements bridge.Provider.
func (b *bucket) makeDir(ctx context.Context, p string) error {
	if _, err := b.stat(ctx, p); err == nil {
		return &os.PathError{Op: "mkdir", Path: p, Err: os.ErrExist}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	start := time.Now()
	_, err := b.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.name),
		Key:           aws.String(b.dirPrefix(p)),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	b.observe("mkdir", start, err)
	return mapError("mkdir", p, err)
}

// Remove implements bridge.Provider. Directories must be empty apart from
// their marker.
func (b *bucket) remove(ctx context.Context, p string) error {
	e, err := b.stat(ctx, p)
	if err != nil {
		return err
	}

	k := b.key(p)
	if e.IsDir() {
		children, err := b.list(ctx, p)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return &os.PathError{Op: "remove", Path: p, Err: syscall.ENOTEMPTY}
		}
		k += "/"
	}

	start := time.Now()
	_, err = b.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(b.name), Key: aws.String(k)})
	b.observe("delete", start, err)
	return mapError("remove", p, err)
}
