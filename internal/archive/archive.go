// Package archive stores the histories of purged instances in S3-compatible
// object storage.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/petrijr/replayflow/internal/persistence"
	"github.com/petrijr/replayflow/pkg/api"
)

// Config describes the object store connection.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	// Prefix is prepended to every object name.
	Prefix string
}

func (c Config) validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("archive: endpoint is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("archive: bucket is required")
	}
	return nil
}

// objectStore is the part of *minio.Client the archiver uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, object string, opts minio.GetObjectOptions) (*minio.Object, error)
}

// MinioArchiver writes one JSON Lines object per instance: the instance
// record first, then its history events in order.
type MinioArchiver struct {
	client objectStore
	bucket string
	prefix string
	region string
}

// NewMinioArchiver connects to the object store described by cfg.
func NewMinioArchiver(cfg Config) (*MinioArchiver, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: create client: %w", err)
	}
	return newArchiver(client, cfg), nil
}

func newArchiver(client objectStore, cfg Config) *MinioArchiver {
	return &MinioArchiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		region: cfg.Region,
	}
}

// EnsureBucket creates the archive bucket if it does not exist.
func (a *MinioArchiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("archive: bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region}); err != nil {
		return fmt.Errorf("archive: make bucket %s: %w", a.bucket, err)
	}
	return nil
}

// ObjectName returns the object holding the archive of inst.
func (a *MinioArchiver) ObjectName(inst *api.Instance) string {
	return a.prefix + path.Join(inst.Name, inst.ID+".jsonl")
}

// Archive uploads inst and events.
func (a *MinioArchiver) Archive(ctx context.Context, inst *api.Instance, events []api.HistoryEvent) error {
	data, err := Encode(inst, events)
	if err != nil {
		return err
	}

	_, err = a.client.PutObject(ctx, a.bucket, a.ObjectName(inst), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/x-ndjson"})
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", a.ObjectName(inst), err)
	}
	return nil
}

// Fetch downloads and decodes an archived instance.
func (a *MinioArchiver) Fetch(ctx context.Context, name, id string) (*api.Instance, []api.HistoryEvent, error) {
	object := a.prefix + path.Join(name, id+".jsonl")
	obj, err := a.client.GetObject(ctx, a.bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("archive: get %s: %w", object, err)
	}
	defer obj.Close()
	return Decode(obj)
}

// Encode renders the archive document of inst.
func Encode(inst *api.Instance, events []api.HistoryEvent) ([]byte, error) {
	var buf bytes.Buffer

	line, err := persistence.EncodeInstance(inst)
	if err != nil {
		return nil, err
	}
	buf.Write(line)
	buf.WriteByte('\n')

	for _, ev := range events {
		line, err := persistence.EncodeEvent(ev)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode.
func Decode(r io.Reader) (*api.Instance, []api.HistoryEvent, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, nil, fmt.Errorf("archive: read: %w", err)
		}
		return nil, nil, fmt.Errorf("archive: empty document")
	}
	inst, err := persistence.DecodeInstance(sc.Bytes())
	if err != nil {
		return nil, nil, err
	}

	var events []api.HistoryEvent
	for sc.Scan() {
		ev, err := persistence.DecodeEvent(sc.Bytes())
		if err != nil {
			return nil, nil, err
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("archive: read: %w", err)
	}
	return inst, events, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
