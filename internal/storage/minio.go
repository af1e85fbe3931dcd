package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// MinioConfig encapsulates the connection info for S3-compatible storage.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	PartSize  uint64
}

// MinioGateway implements Gateway for S3-compatible services via minio-go.
type MinioGateway struct {
	client   *minio.Client
	partSize uint64
	log      zerolog.Logger
}

// NewMinioGateway builds a gateway. Without static keys, credentials come
// from the environment, the shared AWS credentials file or instance IAM.
func NewMinioGateway(cfg MinioConfig, log zerolog.Logger) (*MinioGateway, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint must be provided")
	}

	endpoint := cfg.Endpoint
	secure := cfg.UseSSL
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		secure = true
		endpoint = strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		secure = false
		endpoint = strings.TrimPrefix(endpoint, "http://")
	}
	endpoint = strings.TrimSuffix(strings.TrimPrefix(endpoint, "//"), "/")

	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	var creds *credentials.Credentials
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{Client: &http.Client{Transport: http.DefaultTransport}},
		})
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:        creds,
		Secure:       secure,
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	partSize := cfg.PartSize
	if partSize == 0 {
		partSize = defaultPartSize
	}

	return &MinioGateway{
		client:   client,
		partSize: partSize,
		log:      log.With().Str("component", "minio").Logger(),
	}, nil
}

func (g *MinioGateway) locate(op, uri string) (Location, error) {
	loc, err := ParseURI(uri)
	if err != nil {
		return Location{}, wrapErr(op, uri, err)
	}
	if err := checkScheme(loc, "s3", "minio"); err != nil {
		return Location{}, wrapErr(op, uri, err)
	}
	return loc, nil
}

// GetStream opens an object for reading.
func (g *MinioGateway) GetStream(ctx context.Context, uri string) (io.ReadCloser, error) {
	loc, err := g.locate("get", uri)
	if err != nil {
		return nil, err
	}
	obj, err := g.client.GetObject(ctx, loc.Bucket, loc.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, wrapErr("get", uri, err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, wrapErr("get", uri, ErrNotFound)
		}
		return nil, wrapErr("get", uri, err)
	}
	return obj, nil
}

// PutStream streams r into uri. Unknown sizes are uploaded in parts of
// partSize so only one part is held in memory at a time.
func (g *MinioGateway) PutStream(ctx context.Context, uri string, r io.Reader, size int64) error {
	loc, err := g.locate("put", uri)
	if err != nil {
		return err
	}
	info, err := g.client.PutObject(ctx, loc.Bucket, loc.Key, r, size, minio.PutObjectOptions{
		PartSize: g.partSize,
	})
	if err != nil {
		return wrapErr("put", uri, err)
	}
	g.log.Debug().Str("uri", uri).Int64("size", info.Size).Msg("object uploaded")
	return nil
}

// CopyPrefix copies every object under src into dst using server-side copy.
func (g *MinioGateway) CopyPrefix(ctx context.Context, src, dst string) (int, error) {
	srcLoc, err := g.locate("copy", src)
	if err != nil {
		return 0, err
	}
	dstLoc, err := g.locate("copy", dst)
	if err != nil {
		return 0, err
	}

	// cancelling stops the listing goroutine when the loop exits early
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	copied := 0
	for obj := range g.client.ListObjects(lctx, srcLoc.Bucket, minio.ListObjectsOptions{
		Prefix:    srcLoc.Key,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return copied, wrapErr("copy", src, obj.Err)
		}
		destKey := DestinationKey(srcLoc.Key, obj.Key, dstLoc.Key)
		_, err := g.client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: dstLoc.Bucket, Object: destKey},
			minio.CopySrcOptions{Bucket: srcLoc.Bucket, Object: obj.Key},
		)
		if err != nil {
			return copied, wrapErr("copy", URI(srcLoc.Scheme, srcLoc.Bucket, obj.Key), err)
		}
		copied++
	}
	return copied, nil
}

// DeletePrefix removes every object under uri.
func (g *MinioGateway) DeletePrefix(ctx context.Context, uri string) (int, error) {
	loc, err := g.locate("delete", uri)
	if err != nil {
		return 0, err
	}

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objects := make(chan minio.ObjectInfo)
	listErr := make(chan error, 1)
	queued := 0
	go func() {
		defer close(objects)
		for obj := range g.client.ListObjects(lctx, loc.Bucket, minio.ListObjectsOptions{
			Prefix:    loc.Key,
			Recursive: true,
		}) {
			if obj.Err != nil {
				listErr <- obj.Err
				return
			}
			select {
			case objects <- obj:
				queued++
			case <-ctx.Done():
				listErr <- ctx.Err()
				return
			}
		}
	}()

	failed := 0
	var firstErr error
	for rerr := range g.client.RemoveObjects(ctx, loc.Bucket, objects, minio.RemoveObjectsOptions{}) {
		failed++
		if firstErr == nil {
			firstErr = fmt.Errorf("remove %s: %w", rerr.ObjectName, rerr.Err)
		}
	}

	select {
	case err := <-listErr:
		if firstErr == nil {
			firstErr = err
		}
	default:
	}

	deleted := queued - failed
	if firstErr != nil {
		return deleted, wrapErr("delete", uri, firstErr)
	}
	return deleted, nil
}

// ListPrefix lists all objects below uri.
func (g *MinioGateway) ListPrefix(ctx context.Context, uri string) ([]ObjectInfo, error) {
	loc, err := g.locate("list", uri)
	if err != nil {
		return nil, err
	}

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]ObjectInfo, 0)
	for obj := range g.client.ListObjects(lctx, loc.Bucket, minio.ListObjectsOptions{
		Prefix:    loc.Key,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, wrapErr("list", uri, obj.Err)
		}
		results = append(results, ObjectInfo{
			Key:  obj.Key,
			Size: obj.Size,
		})
	}
	return results, nil
}

var _ Gateway = (*MinioGateway)(nil)
