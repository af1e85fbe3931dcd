package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

const (
	defaultPartSize = 8 * 1024 * 1024
	maxDeleteBatch  = 1000
)

// S3API is the subset of the AWS S3 client used by S3Gateway.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// S3Config holds the Amazon S3 connection settings. Empty keys fall back to
// the default AWS credential chain.
type S3Config struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
	PartSize  int64
}

// S3Gateway implements Gateway on top of aws-sdk-go-v2.
type S3Gateway struct {
	client   S3API
	partSize int64
	log      zerolog.Logger
}

// NewS3Gateway loads the AWS configuration and builds a gateway.
func NewS3Gateway(ctx context.Context, cfg S3Config, log zerolog.Logger) (*S3Gateway, error) {
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return NewS3GatewayWithClient(client, cfg.PartSize, log), nil
}

// NewS3GatewayWithClient wraps an existing client.
func NewS3GatewayWithClient(client S3API, partSize int64, log zerolog.Logger) *S3Gateway {
	if partSize <= 0 {
		partSize = defaultPartSize
	}
	return &S3Gateway{
		client:   client,
		partSize: partSize,
		log:      log.With().Str("component", "s3").Logger(),
	}
}

func (g *S3Gateway) locate(op, uri string) (Location, error) {
	loc, err := ParseURI(uri)
	if err != nil {
		return Location{}, wrapErr(op, uri, err)
	}
	if err := checkScheme(loc, "s3", "s3a"); err != nil {
		return Location{}, wrapErr(op, uri, err)
	}
	return loc, nil
}

// GetStream opens an object for reading.
func (g *S3Gateway) GetStream(ctx context.Context, uri string) (io.ReadCloser, error) {
	loc, err := g.locate("get", uri)
	if err != nil {
		return nil, err
	}
	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, wrapErr("get", uri, translateS3Error(err))
	}
	return out.Body, nil
}

// PutStream uploads r into uri. Payloads that fit in one part go out as a
// single PutObject; anything larger is streamed as a multipart upload with
// one part buffered at a time.
func (g *S3Gateway) PutStream(ctx context.Context, uri string, r io.Reader, size int64) error {
	loc, err := g.locate("put", uri)
	if err != nil {
		return err
	}

	buf := make([]byte, g.partSize)
	n, rerr := io.ReadFull(r, buf)
	switch {
	case rerr == io.EOF || rerr == io.ErrUnexpectedEOF:
		_, err := g.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(loc.Bucket),
			Key:           aws.String(loc.Key),
			Body:          bytes.NewReader(buf[:n]),
			ContentLength: aws.Int64(int64(n)),
		})
		return wrapErr("put", uri, translateS3Error(err))
	case rerr != nil:
		return wrapErr("put", uri, fmt.Errorf("read source: %w", rerr))
	}

	return g.multipartPut(ctx, loc, uri, r, buf)
}

func (g *S3Gateway) multipartPut(ctx context.Context, loc Location, uri string, r io.Reader, buf []byte) error {
	created, err := g.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return wrapErr("put", uri, translateS3Error(err))
	}
	uploadID := created.UploadId

	abort := func(cause error) error {
		actx := context.WithoutCancel(ctx)
		if _, err := g.client.AbortMultipartUpload(actx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(loc.Bucket),
			Key:      aws.String(loc.Key),
			UploadId: uploadID,
		}); err != nil {
			g.log.Warn().Err(err).Str("uri", uri).Msg("abort multipart upload failed")
		}
		return wrapErr("put", uri, cause)
	}

	var parts []types.CompletedPart
	n := len(buf)
	for partNum := int32(1); ; partNum++ {
		out, err := g.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(loc.Bucket),
			Key:           aws.String(loc.Key),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(partNum),
			Body:          bytes.NewReader(buf[:n]),
			ContentLength: aws.Int64(int64(n)),
		})
		if err != nil {
			return abort(translateS3Error(err))
		}
		parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(partNum)})

		var rerr error
		n, rerr = io.ReadFull(r, buf)
		if rerr == io.EOF {
			break
		}
		if rerr != nil && rerr != io.ErrUnexpectedEOF {
			return abort(fmt.Errorf("read source: %w", rerr))
		}
	}

	_, err = g.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(loc.Bucket),
		Key:             aws.String(loc.Key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return abort(translateS3Error(err))
	}
	g.log.Debug().Str("uri", uri).Int("parts", len(parts)).Msg("multipart upload completed")
	return nil
}

// CopyPrefix copies every object under src into dst with CopyObject.
func (g *S3Gateway) CopyPrefix(ctx context.Context, src, dst string) (int, error) {
	srcLoc, err := g.locate("copy", src)
	if err != nil {
		return 0, err
	}
	dstLoc, err := g.locate("copy", dst)
	if err != nil {
		return 0, err
	}

	copied := 0
	err = g.walk(ctx, srcLoc.Bucket, srcLoc.Key, func(obj types.Object) error {
		key := aws.ToString(obj.Key)
		_, err := g.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(dstLoc.Bucket),
			Key:        aws.String(DestinationKey(srcLoc.Key, key, dstLoc.Key)),
			CopySource: aws.String(copySource(srcLoc.Bucket, key)),
		})
		if err != nil {
			return wrapErr("copy", URI(srcLoc.Scheme, srcLoc.Bucket, key), translateS3Error(err))
		}
		copied++
		return nil
	})
	if err != nil {
		return copied, wrapErr("copy", src, err)
	}
	return copied, nil
}

// DeletePrefix removes every object under uri in batches of up to 1000 keys.
func (g *S3Gateway) DeletePrefix(ctx context.Context, uri string) (int, error) {
	loc, err := g.locate("delete", uri)
	if err != nil {
		return 0, err
	}

	var keys []string
	err = g.walk(ctx, loc.Bucket, loc.Key, func(obj types.Object) error {
		keys = append(keys, aws.ToString(obj.Key))
		return nil
	})
	if err != nil {
		return 0, wrapErr("delete", uri, err)
	}

	deleted := 0
	for i := 0; i < len(keys); i += maxDeleteBatch {
		end := min(i+maxDeleteBatch, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-i)
		for _, k := range keys[i:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := g.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(loc.Bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return deleted, wrapErr("delete", uri, translateS3Error(err))
		}
		deleted += len(ids) - len(out.Errors)
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return deleted, wrapErr("delete", uri, fmt.Errorf("%d key(s) not deleted, first %s: %s",
				len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message)))
		}
	}
	return deleted, nil
}

// ListPrefix lists every object under uri.
func (g *S3Gateway) ListPrefix(ctx context.Context, uri string) ([]ObjectInfo, error) {
	loc, err := g.locate("list", uri)
	if err != nil {
		return nil, err
	}

	results := make([]ObjectInfo, 0)
	err = g.walk(ctx, loc.Bucket, loc.Key, func(obj types.Object) error {
		results = append(results, ObjectInfo{
			Key:  aws.ToString(obj.Key),
			Size: aws.ToInt64(obj.Size),
		})
		return nil
	})
	if err != nil {
		return nil, wrapErr("list", uri, err)
	}
	return results, nil
}

func (g *S3Gateway) walk(ctx context.Context, bucket, prefix string, fn func(types.Object) error) error {
	paginator := s3.NewListObjectsV2Paginator(g.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return translateS3Error(err)
		}
		for _, obj := range page.Contents {
			if err := fn(obj); err != nil {
				return err
			}
		}
	}
	return nil
}

func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

func translateS3Error(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}
	return err
}

var _ Gateway = (*S3Gateway)(nil)
