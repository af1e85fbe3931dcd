package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockS3Client struct {
	GetObjectFunc               func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObjectFunc               func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObjectFunc              func(context.Context, *s3.CopyObjectInput, ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	ListObjectsV2Func           func(context.Context, *s3.ListObjectsV2Input, ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjectsFunc           func(context.Context, *s3.DeleteObjectsInput, ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CreateMultipartUploadFunc   func(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPartFunc              func(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUploadFunc func(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUploadFunc    func(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

func (m *mockS3Client) GetObject(ctx context.Context, in *s3.GetObjectInput, fns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.GetObjectFunc != nil {
		return m.GetObjectFunc(ctx, in, fns...)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(""))}, nil
}

func (m *mockS3Client) PutObject(ctx context.Context, in *s3.PutObjectInput, fns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.PutObjectFunc != nil {
		return m.PutObjectFunc(ctx, in, fns...)
	}
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) CopyObject(ctx context.Context, in *s3.CopyObjectInput, fns ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	if m.CopyObjectFunc != nil {
		return m.CopyObjectFunc(ctx, in, fns...)
	}
	return &s3.CopyObjectOutput{}, nil
}

func (m *mockS3Client) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, fns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if m.ListObjectsV2Func != nil {
		return m.ListObjectsV2Func(ctx, in, fns...)
	}
	return &s3.ListObjectsV2Output{}, nil
}

func (m *mockS3Client) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, fns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	if m.DeleteObjectsFunc != nil {
		return m.DeleteObjectsFunc(ctx, in, fns...)
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (m *mockS3Client) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, fns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	if m.CreateMultipartUploadFunc != nil {
		return m.CreateMultipartUploadFunc(ctx, in, fns...)
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
}

func (m *mockS3Client) UploadPart(ctx context.Context, in *s3.UploadPartInput, fns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if m.UploadPartFunc != nil {
		return m.UploadPartFunc(ctx, in, fns...)
	}
	return &s3.UploadPartOutput{ETag: aws.String("etag")}, nil
}

func (m *mockS3Client) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, fns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	if m.CompleteMultipartUploadFunc != nil {
		return m.CompleteMultipartUploadFunc(ctx, in, fns...)
	}
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (m *mockS3Client) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, fns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	if m.AbortMultipartUploadFunc != nil {
		return m.AbortMultipartUploadFunc(ctx, in, fns...)
	}
	return &s3.AbortMultipartUploadOutput{}, nil
}

func listing(keys ...string) func(context.Context, *s3.ListObjectsV2Input, ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	return func(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
		out := &s3.ListObjectsV2Output{}
		for _, k := range keys {
			if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
				out.Contents = append(out.Contents, types.Object{Key: aws.String(k), Size: aws.Int64(1)})
			}
		}
		return out, nil
	}
}

func TestS3GatewaySmallPutUsesPutObject(t *testing.T) {
	var got []byte
	mock := &mockS3Client{
		PutObjectFunc: func(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			assert.Equal(t, "target", aws.ToString(in.Bucket))
			assert.Equal(t, "root/a.csv", aws.ToString(in.Key))
			got, _ = io.ReadAll(in.Body)
			return &s3.PutObjectOutput{}, nil
		},
		CreateMultipartUploadFunc: func(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
			t.Fatal("multipart upload not expected")
			return nil, nil
		},
	}
	g := NewS3GatewayWithClient(mock, 16, zerolog.Nop())

	require.NoError(t, g.PutStream(context.Background(), "s3://target/root/a.csv", strings.NewReader("tiny"), -1))
	assert.Equal(t, "tiny", string(got))
}

func TestS3GatewayLargePutStreamsParts(t *testing.T) {
	var (
		mu    sync.Mutex
		parts [][]byte
	)
	var completed *types.CompletedMultipartUpload
	mock := &mockS3Client{
		UploadPartFunc: func(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
			data, _ := io.ReadAll(in.Body)
			mu.Lock()
			parts = append(parts, data)
			mu.Unlock()
			return &s3.UploadPartOutput{ETag: aws.String("e")}, nil
		},
		CompleteMultipartUploadFunc: func(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
			completed = in.MultipartUpload
			return &s3.CompleteMultipartUploadOutput{}, nil
		},
	}
	g := NewS3GatewayWithClient(mock, 4, zerolog.Nop())

	payload := "0123456789"
	require.NoError(t, g.PutStream(context.Background(), "s3://target/root/big.bin", strings.NewReader(payload), -1))

	require.Len(t, parts, 3)
	assert.Equal(t, payload, string(bytes.Join(parts, nil)))
	require.NotNil(t, completed)
	require.Len(t, completed.Parts, 3)
	assert.Equal(t, int32(3), aws.ToInt32(completed.Parts[2].PartNumber))
}

func TestS3GatewayAbortsFailedMultipart(t *testing.T) {
	aborted := false
	mock := &mockS3Client{
		UploadPartFunc: func(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
			if aws.ToInt32(in.PartNumber) == 2 {
				return nil, errors.New("part rejected")
			}
			return &s3.UploadPartOutput{ETag: aws.String("e")}, nil
		},
		AbortMultipartUploadFunc: func(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
			aborted = true
			return &s3.AbortMultipartUploadOutput{}, nil
		},
	}
	g := NewS3GatewayWithClient(mock, 2, zerolog.Nop())

	err := g.PutStream(context.Background(), "s3://target/k", strings.NewReader("abcdef"), 6)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "part rejected")
	assert.True(t, aborted)
}

func TestS3GatewayCopyPrefix(t *testing.T) {
	var copies []string
	mock := &mockS3Client{
		ListObjectsV2Func: listing("exports/vulns/a.csv", "exports/vulns/b c.csv", "other/x"),
		CopyObjectFunc: func(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
			copies = append(copies, aws.ToString(in.CopySource)+" -> "+aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
			return &s3.CopyObjectOutput{}, nil
		},
	}
	g := NewS3GatewayWithClient(mock, 0, zerolog.Nop())

	n, err := g.CopyPrefix(context.Background(), "s3://source/exports/vulns", "s3://target/root/vulns/")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{
		"source/exports/vulns/a.csv -> target/root/vulns/a.csv",
		"source/exports/vulns/b%20c.csv -> target/root/vulns/b c.csv",
	}, copies)
}

func TestS3GatewayCopyEmptyPrefix(t *testing.T) {
	g := NewS3GatewayWithClient(&mockS3Client{}, 0, zerolog.Nop())
	n, err := g.CopyPrefix(context.Background(), "s3://source/none", "s3://target/root/none/")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestS3GatewayDeletePrefixReportsKeyErrors(t *testing.T) {
	mock := &mockS3Client{
		ListObjectsV2Func: listing("root/a", "root/b"),
		DeleteObjectsFunc: func(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
			assert.Len(t, in.Delete.Objects, 2)
			return &s3.DeleteObjectsOutput{Errors: []types.Error{{Key: aws.String("root/b"), Message: aws.String("AccessDenied")}}}, nil
		},
	}
	g := NewS3GatewayWithClient(mock, 0, zerolog.Nop())

	deleted, err := g.DeletePrefix(context.Background(), "s3://target/root/")
	require.Error(t, err)
	assert.Equal(t, 1, deleted)
	assert.Contains(t, err.Error(), "root/b")
}

func TestS3GatewayRejectsForeignScheme(t *testing.T) {
	g := NewS3GatewayWithClient(&mockS3Client{}, 0, zerolog.Nop())
	_, err := g.ListPrefix(context.Background(), "gs://bucket/p")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}
