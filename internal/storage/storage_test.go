package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURI(t *testing.T) {
	loc, err := ParseURI("s3://exports/rapid7/2025/week_10")
	require.NoError(t, err)
	assert.Equal(t, Location{Scheme: "s3", Bucket: "exports", Key: "rapid7/2025/week_10"}, loc)
	assert.Equal(t, "s3://exports/rapid7/2025/week_10", loc.String())
	assert.Equal(t, "rapid7/2025/week_10/", loc.DirPrefix())

	bare, err := ParseURI("s3://exports")
	require.NoError(t, err)
	assert.Equal(t, "", bare.Key)
	assert.Equal(t, "", bare.DirPrefix())

	for _, bad := range []string{"", "exports/key", "https://example.com/a.csv", "s3:///key"} {
		_, err := ParseURI(bad)
		assert.ErrorIs(t, err, ErrInvalidURI, bad)
	}
}

func TestLocationJoin(t *testing.T) {
	loc := Location{Scheme: "s3", Bucket: "b", Key: "root/"}
	assert.Equal(t, "s3://b/root/week_01/file.csv", loc.Join("/week_01/", "file.csv").String())
	assert.Equal(t, "s3://b/x", Location{Scheme: "s3", Bucket: "b"}.Join("x").String())
}

func TestDestinationKey(t *testing.T) {
	assert.Equal(t, "root/vulns/a.csv", DestinationKey("exports/vulns", "exports/vulns/a.csv", "root/vulns/"))
	assert.Equal(t, "root/vulns/nested/b.csv", DestinationKey("exports/vulns/", "exports/vulns/nested/b.csv", "root/vulns"))
	assert.Equal(t, "root/single", DestinationKey("exports/single.csv", "exports/single.csv", "root/single"))
	assert.Equal(t, "a.csv", DestinationKey("p", "p/a.csv", ""))
}

func TestLastSegment(t *testing.T) {
	assert.Equal(t, "vulns", LastSegment("exports/vulns/"))
	assert.Equal(t, "", LastSegment("/"))
}

func TestMemoryGatewayRoundTrip(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway()

	require.NoError(t, g.PutStream(ctx, "s3://b/root/a.csv", strings.NewReader("alpha"), -1))
	rc, err := g.GetStream(ctx, "s3://b/root/a.csv")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))

	g.Seed("s3://src/p/1.json", []byte("1"))
	g.Seed("s3://src/p/2.json", []byte("2"))
	n, err := g.CopyPrefix(ctx, "s3://src/p", "s3://b/root/p/")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	objs, err := g.ListPrefix(ctx, "s3://b/root/")
	require.NoError(t, err)
	keys := make([]string, 0, len(objs))
	for _, o := range objs {
		keys = append(keys, o.Key)
	}
	assert.Equal(t, []string{"root/a.csv", "root/p/1.json", "root/p/2.json"}, keys)

	deleted, err := g.DeletePrefix(ctx, "s3://b/root/")
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	objs, err = g.ListPrefix(ctx, "s3://b/root/")
	require.NoError(t, err)
	assert.Empty(t, objs)
	assert.Equal(t, 2, g.Calls(OpList))
}

func TestMemoryGatewayCopyEmptyPrefix(t *testing.T) {
	g := NewMemoryGateway()
	n, err := g.CopyPrefix(context.Background(), "s3://src/missing", "s3://b/root/missing/")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	objs, err := g.ListPrefix(context.Background(), "s3://b/root/")
	require.NoError(t, err)
	assert.Empty(t, objs)
}

func TestMemoryGatewayHookFailure(t *testing.T) {
	g := NewMemoryGateway()
	boom := errors.New("boom")
	g.Hook = func(_ context.Context, op Op, uri string) error {
		if op == OpPut && strings.HasSuffix(uri, "bad.csv") {
			return boom
		}
		return nil
	}

	err := g.PutStream(context.Background(), "s3://b/root/bad.csv", strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, boom)
	_, ok := g.Object("s3://b/root/bad.csv")
	assert.False(t, ok)

	require.NoError(t, g.PutStream(context.Background(), "s3://b/root/good.csv", strings.NewReader("x"), 1))
	assert.Equal(t, 1, g.PeakInFlight())
}

func TestMemoryGatewayNotFound(t *testing.T) {
	_, err := NewMemoryGateway().GetStream(context.Background(), "s3://b/none")
	assert.ErrorIs(t, err, ErrNotFound)
}
