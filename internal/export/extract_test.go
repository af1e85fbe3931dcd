package export

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresuchdata/export2s3/internal/domain"
)

func rawItems(t *testing.T, payload string) []json.RawMessage {
	t.Helper()
	items, err := Items(json.RawMessage(payload))
	require.NoError(t, err)
	return items
}

func TestExtractResultShapes(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []domain.RecordKind
	}{
		{
			name:    "object with urls",
			payload: `{"urls":["https://f.example.com/1.gz","https://f.example.com/2.gz"],"prefix":null}`,
			want:    []domain.RecordKind{domain.KindObjectURL, domain.KindObjectURL},
		},
		{
			name:    "object with prefix",
			payload: `{"urls":null,"prefix":"s3://vendor/exports/run-7"}`,
			want:    []domain.RecordKind{domain.KindPrefixCopy},
		},
		{
			name:    "list of strings",
			payload: `["https://f.example.com/1.gz","s3://vendor/exports/run-7/"]`,
			want:    []domain.RecordKind{domain.KindObjectURL, domain.KindPrefixCopy},
		},
		{
			name:    "list of objects",
			payload: `[{"url":"http://f.example.com/a"},{"urls":["https://f.example.com/b"]},{"prefix":"s3://v/p"}]`,
			want:    []domain.RecordKind{domain.KindObjectURL, domain.KindObjectURL, domain.KindPrefixCopy},
		},
		{
			name:    "null result",
			payload: `null`,
			want:    []domain.RecordKind{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := Extract(rawItems(t, tt.payload))
			require.NoError(t, err)

			kinds := make([]domain.RecordKind, 0, len(records))
			for i, r := range records {
				assert.Equal(t, i+1, r.Seq)
				assert.Equal(t, domain.RecordPending, r.Status)
				kinds = append(kinds, r.Kind)
			}
			assert.Equal(t, tt.want, kinds)
		})
	}
}

func TestExtractPreservesOrder(t *testing.T) {
	records, err := Extract(rawItems(t, `["https://x.example.com/3","https://x.example.com/1","https://x.example.com/2"]`))
	require.NoError(t, err)

	sources := make([]string, 0, len(records))
	for _, r := range records {
		sources = append(sources, r.Source)
	}
	assert.Equal(t, []string{"https://x.example.com/3", "https://x.example.com/1", "https://x.example.com/2"}, sources)
}

func TestExtractRejectsMalformedItems(t *testing.T) {
	tests := map[string]string{
		"number item":          `[1]`,
		"nested list":          `[["https://x.example.com/a"]]`,
		"blank string":         `["https://x.example.com/a","   "]`,
		"unknown object":       `[{"link":"https://x.example.com/a"}]`,
		"url without scheme":   `["x.example.com/a"]`,
		"prefix given as http": `[{"prefix":"https://x.example.com/a"}]`,
		"url given as s3":      `[{"url":"s3://bucket/key"}]`,
		"urls not a list":      `{"urls":"https://x.example.com/a"}`,
	}

	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			records, err := Extract(rawItems(t, payload))

			var pfe *domain.PayloadFormatError
			require.ErrorAs(t, err, &pfe)
			assert.Nil(t, records, "no partial extraction")
		})
	}
}

func TestItemsRejectsScalarResult(t *testing.T) {
	_, err := Items(json.RawMessage(`"s3://bucket/prefix"`))

	var pfe *domain.PayloadFormatError
	require.ErrorAs(t, err, &pfe)
	assert.Equal(t, -1, pfe.Index)
}

func TestManifestRoundTrip(t *testing.T) {
	records, err := Extract(rawItems(t, `["https://x.example.com/a.csv","s3://vendor/p/"]`))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteManifest(&buf, "exp-9", records))

	jobID, back, err := ReadManifest(&buf)
	require.NoError(t, err)
	assert.Equal(t, "exp-9", jobID)
	require.Len(t, back, 2)
	assert.Equal(t, domain.KindPrefixCopy, back[1].Kind)
	assert.Equal(t, "s3://vendor/p/", back[1].Source)
}

func TestReadManifestRejectsKindMismatch(t *testing.T) {
	doc := `{"job_id":"x","records":[{"seq":1,"kind":"PREFIX_COPY","source":"https://x.example.com/a"}]}`

	_, _, err := ReadManifest(strings.NewReader(doc))

	var pfe *domain.PayloadFormatError
	require.ErrorAs(t, err, &pfe)
	assert.Equal(t, 0, pfe.Index)
}
