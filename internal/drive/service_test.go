package drive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestFileID(t *testing.T) {
	cases := map[string]string{
		"https://drive.google.com/file/d/1AbC_dEf/view?usp=sharing": "1AbC_dEf",
		"https://drive.google.com/open?id=XYZ123":                   "XYZ123",
		"https://drive.google.com/uc?id=XYZ123&export=download":     "XYZ123",
		"https://drive.usercontent.google.com/download?id=QQ":       "QQ",
	}
	for link, want := range cases {
		got, err := FileID(link)
		require.NoError(t, err, link)
		assert.Equal(t, want, got, link)
	}

	_, err := FileID("https://drive.google.com/drive/folders")
	assert.Error(t, err)
}

func TestOpenDownloadsMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/files/1AbC") || r.URL.Query().Get("alt") != "media" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("id,severity\n1,high\n"))
	}))
	defer srv.Close()

	svc, err := NewServiceWithOptions(context.Background(),
		option.WithHTTPClient(srv.Client()),
		option.WithEndpoint(srv.URL+"/drive/v3/"),
	)
	require.NoError(t, err)

	body, _, err := svc.Open(context.Background(), "https://drive.google.com/file/d/1AbC/view")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "id,severity\n1,high\n", string(data))
}
