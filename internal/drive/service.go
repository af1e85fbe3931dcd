package drive

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// Hosts are the URL hosts served through the Drive API.
var Hosts = []string{"drive.google.com", "drive.usercontent.google.com"}

type Service struct {
	srv *drive.Service
}

// NewService authenticates with a service-account JSON key.
func NewService(ctx context.Context, credentialsJSON string) (*Service, error) {
	config, err := google.JWTConfigFromJSON(
		[]byte(credentialsJSON),
		drive.DriveReadonlyScope,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to parse drive credentials: %w", err)
	}

	return NewServiceWithOptions(ctx, option.WithHTTPClient(config.Client(ctx)))
}

// NewServiceWithOptions builds the Drive client from explicit options.
func NewServiceWithOptions(ctx context.Context, opts ...option.ClientOption) (*Service, error) {
	srv, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create drive client: %w", err)
	}
	return &Service{srv: srv}, nil
}

// Open implements transfer.Fetcher for Drive share links.
func (s *Service) Open(ctx context.Context, link string) (io.ReadCloser, int64, error) {
	id, err := FileID(link)
	if err != nil {
		return nil, 0, err
	}

	resp, err := s.srv.Files.Get(id).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		return nil, 0, fmt.Errorf("unable to download drive file %s: %w", id, err)
	}
	return resp.Body, resp.ContentLength, nil
}

// FileID extracts the file id from the common Drive link forms:
// /file/d/<id>/view, /open?id=<id> and /uc?id=<id>.
func FileID(link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("invalid drive link: %w", err)
	}

	if id := u.Query().Get("id"); id != "" {
		return id, nil
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "d" && parts[i+1] != "" {
			return parts[i+1], nil
		}
	}
	return "", fmt.Errorf("no file id in drive link %s", link)
}
