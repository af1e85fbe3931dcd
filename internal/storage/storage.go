package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// ObjectInfo represents metadata for a remote file/object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Gateway captures the storage operations the transfer stage needs. All
// locators are URIs of the form scheme://bucket/key.
type Gateway interface {
	// GetStream opens an object for streaming reads.
	GetStream(ctx context.Context, uri string) (io.ReadCloser, error)
	// PutStream writes r into uri without buffering the whole payload.
	// size is -1 when unknown.
	PutStream(ctx context.Context, uri string, r io.Reader, size int64) error
	// CopyPrefix copies every object under src to dst server-side and returns
	// the number of objects copied.
	CopyPrefix(ctx context.Context, src, dst string) (int, error)
	// DeletePrefix removes every object under uri and returns how many went.
	DeletePrefix(ctx context.Context, uri string) (int, error)
	// ListPrefix lists the objects under uri. Keys are bucket-relative.
	ListPrefix(ctx context.Context, uri string) ([]ObjectInfo, error)
}

var (
	ErrUnsupportedScheme = errors.New("storage: unsupported scheme")
	ErrInvalidURI        = errors.New("storage: invalid uri")
	ErrNotFound          = errors.New("storage: object not found")
)

// Error wraps a provider failure with the operation and locator.
type Error struct {
	Op  string
	URI string
	Err error
}

func (e *Error) Error() string {
	if e.URI == "" {
		return fmt.Sprintf("storage.%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage.%s %s: %v", e.Op, e.URI, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrapErr(op, uri string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, URI: uri, Err: err}
}

// Location is a parsed storage URI.
type Location struct {
	Scheme string
	Bucket string
	Key    string
}

// ParseURI splits scheme://bucket/key. HTTP(S) URLs are not storage URIs.
func ParseURI(raw string) (Location, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Location{}, fmt.Errorf("%w: %s: %v", ErrInvalidURI, raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" || u.Host == "" {
		return Location{}, fmt.Errorf("%w: %s", ErrInvalidURI, raw)
	}
	if scheme == "http" || scheme == "https" {
		return Location{}, fmt.Errorf("%w: %s is an http url", ErrInvalidURI, raw)
	}
	return Location{
		Scheme: scheme,
		Bucket: u.Host,
		Key:    strings.TrimPrefix(u.Path, "/"),
	}, nil
}

// String renders the location back into a URI.
func (l Location) String() string {
	if l.Key == "" {
		return fmt.Sprintf("%s://%s", l.Scheme, l.Bucket)
	}
	return fmt.Sprintf("%s://%s/%s", l.Scheme, l.Bucket, l.Key)
}

// DirPrefix returns the key as a directory-style listing prefix.
func (l Location) DirPrefix() string {
	if l.Key == "" || strings.HasSuffix(l.Key, "/") {
		return l.Key
	}
	return l.Key + "/"
}

// Join appends path elements to the location key.
func (l Location) Join(elems ...string) Location {
	parts := make([]string, 0, len(elems)+1)
	if k := strings.Trim(l.Key, "/"); k != "" {
		parts = append(parts, k)
	}
	for _, e := range elems {
		if e = strings.Trim(e, "/"); e != "" {
			parts = append(parts, e)
		}
	}
	l.Key = strings.Join(parts, "/")
	return l
}

// URI builds scheme://bucket/key from its parts.
func URI(scheme, bucket, key string) string {
	return Location{Scheme: scheme, Bucket: bucket, Key: strings.TrimPrefix(key, "/")}.String()
}

func checkScheme(loc Location, schemes ...string) error {
	for _, s := range schemes {
		if loc.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedScheme, loc.Scheme)
}
