package transfer

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/andresuchdata/export2s3/internal/domain"
	"github.com/andresuchdata/export2s3/internal/storage"
)

// TargetScheme is the URI scheme used for target locators.
const TargetScheme = "s3"

// WeeklyPrefix builds <prefix>/<ISO year>/week_<ISO week>.
func WeeklyPrefix(prefix string, date time.Time) string {
	year, week := date.ISOWeek()
	parts := make([]string, 0, 3)
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, strconv.Itoa(year), fmt.Sprintf("week_%02d", week))
	return strings.Join(parts, "/")
}

// WeeklyRoot is the target root URI for the week containing date.
func WeeklyRoot(bucket, prefix string, date time.Time) string {
	return storage.URI(TargetScheme, bucket, WeeklyPrefix(prefix, date))
}

// RootHasData reports whether at least one object already sits under root.
func RootHasData(ctx context.Context, gw storage.Gateway, root string) (bool, error) {
	loc, err := storage.ParseURI(root)
	if err != nil {
		return false, err
	}
	loc.Key = loc.DirPrefix()
	objs, err := gw.ListPrefix(ctx, loc.String())
	if err != nil {
		return false, err
	}
	return len(objs) > 0, nil
}

// AssignTargets fills in the target locator of every record that has none,
// then checks that all targets sit under root and are pairwise distinct.
// Names that collide get a -<seq> suffix, first occurrence wins.
func AssignTargets(root string, records []*domain.TransferRecord) error {
	rootLoc, err := storage.ParseURI(root)
	if err != nil {
		return &domain.ConfigurationError{Field: "target_root", Reason: err.Error()}
	}
	if strings.Trim(rootLoc.Key, "/") == "" {
		return &domain.ConfigurationError{Field: "target_root", Reason: "target prefix must not be empty"}
	}
	dir := rootLoc.DirPrefix()

	taken := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.Target != "" {
			taken[targetName(dir, rec.Target)] = true
		}
	}

	for _, rec := range records {
		if rec.Target != "" {
			continue
		}
		name, err := baseName(rec)
		if err != nil {
			return err
		}
		unique := name
		for n := 0; taken[unique]; n++ {
			unique = withSuffix(name, rec.Seq, n)
		}
		taken[unique] = true

		target := rootLoc.Join(unique)
		if rec.Kind == domain.KindPrefixCopy {
			target.Key += "/"
		}
		rec.Target = target.String()
	}

	seen := make(map[string]int, len(records))
	for _, rec := range records {
		loc, err := storage.ParseURI(rec.Target)
		if err != nil {
			return &domain.ConfigurationError{Field: "target", Reason: err.Error()}
		}
		if loc.Bucket != rootLoc.Bucket || !strings.HasPrefix(loc.Key, dir) {
			return &domain.ConfigurationError{
				Field:  "target",
				Reason: fmt.Sprintf("record %d target %s is outside %s", rec.Seq, rec.Target, root),
			}
		}
		key := strings.TrimSuffix(loc.Key, "/")
		if other, dup := seen[key]; dup {
			return &domain.ConfigurationError{
				Field:  "target",
				Reason: fmt.Sprintf("records %d and %d share target %s", other, rec.Seq, rec.Target),
			}
		}
		seen[key] = rec.Seq
	}
	return nil
}

func targetName(dir, target string) string {
	loc, err := storage.ParseURI(target)
	if err != nil {
		return target
	}
	return strings.Trim(strings.TrimPrefix(loc.Key, dir), "/")
}

// baseName is the per-record suffix below the root before disambiguation.
func baseName(rec *domain.TransferRecord) (string, error) {
	switch rec.Kind {
	case domain.KindObjectURL:
		u, err := url.Parse(rec.Source)
		if err != nil {
			return "", &domain.ConfigurationError{Field: "source", Reason: err.Error()}
		}
		name := path.Base(u.Path)
		if name == "." || name == "/" || name == "" {
			name = u.Hostname()
		}
		return name, nil
	case domain.KindPrefixCopy:
		loc, err := storage.ParseURI(rec.Source)
		if err != nil {
			return "", &domain.ConfigurationError{Field: "source", Reason: err.Error()}
		}
		if name := storage.LastSegment(loc.Key); name != "" {
			return name, nil
		}
		return loc.Bucket, nil
	default:
		return "", &domain.ConfigurationError{Field: "kind", Reason: fmt.Sprintf("record %d has unknown kind %q", rec.Seq, rec.Kind)}
	}
}

// withSuffix inserts -<seq> before the first extension: a.csv.gz -> a-3.csv.gz.
func withSuffix(name string, seq, n int) string {
	tag := "-" + strconv.Itoa(seq)
	if n > 0 {
		tag += "-" + strconv.Itoa(n)
	}
	if i := strings.Index(name, "."); i > 0 {
		return name[:i] + tag + name[i:]
	}
	return name + tag
}
