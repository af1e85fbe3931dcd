package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/andresuchdata/export2s3/internal/domain"
	"github.com/andresuchdata/export2s3/internal/storage"
)

// Extract turns raw result items into transfer records, preserving order.
// Accepted items are locator strings and objects carrying url, urls or
// prefix. Any other item fails the whole extraction.
func Extract(items []json.RawMessage) ([]*domain.TransferRecord, error) {
	records := make([]*domain.TransferRecord, 0, len(items))
	add := func(kind domain.RecordKind, source string) {
		records = append(records, &domain.TransferRecord{
			Seq:    len(records) + 1,
			Kind:   kind,
			Source: source,
			Status: domain.RecordPending,
		})
	}

	for i, raw := range items {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			return nil, &domain.PayloadFormatError{Index: i, Reason: "empty item"}
		}

		switch raw[0] {
		case '"':
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, &domain.PayloadFormatError{Index: i, Reason: err.Error()}
			}
			kind, source, err := Classify(s)
			if err != nil {
				return nil, &domain.PayloadFormatError{Index: i, Reason: err.Error()}
			}
			add(kind, source)

		case '{':
			found, err := extractObject(raw, add)
			if err != nil {
				return nil, &domain.PayloadFormatError{Index: i, Reason: err.Error()}
			}
			if !found {
				return nil, &domain.PayloadFormatError{Index: i, Reason: "object carries none of url, urls, prefix"}
			}

		default:
			return nil, &domain.PayloadFormatError{Index: i, Reason: "item is neither a string nor an object"}
		}
	}
	return records, nil
}

func extractObject(raw json.RawMessage, add func(domain.RecordKind, string)) (bool, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false, err
	}

	found := false
	if v, ok := present(fields, "url"); ok {
		found = true
		var u string
		if err := json.Unmarshal(v, &u); err != nil {
			return false, fmt.Errorf("url: %w", err)
		}
		src, err := objectURL(u)
		if err != nil {
			return false, err
		}
		add(domain.KindObjectURL, src)
	}
	if v, ok := present(fields, "urls"); ok {
		found = true
		var urls []string
		if err := json.Unmarshal(v, &urls); err != nil {
			return false, fmt.Errorf("urls: %w", err)
		}
		for _, u := range urls {
			src, err := objectURL(u)
			if err != nil {
				return false, err
			}
			add(domain.KindObjectURL, src)
		}
	}
	if v, ok := present(fields, "prefix"); ok {
		found = true
		var p string
		if err := json.Unmarshal(v, &p); err != nil {
			return false, fmt.Errorf("prefix: %w", err)
		}
		src, err := prefixURI(p)
		if err != nil {
			return false, err
		}
		add(domain.KindPrefixCopy, src)
	}
	return found, nil
}

func present(fields map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	v, ok := fields[key]
	if !ok || string(bytes.TrimSpace(v)) == "null" {
		return nil, false
	}
	return v, true
}

// Classify decides the record kind of a bare locator string.
func Classify(locator string) (domain.RecordKind, string, error) {
	s := strings.TrimSpace(locator)
	if s == "" {
		return "", "", fmt.Errorf("blank locator")
	}
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		src, err := objectURL(s)
		return domain.KindObjectURL, src, err
	}
	src, err := prefixURI(s)
	return domain.KindPrefixCopy, src, err
}

func objectURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("object url %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("object url %q is not an absolute http(s) url", raw)
	}
	return s, nil
}

func prefixURI(raw string) (string, error) {
	loc, err := storage.ParseURI(raw)
	if err != nil {
		return "", fmt.Errorf("prefix %q: %w", raw, err)
	}
	return loc.String(), nil
}
