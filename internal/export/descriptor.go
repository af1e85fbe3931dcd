package export

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/andresuchdata/export2s3/internal/domain"
)

// Descriptor is the hand-off form of one record between the export and
// transfer stages.
type Descriptor struct {
	Seq    int               `json:"seq"`
	Kind   domain.RecordKind `json:"kind"`
	Source string            `json:"source"`
}

// Manifest is the document written by the export stage.
type Manifest struct {
	JobID   string       `json:"job_id"`
	Records []Descriptor `json:"records"`
}

// WriteManifest encodes records as an indented JSON manifest.
func WriteManifest(w io.Writer, jobID string, records []*domain.TransferRecord) error {
	m := Manifest{JobID: jobID, Records: make([]Descriptor, 0, len(records))}
	for _, r := range records {
		m.Records = append(m.Records, Descriptor{Seq: r.Seq, Kind: r.Kind, Source: r.Source})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

// ReadManifest decodes a manifest and rebuilds pending records from it.
// Sources are re-validated against their declared kind.
func ReadManifest(r io.Reader) (string, []*domain.TransferRecord, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return "", nil, fmt.Errorf("decode manifest: %w", err)
	}

	records := make([]*domain.TransferRecord, 0, len(m.Records))
	for i, d := range m.Records {
		kind, source, err := Classify(d.Source)
		if err != nil {
			return "", nil, &domain.PayloadFormatError{Index: i, Reason: err.Error()}
		}
		if d.Kind != "" && d.Kind != kind {
			return "", nil, &domain.PayloadFormatError{
				Index:  i,
				Reason: fmt.Sprintf("declared kind %s does not match source %s", d.Kind, d.Source),
			}
		}
		records = append(records, &domain.TransferRecord{
			Seq:    i + 1,
			Kind:   kind,
			Source: source,
			Status: domain.RecordPending,
		})
	}
	return m.JobID, records, nil
}
