package taxonomy

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// MatrixFile is the YAML layout of a bulk matrix import.
//
//	entries:
//	  - classification_id: ...
//	    class_id: ...
//	    cause_id: ...
//	    first_contact_owner_ids: [u1, u2]
//	    treatment_owner_id: u3
//	    response_days: 15
//	    response_type: written
//	    active: true
type MatrixFile struct {
	Entries []MatrixFileEntry `yaml:"entries"`
}

// MatrixFileEntry is one entry in a MatrixFile.
type MatrixFileEntry struct {
	Triple               `yaml:",inline"`
	FirstContactOwnerIDs []string `yaml:"first_contact_owner_ids"`
	InitialAttentionDays *int     `yaml:"initial_attention_days"`
	TreatmentOwnerID     string   `yaml:"treatment_owner_id"`
	ResponseDays         int      `yaml:"response_days"`
	ResponseType         string   `yaml:"response_type"`
	Active               *bool    `yaml:"active"`
}

// ImportResult counts what an import did.
type ImportResult struct {
	Created     int
	Updated     int
	Deactivated int
}

// ParseMatrixFile decodes a matrix file.
func ParseMatrixFile(r io.Reader) (MatrixFile, error) {
	var f MatrixFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return MatrixFile{}, nil
		}
		return MatrixFile{}, fmt.Errorf("taxonomy: decode matrix file: %w", err)
	}
	return f, nil
}

// Params converts a file entry to write parameters.
func (e MatrixFileEntry) Params() EntryParams {
	return EntryParams{
		Triple:               e.Triple,
		FirstContactOwnerIDs: e.FirstContactOwnerIDs,
		InitialAttentionDays: e.InitialAttentionDays,
		TreatmentOwnerID:     e.TreatmentOwnerID,
		ResponseDays:         e.ResponseDays,
		ResponseType:         e.ResponseType,
	}
}

// IsActive defaults a missing active flag to true.
func (e MatrixFileEntry) IsActive() bool {
	return e.Active == nil || *e.Active
}
