package taxonomy

import (
	"errors"
	"strings"
	"time"
)

// Level is the depth of a node in the Classification → Class → Cause hierarchy.
type Level string

const (
	LevelClassification Level = "classification"
	LevelClass          Level = "class"
	LevelCause          Level = "cause"
)

// Node is a taxonomy entry. Nodes referenced by a matrix entry or a claim are
// only ever soft-deleted.
type Node struct {
	ID        string
	Name      string
	Level     Level
	ParentID  *string
	DeletedAt *time.Time
}

// Triple identifies a full classification path.
type Triple struct {
	ClassificationID string `yaml:"classification_id"`
	ClassID          string `yaml:"class_id"`
	CauseID          string `yaml:"cause_id"`
}

// IsZero reports whether no level has been chosen yet.
func (t Triple) IsZero() bool {
	return t.ClassificationID == "" && t.ClassID == "" && t.CauseID == ""
}

// MatrixEntry is one row of the routing matrix, unique per Triple.
type MatrixEntry struct {
	ID                   string
	Triple               Triple
	FirstContactOwnerIDs []string
	InitialAttentionDays *int
	TreatmentOwnerID     string
	ResponseDays         int
	ResponseType         string
	Active               bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// EntryParams carries the writable fields of a matrix entry.
type EntryParams struct {
	Triple               Triple
	FirstContactOwnerIDs []string
	InitialAttentionDays *int
	TreatmentOwnerID     string
	ResponseDays         int
	ResponseType         string
}

// CreateNodeParams contains write parameters for taxonomy nodes.
type CreateNodeParams struct {
	Name     string
	Level    Level
	ParentID *string
}

// Validate checks the shape of a node before it is written. The parent's
// existence is left to the foreign key.
func (p CreateNodeParams) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("taxonomy: node name is required")
	}
	switch p.Level {
	case LevelClassification:
		if p.ParentID != nil {
			return errors.New("taxonomy: classifications have no parent")
		}
	case LevelClass, LevelCause:
		if p.ParentID == nil || strings.TrimSpace(*p.ParentID) == "" {
			return errors.New("taxonomy: " + string(p.Level) + " requires a parent")
		}
	default:
		return errors.New("taxonomy: unknown level " + string(p.Level))
	}
	return nil
}
