package main

import (
	"encoding/json"
	"time"

	"claimflow/area"
	"claimflow/claim"
	"claimflow/sla"
	"claimflow/taxonomy"
)

type claimResponse struct {
	ID                  string  `json:"id"`
	Version             int64   `json:"version"`
	ClassificationID    string  `json:"classificationId,omitempty"`
	ClassID             string  `json:"classId,omitempty"`
	CauseID             string  `json:"causeId,omitempty"`
	ProductID           string  `json:"productId,omitempty"`
	CustomerRef         string  `json:"customerRef"`
	Description         string  `json:"description,omitempty"`
	State               string  `json:"state"`
	CreatedAt           string  `json:"createdAt"`
	UpdatedAt           string  `json:"updatedAt"`
	MatrixEntryID       *string `json:"matrixEntryId"`
	ResponseDays        *int    `json:"responseDays"`
	ResponseType        string  `json:"responseType,omitempty"`
	TheoreticalDeadline *string `json:"theoreticalDeadline"`
	ResponsibleAreaID   *string `json:"responsibleAreaId"`
	ResponsiblePersonID *string `json:"responsiblePersonId"`
	ClosureDate         *string `json:"closureDate"`
	DelayDays           *int    `json:"delayDays"`
	Compliant           *bool   `json:"compliant"`
	Compliance          string  `json:"compliance"`
	FirstContactNotes   string  `json:"firstContactNotes,omitempty"`
	ProgressNotes       string  `json:"progressNotes,omitempty"`
	SolutionText        string  `json:"solutionText,omitempty"`
	ClosingLetterRef    *string `json:"closingLetterRef"`
	RejectionNotes      *string `json:"rejectionNotes"`
	Rating              *string `json:"rating"`
}

type claimListResponse struct {
	Items []claimResponse `json:"items"`
	Total int             `json:"total"`
}

type timelineResponse struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	ActorID   string          `json:"actorId"`
	FromState *string         `json:"fromState"`
	ToState   string          `json:"toState"`
	Version   int64           `json:"version"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt string          `json:"createdAt"`
}

type entryResponse struct {
	ID                   string   `json:"id"`
	ClassificationID     string   `json:"classificationId"`
	ClassID              string   `json:"classId"`
	CauseID              string   `json:"causeId"`
	FirstContactOwnerIDs []string `json:"firstContactOwnerIds"`
	InitialAttentionDays *int     `json:"initialAttentionDays"`
	TreatmentOwnerID     string   `json:"treatmentOwnerId"`
	ResponseDays         int      `json:"responseDays"`
	ResponseType         string   `json:"responseType,omitempty"`
	Active               bool     `json:"active"`
	UpdatedAt            string   `json:"updatedAt"`
}

type importResponse struct {
	Created     int `json:"created"`
	Updated     int `json:"updated"`
	Deactivated int `json:"deactivated"`
}

type areaResponse struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	OwnerUserID *string `json:"ownerUserId"`
}

type letterResponse struct {
	Ref    string `json:"ref"`
	Format string `json:"format"`
}

func toClaimResponse(c claim.Claim, compliance sla.Compliance) claimResponse {
	resp := claimResponse{
		ID:                  c.ID,
		Version:             c.Version,
		ClassificationID:    c.Triple.ClassificationID,
		ClassID:             c.Triple.ClassID,
		CauseID:             c.Triple.CauseID,
		ProductID:           c.ProductID,
		CustomerRef:         c.CustomerRef,
		Description:         c.Description,
		State:               string(c.State),
		CreatedAt:           c.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:           c.UpdatedAt.UTC().Format(time.RFC3339),
		MatrixEntryID:       c.MatrixEntryID,
		ResponseDays:        c.ResponseDaysSnapshot,
		ResponseType:        c.ResponseType,
		TheoreticalDeadline: formatDate(c.TheoreticalDeadline),
		ResponsibleAreaID:   c.ResponsibleAreaID,
		ResponsiblePersonID: c.ResponsiblePersonID,
		ClosureDate:         formatDate(c.ClosureDate),
		DelayDays:           c.DelayDays,
		Compliant:           c.Compliant,
		Compliance:          string(compliance),
		FirstContactNotes:   c.FirstContactNotes,
		ProgressNotes:       c.ProgressNotes,
		SolutionText:        c.SolutionText,
		ClosingLetterRef:    c.ClosingLetterRef,
		RejectionNotes:      c.RejectionNotes,
	}
	if c.Rating != nil {
		v := string(*c.Rating)
		resp.Rating = &v
	}
	return resp
}

func toTimelineResponse(ev claim.TimelineEvent) timelineResponse {
	resp := timelineResponse{
		ID:        ev.ID,
		Type:      string(ev.Type),
		ActorID:   ev.ActorID,
		ToState:   string(ev.ToState),
		Version:   ev.Version,
		CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339),
	}
	if ev.FromState != nil {
		v := string(*ev.FromState)
		resp.FromState = &v
	}
	if len(ev.Payload) > 0 {
		resp.Payload = json.RawMessage(ev.Payload)
	}
	return resp
}

func toEntryResponse(e taxonomy.MatrixEntry) entryResponse {
	return entryResponse{
		ID:                   e.ID,
		ClassificationID:     e.Triple.ClassificationID,
		ClassID:              e.Triple.ClassID,
		CauseID:              e.Triple.CauseID,
		FirstContactOwnerIDs: e.FirstContactOwnerIDs,
		InitialAttentionDays: e.InitialAttentionDays,
		TreatmentOwnerID:     e.TreatmentOwnerID,
		ResponseDays:         e.ResponseDays,
		ResponseType:         e.ResponseType,
		Active:               e.Active,
		UpdatedAt:            e.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toAreaResponse(a area.Area) areaResponse {
	return areaResponse{ID: a.ID, Name: a.Name, OwnerUserID: a.OwnerUserID}
}

// formatDate renders a calendar date without a time component.
func formatDate(d *time.Time) *string {
	if d == nil {
		return nil
	}
	v := d.Format(time.DateOnly)
	return &v
}
