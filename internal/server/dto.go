package server

import (
	"encoding/json"

	"agencyflow/internal/domain"
)

// Request payloads

type LoginRequest struct {
	Email    string `json:"email" format:"email"`
	Password string `json:"password"`
}

type SubmitRequestRequest struct {
	ClientID    string `json:"client_id,omitempty"`
	ProductID   string `json:"product_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Quantity    int    `json:"quantity" minimum:"1"`
	Priority    string `json:"priority,omitempty" enum:"Normal,Urgent"`
}

type ApproveRequestRequest struct {
	AssigneeID string `json:"assignee_id"`
	DueDate    string `json:"due_date" format:"date"`
	ProjectID  string `json:"project_id,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

type RejectRequestRequest struct {
	Notes string `json:"notes"`
}

type CreateTaskRequest struct {
	ClientID    string `json:"client_id"`
	ProductID   string `json:"product_id"`
	AssigneeID  string `json:"assignee_id"`
	ProjectID   string `json:"project_id,omitempty"`
	Quantity    int    `json:"quantity" minimum:"1"`
	DueDate     string `json:"due_date" format:"date"`
	Description string `json:"description,omitempty"`
}

type AdvanceTaskRequest struct {
	Status string `json:"status" enum:"Backlog,InProgress,InReview,AdjustmentsRequested,ReleasedToClient,ClientRequestedChanges,ClientApproved,Published,Cancelled"`
	Notes  string `json:"notes,omitempty"`
}

type AddAttachmentRequest struct {
	Direction   string `json:"direction" enum:"Input,Output"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	// Data is base64 in JSON.
	Data []byte `json:"data"`
}

type AddCommentRequest struct {
	Body string `json:"body"`
}

type IssueTokenRequest struct {
	SubjectID   string `json:"subject_id"`
	SubjectType string `json:"subject_type" enum:"client,collaborator"`
}

type ConsumeTokenRequest struct {
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
}

type StartOnboardingRequest struct {
	ClientID string `json:"client_id,omitempty"`
}

type RecordResponseRequest struct {
	Value     string `json:"value"`
	Sensitive bool   `json:"sensitive,omitempty"`
}

type UpsertProductRequest struct {
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents" minimum:"0"`
	SLADays    int    `json:"sla_days" minimum:"1"`
	Active     *bool  `json:"active,omitempty"`
}

type CreateClientRequest struct {
	Name            string `json:"name"`
	ActivationEmail string `json:"activation_email" format:"email"`
}

type CreateProfileRequest struct {
	Email       string   `json:"email" format:"email"`
	DisplayName string   `json:"display_name,omitempty"`
	Roles       []string `json:"roles"`
	ClientID    string   `json:"client_id,omitempty"`
}

type CreateAPIKeyRequest struct {
	ProfileID string `json:"profile_id"`
	Name      string `json:"name,omitempty"`
}

// Response payloads

type LoginResponse struct {
	Token     string `json:"token"`
	SubjectID string `json:"subject_id"`
}

type WhoAmIResponse struct {
	SubjectID       string `json:"subject_id"`
	Class           string `json:"class" enum:"admin,collaborator,client"`
	ClientID        string `json:"client_id,omitempty"`
	ViewingClientID string `json:"viewing_client_id,omitempty"`
}

type ListResponse[T any] struct {
	Items []T `json:"items"`
}

type TaskCountsResponse struct {
	Counts map[string]int `json:"counts"`
}

type DecryptResponse struct {
	FieldKey string `json:"field_key"`
	Value    string `json:"value"`
}

type TokenStatusResponse struct {
	SubjectID   string `json:"subject_id"`
	SubjectType string `json:"subject_type" enum:"client,collaborator"`
	ExpiresAt   string `json:"expires_at" format:"date-time"`
}

// EventResponse exposes the payload as raw JSON rather than a quoted string.
type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

func eventResponse(ev domain.Event) EventResponse {
	payload := json.RawMessage(ev.Payload)
	if len(payload) == 0 || !json.Valid(payload) {
		payload = json.RawMessage("{}")
	}
	return EventResponse{
		ID:         ev.ID,
		TS:         ev.TS,
		Type:       ev.Type,
		EntityKind: ev.EntityKind,
		EntityID:   ev.EntityID,
		ActorID:    ev.ActorID,
		Payload:    payload,
	}
}

func eventResponses(in []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(in))
	for _, ev := range in {
		out = append(out, eventResponse(ev))
	}
	return out
}
