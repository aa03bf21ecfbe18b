package domain

type RequestStatus string

const (
	RequestPending     RequestStatus = "Pending"
	RequestUnderReview RequestStatus = "UnderReview"
	RequestApproved    RequestStatus = "Approved"
	RequestRejected    RequestStatus = "Rejected"
)

func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestUnderReview, RequestApproved, RequestRejected:
		return true
	}
	return false
}

func (s RequestStatus) Terminal() bool {
	return s == RequestApproved || s == RequestRejected
}

type TaskStatus string

const (
	TaskBacklog                TaskStatus = "Backlog"
	TaskInProgress             TaskStatus = "InProgress"
	TaskInReview               TaskStatus = "InReview"
	TaskReleasedToClient       TaskStatus = "ReleasedToClient"
	TaskAdjustmentsRequested   TaskStatus = "AdjustmentsRequested"
	TaskClientApproved         TaskStatus = "ClientApproved"
	TaskClientRequestedChanges TaskStatus = "ClientRequestedChanges"
	TaskPublished              TaskStatus = "Published"
	TaskCancelled              TaskStatus = "Cancelled"
)

// TaskStatuses lists every task status in board order.
var TaskStatuses = []TaskStatus{
	TaskBacklog,
	TaskInProgress,
	TaskInReview,
	TaskAdjustmentsRequested,
	TaskReleasedToClient,
	TaskClientRequestedChanges,
	TaskClientApproved,
	TaskPublished,
	TaskCancelled,
}

func (s TaskStatus) Valid() bool {
	for _, v := range TaskStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s TaskStatus) Terminal() bool {
	return s == TaskPublished || s == TaskCancelled
}

type Priority string

const (
	PriorityNormal Priority = "Normal"
	PriorityUrgent Priority = "Urgent"
)

func (p Priority) Valid() bool { return p == PriorityNormal || p == PriorityUrgent }

type Direction string

const (
	DirectionInput  Direction = "Input"
	DirectionOutput Direction = "Output"
)

func (d Direction) Valid() bool { return d == DirectionInput || d == DirectionOutput }

type SubjectType string

const (
	SubjectClient       SubjectType = "client"
	SubjectCollaborator SubjectType = "collaborator"
)

func (s SubjectType) Valid() bool { return s == SubjectClient || s == SubjectCollaborator }

type Request struct {
	ID          string        `json:"id"`
	Protocol    string        `json:"protocol"`
	ClientID    string        `json:"client_id"`
	ProductID   string        `json:"product_id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Quantity    int           `json:"quantity"`
	Priority    Priority      `json:"priority" enum:"Normal,Urgent"`
	Status      RequestStatus `json:"status" enum:"Pending,UnderReview,Approved,Rejected"`
	ReviewerID  *string       `json:"reviewer_id,omitempty"`
	ReviewNotes *string       `json:"review_notes,omitempty"`
	CreatedAt   string        `json:"created_at" format:"date-time"`
	ReviewedAt  *string       `json:"reviewed_at,omitempty" format:"date-time"`
}

type Task struct {
	ID               string     `json:"id"`
	RequestID        *string    `json:"request_id,omitempty"`
	ClientID         string     `json:"client_id"`
	ProjectID        *string    `json:"project_id,omitempty"`
	ProductID        string     `json:"product_id"`
	AssigneeID       *string    `json:"assignee_id,omitempty"`
	Quantity         int        `json:"quantity"`
	DueDate          string     `json:"due_date" format:"date"`
	FrozenPriceCents int64      `json:"frozen_price_cents"`
	FrozenSLADays    int        `json:"frozen_sla_days"`
	Status           TaskStatus `json:"status" enum:"Backlog,InProgress,InReview,AdjustmentsRequested,ReleasedToClient,ClientRequestedChanges,ClientApproved,Published,Cancelled"`
	Description      string     `json:"description,omitempty"`
	CreatedAt        string     `json:"created_at" format:"date-time"`
	UpdatedAt        string     `json:"updated_at" format:"date-time"`
}

type Attachment struct {
	ID          string    `json:"id"`
	TaskID      *string   `json:"task_id,omitempty"`
	RequestID   *string   `json:"request_id,omitempty"`
	Direction   Direction `json:"direction" enum:"Input,Output"`
	URL         string    `json:"url"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type,omitempty"`
	Filename    string    `json:"filename,omitempty"`
	UploadedBy  string    `json:"uploaded_by"`
	CreatedAt   string    `json:"created_at" format:"date-time"`
}

type Comment struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ActivationToken is the stored form; the plaintext token is never persisted.
type ActivationToken struct {
	TokenHash   string      `json:"-"`
	SubjectID   string      `json:"subject_id"`
	SubjectType SubjectType `json:"subject_type" enum:"client,collaborator"`
	ExpiresAt   string      `json:"expires_at" format:"date-time"`
	UsedAt      *string     `json:"used_at,omitempty" format:"date-time"`
	CreatedAt   string      `json:"created_at" format:"date-time"`
}

type OnboardingInstance struct {
	ID        string `json:"id"`
	ClientID  string `json:"client_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// OnboardingResponse holds ciphertext in Value when Sensitive is set.
type OnboardingResponse struct {
	InstanceID string `json:"instance_id"`
	FieldKey   string `json:"field_key"`
	Sensitive  bool   `json:"sensitive"`
	Value      string `json:"value"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type AuditLogEntry struct {
	ID         int64  `json:"id"`
	SubjectID  string `json:"subject_id"`
	Action     string `json:"action"`
	InstanceID string `json:"instance_id"`
	FieldKey   string `json:"field_key"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Client struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	ActivationEmail string  `json:"activation_email"`
	Status          string  `json:"status" enum:"pending,activated"`
	ActivatedAt     *string `json:"activated_at,omitempty" format:"date-time"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

const (
	ClientPending   = "pending"
	ClientActivated = "activated"
	ProfileInvited  = "invited"
	ProfileActive   = "active"
)

type Profile struct {
	ID             string   `json:"id"`
	Email          string   `json:"email"`
	DisplayName    string   `json:"display_name,omitempty"`
	Roles          []string `json:"roles"`
	Status         string   `json:"status" enum:"invited,active"`
	ClientID       *string  `json:"client_id,omitempty"`
	LinkedEmail    *string  `json:"linked_email,omitempty"`
	CredentialHash *string  `json:"-"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
}

type Product struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	SLADays    int    `json:"sla_days"`
	Active     bool   `json:"active"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

type APIKey struct {
	ID        string   `json:"id"`
	SubjectID string   `json:"subject_id"`
	Name      string   `json:"name,omitempty"`
	KeyHash   string   `json:"-"`
	Roles     []string `json:"roles"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}
