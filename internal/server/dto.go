package server

import (
	"castline/internal/domain"
)

type CreateProjectRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type CreateBoxRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type CreateActivityRequest struct {
	ID              string `json:"id,omitempty"`
	Name            string `json:"name"`
	IsWIRCheckpoint bool   `json:"is_wir_checkpoint,omitempty"`
	TeamID          string `json:"team_id,omitempty"`
	MemberID        string `json:"member_id,omitempty"`
}

type UpdateActivityStatusRequest struct {
	Status            string   `json:"status" enum:"not_started,in_progress,completed,on_hold,delayed"`
	Progress          *float64 `json:"progress,omitempty" minimum:"0" maximum:"100"`
	WorkDescription   string   `json:"work_description,omitempty"`
	IssuesEncountered string   `json:"issues_encountered,omitempty"`
}

type CreateCheckpointRequest struct {
	ID             string   `json:"id,omitempty"`
	Name           string   `json:"name,omitempty"`
	Description    string   `json:"description,omitempty"`
	Comments       string   `json:"comments,omitempty"`
	AttachmentPath string   `json:"attachment_path,omitempty"`
	Evidence       []string `json:"evidence,omitempty"`
}

type ChecklistItemRequest struct {
	Description       string `json:"description"`
	ReferenceDocument string `json:"reference_document,omitempty"`
	Sequence          int    `json:"sequence,omitempty"`
	Remarks           string `json:"remarks,omitempty"`
}

type AddChecklistItemsRequest struct {
	Items []ChecklistItemRequest `json:"items,omitempty"`
	// CatalogIDs clones predefined entries instead of free-form items.
	CatalogIDs []string `json:"catalog_ids,omitempty"`
}

type UpdateChecklistItemRequest struct {
	Description       *string `json:"description,omitempty"`
	ReferenceDocument *string `json:"reference_document,omitempty"`
	Sequence          *int    `json:"sequence,omitempty"`
	Status            *string `json:"status,omitempty" enum:"pending,pass,fail"`
	Remarks           *string `json:"remarks,omitempty"`
}

type ItemResultRequest struct {
	ItemID  string `json:"item_id"`
	Status  string `json:"status" enum:"pending,pass,fail"`
	Remarks string `json:"remarks,omitempty"`
}

type ReviewCheckpointRequest struct {
	Status         string              `json:"status" enum:"approved,rejected,conditional_approval"`
	Items          []ItemResultRequest `json:"items,omitempty"`
	InspectorName  string              `json:"inspector_name,omitempty"`
	InspectorRole  string              `json:"inspector_role,omitempty"`
	Comments       string              `json:"comments,omitempty"`
	AttachmentPath string              `json:"attachment_path,omitempty"`
	Evidence       []string            `json:"evidence,omitempty"`
}

type CreateIssueRequest struct {
	ID           string `json:"id,omitempty"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
	IssueType    string `json:"issue_type"`
	Severity     string `json:"severity" enum:"low,medium,high,critical"`
	Description  string `json:"description"`
	TeamID       string `json:"team_id,omitempty"`
	MemberID     string `json:"member_id,omitempty"`
	CCUserID     string `json:"cc_user_id,omitempty"`
	DueDate      string `json:"due_date,omitempty"`
	Evidence     string `json:"evidence,omitempty"`
}

type UpdateIssueStatusRequest struct {
	Status                string `json:"status" enum:"open,in_progress,resolved,closed"`
	ResolutionDescription string `json:"resolution_description,omitempty"`
	Evidence              string `json:"evidence,omitempty"`
}

type AssignIssueRequest struct {
	TeamID   string `json:"team_id,omitempty"`
	MemberID string `json:"member_id,omitempty"`
	CCUserID string `json:"cc_user_id,omitempty"`
}

type paginatedAudit struct {
	Items      []domain.AuditRecord `json:"items"`
	NextCursor int64                `json:"next_cursor,omitempty"`
}
