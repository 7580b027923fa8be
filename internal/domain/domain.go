package domain

// Progress status universe shared by projects, boxes and activities.
const (
	StatusNotStarted = "not_started"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusOnHold     = "on_hold"
	StatusDelayed    = "delayed"

	// Project-only statuses.
	StatusActive   = "active"
	StatusArchived = "archived"
	StatusClosed   = "closed"
)

// Checkpoint lifecycle statuses.
const (
	CheckpointPending             = "pending"
	CheckpointApproved            = "approved"
	CheckpointRejected            = "rejected"
	CheckpointConditionalApproval = "conditional_approval"
)

// Checklist item grades.
const (
	ItemPending = "pending"
	ItemPass    = "pass"
	ItemFail    = "fail"
)

// Quality issue statuses.
const (
	IssueOpen       = "open"
	IssueInProgress = "in_progress"
	IssueResolved   = "resolved"
	IssueClosed     = "closed"
)

type Project struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Status          string  `json:"status" enum:"active,in_progress,completed,on_hold,archived,closed"`
	ActualStartDate *string `json:"actual_start_date,omitempty" format:"date-time"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type Box struct {
	ID                 string  `json:"id"`
	ProjectID          string  `json:"project_id"`
	Name               string  `json:"name"`
	Status             string  `json:"status" enum:"not_started,in_progress,completed,on_hold,delayed"`
	ProgressPercentage float64 `json:"progress_percentage"`
	ActualStartDate    *string `json:"actual_start_date,omitempty" format:"date-time"`
	ActualEndDate      *string `json:"actual_end_date,omitempty" format:"date-time"`
	Dispatched         bool    `json:"dispatched"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
}

type Activity struct {
	ID                 string  `json:"id"`
	BoxID              string  `json:"box_id"`
	Name               string  `json:"name"`
	Status             string  `json:"status" enum:"not_started,in_progress,completed,on_hold,delayed"`
	ProgressPercentage float64 `json:"progress_percentage"`
	ActualStartDate    *string `json:"actual_start_date,omitempty" format:"date-time"`
	ActualEndDate      *string `json:"actual_end_date,omitempty" format:"date-time"`
	IsWIRCheckpoint    bool    `json:"is_wir_checkpoint"`
	TeamID             *string `json:"team_id,omitempty"`
	MemberID           *string `json:"member_id,omitempty"`
	Active             bool    `json:"active"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

// Checkpoint is a Work Inspection Request attached to an activity.
type Checkpoint struct {
	ID             string  `json:"id"`
	ActivityID     string  `json:"activity_id"`
	Name           string  `json:"name,omitempty"`
	Description    string  `json:"description,omitempty"`
	Status         string  `json:"status" enum:"pending,approved,rejected,conditional_approval"`
	RequestedDate  string  `json:"requested_date" format:"date-time"`
	RequestedBy    string  `json:"requested_by"`
	InspectionDate *string `json:"inspection_date,omitempty" format:"date-time"`
	ApprovalDate   *string `json:"approval_date,omitempty" format:"date-time"`
	InspectorName  *string `json:"inspector_name,omitempty"`
	InspectorRole  *string `json:"inspector_role,omitempty"`
	Comments       *string `json:"comments,omitempty"`
	AttachmentPath *string `json:"attachment_path,omitempty"`

	Items  []ChecklistItem   `json:"items,omitempty"`
	Images []CheckpointImage `json:"images,omitempty"`
}

type ChecklistItem struct {
	ID                string  `json:"id"`
	CheckpointID      string  `json:"checkpoint_id"`
	Description       string  `json:"description"`
	ReferenceDocument *string `json:"reference_document,omitempty"`
	Sequence          int     `json:"sequence"`
	Status            string  `json:"status" enum:"pending,pass,fail"`
	Remarks           *string `json:"remarks,omitempty"`
	CatalogItemID     *string `json:"catalog_item_id,omitempty"`
}

// CheckpointImage is evidence attached during review. Images are appended,
// never replaced; sequence continues from the checkpoint's current maximum.
type CheckpointImage struct {
	ID           string `json:"id"`
	CheckpointID string `json:"checkpoint_id"`
	Path         string `json:"path"`
	Sequence     int    `json:"sequence"`
	UploadedAt   string `json:"uploaded_at" format:"date-time"`
}

// CatalogItem is a reusable inspection point cloneable onto a checklist.
type CatalogItem struct {
	ID                string  `json:"id"`
	Description       string  `json:"description"`
	ReferenceDocument *string `json:"reference_document,omitempty"`
	Sequence          int     `json:"sequence"`
	Active            bool    `json:"active"`
}

type QualityIssue struct {
	ID                    string  `json:"id"`
	BoxID                 string  `json:"box_id"`
	CheckpointID          *string `json:"checkpoint_id,omitempty"`
	IssueType             string  `json:"issue_type"`
	Severity              string  `json:"severity" enum:"low,medium,high,critical"`
	Description           string  `json:"description"`
	Status                string  `json:"status" enum:"open,in_progress,resolved,closed"`
	ResolutionDescription *string `json:"resolution_description,omitempty"`
	ResolutionDate        *string `json:"resolution_date,omitempty" format:"date-time"`
	TeamID                *string `json:"team_id,omitempty"`
	MemberID              *string `json:"member_id,omitempty"`
	CCUserID              *string `json:"cc_user_id,omitempty"`
	DueDate               *string `json:"due_date,omitempty" format:"date-time"`
	EvidencePath          *string `json:"evidence_path,omitempty"`
	RaisedBy              string  `json:"raised_by"`
	CreatedAt             string  `json:"created_at" format:"date-time"`
	UpdatedAt             string  `json:"updated_at" format:"date-time"`
}

// AuditRecord is one immutable entry in the change trail. ChangesJSON holds
// the structured field-level diff.
type AuditRecord struct {
	ID          int64  `json:"id"`
	TableName   string `json:"table_name"`
	RecordID    string `json:"record_id"`
	Action      string `json:"action"`
	ChangesJSON string `json:"changes_json,omitempty"`
	ActorID     string `json:"actor_id"`
	TS          string `json:"ts" format:"date-time"`
	Description string `json:"description,omitempty"`
}

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      string `json:"role,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Team struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TeamMember struct {
	TeamID string `json:"team_id"`
	UserID string `json:"user_id"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Identity is the caller performing a workflow operation. It is passed
// explicitly into every engine method; there is no ambient current-user.
type Identity struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Role    string `json:"role,omitempty"`
}
