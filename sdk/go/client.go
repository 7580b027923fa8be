package castlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Castline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Box represents the API box model (partial).
type Box struct {
	ID                 string  `json:"id"`
	ProjectID          string  `json:"project_id"`
	Name               string  `json:"name"`
	Status             string  `json:"status"`
	ProgressPercentage float64 `json:"progress_percentage"`
	Dispatched         bool    `json:"dispatched"`
}

// Activity represents the API activity model (partial).
type Activity struct {
	ID                 string  `json:"id"`
	BoxID              string  `json:"box_id"`
	Name               string  `json:"name"`
	Status             string  `json:"status"`
	ProgressPercentage float64 `json:"progress_percentage"`
	IsWIRCheckpoint    bool    `json:"is_wir_checkpoint"`
}

// ChecklistItem represents one inspection point on a checkpoint.
type ChecklistItem struct {
	ID            string  `json:"id"`
	CheckpointID  string  `json:"checkpoint_id"`
	Description   string  `json:"description"`
	Sequence      int     `json:"sequence"`
	Status        string  `json:"status"`
	Remarks       *string `json:"remarks,omitempty"`
	CatalogItemID *string `json:"catalog_item_id,omitempty"`
}

// Checkpoint represents a Work Inspection Request.
type Checkpoint struct {
	ID             string          `json:"id"`
	ActivityID     string          `json:"activity_id"`
	Name           string          `json:"name,omitempty"`
	Status         string          `json:"status"`
	RequestedDate  string          `json:"requested_date"`
	RequestedBy    string          `json:"requested_by"`
	InspectionDate *string         `json:"inspection_date,omitempty"`
	ApprovalDate   *string         `json:"approval_date,omitempty"`
	InspectorName  *string         `json:"inspector_name,omitempty"`
	Items          []ChecklistItem `json:"items,omitempty"`
}

// ItemResult grades one checklist item during a review.
type ItemResult struct {
	ItemID  string `json:"item_id"`
	Status  string `json:"status"`
	Remarks string `json:"remarks,omitempty"`
}

// Review carries an inspection outcome.
type Review struct {
	Status        string       `json:"status"`
	Items         []ItemResult `json:"items,omitempty"`
	InspectorName string       `json:"inspector_name,omitempty"`
	InspectorRole string       `json:"inspector_role,omitempty"`
	Comments      string       `json:"comments,omitempty"`
	Evidence      []string     `json:"evidence,omitempty"`
}

// QualityIssue represents a defect raised against a box.
type QualityIssue struct {
	ID           string  `json:"id"`
	BoxID        string  `json:"box_id"`
	CheckpointID *string `json:"checkpoint_id,omitempty"`
	IssueType    string  `json:"issue_type"`
	Severity     string  `json:"severity"`
	Description  string  `json:"description"`
	Status       string  `json:"status"`
	TeamID       *string `json:"team_id,omitempty"`
	MemberID     *string `json:"member_id,omitempty"`
}

// AuditRecord is one entry in the change trail.
type AuditRecord struct {
	ID          int64  `json:"id"`
	TableName   string `json:"table_name"`
	RecordID    string `json:"record_id"`
	Action      string `json:"action"`
	ChangesJSON string `json:"changes_json,omitempty"`
	ActorID     string `json:"actor_id"`
	TS          string `json:"ts"`
	Description string `json:"description,omitempty"`
}

// PaginatedAudit wraps audit listings with a cursor.
type PaginatedAudit struct {
	Items      []AuditRecord `json:"items"`
	NextCursor int64         `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateBox creates a box in the client's project.
func (c *Client) CreateBox(ctx context.Context, id, name string) (Box, error) {
	body := map[string]any{"id": id, "name": name}
	var resp Box
	err := c.do(ctx, http.MethodPost, c.projectPath("boxes"), body, &resp)
	return resp, err
}

// GetBox fetches a box by id.
func (c *Client) GetBox(ctx context.Context, boxID string) (Box, error) {
	var resp Box
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/boxes/%s", url.PathEscape(boxID)), nil, &resp)
	return resp, err
}

// CreateActivity creates an activity under a box.
func (c *Client) CreateActivity(ctx context.Context, boxID, name string, isWIR bool) (Activity, error) {
	body := map[string]any{"name": name, "is_wir_checkpoint": isWIR}
	var resp Activity
	endpoint := fmt.Sprintf("v0/boxes/%s/activities", url.PathEscape(boxID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// UpdateActivityStatus updates status and progress; the server cascades the
// change into the box and project.
func (c *Client) UpdateActivityStatus(ctx context.Context, activityID, status string, progress *float64, workDescription string) (Activity, error) {
	body := map[string]any{"status": status}
	if progress != nil {
		body["progress"] = *progress
	}
	if workDescription != "" {
		body["work_description"] = workDescription
	}
	var resp Activity
	endpoint := fmt.Sprintf("v0/activities/%s/status", url.PathEscape(activityID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// CreateCheckpoint requests an inspection for an activity.
func (c *Client) CreateCheckpoint(ctx context.Context, activityID, name, description string) (Checkpoint, error) {
	body := map[string]any{"name": name, "description": description}
	var resp Checkpoint
	endpoint := fmt.Sprintf("v0/activities/%s/checkpoints", url.PathEscape(activityID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetCheckpoint fetches a checkpoint with its checklist and evidence.
func (c *Client) GetCheckpoint(ctx context.Context, id string) (Checkpoint, error) {
	var resp Checkpoint
	endpoint := fmt.Sprintf("v0/checkpoints/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AddCatalogItems clones predefined catalog entries onto a checkpoint.
func (c *Client) AddCatalogItems(ctx context.Context, checkpointID string, catalogIDs []string) (Checkpoint, error) {
	body := map[string]any{"catalog_ids": catalogIDs}
	var resp Checkpoint
	endpoint := fmt.Sprintf("v0/checkpoints/%s/items", url.PathEscape(checkpointID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AddChecklistItems appends free-form checklist items.
func (c *Client) AddChecklistItems(ctx context.Context, checkpointID string, descriptions []string) (Checkpoint, error) {
	items := make([]map[string]any, 0, len(descriptions))
	for i, d := range descriptions {
		items = append(items, map[string]any{"description": d, "sequence": i + 1})
	}
	body := map[string]any{"items": items}
	var resp Checkpoint
	endpoint := fmt.Sprintf("v0/checkpoints/%s/items", url.PathEscape(checkpointID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ReviewCheckpoint records an inspection outcome.
func (c *Client) ReviewCheckpoint(ctx context.Context, checkpointID string, rev Review) (Checkpoint, error) {
	var resp Checkpoint
	endpoint := fmt.Sprintf("v0/checkpoints/%s/review", url.PathEscape(checkpointID))
	err := c.do(ctx, http.MethodPost, endpoint, rev, &resp)
	return resp, err
}

// CreateIssue raises a quality issue against a box.
func (c *Client) CreateIssue(ctx context.Context, boxID, issueType, severity, description string) (QualityIssue, error) {
	body := map[string]any{
		"issue_type":  issueType,
		"severity":    severity,
		"description": description,
	}
	var resp QualityIssue
	endpoint := fmt.Sprintf("v0/boxes/%s/issues", url.PathEscape(boxID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// UpdateIssueStatus moves an issue through its lifecycle. Resolution text is
// required by the server for resolved and closed.
func (c *Client) UpdateIssueStatus(ctx context.Context, issueID, status, resolution string) (QualityIssue, error) {
	body := map[string]any{"status": status}
	if resolution != "" {
		body["resolution_description"] = resolution
	}
	var resp QualityIssue
	endpoint := fmt.Sprintf("v0/issues/%s/status", url.PathEscape(issueID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// AssignIssue routes an issue to a team and member.
func (c *Client) AssignIssue(ctx context.Context, issueID, teamID, memberID, ccUserID string) (QualityIssue, error) {
	body := map[string]any{}
	if teamID != "" {
		body["team_id"] = teamID
	}
	if memberID != "" {
		body["member_id"] = memberID
	}
	if ccUserID != "" {
		body["cc_user_id"] = ccUserID
	}
	var resp QualityIssue
	endpoint := fmt.Sprintf("v0/issues/%s/assign", url.PathEscape(issueID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AuditPage returns a page of audit records, newest first.
func (c *Client) AuditPage(ctx context.Context, recordID string, limit int, cursor int64) (PaginatedAudit, error) {
	endpoint := "v0/audit"
	params := url.Values{}
	if recordID != "" {
		params.Set("record_id", recordID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor > 0 {
		params.Set("cursor", fmt.Sprintf("%d", cursor))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedAudit
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
