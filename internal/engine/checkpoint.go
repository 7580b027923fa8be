package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"castline/internal/audit"
	"castline/internal/domain"
	"castline/internal/repo"
)

type CheckpointCreate struct {
	ID             string
	Name           string
	Description    string
	Comments       string
	AttachmentPath string
	Evidence       []string
}

// CreateCheckpoint opens a Work Inspection Request against an activity. The
// checkpoint starts pending with an empty checklist; evidence supplied at
// request time is stored as the first images.
func (e Engine) CreateCheckpoint(ctx context.Context, activityID string, in CheckpointCreate, identity domain.Identity) (domain.Checkpoint, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Checkpoint{}, persistence(err, "begin")
	}
	defer tx.Rollback()
	if err := e.Gate.RequirePermission(identity, "checkpoint.create"); err != nil {
		return domain.Checkpoint{}, wrap(err, "checkpoint", "")
	}
	act, _, _, err := e.activityScope(ctx, tx, activityID)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	now := e.nowStr()
	c := domain.Checkpoint{
		ID:             newID(in.ID),
		ActivityID:     act.ID,
		Name:           in.Name,
		Description:    in.Description,
		Status:         domain.CheckpointPending,
		RequestedDate:  now,
		RequestedBy:    identity.ActorID,
		Comments:       optionalString(in.Comments),
		AttachmentPath: optionalString(in.AttachmentPath),
	}
	if err := e.Repo.InsertCheckpoint(ctx, tx, c); err != nil {
		return domain.Checkpoint{}, persistence(err, "insert checkpoint")
	}
	for i, path := range in.Evidence {
		img := domain.CheckpointImage{
			ID:           newID(""),
			CheckpointID: c.ID,
			Path:         path,
			Sequence:     i + 1,
			UploadedAt:   now,
		}
		if err := e.Repo.InsertCheckpointImage(ctx, tx, img); err != nil {
			return domain.Checkpoint{}, persistence(err, "insert image")
		}
	}
	if err := e.recorder().Record(ctx, tx, "checkpoints", c.ID, "create", identity.ActorID,
		fmt.Sprintf("inspection requested for activity %s", act.Name), nil); err != nil {
		return domain.Checkpoint{}, persistence(err, "audit")
	}
	loaded, err := e.loadCheckpoint(ctx, tx, c.ID)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Checkpoint{}, persistence(err, "commit")
	}
	return loaded, nil
}

type ChecklistItemInput struct {
	Description       string
	ReferenceDocument string
	Sequence          int
	Remarks           string
}

// AddChecklistItems appends free-form inspection points to a checkpoint.
// Inputs are ordered by their caller-supplied sequence, then renumbered to
// continue after the checklist's current maximum.
func (e Engine) AddChecklistItems(ctx context.Context, checkpointID string, items []ChecklistItemInput, identity domain.Identity) (domain.Checkpoint, error) {
	if len(items) == 0 {
		return domain.Checkpoint{}, validationf(nil, "no checklist items supplied")
	}
	for i, it := range items {
		if strings.TrimSpace(it.Description) == "" {
			return domain.Checkpoint{}, validationf(nil, "checklist item %d has empty description", i+1)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Checkpoint{}, persistence(err, "begin")
	}
	defer tx.Rollback()
	if err := e.Gate.RequirePermission(identity, "checklist.edit"); err != nil {
		return domain.Checkpoint{}, wrap(err, "checkpoint", checkpointID)
	}
	c, err := e.Repo.GetCheckpoint(ctx, tx, checkpointID)
	if err != nil {
		return domain.Checkpoint{}, wrap(err, "checkpoint", checkpointID)
	}
	ordered := make([]ChecklistItemInput, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })
	max, err := e.Repo.MaxChecklistSequence(ctx, tx, c.ID)
	if err != nil {
		return domain.Checkpoint{}, persistence(err, "checklist sequence")
	}
	for i, in := range ordered {
		item := domain.ChecklistItem{
			ID:                newID(""),
			CheckpointID:      c.ID,
			Description:       in.Description,
			ReferenceDocument: optionalString(in.ReferenceDocument),
			Sequence:          max + i + 1,
			Status:            domain.ItemPending,
			Remarks:           optionalString(in.Remarks),
		}
		if err := e.Repo.InsertChecklistItem(ctx, tx, item); err != nil {
			return domain.Checkpoint{}, persistence(err, "insert checklist item")
		}
	}
	if err := e.recorder().Record(ctx, tx, "checkpoints", c.ID, "checklist.add", identity.ActorID,
		fmt.Sprintf("%d checklist items added", len(ordered)), nil); err != nil {
		return domain.Checkpoint{}, persistence(err, "audit")
	}
	loaded, err := e.loadCheckpoint(ctx, tx, c.ID)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Checkpoint{}, persistence(err, "commit")
	}
	return loaded, nil
}

// AddChecklistItemsFromCatalog clones predefined catalog entries onto a
// checkpoint. Unknown or inactive ids and ids already present on the
// checklist are all collected before failing, so one round trip reports the
// whole batch.
func (e Engine) AddChecklistItemsFromCatalog(ctx context.Context, checkpointID string, catalogIDs []string, identity domain.Identity) (domain.Checkpoint, error) {
	if len(catalogIDs) == 0 {
		return domain.Checkpoint{}, validationf(nil, "no catalog ids supplied")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Checkpoint{}, persistence(err, "begin")
	}
	defer tx.Rollback()
	if err := e.Gate.RequirePermission(identity, "checklist.edit"); err != nil {
		return domain.Checkpoint{}, wrap(err, "checkpoint", checkpointID)
	}
	c, err := e.Repo.GetCheckpoint(ctx, tx, checkpointID)
	if err != nil {
		return domain.Checkpoint{}, wrap(err, "checkpoint", checkpointID)
	}
	existing, err := e.Repo.ListChecklistItems(ctx, tx, c.ID)
	if err != nil {
		return domain.Checkpoint{}, persistence(err, "list checklist items")
	}
	linked := map[string]bool{}
	for _, it := range existing {
		if it.CatalogItemID != nil {
			linked[*it.CatalogItemID] = true
		}
	}
	var missing, duplicate []string
	requested := map[string]bool{}
	var entries []domain.CatalogItem
	for _, id := range catalogIDs {
		if requested[id] || linked[id] {
			duplicate = append(duplicate, id)
			continue
		}
		requested[id] = true
		item, err := e.Repo.GetCatalogItem(ctx, tx, id)
		if err == repo.ErrNotFound || (err == nil && !item.Active) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return domain.Checkpoint{}, persistence(err, "load catalog item")
		}
		entries = append(entries, item)
	}
	if len(missing) > 0 || len(duplicate) > 0 {
		details := map[string]any{}
		var parts []string
		if len(missing) > 0 {
			details["missing"] = missing
			parts = append(parts, "unknown catalog ids: "+strings.Join(missing, ", "))
		}
		if len(duplicate) > 0 {
			details["duplicate"] = duplicate
			parts = append(parts, "already on checklist: "+strings.Join(duplicate, ", "))
		}
		return domain.Checkpoint{}, validationf(details, "%s", strings.Join(parts, "; "))
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })
	max, err := e.Repo.MaxChecklistSequence(ctx, tx, c.ID)
	if err != nil {
		return domain.Checkpoint{}, persistence(err, "checklist sequence")
	}
	for i, entry := range entries {
		catalogID := entry.ID
		item := domain.ChecklistItem{
			ID:                newID(""),
			CheckpointID:      c.ID,
			Description:       entry.Description,
			ReferenceDocument: entry.ReferenceDocument,
			Sequence:          max + i + 1,
			Status:            domain.ItemPending,
			CatalogItemID:     &catalogID,
		}
		if err := e.Repo.InsertChecklistItem(ctx, tx, item); err != nil {
			return domain.Checkpoint{}, persistence(err, "insert checklist item")
		}
	}
	if err := e.recorder().Record(ctx, tx, "checkpoints", c.ID, "checklist.add", identity.ActorID,
		fmt.Sprintf("%d catalog items cloned", len(entries)), nil); err != nil {
		return domain.Checkpoint{}, persistence(err, "audit")
	}
	loaded, err := e.loadCheckpoint(ctx, tx, c.ID)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Checkpoint{}, persistence(err, "commit")
	}
	return loaded, nil
}

type ItemResult struct {
	ItemID  string
	Status  string
	Remarks string
}

type CheckpointReview struct {
	FinalStatus    string
	Items          []ItemResult
	InspectorName  string
	InspectorRole  string
	Comments       string
	AttachmentPath string
	Evidence       []string
}

// ReviewCheckpoint records an inspection outcome: per-item pass/fail grades,
// inspector identity, comments and evidence images, then the final status.
// A checkpoint may be re-reviewed from any state; the previous outcome is
// overwritten. Reviewing never cascades into activity or box status.
func (e Engine) ReviewCheckpoint(ctx context.Context, checkpointID string, rev CheckpointReview, identity domain.Identity) (domain.Checkpoint, error) {
	switch rev.FinalStatus {
	case domain.CheckpointApproved, domain.CheckpointRejected, domain.CheckpointConditionalApproval:
	default:
		return domain.Checkpoint{}, validationf(nil, "invalid review status %q", rev.FinalStatus)
	}
	for _, res := range rev.Items {
		switch res.Status {
		case domain.ItemPass, domain.ItemFail, domain.ItemPending:
		default:
			return domain.Checkpoint{}, validationf(nil, "invalid item status %q for item %s", res.Status, res.ItemID)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Checkpoint{}, persistence(err, "begin")
	}
	defer tx.Rollback()
	if err := e.Gate.RequirePermission(identity, "checkpoint.review"); err != nil {
		return domain.Checkpoint{}, wrap(err, "checkpoint", checkpointID)
	}
	c, err := e.Repo.GetCheckpoint(ctx, tx, checkpointID)
	if err != nil {
		return domain.Checkpoint{}, wrap(err, "checkpoint", checkpointID)
	}
	items, err := e.Repo.ListChecklistItems(ctx, tx, c.ID)
	if err != nil {
		return domain.Checkpoint{}, persistence(err, "list checklist items")
	}
	owned := map[string]domain.ChecklistItem{}
	for _, it := range items {
		owned[it.ID] = it
	}
	var unknown []string
	for _, res := range rev.Items {
		if _, ok := owned[res.ItemID]; !ok {
			unknown = append(unknown, res.ItemID)
		}
	}
	if len(unknown) > 0 {
		return domain.Checkpoint{}, validationf(map[string]any{"unknown_items": unknown},
			"items not on checkpoint %s: %s", c.ID, strings.Join(unknown, ", "))
	}
	for _, res := range rev.Items {
		it := owned[res.ItemID]
		it.Status = res.Status
		it.Remarks = optionalString(res.Remarks)
		if err := e.Repo.UpdateChecklistItem(ctx, tx, it); err != nil {
			return domain.Checkpoint{}, persistence(err, "update checklist item")
		}
	}
	now := e.nowStr()
	prevStatus := c.Status
	c.Status = rev.FinalStatus
	c.InspectionDate = &now
	name := rev.InspectorName
	if name == "" {
		name = identity.Name
	}
	role := rev.InspectorRole
	if role == "" {
		role = identity.Role
	}
	c.InspectorName = optionalString(name)
	c.InspectorRole = optionalString(role)
	c.Comments = optionalString(rev.Comments)
	if rev.AttachmentPath != "" {
		c.AttachmentPath = &rev.AttachmentPath
	}
	// Approval date only exists for approving outcomes. A re-review that
	// rejects clears the date from the earlier approval.
	if rev.FinalStatus == domain.CheckpointApproved || rev.FinalStatus == domain.CheckpointConditionalApproval {
		c.ApprovalDate = &now
	} else {
		c.ApprovalDate = nil
	}
	if err := e.Repo.UpdateCheckpoint(ctx, tx, c); err != nil {
		return domain.Checkpoint{}, persistence(err, "update checkpoint")
	}
	if len(rev.Evidence) > 0 {
		maxSeq, err := e.Repo.MaxImageSequence(ctx, tx, c.ID)
		if err != nil {
			return domain.Checkpoint{}, persistence(err, "image sequence")
		}
		for i, path := range rev.Evidence {
			img := domain.CheckpointImage{
				ID:           newID(""),
				CheckpointID: c.ID,
				Path:         path,
				Sequence:     maxSeq + i + 1,
				UploadedAt:   now,
			}
			if err := e.Repo.InsertCheckpointImage(ctx, tx, img); err != nil {
				return domain.Checkpoint{}, persistence(err, "insert image")
			}
		}
	}
	changes := audit.Change(nil, "status", prevStatus, c.Status)
	if err := e.recorder().Record(ctx, tx, "checkpoints", c.ID, "review", identity.ActorID,
		fmt.Sprintf("inspection %s by %s", c.Status, deref(c.InspectorName)), changes); err != nil {
		return domain.Checkpoint{}, persistence(err, "audit")
	}
	loaded, err := e.loadCheckpoint(ctx, tx, c.ID)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Checkpoint{}, persistence(err, "commit")
	}
	return loaded, nil
}

// loadCheckpoint assembles a checkpoint with its checklist and evidence.
func (e Engine) loadCheckpoint(ctx context.Context, tx *sql.Tx, id string) (domain.Checkpoint, error) {
	c, err := e.Repo.GetCheckpoint(ctx, tx, id)
	if err != nil {
		return domain.Checkpoint{}, wrap(err, "checkpoint", id)
	}
	items, err := e.Repo.ListChecklistItems(ctx, tx, id)
	if err != nil {
		return domain.Checkpoint{}, persistence(err, "list checklist items")
	}
	images, err := e.Repo.ListCheckpointImages(ctx, tx, id)
	if err != nil {
		return domain.Checkpoint{}, persistence(err, "list images")
	}
	c.Items = items
	c.Images = images
	return c, nil
}

// GetCheckpoint returns a checkpoint with its checklist and evidence.
func (e Engine) GetCheckpoint(ctx context.Context, id string) (domain.Checkpoint, error) {
	return e.loadCheckpoint(ctx, nil, id)
}

// ListCheckpoints returns an activity's checkpoints with their checklists.
func (e Engine) ListCheckpoints(ctx context.Context, activityID string) ([]domain.Checkpoint, error) {
	cps, err := e.Repo.ListCheckpoints(ctx, activityID)
	if err != nil {
		return nil, persistence(err, "list checkpoints")
	}
	for i := range cps {
		items, err := e.Repo.ListChecklistItems(ctx, nil, cps[i].ID)
		if err != nil {
			return nil, persistence(err, "list checklist items")
		}
		cps[i].Items = items
	}
	return cps, nil
}
