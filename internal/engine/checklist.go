package engine

import (
	"context"
	"fmt"

	"castline/internal/audit"
	"castline/internal/domain"
)

// ChecklistItemPatch carries partial updates. Nil fields are left untouched.
// Catalog linkage is immutable and has no patch field.
type ChecklistItemPatch struct {
	Description       *string
	ReferenceDocument *string
	Sequence          *int
	Status            *string
	Remarks           *string
}

// UpdateChecklistItem applies a partial update to one inspection point.
func (e Engine) UpdateChecklistItem(ctx context.Context, itemID string, patch ChecklistItemPatch, identity domain.Identity) (domain.ChecklistItem, error) {
	if patch.Status != nil {
		switch *patch.Status {
		case domain.ItemPending, domain.ItemPass, domain.ItemFail:
		default:
			return domain.ChecklistItem{}, validationf(nil, "invalid item status %q", *patch.Status)
		}
	}
	if patch.Sequence != nil && *patch.Sequence <= 0 {
		return domain.ChecklistItem{}, validationf(nil, "sequence must be positive")
	}
	if patch.Description != nil && *patch.Description == "" {
		return domain.ChecklistItem{}, validationf(nil, "description cannot be empty")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChecklistItem{}, persistence(err, "begin")
	}
	defer tx.Rollback()
	if err := e.Gate.RequirePermission(identity, "checklist.edit"); err != nil {
		return domain.ChecklistItem{}, wrap(err, "checklist item", itemID)
	}
	it, err := e.Repo.GetChecklistItem(ctx, tx, itemID)
	if err != nil {
		return domain.ChecklistItem{}, wrap(err, "checklist item", itemID)
	}
	var changes []audit.FieldChange
	if patch.Description != nil {
		changes = audit.Change(changes, "description", it.Description, *patch.Description)
		it.Description = *patch.Description
	}
	if patch.ReferenceDocument != nil {
		changes = audit.Change(changes, "reference_document", deref(it.ReferenceDocument), *patch.ReferenceDocument)
		it.ReferenceDocument = optionalString(*patch.ReferenceDocument)
	}
	if patch.Sequence != nil {
		changes = audit.Change(changes, "sequence", it.Sequence, *patch.Sequence)
		it.Sequence = *patch.Sequence
	}
	if patch.Status != nil {
		changes = audit.Change(changes, "status", it.Status, *patch.Status)
		it.Status = *patch.Status
	}
	if patch.Remarks != nil {
		changes = audit.Change(changes, "remarks", deref(it.Remarks), *patch.Remarks)
		it.Remarks = optionalString(*patch.Remarks)
	}
	if len(changes) == 0 {
		return it, tx.Commit()
	}
	if err := e.Repo.UpdateChecklistItem(ctx, tx, it); err != nil {
		return domain.ChecklistItem{}, persistence(err, "update checklist item")
	}
	if err := e.recorder().Record(ctx, tx, "checklist_items", it.ID, "update", identity.ActorID, "", changes); err != nil {
		return domain.ChecklistItem{}, persistence(err, "audit")
	}
	if err := tx.Commit(); err != nil {
		return domain.ChecklistItem{}, persistence(err, "commit")
	}
	return it, nil
}

// DeleteChecklistItem removes an inspection point. Remaining items keep their
// sequence numbers; gaps are tolerated.
func (e Engine) DeleteChecklistItem(ctx context.Context, itemID string, identity domain.Identity) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return persistence(err, "begin")
	}
	defer tx.Rollback()
	if err := e.Gate.RequirePermission(identity, "checklist.edit"); err != nil {
		return wrap(err, "checklist item", itemID)
	}
	it, err := e.Repo.GetChecklistItem(ctx, tx, itemID)
	if err != nil {
		return wrap(err, "checklist item", itemID)
	}
	if err := e.Repo.DeleteChecklistItem(ctx, tx, it.ID); err != nil {
		return wrap(err, "checklist item", itemID)
	}
	if err := e.recorder().Record(ctx, tx, "checklist_items", it.ID, "delete", identity.ActorID,
		fmt.Sprintf("item %q removed from checkpoint %s", it.Description, it.CheckpointID), nil); err != nil {
		return persistence(err, "audit")
	}
	if err := tx.Commit(); err != nil {
		return persistence(err, "commit")
	}
	return nil
}
