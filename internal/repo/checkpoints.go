package repo

import (
	"context"
	"database/sql"

	"castline/internal/domain"
)

const checkpointColumns = `id,activity_id,name,description,status,requested_date,requested_by,inspection_date,approval_date,inspector_name,inspector_role,comments,attachment_path`

func scanCheckpoint(scan func(dest ...any) error) (domain.Checkpoint, error) {
	var c domain.Checkpoint
	var name, description, inspectionDate, approvalDate, inspectorName, inspectorRole, comments, attachment sql.NullString
	err := scan(&c.ID, &c.ActivityID, &name, &description, &c.Status, &c.RequestedDate, &c.RequestedBy,
		&inspectionDate, &approvalDate, &inspectorName, &inspectorRole, &comments, &attachment)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if name.Valid {
		c.Name = name.String
	}
	if description.Valid {
		c.Description = description.String
	}
	if inspectionDate.Valid {
		c.InspectionDate = &inspectionDate.String
	}
	if approvalDate.Valid {
		c.ApprovalDate = &approvalDate.String
	}
	if inspectorName.Valid {
		c.InspectorName = &inspectorName.String
	}
	if inspectorRole.Valid {
		c.InspectorRole = &inspectorRole.String
	}
	if comments.Valid {
		c.Comments = &comments.String
	}
	if attachment.Valid {
		c.AttachmentPath = &attachment.String
	}
	return c, nil
}

func (r Repo) InsertCheckpoint(ctx context.Context, tx *sql.Tx, c domain.Checkpoint) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO checkpoints(`+checkpointColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ActivityID, nullable(c.Name), nullable(c.Description), c.Status, c.RequestedDate, c.RequestedBy,
		nullableStringPtr(c.InspectionDate), nullableStringPtr(c.ApprovalDate), nullableStringPtr(c.InspectorName),
		nullableStringPtr(c.InspectorRole), nullableStringPtr(c.Comments), nullableStringPtr(c.AttachmentPath))
	return err
}

func (r Repo) GetCheckpoint(ctx context.Context, tx *sql.Tx, id string) (domain.Checkpoint, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id=?`, id)
	return scanCheckpoint(row.Scan)
}

func (r Repo) UpdateCheckpoint(ctx context.Context, tx *sql.Tx, c domain.Checkpoint) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE checkpoints SET name=?, description=?, status=?, inspection_date=?, approval_date=?, inspector_name=?, inspector_role=?, comments=?, attachment_path=? WHERE id=?`,
		nullable(c.Name), nullable(c.Description), c.Status, nullableStringPtr(c.InspectionDate), nullableStringPtr(c.ApprovalDate),
		nullableStringPtr(c.InspectorName), nullableStringPtr(c.InspectorRole), nullableStringPtr(c.Comments), nullableStringPtr(c.AttachmentPath), c.ID)
	return err
}

func (r Repo) ListCheckpoints(ctx context.Context, activityID string) ([]domain.Checkpoint, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE activity_id=? ORDER BY requested_date ASC, id ASC`, activityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// --- checklist items ---

const itemColumns = `id,checkpoint_id,description,reference_document,sequence,status,remarks,catalog_item_id`

func scanItem(scan func(dest ...any) error) (domain.ChecklistItem, error) {
	var it domain.ChecklistItem
	var ref, remarks, catalogID sql.NullString
	err := scan(&it.ID, &it.CheckpointID, &it.Description, &ref, &it.Sequence, &it.Status, &remarks, &catalogID)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if ref.Valid {
		it.ReferenceDocument = &ref.String
	}
	if remarks.Valid {
		it.Remarks = &remarks.String
	}
	if catalogID.Valid {
		it.CatalogItemID = &catalogID.String
	}
	return it, nil
}

func (r Repo) InsertChecklistItem(ctx context.Context, tx *sql.Tx, it domain.ChecklistItem) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO checklist_items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		it.ID, it.CheckpointID, it.Description, nullableStringPtr(it.ReferenceDocument), it.Sequence, it.Status,
		nullableStringPtr(it.Remarks), nullableStringPtr(it.CatalogItemID))
	return err
}

func (r Repo) GetChecklistItem(ctx context.Context, tx *sql.Tx, id string) (domain.ChecklistItem, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+itemColumns+` FROM checklist_items WHERE id=?`, id)
	return scanItem(row.Scan)
}

// UpdateChecklistItem persists everything except the catalog linkage, which
// is immutable once set.
func (r Repo) UpdateChecklistItem(ctx context.Context, tx *sql.Tx, it domain.ChecklistItem) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE checklist_items SET description=?, reference_document=?, sequence=?, status=?, remarks=? WHERE id=?`,
		it.Description, nullableStringPtr(it.ReferenceDocument), it.Sequence, it.Status, nullableStringPtr(it.Remarks), it.ID)
	return err
}

func (r Repo) DeleteChecklistItem(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM checklist_items WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListChecklistItems(ctx context.Context, tx *sql.Tx, checkpointID string) ([]domain.ChecklistItem, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+itemColumns+` FROM checklist_items WHERE checkpoint_id=? ORDER BY sequence ASC, id ASC`, checkpointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChecklistItem
	for rows.Next() {
		it, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// MaxChecklistSequence returns 0 for an empty checklist.
func (r Repo) MaxChecklistSequence(ctx context.Context, tx *sql.Tx, checkpointID string) (int, error) {
	var max int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence),0) FROM checklist_items WHERE checkpoint_id=?`, checkpointID).Scan(&max)
	return max, err
}

// --- checkpoint images ---

func (r Repo) InsertCheckpointImage(ctx context.Context, tx *sql.Tx, img domain.CheckpointImage) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO checkpoint_images(id,checkpoint_id,path,sequence,uploaded_at) VALUES (?,?,?,?,?)`,
		img.ID, img.CheckpointID, img.Path, img.Sequence, img.UploadedAt)
	return err
}

func (r Repo) ListCheckpointImages(ctx context.Context, tx *sql.Tx, checkpointID string) ([]domain.CheckpointImage, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,checkpoint_id,path,sequence,uploaded_at FROM checkpoint_images WHERE checkpoint_id=? ORDER BY sequence ASC`, checkpointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CheckpointImage
	for rows.Next() {
		var img domain.CheckpointImage
		if err := rows.Scan(&img.ID, &img.CheckpointID, &img.Path, &img.Sequence, &img.UploadedAt); err != nil {
			return nil, err
		}
		res = append(res, img)
	}
	return res, rows.Err()
}

func (r Repo) MaxImageSequence(ctx context.Context, tx *sql.Tx, checkpointID string) (int, error) {
	var max int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence),0) FROM checkpoint_images WHERE checkpoint_id=?`, checkpointID).Scan(&max)
	return max, err
}

// --- predefined catalog ---

func (r Repo) UpsertCatalogItem(ctx context.Context, tx *sql.Tx, item domain.CatalogItem) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO catalog_items(id,description,reference_document,sequence,active) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET description=excluded.description, reference_document=excluded.reference_document, sequence=excluded.sequence, active=excluded.active`,
		item.ID, item.Description, nullableStringPtr(item.ReferenceDocument), item.Sequence, boolToInt(item.Active))
	return err
}

func (r Repo) GetCatalogItem(ctx context.Context, tx *sql.Tx, id string) (domain.CatalogItem, error) {
	var item domain.CatalogItem
	var ref sql.NullString
	var active int
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,description,reference_document,sequence,active FROM catalog_items WHERE id=?`, id).
		Scan(&item.ID, &item.Description, &ref, &item.Sequence, &active)
	if err == sql.ErrNoRows {
		return item, ErrNotFound
	}
	if err != nil {
		return item, err
	}
	if ref.Valid {
		item.ReferenceDocument = &ref.String
	}
	item.Active = active != 0
	return item, nil
}

func (r Repo) ListCatalogItems(ctx context.Context, activeOnly bool) ([]domain.CatalogItem, error) {
	query := `SELECT id,description,reference_document,sequence,active FROM catalog_items`
	if activeOnly {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY sequence ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CatalogItem
	for rows.Next() {
		var item domain.CatalogItem
		var ref sql.NullString
		var active int
		if err := rows.Scan(&item.ID, &item.Description, &ref, &item.Sequence, &active); err != nil {
			return nil, err
		}
		if ref.Valid {
			item.ReferenceDocument = &ref.String
		}
		item.Active = active != 0
		res = append(res, item)
	}
	return res, rows.Err()
}
