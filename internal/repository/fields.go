// Package repository provides the PostgreSQL persistence for categories,
// fields and their stored values.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	sq "github.com/Masterminds/squirrel"
	"github.com/atinyakov/fieldkeeper/internal/models"
	"github.com/atinyakov/fieldkeeper/internal/ordering"
	"github.com/atinyakov/fieldkeeper/internal/reconcile"
	"github.com/atinyakov/fieldkeeper/internal/service"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var fieldColumns = []string{
	"id", "parent_id", "title", "regex", "type", "masked",
	"is_mandatory", "encrypted_data", "role_visibility", "rank",
}

// getter is satisfied by both *sqlx.DB and *sqlx.Tx.
type getter interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// PostgresFieldsRepository implements service.FieldsRepository against PostgreSQL.
type PostgresFieldsRepository struct {
	// DB is the database handle for executing queries and transactions.
	DB *sqlx.DB
}

// NewPostgresFieldsRepository wraps an open *sql.DB using the postgres driver.
func NewPostgresFieldsRepository(db *sql.DB) *PostgresFieldsRepository {
	return &PostgresFieldsRepository{DB: sqlx.NewDb(db, "postgres")}
}

// WithTx runs fn inside a transaction. The transaction is rolled back when fn
// returns an error or panics, and committed otherwise.
func (r *PostgresFieldsRepository) WithTx(ctx context.Context, fn func(tx service.FieldsTx) error) error {
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ListCategories returns every category ordered by rank with its folders.
func (r *PostgresFieldsRepository) ListCategories(ctx context.Context) ([]models.Category, error) {
	query, args, err := psql.Select("id", "title", "rank", "parent_id", "level").
		From("categories").
		Where(sq.Eq{"level": models.LevelCategory}).
		OrderBy("rank", "title", "id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var categories []models.Category
	if err := r.DB.SelectContext(ctx, &categories, query, args...); err != nil {
		return nil, fmt.Errorf("ListCategories: %w", err)
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT cf.id_category, f.id, f.title
		  FROM categories_folders cf
		  JOIN folders f ON f.id = cf.id_folder
		 ORDER BY f.title, f.id
	`)
	if err != nil {
		return nil, fmt.Errorf("ListCategories folders: %w", err)
	}
	defer rows.Close()

	folders := make(map[int64][]models.Folder)
	for rows.Next() {
		var categoryID int64
		var f models.Folder
		if err := rows.Scan(&categoryID, &f.ID, &f.Title); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		folders[categoryID] = append(folders[categoryID], f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListCategories folders: %w", err)
	}

	for i := range categories {
		categories[i].Folders = folders[categories[i].ID]
	}
	return categories, nil
}

// ListFields returns every field ordered by category and rank.
func (r *PostgresFieldsRepository) ListFields(ctx context.Context) ([]models.Field, error) {
	query, args, err := psql.Select(fieldColumns...).
		From("categories").
		Where(sq.Eq{"level": models.LevelField}).
		OrderBy("parent_id", "rank", "title", "id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var fields []models.Field
	if err := r.DB.SelectContext(ctx, &fields, query, args...); err != nil {
		return nil, fmt.Errorf("ListFields: %w", err)
	}
	return fields, nil
}

// RoleTitles resolves role ids to their titles. Unknown ids are absent from the result.
func (r *PostgresFieldsRepository) RoleTitles(ctx context.Context, ids []int64) (map[int64]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, title FROM roles WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("RoleTitles: %w", err)
	}
	defer rows.Close()

	titles := make(map[int64]string, len(ids))
	for rows.Next() {
		var id int64
		var title string
		if err := rows.Scan(&id, &title); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		titles[id] = title
	}
	return titles, rows.Err()
}

// FieldValues returns every stored value of fieldID ordered by id.
func (r *PostgresFieldsRepository) FieldValues(ctx context.Context, fieldID int64) ([]models.StoredValue, error) {
	var values []models.StoredValue
	err := r.DB.SelectContext(ctx, &values, `
		SELECT id, field_id, item_id, data, data_iv, encryption_type
		  FROM field_values
		 WHERE field_id = $1
		 ORDER BY id
	`, fieldID)
	if err != nil {
		return nil, fmt.Errorf("FieldValues: %w", err)
	}
	return values, nil
}

// UpdateValue writes the migrated payload and scheme of one value and clears its IV.
func (r *PostgresFieldsRepository) UpdateValue(ctx context.Context, u reconcile.Update) error {
	query, args, err := psql.Update("field_values").
		Set("data", u.Payload).
		Set("data_iv", []byte{}).
		Set("encryption_type", u.Scheme).
		Where(sq.Eq{"id": u.ValueID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := r.DB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("UpdateValue: %w", err)
	}
	return nil
}

// pgTx implements service.FieldsTx on a single transaction.
type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) exec(ctx context.Context, op string, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: build query: %w", op, err)
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

func mustAffect(op string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, service.ErrNotFound)
	}
	return nil
}

func get(ctx context.Context, q getter, op string, dest interface{}, b sq.SelectBuilder) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("%s: build query: %w", op, err)
	}
	err = q.GetContext(ctx, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, service.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// LockSiblings takes the partition lock for (parentID, level), then reads the
// sibling set and locks its rows until the transaction ends. The partition lock
// also serialises inserts, which row locks alone cannot see.
func (t *pgTx) LockSiblings(ctx context.Context, parentID int64, level models.Level) ([]ordering.Sibling, error) {
	if _, err := t.exec(ctx, "LockSiblings", partitionLock(parentID, level)); err != nil {
		return nil, err
	}

	query, args, err := psql.Select("id", "rank", "title").
		From("categories").
		Where(sq.Eq{"parent_id": parentID, "level": level}).
		OrderBy("rank", "title", "id").
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("LockSiblings: build query: %w", err)
	}

	var siblings []ordering.Sibling
	if err := t.tx.SelectContext(ctx, &siblings, query, args...); err != nil {
		return nil, fmt.Errorf("LockSiblings: %w", err)
	}
	return siblings, nil
}

// partitionLock builds a transaction scoped advisory lock on one sibling set.
// Parent ids beyond int32 wrap; a collision only serialises two partitions.
func partitionLock(parentID int64, level models.Level) sq.SelectBuilder {
	return psql.Select().Column(sq.Expr("pg_advisory_xact_lock(?, ?)", int32(level), int32(parentID)))
}

// SetRanks writes each assigned rank, in id order.
func (t *pgTx) SetRanks(ctx context.Context, ranks ordering.Assignment) error {
	ids := make([]int64, 0, len(ranks))
	for id := range ranks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		b := psql.Update("categories").Set("rank", ranks[id]).Where(sq.Eq{"id": id})
		if _, err := t.exec(ctx, "SetRanks", b); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) GetCategory(ctx context.Context, id int64) (models.Category, error) {
	var c models.Category
	b := psql.Select("id", "title", "rank", "parent_id", "level").
		From("categories").
		Where(sq.Eq{"id": id, "level": models.LevelCategory})
	if err := get(ctx, t.tx, "GetCategory", &c, b); err != nil {
		return models.Category{}, err
	}
	return c, nil
}

func (t *pgTx) InsertCategory(ctx context.Context, title string) (int64, error) {
	query, args, err := psql.Insert("categories").
		Columns("parent_id", "title", "level", "rank").
		Values(0, title, models.LevelCategory, 1).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("InsertCategory: build query: %w", err)
	}

	var id int64
	if err := t.tx.QueryRowxContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("InsertCategory: %w", err)
	}
	return id, nil
}

func (t *pgTx) UpdateCategoryTitle(ctx context.Context, id int64, title string) error {
	b := psql.Update("categories").
		Set("title", title).
		Where(sq.Eq{"id": id, "level": models.LevelCategory})
	res, err := t.exec(ctx, "UpdateCategoryTitle", b)
	if err != nil {
		return err
	}
	return mustAffect("UpdateCategoryTitle", res)
}

// DeleteCategory removes the category, its folder links, its fields and their values.
func (t *pgTx) DeleteCategory(ctx context.Context, id int64) error {
	steps := []struct {
		op string
		b  sq.Sqlizer
	}{
		{"delete field values", psql.Delete("field_values").Where(sq.Expr("field_id IN (SELECT id FROM categories WHERE parent_id = ? AND level = ?)", id, models.LevelField))},
		{"delete fields", psql.Delete("categories").Where(sq.Eq{"parent_id": id, "level": models.LevelField})},
		{"delete folder links", psql.Delete("categories_folders").Where(sq.Eq{"id_category": id})},
	}
	for _, s := range steps {
		if _, err := t.exec(ctx, "DeleteCategory: "+s.op, s.b); err != nil {
			return err
		}
	}

	res, err := t.exec(ctx, "DeleteCategory", psql.Delete("categories").Where(sq.Eq{"id": id, "level": models.LevelCategory}))
	if err != nil {
		return err
	}
	return mustAffect("DeleteCategory", res)
}

func (t *pgTx) FolderIDs(ctx context.Context, categoryID int64) ([]int64, error) {
	var ids []int64
	err := t.tx.SelectContext(ctx, &ids,
		`SELECT id_folder FROM categories_folders WHERE id_category = $1 ORDER BY id_folder`, categoryID)
	if err != nil {
		return nil, fmt.Errorf("FolderIDs: %w", err)
	}
	return ids, nil
}

func (t *pgTx) AddFolders(ctx context.Context, categoryID int64, folderIDs []int64) error {
	if len(folderIDs) == 0 {
		return nil
	}
	b := psql.Insert("categories_folders").Columns("id_category", "id_folder")
	for _, id := range folderIDs {
		b = b.Values(categoryID, id)
	}
	_, err := t.exec(ctx, "AddFolders", b.Suffix("ON CONFLICT DO NOTHING"))
	return err
}

func (t *pgTx) RemoveFolders(ctx context.Context, categoryID int64, folderIDs []int64) error {
	if len(folderIDs) == 0 {
		return nil
	}
	b := psql.Delete("categories_folders").
		Where(sq.Eq{"id_category": categoryID}).
		Where("id_folder = ANY(?)", pq.Array(folderIDs))
	_, err := t.exec(ctx, "RemoveFolders", b)
	return err
}

func (t *pgTx) GetField(ctx context.Context, id int64) (models.Field, error) {
	var f models.Field
	b := psql.Select(fieldColumns...).
		From("categories").
		Where(sq.Eq{"id": id, "level": models.LevelField})
	if err := get(ctx, t.tx, "GetField", &f, b); err != nil {
		return models.Field{}, err
	}
	return f, nil
}

func (t *pgTx) InsertField(ctx context.Context, f models.Field) (int64, error) {
	query, args, err := psql.Insert("categories").
		Columns("parent_id", "title", "level", "rank", "regex", "type",
			"masked", "is_mandatory", "encrypted_data", "role_visibility").
		Values(f.CategoryID, f.Label, models.LevelField, f.Rank, f.Regex, string(f.Type),
			f.Masked, f.Mandatory, f.Encrypted, f.Visibility).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("InsertField: build query: %w", err)
	}

	var id int64
	if err := t.tx.QueryRowxContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("InsertField: %w", err)
	}
	return id, nil
}

// UpdateField writes every attribute of f except its rank.
func (t *pgTx) UpdateField(ctx context.Context, f models.Field) error {
	b := psql.Update("categories").
		Set("parent_id", f.CategoryID).
		Set("title", f.Label).
		Set("regex", f.Regex).
		Set("type", string(f.Type)).
		Set("masked", f.Masked).
		Set("is_mandatory", f.Mandatory).
		Set("encrypted_data", f.Encrypted).
		Set("role_visibility", f.Visibility).
		Where(sq.Eq{"id": f.ID, "level": models.LevelField})
	res, err := t.exec(ctx, "UpdateField", b)
	if err != nil {
		return err
	}
	return mustAffect("UpdateField", res)
}

// DeleteField removes the field and its stored values.
func (t *pgTx) DeleteField(ctx context.Context, id int64) error {
	if _, err := t.exec(ctx, "DeleteField: delete field values", psql.Delete("field_values").Where(sq.Eq{"field_id": id})); err != nil {
		return err
	}
	res, err := t.exec(ctx, "DeleteField", psql.Delete("categories").Where(sq.Eq{"id": id, "level": models.LevelField}))
	if err != nil {
		return err
	}
	return mustAffect("DeleteField", res)
}
