package repository

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/atinyakov/fieldkeeper/internal/models"
	"github.com/atinyakov/fieldkeeper/internal/ordering"
	"github.com/atinyakov/fieldkeeper/internal/reconcile"
	"github.com/atinyakov/fieldkeeper/internal/service"
	"github.com/lib/pq"
)

func setupMock(t *testing.T) (*PostgresFieldsRepository, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock database: %v", err)
	}
	repo := NewPostgresFieldsRepository(db)
	cleanup := func() {
		db.Close()
	}
	return repo, mock, cleanup
}

func q(s string) string {
	return regexp.QuoteMeta(s)
}

func TestWithTx_Commit(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(q(`SELECT pg_advisory_xact_lock($1, $2)`)).
		WithArgs(int32(models.LevelField), int32(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q(`SELECT id, rank, title FROM categories WHERE level = $1 AND parent_id = $2 ORDER BY rank, title, id FOR UPDATE`)).
		WithArgs(models.LevelField, int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "rank", "title"}).
			AddRow(int64(11), 1, "user").
			AddRow(int64(12), 2, "password"))
	mock.ExpectExec(q(`UPDATE categories SET rank = $1 WHERE id = $2`)).
		WithArgs(2, int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(`UPDATE categories SET rank = $1 WHERE id = $2`)).
		WithArgs(1, int64(12)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var got []ordering.Sibling
	err := repo.WithTx(context.Background(), func(tx service.FieldsTx) error {
		var err error
		got, err = tx.LockSiblings(context.Background(), 7, models.LevelField)
		if err != nil {
			return err
		}
		return tx.SetRanks(context.Background(), ordering.Assignment{12: 1, 11: 2})
	})
	if err != nil {
		t.Fatalf("WithTx returned error: %v", err)
	}
	want := []ordering.Sibling{{ID: 11, Rank: 1, Title: "user"}, {ID: 12, Rank: 2, Title: "password"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("siblings = %+v; want %+v", got, want)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestWithTx_RollbackOnError(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectRollback()

	wantErr := errors.New("boom")
	err := repo.WithTx(context.Background(), func(service.FieldsTx) error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Errorf("WithTx error = %v; want %v", err, wantErr)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestWithTx_BeginError(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectBegin().WillReturnError(errors.New("no conn"))

	err := repo.WithTx(context.Background(), func(service.FieldsTx) error {
		t.Error("fn must not run")
		return nil
	})
	if err == nil || !regexp.MustCompile(`begin tx`).MatchString(err.Error()) {
		t.Errorf("expected begin tx error, got %v", err)
	}
}

func TestLockSiblings_EmptyPartitionStillLocks(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(q(`SELECT pg_advisory_xact_lock($1, $2)`)).
		WithArgs(int32(models.LevelCategory), int32(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q(`SELECT id, rank, title FROM categories WHERE level = $1 AND parent_id = $2 ORDER BY rank, title, id FOR UPDATE`)).
		WithArgs(models.LevelCategory, int64(0)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "rank", "title"}))
	mock.ExpectCommit()

	err := repo.WithTx(context.Background(), func(tx service.FieldsTx) error {
		got, err := tx.LockSiblings(context.Background(), 0, models.LevelCategory)
		if len(got) != 0 {
			t.Errorf("siblings = %+v; want none", got)
		}
		return err
	})
	if err != nil {
		t.Fatalf("WithTx returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestLockSiblings_LockError(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(q(`SELECT pg_advisory_xact_lock($1, $2)`)).
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	err := repo.WithTx(context.Background(), func(tx service.FieldsTx) error {
		_, err := tx.LockSiblings(context.Background(), 4, models.LevelField)
		return err
	})
	if err == nil || !regexp.MustCompile(`LockSiblings: deadlock detected`).MatchString(err.Error()) {
		t.Errorf("expected lock error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestInsertCategoryAndFolders(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(q(`INSERT INTO categories (parent_id,title,level,rank) VALUES ($1,$2,$3,$4) RETURNING id`)).
		WithArgs(0, "Servers", models.LevelCategory, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(4)))
	mock.ExpectExec(q(`INSERT INTO categories_folders (id_category,id_folder) VALUES ($1,$2),($3,$4) ON CONFLICT DO NOTHING`)).
		WithArgs(int64(4), int64(5), int64(4), int64(6)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := repo.WithTx(context.Background(), func(tx service.FieldsTx) error {
		id, err := tx.InsertCategory(context.Background(), "Servers")
		if err != nil {
			return err
		}
		if id != 4 {
			t.Errorf("InsertCategory id = %d; want 4", id)
		}
		if err := tx.AddFolders(context.Background(), id, nil); err != nil {
			return err
		}
		return tx.AddFolders(context.Background(), id, []int64{5, 6})
	})
	if err != nil {
		t.Fatalf("WithTx returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetCategory_NotFound(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(q(`SELECT id, title, rank, parent_id, level FROM categories WHERE id = $1 AND level = $2`)).
		WithArgs(int64(9), models.LevelCategory).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := repo.WithTx(context.Background(), func(tx service.FieldsTx) error {
		_, err := tx.GetCategory(context.Background(), 9)
		return err
	})
	if !errors.Is(err, service.ErrNotFound) {
		t.Errorf("error = %v; want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestUpdateCategoryTitle_NoRows(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(q(`UPDATE categories SET title = $1 WHERE id = $2 AND level = $3`)).
		WithArgs("x", int64(3), models.LevelCategory).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.WithTx(context.Background(), func(tx service.FieldsTx) error {
		return tx.UpdateCategoryTitle(context.Background(), 3, "x")
	})
	if !errors.Is(err, service.ErrNotFound) {
		t.Errorf("error = %v; want ErrNotFound", err)
	}
}

func TestFolderDiff(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(q(`SELECT id_folder FROM categories_folders WHERE id_category = $1 ORDER BY id_folder`)).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id_folder"}).AddRow(int64(1)).AddRow(int64(2)))
	mock.ExpectExec(q(`DELETE FROM categories_folders WHERE id_category = $1 AND id_folder = ANY($2)`)).
		WithArgs(int64(3), pq.Array([]int64{1})).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.WithTx(context.Background(), func(tx service.FieldsTx) error {
		ids, err := tx.FolderIDs(context.Background(), 3)
		if err != nil {
			return err
		}
		if !reflect.DeepEqual(ids, []int64{1, 2}) {
			t.Errorf("FolderIDs = %v", ids)
		}
		if err := tx.RemoveFolders(context.Background(), 3, nil); err != nil {
			return err
		}
		return tx.RemoveFolders(context.Background(), 3, []int64{1})
	})
	if err != nil {
		t.Fatalf("WithTx returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestDeleteCategory_Cascade(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(q(`DELETE FROM field_values WHERE field_id IN (SELECT id FROM categories WHERE parent_id = $1 AND level = $2)`)).
		WithArgs(int64(2), models.LevelField).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec(q(`DELETE FROM categories WHERE level = $1 AND parent_id = $2`)).
		WithArgs(models.LevelField, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(q(`DELETE FROM categories_folders WHERE id_category = $1`)).
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(`DELETE FROM categories WHERE id = $1 AND level = $2`)).
		WithArgs(int64(2), models.LevelCategory).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.WithTx(context.Background(), func(tx service.FieldsTx) error {
		return tx.DeleteCategory(context.Background(), 2)
	})
	if err != nil {
		t.Fatalf("WithTx returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestDeleteField_NotFound(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(q(`DELETE FROM field_values WHERE field_id = $1`)).
		WithArgs(int64(40)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q(`DELETE FROM categories WHERE id = $1 AND level = $2`)).
		WithArgs(int64(40), models.LevelField).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.WithTx(context.Background(), func(tx service.FieldsTx) error {
		return tx.DeleteField(context.Background(), 40)
	})
	if !errors.Is(err, service.ErrNotFound) {
		t.Errorf("error = %v; want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestInsertAndUpdateField(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	f := models.Field{
		ID:         30,
		CategoryID: 2,
		Label:      "pin",
		Regex:      `^\d{4}$`,
		Type:       models.FieldText,
		Masked:     true,
		Encrypted:  true,
		Visibility: models.Visibility{Roles: []int64{3, 4}},
		Rank:       1,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(q(`INSERT INTO categories (parent_id,title,level,rank,regex,type,masked,is_mandatory,encrypted_data,role_visibility) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`)).
		WithArgs(int64(2), "pin", models.LevelField, 1, `^\d{4}$`, "text", true, false, true, "3,4").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(30)))
	mock.ExpectExec(q(`UPDATE categories SET parent_id = $1, title = $2, regex = $3, type = $4, masked = $5, is_mandatory = $6, encrypted_data = $7, role_visibility = $8 WHERE id = $9 AND level = $10`)).
		WithArgs(int64(2), "pin", `^\d{4}$`, "text", true, false, true, "3,4", int64(30), models.LevelField).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.WithTx(context.Background(), func(tx service.FieldsTx) error {
		id, err := tx.InsertField(context.Background(), f)
		if err != nil {
			return err
		}
		if id != 30 {
			t.Errorf("InsertField id = %d; want 30", id)
		}
		return tx.UpdateField(context.Background(), f)
	})
	if err != nil {
		t.Fatalf("WithTx returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetField(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(q(`SELECT id, parent_id, title, regex, type, masked, is_mandatory, encrypted_data, role_visibility, rank FROM categories WHERE id = $1 AND level = $2`)).
		WithArgs(int64(30), models.LevelField).
		WillReturnRows(sqlmock.NewRows(fieldColumns).
			AddRow(int64(30), int64(2), "pin", "", "textarea", false, true, false, "all", 3))
	mock.ExpectCommit()

	var got models.Field
	err := repo.WithTx(context.Background(), func(tx service.FieldsTx) error {
		var err error
		got, err = tx.GetField(context.Background(), 30)
		return err
	})
	if err != nil {
		t.Fatalf("WithTx returned error: %v", err)
	}
	want := models.Field{
		ID: 30, CategoryID: 2, Label: "pin", Type: models.FieldTextarea,
		Mandatory: true, Visibility: models.Visibility{All: true}, Rank: 3,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("GetField = %+v; want %+v", got, want)
	}
}

func TestListCategories(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectQuery(q(`SELECT id, title, rank, parent_id, level FROM categories WHERE level = $1 ORDER BY rank, title, id`)).
		WithArgs(models.LevelCategory).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "rank", "parent_id", "level"}).
			AddRow(int64(1), "Web", 1, int64(0), 0).
			AddRow(int64(2), "Cloud", 2, int64(0), 0))
	mock.ExpectQuery(q(`SELECT cf.id_category, f.id, f.title`)).
		WillReturnRows(sqlmock.NewRows([]string{"id_category", "id", "title"}).
			AddRow(int64(1), int64(8), "Ops"))

	got, err := repo.ListCategories(context.Background())
	if err != nil {
		t.Fatalf("ListCategories returned error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d; want 2", len(got))
	}
	if !reflect.DeepEqual(got[0].Folders, []models.Folder{{ID: 8, Title: "Ops"}}) || got[1].Folders != nil {
		t.Errorf("folders = %+v / %+v", got[0].Folders, got[1].Folders)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestListFields_Error(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectQuery(q(`SELECT id, parent_id, title`)).
		WillReturnError(errors.New("query fail"))

	_, err := repo.ListFields(context.Background())
	if err == nil || !regexp.MustCompile(`ListFields`).MatchString(err.Error()) {
		t.Errorf("expected ListFields error, got %v", err)
	}
}

func TestRoleTitles(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectQuery(q(`SELECT id, title FROM roles WHERE id = ANY($1)`)).
		WithArgs(pq.Array([]int64{4, 5})).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title"}).AddRow(int64(4), "Admins"))

	got, err := repo.RoleTitles(context.Background(), []int64{4, 5})
	if err != nil {
		t.Fatalf("RoleTitles returned error: %v", err)
	}
	if !reflect.DeepEqual(got, map[int64]string{4: "Admins"}) {
		t.Errorf("RoleTitles = %v", got)
	}
}

func TestFieldValuesAndUpdate(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectQuery(q(`SELECT id, field_id, item_id, data, data_iv, encryption_type`)).
		WithArgs(int64(30)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "field_id", "item_id", "data", "data_iv", "encryption_type"}).
			AddRow(int64(1), int64(30), int64(100), "plain", []byte{}, "none").
			AddRow(int64(2), int64(30), int64(101), "Y2lwaGVy", []byte{1, 2, 3}, "legacy"))
	mock.ExpectExec(q(`UPDATE field_values SET data = $1, data_iv = $2, encryption_type = $3 WHERE id = $4`)).
		WithArgs("c2VhbGVk", []byte{}, "current", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	values, err := repo.FieldValues(context.Background(), 30)
	if err != nil {
		t.Fatalf("FieldValues returned error: %v", err)
	}
	if len(values) != 2 || values[0].Scheme != models.SchemeNone || values[1].Scheme != models.SchemeLegacy {
		t.Fatalf("values = %+v", values)
	}
	if !reflect.DeepEqual(values[1].IV, []byte{1, 2, 3}) {
		t.Errorf("IV = %v", values[1].IV)
	}

	err = repo.UpdateValue(context.Background(), reconcile.Update{ValueID: 2, Payload: "c2VhbGVk", Scheme: models.SchemeCurrent})
	if err != nil {
		t.Fatalf("UpdateValue returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
