// Package service provides the business logic for managing custom field
// categories and fields, delegating persistence to a FieldsRepository.
package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/atinyakov/fieldkeeper/internal/models"
	"github.com/atinyakov/fieldkeeper/internal/ordering"
	"github.com/atinyakov/fieldkeeper/internal/reconcile"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrValidation is returned when a request payload is malformed.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when the target category or field does not exist.
	ErrNotFound = errors.New("not found")
)

// FieldsTx is the set of operations available inside one transaction.
// Sibling reads lock the returned rows until the transaction ends.
type FieldsTx interface {
	LockSiblings(ctx context.Context, parentID int64, level models.Level) ([]ordering.Sibling, error)
	SetRanks(ctx context.Context, ranks ordering.Assignment) error

	GetCategory(ctx context.Context, id int64) (models.Category, error)
	InsertCategory(ctx context.Context, title string) (int64, error)
	UpdateCategoryTitle(ctx context.Context, id int64, title string) error
	DeleteCategory(ctx context.Context, id int64) error

	FolderIDs(ctx context.Context, categoryID int64) ([]int64, error)
	AddFolders(ctx context.Context, categoryID int64, folderIDs []int64) error
	RemoveFolders(ctx context.Context, categoryID int64, folderIDs []int64) error

	GetField(ctx context.Context, id int64) (models.Field, error)
	InsertField(ctx context.Context, f models.Field) (int64, error)
	UpdateField(ctx context.Context, f models.Field) error
	DeleteField(ctx context.Context, id int64) error
}

// FieldsRepository defines the persistence operations required by FieldsService.
// Lookups of missing rows return ErrNotFound.
type FieldsRepository interface {
	// WithTx runs fn in a transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn func(tx FieldsTx) error) error

	ListCategories(ctx context.Context) ([]models.Category, error)
	ListFields(ctx context.Context) ([]models.Field, error)
	RoleTitles(ctx context.Context, ids []int64) (map[int64]string, error)

	FieldValues(ctx context.Context, fieldID int64) ([]models.StoredValue, error)
	UpdateValue(ctx context.Context, u reconcile.Update) error
}

// DeleteKind selects what Delete removes.
type DeleteKind string

const (
	// DeleteCategory removes a category together with its fields and their values.
	DeleteCategory DeleteKind = "category"
	// DeleteField removes a single field and its values.
	DeleteField DeleteKind = "field"
)

// CategoryInput carries the attributes of a category create or edit.
type CategoryInput struct {
	ID       int64
	Label    string
	Position ordering.Position
	Folders  []int64
}

// FieldInput carries the attributes of a field create or edit.
// Encrypted is nil when the caller did not send the flag.
type FieldInput struct {
	ID         int64
	CategoryID int64
	Label      string
	Regex      string
	Type       models.FieldType
	Masked     bool
	Mandatory  bool
	Encrypted  *bool
	Visibility models.Visibility
	Position   ordering.Position
}

// FieldsService implements category and field management.
type FieldsService struct {
	repo   FieldsRepository
	cipher reconcile.Cipher
	log    *zap.Logger
}

// NewFieldsService constructs a FieldsService.
func NewFieldsService(repo FieldsRepository, cipher reconcile.Cipher, log *zap.Logger) *FieldsService {
	if log == nil {
		log = zap.NewNop()
	}
	return &FieldsService{repo: repo, cipher: cipher, log: log}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func normalizeLabel(label string) (string, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return "", invalid("empty label")
	}
	return label, nil
}

func (in *FieldInput) normalize() error {
	label, err := normalizeLabel(in.Label)
	if err != nil {
		return err
	}
	in.Label = label
	if in.CategoryID <= 0 {
		return invalid("missing category")
	}
	if in.Type == "" {
		in.Type = models.FieldText
	}
	if !in.Type.Valid() {
		return invalid("unknown field type %q", in.Type)
	}
	if in.Regex != "" {
		if _, err := regexp.Compile(in.Regex); err != nil {
			return invalid("regex: %v", err)
		}
	}
	return nil
}

func validFolders(ids []int64) error {
	for _, id := range ids {
		if id <= 0 {
			return invalid("folder id %d", id)
		}
	}
	return nil
}

// AddCategory creates a top-level category at pos and links it to folders.
func (s *FieldsService) AddCategory(ctx context.Context, in CategoryInput) (int64, error) {
	label, err := normalizeLabel(in.Label)
	if err != nil {
		return 0, err
	}
	if err := validFolders(in.Folders); err != nil {
		return 0, err
	}

	var id int64
	err = s.repo.WithTx(ctx, func(tx FieldsTx) error {
		siblings, err := tx.LockSiblings(ctx, 0, models.LevelCategory)
		if err != nil {
			return err
		}
		if id, err = tx.InsertCategory(ctx, label); err != nil {
			return err
		}
		_, ranks := ordering.Reorder(siblings, id, in.Position)
		if err := tx.SetRanks(ctx, ranks.Changed(siblings)); err != nil {
			return err
		}
		return tx.AddFolders(ctx, id, dedupe(in.Folders))
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("category added", zap.Int64("category_id", id), zap.String("position", in.Position.String()))
	return id, nil
}

// EditCategory renames and repositions a category and replaces its folder links.
func (s *FieldsService) EditCategory(ctx context.Context, in CategoryInput) error {
	if in.ID <= 0 {
		return invalid("missing category id")
	}
	label, err := normalizeLabel(in.Label)
	if err != nil {
		return err
	}
	if err := validFolders(in.Folders); err != nil {
		return err
	}

	err = s.repo.WithTx(ctx, func(tx FieldsTx) error {
		siblings, err := tx.LockSiblings(ctx, 0, models.LevelCategory)
		if err != nil {
			return err
		}
		if _, err := tx.GetCategory(ctx, in.ID); err != nil {
			return err
		}
		if err := tx.UpdateCategoryTitle(ctx, in.ID, label); err != nil {
			return err
		}
		_, ranks := ordering.Reorder(siblings, in.ID, in.Position)
		if err := tx.SetRanks(ctx, ranks.Changed(siblings)); err != nil {
			return err
		}
		return replaceFolders(ctx, tx, in.ID, in.Folders)
	})
	if err != nil {
		return err
	}
	s.log.Info("category updated", zap.Int64("category_id", in.ID), zap.String("position", in.Position.String()))
	return nil
}

func replaceFolders(ctx context.Context, tx FieldsTx, categoryID int64, want []int64) error {
	have, err := tx.FolderIDs(ctx, categoryID)
	if err != nil {
		return err
	}
	add, remove := diffIDs(have, dedupe(want))
	if err := tx.RemoveFolders(ctx, categoryID, remove); err != nil {
		return err
	}
	return tx.AddFolders(ctx, categoryID, add)
}

// diffIDs returns the ids of want missing from have and the ids of have missing from want.
func diffIDs(have, want []int64) (add, remove []int64) {
	inHave := make(map[int64]bool, len(have))
	for _, id := range have {
		inHave[id] = true
	}
	inWant := make(map[int64]bool, len(want))
	for _, id := range want {
		inWant[id] = true
		if !inHave[id] {
			add = append(add, id)
		}
	}
	for _, id := range have {
		if !inWant[id] {
			remove = append(remove, id)
		}
	}
	return add, remove
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Delete removes a category (with its fields and values) or a single field,
// then compacts the ranks of the affected sibling set.
func (s *FieldsService) Delete(ctx context.Context, id int64, kind DeleteKind) error {
	if id <= 0 {
		return invalid("missing id")
	}
	err := s.repo.WithTx(ctx, func(tx FieldsTx) error {
		switch kind {
		case DeleteCategory:
			siblings, err := tx.LockSiblings(ctx, 0, models.LevelCategory)
			if err != nil {
				return err
			}
			if err := tx.DeleteCategory(ctx, id); err != nil {
				return err
			}
			return compact(ctx, tx, siblings, id)
		case DeleteField:
			f, err := tx.GetField(ctx, id)
			if err != nil {
				return err
			}
			siblings, err := tx.LockSiblings(ctx, f.CategoryID, models.LevelField)
			if err != nil {
				return err
			}
			if err := tx.DeleteField(ctx, id); err != nil {
				return err
			}
			return compact(ctx, tx, siblings, id)
		default:
			return invalid("unknown delete kind %q", kind)
		}
	})
	if err != nil {
		return err
	}
	s.log.Info("deleted", zap.String("kind", string(kind)), zap.Int64("id", id))
	return nil
}

// compact renumbers siblings without removedID.
func compact(ctx context.Context, tx FieldsTx, siblings []ordering.Sibling, removedID int64) error {
	remaining := make([]ordering.Sibling, 0, len(siblings))
	for _, sib := range siblings {
		if sib.ID != removedID {
			remaining = append(remaining, sib)
		}
	}
	return tx.SetRanks(ctx, ordering.Compact(remaining).Changed(remaining))
}

// AddField creates a field in its category at the requested position.
func (s *FieldsService) AddField(ctx context.Context, in FieldInput) (int64, error) {
	if err := in.normalize(); err != nil {
		return 0, err
	}

	f := models.Field{
		CategoryID: in.CategoryID,
		Label:      in.Label,
		Regex:      in.Regex,
		Type:       in.Type,
		Masked:     in.Masked,
		Mandatory:  in.Mandatory,
		Encrypted:  in.Encrypted != nil && *in.Encrypted,
		Visibility: in.Visibility,
		Rank:       1,
	}

	var id int64
	err := s.repo.WithTx(ctx, func(tx FieldsTx) error {
		if _, err := tx.GetCategory(ctx, in.CategoryID); err != nil {
			return err
		}
		siblings, err := tx.LockSiblings(ctx, in.CategoryID, models.LevelField)
		if err != nil {
			return err
		}
		if id, err = tx.InsertField(ctx, f); err != nil {
			return err
		}
		_, ranks := ordering.Reorder(siblings, id, in.Position)
		return tx.SetRanks(ctx, ranks.Changed(siblings))
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("field added", zap.Int64("field_id", id), zap.Int64("category_id", in.CategoryID))
	return id, nil
}

// EditField updates a field's attributes and position. Moving the field to
// another category compacts the category it left. When in.Encrypted is set the
// field's stored values are reconciled after the update commits.
func (s *FieldsService) EditField(ctx context.Context, in FieldInput) (reconcile.Result, error) {
	if in.ID <= 0 {
		return reconcile.Result{}, invalid("missing field id")
	}
	if err := in.normalize(); err != nil {
		return reconcile.Result{}, err
	}

	err := s.repo.WithTx(ctx, func(tx FieldsTx) error {
		cur, err := tx.GetField(ctx, in.ID)
		if err != nil {
			return err
		}
		if _, err := tx.GetCategory(ctx, in.CategoryID); err != nil {
			return err
		}

		partitions := []int64{in.CategoryID}
		moved := cur.CategoryID != in.CategoryID
		if moved {
			partitions = append(partitions, cur.CategoryID)
			sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
		}
		locked := make(map[int64][]ordering.Sibling, len(partitions))
		for _, cid := range partitions {
			if locked[cid], err = tx.LockSiblings(ctx, cid, models.LevelField); err != nil {
				return err
			}
		}

		updated := cur
		updated.CategoryID = in.CategoryID
		updated.Label = in.Label
		updated.Regex = in.Regex
		updated.Type = in.Type
		updated.Masked = in.Masked
		updated.Mandatory = in.Mandatory
		updated.Visibility = in.Visibility
		if in.Encrypted != nil {
			updated.Encrypted = *in.Encrypted
		}
		if err := tx.UpdateField(ctx, updated); err != nil {
			return err
		}

		dest := locked[in.CategoryID]
		_, ranks := ordering.Reorder(dest, in.ID, in.Position)
		if err := tx.SetRanks(ctx, ranks.Changed(dest)); err != nil {
			return err
		}
		if moved {
			return compact(ctx, tx, locked[cur.CategoryID], in.ID)
		}
		return nil
	})
	if err != nil {
		return reconcile.Result{}, err
	}
	s.log.Info("field updated", zap.Int64("field_id", in.ID), zap.Int64("category_id", in.CategoryID))

	if in.Encrypted == nil {
		return reconcile.Result{FieldID: in.ID}, nil
	}
	return s.ReconcileField(ctx, in.ID, *in.Encrypted)
}

// ReconcileField brings every stored value of fieldID to the scheme matching
// encrypted. Values the cipher cannot migrate are reported in the result and
// keep their state; a persistence error stops the batch.
func (s *FieldsService) ReconcileField(ctx context.Context, fieldID int64, encrypted bool) (reconcile.Result, error) {
	values, err := s.repo.FieldValues(ctx, fieldID)
	if err != nil {
		return reconcile.Result{FieldID: fieldID}, err
	}

	batch := uuid.NewString()
	res := reconcile.Reconcile(fieldID, encrypted, values, s.cipher)
	for _, f := range res.Failures {
		s.log.Warn("failed to migrate field value",
			zap.String("batch", batch),
			zap.Int64("field_id", fieldID),
			zap.Int64("value_id", f.ValueID),
			zap.Error(f.Err))
	}
	for _, u := range res.Updates {
		if err := s.repo.UpdateValue(ctx, u); err != nil {
			return res, fmt.Errorf("update value %d: %w", u.ValueID, err)
		}
	}

	s.log.Info("field values reconciled",
		zap.String("batch", batch),
		zap.Int64("field_id", fieldID),
		zap.Stringer("target", reconcile.Target(encrypted)),
		zap.Int("updated", len(res.Updates)),
		zap.Int("failed", len(res.Failures)),
		zap.Int("unchanged", res.Unchanged))
	return res, nil
}

// Role is a role a field is visible to, as rendered in the tree.
type Role struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// AllRolesTitle is the message key rendered for the "every role" entry.
const AllRolesTitle = "every_roles"

// FieldNode is a field as rendered in the tree.
type FieldNode struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Order     int    `json:"order"`
	Encrypted bool   `json:"encrypted"`
	Type      string `json:"type"`
	Masked    bool   `json:"masked"`
	Mandatory bool   `json:"mandatory"`
	Regex     string `json:"regex"`
	Roles     []Role `json:"roles"`
}

// CategoryNode is a category with its folders and fields, as rendered in the tree.
type CategoryNode struct {
	ID      int64           `json:"id"`
	Title   string          `json:"title"`
	Order   int             `json:"order"`
	Folders []models.Folder `json:"folders"`
	Fields  []FieldNode     `json:"fields"`
}

// LoadTree returns every category ordered by rank, each with its fields
// ordered by rank and role ids resolved to titles.
func (s *FieldsService) LoadTree(ctx context.Context) ([]CategoryNode, error) {
	categories, err := s.repo.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	fields, err := s.repo.ListFields(ctx)
	if err != nil {
		return nil, err
	}

	var roleIDs []int64
	seen := make(map[int64]bool)
	for _, f := range fields {
		for _, id := range f.Visibility.Roles {
			if !seen[id] {
				seen[id] = true
				roleIDs = append(roleIDs, id)
			}
		}
	}
	titles := map[int64]string{}
	if len(roleIDs) > 0 {
		if titles, err = s.repo.RoleTitles(ctx, roleIDs); err != nil {
			return nil, err
		}
	}

	byCategory := make(map[int64][]models.Field)
	for _, f := range fields {
		byCategory[f.CategoryID] = append(byCategory[f.CategoryID], f)
	}

	tree := make([]CategoryNode, 0, len(categories))
	for _, c := range categories {
		node := CategoryNode{
			ID:      c.ID,
			Title:   c.Title,
			Order:   c.Rank,
			Folders: c.Folders,
			Fields:  []FieldNode{},
		}
		if node.Folders == nil {
			node.Folders = []models.Folder{}
		}
		children := byCategory[c.ID]
		sort.SliceStable(children, func(i, j int) bool {
			if children[i].Rank != children[j].Rank {
				return children[i].Rank < children[j].Rank
			}
			return children[i].ID < children[j].ID
		})
		for _, f := range children {
			node.Fields = append(node.Fields, FieldNode{
				ID:        f.ID,
				Title:     f.Label,
				Order:     f.Rank,
				Encrypted: f.Encrypted,
				Type:      string(f.Type),
				Masked:    f.Masked,
				Mandatory: f.Mandatory,
				Regex:     f.Regex,
				Roles:     roles(f.Visibility, titles),
			})
		}
		tree = append(tree, node)
	}
	return tree, nil
}

func roles(v models.Visibility, titles map[int64]string) []Role {
	if v.All {
		return []Role{{ID: "all", Title: AllRolesTitle}}
	}
	out := make([]Role, 0, len(v.Roles))
	for _, id := range v.Roles {
		out = append(out, Role{ID: strconv.FormatInt(id, 10), Title: titles[id]})
	}
	return out
}
