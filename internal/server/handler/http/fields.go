// Package http provides the HTTP handlers and routing for the field
// management API.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/atinyakov/fieldkeeper/internal/access"
	"github.com/atinyakov/fieldkeeper/internal/middleware"
	"github.com/atinyakov/fieldkeeper/internal/reconcile"
	"github.com/atinyakov/fieldkeeper/internal/service"
	"go.uber.org/zap"
)

// Actions accepted in the "type" member of a request.
const (
	ActionLoad         = "loadFieldsList"
	ActionAddCategory  = "add_new_category"
	ActionEditCategory = "edit_category"
	ActionDelete       = "delete"
	ActionAddField     = "add_new_field"
	ActionEditField    = "edit_field"
)

// Message keys returned in the "message" member of a response.
const (
	MsgKeyNotCorrect          = "key_is_not_correct"
	MsgNotAllowed             = "error_not_allowed_to"
	MsgInvalidPayload         = "error_invalid_payload"
	MsgUnknownAction          = "error_unknown_action"
	MsgNotFound               = "error_not_found"
	MsgCouldNotUpdateField    = "error_could_not_update_the_field"
	MsgCouldNotUpdateCategory = "error_could_not_update_the_category"
	MsgInternal               = "error_internal"
)

// FieldsService defines the category and field operations required by FieldsHandler.
type FieldsService interface {
	LoadTree(ctx context.Context) ([]service.CategoryNode, error)
	AddCategory(ctx context.Context, in service.CategoryInput) (int64, error)
	EditCategory(ctx context.Context, in service.CategoryInput) error
	Delete(ctx context.Context, id int64, kind service.DeleteKind) error
	AddField(ctx context.Context, in service.FieldInput) (int64, error)
	EditField(ctx context.Context, in service.FieldInput) (reconcile.Result, error)
}

// AccessChecker verifies that the session key belongs to an administrator.
type AccessChecker interface {
	RequireAdmin(token, userID string) (access.Session, error)
}

// Request is the body of POST /api/fields.
type Request struct {
	Type string          `json:"type"`
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data"`
}

// Response is the body of every /api/fields reply.
type Response struct {
	Error   bool                   `json:"error"`
	Message string                 `json:"message"`
	Array   []service.CategoryNode `json:"array,omitempty"`
	NewID   int64                  `json:"newId,omitempty"`
	Failed  int                    `json:"failed,omitempty"`
}

// FieldsHandler serves the field management actions.
type FieldsHandler struct {
	FieldsService FieldsService
	Access        AccessChecker
	Log           *zap.Logger
}

// NewFieldsHandler constructs a FieldsHandler.
func NewFieldsHandler(svc FieldsService, checker AccessChecker, log *zap.Logger) *FieldsHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &FieldsHandler{FieldsService: svc, Access: checker, Log: log}
}

// Handle handles POST /api/fields. The caller's identity and session key are
// checked before the payload is decoded, and nothing is written unless both pass.
func (h *FieldsHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: true, Message: MsgInvalidPayload})
		return
	}

	action, ok := h.actions()[req.Type]
	if !ok {
		writeJSON(w, http.StatusBadRequest, Response{Error: true, Message: MsgUnknownAction})
		return
	}

	userID := middleware.GetUserIDFromContext(r.Context())
	if _, err := h.Access.RequireAdmin(req.Key, userID); err != nil {
		switch {
		case errors.Is(err, access.ErrNotAllowed):
			writeJSON(w, http.StatusForbidden, Response{Error: true, Message: MsgNotAllowed})
		default:
			writeJSON(w, http.StatusUnauthorized, Response{Error: true, Message: MsgKeyNotCorrect})
		}
		return
	}

	resp, err := action(r.Context(), req.Data)
	if err != nil {
		status, msg := h.classify(req.Type, err)
		if status >= http.StatusInternalServerError {
			h.Log.Error("field action failed",
				zap.String("action", req.Type), zap.String("user", userID), zap.Error(err))
		}
		writeJSON(w, status, Response{Error: true, Message: msg})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type actionFunc func(ctx context.Context, data json.RawMessage) (Response, error)

func (h *FieldsHandler) actions() map[string]actionFunc {
	return map[string]actionFunc{
		ActionLoad:         h.load,
		ActionAddCategory:  h.addCategory,
		ActionEditCategory: h.editCategory,
		ActionDelete:       h.delete,
		ActionAddField:     h.addField,
		ActionEditField:    h.editField,
	}
}

// errPayload marks a payload that could not be decoded.
var errPayload = errors.New("invalid payload")

func payloadErr(err error) error {
	return errors.Join(errPayload, err)
}

func (h *FieldsHandler) classify(action string, err error) (int, string) {
	switch {
	case errors.Is(err, errPayload):
		return http.StatusBadRequest, MsgInvalidPayload
	case errors.Is(err, service.ErrValidation):
		switch action {
		case ActionEditField:
			return http.StatusBadRequest, MsgCouldNotUpdateField
		case ActionEditCategory:
			return http.StatusBadRequest, MsgCouldNotUpdateCategory
		}
		return http.StatusBadRequest, MsgInvalidPayload
	case errors.Is(err, service.ErrNotFound):
		switch action {
		case ActionEditField:
			return http.StatusNotFound, MsgCouldNotUpdateField
		case ActionEditCategory:
			return http.StatusNotFound, MsgCouldNotUpdateCategory
		}
		return http.StatusNotFound, MsgNotFound
	default:
		return http.StatusInternalServerError, MsgInternal
	}
}

func (h *FieldsHandler) load(ctx context.Context, _ json.RawMessage) (Response, error) {
	tree, err := h.FieldsService.LoadTree(ctx)
	if err != nil {
		return Response{}, err
	}
	if tree == nil {
		tree = []service.CategoryNode{}
	}
	return Response{Array: tree}, nil
}

func (h *FieldsHandler) addCategory(ctx context.Context, data json.RawMessage) (Response, error) {
	var p categoryPayload
	if err := decodeData(data, &p); err != nil {
		return Response{}, payloadErr(err)
	}
	in, err := p.input()
	if err != nil {
		return Response{}, payloadErr(err)
	}
	id, err := h.FieldsService.AddCategory(ctx, in)
	if err != nil {
		return Response{}, err
	}
	return Response{NewID: id}, nil
}

func (h *FieldsHandler) editCategory(ctx context.Context, data json.RawMessage) (Response, error) {
	var p categoryPayload
	if err := decodeData(data, &p); err != nil {
		return Response{}, payloadErr(err)
	}
	in, err := p.input()
	if err != nil {
		return Response{}, payloadErr(err)
	}
	return Response{}, h.FieldsService.EditCategory(ctx, in)
}

func (h *FieldsHandler) delete(ctx context.Context, data json.RawMessage) (Response, error) {
	var p deletePayload
	if err := decodeData(data, &p); err != nil {
		return Response{}, payloadErr(err)
	}
	return Response{}, h.FieldsService.Delete(ctx, int64(p.ID), service.DeleteKind(p.Kind))
}

func (h *FieldsHandler) addField(ctx context.Context, data json.RawMessage) (Response, error) {
	var p fieldPayload
	if err := decodeData(data, &p); err != nil {
		return Response{}, payloadErr(err)
	}
	in, err := p.input()
	if err != nil {
		return Response{}, payloadErr(err)
	}
	id, err := h.FieldsService.AddField(ctx, in)
	if err != nil {
		return Response{}, err
	}
	return Response{NewID: id}, nil
}

func (h *FieldsHandler) editField(ctx context.Context, data json.RawMessage) (Response, error) {
	var p fieldPayload
	if err := decodeData(data, &p); err != nil {
		return Response{}, payloadErr(err)
	}
	in, err := p.input()
	if err != nil {
		return Response{}, payloadErr(err)
	}
	res, err := h.FieldsService.EditField(ctx, in)
	if err != nil {
		return Response{}, err
	}
	if n := len(res.Failures); n > 0 {
		h.Log.Warn("field values left unmigrated",
			zap.Int64("field_id", in.ID), zap.Int("failed", n), zap.Error(res.Err()))
	}
	return Response{Failed: len(res.Failures)}, nil
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
