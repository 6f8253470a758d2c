package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/formsync/internal/formsave"
	"github.com/pitabwire/formsync/internal/idempotency"
	"github.com/pitabwire/formsync/internal/observability"
	"github.com/pitabwire/formsync/model"
)

// Saver runs complete-form saves. *formsave.Saver implements it.
type Saver interface {
	Save(ctx context.Context, state model.SaveState) (model.SaveState, []*model.ValidationErrors, error)
}

// SaveRequest is the body of POST /api/v1/saves.
type SaveRequest struct {
	State          model.SaveState `json:"state"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty" validate:"omitempty,max=128,printascii"`
}

// SaveHandler serves the save endpoint.
type SaveHandler struct {
	saver    Saver
	idem     idempotency.Store
	idemTTL  time.Duration
	metrics  *observability.Metrics
	logger   *zap.Logger
	validate *validator.Validate
}

// NewSaveHandler creates a SaveHandler. idem may be nil to disable replay;
// metrics may be nil.
func NewSaveHandler(saver Saver, idem idempotency.Store, idemTTL time.Duration, metrics *observability.Metrics, logger *zap.Logger) *SaveHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SaveHandler{
		saver:    saver,
		idem:     idem,
		idemTTL:  idemTTL,
		metrics:  metrics,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// HandleSave runs one complete-form save. Validation errors reported by the
// backend are part of a 200 response; infrastructure failures are mapped
// through the error envelope.
func (h *SaveHandler) HandleSave(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return
	}
	if err := rctx.Validate(); err != nil {
		WriteError(w, model.NewBadRequestError(err.Error()))
		return
	}
	logger := observability.LoggerFrom(ctx, h.logger)

	var req SaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, model.NewBadRequestError("invalid JSON body"))
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("X-Idempotency-Key")
	}
	if err := h.validate.Struct(req); err != nil {
		WriteValidationError(w, requestFieldErrors(err))
		return
	}

	var key, inputHash string
	if h.idem != nil && req.IdempotencyKey != "" {
		var err error
		if inputHash, err = idempotency.HashInput(req.State); err != nil {
			WriteError(w, model.NewBadRequestError("unencodable form state"))
			return
		}
		key = idempotency.Key(rctx.SubjectID, req.IdempotencyKey)

		cached, found, err := h.idem.Check(ctx, key, inputHash)
		if err != nil {
			var ee *model.ErrorEnvelope
			if errors.As(err, &ee) {
				WriteError(w, ee)
				return
			}
			logger.Warn("idempotency check failed, saving anyway", zap.Error(err))
		} else if found {
			h.replay(w, cached, logger)
			return
		}

		reserved, err := h.idem.Reserve(ctx, key, inputHash, idempotency.ReservationTTL)
		switch {
		case err != nil:
			logger.Warn("idempotency reservation failed, saving anyway", zap.Error(err))
		case !reserved:
			// Another request claimed the key after the check above.
			cached, found, err := h.idem.Check(ctx, key, inputHash)
			if err == nil && found {
				h.replay(w, cached, logger)
				return
			}
			if err == nil {
				err = model.NewConflictError("a save with this idempotency key is in progress")
			}
			WriteError(w, err)
			return
		}
	}

	saveID := uuid.NewString()
	out, errs, err := h.saver.Save(formsave.WithSaveID(ctx, saveID), req.State)
	if err != nil {
		if key != "" {
			if rerr := h.idem.Release(ctx, key); rerr != nil {
				logger.Warn("idempotency release failed", zap.Error(rerr))
			}
		}
		WriteError(w, err)
		return
	}

	if errs == nil {
		errs = []*model.ValidationErrors{}
	}
	result := model.SaveResult{
		SaveID: saveID,
		OK:     len(errs) == 0,
		State:  formsave.ApplyValidationErrors(out, errs),
		Errors: errs,
	}

	if key != "" {
		if err := h.idem.Put(ctx, key, inputHash, result, h.idemTTL); err != nil {
			logger.Warn("idempotency store failed", zap.Error(err))
		}
	}

	WriteJSON(w, http.StatusOK, result)
}

func (h *SaveHandler) replay(w http.ResponseWriter, cached *model.SaveResult, logger *zap.Logger) {
	h.metrics.RecordIdempotentReplay()
	logger.Info("save replayed", zap.String("save_id", cached.SaveID))
	WriteJSON(w, http.StatusOK, cached)
}

// requestFieldErrors converts validator errors to field errors.
func requestFieldErrors(err error) []model.FieldError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []model.FieldError{{Code: "invalid", Message: err.Error()}}
	}
	out := make([]model.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, model.FieldError{
			Field:   fe.Field(),
			Code:    fe.Tag(),
			Message: fe.Error(),
		})
	}
	return out
}
