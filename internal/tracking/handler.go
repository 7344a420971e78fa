package tracking

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/lynk/internal/db"
	"github.com/lalithlochan/lynk/internal/metrics"
)

const defaultRecordTimeout = 2 * time.Second

// ViewRecorder persists one view of a newsletter by a user.
type ViewRecorder interface {
	RecordView(ctx context.Context, newsletterID, userID uuid.UUID, ip string) error
}

// Handler serves the pixel. Recording failures never change the response:
// the client always gets the image with no-cache headers.
type Handler struct {
	recorder ViewRecorder
	signer   *Signer
	rawIDs   bool
	logger   *zap.Logger
	timeout  time.Duration
	now      func() time.Time
}

// NewHandler creates a pixel handler. signer may be nil, in which case the
// signed route rejects every token. With a signer, the raw-id route still
// serves the image but records nothing unless AllowRawIDs is called.
func NewHandler(recorder ViewRecorder, signer *Signer, logger *zap.Logger) *Handler {
	return &Handler{
		recorder: recorder,
		signer:   signer,
		rawIDs:   signer == nil,
		logger:   logger,
		timeout:  defaultRecordTimeout,
		now:      time.Now,
	}
}

// AllowRawIDs keeps recording views on the raw-id route while a signer is
// configured, for mail sent before TRACKING_SECRET was set.
func (h *Handler) AllowRawIDs(allow bool) *Handler {
	h.rawIDs = allow || h.signer == nil
	return h
}

// Routes mounts the raw-id and signed pixel routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/t/{newsletter}/{user}/pixel.png", h.RawPixel)
	r.Get("/p/{token}", h.SignedPixel)
}

// RawPixel handles GET /t/{newsletter}/{user}/pixel.png
func (h *Handler) RawPixel(w http.ResponseWriter, r *http.Request) {
	if !h.rawIDs {
		h.logger.Debug("raw pixel ignored, signed tokens required")
		metrics.RecordPixelView("rejected")
		h.writePixel(w)
		return
	}

	rawNewsletter := chi.URLParam(r, "newsletter")
	rawUser := chi.URLParam(r, "user")

	newsletterID, err1 := uuid.Parse(rawNewsletter)
	userID, err2 := uuid.Parse(rawUser)
	if err := errors.Join(err1, err2); err != nil {
		h.logger.Warn("pixel fetched with malformed ids",
			zap.String("newsletter_id", rawNewsletter),
			zap.String("user_id", rawUser),
			zap.Error(err),
		)
		metrics.RecordPixelView("invalid")
		h.writePixel(w)
		return
	}

	h.record(r, newsletterID, userID)
	h.writePixel(w)
}

// SignedPixel handles GET /p/{token}.png
func (h *Handler) SignedPixel(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSuffix(chi.URLParam(r, "token"), ".png")

	if h.signer == nil {
		h.logger.Warn("signed pixel fetched but no tracking secret configured")
		metrics.RecordPixelView("invalid")
		h.writePixel(w)
		return
	}

	newsletterID, userID, err := h.signer.Verify(token)
	if err != nil {
		h.logger.Warn("pixel fetched with invalid token", zap.Error(err))
		metrics.RecordPixelView("invalid")
		h.writePixel(w)
		return
	}

	h.record(r, newsletterID, userID)
	h.writePixel(w)
}

func (h *Handler) record(r *http.Request, newsletterID, userID uuid.UUID) {
	ip := ClientIP(r)

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	err := h.recorder.RecordView(ctx, newsletterID, userID, ip)
	switch {
	case err == nil:
		metrics.RecordPixelView("recorded")
	case errors.Is(err, db.ErrUnknownDelivery):
		h.logger.Warn("pixel fetched for unknown newsletter or user",
			zap.String("newsletter_id", newsletterID.String()),
			zap.String("user_id", userID.String()),
		)
		metrics.RecordPixelView("unknown")
	default:
		h.logger.Error("failed to record newsletter view",
			zap.String("newsletter_id", newsletterID.String()),
			zap.String("user_id", userID.String()),
			zap.String("ip", ip),
			zap.Error(err),
		)
		metrics.RecordPixelView("error")
	}
}

func (h *Handler) writePixel(w http.ResponseWriter) {
	header := w.Header()
	header.Set("Content-Type", "image/png")
	header.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	header.Set("Pragma", "no-cache")
	header.Set("Expires", "Thu, 01 Jan 1970 00:00:00 GMT")
	header.Set("Last-Modified", h.now().UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	w.Write(pixel)
}
