package maintenance

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"account-backend/internal/observability"
)

// WindowSweeper drops rate-limit windows that have already ended.
type WindowSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// LockReleaser persists the auto-expiry of timed account locks.
type LockReleaser interface {
	ReleaseExpiredLocks(ctx context.Context, now time.Time, limit int) (int64, error)
}

type CleanupResult struct {
	SweptWindows  int   `json:"swept_windows"`
	ReleasedLocks int64 `json:"released_locks"`
}

type CleanupHandler struct {
	sweeper    WindowSweeper
	locks      LockReleaser
	logger     *observability.Logger
	cronSecret string
	batchSize  int
	now        func() time.Time
}

func NewCleanupHandler(
	sweeper WindowSweeper,
	locks LockReleaser,
	logger *observability.Logger,
	cronSecret string,
	batchSize int,
) *CleanupHandler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &CleanupHandler{
		sweeper:    sweeper,
		locks:      locks,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
		batchSize:  batchSize,
		now:        time.Now,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.Run(r.Context())
	if err != nil {
		h.logger.Error("cleanup_failed", map[string]any{"error": err.Error()})
		observability.ReportError(err, "maintenance_cleanup")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

// Run performs one cleanup pass. Either dependency may be nil.
func (h *CleanupHandler) Run(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult

	if h.sweeper != nil {
		swept, err := h.sweeper.Sweep(ctx)
		if err != nil {
			return result, err
		}
		result.SweptWindows = swept
	}

	if h.locks != nil {
		released, err := h.locks.ReleaseExpiredLocks(ctx, h.now(), h.batchSize)
		if err != nil {
			return result, err
		}
		result.ReleasedLocks = released
	}

	h.logger.Info("cleanup_completed", map[string]any{
		"swept_windows":  result.SweptWindows,
		"released_locks": result.ReleasedLocks,
	})
	return result, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
