package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/ReplicaDB/src"
	"github.com/Blackdeer1524/ReplicaDB/src/pkg/common"
	"github.com/Blackdeer1524/ReplicaDB/src/txns"
)

const (
	contentTypeJSON = "application/json"
	maxValueSize    = 1 << 20
)

type APIHandler struct {
	Node    Node
	Replay  ReplayStats
	Feeders FeederStats
	Metrics prometheus.Gatherer
	Logger  src.Logger

	// Fatal stops the process once the store no longer matches the log.
	// Defaults to Logger.Fatalw.
	Fatal func(err error)
}

// Router mounts the records API, the stats endpoints and /metrics. Stats
// routes answer 404 when their source is not configured.
func (h *APIHandler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.fatalPanics)

	r.Route("/records/{container}/{key}", func(r chi.Router) {
		r.Get("/", h.getRecord)
		r.Put("/", h.putRecord)
		r.Delete("/", h.deleteRecord)
	})
	r.Get("/stats/replay", h.replayStats)
	r.Get("/stats/feeders", h.feederStats)

	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.Metrics, promhttp.HandlerOpts{}))
	}

	return r
}

// fatalPanics hands an undo inconsistency to Fatal. Recoverer answers every
// other panic with a 500 and keeps serving.
func (h *APIHandler) fatalPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if err, ok := rvr.(error); ok && errors.Is(err, txns.ErrUndoInconsistency) {
				h.fatal(err)
			}
			panic(rvr)
		}()

		next.ServeHTTP(w, r)
	})
}

func (h *APIHandler) fatal(err error) {
	if h.Fatal != nil {
		h.Fatal(err)
		return
	}
	h.Logger.Fatalw("store diverged from the log", zap.Error(err))
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.Logger.Warnw("failed to encode response", zap.Error(err))
	}
}

func recordID(r *http.Request) (common.RecordID, error) {
	container, err := strconv.ParseUint(chi.URLParam(r, "container"), 10, 64)
	if err != nil {
		return common.RecordID{}, fmt.Errorf("bad container id: %w", err)
	}

	key := chi.URLParam(r, "key")
	if key == "" {
		return common.RecordID{}, errors.New("empty key")
	}

	return common.RecordID{Container: common.ContainerID(container), Key: key}, nil
}

func (h *APIHandler) getRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := recordID(r)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, newErrorResponse("BAD_REQUEST", err))
		return
	}

	v, ok := h.Node.Get(rec)
	if !ok {
		h.writeJSON(w, http.StatusNotFound, newErrorResponse("NOT_FOUND", ErrNotFound))
		return
	}

	h.writeJSON(w, http.StatusOK, newValueResponse(string(v.Data), uint64(v.VLSN)))
}

func (h *APIHandler) putRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := recordID(r)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, newErrorResponse("BAD_REQUEST", err))
		return
	}

	policy, err := common.ParseCommitPolicy(r.URL.Query().Get("policy"))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, newErrorResponse("BAD_REQUEST", err))
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueSize))
	if err != nil {
		h.writeJSON(w, http.StatusRequestEntityTooLarge, newErrorResponse("TOO_LARGE", err))
		return
	}

	seq, err := h.Node.Put(r.Context(), rec, data, policy)
	if err != nil {
		h.writeError(w, rec, err)
		return
	}

	h.writeJSON(w, http.StatusOK, newCommitResponse(uint64(seq)))
}

func (h *APIHandler) deleteRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := recordID(r)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, newErrorResponse("BAD_REQUEST", err))
		return
	}

	policy, err := common.ParseCommitPolicy(r.URL.Query().Get("policy"))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, newErrorResponse("BAD_REQUEST", err))
		return
	}

	seq, err := h.Node.Delete(r.Context(), rec, policy)
	if err != nil {
		h.writeError(w, rec, err)
		return
	}

	h.writeJSON(w, http.StatusOK, newCommitResponse(uint64(seq)))
}

func (h *APIHandler) writeError(w http.ResponseWriter, rec common.RecordID, err error) {
	switch {
	case errors.Is(err, ErrNotPrimary):
		h.writeJSON(w, http.StatusServiceUnavailable, newErrorResponse("NOT_PRIMARY", err))
	case errors.Is(err, ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, newErrorResponse("NOT_FOUND", err))
	case errors.Is(err, txns.ErrLockConflict):
		h.writeJSON(w, http.StatusConflict, newErrorResponse("LOCK_CONFLICT", err))
	default:
		h.Logger.Errorw("record write failed", zap.Stringer("record", rec), zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, newErrorResponse("INTERNAL", err))
	}
}

func (h *APIHandler) replayStats(w http.ResponseWriter, _ *http.Request) {
	if h.Replay == nil {
		h.writeJSON(w, http.StatusNotFound, newErrorResponse("NOT_FOUND", errors.New("replay is not running")))
		return
	}

	h.writeJSON(w, http.StatusOK, h.Replay.Stats())
}

func (h *APIHandler) feederStats(w http.ResponseWriter, _ *http.Request) {
	if h.Feeders == nil {
		h.writeJSON(w, http.StatusNotFound, newErrorResponse("NOT_FOUND", errors.New("feeders are not running")))
		return
	}

	h.writeJSON(w, http.StatusOK, h.Feeders.Stats())
}
