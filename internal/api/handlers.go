package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mwa-demo/calfit/internal/model"
	"github.com/mwa-demo/calfit/internal/store"
)

// FitResponse is a stored phase fit with non-finite values as null.
type FitResponse struct {
	Timeblock  int       `json:"timeblock"`
	TileID     int       `json:"tile_id"`
	SolnIdx    int       `json:"soln_idx"`
	Pol        model.Pol `json:"pol"`
	Outlier    bool      `json:"outlier"`
	Failed     bool      `json:"failed"`
	Length     *float64  `json:"length"`
	Intercept  *float64  `json:"intercept"`
	IonoAlpha  *float64  `json:"iono_alpha"`
	SigmaResid *float64  `json:"sigma_resid"`
	Chi2Dof    *float64  `json:"chi2dof"`
	Quality    *float64  `json:"quality"`
	Stderr     *float64  `json:"stderr"`
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func newFitResponse(f model.StoredPhaseFit) FitResponse {
	return FitResponse{
		Timeblock:  f.Timeblock,
		TileID:     f.TileID,
		SolnIdx:    f.SolnIdx,
		Pol:        f.Pol,
		Outlier:    f.Outlier,
		Failed:     f.Fit.Failed(),
		Length:     finite(f.Fit.Length),
		Intercept:  finite(f.Fit.Intercept),
		IonoAlpha:  finite(f.Fit.IonoAlpha),
		SigmaResid: finite(f.Fit.SigmaResid),
		Chi2Dof:    finite(f.Fit.Chi2Dof),
		Quality:    finite(f.Fit.Quality),
		Stderr:     finite(f.Fit.Stderr),
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(store.Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			zap.L().Warn("api: store ping failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(r *http.Request, key string) (int, bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, false, errors.New(key + " must be a non-negative integer")
	}
	return v, true, nil
}

const defaultStatsHours = 24

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	hours, ok, err := queryInt(r, "hours")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !ok {
		hours = defaultStatsHours
	}
	snap, err := s.collector.Collect(r.Context(), hours)
	if err != nil {
		zap.L().Error("api: collect stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{Status: model.RunStatus(r.URL.Query().Get("status"))}
	var err error
	if filter.Limit, _, err = queryInt(r, "limit"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Offset, _, err = queryInt(r, "offset"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		zap.L().Error("api: get run", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) listFits(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		zap.L().Error("api: get run", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	q := r.URL.Query()
	filter := store.FitFilter{Pol: model.Pol(q.Get("pol")), OutliersOnly: q.Get("outliers") == "true"}
	if filter.Pol != "" && filter.Pol != model.PolXX && filter.Pol != model.PolYY {
		writeError(w, http.StatusBadRequest, "pol must be XX or YY")
		return
	}
	tb, ok, err := queryInt(r, "timeblock")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ok {
		filter.Timeblock = &tb
	}

	fits, err := s.store.ListPhaseFits(r.Context(), id, filter)
	if err != nil {
		zap.L().Error("api: list fits", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list fits")
		return
	}
	out := make([]FitResponse, len(fits))
	for i, f := range fits {
		out[i] = newFitResponse(f)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) startFit(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusNotImplemented, "fits cannot be started on this server")
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many fit requests")
		return
	}
	var req FitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Metafits) == 0 || len(req.Solutions) == 0 {
		writeError(w, http.StatusBadRequest, "metafits and solutions are required")
		return
	}
	if err := s.runner.StartFit(req); err != nil {
		zap.L().Warn("api: start fit", zap.Error(err))
		status := http.StatusBadRequest
		if errors.Is(err, ErrShuttingDown) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
