package http

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/crowdwatch-pipeline/internal/adapter/vision"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/aggregate"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/alert"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/domain"
)

const (
	defaultFrames    = 12
	maxFrames        = 200
	defaultAlertsAge = time.Hour
	maxUploadBytes   = 10 << 20
	maxSettingsBytes = 64 << 10
	exportTimeLayout = "2006-01-02 15:04:05"
)

var (
	errMissingImage     = errors.New(`multipart field "image" is required`)
	errNoRecipients     = errors.New("at least one recipient is required")
	errAnalyzerDisabled = errors.New("image analysis is not configured")
	errInvalidSince     = errors.New("since must be an RFC 3339 time or a duration such as 1h")
	errInvalidLimit     = errors.New("limit must be a positive integer")
	errLocationMismatch = errors.New("body location does not match path")
)

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Pipeline.Live())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	rng, err := aggregate.ParseRange(r.URL.Query().Get("range"))
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	report, err := s.svc.Pipeline.History(rng)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"range": rng, "report": report})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	rng, err := aggregate.ParseRange(r.URL.Query().Get("range"))
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	obs, err := s.svc.Pipeline.Observations(rng)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}

	zone := s.svc.Pipeline.Zone()
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="crowd-history-%s-%s.csv"`, rng, s.svc.Clock.Now().In(zone).Format("20060102")))

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"Timestamp", "Location", "People Count"})
	for _, o := range obs {
		_ = cw.Write([]string{
			o.Timestamp.In(zone).Format(exportTimeLayout),
			alert.DisplayName(o.Location),
			strconv.Itoa(o.Count),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		s.logger.Warn("write history export failed", "error", err)
	}
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r.URL.Query().Get("since"), s.svc.Clock.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"since":  since,
		"alerts": s.svc.Alerts.Recent(since),
	})
}

// parseSince accepts an absolute RFC 3339 time or a lookback duration.
func parseSince(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return now.Add(-defaultAlertsAge), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return now.Add(-d), nil
	}
	return time.Time{}, errInvalidSince
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	limit := defaultFrames
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errInvalidLimit)
			return
		}
		limit = min(n, maxFrames)
	}
	writeJSON(w, http.StatusOK, map[string]any{"frames": s.svc.Pipeline.Frames(limit)})
}

type settingsResponse struct {
	Thresholds        []domain.AlertThresholdConfig `json:"thresholds"`
	FallbackThreshold float64                       `json:"fallback_threshold"`
	Notify            domain.NotifyTargets          `json:"notify"`
	NotifySource      string                        `json:"notify_source"`
	Warnings          []string                      `json:"warnings,omitempty"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	resp := settingsResponse{
		Thresholds:        []domain.AlertThresholdConfig{},
		FallbackThreshold: s.svc.Fallback,
		Notify:            s.svc.NotifyDefaults,
		NotifySource:      "config",
	}

	thresholds, err := s.svc.Settings.Thresholds(r.Context())
	if err != nil {
		// Partial results are still served; undecodable entries are reported.
		s.logger.Warn("read thresholds failed", "error", err)
		resp.Warnings = append(resp.Warnings, err.Error())
	}
	for _, cfg := range thresholds {
		resp.Thresholds = append(resp.Thresholds, cfg)
	}
	sort.Slice(resp.Thresholds, func(i, j int) bool {
		return resp.Thresholds[i].Location < resp.Thresholds[j].Location
	})

	targets, ok, err := s.svc.Settings.NotifyTargets(r.Context())
	switch {
	case err != nil:
		writeError(w, http.StatusInternalServerError, fmt.Errorf("read notify targets: %w", err))
		return
	case ok:
		resp.Notify = targets
		resp.NotifySource = "settings"
	}
	if resp.Notify.Recipients == nil {
		resp.Notify.Recipients = []string{}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePutThreshold(w http.ResponseWriter, r *http.Request) {
	location := strings.TrimSpace(r.PathValue("location"))

	var cfg domain.AlertThresholdConfig
	if err := decodeBody(w, r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if cfg.Location != "" && cfg.Location != location {
		writeError(w, http.StatusBadRequest, errLocationMismatch)
		return
	}
	cfg.Location = location

	if err := s.svc.Settings.SaveThreshold(r.Context(), cfg); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	s.logger.Info("threshold saved", "location", location,
		"max_capacity", cfg.MaxCapacity, "warning", cfg.WarningRatio, "critical", cfg.CriticalRatio)
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleDeleteThreshold(w http.ResponseWriter, r *http.Request) {
	location := r.PathValue("location")
	if err := s.svc.Settings.DeleteThreshold(r.Context(), location); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	s.logger.Info("threshold deleted", "location", location)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutNotify(w http.ResponseWriter, r *http.Request) {
	var t domain.NotifyTargets
	if err := decodeBody(w, r, &t); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	t.Recipients = normalizeRecipients(t.Recipients)
	t.WebhookURL = strings.TrimSpace(t.WebhookURL)
	if len(t.Recipients) == 0 {
		writeError(w, http.StatusBadRequest, errNoRecipients)
		return
	}

	if err := s.svc.Settings.SaveNotifyTargets(r.Context(), t); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	s.logger.Info("notification targets saved", "recipients", len(t.Recipients), "webhook", t.WebhookURL != "")
	writeJSON(w, http.StatusOK, t)
}

func normalizeRecipients(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSettingsBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

type analyzeResponse struct {
	Location   string        `json:"location"`
	Result     vision.Result `json:"result"`
	Status     domain.Status `json:"status"`
	Threshold  float64       `json:"threshold"`
	WouldAlert bool          `json:"would_alert"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if s.svc.Analyzer == nil {
		writeError(w, http.StatusServiceUnavailable, errAnalyzerDisabled)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse upload: %w", err))
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, errMissingImage)
		return
	}
	defer file.Close()

	location := strings.TrimSpace(r.FormValue("location"))
	if location == "" {
		location = domain.DefaultLocation
	}

	res, err := s.svc.Analyzer.Analyze(r.Context(), header.Filename, file)
	if err != nil {
		status := errorStatus(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		s.logger.Warn("image analysis failed", "file", header.Filename, "error", err)
		writeError(w, status, err)
		return
	}

	cfg, ok, err := s.svc.Settings.Threshold(r.Context(), location)
	if err != nil {
		s.logger.Warn("read threshold failed, using fallback", "location", location, "error", err)
		ok = false
	}
	threshold := domain.EffectiveThreshold(cfg, ok, s.svc.Fallback)

	writeJSON(w, http.StatusOK, analyzeResponse{
		Location:   location,
		Result:     res,
		Status:     domain.Classify(res.PeopleCount, cfg, ok),
		Threshold:  threshold,
		WouldAlert: float64(res.PeopleCount) > threshold,
	})
}
