/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       JSON request/response wire handlers for fill, intent,
             postback, reports, delivery health and healthz, each a
             thin adapter from net/http onto the command package.
Root Cause:  HTTP concerns (status codes, JSON decode/encode, query
             parsing) must stay out of command/engine so those stay
             testable without a server.
Context:     Mounted by NewRouter; every handler takes only what it
             needs from *engine.Engine.
Suitability: L3 — wire-format adaptation, no business logic.
──────────────────────────────────────────────────────────────
*/

package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/crystalford/flyback/command"
	"github.com/crystalford/flyback/engine"
	"github.com/crystalford/flyback/metrics"
	"github.com/crystalford/flyback/projection"
)

// API holds the dependencies every handler needs.
type API struct {
	Engine  *engine.Engine
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}

// statusForReject maps a command.Reject code to the HTTP status the
// external interface contract names for it.
func statusForReject(code string) int {
	switch code {
	case "write_disabled":
		return http.StatusServiceUnavailable
	case "token_not_found":
		return http.StatusNotFound
	case "already_expired":
		return http.StatusGone
	case "publisher_campaigns_missing":
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func (a *API) trackCommand(name string, err error) {
	if a.Metrics == nil {
		return
	}
	if err == nil {
		a.Metrics.CommandsTotal.WithLabelValues(name, "ok").Inc()
		return
	}
	if rej, ok := command.AsReject(err); ok {
		a.Metrics.CommandsTotal.WithLabelValues(name, "rejected").Inc()
		a.Metrics.RejectionsTotal.WithLabelValues(name, rej.Code).Inc()
		return
	}
	a.Metrics.CommandsTotal.WithLabelValues(name, "error").Inc()
}

// --- POST /v1/fill -----------------------------------------------

type fillRequest struct {
	PublisherID string `json:"publisher_id"`
	Size        string `json:"size,omitempty"`
}

func (a *API) Fill(w http.ResponseWriter, r *http.Request) {
	var req fillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "malformed JSON body")
		return
	}

	res, err := command.Fill(a.Engine.Deps(), req.PublisherID, req.Size)
	a.trackCommand("fill", err)
	if err != nil {
		if rej, ok := command.AsReject(err); ok {
			writeError(w, statusForReject(rej.Code), rej.Code, rej.Msg)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if a.Metrics != nil {
		a.Metrics.SelectionsTotal.WithLabelValues(res.PublisherID, res.MetricUsed).Inc()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"creative_url": res.CreativeURL,
		"config": map[string]string{
			"campaign":  res.CampaignID,
			"publisher": res.PublisherID,
			"creative":  res.CreativeID,
			"size":      res.Size,
		},
	})
}

// --- POST /v1/intent -----------------------------------------------

type intentRequest struct {
	CampaignID       string  `json:"campaign_id"`
	PublisherID      string  `json:"publisher_id"`
	CreativeID       string  `json:"creative_id"`
	IntentType       string  `json:"intent_type"`
	DwellSeconds     float64 `json:"dwell_seconds,omitempty"`
	InteractionCount int64   `json:"interaction_count,omitempty"`
	ParentIntentID   string  `json:"parent_intent_id,omitempty"`
}

func (a *API) Intent(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "malformed JSON body")
		return
	}

	tok, err := command.Intent(a.Engine.Deps(), req.CampaignID, req.PublisherID, req.CreativeID,
		req.IntentType, req.DwellSeconds, req.InteractionCount, req.ParentIntentID)
	a.trackCommand("intent", err)
	if err != nil {
		if rej, ok := command.AsReject(err); ok {
			writeError(w, statusForReject(rej.Code), rej.Code, rej.Msg)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"token": tok})
}

// --- GET /v1/postback ------------------------------------------------

func (a *API) Postback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tokenID := q.Get("token_id")
	stage := q.Get("stage")
	outcomeType := q.Get("outcome_type")
	var value float64
	if v := q.Get("value"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_value", "value must be numeric")
			return
		}
		value = parsed
	}

	res, err := command.Postback(a.Engine.Deps(), tokenID, value, stage, outcomeType)
	a.trackCommand("postback", err)
	if err != nil {
		if rej, ok := command.AsReject(err); ok {
			status := statusForReject(rej.Code)
			writeJSON(w, status, map[string]any{
				"error":   rej.Code,
				"message": rej.Msg,
				"status":  res.Status,
				"token":   res.Token,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if a.Metrics != nil {
		billable := "false"
		if res.Token.Status == projection.TokenResolved && res.Token.Billable {
			billable = "true"
		}
		if res.Status == "resolved" {
			a.Metrics.BillableTotal.WithLabelValues(res.Token.Scope.CampaignID, billable).Inc()
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"token": res.Token, "status": res.Status})
}

// --- GET /v1/reports -------------------------------------------------

func (a *API) Reports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	publisherID := q.Get("publisher_id")
	if publisherID == "" {
		writeError(w, http.StatusBadRequest, "invalid_publisher_id", "publisher_id is required")
		return
	}
	includeSelections := 0
	if b, err := strconv.ParseBool(q.Get("include_selections")); err == nil && b {
		includeSelections = 50
	}
	topN := 10
	if n, err := strconv.Atoi(q.Get("top_n")); err == nil && n > 0 {
		topN = n
	}

	view, err := a.Engine.Report(timeNow(), publisherID, topN, includeSelections)
	if err != nil {
		writeError(w, http.StatusNotFound, "publisher_unknown", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// --- GET /v1/delivery --------------------------------------------------

func (a *API) Delivery(w http.ResponseWriter, r *http.Request) {
	h := a.Engine.DeliveryHealth()
	if a.Metrics != nil {
		a.Metrics.DeliveryLag.Set(float64(h.DeliveryLag))
	}
	writeJSON(w, http.StatusOK, h)
}

// --- GET /healthz --------------------------------------------------

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "flyback"})
}
