package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"staffportal.org/internal/audit"
	"staffportal.org/internal/obs"
)

type auditSearchResponse struct {
	Records []audit.Record `json:"records"`
	Summary audit.Summary  `json:"summary"`
}

func (a *API) handleAuditSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	sink := a.deps.Audit.Sink()
	if sink == nil {
		writeError(w, r, http.StatusNotImplemented, "audit search is not configured")
		return
	}
	c, err := criteriaFromQuery(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	records, err := sink.Search(r.Context(), c)
	switch {
	case errors.Is(err, audit.ErrUnsupported):
		writeError(w, r, http.StatusNotImplemented, "audit search is not supported by the configured sink")
		return
	case err != nil:
		obs.Logger().Error("audit search failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.Error(err),
		)
		writeError(w, r, http.StatusInternalServerError, "audit search failed")
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, auditSearchResponse{
		Records: records,
		Summary: audit.Summarize(records),
	})
}

func criteriaFromQuery(q url.Values) (audit.Criteria, error) {
	c := audit.Criteria{
		ActorID:   strings.TrimSpace(q.Get("actor_id")),
		Action:    strings.TrimSpace(q.Get("action")),
		Resource:  strings.TrimSpace(q.Get("resource")),
		IPAddress: strings.TrimSpace(q.Get("ip_address")),
	}
	var err error
	if c.From, err = parseTime(q, "from"); err != nil {
		return c, err
	}
	if c.To, err = parseTime(q, "to"); err != nil {
		return c, err
	}
	if raw := q.Get("phi_accessed"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return c, errors.New("phi_accessed must be a boolean")
		}
		c.PHIAccessed = &v
	}
	if c.Limit, err = parseInt(q, "limit"); err != nil {
		return c, err
	}
	if c.Offset, err = parseInt(q, "offset"); err != nil {
		return c, err
	}
	return c, nil
}

func parseTime(q url.Values, key string) (time.Time, error) {
	raw := strings.TrimSpace(q.Get(key))
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp", key)
	}
	return ts, nil
}

func parseInt(q url.Values, key string) (int, error) {
	raw := strings.TrimSpace(q.Get(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}
