package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/podushkina/jobrelay/internal/auth"
	"github.com/podushkina/jobrelay/internal/events"
)

const (
	DefaultReplayLimit = 50
	MaxReplayLimit     = 200
)

type ReplayResponse struct {
	Events    []events.Record `json:"events"`
	Count     int             `json:"count"`
	NextSince *time.Time      `json:"next_since"`
	HasMore   bool            `json:"has_more"`
}

// Replay returns the caller's events strictly after since, oldest first.
// next_since is the cursor for the following page.
func (g *Gateway) Replay(w http.ResponseWriter, r *http.Request) {
	subject, ok := auth.SubjectFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authorization required")
		return
	}

	q := r.URL.Query()
	since, err := ParseSince(q.Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := g.store.Since(r.Context(), subject, since, limit+1)
	if err != nil {
		g.logger.Error("replay failed", "subject", subject, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}

	resp := ReplayResponse{Events: records}
	if len(records) > limit {
		resp.Events = records[:limit]
		resp.HasMore = true
	}
	resp.Count = len(resp.Events)
	if resp.Count > 0 {
		next := resp.Events[resp.Count-1].OccurredAt
		resp.NextSince = &next
	} else if !since.IsZero() {
		next := events.Timestamp(since)
		resp.NextSince = &next
	}

	writeJSON(w, http.StatusOK, resp)
}

// ParseSince accepts an RFC 3339 timestamp or epoch seconds, fractional
// allowed. Epoch values above 1e12 are taken as milliseconds. Empty means
// from the beginning.
func ParseSince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return time.Time{}, fmt.Errorf("since must be RFC3339 or epoch seconds")
	}
	if v > 1e12 {
		v /= 1000
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond)).UTC(), nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return DefaultReplayLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if n < 1 || n > MaxReplayLimit {
		return 0, fmt.Errorf("limit must be between 1 and %d", MaxReplayLimit)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
