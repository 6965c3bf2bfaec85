package api

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"vidhub/internal/api/response"
)

const healthTimeout = 2 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

type healthReport struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components"`
}

func (r healthReport) healthy() bool { return r.Status == "ok" }

// checkComponents pings every component in parallel under one deadline.
// Entries come back sorted by component name.
func checkComponents(ctx context.Context, components map[string]Pinger) healthReport {
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]componentStatus, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string, pinger Pinger) {
			defer wg.Done()
			started := time.Now()
			err := pinger.Ping(ctx)
			statuses[i] = componentStatus{Component: name, Status: "ok", LatencyMS: time.Since(started).Milliseconds()}
			if err != nil {
				statuses[i].Status = "degraded"
				statuses[i].Error = err.Error()
			}
		}(i, name, components[name])
	}
	wg.Wait()

	report := healthReport{Status: "ok", Components: statuses}
	for _, s := range statuses {
		if s.Error != "" {
			report.Status = "degraded"
		}
	}
	return report
}

// Health answers 503 when any registered component is unreachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	report := checkComponents(ctx, h.Components)
	if report.healthy() {
		response.Write(w, http.StatusOK, response.DataFetched, report)
		return
	}
	for _, c := range report.Components {
		if c.Error != "" {
			h.logger(ctx).Warn("health check degraded", "component", c.Component, "error", c.Error)
		}
	}
	response.Write(w, http.StatusServiceUnavailable, response.UnexpectedError, report)
}
