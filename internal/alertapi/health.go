package alertapi

import (
	"context"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// Component and overall health states.
const (
	healthOK       = "ok"
	healthDegraded = "degraded"
	healthDown     = "down"
)

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// handleHealth probes every dependency concurrently. Some probes failing
// is degraded and still 200, since the pipeline runs on whichever judge is
// left; all failing is 503.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	states := make([]string, len(a.probes))

	var g errgroup.Group
	for i, p := range a.probes {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), a.probeTimeout)
			defer cancel()
			if err := p.Check(ctx); err != nil {
				a.logger.Warn(r.Context(), "health probe failed", "probe", p.Name, "err", err)
				states[i] = healthDown
				return nil
			}
			states[i] = healthOK
			return nil
		})
	}
	_ = g.Wait()

	resp := healthResponse{Status: healthOK, Components: make(map[string]string, len(a.probes))}
	down := 0
	for i, p := range a.probes {
		resp.Components[p.Name] = states[i]
		if states[i] == healthDown {
			down++
		}
	}

	status := http.StatusOK
	switch {
	case len(a.probes) > 0 && down == len(a.probes):
		resp.Status = healthDown
		status = http.StatusServiceUnavailable
	case down > 0:
		resp.Status = healthDegraded
	}
	writeJSON(w, status, resp)
}
