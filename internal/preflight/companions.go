package preflight

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// Companion is a service the backend depends on at runtime.
type Companion struct {
	Name string
	URL  string
}

// CompanionResult is the outcome of probing one companion.
type CompanionResult struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Reachable bool   `json:"reachable"`
	Status    int    `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ProbeCompanions GETs each companion URL. A companion counts as reachable
// when it answers with a non-5xx status. Unreachable companions are logged as
// warnings only.
func (c *Checker) ProbeCompanions(ctx context.Context, client *http.Client, companions []Companion) []CompanionResult {
	if client == nil {
		client = http.DefaultClient
	}
	results := make([]CompanionResult, 0, len(companions))
	for _, comp := range companions {
		r := CompanionResult{Name: comp.Name, URL: comp.URL}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, comp.URL, nil)
		if err == nil {
			var resp *http.Response
			resp, err = client.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				r.Status = resp.StatusCode
				r.Reachable = resp.StatusCode < 500
			}
		}
		if err != nil {
			r.Error = err.Error()
		}
		if r.Reachable {
			c.Logger.Info("companion reachable", zap.String("name", comp.Name), zap.String("url", comp.URL))
		} else {
			c.Logger.Warn("companion not reachable", zap.String("name", comp.Name), zap.String("url", comp.URL),
				zap.Int("status", r.Status), zap.String("error", r.Error))
		}
		results = append(results, r)
	}
	return results
}
