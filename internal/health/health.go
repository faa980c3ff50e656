// Package health provides the /healthz handler.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/poolscaler/internal/buildinfo"
)

// Info describes the running engine.
type Info struct {
	Group     string
	Providers []string
	Pools     []string

	// Instances, when set, reports the per-pool counts from the last
	// metrics refresh.
	Instances func() map[string]int
}

// Response represents the health check response body.
type Response struct {
	Status       string         `json:"status"`
	ServiceName  string         `json:"service_name"`
	Version      string         `json:"version"`
	Commit       string         `json:"commit"`
	BuildTime    string         `json:"build_time"`
	GoVersion    string         `json:"go_version"`
	OS           string         `json:"os"`
	Architecture string         `json:"architecture"`
	Group        string         `json:"group"`
	Providers    []string       `json:"providers"`
	Pools        []string       `json:"pools"`
	Instances    map[string]int `json:"instances,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Handler is a liveness check: it always answers 200 with build info and
// the configured group, providers and pools.
func Handler(info Info) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := Response{
			Status:       "healthy",
			ServiceName:  buildinfo.ServiceName,
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Group:        info.Group,
			Providers:    info.Providers,
			Pools:        info.Pools,
			Timestamp:    time.Now().UTC(),
		}
		if info.Instances != nil {
			response.Instances = info.Instances()
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}
