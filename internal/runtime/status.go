package runtime

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/drblury/herlink/internal/runtime/jsoncodec"
	"github.com/drblury/herlink/internal/runtime/pool"
)

// StatusInfo is returned by GET /api/status.
type StatusInfo struct {
	HerID     int           `json:"her_id"`
	Transport string        `json:"transport"`
	Started   bool          `json:"started"`
	Listeners int           `json:"listeners"`
	Resources ResourceUsage `json:"resources"`
}

func (c *Client) registerStatusRoutes() {
	c.router(c.Conf.Status.Port).Group(func(r chi.Router) {
		r.Use(c.cors)
		r.Options("/api/*", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
		r.Get("/api/status", c.handleGetStatus)
		r.Get("/api/listeners", c.handleGetListeners)
		r.Get("/api/pools", c.handleGetPools)
	})
}

func (c *Client) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	c.mu.Lock()
	started := c.started && !c.stopped
	c.mu.Unlock()

	c.writeJSON(w, StatusInfo{
		HerID:     c.Conf.HerID,
		Transport: c.Conf.Transport,
		Started:   started,
		Listeners: len(c.listeners),
		Resources: c.resources.Sample(),
	})
}

func (c *Client) handleGetListeners(w http.ResponseWriter, _ *http.Request) {
	infos := make([]ListenerInfo, 0, len(c.listeners))
	for _, l := range c.listeners {
		infos = append(infos, l.Info())
	}
	c.writeJSON(w, infos)
}

func (c *Client) handleGetPools(w http.ResponseWriter, _ *http.Request) {
	c.writeJSON(w, []pool.Snapshot{c.receivers.Snapshot(), c.senders.Snapshot()})
}

func (c *Client) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, v); err != nil {
		c.Logger.Error("Failed to encode status response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (c *Client) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed := c.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		next.ServeHTTP(w, r)
	})
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func (c *Client) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range c.Conf.Status.CORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
