package health

import (
	"net/http"
	"time"
)

// Source is a named stats provider. Collect returns a JSON-serialisable
// snapshot of the component's counters; it is called on every request and
// must be safe for concurrent use.
type Source struct {
	Name    string
	Collect func() any
}

// StatsHandler serves operational counters from registered [Source]
// providers. The full view merges every source under its name next to the
// process uptime; individual sources are addressable as /stats/{source}.
type StatsHandler struct {
	started time.Time
	sources []Source
}

// NewStats creates a [StatsHandler] over the given sources. Uptime counts
// from this call.
func NewStats(sources ...Source) *StatsHandler {
	s := make([]Source, len(sources))
	copy(s, sources)
	return &StatsHandler{started: time.Now(), sources: s}
}

// Stats serves the combined snapshot of all sources.
func (h *StatsHandler) Stats(w http.ResponseWriter, _ *http.Request) {
	body := make(map[string]any, len(h.sources)+1)
	body["uptime_s"] = time.Since(h.started).Seconds()
	for _, s := range h.sources {
		body[s.Name] = s.Collect()
	}
	writeJSON(w, http.StatusOK, body)
}

// StatsSource serves a single source's snapshot, addressed by the {source}
// path value. Unknown sources return 404.
func (h *StatsHandler) StatsSource(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("source")
	for _, s := range h.sources {
		if s.Name == name {
			writeJSON(w, http.StatusOK, s.Collect())
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown stats source: " + name})
}

// Register adds the /stats routes to mux.
func (h *StatsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /stats", h.Stats)
	mux.HandleFunc("GET /stats/{source}", h.StatsSource)
}
