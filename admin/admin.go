// Package admin provides HTML/JSON monitoring endpoints for a sockethub
// Server.
package admin

import (
	"encoding/json"
	"net/http"

	rice "github.com/GeertJohan/go.rice"
	"github.com/rs/zerolog"

	"github.com/mroth/sockethub"
)

// Handler serves the admin endpoints under /admin/:
//
//	/admin/             HTML status page
//	/admin/status.json  ReportingStatus
//	/admin/info.json    detailed channel info, ?channel= narrows it
type Handler struct {
	s   *sockethub.Server
	box *rice.Box
	log zerolog.Logger
	mux *http.ServeMux
}

// AdminHandler returns the admin endpoints for s.
func AdminHandler(s *sockethub.Server, log zerolog.Logger) (*Handler, error) {
	box, err := rice.FindBox("views")
	if err != nil {
		return nil, err
	}
	h := &Handler{s: s, box: box, log: log.With().Str("component", "admin").Logger()}
	h.mux = http.NewServeMux()
	h.mux.HandleFunc("/admin/", h.index)
	h.mux.HandleFunc("/admin/status.json", h.status)
	h.mux.HandleFunc("/admin/info.json", h.info)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Handles serving the static HTML page
func (h *Handler) index(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/admin/" {
		http.NotFound(w, r)
		return
	}
	file, err := h.box.Open("index.html")
	if err != nil {
		h.log.Error().Err(err).Msg("could not open index.html")
		http.Error(w, "500 internal server error", http.StatusInternalServerError)
		return
	}
	defer file.Close()

	fstat, err := file.Stat()
	if err != nil {
		h.log.Error().Err(err).Msg("could not stat index.html")
		http.Error(w, "500 internal server error", http.StatusInternalServerError)
		return
	}
	http.ServeContent(w, r, fstat.Name(), fstat.ModTime(), file)
}

// Handles serving the JSON status data, effectively the admin API endpoint
func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.s.Status())
}

func (h *Handler) info(w http.ResponseWriter, r *http.Request) {
	info, err := h.s.Info(r.URL.Query().Get("channel"), true)
	if err != nil {
		http.Error(w, "503 "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	h.writeJSON(w, info)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		h.log.Error().Err(err).Msg("marshal admin response")
		http.Error(w, "500 internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}
