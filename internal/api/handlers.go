package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"driftboard/internal/store"
	"driftboard/internal/ws"
)

type API struct {
	hub *ws.Hub
	db  *store.Store
}

func New(hub *ws.Hub, db *store.Store) *API {
	return &API{
		hub: hub,
		db:  db,
	}
}

// Router builds the REST surface. The websocket endpoint is mounted by the
// caller so tests can wire the API without a live hub handler.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(corsMiddleware)

	r.Get("/health", a.HealthHandler)
	r.Get("/api/stats", a.StatsHandler)

	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", a.ListSessionsHandler)
		r.Delete("/canvas/{id}", a.DeleteCanvasHandler)
		r.Delete("/scratchpad/{id}", a.DeleteScratchpadHandler)
	})

	r.Route("/api/versions", func(r chi.Router) {
		r.Get("/", a.ListVersionsHandler)
		r.Get("/{id}", a.GetVersionHandler)
		r.Delete("/{id}", a.DeleteVersionHandler)
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.hub.GetRoomCount(),
		"active_clients": a.hub.GetClientCount(),
		"rooms":          a.hub.GetActiveRooms(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.db != nil {
		dbStats, err := a.db.Stats()
		if err == nil {
			stats["total_canvases"] = dbStats["canvas_count"]
			stats["total_scratchpads"] = dbStats["scratchpad_count"]
			stats["total_versions"] = dbStats["version_count"]
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Session handlers

func (a *API) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	canvases, err := a.db.ListCanvases()
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list canvases")
		return
	}
	scratchpads, err := a.db.ListScratchpads()
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list scratchpads")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"canvases":    canvases,
		"scratchpads": scratchpads,
	})
}

func (a *API) DeleteCanvasHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		errorResponse(w, http.StatusBadRequest, "Canvas ID is required")
		return
	}
	if err := a.db.DeleteCanvas(id); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to delete canvas")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"message": "Canvas deleted"})
}

func (a *API) DeleteScratchpadHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		errorResponse(w, http.StatusBadRequest, "Scratchpad ID is required")
		return
	}
	if err := a.db.DeleteScratchpad(id); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to delete scratchpad")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"message": "Scratchpad deleted"})
}

// Version handlers

type VersionResponse struct {
	ID          int       `json:"id"`
	DocID       string    `json:"doc_id"`
	Content     string    `json:"content,omitempty"` // Omit in list view
	ContentHash string    `json:"content_hash"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	IsAuto      bool      `json:"is_auto"`
}

func (a *API) ListVersionsHandler(w http.ResponseWriter, r *http.Request) {
	docID := r.URL.Query().Get("doc_id")
	if docID == "" {
		errorResponse(w, http.StatusBadRequest, "doc_id is required")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	versions, err := a.db.ListVersions(docID, limit, offset)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list versions")
		return
	}

	response := make([]VersionResponse, len(versions))
	for i, v := range versions {
		response[i] = VersionResponse{
			ID:          v.ID,
			DocID:       v.DocID,
			ContentHash: v.ContentHash,
			CreatedBy:   v.CreatedBy,
			CreatedAt:   v.CreatedAt,
			IsAuto:      v.IsAuto,
		}
	}

	total, _ := a.db.VersionCount(docID)

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"versions": response,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// GetVersionHandler retrieves a specific version with full content.
func (a *API) GetVersionHandler(w http.ResponseWriter, r *http.Request) {
	versionID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid version ID")
		return
	}

	version, err := a.db.GetVersion(versionID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get version")
		return
	}
	if version == nil {
		errorResponse(w, http.StatusNotFound, "Version not found")
		return
	}

	jsonResponse(w, http.StatusOK, VersionResponse{
		ID:          version.ID,
		DocID:       version.DocID,
		Content:     version.Content,
		ContentHash: version.ContentHash,
		CreatedBy:   version.CreatedBy,
		CreatedAt:   version.CreatedAt,
		IsAuto:      version.IsAuto,
	})
}

func (a *API) DeleteVersionHandler(w http.ResponseWriter, r *http.Request) {
	versionID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid version ID")
		return
	}

	if err := a.db.DeleteVersion(versionID); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to delete version")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"message": "Version deleted"})
}
