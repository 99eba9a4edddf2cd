package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	courseinfo "github.com/GoCodeAlone/courseinfo"
	"github.com/GoCodeAlone/courseinfo/store"
)

// moduleView is the wire shape of one course module.
type moduleView struct {
	ID            int64  `json:"id"`
	Type          string `json:"type"`
	Instance      int64  `json:"instance"`
	Name          string `json:"name"`
	SectionNum    int    `json:"section"`
	Available     bool   `json:"available"`
	AvailableInfo string `json:"availableInfo,omitempty"`
	UserVisible   bool   `json:"userVisible"`
	OnCoursePage  bool   `json:"onCoursePage"`
}

// sectionView is the wire shape of one course section.
type sectionView struct {
	ID          int64   `json:"id"`
	Number      int     `json:"number"`
	Name        string  `json:"name"`
	UserVisible bool    `json:"userVisible"`
	Modules     []int64 `json:"modules"`
}

func newRouter(registry *courseinfo.GraphRegistry, logger *zapLogger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, registry.Stats())
	})

	r.Route("/courses/{courseID}", func(r chi.Router) {
		r.Get("/modules", handleModules(registry, logger))
		r.Get("/sections", handleSections(registry, logger))
		r.Post("/purge", handlePurgeCourse(registry, logger))
		r.Post("/modules/{moduleID}/purge", handlePurgeModule(registry, logger))
		r.Post("/sections/{sectionID}/purge", handlePurgeSection(registry, logger))
	})

	return r
}

func handleModules(registry *courseinfo.GraphRegistry, logger *zapLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		courseID, userID, ok := lookupParams(w, req)
		if !ok {
			return
		}
		graph, err := registry.Graph(req.Context(), courseID, userID)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		views := make([]moduleView, 0)
		for _, m := range graph.Modules() {
			views = append(views, moduleView{
				ID:            m.ID(),
				Type:          m.Type(),
				Instance:      m.Instance(),
				Name:          m.Name(),
				SectionNum:    m.SectionNumber(),
				Available:     m.Available(),
				AvailableInfo: m.AvailableInfo(),
				UserVisible:   m.UserVisible(),
				OnCoursePage:  m.UserVisibleOnCoursePage(),
			})
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleSections(registry *courseinfo.GraphRegistry, logger *zapLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		courseID, userID, ok := lookupParams(w, req)
		if !ok {
			return
		}
		graph, err := registry.Graph(req.Context(), courseID, userID)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		views := make([]sectionView, 0)
		for _, s := range graph.Sections() {
			ids := make([]int64, 0)
			for _, m := range s.Modules() {
				ids = append(ids, m.ID())
			}
			views = append(views, sectionView{
				ID:          s.ID(),
				Number:      s.Number(),
				Name:        s.Name(),
				UserVisible: s.UserVisible(),
				Modules:     ids,
			})
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handlePurgeCourse(registry *courseinfo.GraphRegistry, logger *zapLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		courseID, ok := pathID(w, req, "courseID")
		if !ok {
			return
		}
		if err := registry.PurgeCourse(req.Context(), courseID); err != nil {
			writeError(w, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handlePurgeModule(registry *courseinfo.GraphRegistry, logger *zapLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		courseID, ok := pathID(w, req, "courseID")
		if !ok {
			return
		}
		moduleID, ok := pathID(w, req, "moduleID")
		if !ok {
			return
		}
		if err := registry.PurgeModule(req.Context(), courseID, moduleID); err != nil {
			writeError(w, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handlePurgeSection(registry *courseinfo.GraphRegistry, logger *zapLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		courseID, ok := pathID(w, req, "courseID")
		if !ok {
			return
		}
		sectionID, ok := pathID(w, req, "sectionID")
		if !ok {
			return
		}
		if err := registry.PurgeSection(req.Context(), courseID, sectionID); err != nil {
			writeError(w, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// lookupParams extracts the course id from the path and the optional user
// id from the query string. A missing user query means an anonymous read.
func lookupParams(w http.ResponseWriter, req *http.Request) (courseID, userID int64, ok bool) {
	courseID, ok = pathID(w, req, "courseID")
	if !ok {
		return 0, 0, false
	}
	userID = courseinfo.NoUser
	if raw := req.URL.Query().Get("user"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid user id", http.StatusBadRequest)
			return 0, 0, false
		}
		userID = parsed
	}
	return courseID, userID, true
}

func pathID(w http.ResponseWriter, req *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(req, name), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, logger *zapLogger, err error) {
	switch {
	case errors.Is(err, courseinfo.ErrCourseNotFound),
		errors.Is(err, courseinfo.ErrModuleNotFound),
		errors.Is(err, courseinfo.ErrSectionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrLockTimeout):
		http.Error(w, "cache rebuild in progress", http.StatusServiceUnavailable)
	default:
		logger.Error("Request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
