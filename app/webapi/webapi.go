// Package webapi provides a REST API over the moderation state: status
// lookups, blacklist transitions, appeals and the audit trail.
package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/routegroup"

	"github.com/tg-guard/tg-guard/app/storage"
	"github.com/tg-guard/tg-guard/lib/guard"
	"github.com/tg-guard/tg-guard/lib/status"
)

// Server is a web API server.
type Server struct {
	Config
}

// Config defines server parameters
type Config struct {
	Version    string             // version to show in /ping
	ListenAddr string             // listen address
	Statuses   *storage.Statuses  // entity status store
	Chats      *storage.Chats     // per-chat settings store
	Audit      *storage.Audit     // audit trail store
	Blacklist  *guard.BlacklistEngine
	AuthPasswd string // basic auth password for user "tg-guard"
	Dbg        bool   // debug mode
}

// NewServer creates a new web API server.
func NewServer(config Config) *Server {
	return &Server{Config: config}
}

// Run starts the server, blocks until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	router := routegroup.New(http.NewServeMux())
	router.Use(rest.Recoverer(lgr.Default()))
	router.Use(rest.Throttle(1000))
	router.Use(rest.AppInfo("tg-guard", "tg-guard", s.Version), rest.Ping)
	router.Use(tollbooth.HTTPMiddleware(tollbooth.NewLimiter(50, nil)))
	router.Use(rest.SizeLimit(1024 * 1024)) // 1M max request size

	if s.AuthPasswd != "" {
		log.Printf("[INFO] basic auth enabled for webapi server")
		router.Use(rest.BasicAuthWithUserPasswd("tg-guard", s.AuthPasswd))
	} else {
		log.Printf("[WARN] basic auth disabled, access to webapi is not protected")
	}

	s.routes(router)

	srv := &http.Server{Addr: s.ListenAddr, Handler: router, ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("[WARN] failed to shutdown webapi server: %v", err)
		} else {
			log.Printf("[INFO] webapi server stopped")
		}
	}()

	log.Printf("[INFO] start webapi server on %s", s.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to run server: %w", err)
	}
	return nil
}

func (s *Server) routes(router *routegroup.Bundle) {
	router.HandleFunc("GET /status/{type}/{id}", s.statusHandler)
	router.HandleFunc("GET /blacklisted", s.blacklistedHandler)
	router.HandleFunc("POST /blacklist", s.blacklistHandler)
	router.HandleFunc("POST /appeal", s.appealHandler)
	router.HandleFunc("POST /whitelist", s.whitelistHandler)
	router.HandleFunc("GET /audit", s.auditHandler)
	router.HandleFunc("GET /audit/{type}/{id}", s.auditEntityHandler)
	router.HandleFunc("GET /settings/{chat}", s.getSettingsHandler)
	router.HandleFunc("PUT /settings/{chat}", s.updSettingsHandler)
}

// statusHandler handles GET /status/{type}/{id}, returns the stored entity
// record. Unknown entities get a clean default record, not a 404.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	entityType, err := parseEntityType(r.PathValue("type"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"error": err.Error()})
		return
	}
	entity, err := s.Statuses.Get(r.Context(), r.PathValue("id"), entityType)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		rest.RenderJSON(w, rest.JSON{"error": "can't get status", "details": err.Error()})
		return
	}
	rest.RenderJSON(w, entity)
}

// blacklistedHandler handles GET /blacklisted, returns all blacklisted entities
func (s *Server) blacklistedHandler(w http.ResponseWriter, r *http.Request) {
	entities, err := s.Statuses.Blacklisted(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		rest.RenderJSON(w, rest.JSON{"error": "can't get blacklisted entities", "details": err.Error()})
		return
	}
	rest.RenderJSON(w, rest.JSON{"entities": entities, "count": len(entities)})
}

// blacklistHandler handles POST /blacklist request. It applies a blacklist
// transition and records it in the audit trail, rejections included.
func (s *Server) blacklistHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Flag       string `json:"flag"`
		OriginalID string `json:"original_id"`
		Actor      string `json:"actor"`
		Special    bool   `json:"special"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"error": "can't decode request", "details": err.Error()})
		log.Printf("[WARN] can't decode request: %v", err)
		return
	}
	entityType, err := parseEntityType(req.Type)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"error": err.Error()})
		return
	}

	if req.OriginalID != "" {
		known, err := s.Statuses.Exists(r.Context(), req.OriginalID, status.TypeUser)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			rest.RenderJSON(w, rest.JSON{"error": "can't check original id", "details": err.Error()})
			return
		}
		if !known {
			w.WriteHeader(http.StatusBadRequest)
			rest.RenderJSON(w, rest.JSON{"error": fmt.Sprintf("original id %s is not a known user", req.OriginalID)})
			return
		}
	}

	entity, err := s.Statuses.Get(r.Context(), req.ID, entityType)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		rest.RenderJSON(w, rest.JSON{"error": "can't get status", "details": err.Error()})
		return
	}

	updated, transition, err := s.Blacklist.Apply(entity, req.Flag, req.OriginalID, req.Special)
	s.writeAudit(r.Context(), req.ID, entityType, transition, req.Actor)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"rejected": true, "transition": transition})
		return
	}
	if transition.Outcome != guard.OutcomeNoOpSameFlag && transition.Outcome != guard.OutcomeNoOpSameBanEvadeID {
		if err := s.Statuses.Upsert(r.Context(), updated); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			rest.RenderJSON(w, rest.JSON{"error": "can't save blacklist change", "details": err.Error()})
			return
		}
	}
	rest.RenderJSON(w, rest.JSON{"entity": updated, "transition": transition})
}

// appealHandler handles POST /appeal request, grants an appeal if eligible
func (s *Server) appealHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		Actor string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"error": "can't decode request", "details": err.Error()})
		return
	}
	entityType, err := parseEntityType(req.Type)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"error": err.Error()})
		return
	}

	entity, err := s.Statuses.Get(r.Context(), req.ID, entityType)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		rest.RenderJSON(w, rest.JSON{"error": "can't get status", "details": err.Error()})
		return
	}

	updated, outcome := s.Blacklist.Appeal(entity)
	if outcome != guard.AppealGranted {
		w.WriteHeader(http.StatusConflict)
		rest.RenderJSON(w, rest.JSON{"granted": false, "outcome": string(outcome)})
		return
	}
	if err := s.Statuses.Upsert(r.Context(), updated); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		rest.RenderJSON(w, rest.JSON{"error": "can't save appeal", "details": err.Error()})
		return
	}
	s.writeAudit(r.Context(), req.ID, entityType,
		guard.Transition{Previous: entity.Flag, Requested: status.FlagNone, Outcome: guard.OutcomeRemoved, Reason: "appeal granted"},
		req.Actor)
	rest.RenderJSON(w, rest.JSON{"granted": true, "entity": updated})
}

// whitelistHandler handles POST /whitelist request, toggles the whitelist flag
func (s *Server) whitelistHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"error": "can't decode request", "details": err.Error()})
		return
	}
	entityType, err := parseEntityType(req.Type)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"error": err.Error()})
		return
	}

	entity, err := s.Statuses.Get(r.Context(), req.ID, entityType)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		rest.RenderJSON(w, rest.JSON{"error": "can't get status", "details": err.Error()})
		return
	}
	entity.Whitelisted = req.Enabled
	if err := s.Statuses.Upsert(r.Context(), entity); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		rest.RenderJSON(w, rest.JSON{"error": "can't save whitelist change", "details": err.Error()})
		return
	}
	rest.RenderJSON(w, rest.JSON{"entity": entity})
}

// auditHandler handles GET /audit request, returns recent audit entries.
// The limit query parameter caps the result, default is 100.
func (s *Server) auditHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		var err error
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			w.WriteHeader(http.StatusBadRequest)
			rest.RenderJSON(w, rest.JSON{"error": fmt.Sprintf("invalid limit %q", v)})
			return
		}
	}
	entries, err := s.Audit.Recent(r.Context(), limit)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		rest.RenderJSON(w, rest.JSON{"error": "can't get audit entries", "details": err.Error()})
		return
	}
	rest.RenderJSON(w, rest.JSON{"entries": entries, "count": len(entries)})
}

// auditEntityHandler handles GET /audit/{type}/{id} request
func (s *Server) auditEntityHandler(w http.ResponseWriter, r *http.Request) {
	entityType, err := parseEntityType(r.PathValue("type"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"error": err.Error()})
		return
	}
	entries, err := s.Audit.ForEntity(r.Context(), r.PathValue("id"), entityType)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		rest.RenderJSON(w, rest.JSON{"error": "can't get audit entries", "details": err.Error()})
		return
	}
	rest.RenderJSON(w, rest.JSON{"entries": entries, "count": len(entries)})
}

// getSettingsHandler handles GET /settings/{chat} request
func (s *Server) getSettingsHandler(w http.ResponseWriter, r *http.Request) {
	settings, err := s.Chats.Get(r.Context(), r.PathValue("chat"))
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		rest.RenderJSON(w, rest.JSON{"error": "can't get chat settings", "details": err.Error()})
		return
	}
	rest.RenderJSON(w, settings)
}

// updSettingsHandler handles PUT /settings/{chat} request, full replacement
func (s *Server) updSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var settings status.ChatSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"error": "can't decode request", "details": err.Error()})
		return
	}
	settings.ChatID = r.PathValue("chat")
	if err := s.Chats.Set(r.Context(), settings); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		rest.RenderJSON(w, rest.JSON{"error": "can't save chat settings", "details": err.Error()})
		return
	}
	rest.RenderJSON(w, settings)
}

func (s *Server) writeAudit(ctx context.Context, id string, t status.EntityType, transition guard.Transition, actor string) {
	if s.Audit == nil {
		return
	}
	if actor == "" {
		actor = "webapi"
	}
	entry := storage.AuditEntry{
		EntityID:   id,
		EntityType: t,
		Previous:   transition.Previous.String(),
		Requested:  transition.Requested.String(),
		Outcome:    string(transition.Outcome),
		Reason:     transition.Reason,
		Actor:      actor,
	}
	if err := s.Audit.Write(ctx, entry); err != nil {
		log.Printf("[WARN] failed to write audit entry: %v", err)
	}
}

func parseEntityType(token string) (status.EntityType, error) {
	switch token {
	case "user":
		return status.TypeUser, nil
	case "channel":
		return status.TypeChannel, nil
	}
	return "", fmt.Errorf("invalid entity type %q", token)
}
