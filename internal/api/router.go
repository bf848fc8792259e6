package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/perceptlab/studybot/internal/middleware"
	"github.com/perceptlab/studybot/internal/services"
)

// EventHandler processes one inbound chat event into outbound prompts.
type EventHandler interface {
	HandleEvent(ev services.InboundEvent) ([]services.Prompt, error)
}

// Exporter produces the researcher CSV downloads.
type Exporter interface {
	ParticipantsCSV() ([]byte, error)
	AnswersCSV() ([]byte, error)
}

// Authenticator manages researcher accounts for the export surface.
type Authenticator interface {
	Register(email, password string) (*services.AuthResult, error)
	Login(email, password string) (*services.AuthResult, error)
}

type Router struct {
	events  EventHandler
	exports Exporter
	auth    Authenticator
}

func NewRouter(events EventHandler, exports Exporter, auth Authenticator) *Router {
	return &Router{events: events, exports: exports, auth: auth}
}

func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/events", rt.handleEvents)             // POST
	mux.HandleFunc("/api/auth/register", rt.handleRegister)    // POST
	mux.HandleFunc("/api/auth/login", rt.handleLogin)          // POST
	mux.Handle("/api/export/participants.csv", authed(rt.handleExportParticipants)) // GET
	mux.Handle("/api/export/answers.csv", authed(rt.handleExportAnswers))           // GET
}

func authed(h http.HandlerFunc) http.Handler {
	return middleware.WithAuth(middleware.RequireAuth(h))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeServiceError(w http.ResponseWriter, err error) {
	if se, ok := services.AsServiceError(err); ok {
		status := http.StatusInternalServerError
		switch se.Code {
		case services.ErrorInvalid:
			status = http.StatusBadRequest
		case services.ErrorNotFound:
			status = http.StatusNotFound
		case services.ErrorConflict:
			status = http.StatusConflict
		case services.ErrorUnauthorized:
			status = http.StatusUnauthorized
		}
		writeJSON(w, status, map[string]string{"error": se.Message, "code": string(se.Code)})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

// POST /api/events — the transport webhook. Errors never leak to the chat
// user as failures: the top-level policy is to log loudly and answer with a
// generic apology, since the semantic side effect either committed or never
// started and must not be retried blindly.
func (rt *Router) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var ev services.InboundEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ev.UserID == 0 {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	prompts, err := rt.events.HandleEvent(ev)
	if err != nil {
		log.Printf("api: handle event for user %d: %v", ev.UserID, err)
		prompts = []services.Prompt{{
			UserID: ev.UserID,
			Text:   "Something went wrong. Please send /start to continue.",
		}}
	}
	writeJSON(w, http.StatusOK, map[string]any{"prompts": prompts})
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (rt *Router) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var c credentials
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := rt.auth.Register(c.Email, c.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": res.Token, "researcher_id": res.ResearcherID})
}

func (rt *Router) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var c credentials
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := rt.auth.Login(c.Email, c.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": res.Token, "researcher_id": res.ResearcherID})
}

func (rt *Router) handleExportParticipants(w http.ResponseWriter, r *http.Request) {
	rt.serveCSV(w, r, "participants.csv", rt.exports.ParticipantsCSV)
}

func (rt *Router) handleExportAnswers(w http.ResponseWriter, r *http.Request) {
	rt.serveCSV(w, r, "answers.csv", rt.exports.AnswersCSV)
}

func (rt *Router) serveCSV(w http.ResponseWriter, r *http.Request, name string, build func() ([]byte, error)) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := build()
	if err != nil {
		log.Printf("api: export %s: %v", name, err)
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename="+name)
	_, _ = w.Write(data)
}
