// Package httpapi exposes the gateway's REST surface: party lifecycle,
// session lookup and reporting, player profiles, and the WebSocket upgrade
// route. Handlers translate domain errors to HTTP statuses.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/openlobby/matchmaker/internal/identity"
	"github.com/openlobby/matchmaker/internal/metrics"
	"github.com/openlobby/matchmaker/internal/party"
	"github.com/openlobby/matchmaker/internal/profile"
	"github.com/openlobby/matchmaker/internal/session"
)

type ctxKey int

const identityKey ctxKey = 0

// SessionService is the session surface the API needs. Satisfied by the
// session service.
type SessionService interface {
	Get(ctx context.Context, matchID string) (*session.Record, error)
	End(ctx context.Context, matchID, reason string) (*session.Record, error)
	Heartbeat(ctx context.Context, matchID string) error
}

// ProfileReader serves player lookups. Satisfied by the profile store.
type ProfileReader interface {
	GetPlayer(ctx context.Context, playerID string) (*profile.Player, error)
	Leaderboard(ctx context.Context, limit int) ([]*profile.Player, error)
	ApplyMatchResult(ctx context.Context, outcome profile.MatchOutcome) error
}

// Server wires the REST handlers.
type Server struct {
	verifier identity.Verifier
	parties  *party.Manager
	sessions SessionService
	profiles ProfileReader // optional

	// OnSessionEnded runs after a result is accepted, so the gateway can
	// announce the termination to its peers.
	OnSessionEnded func(matchID string, partyIDs []string, reason string)
}

// NewServer creates a Server. profiles may be nil when Postgres is not
// configured.
func NewServer(verifier identity.Verifier, parties *party.Manager, sessions SessionService, profiles ProfileReader) *Server {
	return &Server{
		verifier: verifier,
		parties:  parties,
		sessions: sessions,
		profiles: profiles,
	}
}

// Router builds the full route table. wsHandler, when non-nil, is mounted
// on the party WebSocket path.
func (s *Server) Router(wsHandler http.Handler) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	if wsHandler != nil {
		v1.Handle("/ws/party/{party_id}", wsHandler)
	}

	authed := v1.NewRoute().Subrouter()
	authed.Use(s.authenticate)
	authed.HandleFunc("/party", s.handleCreateParty).Methods(http.MethodPost)
	authed.HandleFunc("/party/{party_id}", s.handleGetParty).Methods(http.MethodGet)
	authed.HandleFunc("/party/{party_id}/join", s.handleJoin).Methods(http.MethodPost)
	authed.HandleFunc("/party/{party_id}/leave", s.handleLeave).Methods(http.MethodPost)
	authed.HandleFunc("/party/{party_id}/ready", s.handleReady).Methods(http.MethodPost)
	authed.HandleFunc("/party/{party_id}/queue", s.handleQueue).Methods(http.MethodPost)
	authed.HandleFunc("/party/{party_id}/unqueue", s.handleUnqueue).Methods(http.MethodPost)
	authed.HandleFunc("/players/{player_id}", s.handleGetPlayer).Methods(http.MethodGet)
	authed.HandleFunc("/leaderboard", s.handleLeaderboard).Methods(http.MethodGet)
	authed.HandleFunc("/session/{match_id}", s.handleGetSession).Methods(http.MethodGet)

	// Game servers authenticate with the session token, not a player JWT.
	v1.HandleFunc("/session/{match_id}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	v1.HandleFunc("/session/{match_id}/result", s.handleResult).Methods(http.MethodPost)

	return r
}

// authenticate resolves the bearer token to a player identity.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		id, err := s.verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

func caller(r *http.Request) *identity.Identity {
	return r.Context().Value(identityKey).(*identity.Identity)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateParty(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Region   string `json:"region"`
		Mode     string `json:"mode"`
		TeamSize int    `json:"team_size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := caller(r)
	p, err := s.parties.Create(r.Context(), id.PlayerID, id.Username, req.Region, req.Mode, req.TeamSize)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetParty(w http.ResponseWriter, r *http.Request) {
	p, err := s.parties.Get(r.Context(), mux.Vars(r)["party_id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	p, err := s.parties.Join(r.Context(), mux.Vars(r)["party_id"], id.PlayerID, id.Username)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	if err := s.parties.Leave(r.Context(), mux.Vars(r)["party_id"], id.PlayerID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ready bool `json:"ready"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := caller(r)
	if err := s.parties.SetReady(r.Context(), mux.Vars(r)["party_id"], id.PlayerID, req.Ready); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": req.Ready})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	if err := s.parties.EnterQueue(r.Context(), mux.Vars(r)["party_id"], id.PlayerID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

func (s *Server) handleUnqueue(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	if err := s.parties.LeaveQueue(r.Context(), mux.Vars(r)["party_id"], id.PlayerID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
}

func (s *Server) handleGetPlayer(w http.ResponseWriter, r *http.Request) {
	if s.profiles == nil {
		writeError(w, http.StatusNotImplemented, "profiles not configured")
		return
	}
	p, err := s.profiles.GetPlayer(r.Context(), mux.Vars(r)["player_id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if s.profiles == nil {
		writeError(w, http.StatusNotImplemented, "profiles not configured")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	players, err := s.profiles.Leaderboard(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, players)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sessions.Get(r.Context(), mux.Vars(r)["match_id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// sessionAuth checks the game server's session token against the record.
func (s *Server) sessionAuth(w http.ResponseWriter, r *http.Request) (*session.Record, bool) {
	rec, err := s.sessions.Get(r.Context(), mux.Vars(r)["match_id"])
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	if r.Header.Get("X-Session-Token") != rec.Token {
		writeError(w, http.StatusForbidden, "invalid session token")
		return nil, false
	}
	return rec, true
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.sessionAuth(w, r)
	if !ok {
		return
	}
	if err := s.sessions.Heartbeat(r.Context(), rec.MatchID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.sessionAuth(w, r)
	if !ok {
		return
	}

	var req struct {
		WinningTeam *int   `json:"winning_team"`
		Reason      string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WinningTeam == nil {
		writeError(w, http.StatusBadRequest, "winning_team is required")
		return
	}
	win := *req.WinningTeam
	if win < 0 || win >= len(rec.Teams) {
		writeError(w, http.StatusBadRequest, "winning_team out of range")
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "completed"
	}

	ended, err := s.sessions.End(r.Context(), rec.MatchID, reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if s.profiles != nil {
		outcome := profile.MatchOutcome{MatchID: rec.MatchID, Winners: rec.Teams[win]}
		for i, team := range rec.Teams {
			if i != win {
				outcome.Losers = append(outcome.Losers, team...)
			}
		}
		if err := s.profiles.ApplyMatchResult(r.Context(), outcome); err != nil {
			log.Printf("[httpapi] apply result match=%s: %v", rec.MatchID, err)
		}
	}

	for _, partyID := range rec.PartyIDs {
		err := s.parties.EndSession(r.Context(), partyID, rec.MatchID, reason)
		if err != nil && !errors.Is(err, party.ErrNotFound) {
			log.Printf("[httpapi] end session party=%s match=%s: %v", partyID, rec.MatchID, err)
		}
	}
	if s.OnSessionEnded != nil {
		s.OnSessionEnded(rec.MatchID, rec.PartyIDs, reason)
	}

	writeJSON(w, http.StatusOK, ended)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[httpapi] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps domain errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var terr *session.TransitionError
	switch {
	case errors.Is(err, party.ErrNotFound),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, profile.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, party.ErrForbidden),
		errors.Is(err, party.ErrNotMember):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, party.ErrIllegalState),
		errors.Is(err, party.ErrConflict),
		errors.Is(err, party.ErrNotReady),
		errors.As(err, &terr):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("[httpapi] internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
