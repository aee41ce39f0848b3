package peer

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"teamtrust/pkg/connection"
	"teamtrust/pkg/metrics"
	"teamtrust/pkg/transport"
	"teamtrust/pkg/types"
)

// TeamSummary is served at /team and printed by the status command
type TeamSummary struct {
	ID          types.Hash                  `json:"id"`
	Name        string                      `json:"name"`
	Heads       []types.Hash                `json:"heads"`
	Links       int                         `json:"links"`
	Discarded   int                         `json:"discarded"`
	StoredBytes int64                       `json:"storedBytes"`
	Members     []MemberSummary             `json:"members"`
	Roles       []string                    `json:"roles"`
	Servers     []string                    `json:"servers,omitempty"`
	Keys        map[string]int              `json:"keyGenerations"`
	Connections map[string]connection.State `json:"connections"`
}

type MemberSummary struct {
	UserID  types.UserID     `json:"userId"`
	Admin   bool             `json:"admin"`
	Roles   []string         `json:"roles,omitempty"`
	Devices []types.DeviceID `json:"devices"`
}

// Router serves health, metrics, the team summary and WebSocket sync
func (p *Peer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", p.handleHealth)
	r.Get("/team", p.handleTeam)
	r.Method(http.MethodGet, "/metrics", p.metricsHandler())
	r.Handle("/sync", transport.WebSocketHandler(p.accept, p.logger, int64(p.cfg.MessageLimit())))
	return r
}

func (p *Peer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"user":   p.local.User.UserID,
		"device": p.local.Device.DeviceID,
		"team":   p.Team() != nil,
	})
}

func (p *Peer) handleTeam(w http.ResponseWriter, r *http.Request) {
	summary, err := p.Summary()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// metricsHandler refreshes the lockbox cache gauges before each scrape
func (p *Peer) metricsHandler() http.Handler {
	h := metrics.Handler(p.registry)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t := p.Team(); t != nil {
			p.metrics.CacheStats(t.CacheStats())
		}
		h.ServeHTTP(w, r)
	})
}

// Summary describes the team as this peer currently sees it
func (p *Peer) Summary() (*TeamSummary, error) {
	t := p.Team()
	if t == nil {
		return nil, ErrNoTeam
	}
	res := t.Resolution()
	state := res.State
	s := &TeamSummary{
		ID:          state.ID,
		Name:        state.TeamName,
		Heads:       res.Heads,
		Links:       len(res.Sequence) + len(res.Discarded),
		Discarded:   len(res.Discarded),
		Keys:        make(map[string]int, len(state.Keys)),
		Connections: p.Connections(),
	}
	if n, err := p.store.Size(state.ID); err == nil {
		s.StoredBytes = n
	}
	for _, m := range state.ActiveMembers() {
		ms := MemberSummary{UserID: m.UserID, Admin: state.MemberIsAdmin(m.UserID)}
		for _, role := range m.Roles {
			if role != types.ADMIN {
				ms.Roles = append(ms.Roles, role)
			}
		}
		for _, d := range m.Devices {
			if !d.Removed {
				ms.Devices = append(ms.Devices, d.DeviceID)
			}
		}
		s.Members = append(s.Members, ms)
	}
	for _, role := range state.Roles {
		s.Roles = append(s.Roles, role.RoleName)
	}
	for _, srv := range state.Servers {
		if !srv.Removed {
			s.Servers = append(s.Servers, srv.Host)
		}
	}
	for scope, k := range state.Keys {
		s.Keys[scope] = k.Generation
	}
	sort.Strings(s.Roles)
	sort.Strings(s.Servers)
	return s, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
