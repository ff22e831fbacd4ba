package httpapi

import (
	"encoding/json"
	"net/http"

	"quackrelay/internal/domain"
)

func registerAgentRoutes(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("POST /api/agents", handleRegisterAgent(deps))
	mux.HandleFunc("GET /api/agents", handleListAgents(deps))
	mux.HandleFunc("GET /api/agents/{platform}/{name}", handleGetAgent(deps))
	mux.HandleFunc("PUT /api/agents/{platform}/{name}", handleUpdateAgent(deps))
	mux.HandleFunc("DELETE /api/agents/{platform}/{name}", handleDeleteAgent(deps))
	mux.HandleFunc("POST /api/agents/{platform}/{name}/ping", handlePingAgent(deps))

	mux.HandleFunc("POST /api/keys", handleMintKey(deps))
	mux.HandleFunc("GET /api/keys", handleListKeys(deps))
	mux.HandleFunc("DELETE /api/keys/{id}", handleRevokeKey(deps))
}

func agentID(r *http.Request) string {
	return r.PathValue("platform") + "/" + r.PathValue("name")
}

func handleRegisterAgent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var agent domain.Agent
		if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
			writeError(w, domain.NewDomainError("httpapi.RegisterAgent", domain.ErrValidation, "malformed JSON body"))
			return
		}
		out, err := deps.Registry.Register(r.Context(), agent)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, out)
	}
}

func handleListAgents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agents, err := deps.Registry.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
	}
}

func handleGetAgent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, err := deps.Registry.Get(r.Context(), agentID(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agent)
	}
}

func handleUpdateAgent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var agent domain.Agent
		if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
			writeError(w, domain.NewDomainError("httpapi.UpdateAgent", domain.ErrValidation, "malformed JSON body"))
			return
		}
		agent.ID = agentID(r)
		out, err := deps.Registry.Update(r.Context(), agent)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleDeleteAgent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Registry.Delete(r.Context(), agentID(r)); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func handlePingAgent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, err := deps.Registry.Ping(r.Context(), agentID(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agent)
	}
}

func handleMintKey(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Owner       string   `json:"owner"`
			Permissions []string `json:"permissions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, domain.NewDomainError("httpapi.MintKey", domain.ErrValidation, "malformed JSON body"))
			return
		}
		raw, key, err := deps.Registry.MintAPIKey(r.Context(), req.Owner, req.Permissions)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"key": raw, "record": key})
	}
}

func handleListKeys(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := deps.Registry.ListAPIKeys(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
	}
}

func handleRevokeKey(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Registry.RevokeAPIKey(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}
