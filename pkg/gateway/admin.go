package gateway

import "net/http"

// handleConfig reports the non-sensitive server configuration.
func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	allowed := s.cfg.AllowedTools
	if allowed == nil {
		allowed = []string{}
	}
	cfg := map[string]interface{}{
		"default_model":      s.cfg.DefaultModel,
		"max_turns":          s.cfg.MaxTurns,
		"permission_mode":    s.cfg.PermissionMode,
		"system_prompt_mode": s.cfg.SystemPromptMode,
		"message_mode":       string(s.cfg.MessageMode),
		"cwd":                s.cfg.CWD,
		"allowed_tools":      allowed,
	}
	if s.cfg.Workspace != nil {
		cfg["workspace"] = s.cfg.Workspace.Stats()
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePoolStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Pool.Stats())
}

func (s *Server) handleLogsStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AccessLog == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"available": false,
			"reason":    "access logging disabled",
		})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.AccessLog.Stats(r.Context()))
}
