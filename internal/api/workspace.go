package api

import (
	"errors"
	"maps"
	"net/http"

	"github.com/basket/clawdash/internal/audit"
	"github.com/basket/clawdash/internal/gateway"
	"github.com/basket/clawdash/internal/workspace"
)

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.ws.ReadConfig()
	if err != nil {
		writeError(w, err)
		return
	}
	validation := workspace.Validate(cfg)
	if cfg == nil {
		cfg = map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config":     cfg,
		"paths":      s.ws.Paths(),
		"validation": validation,
	})
}

type configBody struct {
	Config map[string]any `json:"config"`
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var body configBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Config == nil {
		writeError(w, badRequest("Config object required"))
		return
	}
	if v := workspace.Validate(body.Config); !v.Valid {
		writeValidation(w, "Invalid config", v.Errors)
		return
	}
	ctx := r.Context()
	if err := s.ws.WriteConfig(body.Config); err != nil {
		audit.RecordErr(ctx, "config.write", err, "")
		writeError(w, err)
		return
	}
	audit.Record(ctx, "config.write", audit.OutcomeOK, "")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Configuration saved"})
}

// handlePatchConfig merges the body into one section, rejecting a merge that
// would leave the config invalid.
func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	section := r.PathValue("section")
	var updates map[string]any
	if err := decodeBody(r, &updates); err != nil {
		writeError(w, err)
		return
	}
	current, err := s.ws.ReadConfig()
	if err != nil {
		writeError(w, err)
		return
	}
	preview := maps.Clone(current)
	if preview == nil {
		preview = map[string]any{}
	}
	merged := map[string]any{}
	if existing, ok := preview[section].(map[string]any); ok {
		maps.Copy(merged, existing)
	}
	maps.Copy(merged, updates)
	preview[section] = merged
	if v := workspace.Validate(preview); !v.Valid {
		writeValidation(w, "Invalid config", v.Errors)
		return
	}

	ctx := r.Context()
	if _, err := s.ws.UpdateSection(section, updates); err != nil {
		audit.RecordErr(ctx, "config.patch", err, "section="+section)
		writeError(w, err)
		return
	}
	audit.Record(ctx, "config.patch", audit.OutcomeOK, "section="+section)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": section + " updated"})
}

func (s *Server) handleValidateConfig(w http.ResponseWriter, r *http.Request) {
	var body configBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workspace.Validate(body.Config))
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path, err := s.ws.CreateBackup()
	if err != nil {
		audit.RecordErr(ctx, "config.backup", err, "")
		writeError(w, err)
		return
	}
	audit.Record(ctx, "config.backup", audit.OutcomeOK, path)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "backup": path})
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := s.ws.ListBackups()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": backups})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ctx := r.Context()
	cfg, err := s.ws.RestoreBackup(name)
	if err != nil {
		audit.RecordErr(ctx, "config.restore", err, name)
		writeError(w, err)
		return
	}
	audit.Record(ctx, "config.restore", audit.OutcomeOK, name)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "config": cfg})
}

func (s *Server) handleGetEnv(w http.ResponseWriter, r *http.Request) {
	env, err := s.ws.ReadEnv()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"env":        workspace.MaskEnv(env),
		"validation": workspace.ValidateEnv(env),
	})
}

func (s *Server) handlePutEnv(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var body struct {
		Value *string `json:"value"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Value == nil {
		writeError(w, badRequest("Value required"))
		return
	}
	if v := workspace.ValidateEnv(map[string]string{key: *body.Value}); !v.Valid {
		writeValidation(w, "Invalid value", v.Errors)
		return
	}
	ctx := r.Context()
	if err := s.ws.UpdateEnv(key, *body.Value); err != nil {
		audit.RecordErr(ctx, "env.update", err, "key="+key)
		writeError(w, err)
		return
	}
	audit.Record(ctx, "env.update", audit.OutcomeOK, "key="+key)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	skills, err := s.ws.ListSkills()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"skills": skills})
}

func (s *Server) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	skill, err := s.ws.Skill(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"skill": skill})
}

func (s *Server) handleUpdateSkill(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Enabled == nil {
		writeError(w, badRequest("enabled (boolean) required"))
		return
	}
	ctx := r.Context()
	skill, err := s.ws.SetSkillEnabled(name, *body.Enabled)
	if err != nil {
		audit.RecordErr(ctx, "skill.update", err, name)
		writeError(w, err)
		return
	}
	audit.Record(ctx, "skill.update", audit.OutcomeOK, name)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Skill " + name + " updated",
		"skill":   skill,
	})
}

// handleReloadSkills asks the assistant to rescan skills. It waits for a
// confirmation when connected, and queues the command otherwise.
func (s *Server) handleReloadSkills(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !s.gw.IsConnected() {
		if _, err := s.gw.ReloadSkills(ctx); err != nil {
			writeError(w, err)
			return
		}
		audit.Record(ctx, "skills.reload", "queued", "")
		writeJSON(w, http.StatusAccepted, map[string]any{
			"success": true,
			"queued":  true,
			"message": "Gateway not connected; reload queued",
		})
		return
	}
	_, err := s.gw.Request(ctx, gateway.TypeSkillsReload, nil, gateway.TypeSkillsReloaded, s.gwWait)
	switch {
	case errors.Is(err, gateway.ErrTimeout):
		audit.Record(ctx, "skills.reload", "sent", "no confirmation")
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Reload command sent (no confirmation)"})
	case err != nil:
		audit.RecordErr(ctx, "skills.reload", err, "")
		writeError(w, err)
	default:
		audit.Record(ctx, "skills.reload", audit.OutcomeOK, "")
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Skills reloaded"})
	}
}
