package api

import (
	"net/http"
	"time"

	"github.com/basket/clawdash/internal/audit"
	"github.com/basket/clawdash/internal/catalog"
	"github.com/basket/clawdash/internal/persistence"
	"github.com/basket/clawdash/internal/schema"
)

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.store.ListProviders(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

func (s *Server) handleProviderTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"types": catalog.ProviderTypes()})
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProvider(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider": p})
}

type providerBody struct {
	Name    *string        `json:"name"`
	Type    *string        `json:"type"`
	BaseURL *string        `json:"baseUrl"`
	Model   *string        `json:"model"`
	APIKey  *string        `json:"apiKey"`
	Enabled *bool          `json:"enabled"`
	Config  map[string]any `json:"config"`
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func (s *Server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if issues := catalog.ValidateProviderCreate(raw); len(issues) > 0 {
		writeValidation(w, "Validation failed", schema.Strings(issues))
		return
	}
	var body providerBody
	if err := decodeRaw(raw, &body); err != nil {
		writeError(w, err)
		return
	}
	p := persistence.Provider{
		Name:    deref(body.Name),
		Type:    deref(body.Type),
		BaseURL: deref(body.BaseURL),
		Model:   deref(body.Model),
		APIKey:  deref(body.APIKey),
		Enabled: true,
		Config:  body.Config,
	}
	if body.Enabled != nil {
		p.Enabled = *body.Enabled
	}
	if pt, ok := catalog.Provider(p.Type); ok {
		if p.BaseURL == "" {
			p.BaseURL = pt.DefaultBaseURL
		}
		if p.Model == "" {
			p.Model = pt.DefaultModelID
		}
	}

	ctx := r.Context()
	created, err := s.store.CreateProvider(ctx, p)
	if err != nil {
		audit.RecordErr(ctx, "provider.create", err, p.Name)
		writeError(w, err)
		return
	}
	audit.Record(ctx, "provider.create", audit.OutcomeOK, created.ID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":  true,
		"id":       created.ID,
		"provider": created,
		"message":  "Provider created",
	})
}

// handleUpdateProvider leaves the stored key alone when apiKey is empty, so a
// form that only showed the masked value can be resubmitted.
func (s *Server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	raw, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if issues := catalog.ValidateProviderUpdate(raw); len(issues) > 0 {
		writeValidation(w, "Validation failed", schema.Strings(issues))
		return
	}
	var body providerBody
	if err := decodeRaw(raw, &body); err != nil {
		writeError(w, err)
		return
	}
	u := persistence.ProviderUpdate{
		Name:    body.Name,
		Type:    body.Type,
		BaseURL: body.BaseURL,
		Model:   body.Model,
		APIKey:  body.APIKey,
		Enabled: body.Enabled,
		Config:  body.Config,
	}

	ctx := r.Context()
	p, err := s.store.UpdateProvider(ctx, id, u)
	if err != nil {
		audit.RecordErr(ctx, "provider.update", err, id)
		writeError(w, err)
		return
	}
	audit.Record(ctx, "provider.update", audit.OutcomeOK, id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "provider": p, "message": "Provider updated"})
}

func (s *Server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()
	if err := s.store.DeleteProvider(ctx, id); err != nil {
		audit.RecordErr(ctx, "provider.delete", err, id)
		writeError(w, err)
		return
	}
	audit.Record(ctx, "provider.delete", audit.OutcomeOK, id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Provider deleted"})
}

// handleTestProvider reports whether the provider's base URL answers HTTP at
// all. Any response counts as reachable; only transport errors fail.
func (s *Server) handleTestProvider(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.store.GetProvider(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	target := p.BaseURL
	if target == "" {
		if pt, ok := catalog.Provider(p.Type); ok {
			target = pt.DefaultBaseURL
		}
	}
	if target == "" {
		writeError(w, badRequest("Provider %s has no base URL to test", p.Name))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		writeError(w, badRequest("invalid base URL: %v", err))
		return
	}
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		audit.Record(ctx, "provider.test", audit.OutcomeError, p.ID)
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   false,
			"url":       target,
			"message":   err.Error(),
			"latencyMs": latency,
		})
		return
	}
	resp.Body.Close()
	audit.Record(ctx, "provider.test", audit.OutcomeOK, p.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"url":       target,
		"status":    resp.StatusCode,
		"message":   "Reachable (HTTP " + resp.Status + ")",
		"latencyMs": latency,
	})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.store.ListChannels(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

func (s *Server) handleChannelTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"types": catalog.ChannelTypes()})
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetChannel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": c})
}

type channelBody struct {
	Name    *string        `json:"name"`
	Type    string         `json:"type"`
	Enabled *bool          `json:"enabled"`
	Config  map[string]any `json:"config"`
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body channelBody
	if err := decodeRaw(raw, &body); err != nil {
		writeError(w, err)
		return
	}
	if issues := catalog.ValidateChannelCreate(raw, body.Type, body.Config); len(issues) > 0 {
		writeValidation(w, "Validation failed", schema.Strings(issues))
		return
	}
	c := persistence.Channel{
		Name:    deref(body.Name),
		Type:    body.Type,
		Enabled: true,
		Config:  body.Config,
	}
	if body.Enabled != nil {
		c.Enabled = *body.Enabled
	}

	ctx := r.Context()
	created, err := s.store.CreateChannel(ctx, c)
	if err != nil {
		audit.RecordErr(ctx, "channel.create", err, c.Name)
		writeError(w, err)
		return
	}
	audit.Record(ctx, "channel.create", audit.OutcomeOK, created.ID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"id":      created.ID,
		"channel": created,
		"message": "Channel created",
	})
}

// handleUpdateChannel re-checks required fields when the config is replaced.
func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()
	raw, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if issues := catalog.ValidateChannelUpdate(raw); len(issues) > 0 {
		writeValidation(w, "Validation failed", schema.Strings(issues))
		return
	}
	var body channelBody
	if err := decodeRaw(raw, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Config != nil {
		existing, err := s.store.GetChannel(ctx, id)
		if err != nil {
			writeError(w, err)
			return
		}
		if issues := catalog.RequiredChannelFields(existing.Type, body.Config); len(issues) > 0 {
			writeValidation(w, "Validation failed", schema.Strings(issues))
			return
		}
	}

	c, err := s.store.UpdateChannel(ctx, id, persistence.ChannelUpdate{
		Name:    body.Name,
		Enabled: body.Enabled,
		Config:  body.Config,
	})
	if err != nil {
		audit.RecordErr(ctx, "channel.update", err, id)
		writeError(w, err)
		return
	}
	audit.Record(ctx, "channel.update", audit.OutcomeOK, id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "channel": c, "message": "Channel updated"})
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()
	if err := s.store.DeleteChannel(ctx, id); err != nil {
		audit.RecordErr(ctx, "channel.delete", err, id)
		writeError(w, err)
		return
	}
	audit.Record(ctx, "channel.delete", audit.OutcomeOK, id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Channel deleted"})
}

func (s *Server) handleEnableChannel(w http.ResponseWriter, r *http.Request) {
	s.setChannelEnabled(w, r, true)
}

func (s *Server) handleDisableChannel(w http.ResponseWriter, r *http.Request) {
	s.setChannelEnabled(w, r, false)
}

func (s *Server) setChannelEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := r.PathValue("id")
	ctx := r.Context()
	action, message := "channel.enable", "Channel enabled"
	if !enabled {
		action, message = "channel.disable", "Channel disabled"
	}
	if err := s.store.SetChannelEnabled(ctx, id, enabled); err != nil {
		audit.RecordErr(ctx, action, err, id)
		writeError(w, err)
		return
	}
	audit.Record(ctx, action, audit.OutcomeOK, id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "enabled": enabled, "message": message})
}
