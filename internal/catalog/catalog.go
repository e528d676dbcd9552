// Package catalog lists the provider and channel types the dashboard can
// manage and validates create/update payloads against them.
package catalog

import (
	"fmt"
	"slices"
	"strings"

	"github.com/basket/clawdash/internal/schema"
)

type ProviderType struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Model          string `json:"model"`
	Placeholder    string `json:"placeholder"`
	RequiresAPIKey bool   `json:"requiresApiKey"`
	DefaultBaseURL string `json:"defaultBaseUrl,omitempty"`
	DefaultModelID string `json:"defaultModelId,omitempty"`
	ShowBaseURL    bool   `json:"showBaseUrl,omitempty"`
	ShowModelID    bool   `json:"showModelId,omitempty"`
	// EnvKey is the variable the assistant reads the key from.
	EnvKey string `json:"envKey,omitempty"`
}

type Field struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

type ChannelType struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Fields      []Field `json:"fields"`
}

var providerTypes = []ProviderType{
	{ID: "anthropic", Name: "Anthropic", Model: "Claude", Placeholder: "sk-ant-api03-...", RequiresAPIKey: true, EnvKey: "ANTHROPIC_API_KEY"},
	{ID: "openai", Name: "OpenAI", Model: "GPT", Placeholder: "sk-proj-...", RequiresAPIKey: true, EnvKey: "OPENAI_API_KEY"},
	{ID: "google", Name: "Google", Model: "Gemini", Placeholder: "AIza...", RequiresAPIKey: true, EnvKey: "GOOGLE_API_KEY"},
	{ID: "openrouter", Name: "OpenRouter", Model: "Multi-Model", Placeholder: "sk-or-v1-...", RequiresAPIKey: true, EnvKey: "OPENROUTER_API_KEY"},
	{ID: "moonshot", Name: "Moonshot (Kimi)", Model: "Kimi", Placeholder: "sk-...", RequiresAPIKey: true,
		DefaultBaseURL: "https://api.moonshot.cn/v1", DefaultModelID: "kimi-k2.5", EnvKey: "MOONSHOT_API_KEY"},
	{ID: "siliconflow", Name: "SiliconFlow (CN)", Model: "Multi-Model", Placeholder: "sk-...", RequiresAPIKey: true,
		DefaultBaseURL: "https://api.siliconflow.cn/v1", DefaultModelID: "Pro/moonshotai/Kimi-K2.5", EnvKey: "SILICONFLOW_API_KEY"},
	{ID: "ollama", Name: "Ollama", Model: "Local", Placeholder: "Not required", RequiresAPIKey: false,
		DefaultBaseURL: "http://localhost:11434", ShowBaseURL: true, ShowModelID: true},
	{ID: "custom", Name: "Custom", Model: "Custom", Placeholder: "API key...", RequiresAPIKey: true, ShowBaseURL: true, ShowModelID: true},
}

var channelTypes = []ChannelType{
	{
		ID: "telegram", Name: "Telegram", Description: "Telegram Bot",
		Fields: []Field{
			{Name: "bot_token", Label: "Bot Token", Type: "password", Required: true},
			{Name: "allowed_users", Label: "Allowed Users (comma-separated)", Type: "text"},
			{Name: "admin_users", Label: "Admin Users (comma-separated)", Type: "text"},
		},
	},
	{
		ID: "zalo", Name: "Zalo", Description: "Zalo Official Account",
		Fields: []Field{
			{Name: "app_id", Label: "App ID", Type: "text", Required: true},
			{Name: "app_secret", Label: "App Secret", Type: "password", Required: true},
			{Name: "oa_id", Label: "OA ID", Type: "text", Required: true},
			{Name: "webhook_url", Label: "Webhook URL", Type: "text", Required: true},
			{Name: "verify_token", Label: "Verify Token", Type: "password", Required: true},
		},
	},
	{
		ID: "whatsapp", Name: "WhatsApp", Description: "WhatsApp Business",
		Fields: []Field{
			{Name: "phone_number", Label: "Phone Number", Type: "text", Required: true},
			{Name: "session_id", Label: "Session ID", Type: "text"},
		},
	},
}

// ProviderTypes returns a copy of the provider catalog.
func ProviderTypes() []ProviderType { return slices.Clone(providerTypes) }

// ChannelTypes returns a copy of the channel catalog.
func ChannelTypes() []ChannelType { return slices.Clone(channelTypes) }

func Provider(id string) (ProviderType, bool) {
	for _, p := range providerTypes {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderType{}, false
}

func Channel(id string) (ChannelType, bool) {
	for _, c := range channelTypes {
		if c.ID == id {
			return c, true
		}
	}
	return ChannelType{}, false
}

func providerIDs() []string {
	ids := make([]string, len(providerTypes))
	for i, p := range providerTypes {
		ids[i] = p.ID
	}
	return ids
}

func channelIDs() []string {
	ids := make([]string, len(channelTypes))
	for i, c := range channelTypes {
		ids[i] = c.ID
	}
	return ids
}

func quoteAll(ids []string) string {
	q := make([]string, len(ids))
	for i, id := range ids {
		q[i] = `"` + id + `"`
	}
	return strings.Join(q, ", ")
}

var (
	providerCreate = schema.MustCompile("provider-create.json", fmt.Sprintf(`{
  "type": "object",
  "required": ["name", "type"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "type": {"enum": [%s]},
    "baseUrl": {"type": "string", "pattern": "^https?://[^\\s]+$"},
    "model": {"type": "string"},
    "apiKey": {"type": "string"},
    "enabled": {"type": "boolean"},
    "config": {"type": "object"}
  }
}`, quoteAll(providerIDs())))

	providerUpdate = schema.MustCompile("provider-update.json", fmt.Sprintf(`{
  "type": "object",
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "type": {"enum": [%s]},
    "baseUrl": {"type": "string", "pattern": "^(https?://[^\\s]+)?$"},
    "model": {"type": "string"},
    "apiKey": {"type": "string"},
    "enabled": {"type": "boolean"},
    "config": {"type": "object"}
  }
}`, quoteAll(providerIDs())))

	channelCreate = schema.MustCompile("channel-create.json", fmt.Sprintf(`{
  "type": "object",
  "required": ["name", "type"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "type": {"enum": [%s]},
    "enabled": {"type": "boolean"},
    "config": {"type": "object"}
  }
}`, quoteAll(channelIDs())))

	channelUpdate = schema.MustCompile("channel-update.json", `{
  "type": "object",
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "enabled": {"type": "boolean"},
    "config": {"type": "object"}
  }
}`)
)

// ValidateProviderCreate checks a raw create body.
func ValidateProviderCreate(raw []byte) []schema.Issue { return providerCreate.ValidateJSON(raw) }

func ValidateProviderUpdate(raw []byte) []schema.Issue { return providerUpdate.ValidateJSON(raw) }

// ValidateChannelCreate checks the body shape and then the type's required
// config fields.
func ValidateChannelCreate(raw []byte, typ string, cfg map[string]any) []schema.Issue {
	if issues := channelCreate.ValidateJSON(raw); len(issues) > 0 {
		return issues
	}
	return RequiredChannelFields(typ, cfg)
}

func ValidateChannelUpdate(raw []byte) []schema.Issue { return channelUpdate.ValidateJSON(raw) }

// RequiredChannelFields reports required config fields that are absent or empty.
func RequiredChannelFields(typ string, cfg map[string]any) []schema.Issue {
	ct, ok := Channel(typ)
	if !ok {
		return []schema.Issue{{Path: "/type", Message: fmt.Sprintf("unknown channel type %q", typ)}}
	}
	var issues []schema.Issue
	for _, f := range ct.Fields {
		if !f.Required {
			continue
		}
		v, ok := cfg[f.Name]
		if s, isStr := v.(string); !ok || (isStr && strings.TrimSpace(s) == "") {
			issues = append(issues, schema.Issue{Path: "/config/" + f.Name, Message: f.Label + " is required"})
		}
	}
	return issues
}
