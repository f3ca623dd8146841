package model

import (
	"strings"

	"github.com/Laisky/errors/v2"
)

// Provider type names. The adapter set implements exactly these five.
// A row's type is not validated when it is written; at dispatch time an
// attempt on a provider of any other type fails because no adaptor is
// registered for it.
const (
	ProviderTypeOpenAI    = "openai"
	ProviderTypeAnthropic = "anthropic"
	ProviderTypeGoogle    = "google"
	ProviderTypeKiro      = "kiro"
	ProviderTypeGLM       = "glm"
)

// Provider carries routing policy and model support; Account carries one
// set of credentials. A provider owns a *pool* of accounts, never a
// single credential, so the two are split into separate tables.
type Provider struct {
	ID              int     `gorm:"primaryKey" json:"id"`
	Type            string  `gorm:"index" json:"type"`
	Name            string  `json:"name"`
	Enabled         bool    `gorm:"default:true;index" json:"enabled"`
	Priority        int     `gorm:"default:0" json:"priority"` // higher wins
	Weight          int     `gorm:"default:1" json:"weight"`   // used inside a priority tier
	Group           string  `gorm:"default:default;index" json:"group"`
	SupportedModels string  `gorm:"type:text" json:"supported_models"` // comma-separated canonical names
	BaseURLOverride *string `gorm:"type:text" json:"base_url_override"`
}

// SupportsModel reports whether canonicalModel is in this provider's
// supported-model set.
func (p *Provider) SupportsModel(canonicalModel string) bool {
	for _, m := range strings.Split(p.SupportedModels, ",") {
		if strings.TrimSpace(m) == canonicalModel {
			return true
		}
	}
	return false
}

func (p *Provider) ModelSet() []string {
	out := make([]string, 0, 8)
	for _, m := range strings.Split(p.SupportedModels, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

// ListEnabledModels returns the de-duplicated union of every enabled
// provider's supported models, for the GET /v1/models listing.
func ListEnabledModels() ([]string, error) {
	var providers []*Provider
	if err := DB.Where("enabled = ?", true).Find(&providers).Error; err != nil {
		return nil, errors.Wrap(err, "list enabled providers")
	}

	seen := map[string]bool{}
	out := make([]string, 0, 16)
	for _, p := range providers {
		for _, m := range p.ModelSet() {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out, nil
}
