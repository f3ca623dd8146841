// Package channeltype validates and enumerates the provider types this
// build has adapters for.
package channeltype

const (
	OpenAI    = "openai"
	Anthropic = "anthropic"
	Google    = "google"
	Kiro      = "kiro"
	GLM       = "glm"
)

// Supported lists every provider type this build has an adapter for.
var Supported = []string{OpenAI, Anthropic, Google, Kiro, GLM}

func IsSupported(t string) bool {
	for _, s := range Supported {
		if s == t {
			return true
		}
	}
	return false
}
