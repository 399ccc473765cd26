package provider

import "fmt"

const (
	APIOpenAI    = "openai-completions"
	APIAnthropic = "anthropic-messages"
)

// Settings mirrors config.ProviderConfig to avoid a circular import.
type Settings struct {
	ID      string
	BaseURL string
	APIKey  string
	API     string
	Model   string
}

// FromSettings creates a Provider from a config entry. The api field
// selects the wire format; empty defaults to OpenAI-compatible.
func FromSettings(s Settings) (Provider, error) {
	switch s.API {
	case APIOpenAI, "":
		return NewOpenAIProvider(s.ID, s.BaseURL, s.APIKey, s.Model), nil
	case APIAnthropic:
		return NewAnthropicProvider(s.ID, s.BaseURL, s.APIKey, s.Model), nil
	default:
		return nil, fmt.Errorf("unknown api type %q for provider %q (supported: %s, %s)",
			s.API, s.ID, APIOpenAI, APIAnthropic)
	}
}
