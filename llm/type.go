package llm

// ProviderType identifies which upstream API to use (single choice at server startup).
type ProviderType string

const (
	TypeOpenAI ProviderType = "openai"
	TypeOllama ProviderType = "ollama"
)

// Default is the provider type used when none is configured.
const Default ProviderType = TypeOpenAI

// IsValid returns true if the provider type is supported.
func (t ProviderType) IsValid() bool {
	switch t {
	case TypeOpenAI, TypeOllama:
		return true
	default:
		return false
	}
}
