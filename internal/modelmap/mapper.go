// Package modelmap resolves caller-supplied model aliases to the identifier
// the configured backend expects, while preserving the caller's exact input
// for echoing in responses.
package modelmap

import (
	"strings"

	"github.com/claudegate/claudegate/internal/config"
	"github.com/claudegate/claudegate/internal/wire"
)

// Alias names with configured resolutions.
const (
	AliasBig   = "big"
	AliasSmall = "small"
)

// Resolution pairs the upstream-facing model with the caller's original
// string. Resolved is never echoed back to the caller.
type Resolution struct {
	Resolved string
	Original string
}

// Mapper resolves aliases against the configured big/small table and applies
// the backend's namespace-prefix policy.
type Mapper struct {
	big    string
	small  string
	prefix string
	kind   string
}

// New builds a mapper for one backend kind.
func New(models config.Models, backendKind string) *Mapper {
	return &Mapper{
		big:    models.Big,
		small:  models.Small,
		prefix: models.Prefix,
		kind:   backendKind,
	}
}

// Map resolves an alias. `big` and `small` hit the configured table, strings
// that already name a Claude version pass through, anything else falls back
// to the big model. The OpenAI-compatible backend gets the configured
// namespace prefix applied; the passthrough backend gets it stripped.
func (m *Mapper) Map(alias string) Resolution {
	resolved := m.resolve(alias)

	switch m.kind {
	case config.BackendOpenAICompatible:
		if m.prefix != "" && !strings.HasPrefix(resolved, m.prefix) {
			resolved = m.prefix + resolved
		}
	case config.BackendAnthropicPassthrough:
		if m.prefix != "" {
			resolved = strings.TrimPrefix(resolved, m.prefix)
		}
	}
	return Resolution{Resolved: resolved, Original: alias}
}

func (m *Mapper) resolve(alias string) string {
	switch strings.ToLower(strings.TrimSpace(alias)) {
	case AliasBig:
		return m.big
	case AliasSmall:
		return m.small
	}
	bare := alias
	if m.prefix != "" {
		bare = strings.TrimPrefix(bare, m.prefix)
	}
	if strings.HasPrefix(strings.ToLower(bare), "claude-") {
		return bare
	}
	return m.big
}

// Apply performs the one sanctioned request mutation: OriginalModel records
// the caller's input and Model is rewritten to the resolved identifier.
func (m *Mapper) Apply(req *wire.MessagesRequest) Resolution {
	res := m.Map(req.Model)
	req.OriginalModel = res.Original
	req.Model = res.Resolved
	return res
}

// EndpointName derives the Databricks serving-endpoint name for a resolved
// model by prepending the configured endpoint prefix unless the model already
// carries it.
func EndpointName(resolved, endpointPrefix string) string {
	if endpointPrefix == "" || strings.HasPrefix(resolved, endpointPrefix) {
		return resolved
	}
	return endpointPrefix + resolved
}
