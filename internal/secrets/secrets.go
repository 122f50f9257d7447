// Package secrets supplies the upstream API key, either fixed at startup or
// fetched from an SSM SecureString and refreshed in the background.
package secrets

// Source yields the current secret value. An empty value means no secret is configured.
type Source interface {
	Value() string
}

// Static is a Source that never changes
type Static string

func (s Static) Value() string { return string(s) }
