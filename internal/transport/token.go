package transport

// TokenSource provides the bearer credential used to authenticate the
// transport handshake and REST calls. An empty string means no credential.
type TokenSource interface {
	Token() string
}

// StaticToken is a TokenSource backed by a fixed string, typically loaded
// from configuration.
type StaticToken string

func (s StaticToken) Token() string { return string(s) }
