package config

import "github.com/glorpus-work/dataget/pkg/auth"

// AuthConfig holds the authentication configured for one host.
type AuthConfig struct {
	BasicAuth  *BasicAuth  `yaml:"basic,omitempty"`
	HeaderAuth *HeaderAuth `yaml:"header,omitempty"`
	BearerAuth *BearerAuth `yaml:"bearer,omitempty"`
}

// BasicAuth holds configuration for HTTP Basic Authentication.
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// HeaderAuth holds configuration for custom header-based authentication.
type HeaderAuth struct {
	Headers map[string]string `yaml:"headers"`
}

// BearerAuth holds configuration for Bearer token authentication.
type BearerAuth struct {
	Token string `yaml:"token"`
}

// ToAuthenticator converts the BasicAuth configuration to an Authenticator.
func (b *BasicAuth) ToAuthenticator() auth.Authenticator {
	return &auth.BasicAuth{
		Username: b.Username,
		Password: b.Password,
	}
}

// ToAuthenticator converts the HeaderAuth configuration to an Authenticator.
func (h *HeaderAuth) ToAuthenticator() auth.Authenticator {
	return &auth.HeaderAuth{
		Headers: h.Headers,
	}
}

// ToAuthenticator converts the BearerAuth configuration to an Authenticator.
func (b *BearerAuth) ToAuthenticator() auth.Authenticator {
	return &auth.BearerAuth{
		Token: b.Token,
	}
}

// ToAuthenticator picks the configured mechanism for the host. Returns nil
// when nothing is configured.
func (a *AuthConfig) ToAuthenticator() auth.Authenticator {
	switch {
	case a == nil:
		return nil
	case a.BasicAuth != nil:
		return a.BasicAuth.ToAuthenticator()
	case a.HeaderAuth != nil:
		return a.HeaderAuth.ToAuthenticator()
	case a.BearerAuth != nil:
		return a.BearerAuth.ToAuthenticator()
	default:
		return nil
	}
}

// ToAuthMap converts the per-host authentication configurations to a map of
// host names to Authenticators. Returns nil if none are configured.
func (c *Config) ToAuthMap() map[string]auth.Authenticator {
	results := make(map[string]auth.Authenticator, len(c.Auth))
	for host, cfg := range c.Auth {
		if authn := cfg.ToAuthenticator(); authn != nil {
			results[host] = authn
		}
	}
	if len(results) == 0 {
		return nil
	}
	return results
}
