package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/studyhall/collab/config"
	"github.com/studyhall/collab/globals"
	"github.com/studyhall/collab/types"
)

// OIDCVerifier verifies ID tokens against the configured OpenID Connect
// providers. The token is expected as "<provider>:<id-token>"; with a single
// configured provider the prefix may be omitted.
// The user id is the "email" claim of the verified token.
type OIDCVerifier struct {
	cfg *config.Config
}

func NewOIDCVerifier(cfg *config.Config) *OIDCVerifier {
	return &OIDCVerifier{cfg: cfg}
}

func (v *OIDCVerifier) Verify(ctx context.Context, token string) (string, error) {
	providerName, idToken := splitToken(token)
	if idToken == "" || len(v.cfg.OIDCConfigs) == 0 {
		return "", fmt.Errorf("%w: no token or no provider configured", types.ErrAuthentication)
	}
	var oidcConf *config.OIDCConfig
	for i, c := range v.cfg.OIDCConfigs {
		if c.Name == providerName || (providerName == "" && len(v.cfg.OIDCConfigs) == 1) {
			oidcConf = &v.cfg.OIDCConfigs[i]
			break
		}
	}
	if oidcConf == nil {
		globals.AppLogger.Debug("no oidc config found for provider", "provider", providerName)
		return "", fmt.Errorf("%w: unknown provider %q", types.ErrAuthentication, providerName)
	}
	provider, err := oidc.NewProvider(ctx, oidcConf.ProviderUrl)
	if err != nil {
		return "", fmt.Errorf("%w: %s", types.ErrAuthentication, err)
	}
	conf := oidc.Config{}
	if oidcConf.ClientId == "" {
		conf.SkipClientIDCheck = true
	} else {
		conf.ClientID = oidcConf.ClientId
	}
	verifiedIdToken, err := provider.Verifier(&conf).Verify(ctx, idToken)
	if err != nil {
		globals.AppLogger.Debug("token verification failed", "error", err)
		return "", fmt.Errorf("%w: %s", types.ErrAuthentication, err)
	}
	claims := struct {
		Email string `json:"email"`
	}{}
	if err := verifiedIdToken.Claims(&claims); err != nil {
		return "", fmt.Errorf("%w: %s", types.ErrAuthentication, err)
	}
	if claims.Email == "" {
		return "", fmt.Errorf("%w: empty e-mail claim", types.ErrAuthentication)
	}
	return claims.Email, nil
}

func splitToken(token string) (provider, idToken string) {
	if idx := strings.IndexByte(token, ':'); idx >= 0 {
		return token[:idx], token[idx+1:]
	}
	return "", token
}
