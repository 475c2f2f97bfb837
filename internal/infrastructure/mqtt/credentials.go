package mqtt

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/elex-project/mosquitto-examples/internal/infrastructure/config"
)

const (
	// jwtUsername is sent when the broker ignores the username in JWT mode.
	jwtUsername = "unused"

	// jwtRefreshMargin is how much validity a cached token must have left to be reused.
	jwtRefreshMargin = time.Minute

	defaultJWTTTL = time.Hour
)

// CredentialsProvider mints a JWT as the broker password.
//
// Paho calls Credentials on every connection attempt. A token is reused
// while it has more than a minute of validity left.
type CredentialsProvider struct {
	username string
	subject  string
	audience string
	ttl      time.Duration
	method   jwt.SigningMethod
	key      any

	now func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
	lastErr error
}

// NewCredentialsProvider builds a provider from the auth section of the config.
//
// The token is signed RS256 or ES256 with the PEM key at auth.jwt.key_file
// when set, otherwise HS256 with auth.jwt.secret.
func NewCredentialsProvider(auth config.MQTTAuthConfig, clientID string) (*CredentialsProvider, error) {
	p := &CredentialsProvider{
		username: auth.Username,
		subject:  clientID,
		audience: auth.JWT.Audience,
		ttl:      time.Duration(auth.JWT.TTL) * time.Second,
		now:      time.Now,
	}
	if p.username == "" {
		p.username = jwtUsername
	}
	if p.ttl <= 0 {
		p.ttl = defaultJWTTTL
	}

	switch {
	case auth.JWT.KeyFile != "":
		data, err := os.ReadFile(auth.JWT.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: reading key file: %w", ErrCredentials, err)
		}
		if key, err := jwt.ParseRSAPrivateKeyFromPEM(data); err == nil {
			p.method, p.key = jwt.SigningMethodRS256, key
			break
		}
		key, err := jwt.ParseECPrivateKeyFromPEM(data)
		if err != nil {
			return nil, fmt.Errorf("%w: key file is neither an RSA nor an EC private key", ErrCredentials)
		}
		p.method, p.key = jwt.SigningMethodES256, key
	case auth.JWT.Secret != "":
		p.method, p.key = jwt.SigningMethodHS256, []byte(auth.JWT.Secret)
	default:
		return nil, fmt.Errorf("%w: jwt mode needs auth.jwt.secret or auth.jwt.key_file", ErrCredentials)
	}

	return p, nil
}

// Token returns a valid token, minting a new one when the cached one is
// missing or about to expire.
func (p *CredentialsProvider) Token() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.token != "" && p.expires.Sub(now) > jwtRefreshMargin {
		return p.token, nil
	}

	expires := now.Add(p.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   p.subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	if p.audience != "" {
		claims.Audience = jwt.ClaimStrings{p.audience}
	}

	signed, err := jwt.NewWithClaims(p.method, claims).SignedString(p.key)
	if err != nil {
		p.lastErr = fmt.Errorf("%w: signing token: %w", ErrCredentials, err)
		return "", p.lastErr
	}

	p.token = signed
	p.expires = expires
	p.lastErr = nil
	return signed, nil
}

// Credentials implements pahomqtt.CredentialsProvider.
//
// Paho gives no way to return an error, so a signing failure yields an
// empty password that the broker will reject. LastError reports it.
func (p *CredentialsProvider) Credentials() (username string, password string) {
	token, err := p.Token()
	if err != nil {
		return p.username, ""
	}
	return p.username, token
}

// LastError returns the error from the most recent failed signing, if any.
func (p *CredentialsProvider) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// errNoCredentials is used when auth.mode names an unknown mode.
var errNoCredentials = errors.New("unknown auth mode")
