package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// ticketTTL is how long a WebSocket ticket is valid.
	ticketTTL = 60 * time.Second

	// ticketBytes is the number of random bytes used for WebSocket tickets.
	ticketBytes = 32

	// tokenIssuer is the iss claim of API tokens.
	tokenIssuer = "mqttc"
)

// ErrTokenInvalid is returned by ParseToken for a bad, expired or
// foreign token.
var ErrTokenInvalid = errors.New("api: invalid token")

// IssueToken creates an HS256 API token for subject, valid for ttl.
//
// Example:
//
//	token, err := api.IssueToken(cfg.Security.JWT.Secret, "ops", 24*time.Hour)
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%w: empty secret", ErrTokenInvalid)
	}
	if subject == "" {
		return "", fmt.Errorf("%w: empty subject", ErrTokenInvalid)
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing API token: %w", err)
	}
	return signed, nil
}

// ParseToken validates an API token and returns its claims.
// It checks the signature, expiry, issuer and subject.
func ParseToken(tokenString, secret string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	return claims, nil
}

// ticketStore holds pending WebSocket authentication tickets.
// Tickets are single-use and expire after ticketTTL.
type ticketStore struct {
	mu      sync.Mutex
	tickets map[string]ticketEntry
	now     func() time.Time
}

type ticketEntry struct {
	subject   string
	expiresAt time.Time
}

func newTicketStore() *ticketStore {
	return &ticketStore{
		tickets: make(map[string]ticketEntry),
		now:     time.Now,
	}
}

// issue creates a ticket for subject.
func (ts *ticketStore) issue(subject string) string {
	b := make([]byte, ticketBytes)
	//nolint:errcheck // crypto/rand.Read always returns len(b) on supported platforms
	rand.Read(b)
	ticket := hex.EncodeToString(b)

	ts.mu.Lock()
	ts.tickets[ticket] = ticketEntry{subject: subject, expiresAt: ts.now().Add(ticketTTL)}
	ts.mu.Unlock()
	return ticket
}

// redeem consumes a ticket and returns its subject.
func (ts *ticketStore) redeem(ticket string) (string, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	entry, ok := ts.tickets[ticket]
	if !ok {
		return "", false
	}
	delete(ts.tickets, ticket)

	if !ts.now().Before(entry.expiresAt) {
		return "", false
	}
	return entry.subject, true
}

// clean removes expired tickets.
func (ts *ticketStore) clean() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.now()
	for ticket, entry := range ts.tickets {
		if !now.Before(entry.expiresAt) {
			delete(ts.tickets, ticket)
		}
	}
}

func (ts *ticketStore) len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.tickets)
}

// cleanLoop runs clean periodically until the context is cancelled.
func (ts *ticketStore) cleanLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ts.clean()
		}
	}
}

// handleWSTicket generates a single-use WebSocket authentication ticket,
// so the bearer token never appears in a URL.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     s.tickets.issue(subjectFromContext(r.Context())),
		"expires_in": int(ticketTTL.Seconds()),
	})
}
