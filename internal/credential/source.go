package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// Source supplies the seed credentials the Store starts from. A Source
// returns (nil, nil) when it has nothing configured. A Source must return the
// same pointer until its credentials change.
type Source interface {
	Credentials(ctx context.Context) (*oauth2.Token, error)
	Name() string
}

// StaticSource is the process-wide fallback token supplied at startup
type StaticSource struct {
	token *oauth2.Token
}

// NewStaticSource creates a StaticSource. It returns nil when neither token is set.
func NewStaticSource(accessToken, refreshToken string, expiry time.Time) *StaticSource {
	if accessToken == "" && refreshToken == "" {
		return nil
	}
	return &StaticSource{token: &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		Expiry:       expiry,
	}}
}

func (s *StaticSource) Credentials(context.Context) (*oauth2.Token, error) {
	return s.token, nil
}

func (s *StaticSource) Name() string { return "process" }

// SessionSource holds a short-lived session-scoped token set at runtime
type SessionSource struct {
	mu    sync.RWMutex
	token *oauth2.Token
}

// NewSessionSource creates an empty SessionSource
func NewSessionSource() *SessionSource {
	return &SessionSource{}
}

// Set replaces the session token
func (s *SessionSource) Set(token *oauth2.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == nil {
		s.token = nil
		return
	}
	cp := *token
	s.token = &cp
}

func (s *SessionSource) Credentials(context.Context) (*oauth2.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

func (s *SessionSource) Name() string { return "session" }

// Precedence decides which source wins when both hold credentials
type Precedence string

const (
	PrecedenceUnset   Precedence = ""
	PrecedenceSession Precedence = "session-first"
	PrecedenceProcess Precedence = "process-first"
)

// ErrPrecedenceRequired is returned when both sources are configured without a precedence
var ErrPrecedenceRequired = errors.New("credential precedence must be set when both session and process credentials are configured")

// ParsePrecedence validates a configuration value
func ParsePrecedence(s string) (Precedence, error) {
	switch p := Precedence(s); p {
	case PrecedenceUnset, PrecedenceSession, PrecedenceProcess:
		return p, nil
	default:
		return "", fmt.Errorf("invalid credential precedence %q (want %q or %q)", s, PrecedenceSession, PrecedenceProcess)
	}
}

// Chain consults sources in precedence order and returns the first that has credentials
type Chain struct {
	sources []Source
}

// NewChain orders session and process sources. Either may be nil.
func NewChain(precedence Precedence, session, process Source) (*Chain, error) {
	switch {
	case isNil(session) && isNil(process):
		return &Chain{}, nil
	case isNil(session):
		return &Chain{sources: []Source{process}}, nil
	case isNil(process):
		return &Chain{sources: []Source{session}}, nil
	}

	switch precedence {
	case PrecedenceSession:
		return &Chain{sources: []Source{session, process}}, nil
	case PrecedenceProcess:
		return &Chain{sources: []Source{process, session}}, nil
	default:
		return nil, ErrPrecedenceRequired
	}
}

func (c *Chain) Credentials(ctx context.Context) (*oauth2.Token, error) {
	for _, src := range c.sources {
		tok, err := src.Credentials(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading %s credentials: %w", src.Name(), err)
		}
		if tok != nil {
			return tok, nil
		}
	}
	return nil, nil
}

func (c *Chain) Name() string { return "chain" }

// isNil catches typed nil pointers stored in the interface
func isNil(src Source) bool {
	switch s := src.(type) {
	case nil:
		return true
	case *StaticSource:
		return s == nil
	case *SessionSource:
		return s == nil
	default:
		return false
	}
}
