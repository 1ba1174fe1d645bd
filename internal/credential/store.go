package credential

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/zombor/receipt-reconciler/internal/failure"
)

const (
	// DefaultSafetyMargin is how long before expiry a token is treated as stale
	DefaultSafetyMargin = 60 * time.Second
	// DefaultRefreshTimeout bounds a single refresh call
	DefaultRefreshTimeout = 30 * time.Second
)

// Refresher exchanges a refresh token for a new token set
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Store owns the storage-provider credential set and hands out valid access tokens
type Store struct {
	source    Source
	refresher Refresher
	margin    time.Duration
	timeout   time.Duration
	now       func() time.Time

	mu      sync.Mutex
	seed    *oauth2.Token
	current *oauth2.Token
	group   singleflight.Group
}

// Option configures a Store
type Option func(*Store)

// WithSafetyMargin overrides DefaultSafetyMargin
func WithSafetyMargin(d time.Duration) Option {
	return func(s *Store) { s.margin = d }
}

// WithRefreshTimeout overrides DefaultRefreshTimeout
func WithRefreshTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// WithClock sets the time source (for testing)
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store seeded from source
func NewStore(source Source, refresher Refresher, opts ...Option) *Store {
	s := &Store{
		source:    source,
		refresher: refresher,
		margin:    DefaultSafetyMargin,
		timeout:   DefaultRefreshTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidToken returns an access token that is not within the safety margin of
// expiry, refreshing it first if needed. Concurrent callers share one refresh.
func (s *Store) ValidToken(ctx context.Context) (*oauth2.Token, error) {
	tok, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if s.usable(tok) {
		return copyToken(tok), nil
	}

	ch := s.group.DoChan("refresh", func() (interface{}, error) {
		return s.refresh(ctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return copyToken(res.Val.(*oauth2.Token)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Token implements oauth2.TokenSource
func (s *Store) Token() (*oauth2.Token, error) {
	return s.ValidToken(context.Background())
}

// load returns the cached token, adopting new seed credentials when the source changed
func (s *Store) load(ctx context.Context) (*oauth2.Token, error) {
	var seed *oauth2.Token
	if s.source != nil {
		var err error
		seed, err = s.source.Credentials(ctx)
		if err != nil {
			return nil, failure.NewAuth(failure.Unauthenticated, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if seed != nil && seed != s.seed {
		s.seed = seed
		s.current = copyToken(seed)
	}
	if s.current == nil {
		return nil, failure.NewAuth(failure.Unauthenticated, nil)
	}
	return s.current, nil
}

func (s *Store) usable(tok *oauth2.Token) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}
	if tok.Expiry.IsZero() {
		return true
	}
	return s.now().Add(s.margin).Before(tok.Expiry)
}

func (s *Store) refresh(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	seed, current := s.seed, s.current
	s.mu.Unlock()

	if s.usable(current) {
		return current, nil
	}
	if current == nil || current.RefreshToken == "" {
		return nil, failure.NewAuth(failure.Unauthenticated, nil)
	}
	if s.refresher == nil {
		return nil, failure.NewAuth(failure.RefreshFailed, nil)
	}

	// the refresh outlives the caller that triggered it; other waiters share it
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	slog.Info("Refreshing storage credentials", "expiry", current.Expiry)
	fresh, err := s.refresher.Refresh(rctx, current.RefreshToken)
	if err != nil {
		slog.Error("Credential refresh failed", "error", err)
		return nil, failure.NewAuth(failure.RefreshFailed, err)
	}
	if fresh == nil || fresh.AccessToken == "" {
		return nil, failure.NewAuth(failure.RefreshFailed, nil)
	}

	updated := copyToken(fresh)
	if updated.RefreshToken == "" {
		updated.RefreshToken = current.RefreshToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// new session credentials arrived while refreshing; they win
	if s.seed != seed {
		return s.current, nil
	}
	s.current = updated
	return updated, nil
}

func copyToken(tok *oauth2.Token) *oauth2.Token {
	if tok == nil {
		return nil
	}
	cp := *tok
	return &cp
}
