package tokens

import (
	"context"
	"sync"
	"time"

	"github.com/lumehealth/lume-sync/pkg/gateway"
	"github.com/lumehealth/lume-sync/pkg/models"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

// isTerminalRefreshError reports whether the refresh endpoint rejected the
// token outright (4xx) rather than failing transiently.
func isTerminalRefreshError(err error) bool {
	var pe *gateway.PermanentError
	return errors.As(err, &pe)
}

// Refresher exchanges a refresh token for a rotated pair. Satisfied by
// gateway.Client.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error)
}

// TerminalFunc is invoked when a refresh fails permanently, after the
// session row has been deleted. The session manager uses it to tear the
// user's dispatcher down.
type TerminalFunc func(userID string)

type flight struct {
	done chan struct{}
	pair *models.TokenPair
	err  error
}

// Coordinator guarantees at most one refresh call in flight per user, no
// matter how many concurrent callers observe an expired or rejected access
// token. Refresh tokens are single-use, so two concurrent refreshes would
// invalidate each other; single-flight removes that race entirely, which in
// turn means any refresh failure is a genuine revocation rather than an
// artifact of racing.
type Coordinator struct {
	sessions   *Service
	refresher  Refresher
	onTerminal TerminalFunc
	log        logger.Logger

	mu      sync.Mutex
	flights map[string]*flight
}

func NewCoordinator(sessions *Service, refresher Refresher) *Coordinator {
	return &Coordinator{
		sessions:  sessions,
		refresher: refresher,
		log:       logger.New(),
		flights:   map[string]*flight{},
	}
}

// OnTerminal registers the teardown callback. Set once at wiring time,
// before any dispatcher runs.
func (c *Coordinator) OnTerminal(fn TerminalFunc) {
	c.onTerminal = fn
}

// AccessToken returns a usable access token for the user, refreshing first
// if the current one is at or past its exp claim.
func (c *Coordinator) AccessToken(ctx context.Context, userID string) (string, error) {
	sess, err := c.sessions.RetrieveSession(ctx, userID)
	if err != nil {
		return "", err
	}
	if !Expired(sess.AccessToken, time.Now()) {
		return sess.AccessToken, nil
	}
	return c.RefreshAccessToken(ctx, userID, sess.AccessToken)
}

// RefreshAccessToken returns a fresh access token. staleToken is the token
// the caller just saw fail; if the stored token already differs, some other
// caller finished a refresh in the meantime and the stored one is returned
// without a network call. Otherwise the caller either joins the in-flight
// refresh or starts one.
func (c *Coordinator) RefreshAccessToken(ctx context.Context, userID, staleToken string) (string, error) {
	c.mu.Lock()
	if f, ok := c.flights[userID]; ok {
		c.mu.Unlock()
		return c.await(ctx, f)
	}
	f := &flight{done: make(chan struct{})}
	c.flights[userID] = f
	c.mu.Unlock()

	// Cleanup must run no matter how the refresh exits: a leaked flight
	// would wedge every future caller for this user.
	defer func() {
		c.mu.Lock()
		delete(c.flights, userID)
		c.mu.Unlock()
		close(f.done)
	}()

	f.pair, f.err = c.refresh(ctx, userID, staleToken)
	if f.err != nil {
		return "", f.err
	}
	return f.pair.AccessToken, nil
}

func (c *Coordinator) await(ctx context.Context, f *flight) (string, error) {
	select {
	case <-ctx.Done():
		return "", errors.WithStack(ctx.Err())
	case <-f.done:
	}
	if f.err != nil {
		return "", f.err
	}
	return f.pair.AccessToken, nil
}

func (c *Coordinator) refresh(ctx context.Context, userID, staleToken string) (*models.TokenPair, error) {
	sess, err := c.sessions.RetrieveSession(ctx, userID)
	if err != nil {
		return nil, err
	}

	// A refresh that completed between the caller's failure and this flight
	// already rotated the pair; don't burn the new refresh token.
	if staleToken != "" && sess.AccessToken != staleToken {
		return &models.TokenPair{AccessToken: sess.AccessToken, RefreshToken: sess.RefreshToken}, nil
	}

	pair, err := c.refresher.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		if isTerminalRefreshError(err) {
			c.log.Err(err).Warn("refresh token revoked, tearing down session", logger.Data{"user_id": userID})
			if derr := c.sessions.DeleteSession(ctx, userID); derr != nil {
				c.log.Err(derr).Error("failed to delete session after terminal refresh failure")
			}
			if c.onTerminal != nil {
				c.onTerminal(userID)
			}
		}
		return nil, err
	}

	if _, err := c.sessions.SaveSession(ctx, userID, *pair); err != nil {
		return nil, err
	}
	return pair, nil
}
