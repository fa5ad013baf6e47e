package session

import (
	"context"
	"sync"

	"github.com/lumehealth/lume-sync/pkg/config"
	"github.com/lumehealth/lume-sync/pkg/dispatcher"
	"github.com/lumehealth/lume-sync/pkg/errcodes"
	"github.com/lumehealth/lume-sync/pkg/models"
	"github.com/lumehealth/lume-sync/pkg/notify"
	"github.com/lumehealth/lume-sync/pkg/outbox"
	"github.com/lumehealth/lume-sync/pkg/records"
	"github.com/lumehealth/lume-sync/pkg/tokens"
	"github.com/robinjoseph08/golib/logger"
)

// Manager owns the per-user session lifecycle: the durable token pair and
// the dispatcher goroutine that drains the user's outbox. Login starts
// syncing, logout stops it; the outbox itself stays durable across both.
type Manager struct {
	cfg      *config.Config
	log      logger.Logger
	sessions *tokens.Service
	coord    *tokens.Coordinator

	recordsService *records.Service
	outboxService  *outbox.Service
	notifier       *notify.Notifier
	gateway        dispatcher.Gateway

	mu          sync.Mutex
	dispatchers map[string]*dispatcher.Dispatcher
}

func NewManager(cfg *config.Config, sessions *tokens.Service, coord *tokens.Coordinator, recordsService *records.Service, outboxService *outbox.Service, notifier *notify.Notifier, gw dispatcher.Gateway) *Manager {
	m := &Manager{
		cfg:            cfg,
		log:            logger.New(),
		sessions:       sessions,
		coord:          coord,
		recordsService: recordsService,
		outboxService:  outboxService,
		notifier:       notifier,
		gateway:        gw,
		dispatchers:    map[string]*dispatcher.Dispatcher{},
	}

	// A permanently rejected refresh token means the session is over no
	// matter what the user was doing.
	coord.OnTerminal(m.teardown)

	return m
}

// Login persists the token pair and starts the user's dispatcher. Logging
// in again with fresh tokens just replaces the pair; the running dispatcher
// is kept.
func (m *Manager) Login(ctx context.Context, userID string, pair models.TokenPair) error {
	if _, err := m.sessions.SaveSession(ctx, userID, pair); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.dispatchers[userID]; running {
		return nil
	}

	d := dispatcher.New(m.cfg, userID, m.recordsService, m.outboxService, m.notifier, m.gateway, m.coord)
	d.OnAuthFailure(m.teardown)
	m.dispatchers[userID] = d
	d.Start()

	m.log.Info("session started", logger.Data{"user_id": userID})
	return nil
}

// Logout stops the dispatcher and deletes the stored token pair. Pending
// outbox events and records are left untouched: they belong to the data,
// not the session, and the next login resumes them.
func (m *Manager) Logout(ctx context.Context, userID string) error {
	m.mu.Lock()
	d, running := m.dispatchers[userID]
	delete(m.dispatchers, userID)
	m.mu.Unlock()

	if !running {
		return errcodes.NotFound("Session")
	}
	d.Stop()

	if err := m.sessions.DeleteSession(ctx, userID); err != nil {
		return err
	}

	m.log.Info("session ended", logger.Data{"user_id": userID})
	return nil
}

// LoggedIn reports whether a dispatcher is running for the user.
func (m *Manager) LoggedIn(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, running := m.dispatchers[userID]
	return running
}

// Resume restarts dispatchers for every session that survived a process
// restart. Called once at startup, after crash recovery has reset stuck
// events.
func (m *Manager) Resume(ctx context.Context) error {
	userIDs, err := m.sessions.ListUserIDs(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, userID := range userIDs {
		if _, running := m.dispatchers[userID]; running {
			continue
		}
		d := dispatcher.New(m.cfg, userID, m.recordsService, m.outboxService, m.notifier, m.gateway, m.coord)
		d.OnAuthFailure(m.teardown)
		m.dispatchers[userID] = d
		d.Start()
		m.log.Info("session resumed", logger.Data{"user_id": userID})
	}
	return nil
}

// Shutdown stops every dispatcher and waits for their in-flight batches.
// Sessions stay stored; the next start resumes them.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ds := make([]*dispatcher.Dispatcher, 0, len(m.dispatchers))
	for userID, d := range m.dispatchers {
		ds = append(ds, d)
		delete(m.dispatchers, userID)
	}
	m.mu.Unlock()

	for _, d := range ds {
		d.Stop()
	}
}

// teardown force-ends a session whose credentials are beyond recovery. The
// session row may already be gone (the coordinator deletes it on terminal
// refresh failures); stopping the dispatcher is what matters here.
func (m *Manager) teardown(userID string) {
	m.mu.Lock()
	d, running := m.dispatchers[userID]
	delete(m.dispatchers, userID)
	m.mu.Unlock()

	if running {
		// Stop on its own goroutine: teardown can be called from inside the
		// dispatcher's loop, and Stop waits for that loop to exit.
		go d.Stop()
	}

	if err := m.sessions.DeleteSession(context.Background(), userID); err != nil {
		m.log.Err(err).Error("delete session on teardown error", logger.Data{"user_id": userID})
	}

	m.log.Warn("session torn down, login required", logger.Data{"user_id": userID})
}
