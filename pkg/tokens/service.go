package tokens

import (
	"context"
	"database/sql"
	"time"

	"github.com/lumehealth/lume-sync/pkg/errcodes"
	"github.com/lumehealth/lume-sync/pkg/models"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

// Service persists token pairs in the sessions table. Durability matters
// here: the refresh token is single-use, so losing a rotated pair would
// strand the session.
type Service struct {
	db *bun.DB
}

func NewService(db *bun.DB) *Service {
	return &Service{db}
}

func (svc *Service) RetrieveSession(ctx context.Context, userID string) (*models.Session, error) {
	sess := &models.Session{}
	err := svc.db.NewSelect().
		Model(sess).
		Where("s.user_id = ?", userID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcodes.NotFound("Session")
		}
		return nil, errors.WithStack(err)
	}
	return sess, nil
}

// ListUserIDs returns every user with a stored session, for resuming
// dispatchers after a restart.
func (svc *Service) ListUserIDs(ctx context.Context) ([]string, error) {
	userIDs := []string{}
	err := svc.db.NewSelect().
		Model((*models.Session)(nil)).
		Column("user_id").
		Order("user_id ASC").
		Scan(ctx, &userIDs)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return userIDs, nil
}

// SaveSession upserts the pair for a user. Called at login and after every
// successful refresh.
func (svc *Service) SaveSession(ctx context.Context, userID string, pair models.TokenPair) (*models.Session, error) {
	now := time.Now()
	sess := &models.Session{
		UserID:       userID,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := svc.db.NewInsert().
		Model(sess).
		On("CONFLICT (user_id) DO UPDATE").
		Set("access_token = EXCLUDED.access_token").
		Set("refresh_token = EXCLUDED.refresh_token").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return sess, nil
}

func (svc *Service) DeleteSession(ctx context.Context, userID string) error {
	_, err := svc.db.NewDelete().
		Model((*models.Session)(nil)).
		Where("user_id = ?", userID).
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	return nil
}
