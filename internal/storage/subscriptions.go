package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"aniwatch/internal/catalog"
)

// Subscribe records a user's interest in an item.
//
// Returns false when the item does not exist or the subscription is already
// present; neither case is an error. The check-and-insert runs in one
// transaction so a failed insert leaves no partial state.
func (s *Store) Subscribe(ctx context.Context, userID, itemID int64) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin subscribe: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM anime WHERE id = ?`, itemID); err != nil {
		return false, fmt.Errorf("check item: %w", err)
	}
	if exists == 0 {
		return false, nil
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO subscriptions(user_id, anime_id, created_at) VALUES (?, ?, ?)`,
		userID, itemID, s.now())
	if err != nil {
		return false, fmt.Errorf("insert subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit subscribe: %w", err)
	}
	return n > 0, nil
}

// Unsubscribe removes a subscription; false when none existed.
func (s *Store) Unsubscribe(ctx context.Context, userID, itemID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE user_id = ? AND anime_id = ?`, userID, itemID)
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SubscriptionsFor lists the items a user is subscribed to, oldest first.
func (s *Store) SubscriptionsFor(ctx context.Context, userID int64) ([]catalog.Item, error) {
	const q = `
		SELECT a.* FROM anime a
		JOIN subscriptions s ON s.anime_id = a.id
		WHERE s.user_id = ?
		ORDER BY s.id;`
	items := []catalog.Item{}
	if err := s.db.SelectContext(ctx, &items, q, userID); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return items, nil
}

// Subscribers returns the user ids subscribed to an item. Order is not
// meaningful; the result feeds notification fan-out only.
func (s *Store) Subscribers(ctx context.Context, itemID int64) ([]int64, error) {
	const q = `SELECT user_id FROM subscriptions WHERE anime_id = ?;`
	ids := []int64{}
	if err := s.db.SelectContext(ctx, &ids, q, itemID); err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	return ids, nil
}

func (s *Store) IsSubscribed(ctx context.Context, userID, itemID int64) (bool, error) {
	const q = `SELECT 1 FROM subscriptions WHERE user_id = ? AND anime_id = ?;`
	var one int
	err := s.db.GetContext(ctx, &one, q, userID, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check subscription: %w", err)
	}
	return true, nil
}
