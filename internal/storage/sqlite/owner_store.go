package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/store"
)

// CreateOwner inserts an owner profile.
func (s *Store) CreateOwner(ctx context.Context, o feedback.Owner) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO owners (id, company_name, website_domain, google_play_app_id, app_store_id,
			app_store_name, subreddit, twitter_query, country, language, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID.String(), o.CompanyName, o.WebsiteDomain, o.GooglePlayAppID, o.AppStoreID,
		o.AppStoreName, o.Subreddit, o.TwitterQuery, o.Country, o.Language,
		formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("sqlite: insert owner: %w", err)
	}
	return nil
}

// GetOwner loads an owner profile.
func (s *Store) GetOwner(ctx context.Context, id uuid.UUID) (feedback.Owner, error) {
	var (
		o                feedback.Owner
		created, updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT company_name, website_domain, google_play_app_id, app_store_id, app_store_name,
			subreddit, twitter_query, country, language, created_at, updated_at
		FROM owners WHERE id = ?`, id.String(),
	).Scan(&o.CompanyName, &o.WebsiteDomain, &o.GooglePlayAppID, &o.AppStoreID, &o.AppStoreName,
		&o.Subreddit, &o.TwitterQuery, &o.Country, &o.Language, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return feedback.Owner{}, store.ErrNotFound
		}
		return feedback.Owner{}, fmt.Errorf("sqlite: get owner: %w", err)
	}
	o.ID = id
	if o.CreatedAt, err = parseTime(created); err != nil {
		return feedback.Owner{}, err
	}
	if o.UpdatedAt, err = parseTime(updated); err != nil {
		return feedback.Owner{}, err
	}
	return o, nil
}

// UpdateOwner overwrites the profile fields.
func (s *Store) UpdateOwner(ctx context.Context, o feedback.Owner) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE owners
		SET company_name = ?, website_domain = ?, google_play_app_id = ?, app_store_id = ?,
			app_store_name = ?, subreddit = ?, twitter_query = ?, country = ?, language = ?,
			updated_at = ?
		WHERE id = ?`,
		o.CompanyName, o.WebsiteDomain, o.GooglePlayAppID, o.AppStoreID, o.AppStoreName,
		o.Subreddit, o.TwitterQuery, o.Country, o.Language, formatTime(o.UpdatedAt), o.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: update owner: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
