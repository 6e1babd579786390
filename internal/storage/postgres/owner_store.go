package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/store"
)

// CreateOwner inserts an owner profile.
func (s *Store) CreateOwner(ctx context.Context, o feedback.Owner) error {
	query := `
		INSERT INTO owners (
			id, company_name, website_domain, google_play_app_id, app_store_id,
			app_store_name, subreddit, twitter_query, country, language,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);`
	_, err := s.pool.Exec(ctx, query,
		o.ID,
		o.CompanyName,
		o.WebsiteDomain,
		o.GooglePlayAppID,
		o.AppStoreID,
		o.AppStoreName,
		o.Subreddit,
		o.TwitterQuery,
		o.Country,
		o.Language,
		o.CreatedAt,
		o.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("failed to create owner: %w", err)
	}
	return nil
}

// GetOwner loads an owner profile.
func (s *Store) GetOwner(ctx context.Context, id uuid.UUID) (feedback.Owner, error) {
	query := `
		SELECT id::text, company_name, website_domain, google_play_app_id, app_store_id,
			app_store_name, subreddit, twitter_query, country, language,
			created_at, updated_at
		FROM owners
		WHERE id = $1;`
	var (
		o     feedback.Owner
		rawID string
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&rawID,
		&o.CompanyName,
		&o.WebsiteDomain,
		&o.GooglePlayAppID,
		&o.AppStoreID,
		&o.AppStoreName,
		&o.Subreddit,
		&o.TwitterQuery,
		&o.Country,
		&o.Language,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return feedback.Owner{}, store.ErrNotFound
		}
		return feedback.Owner{}, fmt.Errorf("failed to get owner: %w", err)
	}
	parsed, err := uuid.Parse(rawID)
	if err != nil {
		return feedback.Owner{}, fmt.Errorf("parse owner id: %w", err)
	}
	o.ID = parsed
	return o, nil
}

// UpdateOwner overwrites the mutable profile fields. Ledgers are untouched.
func (s *Store) UpdateOwner(ctx context.Context, o feedback.Owner) error {
	query := `
		UPDATE owners
		SET company_name = $2, website_domain = $3, google_play_app_id = $4,
			app_store_id = $5, app_store_name = $6, subreddit = $7,
			twitter_query = $8, country = $9, language = $10, updated_at = $11
		WHERE id = $1;`
	res, err := s.pool.Exec(ctx, query,
		o.ID,
		o.CompanyName,
		o.WebsiteDomain,
		o.GooglePlayAppID,
		o.AppStoreID,
		o.AppStoreName,
		o.Subreddit,
		o.TwitterQuery,
		o.Country,
		o.Language,
		o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update owner: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
