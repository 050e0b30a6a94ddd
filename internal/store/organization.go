package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ domain.OrganizationStore = (*OrganizationStore)(nil)

type OrganizationStore struct {
	db *pgxpool.Pool
}

func NewOrganizationStore(db *pgxpool.Pool) *OrganizationStore {
	return &OrganizationStore{db: db}
}

func (s *OrganizationStore) Create(ctx context.Context, o *domain.Organization) error {
	var limitsJSON []byte
	if o.CustomLimits != nil {
		b, err := json.Marshal(o.CustomLimits)
		if err != nil {
			return fmt.Errorf("marshal custom_limits: %w", err)
		}
		limitsJSON = b
	}
	if o.SubscriptionTier == "" {
		o.SubscriptionTier = domain.TierFree
	}

	err := s.db.QueryRow(ctx,
		`INSERT INTO organizations (name, api_key_hash, subscription_tier, custom_limits)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at, updated_at`,
		o.Name, o.APIKeyHash, string(o.SubscriptionTier), limitsJSON,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (s *OrganizationStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Organization, error) {
	return s.getOne(ctx,
		`SELECT id, name, api_key_hash, subscription_tier, custom_limits, created_at, updated_at
		 FROM organizations WHERE id = $1`, id)
}

func (s *OrganizationStore) GetByAPIKeyHash(ctx context.Context, apiKeyHash string) (*domain.Organization, error) {
	return s.getOne(ctx,
		`SELECT id, name, api_key_hash, subscription_tier, custom_limits, created_at, updated_at
		 FROM organizations WHERE api_key_hash = $1`, apiKeyHash)
}

func (s *OrganizationStore) getOne(ctx context.Context, query string, arg any) (*domain.Organization, error) {
	o := &domain.Organization{}
	var tier string
	var limitsJSON []byte
	err := s.db.QueryRow(ctx, query, arg).
		Scan(&o.ID, &o.Name, &o.APIKeyHash, &tier, &limitsJSON, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	o.SubscriptionTier = domain.SubscriptionTier(tier)
	if len(limitsJSON) > 0 {
		var l domain.ResourceLimits
		if err := json.Unmarshal(limitsJSON, &l); err != nil {
			return nil, fmt.Errorf("unmarshal custom_limits: %w", err)
		}
		o.CustomLimits = &l
	}
	return o, nil
}
