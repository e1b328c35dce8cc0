package storage

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/example/provider-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveOffer(ctx context.Context, o models.Offer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offers(id, request_id, provider_id, score, state, offered_at, expires_at, responded_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, responded_at = EXCLUDED.responded_at`,
		o.ID, o.RequestID, o.ProviderID, o.Score, o.State, o.OfferedAt, o.ExpiresAt, o.RespondedAt)
	return err
}

func (p *PostgresStore) SaveMatch(ctx context.Context, m models.Match) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO matches(request_id, provider_id, offer_id, matched_at)
		VALUES($1,$2,$3,$4)
		ON CONFLICT (request_id) DO NOTHING`,
		m.RequestID, m.ProviderID, m.OfferID, m.MatchedAt)
	return err
}

func (p *PostgresStore) SaveRequest(ctx context.Context, r models.ServiceRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO requests(id, customer_id, lat, lon, service_type, urgency, state, search_radius_miles, max_radius_miles, cancel_reason, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			search_radius_miles = EXCLUDED.search_radius_miles,
			cancel_reason = EXCLUDED.cancel_reason,
			updated_at = EXCLUDED.updated_at`,
		r.ID, r.CustomerID, r.Location.Lat, r.Location.Lon, r.Service.Type, r.Service.Urgency,
		r.State, r.SearchRadiusMiles, r.MaxRadiusMiles, r.CancelReason, r.CreatedAt, r.UpdatedAt)
	return err
}
