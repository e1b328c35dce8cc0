package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/example/provider-dispatch/internal/models"
)

// Postgres reads provider profiles from the profiles database owned by
// the profile service. Skills are stored as a text array.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Get(ctx context.Context, providerID string) (models.ProviderProfile, error) {
	var (
		out       models.ProviderProfile
		rawSkills sql.NullString
	)
	row := p.db.QueryRowContext(ctx,
		`SELECT provider_id, array_to_string(skills, ','), rating, working_start_minute, working_end_minute
		   FROM provider_profiles WHERE provider_id = $1`, providerID)
	err := row.Scan(&out.ProviderID, &rawSkills, &out.Rating, &out.WorkingHours.StartMinute, &out.WorkingHours.EndMinute)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ProviderProfile{}, models.ErrNotFound
	}
	if err != nil {
		return models.ProviderProfile{}, fmt.Errorf("query provider profile: %w", err)
	}
	if rawSkills.Valid && rawSkills.String != "" {
		out.Skills = strings.Split(rawSkills.String, ",")
	}
	return out, nil
}
