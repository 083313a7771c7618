package clicktracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	DB *sql.DB
}

// NewPostgresStore creates a PostgreSQL store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{DB: db}
}

func (s *PostgresStore) Description() string {
	return "PostgresStore"
}

// Setup creates the campaigns and counters tables.
func (s *PostgresStore) Setup(ctx context.Context) error {
	if s.DB == nil {
		return fmt.Errorf("postgres store requires DB")
	}
	_, err := s.DB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS campaigns (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		link TEXT NOT NULL,
		create_date TIMESTAMPTZ NOT NULL,
		update_date TIMESTAMPTZ
	);`)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS counters (
		campaign_id BIGINT NOT NULL,
		platform VARCHAR(64) NOT NULL,
		shard INT NOT NULL,
		count BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (campaign_id, platform, shard)
	);`)
	return err
}

func (s *PostgresStore) CreateCampaign(ctx context.Context, campaign *Campaign, platforms []string, shardCount int) error {
	if shardCount < 1 {
		shardCount = 1
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	var id int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO campaigns (name, link, create_date) VALUES ($1, $2, $3) RETURNING id;`,
		campaign.Name, campaign.Link, now).Scan(&id)
	if err != nil {
		return err
	}
	for _, platform := range platforms {
		for shard := 0; shard < shardCount; shard++ {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO counters (campaign_id, platform, shard, count) VALUES ($1, $2, $3, 0);`,
				id, platform, shard); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	campaign.ID = id
	campaign.CreateDate = now
	campaign.UpdateDate = nil
	return nil
}

func (s *PostgresStore) GetCampaign(ctx context.Context, id int64) (*Campaign, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, name, link, create_date, update_date FROM campaigns WHERE id = $1;`, id)
	return scanCampaign(row)
}

func (s *PostgresStore) UpdateCampaign(ctx context.Context, campaign *Campaign, platforms []string, shardCount int) error {
	if shardCount < 1 {
		shardCount = 1
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE campaigns SET name = $1, link = $2, update_date = $3 WHERE id = $4;`,
		campaign.Name, campaign.Link, now, campaign.ID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrCampaignNotFound
	}
	for _, platform := range platforms {
		for shard := 0; shard < shardCount; shard++ {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO counters (campaign_id, platform, shard, count) VALUES ($1, $2, $3, 0)
				 ON CONFLICT (campaign_id, platform, shard) DO NOTHING;`,
				campaign.ID, platform, shard); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	campaign.UpdateDate = &now
	return nil
}

func (s *PostgresStore) DeleteCampaign(ctx context.Context, id int64) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1;`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrCampaignNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM counters WHERE campaign_id = $1;`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) ListCampaigns(ctx context.Context) ([]Campaign, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, name, link, create_date, update_date FROM campaigns ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	return scanCampaigns(rows)
}

func (s *PostgresStore) CampaignsForPlatform(ctx context.Context, platform string) ([]Campaign, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT DISTINCT c.id, c.name, c.link, c.create_date, c.update_date
		 FROM campaigns c JOIN counters ct ON ct.campaign_id = c.id
		 WHERE ct.platform = $1 ORDER BY c.id;`, platform)
	if err != nil {
		return nil, err
	}
	return scanCampaigns(rows)
}

func (s *PostgresStore) Platforms(ctx context.Context, campaignID int64) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT DISTINCT platform FROM counters WHERE campaign_id = $1 ORDER BY platform;`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var platforms []string
	for rows.Next() {
		var platform string
		if err := rows.Scan(&platform); err != nil {
			return nil, err
		}
		platforms = append(platforms, platform)
	}
	return platforms, rows.Err()
}

// AddToCounter runs the read-modify-write inside a transaction against one
// shard row.
func (s *PostgresStore) AddToCounter(ctx context.Context, key CounterKey, delta int64) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var count int64
	err = tx.QueryRowContext(ctx,
		`UPDATE counters SET count = count + $1
		 WHERE campaign_id = $2 AND platform = $3 AND shard = $4 RETURNING count;`,
		delta, key.CampaignID, key.Platform, key.Shard).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrCounterNotFound
	}
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *PostgresStore) SumCounters(ctx context.Context, key LogicalKey) (int64, error) {
	var rows int64
	var sum sql.NullInt64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(count) FROM counters WHERE campaign_id = $1 AND platform = $2;`,
		key.CampaignID, key.Platform).Scan(&rows, &sum)
	if err != nil {
		return 0, err
	}
	if rows == 0 {
		return 0, ErrCounterNotFound
	}
	return sum.Int64, nil
}

func (s *PostgresStore) SumPlatform(ctx context.Context, platform string) (int64, error) {
	var sum sql.NullInt64
	err := s.DB.QueryRowContext(ctx,
		`SELECT SUM(count) FROM counters WHERE platform = $1;`, platform).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum.Int64, nil
}
