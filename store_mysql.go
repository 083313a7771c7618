package clicktracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore implements Store on MySQL.
type MySQLStore struct {
	DB *sql.DB
}

// NewMySQLStore creates a MySQL store. The DSN should carry parseTime=true.
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{DB: db}
}

func (s *MySQLStore) Description() string {
	return "MySQLStore"
}

// Setup creates the campaigns and counters tables.
func (s *MySQLStore) Setup(ctx context.Context) error {
	if s.DB == nil {
		return fmt.Errorf("mysql store requires DB")
	}
	_, err := s.DB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS campaigns (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		link TEXT NOT NULL,
		create_date DATETIME(6) NOT NULL,
		update_date DATETIME(6) NULL
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

func (s *MySQLStore) CreateCampaign(ctx context.Context, campaign *Campaign, platforms []string, shardCount int) error {
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
		`INSERT INTO campaigns (name, link, create_date) VALUES (?, ?, ?);`,
		campaign.Name, campaign.Link, now)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for _, platform := range platforms {
		for shard := 0; shard < shardCount; shard++ {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO counters (campaign_id, platform, shard, count) VALUES (?, ?, ?, 0);`,
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

func (s *MySQLStore) GetCampaign(ctx context.Context, id int64) (*Campaign, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, name, link, create_date, update_date FROM campaigns WHERE id = ?;`, id)
	return scanCampaign(row)
}

func (s *MySQLStore) UpdateCampaign(ctx context.Context, campaign *Campaign, platforms []string, shardCount int) error {
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
	// MySQL reports 0 affected rows for no-op updates, so existence is
	// checked explicitly instead of via RowsAffected.
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns WHERE id = ?;`, campaign.ID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrCampaignNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE campaigns SET name = ?, link = ?, update_date = ? WHERE id = ?;`,
		campaign.Name, campaign.Link, now, campaign.ID); err != nil {
		return err
	}
	for _, platform := range platforms {
		for shard := 0; shard < shardCount; shard++ {
			if _, err := tx.ExecContext(ctx,
				`INSERT IGNORE INTO counters (campaign_id, platform, shard, count) VALUES (?, ?, ?, 0);`,
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

func (s *MySQLStore) DeleteCampaign(ctx context.Context, id int64) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM campaigns WHERE id = ?;`, id)
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
	if _, err := tx.ExecContext(ctx, `DELETE FROM counters WHERE campaign_id = ?;`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *MySQLStore) ListCampaigns(ctx context.Context) ([]Campaign, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, name, link, create_date, update_date FROM campaigns ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	return scanCampaigns(rows)
}

func (s *MySQLStore) CampaignsForPlatform(ctx context.Context, platform string) ([]Campaign, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT DISTINCT c.id, c.name, c.link, c.create_date, c.update_date
		 FROM campaigns c JOIN counters ct ON ct.campaign_id = c.id
		 WHERE ct.platform = ? ORDER BY c.id;`, platform)
	if err != nil {
		return nil, err
	}
	return scanCampaigns(rows)
}

func (s *MySQLStore) Platforms(ctx context.Context, campaignID int64) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT DISTINCT platform FROM counters WHERE campaign_id = ? ORDER BY platform;`, campaignID)
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
func (s *MySQLStore) AddToCounter(ctx context.Context, key CounterKey, delta int64) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE counters SET count = count + ? WHERE campaign_id = ? AND platform = ? AND shard = ?;`,
		delta, key.CampaignID, key.Platform, key.Shard)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, ErrCounterNotFound
	}
	var count int64
	err = tx.QueryRowContext(ctx,
		`SELECT count FROM counters WHERE campaign_id = ? AND platform = ? AND shard = ?;`,
		key.CampaignID, key.Platform, key.Shard).Scan(&count)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *MySQLStore) SumCounters(ctx context.Context, key LogicalKey) (int64, error) {
	var rows int64
	var sum sql.NullInt64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(count) FROM counters WHERE campaign_id = ? AND platform = ?;`,
		key.CampaignID, key.Platform).Scan(&rows, &sum)
	if err != nil {
		return 0, err
	}
	if rows == 0 {
		return 0, ErrCounterNotFound
	}
	return sum.Int64, nil
}

func (s *MySQLStore) SumPlatform(ctx context.Context, platform string) (int64, error) {
	var sum sql.NullInt64
	err := s.DB.QueryRowContext(ctx,
		`SELECT SUM(count) FROM counters WHERE platform = ?;`, platform).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum.Int64, nil
}
