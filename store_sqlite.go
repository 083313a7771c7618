package clicktracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on SQLite. Default backend for development
// and tests; a single writer makes the per-row transaction trivial.
type SQLiteStore struct {
	DB *sql.DB
}

// NewSQLiteStore creates a SQLite store.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{DB: db}
}

func (s *SQLiteStore) Description() string {
	return "SQLiteStore"
}

// Setup creates the campaigns and counters tables.
func (s *SQLiteStore) Setup(ctx context.Context) error {
	if s.DB == nil {
		return fmt.Errorf("sqlite store requires DB")
	}
	_, err := s.DB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS campaigns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		link TEXT NOT NULL,
		create_date TIMESTAMP NOT NULL,
		update_date TIMESTAMP
	);`)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS counters (
		campaign_id INTEGER NOT NULL,
		platform TEXT NOT NULL,
		shard INTEGER NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (campaign_id, platform, shard)
	);`)
	return err
}

func (s *SQLiteStore) CreateCampaign(ctx context.Context, campaign *Campaign, platforms []string, shardCount int) error {
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

func (s *SQLiteStore) GetCampaign(ctx context.Context, id int64) (*Campaign, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, name, link, create_date, update_date FROM campaigns WHERE id = ?;`, id)
	return scanCampaign(row)
}

func (s *SQLiteStore) UpdateCampaign(ctx context.Context, campaign *Campaign, platforms []string, shardCount int) error {
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
		`UPDATE campaigns SET name = ?, link = ?, update_date = ? WHERE id = ?;`,
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
				`INSERT OR IGNORE INTO counters (campaign_id, platform, shard, count) VALUES (?, ?, ?, 0);`,
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

func (s *SQLiteStore) DeleteCampaign(ctx context.Context, id int64) error {
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

func (s *SQLiteStore) ListCampaigns(ctx context.Context) ([]Campaign, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, name, link, create_date, update_date FROM campaigns ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	return scanCampaigns(rows)
}

func (s *SQLiteStore) CampaignsForPlatform(ctx context.Context, platform string) ([]Campaign, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT DISTINCT c.id, c.name, c.link, c.create_date, c.update_date
		 FROM campaigns c JOIN counters ct ON ct.campaign_id = c.id
		 WHERE ct.platform = ? ORDER BY c.id;`, platform)
	if err != nil {
		return nil, err
	}
	return scanCampaigns(rows)
}

func (s *SQLiteStore) Platforms(ctx context.Context, campaignID int64) ([]string, error) {
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
func (s *SQLiteStore) AddToCounter(ctx context.Context, key CounterKey, delta int64) (int64, error) {
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

func (s *SQLiteStore) SumCounters(ctx context.Context, key LogicalKey) (int64, error) {
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

func (s *SQLiteStore) SumPlatform(ctx context.Context, platform string) (int64, error) {
	var sum sql.NullInt64
	err := s.DB.QueryRowContext(ctx,
		`SELECT SUM(count) FROM counters WHERE platform = ?;`, platform).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum.Int64, nil
}

// scanCampaign reads one campaign row, mapping missing rows to
// ErrCampaignNotFound. Shared by the SQL stores.
func scanCampaign(row *sql.Row) (*Campaign, error) {
	var campaign Campaign
	var updateDate sql.NullTime
	err := row.Scan(&campaign.ID, &campaign.Name, &campaign.Link, &campaign.CreateDate, &updateDate)
	if err == sql.ErrNoRows {
		return nil, ErrCampaignNotFound
	}
	if err != nil {
		return nil, err
	}
	if updateDate.Valid {
		campaign.UpdateDate = &updateDate.Time
	}
	return &campaign, nil
}

func scanCampaigns(rows *sql.Rows) ([]Campaign, error) {
	defer rows.Close()
	out := []Campaign{}
	for rows.Next() {
		var campaign Campaign
		var updateDate sql.NullTime
		if err := rows.Scan(&campaign.ID, &campaign.Name, &campaign.Link, &campaign.CreateDate, &updateDate); err != nil {
			return nil, err
		}
		if updateDate.Valid {
			campaign.UpdateDate = &updateDate.Time
		}
		out = append(out, campaign)
	}
	return out, rows.Err()
}
