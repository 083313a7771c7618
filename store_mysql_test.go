package clicktracker

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockMySQLStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock setup failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewMySQLStore(db), mock
}

func TestMySQLStore_SetupCreatesSchema(t *testing.T) {
	store, mock := newMockMySQLStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS campaigns").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS counters").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Setup(context.Background()); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLStore_CreateCampaignSeedsCounterRows(t *testing.T) {
	store, mock := newMockMySQLStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO campaigns").
		WithArgs("summer", "http://example.com", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(42, 1))
	for range []int{0, 1} {
		mock.ExpectExec("INSERT INTO counters").
			WithArgs(int64(42), "android", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	campaign := &Campaign{Name: "summer", Link: "http://example.com"}
	if err := store.CreateCampaign(context.Background(), campaign, []string{"android"}, 2); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if campaign.ID != 42 {
		t.Fatalf("expected assigned id 42, got %d", campaign.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLStore_UpdateMissingCampaign(t *testing.T) {
	store, mock := newMockMySQLStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM campaigns").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectRollback()

	err := store.UpdateCampaign(context.Background(),
		&Campaign{ID: 7, Name: "x", Link: "y"}, []string{"android"}, 1)
	if !errors.Is(err, ErrCampaignNotFound) {
		t.Fatalf("expected ErrCampaignNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLStore_AddToCounterMissingRow(t *testing.T) {
	store, mock := newMockMySQLStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE counters SET count = count \\+ \\?").
		WithArgs(int64(3), int64(1), "android", 0).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := store.AddToCounter(context.Background(),
		CounterKey{CampaignID: 1, Platform: "android", Shard: 0}, 3)
	if !errors.Is(err, ErrCounterNotFound) {
		t.Fatalf("expected ErrCounterNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLStore_AddToCounterReturnsNewCount(t *testing.T) {
	store, mock := newMockMySQLStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE counters SET count = count \\+ \\?").
		WithArgs(int64(3), int64(1), "android", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT count FROM counters").
		WithArgs(int64(1), "android", 2).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(8))
	mock.ExpectCommit()

	count, err := store.AddToCounter(context.Background(),
		CounterKey{CampaignID: 1, Platform: "android", Shard: 2}, 3)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if count != 8 {
		t.Fatalf("expected count 8, got %d", count)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLStore_SumCountersMissingPlatform(t *testing.T) {
	store, mock := newMockMySQLStore(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\), SUM\\(count\\) FROM counters").
		WithArgs(int64(1), "wp").
		WillReturnRows(sqlmock.NewRows([]string{"count", "sum"}).AddRow(0, nil))

	_, err := store.SumCounters(context.Background(), LogicalKey{CampaignID: 1, Platform: "wp"})
	if !errors.Is(err, ErrCounterNotFound) {
		t.Fatalf("expected ErrCounterNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLStore_Description(t *testing.T) {
	store, _ := newMockMySQLStore(t)
	if got := store.Description(); got != "MySQLStore" {
		t.Fatalf("unexpected description: %s", got)
	}
}
