package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/lumencrm/delivery-engine/internal/domain"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestRecordOpenFirst(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTrackingRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO open_events")).
		WithArgs(int64(1), int64(2), "Mozilla/5.0", "203.0.113.0").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("total_opened = total_opened + 1, unique_opens = unique_opens + 1")).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.RecordOpen(context.Background(), &domain.OpenEvent{
		CampaignID: 1, SubscriberID: 2, UserAgent: "Mozilla/5.0", IPAddress: "203.0.113.0",
	})
	if err != nil {
		t.Fatalf("record open: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRecordOpenRepeat(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTrackingRepo(db)

	mock.ExpectBegin()
	// ON CONFLICT DO NOTHING: zero rows affected means the pair already opened.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO open_events")).
		WithArgs(int64(1), int64(2), "", "").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SET total_opened = total_opened + 1 WHERE")).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.RecordOpen(context.Background(), &domain.OpenEvent{CampaignID: 1, SubscriberID: 2})
	if err != nil {
		t.Fatalf("record open: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRecordClickFirst(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTrackingRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1, $2, $3, TRUE, $4, $5, NOW())")).
		WithArgs(int64(1), int64(2), "https://example.com/a", "", "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("total_clicked = total_clicked + 1, unique_clicks = unique_clicks + 1")).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	unique, err := repo.RecordClick(context.Background(), &domain.ClickEvent{
		CampaignID: 1, SubscriberID: 2, URL: "https://example.com/a",
	})
	if err != nil {
		t.Fatalf("record click: %v", err)
	}
	if !unique {
		t.Fatal("first click must be unique")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRecordClickRepeat(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTrackingRepo(db)

	mock.ExpectBegin()
	// Unique insert loses against the partial index, so a repeat row lands.
	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1, $2, $3, TRUE, $4, $5, NOW())")).
		WithArgs(int64(1), int64(2), "https://example.com/a", "", "").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1, $2, $3, FALSE, $4, $5, NOW())")).
		WithArgs(int64(1), int64(2), "https://example.com/a", "", "").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET total_clicked = total_clicked + 1 WHERE")).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	unique, err := repo.RecordClick(context.Background(), &domain.ClickEvent{
		CampaignID: 1, SubscriberID: 2, URL: "https://example.com/a",
	})
	if err != nil {
		t.Fatalf("record click: %v", err)
	}
	if unique {
		t.Fatal("repeat click must not be unique")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
