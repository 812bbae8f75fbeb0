package worker

import (
	"context"
	"regexp"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/lumencrm/delivery-engine/internal/transport"
)

// fakeLock is a local lock standing in for the distributed one.
type fakeLock struct {
	held     bool
	acquired int
}

func (l *fakeLock) Acquire(_ context.Context) (bool, error) {
	if l.held {
		return false, nil
	}
	l.acquired++
	return true, nil
}

func (l *fakeLock) Release(_ context.Context) error { return nil }

// fakeSender succeeds or fails per configured addresses.
type fakeSender struct {
	mu     sync.Mutex
	sent   []*transport.Message
	failAt map[string]string // email -> transport error
}

func (f *fakeSender) Send(_ context.Context, msg *transport.Message) (*transport.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if errMsg, ok := f.failAt[msg.Email]; ok {
		return &transport.Result{Success: false, Error: errMsg}, nil
	}
	f.sent = append(f.sent, msg)
	return &transport.Result{Success: true, MessageID: "msg-1"}, nil
}

func claimCols() []string {
	return []string{"id", "campaign_id", "subscriber_id", "email", "subject", "html_content", "headers", "attempts"}
}

// expectRecovery registers the stale-claim sweep that opens every run.
func expectRecovery(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta("AND attempts < $2")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("AND attempts >= $2")).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestRunOnceSendsBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sender := &fakeSender{}
	w := NewQueueWorker(db, sender, &fakeLock{}, Options{
		FromName: "Test", FromEmail: "news@example.com", BatchSize: 50,
	})

	headers := []byte(`{"Precedence":"bulk"}`)
	expectRecovery(mock)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE queue_items")).
		WillReturnRows(sqlmock.NewRows(claimCols()).
			AddRow(1, 7, 100, "a@example.com", "Hi", "<p>a</p>", headers, 1).
			AddRow(2, 7, 101, "b@example.com", "Hi", "<p>b</p>", headers, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'sending', sent_at = COALESCE(sent_at, NOW())")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// item 1
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'sent'")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("total_sent = total_sent + 1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// item 2
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'sent'")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("total_sent = total_sent + 1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'completed'")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(sender.sent))
	}
	if sender.sent[0].Headers["Precedence"] != "bulk" {
		t.Fatal("stored headers not passed to transport")
	}
	if w.Stats()["total_sent"] != 2 {
		t.Fatalf("expected total_sent=2, got %d", w.Stats()["total_sent"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

// A campaign queued over the recipient threshold is created in sending, so
// the per-batch stamp must not be gated on the scheduled transition.
func TestRunOnceStampsSentAtForUnscheduledCampaigns(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sender := &fakeSender{}
	w := NewQueueWorker(db, sender, &fakeLock{}, Options{BatchSize: 50})

	expectRecovery(mock)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE queue_items")).
		WillReturnRows(sqlmock.NewRows(claimCols()).
			AddRow(1, 7, 100, "a@example.com", "Hi", "<p>a</p>", []byte(`{}`), 1))
	mock.ExpectExec(regexp.QuoteMeta(
		"SET status = 'sending', sent_at = COALESCE(sent_at, NOW()) WHERE id = ANY($1) AND status IN ('scheduled', 'sending')")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'sent'")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("total_sent = total_sent + 1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'completed'")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

// A claim whose worker died is requeued when under the attempt cap and failed
// outright when the claim had already consumed the last attempt.
func TestRunOnceRecoversStaleClaims(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	w := NewQueueWorker(db, &fakeSender{}, &fakeLock{}, Options{BatchSize: 50})

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'pending'")).
		WithArgs("5m0s", 3).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'failed', error_message = 'max attempts reached: claim expired'")).
		WithArgs("5m0s", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Requeued items are claimable in the same run.
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE queue_items")).
		WillReturnRows(sqlmock.NewRows(claimCols()))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRunOnceMaxAttemptsFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sender := &fakeSender{failAt: map[string]string{"a@example.com": "smtp 421 try later"}}
	w := NewQueueWorker(db, sender, &fakeLock{}, Options{BatchSize: 50})

	expectRecovery(mock)
	// Third attempt: the claim has already bumped attempts to the cap.
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE queue_items")).
		WillReturnRows(sqlmock.NewRows(claimCols()).
			AddRow(1, 7, 100, "a@example.com", "Hi", "<p>a</p>", []byte(`{}`), 3))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'sending'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'failed'")).
		WithArgs(int64(1), "max attempts reached: smtp 421 try later").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'completed'")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if w.Stats()["total_failed"] != 1 {
		t.Fatalf("expected total_failed=1, got %d", w.Stats()["total_failed"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRunOnceTransientRevert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sender := &fakeSender{failAt: map[string]string{"a@example.com": "connection reset"}}
	w := NewQueueWorker(db, sender, &fakeLock{}, Options{BatchSize: 50})

	expectRecovery(mock)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE queue_items")).
		WillReturnRows(sqlmock.NewRows(claimCols()).
			AddRow(1, 7, 100, "a@example.com", "Hi", "<p>a</p>", []byte(`{}`), 1))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'sending'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'pending'")).
		WithArgs(int64(1), "connection reset").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'completed'")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if w.Stats()["total_retried"] != 1 {
		t.Fatalf("expected total_retried=1, got %d", w.Stats()["total_retried"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRunOnceLockHeld(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	w := NewQueueWorker(db, &fakeSender{}, &fakeLock{held: true}, Options{})

	// No DB expectations: a held lock means the run is a no-op.
	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRunOnceDrainsMultipleBatches(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sender := &fakeSender{}
	w := NewQueueWorker(db, sender, &fakeLock{}, Options{BatchSize: 1})

	expectRecovery(mock)
	for i := 1; i <= 2; i++ {
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE queue_items")).
			WillReturnRows(sqlmock.NewRows(claimCols()).
				AddRow(i, 7, 100+i, "a@example.com", "Hi", "<p>a</p>", []byte(`{}`), 1))
		mock.ExpectExec(regexp.QuoteMeta("SET status = 'sending'")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("SET status = 'sent'")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("total_sent = total_sent + 1")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("SET status = 'completed'")).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	// Full batch twice, then an empty claim ends the drain.
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE queue_items")).
		WillReturnRows(sqlmock.NewRows(claimCols()))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 sends across batches, got %d", len(sender.sent))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

// A run releases the lock after a bounded number of batches so the drain
// cannot outlive the lock TTL; leftover work is handled by the near-term
// wake under a fresh acquisition.
func TestRunOnceCapsBatchesPerRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sender := &fakeSender{}
	w := NewQueueWorker(db, sender, &fakeLock{}, Options{BatchSize: 1})

	expectRecovery(mock)
	for i := 1; i <= maxBatchesPerRun; i++ {
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE queue_items")).
			WillReturnRows(sqlmock.NewRows(claimCols()).
				AddRow(i, 7, 100+i, "a@example.com", "Hi", "<p>a</p>", []byte(`{}`), 1))
		mock.ExpectExec(regexp.QuoteMeta("SET status = 'sending'")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("SET status = 'sent'")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("total_sent = total_sent + 1")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("SET status = 'completed'")).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	// No further claim: the cap ends the run even with full batches coming
	// back, and the due check schedules the follow-up wake.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(sender.sent) != maxBatchesPerRun {
		t.Fatalf("expected %d sends, got %d", maxBatchesPerRun, len(sender.sent))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
