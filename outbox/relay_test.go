package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/syntaxsurge/escrowzy-okx-sub006/logging"
)

func TestRelayOnce_PublishesAndMarksProcessed(t *testing.T) {
	tx := &fakeTx{batch: []Message{
		{ID: "m1", Topic: TopicTradeStatusChanged, Key: "t1", Payload: []byte(`{"to":"funded"}`), Status: StatusPending},
		{ID: "m2", Topic: TopicTradeStatusChanged, Key: "t1", Payload: []byte(`{"to":"payment_sent"}`), Status: StatusPending},
	}}
	pub := &fakePublisher{}
	relay := NewRelay(&fakePool{tx: tx}, pub, RelayConfig{BatchSize: 10, MaxAttempts: 3}, logging.Discard(), nil)

	n, err := relay.RelayOnce(context.Background())
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 published, got %d", n)
	}
	if len(pub.sent) != 2 || pub.sent[0].ID != "m1" || pub.sent[1].ID != "m2" {
		t.Fatalf("expected messages in created order, got %+v", pub.sent)
	}
	if !tx.committed {
		t.Fatal("expected commit")
	}
	if got := tx.statusUpdates(); got != "m1=processed,m2=processed" {
		t.Fatalf("unexpected updates %s", got)
	}
}

func TestRelayOnce_FailureBumpsAttemptsThenDeadLetters(t *testing.T) {
	tx := &fakeTx{batch: []Message{
		{ID: "fresh", Topic: TopicTradeCreated, Attempts: 0, Status: StatusPending},
		{ID: "tired", Topic: TopicTradeCreated, Attempts: 2, Status: StatusPending},
	}}
	pub := &fakePublisher{err: errors.New("broker down")}
	relay := NewRelay(&fakePool{tx: tx}, pub, RelayConfig{BatchSize: 10, MaxAttempts: 3}, logging.Discard(), nil)

	n, err := relay.RelayOnce(context.Background())
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing published, got %d", n)
	}
	if got := tx.statusUpdates(); got != "fresh=pending,tired=dead" {
		t.Fatalf("unexpected updates %s", got)
	}
	if !tx.committed {
		t.Fatal("failures must still be committed so attempts persist")
	}
}

func TestRelayOnce_ClaimsInInsertionOrder(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tx := &fakeTx{batch: []Message{
		{ID: "created", Seq: 41, Topic: TopicTradeCreated, Key: "t1", CreatedAt: at, Status: StatusPending},
		{ID: "accepted", Seq: 42, Topic: TopicTradeStatusChanged, Key: "t1", CreatedAt: at, Status: StatusPending},
	}}
	pub := &fakePublisher{}
	relay := NewRelay(&fakePool{tx: tx}, pub, RelayConfig{}, logging.Discard(), nil)

	if _, err := relay.RelayOnce(context.Background()); err != nil {
		t.Fatalf("relay: %v", err)
	}
	if !strings.Contains(tx.query, "ORDER BY seq") {
		t.Fatalf("batch not ordered by sequence:\n%s", tx.query)
	}
	if len(pub.sent) != 2 || pub.sent[0].Seq != 41 || pub.sent[1].Seq != 42 {
		t.Fatalf("unexpected publish order: %+v", pub.sent)
	}
}

func TestRelay_NilLoggerDefaults(t *testing.T) {
	relay := NewRelay(&fakePool{err: errors.New("no db")}, &fakePublisher{}, RelayConfig{Interval: time.Millisecond}, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := relay.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRelayOnce_BeginFailure(t *testing.T) {
	relay := NewRelay(&fakePool{err: errors.New("no db")}, &fakePublisher{}, RelayConfig{}, logging.Discard(), nil)
	if _, err := relay.RelayOnce(context.Background()); err == nil {
		t.Fatal("expected begin error")
	}
}

type fakePublisher struct {
	sent []Message
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, msg Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakePool struct {
	tx  *fakeTx
	err error
}

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tx, nil
}

type update struct {
	id     string
	status string
}

type fakeTx struct {
	batch     []Message
	query     string
	updates   []update
	committed bool
	rolled    bool
}

func (f *fakeTx) statusUpdates() string {
	parts := make([]string, 0, len(f.updates))
	for _, u := range f.updates {
		parts = append(parts, u.id+"="+u.status)
	}
	return strings.Join(parts, ",")
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	id, _ := args[0].(string)
	switch {
	case strings.Contains(sql, "status = 'processed'"):
		f.updates = append(f.updates, update{id: id, status: StatusProcessed})
	case len(args) == 3:
		status, _ := args[2].(string)
		f.updates = append(f.updates, update{id: id, status: status})
	default:
		return pgconn.CommandTag{}, fmt.Errorf("unexpected exec %q", sql)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *fakeTx) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	f.query = sql
	return &fakeRows{msgs: f.batch, idx: -1}, nil
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

type fakeRows struct {
	msgs []Message
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.msgs)
}

func (r *fakeRows) Scan(dest ...any) error {
	m := r.msgs[r.idx]
	*dest[0].(*string) = m.ID
	*dest[1].(*int64) = m.Seq
	*dest[2].(*string) = m.Topic
	*dest[3].(*string) = m.Key
	*dest[4].(*[]byte) = m.Payload
	*dest[5].(*string) = m.Status
	*dest[6].(*int) = m.Attempts
	*dest[7].(*time.Time) = m.CreatedAt
	*dest[8].(**time.Time) = m.LastAttempt
	return nil
}
