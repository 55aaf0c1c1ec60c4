package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planline/internal/db"
	"planline/internal/events"
	"planline/internal/metrics"
	"planline/internal/migrate"
	"planline/internal/repo"
)

type recorder struct {
	topic string
	msgs  []kafka.Message
	err   error
}

func (r *recorder) WriteMessages(_ context.Context, topic string, msgs ...kafka.Message) error {
	if r.err != nil {
		return r.err
	}
	r.topic = topic
	r.msgs = append(r.msgs, msgs...)
	return nil
}

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return repo.Repo{DB: conn}
}

func appendEvents(t *testing.T, r repo.Repo, types ...string) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	for i, typ := range types {
		require.NoError(t, events.Writer{}.Append(ctx, tx, typ, "report", "rep-"+string(rune('a'+i)), "luis", events.EventPayload{"n": i}))
	}
	require.NoError(t, tx.Commit())
}

func TestRelayOncePublishesAndAdvances(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	appendEvents(t, r, events.ReportCreated, events.ReportSubmitted)

	pub := &recorder{}
	m := metrics.New()
	rl := Relay{Source: r, Publisher: pub, Metrics: m}

	n, err := rl.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, DefaultTopic, pub.topic)
	require.Len(t, pub.msgs, 2)
	assert.Equal(t, "rep-a", string(pub.msgs[0].Key))
	assert.Equal(t, "event-type", pub.msgs[1].Headers[0].Key)
	assert.Equal(t, events.ReportSubmitted, string(pub.msgs[1].Headers[0].Value))

	var env Envelope
	require.NoError(t, json.Unmarshal(pub.msgs[0].Value, &env))
	assert.Equal(t, events.ReportCreated, env.Type)
	assert.JSONEq(t, `{"n":0}`, string(env.Payload))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RelayedEvents))

	n, err = rl.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	cur, err := r.RelayCursor(ctx, DefaultCursor)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cur)
}

func TestRelayFilterSkipsButAdvances(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	appendEvents(t, r, events.ReportCreated, events.CorrelationComputed, events.ReportApproved)

	pub := &recorder{}
	rl := Relay{Source: r, Publisher: pub, Cursor: "reports", Events: []string{"report.a*"}}
	n, err := rl.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, events.ReportApproved, string(pub.msgs[0].Headers[0].Value))

	cur, err := r.RelayCursor(ctx, "reports")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cur)
}

func TestRelayFailureKeepsCursor(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	appendEvents(t, r, events.ReportCreated)

	rl := Relay{Source: r, Publisher: &recorder{err: errors.New("broker down")}}
	_, err := rl.RelayOnce(ctx)
	require.Error(t, err)

	cur, err := r.RelayCursor(ctx, DefaultCursor)
	require.NoError(t, err)
	assert.Zero(t, cur)
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rl := Relay{Source: newRepo(t), Publisher: &recorder{}}
	assert.NoError(t, rl.Run(ctx))
}
