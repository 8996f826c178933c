package nats

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therepai/companion/internal/model"
	"github.com/therepai/companion/internal/store"
	"github.com/therepai/companion/internal/store/storetest"
	"github.com/therepai/companion/pkg/logger"
)

// runJetStream starts an in-process JetStream server and connects to it.
func runJetStream(t *testing.T) *Client {
	t.Helper()

	srv, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)

	go srv.Start()
	require.True(t, srv.ReadyForConnections(10*time.Second), "nats server did not start")
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})

	client, err := Connect(Config{URL: srv.ClientURL()}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return client
}

func TestEventSubject(t *testing.T) {
	got := EventSubject("0190a1b2-c3d4", "thread-1", model.EventTypeCrisis)
	assert.Equal(t, "therepai.MDE5MGExYjItYzNkNA.dGhyZWFkLTE.event.crisis_detected", got)
}

func TestToken(t *testing.T) {
	assert.Equal(t, "_", token(""))
	assert.Equal(t, "dXNlckBleGFtcGxlLmNvbQ", token("user@example.com"))
	assert.NotEqual(t, token("a.b"), token("a_b"))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "idx.bG9jYWw", indexKey("local"))
	assert.Equal(t, "thr.bG9jYWw.MDE5MA", threadKey("local", "0190"))
	assert.Equal(t, "thr.YS5i.Yz5k", threadKey("a.b", "c>d"))
}

func TestKVBackend_Contract(t *testing.T) {
	client := runJetStream(t)

	b, err := NewKVBackend(context.Background(), client, "contract_threads")
	require.NoError(t, err)
	assert.Equal(t, "nats", b.Name())

	storetest.RunBackendContract(t, b)
}

func TestKVBackend_ReopensExistingBucket(t *testing.T) {
	client := runJetStream(t)
	ctx := context.Background()

	b, err := NewKVBackend(ctx, client, "")
	require.NoError(t, err)
	require.NoError(t, b.Save(ctx, storetest.NewThread("alice", "t1", time.Now())))

	reopened, err := NewKVBackend(ctx, client, "")
	require.NoError(t, err)
	threads, err := reopened.Load(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "t1", threads[0].ID)
}

func TestKVBackend_IndexTracksTitle(t *testing.T) {
	client := runJetStream(t)
	ctx := context.Background()

	b, err := NewKVBackend(ctx, client, "title_threads")
	require.NoError(t, err)

	th := storetest.NewThread("alice", "t1", time.Now())
	require.NoError(t, b.Save(ctx, th))
	require.NoError(t, b.Save(ctx, storetest.NewThread("alice", "t2", time.Now())))

	th.Title = "Renamed"
	require.NoError(t, b.Save(ctx, th))

	index, err := b.readIndex(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []model.IndexEntry{
		{ID: "t2", Title: model.DefaultTitle},
		{ID: "t1", Title: "Renamed"},
	}, index)
}

func TestKVBackend_CorruptIndexIsReportedAndRebuilt(t *testing.T) {
	client := runJetStream(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	b, err := NewKVBackend(ctx, client, "corrupt_threads")
	require.NoError(t, err)
	require.NoError(t, b.Save(ctx, storetest.NewThread("alice", "t1", base)))
	require.NoError(t, b.Save(ctx, storetest.NewThread("alice", "t2", base.Add(time.Minute))))
	require.NoError(t, b.Save(ctx, storetest.NewThread("bob", "t-bob", base)))

	_, err = b.kv.Put(ctx, indexKey("alice"), []byte("{not json"))
	require.NoError(t, err)

	threads, err := b.Load(ctx, "alice")
	assert.ErrorIs(t, err, store.ErrCorrupt)
	require.Len(t, threads, 2)
	assert.Equal(t, "t2", threads[0].ID)
	assert.Equal(t, "t1", threads[1].ID)

	require.NoError(t, b.Save(ctx, storetest.NewThread("alice", "t3", base.Add(2*time.Minute))))
	threads, err = b.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, threads, 3)
}

func TestKVBackend_OwnersDoNotCollide(t *testing.T) {
	client := runJetStream(t)
	ctx := context.Background()

	b, err := NewKVBackend(ctx, client, "owner_threads")
	require.NoError(t, err)
	require.NoError(t, b.Save(ctx, storetest.NewThread("a.b", "t1", time.Now())))
	require.NoError(t, b.Save(ctx, storetest.NewThread("a_b", "t2", time.Now())))

	threads, err := b.Load(ctx, "a.b")
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "t1", threads[0].ID)

	threads, err = b.Load(ctx, "a_b")
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "t2", threads[0].ID)
}

func TestStreamManager_PublishEvent(t *testing.T) {
	client := runJetStream(t)
	ctx := context.Background()

	sm := NewStreamManager(client)
	require.NoError(t, sm.EnsureStream(ctx))
	require.NoError(t, sm.EnsureStream(ctx))

	event := &model.ThreadEvent{
		ID:        "e-1",
		ThreadID:  "t-1",
		Owner:     "alice",
		Type:      model.EventTypeCrisis,
		Reason:    "crisis phrase matched",
		Metadata:  map[string]string{"policy_version": "2024-1"},
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	seq, err := sm.PublishEvent(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	stream, err := client.JetStream().Stream(ctx, StreamName)
	require.NoError(t, err)
	msg, err := stream.GetMsg(ctx, seq)
	require.NoError(t, err)
	assert.Equal(t, EventSubject("alice", "t-1", model.EventTypeCrisis), msg.Subject)

	var got model.ThreadEvent
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, event.Owner, got.Owner)
	assert.Equal(t, event.Type, got.Type)
	assert.Equal(t, "2024-1", got.Metadata["policy_version"])
	assert.True(t, event.CreatedAt.Equal(got.CreatedAt))
}
