package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	server "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/unstake-engine/internal/model"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate(), "URL required")

	cfg.URL = "nats://localhost:4222"
	assert.NoError(t, cfg.Validate())

	cfg.PublishTimeout = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.URL = "nats://localhost:4222"
	cfg.SubjectRoot = ""
	assert.Error(t, cfg.Validate())
}

func TestSubjects(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "unstake.unstake.p1", cfg.UnstakeSubject("p1"))
	assert.Equal(t, "unstake.pool.p1", cfg.PoolSubject("p1"))
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.PublishUnstake(context.Background(), model.UnstakeEvent{}))
	assert.NoError(t, p.PublishPool(context.Background(), model.Pool{}))
	assert.NoError(t, p.Close())
}

func runServer(t *testing.T, jetstream bool) *server.Server {
	t.Helper()
	opts := &server.Options{JetStream: jetstream, Host: "127.0.0.1", Port: -1, StoreDir: t.TempDir()}
	srv, err := server.NewServer(opts)
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Skip("nats-server not ready in sandbox")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func sampleEvent() model.UnstakeEvent {
	return model.UnstakeEvent{
		PoolID:             "p1",
		PositionID:         "pos",
		Requester:          "alice",
		FeeRatio:           "3/1000",
		LamportsAtCreation: 100_000,
		Paid:               99_700,
		FeeAmount:          300,
		Timestamp:          time.Unix(1_700_000_000, 0),
	}
}

func TestNATSPublisher_Core(t *testing.T) {
	srv := runServer(t, false)

	cfg := DefaultConfig()
	cfg.URL = srv.ClientURL()
	pub, err := NewNATSPublisher(cfg)
	require.NoError(t, err)
	defer pub.Close()

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	sub, err := nc.SubscribeSync("unstake.unstake.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	require.NoError(t, pub.PublishUnstake(context.Background(), sampleEvent()))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "unstake.unstake.p1", msg.Subject)

	var got model.UnstakeEvent
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, uint64(99_700), got.Paid)
	assert.Equal(t, "3/1000", got.FeeRatio)
}

func TestNATSPublisher_JetStreamDedup(t *testing.T) {
	srv := runServer(t, true)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	js, err := nc.JetStream()
	require.NoError(t, err)
	_, err = js.AddStream(&nats.StreamConfig{Name: "UNSTAKE", Subjects: []string{"unstake.>"}, Storage: nats.MemoryStorage})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.URL = srv.ClientURL()
	cfg.Stream = "UNSTAKE"
	pub, err := NewNATSPublisher(cfg)
	require.NoError(t, err)
	defer pub.Close()

	ctx := context.Background()
	require.NoError(t, pub.PublishUnstake(ctx, sampleEvent()))
	require.NoError(t, pub.PublishUnstake(ctx, sampleEvent()))
	require.NoError(t, pub.PublishPool(ctx, model.Pool{ID: "p1", Reserves: 900_270, Version: 3}))

	info, err := js.StreamInfo("UNSTAKE")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.State.Msgs, "duplicate unstake event dropped")

	last, err := js.GetLastMsg("UNSTAKE", "unstake.pool.p1")
	require.NoError(t, err)
	assert.Equal(t, "p1:3", last.Header.Get(nats.MsgIdHdr))
}
