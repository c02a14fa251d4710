package progress

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/stagextract/internal/logging"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1, // Random port
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestNATS_Publish(t *testing.T) {
	server := startTestNATSServer(t)

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	msgs, err := sub.SubscribeSync("stagextract.progress.run-1.>")
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	pub, err := DialNATS(server.ClientURL(), "")
	require.NoError(t, err)
	defer pub.Close()

	ctx := context.Background()
	require.NoError(t, pub.Report(ctx, Event{Kind: KindChunk, RunID: "run-1", Chunk: 0, Processed: 10}))
	require.NoError(t, pub.Report(ctx, Event{Kind: KindCompleted, RunID: "run-1", Processed: 12, Failed: 1}))

	msg, err := msgs.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "stagextract.progress.run-1.chunk", msg.Subject)
	var ev Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, 10, ev.Processed)

	msg, err = msgs.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "stagextract.progress.run-1.completed", msg.Subject)
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, KindCompleted, ev.Kind)
	assert.Equal(t, 1, ev.Failed)
}

func TestNATS_Subject(t *testing.T) {
	p := NewNATS(nil, "jobs.staging.")
	assert.Equal(t, "jobs.staging.r.chunk", p.Subject(Event{RunID: "r"}))
	assert.Equal(t, "jobs.staging.r.aborted", p.Subject(Event{RunID: "r", Kind: KindAborted}))
	assert.NoError(t, p.Close())
}

func TestDialNATS_Errors(t *testing.T) {
	_, err := DialNATS("", "x")
	assert.Error(t, err)

	_, err = DialNATS("nats://127.0.0.1:1", "x", nats.Timeout(200*time.Millisecond))
	assert.Error(t, err)
}

func TestLog_Report(t *testing.T) {
	logger := logging.NewTestLogger()
	r := NewLog(logger.Logger)
	ctx := context.Background()

	require.NoError(t, r.Report(ctx, Event{Kind: KindChunk, RunID: "r", Chunk: 3, Processed: 5}))
	require.NoError(t, r.Report(ctx, Event{Kind: KindAborted, RunID: "r", AbortReason: "too many consecutive failures"}))
	require.NoError(t, r.Report(ctx, Event{Kind: KindCompleted, RunID: "r"}))

	logger.AssertLogged(t, zapcore.InfoLevel, "chunk written")
	entries := logger.FilterMessage("chunk written").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(3), entries[0].ContextMap()["chunk"])
	logger.AssertLogged(t, zapcore.WarnLevel, "run aborted")
	logger.AssertLogged(t, zapcore.InfoLevel, "run completed")
}

type failingReporter struct{ calls int }

func (f *failingReporter) Report(context.Context, Event) error {
	f.calls++
	return errors.New("unreachable")
}

type countingReporter struct{ events []Event }

func (c *countingReporter) Report(_ context.Context, ev Event) error {
	c.events = append(c.events, ev)
	return nil
}

func TestMulti(t *testing.T) {
	bad := &failingReporter{}
	good := &countingReporter{}
	m := Multi{bad, nil, good, Nop{}}

	err := m.Report(context.Background(), Event{RunID: "r"})
	assert.Error(t, err)
	assert.Equal(t, 1, bad.calls)
	assert.Len(t, good.events, 1)

	assert.NoError(t, Multi{good}.Report(context.Background(), Event{}))
}
