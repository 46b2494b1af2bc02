package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1,
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

func TestNATSPublisher_Publish(t *testing.T) {
	server := startTestNATSServer(t)

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	msgs := make(chan *nats.Msg, 4)
	_, err = sub.ChanSubscribe("rosterd.entity.*", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	p, err := NewNATSPublisher(Config{URL: server.ClientURL()}, nil)
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), Event{
		Type:      EventIndexed,
		EntityID:  "42",
		RecordID:  "employee_1_42",
		Revisions: map[string]string{"employee_1_42": "1-a"},
	}))
	require.NoError(t, p.Close())

	select {
	case msg := <-msgs:
		assert.Equal(t, "rosterd.entity.indexed", msg.Subject)
		var got Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, "42", got.EntityID)
		assert.Equal(t, EventIndexed, got.Type)
		assert.False(t, got.Time.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("event not received")
	}
}

func TestNATSPublisher_Subject(t *testing.T) {
	server := startTestNATSServer(t)

	p, err := NewNATSPublisher(Config{URL: server.ClientURL(), SubjectPrefix: "hr.sync"}, nil)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, "hr.sync.entity.removed", p.Subject(EventRemoved))
}

func TestNewNATSPublisher_RequiresURL(t *testing.T) {
	_, err := NewNATSPublisher(Config{}, nil)
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), Event{Type: EventRemoved}))
	assert.NoError(t, p.Close())
}
