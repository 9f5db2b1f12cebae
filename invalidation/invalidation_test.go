package invalidation

import (
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runServer(t *testing.T) *server.Server {
	t.Helper()
	s, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server did not start")
	}
	t.Cleanup(s.Shutdown)
	return s
}

func connect(t *testing.T, s *server.Server) *nats.Conn {
	t.Helper()
	conn, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

// recorder is an Invalidator that reports names on a channel
type recorder struct {
	names chan string
}

func (r *recorder) Invalidate(name string) {
	r.names <- name
}

func TestEncodeDecode(t *testing.T) {
	data, err := Encode(Event{Op: OpUpdated, RuleID: 7, Name: "bmi", Version: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"updated","ruleId":7,"name":"bmi","version":3}`, string(data))

	ev, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, Event{Op: OpUpdated, RuleID: 7, Name: "bmi", Version: 3}, ev)

	_, err = Encode(Event{Op: OpAdded})
	assert.Error(t, err)
	_, err = Decode([]byte(`{"op":"added"}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestNilPublisherIsNoop(t *testing.T) {
	var p *Publisher
	assert.NoError(t, p.Publish(Event{Name: "x"}))
	assert.NoError(t, NewPublisher(nil, "").Publish(Event{Name: "x"}))
}

// TestPublishInvalidatesSubscribers verifies every subscribed instance drops
// the named rule and malformed messages are skipped
func TestPublishInvalidatesSubscribers(t *testing.T) {
	s := runServer(t)
	subject := "dss.test.invalidate"

	var recorders []*recorder
	for i := 0; i < 2; i++ {
		conn := connect(t, s)
		rec := &recorder{names: make(chan string, 4)}
		_, err := Subscribe(conn, subject, rec)
		require.NoError(t, err)
		require.NoError(t, conn.Flush())
		recorders = append(recorders, rec)
	}

	pubConn := connect(t, s)
	require.NoError(t, pubConn.Publish(subject, []byte("garbage")))
	require.NoError(t, NewPublisher(pubConn, subject).Publish(Event{Op: OpDeleted, RuleID: 1, Name: "statin"}))
	require.NoError(t, pubConn.Flush())

	for i, rec := range recorders {
		select {
		case name := <-rec.names:
			assert.Equal(t, "statin", name, "subscriber %d", i)
		case <-time.After(5 * time.Second):
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestSubscribeDefaultSubject(t *testing.T) {
	s := runServer(t)
	conn := connect(t, s)

	var mu sync.Mutex
	got := make(chan string, 1)
	_, err := Subscribe(conn, "", invalidatorFunc(func(name string) {
		mu.Lock()
		defer mu.Unlock()
		got <- name
	}))
	require.NoError(t, err)
	require.NoError(t, conn.Flush())

	require.NoError(t, NewPublisher(conn, "").Publish(Event{Op: OpReload, Name: "a1c"}))

	select {
	case name := <-got:
		assert.Equal(t, "a1c", name)
	case <-time.After(5 * time.Second):
		t.Fatal("no invalidation received on the default subject")
	}
}

func TestSubscribeExceptSkipsOwnEvents(t *testing.T) {
	s := runServer(t)
	conn := connect(t, s)
	subject := "dss.test.origin"

	local := NewPublisher(conn, subject)
	remote := NewPublisher(conn, subject)
	assert.NotEqual(t, local.Origin(), remote.Origin())

	rec := &recorder{names: make(chan string, 4)}
	_, err := SubscribeExcept(conn, subject, local.Origin(), rec)
	require.NoError(t, err)
	require.NoError(t, conn.Flush())

	require.NoError(t, local.Publish(Event{Op: OpReload, Name: "mine"}))
	require.NoError(t, remote.Publish(Event{Op: OpReload, Name: "theirs"}))
	require.NoError(t, conn.Flush())

	select {
	case name := <-rec.names:
		assert.Equal(t, "theirs", name)
	case <-time.After(5 * time.Second):
		t.Fatal("remote invalidation not received")
	}
	select {
	case name := <-rec.names:
		t.Fatalf("unexpected invalidation of %s", name)
	case <-time.After(100 * time.Millisecond):
	}
}

type invalidatorFunc func(string)

func (f invalidatorFunc) Invalidate(name string) { f(name) }
