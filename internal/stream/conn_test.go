package stream

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/voicenote/internal/message"
	"github.com/neboloop/voicenote/internal/metrics"
	"github.com/neboloop/voicenote/internal/transport"
)

const waitFor = 2 * time.Second

func start(t *testing.T, c *Conn) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background()) }()
	t.Cleanup(func() {
		c.Close()
		<-c.Done()
	})
	return errc
}

// collect polls Receive until n messages have arrived.
func collect(t *testing.T, c *Conn, n int) []message.Message {
	t.Helper()
	var got []message.Message
	deadline := time.Now().Add(waitFor)
	for len(got) < n && time.Now().Before(deadline) {
		msgs, err := c.Receive()
		require.NoError(t, err)
		got = append(got, msgs...)
		if len(got) < n {
			time.Sleep(2 * time.Millisecond)
		}
	}
	require.Len(t, got, n)
	return got
}

func readRecord(t *testing.T, p *transport.PipeEnd) message.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	b, err := p.Receive(ctx)
	require.NoError(t, err)
	r, err := message.JSON.Decode(b)
	require.NoError(t, err)
	return r
}

func assertSilent(t *testing.T, p *transport.PipeEnd) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	b, err := p.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "unexpected frame %s", b)
}

func writeRecord(t *testing.T, p *transport.PipeEnd, m message.Message) {
	t.Helper()
	b, err := message.Encode(message.JSON, m)
	require.NoError(t, err)
	require.NoError(t, p.Send(context.Background(), b))
}

func ids(msgs []message.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Header().ID + "/" + string(m.Header().Status)
	}
	return out
}

func TestSendOrderIsPreserved(t *testing.T) {
	a, b := transport.NewPipe()
	ca, cb := New(a), New(b)
	start(t, ca)
	start(t, cb)

	require.NoError(t, ca.Send(message.NewInitializing("x", nil, "", false)))
	for i := 0; i < 5; i++ {
		require.NoError(t, ca.Send(message.NewAudioChunk("x", message.StatusRecording, []byte{byte(i)})))
	}
	require.NoError(t, ca.Send(message.NewAudioChunk("x", message.StatusFinished, nil)))

	got := collect(t, cb, 7)
	assert.Equal(t, message.KindInitializing, got[0].Kind())
	for i := 0; i < 5; i++ {
		chunk := got[i+1].(*message.AudioChunk)
		assert.Equal(t, []byte{byte(i)}, chunk.Audio)
	}
	assert.Equal(t, message.StatusFinished, got[6].Header().Status)
	assert.Equal(t, "x", cb.CommunicationID())
}

func TestResetDiscardsPendingRecording(t *testing.T) {
	local, peer := transport.NewPipe()
	c := New(local)

	require.NoError(t, c.Send(message.NewInitializing("A", nil, "", false)))
	require.NoError(t, c.Send(message.NewAudioChunk("A", message.StatusRecording, []byte{1})))
	require.NoError(t, c.Send(message.NewAudioChunk("A", message.StatusRecording, []byte{2})))

	require.NoError(t, c.Reset("B"))
	require.NoError(t, c.Send(message.NewAction("B", message.ActionDelete, "notes/1")))
	start(t, c)

	reset := readRecord(t, peer)
	assert.Equal(t, "RESET", reset[message.FieldStatus])
	assert.Equal(t, "B", reset[message.FieldID])
	assert.Equal(t, int64(1), reset[message.FieldEpoch])

	action := readRecord(t, peer)
	assert.Equal(t, "DELETE", action[message.FieldAction])
	assert.Equal(t, "B", action[message.FieldID])

	assertSilent(t, peer)
	assert.Equal(t, uint64(3), c.Stats().Discarded)
}

func TestSendWhileFenced(t *testing.T) {
	local, _ := transport.NewPipe()
	c := New(local)
	require.NoError(t, c.Reset("B"))

	err := c.Send(message.NewAudioChunk("B", message.StatusRecording, []byte{1}))
	require.ErrorIs(t, err, ErrResetInProgress)
	var re *ResetError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "B", re.Current)

	err = c.Send(message.NewInitializing("A", nil, "", false))
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "A", re.ID)
	assert.Equal(t, "B", re.Current)

	require.NoError(t, c.Send(message.NewInitializing("B", nil, "", false)))
	require.NoError(t, c.Send(message.NewAudioChunk("B", message.StatusRecording, []byte{1})))
	assert.False(t, c.Stats().OutFenced)
}

func TestInboundFencingDropsOtherCommunications(t *testing.T) {
	local, peer := transport.NewPipe()
	c := New(local)
	require.NoError(t, c.Reset("B"))
	start(t, c)
	readRecord(t, peer) // RESET

	writeRecord(t, peer, message.NewAudioChunk("A", message.StatusRecording, []byte{1}))
	writeRecord(t, peer, message.NewAudioChunk("B", message.StatusRecording, []byte{2}))
	writeRecord(t, peer, message.NewText("A", message.StatusFinished, "late", ""))
	writeRecord(t, peer, message.NewInitializing("A", nil, "", false))
	writeRecord(t, peer, message.NewInitializing("B", nil, "", false))
	writeRecord(t, peer, message.NewAudioChunk("B", message.StatusRecording, []byte{3}))
	writeRecord(t, peer, message.NewText("A", message.StatusFinished, "stale", ""))
	writeRecord(t, peer, message.NewText("B", message.StatusFinished, "done", ""))

	got := collect(t, c, 3)
	assert.Equal(t, []string{"B/INITIALIZING", "B/RECORDING", "B/FINISHED"}, ids(got))
	assert.Equal(t, "done", got[2].(*message.Text).Text)

	msgs, err := c.Receive()
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestIncomingResetDuringSend(t *testing.T) {
	local, peer := transport.NewPipe()
	c := New(local)

	require.NoError(t, c.Send(message.NewInitializing("A", nil, "", false)))
	require.NoError(t, c.Send(message.NewAudioChunk("A", message.StatusRecording, []byte{1})))

	frame, err := message.Encode(message.JSON, message.NewReset("B", 1))
	require.NoError(t, err)
	c.deliver(frame)

	assert.Equal(t, "B", c.CommunicationID())
	assert.Zero(t, c.Stats().PendingOut)

	err = c.Send(message.NewAudioChunk("A", message.StatusRecording, []byte{2}))
	require.ErrorIs(t, err, ErrResetInProgress)

	require.NoError(t, c.Send(message.NewInitializing("B", nil, "", false)))
	start(t, c)

	first := readRecord(t, peer)
	assert.Equal(t, "B", first[message.FieldID])
	assert.Equal(t, "INITIALIZING", first[message.FieldStatus])
	assertSilent(t, peer)

	writeRecord(t, peer, message.NewInitializing("B", nil, "", false))
	got := collect(t, c, 1)
	assert.Equal(t, "B", got[0].Header().ID)

	stats := c.Stats()
	assert.False(t, stats.InFenced)
	assert.False(t, stats.OutFenced)
}

func TestConcurrentResetsConverge(t *testing.T) {
	a, b := transport.NewPipe()
	ca, cb := New(a), New(b)

	require.NoError(t, ca.Reset("X"))
	require.NoError(t, cb.Reset("Y"))
	start(t, ca)
	start(t, cb)

	require.Eventually(t, func() bool {
		return ca.CommunicationID() == "Y" && cb.CommunicationID() == "Y"
	}, waitFor, 5*time.Millisecond)
	// The losing reset must not move the winner.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "Y", cb.CommunicationID())

	require.NoError(t, ca.Send(message.NewInitializing("Y", nil, "", false)))
	require.NoError(t, ca.Send(message.NewAudioChunk("Y", message.StatusRecording, []byte{1})))
	got := collect(t, cb, 2)
	assert.Equal(t, []string{"Y/INITIALIZING", "Y/RECORDING"}, ids(got))
}

func TestSequentialResetsFollowEpoch(t *testing.T) {
	a, b := transport.NewPipe()
	ca, cb := New(a), New(b)
	start(t, ca)
	start(t, cb)

	require.NoError(t, ca.Reset("m"))
	require.Eventually(t, func() bool { return cb.CommunicationID() == "m" }, waitFor, 5*time.Millisecond)

	// "a" sorts before "m" but carries a later epoch.
	require.NoError(t, cb.Reset("a"))
	require.Eventually(t, func() bool { return ca.CommunicationID() == "a" }, waitFor, 5*time.Millisecond)
	assert.Equal(t, uint64(2), ca.Stats().Epoch)
}

func TestResetWithoutEpochIsAdopted(t *testing.T) {
	local, _ := transport.NewPipe()
	c := New(local)
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, c.Reset(id))
	}

	frame, err := message.JSON.Encode(message.Record{"id": "legacy", "status": "RESET"})
	require.NoError(t, err)
	c.deliver(frame)

	assert.Equal(t, "legacy", c.CommunicationID())
	assert.Equal(t, uint64(4), c.Stats().Epoch)
}

func TestResetWithoutIDBindsNextInitializing(t *testing.T) {
	local, _ := transport.NewPipe()
	c := New(local)
	require.NoError(t, c.Send(message.NewInitializing("A", nil, "", false)))

	frame, err := message.JSON.Encode(message.Record{"status": "RESET"})
	require.NoError(t, err)
	c.deliver(frame)
	assert.True(t, c.Stats().InFenced)

	for _, m := range []message.Message{
		message.NewAudioChunk("A", message.StatusRecording, []byte{1}),
		message.NewInitializing("X", nil, "", false),
		message.NewAudioChunk("X", message.StatusRecording, []byte{2}),
	} {
		b, err := message.Encode(message.JSON, m)
		require.NoError(t, err)
		c.deliver(b)
	}

	msgs, err := c.Receive()
	require.NoError(t, err)
	assert.Equal(t, []string{"X/INITIALIZING", "X/RECORDING"}, ids(msgs))
	assert.False(t, c.Stats().InFenced)
	assert.Equal(t, "X", c.CommunicationID())
}

func TestSupersededResetIsIgnored(t *testing.T) {
	local, _ := transport.NewPipe()
	c := New(local)
	require.NoError(t, c.Reset("a"))
	require.NoError(t, c.Reset("b"))

	frame, err := message.Encode(message.JSON, message.NewReset("z", 1))
	require.NoError(t, err)
	c.deliver(frame)

	assert.Equal(t, "b", c.CommunicationID())
}

func TestClosedConnection(t *testing.T) {
	local, _ := transport.NewPipe()
	c := New(local)
	require.NoError(t, c.Send(message.NewInitializing("A", nil, "", false)))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Send(message.NewInitializing("A", nil, "", false)), ErrConnectionClosed)
	_, err := c.Receive()
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, c.Reset("B"), ErrConnectionClosed)
	assert.ErrorIs(t, c.Run(context.Background()), ErrConnectionClosed)

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
}

func TestRemoteEndKeepsBufferedRecords(t *testing.T) {
	local, peer := transport.NewPipe()
	c := New(local)
	errc := start(t, c)

	writeRecord(t, peer, message.NewInitializing("A", nil, "", false))
	writeRecord(t, peer, message.NewText("A", message.StatusFinished, "bye", ""))
	peer.Close()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after remote end")
	}

	assert.ErrorIs(t, c.Send(message.NewText("A", message.StatusFinished, "x", "")), ErrConnectionClosed)

	msgs, err := c.Receive()
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	_, err = c.Receive()
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestDecodeErrorSurfacesInOrder(t *testing.T) {
	local, peer := transport.NewPipe()
	c := New(local)
	errc := start(t, c)

	ctx := context.Background()
	writeRecord(t, peer, message.NewInitializing("A", nil, "", false))
	require.NoError(t, peer.Send(ctx, []byte(`{"id": "A", "audio_base64": "***"}`)))
	writeRecord(t, peer, message.NewAudioChunk("A", message.StatusRecording, []byte{1}))
	peer.Close()
	<-errc

	msgs, err := c.Receive()
	require.ErrorIs(t, err, message.ErrDecode)
	assert.Len(t, msgs, 1)

	msgs, err = c.Receive()
	require.NoError(t, err)
	assert.Equal(t, []string{"A/RECORDING"}, ids(msgs))
}

func TestSentinelExchangeWithCloseSend(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	received := make(chan int, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		s := transport.NewSentinel(conn)
		defer s.Close()
		ctx := context.Background()
		n := 0
		for {
			if _, err := s.Receive(ctx); err != nil {
				break
			}
			n++
		}
		received <- n
		reply, _ := message.Encode(message.Legacy, message.NewText("A", message.StatusFinished, "heard it", "notes/1"))
		s.Send(ctx, reply)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	client, err := transport.DialSentinel(ctx, listener.Addr().String())
	require.NoError(t, err)

	c := New(client, WithCodec(message.Legacy))
	errc := start(t, c)

	require.NoError(t, c.Send(message.NewInitializing("A", nil, "", false)))
	require.NoError(t, c.Send(message.NewAudioChunk("A", message.StatusRecording, []byte{1, 2})))
	require.NoError(t, c.Send(message.NewAudioChunk("A", message.StatusFinished, nil)))
	require.NoError(t, c.CloseSend())
	assert.ErrorIs(t, c.Send(message.NewText("A", "", "x", "")), ErrConnectionClosed)

	assert.Equal(t, 3, <-received)
	require.NoError(t, <-errc)

	msgs, err := c.Receive()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	text := msgs[0].(*message.Text)
	assert.Equal(t, "heard it", text.Text)
	assert.Equal(t, "notes/1", text.SavePath)
}

func TestCloseSendUnsupported(t *testing.T) {
	local, _ := transport.NewPipe()
	c := New(local)
	assert.ErrorIs(t, c.CloseSend(), transport.ErrHalfCloseUnsupported)
}

func TestSendRejectsResetRecord(t *testing.T) {
	local, _ := transport.NewPipe()
	c := New(local)
	assert.ErrorIs(t, c.Send(message.NewReset("A", 1)), ErrControlRecord)
}

func TestBoundedQueue(t *testing.T) {
	local, _ := transport.NewPipe()
	c := New(local, WithQueueLimit(2, DropNewest))

	require.NoError(t, c.Send(message.NewInitializing("A", nil, "", false)))
	require.NoError(t, c.Send(message.NewAudioChunk("A", message.StatusRecording, []byte{1})))
	assert.ErrorIs(t, c.Send(message.NewAudioChunk("A", message.StatusRecording, []byte{2})), ErrQueueFull)

	c2 := New(local, WithQueueLimit(2, DropOldest))
	require.NoError(t, c2.Send(message.NewInitializing("A", nil, "", false)))
	require.NoError(t, c2.Send(message.NewAudioChunk("A", message.StatusRecording, []byte{1})))
	require.NoError(t, c2.Send(message.NewAudioChunk("A", message.StatusRecording, []byte{2})))
	stats := c2.Stats()
	assert.Equal(t, 2, stats.PendingOut)
	assert.Equal(t, uint64(1), stats.Discarded)
}

func TestResetDiscardsAreExported(t *testing.T) {
	reg := prometheus.NewRegistry()
	local, _ := transport.NewPipe()
	c := New(local, WithMetrics(metrics.New(reg)))

	require.NoError(t, c.Send(message.NewInitializing("A", nil, "", false)))
	require.NoError(t, c.Send(message.NewAudioChunk("A", message.StatusRecording, []byte{1})))
	require.NoError(t, c.Reset("B"))

	families, err := reg.Gather()
	require.NoError(t, err)
	var discarded float64
	for _, mf := range families {
		if mf.GetName() == "voicenote_stream_discarded_records_total" {
			for _, m := range mf.GetMetric() {
				discarded += m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, discarded)
}

func TestDropOldestKeepsResetAndInitializing(t *testing.T) {
	local, peer := transport.NewPipe()
	c := New(local, WithQueueLimit(3, DropOldest))

	require.NoError(t, c.Send(message.NewInitializing("A", nil, "", false)))
	require.NoError(t, c.Reset("B"))
	require.NoError(t, c.Send(message.NewInitializing("B", nil, "", false)))
	for i := byte(1); i <= 3; i++ {
		require.NoError(t, c.Send(message.NewAudioChunk("B", message.StatusRecording, []byte{i})))
	}
	start(t, c)

	reset := readRecord(t, peer)
	assert.Equal(t, "RESET", reset["status"])
	assert.Equal(t, "B", reset["id"])
	opening := readRecord(t, peer)
	assert.Equal(t, "INITIALIZING", opening["status"])
	assert.Equal(t, "B", opening["id"])
	chunk := readRecord(t, peer)
	assert.Equal(t, []byte{3}, chunk["audio"])
	assertSilent(t, peer)
}

func TestDropOldestRejectsWhenOnlyControlRecordsQueued(t *testing.T) {
	local, _ := transport.NewPipe()
	c := New(local, WithQueueLimit(2, DropOldest))

	require.NoError(t, c.Reset("B"))
	require.NoError(t, c.Send(message.NewInitializing("B", nil, "", false)))
	err := c.Send(message.NewAudioChunk("B", message.StatusRecording, []byte{1}))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, c.Stats().PendingOut)
}
