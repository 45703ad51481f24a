package castprotocol

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishen/go-chromecast/cast"
	pb "github.com/vishen/go-chromecast/cast/proto"
)

type sentMessage struct {
	requestID int
	namespace string
	dest      string
	body      map[string]any
}

func (m sentMessage) typ() string {
	s, _ := m.body["type"].(string)
	return s
}

// fakeReceiver is an in-memory Conn that answers like a Cast receiver.
type fakeReceiver struct {
	mu        sync.Mutex
	msgs      chan *pb.CastMessage
	sent      []sentMessage
	startErr  error
	launched  bool
	silent    bool
	dropPongs bool
	loadReply map[string]any
	closed    bool
}

func newFakeReceiver() *fakeReceiver {
	return &fakeReceiver{msgs: make(chan *pb.CastMessage, 64)}
}

func (f *fakeReceiver) Start(addr string, port int) error { return f.startErr }

func (f *fakeReceiver) MsgChan() chan *pb.CastMessage { return f.msgs }

func (f *fakeReceiver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeReceiver) Send(requestID int, payload cast.Payload, sourceID, destinationID, namespace string) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var body map[string]any
	if err := json.Unmarshal(b, &body); err != nil {
		return err
	}

	m := sentMessage{requestID: requestID, namespace: namespace, dest: destinationID, body: body}
	f.mu.Lock()
	f.sent = append(f.sent, m)
	silent := f.silent
	f.mu.Unlock()

	if !silent {
		f.respond(m)
	}
	return nil
}

func (f *fakeReceiver) respond(m sentMessage) {
	switch m.namespace {
	case namespaceHeartbeat:
		f.mu.Lock()
		drop := f.dropPongs
		f.mu.Unlock()
		if m.typ() == typePing && !drop {
			f.push(defaultReceiver, namespaceHeartbeat, map[string]any{"type": typePong})
		}
	case namespaceReceiver:
		switch m.typ() {
		case typeLaunch:
			f.mu.Lock()
			f.launched = true
			f.mu.Unlock()
			f.push(defaultReceiver, namespaceReceiver, f.receiverStatus(m.requestID))
		case typeGetStatus, typeSetVolume:
			f.push(defaultReceiver, namespaceReceiver, f.receiverStatus(m.requestID))
		}
	case namespaceMedia:
		switch m.typ() {
		case typeLoad:
			f.mu.Lock()
			r := f.loadReply
			f.mu.Unlock()
			if r == nil {
				r = mediaStatusBody(7, PlayerStatePlaying, 0)
			}
			r["requestId"] = m.requestID
			f.push("web-1", namespaceMedia, r)
		case typePlay, typePause, typeSeek, typeStop:
			r := mediaStatusBody(7, PlayerStatePlaying, 0)
			r["requestId"] = m.requestID
			f.push("web-1", namespaceMedia, r)
		}
	}
}

func (f *fakeReceiver) receiverStatus(requestID int) map[string]any {
	f.mu.Lock()
	launched := f.launched
	f.mu.Unlock()

	apps := []any{}
	if launched {
		apps = append(apps, map[string]any{
			"appId":       DefaultMediaReceiverAppID,
			"sessionId":   "sess-1",
			"transportId": "web-1",
			"displayName": "Default Media Receiver",
		})
	}
	return map[string]any{
		"type":      typeReceiverStatus,
		"requestId": requestID,
		"status": map[string]any{
			"applications": apps,
			"volume":       map[string]any{"level": 0.5, "muted": false},
		},
	}
}

func mediaStatusBody(msid int, state string, current float64) map[string]any {
	return map[string]any{
		"type": typeMediaStatus,
		"status": []any{map[string]any{
			"mediaSessionId": msid,
			"playerState":    state,
			"currentTime":    current,
			"media":          map[string]any{"duration": 120.0},
		}},
	}
}

func (f *fakeReceiver) push(source, namespace string, body map[string]any) {
	b, _ := json.Marshal(body)
	s := string(b)
	dest := defaultSender
	version := pb.CastMessage_CASTV2_1_0
	payloadType := pb.CastMessage_STRING
	f.msgs <- &pb.CastMessage{
		ProtocolVersion: &version,
		SourceId:        &source,
		DestinationId:   &dest,
		Namespace:       &namespace,
		PayloadType:     &payloadType,
		PayloadUtf8:     &s,
	}
}

func (f *fakeReceiver) sentOfType(t string) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if m.typ() == t {
			out = append(out, m)
		}
	}
	return out
}

func connectedClient(t *testing.T, f *fakeReceiver, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithConnection(f), WithRequestTimeout(time.Second)}, opts...)
	c, err := NewClient("192.168.1.20:8009", opts...)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close(false) })
	return c
}

func nextEvent(t *testing.T, c *Client, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			require.True(t, ok, "events closed while waiting for %s", kind)
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestConnectLaunchLoad(t *testing.T) {
	f := newFakeReceiver()
	c := connectedClient(t, f)
	ctx := context.Background()

	sid, err := c.LaunchApp(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sid)

	err = c.Load(ctx, sid, Media{
		URL:         "http://10.0.0.2:3500/media/abc.mp4",
		ContentType: "video/mp4",
		Title:       "clip",
		Duration:    2 * time.Minute,
		StartTime:   10 * time.Second,
		Autoplay:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, c.MediaSessionID())

	loads := f.sentOfType(typeLoad)
	require.Len(t, loads, 1)
	assert.Equal(t, "web-1", loads[0].dest)
	media := loads[0].body["media"].(map[string]any)
	assert.Equal(t, "http://10.0.0.2:3500/media/abc.mp4", media["contentId"])
	assert.Equal(t, StreamTypeBuffered, media["streamType"])
	assert.EqualValues(t, 10, loads[0].body["currentTime"])

	connects := f.sentOfType(typeConnect)
	require.Len(t, connects, 2)
	assert.Equal(t, defaultReceiver, connects[0].dest)
	assert.Equal(t, "web-1", connects[1].dest)
}

func TestLiveMediaOmitsDuration(t *testing.T) {
	item := Media{URL: "u", ContentType: "video/mp4", Duration: time.Minute, Live: true}.item()
	assert.Equal(t, StreamTypeLive, item.StreamType)
	assert.Zero(t, item.Duration)
}

func TestConnectUnreachable(t *testing.T) {
	f := newFakeReceiver()
	f.startErr = errors.New("dial tcp: connection refused")

	c, err := NewClient("192.168.1.20", WithConnection(f))
	require.NoError(t, err)

	err = c.Connect(context.Background())
	require.ErrorIs(t, err, ErrUnreachable)

	select {
	case _, ok := <-c.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestConnectProtocolMismatch(t *testing.T) {
	f := newFakeReceiver()
	f.silent = true

	c, err := NewClient("192.168.1.20", WithConnection(f), WithRequestTimeout(50*time.Millisecond))
	require.NoError(t, err)

	err = c.Connect(context.Background())
	require.ErrorIs(t, err, ErrProtocolMismatch)
	assert.False(t, c.IsConnected())
}

func TestLoadRejected(t *testing.T) {
	f := newFakeReceiver()
	f.loadReply = map[string]any{"type": typeLoadFailed, "reason": "UNSUPPORTED_FORMAT"}
	c := connectedClient(t, f)

	sid, err := c.LaunchApp(context.Background(), DefaultMediaReceiverAppID)
	require.NoError(t, err)

	err = c.Load(context.Background(), sid, Media{URL: "http://x/y", ContentType: "video/x-flv"})
	require.ErrorIs(t, err, ErrLoadRejected)

	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "UNSUPPORTED_FORMAT", le.Reason)
	assert.False(t, errors.Is(err, ErrLoadTimeout))
}

func TestLoadTimeout(t *testing.T) {
	f := newFakeReceiver()
	c := connectedClient(t, f, WithLoadTimeout(50*time.Millisecond))

	sid, err := c.LaunchApp(context.Background(), "")
	require.NoError(t, err)

	f.mu.Lock()
	f.silent = true
	f.mu.Unlock()

	err = c.Load(context.Background(), sid, Media{URL: "http://x/y", ContentType: "video/mp4"})
	require.ErrorIs(t, err, ErrLoadTimeout)
	require.ErrorIs(t, err, ErrLoadRejected)
}

func TestLoadUnknownSession(t *testing.T) {
	c := connectedClient(t, newFakeReceiver())
	err := c.Load(context.Background(), "nope", Media{URL: "http://x/y"})
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestControl(t *testing.T) {
	f := newFakeReceiver()
	c := connectedClient(t, f)
	ctx := context.Background()

	sid, err := c.LaunchApp(ctx, "")
	require.NoError(t, err)

	err = c.Control(ctx, sid, PauseCommand())
	require.ErrorIs(t, err, ErrNoMediaSession)

	require.NoError(t, c.Load(ctx, sid, Media{URL: "http://x/y", ContentType: "video/mp4"}))
	require.NoError(t, c.Control(ctx, sid, PauseCommand()))
	require.NoError(t, c.Control(ctx, sid, SeekCommand(90*time.Second)))
	require.NoError(t, c.Control(ctx, sid, VolumeCommand(1.7)))

	seeks := f.sentOfType(typeSeek)
	require.Len(t, seeks, 1)
	assert.EqualValues(t, 90, seeks[0].body["currentTime"])
	assert.EqualValues(t, 7, seeks[0].body["mediaSessionId"])

	vols := f.sentOfType(typeSetVolume)
	require.Len(t, vols, 1)
	assert.Equal(t, namespaceReceiver, vols[0].namespace)
	assert.EqualValues(t, 1, vols[0].body["volume"].(map[string]any)["level"])

	require.NoError(t, c.Control(ctx, sid, StopCommand()))
	stops := f.sentOfType(typeStop)
	require.Len(t, stops, 1)
	assert.Equal(t, namespaceMedia, stops[0].namespace)
	assert.EqualValues(t, 7, stops[0].body["mediaSessionId"])
}

func TestEventsKeepReceiveOrder(t *testing.T) {
	f := newFakeReceiver()
	c := connectedClient(t, f)

	for i := 1; i <= 5; i++ {
		f.push("web-1", namespaceMedia, mediaStatusBody(7, PlayerStatePlaying, float64(i)))
	}

	for i := 1; i <= 5; i++ {
		ev := nextEvent(t, c, EventMediaStatus)
		require.NotNil(t, ev.Media)
		assert.Equal(t, time.Duration(i)*time.Second, ev.Media.CurrentTime)
	}
}

func TestSessionEndedWhenAppDisappears(t *testing.T) {
	f := newFakeReceiver()
	c := connectedClient(t, f)

	_, err := c.LaunchApp(context.Background(), "")
	require.NoError(t, err)

	f.mu.Lock()
	f.launched = false
	f.mu.Unlock()
	f.push(defaultReceiver, namespaceReceiver, f.receiverStatus(0))

	nextEvent(t, c, EventSessionEnded)
	assert.Empty(t, c.SessionID())
}

func TestHeartbeatLoss(t *testing.T) {
	f := newFakeReceiver()
	f.dropPongs = true
	c := connectedClient(t, f, WithHeartbeat(10*time.Millisecond, 40*time.Millisecond))

	ev := nextEvent(t, c, EventConnectionLost)
	require.ErrorIs(t, ev.Err, ErrConnectionLost)
	assert.False(t, c.IsConnected())

	_, err := c.LaunchApp(context.Background(), "")
	require.ErrorIs(t, err, ErrConnectionLost)
}

func TestHeartbeatKeepsAlive(t *testing.T) {
	f := newFakeReceiver()
	c := connectedClient(t, f, WithHeartbeat(10*time.Millisecond, 60*time.Millisecond))

	time.Sleep(200 * time.Millisecond)
	assert.True(t, c.IsConnected())
	assert.NotEmpty(t, f.sentOfType(typePing))
}

func TestAnswersReceiverPing(t *testing.T) {
	f := newFakeReceiver()
	connectedClient(t, f)

	f.push(defaultReceiver, namespaceHeartbeat, map[string]any{"type": typePing})

	require.Eventually(t, func() bool {
		return len(f.sentOfType(typePong)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCloseStopsApp(t *testing.T) {
	f := newFakeReceiver()
	c := connectedClient(t, f)

	sid, err := c.LaunchApp(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, c.Close(true))

	stops := f.sentOfType(typeStop)
	require.Len(t, stops, 1)
	assert.Equal(t, sid, stops[0].body["sessionId"])
	assert.Len(t, f.sentOfType(typeClose), 1)

	f.mu.Lock()
	assert.True(t, f.closed)
	f.mu.Unlock()
}

func TestSplitDeviceAddr(t *testing.T) {
	tt := []struct {
		in   string
		host string
		port int
		err  bool
	}{
		{"192.168.1.20", "192.168.1.20", DefaultPort, false},
		{"192.168.1.20:8010", "192.168.1.20", 8010, false},
		{"http://livingroom.local:8009", "livingroom.local", 8009, false},
		{"[fe80::1]:8009", "fe80::1", 8009, false},
		{"host:notaport", "", 0, true},
		{"", "", 0, true},
	}

	for _, tc := range tt {
		t.Run(tc.in, func(t *testing.T) {
			host, port, err := splitDeviceAddr(tc.in)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.host, host)
			assert.Equal(t, tc.port, port)
		})
	}
}
