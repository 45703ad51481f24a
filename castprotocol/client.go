package castprotocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buger/jsonparser"
	"github.com/rs/zerolog"
	"github.com/vishen/go-chromecast/cast"
	pb "github.com/vishen/go-chromecast/cast/proto"
)

// Conn is the subset of the go-chromecast transport the client drives.
// *cast.Connection satisfies it.
type Conn interface {
	Start(addr string, port int) error
	MsgChan() chan *pb.CastMessage
	Send(requestID int, payload cast.Payload, sourceID, destinationID, namespace string) error
	Close() error
}

// EventKind tags the variants delivered on Events.
type EventKind int

const (
	EventMediaStatus EventKind = iota
	EventReceiverStatus
	EventSessionEnded
	EventConnectionLost
)

func (k EventKind) String() string {
	switch k {
	case EventMediaStatus:
		return "media-status"
	case EventReceiverStatus:
		return "receiver-status"
	case EventSessionEnded:
		return "session-ended"
	case EventConnectionLost:
		return "connection-lost"
	}
	return "unknown"
}

// Event is a status notification from the receiver.
type Event struct {
	Kind     EventKind
	Media    *MediaStatus
	Receiver *ReceiverStatus
	Err      error
}

type reply struct {
	typ     string
	payload []byte
}

// Client speaks Cast v2 to a single receiver. A Client is single use:
// once closed or once the connection is lost a new one has to be created.
type Client struct {
	conn Conn
	host string
	port int

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	requestTimeout    time.Duration
	launchTimeout     time.Duration
	loadTimeout       time.Duration

	requestID atomic.Int64

	mu             sync.Mutex
	pending        map[int]chan reply
	appID          string
	appSessionID   string
	transportID    string
	mediaSessionID int
	started        bool
	connected      bool

	// serializes Control so a single command is in flight.
	cmdMu sync.Mutex

	qmu     sync.Mutex
	qcond   *sync.Cond
	queue   []Event
	qclosed bool

	events        chan Event
	pongs         chan struct{}
	done          chan struct{}
	released      chan struct{}
	dispatchOnce  sync.Once
	terminateOnce sync.Once
	releaseOnce   sync.Once
	cause         error

	Logger      zerolog.Logger
	LogOutput   io.Writer
	initLogOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithConnection replaces the default TLS transport.
func WithConnection(conn Conn) Option {
	return func(c *Client) { c.conn = conn }
}

func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *Client) {
		c.heartbeatInterval = interval
		c.heartbeatTimeout = timeout
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

func WithLaunchTimeout(d time.Duration) Option {
	return func(c *Client) { c.launchTimeout = d }
}

func WithLoadTimeout(d time.Duration) Option {
	return func(c *Client) { c.loadTimeout = d }
}

// WithLogger sets the logger used for protocol traces.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.Logger = l }
}

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (c *Client) Log() *zerolog.Logger {
	if c.LogOutput != nil {
		c.initLogOnce.Do(func() {
			c.Logger = zerolog.New(c.LogOutput).With().Timestamp().Logger()
		})
	}
	return &c.Logger
}

// NewClient prepares a client for the receiver at deviceAddr, which may be
// "host", "host:port" or a URL such as "http://host:port".
func NewClient(deviceAddr string, opts ...Option) (*Client, error) {
	host, port, err := splitDeviceAddr(deviceAddr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		host:              host,
		port:              port,
		heartbeatInterval: 5 * time.Second,
		heartbeatTimeout:  15 * time.Second,
		requestTimeout:    10 * time.Second,
		launchTimeout:     30 * time.Second,
		loadTimeout:       30 * time.Second,
		pending:           make(map[int]chan reply),
		events:            make(chan Event, 16),
		pongs:             make(chan struct{}, 1),
		done:              make(chan struct{}),
		released:          make(chan struct{}),
		Logger:            zerolog.Nop(),
	}
	c.qcond = sync.NewCond(&c.qmu)

	for _, opt := range opts {
		opt(c)
	}
	if c.conn == nil {
		c.conn = cast.NewConnection()
	}

	return c, nil
}

func splitDeviceAddr(deviceAddr string) (string, int, error) {
	addr := strings.TrimSpace(deviceAddr)
	if addr == "" {
		return "", 0, fmt.Errorf("parse device addr: empty address")
	}

	if strings.Contains(addr, "://") {
		u, err := url.Parse(addr)
		if err != nil {
			return "", 0, fmt.Errorf("parse device addr: %w", err)
		}
		addr = u.Host
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.Trim(addr, "[]"), DefaultPort, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("parse device addr: invalid port %q", portStr)
	}

	return host, port, nil
}

// Events returns the ordered stream of receiver notifications. The channel is
// closed once the client has shut down.
func (c *Client) Events() <-chan Event {
	return c.events
}

// SessionID returns the receiver application session id, if any.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appSessionID
}

// MediaSessionID returns the id of the loaded media, zero if nothing is loaded.
func (c *Client) MediaSessionID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mediaSessionID
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials the receiver, opens the virtual connection and checks that the
// receiver answers a status request.
func (c *Client) Connect(ctx context.Context) error {
	c.startDispatch()

	c.Log().Debug().Str("Method", "Connect").Str("Host", c.host).Int("Port", c.port).Msg("connecting")

	startErr := make(chan error, 1)
	go func() {
		startErr <- c.conn.Start(c.host, c.port)
	}()

	select {
	case err := <-startErr:
		if err != nil {
			c.Log().Error().Str("Method", "Connect").Err(err).Msg("connection failed")
			c.terminate(ErrClosed)
			return fmt.Errorf("%w: %s:%d: %v", ErrUnreachable, c.host, c.port, err)
		}
	case <-ctx.Done():
		go func() {
			if err := <-startErr; err == nil {
				_ = c.conn.Close()
			}
		}()
		c.terminate(ErrClosed)
		return fmt.Errorf("%w: %s:%d: %v", ErrUnreachable, c.host, c.port, ctx.Err())
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	go c.readLoop(c.conn.MsgChan())

	connect := header(typeConnect)
	if err := c.send(0, &connect, namespaceConnection, defaultReceiver); err != nil {
		c.terminate(ErrClosed)
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	status := header(typeGetStatus)
	r, err := c.request(ctx, namespaceReceiver, defaultReceiver, &status)
	if err == nil && r.typ != typeReceiverStatus {
		err = fmt.Errorf("unexpected reply %q", r.typ)
	}
	if err == nil {
		_, err = parseReceiverStatus(r.payload)
	}
	if err != nil {
		c.Log().Error().Str("Method", "Connect").Err(err).Msg("receiver did not answer status request")
		c.terminate(ErrClosed)
		return fmt.Errorf("%w: %v", ErrProtocolMismatch, err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	go c.heartbeat()

	c.Log().Debug().Str("Method", "Connect").Msg("connected successfully")
	return nil
}

// LaunchApp starts appID on the receiver and attaches to its transport.
// It returns the receiver application session id.
func (c *Client) LaunchApp(ctx context.Context, appID string) (string, error) {
	if appID == "" {
		appID = DefaultMediaReceiverAppID
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.launchTimeout)
		defer cancel()
	}

	c.Log().Debug().Str("Method", "LaunchApp").Str("AppID", appID).Msg("launching")

	launch := &launchPayload{PayloadHeader: header(typeLaunch), AppId: appID}
	r, err := c.request(ctx, namespaceReceiver, defaultReceiver, launch)
	for {
		if err != nil {
			return "", fmt.Errorf("launch %s: %w", appID, err)
		}

		switch r.typ {
		case typeLaunchError, typeInvalidRequest:
			return "", &LaunchError{AppID: appID, Reason: replyReason(r)}
		case typeReceiverStatus:
			st, perr := parseReceiverStatus(r.payload)
			if perr != nil {
				return "", fmt.Errorf("launch %s: %w: %v", appID, ErrProtocolMismatch, perr)
			}
			for _, app := range st.Applications {
				if app.AppID == appID && app.TransportID != "" {
					return c.attach(app)
				}
			}
		default:
			return "", fmt.Errorf("launch %s: unexpected reply %q", appID, r.typ)
		}

		// The first status after LAUNCH may predate the app being listed.
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("launch %s: %w", appID, ctx.Err())
		case <-time.After(250 * time.Millisecond):
		}

		status := header(typeGetStatus)
		r, err = c.request(ctx, namespaceReceiver, defaultReceiver, &status)
	}
}

func (c *Client) attach(app Application) (string, error) {
	c.mu.Lock()
	c.appID = app.AppID
	c.appSessionID = app.SessionID
	c.transportID = app.TransportID
	c.mediaSessionID = 0
	c.mu.Unlock()

	c.Log().Debug().Str("Method", "LaunchApp").Str("SessionID", app.SessionID).Str("TransportID", app.TransportID).Msg("app running")

	connect := header(typeConnect)
	if err := c.send(0, &connect, namespaceConnection, app.TransportID); err != nil {
		return "", fmt.Errorf("connect to %s: %w", app.TransportID, err)
	}
	return app.SessionID, nil
}

// Load asks the launched application to play m.
func (c *Client) Load(ctx context.Context, sessionID string, m Media) error {
	transport, err := c.transportFor(sessionID)
	if err != nil {
		return err
	}

	c.Log().Debug().Str("Method", "Load").Str("URL", m.URL).Str("ContentType", m.ContentType).Dur("StartTime", m.StartTime).Bool("Live", m.Live).Msg("loading media")

	ctx, cancel := context.WithTimeout(ctx, c.loadTimeout)
	defer cancel()

	load := &loadPayload{
		PayloadHeader: header(typeLoad),
		SessionId:     sessionID,
		Media:         m.item(),
		CurrentTime:   m.StartTime.Seconds(),
		Autoplay:      m.Autoplay,
	}
	r, err := c.request(ctx, namespaceMedia, transport, load)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.Log().Error().Str("Method", "Load").Msg("receiver did not answer")
			return &LoadError{Reason: "timeout", Timeout: true}
		}
		return fmt.Errorf("load: %w", err)
	}

	switch r.typ {
	case typeMediaStatus:
		statuses, err := parseMediaStatus(r.payload)
		if err != nil {
			return fmt.Errorf("load: %w: %v", ErrProtocolMismatch, err)
		}
		c.mu.Lock()
		for _, s := range statuses {
			if s.MediaSessionID != 0 {
				c.mediaSessionID = s.MediaSessionID
			}
		}
		c.mu.Unlock()
		c.Log().Debug().Str("Method", "Load").Msg("load success")
		return nil
	case typeLoadFailed, typeLoadCancelled, typeInvalidRequest, typeInvalidState:
		reason := replyReason(r)
		c.Log().Error().Str("Method", "Load").Str("Reason", reason).Msg("load rejected")
		return &LoadError{Reason: reason}
	}

	return &LoadError{Reason: "unexpected reply " + r.typ}
}

// Control issues a single playback command and waits for the receiver to
// acknowledge it. Concurrent calls are executed one at a time.
func (c *Client) Control(ctx context.Context, sessionID string, cmd Command) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	transport, err := c.transportFor(sessionID)
	if err != nil {
		return err
	}

	var (
		p         cast.Payload
		namespace = namespaceMedia
		dest      = transport
	)

	switch cmd.Kind {
	case CommandSetVolume:
		level := cmd.Level
		p = &volumePayload{PayloadHeader: header(typeSetVolume), Volume: volumeLevel{Level: &level}}
		namespace, dest = namespaceReceiver, defaultReceiver
	case CommandSetMuted:
		muted := cmd.Muted
		p = &volumePayload{PayloadHeader: header(typeSetVolume), Volume: volumeLevel{Muted: &muted}}
		namespace, dest = namespaceReceiver, defaultReceiver
	default:
		msid := c.MediaSessionID()
		if msid == 0 {
			return fmt.Errorf("%s: %w", cmd.Kind, ErrNoMediaSession)
		}
		switch cmd.Kind {
		case CommandPlay:
			p = &mediaCommandPayload{PayloadHeader: header(typePlay), MediaSessionId: msid}
		case CommandPause:
			p = &mediaCommandPayload{PayloadHeader: header(typePause), MediaSessionId: msid}
		case CommandStop:
			p = &mediaCommandPayload{PayloadHeader: header(typeStop), MediaSessionId: msid}
		case CommandSeek:
			p = &seekPayload{PayloadHeader: header(typeSeek), MediaSessionId: msid, CurrentTime: cmd.Position.Seconds()}
		default:
			return fmt.Errorf("unsupported command %s", cmd.Kind)
		}
	}

	c.Log().Debug().Str("Method", "Control").Str("Command", cmd.Kind.String()).Msg("sending")

	r, err := c.request(ctx, namespace, dest, p)
	if err != nil {
		c.Log().Error().Str("Method", "Control").Str("Command", cmd.Kind.String()).Err(err).Msg("failed")
		return fmt.Errorf("%s: %w", cmd.Kind, err)
	}

	switch r.typ {
	case typeMediaStatus, typeReceiverStatus:
		return nil
	}
	return fmt.Errorf("%s: %w: %s", cmd.Kind, ErrCommandRejected, replyReason(r))
}

// Close tears the connection down. With stopMedia the running application is
// stopped on the receiver first.
func (c *Client) Close(stopMedia bool) error {
	c.mu.Lock()
	sessionID, transport, started := c.appSessionID, c.transportID, c.started
	c.mu.Unlock()

	c.Log().Debug().Str("Method", "Close").Bool("StopMedia", stopMedia).Msg("closing connection")

	var err error
	if started && !c.isTerminated() {
		if stopMedia && sessionID != "" {
			stop := &stopAppPayload{PayloadHeader: header(typeStop), SessionId: sessionID}
			err = c.send(c.nextRequestID(), stop, namespaceReceiver, defaultReceiver)
		}
		if transport != "" {
			closeMsg := header(typeClose)
			_ = c.send(0, &closeMsg, namespaceConnection, transport)
		}
	}

	c.startDispatch()
	c.terminate(ErrClosed)
	c.releaseOnce.Do(func() { close(c.released) })

	if err != nil {
		c.Log().Error().Str("Method", "Close").Err(err).Msg("failed")
	}
	return err
}

func (c *Client) transportFor(sessionID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isTerminated() {
		return "", c.cause
	}
	if sessionID == "" || sessionID != c.appSessionID || c.transportID == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownSession, sessionID)
	}
	return c.transportID, nil
}

func (c *Client) nextRequestID() int {
	return int(c.requestID.Add(1))
}

func (c *Client) send(requestID int, p cast.Payload, namespace, dest string) error {
	if requestID != 0 {
		p.SetRequestId(requestID)
	}
	return c.conn.Send(requestID, p, defaultSender, dest, namespace)
}

func (c *Client) request(ctx context.Context, namespace, dest string, p cast.Payload) (reply, error) {
	if c.isTerminated() {
		return reply{}, c.cause
	}

	id := c.nextRequestID()
	ch := make(chan reply, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	if err := c.send(id, p, namespace, dest); err != nil {
		return reply{}, err
	}

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-c.done:
		return reply{}, c.cause
	}
}

func (c *Client) readLoop(msgs <-chan *pb.CastMessage) {
	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				c.lost(errors.New("transport closed"))
				return
			}
			c.handle(msg)
		}
	}
}

func (c *Client) handle(msg *pb.CastMessage) {
	payload := []byte(msg.GetPayloadUtf8())
	typ, err := jsonparser.GetString(payload, "type")
	if err != nil {
		c.Log().Debug().Str("Method", "handle").Str("Namespace", msg.GetNamespace()).Msg("message without type")
		return
	}

	switch msg.GetNamespace() {
	case namespaceHeartbeat:
		switch typ {
		case typePing:
			pong := header(typePong)
			_ = c.send(0, &pong, namespaceHeartbeat, msg.GetSourceId())
		case typePong:
			select {
			case c.pongs <- struct{}{}:
			default:
			}
		}
		return
	case namespaceConnection:
		if typ == typeClose {
			c.mu.Lock()
			ours := c.transportID != "" && msg.GetSourceId() == c.transportID
			if ours {
				c.appSessionID, c.transportID, c.mediaSessionID = "", "", 0
			}
			c.mu.Unlock()
			if ours {
				c.enqueue(Event{Kind: EventSessionEnded})
			}
		}
		return
	}

	if id, err := jsonparser.GetInt(payload, "requestId"); err == nil && id != 0 {
		c.mu.Lock()
		ch, ok := c.pending[int(id)]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- reply{typ: typ, payload: payload}:
			default:
			}
		}
	}

	switch typ {
	case typeReceiverStatus:
		c.onReceiverStatus(payload)
	case typeMediaStatus:
		c.onMediaStatus(payload)
	}
}

func (c *Client) onReceiverStatus(payload []byte) {
	st, err := parseReceiverStatus(payload)
	if err != nil {
		c.Log().Debug().Str("Method", "onReceiverStatus").Err(err).Msg("malformed status")
		return
	}

	c.mu.Lock()
	ended := c.appSessionID != "" && st.App(c.appSessionID) == nil
	if ended {
		c.appSessionID, c.transportID, c.mediaSessionID = "", "", 0
	}
	c.mu.Unlock()

	c.enqueue(Event{Kind: EventReceiverStatus, Receiver: st})
	if ended {
		c.enqueue(Event{Kind: EventSessionEnded})
	}
}

func (c *Client) onMediaStatus(payload []byte) {
	statuses, err := parseMediaStatus(payload)
	if err != nil {
		c.Log().Debug().Str("Method", "onMediaStatus").Err(err).Msg("malformed status")
		return
	}

	for i := range statuses {
		s := statuses[i]
		if s.MediaSessionID != 0 {
			c.mu.Lock()
			if c.appSessionID != "" {
				c.mediaSessionID = s.MediaSessionID
			}
			c.mu.Unlock()
		}
		c.enqueue(Event{Kind: EventMediaStatus, Media: &s})
	}
}

func (c *Client) heartbeat() {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-c.done:
			return
		case <-c.pongs:
			last = time.Now()
		case <-ticker.C:
			if since := time.Since(last); since > c.heartbeatTimeout {
				c.lost(fmt.Errorf("no heartbeat reply for %s", since.Round(time.Millisecond)))
				return
			}
			ping := header(typePing)
			if err := c.send(0, &ping, namespaceHeartbeat, defaultReceiver); err != nil {
				c.lost(err)
				return
			}
		}
	}
}

func (c *Client) lost(err error) {
	cause := fmt.Errorf("%w: %v", ErrConnectionLost, err)
	c.terminateOnce.Do(func() {
		c.Log().Warn().Str("Method", "heartbeat").Err(err).Msg("connection lost")
		c.enqueue(Event{Kind: EventConnectionLost, Err: cause})
		c.shutdown(cause)
	})
}

func (c *Client) terminate(cause error) {
	c.terminateOnce.Do(func() {
		c.shutdown(cause)
	})
}

func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	c.cause = cause
	c.connected = false
	started := c.started
	c.mu.Unlock()

	close(c.done)
	if started {
		_ = c.conn.Close()
	}

	c.qmu.Lock()
	c.qclosed = true
	c.qmu.Unlock()
	c.qcond.Broadcast()
}

func (c *Client) isTerminated() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) startDispatch() {
	c.dispatchOnce.Do(func() {
		go c.dispatch()
	})
}

func (c *Client) enqueue(ev Event) {
	c.qmu.Lock()
	if !c.qclosed {
		c.queue = append(c.queue, ev)
	}
	c.qmu.Unlock()
	c.qcond.Signal()
}

// dispatch forwards queued events in order so that a slow consumer never
// stalls the read loop.
func (c *Client) dispatch() {
	defer close(c.events)
	for {
		c.qmu.Lock()
		for len(c.queue) == 0 && !c.qclosed {
			c.qcond.Wait()
		}
		if len(c.queue) == 0 {
			c.qmu.Unlock()
			return
		}
		ev := c.queue[0]
		c.queue[0] = Event{}
		c.queue = c.queue[1:]
		c.qmu.Unlock()

		select {
		case c.events <- ev:
		case <-c.released:
			return
		}
	}
}

func replyReason(r reply) string {
	for _, key := range []string{"reason", "detailedErrorCode"} {
		if v, err := jsonparser.GetString(r.payload, key); err == nil && v != "" {
			return v
		}
		if v, err := jsonparser.GetInt(r.payload, key); err == nil {
			return strconv.FormatInt(v, 10)
		}
	}
	return r.typ
}
