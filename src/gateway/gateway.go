package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mrvillage/quarrel-go/src/structs"
)

// https://discord.com/developers/docs/events/gateway#message-content-intent
type GatewayIntent = uint64

const (
	GuildsIntent               GatewayIntent = 1 << 0
	GuildMembersIntent         GatewayIntent = 1 << 1
	GuildModerationIntent      GatewayIntent = 1 << 2
	GuildVoiceStatesIntent     GatewayIntent = 1 << 7
	GuildPresencesIntent       GatewayIntent = 1 << 8
	GuildMessagesIntent        GatewayIntent = 1 << 9
	GuildMessageReactionIntent GatewayIntent = 1 << 10
	DirectMessageIntent        GatewayIntent = 1 << 12
	MessageContentIntent       GatewayIntent = 1 << 15
)

type GatewayStatus = string

const (
	StatusConnecting    GatewayStatus = "CONNECTING"
	StatusAwaitingHello GatewayStatus = "AWAITING_HELLO"
	StatusIdentifying   GatewayStatus = "IDENTIFYING"
	StatusResuming      GatewayStatus = "RESUMING"
	StatusReady         GatewayStatus = "READY"
	StatusClosed        GatewayStatus = "CLOSED"
)

const gatewayVersion = 10

// URLResolver supplies the gateway URL. Satisfied by *rest.Client.
type URLResolver interface {
	GetGatewayBot(ctx context.Context) (*structs.GatewayBot, error)
}

type Arguments struct {
	Token   string
	Intents GatewayIntent

	// ShardCount of zero means the identify payload carries no shard field.
	ShardID    int
	ShardCount int

	// LargeThreshold defaults to 250.
	LargeThreshold int

	// GatewayURL skips the REST lookup when set.
	GatewayURL string
	Rest       URLResolver

	Dialer *websocket.Dialer

	// NonResumableCloseCodes defaults to DefaultNonResumableCloseCodes.
	NonResumableCloseCodes []GatewayCloseEventCode

	// ReidentifyDelay is the wait before re-identifying after a
	// non-resumable invalid session. Zero means a random 1-5s.
	ReidentifyDelay time.Duration

	Logger *slog.Logger
}

// Session owns one live gateway socket at a time. The socket is replaced,
// never reused, across reconnects; session id and sequence survive the swap
// so the replacement can resume. Next is the single-consumer pull interface.
type Session struct {
	rwlock  sync.RWMutex
	writeMu sync.Mutex

	wsConn           *websocket.Conn
	wsDialer         *websocket.Dialer
	wsurl            string
	resumeGatewayURL string
	sessionID        string
	sequence         int64
	hasSequence      bool
	acked            bool
	heartbeatStop    chan struct{}
	status           GatewayStatus

	codec   *FrameCodec
	limiter *rate.Limiter

	token           string
	intents         GatewayIntent
	shardID         int
	shardCount      int
	largeThreshold  int
	rest            URLResolver
	nonResumable    map[GatewayCloseEventCode]struct{}
	reidentifyDelay time.Duration

	log *slog.Logger
}

func NewSession(args Arguments) *Session {
	if args.Dialer == nil {
		args.Dialer = websocket.DefaultDialer
	}
	if args.LargeThreshold == 0 {
		args.LargeThreshold = 250
	}
	if args.NonResumableCloseCodes == nil {
		args.NonResumableCloseCodes = DefaultNonResumableCloseCodes
	}
	if args.Logger == nil {
		args.Logger = slog.Default()
	}
	nonResumable := make(map[GatewayCloseEventCode]struct{}, len(args.NonResumableCloseCodes))
	for _, code := range args.NonResumableCloseCodes {
		nonResumable[code] = struct{}{}
	}
	return &Session{
		wsDialer:        args.Dialer,
		wsurl:           args.GatewayURL,
		codec:           NewFrameCodec(),
		limiter:         NewSendLimiter(),
		token:           args.Token,
		intents:         args.Intents,
		shardID:         args.ShardID,
		shardCount:      args.ShardCount,
		largeThreshold:  args.LargeThreshold,
		rest:            args.Rest,
		nonResumable:    nonResumable,
		reidentifyDelay: args.ReidentifyDelay,
		status:          StatusConnecting,
		log:             args.Logger,
	}
}

// Open dials the gateway, waits for Hello and identifies. Dispatch frames
// are consumed through Next afterwards.
func (s *Session) Open(ctx context.Context) error {
	s.rwlock.RLock()
	open := s.wsConn != nil
	s.rwlock.RUnlock()
	if open {
		return fmt.Errorf("gateway is already open")
	}
	if s.wsurl == "" {
		if s.rest == nil {
			return fmt.Errorf("no gateway url and no resolver configured")
		}
		gw, err := s.rest.GetGatewayBot(ctx)
		if err != nil {
			return fmt.Errorf("failed to resolve gateway url: %w", err)
		}
		s.wsurl = gw.URL
	}
	return s.connect(ctx)
}

// connect establishes a fresh socket generation: dial, Hello, heartbeat,
// then Identify or Resume depending on surviving session state.
func (s *Session) connect(ctx context.Context) error {
	s.rwlock.RLock()
	target := s.wsurl
	if s.resumeGatewayURL != "" && s.sessionID != "" && s.hasSequence {
		target = s.resumeGatewayURL
	}
	s.rwlock.RUnlock()

	s.log.Info("connecting to gateway", "url", target)
	conn, _, err := s.wsDialer.DialContext(ctx, gatewayURL(target), nil)
	if err != nil {
		return err
	}

	s.rwlock.Lock()
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
	s.wsConn = conn
	s.acked = true
	s.codec.Reset()
	s.status = StatusAwaitingHello
	s.rwlock.Unlock()

	// Hello is the first frame on every socket.
	hello, err := s.awaitHello(conn)
	if err != nil {
		conn.Close()
		return err
	}
	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond

	stop := make(chan struct{})
	s.rwlock.Lock()
	s.heartbeatStop = stop
	s.rwlock.Unlock()
	go s.heartbeat(conn, stop, interval)

	if s.resumable() {
		s.setStatus(StatusResuming)
		s.log.Info("resuming session", "session_id", s.sessionID)
		return s.sendResume(ctx)
	}
	s.setStatus(StatusIdentifying)
	return s.sendIdentify(ctx)
}

func (s *Session) awaitHello(conn *websocket.Conn) (*structs.HelloEvent, error) {
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		e, err := s.codec.Feed(messageType, message)
		if err != nil {
			return nil, err
		}
		if e == nil {
			continue
		}
		if e.Op != OpcodeHello {
			return nil, fmt.Errorf("expected hello, got opcode %d", e.Op)
		}
		hello := new(structs.HelloEvent)
		if err := json.Unmarshal(e.D, hello); err != nil {
			return nil, err
		}
		return hello, nil
	}
}

// Next blocks until the next dispatch frame. Control frames are handled
// internally; ordinary closures, reconnect requests and resumable invalid
// sessions are recovered transparently. Non-resumable closures surface as a
// *CloseError. Next must be called from a single goroutine.
func (s *Session) Next(ctx context.Context) (*structs.DispatchEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			s.teardown(websocket.CloseNormalClosure)
			return nil, err
		}
		s.rwlock.RLock()
		conn := s.wsConn
		status := s.status
		s.rwlock.RUnlock()
		if status == StatusClosed {
			return nil, ErrSessionClosed
		}
		if conn == nil {
			return nil, ErrSessionClosed
		}

		// ReadMessage has no context hook; a cancelled context closes the
		// socket out from under it so the read returns.
		readDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-readDone:
			}
		}()
		messageType, message, err := conn.ReadMessage()
		close(readDone)
		if err != nil {
			if ctx.Err() != nil {
				s.teardown(websocket.CloseNormalClosure)
				return nil, ctx.Err()
			}
			if s.Status() == StatusClosed {
				return nil, ErrSessionClosed
			}
			if fatal := s.classifyClosure(err); fatal != nil {
				s.teardown(websocket.CloseNormalClosure)
				return nil, fatal
			}
			s.log.Warn("gateway connection lost, reconnecting", "error", err)
			if err := s.connect(ctx); err != nil {
				return nil, err
			}
			continue
		}

		e, err := s.codec.Feed(messageType, message)
		if err != nil {
			s.teardown(CloseDecodeError)
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if e == nil {
			continue
		}
		dispatch, err := s.handleFrame(ctx, e)
		if err != nil {
			return nil, err
		}
		if dispatch != nil {
			return dispatch, nil
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, e *structs.RawEvent) (*structs.DispatchEvent, error) {
	if e.S != nil {
		s.rwlock.Lock()
		s.sequence = *e.S
		s.hasSequence = true
		s.rwlock.Unlock()
	}

	switch e.Op {
	case OpcodeDispatch:
		if e.T == structs.EventNameReady {
			ready := new(structs.ReadyEvent)
			if err := json.Unmarshal(e.D, ready); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDecode, err)
			}
			s.rwlock.Lock()
			s.sessionID = ready.SessionID
			s.resumeGatewayURL = ready.ResumeGatewayURL
			s.status = StatusReady
			s.rwlock.Unlock()
			s.log.Info("gateway is ready", "session_id", ready.SessionID)
		}
		s.rwlock.RLock()
		seq := s.sequence
		s.rwlock.RUnlock()
		return &structs.DispatchEvent{Type: e.T, Data: e.D, Sequence: seq}, nil

	case OpcodeHeartbeat:
		// The server asked for an immediate beat, independent of the timer.
		return nil, s.sendHeartbeat(ctx)

	case OpcodeReconnect:
		s.log.Info("gateway requested reconnect")
		s.closeSocket(websocket.CloseServiceRestart)
		return nil, s.connect(ctx)

	case OpcodeInvalidSession:
		var resumable bool
		if err := json.Unmarshal(e.D, &resumable); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if resumable {
			s.log.Info("invalid session, resuming")
			s.closeSocket(websocket.CloseServiceRestart)
			return nil, s.connect(ctx)
		}
		s.log.Warn("invalid session, identifying from scratch")
		s.rwlock.Lock()
		s.sessionID = ""
		s.resumeGatewayURL = ""
		s.hasSequence = false
		s.rwlock.Unlock()
		s.closeSocket(websocket.CloseNormalClosure)
		if err := s.reidentifyWait(ctx); err != nil {
			return nil, err
		}
		return nil, s.connect(ctx)

	case OpcodeHello:
		// Already handled during connect; a stray hello is harmless.
		return nil, nil

	case OpcodeHeartbeatAck:
		s.rwlock.Lock()
		s.acked = true
		s.rwlock.Unlock()
		return nil, nil
	}

	s.log.Debug("unhandled gateway opcode", "op_code", e.Op)
	return nil, nil
}

// classifyClosure returns a fatal error for closures the session must not
// recover from, nil for everything else.
func (s *Session) classifyClosure(err error) error {
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		// Network drops and our own forced closes are resumable.
		return nil
	}
	if _, fatal := s.nonResumable[closeErr.Code]; fatal {
		return &CloseError{Code: closeErr.Code, Reason: closeErr.Text}
	}
	return nil
}

func (s *Session) heartbeat(conn *websocket.Conn, stop <-chan struct{}, interval time.Duration) {
	// The first beat waits a random fraction of the interval so reconnect
	// storms do not thunder in lockstep.
	jitter := time.NewTimer(time.Duration(rand.Float64() * float64(interval)))
	defer jitter.Stop()
	select {
	case <-stop:
		return
	case <-jitter.C:
	}
	if !s.beat(conn) {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.rwlock.RLock()
			acked := s.acked
			s.rwlock.RUnlock()
			if !acked {
				// Dead connection: force the reader out of ReadMessage so
				// it resumes, instead of piling a beat on an unacked one.
				s.log.Warn("heartbeat never acknowledged, closing socket")
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseServiceRestart, ""),
					time.Now().Add(time.Second))
				conn.Close()
				return
			}
			if !s.beat(conn) {
				return
			}
		}
	}
}

func (s *Session) beat(conn *websocket.Conn) bool {
	s.rwlock.Lock()
	s.acked = false
	seq := s.heartbeatSequence()
	s.rwlock.Unlock()
	err := s.writeJSON(conn, OpcodeHeartbeat, seq)
	if err != nil {
		s.log.Warn("failed to send heartbeat", "error", err)
		return false
	}
	return true
}

// heartbeatSequence returns nil until the first dispatch frame is seen; the
// heartbeat payload carries a JSON null in that case. Callers hold rwlock.
func (s *Session) heartbeatSequence() *int64 {
	if !s.hasSequence {
		return nil
	}
	seq := s.sequence
	return &seq
}

func (s *Session) sendHeartbeat(ctx context.Context) error {
	s.rwlock.RLock()
	seq := s.heartbeatSequence()
	s.rwlock.RUnlock()
	return s.Send(ctx, OpcodeHeartbeat, seq)
}

func (s *Session) sendIdentify(ctx context.Context) error {
	identify := structs.IdentifyEvent{
		Token: s.token,
		Properties: structs.IdentifyEventProperties{
			Os:      "linux",
			Browser: "quarrel",
			Device:  "quarrel",
		},
		Compress:       true,
		LargeThreshold: s.largeThreshold,
		Intents:        s.intents,
	}
	if s.shardCount > 0 {
		identify.Shard = []int{s.shardID, s.shardCount}
	}
	return s.Send(ctx, OpcodeIdentify, identify)
}

func (s *Session) sendResume(ctx context.Context) error {
	s.rwlock.RLock()
	resume := structs.ResumeEvent{
		Token:     s.token,
		SessionID: s.sessionID,
		Seq:       s.sequence,
	}
	s.rwlock.RUnlock()
	return s.Send(ctx, OpcodeResume, resume)
}

// RequestGuildMembers asks the gateway to stream the member list of a guild
// through GUILD_MEMBERS_CHUNK dispatch frames.
func (s *Session) RequestGuildMembers(ctx context.Context, req structs.RequestGuildMembersEvent) error {
	if req.Query == nil && len(req.UserIDs) == 0 {
		empty := ""
		req.Query = &empty
	}
	return s.Send(ctx, OpcodeRequestGuildMembers, req)
}

// Send writes one frame, gated by the per-connection send budget.
func (s *Session) Send(ctx context.Context, op GatewayOpcode, d any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	s.rwlock.RLock()
	conn := s.wsConn
	s.rwlock.RUnlock()
	if conn == nil {
		return ErrSessionClosed
	}
	return s.writeJSON(conn, op, d)
}

type outboundFrame struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

func (s *Session) writeJSON(conn *websocket.Conn, op GatewayOpcode, d any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(outboundFrame{Op: op, D: d})
}

func (s *Session) reidentifyWait(ctx context.Context) error {
	delay := s.reidentifyDelay
	if delay == 0 {
		delay = time.Second + time.Duration(rand.Float64()*float64(4*time.Second))
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func (s *Session) resumable() bool {
	s.rwlock.RLock()
	defer s.rwlock.RUnlock()
	return s.sessionID != "" && s.hasSequence
}

func (s *Session) Status() GatewayStatus {
	s.rwlock.RLock()
	defer s.rwlock.RUnlock()
	return s.status
}

func (s *Session) setStatus(status GatewayStatus) {
	s.rwlock.Lock()
	s.status = status
	s.rwlock.Unlock()
}

// closeSocket tears down the current socket generation but keeps session id
// and sequence so the next connect can resume.
func (s *Session) closeSocket(code int) {
	s.rwlock.Lock()
	defer s.rwlock.Unlock()
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
	if s.wsConn != nil {
		s.writeMu.Lock()
		s.wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.wsConn.Close()
		s.wsConn = nil
	}
}

func (s *Session) teardown(code int) {
	s.closeSocket(code)
	s.setStatus(StatusClosed)
}

// Close ends the session for good; a closed session is never reused.
func (s *Session) Close(ctx context.Context) {
	s.teardown(websocket.CloseNormalClosure)
}

func gatewayURL(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("v", fmt.Sprint(gatewayVersion))
	q.Set("encoding", "json")
	q.Set("compress", "zlib-stream")
	u.RawQuery = q.Encode()
	return u.String()
}
