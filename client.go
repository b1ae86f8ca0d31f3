package mqtt5

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MessageHandler receives inbound messages for a subscription.
type MessageHandler func(msg *Message)

// Client is the session engine. It owns the transport for the duration of
// one connection, the session state across connections, and the
// persistence handle.
type Client struct {
	options *clientOptions
	logger  Logger

	session *SessionState
	queue   *ToDoQueue
	flow    *FlowController

	mu        sync.Mutex // guards conn, connState, keepAlive, cancel, readDone
	conn      Conn
	connState *ConnectionState
	keepAlive uint16
	cancel    context.CancelFunc
	readDone  chan struct{}

	connected atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once

	reconnecting  atomic.Bool
	reconnectMu   sync.Mutex
	reconnectStop chan struct{}

	parentCtx context.Context
	done      chan struct{}
	drainCh   chan struct{}

	writeMu sync.Mutex
}

// Dial connects to the first reachable server and returns the running
// client. The configured servers are tried in listed order; the context
// bounds the whole attempt.
func Dial(ctx context.Context, opts ...Option) (*Client, error) {
	options := applyOptions(opts...)
	if len(options.servers) == 0 {
		return nil, errors.New("no servers configured: use WithServers")
	}

	c := &Client{
		options:   options,
		logger:    options.logger,
		session:   NewSessionState(options.clientID, options.store),
		queue:     NewToDoQueue(options.bufferSize, options.outboundRate),
		flow:      NewFlowController(65535),
		parentCtx: ctx,
		done:      make(chan struct{}),
		drainCh:   make(chan struct{}, 1),
	}

	c.queue.SetDropOldest(options.bufferDropOldest)

	if err := c.session.Load(); err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, options.connectTimeout)
	defer cancel()
	if err := c.connect(connectCtx); err != nil {
		c.session.CloseStore()
		return nil, err
	}

	go c.drainLoop()
	go c.watchParentContext()

	return c, nil
}

func (c *Client) watchParentContext() {
	if c.parentCtx == nil {
		return
	}
	select {
	case <-c.parentCtx.Done():
		c.Close()
	case <-c.done:
	}
}

// connect walks the server list in order, performing the transport dial
// and MQTT handshake against each until one succeeds.
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		readDone := c.readDone
		c.mu.Unlock()
		if readDone != nil {
			select {
			case <-readDone:
			case <-time.After(time.Second):
			}
		}
		c.mu.Lock()
	}
	c.mu.Unlock()

	var lastErr error
	for _, server := range c.options.servers {
		if err := c.connectOne(ctx, server); err != nil {
			c.logger.Warn("connect attempt failed", LogFields{
				LogFieldServer: server,
				LogFieldError:  err,
			})
			lastErr = err
			var connErr *ConnectError
			if errors.As(err, &connErr) {
				// The broker answered and refused; the next URI will not
				// change its mind about this CONNECT.
				return err
			}
			continue
		}
		return nil
	}

	if lastErr == nil {
		lastErr = ErrNoServers
	}
	return fmt.Errorf("%w: %w", ErrNoServers, lastErr)
}

func (c *Client) connectOne(ctx context.Context, server string) error {
	conn, err := dialServer(ctx, server, c.options)
	if err != nil {
		return err
	}

	connState := NewConnectionState(c.options.topicAliasMaximum)

	connectPkt, err := c.buildConnect(ctx)
	if err != nil {
		conn.Close()
		return err
	}

	if c.options.writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.options.writeTimeout))
	}
	if _, err := WritePacket(conn, connectPkt, 0); err != nil {
		conn.Close()
		return fmt.Errorf("send CONNECT: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})
	connState.RegisterOutboundActivity()

	connack, err := c.readConnackWithAuth(ctx, conn)
	if err != nil {
		conn.Close()
		return err
	}

	return c.connectionStart(conn, connState, connack)
}

// buildConnect assembles the CONNECT packet from the options.
func (c *Client) buildConnect(ctx context.Context) (*ConnectPacket, error) {
	pkt := &ConnectPacket{
		ClientID:   c.session.ClientID(),
		CleanStart: c.options.cleanStart,
		KeepAlive:  c.options.keepAlive,
		Username:   c.options.username,
		Password:   c.options.password,
	}

	if c.options.willTopic != "" {
		pkt.WillFlag = true
		pkt.WillTopic = c.options.willTopic
		pkt.WillPayload = c.options.willPayload
		pkt.WillQoS = c.options.willQoS
		pkt.WillRetain = c.options.willRetain
		if c.options.willProps != nil {
			pkt.WillProps = *c.options.willProps
		}
	}

	if c.options.sessionExpiryInterval > 0 {
		pkt.Props.Set(PropSessionExpiryInterval, c.options.sessionExpiryInterval)
	}
	if c.options.receiveMaximum > 0 && c.options.receiveMaximum < 65535 {
		pkt.Props.Set(PropReceiveMaximum, c.options.receiveMaximum)
	}
	if c.options.maxPacketSize > 0 {
		pkt.Props.Set(PropMaximumPacketSize, c.options.maxPacketSize)
	}
	if c.options.topicAliasMaximum > 0 {
		pkt.Props.Set(PropTopicAliasMaximum, c.options.topicAliasMaximum)
	}
	if c.options.requestResponseInfo {
		pkt.Props.Set(PropRequestResponseInfo, byte(1))
	}
	if c.options.requestProblemInfo {
		pkt.Props.Set(PropRequestProblemInfo, byte(1))
	}
	for key, value := range c.options.userProperties {
		pkt.Props.Add(PropUserProperty, StringPair{Key: key, Value: value})
	}

	if auth := c.options.enhancedAuth; auth != nil {
		result, err := auth.Start(ctx)
		if err != nil {
			return nil, fmt.Errorf("enhanced auth start: %w", err)
		}
		pkt.Props.Set(PropAuthenticationMethod, auth.Method())
		if len(result.AuthData) > 0 {
			pkt.Props.Set(PropAuthenticationData, result.AuthData)
		}
	}

	return pkt, nil
}

// readConnackWithAuth reads the handshake response, running the AUTH
// exchange when the broker challenges.
func (c *Client) readConnackWithAuth(ctx context.Context, conn Conn) (*ConnackPacket, error) {
	readResponse := func() (Packet, error) {
		conn.SetReadDeadline(time.Now().Add(c.options.connectTimeout))
		defer conn.SetReadDeadline(time.Time{})
		pkt, _, err := ReadPacket(conn, c.options.maxPacketSize)
		if err != nil {
			return nil, fmt.Errorf("read handshake response: %w", err)
		}
		return pkt, nil
	}

	pkt, err := readResponse()
	if err != nil {
		return nil, err
	}

	for {
		authPkt, isAuth := pkt.(*AuthPacket)
		if !isAuth {
			break
		}
		auth := c.options.enhancedAuth
		if auth == nil {
			return nil, errors.New("broker sent AUTH but enhanced auth is not configured")
		}
		if authPkt.ReasonCode != ReasonContinueAuth {
			return nil, fmt.Errorf("enhanced auth failed: %s", authPkt.ReasonCode)
		}

		result, err := auth.Continue(ctx, &EnhancedAuthContext{
			AuthMethod: authPkt.Props.GetString(PropAuthenticationMethod),
			AuthData:   authPkt.Props.GetBinary(PropAuthenticationData),
			ReasonCode: authPkt.ReasonCode,
		})
		if err != nil {
			return nil, fmt.Errorf("enhanced auth continue: %w", err)
		}

		reply := &AuthPacket{ReasonCode: ReasonContinueAuth}
		reply.Props.Set(PropAuthenticationMethod, auth.Method())
		if len(result.AuthData) > 0 {
			reply.Props.Set(PropAuthenticationData, result.AuthData)
		}
		if _, err := WritePacket(conn, reply, 0); err != nil {
			return nil, fmt.Errorf("send AUTH: %w", err)
		}

		pkt, err = readResponse()
		if err != nil {
			return nil, err
		}
	}

	connack, ok := pkt.(*ConnackPacket)
	if !ok {
		return nil, fmt.Errorf("expected CONNACK, got %s", pkt.Type())
	}
	if connack.ReasonCode != ReasonSuccess {
		return nil, &ConnectError{ReasonCode: connack.ReasonCode, Props: &connack.Props}
	}

	if auth := c.options.enhancedAuth; auth != nil && connack.Props.Has(PropAuthenticationData) {
		err := auth.Complete(ctx, &EnhancedAuthContext{
			AuthMethod: connack.Props.GetString(PropAuthenticationMethod),
			AuthData:   connack.Props.GetBinary(PropAuthenticationData),
			ReasonCode: connack.ReasonCode,
		})
		if err != nil {
			return nil, fmt.Errorf("enhanced auth complete: %w", err)
		}
	}

	return connack, nil
}

// connectionStart applies the CONNACK, wires the new connection into the
// engine, replays the retry queue and releases the todo queue.
func (c *Client) connectionStart(conn Conn, connState *ConnectionState, connack *ConnackPacket) error {
	if err := connState.ApplyConnack(&connack.Props); err != nil {
		conn.Close()
		return err
	}

	if assigned := connack.Props.GetString(PropAssignedClientIdentifier); assigned != "" {
		c.session.SetClientID(assigned)
	}

	if c.options.cleanStart {
		c.session.Clear(ErrConnectionLost)
	}
	c.session.SetShouldBeConnected(true)

	limits := connState.Limits()
	c.flow.SetReceiveMaximum(limits.ReceiveMaximum)
	c.flow.Seed(uint16(c.session.RetryCount()))

	keepAlive := c.options.keepAlive
	if limits.HasServerKeepAlive {
		keepAlive = limits.ServerKeepAlive
	}

	parent := c.parentCtx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	readDone := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.connState = connState
	c.keepAlive = keepAlive
	c.cancel = cancel
	c.readDone = readDone
	c.mu.Unlock()

	c.connected.Store(true)

	c.logger.Info("connected", LogFields{
		LogFieldClientID:  c.session.ClientID(),
		"session_present": connack.SessionPresent,
	})

	go c.readLoop(ctx, conn, connState, readDone)
	if keepAlive > 0 {
		go c.keepAliveLoop(ctx, connState, time.Duration(keepAlive)*time.Second)
	}

	// Replay precedes any fresh traffic: the todo queue stays paused until
	// every retry entry is back on the wire. A replay failure fails the
	// whole connect attempt; durable state is untouched.
	if err := c.replayRetryQueue(); err != nil {
		c.connected.Store(false)
		cancel()
		conn.Close()
		return fmt.Errorf("retry replay: %w", err)
	}
	c.queue.Resume()
	c.kickDrain()

	return nil
}

// replayRetryQueue writes the retry queue sequentially in packet
// identifier order, PUBLISH entries marked DUP.
func (c *Client) replayRetryQueue() error {
	for _, pkt := range c.session.RetrySnapshot() {
		if pub, ok := pkt.(*PublishPacket); ok {
			pub.DUP = true
		}
		if err := c.writePacket(pkt); err != nil {
			return err
		}
	}
	return nil
}

// readLoop pulls bytes off the transport, feeds the deframer and
// dispatches every completed packet.
func (c *Client) readLoop(ctx context.Context, conn Conn, connState *ConnectionState, readDone chan struct{}) {
	defer close(readDone)

	decoder := NewDecoder(c.options.maxPacketSize)
	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := conn.Read(buf)
		if n > 0 {
			packets, ferr := decoder.Feed(buf[:n])
			for _, pkt := range packets {
				connState.RegisterInboundActivity()
				c.handlePacket(pkt, connState)
			}
			if ferr != nil {
				// The stream can no longer be framed; disconnect with the
				// matching reason code and tear the connection.
				if reason := errorToReasonCode(ferr); reason != ReasonSuccess {
					c.sendDisconnect(reason)
				}
				c.connectionLost(ferr)
				return
			}
		}
		if err != nil {
			if c.closed.Load() || ctx.Err() != nil {
				return
			}
			c.connectionLost(err)
			return
		}
	}
}

// handlePacket dispatches one inbound packet to its state updates.
func (c *Client) handlePacket(pkt Packet, connState *ConnectionState) {
	switch p := pkt.(type) {
	case *PublishPacket:
		c.handlePublish(p, connState)
	case *PubackPacket:
		c.completePublish(p.PacketID, p.ReasonCode, p)
	case *PubrecPacket:
		c.handlePubrec(p)
	case *PubrelPacket:
		c.handlePubrel(p)
	case *PubcompPacket:
		c.completePublish(p.PacketID, p.ReasonCode, p)
	case *SubackPacket:
		c.handleSuback(p)
	case *UnsubackPacket:
		c.handleUnsuback(p)
	case *PingrespPacket:
		connState.PingReceived()
	case *DisconnectPacket:
		c.handleServerDisconnect(p)
	case *AuthPacket:
		c.handleAuth(p)
	}
}

// handlePublish runs the inbound delivery path: alias resolution,
// duplicate suppression, listener dispatch and the QoS reply.
func (c *Client) handlePublish(pkt *PublishPacket, connState *ConnectionState) {
	if err := connState.ResolveInboundAlias(pkt); err != nil {
		c.sendDisconnect(ReasonTopicAliasInvalid)
		c.connectionLost(err)
		return
	}
	if pkt.Topic == "" {
		c.sendDisconnect(ReasonProtocolError)
		c.connectionLost(ErrProtocolViolation)
		return
	}

	msg := pkt.ToMessage()

	// A QoS 2 identifier still in the inbound registry means delivery has
	// already been attempted; only the PUBREC is repeated.
	duplicate := pkt.QoS == QoS2 && c.session.HasInboundQoS2(pkt.PacketID)

	if !duplicate {
		if listener := c.session.MessageListener(msg.SubscriptionIdentifiers, pkt.Topic); listener != nil {
			listener(msg)
		}
	}

	switch pkt.QoS {
	case QoS0:
	case QoS1:
		puback := &PubackPacket{}
		puback.PacketID = pkt.PacketID
		puback.ReasonCode = ReasonSuccess
		c.writePacket(puback)
	case QoS2:
		if !duplicate {
			// Durable before the PUBREC leaves: a restart must not
			// re-deliver this identifier.
			if err := c.session.AddInboundQoS2(pkt.PacketID); err != nil {
				c.logger.Error("persist inbound QoS 2 failed", LogFields{
					LogFieldPacketID: pkt.PacketID,
					LogFieldError:    err,
				})
				return
			}
		}
		pubrec := &PubrecPacket{}
		pubrec.PacketID = pkt.PacketID
		pubrec.ReasonCode = ReasonSuccess
		c.writePacket(pubrec)
	}
}

// completePublish finishes a QoS 1 or QoS 2 outbound flow on PUBACK or
// PUBCOMP: the packet identifier is freed even when no token exists
// (post-restart recovery), and the window slot is returned.
func (c *Client) completePublish(id uint16, code ReasonCode, response Packet) {
	token, err := c.session.CompleteOutbound(id)
	if err != nil {
		c.logger.Error("drop persisted message failed", LogFields{
			LogFieldPacketID: id,
			LogFieldError:    err,
		})
	}
	c.flow.Release()
	c.kickDrain()

	if token != nil {
		token.addReasonCodes([]ReasonCode{code})
		token.setResponse(response)
		token.complete(nil)
	}
}

// handlePubrec rewrites the retry entry PUBLISH -> PUBREL and emits the
// PUBREL. The token keeps the PUBREC reason codes until PUBCOMP.
func (c *Client) handlePubrec(pkt *PubrecPacket) {
	pubrel := &PubrelPacket{}
	pubrel.PacketID = pkt.PacketID
	pubrel.ReasonCode = ReasonSuccess

	if err := c.session.SwapRetryToPubrel(pubrel); err != nil {
		c.logger.Error("persist PUBREL failed", LogFields{
			LogFieldPacketID: pkt.PacketID,
			LogFieldError:    err,
		})
	}

	if token, ok := c.session.Outbound(pkt.PacketID); ok {
		token.addReasonCodes([]ReasonCode{pkt.ReasonCode})
	}

	c.writePacket(pubrel)
}

// handlePubrel answers with PUBCOMP and forgets the inbound identifier
// after the write.
func (c *Client) handlePubrel(pkt *PubrelPacket) {
	pubcomp := &PubcompPacket{}
	pubcomp.PacketID = pkt.PacketID
	pubcomp.ReasonCode = ReasonSuccess
	if err := c.writePacket(pubcomp); err != nil {
		return
	}

	if err := c.session.CompleteInboundQoS2(pkt.PacketID); err != nil {
		c.logger.Error("drop inbound QoS 2 failed", LogFields{
			LogFieldPacketID: pkt.PacketID,
			LogFieldError:    err,
		})
	}
}

func (c *Client) handleSuback(pkt *SubackPacket) {
	token, err := c.session.CompleteOutbound(pkt.PacketID)
	if err != nil {
		c.logger.Error("complete subscribe failed", LogFields{LogFieldError: err})
	}
	if token == nil {
		return
	}

	// Failed filters never deliver; drop their listeners.
	if req, ok := token.request.(*SubscribePacket); ok {
		subID := req.Props.GetUint32(PropSubscriptionIdentifier)
		for i, code := range pkt.ReasonCodes {
			if code.IsError() && i < len(req.Subscriptions) {
				c.session.RemoveMessageListener(subID, req.Subscriptions[i].TopicFilter)
			}
		}
	}

	token.addReasonCodes(pkt.ReasonCodes)
	token.setResponse(pkt)
	token.complete(nil)
}

func (c *Client) handleUnsuback(pkt *UnsubackPacket) {
	token, err := c.session.CompleteOutbound(pkt.PacketID)
	if err != nil {
		c.logger.Error("complete unsubscribe failed", LogFields{LogFieldError: err})
	}
	if token == nil {
		return
	}

	if req, ok := token.request.(*UnsubscribePacket); ok {
		for i, code := range pkt.ReasonCodes {
			if code.IsSuccess() && i < len(req.TopicFilters) {
				c.session.RemoveMessageListener(0, req.TopicFilters[i])
			}
		}
	}

	token.addReasonCodes(pkt.ReasonCodes)
	token.setResponse(pkt)
	token.complete(nil)
}

func (c *Client) handleServerDisconnect(pkt *DisconnectPacket) {
	c.logger.Warn("server disconnected", LogFields{
		LogFieldReasonCode: pkt.ReasonCode,
	})
	c.connectionLost(fmt.Errorf("server disconnect: %s", pkt.ReasonCode))
}

// handleAuth services broker-initiated re-authentication.
func (c *Client) handleAuth(pkt *AuthPacket) {
	auth := c.options.enhancedAuth
	if auth == nil {
		c.sendDisconnect(ReasonProtocolError)
		c.connectionLost(ErrProtocolViolation)
		return
	}

	ctx := c.parentCtx
	if ctx == nil {
		ctx = context.Background()
	}

	authCtx := &EnhancedAuthContext{
		AuthMethod: pkt.Props.GetString(PropAuthenticationMethod),
		AuthData:   pkt.Props.GetBinary(PropAuthenticationData),
		ReasonCode: pkt.ReasonCode,
	}

	switch pkt.ReasonCode {
	case ReasonReAuth:
		result, err := auth.Start(ctx)
		if err != nil {
			c.sendDisconnect(ReasonNotAuthorized)
			c.connectionLost(err)
			return
		}
		reply := &AuthPacket{ReasonCode: ReasonReAuth}
		reply.Props.Set(PropAuthenticationMethod, auth.Method())
		if len(result.AuthData) > 0 {
			reply.Props.Set(PropAuthenticationData, result.AuthData)
		}
		c.writePacket(reply)

	case ReasonContinueAuth:
		result, err := auth.Continue(ctx, authCtx)
		if err != nil {
			c.sendDisconnect(ReasonNotAuthorized)
			c.connectionLost(err)
			return
		}
		reply := &AuthPacket{ReasonCode: ReasonContinueAuth}
		reply.Props.Set(PropAuthenticationMethod, auth.Method())
		if len(result.AuthData) > 0 {
			reply.Props.Set(PropAuthenticationData, result.AuthData)
		}
		c.writePacket(reply)

	case ReasonSuccess:
		if err := auth.Complete(ctx, authCtx); err != nil {
			c.sendDisconnect(ReasonNotAuthorized)
			c.connectionLost(err)
		}
	}
}

// keepAliveLoop runs the liveness protocol for one connection.
func (c *Client) keepAliveLoop(ctx context.Context, connState *ConnectionState, interval time.Duration) {
	tick := interval / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.connected.Load() {
				return
			}
			switch connState.KeepAlive(interval) {
			case keepAliveSendPing:
				if err := c.writePacket(&PingreqPacket{}); err != nil {
					c.logger.Warn("PINGREQ write failed", LogFields{LogFieldError: err})
				}
			case keepAliveDead:
				c.logger.Warn("keep-alive expired", LogFields{})
				c.connectionLost(ErrPingTimeout)
				return
			}
		}
	}
}

// connectionLost tears down the current connection and schedules a
// reconnect when policy allows.
func (c *Client) connectionLost(err error) {
	if !c.connected.CompareAndSwap(true, false) {
		return
	}

	c.queue.Pause()

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	// Session expiry zero means the session dies with the connection.
	if c.options.sessionExpiryInterval == 0 {
		c.session.Clear(ErrConnectionLost)
	}

	if err != nil {
		c.logger.Warn("connection lost", LogFields{LogFieldError: err})
		if c.options.onConnectionLost != nil {
			c.options.onConnectionLost(err)
		}
	}

	if c.options.autoReconnect && c.session.ShouldBeConnected() && !c.closed.Load() {
		go c.reconnectLoop()
	}
}

// reconnectLoop retries the connect with exponential back-off, doubling
// from the minimum delay up to the maximum, resetting on success.
func (c *Client) reconnectLoop() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	c.reconnectMu.Lock()
	c.reconnectStop = make(chan struct{})
	stopCh := c.reconnectStop
	c.reconnectMu.Unlock()

	delay := c.options.reconnectMinDelay
	for {
		if c.closed.Load() || !c.session.ShouldBeConnected() {
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-c.done:
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.options.connectTimeout)
		err := c.connect(ctx)
		cancel()
		if err == nil {
			return
		}
		c.logger.Warn("reconnect failed", LogFields{LogFieldError: err})
		delay = nextReconnectDelay(delay, c.options.reconnectMaxDelay)
	}
}

// nextReconnectDelay doubles the back-off, capped at maxDelay.
func nextReconnectDelay(current, maxDelay time.Duration) time.Duration {
	next := current * 2
	if next > maxDelay {
		next = maxDelay
	}
	return next
}

// stopReconnect cancels a pending reconnect wait.
func (c *Client) stopReconnect() {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()
	if c.reconnectStop != nil {
		select {
		case <-c.reconnectStop:
		default:
			close(c.reconnectStop)
		}
	}
}

// IsConnected reports whether a broker connection is live.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && !c.closed.Load()
}

// ClientID returns the session's client identifier, which may have been
// assigned by the broker.
func (c *Client) ClientID() string {
	return c.session.ClientID()
}

// Publish submits a message. The returned token completes on PUBACK for
// QoS 1, PUBCOMP for QoS 2, or the transport write for QoS 0.
func (c *Client) Publish(msg *Message) (*Token, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if err := ValidateTopicName(msg.Topic); err != nil {
		return nil, err
	}
	if msg.QoS > 2 {
		return nil, ErrInvalidQoS
	}

	if !c.connected.Load() && !c.options.bufferEnabled {
		return nil, ErrNotConnected
	}

	if c.connected.Load() {
		limits := c.currentLimits()
		if msg.QoS > limits.MaximumQoS {
			return nil, ErrQoSNotSupported
		}
		if msg.Retain && !limits.RetainAvailable {
			return nil, ErrRetainNotSupported
		}
	}

	pkt := &PublishPacket{}
	pkt.FromMessage(msg)

	token := newToken(pkt)

	if msg.QoS > QoS0 {
		id, err := c.session.NextPacketID()
		if err != nil {
			return nil, err
		}
		pkt.PacketID = id
		token.setPacketID(id)
		c.session.RegisterOutbound(id, token)
	}

	if err := c.queue.Add(pkt, token); err != nil {
		if msg.QoS > QoS0 {
			c.session.CompleteOutbound(pkt.PacketID)
		}
		return nil, err
	}
	c.kickDrain()
	return token, nil
}

// Subscribe submits subscriptions sharing one handler. The token
// completes on SUBACK with the broker's per-filter reason codes.
func (c *Client) Subscribe(subs []Subscription, props *Properties, handler MessageHandler) (*Token, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if len(subs) == 0 {
		return nil, ErrEmptyTopic
	}
	if !c.connected.Load() && !c.options.bufferEnabled {
		return nil, ErrNotConnected
	}

	limits := c.currentLimits()
	for _, sub := range subs {
		if err := ValidateTopicFilter(sub.TopicFilter); err != nil {
			return nil, err
		}
		if c.connected.Load() {
			if containsWildcard(sub.TopicFilter) && !limits.WildcardSubAvailable {
				return nil, ErrWildcardSubNotSupported
			}
			if isSharedSubscription(sub.TopicFilter) && !limits.SharedSubAvailable {
				return nil, ErrSharedSubNotSupported
			}
		}
	}

	id, err := c.session.NextPacketID()
	if err != nil {
		return nil, err
	}

	pkt := &SubscribePacket{PacketID: id, Subscriptions: subs}
	if props != nil {
		pkt.Props = *props
	}

	token := newToken(pkt)
	token.setPacketID(id)
	c.session.RegisterOutbound(id, token)

	// Listeners are registered before the packet is on the wire so an
	// immediate inbound PUBLISH finds them.
	subID := pkt.Props.GetUint32(PropSubscriptionIdentifier)
	for _, sub := range subs {
		c.session.SetMessageListener(subID, sub.TopicFilter, handler)
	}

	if err := c.queue.Add(pkt, token); err != nil {
		for _, sub := range subs {
			c.session.RemoveMessageListener(subID, sub.TopicFilter)
		}
		c.session.CompleteOutbound(id)
		return nil, err
	}
	c.kickDrain()
	return token, nil
}

// SubscribeFilter subscribes to a single topic filter.
func (c *Client) SubscribeFilter(filter string, qos byte, handler MessageHandler) (*Token, error) {
	return c.Subscribe([]Subscription{{TopicFilter: filter, QoS: qos}}, nil, handler)
}

// Unsubscribe removes subscriptions. The token completes on UNSUBACK.
func (c *Client) Unsubscribe(filters []string, props *Properties) (*Token, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if len(filters) == 0 {
		return nil, ErrEmptyTopic
	}
	if !c.connected.Load() && !c.options.bufferEnabled {
		return nil, ErrNotConnected
	}
	for _, filter := range filters {
		if err := ValidateTopicFilter(filter); err != nil {
			return nil, err
		}
	}

	id, err := c.session.NextPacketID()
	if err != nil {
		return nil, err
	}

	pkt := &UnsubscribePacket{PacketID: id, TopicFilters: filters}
	if props != nil {
		pkt.Props = *props
	}

	token := newToken(pkt)
	token.setPacketID(id)
	c.session.RegisterOutbound(id, token)

	if err := c.queue.Add(pkt, token); err != nil {
		c.session.CompleteOutbound(id)
		return nil, err
	}
	c.kickDrain()
	return token, nil
}

// Disconnect ends the session gracefully: the DISCONNECT packet is
// flushed before the socket closes. The token completes when the
// transport is down.
func (c *Client) Disconnect(reason ReasonCode, props *Properties) (*Token, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	c.session.SetShouldBeConnected(false)
	c.stopReconnect()

	pkt := &DisconnectPacket{ReasonCode: reason}
	if props != nil {
		pkt.Props = *props
	}
	token := newToken(pkt)

	if !c.connected.Load() {
		token.complete(nil)
		return token, nil
	}

	err := c.writePacket(pkt)
	c.connectionLost(nil)
	token.complete(err)
	return token, nil
}

// Close shuts the client down: the reconnect timer is cancelled, the todo
// queue is drained into failure, and the transport and store are closed.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.session.SetShouldBeConnected(false)
	c.stopReconnect()

	if c.connected.Load() {
		c.writePacket(&DisconnectPacket{ReasonCode: ReasonSuccess})
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	readDone := c.readDone
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if readDone != nil {
		select {
		case <-readDone:
		case <-time.After(time.Second):
		}
	}

	c.connected.Store(false)
	c.queue.Shutdown(ErrClientClosed)
	c.closeOnce.Do(func() { close(c.done) })

	return c.session.CloseStore()
}

// BufferedCount returns the number of packets waiting in the todo queue.
func (c *Client) BufferedCount() int {
	return c.queue.Size()
}

// BufferedMessage returns the queued packet at index.
func (c *Client) BufferedMessage(index int) (Packet, bool) {
	return c.queue.Get(index)
}

// DeleteBufferedMessage removes the queued packet at index. Its token, if
// any, never completes through the queue.
func (c *Client) DeleteBufferedMessage(index int) (Packet, bool) {
	return c.queue.Remove(index)
}

func (c *Client) currentLimits() ServerLimits {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connState == nil {
		return defaultServerLimits()
	}
	return c.connState.Limits()
}

// kickDrain wakes the drain loop.
func (c *Client) kickDrain() {
	select {
	case c.drainCh <- struct{}{}:
	default:
	}
}

// drainLoop moves queued work onto the wire whenever something changes:
// an enqueue, an acknowledgement freeing a window slot, or a resume.
func (c *Client) drainLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.drainCh:
			c.drain()
		}
	}
}

func (c *Client) drain() {
	if !c.connected.Load() {
		return
	}

	ctx := c.parentCtx
	if ctx == nil {
		ctx = context.Background()
	}

	gate := func(pkt Packet) bool {
		if pub, ok := pkt.(*PublishPacket); ok && pub.QoS > QoS0 {
			return c.flow.CanSend()
		}
		return true
	}

	err := c.queue.Drain(ctx, gate, c.sendEntry)
	if err != nil {
		c.logger.Warn("queue drain stopped", LogFields{LogFieldError: err})
	}
}

// sendEntry serializes one queue entry onto the transport. QoS > 0
// publishes claim a window slot and enter the durable retry queue before
// the write; QoS 0 publish tokens complete on write.
func (c *Client) sendEntry(pkt Packet, token *Token) error {
	pub, isPublish := pkt.(*PublishPacket)

	if isPublish && pub.QoS > QoS0 {
		if !c.flow.TryAcquire() {
			return ErrQuotaExceeded
		}
		// Durable before the wire write, and before aliasing: the retry
		// entry must carry the full topic because alias tables do not
		// survive the connection.
		if err := c.session.AddRetry(pub); err != nil {
			c.flow.Release()
			c.session.CompleteOutbound(pub.PacketID)
			if token != nil {
				token.complete(err)
			}
			return nil
		}
	}

	if isPublish {
		c.mu.Lock()
		connState := c.connState
		c.mu.Unlock()
		if connState != nil {
			connState.SetTopicAlias(pub)
		}
	}

	if err := c.writePacket(pkt); err != nil {
		if isPublish && pub.QoS > QoS0 {
			// The retry entry owns redelivery now; replay resends it with
			// DUP after the reconnect, so the queue must not.
			c.flow.Release()
			c.logger.Warn("publish write failed, deferred to replay", LogFields{
				LogFieldPacketID: pub.PacketID,
				LogFieldError:    err,
			})
			return nil
		}
		return err
	}

	if isPublish && pub.QoS == QoS0 && token != nil {
		token.complete(nil)
	}
	return nil
}

// writePacket serializes one packet onto the transport under the write
// lock, bounded by the server's maximum packet size.
func (c *Client) writePacket(pkt Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	connState := c.connState
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	if c.options.writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.options.writeTimeout))
		defer conn.SetWriteDeadline(time.Time{})
	}

	var maxSize uint32
	if connState != nil {
		maxSize = connState.Limits().MaximumPacketSize
	}

	if _, err := WritePacket(conn, pkt, maxSize); err != nil {
		return err
	}
	if connState != nil {
		connState.RegisterOutboundActivity()
	}
	return nil
}

// sendDisconnect writes a DISCONNECT best-effort before a teardown.
func (c *Client) sendDisconnect(reason ReasonCode) {
	c.writePacket(&DisconnectPacket{ReasonCode: reason})
}
