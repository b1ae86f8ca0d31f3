package mqtt5

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBroker is a scripted broker: tests accept connections and drive the
// wire exchange packet by packet.
type testBroker struct {
	t     *testing.T
	ln    net.Listener
	conns chan net.Conn
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &testBroker{t: t, ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			b.conns <- conn
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return b
}

func (b *testBroker) uri() string {
	return "tcp://" + b.ln.Addr().String()
}

// acceptSession accepts the next connection and answers its CONNECT in a
// background goroutine, so the test can call Dial on its own goroutine.
func (b *testBroker) acceptSession(sessionPresent bool, props *Properties) <-chan *brokerConn {
	ch := make(chan *brokerConn, 1)
	go func() {
		select {
		case conn := <-b.conns:
			bc := &brokerConn{t: b.t, conn: conn}
			pkt := bc.read()
			if _, ok := pkt.(*ConnectPacket); !ok {
				b.t.Errorf("expected CONNECT, got %T", pkt)
				ch <- nil
				return
			}
			connack := &ConnackPacket{SessionPresent: sessionPresent, ReasonCode: ReasonSuccess}
			if props != nil {
				connack.Props = *props
			}
			bc.write(connack)
			ch <- bc
		case <-time.After(3 * time.Second):
			b.t.Error("no connection arrived")
			ch <- nil
		}
	}()
	return ch
}

// acceptReject answers the next CONNECT with a failure CONNACK.
func (b *testBroker) acceptReject(code ReasonCode) {
	go func() {
		select {
		case conn := <-b.conns:
			bc := &brokerConn{t: b.t, conn: conn}
			bc.read()
			bc.write(&ConnackPacket{ReasonCode: code})
		case <-time.After(3 * time.Second):
			b.t.Error("no connection arrived")
		}
	}()
}

type brokerConn struct {
	t    *testing.T
	conn net.Conn
}

func (bc *brokerConn) read() Packet {
	bc.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	pkt, _, err := ReadPacket(bc.conn, 0)
	if err != nil {
		bc.t.Errorf("broker read: %v", err)
		return nil
	}
	return pkt
}

func (bc *brokerConn) write(pkt Packet) {
	if _, err := WritePacket(bc.conn, pkt, 0); err != nil {
		bc.t.Errorf("broker write: %v", err)
	}
}

// expectSilence asserts no packet arrives within d.
func (bc *brokerConn) expectSilence(d time.Duration) {
	bc.conn.SetReadDeadline(time.Now().Add(d))
	defer bc.conn.SetReadDeadline(time.Time{})
	_, _, err := ReadPacket(bc.conn, 0)
	if err == nil {
		bc.t.Error("unexpected packet during silence window")
		return
	}
	netErr, ok := err.(net.Error)
	if !ok || !netErr.Timeout() {
		bc.t.Errorf("expected read timeout, got %v", err)
	}
}

func (bc *brokerConn) close() {
	bc.conn.Close()
}

func waitToken(t *testing.T, token *Token) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, token.Wait(ctx))
}

func dialTest(t *testing.T, b *testBroker, sessionPresent bool, connackProps *Properties, opts ...Option) (*Client, *brokerConn) {
	t.Helper()
	sessionCh := b.acceptSession(sessionPresent, connackProps)

	allOpts := append([]Option{WithServers(b.uri()), WithClientID("test-client")}, opts...)
	client, err := Dial(context.Background(), allOpts...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	bc := <-sessionCh
	require.NotNil(t, bc)
	return client, bc
}

func TestPublishQoS1(t *testing.T) {
	b := newTestBroker(t)
	client, bc := dialTest(t, b, false, nil)

	token, err := client.Publish(&Message{Topic: "a", Payload: []byte("hi"), QoS: QoS1})
	require.NoError(t, err)

	pkt := bc.read()
	pub, ok := pkt.(*PublishPacket)
	require.True(t, ok, "expected PUBLISH, got %T", pkt)
	assert.Equal(t, "a", pub.Topic)
	assert.Equal(t, []byte("hi"), pub.Payload)
	assert.Equal(t, QoS1, pub.QoS)
	assert.Equal(t, uint16(1), pub.PacketID)
	assert.False(t, pub.DUP)

	puback := &PubackPacket{}
	puback.PacketID = 1
	puback.ReasonCode = ReasonSuccess
	bc.write(puback)

	waitToken(t, token)
	assert.Equal(t, []ReasonCode{ReasonSuccess}, token.ReasonCodes())

	// The identifier is free again.
	assert.Eventually(t, func() bool { return client.session.RetryCount() == 0 },
		time.Second, 10*time.Millisecond)
	_, held := client.session.Outbound(1)
	assert.False(t, held)
}

func TestPublishQoS2HappyPath(t *testing.T) {
	b := newTestBroker(t)
	client, bc := dialTest(t, b, false, nil)

	token, err := client.Publish(&Message{Topic: "a", Payload: []byte("x"), QoS: QoS2})
	require.NoError(t, err)

	pub, ok := bc.read().(*PublishPacket)
	require.True(t, ok)
	assert.Equal(t, QoS2, pub.QoS)
	assert.Equal(t, uint16(1), pub.PacketID)

	pubrec := &PubrecPacket{}
	pubrec.PacketID = 1
	bc.write(pubrec)

	pubrel, ok := bc.read().(*PubrelPacket)
	require.True(t, ok)
	assert.Equal(t, uint16(1), pubrel.PacketID)

	pubcomp := &PubcompPacket{}
	pubcomp.PacketID = 1
	bc.write(pubcomp)

	waitToken(t, token)
	assert.Equal(t, []ReasonCode{ReasonSuccess, ReasonSuccess}, token.ReasonCodes())
	assert.Zero(t, client.session.RetryCount())
}

func TestSubscribeAndReceive(t *testing.T) {
	b := newTestBroker(t)
	client, bc := dialTest(t, b, false, nil)

	var got atomic.Int32
	token, err := client.SubscribeFilter("sport/#", QoS1, func(msg *Message) {
		got.Add(1)
	})
	require.NoError(t, err)

	sub, ok := bc.read().(*SubscribePacket)
	require.True(t, ok)
	require.Len(t, sub.Subscriptions, 1)
	assert.Equal(t, "sport/#", sub.Subscriptions[0].TopicFilter)

	bc.write(&SubackPacket{PacketID: sub.PacketID, ReasonCodes: []ReasonCode{ReasonGrantedQoS1}})
	waitToken(t, token)
	assert.Equal(t, []ReasonCode{ReasonGrantedQoS1}, token.ReasonCodes())

	bc.write(&PublishPacket{Topic: "sport/tennis", Payload: []byte("40-15")})
	assert.Eventually(t, func() bool { return got.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestInboundQoS2DeliveredOnce(t *testing.T) {
	b := newTestBroker(t)
	client, bc := dialTest(t, b, false, nil)

	var delivered atomic.Int32
	token, err := client.SubscribeFilter("a/#", QoS2, func(msg *Message) {
		delivered.Add(1)
	})
	require.NoError(t, err)

	sub, ok := bc.read().(*SubscribePacket)
	require.True(t, ok)
	bc.write(&SubackPacket{PacketID: sub.PacketID, ReasonCodes: []ReasonCode{ReasonGrantedQoS2}})
	waitToken(t, token)

	// The broker retries the PUBLISH: delivery happens once, PUBREC twice.
	inbound := &PublishPacket{Topic: "a/b", Payload: []byte("v"), QoS: QoS2, PacketID: 7}
	bc.write(inbound)

	pubrec, ok := bc.read().(*PubrecPacket)
	require.True(t, ok)
	assert.Equal(t, uint16(7), pubrec.PacketID)

	dup := &PublishPacket{Topic: "a/b", Payload: []byte("v"), QoS: QoS2, PacketID: 7, DUP: true}
	bc.write(dup)

	pubrec2, ok := bc.read().(*PubrecPacket)
	require.True(t, ok)
	assert.Equal(t, uint16(7), pubrec2.PacketID)

	pubrel := &PubrelPacket{}
	pubrel.PacketID = 7
	bc.write(pubrel)

	pubcomp, ok := bc.read().(*PubcompPacket)
	require.True(t, ok)
	assert.Equal(t, uint16(7), pubcomp.PacketID)

	assert.Equal(t, int32(1), delivered.Load(), "listener invoked exactly once")
	assert.Eventually(t, func() bool { return !client.session.HasInboundQoS2(7) },
		time.Second, 10*time.Millisecond)
}

func TestQoS1RetransmitAfterReconnect(t *testing.T) {
	b := newTestBroker(t)
	client, bc := dialTest(t, b, false, nil,
		WithCleanStart(false),
		WithSessionExpiryInterval(300),
		WithAutomaticReconnect(10*time.Millisecond, 40*time.Millisecond),
	)

	token, err := client.Publish(&Message{Topic: "a", Payload: []byte("p"), QoS: QoS1})
	require.NoError(t, err)

	pub, ok := bc.read().(*PublishPacket)
	require.True(t, ok)
	assert.False(t, pub.DUP)

	// Connection dies before the PUBACK.
	sessionCh := b.acceptSession(true, nil)
	bc.close()

	bc2 := <-sessionCh
	require.NotNil(t, bc2)

	replayed, ok := bc2.read().(*PublishPacket)
	require.True(t, ok)
	assert.True(t, replayed.DUP, "replayed PUBLISH carries DUP")
	assert.Equal(t, pub.PacketID, replayed.PacketID, "original identifier is reused")

	puback := &PubackPacket{}
	puback.PacketID = replayed.PacketID
	bc2.write(puback)
	waitToken(t, token)
}

func TestQoS2ReplaysPubrelAfterReconnect(t *testing.T) {
	b := newTestBroker(t)
	client, bc := dialTest(t, b, false, nil,
		WithCleanStart(false),
		WithSessionExpiryInterval(300),
		WithAutomaticReconnect(10*time.Millisecond, 40*time.Millisecond),
	)

	token, err := client.Publish(&Message{Topic: "a", Payload: []byte("x"), QoS: QoS2})
	require.NoError(t, err)

	pub, ok := bc.read().(*PublishPacket)
	require.True(t, ok)

	pubrec := &PubrecPacket{}
	pubrec.PacketID = pub.PacketID
	bc.write(pubrec)

	_, ok = bc.read().(*PubrelPacket)
	require.True(t, ok)

	// Drop before PUBCOMP: the retry queue now holds a PUBREL.
	sessionCh := b.acceptSession(true, nil)
	bc.close()

	bc2 := <-sessionCh
	require.NotNil(t, bc2)

	// The PUBREL is the first packet on the new connection.
	replayed, ok := bc2.read().(*PubrelPacket)
	require.True(t, ok)
	assert.Equal(t, pub.PacketID, replayed.PacketID)

	pubcomp := &PubcompPacket{}
	pubcomp.PacketID = pub.PacketID
	bc2.write(pubcomp)

	waitToken(t, token)
	assert.Zero(t, client.session.RetryCount())
}

func TestOfflinePublishBuffered(t *testing.T) {
	b := newTestBroker(t)
	client, bc := dialTest(t, b, false, nil,
		WithCleanStart(false),
		WithSessionExpiryInterval(300),
		WithOfflineBuffer(10),
		WithAutomaticReconnect(50*time.Millisecond, 100*time.Millisecond),
	)

	bc.close()
	require.Eventually(t, func() bool { return !client.IsConnected() },
		time.Second, 5*time.Millisecond)

	token, err := client.Publish(&Message{Topic: "a", Payload: []byte("q"), QoS: QoS1})
	require.NoError(t, err, "buffering accepts offline publishes")

	sessionCh := b.acceptSession(true, nil)
	bc2 := <-sessionCh
	require.NotNil(t, bc2)

	pub, ok := bc2.read().(*PublishPacket)
	require.True(t, ok)
	assert.Equal(t, "a", pub.Topic)

	puback := &PubackPacket{}
	puback.PacketID = pub.PacketID
	bc2.write(puback)
	waitToken(t, token)
}

func TestOfflinePublishWithoutBufferFails(t *testing.T) {
	b := newTestBroker(t)
	client, bc := dialTest(t, b, false, nil)

	bc.close()
	require.Eventually(t, func() bool { return !client.IsConnected() },
		time.Second, 5*time.Millisecond)

	_, err := client.Publish(&Message{Topic: "a", QoS: QoS1})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestReceiveMaximumGatesPublishes(t *testing.T) {
	b := newTestBroker(t)
	var props Properties
	props.Set(PropReceiveMaximum, uint16(1))
	client, bc := dialTest(t, b, false, &props)

	first, err := client.Publish(&Message{Topic: "a", Payload: []byte("1"), QoS: QoS1})
	require.NoError(t, err)
	second, err := client.Publish(&Message{Topic: "a", Payload: []byte("2"), QoS: QoS1})
	require.NoError(t, err)

	pub1, ok := bc.read().(*PublishPacket)
	require.True(t, ok)

	// The second publish must wait for the window.
	bc.expectSilence(150 * time.Millisecond)

	puback := &PubackPacket{}
	puback.PacketID = pub1.PacketID
	bc.write(puback)
	waitToken(t, first)

	pub2, ok := bc.read().(*PublishPacket)
	require.True(t, ok)
	assert.Equal(t, []byte("2"), pub2.Payload)

	puback2 := &PubackPacket{}
	puback2.PacketID = pub2.PacketID
	bc.write(puback2)
	waitToken(t, second)
}

func TestKeepAliveEmitsPingreq(t *testing.T) {
	b := newTestBroker(t)
	client, bc := dialTest(t, b, false, nil, WithKeepAlive(1))

	// With no outbound traffic a PINGREQ arrives within the interval plus
	// scheduling slack.
	bc.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, _, err := ReadPacket(bc.conn, 0)
	require.NoError(t, err)
	require.IsType(t, &PingreqPacket{}, pkt)

	bc.write(&PingrespPacket{})
	time.Sleep(100 * time.Millisecond)
	assert.True(t, client.IsConnected())
}

func TestMissingPingrespTearsConnection(t *testing.T) {
	b := newTestBroker(t)
	client, bc := dialTest(t, b, false, nil, WithKeepAlive(1))

	pkt := bc.read()
	require.IsType(t, &PingreqPacket{}, pkt)

	// No PINGRESP: the client must give up after 1.5 x keep-alive.
	require.Eventually(t, func() bool { return !client.IsConnected() },
		4*time.Second, 50*time.Millisecond)
}

func TestReconnectBackoffSchedule(t *testing.T) {
	minDelay := time.Second
	maxDelay := 16 * time.Second

	delay := minDelay
	var schedule []time.Duration
	for i := 0; i < 7; i++ {
		schedule = append(schedule, delay)
		delay = nextReconnectDelay(delay, maxDelay)
	}

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 16 * time.Second, 16 * time.Second,
	}
	assert.Equal(t, want, schedule)
}

func TestServerAssignedClientID(t *testing.T) {
	b := newTestBroker(t)
	var props Properties
	props.Set(PropAssignedClientIdentifier, "assigned-77")

	sessionCh := b.acceptSession(false, &props)
	client, err := Dial(context.Background(), WithServers(b.uri()))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	require.NotNil(t, <-sessionCh)

	assert.Equal(t, "assigned-77", client.ClientID())
}

func TestConnackRejectionFailsDial(t *testing.T) {
	b := newTestBroker(t)
	b.acceptReject(ReasonNotAuthorized)

	_, err := Dial(context.Background(),
		WithServers(b.uri()), WithClientID("c"), WithConnectTimeout(2*time.Second))
	require.Error(t, err)

	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, ReasonNotAuthorized, connErr.ReasonCode)
}

func TestServerURIFailover(t *testing.T) {
	// First URI refuses the TCP connection; the second succeeds.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadURI := "tcp://" + dead.Addr().String()
	dead.Close()

	b := newTestBroker(t)
	sessionCh := b.acceptSession(false, nil)

	client, err := Dial(context.Background(),
		WithServers(deadURI, b.uri()), WithClientID("c"),
		WithConnectTimeout(2*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	require.NotNil(t, <-sessionCh)
	assert.True(t, client.IsConnected())
}

func TestSubscribeFailureDropsListener(t *testing.T) {
	b := newTestBroker(t)
	client, bc := dialTest(t, b, false, nil)

	token, err := client.SubscribeFilter("a/#", QoS1, func(msg *Message) {})
	require.NoError(t, err)

	sub, ok := bc.read().(*SubscribePacket)
	require.True(t, ok)
	bc.write(&SubackPacket{PacketID: sub.PacketID, ReasonCodes: []ReasonCode{ReasonNotAuthorized}})

	waitToken(t, token)
	assert.Equal(t, []ReasonCode{ReasonNotAuthorized}, token.ReasonCodes())
	assert.Nil(t, client.session.MessageListener(nil, "a/b"))
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBroker(t)
	client, bc := dialTest(t, b, false, nil)

	subToken, err := client.SubscribeFilter("a/#", QoS1, func(msg *Message) {})
	require.NoError(t, err)
	sub, ok := bc.read().(*SubscribePacket)
	require.True(t, ok)
	bc.write(&SubackPacket{PacketID: sub.PacketID, ReasonCodes: []ReasonCode{ReasonGrantedQoS1}})
	waitToken(t, subToken)

	token, err := client.Unsubscribe([]string{"a/#"}, nil)
	require.NoError(t, err)

	unsub, ok := bc.read().(*UnsubscribePacket)
	require.True(t, ok)
	assert.Equal(t, []string{"a/#"}, unsub.TopicFilters)

	bc.write(&UnsubackPacket{PacketID: unsub.PacketID, ReasonCodes: []ReasonCode{ReasonSuccess}})
	waitToken(t, token)
	assert.Nil(t, client.session.MessageListener(nil, "a/b"))
}

func TestGracefulDisconnect(t *testing.T) {
	b := newTestBroker(t)
	client, bc := dialTest(t, b, false, nil)

	token, err := client.Disconnect(ReasonSuccess, nil)
	require.NoError(t, err)

	pkt := bc.read()
	require.IsType(t, &DisconnectPacket{}, pkt)

	waitToken(t, token)
	assert.False(t, client.IsConnected())
}

func TestOutboundTopicAlias(t *testing.T) {
	b := newTestBroker(t)
	var props Properties
	props.Set(PropTopicAliasMaximum, uint16(5))
	client, bc := dialTest(t, b, false, &props)

	_, err := client.Publish(&Message{Topic: "metrics/temp", Payload: []byte("1")})
	require.NoError(t, err)
	_, err = client.Publish(&Message{Topic: "metrics/temp", Payload: []byte("2")})
	require.NoError(t, err)

	first, ok := bc.read().(*PublishPacket)
	require.True(t, ok)
	assert.Equal(t, "metrics/temp", first.Topic, "first publish teaches the alias")
	assert.Equal(t, uint16(1), first.Props.GetUint16(PropTopicAlias))

	second, ok := bc.read().(*PublishPacket)
	require.True(t, ok)
	assert.Empty(t, second.Topic, "second publish rides the alias")
	assert.Equal(t, uint16(1), second.Props.GetUint16(PropTopicAlias))
}

func TestInboundTopicAliasResolution(t *testing.T) {
	b := newTestBroker(t)
	client, bc := dialTest(t, b, false, nil, WithTopicAliasMaximum(5))

	var topics []string
	topicCh := make(chan string, 2)
	token, err := client.SubscribeFilter("news/#", QoS0, func(msg *Message) {
		topicCh <- msg.Topic
	})
	require.NoError(t, err)

	sub, ok := bc.read().(*SubscribePacket)
	require.True(t, ok)
	bc.write(&SubackPacket{PacketID: sub.PacketID, ReasonCodes: []ReasonCode{ReasonSuccess}})
	waitToken(t, token)

	learn := &PublishPacket{Topic: "news/sport", Payload: []byte("1")}
	learn.Props.Set(PropTopicAlias, uint16(3))
	bc.write(learn)

	aliased := &PublishPacket{Payload: []byte("2")}
	aliased.Props.Set(PropTopicAlias, uint16(3))
	bc.write(aliased)

	for i := 0; i < 2; i++ {
		select {
		case topic := <-topicCh:
			topics = append(topics, topic)
		case <-time.After(2 * time.Second):
			t.Fatal("message not delivered")
		}
	}
	assert.Equal(t, []string{"news/sport", "news/sport"}, topics)
}

func TestPublishValidation(t *testing.T) {
	b := newTestBroker(t)
	client, _ := dialTest(t, b, false, nil)

	_, err := client.Publish(&Message{Topic: "", QoS: QoS0})
	assert.ErrorIs(t, err, ErrEmptyTopic)

	_, err = client.Publish(&Message{Topic: "a/+", QoS: QoS0})
	assert.ErrorIs(t, err, ErrInvalidTopicName)

	_, err = client.Publish(&Message{Topic: "a", QoS: 3})
	assert.ErrorIs(t, err, ErrInvalidQoS)
}

func TestServerCapabilityEnforcement(t *testing.T) {
	b := newTestBroker(t)
	var props Properties
	props.Set(PropMaximumQoS, QoS1)
	props.Set(PropRetainAvailable, byte(0))
	props.Set(PropWildcardSubAvailable, byte(0))
	props.Set(PropSharedSubAvailable, byte(0))
	client, _ := dialTest(t, b, false, &props)

	_, err := client.Publish(&Message{Topic: "a", QoS: QoS2})
	assert.ErrorIs(t, err, ErrQoSNotSupported)

	_, err = client.Publish(&Message{Topic: "a", Retain: true})
	assert.ErrorIs(t, err, ErrRetainNotSupported)

	_, err = client.SubscribeFilter("a/#", QoS0, func(*Message) {})
	assert.ErrorIs(t, err, ErrWildcardSubNotSupported)

	_, err = client.SubscribeFilter("$share/g/a", QoS0, func(*Message) {})
	assert.ErrorIs(t, err, ErrSharedSubNotSupported)
}

func TestCloseIsIdempotent(t *testing.T) {
	b := newTestBroker(t)
	client, _ := dialTest(t, b, false, nil)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err := client.Publish(&Message{Topic: "a"})
	assert.ErrorIs(t, err, ErrClientClosed)
}
