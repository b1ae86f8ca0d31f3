// Package mqtt5 implements an asynchronous MQTT v5 client session engine.
//
// The engine multiplexes user operations (connect, publish, subscribe,
// unsubscribe, disconnect) onto a single bidirectional byte stream to a
// broker. It assigns and recycles packet identifiers, drives the QoS 1/2
// delivery handshakes, persists in-flight work across reconnects through a
// pluggable Store, paces transmission against the server's Receive Maximum,
// and owns keep-alive and automatic reconnection policy.
//
// A minimal session:
//
//	client, err := mqtt5.Dial(context.Background(),
//		mqtt5.WithServers("tcp://broker:1883"),
//		mqtt5.WithClientID("sensor-1"),
//		mqtt5.WithCleanStart(false),
//		mqtt5.WithSessionExpiryInterval(300),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	token, err := client.Publish(&mqtt5.Message{
//		Topic:   "metrics/temp",
//		Payload: []byte("21.5"),
//		QoS:     mqtt5.QoS1,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := token.Wait(context.Background()); err != nil {
//		log.Printf("publish failed: %v", err)
//	}
//
// Supported server URI schemes are tcp://, ssl://, ws://, wss:// and
// quic://. WebSocket connections negotiate the subprotocol "mqtt" over
// path /mqtt.
package mqtt5
