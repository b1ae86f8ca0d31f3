package mqtt5

import (
	"fmt"
	"sort"
	"sync"
)

// SessionState is the durable per-session data: the packet identifier
// allocator, outbound operations awaiting terminal acknowledgement, the
// retry queue of wire messages to replay after reconnect, the inbound
// QoS 2 registry and the subscription listener map.
//
// It survives reconnects when clean start is false and the session expiry
// interval is non-zero. The retry queue and inbound registry are written
// through to the Store so they also survive a process restart.
type SessionState struct {
	mu sync.Mutex

	store    Store
	clientID string

	shouldBeConnected bool

	nextID      uint16
	outTokens   map[uint16]*Token
	retryQueue  map[uint16]Packet // PUBLISH awaiting PUBACK/PUBREC, PUBREL awaiting PUBCOMP
	inboundQoS2 map[uint16]struct{}

	listeners []listenerEntry
}

type listenerEntry struct {
	subID   uint32
	filter  string
	handler MessageHandler
}

// NewSessionState creates session state backed by the given store. A nil
// store falls back to in-memory persistence.
func NewSessionState(clientID string, store Store) *SessionState {
	if store == nil {
		store = NewMemoryStore()
	}
	return &SessionState{
		store:       store,
		clientID:    clientID,
		nextID:      1,
		outTokens:   make(map[uint16]*Token),
		retryQueue:  make(map[uint16]Packet),
		inboundQoS2: make(map[uint16]struct{}),
	}
}

// Load opens the store and restores the retry queue and inbound QoS 2
// registry from it. Restored retry entries have no token (the process that
// created them is gone); their packet identifiers are still reserved.
func (s *SessionState) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Open(); err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	keys, err := s.store.Keys()
	if err != nil {
		return fmt.Errorf("list session store: %w", err)
	}

	for _, key := range keys {
		prefix, id, ok := parseStoreKey(key)
		if !ok {
			continue
		}
		switch prefix {
		case storePrefixOutbound:
			blob, err := s.store.Get(key)
			if err != nil {
				return fmt.Errorf("load persisted message %d: %w", id, err)
			}
			pkt, err := decodePacket(blob)
			if err != nil {
				return fmt.Errorf("decode persisted message %d: %w", id, err)
			}
			s.retryQueue[id] = pkt
		case storePrefixInboundQoS2:
			s.inboundQoS2[id] = struct{}{}
		}
	}
	return nil
}

// ClientID returns the session's client identifier.
func (s *SessionState) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// SetClientID records a broker-assigned client identifier.
func (s *SessionState) SetClientID(id string) {
	s.mu.Lock()
	s.clientID = id
	s.mu.Unlock()
}

// ShouldBeConnected reports the user's connection intent; it drives
// automatic reconnection.
func (s *SessionState) ShouldBeConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shouldBeConnected
}

// SetShouldBeConnected records the user's connection intent.
func (s *SessionState) SetShouldBeConnected(v bool) {
	s.mu.Lock()
	s.shouldBeConnected = v
	s.mu.Unlock()
}

// allocated reports whether id is reserved by any of the three tables.
// Caller holds s.mu.
func (s *SessionState) allocated(id uint16) bool {
	if _, ok := s.outTokens[id]; ok {
		return true
	}
	if _, ok := s.retryQueue[id]; ok {
		return true
	}
	_, ok := s.inboundQoS2[id]
	return ok
}

// NextPacketID returns the next free packet identifier, scanning from the
// cursor and wrapping 65535 -> 1. Fails with ErrPacketIDExhausted after a
// full rotation.
func (s *SessionState) NextPacketID() (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.nextID
	for {
		id := s.nextID
		s.nextID++
		if s.nextID == 0 {
			s.nextID = 1
		}
		if !s.allocated(id) {
			return id, nil
		}
		if s.nextID == start {
			return 0, ErrPacketIDExhausted
		}
	}
}

// RegisterOutbound records a token awaiting the terminal acknowledgement
// for id.
func (s *SessionState) RegisterOutbound(id uint16, token *Token) {
	s.mu.Lock()
	s.outTokens[id] = token
	s.mu.Unlock()
}

// Outbound returns the token registered for id, if any.
func (s *SessionState) Outbound(id uint16) (*Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.outTokens[id]
	return token, ok
}

// CompleteOutbound frees a packet identifier on terminal acknowledgement:
// the token, the retry queue entry and the persisted blob are all
// dropped. Returns the token, which may be nil after tokenless recovery.
//
// Dropping the persisted entry is unconditional even for broker-rejected
// acknowledgements; the exchange is over either way.
func (s *SessionState) CompleteOutbound(id uint16) (*Token, error) {
	s.mu.Lock()
	token := s.outTokens[id]
	delete(s.outTokens, id)
	_, hadRetry := s.retryQueue[id]
	delete(s.retryQueue, id)
	s.mu.Unlock()

	if hadRetry {
		if err := s.store.Remove(outboundKey(id)); err != nil {
			return token, fmt.Errorf("remove persisted message %d: %w", id, err)
		}
	}
	return token, nil
}

// AddRetry persists a wire message into the retry queue, keyed by its
// packet identifier. The durable write happens before the caller puts the
// message on the wire. The queued entry is decoded back from the blob, so
// later in-place edits of the caller's packet (topic aliasing) cannot
// reach it.
func (s *SessionState) AddRetry(pkt PacketWithID) error {
	blob, err := encodePacket(pkt)
	if err != nil {
		return err
	}
	if err := s.store.Put(outboundKey(pkt.ID()), blob); err != nil {
		return fmt.Errorf("persist message %d: %w", pkt.ID(), err)
	}
	entry, err := decodePacket(blob)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.retryQueue[pkt.ID()] = entry
	s.mu.Unlock()
	return nil
}

// SwapRetryToPubrel rewrites the retry entry for id from PUBLISH to
// PUBREL, durably. Called on PUBREC receipt; from here on a reconnect
// replays PUBREL, never the PUBLISH.
func (s *SessionState) SwapRetryToPubrel(pubrel *PubrelPacket) error {
	blob, err := encodePacket(pubrel)
	if err != nil {
		return err
	}
	if err := s.store.Put(outboundKey(pubrel.PacketID), blob); err != nil {
		return fmt.Errorf("persist PUBREL %d: %w", pubrel.PacketID, err)
	}

	s.mu.Lock()
	s.retryQueue[pubrel.PacketID] = pubrel
	s.mu.Unlock()
	return nil
}

// RetrySnapshot returns the retry queue contents in packet identifier
// order, for sequential replay.
func (s *SessionState) RetrySnapshot() []Packet {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int, 0, len(s.retryQueue))
	for id := range s.retryQueue {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	packets := make([]Packet, 0, len(ids))
	for _, id := range ids {
		packets = append(packets, s.retryQueue[uint16(id)])
	}
	return packets
}

// RetryCount returns the number of retry queue entries.
func (s *SessionState) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.retryQueue)
}

// AddInboundQoS2 records that a PUBREC is about to be sent for id. The
// durable write happens before the PUBREC goes on the wire, so a restart
// cannot re-deliver the message.
func (s *SessionState) AddInboundQoS2(id uint16) error {
	if err := s.store.Put(inboundQoS2Key(id), []byte{}); err != nil {
		return fmt.Errorf("persist inbound QoS 2 %d: %w", id, err)
	}

	s.mu.Lock()
	s.inboundQoS2[id] = struct{}{}
	s.mu.Unlock()
	return nil
}

// HasInboundQoS2 reports whether a PUBREC has been sent for id without a
// completed PUBREL exchange. Such PUBLISH packets are duplicates and must
// not be re-delivered.
func (s *SessionState) HasInboundQoS2(id uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inboundQoS2[id]
	return ok
}

// CompleteInboundQoS2 forgets id after the PUBCOMP has been written.
func (s *SessionState) CompleteInboundQoS2(id uint16) error {
	s.mu.Lock()
	delete(s.inboundQoS2, id)
	s.mu.Unlock()

	if err := s.store.Remove(inboundQoS2Key(id)); err != nil {
		return fmt.Errorf("remove inbound QoS 2 %d: %w", id, err)
	}
	return nil
}

// Clear drops all session data and resets the packet identifier cursor.
// Invoked on clean start and on connection end with a zero session expiry.
// Pending tokens complete with err.
func (s *SessionState) Clear(err error) {
	s.mu.Lock()
	tokens := make([]*Token, 0, len(s.outTokens))
	for _, token := range s.outTokens {
		tokens = append(tokens, token)
	}
	keys := make([]string, 0, len(s.retryQueue)+len(s.inboundQoS2))
	for id := range s.retryQueue {
		keys = append(keys, outboundKey(id))
	}
	for id := range s.inboundQoS2 {
		keys = append(keys, inboundQoS2Key(id))
	}
	s.outTokens = make(map[uint16]*Token)
	s.retryQueue = make(map[uint16]Packet)
	s.inboundQoS2 = make(map[uint16]struct{})
	s.nextID = 1
	s.mu.Unlock()

	for _, key := range keys {
		_ = s.store.Remove(key)
	}
	for _, token := range tokens {
		token.complete(err)
	}
}

// SetMessageListener registers a listener for (subscription identifier,
// topic filter). A zero subID means the subscription has no identifier.
func (s *SessionState) SetMessageListener(subID uint32, filter string, handler MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.listeners {
		if s.listeners[i].subID == subID && s.listeners[i].filter == filter {
			s.listeners[i].handler = handler
			return
		}
	}
	s.listeners = append(s.listeners, listenerEntry{subID: subID, filter: filter, handler: handler})
}

// RemoveMessageListener drops the listener for (subID, filter).
func (s *SessionState) RemoveMessageListener(subID uint32, filter string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.listeners {
		if s.listeners[i].subID == subID && s.listeners[i].filter == filter {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// MessageListener resolves the listener for an inbound PUBLISH. When the
// message carries a subscription identifier the lookup uses it; otherwise
// the topic is matched against listener filters with MQTT wildcard
// semantics.
func (s *SessionState) MessageListener(subIDs []uint32, topic string) MessageHandler {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, subID := range subIDs {
		if subID == 0 {
			continue
		}
		for i := range s.listeners {
			if s.listeners[i].subID == subID {
				return s.listeners[i].handler
			}
		}
	}

	for i := range s.listeners {
		if TopicMatch(s.listeners[i].filter, topic) {
			return s.listeners[i].handler
		}
	}
	return nil
}

// CloseStore closes the persistence handle.
func (s *SessionState) CloseStore() error {
	return s.store.Close()
}
