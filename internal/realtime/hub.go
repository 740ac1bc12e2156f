package realtime

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/partnerboard/backend/internal/auth"
	"github.com/partnerboard/backend/internal/partnerships"
	"github.com/partnerboard/backend/internal/presence"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

const (
	EventSnapshot          = "snapshot"
	EventUserJoined        = "userJoined"
	EventUserLeft          = "userLeft"
	EventRecordAdded       = "recordAdded"
	EventRecordUpdated     = "recordUpdated"
	EventRecordDeleted     = "recordDeleted"
	EventAllRecordsCleared = "allRecordsCleared"
	EventEditing           = "editing"
	EventStopEditing       = "stopEditing"
	EventActivity          = "activity"
)

const (
	defaultFrameBuffer     = 32
	maxDecodeErrorsPerConn = 3
)

var errMissingPresence = errors.New("realtime: presence registry is required")

// Frame is the wire envelope for every event in either direction.
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type inboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type snapshotPayload struct {
	Records []partnerships.Record `json:"records"`
	Users   []presence.Entry      `json:"users"`
	Self    presence.Entry        `json:"self"`
}

type presencePayload struct {
	User      presence.Entry `json:"user"`
	Timestamp string         `json:"timestamp"`
}

type editingPayload struct {
	RecordID string `json:"recordId"`
	Field    string `json:"field"`
}

type editingBroadcast struct {
	User      presence.Entry `json:"user"`
	RecordID  string         `json:"recordId"`
	Field     string         `json:"field"`
	Timestamp string         `json:"timestamp"`
}

type mutationPayload struct {
	Action    string               `json:"action"`
	Record    *partnerships.Record `json:"record,omitempty"`
	RecordID  string               `json:"recordId,omitempty"`
	Cleared   int                  `json:"cleared,omitempty"`
	ActorName string               `json:"actorName"`
	Timestamp string               `json:"timestamp"`
}

// RecordLister supplies the record snapshot sent to a freshly connected peer.
type RecordLister interface {
	List() []partnerships.Record
}

// HubConfig describes the dependencies of the broadcast hub.
type HubConfig struct {
	Records     RecordLister
	Presence    *presence.Registry
	Clock       func() time.Time
	Logger      *zap.Logger
	FrameBuffer int
}

// Hub owns the live peer set and all real-time fan-out. Each peer gets a
// buffered frame channel drained by its own writer goroutine; publishing
// never blocks, frames to a stalled peer are dropped.
type Hub struct {
	mu    sync.Mutex
	peers map[string]*peer

	records  RecordLister
	presence *presence.Registry
	clock    func() time.Time
	logger   *zap.Logger
	buffer   int
}

type peer struct {
	id        string
	identity  auth.Identity
	frames    chan Frame
	done      chan struct{}
	closeOnce sync.Once

	// Guarded by the hub mutex. Until the peer's snapshot is enqueued,
	// broadcast frames accumulate in pending so the snapshot is always the
	// first frame on the wire.
	ready   bool
	pending []Frame
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

// NewHub constructs the hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Presence == nil {
		return nil, errMissingPresence
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	buffer := cfg.FrameBuffer
	if buffer <= 0 {
		buffer = defaultFrameBuffer
	}
	return &Hub{
		peers:    make(map[string]*peer),
		records:  cfg.Records,
		presence: cfg.Presence,
		clock:    clock,
		logger:   logger,
		buffer:   buffer,
	}, nil
}

// ConnectedCount reports the number of live peers.
func (h *Hub) ConnectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Serve runs the full lifecycle of one connection: register presence, send
// the snapshot, announce the join, relay inbound frames, and on any
// disconnect announce the departure. It blocks until the connection closes.
// The snapshot is always the first frame a peer receives; a mutation racing
// the handshake is queued and replayed after it.
func (h *Hub) Serve(conn *websocket.Conn, identity auth.Identity) {
	defer func() {
		_ = conn.Close()
	}()

	connectionID := uuid.NewString()
	p := &peer{
		id:       connectionID,
		identity: identity,
		frames:   make(chan Frame, h.buffer),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	h.peers[connectionID] = p
	h.mu.Unlock()

	entry := h.presence.Add(connectionID, identity.ID, identity.Name, identity.Email, identity.Role)

	go h.writeLoop(p, json.NewEncoder(conn))

	defer h.disconnect(p)

	h.logger.Info("client connected",
		zap.String("connection_id", connectionID),
		zap.String("email", identity.Email))

	var records []partnerships.Record
	if h.records != nil {
		records = h.records.List()
	}
	h.deliver(p, Frame{Type: EventSnapshot, Payload: snapshotPayload{
		Records: records,
		Users:   h.presence.All(),
		Self:    entry,
	}})
	h.markReady(p)

	h.broadcast(Frame{Type: EventUserJoined, Payload: presencePayload{
		User:      entry,
		Timestamp: h.timestamp(),
	}}, connectionID)

	h.readLoop(conn, p)
}

// RecordMutated fans a committed store mutation out to every peer, the
// originator included, so every view converges on the authoritative state.
// Called under the store lock; it must not block.
func (h *Hub) RecordMutated(event partnerships.MutationEvent) {
	eventType := ""
	switch event.Kind {
	case partnerships.MutationCreated:
		eventType = EventRecordAdded
	case partnerships.MutationUpdated:
		eventType = EventRecordUpdated
	case partnerships.MutationDeleted:
		eventType = EventRecordDeleted
	case partnerships.MutationCleared:
		eventType = EventAllRecordsCleared
	default:
		return
	}

	payload := mutationPayload{
		Action:    eventType,
		ActorName: event.ActorName,
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
	}
	switch event.Kind {
	case partnerships.MutationDeleted:
		payload.RecordID = event.RecordID
	case partnerships.MutationCleared:
		payload.Cleared = event.Cleared
	default:
		payload.Record = event.Record
	}

	h.broadcast(Frame{Type: eventType, Payload: payload}, "")
}

func (h *Hub) readLoop(conn *websocket.Conn, p *peer) {
	decoder := json.NewDecoder(conn)
	decodeErrors := 0

	for {
		var frame inboundFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		switch frame.Type {
		case EventEditing, EventStopEditing:
			h.relayEditing(p, frame)
		case EventActivity:
			h.presence.Touch(p.id)
		default:
			h.logger.Debug("unsupported frame type",
				zap.String("connection_id", p.id),
				zap.String("type", frame.Type))
		}
	}
}

// relayEditing forwards an editing indicator to everyone except the sender.
// Editing state is ephemeral: it never touches the record store or disk.
func (h *Hub) relayEditing(p *peer, frame inboundFrame) {
	h.presence.Touch(p.id)

	var payload editingPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			h.logger.Debug("invalid editing payload",
				zap.String("connection_id", p.id),
				zap.Error(err))
			return
		}
	}

	entry, ok := h.presence.Get(p.id)
	if !ok {
		return
	}
	h.broadcast(Frame{Type: frame.Type, Payload: editingBroadcast{
		User:      entry,
		RecordID:  payload.RecordID,
		Field:     payload.Field,
		Timestamp: h.timestamp(),
	}}, p.id)
}

func (h *Hub) disconnect(p *peer) {
	p.close()

	h.mu.Lock()
	delete(h.peers, p.id)
	h.mu.Unlock()

	entry, ok := h.presence.Remove(p.id)
	if !ok {
		return
	}

	h.logger.Info("client disconnected",
		zap.String("connection_id", p.id),
		zap.String("email", entry.Email))

	h.broadcast(Frame{Type: EventUserLeft, Payload: presencePayload{
		User:      entry,
		Timestamp: h.timestamp(),
	}}, p.id)
}

func (h *Hub) writeLoop(p *peer, encoder *json.Encoder) {
	for {
		select {
		case frame := <-p.frames:
			if err := encoder.Encode(frame); err != nil {
				p.close()
				return
			}
		case <-p.done:
			return
		}
	}
}

// broadcast enqueues the frame for every peer except excludeID. Fan-out is
// fire-and-forget: a full buffer drops the frame rather than stalling the
// publisher. Peers still mid-handshake have the frame queued instead so it
// lands after their snapshot.
func (h *Hub) broadcast(frame Frame, excludeID string) {
	h.mu.Lock()
	targets := make([]*peer, 0, len(h.peers))
	for id, target := range h.peers {
		if id == excludeID {
			continue
		}
		if !target.ready {
			target.pending = append(target.pending, frame)
			continue
		}
		targets = append(targets, target)
	}
	h.mu.Unlock()

	for _, target := range targets {
		h.deliver(target, frame)
	}
}

// markReady flushes frames queued during the handshake and opens the peer to
// direct delivery. Queued frames keep broadcast order.
func (h *Hub) markReady(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, frame := range p.pending {
		h.deliver(p, frame)
	}
	p.pending = nil
	p.ready = true
}

func (h *Hub) deliver(p *peer, frame Frame) {
	select {
	case p.frames <- frame:
	default:
		h.logger.Warn("dropping frame for slow peer",
			zap.String("connection_id", p.id),
			zap.String("type", frame.Type))
	}
}

func (h *Hub) timestamp() string {
	return h.clock().UTC().Format(time.RFC3339)
}
