// Package session implements the per-connection client state machine:
// handshake progression, the 21-slot vehicle array, traffic counters, and
// the bounded inbound queues the tick scheduler drains.
package session

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"driftrelay/internal/eventbus"
)

// State is a step in the connection lifecycle.
type State int

const (
	StateRoleRead State = iota
	StateVersionCheck
	StateKeyExchange
	StateIdentity
	StateAdmit
	StateSync
	StatePlay
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRoleRead:
		return "role_read"
	case StateVersionCheck:
		return "version_check"
	case StateKeyExchange:
		return "key_exchange"
	case StateIdentity:
		return "identity"
	case StateAdmit:
		return "admit"
	case StateSync:
		return "sync"
	case StatePlay:
		return "play"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// maxCars is the fixed size of every session's vehicle array: 20 regular
// car slots plus one slot a unicycle may additionally occupy.
const maxCars = 21

// SpawnConfig is the admission policy SpawnCar enforces, supplied by the
// caller at construction (it depends on server configuration and the
// session's roles, neither of which this package owns).
type SpawnConfig struct {
	MaxCars       int
	AllowUnicycle bool
	OverSpawn     bool
}

// Sender delivers an already-framed payload to the client over its
// reliable stream.
type Sender interface {
	SendReliable(frame []byte) error
	SendDatagram(frame []byte) error
}

// Session is one connected client's full state.
type Session struct {
	mu sync.Mutex

	slot        int
	key         string
	nickname    string
	roles       string
	guest       bool
	identifiers map[string]string
	correlation string

	transport Sender

	cars     [maxCars]*Car
	focusCar int
	uni      unicycleState

	tcpCount uint64
	udpCount uint64

	state       State
	connectTime time.Time
	ready       bool
	synced      bool

	inboundTCP chan []byte
	inboundUDP chan []byte

	downloadSock net.Conn

	spawnCfg SpawnConfig
	bus      *eventbus.Bus
	log      zerolog.Logger
}

// Car is one vehicle occupying a slot in a session's vehicle array. Data
// is the opaque vehicle-description payload the client sent; the server
// never parses it beyond detecting the unicycle marker.
type Car struct {
	ID   int
	Data string
}

type unicycleState struct {
	id     int
	packet string
}

// Config bundles the construction-time dependencies and policy values for
// a new Session.
type Config struct {
	Key         string
	Transport   Sender
	SpawnCfg    SpawnConfig
	Bus         *eventbus.Bus
	InboundSize int
}

// New builds a Session in StateRoleRead, ready to progress through the
// handshake.
func New(cfg Config) *Session {
	inboundSize := cfg.InboundSize
	if inboundSize <= 0 {
		inboundSize = 64
	}
	return &Session{
		slot:        -1,
		key:         cfg.Key,
		transport:   cfg.Transport,
		focusCar:    -1,
		uni:         unicycleState{id: -1},
		state:       StateRoleRead,
		connectTime: time.Now(),
		inboundTCP:  make(chan []byte, inboundSize),
		inboundUDP:  make(chan []byte, inboundSize),
		spawnCfg:    cfg.SpawnCfg,
		bus:         cfg.Bus,
		correlation: uuid.NewString(),
	}
}

// Slot, SetSlot, and Nickname satisfy registry.Session.
func (s *Session) Slot() int { s.mu.Lock(); defer s.mu.Unlock(); return s.slot }

func (s *Session) SetSlot(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slot = slot
}

func (s *Session) Nickname() string { s.mu.Lock(); defer s.mu.Unlock(); return s.nickname }

// Guest satisfies registry.Session: nickname uniqueness is scoped per
// guest flag, so the registry needs this to key its nickname index.
func (s *Session) Guest() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.guest }

// SetLogger attaches a pre-labeled logger, called once the session is
// admitted and its nickname is known (mirrors Client._update_logger).
func (s *Session) SetLogger(l zerolog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = l
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Advance moves the session to the next state. Callers drive this from
// the handshake sequence described in SPEC_FULL §4.E; Advance itself does
// not validate that the transition is legal, since each handshake step
// already enforces its own preconditions before calling it.
func (s *Session) Advance(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = next
}

// SetIdentity records the verified identity once component O succeeds.
func (s *Session) SetIdentity(nickname, roles string, guest bool, identifiers map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nickname = nickname
	s.roles = roles
	s.guest = guest
	s.identifiers = identifiers
}

// Identifiers returns a copy of the verified identifiers map.
func (s *Session) Identifiers() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.identifiers))
	for k, v := range s.identifiers {
		out[k] = v
	}
	return out
}

// MarkReady and MarkSynced record the PLAY-entry sequence's completion
// flags (Client.ready / Client.synced in the original).
func (s *Session) MarkReady()     { s.mu.Lock(); s.ready = true; s.mu.Unlock() }
func (s *Session) MarkSynced()    { s.mu.Lock(); s.synced = true; s.mu.Unlock() }
func (s *Session) IsReady() bool  { s.mu.Lock(); defer s.mu.Unlock(); return s.ready }
func (s *Session) IsSynced() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.synced }

// CountTCP and CountUDP increment the per-session traffic counters that
// feed the 1s-cadence packets-per-second diagnostic (SPEC_FULL §3).
func (s *Session) CountTCP() { s.mu.Lock(); s.tcpCount++; s.mu.Unlock() }
func (s *Session) CountUDP() { s.mu.Lock(); s.udpCount++; s.mu.Unlock() }

// DrainTraffic returns and resets the traffic counters, for the 1s
// cadence hook to compute a rate.
func (s *Session) DrainTraffic() (tcp, udp uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tcp, udp = s.tcpCount, s.udpCount
	s.tcpCount, s.udpCount = 0, 0
	return
}

// EnqueueTCP and EnqueueUDP place a raw inbound frame on the bounded
// per-transport queue the tick scheduler drains one message from per
// tick. A full queue drops the newest frame rather than blocking the
// reader goroutine.
func (s *Session) EnqueueTCP(frame []byte) (dropped bool) {
	select {
	case s.inboundTCP <- frame:
		return false
	default:
		return true
	}
}

func (s *Session) EnqueueUDP(frame []byte) (dropped bool) {
	select {
	case s.inboundUDP <- frame:
		return false
	default:
		return true
	}
}

// DrainOneTCP and DrainOneUDP pop at most one queued frame, for the tick
// scheduler to process per session per tick.
func (s *Session) DrainOneTCP() ([]byte, bool) {
	select {
	case f := <-s.inboundTCP:
		return f, true
	default:
		return nil, false
	}
}

func (s *Session) DrainOneUDP() ([]byte, bool) {
	select {
	case f := <-s.inboundUDP:
		return f, true
	default:
		return nil, false
	}
}

// AttachDownloadSock records the secondary reliable connection a RoleDownload
// socket identified itself as belonging to this session, per SPEC_FULL §4.G.
// Any previously-attached socket is closed first.
func (s *Session) AttachDownloadSock(conn net.Conn) {
	s.mu.Lock()
	prev := s.downloadSock
	s.downloadSock = conn
	s.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

// DownloadSock returns the currently-attached secondary download
// connection, or nil if the client never opened one.
func (s *Session) DownloadSock() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloadSock
}

// SendReliable and SendDatagram deliver an already-framed payload.
func (s *Session) SendReliable(frame []byte) error { return s.transport.SendReliable(frame) }
func (s *Session) SendDatagram(frame []byte) error { return s.transport.SendDatagram(frame) }

// udpBinder is implemented by transport.Peer; BindUDPPeer forwards to it
// when the session's transport supports UDP peer learning (it always
// does in production — the interface indirection only exists so this
// package need not import net/transport types for its own Sender
// interface).
type udpBinder interface {
	BindUDPPeer(addr *net.UDPAddr)
}

// EnqueueUDP, BindUDPPeer together satisfy transport.DatagramSink.
func (s *Session) BindUDPPeer(addr *net.UDPAddr) {
	if b, ok := s.transport.(udpBinder); ok {
		b.BindUDPPeer(addr)
	}
}

// Terminate transitions the session to StateClosed and runs the
// disconnect broadcast sequence (Client._remove_me): per-car removal
// notices and a departure announcement if the session had gone ready.
// broadcast is called once per outbound notice with the raw payload to
// relay to every other session.
func (s *Session) Terminate(reason string, broadcast func(payload string)) {
	s.mu.Lock()
	wasReady := s.ready
	nickname := s.nickname
	slot := s.slot
	var carIDs []int
	for _, c := range s.cars {
		if c != nil {
			carIDs = append(carIDs, c.ID)
		}
	}
	s.state = StateClosed
	downloadSock := s.downloadSock
	s.downloadSock = nil
	s.mu.Unlock()

	if downloadSock != nil {
		downloadSock.Close()
	}

	for _, id := range carIDs {
		broadcast(odPacket(slot, id))
	}
	if wasReady {
		broadcast("J" + nickname + " disconnected!")
	}

	if s.bus != nil {
		s.bus.EmitSync("playerDisconnect", map[string]any{"nickname": nickname, "reason": reason})
	}
}
