package tcp

import (
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/achetronic/frameloom/api"
	"github.com/achetronic/frameloom/codec"
	"github.com/achetronic/frameloom/transform"
)

// Side identifies which half of a Flow a file descriptor belongs to.
type Side uint8

const (
	SideClient Side = iota
	SideUpstream
)

func (s Side) String() string {
	if s == SideUpstream {
		return "upstream"
	}
	return "client"
}

// Peer holds one side's socket and outbound state. Invariant: WantWrite is
// true iff the outbound queue is non-empty or Connecting is true.
type Peer struct {
	FD            int
	Connecting    bool // upstream-only: true while a non-blocking connect is outstanding.
	Outbound      [][]byte
	OutboundBytes int
	WantWrite     bool
	ReadPaused    bool // true while this peer's reads are held off because the opposite queue is over the watermark.
}

func (p *Peer) queueBytes(b []byte) {
	p.Outbound = append(p.Outbound, b)
	p.OutboundBytes += len(b)
}

func (p *Peer) dequeueFront() {
	if len(p.Outbound) == 0 {
		return
	}
	p.OutboundBytes -= len(p.Outbound[0])
	p.Outbound[0] = nil
	p.Outbound = p.Outbound[1:]
}

// Flow pairs a client Peer with an upstream Peer under one id. Each
// direction keeps its own decoder, since client-to-server and
// server-to-client bytes are independent framing streams on the same flow.
type Flow struct {
	ID       uint32
	Client   Peer
	Upstream Peer
	Closed   bool

	clientDecoder   *codec.Decoder
	upstreamDecoder *codec.Decoder
}

// descriptor maps a live fd back to its flow and side.
type descriptor struct {
	flowID uint32
	side   Side
}

// Proxy is the event-driven proxy engine: listening socket, epoll readiness
// loop, flow/descriptor tables, and the configured transform chains.
type Proxy struct {
	Config *api.Proxy
	Logger *zap.SugaredLogger

	// OnReceiveChain runs on frames decoded from the client (ClientToServer).
	OnReceiveChain *transform.Chain
	// OnResponseChain runs on frames decoded from upstream (ServerToClient).
	OnResponseChain *transform.Chain

	epollFD   int
	listenFD  int
	boundPort int

	flows       map[uint32]*Flow
	descriptors map[int]descriptor
	nextFlowID  uint32

	readBuf []byte

	// pacer gates how often a read-paused peer is reconsidered for resume,
	// avoiding an epoll MOD storm when a queue oscillates around the watermark.
	pacer *rate.Limiter
}
