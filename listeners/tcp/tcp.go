// Package tcp implements the event-driven proxy engine: the accept/connect
// lifecycle, the per-flow dual-peer state machine, the framed pipeline
// (accumulate -> decode -> transform -> encode -> enqueue), and the
// readiness/flush discipline that keeps sockets, buffers, and subscription
// masks in a consistent state.
//
// The readiness facility is Linux epoll, driven directly through
// golang.org/x/sys/unix rather than net.Conn, because the engine owns one
// epoll instance multiplexing every socket itself.
package tcp

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/achetronic/frameloom/api"
	"github.com/achetronic/frameloom/codec"
	"github.com/achetronic/frameloom/frame"
	"github.com/achetronic/frameloom/transform"
)

const maxEpollEvents = 64

// NewProxy builds a Proxy ready for Launch. onReceive runs on frames decoded
// from the client; onResponse runs on frames decoded from upstream. Either
// may be an empty chain, never nil.
func NewProxy(cfg *api.Proxy, logger *zap.SugaredLogger, onReceive, onResponse *transform.Chain) *Proxy {
	return &Proxy{
		Config:          cfg,
		Logger:          logger,
		OnReceiveChain:  onReceive,
		OnResponseChain: onResponse,
		flows:           map[uint32]*Flow{},
		descriptors:     map[int]descriptor{},
		nextFlowID:      1,
		listenFD:        -1,
		epollFD:         -1,
		pacer:           newPacer(),
	}
}

// Launch binds the listener, creates the epoll instance, and runs the
// readiness loop until a fatal error occurs. Setup errors (bind/listen/
// epoll create) return immediately; per-flow errors never escape the loop.
func (p *Proxy) Launch() error {
	sa, family, err := resolveSockaddr(p.Config.Listener.Host, p.Config.Listener.Port)
	if err != nil {
		return fmt.Errorf("tcp: resolving listener address: %w", err)
	}

	listenFD, err := newNonblockingSocket(family)
	if err != nil {
		return fmt.Errorf("tcp: creating listen socket: %w", err)
	}
	p.listenFD = listenFD

	if err := unix.SetsockoptInt(listenFD, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(listenFD)
		return fmt.Errorf("tcp: SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(listenFD, sa); err != nil {
		unix.Close(listenFD)
		return fmt.Errorf("tcp: bind %s:%d: %w", p.Config.Listener.Host, p.Config.Listener.Port, err)
	}
	if err := unix.Listen(listenFD, 256); err != nil {
		unix.Close(listenFD)
		return fmt.Errorf("tcp: listen: %w", err)
	}

	if boundPort, err := boundPortOf(listenFD); err == nil {
		p.boundPort = boundPort
	}

	epollFD, err := unix.EpollCreate1(0)
	if err != nil {
		unix.Close(listenFD)
		return fmt.Errorf("tcp: epoll_create1: %w", err)
	}
	p.epollFD = epollFD

	listenEvent := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLERR,
		Fd:     int32(listenFD),
	}
	if err := unix.EpollCtl(epollFD, unix.EPOLL_CTL_ADD, listenFD, &listenEvent); err != nil {
		unix.Close(listenFD)
		unix.Close(epollFD)
		return fmt.Errorf("tcp: epoll add listen fd: %w", err)
	}

	p.readBuf = make([]byte, p.Config.Limits.MaxChunk)

	p.Logger.Infow("proxy listening",
		"host", p.Config.Listener.Host, "port", p.Config.Listener.Port,
		"backendHost", p.Config.Backend.Host, "backendPort", p.Config.Backend.Port)

	return p.loop()
}

// BoundPort returns the port the listener actually bound to, useful when
// Config.Listener.Port is 0 and the kernel picked an ephemeral one.
func (p *Proxy) BoundPort() int {
	return p.boundPort
}

// Close tears down every live flow and releases the listening socket and
// epoll instance. Safe to call once after Launch returns.
func (p *Proxy) Close() error {
	for id := range p.flows {
		p.closeFlow(id, "shutdown")
	}
	if p.listenFD >= 0 {
		unix.Close(p.listenFD)
		p.listenFD = -1
	}
	if p.epollFD >= 0 {
		unix.Close(p.epollFD)
		p.epollFD = -1
	}
	return nil
}

func (p *Proxy) loop() error {
	events := make([]unix.EpollEvent, maxEpollEvents)
	for {
		n, err := unix.EpollWait(p.epollFD, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("tcp: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			p.dispatch(events[i])
		}
	}
}

func (p *Proxy) dispatch(ev unix.EpollEvent) {
	fd := int(ev.Fd)

	if fd == p.listenFD {
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			p.Logger.Errorw("listen socket error/hangup")
			return
		}
		p.acceptLoop()
		return
	}

	desc, ok := p.descriptors[fd]
	if !ok {
		// A late event for an fd already torn down by an earlier event in
		// this same batch; ignore.
		return
	}
	flow, ok := p.flows[desc.flowID]
	if !ok || flow.Closed {
		return
	}

	// Error/hangup first, then write, then read.
	if ev.Events&(unix.EPOLLERR|unix.EPOLLRDHUP|unix.EPOLLHUP) != 0 {
		p.Logger.Debugw("peer error/hangup", "flow", flow.ID, "fd", fd, "side", desc.side)
		p.closeFlow(flow.ID, "error/hangup")
		return
	}

	if ev.Events&unix.EPOLLOUT != 0 {
		p.handleWritable(flow, desc.side)
		if flow.Closed {
			return
		}
	}

	if ev.Events&unix.EPOLLIN != 0 {
		p.handleReadable(flow, desc.side)
	}
}

// acceptLoop drains the accept queue until it would block, establishing a
// new flow (with its matched upstream connect) for each accepted client.
func (p *Proxy) acceptLoop() {
	for {
		clientFD, _, err := unix.Accept4(p.listenFD, unix.SOCK_NONBLOCK)
		if err != nil {
			if isWouldBlock(err) {
				return
			}
			p.Logger.Warnw("accept failed", "error", err)
			return
		}

		upstreamFD, connecting, err := p.connectUpstream()
		if err != nil {
			p.Logger.Warnw("upstream connect failed, dropping client", "error", err)
			unix.Close(clientFD)
			continue
		}

		p.newFlow(clientFD, upstreamFD, connecting)
	}
}

func (p *Proxy) connectUpstream() (fd int, connecting bool, err error) {
	sa, family, err := resolveSockaddr(p.Config.Backend.Host, p.Config.Backend.Port)
	if err != nil {
		return -1, false, err
	}

	fd, err = newNonblockingSocket(family)
	if err != nil {
		return -1, false, err
	}

	err = unix.Connect(fd, sa)
	switch err {
	case nil:
		return fd, false, nil
	case unix.EINPROGRESS:
		return fd, true, nil
	default:
		unix.Close(fd)
		return -1, false, err
	}
}

func (p *Proxy) newFlow(clientFD, upstreamFD int, upstreamConnecting bool) {
	id := p.nextFlowID
	p.nextFlowID++

	flow := &Flow{
		ID:              id,
		clientDecoder:   codec.NewDecoder(p.Config.Limits.MaxFrameBytes),
		upstreamDecoder: codec.NewDecoder(p.Config.Limits.MaxFrameBytes),
	}
	flow.Client.FD = clientFD
	flow.Upstream.FD = upstreamFD
	flow.Upstream.Connecting = upstreamConnecting
	flow.Upstream.WantWrite = upstreamConnecting

	p.flows[id] = flow
	p.descriptors[clientFD] = descriptor{flowID: id, side: SideClient}
	p.descriptors[upstreamFD] = descriptor{flowID: id, side: SideUpstream}

	p.registerFD(clientFD, &flow.Client)
	p.registerFD(upstreamFD, &flow.Upstream)

	p.Logger.Infow("flow opened", "flow", id, "clientFD", clientFD, "upstreamFD", upstreamFD, "connecting", upstreamConnecting)
}

func (p *Proxy) registerFD(fd int, peer *Peer) {
	ev := unix.EpollEvent{Events: baseEpollEvents(peer.WantWrite, peer.ReadPaused), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epollFD, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		p.Logger.Errorw("epoll add failed", "fd", fd, "error", err)
	}
}

func (p *Proxy) updateSubscription(fd int, peer *Peer) {
	ev := unix.EpollEvent{Events: baseEpollEvents(peer.WantWrite, peer.ReadPaused), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epollFD, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		p.Logger.Errorw("epoll mod failed", "fd", fd, "error", err)
	}
}

// peers returns (src, srcFD, dst, dstFD) for the side that produced an event.
func (f *Flow) peers(side Side) (src *Peer, srcFD int, dst *Peer, dstFD int) {
	if side == SideClient {
		return &f.Client, f.Client.FD, &f.Upstream, f.Upstream.FD
	}
	return &f.Upstream, f.Upstream.FD, &f.Client, f.Client.FD
}

func (p *Proxy) handleWritable(flow *Flow, side Side) {
	src, srcFD, dst, dstFD := flow.peers(side)

	if side == SideUpstream && src.Connecting {
		errno, err := unix.GetsockoptInt(srcFD, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil || errno != 0 {
			p.Logger.Warnw("upstream connect failed", "flow", flow.ID, "error", err, "errno", errno)
			p.closeFlow(flow.ID, "connect failed")
			return
		}
		src.Connecting = false
		src.WantWrite = len(src.Outbound) > 0
		p.updateSubscription(srcFD, src)
	}

	if len(src.Outbound) > 0 {
		pending, err := p.flushOutbound(src, srcFD)
		if err != nil {
			p.Logger.Debugw("send error, closing flow", "flow", flow.ID, "fd", srcFD, "error", err)
			p.closeFlow(flow.ID, "send error")
			return
		}
		src.WantWrite = pending
		p.updateSubscription(srcFD, src)
	} else if src.WantWrite && !src.Connecting {
		src.WantWrite = false
		p.updateSubscription(srcFD, src)
	}

	// Writing to src drained its queue; the peer feeding that queue (dst,
	// the opposite side) may now be allowed to resume reading.
	p.resumeReadsIfDrained(dst, dstFD, src)
}

// flushOutbound drains as much of peer's queue as the kernel will accept.
// pending is true if data remains queued (either a short write or EAGAIN).
func (p *Proxy) flushOutbound(peer *Peer, fd int) (pending bool, err error) {
	for len(peer.Outbound) > 0 {
		front := peer.Outbound[0]
		if len(front) == 0 {
			peer.dequeueFront()
			continue
		}

		n, werr := unix.Write(fd, front)
		if n > 0 {
			if n == len(front) {
				peer.dequeueFront()
				continue
			}
			peer.OutboundBytes -= n
			peer.Outbound[0] = front[n:]
			return true, nil
		}

		if werr != nil && isWouldBlock(werr) {
			return true, nil
		}
		return false, werr
	}
	return false, nil
}

func (p *Proxy) handleReadable(flow *Flow, side Side) {
	src, srcFD, dst, dstFD := flow.peers(side)

	if side == SideUpstream && src.Connecting {
		return
	}

	for {
		n, err := unix.Read(srcFD, p.readBuf)
		if n > 0 {
			if ferr := p.pump(flow, side, p.readBuf[:n], dst, dstFD); ferr != nil {
				p.Logger.Debugw("decode error, closing flow", "flow", flow.ID, "error", ferr)
				p.closeFlow(flow.ID, "decode error")
				return
			}
			continue
		}

		if n == 0 && err == nil {
			p.Logger.Debugw("peer EOF", "flow", flow.ID, "fd", srcFD, "side", side)
			p.closeFlow(flow.ID, "EOF")
			return
		}

		if isWouldBlock(err) {
			break
		}

		p.Logger.Debugw("read error, closing flow", "flow", flow.ID, "error", err)
		p.closeFlow(flow.ID, "read error")
		return
	}

	p.pauseReadsIfCongested(src, srcFD, dst)
}

// pump pushes a chunk of freshly-read bytes into the decoder for side's
// direction, decodes every complete frame, runs the matching chain, and
// enqueues any surviving payload onto dst's outbound queue.
func (p *Proxy) pump(flow *Flow, side Side, chunk []byte, dst *Peer, dstFD int) error {
	var (
		decoder *codec.Decoder
		dir     frame.Direction
		chain   *transform.Chain
	)
	if side == SideClient {
		decoder, dir, chain = flow.clientDecoder, frame.ClientToServer, p.OnReceiveChain
	} else {
		decoder, dir, chain = flow.upstreamDecoder, frame.ServerToClient, p.OnResponseChain
	}

	decoder.Push(chunk)

	for {
		has, err := decoder.HasFrame()
		if err != nil {
			return err
		}
		if !has {
			return nil
		}

		f := decoder.Pop(monotonicNanos(), flow.ID, dir)
		chain.Apply(&f)

		if len(f.Payload) == 0 {
			continue
		}

		wasEmpty := len(dst.Outbound) == 0
		dst.queueBytes(codec.Encode(f.Payload))
		if wasEmpty {
			dst.WantWrite = true
			p.updateSubscription(dstFD, dst)
		}
	}
}

func (p *Proxy) closeFlow(id uint32, reason string) {
	flow, ok := p.flows[id]
	if !ok || flow.Closed {
		return
	}
	flow.Closed = true

	p.closeDescriptor(flow.Client.FD)
	p.closeDescriptor(flow.Upstream.FD)

	flow.Client.FD = -1
	flow.Upstream.FD = -1

	delete(p.flows, id)
	p.Logger.Infow("flow closed", "flow", id, "reason", reason)
}

func (p *Proxy) closeDescriptor(fd int) {
	if fd < 0 {
		return
	}
	unix.EpollCtl(p.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
	delete(p.descriptors, fd)
	unix.Close(fd)
}
