// Package peer implements the transport and per-connection actor that
// carries BOLT-1 framing over a Noise_XK link. It owns nothing about channel
// state: BOLT-1 housekeeping (Init/Ping/Pong) is handled locally, and every
// other decoded message is handed to a MessageHandler -- in practice
// channelmanager.ChannelManager.HandleWireMessage -- keeping this package
// ignorant of BOLT-2/3 semantics, mirroring how the old peer/server split
// kept wire plumbing separate from the channel state machine.
package peer

import (
	"container/list"
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/brontide"

	"github.com/lampo-project/lampo/lnwire"
)

var log btclog.Logger = btclog.Disabled

// UseLogger sets the package-level logger used by peer.
func UseLogger(l btclog.Logger) {
	log = l
}

const (
	// pingInterval is how often a keepalive Ping is sent to the remote
	// peer per BOLT-1.
	pingInterval = time.Minute

	// outgoingQueueLen is the buffer size of outgoingQueue. queueHandler
	// drains that channel into an unbounded list, so this does not bound
	// how many messages can be pending for send.
	outgoingQueueLen = 50
)

// MessageHandler receives every message read off the wire that isn't BOLT-1
// housekeeping. channelmanager.ChannelManager satisfies this via its
// HandleWireMessage method.
type MessageHandler interface {
	HandleWireMessage(peerID [33]byte, msg lnwire.Message) error
}

type outgoingMsg struct {
	msg      lnwire.Message
	sentChan chan struct{} // MUST be buffered.
}

// Peer is one active Noise_XK connection to a remote Lightning node. It
// drives the BOLT-1 handshake, frames/deframes messages, and routes anything
// past Init/Ping/Pong to a MessageHandler.
type Peer struct {
	started    int32 // atomic
	disconnect int32 // atomic

	conn *brontide.Conn
	addr *lnwire.NetAddress

	pubKeyBytes [33]byte

	handler MessageHandler

	// onDisconnect, if non-nil, is invoked exactly once from a freshly
	// spawned goroutine when this peer's connection dies, so a Manager
	// can drop it from its registry without blocking the goroutine that
	// noticed the failure.
	onDisconnect func(*Peer)

	outgoingQueue chan outgoingMsg
	sendQueue     chan outgoingMsg

	bytesReceived uint64
	bytesSent     uint64

	wg   sync.WaitGroup
	quit chan struct{}
}

// newPeer wraps an already-handshaken brontide connection.
func newPeer(conn *brontide.Conn, addr *lnwire.NetAddress, handler MessageHandler, onDisconnect func(*Peer)) *Peer {
	var pub [33]byte
	copy(pub[:], addr.IdentityKey.SerializeCompressed())

	return &Peer{
		conn:          conn,
		addr:          addr,
		pubKeyBytes:   pub,
		handler:       handler,
		onDisconnect:  onDisconnect,
		outgoingQueue: make(chan outgoingMsg, outgoingQueueLen),
		sendQueue:     make(chan outgoingMsg),
		quit:          make(chan struct{}),
	}
}

// IdentityKey returns the remote node's long-term identity public key.
func (p *Peer) IdentityKey() *btcec.PublicKey {
	return p.addr.IdentityKey
}

// PubKeyBytes returns the remote node's identity key in the compact
// [33]byte form channelmanager keys its per-peer state on.
func (p *Peer) PubKeyBytes() [33]byte {
	return p.pubKeyBytes
}

// Addr returns the remote node's network address.
func (p *Peer) Addr() *lnwire.NetAddress {
	return p.addr
}

// String returns the remote address, for logging.
func (p *Peer) String() string {
	return p.conn.RemoteAddr().String()
}

// Start exchanges Init messages and launches this peer's read/write/ping
// goroutines. The Init exchange happens synchronously so a caller knows
// immediately whether the new link is usable.
func (p *Peer) Start() error {
	if atomic.AddInt32(&p.started, 1) != 1 {
		return nil
	}

	p.wg.Add(2)
	go p.queueHandler()
	go p.writeHandler()

	if err := p.sendInitMsg(); err != nil {
		return err
	}

	msg, err := p.readNextMessage()
	if err != nil {
		return err
	}
	if _, ok := msg.(*lnwire.Init); !ok {
		return fmt.Errorf("peer: first message from %v was %T, not init", p, msg)
	}

	p.wg.Add(2)
	go p.readHandler()
	go p.pingHandler()

	return nil
}

// Stop signals every goroutine belonging to this peer to exit and blocks
// until they have. The underlying connection is closed first so any pending
// read unblocks immediately.
func (p *Peer) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.disconnect, 0, 1) {
		return nil
	}

	p.conn.Close()
	close(p.quit)
	p.wg.Wait()

	return nil
}

func (p *Peer) sendInitMsg() error {
	p.queueMsg(lnwire.NewInitMessage(nil, nil), nil)
	return nil
}

func (p *Peer) readNextMessage() (lnwire.Message, error) {
	msg, err := lnwire.ReadMessage(p.conn, 0)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (p *Peer) writeMessage(msg lnwire.Message) error {
	if atomic.LoadInt32(&p.disconnect) != 0 {
		return nil
	}

	n, err := lnwire.WriteMessage(p.conn, msg, 0)
	atomic.AddUint64(&p.bytesSent, uint64(n))
	return err
}

// readHandler reads messages off the wire in series, answering BOLT-1
// housekeeping locally and routing everything else to the MessageHandler.
//
// NOTE: MUST be run as a goroutine.
func (p *Peer) readHandler() {
	defer p.wg.Done()
	defer p.signalDisconnect()

	for atomic.LoadInt32(&p.disconnect) == 0 {
		msg, err := p.readNextMessage()
		if err != nil {
			log.Infof("peer: unable to read message from %v: %v", p, err)
			return
		}

		switch m := msg.(type) {
		case *lnwire.Init:
			// A second init this far into the connection is a
			// protocol violation; BOLT-1 only allows it first.
			log.Warnf("peer: unexpected second init from %v", p)

		case *lnwire.Ping:
			p.queueMsg(&lnwire.Pong{PongBytes: make([]byte, m.NumPongBytes)}, nil)

		case *lnwire.Pong:
			// No outstanding ping round-trip tracking; receipt
			// alone confirms liveness.

		case *lnwire.Error:
			log.Errorf("peer: received error from %v: %x", p, m.Data)
			if err := p.handler.HandleWireMessage(p.pubKeyBytes, m); err != nil {
				log.Errorf("peer: handler rejected error message from %v: %v", p, err)
			}
			return

		default:
			if err := p.handler.HandleWireMessage(p.pubKeyBytes, msg); err != nil {
				log.Errorf("peer: handler rejected %T from %v: %v", msg, p, err)
			}
		}
	}
}

// writeHandler drains sendQueue onto the wire, one message at a time.
//
// NOTE: MUST be run as a goroutine.
func (p *Peer) writeHandler() {
	defer p.wg.Done()

	for {
		select {
		case out := <-p.sendQueue:
			err := p.writeMessage(out.msg)
			if out.sentChan != nil {
				close(out.sentChan)
			}
			if err != nil {
				log.Errorf("peer: unable to write to %v: %v", p, err)
				go p.Stop()
				return
			}

		case <-p.quit:
			return
		}
	}
}

// queueHandler feeds outgoingQueue into sendQueue, buffering whatever
// writeHandler hasn't drained yet so SendMessage never blocks a caller on a
// slow link.
//
// NOTE: MUST be run as a goroutine.
func (p *Peer) queueHandler() {
	defer p.wg.Done()

	pending := list.New()
	for {
		for {
			front := pending.Front()
			if front == nil {
				break
			}

			select {
			case p.sendQueue <- front.Value.(outgoingMsg):
				pending.Remove(front)
			case <-p.quit:
				return
			default:
				goto wait
			}
		}
	wait:

		select {
		case <-p.quit:
			return
		case out := <-p.outgoingQueue:
			pending.PushBack(out)
		}
	}
}

// pingHandler sends a keepalive Ping every pingInterval.
//
// NOTE: MUST be run as a goroutine.
func (p *Peer) pingHandler() {
	defer p.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var nonce [8]byte
			if _, err := rand.Read(nonce[:]); err != nil {
				continue
			}
			p.queueMsg(&lnwire.Ping{
				NumPongBytes: 0,
				PaddingBytes: nonce[:],
			}, nil)

		case <-p.quit:
			return
		}
	}
}

// queueMsg enqueues msg for send. If sentChan is non-nil it is closed once
// the message has been written (or the peer is shutting down).
func (p *Peer) queueMsg(msg lnwire.Message, sentChan chan struct{}) {
	select {
	case p.outgoingQueue <- outgoingMsg{msg: msg, sentChan: sentChan}:
	case <-p.quit:
		if sentChan != nil {
			close(sentChan)
		}
	}
}

// SendMessage queues msg for asynchronous delivery to this peer.
func (p *Peer) SendMessage(msg lnwire.Message) error {
	if atomic.LoadInt32(&p.disconnect) != 0 {
		return fmt.Errorf("peer: %v is disconnected", p)
	}
	p.queueMsg(msg, nil)
	return nil
}

func (p *Peer) signalDisconnect() {
	if !atomic.CompareAndSwapInt32(&p.disconnect, 0, 1) {
		return
	}
	p.conn.Close()
	close(p.quit)

	if p.onDisconnect != nil {
		go p.onDisconnect(p)
	}
}
