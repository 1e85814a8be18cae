package peer

import (
	"fmt"
	"net"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/brontide"

	"github.com/lampo-project/lampo/lnwire"
)

// Manager owns every inbound and outbound Noise_XK connection this node
// holds, accepting on its listeners and dialing out on request, and is the
// concrete channelmanager.PeerSender implementation wired into
// channelmanager.Config.PeerSend.
type Manager struct {
	identityPriv *btcec.PrivateKey
	chainNet     wire.BitcoinNet
	handler      MessageHandler

	listeners []net.Listener

	mu    sync.Mutex
	peers map[[33]byte]*Peer

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewManager constructs a Manager. identityPriv authenticates both inbound
// and outbound Noise_XK handshakes; handler receives every non-housekeeping
// message from every connected peer.
func NewManager(identityPriv *btcec.PrivateKey, chainNet wire.BitcoinNet, handler MessageHandler) *Manager {
	return &Manager{
		identityPriv: identityPriv,
		chainNet:     chainNet,
		handler:      handler,
		peers:        make(map[[33]byte]*Peer),
		quit:         make(chan struct{}),
	}
}

// Listen binds a Noise_XK listener on each address; Start runs the loops
// that accept connections on them. Call before Start, or not at all for a
// node that only dials out.
func (m *Manager) Listen(addrs []string) error {
	for _, addr := range addrs {
		l, err := brontide.NewListener(m.identityPriv, addr)
		if err != nil {
			m.closeListeners()
			return fmt.Errorf("peer: listen on %s: %w", addr, err)
		}
		m.listeners = append(m.listeners, l)
	}
	return nil
}

func (m *Manager) closeListeners() {
	for _, l := range m.listeners {
		l.Close()
	}
}

// Start launches the accept loop for every listener registered via Listen.
func (m *Manager) Start() {
	for _, l := range m.listeners {
		m.wg.Add(1)
		go m.acceptLoop(l)
	}
}

// Stop closes every listener and every connected peer, and waits for the
// accept loops to exit.
func (m *Manager) Stop() {
	close(m.quit)
	m.closeListeners()

	m.mu.Lock()
	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()

	for _, p := range peers {
		p.Stop()
	}

	m.wg.Wait()
}

// acceptLoop accepts inbound connections on one listener until it is closed.
//
// NOTE: MUST be run as a goroutine.
func (m *Manager) acceptLoop(l net.Listener) {
	defer m.wg.Done()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-m.quit:
				return
			default:
				log.Errorf("peer: accept on %v: %v", l.Addr(), err)
				continue
			}
		}

		brontideConn, ok := conn.(*brontide.Conn)
		if !ok {
			conn.Close()
			continue
		}

		addr := &lnwire.NetAddress{
			IdentityKey: brontideConn.RemotePub(),
			Address:     conn.RemoteAddr(),
			ChainNet:    m.chainNet,
		}

		if err := m.registerAndStart(brontideConn, addr); err != nil {
			log.Errorf("peer: inbound handshake from %v failed: %v", addr, err)
			conn.Close()
		}
	}
}

// Dial establishes an outbound Noise_XK connection to addr, completes the
// BOLT-1 Init exchange, and registers the resulting Peer.
func (m *Manager) Dial(addr *lnwire.NetAddress) (*Peer, error) {
	conn, err := brontide.Dial(m.identityPriv, addr)
	if err != nil {
		return nil, fmt.Errorf("peer: dial %v: %w", addr, err)
	}

	if err := m.registerAndStart(conn, addr); err != nil {
		conn.Close()
		return nil, err
	}

	return m.lookup(addr.IdentityKey), nil
}

func (m *Manager) registerAndStart(conn *brontide.Conn, addr *lnwire.NetAddress) error {
	p := newPeer(conn, addr, m.handler, m.remove)

	m.mu.Lock()
	if _, dup := m.peers[p.pubKeyBytes]; dup {
		m.mu.Unlock()
		return fmt.Errorf("already connected to peer %x", p.pubKeyBytes)
	}
	m.peers[p.pubKeyBytes] = p
	m.mu.Unlock()

	if err := p.Start(); err != nil {
		m.remove(p)
		return err
	}

	return nil
}

func (m *Manager) remove(p *Peer) {
	m.mu.Lock()
	if cur, ok := m.peers[p.pubKeyBytes]; ok && cur == p {
		delete(m.peers, p.pubKeyBytes)
	}
	m.mu.Unlock()
}

func (m *Manager) lookup(key *btcec.PublicKey) *Peer {
	var id [33]byte
	copy(id[:], key.SerializeCompressed())

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[id]
}

// Addrs returns the bound address of every listener registered via Listen,
// useful once a ":0" listen address has been resolved to a concrete port.
func (m *Manager) Addrs() []net.Addr {
	out := make([]net.Addr, 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, l.Addr())
	}
	return out
}

// Peers returns a snapshot of every currently connected peer.
func (m *Manager) Peers() []*Peer {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

// SendToPeer implements channelmanager.PeerSender: it looks up the
// connected peer by compact pubkey and queues msg for asynchronous delivery.
func (m *Manager) SendToPeer(peerID [33]byte, msg lnwire.Message) error {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("peer: no connection to %x", peerID)
	}
	return p.SendMessage(msg)
}
