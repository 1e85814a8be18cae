package htlcswitch

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btclog"

	"github.com/lampo-project/lampo/eventbus"
	"github.com/lampo-project/lampo/lnwire"
)

var log btclog.Logger = btclog.Disabled

// UseLogger sets the package-level logger used by htlcswitch.
func UseLogger(l btclog.Logger) {
	log = l
}

var zeroPreimage [sha256.Size]byte

// ChannelLink is the switch's view of an active channel: the goroutine that
// owns a channel's commitment state and the peer connection it rides on.
// channelmanager supplies the concrete implementation; the switch only
// needs enough of it to pick a forwarding destination and hand off packets.
type ChannelLink interface {
	ChanID() lnwire.ChannelID
	ShortChanID() lnwire.ShortChannelID
	PeerPubKey() [33]byte

	EligibleToForward() bool
	Bandwidth() lnwire.MilliSatoshi

	HandleSwitchPacket(*HTLCPacket) error

	Start() error
	Stop()
}

// HTLCPacket is the switch's internal envelope for an HTLC update in
// flight between two links, or between a link and a locally initiated
// payment.
type HTLCPacket struct {
	incomingChanID lnwire.ShortChannelID
	incomingHTLCID uint64

	outgoingChanID lnwire.ShortChannelID
	outgoingHTLCID uint64

	destNode [33]byte

	htlc lnwire.Message

	// isRouted is set once a settle/fail has already been matched to a
	// circuit, so handlePacketForward doesn't look it up twice.
	isRouted bool

	obfuscator ErrorDecrypter
}

// Message returns the wire update this packet carries -- an
// *lnwire.UpdateAddHTLC, *lnwire.UpdateFufillHTLC, or *lnwire.UpdateFailHTLC
// -- so a ChannelLink implementation can frame it onto its peer connection.
func (p *HTLCPacket) Message() lnwire.Message {
	return p.htlc
}

// OutgoingChanID is the short channel id HandleSwitchPacket's receiving
// link should attach this update to.
func (p *HTLCPacket) OutgoingChanID() lnwire.ShortChannelID {
	return p.outgoingChanID
}

// OutgoingHTLCID is the HTLC index the receiving link should assign (or
// look up, for a settle/fail) on its own commitment.
func (p *HTLCPacket) OutgoingHTLCID() uint64 {
	return p.outgoingHTLCID
}

// NewIncomingAddPacket builds the HTLCPacket a ChannelLink implementation
// submits when an update_add_htlc arrives on incomingChanID and the onion
// names outgoingChanID as the next hop to continue it over.
func NewIncomingAddPacket(incomingChanID lnwire.ShortChannelID, incomingHTLCID uint64,
	outgoingChanID lnwire.ShortChannelID, htlc *lnwire.UpdateAddHTLC) *HTLCPacket {

	return &HTLCPacket{
		incomingChanID: incomingChanID,
		incomingHTLCID: incomingHTLCID,
		outgoingChanID: outgoingChanID,
		htlc:           htlc,
	}
}

// NewReturnPacket builds the HTLCPacket a ChannelLink implementation submits
// when an update_fulfill_htlc or update_fail_htlc arrives back from the hop
// it previously forwarded an HTLC to, identified by that outgoing leg's
// short channel id and HTLC index.
func NewReturnPacket(outgoingChanID lnwire.ShortChannelID, outgoingHTLCID uint64,
	htlc lnwire.Message) *HTLCPacket {

	return &HTLCPacket{
		outgoingChanID: outgoingChanID,
		outgoingHTLCID: outgoingHTLCID,
		htlc:           htlc,
	}
}

// ForwardPacket submits an HTLCPacket built by a ChannelLink implementation
// (via NewIncomingAddPacket or NewReturnPacket) to the switch's control loop
// for a forwarding decision, exactly as a link riding inside this package
// would via the unexported forward.
func (s *Switch) ForwardPacket(pkt *HTLCPacket) error {
	return s.forward(pkt)
}

// pendingPayment is a payment this switch originated and is waiting to see
// settled or failed.
type pendingPayment struct {
	paymentHash [32]byte
	amount      lnwire.MilliSatoshi

	preimage chan [32]byte
	err      chan error

	deobfuscator ErrorDecrypter
}

// plexPacket pairs an HTLCPacket with the channel its submitter blocks on
// for the result of routing it through the switch's central control loop.
type plexPacket struct {
	pkt *HTLCPacket
	err chan error
}

// ErrChannelLinkNotFound is returned when a lookup names a channel the
// switch has no record of.
var ErrChannelLinkNotFound = fmt.Errorf("htlcswitch: channel link not found")

// Config bundles the Switch's external dependencies.
type Config struct {
	// SelfKey is this node's public key. The switch does not read it;
	// ForwardingErrors the switch itself originates (insufficient
	// capacity, unknown next peer, and so on) leave ErrorSource nil.
	SelfKey [33]byte

	// Bus receives LightningEvent notifications for locally initiated
	// payments resolving, so subsystems like offchain invoicing can
	// react without polling the switch.
	Bus *eventbus.Bus
}

// Switch is the forwarding plane's central messaging bus. Every active
// channel registers a ChannelLink with the switch; the switch routes each
// incoming HTLC update to the right outgoing link (or back to a locally
// initiated payment) by consulting its link indexes and circuit map from a
// single control loop, so no two goroutines can race to forward the same
// update twice.
type Switch struct {
	started  int32
	shutdown int32
	wg       sync.WaitGroup
	quit     chan struct{}

	cfg *Config

	control  ControlTower
	circuits *CircuitMap

	pendingMu       sync.Mutex
	pendingPayments map[uint64]*pendingPayment
	nextPendingID   uint64

	linkIndex       map[lnwire.ChannelID]ChannelLink
	forwardingIndex map[lnwire.ShortChannelID]ChannelLink
	interfaceIndex  map[[33]byte]map[ChannelLink]struct{}

	htlcPlex    chan *plexPacket
	linkControl chan interface{}
}

// New constructs a Switch. cfg.Bus may be nil, in which case payment
// resolution events are simply not published.
func New(cfg Config, control ControlTower) *Switch {
	return &Switch{
		cfg:             &cfg,
		control:         control,
		circuits:        NewCircuitMap(),
		pendingPayments: make(map[uint64]*pendingPayment),
		linkIndex:       make(map[lnwire.ChannelID]ChannelLink),
		forwardingIndex: make(map[lnwire.ShortChannelID]ChannelLink),
		interfaceIndex:  make(map[[33]byte]map[ChannelLink]struct{}),
		htlcPlex:        make(chan *plexPacket),
		linkControl:     make(chan interface{}),
		quit:            make(chan struct{}),
	}
}

// Start launches the switch's control loop.
func (s *Switch) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return fmt.Errorf("htlcswitch: already started")
	}

	log.Infof("Starting htlc switch")

	s.wg.Add(1)
	go s.loop()

	return nil
}

// Stop shuts the control loop down and waits for it to exit.
func (s *Switch) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.shutdown, 0, 1) {
		return fmt.Errorf("htlcswitch: already stopped")
	}

	log.Infof("Htlc switch shutting down")

	close(s.quit)
	s.wg.Wait()

	return nil
}

// SendHTLC dispatches a locally initiated payment into the switch, blocking
// until the payment resolves or the switch shuts down.
func (s *Switch) SendHTLC(nextNode [33]byte, htlc *lnwire.UpdateAddHTLC,
	deobfuscator ErrorDecrypter) ([32]byte, error) {

	if err := s.control.ClearForTakeoff(htlc); err != nil {
		return zeroPreimage, err
	}

	payment := &pendingPayment{
		paymentHash:  htlc.PaymentHash,
		amount:       htlc.Amount,
		preimage:     make(chan [32]byte, 1),
		err:          make(chan error, 1),
		deobfuscator: deobfuscator,
	}

	s.pendingMu.Lock()
	paymentID := s.nextPendingID
	s.nextPendingID++
	s.pendingPayments[paymentID] = payment
	s.pendingMu.Unlock()

	packet := &HTLCPacket{
		incomingHTLCID: paymentID,
		destNode:       nextNode,
		htlc:           htlc,
	}
	if err := s.forward(packet); err != nil {
		s.removePendingPayment(paymentID)
		s.control.Fail(htlc.PaymentHash)
		return zeroPreimage, err
	}

	var (
		preimage [32]byte
		resErr   error
	)
	select {
	case resErr = <-payment.err:
	case <-s.quit:
		return zeroPreimage, fmt.Errorf("htlcswitch: switch stopped waiting for payment result")
	}
	select {
	case preimage = <-payment.preimage:
	case <-s.quit:
		return zeroPreimage, fmt.Errorf("htlcswitch: switch stopped waiting for payment result")
	}

	if resErr != nil {
		s.control.Fail(htlc.PaymentHash)
	} else {
		s.control.Success(htlc.PaymentHash)
	}

	s.publishResolution(htlc.PaymentHash, resErr == nil)

	return preimage, resErr
}

func (s *Switch) publishResolution(paymentHash [32]byte, success bool) {
	if s.cfg.Bus == nil {
		return
	}

	state := eventbus.PaymentFailure
	if success {
		state = eventbus.PaymentSuccess
	}
	s.cfg.Bus.Publish(eventbus.NewLightningEvent(eventbus.LightningEvent{
		Kind:         eventbus.EvPaymentEvent,
		PaymentHash:  paymentHash,
		PaymentState: state,
	}))
}

// forward hands packet to the control loop and blocks for the routing
// decision's outcome.
func (s *Switch) forward(packet *HTLCPacket) error {
	cmd := &plexPacket{pkt: packet, err: make(chan error, 1)}

	select {
	case s.htlcPlex <- cmd:
	case <-s.quit:
		return fmt.Errorf("htlcswitch: switch stopped")
	}

	select {
	case err := <-cmd.err:
		return err
	case <-s.quit:
		return fmt.Errorf("htlcswitch: switch stopped")
	}
}

// loop is the switch's single-threaded control loop: every link index
// mutation and every forwarding decision happens here so there's never a
// race between two goroutines picking the same outgoing link for different
// HTLCs concurrently.
func (s *Switch) loop() {
	defer s.wg.Done()

	defer func() {
		for _, link := range s.linkIndex {
			if err := s.removeLink(link.ChanID()); err != nil {
				log.Errorf("unable to remove channel link on stop: %v", err)
			}
		}
	}()

	for {
		select {
		case cmd := <-s.htlcPlex:
			cmd.err <- s.handlePacketForward(cmd.pkt)

		case req := <-s.linkControl:
			switch cmd := req.(type) {
			case *addLinkCmd:
				cmd.err <- s.addLink(cmd.link)
			case *removeLinkCmd:
				cmd.err <- s.removeLink(cmd.chanID)
			case *getLinkCmd:
				link, err := s.getLink(cmd.chanID)
				cmd.done <- link
				cmd.err <- err
			case *getLinksCmd:
				links, err := s.getLinks(cmd.peer)
				cmd.done <- links
				cmd.err <- err
			}

		case <-s.quit:
			return
		}
	}
}

// handleLocalDispatch either sends a freshly originated HTLC out over the
// best-bandwidth link to destNode, or resolves a pending local payment
// once its settle/fail comes back.
func (s *Switch) handleLocalDispatch(packet *HTLCPacket) error {
	payment, err := s.findPayment(packet.incomingHTLCID)
	if err != nil {
		return err
	}

	switch htlc := packet.htlc.(type) {
	case *lnwire.UpdateAddHTLC:
		links, err := s.getLinks(packet.destNode)
		if err != nil {
			return &ForwardingError{ExtraMsg: "unknown next peer"}
		}

		destination := bestLink(links, htlc.Amount)
		if destination == nil {
			return &ForwardingError{
				ExtraMsg: fmt.Sprintf("insufficient capacity to forward %v", htlc.Amount),
			}
		}

		packet.outgoingChanID = destination.ShortChanID()
		return destination.HandleSwitchPacket(packet)

	case *lnwire.UpdateFufillHTLC:
		payment.preimage <- htlc.PaymentPreimage
		payment.err <- nil
		s.removePendingPayment(packet.incomingHTLCID)
		return nil

	case *lnwire.UpdateFailHTLC:
		failure, decErr := payment.deobfuscator.DecryptError(htlc.Reason)
		if decErr != nil {
			failure = &ForwardingError{ExtraMsg: decErr.Error()}
		}
		payment.preimage <- zeroPreimage
		payment.err <- failure
		s.removePendingPayment(packet.incomingHTLCID)
		return nil

	default:
		return fmt.Errorf("htlcswitch: unexpected update type %T", htlc)
	}
}

// handlePacketForward routes a packet arriving from, or destined for, a
// ChannelLink, opening or closing a PaymentCircuit as needed.
func (s *Switch) handlePacketForward(packet *HTLCPacket) error {
	switch htlc := packet.htlc.(type) {
	case *lnwire.UpdateAddHTLC:
		if packet.incomingChanID == (lnwire.ShortChannelID{}) {
			return s.handleLocalDispatch(packet)
		}

		source, err := s.getLinkByShortID(packet.incomingChanID)
		if err != nil {
			return fmt.Errorf("htlcswitch: no link for incoming chan %v: %w",
				packet.incomingChanID, err)
		}

		target, err := s.getLinkByShortID(packet.outgoingChanID)
		if err != nil {
			failedForwardsTotal.WithLabelValues("unknown_next_peer").Inc()
			s.failBack(source, packet, &lnwire.UpdateFailHTLC{Reason: []byte("unknown next peer")})
			return fmt.Errorf("htlcswitch: no link for outgoing chan %v: %w",
				packet.outgoingChanID, err)
		}

		interfaceLinks, _ := s.getLinks(target.PeerPubKey())
		destination := bestLink(interfaceLinks, htlc.Amount)
		if destination == nil {
			failedForwardsTotal.WithLabelValues("insufficient_capacity").Inc()
			s.failBack(source, packet, &lnwire.UpdateFailHTLC{Reason: []byte("temporary channel failure")})
			return fmt.Errorf("htlcswitch: insufficient capacity to forward %v", htlc.Amount)
		}

		s.circuits.Add(&PaymentCircuit{
			PaymentHash:    htlc.PaymentHash,
			IncomingChanID: packet.incomingChanID,
			IncomingHTLCID: packet.incomingHTLCID,
			OutgoingChanID: destination.ShortChanID(),
			OutgoingHTLCID: packet.outgoingHTLCID,
		})

		packet.outgoingChanID = destination.ShortChanID()
		forwardedHTLCsTotal.Inc()
		return destination.HandleSwitchPacket(packet)

	case *lnwire.UpdateFufillHTLC, *lnwire.UpdateFailHTLC:
		if !packet.isRouted {
			circuit := s.circuits.LookupByHTLC(packet.outgoingChanID, packet.outgoingHTLCID)
			if circuit == nil {
				return fmt.Errorf("htlcswitch: no open circuit for (%v, %d)",
					packet.outgoingChanID, packet.outgoingHTLCID)
			}
			s.circuits.Remove(packet.outgoingChanID, packet.outgoingHTLCID)

			packet.incomingChanID = circuit.IncomingChanID
			packet.incomingHTLCID = circuit.IncomingHTLCID
		}

		if packet.incomingChanID == (lnwire.ShortChannelID{}) {
			return s.handleLocalDispatch(packet)
		}

		source, err := s.getLinkByShortID(packet.incomingChanID)
		if err != nil {
			return fmt.Errorf("htlcswitch: no link for incoming chan %v: %w",
				packet.incomingChanID, err)
		}

		return source.HandleSwitchPacket(packet)

	default:
		return fmt.Errorf("htlcswitch: unexpected update type %T", htlc)
	}
}

func (s *Switch) failBack(source ChannelLink, packet *HTLCPacket, fail *lnwire.UpdateFailHTLC) {
	source.HandleSwitchPacket(&HTLCPacket{
		incomingChanID: packet.incomingChanID,
		incomingHTLCID: packet.incomingHTLCID,
		isRouted:       true,
		htlc:           fail,
	})
}

// bestLink picks the eligible link with the smallest bandwidth that still
// covers amount; returns nil if amount can't be covered by anything
// eligible.
func bestLink(links []ChannelLink, amount lnwire.MilliSatoshi) ChannelLink {
	var (
		best   ChannelLink
		bestBW lnwire.MilliSatoshi
	)
	for _, link := range links {
		if !link.EligibleToForward() {
			continue
		}
		bw := link.Bandwidth()
		if bw < amount {
			continue
		}
		if best == nil || bw < bestBW {
			best, bestBW = link, bw
		}
	}
	return best
}

// --- link registration plumbing, routed through the control loop ---

type addLinkCmd struct {
	link ChannelLink
	err  chan error
}

// AddLink registers a newly active ChannelLink with the switch.
func (s *Switch) AddLink(link ChannelLink) error {
	cmd := &addLinkCmd{link: link, err: make(chan error, 1)}
	select {
	case s.linkControl <- cmd:
		return <-cmd.err
	case <-s.quit:
		return fmt.Errorf("htlcswitch: switch stopped")
	}
}

func (s *Switch) addLink(link ChannelLink) error {
	s.linkIndex[link.ChanID()] = link
	s.forwardingIndex[link.ShortChanID()] = link

	peer := link.PeerPubKey()
	if _, ok := s.interfaceIndex[peer]; !ok {
		s.interfaceIndex[peer] = make(map[ChannelLink]struct{})
	}
	s.interfaceIndex[peer][link] = struct{}{}

	if err := link.Start(); err != nil {
		s.removeLink(link.ChanID())
		return err
	}
	return nil
}

type removeLinkCmd struct {
	chanID lnwire.ChannelID
	err    chan error
}

// RemoveLink unregisters and stops the ChannelLink for chanID.
func (s *Switch) RemoveLink(chanID lnwire.ChannelID) error {
	cmd := &removeLinkCmd{chanID: chanID, err: make(chan error, 1)}
	select {
	case s.linkControl <- cmd:
		return <-cmd.err
	case <-s.quit:
		return fmt.Errorf("htlcswitch: switch stopped")
	}
}

func (s *Switch) removeLink(chanID lnwire.ChannelID) error {
	link, ok := s.linkIndex[chanID]
	if !ok {
		return ErrChannelLinkNotFound
	}

	delete(s.linkIndex, chanID)
	delete(s.forwardingIndex, link.ShortChanID())

	peer := link.PeerPubKey()
	delete(s.interfaceIndex[peer], link)
	if len(s.interfaceIndex[peer]) == 0 {
		delete(s.interfaceIndex, peer)
	}

	link.Stop()
	return nil
}

type getLinkCmd struct {
	chanID lnwire.ChannelID
	err    chan error
	done   chan ChannelLink
}

// GetLink fetches the ChannelLink registered under chanID.
func (s *Switch) GetLink(chanID lnwire.ChannelID) (ChannelLink, error) {
	cmd := &getLinkCmd{chanID: chanID, err: make(chan error, 1), done: make(chan ChannelLink, 1)}
	select {
	case s.linkControl <- cmd:
		return <-cmd.done, <-cmd.err
	case <-s.quit:
		return nil, fmt.Errorf("htlcswitch: switch stopped")
	}
}

func (s *Switch) getLink(chanID lnwire.ChannelID) (ChannelLink, error) {
	link, ok := s.linkIndex[chanID]
	if !ok {
		return nil, ErrChannelLinkNotFound
	}
	return link, nil
}

func (s *Switch) getLinkByShortID(chanID lnwire.ShortChannelID) (ChannelLink, error) {
	link, ok := s.forwardingIndex[chanID]
	if !ok {
		return nil, ErrChannelLinkNotFound
	}
	return link, nil
}

type getLinksCmd struct {
	peer [33]byte
	err  chan error
	done chan []ChannelLink
}

// GetLinksByInterface returns every ChannelLink open with the peer
// identified by its compressed public key.
func (s *Switch) GetLinksByInterface(peer [33]byte) ([]ChannelLink, error) {
	cmd := &getLinksCmd{peer: peer, err: make(chan error, 1), done: make(chan []ChannelLink, 1)}
	select {
	case s.linkControl <- cmd:
		return <-cmd.done, <-cmd.err
	case <-s.quit:
		return nil, fmt.Errorf("htlcswitch: switch stopped")
	}
}

func (s *Switch) getLinks(peer [33]byte) ([]ChannelLink, error) {
	links, ok := s.interfaceIndex[peer]
	if !ok {
		return nil, fmt.Errorf("htlcswitch: no links for peer %x", peer)
	}

	out := make([]ChannelLink, 0, len(links))
	for link := range links {
		out = append(out, link)
	}
	return out, nil
}

func (s *Switch) removePendingPayment(paymentID uint64) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	delete(s.pendingPayments, paymentID)
}

func (s *Switch) findPayment(paymentID uint64) (*pendingPayment, error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	payment, ok := s.pendingPayments[paymentID]
	if !ok {
		return nil, fmt.Errorf("htlcswitch: no pending payment with id %d", paymentID)
	}
	return payment, nil
}

// NumPendingPayments reports the number of payments this switch originated
// that haven't yet resolved, used by tests and logging.
func (s *Switch) NumPendingPayments() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pendingPayments)
}
