// Package connection runs the peer protocol: a mutual handshake that
// establishes trust (or admits an invitee), followed by continuous pull
// based synchronization of the team history.
package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"teamtrust/pkg/crypto"
	"teamtrust/pkg/history"
	"teamtrust/pkg/invitation"
	"teamtrust/pkg/metrics"
	"teamtrust/pkg/team"
	"teamtrust/pkg/types"
)

const (
	DefaultHandshakeTimeout = 30 * time.Second

	challengeSize = 32
	eventBuffer   = 128
)

// errPeerClosed ends a connection without error
var errPeerClosed = errors.New("peer closed the connection")

// Config describes the local side of a connection
type Config struct {
	// Team is the local replica; nil for an invitee that has not joined yet
	Team *team.Team
	// Local identifies this device. Defaults to the team's local context.
	Local team.LocalContext
	// InvitationSeed is set by invitees
	InvitationSeed string
	Transport      Transport
	// TeamOptions are used when an invitee loads the team it joined
	TeamOptions      []team.Option
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
}

// Connection is one session with one peer. All protocol state is owned by
// a single goroutine; callers observe it through State, Await and Events.
type Connection struct {
	cfg       Config
	local     team.LocalContext
	transport Transport
	logger    *zap.Logger
	metrics   *metrics.Metrics
	events    chan Event

	mu      sync.Mutex
	state   State
	err     *DisconnectError
	changed chan struct{}
	seq     uint64
	reached map[State]uint64
	team    *team.Team
	peer    IdentityClaim

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	// run loop state
	challenge     []byte
	peerHello     *Hello
	peerInvitee   bool
	verified      bool
	accepted      bool
	authenticated bool
	memberSig     []byte
	lastSent      []types.Hash
	peerHeads     []types.Hash
	syncStarted   time.Time
	everConnected bool
	ended         bool
	watch         <-chan struct{}
	unwatch       func()
}

// New prepares a connection; nothing is sent until Start
func New(cfg Config) (*Connection, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("connection needs a transport")
	}
	local := cfg.Local
	if local.Device.DeviceID == "" && cfg.Team != nil {
		local = cfg.Team.Local()
	}
	if local.Device.DeviceID == "" || !local.Device.Keys.HasSecrets() {
		return nil, fmt.Errorf("connection needs a local device identity")
	}
	if cfg.Team == nil && cfg.InvitationSeed == "" {
		return nil, fmt.Errorf("connection needs a team or an invitation seed")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		cfg:       cfg,
		local:     local,
		transport: cfg.Transport,
		logger:    logger.With(zap.String("local", types.DeviceName(local.User.UserID, local.Device.DeviceID))),
		metrics:   cfg.Metrics,
		events:    make(chan Event, eventBuffer),
		state:     StateIdle,
		changed:   make(chan struct{}),
		reached:   make(map[State]uint64),
		team:      cfg.Team,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Start sends the handshake and runs the session until ctx is done, Stop is
// called, the transport closes or the protocol fails
func (c *Connection) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("connection already started")
	}
	challenge, err := crypto.RandomBytes(challengeSize)
	if err != nil {
		return err
	}
	c.challenge = challenge
	if c.team != nil {
		c.watch, c.unwatch = c.team.Watch()
	}
	c.metrics.ConnectionStarted()
	c.setState(StateAuthenticating)
	go c.run(ctx)
	return nil
}

// Stop closes the connection and waits for the session to end
func (c *Connection) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.started.Load() {
		<-c.done
		return
	}
	c.transport.Close()
}

// Events delivers lifecycle events. The channel is closed after the
// disconnected event.
func (c *Connection) Events() <-chan Event { return c.events }

// Done is closed when the session has ended
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns why the connection ended, or nil
func (c *Connection) Err() *DisconnectError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Team returns the replica this connection syncs. For an invitee it is set
// once the team has been joined.
func (c *Connection) Team() *team.Team {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.team
}

// Peer returns who the other side claimed to be
func (c *Connection) Peer() IdentityClaim {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// Await blocks until the connection is in, or has passed through, one of
// states since the call. It fails if the connection ends first.
func (c *Connection) Await(ctx context.Context, states ...State) error {
	c.mu.Lock()
	start := c.seq
	c.mu.Unlock()
	for {
		c.mu.Lock()
		current, derr, changed := c.state, c.err, c.changed
		hit := false
		for _, s := range states {
			if s == current || c.reached[s] > start {
				hit = true
			}
		}
		c.mu.Unlock()

		switch {
		case hit:
			return nil
		case current == StateDisconnected && derr != nil:
			return derr
		case current == StateDisconnected:
			return ErrClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	c.seq++
	c.reached[s] = c.seq
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()

	c.metrics.StateEntered(string(s))
	c.logger.Debug("Connection state changed", zap.String("from", string(prev)), zap.String("to", string(s)))
}

// emit queues e without blocking the session. Only the run goroutine emits,
// and the last slot is kept for the disconnected event so the owner always
// learns how the session ended.
func (c *Connection) emit(e Event) {
	if e.Type != EventDisconnected && len(c.events) >= cap(c.events)-1 {
		c.logger.Warn("Dropping connection event, queue is full", zap.String("event", string(e.Type)))
		return
	}
	c.events <- e
}

func (c *Connection) run(ctx context.Context) {
	defer close(c.done)

	timer := time.NewTimer(c.cfg.HandshakeTimeout)
	defer timer.Stop()
	handshake := timer.C

	if err := c.send(ctx, Message{Type: MsgHello, Hello: c.hello()}); err != nil {
		c.fail(err)
		return
	}
	inbound := c.transport.Inbound()
	for !c.ended {
		if c.authenticated {
			handshake = nil
		}
		var err error
		select {
		case <-ctx.Done():
			c.close()
			return
		case <-c.stop:
			c.close()
			return
		case <-handshake:
			err = disconnectError(KindTimeout, "authentication timed out")
		case data, ok := <-inbound:
			if !ok {
				err = ErrTransportClosed
				break
			}
			err = c.receive(ctx, data)
		case <-c.watch:
			err = c.onLocalChange(ctx)
		}
		if err != nil {
			c.fail(err)
		}
	}
}

// fail ends the session. Errors found locally are reported to the peer.
func (c *Connection) fail(err error) {
	var derr *DisconnectError
	switch {
	case errors.Is(err, errPeerClosed):
		c.finish(nil)
		return
	case errors.As(err, &derr):
	default:
		// The peer may have explained itself before hanging up
		remote, closed := c.drainRemote()
		if closed {
			c.finish(nil)
			return
		}
		derr = remote
		if derr == nil {
			derr = &DisconnectError{Kind: KindTransport, Reason: err.Error(), Remote: true}
		}
	}
	if !derr.Remote {
		c.sendFinal(Message{Type: MsgError, Error: &ErrorMessage{Kind: derr.Kind, Reason: derr.Reason}})
	}
	c.finish(derr)
}

// drainRemote looks through messages already delivered for an ERROR or CLOSE
func (c *Connection) drainRemote() (*DisconnectError, bool) {
	for {
		select {
		case data, ok := <-c.transport.Inbound():
			if !ok {
				return nil, false
			}
			msg, err := decode(data)
			if err != nil {
				continue
			}
			switch {
			case msg.Type == MsgError && msg.Error != nil:
				return &DisconnectError{Kind: msg.Error.Kind, Reason: msg.Error.Reason, Remote: true}, false
			case msg.Type == MsgClose:
				return nil, true
			}
		default:
			return nil, false
		}
	}
}

func (c *Connection) close() {
	c.sendFinal(Message{Type: MsgClose})
	c.finish(nil)
}

func (c *Connection) sendFinal(m Message) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.send(ctx, m); err != nil {
		c.logger.Debug("Failed to send final message", zap.String("type", string(m.Type)), zap.Error(err))
	}
}

func (c *Connection) finish(derr *DisconnectError) {
	if c.unwatch != nil {
		c.unwatch()
	}
	if err := c.transport.Close(); err != nil {
		c.logger.Debug("Failed to close transport", zap.Error(err))
	}
	c.mu.Lock()
	c.err = derr
	c.mu.Unlock()
	c.setState(StateDisconnected)

	kind := ""
	if derr != nil {
		kind = string(derr.Kind)
		c.logger.Info("Disconnected", zap.String("kind", kind), zap.String("reason", derr.Reason))
	} else {
		c.logger.Info("Disconnected")
	}
	c.metrics.ConnectionEnded(kind)
	c.emit(Event{Type: EventDisconnected, Err: derr})
	close(c.events)
	c.ended = true
}

func (c *Connection) send(ctx context.Context, m Message) error {
	data, err := encode(m)
	if err != nil {
		return err
	}
	if err := c.transport.Send(ctx, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", m.Type, err)
	}
	return nil
}

func (c *Connection) hello() *Hello {
	h := &Hello{Challenge: c.challenge}
	if c.team == nil {
		h.Invitation = &InvitationClaim{UserID: c.local.User.UserID, DeviceID: c.local.Device.DeviceID}
		return h
	}
	h.TeamID = c.team.ID()
	h.Identity = &IdentityClaim{UserID: c.local.User.UserID, DeviceID: c.local.Device.DeviceID}
	h.Heads = c.team.Heads()
	return h
}

func (c *Connection) receive(ctx context.Context, data []byte) error {
	msg, err := decode(data)
	if err != nil {
		return disconnectError(KindValidation, "%v", err)
	}
	switch msg.Type {
	case MsgHello:
		return c.onHello(ctx, msg.Hello)
	case MsgProof:
		return c.onProof(ctx, msg.Proof)
	case MsgAccept:
		return c.onAccept(ctx)
	case MsgHead:
		return c.onHead(ctx, msg.Heads)
	case MsgRangeRequest:
		return c.onRangeRequest(ctx, msg.Since)
	case MsgRange:
		return c.onRange(ctx, msg.Links)
	case MsgError:
		if msg.Error == nil {
			return disconnectError(KindValidation, "ERROR without a reason")
		}
		return &DisconnectError{Kind: msg.Error.Kind, Reason: msg.Error.Reason, Remote: true}
	case MsgClose:
		return errPeerClosed
	}
	return disconnectError(KindValidation, "unknown message type %s", msg.Type)
}

func (c *Connection) expectHandshake(t MessageType) error {
	if c.State() != StateAuthenticating {
		return disconnectError(KindValidation, "unexpected %s while %s", t, c.State())
	}
	return nil
}

func (c *Connection) expectSession(t MessageType) error {
	if !c.authenticated {
		return disconnectError(KindValidation, "unexpected %s before authentication", t)
	}
	return nil
}

// Handshake

func (c *Connection) onHello(ctx context.Context, h *Hello) error {
	if err := c.expectHandshake(MsgHello); err != nil {
		return err
	}
	switch {
	case h == nil || c.peerHello != nil:
		return disconnectError(KindValidation, "unexpected HELLO")
	case h.Identity == nil && h.Invitation == nil:
		return disconnectError(KindValidation, "HELLO carries no claim")
	case h.Invitation != nil && c.team == nil:
		return disconnectError(KindTrust, "neither one is a member")
	}
	c.peerHello = h

	c.mu.Lock()
	if h.Identity != nil {
		c.peer = *h.Identity
	} else {
		c.peer = IdentityClaim(*h.Invitation)
	}
	c.mu.Unlock()
	c.logger.Debug("Received hello", zap.String("peer", types.DeviceName(c.peer.UserID, c.peer.DeviceID)))

	if c.team == nil {
		return c.sendInvitationProof(ctx, h.Challenge)
	}
	if h.Invitation != nil {
		c.peerInvitee = true
	} else {
		if h.TeamID != c.team.ID() {
			return disconnectError(KindTrust, "not a member of this team")
		}
		if err := standing(c.team.State(), h.Identity.UserID, h.Identity.DeviceID); err != nil {
			return err
		}
	}
	sig, err := crypto.Sign(c.local.Device.Keys.Signature.SecretKey, identityMessage(h.Challenge))
	if err != nil {
		return err
	}
	return c.send(ctx, Message{Type: MsgProof, Proof: &Proof{Signature: sig}})
}

func (c *Connection) sendInvitationProof(ctx context.Context, challenge []byte) error {
	p, err := invitation.Prove(c.cfg.InvitationSeed, c.local.User.UserID, c.local.Device.DeviceID, challenge)
	if err != nil {
		return disconnectError(KindInvitation, "%v", err)
	}
	proof := &Proof{Invitation: &p}
	if c.local.User.Keys.HasSecrets() {
		init, err := c.local.MemberInit()
		if err != nil {
			return err
		}
		proof.Member = &init
	} else {
		d := c.local.DeviceRecord()
		proof.Device = &d
	}
	return c.send(ctx, Message{Type: MsgProof, Proof: proof})
}

func (c *Connection) onProof(ctx context.Context, p *Proof) error {
	if err := c.expectHandshake(MsgProof); err != nil {
		return err
	}
	if p == nil || c.peerHello == nil || c.verified {
		return disconnectError(KindValidation, "unexpected PROOF")
	}
	peer := c.Peer()

	switch {
	case c.team == nil:
		// The member's signature can only be checked once we hold the history
		if len(p.Signature) == 0 {
			return disconnectError(KindTrust, "could not verify the identity of %s", peer.UserID)
		}
		c.memberSig = p.Signature
	case c.peerInvitee:
		if err := c.admit(p); err != nil {
			return err
		}
	default:
		device, _ := c.team.State().Device(peer.UserID, peer.DeviceID)
		if !crypto.Verify(device.Keys.Signature, identityMessage(c.challenge), p.Signature) {
			return disconnectError(KindTrust, "could not verify the identity of %s", peer.UserID)
		}
	}

	c.verified = true
	if err := c.send(ctx, Message{Type: MsgAccept}); err != nil {
		return err
	}
	if c.accepted {
		return c.startSync(ctx)
	}
	return nil
}

// admit validates an invitee's proof and records the admission
func (c *Connection) admit(p *Proof) error {
	peer := c.Peer()
	if p.Invitation == nil {
		return disconnectError(KindInvitation, "no invitation proof")
	}
	proof := *p.Invitation
	if !bytes.Equal(proof.Challenge, c.challenge) {
		return disconnectError(KindInvitation, "proof answers a different challenge")
	}
	if proof.UserID != peer.UserID || proof.DeviceID != peer.DeviceID {
		return disconnectError(KindInvitation, "proof does not match the claimed identity")
	}

	var err error
	switch {
	case p.Member != nil:
		err = c.team.AdmitMember(proof, *p.Member)
	case p.Device != nil:
		err = c.team.AdmitDevice(proof, *p.Device)
	default:
		err = fmt.Errorf("%w: nothing to admit", invitation.ErrInvitationInvalid)
	}
	c.metrics.InvitationChecked(err == nil)
	if errors.Is(err, invitation.ErrInvitationInvalid) {
		return disconnectError(KindInvitation, "%v", err)
	}
	if err != nil {
		return disconnectError(KindValidation, "%v", err)
	}
	c.logger.Info("Admitted invitee", zap.String("peer", types.DeviceName(peer.UserID, peer.DeviceID)))
	return nil
}

func (c *Connection) onAccept(ctx context.Context) error {
	if err := c.expectHandshake(MsgAccept); err != nil {
		return err
	}
	if c.accepted {
		return disconnectError(KindValidation, "unexpected ACCEPT")
	}
	c.accepted = true
	if c.verified {
		return c.startSync(ctx)
	}
	return nil
}

// Synchronization

func (c *Connection) startSync(ctx context.Context) error {
	c.authenticated = true
	c.syncStarted = time.Now()
	c.setState(StateSynchronizing)
	if c.team == nil {
		// Nothing to compare yet: ask for the whole history
		return c.send(ctx, Message{Type: MsgRangeRequest})
	}
	if err := c.checkStanding(); err != nil {
		return err
	}
	return c.settle(ctx)
}

func (c *Connection) onHead(ctx context.Context, heads []types.Hash) error {
	if err := c.expectSession(MsgHead); err != nil {
		return err
	}
	c.peerHeads = types.SortHashes(heads)
	if c.team == nil {
		return nil
	}
	if !c.team.Knows(heads) {
		c.setState(StateSynchronizing)
		return c.send(ctx, Message{Type: MsgRangeRequest, Since: c.team.Heads()})
	}
	return c.settle(ctx)
}

func (c *Connection) onRangeRequest(ctx context.Context, since []types.Hash) error {
	if err := c.expectSession(MsgRangeRequest); err != nil {
		return err
	}
	if c.team == nil {
		return disconnectError(KindValidation, "no history to send")
	}
	links := c.team.Missing(since)
	c.metrics.LinksExchanged(len(links), 0)
	return c.send(ctx, Message{Type: MsgRange, Links: links})
}

func (c *Connection) onRange(ctx context.Context, links []*history.Link) error {
	if err := c.expectSession(MsgRange); err != nil {
		return err
	}
	if c.team == nil {
		return c.join(ctx, links)
	}
	changed, err := c.team.Merge(links)
	if err != nil {
		return disconnectError(KindValidation, "%v", err)
	}
	if changed {
		c.metrics.LinksExchanged(0, len(links))
		c.emit(Event{Type: EventChange, Team: c.team})
	}
	if err := c.checkStanding(); err != nil {
		return err
	}
	return c.settle(ctx)
}

// join loads the history received by an invitee, then checks that it was
// admitted and that the member it talked to is who they claimed to be
func (c *Connection) join(ctx context.Context, links []*history.Link) error {
	g, err := history.FromLinks(links)
	if err != nil {
		return disconnectError(KindValidation, "%v", err)
	}
	if g.Root() != c.peerHello.TeamID {
		return disconnectError(KindTrust, "not a member of this team")
	}
	t, err := team.Load(g, c.local, c.cfg.TeamOptions...)
	if err != nil {
		return disconnectError(KindValidation, "%v", err)
	}
	state := t.State()
	if standing(state, c.local.User.UserID, c.local.Device.DeviceID) != nil {
		return disconnectError(KindInvitation, "invitation was not accepted")
	}
	peer := c.Peer()
	device, ok := state.Device(peer.UserID, peer.DeviceID)
	if !ok || device.Removed || !crypto.Verify(device.Keys.Signature, identityMessage(c.challenge), c.memberSig) {
		return disconnectError(KindTrust, "could not verify the identity of %s", peer.UserID)
	}

	c.mu.Lock()
	c.team = t
	c.mu.Unlock()
	c.watch, c.unwatch = t.Watch()
	c.metrics.LinksExchanged(0, len(links))
	c.logger.Info("Joined team", zap.String("team", t.Name()), zap.String("id", string(t.ID())))
	c.emit(Event{Type: EventJoined, Team: t})
	return c.settle(ctx)
}

func (c *Connection) onLocalChange(ctx context.Context) error {
	if !c.authenticated || c.team == nil {
		return nil
	}
	if err := c.checkStanding(); err != nil {
		return err
	}
	if types.EqualHashes(c.team.Heads(), c.lastSent) {
		return nil
	}
	c.emit(Event{Type: EventLocalUpdate, Team: c.team})
	return c.settle(ctx)
}

// settle announces our heads if they changed and moves to connected once
// both sides hold the same heads
func (c *Connection) settle(ctx context.Context) error {
	heads := c.team.Heads()
	if !types.EqualHashes(heads, c.lastSent) {
		if err := c.send(ctx, Message{Type: MsgHead, Heads: heads}); err != nil {
			return err
		}
		c.lastSent = heads
	}
	if !types.EqualHashes(heads, c.peerHeads) {
		c.setState(StateSynchronizing)
		return nil
	}
	if c.State() != StateConnected {
		c.metrics.Synced(time.Since(c.syncStarted))
		c.setState(StateConnected)
		if !c.everConnected {
			c.everConnected = true
			c.emit(Event{Type: EventConnected, Team: c.team})
		}
	}
	return nil
}

func (c *Connection) checkStanding() error {
	state := c.team.State()
	if err := standing(state, c.local.User.UserID, c.local.Device.DeviceID); err != nil {
		return err
	}
	peer := c.Peer()
	return standing(state, peer.UserID, peer.DeviceID)
}

// standing checks that a device is still trusted by state
func standing(state team.State, userID types.UserID, deviceID types.DeviceID) error {
	switch {
	case state.MemberWasRemoved(userID):
		return disconnectError(KindTrust, "%s was removed from this team", userID)
	case !state.Has(userID):
		return disconnectError(KindTrust, "not a member of this team")
	case state.DeviceWasRemoved(userID, deviceID):
		return disconnectError(KindTrust, "%s was removed from this team", types.DeviceName(userID, deviceID))
	case !state.HasDevice(userID, deviceID):
		return disconnectError(KindTrust, "not a member of this team")
	}
	return nil
}
