// Package team folds a replicated, signed history into team membership
// state. A Team is the single writer of one history on one device; reads go
// against the last resolved snapshot and never block on writers.
package team

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"teamtrust/pkg/history"
	"teamtrust/pkg/invitation"
	"teamtrust/pkg/keyring"
	"teamtrust/pkg/types"
)

// Store persists links as they are committed
type Store interface {
	SaveLinks(teamID types.Hash, links []*history.Link) error
}

// Observer is told about every committed resolution and rotation, and about
// how far apart the two sides of a merge had drifted
type Observer interface {
	Resolved(res *Resolution)
	Rotated(scope types.KeyScope, generation int)
	Merged(d history.Divergence)
}

type Option func(*Team)

func WithLogger(logger *zap.Logger) Option {
	return func(t *Team) { t.logger = logger }
}

func WithStore(store Store) Option {
	return func(t *Team) { t.store = store }
}

func WithObserver(o Observer) Option {
	return func(t *Team) { t.observer = o }
}

// WithClock replaces time.Now, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(t *Team) { t.now = now }
}

// WithCacheSize bounds the number of opened lockboxes kept in memory
func WithCacheSize(n int) Option {
	return func(t *Team) { t.cacheSize = n }
}

type snapshot struct {
	res   *Resolution
	graph *history.Graph
}

// Team is one device's replica of a team
type Team struct {
	// mu serializes writers; graph is only touched while holding it
	mu    sync.Mutex
	graph *history.Graph

	current atomic.Pointer[snapshot]

	local     LocalContext
	ring      *keyring.Ring
	store     Store
	observer  Observer
	logger    *zap.Logger
	now       func() time.Time
	cacheSize int

	watchMu   sync.Mutex
	watchers  map[int]chan struct{}
	nextWatch int
}

// Invite is returned to the inviter; the seed must be passed on out of band
type Invite struct {
	ID   string
	Seed string
}

// InviteOptions configures a new invitation. A seed is generated if empty.
type InviteOptions struct {
	Seed       string
	MaxUses    int
	Expiration time.Time
}

func newTeam(local LocalContext, opts []Option) (*Team, error) {
	t := &Team{
		local:    local,
		now:      time.Now,
		watchers: make(map[int]chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	t.logger = t.logger.With(zap.String("user", string(local.User.UserID)), zap.String("device", string(local.Device.DeviceID)))

	ring, err := keyring.NewRing(t.cacheSize, t.logger, local.Device.Keys, local.User.Keys)
	if err != nil {
		return nil, err
	}
	t.ring = ring
	return t, nil
}

// Create founds a new team with local as its first member and admin
func Create(name string, local LocalContext, opts ...Option) (*Team, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: team name is required", ErrValidation)
	}
	if !local.User.Keys.HasSecrets() || !local.Device.Keys.HasSecrets() {
		return nil, fmt.Errorf("%w: founder needs user and device keys", ErrValidation)
	}
	t, err := newTeam(local, opts)
	if err != nil {
		return nil, err
	}

	teamKeys, err := keyring.NewKeyset(types.TeamScope(), 0)
	if err != nil {
		return nil, err
	}
	adminKeys, err := keyring.NewKeyset(types.AdminScope(), 0)
	if err != nil {
		return nil, err
	}
	userPub := local.User.Keys.Public()
	var lockboxes []keyring.Lockbox
	for _, lock := range []struct {
		contents  keyring.Keyset
		recipient keyring.PublicKeyset
	}{
		{teamKeys, userPub},
		{adminKeys, userPub},
		{local.User.Keys, local.Device.Keys.Public()},
	} {
		lb, err := keyring.Create(lock.contents, lock.recipient)
		if err != nil {
			return nil, err
		}
		lockboxes = append(lockboxes, lb)
	}

	root := RootPayload{
		TeamName:  name,
		Founder:   local.User.UserID,
		UserKeys:  userPub,
		Device:    local.DeviceRecord(),
		TeamKeys:  teamKeys.Public(),
		AdminKeys: adminKeys.Public(),
		Lockboxes: lockboxes,
	}
	g, _, err := history.Genesis(ActionRoot, root, local.Author(), t.now())
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.commitLocked(g, g.Links()); err != nil {
		return nil, err
	}
	t.logger.Info("Created team", zap.String("team", name), zap.String("id", string(g.Root())))
	return t, nil
}

// Load replays an existing history from genesis. A history that does not
// verify is refused.
func Load(g *history.Graph, local LocalContext, opts ...Option) (*Team, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	t, err := newTeam(local, opts)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.commitLocked(g.Clone(), g.Links()); err != nil {
		return nil, err
	}
	return t, nil
}

// commitLocked resolves next, appends any rotations this device owes,
// persists the new links and only then publishes the result. On error
// nothing is published.
func (t *Team) commitLocked(next *history.Graph, added []*history.Link, mustKeep ...types.Hash) error {
	res, err := Resolve(next)
	if err != nil {
		return err
	}
	for _, h := range mustKeep {
		if reason, dropped := res.Discarded[h]; dropped {
			return fmt.Errorf("%w: %w", ErrDiscarded, reason)
		}
	}

	rotations := res.pendingRotations(t.local.User.UserID, t.local.Device.DeviceID)
	for _, rot := range rotations {
		payload, _, err := buildRotation(res.State, rot)
		if err != nil {
			return fmt.Errorf("failed to rotate %s keys: %w", rot.scope, err)
		}
		link, err := next.Append(ActionRotateKeys, payload, t.local.Author(), t.now())
		if err != nil {
			return err
		}
		added = append(added, link)
		t.logger.Info("Rotating keys",
			zap.String("scope", rot.scope.String()),
			zap.Int("generation", payload.Keys.Generation),
			zap.String("cause", string(rot.cause)))
	}
	if len(rotations) > 0 {
		if res, err = Resolve(next); err != nil {
			return err
		}
	}

	if lockboxes := t.pendingLockboxes(res.State); len(lockboxes) > 0 {
		link, err := next.Append(ActionAddLockboxes, AddLockboxesPayload{Lockboxes: lockboxes}, t.local.Author(), t.now())
		if err != nil {
			return err
		}
		added = append(added, link)
		t.logger.Info("Sharing keys with holders that missed a rotation", zap.Int("lockboxes", len(lockboxes)))
		if res, err = Resolve(next); err != nil {
			return err
		}
	}

	if t.store != nil && len(added) > 0 {
		if err := t.store.SaveLinks(res.State.ID, added); err != nil {
			return fmt.Errorf("failed to persist links: %w", err)
		}
	}

	prev := t.current.Load()
	t.graph = next
	t.current.Store(&snapshot{res: res, graph: next})
	t.afterCommit(prev, res)
	return nil
}

// pendingLockboxes locks the team and admin keys in force for entitled
// holders without a lockbox, when this device is the one to do it
func (t *Team) pendingLockboxes(s State) []keyring.Lockbox {
	var out []keyring.Lockbox
	for _, scope := range []types.KeyScope{types.TeamScope(), types.AdminScope()} {
		pub, missing := s.unboxed(scope)
		if len(missing) == 0 {
			continue
		}
		user, device, ok := s.reboxer(scope)
		if !ok || user != t.local.User.UserID || device != t.local.Device.DeviceID {
			continue
		}
		keys, err := t.ring.Find(s.Lockboxes, pub)
		if err != nil {
			t.logger.Warn("Cannot open keys to share", zap.String("scope", scope.String()), zap.Error(err))
			continue
		}
		for _, recipient := range missing {
			lb, err := keyring.Create(keys, recipient)
			if err != nil {
				t.logger.Warn("Failed to create lockbox", zap.String("recipient", recipient.Name), zap.Error(err))
				continue
			}
			out = append(out, lb)
		}
	}
	return out
}

func (t *Team) afterCommit(prev *snapshot, res *Resolution) {
	if t.observer != nil {
		t.observer.Resolved(res)
	}
	if prev == nil {
		return
	}
	for scope, keys := range res.State.Keys {
		old, ok := prev.res.State.Keys[scope]
		if !ok || keys.Generation <= old.Generation {
			continue
		}
		t.ring.Prune(keys.Scope(), keys.Generation)
		if t.observer != nil {
			t.observer.Rotated(keys.Scope(), keys.Generation)
		}
	}
}

// dispatch appends one local action
func (t *Team) dispatch(typ string, payload any) (*history.Link, error) {
	t.mu.Lock()
	link, err := t.dispatchLocked(typ, payload)
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	t.notify()
	return link, nil
}

func (t *Team) dispatchLocked(typ string, payload any) (*history.Link, error) {
	next := t.graph.Clone()
	link, err := next.Append(typ, payload, t.local.Author(), t.now())
	if err != nil {
		return nil, err
	}
	if err := t.commitLocked(next, []*history.Link{link}, link.Hash); err != nil {
		return nil, err
	}
	return link, nil
}

// withLockboxes opens the keys of scopes outside the write lock, locks them
// to recipient and then runs apply under the lock, retrying if a rotation
// slipped in between
func (t *Team) withLockboxes(recipient keyring.PublicKeyset, scopes []types.KeyScope, apply func([]keyring.Lockbox) error) error {
	for attempt := 0; attempt < 3; attempt++ {
		var (
			lockboxes []keyring.Lockbox
			used      []keyring.PublicKeyset
		)
		for _, scope := range scopes {
			keys, err := t.Keys(scope)
			if err != nil {
				return err
			}
			lb, err := keyring.Create(keys, recipient)
			if err != nil {
				return err
			}
			lockboxes = append(lockboxes, lb)
			used = append(used, keys.Public())
		}

		t.mu.Lock()
		if !t.keysCurrentLocked(used) {
			t.mu.Unlock()
			continue
		}
		err := apply(lockboxes)
		t.mu.Unlock()
		if err == nil {
			t.notify()
		}
		return err
	}
	return ErrKeysChanged
}

func (t *Team) keysCurrentLocked(used []keyring.PublicKeyset) bool {
	state := t.current.Load().res.State
	for _, k := range used {
		cur, ok := state.CurrentKeys(k.Scope())
		if !ok || cur.Generation != k.Generation || string(cur.Encryption) != string(k.Encryption) {
			return false
		}
	}
	return true
}

// Merge adds links received from a peer and resolves the result. Links are
// verified before the write lock is taken. It reports whether anything new
// was learned.
func (t *Team) Merge(links []*history.Link) (bool, error) {
	if len(links) == 0 {
		return false, nil
	}
	if err := history.VerifyLinks(links); err != nil {
		return false, err
	}

	t.mu.Lock()
	before := t.graph.Heads()
	next := t.graph.Clone()
	added, err := next.Add(links...)
	if err == nil && len(added) > 0 {
		err = t.commitLocked(next, added)
	}
	t.mu.Unlock()
	if err != nil || len(added) == 0 {
		return false, err
	}

	snap := t.current.Load()
	d, err := snap.graph.Diverge(before, headsOf(added))
	if err != nil {
		t.logger.Warn("Failed to measure merge divergence", zap.Error(err))
	} else {
		t.logger.Debug("Merged remote links",
			zap.Int("received", len(added)),
			zap.Int("common", len(d.Common)),
			zap.Int("localBranch", len(d.BranchA)),
			zap.Int("remoteBranch", len(d.BranchB)),
			zap.Int("discarded", len(snap.res.Discarded)))
		if t.observer != nil {
			t.observer.Merged(d)
		}
	}
	t.notify()
	return true, nil
}

// headsOf returns the links in a batch that no other link in it references
func headsOf(links []*history.Link) []types.Hash {
	referenced := make(map[types.Hash]struct{})
	for _, l := range links {
		for _, p := range l.Body.Prev {
			referenced[p] = struct{}{}
		}
	}
	var out []types.Hash
	for _, l := range links {
		if _, ok := referenced[l.Hash]; !ok {
			out = append(out, l.Hash)
		}
	}
	return types.SortHashes(out)
}

// Watch returns a channel signalled after every committed change. Signals
// coalesce; call the returned function to stop watching.
func (t *Team) Watch() (<-chan struct{}, func()) {
	t.watchMu.Lock()
	defer t.watchMu.Unlock()
	id := t.nextWatch
	t.nextWatch++
	ch := make(chan struct{}, 1)
	t.watchers[id] = ch
	return ch, func() {
		t.watchMu.Lock()
		defer t.watchMu.Unlock()
		delete(t.watchers, id)
	}
}

func (t *Team) notify() {
	t.watchMu.Lock()
	defer t.watchMu.Unlock()
	for _, ch := range t.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Snapshot reads

func (t *Team) Resolution() *Resolution { return t.current.Load().res }
func (t *Team) State() State            { return t.current.Load().res.State }
func (t *Team) ID() types.Hash          { return t.State().ID }
func (t *Team) Name() string            { return t.State().TeamName }
func (t *Team) Local() LocalContext     { return t.local }
func (t *Team) Heads() []types.Hash     { return t.current.Load().graph.Heads() }
func (t *Team) Links() []*history.Link  { return t.current.Load().graph.Links() }

// Graph returns a copy of the history
func (t *Team) Graph() *history.Graph { return t.current.Load().graph.Clone() }

// Knows reports whether every hash is already in the history
func (t *Team) Knows(hashes []types.Hash) bool {
	return t.current.Load().graph.Knows(hashes)
}

// Missing returns the links a peer that declared since has not seen
func (t *Team) Missing(since []types.Hash) []*history.Link {
	return t.current.Load().graph.Missing(since)
}

func (t *Team) Has(userID types.UserID) bool { return t.State().Has(userID) }
func (t *Team) Members() []Member            { return t.State().ActiveMembers() }
func (t *Team) HasRole(role string) bool     { return t.State().HasRole(role) }
func (t *Team) MemberIsAdmin(userID types.UserID) bool {
	return t.State().MemberIsAdmin(userID)
}
func (t *Team) MemberHasRole(userID types.UserID, role string) bool {
	return t.State().MemberHasRole(userID, role)
}

// Keys returns the current secret keyset for scope, unlocking it through
// the lockbox chain this device can reach
func (t *Team) Keys(scope types.KeyScope) (keyring.Keyset, error) {
	state := t.State()
	pub, ok := state.CurrentKeys(scope)
	if !ok {
		return keyring.Keyset{}, fmt.Errorf("%w: %s", keyring.ErrNoKeys, scope)
	}
	return t.ring.Find(state.Lockboxes, pub)
}

func (t *Team) TeamKeys() (keyring.Keyset, error)  { return t.Keys(types.TeamScope()) }
func (t *Team) AdminKeys() (keyring.Keyset, error) { return t.Keys(types.AdminScope()) }

// CacheStats exposes lockbox cache hits and misses
func (t *Team) CacheStats() (hits, misses uint64) { return t.ring.Stats() }

// Mutations

// Add admits a member directly
func (t *Team) Add(m MemberInit, roles ...string) error {
	scopes := []types.KeyScope{types.TeamScope()}
	for _, r := range roles {
		if r == types.ADMIN {
			scopes = append(scopes, types.AdminScope())
		}
	}
	return t.withLockboxes(m.UserKeys, scopes, func(lockboxes []keyring.Lockbox) error {
		_, err := t.dispatchLocked(ActionAddMember, AddMemberPayload{
			UserID:    m.UserID,
			UserKeys:  m.UserKeys,
			Device:    m.Device,
			Roles:     roles,
			Lockboxes: append(append([]keyring.Lockbox(nil), m.Lockboxes...), lockboxes...),
		})
		return err
	})
}

func (t *Team) Remove(userID types.UserID) error {
	if !t.Has(userID) {
		return fmt.Errorf("%w: %s is not a member", ErrValidation, userID)
	}
	_, err := t.dispatch(ActionRemoveMember, RemoveMemberPayload{UserID: userID})
	return err
}

func (t *Team) AddRole(roleName string) error {
	_, err := t.dispatch(ActionAddRole, AddRolePayload{RoleName: roleName})
	return err
}

func (t *Team) AddMemberRole(userID types.UserID, roleName string) error {
	if roleName != types.ADMIN {
		_, err := t.dispatch(ActionAddMemberRole, MemberRolePayload{UserID: userID, RoleName: roleName})
		return err
	}
	userKeys, ok := t.State().CurrentKeys(types.UserScope(userID))
	if !ok {
		return fmt.Errorf("%w: %s is not a member", ErrValidation, userID)
	}
	return t.withLockboxes(userKeys, []types.KeyScope{types.AdminScope()}, func(lockboxes []keyring.Lockbox) error {
		_, err := t.dispatchLocked(ActionAddMemberRole, MemberRolePayload{UserID: userID, RoleName: roleName, Lockboxes: lockboxes})
		return err
	})
}

func (t *Team) RemoveMemberRole(userID types.UserID, roleName string) error {
	if !t.MemberHasRole(userID, roleName) {
		return fmt.Errorf("%w: %s does not have role %q", ErrValidation, userID, roleName)
	}
	_, err := t.dispatch(ActionRemoveMemberRole, MemberRolePayload{UserID: userID, RoleName: roleName})
	return err
}

// AddDevice registers a device. A member adding their own device also locks
// their user keys to it.
func (t *Team) AddDevice(d DeviceRecord) error {
	if d.UserID != t.local.User.UserID {
		_, err := t.dispatch(ActionAddDevice, AddDevicePayload{Device: d})
		return err
	}
	return t.withLockboxes(d.Keys, []types.KeyScope{types.UserScope(d.UserID)}, func(lockboxes []keyring.Lockbox) error {
		_, err := t.dispatchLocked(ActionAddDevice, AddDevicePayload{Device: d, Lockboxes: lockboxes})
		return err
	})
}

func (t *Team) RemoveDevice(userID types.UserID, deviceID types.DeviceID) error {
	if !t.State().HasDevice(userID, deviceID) {
		return fmt.Errorf("%w: unknown device %s", ErrValidation, types.DeviceName(userID, deviceID))
	}
	_, err := t.dispatch(ActionRemoveDevice, RemoveDevicePayload{UserID: userID, DeviceID: deviceID})
	return err
}

// InviteMember records an invitation for a new member
func (t *Team) InviteMember(opts InviteOptions) (Invite, error) {
	return t.invite(opts, "")
}

// InviteDevice records an invitation for another device of the local member
func (t *Team) InviteDevice(opts InviteOptions) (Invite, error) {
	return t.invite(opts, t.local.User.UserID)
}

func (t *Team) invite(opts InviteOptions, userID types.UserID) (Invite, error) {
	seed := opts.Seed
	if seed == "" {
		var err error
		if seed, err = invitation.GenerateSeed(); err != nil {
			return Invite{}, err
		}
	}
	inv, err := invitation.Create(seed, invitation.Options{
		MaxUses:    opts.MaxUses,
		Expiration: opts.Expiration,
		UserID:     userID,
	})
	if err != nil {
		return Invite{}, err
	}
	if _, err := t.dispatch(ActionCreateInvitation, CreateInvitationPayload{Invitation: inv}); err != nil {
		return Invite{}, err
	}
	return Invite{ID: inv.ID, Seed: seed}, nil
}

func (t *Team) RevokeInvitation(id string) error {
	if !t.State().HasInvitation(id) {
		return fmt.Errorf("%w: unknown invitation %s", invitation.ErrInvitationInvalid, id)
	}
	_, err := t.dispatch(ActionRevokeInvitation, RevokeInvitationPayload{ID: id})
	return err
}

// CheckInvitation reports whether invitation id could still admit someone
func (t *Team) CheckInvitation(id string) error {
	inv, ok := t.State().Invitation(id)
	if !ok {
		return fmt.Errorf("%w: unknown invitation %s", invitation.ErrInvitationInvalid, id)
	}
	return inv.Check(t.now())
}

// AdmitMember validates an invitee's proof and appends the use of the
// invitation together with the new member. Nothing is written if the proof
// fails.
func (t *Team) AdmitMember(proof invitation.Proof, m MemberInit) error {
	if err := t.validateProof(proof); err != nil {
		return err
	}
	if proof.UserID != m.UserID || proof.DeviceID != m.Device.DeviceID {
		return fmt.Errorf("%w: proof was made for %s", invitation.ErrInvitationInvalid, types.DeviceName(proof.UserID, proof.DeviceID))
	}
	return t.withLockboxes(m.UserKeys, []types.KeyScope{types.TeamScope()}, func(lockboxes []keyring.Lockbox) error {
		return t.admitLocked(proof, func(useLink types.Hash) (string, any) {
			return ActionAddMember, AddMemberPayload{
				UserID:    m.UserID,
				UserKeys:  m.UserKeys,
				Device:    m.Device,
				Lockboxes: append(append([]keyring.Lockbox(nil), m.Lockboxes...), lockboxes...),
				UseLink:   useLink,
			}
		})
	})
}

// AdmitDevice admits another device of the local member
func (t *Team) AdmitDevice(proof invitation.Proof, d DeviceRecord) error {
	if err := t.validateProof(proof); err != nil {
		return err
	}
	if proof.UserID != d.UserID || proof.DeviceID != d.DeviceID || d.UserID != t.local.User.UserID {
		return fmt.Errorf("%w: proof was made for %s", invitation.ErrInvitationInvalid, types.DeviceName(proof.UserID, proof.DeviceID))
	}
	return t.withLockboxes(d.Keys, []types.KeyScope{types.UserScope(d.UserID)}, func(lockboxes []keyring.Lockbox) error {
		return t.admitLocked(proof, func(useLink types.Hash) (string, any) {
			return ActionAddDevice, AddDevicePayload{Device: d, Lockboxes: lockboxes, UseLink: useLink}
		})
	})
}

func (t *Team) validateProof(proof invitation.Proof) error {
	inv, ok := t.State().Invitation(proof.InvitationID)
	if !ok {
		return fmt.Errorf("%w: unknown invitation %s", invitation.ErrInvitationInvalid, proof.InvitationID)
	}
	return invitation.Validate(proof, inv, t.now())
}

func (t *Team) admitLocked(proof invitation.Proof, admission func(useLink types.Hash) (string, any)) error {
	next := t.graph.Clone()
	use, err := next.Append(ActionUseInvitation, UseInvitationPayload{Proof: proof}, t.local.Author(), t.now())
	if err != nil {
		return err
	}
	typ, payload := admission(use.Hash)
	admit, err := next.Append(typ, payload, t.local.Author(), t.now())
	if err != nil {
		return err
	}
	err = t.commitLocked(next, []*history.Link{use, admit}, use.Hash, admit.Hash)
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrValidation) {
		return fmt.Errorf("%w: %v", invitation.ErrInvitationInvalid, err)
	}
	return err
}

func (t *Team) AddServer(host string, keys keyring.PublicKeyset) error {
	_, err := t.dispatch(ActionAddServer, AddServerPayload{Host: host, Keys: keys})
	return err
}

func (t *Team) RemoveServer(host string) error {
	if !t.State().HasServer(host) {
		return fmt.Errorf("%w: unknown server %s", ErrValidation, host)
	}
	_, err := t.dispatch(ActionRemoveServer, RemoveServerPayload{Host: host})
	return err
}
