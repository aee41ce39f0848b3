package team

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"teamtrust/pkg/history"
	"teamtrust/pkg/invitation"
	"teamtrust/pkg/keyring"
	"teamtrust/pkg/types"
)

func TestCreate(t *testing.T) {
	f := setup(t, admin("alice"))
	alice := f.team("alice")

	assert.Equal(t, "Spies Я Us", alice.Name())
	assert.Equal(t, alice.ID(), alice.Graph().Root())
	assert.True(t, alice.Has("alice"))
	assert.True(t, alice.MemberIsAdmin("alice"))
	assert.True(t, alice.HasRole(types.ADMIN))

	teamKeys, err := alice.TeamKeys()
	require.NoError(t, err)
	assert.Equal(t, 0, teamKeys.Generation)

	adminKeys, err := alice.AdminKeys()
	require.NoError(t, err)
	assert.Equal(t, types.AdminScope(), adminKeys.Scope())
}

func TestCreate_RequiresName(t *testing.T) {
	_, err := Create("", newContext(t, "alice"))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAdd_NewMemberReadsTeamKeys(t *testing.T) {
	f := setup(t, admin("alice"), member("bob"))
	alice, bob := f.team("alice"), f.team("bob")

	assert.True(t, bob.Has("alice"))
	assert.True(t, bob.Has("bob"))
	assert.False(t, bob.MemberIsAdmin("bob"))

	aliceKeys, err := alice.TeamKeys()
	require.NoError(t, err)
	bobKeys, err := bob.TeamKeys()
	require.NoError(t, err)
	assert.Equal(t, aliceKeys.Public(), bobKeys.Public())

	_, err = bob.AdminKeys()
	assert.ErrorIs(t, err, keyring.ErrNoKeys)
}

func TestRemove_NonAdminIsRejected(t *testing.T) {
	f := setup(t, admin("alice"), member("bob"))
	bob := f.team("bob")
	before := bob.Heads()

	err := bob.Remove("alice")
	assert.ErrorIs(t, err, ErrDiscarded)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.True(t, bob.Has("alice"))
	assert.Equal(t, before, bob.Heads())
}

func TestRemove_RotatesTeamAndAdminKeys(t *testing.T) {
	f := setup(t, admin("alice"), admin("bob"), member("charlie"))
	alice, bob, charlie := f.team("alice"), f.team("bob"), f.team("charlie")

	require.NoError(t, alice.Remove("bob"))
	assert.False(t, alice.Has("bob"))
	assert.True(t, alice.State().MemberWasRemoved("bob"))

	teamKeys, err := alice.TeamKeys()
	require.NoError(t, err)
	assert.Equal(t, 1, teamKeys.Generation)
	adminKeys, err := alice.AdminKeys()
	require.NoError(t, err)
	assert.Equal(t, 1, adminKeys.Generation)

	syncAll(t, alice, charlie)
	charlieKeys, err := charlie.TeamKeys()
	require.NoError(t, err)
	assert.Equal(t, teamKeys.Public(), charlieKeys.Public())

	_, err = bob.Merge(alice.Links())
	require.NoError(t, err)
	assert.False(t, bob.Has("bob"))
	_, err = bob.TeamKeys()
	assert.ErrorIs(t, err, keyring.ErrNoKeys)
}

func TestRotation_ConcurrentAdmissionReceivesNewKeys(t *testing.T) {
	f := setup(t, admin("alice"), admin("bob"), member("charlie"))
	alice, bob := f.team("alice"), f.team("bob")

	require.NoError(t, alice.Remove("charlie"))
	eveContext := newContext(t, "eve")
	eveInit, err := eveContext.MemberInit()
	require.NoError(t, err)
	require.NoError(t, bob.Add(eveInit))

	syncAll(t, alice, bob)
	requireConverged(t, alice, bob)

	eve := load(t, bob.Graph(), eveContext)
	assert.True(t, eve.Has("eve"))
	eveKeys, err := eve.TeamKeys()
	require.NoError(t, err)
	assert.Equal(t, 1, eveKeys.Generation)
	aliceKeys, err := alice.TeamKeys()
	require.NoError(t, err)
	assert.Equal(t, aliceKeys.Public(), eveKeys.Public())

	shared := 0
	for _, link := range alice.Links() {
		if link.Body.Type == ActionAddLockboxes {
			shared++
			assert.Equal(t, types.UserID("alice"), link.Body.UserID)
		}
	}
	assert.Equal(t, 1, shared)
	assert.Empty(t, alice.Resolution().Discarded)
}

func TestAddLockboxes_RejectsUnentitledRecipients(t *testing.T) {
	f := setup(t, admin("alice"), member("bob"))
	alice := f.team("alice")

	teamKeys, err := alice.TeamKeys()
	require.NoError(t, err)
	outsider := newContext(t, "mallory")
	lb, err := keyring.Create(teamKeys, outsider.User.Keys.Public())
	require.NoError(t, err)

	_, err = alice.dispatch(ActionAddLockboxes, AddLockboxesPayload{Lockboxes: []keyring.Lockbox{lb}})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = alice.dispatch(ActionAddLockboxes, AddLockboxesPayload{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRemoveMemberRole_RotatesAdminKeysOnly(t *testing.T) {
	f := setup(t, admin("alice"), admin("bob"))
	alice, bob := f.team("alice"), f.team("bob")

	require.NoError(t, alice.RemoveMemberRole("bob", types.ADMIN))
	assert.False(t, alice.MemberIsAdmin("bob"))
	assert.True(t, alice.Has("bob"))

	teamKeys, err := alice.TeamKeys()
	require.NoError(t, err)
	assert.Equal(t, 0, teamKeys.Generation)
	adminKeys, err := alice.AdminKeys()
	require.NoError(t, err)
	assert.Equal(t, 1, adminKeys.Generation)

	syncAll(t, alice, bob)
	_, err = bob.AdminKeys()
	assert.ErrorIs(t, err, keyring.ErrNoKeys)
	_, err = bob.TeamKeys()
	assert.NoError(t, err)
}

func TestRemoveDevice_LastDeviceRotatesTeamKeys(t *testing.T) {
	f := setup(t, admin("alice"), member("bob"))
	alice := f.team("alice")

	require.NoError(t, alice.RemoveDevice("bob", "laptop"))
	assert.True(t, alice.Has("bob"))
	assert.True(t, alice.State().DeviceWasRemoved("bob", "laptop"))

	teamKeys, err := alice.TeamKeys()
	require.NoError(t, err)
	assert.Equal(t, 1, teamKeys.Generation)
	adminKeys, err := alice.AdminKeys()
	require.NoError(t, err)
	assert.Equal(t, 0, adminKeys.Generation)
}

func TestAddDevice_SharesUserKeys(t *testing.T) {
	f := setup(t, admin("alice"))
	alice := f.team("alice")

	phone, err := f.contexts["alice"].ForDevice("phone")
	require.NoError(t, err)
	require.NoError(t, alice.AddDevice(phone.DeviceRecord()))
	assert.True(t, alice.State().HasDevice("alice", "phone"))

	onPhone := load(t, alice.Graph(), phone)
	_, err = onPhone.TeamKeys()
	require.NoError(t, err)
	require.NoError(t, onPhone.AddRole("managers"))
	assert.True(t, onPhone.HasRole("managers"))
}

func TestRoles(t *testing.T) {
	f := setup(t, admin("alice"), member("bob"))
	alice := f.team("alice")

	err := alice.AddMemberRole("bob", "managers")
	assert.ErrorIs(t, err, ErrValidation)

	require.NoError(t, alice.AddRole("managers"))
	require.NoError(t, alice.AddMemberRole("bob", "managers"))
	assert.True(t, alice.MemberHasRole("bob", "managers"))

	require.NoError(t, alice.RemoveMemberRole("bob", "managers"))
	assert.False(t, alice.MemberHasRole("bob", "managers"))

	require.NoError(t, alice.AddMemberRole("bob", types.ADMIN))
	bob := f.team("bob")
	syncAll(t, alice, bob)
	_, err = bob.AdminKeys()
	assert.NoError(t, err)
}

func TestInvitation_AdmitMember(t *testing.T) {
	f := setup(t, admin("alice"))
	alice := f.team("alice")

	inv, err := alice.InviteMember(InviteOptions{})
	require.NoError(t, err)
	require.NoError(t, alice.CheckInvitation(inv.ID))

	charlie := newContext(t, "charlie")
	proof, err := invitation.Prove(inv.Seed, "charlie", "laptop", []byte("challenge"))
	require.NoError(t, err)
	init, err := charlie.MemberInit()
	require.NoError(t, err)
	require.NoError(t, alice.AdmitMember(proof, init))
	assert.True(t, alice.Has("charlie"))

	onCharlie := load(t, alice.Graph(), charlie)
	_, err = onCharlie.TeamKeys()
	assert.NoError(t, err)

	t.Run("invitation is used up", func(t *testing.T) {
		assert.ErrorIs(t, alice.CheckInvitation(inv.ID), invitation.ErrInvitationInvalid)

		dave := newContext(t, "dave")
		proof, err := invitation.Prove(inv.Seed, "dave", "laptop", []byte("challenge"))
		require.NoError(t, err)
		init, err := dave.MemberInit()
		require.NoError(t, err)
		assert.ErrorIs(t, alice.AdmitMember(proof, init), invitation.ErrInvitationInvalid)
		assert.False(t, alice.Has("dave"))
	})
}

func TestInvitation_WrongSeed(t *testing.T) {
	f := setup(t, admin("alice"))
	alice := f.team("alice")

	inv, err := alice.InviteMember(InviteOptions{Seed: "passw0rd"})
	require.NoError(t, err)
	before := alice.Heads()

	proof, err := invitation.Prove("password", "eve", "laptop", []byte("challenge"))
	require.NoError(t, err)
	proof.InvitationID = inv.ID

	eve := newContext(t, "eve")
	init, err := eve.MemberInit()
	require.NoError(t, err)
	assert.ErrorIs(t, alice.AdmitMember(proof, init), invitation.ErrInvitationInvalid)
	assert.False(t, alice.Has("eve"))
	assert.Equal(t, before, alice.Heads())
}

func TestInvitation_ExpiredAndRevoked(t *testing.T) {
	now := time.Unix(1700000000, 0)
	alice, err := Create("Spies Я Us", newContext(t, "alice"),
		WithLogger(zaptest.NewLogger(t)),
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	expiring, err := alice.InviteMember(InviteOptions{Expiration: now.Add(time.Hour)})
	require.NoError(t, err)
	revoked, err := alice.InviteMember(InviteOptions{MaxUses: 5})
	require.NoError(t, err)
	require.NoError(t, alice.RevokeInvitation(revoked.ID))

	assert.ErrorIs(t, alice.CheckInvitation(revoked.ID), invitation.ErrInvitationInvalid)
	assert.NoError(t, alice.CheckInvitation(expiring.ID))

	now = now.Add(2 * time.Hour)
	err = alice.CheckInvitation(expiring.ID)
	assert.ErrorIs(t, err, invitation.ErrInvitationInvalid)
	assert.Contains(t, err.Error(), "expired")

	bob := newContext(t, "bob")
	proof, err := invitation.Prove(expiring.Seed, "bob", "laptop", []byte("challenge"))
	require.NoError(t, err)
	init, err := bob.MemberInit()
	require.NoError(t, err)
	assert.ErrorIs(t, alice.AdmitMember(proof, init), invitation.ErrInvitationInvalid)
}

func TestInvitation_AdmitDevice(t *testing.T) {
	f := setup(t, admin("alice"), member("bob"))
	alice := f.team("alice")

	inv, err := alice.InviteDevice(InviteOptions{})
	require.NoError(t, err)

	phone, err := NewDeviceContext("alice", "phone")
	require.NoError(t, err)
	proof, err := invitation.Prove(inv.Seed, "alice", "phone", []byte("challenge"))
	require.NoError(t, err)
	require.NoError(t, alice.AdmitDevice(proof, phone.DeviceRecord()))
	assert.True(t, alice.State().HasDevice("alice", "phone"))

	onPhone := load(t, alice.Graph(), phone)
	_, err = onPhone.Keys(types.UserScope("alice"))
	require.NoError(t, err)
	_, err = onPhone.AdminKeys()
	require.NoError(t, err)
	require.NoError(t, onPhone.Remove("bob"))
	assert.False(t, onPhone.Has("bob"))

	t.Run("cannot admit another member", func(t *testing.T) {
		inv, err := alice.InviteDevice(InviteOptions{})
		require.NoError(t, err)
		proof, err := invitation.Prove(inv.Seed, "mallory", "phone", []byte("challenge"))
		require.NoError(t, err)
		mallory, err := NewDeviceContext("mallory", "phone")
		require.NoError(t, err)
		assert.ErrorIs(t, alice.AdmitDevice(proof, mallory.DeviceRecord()), invitation.ErrInvitationInvalid)
	})
}

func TestInvitation_ConcurrentUseAdmitsOnce(t *testing.T) {
	f := setup(t, admin("alice"), admin("bob"))
	alice, bob := f.team("alice"), f.team("bob")

	inv, err := alice.InviteMember(InviteOptions{})
	require.NoError(t, err)
	syncAll(t, alice, bob)

	admit := func(tm *Team, name types.UserID) {
		ctx := newContext(t, name)
		proof, err := invitation.Prove(inv.Seed, name, "laptop", []byte("challenge"))
		require.NoError(t, err)
		init, err := ctx.MemberInit()
		require.NoError(t, err)
		require.NoError(t, tm.AdmitMember(proof, init))
	}
	admit(alice, "charlie")
	admit(bob, "dave")

	syncAll(t, alice, bob)
	requireConverged(t, alice, bob)
	assert.NotEqual(t, alice.Has("charlie"), alice.Has("dave"))
	assert.Equal(t, alice.Has("charlie"), bob.Has("charlie"))
	assert.Len(t, alice.Resolution().Discarded, 2)
}

func TestServers(t *testing.T) {
	f := setup(t, admin("alice"), member("bob"))
	alice, bob := f.team("alice"), f.team("bob")

	keys, err := keyring.NewKeyset(types.ServerScope("relay.example.com"), 0)
	require.NoError(t, err)

	assert.ErrorIs(t, bob.AddServer("relay.example.com", keys.Public()), ErrUnauthorized)
	require.NoError(t, alice.AddServer("relay.example.com", keys.Public()))
	assert.True(t, alice.State().HasServer("relay.example.com"))

	require.NoError(t, alice.RemoveServer("relay.example.com"))
	assert.True(t, alice.State().ServerWasRemoved("relay.example.com"))
	assert.Empty(t, alice.State().ActiveServers())
	assert.ErrorIs(t, alice.AddServer("relay.example.com", keys.Public()), ErrValidation)
}

func TestMerge(t *testing.T) {
	f := setup(t, admin("alice"), member("bob"))
	alice, bob := f.team("alice"), f.team("bob")

	ok, err := bob.Merge(alice.Links())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, alice.AddRole("managers"))
	assert.False(t, bob.Knows(alice.Heads()))
	missing := alice.Missing(bob.Heads())
	require.Len(t, missing, 1)

	ok, err = bob.Merge(missing)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, bob.HasRole("managers"))
	requireConverged(t, alice, bob)

	t.Run("tampered link is refused", func(t *testing.T) {
		require.NoError(t, alice.AddRole("auditors"))
		link := *alice.Missing(bob.Heads())[0]
		link.Body.Timestamp++
		_, err := bob.Merge([]*history.Link{&link})
		assert.ErrorIs(t, err, history.ErrInvalidLink)
		assert.False(t, bob.HasRole("auditors"))
	})

	t.Run("foreign history is refused", func(t *testing.T) {
		other := setup(t, admin("mallory")).team("mallory")
		_, err := bob.Merge(other.Links())
		assert.ErrorIs(t, err, history.ErrForeignRoot)
	})
}

type recordingStore struct {
	saved map[types.Hash][]*history.Link
}

func (s *recordingStore) SaveLinks(teamID types.Hash, links []*history.Link) error {
	s.saved[teamID] = append(s.saved[teamID], links...)
	return nil
}

type recordingObserver struct {
	resolved int
	rotated  []types.KeyScope
	merged   []history.Divergence
}

func (o *recordingObserver) Resolved(*Resolution) { o.resolved++ }
func (o *recordingObserver) Rotated(scope types.KeyScope, _ int) {
	o.rotated = append(o.rotated, scope)
}
func (o *recordingObserver) Merged(d history.Divergence) { o.merged = append(o.merged, d) }

func TestStoreAndObserver(t *testing.T) {
	store := &recordingStore{saved: make(map[types.Hash][]*history.Link)}
	observer := &recordingObserver{}
	alice, err := Create("Spies Я Us", newContext(t, "alice"), WithStore(store), WithObserver(observer))
	require.NoError(t, err)

	bob := newContext(t, "bob")
	init, err := bob.MemberInit()
	require.NoError(t, err)
	require.NoError(t, alice.Add(init))
	require.NoError(t, alice.Remove("bob"))

	// root, add, remove and the team key rotation
	assert.Len(t, store.saved[alice.ID()], 4)
	assert.Equal(t, 3, observer.resolved)
	assert.Equal(t, []types.KeyScope{types.TeamScope()}, observer.rotated)
}

func TestMerge_ReportsDivergence(t *testing.T) {
	f := setup(t, admin("alice"), admin("bob"))
	observer := &recordingObserver{}
	alice, err := Load(f.team("alice").Graph(), f.contexts["alice"], WithObserver(observer))
	require.NoError(t, err)
	bob := f.team("bob")

	require.NoError(t, alice.AddRole("managers"))
	require.NoError(t, bob.AddRole("engineers"))

	ok, err := alice.Merge(bob.Links())
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, observer.merged, 1)
	d := observer.merged[0]
	assert.NotEmpty(t, d.Common)
	assert.Len(t, d.BranchA, 1)
	assert.Len(t, d.BranchB, 1)

	// nothing new, nothing reported
	ok, err = alice.Merge(bob.Links())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, observer.merged, 1)
}

func TestWatch(t *testing.T) {
	f := setup(t, admin("alice"))
	alice := f.team("alice")

	changes, stop := alice.Watch()
	require.NoError(t, alice.AddRole("managers"))
	require.NoError(t, alice.AddRole("auditors"))

	select {
	case <-changes:
	default:
		t.Fatal("expected a change notification")
	}
	select {
	case <-changes:
		t.Fatal("notifications should coalesce")
	default:
	}

	stop()
	require.NoError(t, alice.AddRole("engineers"))
	select {
	case <-changes:
		t.Fatal("stopped watcher was notified")
	default:
	}
}
