package ble

import (
	"bytes"
	"testing"

	blecrypto "github.com/chaz8081/pgpemu/internal/ble/crypto"
	"github.com/chaz8081/pgpemu/internal/ble/protocol"
	"github.com/chaz8081/pgpemu/internal/handshake"
	"github.com/chaz8081/pgpemu/internal/lifecycle"
	"github.com/chaz8081/pgpemu/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	subscribeOn  = []byte{0x01, 0x00}
	subscribeOff = []byte{0x00, 0x00}
)

type harness struct {
	table      *session.Table
	transport  *mockTransport
	advertiser *mockAdvertiser
	controller *lifecycle.Controller
	led        *mockLED
	router     *Router
}

type harnessOpts struct {
	capacity   int
	prepareMax int
	battery    BatteryFunc
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	var key [blecrypto.DeviceKeySize]byte
	var blob [blecrypto.BlobSize]byte
	key[0] = 0x42
	cert, err := blecrypto.NewCert(key, blob)
	require.NoError(t, err)

	machine, err := handshake.New(handshake.Config{Primitives: cert})
	require.NoError(t, err)

	h := &harness{
		table:      session.NewTable(session.TableConfig{Capacity: opts.capacity}),
		transport:  newMockTransport(),
		advertiser: &mockAdvertiser{},
		led:        &mockLED{},
	}
	h.controller = lifecycle.NewController(lifecycle.ControllerConfig{
		Table:      h.table,
		Advertiser: h.advertiser,
	})
	h.router, err = NewRouter(RouterConfig{
		Table:             h.table,
		Machine:           machine,
		Controller:        h.controller,
		Transport:         h.transport,
		LED:               h.led,
		Battery:           opts.battery,
		PrepareBufferSize: opts.prepareMax,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) state(t *testing.T, id session.ConnID) session.State {
	t.Helper()
	s := h.table.Find(id)
	require.NotNil(t, s, "no session for conn_id=%d", id)
	return s.State
}

func peerReply(n int) []byte {
	return bytes.Repeat([]byte{0x5a}, n)
}

// pairFresh runs scenario A for id.
func (h *harness) pairFresh(t *testing.T, id session.ConnID) {
	t.Helper()
	h.router.OnConnect(id)
	require.NoError(t, h.router.OnAttributeWrite(id, AttrSfidaCommandsConfig, subscribeOn))
	for i := 0; i < 3; i++ {
		require.NoError(t, h.router.OnAttributeWrite(id, AttrCentralToSfida, peerReply(protocol.PeerReplySize)))
	}
	require.Equal(t, session.StateEstablished, h.state(t, id))
}

func TestNewRouterRequiresCollaborators(t *testing.T) {
	_, err := NewRouter(RouterConfig{})
	assert.Error(t, err)
}

func TestScenarioFreshPairing(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	const id = 5

	h.router.OnConnect(id)
	assert.Nil(t, h.table.Find(id), "connect must not create a session")

	require.NoError(t, h.router.OnAttributeWrite(id, AttrSfidaCommandsConfig, subscribeOn))
	assert.Equal(t, []byte{0x00, 0, 0, 0}, h.transport.Last(id))
	value := h.transport.Value(AttrSfidaToCentral)
	require.Len(t, value, protocol.ChallengeSize)
	assert.Equal(t, protocol.TagChallenge, value[0])
	assert.Equal(t, session.StateFreshStart, h.state(t, id))

	require.NoError(t, h.router.OnAttributeWrite(id, AttrCentralToSfida, peerReply(20)))
	assert.Equal(t, []byte{0x01, 0, 0, 0}, h.transport.Last(id))
	assert.Len(t, h.transport.Value(AttrSfidaToCentral), protocol.NextChallengeSize)
	assert.Equal(t, session.StateAwaitFirstReply, h.state(t, id))

	require.NoError(t, h.router.OnAttributeWrite(id, AttrCentralToSfida, peerReply(20)))
	assert.Equal(t, []byte{0x02, 0, 0, 0}, h.transport.Last(id))
	assert.Len(t, h.transport.Value(AttrSfidaToCentral), protocol.DecryptedSize)
	assert.Equal(t, session.StateAwaitSecondReply, h.state(t, id))

	require.NoError(t, h.router.OnAttributeWrite(id, AttrCentralToSfida, peerReply(20)))
	assert.Equal(t, []byte{0x04, 0x00, 0x23, 0x00}, h.transport.Last(id))
	assert.Equal(t, session.StateEstablished, h.state(t, id))
	assert.True(t, h.table.Find(id).HasReconnectKey)
	assert.False(t, h.table.Find(id).ConnectedAt.IsZero())

	assert.Equal(t, 1, h.controller.ActiveConnections())
	assert.Equal(t, []int{1}, h.advertiser.calls)
	assert.Len(t, h.transport.Notifications(id), 4)
}

func TestScenarioReconnect(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	const id = 2
	h.pairFresh(t, id)

	require.NoError(t, h.router.OnAttributeWrite(id, AttrSfidaCommandsConfig, subscribeOn))
	assert.Equal(t, []byte{0x03, 0, 0, 0}, h.transport.Last(id))
	offer := h.transport.Value(AttrSfidaToCentral)
	require.Len(t, offer, protocol.ReconnectOfferSize)
	assert.Equal(t, protocol.TagReconnectOffer, offer[0])
	assert.Equal(t, session.StateReconnectOffered, h.state(t, id))

	require.NoError(t, h.router.OnAttributeWrite(id, AttrCentralToSfida, peerReply(20)))
	assert.Equal(t, []byte{0x04, 0x00, 0x01, 0x00}, h.transport.Last(id))

	require.NoError(t, h.router.OnAttributeWrite(id, AttrCentralToSfida, peerReply(20)))
	assert.Equal(t, []byte{0x05, 0, 0, 0}, h.transport.Last(id))
	resp := h.transport.Value(AttrSfidaToCentral)
	require.Len(t, resp, protocol.ReconnectResponseSize)
	assert.Equal(t, protocol.TagReconnectResponse, resp[0])

	require.NoError(t, h.router.OnAttributeWrite(id, AttrCentralToSfida, peerReply(5)))
	assert.Equal(t, []byte{0x04, 0x00, 0x02, 0x00}, h.transport.Last(id))
	assert.Equal(t, session.StateEstablished, h.state(t, id))
	assert.False(t, h.table.Find(id).ReconnectedAt.IsZero())

	// reconnects are not counted
	assert.Equal(t, 1, h.controller.ActiveConnections())
}

func TestScenarioCapacityExhausted(t *testing.T) {
	h := newHarness(t, harnessOpts{capacity: 2})

	require.NoError(t, h.router.OnAttributeWrite(1, AttrSfidaCommandsConfig, subscribeOn))
	require.NoError(t, h.router.OnAttributeWrite(2, AttrSfidaCommandsConfig, subscribeOn))

	err := h.router.OnAttributeWrite(3, AttrSfidaCommandsConfig, subscribeOn)
	assert.ErrorIs(t, err, session.ErrTableFull)
	assert.Nil(t, h.table.Find(3))
	assert.Empty(t, h.transport.Notifications(3))

	// existing sessions are untouched
	assert.Equal(t, session.StateFreshStart, h.state(t, 1))
	assert.Equal(t, session.StateFreshStart, h.state(t, 2))

	// a freed slot is usable again
	h.router.OnDisconnect(1)
	require.NoError(t, h.router.OnAttributeWrite(3, AttrSfidaCommandsConfig, subscribeOn))
	assert.Equal(t, session.StateFreshStart, h.state(t, 3))
}

func TestScenarioMalformedLength(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	const id = 1
	require.NoError(t, h.router.OnAttributeWrite(id, AttrSfidaCommandsConfig, subscribeOn))
	require.NoError(t, h.router.OnAttributeWrite(id, AttrCentralToSfida, peerReply(20)))
	sent := len(h.transport.Notifications(id))

	err := h.router.OnAttributeWrite(id, AttrCentralToSfida, peerReply(19))
	assert.ErrorIs(t, err, handshake.ErrInvalidLength)
	assert.Equal(t, session.StateAwaitFirstReply, h.state(t, id))
	assert.Len(t, h.transport.Notifications(id), sent)
}

func TestScenarioDisconnectMidHandshake(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	const id = 4
	require.NoError(t, h.router.OnAttributeWrite(id, AttrSfidaCommandsConfig, subscribeOn))
	require.NoError(t, h.router.OnAttributeWrite(id, AttrCentralToSfida, peerReply(20)))
	require.Equal(t, session.StateAwaitFirstReply, h.state(t, id))

	h.router.OnDisconnect(id)
	assert.Nil(t, h.table.Find(id))
	assert.Equal(t, 0, h.controller.ActiveConnections())
	assert.Equal(t, []int{0}, h.advertiser.calls)

	// the reused id starts from scratch
	h.router.OnConnect(id)
	require.NoError(t, h.router.OnAttributeWrite(id, AttrSfidaCommandsConfig, subscribeOn))
	assert.Equal(t, session.StateFreshStart, h.state(t, id))
	assert.False(t, h.table.Find(id).HasReconnectKey)
}

func TestDisconnectAfterPairingDecrements(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.pairFresh(t, 1)
	h.pairFresh(t, 2)
	require.Equal(t, 2, h.controller.ActiveConnections())

	h.router.OnDisconnect(1)
	assert.Equal(t, 1, h.controller.ActiveConnections())
	h.router.OnDisconnect(1)
	assert.Equal(t, 0, h.controller.ActiveConnections())
	h.router.OnDisconnect(1)
	assert.Equal(t, 0, h.controller.ActiveConnections())
}

func TestHandshakeDataFromUnknownConnection(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	err := h.router.OnAttributeWrite(9, AttrCentralToSfida, peerReply(20))
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.Nil(t, h.table.Find(9))
	assert.Empty(t, h.transport.Notifications(9))
}

func TestWriteAfterEstablishedIsDropped(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.pairFresh(t, 1)
	sent := len(h.transport.Notifications(1))

	err := h.router.OnAttributeWrite(1, AttrCentralToSfida, peerReply(20))
	assert.ErrorIs(t, err, handshake.ErrUnexpectedState)
	assert.Len(t, h.transport.Notifications(1), sent)
}

func TestUnsubscribe(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	require.NoError(t, h.router.OnAttributeWrite(1, AttrSfidaCommandsConfig, subscribeOn))
	require.NoError(t, h.router.OnAttributeWrite(1, AttrSfidaCommandsConfig, subscribeOff))
	s := h.table.Find(1)
	require.NotNil(t, s)
	assert.False(t, s.NotificationsEnabled)
	assert.Len(t, h.transport.Notifications(1), 1)
}

func TestBadConfigWrite(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	assert.Error(t, h.router.OnAttributeWrite(1, AttrSfidaCommandsConfig, []byte{0x01}))
	assert.Nil(t, h.table.Find(1))

	err := h.router.OnAttributeWrite(1, AttrSfidaCommandsConfig, []byte{0x02, 0x00})
	assert.ErrorIs(t, err, handshake.ErrInvalidConfigValue)
	assert.Empty(t, h.transport.Notifications(1))
}

func TestFragmentedWriteCommit(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	const id = 1
	require.NoError(t, h.router.OnAttributeWrite(id, AttrSfidaCommandsConfig, subscribeOn))

	payload := peerReply(20)
	require.NoError(t, h.router.OnPrepareWrite(id, AttrCentralToSfida, 0, payload[:12]))
	require.NoError(t, h.router.OnPrepareWrite(id, AttrCentralToSfida, 12, payload[12:]))
	assert.Equal(t, session.StateFreshStart, h.state(t, id), "fragments must not dispatch before execute")

	require.NoError(t, h.router.OnExecuteWrite(id, true))
	assert.Equal(t, session.StateAwaitFirstReply, h.state(t, id))
	assert.Equal(t, []byte{0x01, 0, 0, 0}, h.transport.Last(id))
}

func TestFragmentedWriteCancel(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	const id = 1
	require.NoError(t, h.router.OnAttributeWrite(id, AttrSfidaCommandsConfig, subscribeOn))
	require.NoError(t, h.router.OnPrepareWrite(id, AttrCentralToSfida, 0, peerReply(20)))

	require.NoError(t, h.router.OnExecuteWrite(id, false))
	assert.Equal(t, session.StateFreshStart, h.state(t, id))

	// the buffer is gone; a later execute has nothing to commit
	require.NoError(t, h.router.OnExecuteWrite(id, true))
	assert.Equal(t, session.StateFreshStart, h.state(t, id))
}

func TestFragmentedWriteBounds(t *testing.T) {
	h := newHarness(t, harnessOpts{prepareMax: 32})

	err := h.router.OnPrepareWrite(1, AttrCentralToSfida, 40, []byte{1})
	assert.ErrorIs(t, err, protocol.ErrInvalidOffset)

	err = h.router.OnPrepareWrite(1, AttrCentralToSfida, 30, []byte{1, 2, 3})
	assert.ErrorIs(t, err, protocol.ErrInvalidAttrLen)
}

func TestFragmentedWriteNoResources(t *testing.T) {
	h := newHarness(t, harnessOpts{capacity: 1})

	require.NoError(t, h.router.OnPrepareWrite(1, AttrCentralToSfida, 0, []byte{1}))
	err := h.router.OnPrepareWrite(2, AttrCentralToSfida, 0, []byte{1})
	assert.ErrorIs(t, err, protocol.ErrNoResources)

	// releasing the first buffer frees room
	require.NoError(t, h.router.OnExecuteWrite(1, false))
	require.NoError(t, h.router.OnPrepareWrite(2, AttrCentralToSfida, 0, []byte{1}))
}

func TestFragmentedWriteAttributeMismatch(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	require.NoError(t, h.router.OnPrepareWrite(1, AttrCentralToSfida, 0, []byte{1}))
	err := h.router.OnPrepareWrite(1, AttrLED, 1, []byte{2})
	assert.ErrorIs(t, err, ErrAttributeMismatch)
}

func TestFragmentedLEDWrite(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	require.NoError(t, h.router.OnPrepareWrite(1, AttrLED, 0, []byte{0, 0, 0}))
	require.NoError(t, h.router.OnPrepareWrite(1, AttrLED, 3, []byte{0x21}))
	require.NoError(t, h.router.OnExecuteWrite(1, true))
	require.Len(t, h.led.writes, 1)
	assert.Equal(t, []byte{0, 0, 0, 0x21}, h.led.writes[0])
}

func TestDisconnectDropsPendingFragments(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	require.NoError(t, h.router.OnAttributeWrite(1, AttrSfidaCommandsConfig, subscribeOn))
	require.NoError(t, h.router.OnPrepareWrite(1, AttrCentralToSfida, 0, peerReply(20)))

	h.router.OnDisconnect(1)
	h.router.OnConnect(1)
	require.NoError(t, h.router.OnAttributeWrite(1, AttrSfidaCommandsConfig, subscribeOn))
	require.NoError(t, h.router.OnExecuteWrite(1, true))
	assert.Equal(t, session.StateFreshStart, h.state(t, 1))
}

func TestReads(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	v, err := h.router.OnAttributeRead(1, AttrBatteryLevel)
	require.NoError(t, err)
	assert.Equal(t, []byte{DefaultBatteryLevel}, v)

	_, err = h.router.OnAttributeRead(1, AttrSfidaToCentral)
	assert.ErrorIs(t, err, session.ErrNotFound)

	require.NoError(t, h.router.OnAttributeWrite(1, AttrSfidaCommandsConfig, subscribeOn))
	v, err = h.router.OnAttributeRead(1, AttrSfidaToCentral)
	require.NoError(t, err)
	assert.Len(t, v, protocol.ChallengeSize)
	assert.Equal(t, h.transport.Value(AttrSfidaToCentral), v)

	_, err = h.router.OnAttributeRead(1, AttrFirmwareVersion)
	assert.ErrorIs(t, err, ErrUnknownAttribute)
}

func TestBatteryFunc(t *testing.T) {
	h := newHarness(t, harnessOpts{battery: func() uint8 { return 42 }})
	v, err := h.router.OnAttributeRead(1, AttrBatteryLevel)
	require.NoError(t, err)
	assert.Equal(t, []byte{42}, v)

	require.NoError(t, h.router.RefreshBattery())
	assert.Equal(t, []byte{42}, h.transport.Value(AttrBatteryLevel))
}

func TestNonHandshakeWrites(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	require.NoError(t, h.router.OnAttributeWrite(1, AttrLED, []byte{1, 2, 3, 4}))
	require.Len(t, h.led.writes, 1)

	assert.NoError(t, h.router.OnAttributeWrite(1, AttrButtonConfig, subscribeOn))
	assert.NoError(t, h.router.OnAttributeWrite(1, AttrBatteryLevelConfig, subscribeOn))

	err := h.router.OnAttributeWrite(1, AttrUpdateRequest, []byte{1})
	assert.ErrorIs(t, err, ErrUnknownAttribute)
	err = h.router.OnAttributeWrite(1, AttrUnknown, []byte{1})
	assert.ErrorIs(t, err, ErrUnknownAttribute)

	// none of these create sessions
	assert.Equal(t, 0, h.table.Len())
}

func TestNotifyFailureDoesNotStopHandshake(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.transport.failNotify = true
	require.NoError(t, h.router.OnAttributeWrite(1, AttrSfidaCommandsConfig, subscribeOn))
	assert.Equal(t, session.StateFreshStart, h.state(t, 1))
	assert.Len(t, h.transport.Value(AttrSfidaToCentral), protocol.ChallengeSize)
}

func TestSessionsAreIndependent(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	require.NoError(t, h.router.OnAttributeWrite(1, AttrSfidaCommandsConfig, subscribeOn))
	require.NoError(t, h.router.OnAttributeWrite(2, AttrSfidaCommandsConfig, subscribeOn))
	require.NoError(t, h.router.OnAttributeWrite(1, AttrCentralToSfida, peerReply(20)))

	assert.Equal(t, session.StateAwaitFirstReply, h.state(t, 1))
	assert.Equal(t, session.StateFreshStart, h.state(t, 2))
	assert.NotEqual(t, h.table.Find(1).SessionKey, h.table.Find(2).SessionKey)
}

func TestAttributeString(t *testing.T) {
	assert.Equal(t, "SFIDA_COMMANDS_CFG", AttrSfidaCommandsConfig.String())
	assert.Equal(t, "CENTRAL_TO_SFIDA", AttrCentralToSfida.String())
	assert.Equal(t, "Attribute(200)", Attribute(200).String())
}
