package ble

import (
	"fmt"
	"sync"

	"github.com/chaz8081/pgpemu/internal/ble/protocol"
	"github.com/chaz8081/pgpemu/internal/session"
	"github.com/pion/logging"
	"github.com/samber/oops"
	"tinygo.org/x/bluetooth"
)

// DefaultLocalName is the advertised device name.
const DefaultLocalName = "Pokemon GO Plus"

// PeripheralConfig configures a Peripheral.
type PeripheralConfig struct {
	// LocalName is advertised to scanning peers.
	LocalName string

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// Peripheral serves the accessory's GATT services through
// tinygo.org/x/bluetooth and feeds its events to a Router.
//
// tinygo does not surface client characteristic configuration writes, so the
// subscription that starts a handshake is issued on the peer's behalf as soon
// as it connects. Connection IDs are assigned on connect and bound to the
// transport's connection handle on the first write.
type Peripheral struct {
	adapter   *bluetooth.Adapter
	localName string
	adv       *bluetooth.Advertisement

	chars map[Attribute]*bluetooth.Characteristic

	// events serialises router calls; tinygo may deliver callbacks from
	// several goroutines.
	events sync.Mutex
	router *Router

	mu      sync.Mutex
	conns   []*peripheralConn
	handles map[bluetooth.Connection]session.ConnID

	log logging.LeveledLogger
}

type peripheralConn struct {
	id      session.ConnID
	address string
	device  bluetooth.Device
	bound   bool
}

// NewPeripheral creates a Peripheral on the default adapter.
func NewPeripheral(config PeripheralConfig) *Peripheral {
	if config.LocalName == "" {
		config.LocalName = DefaultLocalName
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Peripheral{
		adapter:   bluetooth.DefaultAdapter,
		localName: config.LocalName,
		chars:     make(map[Attribute]*bluetooth.Characteristic),
		handles:   make(map[bluetooth.Connection]session.ConnID),
		log:       config.LoggerFactory.NewLogger("gap"),
	}
}

// SetRouter sets the receiver of transport events. It must be called before
// Enable.
func (p *Peripheral) SetRouter(r *Router) {
	p.router = r
}

// Enable powers on the adapter and registers the GATT services.
func (p *Peripheral) Enable() error {
	if p.router == nil {
		return oops.In("ble").Errorf("peripheral has no router")
	}
	if err := p.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	p.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			p.handleConnect(device)
			return
		}
		p.handleDisconnect(device)
	})

	services, err := p.services()
	if err != nil {
		return err
	}
	for _, svc := range services {
		if err := p.adapter.AddService(svc); err != nil {
			return fmt.Errorf("ble: add service %s: %w", svc.UUID.String(), err)
		}
	}

	p.adv = p.adapter.DefaultAdvertisement()
	cert, err := bluetooth.ParseUUID(CertificateServiceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}
	err = p.adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    p.localName,
		ServiceUUIDs: []bluetooth.UUID{cert},
	})
	if err != nil {
		return fmt.Errorf("ble: configure advertisement: %w", err)
	}
	return nil
}

// Advertise starts advertising.
func (p *Peripheral) Advertise() error {
	if p.adv == nil {
		return oops.In("ble").Errorf("peripheral not enabled")
	}
	if err := p.adv.Start(); err != nil {
		return fmt.Errorf("ble: start advertising: %w", err)
	}
	p.log.Infof("advertising as %q", p.localName)
	return nil
}

// StopAdvertising stops advertising.
func (p *Peripheral) StopAdvertising() error {
	if p.adv == nil {
		return nil
	}
	return p.adv.Stop()
}

// SetAttributeValue implements Transport.
func (p *Peripheral) SetAttributeValue(attr Attribute, value []byte) error {
	char, ok := p.chars[attr]
	if !ok {
		return oops.In("ble").With("attr", attr.String()).Wrapf(ErrUnknownAttribute, "set value")
	}
	_, err := char.Write(value)
	return err
}

// SendNotification implements Transport. tinygo notifies every subscribed
// peer; the connection ID is only used for logging.
func (p *Peripheral) SendNotification(id session.ConnID, attr Attribute, value []byte) error {
	char, ok := p.chars[attr]
	if !ok {
		return oops.In("ble").With("attr", attr.String()).Wrapf(ErrUnknownAttribute, "notify")
	}
	p.log.Tracef("conn_id=%d notify %s % x", id, attr, value)
	_, err := char.Write(value)
	return err
}

// Disconnect drops the connection with the given ID.
func (p *Peripheral) Disconnect(id session.ConnID) error {
	p.mu.Lock()
	var device *bluetooth.Device
	for _, c := range p.conns {
		if c.id == id {
			device = &c.device
			break
		}
	}
	p.mu.Unlock()

	if device == nil {
		return oops.In("ble").With("conn_id", id).Wrapf(session.ErrNotFound, "disconnect")
	}
	return device.Disconnect()
}

func (p *Peripheral) handleConnect(device bluetooth.Device) {
	addr := device.Address.String()

	p.mu.Lock()
	id := p.nextIDLocked()
	p.conns = append(p.conns, &peripheralConn{id: id, address: addr, device: device})
	p.mu.Unlock()

	p.log.Infof("conn_id=%d connected, mac=%s", id, addr)

	p.events.Lock()
	defer p.events.Unlock()
	p.router.OnConnect(id)
	subscribe := []byte{byte(protocol.ConfigNotify), byte(protocol.ConfigNotify >> 8)}
	if err := p.router.OnAttributeWrite(id, AttrSfidaCommandsConfig, subscribe); err != nil {
		p.log.Warnf("conn_id=%d start handshake: %v", id, err)
	}
}

func (p *Peripheral) handleDisconnect(device bluetooth.Device) {
	addr := device.Address.String()

	p.mu.Lock()
	var id session.ConnID
	found := false
	for i, c := range p.conns {
		if c.address != addr {
			continue
		}
		id, found = c.id, true
		p.conns = append(p.conns[:i], p.conns[i+1:]...)
		break
	}
	for h, hid := range p.handles {
		if found && hid == id {
			delete(p.handles, h)
		}
	}
	p.mu.Unlock()

	if !found {
		p.log.Warnf("disconnect from unknown peer %s", addr)
		return
	}
	p.log.Warnf("conn_id=%d disconnected, mac=%s", id, addr)

	p.events.Lock()
	defer p.events.Unlock()
	p.router.OnDisconnect(id)
}

// resolve maps a transport connection handle to a connection ID, binding it
// to the oldest connection that has not written yet.
func (p *Peripheral) resolve(client bluetooth.Connection) (session.ConnID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.handles[client]; ok {
		return id, true
	}
	for _, c := range p.conns {
		if !c.bound {
			c.bound = true
			p.handles[client] = c.id
			return c.id, true
		}
	}
	return 0, false
}

func (p *Peripheral) nextIDLocked() session.ConnID {
	var id session.ConnID
	for {
		used := false
		for _, c := range p.conns {
			if c.id == id {
				used = true
				break
			}
		}
		if !used {
			return id
		}
		id++
	}
}

func (p *Peripheral) onWrite(attr Attribute) func(bluetooth.Connection, int, []byte) {
	return func(client bluetooth.Connection, offset int, value []byte) {
		id, ok := p.resolve(client)
		if !ok {
			p.log.Warnf("write to %s from unknown connection", attr)
			return
		}
		if offset != 0 {
			p.log.Warnf("conn_id=%d offset write to %s not supported (offset=%d)", id, attr, offset)
			return
		}
		payload := append([]byte(nil), value...)

		p.events.Lock()
		defer p.events.Unlock()
		if err := p.router.OnAttributeWrite(id, attr, payload); err != nil {
			p.log.Debugf("conn_id=%d write %s: %v", id, attr, err)
		}
	}
}

func (p *Peripheral) services() ([]*bluetooth.Service, error) {
	uuids := make(map[string]bluetooth.UUID)
	for _, s := range []string{
		CertificateServiceUUID, CentralToSfidaCharUUID, SfidaCommandsCharUUID, SfidaToCentralCharUUID,
		LEDButtonServiceUUID, LEDCharUUID, ButtonCharUUID, UnknownCharUUID, UpdateRequestCharUUID, FirmwareVersionCharUUID,
	} {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("ble: parse UUID %s: %w", s, err)
		}
		uuids[s] = u
	}

	char := func(attr Attribute) *bluetooth.Characteristic {
		c := new(bluetooth.Characteristic)
		p.chars[attr] = c
		return c
	}

	battery := &bluetooth.Service{
		UUID: bluetooth.New16BitUUID(BatteryServiceUUID16),
		Characteristics: []bluetooth.CharacteristicConfig{{
			Handle: char(AttrBatteryLevel),
			UUID:   bluetooth.New16BitUUID(BatteryLevelCharUUID16),
			Value:  []byte{DefaultBatteryLevel},
			Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission,
		}},
	}

	ledButton := &bluetooth.Service{
		UUID: uuids[LEDButtonServiceUUID],
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle:     char(AttrLED),
				UUID:       uuids[LEDCharUUID],
				Value:      make([]byte, 100),
				Flags:      bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicWritePermission,
				WriteEvent: p.onWrite(AttrLED),
			},
			{
				Handle: char(AttrButton),
				UUID:   uuids[ButtonCharUUID],
				Value:  make([]byte, 2),
				Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission,
			},
			{
				Handle:     char(AttrUnknownChar),
				UUID:       uuids[UnknownCharUUID],
				Value:      make([]byte, 100),
				Flags:      bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicWritePermission,
				WriteEvent: p.onWrite(AttrUnknownChar),
			},
			{
				Handle:     char(AttrUpdateRequest),
				UUID:       uuids[UpdateRequestCharUUID],
				Value:      make([]byte, 100),
				Flags:      bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicWritePermission,
				WriteEvent: p.onWrite(AttrUpdateRequest),
			},
			{
				Handle: char(AttrFirmwareVersion),
				UUID:   uuids[FirmwareVersionCharUUID],
				Value:  make([]byte, 100),
				Flags:  bluetooth.CharacteristicReadPermission,
			},
		},
	}

	cert := &bluetooth.Service{
		UUID: uuids[CertificateServiceUUID],
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle:     char(AttrCentralToSfida),
				UUID:       uuids[CentralToSfidaCharUUID],
				Value:      make([]byte, protocol.DecryptedSize),
				Flags:      bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicWritePermission,
				WriteEvent: p.onWrite(AttrCentralToSfida),
			},
			{
				Handle: char(AttrSfidaCommands),
				UUID:   uuids[SfidaCommandsCharUUID],
				Value:  make([]byte, protocol.NotifySize),
				Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission,
			},
			{
				Handle: char(AttrSfidaToCentral),
				UUID:   uuids[SfidaToCentralCharUUID],
				Value:  make([]byte, session.WorkingBufferSize),
				Flags:  bluetooth.CharacteristicReadPermission,
			},
		},
	}

	return []*bluetooth.Service{battery, ledButton, cert}, nil
}
