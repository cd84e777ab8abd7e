package ble

import (
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/chaz8081/pgpemu/internal/ble/protocol"
	"github.com/chaz8081/pgpemu/internal/handshake"
	"github.com/chaz8081/pgpemu/internal/lifecycle"
	"github.com/chaz8081/pgpemu/internal/session"
	"github.com/pion/logging"
	"github.com/samber/oops"
	"golang.org/x/time/rate"
)

// DefaultBatteryLevel is reported when no battery function is configured.
const DefaultBatteryLevel = 100

// RouterConfig configures a Router.
type RouterConfig struct {
	Table      *session.Table
	Machine    *handshake.Machine
	Controller *lifecycle.Controller
	Transport  Transport

	// LED receives LED pattern writes. Optional.
	LED LEDHandler

	// Battery reports the battery level. Defaults to DefaultBatteryLevel.
	Battery BatteryFunc

	// PrepareBufferSize bounds a reassembled prepare-write sequence
	// (0 uses protocol.DefaultPrepareBufferSize).
	PrepareBufferSize int

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

type pendingWrite struct {
	attr Attribute
	buf  *protocol.Reassembly
}

// Router maps transport events onto the session table, the handshake
// machine and the lifecycle controller.
//
// Transport events are expected to arrive serially; the pending
// prepare-write buffers are still guarded so diagnostics may run alongside.
type Router struct {
	table      *session.Table
	machine    *handshake.Machine
	controller *lifecycle.Controller
	transport  Transport
	led        LEDHandler
	battery    BatteryFunc
	prepareMax int

	mu      sync.Mutex
	pending map[session.ConnID]*pendingWrite

	// repeated "unhandled" warnings are throttled
	unhandled rate.Sometimes

	log logging.LeveledLogger
}

// NewRouter creates a Router.
func NewRouter(config RouterConfig) (*Router, error) {
	if config.Table == nil || config.Machine == nil || config.Controller == nil || config.Transport == nil {
		return nil, oops.In("ble").Errorf("router requires table, machine, controller and transport")
	}
	if config.Battery == nil {
		config.Battery = func() uint8 { return DefaultBatteryLevel }
	}
	if config.PrepareBufferSize <= 0 {
		config.PrepareBufferSize = protocol.DefaultPrepareBufferSize
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Router{
		table:      config.Table,
		machine:    config.Machine,
		controller: config.Controller,
		transport:  config.Transport,
		led:        config.LED,
		battery:    config.Battery,
		prepareMax: config.PrepareBufferSize,
		pending:    make(map[session.ConnID]*pendingWrite),
		unhandled:  rate.Sometimes{First: 3, Interval: 10 * time.Second},
		log:        config.LoggerFactory.NewLogger("gatts"),
	}, nil
}

// OnConnect records a new connection. No session is created until the peer
// subscribes to the command channel.
func (r *Router) OnConnect(id session.ConnID) {
	r.log.Infof("conn_id=%d connected", id)
	r.dropPending(id)
}

// OnDisconnect tears down everything held for the connection.
func (r *Router) OnDisconnect(id session.ConnID) {
	r.dropPending(id)
	r.controller.OnDisconnect(id)
}

// OnAttributeWrite handles a complete (non-fragmented) write.
func (r *Router) OnAttributeWrite(id session.ConnID, attr Attribute, payload []byte) error {
	r.log.Debugf("conn_id=%d write %s len=%d", id, attr, len(payload))
	r.log.Tracef("conn_id=%d rx %s", id, hex.EncodeToString(payload))
	return r.dispatch(id, attr, payload)
}

// OnPrepareWrite queues one fragment of a long write. Fragments are
// dispatched together by OnExecuteWrite.
func (r *Router) OnPrepareWrite(id session.ConnID, attr Attribute, offset int, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[id]
	if !ok {
		if len(r.pending) >= r.table.Capacity() {
			r.log.Errorf("conn_id=%d no prepare buffer available", id)
			return oops.In("ble").With("conn_id", id).Wrapf(protocol.ErrNoResources, "prepare write")
		}
		p = &pendingWrite{attr: attr, buf: protocol.NewReassembly(r.prepareMax)}
		r.pending[id] = p
	}
	if p.attr != attr {
		return oops.In("ble").
			With("conn_id", id).
			With("pending", p.attr.String()).
			With("attr", attr.String()).
			Wrapf(ErrAttributeMismatch, "prepare write")
	}
	if err := p.buf.Append(offset, payload); err != nil {
		r.log.Warnf("conn_id=%d prepare write rejected: offset=%d len=%d: %v", id, offset, len(payload), err)
		return oops.In("ble").
			With("conn_id", id).
			With("offset", offset).
			With("len", len(payload)).
			Wrapf(err, "prepare write")
	}
	r.log.Debugf("conn_id=%d prepare write %s offset=%d len=%d", id, attr, offset, len(payload))
	return nil
}

// OnExecuteWrite commits or cancels the pending prepare-write sequence.
func (r *Router) OnExecuteWrite(id session.ConnID, commit bool) error {
	r.mu.Lock()
	p, ok := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()

	if !ok {
		r.log.Debugf("conn_id=%d execute write without pending fragments", id)
		return nil
	}
	if !commit {
		r.log.Debugf("conn_id=%d prepare write cancelled", id)
		return nil
	}
	payload := p.buf.Bytes()
	r.log.Tracef("conn_id=%d rx (reassembled) %s", id, hex.EncodeToString(payload))
	return r.dispatch(id, p.attr, payload)
}

// OnAttributeRead returns the value served for a read of attr.
func (r *Router) OnAttributeRead(id session.ConnID, attr Attribute) ([]byte, error) {
	switch attr {
	case AttrBatteryLevel:
		return []byte{r.battery()}, nil
	case AttrSfidaToCentral:
		var value []byte
		err := r.table.Update(id, false, func(s *session.Session) error {
			value = append([]byte(nil), s.Value()...)
			return nil
		})
		if err != nil {
			return nil, err
		}
		r.log.Tracef("conn_id=%d tx (read) %s", id, hex.EncodeToString(value))
		return value, nil
	default:
		return nil, oops.In("ble").With("attr", attr.String()).Wrapf(ErrUnknownAttribute, "read")
	}
}

// RefreshBattery pushes the current battery level to the transport.
func (r *Router) RefreshBattery() error {
	return r.transport.SetAttributeValue(AttrBatteryLevel, []byte{r.battery()})
}

func (r *Router) dispatch(id session.ConnID, attr Attribute, payload []byte) error {
	switch attr {
	case AttrSfidaCommandsConfig:
		return r.onSubscribe(id, payload)
	case AttrCentralToSfida:
		return r.onHandshakeData(id, payload)
	case AttrLED:
		if r.led != nil {
			r.led.HandleLED(id, payload)
		} else {
			r.log.Debugf("conn_id=%d LED write ignored", id)
		}
		return nil
	case AttrButtonConfig:
		r.warnUnhandled("conn_id=%d unhandled %s write", id, attr)
		return nil
	case AttrBatteryLevelConfig:
		r.log.Debugf("conn_id=%d battery notifications %x", id, payload)
		return nil
	default:
		r.warnUnhandled("conn_id=%d write to unknown attribute %s", id, attr)
		return oops.In("ble").With("conn_id", id).With("attr", attr.String()).Wrapf(ErrUnknownAttribute, "write")
	}
}

func (r *Router) onSubscribe(id session.ConnID, payload []byte) error {
	value, err := protocol.ParseConfigValue(payload)
	if err != nil {
		r.log.Warnf("conn_id=%d bad config write: %v", id, err)
		return err
	}

	var res handshake.Result
	err = r.table.Update(id, true, func(s *session.Session) error {
		var err error
		res, err = r.machine.Subscribe(s, value)
		res.Value = cloneBytes(res.Value)
		return err
	})
	if err != nil {
		r.logHandshakeError(id, err)
		return err
	}
	r.apply(id, res)
	return nil
}

func (r *Router) onHandshakeData(id session.ConnID, payload []byte) error {
	var res handshake.Result
	err := r.table.Update(id, false, func(s *session.Session) error {
		var err error
		res, err = r.machine.Handle(s, payload)
		res.Value = cloneBytes(res.Value)
		return err
	})
	if err != nil {
		r.logHandshakeError(id, err)
		return err
	}
	r.apply(id, res)
	return nil
}

// apply forwards a transition's outputs to the transport and the lifecycle
// controller.
func (r *Router) apply(id session.ConnID, res handshake.Result) {
	if res.Value != nil {
		if err := r.transport.SetAttributeValue(AttrSfidaToCentral, res.Value); err != nil {
			r.log.Errorf("conn_id=%d set %s: %v", id, AttrSfidaToCentral, err)
		}
	}
	if res.Notify != nil {
		if err := r.transport.SendNotification(id, AttrSfidaCommands, res.Notify); err != nil {
			r.log.Errorf("conn_id=%d notify %s: %v", id, AttrSfidaCommands, err)
		}
	}

	switch res.Event {
	case handshake.EventFirstEstablished:
		r.controller.OnFirstHandshakeEstablished(id)
		r.controller.AdvertiseIfNeeded()
	case handshake.EventReconnectEstablished:
		r.controller.OnReconnectEstablished(id)
		r.controller.AdvertiseIfNeeded()
	}
}

func (r *Router) logHandshakeError(id session.ConnID, err error) {
	switch {
	case errors.Is(err, session.ErrTableFull):
		r.log.Errorf("conn_id=%d no free session slot: %v", id, err)
	case errors.Is(err, session.ErrNotFound):
		r.log.Warnf("conn_id=%d handshake data from unknown connection", id)
	case errors.Is(err, handshake.ErrUnexpectedState):
		r.warnUnhandled("conn_id=%d unhandled: %v", id, err)
	default:
		r.log.Warnf("conn_id=%d %v", id, err)
	}
}

func (r *Router) warnUnhandled(format string, args ...any) {
	r.unhandled.Do(func() {
		r.log.Warnf(format, args...)
	})
}

func (r *Router) dropPending(id session.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

func cloneBytes(p []byte) []byte {
	if p == nil {
		return nil
	}
	return append([]byte(nil), p...)
}
