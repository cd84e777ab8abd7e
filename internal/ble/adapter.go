// Package ble exposes the emulated accessory over Bluetooth Low Energy. It
// declares the GATT attributes the accessory serves, routes transport events
// into the session table and handshake machine, and adapts
// tinygo.org/x/bluetooth as the transport.
package ble

import (
	"errors"
	"fmt"

	"github.com/chaz8081/pgpemu/internal/session"
)

// Service and characteristic UUIDs of the accessory.
const (
	CertificateServiceUUID = "bbe87709-5b89-4433-ab7f-8b8eef0d8e37"
	CentralToSfidaCharUUID = "bbe87709-5b89-4433-ab7f-8b8eef0d8e38"
	SfidaCommandsCharUUID  = "bbe87709-5b89-4433-ab7f-8b8eef0d8e39"
	SfidaToCentralCharUUID = "bbe87709-5b89-4433-ab7f-8b8eef0d8e3a"

	LEDButtonServiceUUID    = "21c50462-67cb-63a3-5c4c-82b5b9939aeb"
	LEDCharUUID             = "21c50462-67cb-63a3-5c4c-82b5b9939aec"
	ButtonCharUUID          = "21c50462-67cb-63a3-5c4c-82b5b9939aed"
	UnknownCharUUID         = "21c50462-67cb-63a3-5c4c-82b5b9939aee"
	UpdateRequestCharUUID   = "21c50462-67cb-63a3-5c4c-82b5b9939aef"
	FirmwareVersionCharUUID = "21c50462-67cb-63a3-5c4c-82b5b9939af0"

	BatteryServiceUUID16   uint16 = 0x180f
	BatteryLevelCharUUID16 uint16 = 0x2a19
)

// Attribute identifies a GATT attribute the router recognises.
type Attribute uint8

const (
	AttrUnknown Attribute = iota
	AttrBatteryLevel
	AttrBatteryLevelConfig
	AttrLED
	AttrButton
	AttrButtonConfig
	AttrUnknownChar
	AttrUpdateRequest
	AttrFirmwareVersion
	AttrCentralToSfida
	AttrSfidaCommands
	AttrSfidaCommandsConfig
	AttrSfidaToCentral
)

var attributeNames = map[Attribute]string{
	AttrBatteryLevel:        "BATTERY_LEVEL",
	AttrBatteryLevelConfig:  "BATTERY_LEVEL_CFG",
	AttrLED:                 "LED",
	AttrButton:              "BUTTON",
	AttrButtonConfig:        "BUTTON_CFG",
	AttrUnknownChar:         "UNKNOWN",
	AttrUpdateRequest:       "UPDATE_REQUEST",
	AttrFirmwareVersion:     "FW_VERSION",
	AttrCentralToSfida:      "CENTRAL_TO_SFIDA",
	AttrSfidaCommands:       "SFIDA_COMMANDS",
	AttrSfidaCommandsConfig: "SFIDA_COMMANDS_CFG",
	AttrSfidaToCentral:      "SFIDA_TO_CENTRAL",
}

// String returns the attribute name used in logs.
func (a Attribute) String() string {
	if name, ok := attributeNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Attribute(%d)", uint8(a))
}

// ErrUnknownAttribute is returned for events on attributes the router does
// not serve.
var ErrUnknownAttribute = errors.New("ble: unknown attribute")

// ErrAttributeMismatch is returned when a prepare-write sequence switches
// attributes before it is executed.
var ErrAttributeMismatch = errors.New("ble: prepare write attribute mismatch")

// Transport is the GATT server the router drives.
type Transport interface {
	// SetAttributeValue replaces the stored value of attr.
	SetAttributeValue(attr Attribute, value []byte) error
	// SendNotification notifies the peer on attr.
	SendNotification(id session.ConnID, attr Attribute, value []byte) error
}

// LEDHandler receives LED pattern writes from the peer.
type LEDHandler interface {
	HandleLED(id session.ConnID, payload []byte)
}

// BatteryFunc reports the battery level in percent.
type BatteryFunc func() uint8
