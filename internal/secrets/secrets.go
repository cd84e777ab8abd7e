// Package secrets stores the cloned device identities the emulator can
// present: a name, the 6-byte device MAC, the 16-byte device key and the
// 256-byte certificate blob, in numbered slots.
package secrets

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pion/logging"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// Sizes of the device secrets.
const (
	Slots       = 10
	MaxNameLen  = 15
	MACSize     = 6
	KeySize     = 16
	BlobSize    = 256
	filePerm    = 0o600
	dirPerm     = 0o700
	emptyMarker = "(none)"
)

// Secrets errors.
var (
	ErrInvalidSlot   = errors.New("secrets: invalid slot")
	ErrEmptySlot     = errors.New("secrets: empty slot")
	ErrInvalidDevice = errors.New("secrets: invalid device")
)

// Device is one cloned accessory identity.
type Device struct {
	Name string
	MAC  [MACSize]byte
	Key  [KeySize]byte
	Blob [BlobSize]byte
}

// CRC32 returns the IEEE CRC-32 of mac|key|blob, matching the checksum
// printed by the upload tooling.
func (d Device) CRC32() uint32 {
	h := crc32.NewIEEE()
	h.Write(d.MAC[:])
	h.Write(d.Key[:])
	h.Write(d.Blob[:])
	return h.Sum32()
}

// MACString formats the MAC as colon-separated hex.
func (d Device) MACString() string {
	parts := make([]string, MACSize)
	for i, b := range d.MAC {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

// Validate checks that the device can be used.
func (d Device) Validate() error {
	if d.Name == "" || len(d.Name) > MaxNameLen {
		return oops.In("secrets").With("name", d.Name).Wrapf(ErrInvalidDevice, "name must be 1-%d bytes", MaxNameLen)
	}
	if d.Key == ([KeySize]byte{}) {
		return oops.In("secrets").With("name", d.Name).Wrapf(ErrInvalidDevice, "device key is all zero")
	}
	return nil
}

// Slot is a listing entry.
type Slot struct {
	ID     int
	Device *Device // nil when empty
}

// String formats the slot like the firmware's slot listing.
func (s Slot) String() string {
	if s.Device == nil {
		return fmt.Sprintf("%d: %s", s.ID, emptyMarker)
	}
	return fmt.Sprintf("%d: device=%s mac=%s crc=%08x", s.ID, s.Device.Name, s.Device.MACString(), s.Device.CRC32())
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Path string

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// Store is a YAML file of device slots.
type Store struct {
	path  string
	slots [Slots]*Device
	log   logging.LeveledLogger
}

type fileFormat struct {
	Slots map[int]deviceRecord `yaml:"slots"`
}

type deviceRecord struct {
	Name string `yaml:"name"`
	MAC  string `yaml:"mac"`
	Key  string `yaml:"key"`
	Blob string `yaml:"blob"`
}

// Open loads the store at config.Path. A missing file yields an empty store.
func Open(config StoreConfig) (*Store, error) {
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	s := &Store{
		path: config.Path,
		log:  config.LoggerFactory.NewLogger("secrets"),
	}

	data, err := os.ReadFile(config.Path)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Debugf("no secrets file at %s", config.Path)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	for id, rec := range f.Slots {
		if err := checkSlot(id); err != nil {
			return nil, err
		}
		d, err := rec.device()
		if err != nil {
			return nil, oops.In("secrets").With("slot", id).Wrapf(err, "slot %d", id)
		}
		s.slots[id] = d
	}
	return s, nil
}

// List returns every slot in order.
func (s *Store) List() []Slot {
	out := make([]Slot, Slots)
	for i, d := range s.slots {
		out[i] = Slot{ID: i, Device: d}
	}
	return out
}

// Get returns the device in slot id.
func (s *Store) Get(id int) (Device, error) {
	if err := checkSlot(id); err != nil {
		return Device{}, err
	}
	if s.slots[id] == nil {
		return Device{}, oops.In("secrets").With("slot", id).Wrapf(ErrEmptySlot, "get")
	}
	return *s.slots[id], nil
}

// Put stores d in slot id and saves the file.
func (s *Store) Put(id int, d Device) error {
	if err := checkSlot(id); err != nil {
		return err
	}
	if err := d.Validate(); err != nil {
		return err
	}
	s.slots[id] = &d
	if err := s.Save(); err != nil {
		return err
	}
	s.log.Debugf("wrote secrets to slot %d, crc=%08x", id, d.CRC32())
	return nil
}

// Delete clears slot id and saves the file.
func (s *Store) Delete(id int) error {
	if err := checkSlot(id); err != nil {
		return err
	}
	s.slots[id] = nil
	if err := s.Save(); err != nil {
		return err
	}
	s.log.Debugf("deleted secrets slot %d", id)
	return nil
}

// Save writes the store to its path.
func (s *Store) Save() error {
	f := fileFormat{Slots: make(map[int]deviceRecord)}
	for id, d := range s.slots {
		if d != nil {
			f.Slots[id] = recordOf(d)
		}
	}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("encoding secrets: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), dirPerm); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, filePerm); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	return nil
}

// Occupied returns the IDs of non-empty slots.
func (s *Store) Occupied() []int {
	var ids []int
	for i, d := range s.slots {
		if d != nil {
			ids = append(ids, i)
		}
	}
	sort.Ints(ids)
	return ids
}

// ParseMAC parses colon- or dash-separated hex, or 12 bare hex digits.
func ParseMAC(s string) ([MACSize]byte, error) {
	var mac [MACSize]byte
	clean := strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(s))
	b, err := hex.DecodeString(clean)
	if err != nil || len(b) != MACSize {
		return mac, oops.In("secrets").With("mac", s).Wrapf(ErrInvalidDevice, "mac must be %d hex bytes", MACSize)
	}
	copy(mac[:], b)
	return mac, nil
}

// ParseHex decodes exactly n hex-encoded bytes.
func ParseHex(s string, n int) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, oops.In("secrets").Wrapf(ErrInvalidDevice, "bad hex: %v", err)
	}
	if len(b) != n {
		return nil, oops.In("secrets").With("len", len(b)).Wrapf(ErrInvalidDevice, "want %d bytes", n)
	}
	return b, nil
}

func (r deviceRecord) device() (*Device, error) {
	d := &Device{Name: r.Name}
	mac, err := ParseMAC(r.MAC)
	if err != nil {
		return nil, err
	}
	d.MAC = mac
	key, err := ParseHex(r.Key, KeySize)
	if err != nil {
		return nil, err
	}
	copy(d.Key[:], key)
	blob, err := ParseHex(r.Blob, BlobSize)
	if err != nil {
		return nil, err
	}
	copy(d.Blob[:], blob)
	return d, nil
}

func recordOf(d *Device) deviceRecord {
	return deviceRecord{
		Name: d.Name,
		MAC:  d.MACString(),
		Key:  hex.EncodeToString(d.Key[:]),
		Blob: hex.EncodeToString(d.Blob[:]),
	}
}

func checkSlot(id int) error {
	if id < 0 || id >= Slots {
		return oops.In("secrets").With("slot", id).Wrapf(ErrInvalidSlot, "slot must be 0-%d", Slots-1)
	}
	return nil
}
