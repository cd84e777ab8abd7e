package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/chaz8081/pgpemu/internal/config"
	"github.com/chaz8081/pgpemu/internal/secrets"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newSecretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage device secrets slots",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List all slots",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				cfg, store, err := openStore()
				if err != nil {
					return err
				}
				for _, slot := range store.List() {
					line := slot.String()
					switch {
					case slot.ID == cfg.ChosenDevice:
						color.Green("* %s", line)
					case slot.Device == nil:
						color.New(color.Faint).Printf("  %s\n", line)
					default:
						fmt.Printf("  %s\n", line)
					}
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "show SLOT",
			Short: "Show one slot",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				id, err := parseSlot(args[0])
				if err != nil {
					return err
				}
				_, store, err := openStore()
				if err != nil {
					return err
				}
				d, err := store.Get(id)
				if err != nil {
					return err
				}
				fmt.Printf("Slot:   %d\n", id)
				fmt.Printf("Name:   %s\n", d.Name)
				fmt.Printf("MAC:    %s\n", d.MACString())
				fmt.Printf("CRC32:  %08x\n", d.CRC32())
				return nil
			},
		},
		newSecretsSetCmd(),
		&cobra.Command{
			Use:   "delete SLOT",
			Short: "Clear one slot",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				id, err := parseSlot(args[0])
				if err != nil {
					return err
				}
				_, store, err := openStore()
				if err != nil {
					return err
				}
				if err := store.Delete(id); err != nil {
					return err
				}
				color.Green("[OK] deleted slot %d", id)
				return nil
			},
		},
	)
	return cmd
}

func newSecretsSetCmd() *cobra.Command {
	var name, mac, key, blob string
	cmd := &cobra.Command{
		Use:   "set SLOT",
		Short: "Write secrets into a slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parseSlot(args[0])
			if err != nil {
				return err
			}
			d, err := deviceFromFlags(name, mac, key, blob)
			if err != nil {
				return err
			}
			_, store, err := openStore()
			if err != nil {
				return err
			}
			if err := store.Put(id, d); err != nil {
				return err
			}
			color.Green("[OK] wrote secrets to slot %d, crc=%08x", id, d.CRC32())
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", fmt.Sprintf("clone name (max %d chars)", secrets.MaxNameLen))
	cmd.Flags().StringVar(&mac, "mac", "", "device MAC, e.g. 7c:bb:8a:01:02:03")
	cmd.Flags().StringVar(&key, "key", "", "device key, 16 bytes hex")
	cmd.Flags().StringVar(&blob, "blob", "", "device blob, 256 bytes hex, or @file with raw bytes")
	for _, f := range []string{"name", "mac", "key", "blob"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func deviceFromFlags(name, mac, key, blob string) (secrets.Device, error) {
	d := secrets.Device{Name: name}

	m, err := secrets.ParseMAC(mac)
	if err != nil {
		return d, err
	}
	d.MAC = m

	k, err := secrets.ParseHex(key, secrets.KeySize)
	if err != nil {
		return d, fmt.Errorf("--key: %w", err)
	}
	copy(d.Key[:], k)

	var b []byte
	if len(blob) > 1 && blob[0] == '@' {
		b, err = os.ReadFile(blob[1:])
		if err != nil {
			return d, fmt.Errorf("reading blob: %w", err)
		}
		if len(b) != secrets.BlobSize {
			return d, fmt.Errorf("blob file must be %d bytes, got %d", secrets.BlobSize, len(b))
		}
	} else {
		b, err = secrets.ParseHex(blob, secrets.BlobSize)
		if err != nil {
			return d, fmt.Errorf("--blob: %w", err)
		}
	}
	copy(d.Blob[:], b)

	return d, d.Validate()
}

func openStore() (*config.Config, *secrets.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := secrets.Open(secrets.StoreConfig{
		Path:          cfg.SecretsPath,
		LoggerFactory: cfg.NewLoggerFactory(os.Stderr),
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func parseSlot(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id < 0 || id >= secrets.Slots {
		return 0, fmt.Errorf("slot must be 0-%d, got %q", secrets.Slots-1, s)
	}
	return id, nil
}
