package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/pgpemu/internal/ble"
	blecrypto "github.com/chaz8081/pgpemu/internal/ble/crypto"
	"github.com/chaz8081/pgpemu/internal/config"
	"github.com/chaz8081/pgpemu/internal/handshake"
	"github.com/chaz8081/pgpemu/internal/indicator"
	"github.com/chaz8081/pgpemu/internal/lifecycle"
	"github.com/chaz8081/pgpemu/internal/secrets"
	"github.com/chaz8081/pgpemu/internal/session"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Serve the emulated accessory until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			printBanner(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	factory := cfg.NewLoggerFactory(os.Stderr)
	log := factory.NewLogger("pgpemu")

	ind := indicator.New(indicator.Config{LoggerFactory: factory})

	store, err := secrets.Open(secrets.StoreConfig{Path: cfg.SecretsPath, LoggerFactory: factory})
	if err != nil {
		ind.Fault()
		return err
	}
	dev, err := store.Get(cfg.ChosenDevice)
	if errors.Is(err, secrets.ErrEmptySlot) {
		ind.Fault()
		return fmt.Errorf("no secrets in slot %d, add them with 'pgpemu secrets set %d'", cfg.ChosenDevice, cfg.ChosenDevice)
	}
	if err != nil {
		ind.Fault()
		return err
	}
	log.Infof("using secrets: %s (mac %s, crc %08x)", dev.Name, dev.MACString(), dev.CRC32())

	cert, err := blecrypto.NewCert(dev.Key, dev.Blob)
	if err != nil {
		ind.Fault()
		return err
	}
	machine, err := handshake.New(handshake.Config{
		Primitives:       cert,
		DebugFixedValues: cfg.Handshake.DebugFixedValues,
		DeviceMAC:        dev.MAC,
		LoggerFactory:    factory,
	})
	if err != nil {
		ind.Fault()
		return err
	}

	table := session.NewTable(session.TableConfig{
		Capacity:      cfg.BLE.MaxConnections,
		LoggerFactory: factory,
	})

	periph := ble.NewPeripheral(ble.PeripheralConfig{
		LocalName:     cfg.BLE.LocalName,
		LoggerFactory: factory,
	})
	advertising := ble.NewAdvertisingPolicy(ble.AdvertisingConfig{
		Target:        cfg.BLE.TargetActiveConnections,
		Advertise:     periph.Advertise,
		LoggerFactory: factory,
	})
	controller := lifecycle.NewController(lifecycle.ControllerConfig{
		Table:           table,
		Advertiser:      advertising,
		Indicator:       ind,
		CountReconnects: cfg.Handshake.CountReconnects,
		LoggerFactory:   factory,
	})
	router, err := ble.NewRouter(ble.RouterConfig{
		Table:      table,
		Machine:    machine,
		Controller: controller,
		Transport:  periph,
		LED: indicator.NewPatternLogger(indicator.PatternConfig{
			Indicator:        ind,
			ShowInteractions: cfg.LEDInteractions,
			LoggerFactory:    factory,
		}),
		PrepareBufferSize: cfg.BLE.PrepareBufferSize,
		LoggerFactory:     factory,
	})
	if err != nil {
		ind.Fault()
		return err
	}
	periph.SetRouter(router)

	if err := periph.Enable(); err != nil {
		ind.Fault()
		return fmt.Errorf("enabling bluetooth: %w", err)
	}
	if err := router.RefreshBattery(); err != nil {
		log.Warnf("setting battery level: %v", err)
	}

	ind.ReadyFlash()
	controller.AdvertiseIfNeeded()

	monitor := lifecycle.NewMonitor(lifecycle.MonitorConfig{
		Table:            table,
		Controller:       controller,
		Disconnector:     periph,
		Interval:         cfg.Monitor.Interval,
		HandshakeTimeout: cfg.Handshake.Timeout,
		LoggerFactory:    factory,
	})
	done := make(chan error, 1)
	go func() { done <- monitor.Run(ctx) }()

	stopDump := notifyDump(table.Dump)
	defer stopDump()

	log.Info("ready, Ctrl+C to quit")
	<-ctx.Done()
	log.Info("shutting down")

	<-done
	if err := periph.StopAdvertising(); err != nil {
		log.Warnf("stopping advertising: %v", err)
	}
	return nil
}
