// Package ble carries SMP over Bluetooth Low Energy using the SMP GATT
// service.
package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/vitaminmoo/smp-tool/internal/protocol"
)

// ErrNotFound is returned when no matching device advertises in time.
var ErrNotFound = errors.New("ble: device not found")

// Config selects the device to connect to.
type Config struct {
	// Name matches the advertised local name, case-insensitively. An empty
	// name matches any device advertising the SMP service.
	Name string
	// Address, when set, must equal the device address.
	Address string

	ScanTimeout time.Duration
	Scheme      protocol.Scheme

	// Reconnect keeps retrying after the device drops the connection.
	Reconnect      bool
	ReconnectDelay time.Duration
}

var (
	smpService = mustParseUUID(SMPServiceUUID)
	smpChar    = mustParseUUID(SMPCharUUID)
)

func mustParseUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Connect scans for the device in cfg, connects, and sets up the SMP
// characteristic. The returned link reconnects in the background when
// cfg.Reconnect is set, until it is closed.
func Connect(ctx context.Context, cfg Config, log *zap.Logger) (*Link, error) {
	if err := checkScheme(cfg.Scheme); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}

	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable bluetooth: %w", err)
	}

	addr, err := scan(ctx, adapter, cfg, log)
	if err != nil {
		return nil, err
	}

	l := newLink(cfg.Scheme, log)
	c := &connector{adapter: adapter, addr: addr, cfg: cfg, link: l, log: log}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	l.closer = c.close

	adapter.SetConnectHandler(c.onConnectChange)

	if err := c.connect(); err != nil {
		c.cancel()
		return nil, err
	}
	return l, nil
}

func scan(ctx context.Context, adapter *bluetooth.Adapter, cfg Config, log *zap.Logger) (bluetooth.Address, error) {
	log.Info("scanning for device", zap.String("name", cfg.Name), zap.String("address", cfg.Address))

	sctx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()
	go func() {
		<-sctx.Done()
		adapter.StopScan()
	}()

	var found bluetooth.ScanResult
	var ok bool
	err := adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		name := result.LocalName()
		if name != "" {
			log.Debug("advertisement", zap.String("name", name), zap.String("address", result.Address.String()), zap.Int16("rssi", result.RSSI))
		}
		if !matches(cfg, name, result.Address.String(), result.HasServiceUUID(smpService)) {
			return
		}
		found, ok = result, true
		adapter.StopScan()
	})
	if err != nil {
		return bluetooth.Address{}, fmt.Errorf("scan: %w", err)
	}
	if !ok {
		if ctx.Err() != nil {
			return bluetooth.Address{}, ctx.Err()
		}
		return bluetooth.Address{}, ErrNotFound
	}
	return found.Address, nil
}

// matches applies the Config selection rules to one advertisement.
func matches(cfg Config, name, addr string, hasSMP bool) bool {
	if cfg.Address != "" && !strings.EqualFold(cfg.Address, addr) {
		return false
	}
	if cfg.Name != "" {
		return strings.EqualFold(cfg.Name, name)
	}
	return cfg.Address != "" || hasSMP
}

// connector owns the device connection and its reconnect loop.
type connector struct {
	adapter *bluetooth.Adapter
	addr    bluetooth.Address
	cfg     Config
	link    *Link
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	device       bluetooth.Device
	hasDevice    bool
	reconnecting bool
}

func (c *connector) connect() error {
	c.log.Info("connecting", zap.String("address", c.addr.String()))
	device, err := c.adapter.Connect(c.addr, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.addr.String(), err)
	}

	char, mtu, err := setup(device, c.link, c.log)
	if err != nil {
		device.Disconnect()
		return err
	}

	c.mu.Lock()
	c.device, c.hasDevice = device, true
	c.mu.Unlock()

	c.link.attach(char, mtu)
	c.log.Info("connected", zap.String("address", c.addr.String()), zap.Int("mtu", mtu))
	c.link.NotifyConnected()
	return nil
}

// setup finds the SMP characteristic and subscribes to its notifications.
func setup(device bluetooth.Device, l *Link, log *zap.Logger) (bluetooth.DeviceCharacteristic, int, error) {
	services, err := device.DiscoverServices([]bluetooth.UUID{smpService})
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, 0, fmt.Errorf("discover services: %w", err)
	}
	if len(services) == 0 {
		return bluetooth.DeviceCharacteristic{}, 0, errors.New("smp service not found")
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{smpChar})
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, 0, fmt.Errorf("discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return bluetooth.DeviceCharacteristic{}, 0, errors.New("smp characteristic not found")
	}
	char := chars[0]

	if err := char.EnableNotifications(l.onNotify); err != nil {
		return bluetooth.DeviceCharacteristic{}, 0, fmt.Errorf("enable notifications: %w", err)
	}

	mtu := defaultMTU
	if m, err := char.GetMTU(); err == nil && m > 0 {
		mtu = int(m)
	} else if err != nil {
		log.Debug("mtu unavailable, using default", zap.Error(err))
	}
	return char, mtu, nil
}

func (c *connector) onConnectChange(device bluetooth.Device, connected bool) {
	if device.Address.String() != c.addr.String() || connected {
		return
	}
	if !c.link.detach() {
		return
	}
	c.log.Warn("device disconnected", zap.String("address", c.addr.String()))
	c.link.NotifyDisconnected()

	if c.cfg.Reconnect && c.ctx.Err() == nil {
		go c.reconnect()
	}
}

func (c *connector) reconnect() {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.hasDevice = false
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for attempt := 1; ; attempt++ {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}
		err := c.connect()
		if err == nil {
			return
		}
		c.log.Debug("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

func (c *connector) close() error {
	c.cancel()
	c.mu.Lock()
	device, ok := c.device, c.hasDevice
	c.hasDevice = false
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return device.Disconnect()
}
