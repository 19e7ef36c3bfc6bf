package commands

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/vitaminmoo/smp-tool/internal/api"
	"github.com/vitaminmoo/smp-tool/internal/ble"
	"github.com/vitaminmoo/smp-tool/internal/config"
	"github.com/vitaminmoo/smp-tool/internal/serial"
	"github.com/vitaminmoo/smp-tool/internal/transport"
	"github.com/vitaminmoo/smp-tool/internal/udp"
)

// Session is an open connection to one device.
type Session struct {
	Link       transport.Link
	Dispatcher *transport.Dispatcher
	Client     *api.Client

	// Device names the device for saved sessions and messages.
	Device string

	cfg *config.Config
	log *zap.Logger

	// events is set for links that report connection changes themselves.
	events transport.Observable
}

// Connect opens the link selected by cfg.
func Connect(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	scheme, err := cfg.Scheme()
	if err != nil {
		return nil, err
	}

	s := &Session{cfg: cfg, log: log}
	t := cfg.Transport
	switch t.Kind {
	case "ble":
		l, err := ble.Connect(ctx, ble.Config{
			Name:        t.BLE.Name,
			Address:     t.BLE.Address,
			ScanTimeout: t.BLE.ScanTimeout,
			Scheme:      scheme,
			Reconnect:   t.BLE.Reconnect,
		}, log.Named("ble"))
		if err != nil {
			return nil, err
		}
		s.Link, s.events = l, l
		s.Device = firstNonEmpty(t.BLE.Address, t.BLE.Name, "ble")
	case "serial":
		if t.Serial.Port == "" {
			return nil, fmt.Errorf("no serial port configured (use --device)")
		}
		l, err := serial.Open(serial.Config{Port: t.Serial.Port, Baud: t.Serial.Baud, MTU: t.Serial.MTU}, log.Named("serial"))
		if err != nil {
			return nil, err
		}
		s.Link = l
		s.Device = t.Serial.Port
	case "udp":
		if t.UDP.Addr == "" {
			return nil, fmt.Errorf("no udp address configured (use --device)")
		}
		l, err := udp.Dial(ctx, udp.Config{Addr: t.UDP.Addr, MTU: t.UDP.MTU, Scheme: scheme}, log.Named("udp"))
		if err != nil {
			return nil, err
		}
		s.Link = l
		s.Device = t.UDP.Addr
	default:
		return nil, fmt.Errorf("unknown transport %q", t.Kind)
	}

	s.Dispatcher = transport.NewDispatcher(s.Link,
		transport.WithLogger(log.Named("dispatch")),
		transport.WithTimeout(t.Timeout))
	s.Client = api.New(s.Dispatcher)
	s.Client.SetTimeout(t.Timeout)
	config.Debugf("connected to %s over %s (%s, mtu %d)", s.Device, t.Kind, scheme, s.Link.MaxWriteSize())
	return s, nil
}

// Watch returns a source of connection events valid until ctx ends. Links
// without events of their own get a poller that checks the device with
// echo, running only until ctx ends.
func (s *Session) Watch(ctx context.Context) transport.Observable {
	if s.events != nil {
		return s.events
	}
	echo := func(ctx context.Context) error {
		_, err := s.Client.Echo(ctx, "")
		return err
	}
	p := transport.NewPoller(echo, s.cfg.Transport.PollInterval, s.log.Named("poll"))
	go p.Run(ctx)
	return p
}

// Close closes the dispatcher and link.
func (s *Session) Close() error {
	s.Dispatcher.Close()
	return s.Link.Close()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
