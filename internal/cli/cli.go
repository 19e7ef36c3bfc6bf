package cli

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/vitaminmoo/smp-tool/internal/commands"
	"github.com/vitaminmoo/smp-tool/internal/config"
	"github.com/vitaminmoo/smp-tool/internal/firmware"
	"github.com/vitaminmoo/smp-tool/internal/observability"
	"github.com/vitaminmoo/smp-tool/internal/protocol"
)

// CLI is the root command structure for smp.
type CLI struct {
	Verbose   bool          `short:"v" help:"Enable verbose debug output"`
	Config    string        `help:"Config file (default: smp.yaml in ., ./configs or ~/.smp)" type:"path" env:"SMP_CONFIG"`
	Transport string        `short:"t" help:"Transport: ble, serial or udp"`
	Device    string        `short:"d" help:"BLE name or address, serial port, or UDP host[:port]"`
	Scheme    string        `help:"Wire scheme: standard, coap-ble or coap-udp"`
	Timeout   time.Duration `help:"Per-request timeout"`

	Echo     EchoCmd     `cmd:"" help:"Send text and print the device's echo"`
	Reset    ResetCmd    `cmd:"" help:"Reset the device"`
	Datetime DatetimeCmd `cmd:"" help:"Read or set the device clock"`
	Tasks    TasksCmd    `cmd:"" help:"Show task statistics"`
	Mpstat   MpstatCmd   `cmd:"" help:"Show memory pool statistics"`
	Params   ParamsCmd   `cmd:"" help:"Show SMP buffer parameters"`
	Osinfo   OsinfoCmd   `cmd:"" help:"Show OS information"`

	Image    ImageCmd    `cmd:"" help:"Firmware image operations"`
	Fs       FsCmd       `cmd:"" help:"File system operations"`
	Logs     LogsCmd     `cmd:"" help:"Device log operations"`
	Stats    StatsCmd    `cmd:"" help:"Statistics groups"`
	Raw      RawCmd      `cmd:"" help:"Send an arbitrary command"`
	Sessions SessionsCmd `cmd:"" help:"Saved transfer sessions"`
	Cfg      ConfigCmd   `cmd:"" name:"config" help:"Configuration file"`
	Debug    DebugCmd    `cmd:"" help:"Offline packet tools"`
}

// load reads the config file and applies flag overrides.
func (g *CLI) load() (*config.Config, error) {
	config.Verbose = g.Verbose
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	t := &cfg.Transport
	if g.Transport != "" {
		t.Kind = g.Transport
	}
	if g.Scheme != "" {
		t.Scheme = g.Scheme
	}
	if g.Timeout > 0 {
		t.Timeout = g.Timeout
	}
	if g.Device != "" {
		switch t.Kind {
		case "ble":
			if _, err := net.ParseMAC(g.Device); err == nil {
				t.BLE.Address, t.BLE.Name = g.Device, ""
			} else {
				t.BLE.Name, t.BLE.Address = g.Device, ""
			}
		case "serial":
			t.Serial.Port = g.Device
		case "udp":
			t.UDP.Addr = g.Device
		}
	}
	return cfg, nil
}

// setup loads the config and installs the logger.
func (g *CLI) setup() (*config.Config, *zap.Logger, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, nil, err
	}
	log, err := observability.SetupLogger(cfg.Log, g.Verbose)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// withSession connects to the device and runs fn.
func (g *CLI) withSession(ctx context.Context, fn func(*commands.Session, *config.Config) error) error {
	cfg, log, err := g.setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	s, err := commands.Connect(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer s.Close()
	return fn(s, cfg)
}

// --- OS Commands ---

type EchoCmd struct {
	Text string `arg:"" help:"Text to echo"`
}

func (c *EchoCmd) Run(ctx context.Context, g *CLI) error {
	return g.withSession(ctx, func(s *commands.Session, _ *config.Config) error {
		return commands.Echo(ctx, s.Client, c.Text)
	})
}

type ResetCmd struct {
	Force bool `help:"Reset even if the device would refuse"`
}

func (c *ResetCmd) Run(ctx context.Context, g *CLI) error {
	return g.withSession(ctx, func(s *commands.Session, _ *config.Config) error {
		return commands.Reset(ctx, s.Client, c.Force)
	})
}

type DatetimeCmd struct {
	Set string `help:"Set the clock to an RFC 3339 time" xor:"set"`
	Now bool   `help:"Set the clock to the host time" xor:"set"`
}

func (c *DatetimeCmd) Run(ctx context.Context, g *CLI) error {
	var set time.Time
	switch {
	case c.Now:
		set = time.Now()
	case c.Set != "":
		var err error
		if set, err = time.Parse(time.RFC3339, c.Set); err != nil {
			return fmt.Errorf("invalid time %q: %w", c.Set, err)
		}
	}
	return g.withSession(ctx, func(s *commands.Session, _ *config.Config) error {
		return commands.DateTime(ctx, s.Client, set)
	})
}

type TasksCmd struct{}

func (c *TasksCmd) Run(ctx context.Context, g *CLI) error {
	return g.withSession(ctx, func(s *commands.Session, _ *config.Config) error {
		return commands.Tasks(ctx, s.Client)
	})
}

type MpstatCmd struct{}

func (c *MpstatCmd) Run(ctx context.Context, g *CLI) error {
	return g.withSession(ctx, func(s *commands.Session, _ *config.Config) error {
		return commands.MemPools(ctx, s.Client)
	})
}

type ParamsCmd struct{}

func (c *ParamsCmd) Run(ctx context.Context, g *CLI) error {
	return g.withSession(ctx, func(s *commands.Session, _ *config.Config) error {
		return commands.Params(ctx, s.Client)
	})
}

type OsinfoCmd struct {
	Format string `help:"Format string, e.g. 'snrvmpio' (default: device choice)"`
}

func (c *OsinfoCmd) Run(ctx context.Context, g *CLI) error {
	return g.withSession(ctx, func(s *commands.Session, _ *config.Config) error {
		return commands.OSInfo(ctx, s.Client, c.Format)
	})
}

// --- Image Commands ---

type ImageCmd struct {
	List    ImageListCmd    `cmd:"" help:"List image slots"`
	Test    ImageTestCmd    `cmd:"" help:"Mark an image for a test boot"`
	Confirm ImageConfirmCmd `cmd:"" help:"Make an image permanent"`
	Erase   ImageEraseCmd   `cmd:"" help:"Erase an image slot"`
	Upgrade ImageUpgradeCmd `cmd:"" help:"Upload and install a firmware image"`
}

type ImageListCmd struct{}

func (c *ImageListCmd) Run(ctx context.Context, g *CLI) error {
	return g.withSession(ctx, func(s *commands.Session, _ *config.Config) error {
		return commands.ImageList(ctx, s.Client)
	})
}

type ImageTestCmd struct {
	Hash string `arg:"" help:"Image hash (hex)"`
}

func (c *ImageTestCmd) Run(ctx context.Context, g *CLI) error {
	return g.withSession(ctx, func(s *commands.Session, _ *config.Config) error {
		return commands.ImageTest(ctx, s.Client, c.Hash)
	})
}

type ImageConfirmCmd struct {
	Hash string `arg:"" optional:"" help:"Image hash (hex); default is the running image"`
}

func (c *ImageConfirmCmd) Run(ctx context.Context, g *CLI) error {
	return g.withSession(ctx, func(s *commands.Session, _ *config.Config) error {
		return commands.ImageConfirm(ctx, s.Client, c.Hash)
	})
}

type ImageEraseCmd struct {
	Slot int  `help:"Slot to erase (default: the inactive slot)" default:"-1"`
	Yes  bool `short:"y" help:"Skip confirmation"`
}

func (c *ImageEraseCmd) Run(ctx context.Context, g *CLI) error {
	return g.withSession(ctx, func(s *commands.Session, _ *config.Config) error {
		return commands.ImageErase(ctx, s.Client, c.Slot, c.Yes)
	})
}

type ImageUpgradeCmd struct {
	File      string `arg:"" help:"MCUboot image file" type:"existingfile"`
	Mode      string `help:"test-and-confirm, test-only or confirm-only (default from config)"`
	Image     int    `help:"Image number on multi-image devices" default:"0"`
	ChunkSize int    `help:"Upload chunk size in bytes (default: derived from the link MTU)"`
	Retries   int    `help:"Retries per chunk or command after a transport error" default:"-1"`
	Fresh     bool   `help:"Ignore any saved session and upload from the start"`
	Plain     bool   `help:"Print progress lines instead of the interactive view"`
}

func (c *ImageUpgradeCmd) Run(ctx context.Context, g *CLI) error {
	return g.withSession(ctx, func(s *commands.Session, cfg *config.Config) error {
		mode := cfg.Upgrade.Mode
		if c.Mode != "" {
			mode = c.Mode
		}
		m, err := firmware.ParseMode(mode)
		if err != nil {
			return err
		}
		st, err := commands.OpenStore(cfg.StoreDir)
		if err != nil {
			return err
		}
		return commands.ImageUpgrade(ctx, s, st, commands.UpgradeOptions{
			File:         c.File,
			Image:        c.Image,
			Mode:         m,
			ChunkSize:    pick(c.ChunkSize, cfg.Upgrade.ChunkSize, 0),
			RetryLimit:   pick(c.Retries, cfg.Upgrade.RetryLimit, -1),
			ResetTimeout: cfg.Upgrade.ResetTimeout,
			Fresh:        c.Fresh,
			Plain:        c.Plain,
		})
	})
}

// pick returns flag unless it holds the unset value, else fallback.
func pick(flag, fallback, unset int) int {
	if flag == unset {
		return fallback
	}
	return flag
}

// --- File System Commands ---

type FsCmd struct {
	Upload   FsUploadCmd   `cmd:"" help:"Upload a file to the device"`
	Download FsDownloadCmd `cmd:"" help:"Download a file from the device"`
	Stat     FsStatCmd     `cmd:"" help:"Show the size of a device file"`
}

type TransferFlags struct {
	ChunkSize int  `help:"Chunk size in bytes (default: derived from the link MTU)"`
	Retries   int  `help:"Retries per chunk after a transport error" default:"-1"`
	Plain     bool `help:"Print progress lines instead of the interactive view"`
}

func (f TransferFlags) options(cfg *config.Config, fresh bool) commands.TransferOptions {
	return commands.TransferOptions{
		ChunkSize:  pick(f.ChunkSize, cfg.Upgrade.ChunkSize, 0),
		RetryLimit: pick(f.Retries, cfg.Upgrade.RetryLimit, -1),
		Fresh:      fresh,
		Plain:      f.Plain,
	}
}

type FsUploadCmd struct {
	Local  string `arg:"" help:"Local file" type:"existingfile"`
	Remote string `arg:"" help:"Device path"`
	Fresh  bool   `help:"Ignore any saved session and upload from the start"`
	TransferFlags `embed:""`
}

func (c *FsUploadCmd) Run(ctx context.Context, g *CLI) error {
	return g.withSession(ctx, func(s *commands.Session, cfg *config.Config) error {
		st, err := commands.OpenStore(cfg.StoreDir)
		if err != nil {
			return err
		}
		return commands.FSUpload(ctx, s, st, c.Local, c.Remote, c.options(cfg, c.Fresh))
	})
}

type FsDownloadCmd struct {
	Remote string `arg:"" help:"Device path"`
	Local  string `arg:"" optional:"" help:"Local file (default: remote base name)"`
	TransferFlags `embed:""`
}

func (c *FsDownloadCmd) Run(ctx context.Context, g *CLI) error {
	return g.withSession(ctx, func(s *commands.Session, cfg *config.Config) error {
		return commands.FSDownload(ctx, s, c.Remote, c.Local, c.options(cfg, false))
	})
}

type FsStatCmd struct {
	Remote string `arg:"" help:"Device path"`
}

func (c *FsStatCmd) Run(ctx context.Context, g *CLI) error {
	return g.withSession(ctx, func(s *commands.Session, _ *config.Config) error {
		return commands.FSStat(ctx, s.Client, c.Remote)
	})
}

// --- Log Commands ---

type LogsCmd struct {
	Show    LogsShowCmd    `cmd:"" default:"withargs" help:"Show log entries (default)"`
	Clear   LogsClearCmd   `cmd:"" help:"Clear all logs"`
	List    LogsListCmd    `cmd:"" help:"List log names"`
	Modules LogsModulesCmd `cmd:"" help:"List log modules"`
	Levels  LogsLevelsCmd  `cmd:"" help:"List log levels"`
}

type LogsShowCmd struct {
	Name string `arg:"" optional:"" help:"Log name"`
	All  bool   `short:"a" help:"Show every log"`
}

func (c *LogsShowCmd) Run(ctx context.Context, g *CLI) error {
	return g.withSession(ctx, func(s *commands.Session, _ *config.Config) error {
		return commands.LogsShow(ctx, s, c.Name, c.All)
	})
}

type LogsClearCmd struct {
	Yes bool `short:"y" help:"Skip confirmation"`
}

func (c *LogsClearCmd) Run(ctx context.Context, g *CLI) error {
	return g.withSession(ctx, func(s *commands.Session, _ *config.Config) error {
		return commands.LogsClear(ctx, s.Client, c.Yes)
	})
}

type LogsListCmd struct{}

func (c *LogsListCmd) Run(ctx context.Context, g *CLI) error {
	return g.withSession(ctx, func(s *commands.Session, _ *config.Config) error {
		return commands.LogsList(ctx, s.Client)
	})
}

type LogsModulesCmd struct{}

func (c *LogsModulesCmd) Run(ctx context.Context, g *CLI) error {
	return g.withSession(ctx, func(s *commands.Session, _ *config.Config) error {
		return commands.LogsModules(ctx, s.Client)
	})
}

type LogsLevelsCmd struct{}

func (c *LogsLevelsCmd) Run(ctx context.Context, g *CLI) error {
	return g.withSession(ctx, func(s *commands.Session, _ *config.Config) error {
		return commands.LogsLevels(ctx, s.Client)
	})
}

// --- Stats Commands ---

type StatsCmd struct {
	List StatsListCmd `cmd:"" help:"List statistics groups"`
	Read StatsReadCmd `cmd:"" help:"Read one statistics group"`
}

type StatsListCmd struct{}

func (c *StatsListCmd) Run(ctx context.Context, g *CLI) error {
	return g.withSession(ctx, func(s *commands.Session, _ *config.Config) error {
		return commands.StatsList(ctx, s.Client)
	})
}

type StatsReadCmd struct {
	Name string `arg:"" help:"Group name"`
}

func (c *StatsReadCmd) Run(ctx context.Context, g *CLI) error {
	return g.withSession(ctx, func(s *commands.Session, _ *config.Config) error {
		return commands.StatsRead(ctx, s.Client, c.Name)
	})
}

// --- Raw Command ---

type RawCmd struct {
	Group   string `required:"" help:"Group number or name (default, image, stats, logs, fs, ...)"`
	ID      uint8  `name:"id" required:"" help:"Command ID"`
	Write   bool   `help:"Send a write instead of a read"`
	Payload string `arg:"" optional:"" help:"JSON object payload; strings prefixed hex: are sent as bytes"`
}

func (c *RawCmd) Run(ctx context.Context, g *CLI) error {
	return g.withSession(ctx, func(s *commands.Session, _ *config.Config) error {
		return commands.Raw(ctx, s.Client, c.Write, c.Group, c.ID, c.Payload)
	})
}

// --- Session Commands ---

type SessionsCmd struct {
	List  SessionsListCmd  `cmd:"" default:"1" help:"List saved sessions (default)"`
	Clear SessionsClearCmd `cmd:"" help:"Delete all saved sessions"`
}

type SessionsListCmd struct{}

func (c *SessionsListCmd) Run(g *CLI) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	st, err := commands.OpenStore(cfg.StoreDir)
	if err != nil {
		return err
	}
	return commands.SessionsList(st)
}

type SessionsClearCmd struct {
	Yes bool `short:"y" help:"Skip confirmation"`
}

func (c *SessionsClearCmd) Run(g *CLI) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	st, err := commands.OpenStore(cfg.StoreDir)
	if err != nil {
		return err
	}
	return commands.SessionsClear(st, c.Yes)
}

// --- Config Commands ---

type ConfigCmd struct {
	Init ConfigInitCmd `cmd:"" help:"Write a default config file"`
	Show ConfigShowCmd `cmd:"" help:"Print the effective configuration"`
}

type ConfigInitCmd struct {
	Path  string `arg:"" optional:"" default:"smp.yaml" help:"Output path" type:"path"`
	Force bool   `help:"Overwrite an existing file"`
}

func (c *ConfigInitCmd) Run() error {
	return commands.ConfigInit(c.Path, c.Force)
}

type ConfigShowCmd struct{}

func (c *ConfigShowCmd) Run(g *CLI) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	return commands.ConfigShow(cfg)
}

// --- Debug Commands ---

type DebugCmd struct {
	Encode DebugEncodeCmd `cmd:"" help:"Build a request packet and print it as hex"`
	Decode DebugDecodeCmd `cmd:"" help:"Decode captured packets, one hex string per line"`
}

// scheme resolves the scheme flag without touching config files.
func (g *CLI) scheme() (protocol.Scheme, error) {
	return protocol.ParseScheme(g.Scheme)
}

type DebugEncodeCmd struct {
	Group   string `required:"" help:"Group number or name"`
	ID      uint8  `name:"id" required:"" help:"Command ID"`
	Write   bool   `help:"Build a write instead of a read"`
	Payload string `arg:"" optional:"" help:"JSON object payload"`
}

func (c *DebugEncodeCmd) Run(g *CLI) error {
	s, err := g.scheme()
	if err != nil {
		return err
	}
	return commands.EncodePacket(s, c.Write, c.Group, c.ID, c.Payload)
}

type DebugDecodeCmd struct {
	File string `arg:"" optional:"" default:"-" help:"Capture file, or - for stdin"`
}

func (c *DebugDecodeCmd) Run(g *CLI) error {
	s, err := g.scheme()
	if err != nil {
		return err
	}
	return commands.DecodePackets(c.File, s)
}
