package commands

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/vitaminmoo/smp-tool/internal/api"
	"github.com/vitaminmoo/smp-tool/internal/firmware"
	"github.com/vitaminmoo/smp-tool/internal/store"
	"github.com/vitaminmoo/smp-tool/internal/transfer"
	"github.com/vitaminmoo/smp-tool/internal/tui"
)

func flagName(b bool, name string) string {
	if b {
		return name
	}
	return ""
}

// ImageList prints the image slots.
func ImageList(ctx context.Context, c *api.Client) error {
	st, err := c.ImageState(ctx)
	if err != nil {
		return fmt.Errorf("image state: %w", err)
	}
	if len(st.Images) == 0 {
		fmt.Println("No images reported")
		return nil
	}
	t := newTable("IMAGE", "SLOT", "VERSION", "HASH", "FLAGS")
	for _, img := range st.Images {
		flags := ""
		for _, f := range []string{
			flagName(img.Active, "active"),
			flagName(img.Confirmed, "confirmed"),
			flagName(img.Pending, "pending"),
			flagName(img.Bootable, "bootable"),
			flagName(img.Permanent, "permanent"),
		} {
			if f == "" {
				continue
			}
			if flags != "" {
				flags += ","
			}
			flags += f
		}
		t.Row(strconv.Itoa(img.Image), strconv.Itoa(img.Slot), img.Version, hex.EncodeToString(img.Hash), flags)
	}
	fmt.Println(t.String())
	if st.SplitStatus != 0 {
		fmt.Printf("Split status: %d\n", st.SplitStatus)
	}
	return nil
}

// ImageTest marks the image with hash for a test boot on the next reset.
func ImageTest(ctx context.Context, c *api.Client, hash string) error {
	h, err := ParseHash(hash)
	if err != nil {
		return err
	}
	if err := c.TestImage(ctx, h); err != nil {
		return fmt.Errorf("test image: %w", err)
	}
	fmt.Println("Image marked for test; reset the device to boot it")
	return nil
}

// ImageConfirm makes an image permanent. An empty hash confirms the
// running image.
func ImageConfirm(ctx context.Context, c *api.Client, hash string) error {
	var h []byte
	if hash != "" {
		var err error
		if h, err = ParseHash(hash); err != nil {
			return err
		}
	}
	if err := c.ConfirmImage(ctx, h); err != nil {
		return fmt.Errorf("confirm image: %w", err)
	}
	fmt.Println("Image confirmed")
	return nil
}

// ImageErase erases an image slot. A negative slot lets the device pick
// the inactive one.
func ImageErase(ctx context.Context, c *api.Client, slot int, yes bool) error {
	what := "the inactive slot"
	if slot >= 0 {
		what = fmt.Sprintf("slot %d", slot)
	}
	if !yes && !ConfirmAction(fmt.Sprintf("Erase %s? Type 'yes' to continue: ", what)) {
		fmt.Println("Aborted")
		return nil
	}
	if err := c.EraseImage(ctx, slot); err != nil {
		return fmt.Errorf("erase image: %w", err)
	}
	fmt.Printf("Erased %s\n", what)
	return nil
}

// UpgradeOptions controls an image upgrade.
type UpgradeOptions struct {
	File         string
	Image        int
	Mode         firmware.Mode
	ChunkSize    int
	RetryLimit   int
	ResetTimeout time.Duration
	// Fresh ignores any saved session for the same image.
	Fresh bool
	Plain bool
}

// ImageUpgrade validates, uploads and installs the image in opts.File.
// An interrupted upload is saved to st and resumed by the next upgrade of
// the same file to the same device.
func ImageUpgrade(ctx context.Context, s *Session, st *store.Store, opts UpgradeOptions) error {
	data, err := os.ReadFile(opts.File)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	img, err := firmware.ParseImage(data)
	if err != nil {
		return err
	}

	hash := store.ContentHash(data)
	target := fmt.Sprintf("%s/image/%d", s.Device, opts.Image)
	key := store.Key(hash, target)

	rel := &relay{}
	uopts := []firmware.Option{
		firmware.WithMode(opts.Mode),
		firmware.WithProgress(rel.Progress),
		firmware.WithStateCallback(func(_, next firmware.State) { rel.Phase(next.String()) }),
		firmware.WithChunkSize(opts.ChunkSize),
		firmware.WithRetryLimit(opts.RetryLimit),
		firmware.WithResetTimeout(opts.ResetTimeout),
		firmware.WithLogger(s.log.Named("upgrade")),
	}
	if !opts.Fresh {
		if saved := savedSession(st, key); saved != nil {
			fmt.Printf("Resuming upload at %s of %s\n",
				humanize.IBytes(uint64(saved.Offset)), humanize.IBytes(uint64(saved.Total)))
			uopts = append(uopts, firmware.WithResume(*saved))
		}
	}

	up := firmware.NewUpgrader(s.Client, s.Client.ImageUploader(data, opts.Image), s.Watch, uopts...)
	title := fmt.Sprintf("Upgrading %s to %s (%s, %s)", s.Device, img.Version(), opts.Mode, humanize.IBytes(uint64(len(data))))
	runErr := runWithProgress(ctx, title, up, opts.Plain, func(ctx context.Context, r tui.Reporter) error {
		rel.attach(r)
		return up.Run(ctx, data)
	})

	sess := up.Session()
	sess.Hash = hash
	if err := settle(st, store.Record{
		Key:     key,
		Target:  target,
		Source:  store.Source{Device: s.Device, Filename: filepath.Base(opts.File)},
		Session: sess,
	}); err != nil {
		fmt.Printf("Warning: %v\n", err)
	}

	switch {
	case runErr == nil:
		fmt.Printf("Upgrade %s: image %s (%s)\n", up.State(), img.Version(), img.HashString())
		return nil
	case errors.Is(runErr, transfer.ErrCancelled):
		fmt.Println("Upgrade cancelled")
		return nil
	}
	return runErr
}
