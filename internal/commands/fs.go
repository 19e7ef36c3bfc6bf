package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/vitaminmoo/smp-tool/internal/api"
	"github.com/vitaminmoo/smp-tool/internal/store"
	"github.com/vitaminmoo/smp-tool/internal/transfer"
	"github.com/vitaminmoo/smp-tool/internal/tui"
)

// TransferOptions tunes a file transfer.
type TransferOptions struct {
	ChunkSize  int
	RetryLimit int
	Fresh      bool
	Plain      bool
}

func (o TransferOptions) engineOptions(s *Session, rel *relay) []transfer.Option {
	return []transfer.Option{
		transfer.WithChunkSize(o.ChunkSize),
		transfer.WithRetryLimit(o.RetryLimit),
		transfer.WithProgress(rel.Progress),
		transfer.WithLogger(s.log.Named("transfer")),
	}
}

// FSUpload writes local to remote on the device, resuming an earlier
// interrupted upload of the same bytes.
func FSUpload(ctx context.Context, s *Session, st *store.Store, local, remote string, opts TransferOptions) error {
	data, err := os.ReadFile(local)
	if err != nil {
		return fmt.Errorf("read %s: %w", local, err)
	}
	hash := store.ContentHash(data)
	target := s.Device + ":" + remote
	key := store.Key(hash, target)

	rel := &relay{}
	eopts := append(opts.engineOptions(s, rel), transfer.WithHash(hash))
	up := s.Client.FileUploader(remote, len(data))

	var e *transfer.Engine
	if !opts.Fresh {
		if saved := savedSession(st, key); saved != nil {
			if e, err = transfer.ResumeUpload(*saved, data, up, eopts...); err != nil {
				fmt.Printf("Saved session does not apply, starting over: %v\n", err)
				e = nil
			} else {
				fmt.Printf("Resuming upload at %s\n", humanize.IBytes(uint64(saved.Offset)))
			}
		}
	}
	if e == nil {
		e = transfer.NewUpload(remote, data, up, eopts...)
	}

	title := fmt.Sprintf("Uploading %s to %s:%s (%s)", filepath.Base(local), s.Device, remote, humanize.IBytes(uint64(len(data))))
	runErr := runWithProgress(ctx, title, e, opts.Plain, func(ctx context.Context, r tui.Reporter) error {
		rel.attach(r)
		r.Phase("upload")
		return e.Run(ctx)
	})

	if err := settle(st, store.Record{
		Key:     key,
		Target:  target,
		Source:  store.Source{Device: s.Device, Filename: filepath.Base(local)},
		Session: e.Session(),
	}); err != nil {
		fmt.Printf("Warning: %v\n", err)
	}

	switch {
	case runErr == nil:
		fmt.Printf("Uploaded %s to %s\n", humanize.IBytes(uint64(len(data))), remote)
		return nil
	case errors.Is(runErr, transfer.ErrCancelled):
		fmt.Println("Upload cancelled")
		return nil
	}
	return fmt.Errorf("upload %s: %w", remote, runErr)
}

// FSDownload reads remote from the device into local. An empty local
// uses the remote base name.
func FSDownload(ctx context.Context, s *Session, remote, local string, opts TransferOptions) error {
	if local == "" {
		local = path.Base(remote)
	}
	rel := &relay{}
	e := transfer.NewDownload(remote, s.Client.FileDownloader(remote), opts.engineOptions(s, rel)...)

	title := fmt.Sprintf("Downloading %s:%s", s.Device, remote)
	runErr := runWithProgress(ctx, title, e, opts.Plain, func(ctx context.Context, r tui.Reporter) error {
		rel.attach(r)
		r.Phase("download")
		return e.Run(ctx)
	})
	switch {
	case api.IsNotFound(runErr):
		return fmt.Errorf("%s: no such file on device", remote)
	case errors.Is(runErr, transfer.ErrCancelled):
		fmt.Println("Download cancelled")
		return nil
	case runErr != nil:
		return fmt.Errorf("download %s: %w", remote, runErr)
	}

	data := e.Bytes()
	if err := os.WriteFile(local, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", local, err)
	}
	fmt.Printf("Downloaded %s to %s\n", humanize.IBytes(uint64(len(data))), local)
	return nil
}

// FSStat prints the size of a file on the device.
func FSStat(ctx context.Context, c *api.Client, remote string) error {
	n, err := c.FileStatus(ctx, remote)
	if api.IsNotFound(err) {
		return fmt.Errorf("%s: no such file on device", remote)
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", remote, err)
	}
	fmt.Printf("%s: %s (%d bytes)\n", remote, humanize.IBytes(uint64(n)), n)
	return nil
}
