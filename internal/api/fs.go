package api

import (
	"context"

	"github.com/vitaminmoo/smp-tool/internal/protocol"
	"github.com/vitaminmoo/smp-tool/internal/transfer"
)

// File system group command IDs.
const (
	idFile       = 0
	idFileStatus = 1
)

// FileStatus returns the size of a file on the device.
func (c *Client) FileStatus(ctx context.Context, name string) (int, error) {
	var rsp struct {
		Len int `cbor:"len"`
	}
	if _, err := c.Send(ctx, read(protocol.GroupFS, idFileStatus), map[string]any{"name": name}, &rsp); err != nil {
		return 0, err
	}
	return rsp.Len, nil
}

// FileUploader writes file chunks; it implements transfer.Uploader.
type FileUploader struct {
	c     *Client
	name  string
	total int
}

// FileUploader returns an uploader for a file of total bytes at name.
func (c *Client) FileUploader(name string, total int) *FileUploader {
	return &FileUploader{c: c, name: name, total: total}
}

// ChunkSize returns the largest chunk that fits one write.
func (u *FileUploader) ChunkSize() int {
	return u.c.chunkSize(map[string]any{"name": u.name, "off": u.total, "len": u.total})
}

// WriteChunk uploads chunk at s.Offset.
func (u *FileUploader) WriteChunk(ctx context.Context, s transfer.Session, chunk []byte) (int, error) {
	payload := map[string]any{
		"name": u.name,
		"off":  s.Offset,
		"data": chunk,
	}
	if s.Offset == 0 {
		payload["len"] = s.Total
	}
	var rsp struct {
		Off int `cbor:"off"`
	}
	if _, err := u.c.Send(ctx, write(protocol.GroupFS, idFile), payload, &rsp); err != nil {
		return 0, err
	}
	return rsp.Off, nil
}

// FileDownloader reads file chunks; it implements transfer.Downloader.
type FileDownloader struct {
	c    *Client
	name string
}

// FileDownloader returns a downloader for the file at name.
func (c *Client) FileDownloader(name string) *FileDownloader {
	return &FileDownloader{c: c, name: name}
}

// ReadChunk reads the chunk at s.Offset. The device reports the file
// length with the first chunk.
func (d *FileDownloader) ReadChunk(ctx context.Context, s transfer.Session) (transfer.Chunk, error) {
	var rsp struct {
		Off  int    `cbor:"off"`
		Data []byte `cbor:"data"`
		Len  int    `cbor:"len"`
	}
	if _, err := d.c.Send(ctx, read(protocol.GroupFS, idFile), map[string]any{"name": d.name, "off": s.Offset}, &rsp); err != nil {
		return transfer.Chunk{}, err
	}
	return transfer.Chunk{Offset: rsp.Off, Data: rsp.Data, Total: rsp.Len}, nil
}

// IsNotFound reports whether err is the device saying a file does not exist.
func IsNotFound(err error) bool {
	return protocol.IsApplicationError(err, protocol.RCNoEntry, protocol.RCUnknown)
}

// ReadFile downloads a whole file. A missing file is reported as
// found=false with no error.
func (c *Client) ReadFile(ctx context.Context, name string, opts ...transfer.Option) (data []byte, found bool, err error) {
	e := transfer.NewDownload(name, c.FileDownloader(name), opts...)
	if err := e.Run(ctx); err != nil {
		if IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return e.Bytes(), true, nil
}
