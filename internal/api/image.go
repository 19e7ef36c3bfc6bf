package api

import (
	"context"
	"crypto/sha256"

	"github.com/vitaminmoo/smp-tool/internal/protocol"
	"github.com/vitaminmoo/smp-tool/internal/transfer"
)

// Image group command IDs.
const (
	idImageState  = 0
	idImageUpload = 1
	idImageErase  = 5
)

// ImageSlot describes one image slot on the device.
type ImageSlot struct {
	Image     int    `cbor:"image"`
	Slot      int    `cbor:"slot"`
	Version   string `cbor:"version"`
	Hash      []byte `cbor:"hash"`
	Bootable  bool   `cbor:"bootable"`
	Pending   bool   `cbor:"pending"`
	Confirmed bool   `cbor:"confirmed"`
	Active    bool   `cbor:"active"`
	Permanent bool   `cbor:"permanent"`
}

// ImageState is the image list response.
type ImageState struct {
	Images      []ImageSlot `cbor:"images"`
	SplitStatus int         `cbor:"splitStatus"`
}

// ImageState returns the state of all image slots.
func (c *Client) ImageState(ctx context.Context) (*ImageState, error) {
	var st ImageState
	if _, err := c.Send(ctx, read(protocol.GroupImage, idImageState), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// TestImage marks the image with hash to be tried on the next boot.
func (c *Client) TestImage(ctx context.Context, hash []byte) error {
	_, err := c.Send(ctx, write(protocol.GroupImage, idImageState), map[string]any{
		"hash":    hash,
		"confirm": false,
	}, nil)
	return err
}

// ConfirmImage makes the image with hash permanent. A nil hash confirms
// the running image.
func (c *Client) ConfirmImage(ctx context.Context, hash []byte) error {
	payload := map[string]any{"confirm": true}
	if len(hash) > 0 {
		payload["hash"] = hash
	}
	_, err := c.Send(ctx, write(protocol.GroupImage, idImageState), payload, nil)
	return err
}

// EraseImage erases an image slot. A negative slot lets the device choose.
func (c *Client) EraseImage(ctx context.Context, slot int) error {
	var payload map[string]any
	if slot >= 0 {
		payload = map[string]any{"slot": slot}
	}
	_, err := c.Send(ctx, write(protocol.GroupImage, idImageErase), payload, nil)
	return err
}

// ImageUploader writes image chunks; it implements transfer.Uploader.
type ImageUploader struct {
	c     *Client
	image int
	total int
	sha   []byte
}

// ImageUploader returns an uploader for data into image number image.
func (c *Client) ImageUploader(data []byte, image int) *ImageUploader {
	sum := sha256.Sum256(data)
	return &ImageUploader{c: c, image: image, total: len(data), sha: sum[:]}
}

// ChunkSize returns the largest chunk that fits one write with the
// first-chunk fields included.
func (u *ImageUploader) ChunkSize() int {
	return u.c.chunkSize(u.firstChunkFields(u.total))
}

func (u *ImageUploader) firstChunkFields(total int) map[string]any {
	m := map[string]any{
		"off": total,
		"len": total,
		"sha": u.sha,
	}
	if u.image > 0 {
		m["image"] = u.image
	}
	return m
}

// WriteChunk uploads chunk at s.Offset and returns the offset the device
// acknowledged.
func (u *ImageUploader) WriteChunk(ctx context.Context, s transfer.Session, chunk []byte) (int, error) {
	payload := map[string]any{
		"off":  s.Offset,
		"data": chunk,
	}
	if s.Offset == 0 {
		for k, v := range u.firstChunkFields(s.Total) {
			payload[k] = v
		}
		payload["off"] = 0
	}
	var rsp struct {
		Off int `cbor:"off"`
	}
	if _, err := u.c.Send(ctx, write(protocol.GroupImage, idImageUpload), payload, &rsp); err != nil {
		return 0, err
	}
	return rsp.Off, nil
}
