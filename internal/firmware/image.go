package firmware

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
)

// MCUboot image format constants
const (
	ImageMagic         = 0x96f3b83d
	ImageHeaderSize    = 32
	TLVInfoMagic       = 0x6907
	TLVProtInfoMagic   = 0x6908
	TLVInfoSize        = 4
	TLVEntrySize       = 4
	TLVTypeSHA256      = 0x10
	imageFlagNonBoot   = 0x00000010
	maxImageHeaderSize = 0x1000
)

// ImageVersion is the version field of an image header.
type ImageVersion struct {
	Major    uint8
	Minor    uint8
	Revision uint16
	BuildNum uint32
}

func (v ImageVersion) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Revision)
	if v.BuildNum != 0 {
		s += fmt.Sprintf(".%d", v.BuildNum)
	}
	return s
}

// ImageHeader is the fixed header at the start of an MCUboot image.
type ImageHeader struct {
	Magic          uint32
	LoadAddr       uint32
	HdrSize        uint16
	ProtectTLVSize uint16
	ImgSize        uint32
	Flags          uint32
	Version        ImageVersion
	Pad            uint32
}

// TLV is one trailer entry.
type TLV struct {
	Type      uint16
	Data      []byte
	Protected bool
}

// Image is a parsed and validated MCUboot image.
type Image struct {
	Header ImageHeader
	TLVs   []TLV
	// Hash is the SHA-256 the device reports for the slot holding this image.
	Hash []byte
	Size int
}

// Version returns the image version string.
func (img *Image) Version() string { return img.Header.Version.String() }

// HashString returns the image hash in hex.
func (img *Image) HashString() string { return hex.EncodeToString(img.Hash) }

// NonBootable reports whether the header marks the image as not bootable.
func (img *Image) NonBootable() bool { return img.Header.Flags&imageFlagNonBoot != 0 }

// ParseImageFile reads and validates an image from a file.
func ParseImageFile(path string) (*Image, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read image: %w", err)
	}
	img, err := ParseImage(data)
	if err != nil {
		return nil, nil, err
	}
	return img, data, nil
}

// ParseImage validates the header, sizes and TLV trailer of an MCUboot
// image and checks its SHA-256 TLV against the hashed region.
func ParseImage(data []byte) (*Image, error) {
	img := &Image{Size: len(data)}

	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, &img.Header); err != nil {
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}
	h := img.Header

	if h.Magic != ImageMagic {
		return nil, fmt.Errorf("invalid image magic: 0x%08x (expected 0x%08x)", h.Magic, ImageMagic)
	}
	if h.HdrSize < ImageHeaderSize || h.HdrSize > maxImageHeaderSize {
		return nil, fmt.Errorf("invalid header size %d", h.HdrSize)
	}

	hashedEnd := int(h.HdrSize) + int(h.ImgSize)
	if hashedEnd > len(data) {
		return nil, fmt.Errorf("image size %d exceeds file size %d", hashedEnd, len(data))
	}

	off := hashedEnd
	if h.ProtectTLVSize > 0 {
		if off+int(h.ProtectTLVSize) > len(data) {
			return nil, fmt.Errorf("protected TLV area of %d bytes exceeds file size", h.ProtectTLVSize)
		}
		tlvs, n, err := readTLVArea(data[off:], TLVProtInfoMagic, true)
		if err != nil {
			return nil, err
		}
		if n != int(h.ProtectTLVSize) {
			return nil, fmt.Errorf("protected TLV area is %d bytes, header says %d", n, h.ProtectTLVSize)
		}
		img.TLVs = append(img.TLVs, tlvs...)
		off += n
	}

	// Anything after the unprotected area is slot padding.
	tlvs, _, err := readTLVArea(data[off:], TLVInfoMagic, false)
	if err != nil {
		return nil, err
	}
	img.TLVs = append(img.TLVs, tlvs...)

	for _, t := range img.TLVs {
		if t.Type == TLVTypeSHA256 {
			img.Hash = t.Data
			break
		}
	}
	if len(img.Hash) != sha256.Size {
		return nil, fmt.Errorf("image has no SHA-256 TLV")
	}

	// The hash covers the header, the body and any protected TLVs.
	sum := sha256.Sum256(data[:hashedEnd+int(h.ProtectTLVSize)])
	if !bytes.Equal(sum[:], img.Hash) {
		return nil, fmt.Errorf("image hash mismatch: TLV %x, computed %x", img.Hash, sum[:])
	}

	return img, nil
}

// readTLVArea parses one TLV info header and its entries, returning the
// total bytes consumed.
func readTLVArea(data []byte, magic uint16, protected bool) ([]TLV, int, error) {
	if len(data) < TLVInfoSize {
		return nil, 0, fmt.Errorf("missing TLV info header (magic 0x%04x)", magic)
	}
	if got := binary.LittleEndian.Uint16(data); got != magic {
		return nil, 0, fmt.Errorf("invalid TLV info magic: 0x%04x (expected 0x%04x)", got, magic)
	}
	total := int(binary.LittleEndian.Uint16(data[2:]))
	if total < TLVInfoSize || total > len(data) {
		return nil, 0, fmt.Errorf("invalid TLV area length %d", total)
	}

	var tlvs []TLV
	for off := TLVInfoSize; off < total; {
		if off+TLVEntrySize > total {
			return nil, 0, fmt.Errorf("truncated TLV entry at offset %d", off)
		}
		typ := binary.LittleEndian.Uint16(data[off:])
		n := int(binary.LittleEndian.Uint16(data[off+2:]))
		off += TLVEntrySize
		if off+n > total {
			return nil, 0, fmt.Errorf("TLV 0x%02x of %d bytes overruns area", typ, n)
		}
		tlvs = append(tlvs, TLV{Type: typ, Data: data[off : off+n], Protected: protected})
		off += n
	}
	return tlvs, total, nil
}
