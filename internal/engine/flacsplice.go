package engine

import (
	"fmt"
	"io"
)

// FLAC metadata block types involved in splicing.
const (
	flacTypeStreamInfo = 0
	flacTypePadding    = 1
	flacTypeSeekTable  = 3
)

const flacStreamInfoLen = 34

// spliceFLACHeader copies the source file's FLAC metadata chain into the
// buffer so the output keeps the original's richer header. Two blocks need
// surgery: STREAMINFO's MD5 signature is zeroed because the convolved
// payload no longer matches it, and the SEEKTABLE is dropped because its
// offsets point into the original encoding. If the dropped SEEKTABLE was
// the last block, an empty PADDING block closes the chain instead.
func spliceFLACHeader(src io.ReaderAt, b *ConversionBuffer) error {
	b.Append([]byte("fLaC"))

	pos := int64(4)
	var header [4]byte
	needFinishPadding := false
	for {
		if _, err := src.ReadAt(header[:], pos); err != nil {
			return fmt.Errorf("read flac block header at %d: %w", pos, err)
		}
		pos += int64(len(header))
		isLast := header[0]&0x80 != 0
		blockType := int(header[0] & 0x7F)
		length := int64(header[1])<<16 | int64(header[2])<<8 | int64(header[3])

		needFinishPadding = false
		switch {
		case blockType == flacTypeStreamInfo && length == flacStreamInfoLen:
			b.Append(header[:])
			if err := copyBytes(src, pos, b, length-16); err != nil {
				return err
			}
			b.Append(make([]byte, 16)) // zeroed MD5

		case blockType == flacTypeSeekTable:
			needFinishPadding = isLast

		default:
			b.Append(header[:])
			if err := copyBytes(src, pos, b, length); err != nil {
				return err
			}
		}

		pos += length
		if isLast {
			break
		}
	}

	if needFinishPadding {
		b.Append([]byte{0x80 | flacTypePadding, 0, 0, 0})
	}
	return nil
}

// copyBytes appends length bytes of src starting at pos to the buffer.
func copyBytes(src io.ReaderAt, pos int64, b *ConversionBuffer, length int64) error {
	var chunk [256]byte
	for length > 0 {
		n := int64(len(chunk))
		if n > length {
			n = length
		}
		read, err := src.ReadAt(chunk[:n], pos)
		if read <= 0 {
			return fmt.Errorf("read flac block payload at %d: %w", pos, err)
		}
		b.Append(chunk[:read])
		length -= int64(read)
		pos += int64(read)
	}
	return nil
}
