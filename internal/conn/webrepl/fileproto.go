package webrepl

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/minnykit/minny/internal/conn"
)

// WebREPL file protocol opcodes.
const (
	opPutFile = 1
	opGetFile = 2
)

const (
	requestSize  = 82
	nameFieldLen = 64
	blockSize    = 1024

	// responseTimeout covers a single device response. Flash writes
	// between blocks can be slow on small boards.
	responseTimeout = 10 * time.Second
)

// packRequest builds the little-endian 82-byte request record:
// "WA" signature, opcode, pad byte, 8-byte offset, 4-byte length,
// 2-byte name length and a 64-byte zero-padded name field.
func packRequest(opcode byte, path string, size int64) ([]byte, error) {
	name := []byte(path)
	if len(name) > nameFieldLen {
		return nil, fmt.Errorf("device path too long for file protocol: %q", path)
	}

	rec := make([]byte, requestSize)
	rec[0] = 'W'
	rec[1] = 'A'
	rec[2] = opcode
	rec[3] = 0
	binary.LittleEndian.PutUint64(rec[4:12], 0)
	binary.LittleEndian.PutUint32(rec[12:16], uint32(size))
	binary.LittleEndian.PutUint16(rec[16:18], uint16(len(name)))
	copy(rec[18:], name)
	return rec, nil
}

// readResponse consumes a 4-byte "WB" status record. A nonzero status is
// the device's way of reporting OSError on its side of the transfer.
func readResponse(c *conn.Conn) error {
	resp, err := c.Read(4, responseTimeout)
	if err != nil {
		return fmt.Errorf("failed to read file protocol response: %w", err)
	}
	if resp[0] != 'W' || resp[1] != 'B' {
		return &conn.MismatchError{Expected: []byte("WB"), Actual: resp[:2]}
	}
	if status := binary.LittleEndian.Uint16(resp[2:4]); status != 0 {
		return fmt.Errorf("device rejected transfer with status %d", status)
	}
	return nil
}

// PutFile streams size bytes from src to path on the device using the
// binary file protocol. The connection must be idle at a prompt; frames
// are switched to binary for the duration. progress, when non-nil, is
// called with the running byte count after each block.
func PutFile(ctx context.Context, c *conn.Conn, path string, src io.Reader, size int64, progress func(written int64)) error {
	rec, err := packRequest(opPutFile, path, size)
	if err != nil {
		return err
	}

	c.SetTextMode(false)
	defer c.SetTextMode(true)

	// The device firmware needs the header split at byte 10; a single
	// frame makes some ports drop the name field.
	if _, err := c.Write(rec[:10]); err != nil {
		return err
	}
	if _, err := c.Write(rec[10:]); err != nil {
		return err
	}
	if err := readResponse(c); err != nil {
		return err
	}

	var written int64
	buf := make([]byte, blockSize)
	for written < size {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := io.ReadFull(src, buf[:min64(blockSize, size-written)])
		if n > 0 {
			if _, werr := c.Write(buf[:n]); werr != nil {
				return werr
			}
			written += int64(n)
			if progress != nil {
				progress(written)
			}
		}
		if err != nil {
			return fmt.Errorf("local read failed after %d bytes: %w", written, err)
		}
	}

	return readResponse(c)
}

// GetFile fetches path from the device into sink. Each block is requested
// with a single zero byte; the device answers with a 2-byte little-endian
// block size, zero marking the end of the file.
func GetFile(ctx context.Context, c *conn.Conn, path string, sink io.Writer, progress func(read int64)) (int64, error) {
	rec, err := packRequest(opGetFile, path, 0)
	if err != nil {
		return 0, err
	}

	c.SetTextMode(false)
	defer c.SetTextMode(true)

	if _, err := c.Write(rec); err != nil {
		return 0, err
	}
	if err := readResponse(c); err != nil {
		return 0, err
	}

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		if _, err := c.Write([]byte{0}); err != nil {
			return total, err
		}
		header, err := c.Read(2, responseTimeout)
		if err != nil {
			return total, fmt.Errorf("failed to read block size: %w", err)
		}
		n := int(binary.LittleEndian.Uint16(header))
		if n == 0 {
			break
		}
		block, err := c.Read(n, responseTimeout)
		if err != nil {
			return total, fmt.Errorf("failed to read %d-byte block: %w", n, err)
		}
		if _, err := sink.Write(block); err != nil {
			return total, fmt.Errorf("local write failed after %d bytes: %w", total, err)
		}
		total += int64(n)
		if progress != nil {
			progress(total)
		}
	}

	if err := readResponse(c); err != nil {
		return total, err
	}
	return total, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
