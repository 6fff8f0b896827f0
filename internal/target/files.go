package target

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/minnykit/minny/internal/conn/webrepl"
	"github.com/minnykit/minny/internal/pyval"
	"github.com/minnykit/minny/internal/repl"
)

// localBlockSize is used for mount and local-directory writes.
const localBlockSize = 4 * 1024

// Device-side writer definitions. Each block goes through __minny_w so
// the block scripts stay short, and __minny_written confirms at the
// end that the device saw every byte.
const (
	hexWriterScript = `from binascii import unhexlify as __minny_unhex
def __minny_w(x):
    global __minny_written
    __minny_written += __minny_fp.write(__minny_unhex(x))
    __minny_fp.flush()
    if __minny_helper.builtins.hasattr(__minny_helper.os, "sync"):
        __minny_helper.os.sync()
`

	plainWriterScript = `def __minny_w(x):
    global __minny_written
    __minny_written += __minny_fp.write(x)
    __minny_fp.flush()
    if __minny_helper.builtins.hasattr(__minny_helper.os, "sync"):
        __minny_helper.os.sync()
`

	// The micro:bit filesystem object has neither flush nor sync.
	microbitWriterScript = `def __minny_w(x):
    global __minny_written
    __minny_written += __minny_fp.write(x)
`
)

const writerCleanupScript = `try:
    del __minny_w
    del __minny_written
    del __minny_path
    __minny_fp.close()
    del __minny_fp
    del __minny_unhex
except:
    pass`

const readerCleanupScript = `__minny_fp.close()
del __minny_fp
try:
    del __minny_hexlify
except:
    pass`

// shouldHexlify decides whether file content travels as hex text.
// Non-ASCII bytes expand up to four times when rendered into a bytes
// literal, so binary files go as hex whenever the firmware can decode
// it. Known text formats stay plain.
func (t *Target) shouldHexlify(path string) bool {
	if !t.dialect.HasModule("binascii") && !t.dialect.HasModule("ubinascii") {
		return false
	}
	lower := strings.ToLower(path)
	for _, ext := range []string{".py", ".txt", ".csv"} {
		if strings.HasSuffix(lower, ext) {
			return false
		}
	}
	return true
}

// ReadFile streams a device file into sink and returns the byte
// count. WebREPL connections use the binary file protocol, everything
// else reads block by block over the REPL.
func (t *Target) ReadFile(ctx context.Context, path string, sink io.Writer, progress ProgressFunc) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	start := t.clk.Now()

	// TODO: consider reading via the mount when one is available.
	info, err := t.Stat(ctx, path)
	if err != nil {
		return 0, err
	}
	total := info.Size()

	var read int64
	if t.overWebREPL() {
		read, err = webrepl.GetFile(ctx, t.session.Conn(), path, sink, func(n int64) {
			if progress != nil {
				progress(n, total)
			}
		})
	} else {
		read, err = t.readFileViaREPL(ctx, path, total, sink, progress)
	}
	if err != nil {
		return read, fmt.Errorf("failed to read %s: %w", path, err)
	}
	log.Info().Str("path", path).Int64("size", read).Dur("took", t.clk.Since(start)).Msg("Read file")
	return read, nil
}

func (t *Target) readFileViaREPL(ctx context.Context, path string, total int64, sink io.Writer, progress ProgressFunc) (int64, error) {
	hexMode := t.shouldHexlify(path)

	openScript := fmt.Sprintf("__minny_fp = __minny_helper.builtins.open(%s, 'rb')", quotePath(path))
	if err := t.execWithoutOutput(openScript, true); err != nil {
		return 0, err
	}
	if hexMode {
		if err := t.execWithoutOutput("from binascii import hexlify as __minny_hexlify", true); err != nil {
			return 0, err
		}
	}

	blockSize := t.dialect.FileBlockSize()
	var read int64
	var loopErr error
	for {
		if err := ctx.Err(); err != nil {
			loopErr = err
			break
		}
		if progress != nil {
			progress(read, total)
		}

		expr := fmt.Sprintf("__minny_fp.read(%d)", blockSize)
		if hexMode {
			expr = fmt.Sprintf("__minny_hexlify(__minny_fp.read(%d))", blockSize)
		}
		v, err := t.evaluate(wrapMgmt(expr))
		if err != nil {
			loopErr = err
			break
		}
		block, ok := v.([]byte)
		if !ok {
			loopErr = fmt.Errorf("unexpected read result %v", v)
			break
		}
		if hexMode {
			if block, err = hex.DecodeString(string(block)); err != nil {
				loopErr = fmt.Errorf("failed to decode block: %w", err)
				break
			}
		}

		if len(block) > 0 {
			if _, err := sink.Write(block); err != nil {
				loopErr = err
				break
			}
			read += int64(len(block))
		}
		if len(block) < blockSize {
			break
		}
	}

	if err := t.execWithoutOutput(readerCleanupScript, true); err != nil && loopErr == nil {
		loopErr = err
	}
	if loopErr != nil {
		return read, loopErr
	}
	if progress != nil {
		progress(read, total)
	}
	return read, nil
}

// WriteFile creates or replaces a device file from src. When a write
// reveals a read-only filesystem, the write is redone through the
// local mount and all later writes go there directly.
func (t *Target) WriteFile(ctx context.Context, path string, src io.Reader, size int64, progress ProgressFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := t.clk.Now()

	var err error
	switch {
	case t.roFilesystem:
		err = t.writeFileViaMount(ctx, path, src, size, progress)
	case t.overWebREPL():
		err = webrepl.PutFile(ctx, t.session.Conn(), path, src, size, func(written int64) {
			if progress != nil {
				progress(written, size)
			}
		})
	default:
		err = t.writeFileViaREPL(ctx, path, src, size, progress)
		if errors.Is(err, errReadOnlyFilesystem) {
			log.Info().Str("path", path).Msg("Filesystem is read-only, writing via the mount")
			t.roFilesystem = true
			err = t.writeFileViaMount(ctx, path, src, size, progress)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	if err := t.syncRemoteFilesystem(); err != nil {
		return err
	}
	log.Info().Str("path", path).Int64("size", size).Dur("took", t.clk.Since(start)).Msg("Wrote file")
	return nil
}

func (t *Target) writeFileViaREPL(ctx context.Context, path string, src io.Reader, size int64, progress ProgressFunc) error {
	openScript := fmt.Sprintf(
		"__minny_path = %s\n__minny_written = 0\n__minny_fp = __minny_helper.builtins.open(__minny_path, 'wb')",
		quotePath(path))
	out, errText, err := t.execCapture(openScript, true)
	if err != nil {
		return err
	}
	if t.containsReadOnlyError(out + errText) {
		return errReadOnlyFilesystem
	}
	if out+errText != "" {
		return newManagementError("Could not open file for writing", openScript, out, errText)
	}

	hexMode := t.shouldHexlify(path)
	writerScript := plainWriterScript
	switch {
	case hexMode:
		writerScript = hexWriterScript
	case t.dialect.Microbit():
		writerScript = microbitWriterScript
	}
	if err := t.execWithoutOutput(writerScript, true); err != nil {
		return err
	}

	block := make([]byte, t.dialect.FileBlockSize())
	var sent int64
	var loopErr error
	for {
		if err := ctx.Err(); err != nil {
			loopErr = err
			break
		}
		if progress != nil {
			progress(sent, size)
		}

		n, rerr := io.ReadFull(src, block)
		if n > 0 {
			literal := pyval.QuoteBytes(block[:n])
			if hexMode {
				literal = pyval.QuoteBytes([]byte(hex.EncodeToString(block[:n])))
			}
			script := fmt.Sprintf("__minny_w(%s)", literal)
			out, errText, err := t.execCapture(script, true)
			if err != nil {
				loopErr = err
				break
			}
			if out != "" || errText != "" {
				t.sink(fmt.Sprintf(
					"\nCould not write next block after having written %d bytes to %s\n", sent, path),
					repl.StreamStderr)
				if sent > 0 {
					t.sink("Make sure your device's filesystem has enough free space. "+
						"(When overwriting a file, the old content may occupy space "+
						"until the end of the operation.)\n", repl.StreamStderr)
				}
				loopErr = newManagementError("Could not write file", script, out, errText)
				break
			}
			sent += int64(n)
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			loopErr = rerr
			break
		}
	}

	if loopErr == nil {
		v, err := t.evaluate(wrapMgmt("__minny_written"))
		if err != nil {
			loopErr = err
		} else if written, ok := v.(int64); !ok || written != sent {
			loopErr = &repl.ProtocolError{
				Message: fmt.Sprintf("device reports %v written bytes instead of %d", v, sent),
			}
		}
	}

	if err := t.execWithoutOutput(writerCleanupScript, true); err != nil && loopErr == nil {
		loopErr = err
	}
	if loopErr != nil {
		return loopErr
	}
	if progress != nil {
		progress(sent, size)
	}
	return nil
}

func (t *Target) writeFileViaMount(ctx context.Context, path string, src io.Reader, size int64, progress ProgressFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	localPath, err := t.mountedPath(ctx, path)
	if err != nil {
		return err
	}
	if err := writeLocalFile(localPath, src, size, progress); err != nil {
		return err
	}
	trySyncLocalFilesystem()
	return nil
}

// writeLocalFile copies src into a host file, fsyncing per block so a
// device watching the flash sees consistent content.
func writeLocalFile(path string, src io.Reader, size int64, progress ProgressFunc) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var written int64
	block := make([]byte, localBlockSize)
	for {
		if progress != nil {
			progress(written, size)
		}
		n, rerr := src.Read(block)
		if n > 0 {
			if _, werr := f.Write(block[:n]); werr != nil {
				return werr
			}
			if serr := f.Sync(); serr != nil {
				return serr
			}
			written += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if size >= 0 && written != size {
		return fmt.Errorf("expected %d bytes but got %d", size, written)
	}
	if progress != nil {
		progress(written, size)
	}
	return f.Close()
}

// FileCRC32 asks the device for a file's CRC32. Firmware without
// binascii.crc32 cannot compute one.
func (t *Target) FileCRC32(ctx context.Context, path string) (uint32, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	v, err := t.Evaluate(ctx, fmt.Sprintf("__minny_helper.try_file_crc32(%s)", quotePath(path)))
	if err != nil {
		return 0, false, err
	}
	switch v := v.(type) {
	case nil:
		return 0, false, nil
	case int64:
		return uint32(v), true, nil
	default:
		return 0, false, fmt.Errorf("unexpected crc value %v", v)
	}
}
