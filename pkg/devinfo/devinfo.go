// Package devinfo gathers identity and health facts from a connected
// device.
package devinfo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/minnykit/minny/internal/target"
)

// memoryScript reads heap usage. Plain CPython's gc lacks mem_free, so
// the subprocess backend answers None like firmware without gc would.
const memoryScript = `try:
    import gc as __minny_gc
    __minny_result = (__minny_gc.mem_free(), __minny_gc.mem_alloc())
    del __minny_gc
except __minny_helper.builtins.ImportError:
    __minny_result = None
except __minny_helper.builtins.AttributeError:
    __minny_result = None

__minny_helper.print_mgmt_value(__minny_result)

del __minny_result
`

// Gather collects device facts. Probes a firmware cannot answer are
// skipped rather than failing the whole report.
func Gather(ctx context.Context, tgt *target.Target) (map[string]any, error) {
	facts := make(map[string]any)

	// Facts already probed during connect
	d := tgt.Dialect()
	facts["interpreter"] = d.InterpreterName()
	if line := firmwareLine(tgt.Welcome()); line != "" {
		facts["firmware"] = line
	}
	if id := tgt.BoardID(); id != "" {
		facts["board_id"] = id
	}
	facts["epoch_year"] = tgt.EpochYear()
	facts["has_directories"] = d.SupportsDirectories()
	facts["submit_mode"] = tgt.Session().Mode().String()
	if prefix := d.FlashPrefix(); prefix != "" {
		facts["flash_prefix"] = prefix
	}
	if len(d.Modules) > 0 {
		facts["modules"] = append([]string(nil), d.Modules...)
	}

	if impl, err := gatherImplementation(ctx, tgt); err == nil {
		for k, v := range impl {
			facts[k] = v
		}
	}

	if platform, err := gatherPlatform(ctx, tgt); err == nil && platform != "" {
		facts["platform"] = platform
	}

	if uname, err := gatherUname(ctx, tgt); err == nil {
		for k, v := range uname {
			facts[k] = v
		}
	}

	if mem, err := gatherMemory(ctx, tgt); err == nil {
		for k, v := range mem {
			facts[k] = v
		}
	}

	if flash, err := gatherFlash(ctx, tgt); err == nil {
		for k, v := range flash {
			facts[k] = v
		}
	}

	if label, err := tgt.VolumeLabel(ctx); err == nil && label != "" {
		facts["volume_label"] = label
	}

	return facts, nil
}

// firmwareLine is the first line of the welcome banner, which names
// the firmware version and the board.
func firmwareLine(welcome string) string {
	line, _, _ := strings.Cut(welcome, "\n")
	return strings.TrimSpace(line)
}

// gatherImplementation reads sys.implementation details.
func gatherImplementation(ctx context.Context, tgt *target.Target) (map[string]any, error) {
	impl, err := tgt.SysImplementation(ctx)
	if err != nil {
		return nil, err
	}

	info := make(map[string]any)
	if name, ok := impl["name"].(string); ok && name != "" {
		info["implementation"] = name
	}
	if version, ok := impl["version"].([]any); ok && len(version) > 0 {
		info["version"] = joinVersion(version)
	}
	if mpy, ok := impl["_mpy"].(int64); ok && mpy != 0 {
		info["mpy_abi"] = mpy
	}
	return info, nil
}

// joinVersion renders a version tuple like (1, 22, 2) as "1.22.2".
func joinVersion(parts []any) string {
	strs := make([]string, 0, len(parts))
	for _, p := range parts {
		strs = append(strs, fmt.Sprintf("%v", p))
	}
	return strings.Join(strs, ".")
}

// gatherPlatform reads sys.platform.
func gatherPlatform(ctx context.Context, tgt *target.Target) (string, error) {
	v, err := tgt.Evaluate(ctx, "__minny_helper.sys.platform")
	if err != nil {
		return "", err
	}
	platform, _ := v.(string)
	return platform, nil
}

// gatherUname reads os.uname where the firmware has it.
func gatherUname(ctx context.Context, tgt *target.Target) (map[string]any, error) {
	v, err := tgt.Evaluate(ctx,
		"{f: __minny_helper.builtins.getattr(__minny_helper.os.uname(), f) for f in ('sysname', 'release', 'version', 'machine')}"+
			" if __minny_helper.builtins.hasattr(__minny_helper.os, 'uname') else None")
	if err != nil {
		return nil, err
	}

	fields, ok := v.(map[any]any)
	if !ok {
		return nil, errors.New("os.uname is not available")
	}

	info := make(map[string]any)
	for fact, field := range map[string]string{
		"sysname":        "sysname",
		"release":        "release",
		"firmware_build": "version",
		"machine":        "machine",
	} {
		if s, ok := fields[field].(string); ok && s != "" {
			info[fact] = s
		}
	}
	return info, nil
}

// gatherMemory reads heap numbers from gc.
func gatherMemory(ctx context.Context, tgt *target.Target) (map[string]any, error) {
	v, err := tgt.EvaluateScript(ctx, memoryScript)
	if err != nil {
		return nil, err
	}

	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return nil, errors.New("gc memory counters are not available")
	}

	info := make(map[string]any)
	if free, ok := pair[0].(int64); ok {
		info["mem_free"] = free
	}
	if alloc, ok := pair[1].(int64); ok {
		info["mem_alloc"] = alloc
	}
	return info, nil
}

// gatherFlash reads filesystem usage via os.statvfs.
func gatherFlash(ctx context.Context, tgt *target.Target) (map[string]any, error) {
	v, err := tgt.Evaluate(ctx,
		"__minny_helper.os.statvfs('/') if __minny_helper.builtins.hasattr(__minny_helper.os, 'statvfs') else None")
	if err != nil {
		return nil, err
	}

	tuple, ok := v.([]any)
	if !ok || len(tuple) < 5 {
		return nil, errors.New("os.statvfs is not available")
	}

	frsize, ok1 := tuple[1].(int64)
	blocks, ok2 := tuple[2].(int64)
	bfree, ok3 := tuple[3].(int64)
	if !ok1 || !ok2 || !ok3 {
		return nil, errors.New("os.statvfs returned something strange")
	}

	return map[string]any{
		"flash_total": frsize * blocks,
		"flash_free":  frsize * bfree,
	}, nil
}
