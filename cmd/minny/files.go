package main

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/minnykit/minny/internal/output"
	"github.com/minnykit/minny/internal/target"
)

var (
	lsLong       bool
	rmRecursive  bool
	mkdirParents bool
)

func init() {
	lsCmd.Flags().BoolVarP(&lsLong, "long", "l", false, "Show sizes and directory markers")
	rmCmd.Flags().BoolVarP(&rmRecursive, "recursive", "r", false, "Remove directories and their contents")
	mkdirCmd.Flags().BoolVarP(&mkdirParents, "parents", "p", false, "Create missing parent directories")
}

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List a directory on the device",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		dev, err := openManager()
		if err != nil {
			return err
		}
		defer dev.Close()

		var path string
		if len(args) > 0 {
			path = args[0]
		} else {
			path, err = dev.mgr.Cwd(ctx)
			if err != nil {
				return err
			}
		}

		names, err := dev.mgr.ListDir(ctx, path)
		if err != nil {
			return err
		}
		sort.Strings(names)

		if !lsLong {
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		}

		sep := dev.mgr.DirSep()
		for _, name := range names {
			info, err := dev.mgr.Stat(ctx, target.JoinRemotePath(sep, path, name))
			if err != nil {
				return err
			}
			if info.IsDir() {
				fmt.Printf("%8s  %s%s\n", "-", name, sep)
			} else {
				fmt.Printf("%8d  %s\n", info.Size(), name)
			}
		}
		return nil
	},
}

var catCmd = &cobra.Command{
	Use:   "cat path",
	Short: "Print a device file to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		dev, err := openManager()
		if err != nil {
			return err
		}
		defer dev.Close()

		_, err = dev.mgr.ReadFile(ctx, args[0], os.Stdout, nil)
		return err
	},
}

var getCmd = &cobra.Command{
	Use:   "get remote [local]",
	Short: "Copy a file from the device",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		dev, err := openManager()
		if err != nil {
			return err
		}
		defer dev.Close()

		remote := args[0]
		base := baseName(dev.mgr.DirSep(), remote)

		local := base
		if len(args) == 2 {
			local = args[1]
			if info, err := os.Stat(local); err == nil && info.IsDir() {
				local = filepath.Join(local, base)
			}
		}

		f, err := os.Create(local)
		if err != nil {
			return err
		}

		n, err := dev.mgr.ReadFile(ctx, remote, f, dev.out.Progress(base))
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			dev.out.Failed("%s", remote)
			return err
		}

		dev.out.Done("%s (%s)", local, output.FormatSize(n))
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:   "put local [remote]",
	Short: "Copy a file to the device",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		dev, err := openManager()
		if err != nil {
			return err
		}
		defer dev.Close()

		local := args[0]
		base := filepath.Base(local)
		sep := dev.mgr.DirSep()

		var remote string
		if len(args) == 2 {
			remote = args[1]
			if info, err := dev.mgr.Stat(ctx, remote); err == nil && info.IsDir() {
				remote = target.JoinRemotePath(sep, remote, base)
			}
		} else {
			cwd, err := dev.mgr.Cwd(ctx)
			if err != nil {
				return err
			}
			remote = target.JoinRemotePath(sep, cwd, base)
		}

		f, err := os.Open(local)
		if err != nil {
			return err
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return err
		}

		sum := crc32.NewIEEE()
		src := io.TeeReader(f, sum)

		if err := dev.mgr.WriteFile(ctx, remote, src, info.Size(), dev.out.Progress(base)); err != nil {
			dev.out.Failed("%s", remote)
			return err
		}

		if crc, ok, err := dev.mgr.FileCRC32(ctx, remote); err != nil {
			return err
		} else if ok && crc != sum.Sum32() {
			dev.out.Failed("%s", remote)
			return fmt.Errorf("checksum mismatch after writing %s", remote)
		}

		dev.out.Done("%s (%s)", remote, output.FormatSize(info.Size()))
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm path...",
	Short: "Remove files from the device",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		dev, err := openManager()
		if err != nil {
			return err
		}
		defer dev.Close()

		if rmRecursive {
			return dev.mgr.RemoveRecursive(ctx, args...)
		}

		for _, path := range args {
			existed, err := dev.mgr.RemoveFileIfExists(ctx, path)
			if err != nil {
				return err
			}
			if !existed {
				dev.out.Warn("%s was already gone", path)
			}
		}
		return nil
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir path...",
	Short: "Create directories on the device",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		dev, err := openManager()
		if err != nil {
			return err
		}
		defer dev.Close()

		for _, path := range args {
			if mkdirParents {
				err = dev.mgr.MakeDirs(ctx, path)
			} else {
				err = dev.mgr.Mkdir(ctx, path)
			}
			if err != nil {
				return err
			}
		}
		return nil
	},
}

// baseName returns the last path component, or the whole name on flat
// filesystems.
func baseName(sep, path string) string {
	if sep == "" {
		return path
	}
	path = strings.TrimRight(path, sep)
	if i := strings.LastIndex(path, sep); i >= 0 {
		return path[i+len(sep):]
	}
	return path
}
