package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seaweedfs/blockfilter/weed/glog"
	"github.com/seaweedfs/blockfilter/weed/storage/backend"
	"github.com/seaweedfs/blockfilter/weed/storage/blockfilter"
	"github.com/seaweedfs/blockfilter/weed/storage/blockfilter/layout"
	"github.com/seaweedfs/blockfilter/weed/util"
)

func createCmd() *cobra.Command {
	var (
		size        string
		preallocate bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create the backing images",
		Long: `Create the primary image, and the mirror when mirroring is enabled, large
enough to hold -size bytes in the configured layout. With checksums enabled
the device is then written with zeros so every sector has a valid checksum.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			visible, err := util.ParseSize(size)
			if err != nil {
				return err
			}
			raw := cfg.Layout().RawSize(visible)

			paths := []string{cfg.Primary.Path}
			if cfg.Mirroring && cfg.Mirror.Path != cfg.Primary.Path {
				paths = append(paths, cfg.Mirror.Path)
			}
			var g errgroup.Group
			for _, path := range paths {
				g.Go(func() error {
					df, err := backend.CreateImageFile(util.ResolvePath(path), int64(raw), preallocate)
					if err != nil {
						return fmt.Errorf("create %s: %w", path, err)
					}
					glog.V(0).Infof("created %s, %s raw", path, util.FormatSize(raw))
					return df.Close()
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			if !cfg.Checksums {
				return nil
			}

			f, err := openFilter(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer f.Close()
			n, err := copyIn(cmd.Context(), f, bytes.NewReader(make([]byte, f.engine.Size())), cfg.Chunk)
			if err != nil {
				return fmt.Errorf("format: %w", err)
			}
			fmt.Printf("formatted %s\n", util.FormatSize(n))
			return nil
		},
	}
	cmd.Flags().StringVar(&size, "size", "1GiB", "visible device size")
	cmd.Flags().BoolVar(&preallocate, "preallocate", false, "preallocate disk space")
	return cmd
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show device geometry and channel state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			f, err := openFilter(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer f.Close()

			e := f.engine
			l := e.Layout()
			fmt.Printf("visible size: %s (%d bytes)\n", util.FormatSize(e.Size()), e.Size())
			fmt.Printf("raw size:     %s (%d bytes)\n", util.FormatSize(e.RawSize()), e.RawSize())
			switch {
			case l.Checksums:
				fmt.Printf("layout:       %d sectors per group, %s checksums in %d byte slots\n", l.Sectors, l.Algorithm, l.SumSize)
			case l.Interleaved:
				fmt.Printf("layout:       %d sectors per group, checksums not verified\n", l.Sectors)
			default:
				fmt.Printf("layout:       flat\n")
			}
			fmt.Printf("mirroring:    %v\n", e.Mirroring())
			for _, ch := range e.Channels() {
				if ch.Role == blockfilter.RoleNone {
					continue
				}
				fmt.Printf("%-8s      %s at %s\n", ch.Role.String()+":", ch.Label, ch.Endpoint)
			}
			return nil
		},
	}
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Copy a file onto the device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			src, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer src.Close()
			f, err := openFilter(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer f.Close()

			n, err := copyIn(cmd.Context(), f, src, cfg.Chunk)
			fmt.Printf("imported %s\n", util.FormatSize(n))
			return err
		},
	}
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Copy the device into a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dst, err := os.Create(args[0])
			if err != nil {
				return err
			}
			defer dst.Close()
			f, err := openFilter(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer f.Close()

			n, err := copyOut(cmd.Context(), f, dst, cfg.Chunk)
			if err != nil {
				return err
			}
			fmt.Printf("exported %s\n", util.FormatSize(n))
			return dst.Sync()
		},
	}
}

func scrubCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scrub",
		Short: "Compare the primary and mirror sector by sector",
		Long: `Read the whole device from both images, verifying checksums, and report
every sector where the images differ.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Mirroring {
				return errors.New("scrub needs mirroring enabled")
			}
			f, err := openFilter(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer f.Close()

			differ, err := scrub(cmd.Context(), f.engine, cfg.Chunk, func(sector uint64) {
				fmt.Printf("sector %d differs\n", sector)
			})
			if err != nil {
				return err
			}
			if differ > 0 {
				return fmt.Errorf("%d sector(s) differ", differ)
			}
			fmt.Printf("%s clean\n", util.FormatSize(f.engine.Size()))
			return nil
		},
	}
}

// copyIn writes src onto the device from position 0. A short final read is
// padded with zeros to a whole sector.
func copyIn(ctx context.Context, f *filter, src io.Reader, chunk int) (uint64, error) {
	buf := make([]byte, chunk)
	var pos uint64
	for {
		n, err := io.ReadFull(src, buf)
		if n == 0 {
			if err == io.EOF {
				return pos, nil
			}
			return pos, err
		}
		if rem := n % layout.SectorSize; rem != 0 {
			clear(buf[n : n+layout.SectorSize-rem])
			n += layout.SectorSize - rem
		}
		wrote, werr := f.do(ctx, blockfilter.VerbWrite, pos, buf[:n])
		pos += wrote
		if werr != nil {
			return pos, werr
		}
		if wrote < uint64(n) {
			return pos, fmt.Errorf("device full after %d bytes", pos)
		}
		if err == io.ErrUnexpectedEOF {
			return pos, nil
		}
		if err != nil {
			return pos, err
		}
	}
}

// copyOut streams the device into dst. Reading and writing overlap.
func copyOut(ctx context.Context, f *filter, dst io.Writer, chunk int) (uint64, error) {
	g, ctx := errgroup.WithContext(ctx)
	chunks := make(chan []byte, 2)
	var total uint64

	g.Go(func() error {
		defer close(chunks)
		var pos uint64
		for {
			buf := make([]byte, chunk)
			n, err := f.do(ctx, blockfilter.VerbRead, pos, buf)
			if err != nil {
				return fmt.Errorf("read at %d: %w", pos, err)
			}
			if n == 0 {
				return nil
			}
			select {
			case chunks <- buf[:n]:
			case <-ctx.Done():
				return ctx.Err()
			}
			pos += n
		}
	})
	g.Go(func() error {
		for buf := range chunks {
			if _, err := dst.Write(buf); err != nil {
				return err
			}
			total += uint64(len(buf))
		}
		return nil
	})
	err := g.Wait()
	return total, err
}

// scrub reads the device from both channels and calls report for every
// logical sector whose copies differ.
func scrub(ctx context.Context, e *blockfilter.Engine, chunk int, report func(sector uint64)) (uint64, error) {
	a, b := make([]byte, chunk), make([]byte, chunk)
	var pos, differ uint64
	for {
		n, err := e.ReadBoth(ctx, pos, a, b)
		if err != nil {
			return differ, fmt.Errorf("read both at %d: %w", pos, err)
		}
		if n == 0 {
			return differ, nil
		}
		for off := uint64(0); off < n; off += layout.SectorSize {
			if !bytes.Equal(a[off:off+layout.SectorSize], b[off:off+layout.SectorSize]) {
				differ++
				report((pos + off) / layout.SectorSize)
			}
		}
		pos += n
	}
}
