package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/seaweedfs/blockfilter/weed/storage/blockfilter/scsi"
)

func scsiCmd() *cobra.Command {
	var (
		dataOut string
		serial  string
	)
	cmd := &cobra.Command{
		Use:   "scsi <cdb>",
		Short: "Run one SCSI command against the device",
		Long: `Decode <cdb> from hex (spaces allowed, at most 16 bytes), run it through the
SCSI front-end of the filtered device and print the status, any sense data
and a hex dump of the returned data. -data-out names a file whose contents
are sent with WRITE commands.`,
		Example: `  blockfilter scsi 25000000000000000000        # READ CAPACITY(10)
  blockfilter scsi "28 00 00000000 00 0001 00"  # READ(10) of block 0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cdb, err := parseCDB(args[0])
			if err != nil {
				return err
			}
			var out []byte
			if dataOut != "" {
				if out, err = os.ReadFile(dataOut); err != nil {
					return err
				}
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			f, err := openFilter(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer f.Close()

			r := runSCSI(cmd.Context(), f, serial, cdb, out)
			printResult(os.Stdout, r)
			if r.Status != scsi.StatusGood {
				return fmt.Errorf("scsi status %#02x", r.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dataOut, "data-out", "", "file sent as the data-out buffer")
	cmd.Flags().StringVar(&serial, "serial", "BF000001", "unit serial number reported by INQUIRY")
	return cmd
}

func parseCDB(s string) ([16]byte, error) {
	var cdb [16]byte
	raw, err := hex.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil {
		return cdb, fmt.Errorf("cdb: %w", err)
	}
	if len(raw) == 0 || len(raw) > len(cdb) {
		return cdb, fmt.Errorf("cdb: %d bytes, want 1 to %d", len(raw), len(cdb))
	}
	copy(cdb[:], raw)
	return cdb, nil
}

func runSCSI(ctx context.Context, f *filter, serial string, cdb [16]byte, dataOut []byte) scsi.Result {
	h := scsi.NewHandler(scsi.NewRouterDevice(f.router), serial)
	return h.HandleCommand(ctx, cdb, dataOut)
}

func printResult(w io.Writer, r scsi.Result) {
	fmt.Fprintf(w, "status %#02x\n", r.Status)
	if r.Status == scsi.StatusCheckCond {
		fmt.Fprintf(w, "sense key %#x asc %#02x ascq %#02x\n", r.SenseKey, r.SenseASC, r.SenseASCQ)
	}
	if len(r.Data) > 0 {
		fmt.Fprint(w, hex.Dump(r.Data))
	}
}
