package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var sectionsCmd = &cobra.Command{
	Use:   "sections <file>",
	Short: "List the sections of a container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, done, err := openContainer(args[0])
		if err != nil {
			return err
		}
		defer done()

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "id\tkey\tsize\tcompressed\tblocks\tratio\t")
		var size, compressed int64
		for _, sec := range s.Sections() {
			fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%s\t\n",
				sec.ID, sec.Key, sec.UncompressedSize, sec.CompressedSize, sec.NumBlocks,
				ratio(sec.UncompressedSize, sec.CompressedSize))
			size += sec.UncompressedSize
			compressed += sec.CompressedSize
		}
		fmt.Fprintf(w, "\ttotal\t%d\t%d\t\t%s\t\n", size, compressed, ratio(size, compressed))
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "codec %s, block size %d\n", s.Codec().Name(), s.BlockSize())
		return nil
	},
}

func ratio(size, compressed int64) string {
	if compressed == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1fx", float64(size)/float64(compressed))
}
