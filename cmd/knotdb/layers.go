package main

import (
	"fmt"
	"math"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/freeeve/knotstore/internal/codec"
	"github.com/freeeve/knotstore/internal/knotdb"
)

var layersCmd = &cobra.Command{
	Use:   "layers <path>",
	Short: "Print database and per-layer stats",
	Long: `layers prints the global stats and one line per layer of a knot database.
With --verify every stored layer is read back and its outcome counts are
recomputed; with --metrics the resident arrays are reported in Prometheus
text format.`,
	Args: cobra.ExactArgs(1),
	RunE: runLayers,
}

func init() {
	layersCmd.Flags().String("kind", "compressed", "database kind (compressed, flat)")
	layersCmd.Flags().Bool("verify", false, "read every stored layer and check its counts")
	layersCmd.Flags().Bool("metrics", false, "print residency metrics after --verify")
}

func runLayers(cmd *cobra.Command, args []string) error {
	kind, err := knotdb.ParseKind(viper.GetString("kind"))
	if err != nil {
		return err
	}
	verify := viper.GetBool("verify")
	withMetrics := viper.GetBool("metrics")

	cfg := knotdb.Config{
		Logger:   logger,
		ReadOnly: true,
		Workers:  viper.GetInt("workers"),
	}
	if kind == knotdb.KindCompressed {
		c, err := containerCodec(args[0])
		if err != nil {
			return err
		}
		defer codec.Close(c)
		cfg.Codec = c
	}
	if withMetrics {
		cfg.MaxResidentBytes = math.MaxInt64
	}

	db, err := knotdb.Open(kind, args[0], nil, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	out := cmd.OutOrStdout()
	stats := db.Stats()
	fmt.Fprintf(out, "%s database, %d layers, completed %t\n", db.Kind(), stats.NumLayers, stats.Completed)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "layer\tstate\tknots\twon\tlost\tdrawn\tinvalid\tsuccessors\tpartners\t")
	var mismatches int
	for l := 0; l < stats.NumLayers; l++ {
		s, err := db.LayerStats(l)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%d\t%d\t%v\t%v\t\n",
			l, s.State, s.NumKnots, s.NumWon, s.NumLost, s.NumDrawn, s.NumInvalid,
			s.SuccessorLayers, s.PartnerLayers)

		if verify && s.CompletedAndStored() && s.NumKnots > 0 {
			ok, err := verifyLayer(db, l, s)
			if err != nil {
				return err
			}
			if !ok {
				mismatches++
			}
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if withMetrics && db.Tracker() != nil {
		db.Tracker().Metrics().WritePrometheus(out)
	}
	if mismatches > 0 {
		return fmt.Errorf("%d layers with inconsistent counts", mismatches)
	}
	return nil
}

// verifyLayer recounts the outcomes of a stored layer.
func verifyLayer(db *knotdb.DB, layer int, s knotdb.LayerStats) (bool, error) {
	packed, err := db.ReadKnotValues(layer)
	if err != nil {
		return false, fmt.Errorf("layer %d: %w", layer, err)
	}
	if _, err := db.ReadPlyInfos(layer); err != nil {
		return false, fmt.Errorf("layer %d: %w", layer, err)
	}
	var counts [4]uint32
	for k := uint32(0); k < s.NumKnots; k++ {
		counts[knotdb.GetKnotValue(packed, k)]++
	}
	ok := counts[knotdb.ShortKnotWon] == s.NumWon &&
		counts[knotdb.ShortKnotLost] == s.NumLost &&
		counts[knotdb.ShortKnotDrawn] == s.NumDrawn &&
		counts[knotdb.ShortKnotInvalid] == s.NumInvalid
	if !ok {
		logger.Error().Int("layer", layer).
			Uint32("won", counts[knotdb.ShortKnotWon]).
			Uint32("lost", counts[knotdb.ShortKnotLost]).
			Uint32("drawn", counts[knotdb.ShortKnotDrawn]).
			Uint32("invalid", counts[knotdb.ShortKnotInvalid]).
			Msg("stored counts do not match knot values")
	}
	return ok, nil
}
