package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/freeeve/knotstore/internal/codec"
	"github.com/freeeve/knotstore/internal/logx"
	"github.com/freeeve/knotstore/internal/sectionfile"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	logger zerolog.Logger

	rootCmd = &cobra.Command{
		Use:   "knotdb",
		Short: "inspect section containers and knot databases",
		Long: `knotdb reads the block-compressed section containers and the layered
knot databases built on them. All commands open their input read-only.

Flags can also be set through KNOTDB_* environment variables or a .env file.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of knotdb",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "knotdb %s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("codec", "auto", "container codec (auto, zstd, s2, xz, none); auto reads it from the footer")
	rootCmd.PersistentFlags().Int("workers", 0, "parallel block compressors, 0 for GOMAXPROCS")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(sectionsCmd)
	rootCmd.AddCommand(digestCmd)
	rootCmd.AddCommand(layersCmd)
}

// initConfig loads .env files and maps KNOTDB_* variables onto flags.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("knotdb")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func setup(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	var err error
	logger, err = logx.NewLogger(logx.Options{Level: viper.GetString("log-level")})
	return err
}

// containerCodec resolves --codec for the container at path. The caller
// releases the codec with codec.Close.
func containerCodec(path string) (codec.Codec, error) {
	name := viper.GetString("codec")
	if name != "auto" {
		return codec.ByName(name)
	}
	id, err := sectionfile.ProbeCodec(path)
	if err != nil {
		return nil, fmt.Errorf("probe codec of %s: %w", path, err)
	}
	return codec.ByID(id)
}

// openContainer opens the container at path read-only.
func openContainer(path string) (*sectionfile.Store, func(), error) {
	c, err := containerCodec(path)
	if err != nil {
		return nil, nil, err
	}
	s, err := sectionfile.New(sectionfile.Config{
		Codec:   c,
		Workers: viper.GetInt("workers"),
		Logger:  logger,
	})
	if err != nil {
		codec.Close(c)
		return nil, nil, err
	}
	if err := s.Open(path, true); err != nil {
		codec.Close(c)
		return nil, nil, err
	}
	return s, func() {
		s.Close()
		codec.Close(c)
	}, nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
