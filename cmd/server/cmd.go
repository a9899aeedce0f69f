package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Brownie44l1/ranjana-api/internal/config"
)

var (
	cfgFile     string
	showVersion bool
	generateKey bool

	remoteURL string
	topK      int
	class     int
	outPath   string
)

var cmd = &cobra.Command{
	Use:   "ranjana",
	Short: "ranjana classifies, compares and explains handwritten Ranjana glyphs",
	Run:   func(cmd *cobra.Command, args []string) { run(cmd.Context()) },
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Run:   func(cmd *cobra.Command, args []string) { run(cmd.Context()) },
}

var classifyCmd = &cobra.Command{
	Use:     "classify <image>",
	Short:   "Classify a glyph image",
	Example: "ranjana classify ka.png --top-k 3",
	Args:    cobra.ExactArgs(1),
	RunE:    func(cmd *cobra.Command, args []string) error { return classifyImage(cmd.Context(), args[0]) },
}

var compareCmd = &cobra.Command{
	Use:     "compare <image>",
	Short:   "Score a glyph against the reference for a class",
	Example: "ranjana compare ka.png --class 4",
	Args:    cobra.ExactArgs(1),
	RunE:    func(cmd *cobra.Command, args []string) error { return compareImage(cmd.Context(), args[0]) },
}

var visualizeCmd = &cobra.Command{
	Use:   "visualize <image>",
	Short: "Write the Grad-CAM overlay for a glyph",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var target *int
		if cmd.Flags().Changed("class") {
			target = &class
		}
		return visualizeImage(cmd.Context(), args[0], target)
	},
}

var normalizeCmd = &cobra.Command{
	Use:   "normalize <image>",
	Short: "Write the normalized 64x64 glyph",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return normalizeImage(cmd.Context(), args[0]) },
}

var initCheckpointCmd = &cobra.Command{
	Use:   "init-checkpoint",
	Short: "Write randomly initialised classifier and siamese checkpoints",
	Long: "Writes untrained checkpoints into model.dir. Useful to exercise the " +
		"service end to end before trained weights are available.",
	RunE: func(cmd *cobra.Command, args []string) error {
		arch, _ := cmd.Flags().GetString("arch")
		seed, _ := cmd.Flags().GetInt64("seed")
		return initCheckpoints(arch, seed)
	},
}

var invertReferencesCmd = &cobra.Command{
	Use:   "invert-references <src> <dst>",
	Short: "Convert light-on-dark reference exports to dark-on-light",
	Args:  cobra.ExactArgs(2),
	RunE:  func(cmd *cobra.Command, args []string) error { return invertReferences(args[0], args[1]) },
}

var pruneCacheCmd = &cobra.Command{
	Use:   "prune-cache",
	Short: "Drop cached reference embeddings of other model versions",
	RunE:  func(cmd *cobra.Command, args []string) error { return pruneCache(cmd.Context()) },
}

var dumpJsonSchemaCmd = &cobra.Command{
	Use:     "json-schema",
	Short:   "Generates JSON Schema for the configuration file",
	Example: "ranjana json-schema > config_schema.json",
	RunE: func(cmd *cobra.Command, args []string) error {
		schema, err := config.JSONSchema()
		if err != nil {
			return err
		}
		fmt.Println(string(schema))
		return nil
	},
}

func init() {
	cmd.AddCommand(serveCmd)
	cmd.AddCommand(classifyCmd)
	cmd.AddCommand(compareCmd)
	cmd.AddCommand(visualizeCmd)
	cmd.AddCommand(normalizeCmd)
	cmd.AddCommand(initCheckpointCmd)
	cmd.AddCommand(invertReferencesCmd)
	cmd.AddCommand(pruneCacheCmd)
	cmd.AddCommand(dumpJsonSchemaCmd)

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default config.yaml)")
	cmd.PersistentFlags().BoolVarP(&showVersion, "version", "v", false, "print version number")
	cmd.PersistentFlags().
		BoolVarP(&generateKey, "generate-token", "g", false, "generate a new JWT token")

	for _, c := range []*cobra.Command{classifyCmd, compareCmd} {
		c.Flags().StringVar(&remoteURL, "remote", "", "call a running server instead of loading models (default remote.url)")
	}
	classifyCmd.Flags().IntVarP(&topK, "top-k", "k", 5, "number of ranked classes to return")
	compareCmd.Flags().IntVarP(&class, "class", "c", 0, "class to compare against")
	_ = compareCmd.MarkFlagRequired("class")
	visualizeCmd.Flags().IntVarP(&class, "class", "c", 0, "class to explain (default predicted class)")
	visualizeCmd.Flags().StringVarP(&outPath, "out", "o", "overlay.png", "output PNG")
	normalizeCmd.Flags().StringVarP(&outPath, "out", "o", "normalized.png", "output PNG")
	initCheckpointCmd.Flags().String("arch", "mbconv_tiny", "backbone architecture")
	initCheckpointCmd.Flags().Int64("seed", 1, "weight initialisation seed")
}

// Execute executes the root cobra command.
func Execute() {
	log.SetLevel(logrus.InfoLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		os.Exit(1)
	}
}
