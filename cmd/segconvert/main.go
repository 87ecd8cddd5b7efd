// Package main - Command line front end for the conversion pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nvr-ai/segconvert/app"
	"github.com/nvr-ai/segconvert/config"
	"github.com/nvr-ai/segconvert/conversion"
	"github.com/nvr-ai/segconvert/onnx"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfg *config.Config
	fs := afero.NewOsFs()

	root := &cobra.Command{
		Use:           "segconvert",
		Short:         "Convert the SegFormer ONNX graph to CoreML and TensorFlow Lite",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = app.Setup()
			if err != nil {
				log.WithError(err).Error("Invalid configuration")
			}
			return err
		},
	}

	family := func(f conversion.Family, short string) *cobra.Command {
		return &cobra.Command{
			Use:   string(f),
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				_, err := app.New(cfg, fs, cmd.OutOrStdout()).Run(cmd.Context(), f)
				return err
			},
		}
	}
	root.AddCommand(family(conversion.FamilyCoreML, "Produce the CoreML FP32 and FP16 models"))
	root.AddCommand(family(conversion.FamilyTFLite, "Produce the SavedModel and the TFLite FP32 and FP16 models"))

	var parallel bool
	all := &cobra.Command{
		Use:   "all",
		Short: "Run every target family over one loaded graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.New(cfg, fs, cmd.OutOrStdout()).RunAll(cmd.Context(), parallel)
			return err
		},
	}
	all.Flags().BoolVar(&parallel, "parallel", false, "run the families concurrently")
	root.AddCommand(all)

	root.AddCommand(&cobra.Command{
		Use:   "inspect [model.onnx]",
		Short: "Print graph metadata, operator histogram and operator support per target",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfg.Input
			if len(args) == 1 {
				path = args[0]
			}
			_, err := app.Inspect(fs, path, cmd.OutOrStdout())
			if err != nil {
				log.WithError(err).WithField("error_kind", conversion.KindOf(err)).Error("Inspect failed")
			}
			return err
		},
	})

	var opts onnx.FixtureOptions
	fixture := &cobra.Command{
		Use:   "fixture <path>",
		Short: "Write a small 512x512x3 to 512x512 test graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := app.WriteFixture(fs, args[0], opts)
			if err != nil {
				log.WithError(err).Error("Failed to write fixture")
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Fixture written: %s (%d bytes)\n", args[0], n)
			return nil
		},
	}
	fixture.Flags().Int64Var(&opts.Resolution, "resolution", 512, "spatial size of the square input")
	fixture.Flags().Int64Var(&opts.Hidden, "hidden", 32, "channels of the hidden convolution")
	fixture.Flags().StringSliceVar(&opts.ExtraOps, "extra-op", nil, "append an operator after the hidden activation")
	root.AddCommand(fixture)

	return root
}
