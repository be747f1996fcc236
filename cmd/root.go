package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bootimage/internal/config"
	"bootimage/internal/logging"
	"bootimage/internal/provisioning"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	imageName  string
	inputImage string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bootimage",
	Short: "Build a bootable machine image from a local disk image",
	Long: `Creates a disk, attaches it to the instance bootimage runs on, writes the
input image onto it in raw format, snapshots it and registers a bootable
image named after --name.

Provider settings are read from the YAML file named by CONFIG_PATH
(default bootimage.yaml).`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		buildImage(cmd.Context(), imageName, inputImage)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&imageName, "name", "n", "test-image", "Name of the image to create")
	rootCmd.Flags().StringVarP(&inputImage, "input", "i", "alpine.qcow2", "Path to the source disk image")
}

func newBuilder(ctx context.Context) provisioning.ImageBuilder {
	cfg, err := config.Load()
	if err != nil {
		logging.Logger().Fatal("Failed to load configuration", zap.Error(err))
	}

	builder, err := provisioning.NewBuilder(ctx, cfg, provisioning.Dependencies{})
	if err != nil {
		logging.Logger().Fatal("Failed to create image builder",
			zap.String("provider", string(cfg.Provider.Type)),
			zap.Error(err))
	}
	return builder
}

func buildImage(ctx context.Context, name, input string) {
	builder := newBuilder(ctx)

	img, err := builder.Build(ctx, provisioning.Request{Name: name, Input: input})
	if err != nil {
		logging.Logger().Fatal("Failed to build image",
			zap.String("name", name),
			zap.String("input", input),
			zap.Error(err))
	}

	logging.Logger().Info("Image build completed",
		zap.String("name", img.Name),
		zap.String("id", img.ID),
		zap.String("source", img.Source),
		zap.Duration("took", img.Took))
	fmt.Println(img.Name)
}
