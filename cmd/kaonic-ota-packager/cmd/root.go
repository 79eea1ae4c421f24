package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/service/packager"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/version"
)

var (
	// binaryPath to the executable being packaged.
	binaryPath string
	// releaseVersion recorded inside the package.
	releaseVersion string
	// keyPath to the PEM signing key.
	keyPath string
	// outputPath of the package archive.
	outputPath string
	// binaryName overrides the artifact base name.
	binaryName string

	// rootCmd represents the base command for building OTA packages.
	rootCmd = &cobra.Command{
		Use:   "kaonic-ota-packager",
		Short: "Build a signed OTA package for the update agent.",
		Long: `Builds the zip archive the kaonic-otad agent accepts: the executable,
its SHA-256 digest, a version label and a detached signature produced
with the release private key. The device verifies the digest and the
signature against its provisioned public key before installing.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &packager.Options{
				BinaryPath: binaryPath,
				Version:    releaseVersion,
				KeyPath:    keyPath,
				OutputPath: outputPath,
				BinaryName: binaryName,
			}

			return packager.Run(ctx, options)
		},
	}
)

// Execute runs the kaonic-ota-packager CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.Flags().StringVarP(&binaryPath, "binary", "b", "", "path to the executable to package (required)")
	rootCmd.Flags().StringVarP(&releaseVersion, "release-version", "r", "", "version label recorded in the package")
	rootCmd.Flags().StringVarP(&keyPath, "key", "k", "", "path to the PEM signing key (required)")
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "path of the package archive (default <binary-name>-ota.zip)")
	rootCmd.Flags().StringVar(&binaryName, "binary-name", "", "artifact base name inside the archive (default the binary's base name)")

	_ = rootCmd.MarkFlagRequired("binary")
	_ = rootCmd.MarkFlagRequired("key")
}
