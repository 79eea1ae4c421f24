package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/service/packager"
)

var (
	// keygenAlgorithm selects the signing scheme.
	keygenAlgorithm string
	// keygenBits sets the RSA modulus size.
	keygenBits int
	// keygenPrefix names the emitted key files.
	keygenPrefix string

	// keygenCmd generates the release signing key pair.
	keygenCmd = &cobra.Command{
		Use:   "keygen",
		Short: "Generate a release signing key pair.",
		Long: `Generates the PEM key pair the packaging workflow starts from:
<prefix>.pem holds the private signing key, <prefix>.pub.pem the public
key to provision into the device metadata directory.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &packager.KeygenOptions{
				Algorithm:    keygenAlgorithm,
				Bits:         keygenBits,
				OutputPrefix: keygenPrefix,
			}

			return packager.Keygen(ctx, options)
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	keygenCmd.Flags().StringVarP(&keygenAlgorithm, "algorithm", "a", "ed25519", "signature algorithm: ed25519 or rsa")
	keygenCmd.Flags().IntVar(&keygenBits, "bits", 3072, "RSA modulus size, ignored for ed25519")
	keygenCmd.Flags().StringVar(&keygenPrefix, "out", "beechat-ota", "output file prefix")

	rootCmd.AddCommand(keygenCmd)
}
