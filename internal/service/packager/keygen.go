package packager

import (
	"context"

	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/logger"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/signature"
)

// KeygenOptions contains inputs for the key pair generator.
type KeygenOptions struct {
	// Algorithm selects the signing scheme, "ed25519" or "rsa".
	Algorithm string
	// Bits sets the RSA modulus size. Ignored for Ed25519.
	Bits int
	// OutputPrefix names the emitted files: <prefix>.pem holds the
	// signing key, <prefix>.pub.pem the device trust anchor.
	OutputPrefix string
}

const (
	// defaultKeyPrefix matches the key file the device ships with.
	defaultKeyPrefix = "beechat-ota"

	// privateKeySuffix and publicKeySuffix complete the output names.
	privateKeySuffix = ".pem"
	publicKeySuffix  = ".pub.pem"
)

// Keygen generates a signing key pair for the packaging workflow.
func Keygen(ctx context.Context, opts *KeygenOptions) error {
	ctx = logger.WithName(ctx, "kaonic-ota-packager")

	algorithm, err := signature.ParseAlgorithm(opts.Algorithm)
	if err != nil {
		return err
	}

	prefix := opts.OutputPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	key, err := signature.GenerateKey(algorithm, opts.Bits)
	if err != nil {
		return err
	}

	privatePath := prefix + privateKeySuffix
	publicPath := prefix + publicKeySuffix

	if err = signature.WriteKeyPair(key, privatePath, publicPath); err != nil {
		return err
	}

	logger.InfoKV(ctx, "Key pair written",
		"algorithm", algorithm.String(),
		"private_key", privatePath,
		"public_key", publicPath)
	logger.Infof(ctx, "Provision %s into the device metadata directory and keep %s offline", publicPath, privatePath)

	return nil
}
