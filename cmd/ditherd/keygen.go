package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// keySize matches wire.RemoteID's width; the plain-TCP transport derives a
// node's RemoteID directly from its public key bytes (see
// internal/transport/tcp.remoteIDFromPublicKey), so both halves of the
// keypair are the same size here. A future encrypted transport
// (internal/transport/noise) would give the private half real asymmetric
// structure; until then, "keypair" is deliberately just an opaque identity
// token, not a signing key.
const keySize = 32

func newKeygenCommand() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new node identity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			priv := make([]byte, keySize)
			if _, err := rand.Read(priv); err != nil {
				return fmt.Errorf("generate key: %w", err)
			}

			// The dev/test TCP transport has no real public/private key
			// split -- the "public key" the controller advertises is
			// whatever bytes get copied into the RemoteID -- so the
			// generated identity is printed as a single hex token that
			// serves as both.
			hexKey := hex.EncodeToString(priv)

			if outPath != "" {
				if err := writeKeyFile(outPath, hexKey); err != nil {
					return err
				}
				cmd.Printf("wrote node identity to %s\n", outPath)
				return nil
			}

			cmd.Println(hexKey)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write the generated identity to a file instead of stdout")

	return cmd
}

// writeKeyFile writes a hex-encoded identity to path with owner-only
// permissions.
func writeKeyFile(path, hexKey string) error {
	if err := os.WriteFile(path, []byte(hexKey+"\n"), 0o600); err != nil {
		return fmt.Errorf("write key file %s: %w", path, err)
	}
	return nil
}
