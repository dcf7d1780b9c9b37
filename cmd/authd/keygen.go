package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print fresh signing and MFA encryption keys as .env lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeKeys(cmd.OutOrStdout(), rand.Reader)
		},
	}
}

// writeKeys emits the signing key as a base64 seed so it fits on one .env
// line; config also accepts PKCS#8 PEM.
func writeKeys(w io.Writer, random io.Reader) error {
	pub, priv, err := ed25519.GenerateKey(random)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	mfaKey := make([]byte, 32)
	if _, err := io.ReadFull(random, mfaKey); err != nil {
		return fmt.Errorf("generate mfa key: %w", err)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "AUTHCORE_JWT_PRIVATE_KEY=%s\n", base64.StdEncoding.EncodeToString(priv.Seed()))
	fmt.Fprintf(w, "AUTHCORE_MFA_ENCRYPTION_KEY=%s\n", base64.StdEncoding.EncodeToString(mfaKey))
	fmt.Fprintf(w, "# public key for token verifiers:\n")
	block := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	for _, line := range strings.Split(strings.TrimSpace(string(block)), "\n") {
		fmt.Fprintf(w, "# %s\n", line)
	}
	return nil
}
