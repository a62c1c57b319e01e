package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/spf13/cobra"

	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti"
)

// keygenCmd writes a fresh RSA key pair for a registration.
func keygenCmd() *cobra.Command {
	var dir string
	var bits int
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a tool RSA key pair (private.key, public.key)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if bits < 2048 {
				return fmt.Errorf("--bits must be at least 2048")
			}
			key, err := rsa.GenerateKey(rand.Reader, bits)
			if err != nil {
				return fmt.Errorf("generating key: %w", err)
			}
			privPEM, pubPEM, err := encodeKeyPair(key)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			privPath, pubPath := filepath.Join(dir, "private.key"), filepath.Join(dir, "public.key")
			if !force {
				for _, p := range []string{privPath, pubPath} {
					if _, err := os.Stat(p); err == nil {
						return fmt.Errorf("%s exists (use --force to overwrite)", p)
					}
				}
			}
			if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
				return err
			}
			if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
				return err
			}
			kid, err := lti.Thumbprint(&key.PublicKey)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s (kid %s)\n", privPath, pubPath, kid)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "Output directory")
	cmd.Flags().IntVar(&bits, "bits", 2048, "RSA key size")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing key files")
	return cmd
}

func encodeKeyPair(key *rsa.PrivateKey) (priv, pub []byte, err error) {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding public key: %w", err)
	}
	priv = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pub = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return priv, pub, nil
}

// jwksCmd prints the public JWKS the platform should be given for a key file.
func jwksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jwks <key.pem>",
		Short: "Print the JWKS for a tool public (or private) key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			pub, err := publicKeyFromPEM(data)
			if err != nil {
				return err
			}
			return writeJWKS(cmd.OutOrStdout(), pub)
		},
	}
}

// publicKeyFromPEM accepts either half of the pair.
func publicKeyFromPEM(data []byte) (*rsa.PublicKey, error) {
	if pub, err := jwt.ParseRSAPublicKeyFromPEM(data); err == nil {
		return pub, nil
	}
	priv, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("not an RSA key: %w", err)
	}
	return &priv.PublicKey, nil
}

func writeJWKS(w io.Writer, pub *rsa.PublicKey) error {
	kid, err := lti.Thumbprint(pub)
	if err != nil {
		return err
	}
	k, err := jwk.FromRaw(pub)
	if err != nil {
		return err
	}
	_ = k.Set(jwk.KeyIDKey, kid)
	_ = k.Set(jwk.AlgorithmKey, jwa.RS256)
	_ = k.Set(jwk.KeyUsageKey, "sig")
	set := jwk.NewSet()
	if err := set.AddKey(k); err != nil {
		return err
	}
	b, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
