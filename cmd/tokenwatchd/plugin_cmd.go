package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tokenwatch/tokenwatch/internal/canonjson"
	"github.com/tokenwatch/tokenwatch/internal/manifest"
	"github.com/tokenwatch/tokenwatch/internal/plugin/signing"
)

func newPluginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Manifest signing and verification utilities",
	}
	cmd.AddCommand(newPluginSignCmd())
	cmd.AddCommand(newPluginVerifyCmd())
	cmd.AddCommand(newPluginKeygenCmd())
	return cmd
}

func newPluginKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new ed25519 signing key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := signing.GenerateKeyPair()
			if err != nil {
				return err
			}
			fmt.Printf("public_key:  %x\n", pub)
			fmt.Printf("private_key: %x\n", priv)
			return nil
		},
	}
}

func newPluginSignCmd() *cobra.Command {
	var manifestPath, keyID, privateKeyHex string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a plugin manifest and print the signature field",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(manifestPath)
			if err != nil {
				return err
			}
			var m manifest.Manifest
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("parsing manifest: %w", err)
			}
			m.Signature = ""

			canonical, err := canonjson.Marshal(&m)
			if err != nil {
				return fmt.Errorf("canonicalizing manifest: %w", err)
			}

			priv, err := decodeHexPrivateKey(privateKeyHex)
			if err != nil {
				return err
			}
			sig := signing.Sign(keyID, priv, canonical)
			fmt.Println(sig)
			return nil
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "manifest.json", "path to manifest.json")
	cmd.Flags().StringVar(&keyID, "key-id", "", "signing key id to embed in the signature")
	cmd.Flags().StringVar(&privateKeyHex, "private-key", "", "hex-encoded ed25519 private key")
	cmd.MarkFlagRequired("key-id")
	cmd.MarkFlagRequired("private-key")
	return cmd
}

func newPluginVerifyCmd() *cobra.Command {
	var manifestPath, keyID, publicKeyHex string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a signed plugin manifest against a trusted public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(manifestPath)
			if err != nil {
				return err
			}
			var m manifest.Manifest
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("parsing manifest: %w", err)
			}
			if m.Signature == "" {
				return fmt.Errorf("manifest has no signature field")
			}
			signature := m.Signature
			m.Signature = ""

			canonical, err := canonjson.Marshal(&m)
			if err != nil {
				return fmt.Errorf("canonicalizing manifest: %w", err)
			}

			pub, err := decodeHexPublicKey(publicKeyHex)
			if err != nil {
				return err
			}
			trust := signing.TrustStore{keyID: pub}
			if err := signing.Verify(signature, canonical, trust); err != nil {
				return fmt.Errorf("signature verification failed: %w", err)
			}
			fmt.Println("signature OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "manifest.json", "path to manifest.json")
	cmd.Flags().StringVar(&keyID, "key-id", "", "expected signing key id")
	cmd.Flags().StringVar(&publicKeyHex, "public-key", "", "hex-encoded ed25519 public key")
	cmd.MarkFlagRequired("key-id")
	cmd.MarkFlagRequired("public-key")
	return cmd
}
