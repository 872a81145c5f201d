package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/keyward/internal/secrets"
)

var vaultOutput string

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Encrypt or decrypt an age credential vault",
	Long: `The vault is a .env document encrypted with an age passphrase
(scrypt) and ASCII-armored. The passphrase is read from
KEYWARD_VAULT_PASSPHRASE.`,
}

var vaultEncryptCmd = &cobra.Command{
	Use:   "encrypt <env-file>",
	Short: "Seal a .env file into a vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		pass, err := vaultPassphrase()
		if err != nil {
			return err
		}
		plaintext, err := os.ReadFile(args[0])
		if err != nil {
			return withCode(exitConfig, err)
		}
		defer clear(plaintext)
		if _, err := secrets.OpenFile(args[0]); err != nil {
			return withCode(exitConfig, err)
		}
		out := vaultOutput
		if out == "" {
			out = args[0] + ".age"
		}
		if err := secrets.SealFile(out, plaintext, pass); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "vault written to %s\n", out)
		return nil
	},
}

var vaultDecryptCmd = &cobra.Command{
	Use:   "decrypt <vault-file>",
	Short: "Print the decrypted .env document of a vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		pass, err := vaultPassphrase()
		if err != nil {
			return err
		}
		f, err := os.Open(args[0])
		if err != nil {
			return withCode(exitConfig, err)
		}
		defer f.Close()
		plaintext, err := secrets.Unseal(f, pass)
		if err != nil {
			return err
		}
		defer clear(plaintext)

		var w io.Writer = os.Stdout
		if vaultOutput != "" {
			out, err := os.OpenFile(vaultOutput, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
			if err != nil {
				return err
			}
			defer out.Close()
			w = out
		}
		_, err = w.Write(plaintext)
		return err
	},
}

func init() {
	vaultCmd.PersistentFlags().StringVarP(&vaultOutput, "output", "o", "", "output file (encrypt default <env-file>.age, decrypt default stdout)")
	vaultCmd.AddCommand(vaultEncryptCmd, vaultDecryptCmd)
}

func vaultPassphrase() (string, error) {
	pass := goutils.Env("KEYWARD_VAULT_PASSPHRASE", "")
	if pass == "" {
		return "", withCode(exitConfig, errors.New("KEYWARD_VAULT_PASSPHRASE is not set"))
	}
	return pass, nil
}
