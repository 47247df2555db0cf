package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/chainguard-dev/runtime-selftest/internal/ssh"
	"github.com/spf13/cobra"
)

func newKeygenCmd() *cobra.Command {
	var (
		out     string
		comment string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 key pair for ssh_key",
		Long: `Writes a private key to --out and its authorized_keys line to --out.pub.
Install the .pub file as /home/root/.ssh/authorized_keys in images that do not
allow empty root passwords, then point ssh_key at the private key.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				for _, p := range []string{out, out + ".pub"} {
					if _, err := os.Stat(p); err == nil {
						return fmt.Errorf("%s already exists (use --force to overwrite)", p)
					} else if !errors.Is(err, os.ErrNotExist) {
						return err
					}
				}
			}

			pair, err := ssh.NewKeyPair()
			if err != nil {
				return err
			}
			priv, err := pair.PrivatePEM(comment)
			if err != nil {
				return err
			}
			pub, err := pair.AuthorizedKey()
			if err != nil {
				return err
			}

			if err := os.WriteFile(out, priv, 0o600); err != nil {
				return fmt.Errorf("writing private key: %w", err)
			}
			if err := os.WriteFile(out+".pub", pub, 0o644); err != nil {
				return fmt.Errorf("writing public key: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s.pub\nset ssh_key: %s (or SELFTEST_SSH_KEY)\n", out, out, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "selftest_ed25519", "private key path")
	cmd.Flags().StringVar(&comment, "comment", "runtime-selftest", "key comment")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}
