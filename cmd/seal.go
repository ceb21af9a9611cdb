package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	provisionagent "github.com/httprunner/ProvisionAgent"
	"github.com/spf13/cobra"
)

func newSealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seal [secret]",
		Short: "Encrypt a secret with secret_key for use as vpn_auth_key_sealed",
		Long:  "Reads the secret from the argument or, when omitted, from the first line of stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := ""
			if len(args) == 1 {
				secret = args[0]
			} else {
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read secret from stdin: %w", err)
				}
				secret = strings.TrimRight(line, "\r\n")
			}
			if secret == "" {
				return fmt.Errorf("empty secret")
			}
			settings, err := provisionagent.LoadSettings(rootConfig)
			if err != nil {
				return err
			}
			sealed, err := provisionagent.Seal(settings.SecretKey, secret)
			if err != nil {
				return err
			}
			fmt.Println(sealed)
			return nil
		},
	}
}
