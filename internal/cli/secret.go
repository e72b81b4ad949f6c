package cli

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/drksbr/mtrelay/internal/obfuscated2"
)

func newSecretCommand() *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Generate a random proxy secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := obfuscated2.GenerateSecret()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, secret.Hex())
			if host != "" {
				fmt.Fprintln(out, inviteLink(host, port, secret.Hex()))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "public host used to print a tg://proxy link")
	cmd.Flags().IntVar(&port, "port", 443, "public port used in the tg://proxy link")
	return cmd
}

func inviteLink(host string, port int, secret string) string {
	q := url.Values{}
	q.Set("server", host)
	q.Set("port", strconv.Itoa(port))
	q.Set("secret", secret)
	return "tg://proxy?" + q.Encode()
}
