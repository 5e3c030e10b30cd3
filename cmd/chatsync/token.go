package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hrygo/chatsync/server/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an access token for a user",
	RunE: func(cmd *cobra.Command, _ []string) error {
		userID, err := cmd.Flags().GetInt32("user")
		if err != nil {
			return err
		}
		if userID <= 0 {
			return errors.New("--user must be a positive user id")
		}
		rawTTL, err := cmd.Flags().GetString("ttl")
		if err != nil {
			return err
		}
		ttl, err := parseTTL(rawTTL)
		if err != nil {
			return errors.Wrapf(err, "invalid --ttl %q", rawTTL)
		}

		p := profileFromViper()
		if err := p.Validate(); err != nil {
			return err
		}
		token, err := auth.GenerateAccessToken(userID, ttl, []byte(p.Secret))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Int32("user", 0, "numeric id of the user the token is issued for")
	tokenCmd.Flags().String("ttl", "30d", `token lifetime such as "12h" or "30d"; "0" never expires`)
}
