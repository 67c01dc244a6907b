package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/denysKyrpota/SQL-agent-sub000/config"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/runtime"
)

// tokenCMD issues an API token. Tokens are normally minted by the identity
// provider in front of this service; this command covers ops and local use.
func tokenCMD() *cobra.Command {
	var cfgPath string
	var user string
	var ttl time.Duration
	var admin bool

	var token = &cobra.Command{
		Use:   "token",
		Short: "Issue a signed API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			secret, err := runtime.LoadJWTSecret(cfg)
			if err != nil {
				return err
			}
			var scopes []string
			if admin {
				scopes = append(scopes, runtime.ScopeAdmin)
			}
			signed, err := runtime.SignJWT(user, secret, ttl, scopes...)
			if err != nil {
				return err
			}
			fmt.Println(signed)
			return nil
		},
	}
	token.Flags().StringVar(&user, "user", "", "subject user id")
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	token.Flags().BoolVar(&admin, "admin", false, "grant the admin scope")
	_ = token.MarkFlagRequired("user")
	token.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return token
}
