package cli

import (
	"fmt"
	"time"

	"controlhub/internal/config"
	"controlhub/internal/middleware"

	"github.com/spf13/cobra"
)

var (
	flagSubject  string
	flagTTL      time.Duration
	flagNoExpiry bool
)

// tokenCmd generates an HS256 JWT for testing/admin usage.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a JWT (HS256) for API authentication",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagSubject == "" {
			return fmt.Errorf("--sub is required")
		}
		cfg := config.Load()
		if cfg.JWT.Secret == "" {
			return fmt.Errorf("jwt.secret is empty; set it in config")
		}
		now := time.Now()
		claims := map[string]interface{}{
			"sub": flagSubject,
			"iat": now.Unix(),
		}
		if !flagNoExpiry {
			ttl := flagTTL
			if ttl <= 0 {
				ttl = cfg.JWT.ExpiresIn
			}
			claims["exp"] = now.Add(ttl).Unix()
		}
		tok, err := middleware.SignHS256(claims, cfg.JWT.Secret)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&flagSubject, "sub", "", "caller id to embed as the sub claim")
	tokenCmd.Flags().DurationVar(&flagTTL, "ttl", 0, "token lifetime (default jwt.expires_in)")
	tokenCmd.Flags().BoolVar(&flagNoExpiry, "no-exp", false, "do not include exp claim")
}
