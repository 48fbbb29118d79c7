package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/pairpilot/pkg/identity"
	"github.com/cuemby/pairpilot/pkg/types"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an access token for the relay and API",
	Long: `Issue an HS256 token signed with identity.secret (or
PAIRPILOT_JWT_SECRET). The relay and API verify it with the same secret.

Examples:
  PAIRPILOT_JWT_SECRET=s3cret pairpilot token --user alice --ttl 24h`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().String("user", "", "Identity id (overrides identity.id)")
	tokenCmd.Flags().String("name", "", "Display name")
	tokenCmd.Flags().String("email", "", "Email claim")
	tokenCmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Identity.Secret == "" {
		return errors.New("identity.secret (or PAIRPILOT_JWT_SECRET) is required")
	}

	id := types.Identity{ID: cfg.Identity.ID, DisplayName: cfg.Identity.DisplayName}
	if v, _ := cmd.Flags().GetString("user"); v != "" {
		id.ID = v
	}
	if v, _ := cmd.Flags().GetString("name"); v != "" {
		id.DisplayName = v
	}
	if id.ID == "" {
		return errors.New("--user is required")
	}
	email, _ := cmd.Flags().GetString("email")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	token, err := identity.NewToken(cfg.Identity.Secret, cfg.Identity.Issuer).Issue(id, email, ttl)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}
	fmt.Println(token)
	return nil
}
