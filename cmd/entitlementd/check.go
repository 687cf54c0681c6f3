package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcourtman/entitlementd/internal/config"
)

var (
	checkFeature string
	checkTimeout time.Duration
)

var checkCmd = &cobra.Command{
	Use:   "check <account>",
	Short: "Decide whether an account may use a feature",
	Long: `check runs one access decision with the configured stores and prints it as JSON.
With --remote (or ENTITLEMENTD_REMOTE_URL in edge mode) the authority is queried over HTTP.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := ""
		if flagRemoteURL != "" {
			mode = config.ModeEdge
		}
		cfg, err := loadConfig(mode)
		if err != nil {
			return err
		}
		return runCheck(cmd, cfg, args[0])
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkFeature, "feature", "", "feature to check (required)")
	checkCmd.Flags().DurationVar(&checkTimeout, "timeout", 30*time.Second, "overall timeout")
	_ = checkCmd.MarkFlagRequired("feature")
}

func runCheck(cmd *cobra.Command, cfg *config.Config, accountID string) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	decision := eng.validator.CheckAccess(ctx, checkFeature, accountID)
	out, err := json.MarshalIndent(decision, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if !decision.Granted() {
		return fmt.Errorf("access denied: %s", decision.Reason)
	}
	return nil
}
