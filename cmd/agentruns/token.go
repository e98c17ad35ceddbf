package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/hirepilot/agentruns/internal/config"
	"github.com/hirepilot/agentruns/internal/server"
	"github.com/spf13/cobra"
)

var (
	tokenUser       string
	tokenWorkspaces []string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for local development",
	Long: `Sign a JWT with auth.secret for the given user and workspaces. The token is
accepted by the run API and by the watch command.`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

var hashWorkerTokenCmd = &cobra.Command{
	Use:   "hash-worker <token>",
	Short: "Print the bcrypt hash of a worker token",
	Long: `Hash a worker token with worker.bcrypt_cost. Deploy the hash as
worker.token_hash on API servers and the plain token as worker.token on workers.`,
	Args: cobra.ExactArgs(1),
	RunE: runHashWorkerToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User ID (default: a new random id)")
	tokenCmd.Flags().StringSliceVar(&tokenWorkspaces, "workspace", nil, "Workspace ID the user belongs to (repeatable)")
	tokenCmd.AddCommand(hashWorkerTokenCmd)
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	if err := cfg.RequireAuth(); err != nil {
		return err
	}

	userID := uuid.New()
	if tokenUser != "" {
		if userID, err = uuid.Parse(tokenUser); err != nil {
			return fmt.Errorf("invalid --user: %w", err)
		}
	}
	workspaceIDs := make([]uuid.UUID, 0, len(tokenWorkspaces))
	for _, raw := range tokenWorkspaces {
		id, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid --workspace %q: %w", raw, err)
		}
		workspaceIDs = append(workspaceIDs, id)
	}

	token, err := server.NewJWTService(cfg.Auth).GenerateToken(userID, workspaceIDs...)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "user %s, expires in %s\n", userID, cfg.Auth.Expiration())
	return nil
}

func runHashWorkerToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	hash, err := config.HashWorkerToken(args[0], cfg.Worker.BcryptCost)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}
