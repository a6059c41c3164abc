package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"taxdesk/backend/internal/experts"
	"taxdesk/backend/internal/gateway"
	"taxdesk/backend/internal/llm"
	"taxdesk/backend/internal/matching"
	"taxdesk/backend/internal/session"
	"taxdesk/backend/internal/store"
)

type matchOutput struct {
	Kind   string              `json:"kind"`
	Match  *matching.Result    `json:"match,omitempty"`
	Expert *matching.Candidate `json:"expert,omitempty"`
	Cause  string              `json:"cause,omitempty"`
}

func newMatchCmd() *cobra.Command {
	var expertsFile string
	cmd := &cobra.Command{
		Use:   "match <query>",
		Short: "Recommend one expert for a question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if expertsFile != "" {
				cfg.ExpertsFile = expertsFile
			}
			catalog, err := experts.Load(cfg.ExpertsFile)
			if err != nil {
				return err
			}
			client, err := llm.NewFromConfig(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			engine := matching.NewEngine(gateway.New(client, cfg.FreeQuestionQuota, logger), logger)
			outcome := engine.Match(cmd.Context(), strings.Join(args, " "), catalog.Snapshot())
			return printJSON(cmd.OutOrStdout(), describeOutcome(outcome, catalog))
		},
	}
	cmd.Flags().StringVar(&expertsFile, "experts", "", "expert catalog file (defaults to EXPERTS_FILE)")
	return cmd
}

func describeOutcome(outcome matching.Outcome, catalog *experts.Catalog) matchOutput {
	out := matchOutput{Kind: outcome.Kind()}
	if fallback, ok := outcome.(matching.Fallback); ok && fallback.Cause != nil {
		out.Cause = fallback.Cause.Error()
	}
	if result, ok := matching.Best(outcome); ok {
		out.Match = &result
		if expert, found := catalog.Lookup(result.CandidateID); found {
			out.Expert = &expert
		}
	}
	return out
}

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or reset stored conversations",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show <id>",
			Short: "Print a stored session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSessions(cmd, func(m *session.Manager) error {
					snapshot, err := m.Snapshot(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), snapshot)
				})
			},
		},
		&cobra.Command{
			Use:   "reset <id>",
			Short: "Delete a stored session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSessions(cmd, func(m *session.Manager) error {
					if err := m.Reset(cmd.Context(), args[0]); err != nil {
						return err
					}
					_, err := fmt.Fprintf(cmd.OutOrStdout(), "session %s reset\n", args[0])
					return err
				})
			},
		},
	)
	return cmd
}

func withSessions(cmd *cobra.Command, fn func(*session.Manager) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	kv, err := store.Open(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer kv.Close()

	m := session.NewManager(kv, nil, session.Options{
		Quota:  cfg.FreeQuestionQuota,
		Logger: logger,
	})
	defer m.Close()
	return fn(m)
}

func printJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
