package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionline/internal/app"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/migrate"
	"missionline/internal/repo"
	"missionline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ml",
	Short: "Missionline CLI",
	Long: `Missionline runs an agent-labor marketplace with escrowed rewards and staked verification.
Core concepts:
- Workspace: your .missionline directory holding only the database; marketplace config lives in the DB.
- Mission: a posted job with a reward. The reward is escrowed from the requester the moment it is posted.
- Assignment: cheap missions go through autopilot (scored, damped, deterministic draw); expensive ones open a sealed-bid window.
- Bonds: workers and verifiers stake credits to participate; honest work releases them, dishonest work slashes them.
- Verification: staked verifiers vote approve/reject; majority decides, ties fail.
- Settlement: one atomic distribution of escrow, fees, and bonds, with every remainder accruing to the protocol treasury.
- Event log: diary of everything that happened, view with 'ml log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MISSIONLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("marketplace", "", "marketplace id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("marketplace", rootCmd.PersistentFlags().Lookup("marketplace"))
}

func registerCommands() {
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(bidCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{Use: "mission", Short: "Manage missions"}
	m.AddCommand(missionPostCmd())
	m.AddCommand(missionListCmd())
	m.AddCommand(missionGetCmd())
	m.AddCommand(missionStartCmd())
	m.AddCommand(missionSubmitCmd())
	m.AddCommand(missionCloseBiddingCmd())
	m.AddCommand(missionSettleCmd())
	m.AddCommand(missionSettlementCmd())
	return m
}

func missionPostCmd() *cobra.Command {
	var opts engine.MissionCreateOptions
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Post a mission (escrows the reward)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				opts.RequesterID = actor
				opts.ActorID = actor
				m, err := e.CreateMission(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "mission id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().Int64Var(&opts.Reward, "reward", 0, "reward in credits")
	cmd.Flags().StringArrayVar(&opts.Specialties, "specialty", []string{}, "required specialty (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Requirements, "require", []string{}, "requirement (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Deliverables, "deliverable", []string{}, "expected deliverable (repeatable)")
	cmd.Flags().StringVar(&opts.DeadlineAt, "deadline", "", "deadline (RFC3339)")
	cmd.Flags().IntVar(&opts.TimeoutMinutes, "timeout", 0, "execution timeout in minutes")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "assignment mode (autopilot, bidding, direct_hire; default picks by reward)")
	cmd.Flags().StringVar(&opts.HireAgentID, "hire", "", "agent id for direct_hire mode")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("reward")
	return cmd
}

func missionListCmd() *cobra.Command {
	var f repo.MissionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				missions, err := e.Repo.ListMissions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(missions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Reward", "Mode", "Agent"})
				for _, m := range missions {
					agent := ""
					if m.AssignedAgentID != nil {
						agent = *m.AssignedAgentID
					}
					tw.AppendRow(table.Row{m.ID, m.Title, m.Status, m.Reward, m.AssignmentMode, agent})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.RequesterID, "requester", "", "requester filter")
	cmd.Flags().StringVar(&f.AssignedAgent, "agent", "", "assigned agent filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func missionGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func missionStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Start an assigned mission (stakes the worker bond)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.StartMission(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func missionSubmitCmd() *cobra.Command {
	var submission, artifacts string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit the mission deliverable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.SubmitWork(ctx, args[0], viper.GetString("actor-id"), submission, artifacts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&submission, "submission", "", "submission text or URI")
	cmd.Flags().StringVar(&artifacts, "artifacts", "", "artifact list as JSON")
	_ = cmd.MarkFlagRequired("submission")
	return cmd
}

func missionCloseBiddingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close-bidding <id>",
		Short: "Close the auction early (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CloseBidding(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func missionSettleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settle <id>",
		Short: "Tally votes and settle a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SettleMission(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func missionSettlementCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settlement <id>",
		Short: "Show a mission's settlement receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSettlementByMission(ctx, nil, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func bidCmd() *cobra.Command {
	b := &cobra.Command{Use: "bid", Short: "Sealed-bid auctions"}
	b.AddCommand(bidSubmitCmd())
	b.AddCommand(bidListCmd())
	return b
}

func bidSubmitCmd() *cobra.Command {
	var price, bond int64
	var eta int
	var message string
	cmd := &cobra.Command{
		Use:   "submit <mission-id>",
		Short: "Submit a sealed bid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				bid, err := e.SubmitBid(ctx, engine.BidOptions{
					MissionID:   args[0],
					AgentID:     viper.GetString("actor-id"),
					Price:       price,
					ETAMinutes:  eta,
					BondOffered: bond,
					Message:     message,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(bid)
			})
		},
	}
	cmd.Flags().Int64Var(&price, "price", 0, "asking price in credits")
	cmd.Flags().IntVar(&eta, "eta", 0, "estimated completion in minutes")
	cmd.Flags().Int64Var(&bond, "bond", 0, "bond offered beyond the minimum")
	cmd.Flags().StringVar(&message, "message", "", "note to the requester")
	_ = cmd.MarkFlagRequired("price")
	_ = cmd.MarkFlagRequired("eta")
	return cmd
}

func bidListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <mission-id>",
		Short: "List bids on a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				bids, err := e.Repo.ListBids(ctx, nil, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(bids)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Agent", "Price", "ETA", "Bond"})
				for _, b := range bids {
					tw.AppendRow(table.Row{b.ID, b.AgentID, b.Price, b.ETAMinutes, b.BondOffered})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func verifyCmd() *cobra.Command {
	v := &cobra.Command{Use: "verify", Short: "Staked verification"}
	v.AddCommand(verifyBondCmd())
	v.AddCommand(verifyVoteCmd())
	return v
}

func verifyBondCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bond <mission-id>",
		Short: "Stake a verifier bond to join verification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.StakeVerifierBond(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func verifyVoteCmd() *cobra.Command {
	var vote, comment string
	cmd := &cobra.Command{
		Use:   "vote <mission-id>",
		Short: "Cast an approve/reject vote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.CastVote(ctx, args[0], viper.GetString("actor-id"), vote, comment)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&vote, "vote", "", "approve or reject")
	cmd.Flags().StringVar(&comment, "comment", "", "optional comment")
	_ = cmd.MarkFlagRequired("vote")
	return cmd
}

func agentCmd() *cobra.Command {
	a := &cobra.Command{Use: "agent", Short: "Agent directory"}
	a.AddCommand(agentRegisterCmd())
	a.AddCommand(agentListCmd())
	a.AddCommand(agentShowCmd())
	a.AddCommand(agentUpdateCmd())
	a.AddCommand(agentHistoryCmd())
	a.AddCommand(agentClearHistoryCmd())
	return a
}

func agentRegisterCmd() *cobra.Command {
	var opts engine.AgentRegisterOptions
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = viper.GetString("actor-id")
				a, err := e.RegisterAgent(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "agent id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Role, "role", "worker", "role (worker, verifier, requester, admin)")
	cmd.Flags().StringArrayVar(&opts.Specialties, "specialty", []string{}, "specialty (repeatable)")
	cmd.Flags().Int64Var(&opts.HourlyRate, "rate", 0, "hourly rate in credits")
	cmd.Flags().IntVar(&opts.MaxConcurrent, "max-concurrent", 0, "max concurrent missions (default from config)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func agentListCmd() *cobra.Command {
	var f repo.AgentFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agents, err := e.Repo.ListAgents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Reputation", "Rate", "Available"})
				for _, a := range agents {
					tw.AppendRow(table.Row{a.ID, a.Name, a.Role, a.Reputation, a.HourlyRate, a.Available})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Role, "role", "", "role filter")
	cmd.Flags().BoolVar(&f.AvailableOnly, "available", false, "only available agents")
	return cmd
}

func agentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func agentUpdateCmd() *cobra.Command {
	var name string
	var rate int64
	var available, suspended bool
	var maxConcurrent int
	var specialties []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update agent profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var u repo.AgentUpdate
				if cmd.Flags().Changed("name") {
					u.Name = &name
				}
				if cmd.Flags().Changed("rate") {
					u.HourlyRate = &rate
				}
				if cmd.Flags().Changed("available") {
					u.Available = &available
				}
				if cmd.Flags().Changed("suspended") {
					u.Suspended = &suspended
				}
				if cmd.Flags().Changed("max-concurrent") {
					u.MaxConcurrent = &maxConcurrent
				}
				if cmd.Flags().Changed("specialty") {
					u.Specialties = specialties
				}
				a, err := e.UpdateAgentProfile(ctx, args[0], u, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().Int64Var(&rate, "rate", 0, "hourly rate in credits")
	cmd.Flags().BoolVar(&available, "available", true, "availability")
	cmd.Flags().BoolVar(&suspended, "suspended", false, "suspension")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "max concurrent missions")
	cmd.Flags().StringArrayVar(&specialties, "specialty", []string{}, "specialty (repeatable, replaces the set)")
	return cmd
}

func agentHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Recent assignment wins",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAssignments(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Mission", "Method", "Won at"})
				for _, rec := range items {
					tw.AppendRow(table.Row{rec.MissionID, rec.Method, rec.WonAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func agentClearHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear-history <id>",
		Short: "Clear assignment history (resets anti-monopoly damping)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.ClearAgentHistory(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func ledgerCmd() *cobra.Command {
	l := &cobra.Command{Use: "ledger", Short: "Credit ledger"}
	l.AddCommand(ledgerMintCmd())
	l.AddCommand(ledgerBalanceCmd())
	return l
}

func ledgerMintCmd() *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "mint <agent-id>",
		Short: "Mint credits to an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				available, err := e.MintFunds(ctx, args[0], amount, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"agent_id": args[0], "available": available})
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in credits")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func ledgerBalanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance <agent-id>",
		Short: "Show available balance (reserved locks excluded)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				available, err := e.AvailableBalance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"agent_id": args[0], "available": available})
			})
		},
	}
	return cmd
}

func dispatchCmd() *cobra.Command {
	d := &cobra.Command{Use: "dispatch", Short: "Notification queue"}
	d.AddCommand(dispatchListCmd())
	d.AddCommand(dispatchAckCmd())
	return d
}

func dispatchListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued notifications for the acting agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDispatch(ctx, viper.GetString("actor-id"), status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Created"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Type, t.Status, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", domain.DispatchQueued, "status filter (queued, acked)")
	cmd.Flags().IntVar(&limit, "n", 20, "max results")
	return cmd
}

func dispatchAckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ack <task-id>",
		Short: "Acknowledge a notification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.AckDispatch(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: mission transitions, assignments, bonds, votes, and settlements.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, missionID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, missionID, evtType, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&missionID, "mission", "", "mission id filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "API key management"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyRevokeCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plaintext := "mlk_" + uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(plaintext),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":      key.ID,
					"actor":   key.ActorID,
					"api_key": plaintext,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (default: --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveMarketplaceConfig(cmd.Context(), viper.GetString("marketplace"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if err := e.ResumeBiddingTimers(cmd.Context()); err != nil {
				return fmt.Errorf("resume bidding timers: %w", err)
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("MISSIONLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("MISSIONLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Missionline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveMarketplaceConfig(ctx, viper.GetString("marketplace"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
