// Command raftkv boots one node of a replicated key/value cluster and
// exposes the status/control surface of spec.md §6, mirroring the
// teacher's cmd/warren: a cobra root with persistent logging flags and
// one subcommand per verb, rather than a generic RPC shell.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lattice-kv/raftkv/internal/config"
	"github.com/lattice-kv/raftkv/internal/node"
	"github.com/lattice-kv/raftkv/internal/rlog"
)

var (
	// Version is set via ldflags at build time.
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "raftkv",
	Short:   "raftkv - a Raft-replicated, transactional key/value store",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stepDownCmd)
	rootCmd.AddCommand(startElectionCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(fallbackStatusCmd)
	rootCmd.AddCommand(fallbackForceStandaloneCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	rlog.Init(rlog.Config{Level: rlog.Level(logLevel), JSONOutput: logJSON})
}

// configPathFlag is shared by every command that drives a node's
// control API: each one loads the node configuration file and wires
// its own in-process node from it (loadControlAPI). The control
// commands do not connect to a separately running `serve` process.
func configPathFlag(cmd *cobra.Command) {
	cmd.Flags().String("config", "raftkv.yaml", "Path to the node configuration file")
}

func loadControlAPI(cmd *cobra.Command) (*node.Node, *node.ControlAPI, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	n, err := node.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("wire node: %w", err)
	}
	return n, node.NewControlAPI(n), nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a raftkv node from a configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		n, err := node.New(cfg)
		if err != nil {
			return fmt.Errorf("wire node: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := n.Start(ctx); err != nil {
			return fmt.Errorf("start node: %w", err)
		}
		fmt.Printf("raftkv node %q serving (primary cluster %s)\n", cfg.Primary.Identity, cfg.Primary.BindAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("shutting down...")
		return n.Close()
	},
}

var statusCmd = &cobra.Command{
	Use:   "raft-status",
	Short: "Print the primary cluster's role, term, leader, and membership",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, api, err := loadControlAPI(cmd)
		if err != nil {
			return err
		}
		defer n.Close()

		st := api.RaftStatus()
		fmt.Printf("identity:     %s\n", st.Identity)
		fmt.Printf("role:         %s\n", st.Role)
		fmt.Printf("term:         %d\n", st.Term)
		fmt.Printf("leader:       %s\n", st.Leader)
		fmt.Printf("commit index: %d\n", st.CommitIndex)
		fmt.Println("members:")
		for _, m := range st.Members {
			fmt.Printf("  - %s (%s)\n", m.Identity, m.Address)
		}
		return nil
	},
}

var stepDownCmd = &cobra.Command{
	Use:   "raft-step-down",
	Short: "Force the primary cluster's leader back to follower",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, api, err := loadControlAPI(cmd)
		if err != nil {
			return err
		}
		defer n.Close()
		api.StepDown()
		fmt.Println("step-down requested")
		return nil
	},
}

var startElectionCmd = &cobra.Command{
	Use:   "raft-start-election",
	Short: "Force the primary cluster into a new election round",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, api, err := loadControlAPI(cmd)
		if err != nil {
			return err
		}
		defer n.Close()
		api.StartElection()
		fmt.Println("election requested")
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "raft-add IDENTITY ADDRESS",
	Short: "Propose admitting a new voting member to the primary cluster",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, api, err := loadControlAPI(cmd)
		if err != nil {
			return err
		}
		defer n.Close()
		if err := api.AddMember(args[0], args[1]); err != nil {
			return fmt.Errorf("add member: %w", err)
		}
		fmt.Printf("proposed adding %s at %s\n", args[0], args[1])
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "raft-remove IDENTITY",
	Short: "Propose removing a voting member from the primary cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, api, err := loadControlAPI(cmd)
		if err != nil {
			return err
		}
		defer n.Close()
		if err := api.RemoveMember(args[0]); err != nil {
			return fmt.Errorf("remove member: %w", err)
		}
		fmt.Printf("proposed removing %s\n", args[0])
		return nil
	},
}

var fallbackStatusCmd = &cobra.Command{
	Use:   "raft-fallback-status",
	Short: "Print the fallback controller's current target and per-target availability",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, api, err := loadControlAPI(cmd)
		if err != nil {
			return err
		}
		defer n.Close()

		st := api.FallbackStatus()
		fmt.Printf("current target:  %s\n", st.CurrentTarget)
		fmt.Printf("migration count: %d\n", st.MigrationCount)
		fmt.Printf("migrating:       %v\n", st.Migrating)
		fmt.Printf("forced standalone: %v\n", st.ForceStandalone)
		fmt.Println("targets:")
		for _, t := range st.Targets {
			fmt.Printf("  - %-20s raw=%-5v hysteresis=%v\n", t.Name, t.RawAvailable, t.HysteresisAvailable)
		}
		return nil
	},
}

var fallbackForceStandaloneCmd = &cobra.Command{
	Use:   "raft-fallback-force-standalone {on|off}",
	Short: "Pin (or unpin) the fallback controller to the standalone store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var on bool
		switch args[0] {
		case "on":
			on = true
		case "off":
			on = false
		default:
			return fmt.Errorf("argument must be %q or %q", "on", "off")
		}

		n, api, err := loadControlAPI(cmd)
		if err != nil {
			return err
		}
		defer n.Close()
		api.ForceFallbackStandalone(on)
		fmt.Printf("forced standalone: %v\n", on)
		return nil
	},
}

func init() {
	configPathFlag(serveCmd)
	configPathFlag(statusCmd)
	configPathFlag(stepDownCmd)
	configPathFlag(startElectionCmd)
	configPathFlag(addCmd)
	configPathFlag(removeCmd)
	configPathFlag(fallbackStatusCmd)
	configPathFlag(fallbackForceStandaloneCmd)
}
