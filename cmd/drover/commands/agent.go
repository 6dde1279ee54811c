package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/drover/agent"
	"github.com/teranos/drover/agent/remote"
	"github.com/teranos/drover/am"
	"github.com/teranos/drover/errors"
	"github.com/teranos/drover/logger"
	"github.com/teranos/drover/sym"
)

// AgentCmd runs a build agent that heartbeats to a drover server
var AgentCmd = &cobra.Command{
	Use:   "agent",
	Short: sym.Agent + " Run a build agent",
	Long: `Connect to a drover server and report runtime status every ping interval.

A new agent registers as Pending and waits until an operator enables it.
Settings come from the [agent] section of am.toml; flags override them.`,
	RunE: runAgent,
}

var (
	agentServerURL string
	agentWorkDir   string
	agentResources []string
)

func init() {
	AgentCmd.Flags().StringVar(&agentServerURL, "server", "", "Server URL (overrides agent.server_url)")
	AgentCmd.Flags().StringVar(&agentWorkDir, "work-dir", "", "Working directory (overrides agent.work_dir)")
	AgentCmd.Flags().StringSliceVar(&agentResources, "resources", nil, "Resource tags (overrides agent.resources)")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	ac := cfg.Agent
	if agentServerURL != "" {
		ac.ServerURL = agentServerURL
	}
	if agentWorkDir != "" {
		ac.WorkDir = agentWorkDir
	}
	if agentResources != nil {
		ac.Resources = agentResources
	}

	reporter := remote.NewReporter(ac.UUID, ac.WorkDir, ac.Resources, agent.ElasticMetadata{
		AgentID:  ac.ElasticAgentID,
		PluginID: ac.ElasticPluginID,
	})
	log := logger.AddAgentSymbol(logger.Logger.Named("agent"))

	client, err := remote.NewClient(remote.ClientOptions{
		ServerURL: ac.ServerURL,
		Interval:  time.Duration(ac.PingIntervalSeconds) * time.Second,
		Runtime:   reporter.Snapshot,
		OnInstruction: func(instr agent.Instruction) {
			switch instr {
			case agent.InstructionCancel, agent.InstructionKillRunningTasks:
				reporter.SetCancelled()
				// No job runner executes work yet; the cancelled job is done at once
				reporter.SetIdle()
			}
			log.Infow("Instruction received", "instruction", instr)
		},
		Logger: log,
	})
	if err != nil {
		return err
	}

	if ac.UUID == "" {
		pterm.Warning.Printf("No agent.uuid configured; using %s for this run\n", reporter.UUID())
	}
	pterm.Info.Printf("Agent %s connecting to %s\n", reporter.UUID(), client.URL())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Run(ctx); err != nil {
		if errors.Is(err, errors.ErrForbidden) {
			pterm.Error.Println("Server refused this agent")
			if hint := errors.FlattenHints(err); hint != "" {
				pterm.Info.Println(hint)
			}
		}
		return err
	}
	pterm.Success.Println("Agent stopped")
	return nil
}
