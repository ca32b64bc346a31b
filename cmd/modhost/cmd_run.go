package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"modhost/internal/config"
	"modhost/internal/loader"
)

var (
	runNodeType string
	runNodeID   string
	runInputs   string
	runConfigJS string
	runTimeout  time.Duration
)

// runCmd loads one mod and executes a single node invocation.
var runCmd = &cobra.Command{
	Use:   "run [mod-dir]",
	Short: "Load a mod and execute one of its nodes",
	Long: `Validates and loads the mod package, spawns its sandbox runner,
executes one node invocation, prints the outputs as JSON, and shuts the
runner down.

Example:
  modhost run ./mods/counter --node counter --inputs '{"increment": 1}'`,
	Args: cobra.ExactArgs(1),
	RunE: runNode,
}

func init() {
	runCmd.Flags().StringVar(&runNodeType, "node", "", "Node type to execute (default: the mod's first node type)")
	runCmd.Flags().StringVar(&runNodeID, "node-id", "node-1", "Node instance id")
	runCmd.Flags().StringVar(&runInputs, "inputs", "{}", "Node inputs as a JSON object")
	runCmd.Flags().StringVar(&runConfigJS, "node-config", "{}", "Node config overrides as a JSON object")
	runCmd.Flags().DurationVar(&runTimeout, "run-timeout", 0, "Per-invocation timeout (default: from config)")
}

func runNode(cmd *cobra.Command, args []string) error {
	dir := args[0]

	inputs, err := decodeJSONObject(runInputs)
	if err != nil {
		return fmt.Errorf("--inputs: %w", err)
	}
	nodeConfig, err := decodeJSONObject(runConfigJS)
	if err != nil {
		return fmt.Errorf("--node-config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host, err := buildLoader()
	if err != nil {
		return err
	}
	defer host.Close(context.Background())

	mod, err := host.Install(dir)
	if err != nil {
		return err
	}
	name := mod.Manifest.Name

	if err := host.Load(ctx, name); err != nil {
		return err
	}
	defer host.Unload(context.Background(), name)

	nodeType := runNodeType
	if nodeType == "" {
		loaded, _ := host.Get(name)
		if len(loaded.NodeTypes) == 0 {
			return fmt.Errorf("mod %s exposes no node types", name)
		}
		nodeType = loaded.NodeTypes[0]
	}

	timeout := runTimeout
	if timeout == 0 {
		timeout = config.Duration(cfg.Runtime.RunTimeout, 5*time.Second)
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := host.Run(runCtx, name, runNodeID, nodeType, inputs, nodeConfig)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result.Outputs, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// buildLoader assembles the host stack from the loaded config.
func buildLoader() (*loader.Loader, error) {
	store, err := loader.OpenStore(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	broker := loader.NewHTTPBroker(loader.BrokerOptions{
		Timeout:      config.Duration(cfg.Network.RequestTimeout, 30*time.Second),
		MaxBodySize:  cfg.Network.MaxBodySize,
		AllowedHosts: cfg.Network.AllowedHosts,
	}, logger.Named("broker"))

	keyring, err := buildKeyring()
	if err != nil {
		return nil, err
	}

	opts := loader.DefaultOptions()
	opts.HostVersion = cfg.HostVersion
	opts.SkipIntegrity = cfg.Validation.SkipIntegrity
	opts.Keyring = keyring
	opts.DefaultRunTimeout = config.Duration(cfg.Runtime.RunTimeout, opts.DefaultRunTimeout)
	opts.InitTimeout = config.Duration(cfg.Runtime.InitTimeout, opts.InitTimeout)
	opts.UnloadTimeout = config.Duration(cfg.Runtime.UnloadTimeout, opts.UnloadTimeout)

	spawner := &loader.ProcessSpawner{Logger: logger.Named("spawner")}

	return loader.New(spawner, store, broker, logger.Named("loader"), opts), nil
}

func decodeJSONObject(s string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}
