// Command chaind is the node daemon's entry point: cobra CLI following the
// teacher's cmd/synnergy/main.go root-command shape, generalized from its
// mock testnet/tokens stub commands into a real "run" command that wires
// config, the node lifecycle, and the external API together.
package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chaind-project/chaind/internal/api"
	"github.com/chaind-project/chaind/internal/chainerrors"
	"github.com/chaind-project/chaind/internal/config"
	"github.com/chaind-project/chaind/internal/node"
)

func main() {
	root := &cobra.Command{Use: "chaind"}
	root.AddCommand(runCmd())
	root.AddCommand(genesisCmd())
	root.AddCommand(configCmd())
	if err := root.Execute(); err != nil {
		if chainerrors.ClassOf(err) == chainerrors.ClassCorruption {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath, env string
	var mine bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "start the node daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, env)
			if err != nil {
				return fmt.Errorf("chaind: load config: %w", err)
			}
			cfg.Consensus.EnableMining = cfg.Consensus.EnableMining || mine
			return runDaemon(*cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "directory containing default.yaml and environment overrides")
	cmd.Flags().StringVar(&env, "env", "", "environment override file name (without extension)")
	cmd.Flags().BoolVar(&mine, "mine", false, "enable block production")
	return cmd
}

func genesisCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "genesis",
		Short: "print the data directory, mining difficulty and consensus type a node would start from",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, "")
			if err != nil {
				return fmt.Errorf("chaind: load config: %w", err)
			}
			fmt.Printf("data_directory=%s difficulty=%d consensus=%s\n",
				cfg.Storage.DataDirectory, cfg.Consensus.MiningDifficulty, cfg.Consensus.Type)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "directory containing default.yaml and environment overrides")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "inspect or generate chaind configuration"}
	cmd.AddCommand(configInitCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "write a default.yaml seeded with chaind's built-in defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Save(dir, config.Default()); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", filepath.Join(dir, "default.yaml"))
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "config", "directory to write default.yaml into")
	return cmd
}

func runDaemon(cfg config.Config) error {
	logger := logrus.StandardLogger()
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(lvl)
	}

	var minerKey *ecdsa.PrivateKey
	if cfg.Consensus.EnableMining {
		key, err := loadOrCreateMinerKey(filepath.Join(cfg.Storage.DataDirectory, "miner.key"))
		if err != nil {
			return fmt.Errorf("chaind: miner key: %w", err)
		}
		minerKey = key
	}

	n := node.New(cfg, logger, minerKey)
	genesis := node.Genesis{
		Timestamp:  1_700_000_000_000,
		Difficulty: big.NewInt(cfg.Consensus.MiningDifficulty),
	}
	if err := n.Start(genesis); err != nil {
		return fmt.Errorf("chaind: start node: %w", err)
	}

	server := api.NewServer(n, logger)
	ctx, cancel := context.WithCancel(context.Background())
	apiErrCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		logger.Infof("chaind: serving API on %s", addr)
		if err := server.ListenAndServe(ctx, addr); err != nil {
			apiErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infof("chaind: received signal %s, shutting down", sig)
	case err := <-apiErrCh:
		logger.Errorf("chaind: api server error: %v", err)
	}

	cancel()
	shutdownDeadline := time.After(10 * time.Second)
	stopped := make(chan error, 1)
	go func() { stopped <- n.Stop() }()
	select {
	case err := <-stopped:
		return err
	case <-shutdownDeadline:
		return fmt.Errorf("chaind: shutdown timed out")
	}
}

// loadOrCreateMinerKey loads a persisted secp256k1 key or creates and
// persists a fresh one, using go-ethereum/crypto's PEM-free key file
// format since no pack dependency covers key-file persistence and
// go-ethereum is already chaind's RLP/ECDSA dependency family.
func loadOrCreateMinerKey(path string) (*ecdsa.PrivateKey, error) {
	if key, err := ethcrypto.LoadECDSA(path); err == nil {
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := ethcrypto.SaveECDSA(path, key); err != nil {
		return nil, err
	}
	return key, nil
}
