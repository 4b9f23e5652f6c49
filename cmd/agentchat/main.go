package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/agentchat/internal/config"
)

var version = "dev"

func init() {
	// Load .env file if it exists (silent fail if not found)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentchat",
	Short: "Terminal client for the agent chat platform",
	Long: `agentchat talks to an agent over its run channel.

  agentchat run <chat-id>     Open a chat and talk to the agent
  agentchat new <model>       Create a chat
  agentchat list <model>      List your chats for a model
  agentchat delete <chat-id>  Delete a chat
  agentchat transcript <id>   Print the local frame journal of a chat

Configuration comes from AGENTCHAT_* environment variables, a .env file, and
the YAML file named by AGENTCHAT_CONFIG_FILE.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(runCmd, newCmd, listCmd, deleteCmd, transcriptCmd)
}

// loadConfig reads and validates configuration and sets up logging.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, logger, err
	}
	return cfg, logger, nil
}

// newLogger writes JSON to stderr, or console output in development, so
// stdout stays free for the conversation.
func newLogger(cfg *config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	if cfg.IsDevelopment() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Logger = logger
	return logger
}
