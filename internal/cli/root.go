package cli

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/mahnoorkhalid8/digitalfte/internal/config"
	"github.com/mahnoorkhalid8/digitalfte/internal/daemon"
	"github.com/mahnoorkhalid8/digitalfte/internal/logger"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fte",
	Short: "FTE - digital employee task engine",
	Long: `FTE turns task files dropped in a vault folder into executed plans.
Sensitive actions wait for a human decision written into the vault, and
plans that stall are handed to a reviewer instead of being guessed at.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.fte/fte.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the config file")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig loads and validates the configuration named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. Console output goes to stderr so
// command output on stdout stays machine readable.
func newLogger(cfg *config.Config, console bool) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   console,
		Pretty:    true,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
}

// session is the runtime of a one-shot command.
type session struct {
	cfg     *config.Config
	log     *logger.Logger
	runtime *daemon.Runtime
}

func (s *session) Close() {
	if err := s.runtime.Close(); err != nil {
		s.log.Error().Err(err).Msg("Failed to close runtime")
	}
	_ = s.log.Close()
}

// openSession loads the config and assembles the core modules against the
// configured vault.
func openSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg, logLevel != "")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	rt, err := daemon.NewRuntime(cfg, log.GetZerolog(), daemon.Options{Fs: afero.NewOsFs(), KeepResults: true})
	if err != nil {
		_ = log.Close()
		return nil, err
	}
	return &session{cfg: cfg, log: log, runtime: rt}, nil
}

func getPIDFilePath() (string, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return "", err
	}
	return daemon.PIDFilePath(cfg.DataDir), nil
}
