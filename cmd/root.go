package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/audiolibrelab/interviewcapture/internal/api"
	"github.com/audiolibrelab/interviewcapture/internal/config"
	"github.com/audiolibrelab/interviewcapture/internal/media"
	"github.com/audiolibrelab/interviewcapture/internal/service"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "interviewcapture",
	Short: "Record interview practice answers from the camera",
	Long: `InterviewCapture runs interview practice sessions: it loads the questions
of a session from the interview backend, records one webcam answer per question
and uploads it, while checking that only one face is in front of the camera.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configure slog based on verbose level
		setupLogging(verboseLevel)

		// .env is optional; variables already set win
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("Could not read .env file", "error", err)
		}

		explicit := cfgFile != ""
		if !explicit {
			cfgFile = defaultConfigPath()
		}

		var err error
		if explicit {
			cfg, err = config.LoadWithProfile(cfgFile, profile)
		} else {
			cfg, err = config.LoadOrDefault(cfgFile, profile)
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		slog.Debug("Configuration loaded", "file", cfgFile, "backend", cfg.Backend.BaseURL)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/interviewcapture.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_profile from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=ffmpeg output")

	rootCmd.AddCommand(interviewCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(rolesCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(answerCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(serveCmd)
}

func defaultConfigPath() string {
	return os.ExpandEnv("$HOME/.config/interviewcapture.yaml")
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	var slogLevel slog.Level
	switch level {
	case 0:
		slogLevel = slog.LevelInfo
	case 1:
		slogLevel = slog.LevelDebug
	case 2:
		// Level 2 additionally forwards ffmpeg's own log output
		slogLevel = slog.LevelDebug
	default:
		slogLevel = slog.LevelInfo
	}

	// Configure text handler for clean terminal output
	logOptions = &slog.HandlerOptions{
		Level: slogLevel,
	}
	redirectLogging(os.Stderr)

	if level >= 2 {
		os.Setenv("FFMPEG_LOGLEVEL", "info")
	}
}

var logOptions = &slog.HandlerOptions{Level: slog.LevelInfo}

// redirectLogging sends log output to w keeping the configured level
func redirectLogging(w io.Writer) {
	slog.SetDefault(slog.New(slog.NewTextHandler(w, logOptions)))
}

// tokenSource prefers a token set in the configuration over the stored login
func tokenSource() (api.TokenSource, *api.FileToken) {
	file := api.NewFileToken(cfg.Auth.TokenFile)
	if cfg.Auth.Token != "" {
		return api.StaticToken(cfg.Auth.Token), file
	}
	return file, file
}

func newClient() *api.Client {
	tokens, _ := tokenSource()
	return api.New(cfg.Backend, tokens)
}

func newService() *service.InterviewService {
	return service.New(cfg, newClient(), media.NewBackend(cfg))
}
