package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/interviewcapture/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for browser control",
	Long: `Start the InterviewCapture web server to run an interview from a browser.
The page shows the current question, the camera preview, the timer and
face warnings, and streams controller events over a websocket.

The server will display the local network URL for easy access from other devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc := newService()
		defer svc.Close()

		slog.Info("InterviewCapture web server starting", "port", port, "config", cfgFile)
		return server.New(svc, port).Run(ctx)
	},
}

func init() {
	serveCmd.Flags().String("port", "8080", "port for the web server")
}
