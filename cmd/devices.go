package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/interviewcapture/internal/media"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List available capture devices",
	Long:  `List the cameras and microphones the configured capture backend can open.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		backend := media.NewBackend(cfg)

		fmt.Printf("Capture devices (%s, backend %s)\n", runtime.GOOS, backend.GetType())
		fmt.Printf("═══════════════════════════════════════\n\n")

		devices, err := backend.ListDevices()
		if err != nil {
			return fmt.Errorf("failed to list devices: %w", err)
		}
		fmt.Printf("%d found:\n", len(devices))
		for i, device := range devices {
			fmt.Printf("  %d. %s\n", i+1, device)
		}

		fmt.Printf("\nAvailable backends: %v\n", media.GetAvailableBackends(cfg))
		fmt.Printf("Configure in device.video_device / device.audio_device, e.g. \"/dev/video0\" and \"default\"\n")
		return nil
	},
}
