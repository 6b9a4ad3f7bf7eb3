package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/interviewcapture/internal/api"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show resolved configuration and login state",
	Long:  `Display the resolved configuration with inheritance indicators. Shows which values are inherited from default vs profile-specific.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		inh := cfg.Inheritance
		profileName := "default"
		if inh != nil && inh.Profile != "" {
			profileName = inh.Profile
		}

		fmt.Printf("=== ACCOUNT ===\n")
		fmt.Printf("config_file: %s\n", cfgFile)
		fmt.Printf("backend: %s\n", cfg.Backend.BaseURL)
		fmt.Printf("login: %s\n", describeLogin())

		fmt.Printf("\n=== RESOLVED CONFIGURATION (%s) ===\n", profileName)

		fmt.Printf("\n[Device]\n")
		fmt.Printf("backend: %s %s\n", cfg.Device.Backend, getInheritanceIndicator(inh.Status("device.backend")))
		fmt.Printf("video_device: %s %s\n", cfg.Device.VideoDevice, getInheritanceIndicator(inh.Status("device.video_device")))
		fmt.Printf("audio_device: %s (%s) %s\n", cfg.Device.AudioDevice, cfg.Device.AudioFormat, getInheritanceIndicator(inh.Status("device.audio_device")))
		fmt.Printf("resolution: %dx%d@%d %s\n", cfg.Device.Width, cfg.Device.Height, cfg.Device.FrameRate, getInheritanceIndicator(inh.Status("device.resolution")))
		fmt.Printf("timeslice: %s %s\n", cfg.Device.Timeslice, getInheritanceIndicator(inh.Status("device.timeslice")))
		fmt.Printf("auto_start: %t %s\n", cfg.Device.AutoStart, getInheritanceIndicator(inh.Status("device.auto_start")))

		fmt.Printf("\n[Presence]\n")
		fmt.Printf("enabled: %t %s\n", cfg.Presence.Enabled, getInheritanceIndicator(inh.Status("presence.enabled")))
		fmt.Printf("interval: %s %s\n", cfg.Presence.Interval, getInheritanceIndicator(inh.Status("presence.interval")))

		fmt.Printf("\n[Upload]\n")
		fmt.Printf("field_name: %s %s\n", cfg.Upload.FieldName, getInheritanceIndicator(inh.Status("upload.field_name")))
		fmt.Printf("file_name: %s (%s)\n", cfg.Upload.FileName, cfg.Upload.ContentType)

		fmt.Printf("\n[Output]\n")
		fmt.Printf("directory: %s %s\n", cfg.Output.Directory, getInheritanceIndicator(inh.Status("output.directory")))
		fmt.Printf("keep_local: %t %s\n", cfg.Output.KeepLocal, getInheritanceIndicator(inh.Status("output.keep_local")))

		fmt.Printf("\n[Interview]\n")
		fmt.Printf("role_id: %d %s\n", cfg.Interview.RoleID, getInheritanceIndicator(inh.Status("interview.role_id")))

		return nil
	},
}

func describeLogin() string {
	if cfg.Auth.Token != "" {
		return "token from configuration"
	}
	file := api.NewFileToken(cfg.Auth.TokenFile)
	if file.Token() == "" {
		return "not logged in"
	}
	if user := file.User(); user != nil && user.Email != "" {
		return fmt.Sprintf("%s (%s)", user.Email, file.Path())
	}
	return file.Path()
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	default:
		return "[unknown]"
	}
}
