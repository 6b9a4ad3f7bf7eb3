package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/audiolibrelab/interviewcapture/internal/notify"
	"github.com/audiolibrelab/interviewcapture/internal/recording"
	"github.com/audiolibrelab/interviewcapture/internal/service"
	"github.com/audiolibrelab/interviewcapture/internal/session"
)

const interviewHelp = `Commands:
  r, record   start recording, or stop and upload when recording
  s, stop     stop and upload the recording
  n, next     go to the next question (completes after the last one)
  c, camera   turn the camera on, retrying after a failure
  f, face     run a face check now
  st, status  show the current state
  q, quit     leave the interview`

var interviewCmd = &cobra.Command{
	Use:   "interview",
	Short: "Run an interview practice session",
	Long: `Start a session for a role, show each question and record one answer per
question from the camera. Answers are uploaded when the recording stops.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		roleID, _ := cmd.Flags().GetInt("role")
		noPresence, _ := cmd.Flags().GetBool("no-presence")
		if noPresence {
			cfg.Presence.Enabled = false
		}
		// the prompt drives the camera explicitly
		cfg.Device.AutoStart = false

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		svc := newService()
		defer svc.Close()

		lines, out, restore, err := openPrompt()
		if err != nil {
			return err
		}
		defer restore()

		events, cancel := svc.Subscribe()
		defer cancel()
		go printEvents(events, out)

		view, err := svc.StartSession(ctx, roleID)
		if err != nil {
			return fmt.Errorf("failed to start interview: %w", err)
		}
		fmt.Fprintf(out, "Session %s: %d questions\n", view.SessionID, view.QuestionCount)

		// without a camera the session stays usable; 'camera' retries
		if err := svc.StartCamera(ctx); err != nil {
			fmt.Fprintf(out, "Unable to access camera: %v\nType 'camera' to try again.\n", err)
		} else {
			select {
			case <-svc.Ready():
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(15 * time.Second):
				fmt.Fprintln(out, "Camera did not become ready yet")
			}
		}

		fmt.Fprintln(out, interviewHelp)
		for {
			line, err := lines.ReadLine()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			if ctx.Err() != nil {
				return nil
			}

			done, err := handleInput(ctx, svc, line, out)
			if err != nil {
				fmt.Fprintf(out, "Error: %v\n", err)
			}
			if done {
				return nil
			}
		}
	},
}

func init() {
	interviewCmd.Flags().Int("role", 0, "interview role id (default: configured role, else the first role)")
	interviewCmd.Flags().Bool("no-presence", false, "disable the periodic face check")
}

type lineReader interface {
	ReadLine() (string, error)
}

type scannerReader struct{ scanner *bufio.Scanner }

func (r scannerReader) ReadLine() (string, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}

// openPrompt puts an interactive terminal in raw mode behind a line editor
// so events can be printed while a command is typed. Piped input is read
// line by line.
func openPrompt() (lineReader, io.Writer, func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return scannerReader{bufio.NewScanner(os.Stdin)}, os.Stdout, func() {}, nil
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to set terminal mode: %w", err)
	}
	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, "> ")

	// log lines need the terminal's newline handling too
	redirectLogging(t)
	return t, t, func() {
		redirectLogging(os.Stderr)
		term.Restore(fd, oldState)
	}, nil
}

// handleInput runs one prompt command and reports whether the interview is over
func handleInput(ctx context.Context, svc service.Service, line string, out io.Writer) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
		return false, nil
	case "r", "record":
		if svc.GetStatus().Recording.Status == recording.StatusRecording {
			return false, svc.StopRecording(ctx)
		}
		return false, svc.StartRecording()
	case "s", "stop":
		return false, svc.StopRecording(ctx)
	case "n", "next":
		outcome, err := svc.NextQuestion(ctx)
		if err != nil {
			return false, err
		}
		return outcome == session.Completed, nil
	case "c", "camera":
		return false, svc.StartCamera(ctx)
	case "f", "face":
		w, err := svc.CheckFace(ctx)
		if err != nil {
			return false, err
		}
		if !w.Active {
			fmt.Fprintf(out, "Face check: %d face(s) detected\n", w.FaceCount)
		}
		return false, nil
	case "st", "status":
		printStatus(out, svc.GetStatus())
		return false, nil
	case "h", "help", "?":
		fmt.Fprintln(out, interviewHelp)
		return false, nil
	case "q", "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q, type 'help'", line)
	}
}

func printStatus(out io.Writer, st service.Status) {
	if st.Session != nil {
		fmt.Fprintf(out, "Question %d of %d: %s\n", st.Session.Index+1, st.Session.QuestionCount, st.Session.QuestionText)
	}
	fmt.Fprintf(out, "Recording: %s %s\n", st.Recording.Status, st.Elapsed)
	fmt.Fprintf(out, "Camera: %t\n", st.CameraActive)
	if st.Presence.Active {
		fmt.Fprintln(out, st.Presence.Message())
	}
	if st.LastError != "" {
		fmt.Fprintf(out, "Last error: %s\n", st.LastError)
	}
}

func printEvents(events <-chan notify.Event, out io.Writer) {
	for e := range events {
		if line := describeEvent(e); line != "" {
			fmt.Fprintln(out, line)
		}
	}
}

// describeEvent renders an event for the prompt; empty means not shown
func describeEvent(e notify.Event) string {
	switch e.Kind {
	case notify.QuestionChanged:
		index, _ := e.Data["index"].(int)
		count, _ := e.Data["count"].(int)
		return fmt.Sprintf("\nQuestion %d of %d: %s", index+1, count, e.Message)
	case notify.RecordingStarted:
		return "Recording..."
	case notify.RecordingStopped:
		secs, _ := e.Data["elapsed_seconds"].(int)
		return fmt.Sprintf("Recording stopped at %s", recording.FormatElapsed(secs))
	case notify.LoadingStarted:
		if e.Message != "" {
			return e.Message + "..."
		}
	case notify.UploadSucceeded, notify.FaceWarning, notify.SessionCompleted, notify.Error:
		return e.Message
	case notify.FaceWarningCleared:
		return "Face warning cleared"
	case notify.DeviceReady:
		return "Camera ready"
	default:
		slog.Debug("Event", "kind", e.Kind, "message", e.Message)
	}
	return ""
}
