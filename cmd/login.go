package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/audiolibrelab/interviewcapture/internal/api"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		in := bufio.NewReader(os.Stdin)

		if email == "" {
			var err error
			if email, err = prompt(in, "Email: "); err != nil {
				return err
			}
		}
		password, err := readPassword(in)
		if err != nil {
			return err
		}

		_, file := tokenSource()
		client := api.New(cfg.Backend, file)
		token, user, err := client.Login(cmd.Context(), email, password)
		if err != nil {
			return err
		}
		if err := file.Save(token, user); err != nil {
			return err
		}

		name := email
		if user != nil && user.FullName != "" {
			name = user.FullName
		}
		fmt.Printf("Logged in as %s (token stored in %s)\n", name, file.Path())
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account on the interview backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		in := bufio.NewReader(os.Stdin)
		fullName, err := prompt(in, "Full name: ")
		if err != nil {
			return err
		}
		email, err := prompt(in, "Email: ")
		if err != nil {
			return err
		}
		password, err := readPassword(in)
		if err != nil {
			return err
		}

		if err := newClient().Register(cmd.Context(), fullName, email, password); err != nil {
			return err
		}
		fmt.Println("Account created, run 'interviewcapture login' to log in")
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, file := tokenSource()
		if err := file.Clear(); err != nil {
			return err
		}
		fmt.Println("Logged out")
		return nil
	},
}

func init() {
	loginCmd.Flags().String("email", "", "account email")
	rootCmd.AddCommand(registerCmd)
}

func prompt(in *bufio.Reader, label string) (string, error) {
	fmt.Print(label)
	line, err := in.ReadString('\n')
	line = strings.TrimSpace(line)
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read %s: %w", strings.TrimSuffix(label, ": "), err)
	}
	if line == "" {
		return "", errors.New(strings.TrimSuffix(label, ": ") + " is required")
	}
	return line, nil
}

// readPassword reads without echo from a terminal, else a plain line
func readPassword(in *bufio.Reader) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return prompt(in, "Password: ")
	}
	fmt.Print("Password: ")
	password, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if len(password) == 0 {
		return "", errors.New("password is required")
	}
	return string(password), nil
}
