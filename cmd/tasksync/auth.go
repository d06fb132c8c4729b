package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/mschirtzinger/tasksync/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "setup",
	Short:   "Authenticate with the remote",
	Long: `Authenticate with the remote authority.

With remote.oauth configured, login prints an authorization URL and asks for
the code shown after you approve access. Otherwise pass a static bearer token
with --token.`,
	Example: `  tasksync login
  tasksync login --token "$TASKSYNC_TOKEN"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")

		a, err := openApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		if token != "" {
			if err := a.session.Save(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}); err != nil {
				return err
			}
			fmt.Printf("%s Token saved to %s\n", ui.RenderPass("✓"), a.cfg.Remote.TokenFile)
			return nil
		}

		if !a.cfg.HasOAuth() {
			return fmt.Errorf("remote.oauth is not configured; pass --token instead")
		}
		if !ui.IsTerminal() {
			return fmt.Errorf("interactive login needs a terminal; pass --token instead")
		}

		state, err := randomState()
		if err != nil {
			return err
		}
		url, err := a.session.AuthCodeURL(state)
		if err != nil {
			return err
		}
		fmt.Printf("\nOpen this URL to authorize tasksync:\n\n  %s\n\n", ui.RenderAccent(url))

		var code string
		err = huh.NewInput().
			Title("Authorization code").
			Value(&code).
			Run()
		if err != nil {
			return err
		}
		code = strings.TrimSpace(code)
		if code == "" {
			return fmt.Errorf("no authorization code entered")
		}

		if err := a.session.Exchange(cmd.Context(), code); err != nil {
			return err
		}
		fmt.Printf("%s Logged in\n", ui.RenderPass("✓"))
		return nil
	},
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func init() {
	loginCmd.Flags().String("token", "", "static bearer token")
	rootCmd.AddCommand(loginCmd)
}
