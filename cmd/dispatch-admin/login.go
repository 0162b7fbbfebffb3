// ABOUTME: login command: exchanges operator credentials for a token
// ABOUTME: Stores the token in the token file for later commands

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-dispatch/internal/operator"
)

func newLoginCmd(a *app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in as an operator and save the token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			if name == "" {
				fmt.Fprint(w, "Operator name: ")
				line, err := a.readLine()
				if err != nil {
					return fmt.Errorf("reading name: %w", err)
				}
				name = strings.TrimSpace(line)
			}
			if name == "" {
				return fmt.Errorf("operator name is required")
			}

			fmt.Fprint(w, "Password: ")
			password, err := a.readPassword()
			if err != nil {
				return err
			}

			c, ctx, done, err := a.client(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer done()

			resp, err := c.Login(ctx, &operator.LoginRequest{Name: name, Password: password})
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			if err := a.cfg.saveToken(resp.Token); err != nil {
				return err
			}

			return a.out.render(resp, func(w io.Writer) {
				color.New(color.FgGreen).Fprintf(w, "Logged in as %s\n", name)
				fmt.Fprintf(w, "Token saved to %s (expires %s)\n", a.cfg.TokenFile, formatTime(resp.ExpiresAt))
			})
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "operator name")
	return cmd
}
