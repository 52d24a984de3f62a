package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/ligustah/csda/internal/auth"
)

func (a *app) tokenCommand() *cli.Command {
	return &cli.Command{
		Name:         "token",
		Usage:        "Log in and print a bearer token for the catalog API",
		OnUsageError: onUsageError,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}

			tokens := a.tokens
			if tokens == nil {
				tokens = auth.NewCognitoSource(settings, nil)
			}
			token, err := tokens.Token(ctx)
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}

			fmt.Fprintln(a.stdout, token)
			return nil
		},
	}
}
