package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/syntaxsurge/escrowzy-okx-sub006/auth"
)

// provisioner is the part of auth.Service the account subcommands use.
type provisioner interface {
	CreateUser(ctx context.Context, req auth.CreateUserRequest) (auth.User, error)
	GetUserByID(ctx context.Context, userID string) (auth.User, error)
	IssueToken(userID string, role auth.Role) (string, error)
}

const provisionUsage = "usage: escrow-api [flags] user -email E [-name N] [-role trader|admin] | token -id ID"

// runProvision handles the account subcommands:
//
//	user   creates a trader or administrator and prints a bearer token for it
//	token  prints a fresh bearer token for an existing user
func runProvision(ctx context.Context, p provisioner, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(provisionUsage)
	}
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(out)

	switch args[0] {
	case "user":
		email := fs.String("email", "", "account email")
		name := fs.String("name", "", "display name")
		role := fs.String("role", string(auth.RoleTrader), "trader or admin")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		u, err := p.CreateUser(ctx, auth.CreateUserRequest{
			Email:    *email,
			FullName: *name,
			Role:     auth.Role(strings.ToLower(*role)),
		})
		if err != nil {
			return err
		}
		return printToken(p, u, out)
	case "token":
		id := fs.String("id", "", "user id")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if strings.TrimSpace(*id) == "" {
			return errors.New("token: -id is required")
		}
		u, err := p.GetUserByID(ctx, *id)
		if err != nil {
			return err
		}
		return printToken(p, u, out)
	default:
		return fmt.Errorf("unknown command %q; %s", args[0], provisionUsage)
	}
}

func printToken(p provisioner, u auth.User, out io.Writer) error {
	token, err := p.IssueToken(u.ID, u.Role)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "user_id=%s role=%s\ntoken=%s\n", u.ID, u.Role, token)
	return err
}
