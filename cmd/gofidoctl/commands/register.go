package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gofido/fidohost"
	"github.com/dantte-lp/gofido/u2ftoken"
)

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <appId> <challenge>",
		Short: "Enroll a new credential on the first plugged-in token",
		Long:  "Waits for an authenticator, sends a U2F registration for the given application and challenge, and prints the signed response. Touch the token when it blinks.",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			req := u2ftoken.StartedRegistration{
				AppID:     args[0],
				Challenge: args[1],
				Version:   u2ftoken.SupportedVersion,
			}

			ctx, cancel := opContext()
			defer cancel()

			fmt.Println("touch the token to register...")
			resp, err := fidohost.WaitForFirstToken(ctx, host,
				func(ctx context.Context, s *fidohost.Session) (*u2ftoken.RegisterResponse, error) {
					return s.Token.Register(ctx, req, cfg.U2F.Facet)
				})
			if err != nil {
				return fmt.Errorf("register: %w", err)
			}

			out, err := formatResult([][2]string{
				{"registrationData", resp.RegistrationData},
				{"clientData", resp.ClientData},
			}, resp, outputFormat)
			if err != nil {
				return err
			}
			fmt.Print(out)

			return nil
		},
	}
}
