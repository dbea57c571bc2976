package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gofido/fido"
	"github.com/dantte-lp/gofido/fidohost"
	"github.com/dantte-lp/gofido/u2ftoken"
)

func authenticateCmd() *cobra.Command {
	var noPresence bool

	cmd := &cobra.Command{
		Use:   "authenticate <appId> <challenge> <keyHandle>",
		Short: "Sign a challenge with the token that owns the key handle",
		Long:  "Runs the authentication against every plugged-in token in parallel; the first token that recognizes the key handle and gets a touch wins. Tokens rejecting the handle are counted and reported while the search continues.",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			req := u2ftoken.StartedAuthentication{
				AppID:     args[0],
				Challenge: args[1],
				KeyHandle: args[2],
				Version:   u2ftoken.SupportedVersion,
			}

			ctx, cancel := opContext()
			defer cancel()

			fmt.Println("touch the token to sign...")
			resp, err := fidohost.RunParallel(ctx, host,
				func(ctx context.Context, s *fidohost.Session) (*u2ftoken.AuthenticateResponse, error) {
					return s.Token.Authenticate(ctx, req, cfg.U2F.Facet, !noPresence)
				},
				reportInvalid)
			if err != nil {
				return fmt.Errorf("authenticate: %w", err)
			}

			out, err := formatResult([][2]string{
				{"keyHandle", resp.KeyHandle},
				{"signatureData", resp.SignatureData},
				{"clientData", resp.ClientData},
			}, resp, outputFormat)
			if err != nil {
				return err
			}
			fmt.Print(out)

			return nil
		},
	}

	cmd.Flags().BoolVar(&noPresence, "no-presence", false,
		"sign without requiring a touch (not all tokens support this)")

	return cmd
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <appId> <challenge> <keyHandle>",
		Short: "Probe which plugged-in token owns a key handle",
		Long:  "Asks every plugged-in token whether the key handle belongs to it. No touch is required; the probe relies on the devices' check-only responses.",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			req := u2ftoken.StartedAuthentication{
				AppID:     args[0],
				Challenge: args[1],
				KeyHandle: args[2],
				Version:   u2ftoken.SupportedVersion,
			}

			ctx, cancel := opContext()
			defer cancel()

			path, err := fidohost.RunParallel(ctx, host,
				func(ctx context.Context, s *fidohost.Session) (string, error) {
					ok, err := s.Token.CheckKeyHandle(ctx, req)
					if err != nil {
						return "", err
					}
					if !ok {
						// A negative answer; surfaces as an ignored,
						// counted InvalidKeyHandle outcome.
						return "", fido.StatusError(fido.KindInvalidKeyHandle,
							"check", u2ftoken.StatusInvalidKeyHandle)
					}
					return s.Info().Path, nil
				},
				reportInvalid)
			if err != nil {
				return fmt.Errorf("check: %w", err)
			}

			fmt.Printf("key handle belongs to the token at %s\n", path)

			return nil
		},
	}
}

// reportInvalid is the progress sink for parallel rounds: it keeps the
// operator informed while the right token is still missing.
func reportInvalid(invalid int) {
	fmt.Fprintf(os.Stderr, "key handle rejected by %d token(s), still waiting...\n", invalid)
}
