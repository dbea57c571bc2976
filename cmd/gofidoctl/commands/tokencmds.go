package commands

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gofido/fidohost"
)

func tokenVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token-version",
		Short: "Print the U2F protocol version of the first token",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := opContext()
			defer cancel()

			ver, err := fidohost.WaitForFirstToken(ctx, host,
				func(ctx context.Context, s *fidohost.Session) (string, error) {
					return s.Token.Version(ctx)
				})
			if err != nil {
				return fmt.Errorf("token version: %w", err)
			}

			fmt.Println(ver)

			return nil
		},
	}
}

func pingCmd() *cobra.Command {
	var size int

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check token liveness with an echo payload",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := opContext()
			defer cancel()

			payload := bytes.Repeat([]byte{0xAB}, size)
			rtt, err := fidohost.WaitForFirstToken(ctx, host,
				func(ctx context.Context, s *fidohost.Session) (time.Duration, error) {
					start := time.Now()
					if _, err := s.Device.Ping(ctx, payload); err != nil {
						return 0, err
					}
					return time.Since(start), nil
				})
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}

			fmt.Printf("echoed %d bytes in %v\n", size, rtt.Round(time.Microsecond))

			return nil
		},
	}

	cmd.Flags().IntVar(&size, "size", 100, "echo payload size in bytes")

	return cmd
}

func winkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wink",
		Short: "Make the first token identify itself",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := opContext()
			defer cancel()

			path, err := fidohost.WaitForFirstToken(ctx, host,
				func(ctx context.Context, s *fidohost.Session) (string, error) {
					if err := s.Device.Wink(ctx); err != nil {
						return "", err
					}
					return s.Info().Path, nil
				})
			if err != nil {
				return fmt.Errorf("wink: %w", err)
			}

			fmt.Printf("token at %s winked\n", path)

			return nil
		},
	}
}

func lockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lock <seconds>",
		Short: "Reserve the first token's channel (0 releases)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			seconds, err := strconv.ParseUint(args[0], 10, 8)
			if err != nil {
				return fmt.Errorf("parse seconds %q: %w", args[0], err)
			}

			ctx, cancel := opContext()
			defer cancel()

			_, err = fidohost.WaitForFirstToken(ctx, host,
				func(ctx context.Context, s *fidohost.Session) (struct{}, error) {
					return struct{}{}, s.Device.Lock(ctx, uint8(seconds))
				})
			if err != nil {
				return fmt.Errorf("lock: %w", err)
			}

			if seconds == 0 {
				fmt.Println("lock released")
			} else {
				fmt.Printf("channel locked for %ds\n", seconds)
			}

			return nil
		},
	}
}
