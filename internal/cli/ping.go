package cli

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentsh/broker/internal/crosscall"
)

func newPingCmd(g *globalOptions) *cobra.Command {
	var addr, token string
	var count int
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Round-trip the diagnostic services against a running broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := loadConfig(g)
				if err != nil {
					return err
				}
				addr = cfg.Transport.Address
			}
			if token == "" {
				return fmt.Errorf("--token is required")
			}
			conn, err := crosscall.Dial(addr, timeout)
			if err != nil {
				return fmt.Errorf("dial %s: %w", addr, err)
			}
			client, err := crosscall.NewClient(conn, token)
			if err != nil {
				_ = conn.Close()
				return err
			}
			defer client.Close()

			for i := 0; i < count; i++ {
				rtt, err := pingOnce(client, rand.Uint32())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ping %d: %s\n", i+1, rtt)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Broker address (defaults to transport.address)")
	cmd.Flags().StringVar(&token, "token", getenvDefault("AGENTSH_BROKER_TOKEN", ""), "Target connection token")
	cmd.Flags().IntVar(&count, "count", 1, "Number of round trips")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Dial timeout")
	return cmd
}

// pingOnce checks both ping services echo cookie correctly.
func pingOnce(c *crosscall.Client, cookie uint32) (time.Duration, error) {
	start := time.Now()
	ret, err := c.Call(crosscall.TagPing1, crosscall.Uint32(cookie))
	if err != nil {
		return 0, err
	}
	if ret.Outcome != crosscall.AllOK {
		return 0, fmt.Errorf("ping1: %s", ret.Outcome)
	}
	if len(ret.Extended) < 2 || ret.Extended[1] != cookie*2 {
		return 0, NewExitError(ExitMismatch, fmt.Sprintf("ping1: bad echo %v for cookie %d", ret.Extended, cookie))
	}

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, cookie)
	ret, err = c.Call(crosscall.TagPing2, crosscall.InOutPtr(buf))
	if err != nil {
		return 0, err
	}
	if ret.Outcome != crosscall.AllOK {
		return 0, fmt.Errorf("ping2: %s", ret.Outcome)
	}
	if len(ret.Buffer) < 4 || binary.LittleEndian.Uint32(ret.Buffer) != cookie*3 {
		return 0, NewExitError(ExitMismatch, fmt.Sprintf("ping2: bad echo for cookie %d", cookie))
	}
	return time.Since(start), nil
}
