// ABOUTME: Root cobra command and shared client plumbing for dispatch-admin
// ABOUTME: Loads config before every command and dials the operator service on demand

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/2389/coven-dispatch/internal/operator"
)

type dialFunc func(server string) (operator.OperatorServiceClient, io.Closer, error)

// app holds state shared by all subcommands.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *clientConfig
	out     *formatter

	dial         dialFunc
	stdin        io.Reader
	in           *bufio.Reader
	readPassword func() (string, error)
}

func newApp() *app {
	a := &app{
		v:     viper.New(),
		dial:  dialGRPC,
		stdin: os.Stdin,
	}
	a.readPassword = a.readTerminalPassword
	return a
}

func dialGRPC(server string) (operator.OperatorServiceClient, io.Closer, error) {
	conn, err := grpc.NewClient(server, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to %s: %w", server, err)
	}
	return operator.NewOperatorServiceClient(conn), conn, nil
}

// input returns the one buffered reader over stdin that every prompt shares.
func (a *app) input() *bufio.Reader {
	if a.in == nil {
		a.in = bufio.NewReader(a.stdin)
	}
	return a.in
}

// readLine reads one line from stdin without its line ending.
func (a *app) readLine() (string, error) {
	line, err := a.input().ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readTerminalPassword reads without echo from a terminal, or a plain line
// when stdin is piped.
func (a *app) readTerminalPassword() (string, error) {
	f, ok := a.stdin.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		pw, err := a.readLine()
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return pw, nil
	}
	pw, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "dispatch-admin",
		Short: "Operate a coven-dispatch gateway",
		Long: `dispatch-admin queues commands for agents, inspects their results,
and manages agent sessions through the gateway's operator service.

Configuration is read from ~/.config/coven/admin.yaml and DISPATCH_*
environment variables; flags take precedence over both.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadClientConfig(a.v, a.cfgFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			format, _ := parseFormat(cfg.Output)
			a.out = &formatter{format: format, w: cmd.OutOrStdout()}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default ~/.config/coven/admin.yaml)")
	flags.String("server", "", "gateway gRPC address (default localhost:50051)")
	flags.String("token", "", "operator token (default: token file)")
	flags.StringP("output", "o", "", "output format: text or json")
	flags.Duration("timeout", 0, "per-request timeout")
	for _, name := range []string{"server", "token", "output", "timeout"} {
		_ = a.v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(
		newLoginCmd(a),
		newAgentsCmd(a),
		newEnqueueCmd(a),
		newStatusCmd(a),
		newResultCmd(a),
		newGroupCmd(a),
		newRotateCmd(a),
		newRevokeCmd(a),
		newAuditCmd(a),
	)
	return root
}

// client dials the gateway and returns a context carrying the operator
// token and the configured timeout. Callers must call done.
func (a *app) client(ctx context.Context, withToken bool) (operator.OperatorServiceClient, context.Context, func(), error) {
	var token string
	if withToken {
		var err error
		if token, err = a.cfg.resolveToken(); err != nil {
			return nil, nil, nil, err
		}
	}

	c, closer, err := a.dial(a.cfg.Server)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(operator.WithToken(ctx, token), a.cfg.Timeout)
	done := func() {
		cancel()
		_ = closer.Close()
	}
	return c, ctx, done, nil
}
