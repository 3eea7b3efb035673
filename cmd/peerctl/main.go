package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/danmuck/peerwire/internal/peer"
	"github.com/danmuck/peerwire/internal/protocol/payload"
	"github.com/danmuck/peerwire/internal/services"
	"github.com/danmuck/peerwire/internal/transport"
)

type clientFlags struct {
	addr      string
	kind      string
	path      string
	namespace string
	service   string
	body      string
	codec     string
	timeout   time.Duration
	caFile    string
	insecure  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "peerctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f clientFlags
	root := &cobra.Command{
		Use:           "peerctl",
		Short:         "Call or send to a service on a peerwire node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&f.addr, "addr", "127.0.0.1:7400", "node address")
	pf.StringVar(&f.kind, "transport", "tcp", "transport: tcp|tls|quic|ws")
	pf.StringVar(&f.path, "path", "", "websocket path")
	pf.StringVarP(&f.namespace, "namespace", "n", "", "service namespace")
	pf.StringVarP(&f.service, "service", "s", "", "service name")
	pf.StringVar(&f.body, "json", "null", "JSON request body")
	pf.StringVar(&f.codec, "codec", payload.NameJSON, "payload codec: "+strings.Join(payload.Names(), "|"))
	pf.DurationVar(&f.timeout, "timeout", 10*time.Second, "overall deadline")
	pf.StringVar(&f.caFile, "ca", "", "CA bundle for tls and quic")
	pf.BoolVar(&f.insecure, "insecure", false, "skip certificate verification")

	root.AddCommand(
		&cobra.Command{
			Use:   "call",
			Short: "Call a service and print its response",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return invoke(cmd.Context(), f, cmd.OutOrStdout(), true)
			},
		},
		&cobra.Command{
			Use:   "send",
			Short: "Send a one-way message to a service",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return invoke(cmd.Context(), f, cmd.OutOrStdout(), false)
			},
		},
	)
	return root
}

func invoke(ctx context.Context, f clientFlags, out io.Writer, call bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(f.namespace) == "" || strings.TrimSpace(f.service) == "" {
		return fmt.Errorf("--namespace and --service are required")
	}
	body := json.RawMessage(strings.TrimSpace(f.body))
	if !json.Valid(body) {
		return fmt.Errorf("--json is not valid JSON")
	}
	codec, err := payload.ByName(f.codec)
	if err != nil {
		return err
	}
	kind, err := transport.ParseKind(f.kind)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	stream, err := transport.Dial(ctx, transport.DialConfig{
		Kind: kind,
		Addr: f.addr,
		Path: f.path,
		TLS:  transport.TLSConfig{CAFile: f.caFile, InsecureSkipVerify: f.insecure},
	})
	if err != nil {
		return err
	}
	p := peer.New(stream, peer.DefaultConfig())
	defer p.Close()

	remote := services.NewRemote(p, f.namespace, codec)
	if !call {
		if err := services.Send(ctx, remote, f.service, body); err != nil {
			return err
		}
		_, err := fmt.Fprintln(out, "sent")
		return err
	}

	resp, err := services.Call[json.RawMessage, json.RawMessage](ctx, remote, f.service, body)
	if err != nil {
		if kind, ok := peer.RemoteKind(err); ok {
			return fmt.Errorf("remote error %s: %w", kind, err)
		}
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, resp, "", "  "); err != nil {
		_, err = fmt.Fprintln(out, string(resp))
		return err
	}
	_, err = fmt.Fprintln(out, pretty.String())
	return err
}
