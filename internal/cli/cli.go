// ============================================================================
// mapprint CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running the print server and talking to it
//
// Command Structure:
//   mapprint                       # Root command
//   ├── run                        # Start the print server
//   ├── submit -f request.json     # Submit a print request
//   │   └── --wait                 # Poll until the job is done
//   ├── status <ref>               # Show job status
//   ├── cancel <ref>               # Cancel a job
//   ├── token --subject alice      # Sign a bearer token with the configured secret
//   └── --config, -c / --addr / --token   (persistent)
//
// Configuration Management:
//   YAML config (default: configs/default.yaml). A .env file in the working
//   directory is loaded first and ${VAR} references are expanded, so secrets
//   such as server.auth_secret or registry.dsn stay out of the file.
//
// run Command:
//   1. Load config and build logger
//   2. Build fetch factory, printer, registry, controller, gRPC server
//   3. Start controller, metrics endpoint (if enabled), gRPC listener
//   4. Wait for SIGINT / SIGTERM
//   5. Graceful shutdown: stop gRPC, cancel running jobs, persist final
//      states, remove temp files
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/mapprint/internal/auth"
	"github.com/ChuLiYu/mapprint/internal/logger"
	"github.com/ChuLiYu/mapprint/internal/server"
	"github.com/ChuLiYu/mapprint/pkg/types"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Version is set at build time.
var Version = "dev"

type globalFlags struct {
	configFile string
	addr       string
	token      string
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "mapprint",
		Short: "mapprint: asynchronous map and report print service",
		Long: `mapprint renders print requests (maps composed from tile services,
tables, metadata) into PNG or JSON documents. Jobs are queued, run on a
bounded worker pool, polled for status and can be cancelled.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&flags.addr, "addr", "localhost:50051", "print server address for client commands")
	rootCmd.PersistentFlags().StringVar(&flags.token, "token", os.Getenv("MAPPRINT_TOKEN"), "bearer token for client commands")

	rootCmd.AddCommand(buildRunCommand(flags))
	rootCmd.AddCommand(buildSubmitCommand(flags))
	rootCmd.AddCommand(buildStatusCommand(flags))
	rootCmd.AddCommand(buildCancelCommand(flags))
	rootCmd.AddCommand(buildTokenCommand(flags))

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the print server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, flags.configFile)
		},
	}
}

func runServer(ctx context.Context, configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	svc, err := buildService(ctx, cfg, log)
	if err != nil {
		return err
	}
	if err := svc.start(); err != nil {
		svc.shutdown()
		return err
	}

	lis, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		svc.shutdown()
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Listen, err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- svc.serve(lis) }()

	log.Info("print server started",
		zap.String("config", configFile),
		zap.String("listen", cfg.Server.Listen),
		zap.String("registry", cfg.Registry.Driver))

	select {
	case <-ctx.Done():
		log.Info("received shutdown signal, stopping gracefully")
	case err = <-serveErr:
		log.Error("grpc server failed", zap.Error(err))
	}

	svc.shutdown()
	log.Info("print server stopped")
	return err
}

// ============================================================================
// client commands
// ============================================================================

func dialClient(flags *globalFlags) (*server.Client, func(), error) {
	conn, err := grpc.NewClient(flags.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", flags.addr, err)
	}
	return server.NewClient(conn, flags.token), func() { conn.Close() }, nil
}

func buildSubmitCommand(flags *globalFlags) *cobra.Command {
	var (
		file        string
		opts        server.SubmitOptions
		wait        bool
		pollEvery   time.Duration
		reference   string
		sharedRoles []string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a print request from a JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			request, err := readRequest(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			client, closeConn, err := dialClient(flags)
			if err != nil {
				return err
			}
			defer closeConn()

			opts.ReferenceID = types.ReferenceID(reference)
			opts.SharedRoles = sharedRoles
			ref, err := client.Submit(cmd.Context(), request, opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ref)
			if !wait {
				return nil
			}

			report, err := waitForJob(cmd.Context(), client, ref, pollEvery)
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON request file (- for stdin)")
	cmd.Flags().StringVar(&opts.AppID, "app", "", "application id")
	cmd.Flags().StringVar(&reference, "ref", "", "reference id (generated when empty)")
	cmd.Flags().StringSliceVar(&sharedRoles, "share-with-role", nil, "roles allowed to poll or cancel the job")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the job is done")
	cmd.Flags().DurationVar(&pollEvery, "poll-interval", 500*time.Millisecond, "status poll interval with --wait")
	cmd.MarkFlagRequired("file")

	return cmd
}

func readRequest(stdin io.Reader, file string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read request: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("request %s is not valid JSON", file)
	}
	return data, nil
}

// waitForJob polls until the job reaches a terminal status. Polling also
// keeps the job from being considered abandoned.
func waitForJob(ctx context.Context, client *server.Client, ref types.ReferenceID, every time.Duration) (types.StatusReport, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		report, err := client.Status(ctx, ref)
		if err != nil {
			return report, err
		}
		if report.Done {
			return report, nil
		}
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case <-ticker.C:
		}
	}
}

func buildStatusCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <ref>",
		Short: "Show job status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, closeConn, err := dialClient(flags)
			if err != nil {
				return err
			}
			defer closeConn()

			report, err := client.Status(cmd.Context(), types.ReferenceID(args[0]))
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), report)
		},
	}
}

func buildCancelCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <ref>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, closeConn, err := dialClient(flags)
			if err != nil {
				return err
			}
			defer closeConn()

			if err := client.Cancel(cmd.Context(), types.ReferenceID(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancel requested for %s\n", args[0])
			return nil
		},
	}
}

func buildTokenCommand(flags *globalFlags) *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with the configured auth secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Server.AuthSecret == "" {
				return fmt.Errorf("server.auth_secret is not configured")
			}
			authn, err := auth.NewAuthenticator([]byte(cfg.Server.AuthSecret), cfg.Server.AuthIssuer)
			if err != nil {
				return err
			}
			token, err := authn.Sign(types.Principal{Subject: subject, Roles: roles}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "token roles")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.MarkFlagRequired("subject")
	return cmd
}

func printReport(w io.Writer, report types.StatusReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if report.Done && report.Status.Result != nil {
		fmt.Fprintf(w, "output: %s\n", report.Status.Result.Path)
	}
	return nil
}
