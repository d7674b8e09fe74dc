package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"nodelock/internal/attestation"
	"nodelock/internal/config"
	"nodelock/internal/infrastructure"
	"nodelock/internal/security"
	"nodelock/pkg/contracts/domain"
)

// Exit codes
const (
	exitAuthorized    = 0
	exitDenied        = 1
	exitIndeterminate = 2
	exitUsage         = 3
)

const maxCredentialSize = 64 << 10

var flagJSON = &cli.BoolFlag{
	Name:  "json",
	Usage: "print machine-readable JSON",
}

var flagRetry = &cli.IntFlag{
	Name:  "retry",
	Usage: "retry an indeterminate attestation `N` times with backoff",
}

var flagRetryDelay = &cli.DurationFlag{
	Name:  "retry-delay",
	Value: time.Second,
	Usage: "initial backoff between retries",
}

var flagOut = &cli.StringFlag{
	Name:     "out",
	Required: true,
	Usage:    "write the sealed credential to `FILE`",
}

var flagIn = &cli.StringFlag{
	Name:  "in",
	Usage: "read the credential from `FILE` instead of stdin",
}

// runner carries the process streams so commands can be exercised in tests.
type runner struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	// reader overrides the hardware fingerprint reader when set.
	reader attestation.IdentityReader
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := &runner{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}
	os.Exit(r.run(ctx, os.Args))
}

func (r *runner) run(ctx context.Context, args []string) int {
	err := r.app().RunContext(ctx, args)
	if err == nil {
		return exitAuthorized
	}

	var exitErr cli.ExitCoder
	if errors.As(err, &exitErr) {
		if msg := exitErr.Error(); msg != "" {
			fmt.Fprintln(r.stderr, msg)
		}
		return exitErr.ExitCode()
	}
	fmt.Fprintln(r.stderr, "error:", err)
	return exitUsage
}

// app builds the command tree. Exit codes are translated by run, so the
// library's own os.Exit handling is disabled.
func (r *runner) app() *cli.App {
	return &cli.App{
		Name:           "attest",
		Usage:          "check this machine against the node-lock allow-list",
		Version:        config.AppVersion,
		Reader:         r.stdin,
		Writer:         r.stdout,
		ErrWriter:      r.stderr,
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			{
				Name:   "identity",
				Usage:  "print this machine's fingerprint",
				Flags:  []cli.Flag{flagJSON},
				Action: r.identity,
			},
			{
				Name:   "check",
				Usage:  "query the registry for this machine",
				Flags:  []cli.Flag{flagJSON, flagRetry, flagRetryDelay},
				Action: r.attest(domain.ModeQuery),
			},
			{
				Name:   "register",
				Usage:  "add this machine to the allow-list",
				Flags:  []cli.Flag{flagJSON, flagRetry, flagRetryDelay},
				Action: r.attest(domain.ModeRegister),
			},
			{
				Name:   "seal-credential",
				Usage:  "encrypt a registry credential with " + config.EnvPrefix + "_REGISTRY_CREDENTIAL_PASSPHRASE",
				Flags:  []cli.Flag{flagOut, flagIn},
				Action: r.sealCredential,
			},
		},
	}
}

func (r *runner) identityReader(logger *slog.Logger) attestation.IdentityReader {
	if r.reader != nil {
		return r.reader
	}
	return security.NewFingerprintReader(logger)
}

func (r *runner) identity(cCtx *cli.Context) error {
	logger := infrastructure.NewLoggerWithWriter(r.stderr, &slog.HandlerOptions{Level: slog.LevelWarn})
	id := r.identityReader(logger).Read()

	if cCtx.Bool(flagJSON.Name) {
		return r.printJSON(id)
	}
	fmt.Fprintf(r.stdout, "CPU: %s\nMAC: %s\n", id.CPUBrand, id.MACAddress)
	return nil
}

func (r *runner) attest(mode domain.AttestationMode) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		cfg, err := config.Load()
		if err != nil {
			return cli.Exit(err.Error(), exitUsage)
		}
		logger, err := infrastructure.InitializeLogger(cfg.Logging)
		if err != nil {
			return cli.Exit(err.Error(), exitUsage)
		}

		opts := []attestation.Option{attestation.WithIdentityReader(r.identityReader(logger))}
		if cCtx.IsSet(flagRetry.Name) {
			opts = append(opts, attestation.WithRetry(cCtx.Int(flagRetry.Name), cCtx.Duration(flagRetryDelay.Name)))
		}

		client, err := attestation.NewFromConfig(cCtx.Context, cfg, logger, opts...)
		if err != nil {
			return cli.Exit(err.Error(), exitUsage)
		}

		res := client.CheckOrRegisterMachine(cCtx.Context, mode)
		if cCtx.Bool(flagJSON.Name) {
			if err := r.printJSON(res); err != nil {
				return err
			}
		} else {
			r.printResult(res)
		}
		return exitFor(res)
	}
}

func (r *runner) sealCredential(cCtx *cli.Context) error {
	passphrase := os.Getenv(config.EnvPrefix + "_REGISTRY_CREDENTIAL_PASSPHRASE")
	if passphrase == "" {
		return cli.Exit(config.EnvPrefix+"_REGISTRY_CREDENTIAL_PASSPHRASE must be set", exitUsage)
	}

	src := r.stdin
	if in := cCtx.String(flagIn.Name); in != "" {
		f, err := os.Open(in)
		if err != nil {
			return cli.Exit(err.Error(), exitUsage)
		}
		defer f.Close()
		src = f
	}

	data, err := io.ReadAll(io.LimitReader(src, maxCredentialSize))
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to read credential: %v", err), exitUsage)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return cli.Exit("credential is empty", exitUsage)
	}

	out := cCtx.String(flagOut.Name)
	if err := security.WriteSealedCredentialFile(out, []byte(secret), []byte(passphrase)); err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	fmt.Fprintf(r.stdout, "sealed credential written to %s\n", out)
	return nil
}

func (r *runner) printJSON(v interface{}) error {
	enc := json.NewEncoder(r.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (r *runner) printResult(res domain.AttestationResult) {
	fmt.Fprintf(r.stdout, "status:   %s\n", res.Status)
	fmt.Fprintf(r.stdout, "identity: %s\n", res.Identity)
	if res.Reason != "" {
		fmt.Fprintf(r.stdout, "reason:   %s\n", res.Reason)
	}
}

// exitFor maps a result onto the process exit status.
func exitFor(res domain.AttestationResult) error {
	switch res.Status {
	case domain.StatusAuthorized:
		return nil
	case domain.StatusDenied:
		return cli.Exit("", exitDenied)
	default:
		return cli.Exit("", exitIndeterminate)
	}
}
