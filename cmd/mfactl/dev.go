package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"strings"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/MrEthical07/goMFA/channels"
	"github.com/MrEthical07/goMFA/secrets"
	"github.com/MrEthical07/goMFA/store/memory"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func devCommand() *cobra.Command {
	var userID, email, factor string

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Run an interactive enrollment and verification against in-memory backends",
		Long: `dev starts miniredis and an in-memory profile store, then walks through
one factor end to end. Codes are printed to stdout, audit entries to stderr.
Nothing is persisted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := goMFA.ParseFactor(factor)
			if err != nil {
				return err
			}
			env, err := newDevEngine(cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer env.Close()

			in := bufio.NewReader(cmd.InOrStdin())
			out := cmd.OutOrStdout()
			switch f {
			case goMFA.FactorEmail:
				return devEmail(cmd.Context(), env.engine, in, out, userID, email)
			case goMFA.FactorTOTP:
				return devTOTP(cmd.Context(), env.engine, in, out, userID)
			default:
				return fmt.Errorf("dev supports email and totp, not %s", f)
			}
		},
	}
	cmd.Flags().StringVar(&userID, "user", "dev-user", "user id")
	cmd.Flags().StringVar(&email, "email", "dev@example.com", "email address for the email factor")
	cmd.Flags().StringVar(&factor, "factor", "email", "factor to exercise: email or totp")
	return cmd
}

type devEnv struct {
	redis  *miniredis.Miniredis
	client *redis.Client
	engine *goMFA.Engine
}

func (d *devEnv) Close() {
	d.engine.Close()
	_ = d.client.Close()
	d.redis.Close()
}

func newDevEngine(out, auditOut io.Writer) (*devEnv, error) {
	mr, err := miniredis.Run()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := goMFA.DefaultConfig()
	cfg.Elevation.SigningMethod = "hs256"
	cfg.Elevation.PrivateKey = randomBytes(32)
	cfg.Security.OTPPepper = randomBytes(32)
	cfg.Security.BackupPepper = randomBytes(32)
	cfg.Security.KeyingSecret = randomBytes(32)

	sealer, err := secrets.NewAESGCM(map[byte][]byte{1: randomBytes(32)}, 1)
	if err != nil {
		mr.Close()
		return nil, err
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		mr.Close()
		return nil, err
	}

	engine, err := goMFA.New().
		WithConfig(cfg).
		WithRedis(client).
		WithProfileStore(memory.New()).
		WithSecretStore(sealer).
		WithChannel(goMFA.FactorEmail, channels.NewConsole(out, nil)).
		WithAuditLog(goMFA.NewJSONWriterAuditLog(auditOut)).
		WithLogger(logger).
		Build()
	if err != nil {
		_ = client.Close()
		mr.Close()
		return nil, err
	}
	return &devEnv{redis: mr, client: client, engine: engine}, nil
}

func devEmail(ctx context.Context, e *goMFA.Engine, in *bufio.Reader, out io.Writer, userID, email string) error {
	if err := e.SetContact(ctx, "mfactl", userID, goMFA.FactorEmail, email); err != nil {
		return err
	}
	sent, err := e.InitiateFactor(ctx, goMFA.InitiateRequest{UserID: userID, Factor: goMFA.FactorEmail})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "code sent to %s, expires %s\n", sent.Destination, sent.ExpiresAt.Format("15:04:05"))

	code, err := prompt(in, out, "enter code: ")
	if err != nil {
		return err
	}
	res, err := e.VerifyFactor(ctx, goMFA.VerifyRequest{UserID: userID, Factor: goMFA.FactorEmail, Token: code})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "verified; elevation token expires %s\n%s\n", res.ElevationExpiresAt.Format("15:04:05"), res.ElevationToken)
	return nil
}

func devTOTP(ctx context.Context, e *goMFA.Engine, in *bufio.Reader, out io.Writer, userID string) error {
	enrollment, err := e.BeginTOTPEnrollment(ctx, userID, userID, "")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "add this key to an authenticator app:\n  secret: %s\n  uri:    %s\n", enrollment.Secret, enrollment.URI)

	code, err := prompt(in, out, "enter the current code to confirm: ")
	if err != nil {
		return err
	}
	backup, err := e.ConfirmTOTPEnrollment(ctx, userID, code)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "totp enrolled; backup codes:")
	for _, c := range backup {
		fmt.Fprintf(out, "  %s\n", c)
	}

	code, err = prompt(in, out, "wait for the next code and enter it: ")
	if err != nil {
		return err
	}
	res, err := e.VerifyFactor(ctx, goMFA.VerifyRequest{UserID: userID, Factor: goMFA.FactorTOTP, Token: code})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "verified; elevation token:\n%s\n", res.ElevationToken)
	return nil
}

func prompt(in *bufio.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	line, err := in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		fmt.Fprintf(os.Stderr, "crypto/rand: %v\n", err)
		os.Exit(1)
	}
	return b
}
