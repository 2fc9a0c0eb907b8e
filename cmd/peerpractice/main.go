package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"peerpractice/internal/app"
	"peerpractice/internal/auth"
	"peerpractice/internal/config"
	"peerpractice/internal/logger"
)

const usage = `usage:
  peerpractice                 run the service
  peerpractice token <user>    print a bearer token for <user>`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		logger.Logger.WithError(err).Fatal("peerpractice exited")
	}
}

// run loads configuration (file > env > .env > defaults) and dispatches the
// subcommand. Serving blocks until SIGINT or SIGTERM.
func run(args []string, stdout io.Writer) error {
	cfg := config.LoadConfigWithPrecedence(os.Getenv(config.EnvPrefix + "CONFIG_FILE"))
	logger.Init(cfg.Log.Level)

	if len(args) == 0 {
		return serve(cfg)
	}
	switch args[0] {
	case "token":
		if len(args) != 2 {
			return fmt.Errorf("token needs exactly one user id\n%s", usage)
		}
		return printToken(cfg, args[1], stdout)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}

func printToken(cfg *config.Config, userID string, stdout io.Writer) error {
	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	token, err := tokens.Issue(userID)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}

func serve(cfg *config.Config) error {
	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	<-ctx.Done()
	logger.Logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
