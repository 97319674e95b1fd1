package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"herita-client/internal/authclient"

	"go.uber.org/zap"
)

const usage = `usage: herita [-config path] <command> [args]

commands:
  signin -email <email> [-password <password>]   sign in (password defaults to $HERITA_PASSWORD)
  signout                                        end the stored session
  whoami                                         show the signed-in user
  get <path>                                     GET an API path with the stored session
`

func main() {
	configPath := flag.String("config", "", "path to configuration file (json or yaml)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	// Create a basic logger for early errors
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("init logger: %v", err))
	}
	defer logger.Sync()

	cfg, err := authclient.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	configured, err := authclient.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logger.Fatal("init logger with config", zap.Error(err))
	}
	logger = configured
	defer logger.Sync()

	client, err := authclient.NewFromConfig(cfg, func(reason error) {
		if reason != nil {
			fmt.Fprintln(os.Stderr, "session expired, run `herita signin` again")
		}
	}, logger)
	if err != nil {
		logger.Fatal("init client", zap.Error(err))
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, client, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, client *authclient.Client, cmd string, args []string) error {
	switch cmd {
	case "signin":
		fs := flag.NewFlagSet("signin", flag.ContinueOnError)
		email := fs.String("email", "", "account email")
		password := fs.String("password", os.Getenv("HERITA_PASSWORD"), "account password")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *email == "" || *password == "" {
			return errors.New("signin requires -email and a password")
		}
		cred, err := client.SignIn(ctx, *email, *password)
		if err != nil {
			return err
		}
		fmt.Printf("signed in as %s\n", cred.Claims.Subject)
		return nil

	case "signout":
		if _, err := client.Restore(ctx); err != nil && !errors.Is(err, authclient.ErrNotSignedIn) {
			return err
		}
		if err := client.SignOut(ctx); err != nil {
			return err
		}
		fmt.Println("signed out")
		return nil

	case "whoami":
		if _, err := client.Restore(ctx); err != nil {
			return err
		}
		claims, err := client.Claims()
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"id":         claims.Subject,
			"email":      claims.Email,
			"expires_at": claims.ExpiresAt,
			"profile":    claims.Profile,
		})

	case "get":
		if len(args) != 1 {
			return errors.New("get requires exactly one path")
		}
		if _, err := client.Restore(ctx); err != nil {
			return err
		}
		req, err := client.NewRequest(ctx, http.MethodGet, args[0], nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
			return err
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
