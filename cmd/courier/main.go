// Command courier runs the session and push-notification client.
//
// Usage:
//
//	courier run                       keep the session alive until SIGINT/SIGTERM
//	courier login -user ana           sign in (password from -password, COURIER_PASSWORD or stdin)
//	courier logout                    sign out and drop the persisted session
//	courier status [-check]           print the session state as JSON
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"courier/cmd/internal/app"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "run":
		err = runCmd(ctx, args)
	case "login":
		err = loginCmd(ctx, args)
	case "logout":
		err = logoutCmd(ctx, args)
	case "status":
		err = statusCmd(ctx, args)
	case "-h", "--help", "help":
		usage()
		return
	default:
		usage()
		cancel()
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		cancel()
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: courier <run|login|logout|status> [flags]")
}

func setup(name string, args []string, extra func(*flag.FlagSet)) (app.Config, app.Logger, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return app.Config{}, nil, err
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		return app.Config{}, nil, err
	}
	return cfg, app.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat, cfg.LogColor), nil
}

func runCmd(ctx context.Context, args []string) error {
	cfg, log, err := setup("run", args, nil)
	if err != nil {
		return err
	}
	return app.Run(ctx, cfg, log)
}

func loginCmd(ctx context.Context, args []string) error {
	var user, password string
	cfg, log, err := setup("login", args, func(fs *flag.FlagSet) {
		fs.StringVar(&user, "user", "", "username or email")
		fs.StringVar(&password, "password", "", "password (prefer COURIER_PASSWORD or stdin)")
	})
	if err != nil {
		return err
	}
	if strings.TrimSpace(user) == "" {
		return errors.New("login: -user is required")
	}
	if password == "" {
		password = os.Getenv("COURIER_PASSWORD")
	}
	if password == "" {
		if password, err = readLine(os.Stdin); err != nil {
			return fmt.Errorf("login: read password: %w", err)
		}
	}

	c, err := app.NewClient(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeClient(c, cfg)

	profile, err := c.Login(ctx, user, password)
	if err != nil {
		return err
	}
	return printJSON(profile)
}

func logoutCmd(ctx context.Context, args []string) error {
	cfg, log, err := setup("logout", args, nil)
	if err != nil {
		return err
	}
	c, err := app.NewClient(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeClient(c, cfg)

	if _, err := c.Tokens().Load(ctx); err != nil {
		log.Warn("session.load.fail", "err", err)
	}
	return c.Logout(ctx)
}

func statusCmd(ctx context.Context, args []string) error {
	var check bool
	cfg, log, err := setup("status", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&check, "check", false, "validate the persisted session against the server")
	})
	if err != nil {
		return err
	}
	c, err := app.NewClient(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeClient(c, cfg)

	if check {
		if _, err := c.Bootstrap(ctx); err != nil {
			return err
		}
	} else if _, err := c.Tokens().Load(ctx); err != nil {
		return err
	}
	return printJSON(c.Status())
}

func closeClient(c *app.Client, cfg app.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = c.Close(ctx)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readLine(f *os.File) (string, error) {
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
