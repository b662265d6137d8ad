// tably is the demo driver for the client SDK: run the waiter dashboard or
// a customer table page from a terminal against a Tably backend (real or
// the bundled simulator).
//
// Usage:
//
//	tably waiter -user anna -pass secret
//	tably customer -table t-1 [-call waiter|bill|custom] [-note "..."]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/tably-dev/tably-go/internal/client"
	"github.com/tably-dev/tably-go/internal/config"
	"github.com/tably-dev/tably-go/internal/customer"
	"github.com/tably-dev/tably-go/internal/lifecycle"
	"github.com/tably-dev/tably-go/internal/models"
	"github.com/tably-dev/tably-go/internal/observ"
	"github.com/tably-dev/tably-go/internal/ratelimit"
	"github.com/tably-dev/tably-go/internal/realtime"
	"github.com/tably-dev/tably-go/internal/rest"
	"github.com/tably-dev/tably-go/internal/session"
	"github.com/tably-dev/tably-go/internal/storage"
	"github.com/tably-dev/tably-go/internal/tenant"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: tably <waiter|customer> [flags]")
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(mode string, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	// The tenant comes from an explicit override or the host the app is
	// served from; without one there is nothing to scope requests to.
	slug, err := tenant.Resolve(cfg.Tenant, cfg.TenantHost)
	if err != nil {
		return fmt.Errorf("resolve tenant: %w", err)
	}

	store, err := openStorage(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "waiter":
		return runWaiter(ctx, cfg, slug, store, logger, args)
	case "customer":
		return runCustomer(ctx, cfg, slug, store, logger, args)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

// openStorage picks Redis when configured, a state-directory file store
// otherwise. Both survive a process restart, which is the point.
func openStorage(cfg *config.Config) (storage.Store, error) {
	if cfg.RedisURL != "" {
		return storage.NewRedisStore(cfg.RedisURL)
	}
	return storage.NewFileStore(cfg.StateDir)
}

func runWaiter(ctx context.Context, cfg *config.Config, slug string, store storage.Store, logger *zap.Logger, args []string) error {
	flags := flag.NewFlagSet("waiter", flag.ExitOnError)
	user := flags.String("user", "", "login identifier")
	pass := flags.String("pass", "", "password")
	if err := flags.Parse(args); err != nil {
		return err
	}

	api := rest.NewClient(cfg.BackendURL, slug, ratelimit.New(), logger)
	sessions := session.NewStore(api, store, logger)
	api.SetTokenSource(sessions)

	// Reuse a persisted session when one survives; log in otherwise.
	if err := sessions.Restore(ctx); err != nil {
		logger.Warn("session restore failed", zap.Error(err))
	}
	if _, ok := sessions.Current(); !ok {
		if *user == "" || *pass == "" {
			return fmt.Errorf("no stored session: -user and -pass required")
		}
		if _, err := sessions.Login(ctx, *user, *pass); err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}

	channel, err := realtime.NewChannel(cfg.WSURL, slug, sessions, realtime.DefaultPolicy(), logger)
	if err != nil {
		return err
	}
	defer channel.Close()
	unbind := client.BindSessionEvents(sessions, channel)
	defer unbind()

	requests := lifecycle.NewStore(api, logger)
	waiter := client.NewWaiterClient(channel, requests, api, logger)
	if err := waiter.Start(ctx); err != nil {
		return err
	}
	defer waiter.Stop()

	changes, cancel := requests.Watch()
	defer cancel()
	fmt.Println("waiter dashboard up; Ctrl-C to quit")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			printQueue(requests)
		}
	}
}

func printQueue(requests *lifecycle.Store) {
	active := requests.Active()
	fmt.Printf("-- %d active --\n", len(active))
	for _, req := range active {
		fmt.Printf("  [%s] %s  %s  %s\n", req.Status, req.ID, requests.TableLabel(req.TableID), req.Type)
	}
}

func runCustomer(ctx context.Context, cfg *config.Config, slug string, store storage.Store, logger *zap.Logger, args []string) error {
	flags := flag.NewFlagSet("customer", flag.ExitOnError)
	table := flags.String("table", "", "table id")
	call := flags.String("call", "", "submit a request on start: waiter, bill, or custom")
	note := flags.String("note", "", "custom note for -call custom")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *table == "" {
		return fmt.Errorf("-table is required")
	}

	channel, err := realtime.NewChannel(cfg.WSURL, slug, client.AnonymousSession{}, realtime.DefaultPolicy(), logger)
	if err != nil {
		return err
	}
	defer channel.Close()

	state := customer.NewStore(store, logger)
	cust := client.NewCustomerClient(channel, state, *table, logger)
	if err := cust.Start(ctx); err != nil {
		return err
	}
	defer cust.Stop()

	states, cancel := channel.StatusChanges()
	defer cancel()

	if *call != "" {
		// Wait for the connection before submitting.
		for channel.State() != realtime.StateConnected {
			select {
			case <-ctx.Done():
				return nil
			case <-states:
			}
		}
		if err := cust.CallWaiter(models.RequestType(*call), *note); err != nil {
			return fmt.Errorf("call waiter: %w", err)
		}
	}

	fmt.Println("customer page up; Ctrl-C to quit")
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-states:
			fmt.Printf("connection: %s\n", st)
		}
	}
}
