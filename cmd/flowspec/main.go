// Package main provides the flowspec binary: a CLI over the workflow engine
// for operating workflows, flows and schedules against a PostgreSQL store (or
// an in-memory store when no DSN is configured).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"goa.design/clue/log"

	"flowspec.dev/flowspec/engine/detour"
	"flowspec.dev/flowspec/engine/diagnose"
	"flowspec.dev/flowspec/engine/evidence"
	"flowspec.dev/flowspec/engine/exec"
	"flowspec.dev/flowspec/engine/flowerr"
	"flowspec.dev/flowspec/engine/hooks"
	"flowspec.dev/flowspec/engine/instantiate"
	"flowspec.dev/flowspec/engine/lifecycle"
	"flowspec.dev/flowspec/engine/query"
	"flowspec.dev/flowspec/engine/store"
	"flowspec.dev/flowspec/engine/store/memory"
	"flowspec.dev/flowspec/engine/telemetry"
	"flowspec.dev/flowspec/engine/tenant"
	evidences3 "flowspec.dev/flowspec/features/evidence/s3"
	notifypulse "flowspec.dev/flowspec/features/notify/pulse"
	clientpulse "flowspec.dev/flowspec/features/notify/pulse/clients/pulse"
	pgstore "flowspec.dev/flowspec/features/store/postgres"
)

// app wires the engine services the commands call.
type app struct {
	store     store.Store
	lifecycle *lifecycle.Manager
	flows     *instantiate.Service
	engine    *exec.Engine
	detours   *detour.Service
	query     *query.Service
	diagnose  *diagnose.Service
	notifier  *notifypulse.Notifier
	objects   *evidences3.Store
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "flowspec",
		Short:         "Operate workflows, flows and schedules",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			v.SetEnvPrefix("FLOWSPEC")
			v.AutomaticEnv()
			if cfg := v.GetString("config"); cfg != "" {
				v.SetConfigFile(cfg)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config: %w", err)
				}
			}

			format := log.FormatJSON
			if log.IsTerminal() {
				format = log.FormatTerminal
			}
			ctx := log.Context(cmd.Context(), log.WithFormat(format))
			if v.GetBool("debug") {
				ctx = log.Context(ctx, log.WithDebug())
			}
			ctx = tenant.NewContext(ctx, tenant.Scope{
				CompanyID: v.GetString("company"),
				ActorID:   v.GetString("actor"),
				MemberID:  v.GetString("member"),
			})
			cmd.SetContext(ctx)
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.String("config", "", "config file path")
	pf.String("dsn", "", "PostgreSQL DSN; empty runs the in-memory store")
	pf.String("redis", "", "Redis address for pulse event streams")
	pf.String("s3-bucket", "", "S3 bucket holding FILE evidence objects")
	pf.String("s3-prefix", "", "key prefix for evidence objects")
	pf.String("company", "", "tenant company ID")
	pf.String("actor", "", "acting user ID")
	pf.String("member", "", "membership record ID")
	pf.Bool("debug", false, "enable debug logging")

	cmd.AddCommand(
		workflowCmd(v),
		flowCmd(v),
		scheduleCmd(v),
	)
	return cmd
}

// newApp assembles the engine over the configured store. Redis is optional;
// when set, committed events are published to pulse streams.
func newApp(ctx context.Context, v *viper.Viper) (*app, error) {
	var st store.Store
	if dsn := v.GetString("dsn"); dsn != "" {
		pg, err := pgstore.Open(dsn)
		if err != nil {
			return nil, err
		}
		st = pg
	} else {
		st = memory.New()
	}

	logger := telemetry.NewClueLogger()
	bus := hooks.NewBus()
	a := &app{store: st}

	if addr := v.GetString("redis"); addr != "" {
		client, err := clientpulse.New(clientpulse.Options{
			Redis:            goredis.NewClient(&goredis.Options{Addr: addr}),
			OperationTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		notifier, err := notifypulse.New(notifypulse.Options{Client: client})
		if err != nil {
			return nil, err
		}
		if _, err := bus.Register(notifier); err != nil {
			return nil, err
		}
		a.notifier = notifier
	}

	validator := evidence.NewValidator()
	a.lifecycle = lifecycle.NewManager(st, lifecycle.WithBus(bus), lifecycle.WithLogger(logger))
	a.flows = instantiate.NewService(st,
		instantiate.WithValidator(validator),
		instantiate.WithBus(bus),
		instantiate.WithLogger(logger),
	)
	a.detours = detour.NewService(st, detour.WithLogger(logger))
	engineOpts := []exec.Option{
		exec.WithValidator(validator),
		exec.WithInstantiator(a.flows),
		exec.WithDetourService(a.detours),
		exec.WithBus(bus),
		exec.WithLogger(logger),
		exec.WithMetrics(telemetry.NewClueMetrics()),
	}
	if bucket := v.GetString("s3-bucket"); bucket != "" {
		objects, err := evidences3.Open(ctx, bucket, v.GetString("s3-prefix"))
		if err != nil {
			return nil, err
		}
		a.objects = objects
		engineOpts = append(engineOpts, exec.WithObjectStore(objects))
	}
	a.engine = exec.NewEngine(st, engineOpts...)
	a.query = query.NewService(st)
	a.diagnose = diagnose.NewService(st)
	return a, nil
}

func (a *app) close(ctx context.Context) {
	if a.notifier != nil {
		if err := a.notifier.Close(ctx); err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "close notifier"}, log.KV{K: "err", V: err.Error()})
		}
	}
}

// printJSON writes the success envelope to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(flowerr.OK(v))
}

// printError writes the failure envelope on stderr so scripts can branch on
// the code. Usage and flag errors print as plain text.
func printError(err error) {
	var fe *flowerr.Error
	if errors.As(err, &fe) {
		enc := json.NewEncoder(os.Stderr)
		enc.SetIndent("", "  ")
		_ = enc.Encode(flowerr.Fail(err))
		return
	}
	fmt.Fprintln(os.Stderr, "error:", err)
}
