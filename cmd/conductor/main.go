// Package main is the entry point for the conductor CLI. Conductor is a
// workflow orchestration engine: it turns user input into a routed,
// module-backed, retrieval-grounded response, captures side-channel notes,
// and learns from its own slow or failing turns.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/normanking/conductor/internal/bus"
	"github.com/normanking/conductor/internal/config"
	"github.com/normanking/conductor/internal/dispatch"
	"github.com/normanking/conductor/internal/expert"
	"github.com/normanking/conductor/internal/generate"
	"github.com/normanking/conductor/internal/grant"
	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/internal/monitor"
	"github.com/normanking/conductor/internal/notes"
	"github.com/normanking/conductor/internal/orchestrator"
	"github.com/normanking/conductor/internal/resource"
	"github.com/normanking/conductor/internal/retrieval"
	"github.com/normanking/conductor/internal/server"
	"github.com/normanking/conductor/internal/store"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "conductor",
		Short: "Conductor - workflow orchestration engine",
		Long: `Conductor routes user input to domain experts, dispatches the
functional-module calls they ask for, grounds the response in retrieved
passages, and captures notes and task plans on the side.

Start the server:   conductor serve
Ask one question:   conductor ask "where is order 4711?"
Manage plans:       conductor plans list`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.conductor/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("conductor", version)
		},
	})
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(plansCmd())
	rootCmd.AddCommand(grantsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgPath != "" {
		cfg, err = config.LoadFromPath(cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := logging.Setup(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return fmt.Errorf("setting up logging: %w", err)
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return fmt.Errorf("preparing data directories: %w", err)
			}
			return runServer(cfg)
		},
	}
}

func runServer(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Notes.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("closing store")
		}
	}()

	events := bus.New()
	defer events.Close()

	adapter := retrieval.New(retrieval.Config{
		Endpoints:     cfg.Retrieval.Endpoints,
		KindEndpoints: cfg.Retrieval.KindEndpoints,
		Timeout:       cfg.Retrieval.Timeout,
		TopK:          cfg.Retrieval.TopK,
	})
	dispatcher := dispatch.New(cfg.Modules)
	router := expert.NewRouter(cfg.Orchestrator.RouteMinConfidence)

	genClient := generate.New(cfg.Generation.Endpoint, cfg.Generation.Timeout)
	composer := expert.NewComposer(genClient, cfg.Generation.Timeout, cfg.Generation.MaxTokens)

	grants := grant.NewService(db)
	manager := notes.NewManager(db)
	classifier := notes.NewLLMClassifier(genClient, cfg.Generation.Timeout)
	extractor := notes.NewExtractor(classifier, manager)
	planner := notes.NewPlanner(db, manager, dispatcher, grants, events)

	engine := orchestrator.New(orchestrator.Config{
		TurnBudget:             cfg.Orchestrator.TurnBudget,
		FirstRetrievalTimeout:  cfg.Orchestrator.FirstRetrievalTimeout,
		SecondRetrievalTimeout: cfg.Orchestrator.SecondRetrievalTimeout,
		NoteExtractTimeout:     cfg.Orchestrator.NoteExtractTimeout,
		NoteJoinGrace:          cfg.Orchestrator.NoteJoinGrace,
	}, adapter, dispatcher, router, composer, extractor, events)

	learner := monitor.New(monitor.Config{
		LatencyBudget:       cfg.Monitor.LatencyBudget,
		FailureThreshold:    cfg.Monitor.FailureThreshold,
		LowConfidenceStreak: cfg.Monitor.LowConfidenceStreak,
		SampleRate:          cfg.Monitor.SampleRate,
	}, adapter, db, events)
	learner.Start()

	resmon := resource.NewMonitor(resource.Config{
		PollInterval:    cfg.Resource.PollInterval,
		WarnPercent:     cfg.Resource.WarnPercent,
		CriticalPercent: cfg.Resource.CriticalPercent,
	}, resource.NewSampler(cfg.Resource.IncludeRemovable), events)
	go resmon.Run(ctx)
	adjuster := resource.NewAdjuster(resmon, grants, "")

	srv := server.New(cfg.Server.Addr, server.Deps{
		Engine:   engine,
		Notes:    manager,
		Planner:  planner,
		Resource: resmon,
		Adjuster: adjuster,
		Grants:   grants,
		Store:    db,
		Events:   events,
	})

	log.Info().Str("version", version).Str("addr", cfg.Server.Addr).Msg("conductor starting")
	return srv.Run(ctx, cfg.Server.ShutdownGrace)
}

func askCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "ask <text>",
		Short: "Run one turn against a running server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			body, _ := json.Marshal(map[string]string{
				"text":       args[0],
				"session_id": sessionID,
			})
			var out struct {
				Turn struct {
					Response string `json:"response"`
					Partial  bool   `json:"partial"`
					Degraded bool   `json:"degraded"`
				} `json:"turn"`
				ErrorKind string `json:"error_kind"`
			}
			if err := postServer(cfg, "/v1/turns", body, &out); err != nil {
				return err
			}

			fmt.Println(out.Turn.Response)
			if out.Turn.Partial {
				fmt.Fprintln(os.Stderr, "(partial: some steps did not complete)")
			}
			if out.Turn.Degraded {
				fmt.Fprintln(os.Stderr, "(degraded: turn exceeded its latency budget)")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to group turns")
	return cmd
}

func plansCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Inspect and manage task plans",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List task plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var out struct {
				Plans []struct {
					ID     string `json:"id"`
					Title  string `json:"title"`
					Status string `json:"status"`
					Effort string `json:"effort"`
				} `json:"plans"`
			}
			if err := getServer(cfg, "/v1/plans", &out); err != nil {
				return err
			}
			if len(out.Plans) == 0 {
				fmt.Println("no plans")
				return nil
			}
			for _, p := range out.Plans {
				fmt.Printf("%s  [%s/%s]  %s\n", p.ID, p.Status, p.Effort, p.Title)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "confirm <id>",
		Short: "Confirm a proposed plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transitionPlan(args[0], "confirm")
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a proposed plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transitionPlan(args[0], "reject")
		},
	})

	return cmd
}

func transitionPlan(id, verb string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var out struct {
		Plan struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"plan"`
	}
	if err := postServer(cfg, "/v1/plans/"+id+"/"+verb, []byte("{}"), &out); err != nil {
		return err
	}
	fmt.Printf("plan %s is now %s\n", out.Plan.ID, out.Plan.Status)
	return nil
}

func grantsCmd() *cobra.Command {
	var scope string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "grants",
		Short: "Issue authorization grants",
	}

	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a grant for a privileged scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			body, _ := json.Marshal(map[string]any{
				"scope":       scope,
				"ttl_seconds": int(ttl.Seconds()),
			})
			var out struct {
				Grant struct {
					ID        string    `json:"id"`
					Scope     string    `json:"scope"`
					ExpiresAt time.Time `json:"expires_at"`
				} `json:"grant"`
				Secret string `json:"secret"`
			}
			if err := postServer(cfg, "/v1/grants", body, &out); err != nil {
				return err
			}
			fmt.Printf("grant id: %s\nscope:    %s\nexpires:  %s\nsecret:   %s\n",
				out.Grant.ID, out.Grant.Scope, out.Grant.ExpiresAt.Format(time.RFC3339), out.Secret)
			fmt.Fprintln(os.Stderr, "store the secret now; it is not shown again")
			return nil
		},
	}
	issue.Flags().StringVar(&scope, "scope", grant.ScopeResourceAdjust, "grant scope (resource:adjust or plan:execute)")
	issue.Flags().DurationVar(&ttl, "ttl", 15*time.Minute, "grant lifetime")
	cmd.AddCommand(issue)

	return cmd
}

func serverURL(cfg *config.Config, path string) string {
	return "http://" + cfg.Server.Addr + path
}

func postServer(cfg *config.Config, path string, body []byte, out any) error {
	resp, err := http.Post(serverURL(cfg, path), "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("is the server running? %w", err)
	}
	return decodeResponse(resp, out)
}

func getServer(cfg *config.Config, path string, out any) error {
	resp, err := http.Get(serverURL(cfg, path))
	if err != nil {
		return fmt.Errorf("is the server running? %w", err)
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		var errBody struct {
			Error struct {
				Kind    string `json:"kind"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &errBody) == nil && errBody.Error.Message != "" {
			return fmt.Errorf("%s: %s", errBody.Error.Kind, errBody.Error.Message)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
