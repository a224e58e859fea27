package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/foundriesio/conductor/pkg/aggregator"
	"github.com/foundriesio/conductor/pkg/api"
	"github.com/foundriesio/conductor/pkg/ci"
	"github.com/foundriesio/conductor/pkg/config"
	"github.com/foundriesio/conductor/pkg/daemon"
	"github.com/foundriesio/conductor/pkg/gitutil"
	"github.com/foundriesio/conductor/pkg/lab"
	"github.com/foundriesio/conductor/pkg/mutator"
	"github.com/foundriesio/conductor/pkg/queue"
	"github.com/foundriesio/conductor/pkg/scheduler"
	"github.com/foundriesio/conductor/pkg/store"
	"github.com/foundriesio/conductor/pkg/testplan"
)

func main() {
	// Flag domain.
	fs := pflag.NewFlagSet("default", pflag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "DESCRIPTION\n")
		fmt.Fprintf(os.Stderr, "  conductord coordinates OTA upgrade testing: it mutates manifest\n")
		fmt.Fprintf(os.Stderr, "  repos to trigger CI builds, waits the builds out, and schedules\n")
		fmt.Fprintf(os.Stderr, "  the resulting artifacts onto device-lab hardware.\n")
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "FLAGS\n")
		fs.PrintDefaults()
	}
	var (
		listenAddr        = fs.StringP("listen", "l", ":8000", "listen address for webhooks and the API")
		listenMetricsAddr = fs.String("listen-metrics", "", "listen address for /metrics; omit to serve on --listen")
		configPath        = fs.String("config", "/etc/conductor/conductor.yaml", "project configuration file")
		planPath          = fs.String("test-plan", "/etc/conductor/plan.yaml", "test plan file")
		databaseURL       = fs.String("database", "", "PostgreSQL datasource; empty runs the in-memory store")
		repoDir           = fs.String("repo-dir", "/var/lib/conductor/repos", "directory for manifest work trees")
		gitTimeout        = fs.Duration("git-timeout", 40*time.Second, "timeout for git operations")
		ciURL             = fs.String("ci-url", "", "CI backend API base URL")
		ciToken           = fs.String("ci-token", "", "CI backend API token")
		pollDeadline      = fs.Duration("ci-poll-deadline", 4*time.Hour, "how long to wait for one build")
		labURL            = fs.String("lab-url", "", "device lab REST API base URL")
		labToken          = fs.String("lab-token", "", "device lab API token")
		labWebSocket      = fs.String("lab-ws", "", "device lab websocket event stream URL; empty disables it")
		mergeInterval     = fs.Duration("merge-interval", 6*time.Hour, "how often to try merging upstream manifests")
		sweepInterval     = fs.Duration("sweep-interval", 5*time.Minute, "how often to reconcile dispatched runs against the lab")
		runDeadline       = fs.Duration("run-deadline", 30*time.Minute, "how long a dispatched run may stay unfinished before its lab job is cancelled")
		workers           = fs.Int("workers", 4, "queue worker count")
		dryRun            = fs.Bool("dry-run", false, "do everything except push commits")
	)
	fs.Parse(os.Args)

	// Logger domain.
	var logger log.Logger
	{
		logger = log.NewLogfmtLogger(os.Stderr)
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = log.With(logger, "caller", log.DefaultCaller)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log("err", err)
		os.Exit(1)
	}
	plan, err := testplan.Load(*planPath)
	if err != nil {
		logger.Log("err", err)
		os.Exit(1)
	}

	// Store component.
	var db store.Store
	{
		if *databaseURL == "" {
			logger.Log("component", "store", "backend", "inmem")
			db = store.NewInMem()
		} else {
			sqlStore, err := store.NewSQL("postgres", *databaseURL)
			if err != nil {
				logger.Log("component", "store", "err", err)
				os.Exit(1)
			}
			logger.Log("component", "store", "backend", "postgres")
			db = sqlStore
		}
		for _, p := range cfg.Projects {
			err := db.UpsertProject(context.Background(), store.Project{
				Name:            p.Name,
				ManifestRepoURL: p.ManifestRepo,
				UpstreamRepoURL: p.UpstreamRepo,
				DefaultBranch:   p.Branch,
				RepoDomain:      p.RepoDomain,
				Secret:          p.WebhookSecret,
				DeviceTypes:     p.DeviceTypes,
			})
			if err != nil {
				logger.Log("component", "store", "project", p.Name, "err", err)
				os.Exit(1)
			}
		}
	}

	// CI component.
	ciClient, err := ci.NewClient(*ciURL, *ciToken)
	if err != nil {
		logger.Log("component", "ci", "err", err)
		os.Exit(1)
	}
	poller := ci.NewPoller(ciClient, log.With(logger, "component", "ci"))
	poller.Deadline = *pollDeadline

	// Lab component.
	labClient, err := lab.NewClient(*labURL, *labToken)
	if err != nil {
		logger.Log("component", "lab", "err", err)
		os.Exit(1)
	}

	// Queue and daemon domain.
	shutdown := make(chan struct{})
	shutdownWg := &sync.WaitGroup{}
	q := queue.NewQueue(shutdown, shutdownWg)
	sched := scheduler.New(db, labClient, log.With(logger, "component", "scheduler"))
	d := daemon.New(db, sched, poller, labClient, plan, q, log.With(logger, "component", "daemon"))
	d.RunDeadline = *runDeadline
	agg := aggregator.New(db, labClient, d, plan, log.With(logger, "component", "aggregator"))
	d.SetAggregator(agg)

	// Mutator component, one per project with a manifest repo.
	for _, p := range cfg.Projects {
		opts := []gitutil.Option{
			gitutil.Branch(p.Branch),
			gitutil.Timeout(*gitTimeout),
		}
		if p.UpstreamRepo != "" {
			opts = append(opts, gitutil.Upstream(gitutil.Remote{Name: "lmp", URL: p.UpstreamRepo}))
		}
		if p.RepoToken != "" {
			opts = append(opts, gitutil.Auth(p.RepoDomain, p.RepoToken))
		}
		if *dryRun {
			opts = append(opts, gitutil.DryRun(true))
		}
		tree := gitutil.NewWorkTree(*repoDir+"/"+p.Name,
			gitutil.Remote{Name: "origin", URL: p.ManifestRepo}, opts...)
		if err := tree.Ensure(context.Background()); err != nil {
			logger.Log("component", "mutator", "project", p.Name, "err", err)
			os.Exit(1)
		}
		d.RegisterMutator(p.Name, mutator.New(tree, "", "",
			log.With(logger, "component", "mutator", "project", p.Name)))
	}

	// Mechanical components.
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	pool := queue.NewPool(q, log.With(logger, "component", "queue"))
	pool.Workers = *workers
	go pool.Run(ctx)

	shutdownWg.Add(1)
	go func() {
		defer shutdownWg.Done()
		d.Loop(shutdown, *mergeInterval, *sweepInterval)
	}()

	if *labWebSocket != "" {
		listener := lab.NewListener(*labWebSocket, func(e lab.Event) {
			q.Enqueue(&queue.Task{
				Name: "lab-event",
				Do: func(ctx context.Context, logger log.Logger) error {
					state, _ := e.Payload["state"].(string)
					health, _ := e.Payload["health"].(string)
					return agg.RecordLabJob(ctx, e.JobID(), lab.JobState(state), lab.JobHealth(health))
				},
			})
		}, log.With(logger, "component", "lab-listener"))
		go listener.Run(ctx)
	}

	// HTTP component.
	{
		server := api.NewServer(db, d, log.With(logger, "component", "api"))
		router := server.Router()
		if *listenMetricsAddr == "" {
			router.Handle("/metrics", promhttp.Handler())
		} else {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				logger.Log("metrics-addr", *listenMetricsAddr)
				errc <- http.ListenAndServe(*listenMetricsAddr, mux)
			}()
		}
		go func() {
			logger.Log("addr", *listenAddr)
			errc <- http.ListenAndServe(*listenAddr, router)
		}()
	}

	// Go!
	logger.Log("exiting", <-errc)
	cancel()
	close(shutdown)
	shutdownWg.Wait()
}
