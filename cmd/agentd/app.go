package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"deskagent/internal/agent/executor"
	"deskagent/internal/agent/ledger"
	mongoledger "deskagent/internal/agent/ledger/mongo"
	"deskagent/internal/agent/memory"
	mongomemory "deskagent/internal/agent/memory/mongo"
	"deskagent/internal/agent/model"
	"deskagent/internal/agent/model/anthropic"
	"deskagent/internal/agent/model/bedrock"
	"deskagent/internal/agent/model/openai"
	"deskagent/internal/agent/planner"
	"deskagent/internal/agent/reviewer"
	"deskagent/internal/agent/scheduler"
	"deskagent/internal/agent/skills"
	emailskill "deskagent/internal/agent/skills/email"
	fileskill "deskagent/internal/agent/skills/file"
	webskill "deskagent/internal/agent/skills/web"
	"deskagent/internal/agent/stream"
	"deskagent/internal/agent/stream/httpsse"
	"deskagent/internal/agent/stream/redisbridge"
	"deskagent/internal/agent/stream/wsrelay"
	"deskagent/internal/agent/telemetry"
	"deskagent/internal/agent/turn"
	"deskagent/internal/config"
)

// app holds every wired component serve needs to run the HTTP front door,
// the background transport bridges, and the email scheduler.
type app struct {
	cfg      *config.Config
	logger   telemetry.Logger
	driver   *turn.Driver
	hub      *stream.Hub
	sched    *scheduler.Scheduler
	metaWatch *config.MetadataWatcher
	redisCli *redis.Client
}

// newApp loads configuration and wires every package into one running
// instance, mirroring C360Studio-semspec's cmd/semspec's load→validate→
// construct sequence.
func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := telemetry.NewClueLogger()

	client, err := buildModelClient(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("model client: %w", err)
	}

	rates := ledger.Rates{
		Cached:   cfg.TokenRates.InputCachedPerMillion,
		Uncached: cfg.TokenRates.InputUncachedPerMillion,
		Output:   cfg.TokenRates.OutputPerMillion,
	}
	led, err := buildLedgerStore(cfg, rates, logger)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}

	mem, err := buildMemoryStore(cfg.Memory)
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}

	registry := skills.NewRegistry()
	if err := registerSkills(registry, cfg); err != nil {
		return nil, fmt.Errorf("skills: %w", err)
	}

	metaWatch, err := startMetadataWatcher(cfg, registry, logger)
	if err != nil {
		return nil, fmt.Errorf("skills metadata watcher: %w", err)
	}

	driver := &turn.Driver{
		Planner:         &planner.Planner{Client: client, Registry: registry, ModelName: cfg.LLM.Model},
		Executor:        &executor.Executor{Client: client, Registry: registry, ModelName: cfg.LLM.Model},
		Reviewer:        &reviewer.Reviewer{Client: client, ModelName: cfg.LLM.Model},
		Memory:          mem,
		Ledger:          led,
		Hub:             stream.NewHub(cfg.Transport.BufferSize),
		Logger:          logger,
		Metrics:         telemetry.NewClueMetrics(),
		MaxReviewRounds: cfg.Turn.MaxReviewRounds,
		SkillTimeout:    cfg.Turn.SkillTimeout,
		TurnDeadline:    cfg.Turn.TurnDeadline,
	}

	mailInvoker, ok := registry.Get("send_email")
	if !ok {
		return nil, fmt.Errorf("skills: send_email is not registered, the scheduler cannot send mail")
	}
	sched, err := scheduler.New(scheduler.Options{
		Path:      cfg.Storage.SchedulerPath,
		Client:    client,
		ModelName: cfg.LLM.Model,
		Mailer:    scheduler.SkillMailer{Invoke: mailInvoker},
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	var redisCli *redis.Client
	if cfg.Transport.Redis.Enabled {
		redisCli = redis.NewClient(&redis.Options{Addr: cfg.Transport.Redis.Addr})
	}

	return &app{cfg: cfg, logger: logger, driver: driver, hub: driver.Hub, sched: sched, metaWatch: metaWatch, redisCli: redisCli}, nil
}

// Run starts every background sink and front door, and blocks until ctx is
// canceled, then shuts everything down.
func (a *app) Run(ctx context.Context) error {
	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: start: %w", err)
	}

	if a.metaWatch != nil {
		go func() {
			if err := a.metaWatch.Run(ctx); err != nil {
				a.logger.Warn(ctx, "metadata watcher stopped", "error", err)
			}
		}()
	}

	if a.redisCli != nil {
		bridge := redisbridge.NewBridge(a.redisCli, a.cfg.Transport.Redis.Channel)
		go func() {
			if err := bridge.Run(ctx, a.hub); err != nil && ctx.Err() == nil {
				a.logger.Warn(ctx, "redis bridge stopped", "error", err)
			}
		}()
	}

	servers := a.startHTTPServers(ctx)

	<-ctx.Done()
	a.logger.Info(context.Background(), "agentd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn(shutdownCtx, "http server shutdown error", "error", err)
		}
	}
	if a.redisCli != nil {
		_ = a.redisCli.Close()
	}
	return nil
}

// startHTTPServers mounts the local chat API plus the SSE and operator
// WebSocket sinks, each behind its own configured address, following
// basegraphhq-basegraph's ListenAndServe-in-a-goroutine-then-Shutdown shape.
func (a *app) startHTTPServers(ctx context.Context) []*http.Server {
	var servers []*http.Server

	if a.cfg.Transport.HTTPSSE.Enabled {
		router := gin.New()
		router.Use(gin.Recovery())
		router.POST("/chat", a.handleChat)
		router.GET("/events", func(c *gin.Context) { httpsse.NewHandler(a.hub).ServeHTTP(c) })
		srv := &http.Server{Addr: a.cfg.Transport.HTTPSSE.Addr, Handler: router}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error(ctx, "httpsse server error", "error", err)
			}
		}()
		servers = append(servers, srv)
	}

	if a.cfg.Transport.WebSocket.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/console", wsrelay.NewHandler(a.hub))
		srv := &http.Server{Addr: a.cfg.Transport.WebSocket.Addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error(ctx, "wsrelay server error", "error", err)
			}
		}()
		servers = append(servers, srv)
	}

	return servers
}

// chatRequest is the local UI's POST /chat body: a single user message.
type chatRequest struct {
	Message string `json:"message"`
}

// handleChat runs one turn in the background (so the caller's /events SSE
// subscription, opened beforehand, receives every framed chunk) and
// responds immediately with 202 Accepted.
func (a *app) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	go func() {
		ctx := context.Background()
		if _, err := a.driver.Chat(ctx, req.Message); err != nil {
			a.logger.Error(ctx, "turn failed", "error", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

// buildModelClient selects and constructs the provider-specific model.Client
// named by cfg.Provider.
func buildModelClient(cfg config.LLMConfig) (model.Client, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.New(anthropic.Options{APIKey: cfg.APIKey, DefaultModel: cfg.Model})
	case "openai":
		return openai.New(openai.Options{APIKey: cfg.APIKey, DefaultModel: cfg.Model})
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("bedrock: loading AWS config: %w", err)
		}
		runtime := bedrockruntime.NewFromConfig(awsCfg)
		return bedrock.New(bedrock.Options{Runtime: runtime, DefaultModel: cfg.Model})
	default:
		return nil, fmt.Errorf("config: unsupported llm.provider %q", cfg.Provider)
	}
}

// buildLedgerStore selects the file- or Mongo-backed Token Ledger per
// cfg.Storage.LedgerBackend.
func buildLedgerStore(cfg *config.Config, rates ledger.Rates, logger telemetry.Logger) (ledger.Store, error) {
	switch cfg.Storage.LedgerBackend {
	case "mongo":
		mongoClient, err := mongodriver.Connect(options.Client().ApplyURI(cfg.Storage.LedgerMongoURI).SetServerSelectionTimeout(10 * time.Second))
		if err != nil {
			return nil, fmt.Errorf("connecting to mongo: %w", err)
		}
		return mongoledger.New(mongoledger.Options{
			Client:   mongoClient,
			Database: cfg.Storage.LedgerMongoDatabase,
			Rates:    rates,
			Timeout:  10 * time.Second,
		})
	default:
		return ledger.New(ledger.Options{Path: cfg.Storage.LedgerPath, Rates: rates, Logger: logger})
	}
}

// buildMemoryStore selects the file- or Mongo-backed Dialog Memory per
// cfg.Backend.
func buildMemoryStore(cfg config.MemoryConfig) (memory.Store, error) {
	switch cfg.Backend {
	case "mongo":
		mongoClient, err := mongodriver.Connect(options.Client().ApplyURI(cfg.MongoURI).SetServerSelectionTimeout(10 * time.Second))
		if err != nil {
			return nil, fmt.Errorf("memory: connecting to mongo: %w", err)
		}
		return mongomemory.New(mongomemory.Options{
			Client:         mongoClient,
			Database:       cfg.MongoDatabase,
			ConversationID: "default",
			Timeout:        10 * time.Second,
		})
	default:
		return memory.NewFile(cfg.Path), nil
	}
}

// registerSkills builds and registers every skill catalog the runtime
// exposes to the Planner/Executor.
func registerSkills(reg *skills.Registry, cfg *config.Config) error {
	fileCatalog, err := fileskill.NewCatalog(cfg.Storage.FileSkillRoot)
	if err != nil {
		return err
	}
	if err := fileCatalog.Register(reg); err != nil {
		return err
	}

	webCatalog := webskill.NewCatalog(15 * time.Second)
	if err := webCatalog.Register(reg); err != nil {
		return err
	}

	emailCatalog := emailskill.NewCatalog(emailskill.Options{
		Host:     cfg.Email.SMTPServer,
		Port:     cfg.Email.SMTPPort,
		Username: cfg.Email.SMTPUser,
		Password: cfg.Email.SMTPAuthCode,
		From:     cfg.Email.DefaultSender,
	})
	return emailCatalog.Register(reg)
}

// startMetadataWatcher writes the initial skills_metadata.json/_brief.json
// pair from the live Registry, then watches the full file for edits, per
// spec.md §6's persisted skills-metadata layout.
func startMetadataWatcher(cfg *config.Config, reg *skills.Registry, logger telemetry.Logger) (*config.MetadataWatcher, error) {
	fullPath := cfg.Storage.SkillsMetadataPath
	full, err := json.MarshalIndent(reg.ListFull(), "", "  ")
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(fullPath, full); err != nil {
		return nil, err
	}
	brief, err := config.DeriveBrief(full)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(briefPathFor(fullPath), brief); err != nil {
		return nil, err
	}

	return config.NewMetadataWatcher(fullPath, config.DeriveBrief, slog.Default())
}

func briefPathFor(fullPath string) string {
	ext := filepath.Ext(fullPath)
	return fullPath[:len(fullPath)-len(ext)] + "_brief" + ext
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
