package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.uber.org/zap"

	"github.com/jun/agentsync/internal/adapter"
	"github.com/jun/agentsync/internal/adapter/gemini"
	"github.com/jun/agentsync/internal/adapter/googledrive"
	"github.com/jun/agentsync/internal/adapter/memory"
	"github.com/jun/agentsync/internal/agent"
	"github.com/jun/agentsync/internal/auth"
	"github.com/jun/agentsync/internal/config"
	"github.com/jun/agentsync/internal/crypto"
	"github.com/jun/agentsync/internal/drivesync"
	"github.com/jun/agentsync/internal/handler"
	"github.com/jun/agentsync/internal/lease"
	"github.com/jun/agentsync/internal/logging"
	"github.com/jun/agentsync/internal/queue"
	"github.com/jun/agentsync/internal/secret"
	"github.com/jun/agentsync/internal/store"
)

const (
	devJWTSecret = "default-dev-secret"
	// DevRootFolderID is the root folder of the in-memory drive.
	DevRootFolderID = "root"
	// consumerParallelism bounds records processed at once per SQS batch.
	consumerParallelism = 5
)

// App holds the dependencies shared by every entrypoint.
type App struct {
	Config *config.Config
	Log    *zap.Logger

	Registry     *queue.Registry
	Queue        queue.Queue
	Orchestrator *drivesync.Orchestrator
	Finalizer    *drivesync.Finalizer
	Scheduler    *drivesync.Scheduler
	Agents       *agent.Service

	// Consumer is set outside dev mode, LocalQueue and DevDrive inside it.
	Consumer   *queue.Consumer
	LocalQueue *queue.LocalQueue
	DevDrive   *memory.Drive

	agentHandler     *handler.AgentHandler
	jwtSecret        string
	apiGatewaySecret string
}

// NewApp loads configuration and initializes the application. It panics on
// failure.
func NewApp(ctx context.Context) *App {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("unable to load config, %v", err))
	}
	log := logging.Must(cfg.LogLevel, cfg.DevMode)
	a, err := New(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize app", zap.Error(err))
	}
	return a
}

type backends struct {
	agents    store.AgentRepository
	files     store.FileRepository
	sessions  store.SessionRepository
	drive     adapter.DriveClient
	search    adapter.SearchStore
	leases    lease.Leaser
	encryptor crypto.Encryptor
	secrets   *secret.Secrets
}

// New wires the application from cfg. DEV_MODE runs fully in memory.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Registry: queue.NewRegistry(log)}

	var (
		b   *backends
		err error
	)
	var (
		memSessions *store.MemorySessions
		sqsQueue    *queue.SQSQueue
	)
	if cfg.DevMode {
		log.Info("Using in-memory stores, drive and search (DEV_MODE=true)")
		b, memSessions = a.devBackends(ctx)
		a.LocalQueue = queue.NewLocalQueue(a.Registry, log)
		a.Queue = a.LocalQueue
	} else {
		b, sqsQueue, err = a.awsBackends(ctx)
		if err != nil {
			return nil, err
		}
		a.Queue = sqsQueue
		a.Consumer = queue.NewConsumer(a.Registry, sqsQueue, log, consumerParallelism)
	}

	deps := drivesync.Deps{
		Agents:   b.agents,
		Files:    b.files,
		Sessions: b.sessions,
		Drive:    b.drive,
		Search:   b.search,
		Queue:    a.Queue,
		Leases:   b.leases,
		Log:      log,
	}
	policy := drivesync.Policy{
		Timeout:         cfg.Sync.TaskTimeout,
		MaxAttempts:     cfg.Sync.MaxAttempts,
		LeaseRetryDelay: cfg.Sync.LeaseRetryDelay,
	}
	cleaner := drivesync.NewCleaner(deps)
	a.Orchestrator = drivesync.NewOrchestrator(deps, policy)
	a.Finalizer = drivesync.NewFinalizer(deps)
	a.Scheduler = drivesync.NewScheduler(deps)
	drivesync.Register(a.Registry, a.Orchestrator, drivesync.NewFileSyncer(deps), cleaner, policy)
	if memSessions != nil {
		memSessions.Watch(a.Finalizer.Watcher())
	}
	if sqsQueue != nil {
		if err := sqsQueue.CheckRoutes(a.Registry.Types()); err != nil {
			return nil, err
		}
	}

	a.Agents = agent.NewService(agent.Deps{
		Agents:    b.agents,
		Search:    b.search,
		Queue:     a.Queue,
		Encryptor: b.encryptor,
		Cleaner:   cleaner,
		Log:       log,
	})
	a.jwtSecret = b.secrets.JWTSecret
	a.apiGatewaySecret = b.secrets.APIGatewaySecret
	a.agentHandler = handler.NewAgentHandler(a.Agents, a.jwtSecret, log)
	return a, nil
}

func (a *App) devBackends(ctx context.Context) (*backends, *store.MemorySessions) {
	secrets, err := secret.Load(ctx, secret.NewEnvResolver(), a.Config.Secrets, true)
	if err != nil {
		a.Log.Warn("Falling back to the default dev JWT secret", zap.Error(err))
		secrets = &secret.Secrets{JWTSecret: devJWTSecret}
	}
	sessions := store.NewMemorySessions()
	a.DevDrive = memory.NewDrive(DevRootFolderID)
	return &backends{
		agents:    store.NewMemoryAgents(),
		files:     store.NewMemoryFiles(),
		sessions:  sessions,
		drive:     a.DevDrive,
		search:    memory.NewSearchStore(),
		leases:    lease.NewMemoryLeaser(a.Config.Sync.LeaseTTL),
		encryptor: crypto.NewLocalEncryptor(),
		secrets:   secrets,
	}, sessions
}

func (a *App) awsBackends(ctx context.Context) (*backends, *queue.SQSQueue, error) {
	cfg := a.Config
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	secrets, err := secret.Load(ctx, secret.NewSSMResolver(ssm.NewFromConfig(awsCfg)), cfg.Secrets, false)
	if err != nil {
		return nil, nil, err
	}

	search, err := gemini.NewStore(ctx, secrets.GeminiAPIKey, cfg.Sync.UploadPollEvery, cfg.Sync.UploadPollLimit)
	if err != nil {
		return nil, nil, err
	}
	httpClient, err := auth.DriveHTTPClient(ctx, secrets.DriveCredentials, cfg.Drive.Subject)
	if err != nil {
		return nil, nil, err
	}
	drive, err := googledrive.NewDriveAdapter(ctx, httpClient, googledrive.Settings{
		Concurrency: cfg.Drive.Concurrency,
		QPS:         cfg.Drive.QPS,
	})
	if err != nil {
		return nil, nil, err
	}

	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	sqsQueue := queue.NewSQSQueue(sqs.NewFromConfig(awsCfg), map[string]string{
		drivesync.TaskInitialSync:        cfg.Queues.Orchestration,
		drivesync.TaskIncrementalSync:    cfg.Queues.Orchestration,
		drivesync.TaskFileSync:           cfg.Queues.FileSync,
		drivesync.TaskCleanupDriveSource: cfg.Queues.Cleanup,
	})

	return &backends{
		agents:    store.NewAgentTable(dynamoClient, cfg.Tables.Agents),
		files:     store.NewFileTable(dynamoClient, cfg.Tables.AgentFiles),
		sessions:  store.NewSessionTable(dynamoClient, cfg.Tables.SyncSessions),
		drive:     drive,
		search:    search,
		leases:    lease.NewManager(dynamoClient, cfg.Tables.Leases, cfg.Sync.LeaseTTL),
		encryptor: crypto.NewKMSService(kms.NewFromConfig(awsCfg), cfg.KMSKeyID),
		secrets:   secrets,
	}, sqsQueue, nil
}

// JWTSecret returns the secret session tokens are signed with.
func (a *App) JWTSecret() string {
	return a.jwtSecret
}

// Close stops background work started by the app.
func (a *App) Close(ctx context.Context) {
	a.Scheduler.Stop(ctx)
	if a.LocalQueue != nil {
		a.LocalQueue.Close()
	}
	_ = a.Log.Sync()
}

// HandleRequest routes API Gateway requests to the appropriate handler.
func (a *App) HandleRequest(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	path := req.Path
	method := req.HTTPMethod
	a.Log.Debug("Request", zap.String("method", method), zap.String("path", path))

	if method == http.MethodOptions {
		return a.corsResponse(events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}), nil
	}

	// Requests must come through CloudFront outside dev mode.
	if !a.Config.DevMode {
		if req.Headers["X-Origin-Verify"] != a.apiGatewaySecret && req.Headers["x-origin-verify"] != a.apiGatewaySecret {
			a.Log.Warn("Security Block: Missing or invalid X-Origin-Verify header")
			return events.APIGatewayProxyResponse{
				StatusCode: http.StatusForbidden,
				Body:       "Forbidden: Access denied",
			}, nil
		}
	}

	path = strings.TrimPrefix(path, "/api")
	if req.PathParameters == nil {
		req.PathParameters = make(map[string]string)
	}

	// /agents[/{id}[/sync | /drive-sources[/{sourceId}]]]
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if parts[0] == "agents" {
		h := a.agentHandler
		switch len(parts) {
		case 1:
			if method == http.MethodPost {
				return a.corsResponse(a.must(h.CreateAgent(ctx, req))), nil
			}
		case 2:
			req.PathParameters["id"] = parts[1]
			switch method {
			case http.MethodGet:
				return a.corsResponse(a.must(h.GetAgent(ctx, req))), nil
			case http.MethodPatch:
				return a.corsResponse(a.must(h.UpdateAgent(ctx, req))), nil
			case http.MethodDelete:
				return a.corsResponse(a.must(h.DeleteAgent(ctx, req))), nil
			}
		case 3:
			req.PathParameters["id"] = parts[1]
			if parts[2] == "sync" && method == http.MethodPost {
				return a.corsResponse(a.must(h.TriggerSync(ctx, req))), nil
			}
			if parts[2] == "drive-sources" && method == http.MethodPost {
				return a.corsResponse(a.must(h.AddDriveSource(ctx, req))), nil
			}
		case 4:
			req.PathParameters["id"] = parts[1]
			req.PathParameters["sourceId"] = parts[3]
			if parts[2] == "drive-sources" {
				switch method {
				case http.MethodPatch:
					return a.corsResponse(a.must(h.UpdateDriveSource(ctx, req))), nil
				case http.MethodDelete:
					return a.corsResponse(a.must(h.RemoveDriveSource(ctx, req))), nil
				}
			}
		}
	}

	return a.corsResponse(events.APIGatewayProxyResponse{
		StatusCode: http.StatusNotFound,
		Body:       fmt.Sprintf("Not Found: %s %s", method, path),
	}), nil
}

// corsResponse adds CORS headers to an API Gateway response.
func (a *App) corsResponse(resp events.APIGatewayProxyResponse) events.APIGatewayProxyResponse {
	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	resp.Headers["Access-Control-Allow-Origin"] = a.Config.FrontendURL
	resp.Headers["Access-Control-Allow-Credentials"] = "true"
	resp.Headers["Access-Control-Allow-Methods"] = "GET,POST,PATCH,DELETE,OPTIONS"
	resp.Headers["Access-Control-Allow-Headers"] = "Content-Type,Authorization"
	return resp
}

// must unwraps a handler response, logging the error.
func (a *App) must(resp events.APIGatewayProxyResponse, err error) events.APIGatewayProxyResponse {
	if err != nil {
		a.Log.Error("Handler error", zap.Error(err))
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Internal Server Error"}
	}
	return resp
}
