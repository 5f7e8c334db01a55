// Command gsv is the distributed agent gateway's client/node runtime: a
// thin operational shell around the framed protocol, process engine,
// transfer coordinator, and the client/node loops. Flag parsing, deploy
// orchestration, and channel wiring are intentionally minimal here; the
// hard core lives in internal/.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stevej/gsv/internal/clientloop"
	"github.com/stevej/gsv/internal/config"
	"github.com/stevej/gsv/internal/gatewayclient"
	"github.com/stevej/gsv/internal/nodeloop"
	"github.com/stevej/gsv/internal/pkg/response"
	"github.com/stevej/gsv/internal/processengine"
	"github.com/stevej/gsv/internal/tools"
	"github.com/stevej/gsv/internal/transport"
)

func main() {
	mode := flag.String("mode", "client", "runtime role: client or node")
	url := flag.String("url", "", "gateway WebSocket URL (overrides config/GSV_URL)")
	token := flag.String("token", "", "bearer token (overrides config/GSV_TOKEN)")
	sessionKey := flag.String("session", "", "chat session key (client mode)")
	message := flag.String("message", "", "one-shot message; omit for interactive mode (client mode)")
	workspace := flag.String("workspace", ".", "workspace root the node resolves tool paths against")
	nodeID := flag.String("node-id", "", "stable node id; defaults to node-<hostname>")
	policyFile := flag.String("policy", "", "optional Casbin tool-execution policy CSV (node mode)")
	statusAddr := flag.String("status-addr", "127.0.0.1:0", "local status HTTP server bind address (node mode)")
	release := flag.Bool("release", false, "use zap's production logger instead of development")
	flag.Parse()

	// ── Logger ─────────────────────────────────────────
	var logger *zap.Logger
	var err error
	if *release {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("gsv: init logger: %v", err)
	}
	defer logger.Sync()

	// ── Config ─────────────────────────────────────────
	cfg, err := config.Load(func(format string, args ...any) {
		logger.Warn(fmt.Sprintf(format, args...))
	})
	if err != nil {
		log.Fatalf("gsv: load config: %v", err)
	}

	gatewayURL := firstNonEmpty(*url, os.Getenv("GSV_URL"), cfg.Gateway.URL, config.DefaultGatewayURL)
	bearerToken := firstNonEmpty(*token, os.Getenv("GSV_TOKEN"), cfg.Gateway.Token)

	if diag := config.DescribeToken(bearerToken); diag != "" {
		logger.Info("gsv: bearer token", zap.String("diagnostic", diag))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch *mode {
	case "client":
		if err := runClient(ctx, logger, gatewayURL, bearerToken, *sessionKey, *message); err != nil {
			logger.Error("gsv: client exited with error", zap.Error(err))
			os.Exit(1)
		}
	case "node":
		if err := runNode(ctx, logger, gatewayURL, bearerToken, *nodeID, *workspace, *policyFile, *statusAddr); err != nil {
			logger.Error("gsv: node exited with error", zap.Error(err))
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "gsv: unknown mode %q (want client or node)\n", *mode)
		os.Exit(2)
	}
}

func runClient(ctx context.Context, logger *zap.Logger, url, token, sessionKey, message string) error {
	conn, err := transport.Connect(ctx, url, transport.ModeClient, nil, nil, "", token, logger)
	if err != nil {
		return fmt.Errorf("gsv: connect: %w", err)
	}
	defer conn.Close()

	gw := gatewayclient.New(conn)
	loop := clientloop.New(gw, logger)

	if message == "" {
		return loop.RunInteractive(ctx, sessionKey)
	}
	return loop.Run(ctx, sessionKey, message)
}

func runNode(ctx context.Context, logger *zap.Logger, url, token, nodeID, workspace, policyFile, statusAddr string) error {
	policy, err := tools.LoadPolicy(policyFile)
	if err != nil {
		return fmt.Errorf("gsv: load policy: %w", err)
	}

	engine := processengine.NewEngine(logger)
	registry := tools.NewRegistry(workspace, engine, policy)

	if statusAddr != "" {
		go serveStatus(statusAddr, engine, registry, logger)
	}

	return nodeloop.Run(ctx, url, token, nodeID, workspace, engine, registry, logger)
}

// serveStatus binds a small local-only HTTP server for operator/monitoring
// tooling: GET /healthz, GET /sessions (a rendering of the process engine's
// session list), GET /sessions/:id, and GET /tools. It shares the node
// loop's engine, so it reflects the sessions tool invocations actually
// create.
func serveStatus(addr string, engine *processengine.Engine, registry *tools.Registry, logger *zap.Logger) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{AllowOrigins: []string{"http://localhost"}}))

	r.GET("/healthz", func(c *gin.Context) {
		response.OK(c, gin.H{"status": "ok"})
	})
	r.GET("/sessions", func(c *gin.Context) {
		response.OK(c, engine.List())
	})
	r.GET("/sessions/:id", func(c *gin.Context) {
		id := c.Param("id")
		if h, ok := engine.LookupRunning(id); ok {
			response.OK(c, h.Snapshot())
			return
		}
		if snap, ok := engine.LookupFinished(id); ok {
			response.OK(c, snap)
			return
		}
		response.NotFound(c, fmt.Sprintf("no session found for %s", id))
	})
	r.GET("/tools", func(c *gin.Context) {
		response.OK(c, registry.Names())
	})

	if err := r.Run(addr); err != nil {
		logger.Warn("gsv: status server stopped", zap.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
