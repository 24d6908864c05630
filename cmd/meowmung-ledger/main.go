package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/meowmung/meowmung-ledger/internal/pipeline"
	"github.com/meowmung/meowmung-ledger/internal/quality"
	"github.com/meowmung/meowmung-ledger/internal/scanning"
	"github.com/meowmung/meowmung-ledger/internal/server"
	"github.com/meowmung/meowmung-ledger/internal/source"
	"github.com/meowmung/meowmung-ledger/internal/superres"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	defaults := quality.DefaultPolicy()

	fs := ff.NewFlagSet("meowmung-ledger")
	var (
		port            = fs.IntLong("port", 8085, "HTTP server port")
		scannerType     = fs.StringLong("scanner", "gemini", "Scanner type: 'gemini', 'vertex', 'ollama' or 'openai'")
		geminiKey       = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel     = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		vertexProject   = fs.StringLong("vertex-project", "", "Google Cloud project for Vertex AI")
		vertexRegion    = fs.StringLong("vertex-region", "asia-northeast3", "Vertex AI region")
		vertexModel     = fs.StringLong("vertex-model", "gemini-2.5-pro", "Vertex AI model name")
		ollamaURL       = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel     = fs.StringLong("ollama-model", "qwen2.5vl:7b", "Ollama vision model name")
		openaiURL       = fs.StringLong("openai-url", "https://api.openai.com", "OpenAI-compatible API base URL")
		openaiKey       = fs.StringLong("openai-key", "", "OpenAI API key (or set OPENAI_API_KEY env var)")
		openaiModel     = fs.StringLong("openai-model", "gpt-4o", "OpenAI model name")
		modelDir        = fs.StringLong("model-dir", "./models", "Directory holding the sr_x{2,3,4}.srnn super-resolution models (empty disables enhancement)")
		minShortEdge    = fs.IntLong("min-short-edge", defaults.MinShortEdge, "Shorter image edge in pixels below which images are upscaled")
		minSharpness    = fs.Float64Long("min-sharpness", defaults.MinSharpness, "Laplacian variance below which images count as blurry (0 disables)")
		maxPayloadBytes = fs.IntLong("max-payload-bytes", scanning.DefaultMaxPayloadBytes, "Maximum base64 payload size sent to the model")
		payloadFormat   = fs.StringLong("payload-format", "png", "Payload image format: 'png' or 'jpeg'")
		extractTimeout  = fs.DurationLong("extract-timeout", scanning.DefaultExtractTimeout, "Timeout of one extraction attempt")
		extractRetries  = fs.IntLong("extract-retries", 1, "Extraction retries after a failed attempt (0 or 1)")
		enhanceBudget   = fs.IntLong("enhance-pixel-budget", pipeline.DefaultEnhancePixelBudget, "Largest enhanced image in pixels; bigger images skip super-resolution (0 disables the limit)")
		urlHosts        = fs.StringLong("url-hosts", "", "Comma-separated hosts image URLs may be downloaded from (empty allows any public host)")
		privateURLs     = fs.BoolLong("allow-private-urls", "Allow image URLs resolving to loopback or private addresses")
		gcsEnabled      = fs.BoolLong("gcs", "Allow gs:// image URLs using application default credentials")
		authUser        = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass        = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel        = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		showVersion     = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("MEOWMUNG_LEDGER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid log level %q\n", *logLevel)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx := context.Background()

	// Initialize extractor based on scanner type
	var (
		extractor scanning.Extractor
		err       error
	)
	switch *scannerType {
	case "gemini":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini scanner...", "model", *geminiModel)
		extractor, err = scanning.NewGemini(ctx, apiKey, *geminiModel)
	case "vertex":
		slog.Info("Initializing Vertex AI scanner...", "project", *vertexProject, "region", *vertexRegion, "model", *vertexModel)
		extractor, err = scanning.NewVertex(ctx, *vertexProject, *vertexRegion, *vertexModel)
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", *ollamaURL, "model", *ollamaModel)
		extractor = scanning.NewOllama(*ollamaURL, *ollamaModel)
	case "openai":
		apiKey := *openaiKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		slog.Info("Initializing OpenAI scanner...", "url", *openaiURL, "model", *openaiModel)
		extractor, err = scanning.NewOpenAI(*openaiURL, apiKey, *openaiModel)
	default:
		slog.Error("Invalid scanner type", "type", *scannerType, "valid", "gemini, vertex, ollama or openai")
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Failed to initialize scanner", "type", *scannerType, "error", err)
		os.Exit(1)
	}
	extractor = scanning.NewRetrying(extractor, *extractTimeout, *extractRetries)
	defer extractor.Close()

	format, err := scanning.ParseFormat(*payloadFormat)
	if err != nil {
		slog.Error("Invalid payload format", "error", err)
		os.Exit(1)
	}

	composer, err := scanning.NewComposer()
	if err != nil {
		slog.Error("Failed to load prompt", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded extraction prompt", "version", composer.Version())

	// Models load lazily on first use; missing files only disable enhancement
	var enhancer pipeline.Enhancer
	if *modelDir != "" {
		slog.Info("Super-resolution enabled", "model_dir", *modelDir)
		enhancer = superres.NewEnhancer(superres.NewCache(superres.NewFileLoader(*modelDir)))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	p := pipeline.New(
		quality.NewAssessor(quality.Policy{MinShortEdge: *minShortEdge, MinSharpness: *minSharpness}),
		enhancer,
		scanning.NewEncoder(format, *maxPayloadBytes),
		composer,
		extractor,
		pipeline.NewMetrics(registry),
	)
	p.SetEnhancePixelBudget(int64(*enhanceBudget))

	var store source.ObjectStore
	if *gcsEnabled {
		slog.Info("Initializing GCS client...")
		client, err := storage.NewClient(ctx)
		if err != nil {
			slog.Error("Failed to initialize GCS client", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		store = source.NewGCS(client)
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if !*privateURLs {
		dialer.Control = source.DenyPrivateAddresses
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	fetcher := source.NewFetcher(&http.Client{Timeout: 30 * time.Second, Transport: transport}, store, source.DefaultMaxBytes)
	if *urlHosts != "" {
		fetcher.SetAllowedHosts(strings.Split(*urlHosts, ","))
		slog.Info("Image URLs restricted", "hosts", *urlHosts)
	}

	basicAuth := server.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	srv := server.NewServer(p, fetcher, registry, basicAuth)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := srv.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}
