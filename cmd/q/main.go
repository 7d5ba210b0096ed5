package main

import (
	"bufio"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/aschepis/backscratcher/q/agent"
	"github.com/aschepis/backscratcher/q/config"
	"github.com/aschepis/backscratcher/q/conversations"
	"github.com/aschepis/backscratcher/q/llm"
	qlogger "github.com/aschepis/backscratcher/q/logger"
	"github.com/aschepis/backscratcher/q/migrations"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

type options struct {
	configPath  string
	provider    string
	model       string
	system      string
	thread      string
	batchFile   string
	concurrency int
	partial     bool
	listModels  bool
	providers   bool
	listThreads bool
	setKey      string
	drop        int
	exportFile  string
	importFile  string
	maxTokens   int64
	temperature float64
	logFile     string
	pretty      bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flag.StringVar(&opts.configPath, "config", config.GetConfigPath(), "Path to config file")
	flag.StringVar(&opts.provider, "provider", "", "LLM provider (anthropic, openai, ollama). Defaults to the configured preference")
	flag.StringVar(&opts.model, "model", "", "Model name. Defaults to the provider's configured model")
	flag.StringVar(&opts.system, "system", "", "System prompt for a new conversation")
	flag.StringVar(&opts.thread, "thread", "", `Conversation thread to continue, or "new" to start one`)
	flag.StringVar(&opts.batchFile, "batch", "", "File with one prompt per line to send as a batch")
	flag.IntVar(&opts.concurrency, "concurrency", 0, "Max in-flight batch requests (default from config)")
	flag.BoolVar(&opts.partial, "partial", false, "Report per-prompt failures instead of failing the whole batch")
	flag.BoolVar(&opts.listModels, "models", false, "List models offered by the provider")
	flag.BoolVar(&opts.providers, "providers", false, "List enabled providers that are configured and ready to use")
	flag.BoolVar(&opts.listThreads, "threads", false, "List stored conversation threads")
	flag.StringVar(&opts.setKey, "set-key", "", "Store an API key for a provider; the key is read from the first argument or stdin")
	flag.IntVar(&opts.drop, "drop", 0, "Drop the last N exchanges from the thread before prompting")
	flag.StringVar(&opts.exportFile, "export", "", "Write the conversation as JSON to this file")
	flag.StringVar(&opts.importFile, "import", "", "Start from a conversation previously written with -export")
	flag.Int64Var(&opts.maxTokens, "max-tokens", 0, "Max tokens to generate (default from config)")
	flag.Float64Var(&opts.temperature, "temperature", -1, "Sampling temperature (default from config)")
	flag.StringVar(&opts.logFile, "logfile", "", "Path to log file. If not set, logs to stderr")
	flag.BoolVar(&opts.pretty, "pretty", false, "Use pretty console output (only valid when logfile is not set)")
	flag.Parse()

	if opts.logFile != "" && opts.pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}
	logger, err := qlogger.InitWithOptions(opts.logFile, opts.pretty, zerolog.WarnLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if opts.setKey != "" {
		return setKey(opts.configPath, opts.setKey, flag.Args())
	}

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.providers {
		return listProviders(os.Stdout, cfg)
	}
	if opts.listThreads {
		return listThreads(ctx, cfg, logger)
	}

	var prefs []llm.LLMPreference
	if opts.provider != "" {
		prefs = []llm.LLMPreference{{Provider: opts.provider, Model: opts.model}}
	}
	client, key, err := config.NewClient(ctx, cfg, prefs, logger)
	if err != nil {
		return err
	}
	model := key.Model
	if opts.model != "" {
		model = opts.model
	}
	reqOpts := requestOptions(cfg, key, opts)

	switch {
	case opts.listModels:
		models, err := client.ListModels(ctx)
		if err != nil {
			return err
		}
		for _, m := range models {
			fmt.Println(m)
		}
		return nil
	case opts.batchFile != "":
		return runBatch(ctx, cfg, client, model, opts, reqOpts, logger)
	default:
		return runConversation(ctx, cfg, client, model, opts, reqOpts, logger)
	}
}

// requestOptions layers config defaults, then the resolved preference, then flags.
func requestOptions(cfg *config.Config, key *llm.ClientKey, opts options) []llm.Option {
	reqOpts := append(cfg.RequestOptions(), key.Options()...)
	if opts.maxTokens > 0 {
		reqOpts = append(reqOpts, llm.WithMaxTokens(opts.maxTokens))
	}
	if opts.temperature >= 0 {
		reqOpts = append(reqOpts, llm.WithTemperature(opts.temperature))
	}
	return reqOpts
}

// listProviders prints the enabled providers that have the credentials they need.
func listProviders(w io.Writer, cfg *config.Config) error {
	providers := cfg.Registry().ListProviders()
	if len(providers) == 0 {
		return fmt.Errorf("no configured providers among %v", cfg.LLMProviders)
	}
	for _, p := range providers {
		if _, err := fmt.Fprintln(w, p); err != nil {
			return err
		}
	}
	return nil
}

func setKey(configPath, provider string, args []string) error {
	var apiKey string
	if len(args) > 0 {
		apiKey = args[0]
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to read API key: %w", err)
		}
		apiKey = line
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return fmt.Errorf("API key is empty")
	}

	if err := config.SetAPIKey(configPath, provider, apiKey); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Stored %s API key in %s\n", provider, configPath)
	return nil
}

func runConversation(ctx context.Context, cfg *config.Config, client *llm.Client, model string, opts options, reqOpts []llm.Option, logger zerolog.Logger) error {
	conv := agent.NewConversationAgent(client, opts.system, agent.WithLogger(logger))

	if opts.importFile != "" {
		data, err := os.ReadFile(opts.importFile) //#nosec 304 -- user-selected file
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", opts.importFile, err)
		}
		if err := conv.ImportJSON(data); err != nil {
			return err
		}
	}

	var (
		store    *conversations.Store
		threadID = opts.thread
	)
	if threadID != "" {
		if cfg.Conversations.Disabled {
			return fmt.Errorf("conversation threads are disabled in the configuration")
		}
		s, closeStore, err := openStore(cfg, logger)
		if err != nil {
			return err
		}
		defer closeStore()
		store = s

		if threadID == "new" {
			threadID = uuid.NewString()
			fmt.Fprintf(os.Stderr, "thread: %s\n", threadID)
		} else if err := conv.Load(ctx, store, threadID); err != nil {
			return err
		}
	}

	conv.DropExchanges(opts.drop)

	text := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if text != "" {
		reply, err := conv.Prompt(ctx, text, model, reqOpts...)
		if err != nil {
			// The user message is kept, so the thread still records it.
			saveThread(ctx, conv, store, threadID, logger)
			return err
		}
		fmt.Println(reply)
	} else if opts.drop == 0 && opts.exportFile == "" {
		return fmt.Errorf("no prompt given")
	}

	saveThread(ctx, conv, store, threadID, logger)

	if opts.exportFile != "" {
		data, err := conv.ExportJSON()
		if err != nil {
			return fmt.Errorf("failed to export conversation: %w", err)
		}
		if err := os.WriteFile(opts.exportFile, data, 0o600); err != nil {
			return fmt.Errorf("failed to write %s: %w", opts.exportFile, err)
		}
	}
	return nil
}

func saveThread(ctx context.Context, conv *agent.ConversationAgent, store *conversations.Store, threadID string, logger zerolog.Logger) {
	if store == nil {
		return
	}
	// Persist even when ctx was cancelled mid-prompt.
	if err := conv.Save(context.WithoutCancel(ctx), store, threadID); err != nil {
		logger.Error().Err(err).Str("threadID", threadID).Msg("Failed to save conversation thread")
	}
}

func runBatch(ctx context.Context, cfg *config.Config, client *llm.Client, model string, opts options, reqOpts []llm.Option, logger zerolog.Logger) error {
	prompts, err := readPrompts(opts.batchFile)
	if err != nil {
		return err
	}

	concurrency := opts.concurrency
	if concurrency <= 0 {
		concurrency = cfg.Batch.Concurrency
	}
	batch := agent.NewBatchAgent(client,
		agent.WithBatchLogger(logger),
		agent.WithRateLimit(cfg.Batch.RequestsPerSecond, cfg.Batch.Burst),
	)

	if opts.partial {
		failed := 0
		for _, item := range batch.BatchPromptAll(ctx, prompts, model, concurrency, reqOpts...) {
			if item.Err != nil {
				failed++
				fmt.Printf("[%d] error: %v\n", item.Index, item.Err)
				continue
			}
			fmt.Printf("[%d] %s\n", item.Index, item.Text)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d prompts failed", failed, len(prompts))
		}
		return nil
	}

	results, err := batch.BatchPrompt(ctx, prompts, model, concurrency, reqOpts...)
	if err != nil {
		return err
	}
	for i, text := range results {
		fmt.Printf("[%d] %s\n", i, text)
	}
	return nil
}

// readPrompts reads one prompt per non-blank line.
func readPrompts(path string) ([]string, error) {
	f, err := os.Open(path) //#nosec 304 -- user-selected file
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // Read-only file

	var prompts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			prompts = append(prompts, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return prompts, nil
}

func listThreads(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	threads, err := store.ListThreads(ctx)
	if err != nil {
		return err
	}
	for _, t := range threads {
		fmt.Printf("%s\t%d messages\t%s\n", t.ThreadID, t.Messages, t.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func openStore(cfg *config.Config, logger zerolog.Logger) (*conversations.Store, func(), error) {
	dbPath := cfg.Conversations.DBPath
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	logger.Debug().Str("path", dbPath).Msg("Opening conversation database")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := migrations.RunMigrations(db, logger); err != nil {
		_ = db.Close() //nolint:errcheck // Cleanup on error
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	closeFn := func() {
		_ = db.Close() //nolint:errcheck // No remedy for db close errors
	}
	return conversations.NewStore(db, logger), closeFn, nil
}
