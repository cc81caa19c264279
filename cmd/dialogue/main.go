package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/abrossard/dialogue/internal/chat"
	"github.com/abrossard/dialogue/internal/handler"
	appI18n "github.com/abrossard/dialogue/internal/i18n"
	"github.com/abrossard/dialogue/internal/llm"
	"github.com/abrossard/dialogue/internal/model"
	"github.com/abrossard/dialogue/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dialogue",
		Short: "AI conversation server for student coursework",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `dialogue --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP conversation server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "dialogue.db", "SQLite database path")
	f.String("openai-url", "", "OpenAI-compatible API base URL (empty = official API)")
	f.String("openai-key", "", "API key for the OpenAI-compatible endpoint")
	f.StringSlice("openai-models", []string{"gpt-4o-mini"}, "Model names served by the OpenAI-compatible endpoint (repeatable)")
	f.String("mistral-url", "https://api.mistral.ai", "Mistral API base URL")
	f.String("mistral-key", "", "API key for Mistral")
	f.StringSlice("mistral-models", nil, "Model names served by Mistral (repeatable)")
	f.Int("max-tokens", 1024, "Default response token cap when the request has none")
	f.Float32("temperature", 0.7, "Sampling temperature for every generation call")
	f.String("cancel-policy", "drain", "What to do with an in-flight stream when the client disconnects (drain, discard)")
	f.StringP("lang", "l", "en", "Default message language (en, fr)")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	f.String("admin-password", "", "Initial admin password (or set DIALOGUE_ADMIN_PASSWORD)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export finalized conversations as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "dialogue.db", "SQLite database path")
	f.String("exam-id", "", "Assignment identifier for output (required)")
	f.String("subject", "", "Subject name for output (required)")
	f.String("date", "", "Assignment date in YYYY-MM-DD format (required)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")

	_ = cmd.MarkFlagRequired("exam-id")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("date")

	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("DIALOGUE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("dialogue")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/dialogue")
	v.AddConfigPath("/etc/dialogue")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// buildRegistry maps each configured model name to the provider serving it.
func buildRegistry(v *viper.Viper) (*llm.Registry, error) {
	reg := llm.NewRegistry()

	openaiModels := v.GetStringSlice("openai-models")
	if len(openaiModels) > 0 {
		p := llm.NewOpenAI("openai", v.GetString("openai-url"), v.GetString("openai-key"))
		for _, m := range openaiModels {
			reg.Register(m, p)
		}
	}

	mistralModels := v.GetStringSlice("mistral-models")
	if len(mistralModels) > 0 {
		p := llm.NewMistral("mistral", v.GetString("mistral-url"), v.GetString("mistral-key"), 2*time.Minute)
		for _, m := range mistralModels {
			reg.Register(m, p)
		}
	}

	if len(reg.Models()) == 0 {
		return nil, fmt.Errorf("no models configured: set --openai-models or --mistral-models")
	}
	return reg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	// Open database.
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Seed default admin user if no users exist.
	if err := seedAdmin(db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	// Initialize i18n.
	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	reg, err := buildRegistry(v)
	if err != nil {
		return err
	}

	cancelPolicy, err := chat.ParseCancelPolicy(v.GetString("cancel-policy"))
	if err != nil {
		return err
	}

	svc := chat.NewService(db, reg, chat.Config{
		MaxTokens:    v.GetInt("max-tokens"),
		Temperature:  float32(v.GetFloat64("temperature")),
		CancelPolicy: cancelPolicy,
	})

	h := handler.New(db, svc, handler.Config{
		SecureCookies: v.GetBool("secure-cookies"),
	})

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"models", reg.Models(),
		"cancel_policy", cancelPolicy,
		"lang", lang,
	)
	return http.ListenAndServe(addr, r)
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	submissions, err := db.ExportFinalVersions()
	if err != nil {
		return fmt.Errorf("export final versions: %w", err)
	}

	export := model.SubmissionExport{
		ExamID:      v.GetString("exam-id"),
		Subject:     v.GetString("subject"),
		Date:        v.GetString("date"),
		Submissions: submissions,
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}

func seedAdmin(db *store.Store, password string) error {
	count, err := db.UserCount()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or DIALOGUE_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin")
	return nil
}
