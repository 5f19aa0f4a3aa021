package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"node.town/huddle/auth"
	"node.town/huddle/config"
	"node.town/huddle/db"
	"node.town/huddle/diarize"
	"node.town/huddle/llm"
	"node.town/huddle/pipeline"
	"node.town/huddle/realtime"
	"node.town/huddle/session"
	"node.town/huddle/stt"
	"node.town/huddle/www"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(summaryCmd)

	rootCmd.PersistentFlags().Bool("verbose", false, "Log at debug level")
	rootCmd.PersistentFlags().
		String("database-driver", "postgres", "Database driver (postgres or sqlite3)")
	rootCmd.PersistentFlags().String("database-url", "", "Database URL or SQLite path")
	rootCmd.PersistentFlags().String("jwt-secret", "", "Secret for signing session tokens")
	serveCmd.Flags().Int("port", 3001, "HTTP server port")
	serveCmd.Flags().Bool("migrate", false, "Apply migrations before serving")

	tokenCmd.Flags().String("user", "dev-user", "User ID")
	tokenCmd.Flags().String("email", "dev@localhost", "Email")
	tokenCmd.Flags().String("role", "member", "Role")
	tokenCmd.Flags().String("team", "", "Team ID")

	viper.BindPFlag("log.verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag(
		"database.driver",
		rootCmd.PersistentFlags().Lookup("database-driver"),
	)
	viper.BindPFlag(
		"database.url",
		rootCmd.PersistentFlags().Lookup("database-url"),
	)
	viper.BindPFlag(
		"auth.jwt_secret",
		rootCmd.PersistentFlags().Lookup("jwt-secret"),
	)
	viper.BindPFlag("http.port", serveCmd.Flags().Lookup("port"))
}

func initConfig() {
	v := viper.GetViper()
	config.SetDefaults(v)
	config.Bind(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	logger = log.New(os.Stdout)
}

var rootCmd = &cobra.Command{
	Use:   "huddle",
	Short: "Live transcription and summaries for team huddles",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the huddle websocket and HTTP server",
	Run:   runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Run:   runMigrate,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a session token for development",
	Run:   runToken,
}

var summaryCmd = &cobra.Command{
	Use:   "summary <session-id>",
	Short: "Print the latest summary of a session",
	Args:  cobra.ExactArgs(1),
	Run:   runSummary,
}

type loggers struct {
	main, wire, hear, who, llm, data *log.Logger
}

func createLoggers() loggers {
	logLevel := log.InfoLevel
	if viper.GetBool("log.verbose") {
		logLevel = log.DebugLevel
	}

	logger.SetLevel(logLevel)
	logger.SetReportCaller(true)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	for _, level := range []log.Level{log.InfoLevel, log.WarnLevel, log.ErrorLevel} {
		styles.Levels[level] = styles.Levels[level].
			MaxWidth(6).
			MarginRight(1).
			Bold(false)
	}
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	return loggers{
		main: logger.With().WithPrefix("main"),
		wire: logger.With().WithPrefix("wire"),
		hear: logger.With().WithPrefix("hear"),
		who:  logger.With().WithPrefix("who"),
		llm:  logger.With().WithPrefix("llm"),
		data: logger.With().WithPrefix("data"),
	}
}

func loadConfig(l loggers) *config.Config {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		l.main.Fatal("load config", "error", err)
	}
	return cfg
}

func runServe(cmd *cobra.Command, args []string) {
	l := createLoggers()
	cfg := loadConfig(l)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(ctx, cfg.Database.Driver, cfg.Database.URL, l.data)
	if err != nil {
		l.main.Fatal("open database", "error", err)
	}
	defer store.Close()

	if migrate, _ := cmd.Flags().GetBool("migrate"); migrate {
		if err := store.Migrate(ctx); err != nil {
			l.main.Fatal("apply migrations", "error", err)
		}
	}

	httpClient := &http.Client{}

	transcriber := stt.NewWhisperClient(stt.Config{
		APIKey:  cfg.Transcription.APIKey,
		Model:   cfg.Transcription.Model,
		BaseURL: cfg.Transcription.BaseURL,
		Timeout: cfg.Transcription.Timeout,
	}, httpClient, l.hear)

	diarizer := diarize.NewClient(diarize.Config{
		URL:       cfg.Diarization.URL,
		EnrollURL: cfg.Diarization.EnrollURL,
		Threshold: cfg.Diarization.Threshold,
		Timeout:   cfg.Diarization.Timeout,
	}, httpClient, l.who)

	model, err := llm.NewLanguageModel(ctx, llm.ProviderConfig{
		Provider: cfg.Summarization.Provider,
		APIKey:   cfg.Summarization.APIKey,
		Model:    cfg.Summarization.Model,
		BaseURL:  cfg.Summarization.BaseURL,
	})
	if err != nil {
		l.main.Fatal("create language model", "error", err)
	}
	if closer, ok := model.(io.Closer); ok {
		defer closer.Close()
	}
	summarizer := llm.NewSummarizer(model, cfg.Summarization.MaxTokens, cfg.Summarization.Timeout, l.llm)

	orchestrator := pipeline.NewOrchestrator(transcriber, diarizer, summarizer, l.main)
	authn := auth.New(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	// Session work outlives the signal so that an end in flight can
	// still save its summary while the server drains.
	workCtx := context.WithoutCancel(ctx)
	queue := session.NewQueue(cfg.Session.QueueDepth, l.wire)
	hub := realtime.NewHub(l.wire)
	handler := realtime.NewHandler(
		session.NewRegistry(),
		orchestrator,
		store,
		hub,
		cfg.Session.ChunksPerSummary,
		l.wire,
	)
	rt := realtime.NewServer(workCtx, authn, handler, hub, queue, cfg.HTTP.AllowedOrigins, l.wire)

	server := www.NewServer(cfg.HTTP.Port, authn, store, diarizer, rt, l.main)
	if err := server.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
		l.main.Error("http server", "error", err)
	}

	l.main.Info("draining session queue")
	queue.Close()
	drained := make(chan struct{})
	go func() {
		queue.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(cfg.Summarization.Timeout + 10*time.Second):
		l.main.Warn("gave up waiting for session work")
	}
}

func runMigrate(cmd *cobra.Command, args []string) {
	l := createLoggers()
	cfg := loadConfig(l)
	ctx := context.Background()

	store, err := db.Open(ctx, cfg.Database.Driver, cfg.Database.URL, l.data)
	if err != nil {
		l.main.Fatal("open database", "error", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		l.main.Fatal("apply migrations", "error", err)
	}
	l.main.Info("migrations applied")
}

// runToken needs only the auth settings, so it skips full validation.
func runToken(cmd *cobra.Command, args []string) {
	l := createLoggers()
	secret := viper.GetString("auth.jwt_secret")
	if secret == "" {
		l.main.Fatal("auth.jwt_secret is required")
	}

	user, _ := cmd.Flags().GetString("user")
	email, _ := cmd.Flags().GetString("email")
	role, _ := cmd.Flags().GetString("role")
	team, _ := cmd.Flags().GetString("team")

	token, err := auth.New(secret, viper.GetDuration("auth.token_ttl")).Issue(user, email, role, team)
	if err != nil {
		l.main.Fatal("issue token", "error", err)
	}
	fmt.Println(token)
}

func runSummary(cmd *cobra.Command, args []string) {
	l := createLoggers()
	cfg := loadConfig(l)
	ctx := context.Background()

	store, err := db.Open(ctx, cfg.Database.Driver, cfg.Database.URL, l.data)
	if err != nil {
		l.main.Fatal("open database", "error", err)
	}
	defer store.Close()

	rec, err := store.LatestSummary(ctx, args[0])
	if err == db.ErrNotFound {
		fmt.Println("No summary found.")
		return
	}
	if err != nil {
		l.main.Fatal("load summary", "error", err)
	}

	kind := "incremental"
	if rec.IsFinal {
		kind = "final"
	}
	fmt.Printf("%s summary %s, %s\n", kind, rec.SummaryID, rec.GeneratedAt.Format("2006-01-02 15:04:05"))
	if rec.Summary.TeamName != "" {
		fmt.Printf("%s, %s\n", rec.Summary.TeamName, rec.Summary.MeetingDate)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Speaker", "Yesterday", "Today", "Blockers", "Action Items", "Confidence"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(true)
	table.SetAutoFormatHeaders(true)

	for _, s := range rec.Speakers {
		speaker := s.SpeakerLabel
		if s.UserName != nil {
			speaker = *s.UserName
		}
		table.Append([]string{
			speaker,
			s.Yesterday,
			s.Today,
			strings.Join(s.Blockers, "; "),
			strings.Join(s.ActionItems, "; "),
			fmt.Sprintf("%.2f", s.Confidence),
		})
	}

	table.Render()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
