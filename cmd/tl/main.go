package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"taskline/internal/app"
	"taskline/internal/auth"
	"taskline/internal/config"
	"taskline/internal/logging"
	"taskline/internal/server"
	tasklinesdk "taskline/sdk/go"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Taskline CLI",
	Long: `Taskline is a multi-user to-do service with a chat assistant.
- Tasks: title, description, priority, tags, due date and recurrence, owned by exactly one user.
- Assistant: a language model that manages your tasks through a fixed set of tools.
- Audit trail: every change is recorded with its source (api or a tool name).

Server commands (serve, migrate, token, config) read taskline.yml from --dir.
Client commands (tasks, chat, events, me) talk to --server as --user with --token.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("dir", "d", ".", "directory holding taskline.yml")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8000", "API base URL for client commands")
	rootCmd.PersistentFlags().String("user", "", "user id for client commands")
	rootCmd.PersistentFlags().String("token", "", "bearer token for client commands")
	for _, name := range []string{"dir", "json", "server", "user", "token"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(meCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
}

// loadConfig reads taskline.yml and overlays TASKLINE_* environment values
// for the settings that usually carry secrets or differ per deployment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("dir"))
	if err != nil {
		return nil, err
	}
	overlay := map[string]*string{
		"jwt_secret":      &cfg.Auth.JWTSecret,
		"addr":            &cfg.Server.Addr,
		"storage_driver":  &cfg.Storage.Driver,
		"database_url":    &cfg.Storage.DSN,
		"redis_addr":      &cfg.Redis.Addr,
		"amqp_url":        &cfg.AMQP.URL,
		"openai_api_key":  &cfg.Assistant.APIKey,
		"openai_base_url": &cfg.Assistant.BaseURL,
		"assistant_model": &cfg.Assistant.Model,
		"log_level":       &cfg.Log.Level,
		"log_format":      &cfg.Log.Format,
	}
	for key, dst := range overlay {
		if v := viper.GetString(key); v != "" {
			*dst = v
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API and MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			if err := cfg.RequireSecret(); err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := app.Build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			handler, err := server.New(server.Config{
				Engine:    a.Engine,
				Tools:     a.Tools,
				Assistant: a.Assistant,
				Verifier:  a.Verifier,
				Metrics:   a.Metrics,
				Logger:    logger.Named("http"),
				BasePath:  cfg.Server.BasePath,
				Version:   version,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           handler,
				ReadHeaderTimeout: cfg.Server.ReadTimeout,
				ReadTimeout:       cfg.Server.ReadTimeout,
				WriteTimeout:      cfg.Server.WriteTimeout,
			}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(ctx); err != nil {
					logger.Warn("shutdown", zap.Error(err))
				}
			}()
			logger.Info("serving taskline",
				zap.String("addr", cfg.Server.Addr),
				zap.String("base_path", cfg.Server.BasePath),
				zap.String("storage", cfg.Storage.Driver),
				zap.Bool("assistant", a.Assistant.Reasoner != nil))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "base path prefix (overrides server.base_path)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := app.OpenStore(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Printf("%s schema up to date\n", cfg.Storage.Driver)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect or create taskline.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default taskline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := config.Path(viper.GetString("dir"))
			if _, err := os.Stat(p); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", p)
			}
			if err := os.WriteFile(p, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", p)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfgCmd.AddCommand(initCmd)
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			masked := *cfg
			masked.Auth.JWTSecret = mask(masked.Auth.JWTSecret)
			masked.Assistant.APIKey = mask(masked.Assistant.APIKey)
			masked.Redis.Password = mask(masked.Redis.Password)
			masked.AMQP.URL = mask(masked.AMQP.URL)
			masked.Storage.DSN = mask(masked.Storage.DSN)
			masked.Webhooks = append([]config.WebhookConfig(nil), cfg.Webhooks...)
			for i := range masked.Webhooks {
				masked.Webhooks[i].Secret = mask(masked.Webhooks[i].Secret)
			}
			out, err := yaml.Marshal(masked)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	return cfgCmd
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

func tokenCmd() *cobra.Command {
	var user string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a user (local development)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				user = viper.GetString("user")
			}
			if user == "" {
				return fmt.Errorf("--user required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireSecret(); err != nil {
				return err
			}
			tok, err := auth.Signer{Secret: cfg.Auth.JWTSecret, Issuer: cfg.Auth.Issuer}.Sign(user, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "for", "", "subject user id (defaults to --user)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func client() (*tasklinesdk.Client, error) {
	user := viper.GetString("user")
	if user == "" {
		return nil, fmt.Errorf("--user (or TASKLINE_USER) required")
	}
	token := viper.GetString("token")
	if token == "" {
		return nil, fmt.Errorf("--token (or TASKLINE_TOKEN) required")
	}
	return tasklinesdk.New(viper.GetString("server"), user, token), nil
}

func tasksCmd() *cobra.Command {
	t := &cobra.Command{Use: "tasks", Aliases: []string{"task"}, Short: "Manage your tasks"}
	t.AddCommand(tasksListCmd())
	t.AddCommand(tasksAddCmd())
	t.AddCommand(tasksShowCmd())
	t.AddCommand(tasksEditCmd())
	t.AddCommand(tasksDoneCmd())
	t.AddCommand(tasksRmCmd())
	return t
}

func tasksListCmd() *cobra.Command {
	var opts tasklinesdk.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			items, err := c.ListTasks(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			printTasks(items)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Search, "search", "", "match title or description")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "low, medium or high")
	cmd.Flags().StringVar(&opts.Status, "status", "", "completed or pending")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "require tag (repeatable)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "max results")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "skip results")
	return cmd
}

func tasksAddCmd() *cobra.Command {
	var in tasklinesdk.NewTask
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			in.Title = strings.Join(args, " ")
			t, err := c.CreateTask(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printTaskResult(t)
		},
	}
	cmd.Flags().StringVar(&in.Description, "desc", "", "description")
	cmd.Flags().StringVar(&in.Priority, "priority", "", "low, medium or high")
	cmd.Flags().StringSliceVar(&in.Tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringVar(&in.DueDate, "due", "", "due date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&in.Recurrence, "recur", "", "none, daily, weekly, monthly or yearly")
	return cmd
}

func tasksShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			t, err := c.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
}

func tasksEditCmd() *cobra.Command {
	var title, desc, priority, due, recur string
	var tags []string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change task fields; only given flags are sent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var up tasklinesdk.TaskUpdate
			f := cmd.Flags()
			if f.Changed("title") {
				up.Title = &title
			}
			if f.Changed("desc") {
				up.Description = &desc
			}
			if f.Changed("priority") {
				up.Priority = &priority
			}
			if f.Changed("due") {
				up.DueDate = &due
			}
			if f.Changed("recur") {
				up.Recurrence = &recur
			}
			if f.Changed("tag") {
				up.Tags = &tags
			}
			t, err := c.UpdateTask(cmd.Context(), args[0], up)
			if err != nil {
				return err
			}
			return printTaskResult(t)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "desc", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium or high")
	cmd.Flags().StringVar(&due, "due", "", "due date; empty clears it")
	cmd.Flags().StringVar(&recur, "recur", "", "recurrence")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "replace tags (repeatable)")
	return cmd
}

func tasksDoneCmd() *cobra.Command {
	var undo bool
	cmd := &cobra.Command{
		Use:   "done <id>",
		Short: "Mark a task completed (or pending with --undo)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			t, err := c.SetCompleted(cmd.Context(), args[0], !undo)
			if err != nil {
				return err
			}
			return printTaskResult(t)
		},
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "mark pending instead")
	return cmd
}

func tasksRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			if err := c.DeleteTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	}
}

func chatCmd() *cobra.Command {
	var conversation string
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Ask the assistant to manage your tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			reply, err := c.Chat(cmd.Context(), conversation, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(reply)
			}
			for _, call := range reply.ToolCalls {
				status := "ok"
				if call.Error != "" {
					status = call.Error
				}
				fmt.Printf("  [%s] %s\n", call.Name, status)
			}
			fmt.Println(reply.Response)
			fmt.Printf("(conversation %s)\n", reply.ConversationID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&conversation, "conversation", "c", "", "continue an existing conversation")
	return cmd
}

func eventsCmd() *cobra.Command {
	var limit int
	var cursor string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the audit trail, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			page, err := c.EventsPage(cmd.Context(), limit, cursor)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(page)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "When", "Type", "Task", "Source"})
			for _, e := range page.Items {
				src := e.Source
				if e.Tool != "" {
					src = e.Source + ":" + e.Tool
				}
				tw.AppendRow(table.Row{e.ID, e.TS.Local().Format(time.DateTime), e.Type, e.TaskID, src})
			}
			tw.Render()
			if page.NextCursor != "" {
				fmt.Printf("more: --cursor %s\n", page.NextCursor)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue after this event id")
	return cmd
}

func meCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Show the identity your token resolves to",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			who, err := c.Me(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(who)
			return nil
		},
	}
}

func printTasks(items []tasklinesdk.Task) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Priority", "Due", "Tags", "Done"})
	for _, t := range items {
		due := ""
		if t.DueDate != nil {
			due = t.DueDate.Local().Format(time.DateOnly)
		}
		done := ""
		if t.Completed {
			done = "x"
		}
		tw.AppendRow(table.Row{t.ID, t.Title, t.Priority, due, strings.Join(t.Tags, ","), done})
	}
	tw.Render()
}

func printTaskResult(t tasklinesdk.Task) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	printTasks([]tasklinesdk.Task{t})
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
