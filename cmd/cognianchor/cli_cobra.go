package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/cognianchor/cognianchor/pkg/agent"
	"github.com/cognianchor/cognianchor/pkg/channels"
	"github.com/cognianchor/cognianchor/pkg/config"
	"github.com/cognianchor/cognianchor/pkg/httpapi"
	"github.com/cognianchor/cognianchor/pkg/logger"
	"github.com/cognianchor/cognianchor/pkg/providers"
	"github.com/cognianchor/cognianchor/pkg/reminders"
	"github.com/cognianchor/cognianchor/pkg/tools"
	"github.com/cognianchor/cognianchor/pkg/transcribe"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   appName,
		Short: "Voice-first memory assistant for people living with memory loss",
		Long: strings.TrimSpace(`cognianchor is a calm conversational assistant that keeps reminders,
raises emergency alerts to a caregiver and understands voice notes.

Use CLI commands to chat locally, run the Discord and HTTP gateway,
transcribe recordings and inspect stored reminders.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newAgentCommand())
	root.AddCommand(newGatewayCommand())
	root.AddCommand(newTranscribeCommand())
	root.AddCommand(newRemindersCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newOnboardCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "onboard",
		Short:   "Write a default ~/.cognianchor/config.json",
		Long:    "Create the default configuration file for a new installation. Existing files are kept unless --force is given.",
		Example: "  cognianchor onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := getConfigPath()
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Fprintf(cmd.OutOrStdout(), "Config already exists at %s (use --force to overwrite)\n", path)
				return nil
			}
			if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Config written to %s\n", path)
			fmt.Fprintln(cmd.OutOrStdout(), "Next: set GEMINI_API_KEY (or another provider key), then run `cognianchor agent`.")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config file")
	return cmd
}

func newAgentCommand() *cobra.Command {
	var (
		message   string
		patientID string
		pairID    string
		debug     bool
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Chat with the assistant locally (CLI mode)",
		Long:  "Run an interactive local conversation or send a one-shot message without Discord.",
		Example: strings.Join([]string{
			"  cognianchor agent",
			"  cognianchor agent --patient grandpa --pair family-1",
			"  cognianchor agent --message \"remind me to take my pills at 9 tomorrow\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(debug)
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if strings.TrimSpace(patientID) == "" {
				patientID = cfg.Agent.DefaultPatientID
			}
			id := agent.PatientIdentity{
				PatientID: patientID,
				PairID:    pairID,
				Channel:   channels.ChannelCLI,
				ChatID:    "direct",
			}

			if strings.TrimSpace(message) != "" {
				reply, err := a.agent.ChatFrom(cmd.Context(), id, message)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\n%s %s\n", appName, reply)
				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s Interactive mode (Ctrl+C to exit)\n\n", appName)
			interactiveMode(cmd.Context(), a.agent, id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "One-shot message to send to the assistant")
	cmd.Flags().StringVarP(&patientID, "patient", "p", "", "Patient id (defaults to agent.default_patient_id)")
	cmd.Flags().StringVar(&pairID, "pair", "", "Pair id (defaults to the configured pair for the patient)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func interactiveMode(ctx context.Context, assistant *agent.Agent, id agent.PatientIdentity) {
	prompt := fmt.Sprintf("%s You: ", appName)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".cognianchor_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		simpleInteractiveMode(ctx, assistant, id)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !respond(ctx, assistant, id, line) {
			return
		}
	}
}

func simpleInteractiveMode(ctx context.Context, assistant *agent.Agent, id agent.PatientIdentity) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Printf("%s You: ", appName)
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !respond(ctx, assistant, id, line) {
			return
		}
	}
}

// respond answers one line and reports whether the session continues.
func respond(ctx context.Context, assistant *agent.Agent, id agent.PatientIdentity, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return true
	}
	if input == "exit" || input == "quit" {
		fmt.Println("Goodbye!")
		return false
	}

	reply, err := assistant.ChatFrom(ctx, id, input)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return true
	}
	fmt.Printf("\n%s %s\n\n", appName, reply)
	return true
}

func newGatewayCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "gateway",
		Short:   "Run the Discord channel, reminder scheduler and HTTP API",
		Long:    "Start the channel adapters, the bus-driven assistant, the due-reminder scheduler and the HTTP/WebSocket API with /health and /ready.",
		Example: "  cognianchor gateway --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(debug)
			if err != nil {
				return err
			}
			return runGateway(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runGateway(parent context.Context, out io.Writer, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Fprintln(out, "\n📦 Assistant Status:")
	fmt.Fprintf(out, "  • Tools: %d loaded\n", a.registry.Count())
	if a.transcriber != nil {
		fmt.Fprintf(out, "  • Voice: %s\n", a.transcriber.Engine().Name())
	}

	channelManager, err := channels.NewManager(cfg, a.bus)
	if err != nil {
		return fmt.Errorf("create channel manager: %w", err)
	}
	fmt.Fprintf(out, "✓ Channels enabled: %s\n", strings.Join(channelManager.Names(), ", "))

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := channelManager.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	defer channelManager.StopAll(context.Background())

	if cfg.Reminders.Enabled {
		scheduler, err := reminders.NewScheduler(a.db, a.bus, cfg.Reminders, nil, cfg.Location())
		if err != nil {
			return err
		}
		if err := scheduler.Start(ctx); err != nil {
			return err
		}
		defer scheduler.Stop()
		fmt.Fprintf(out, "✓ Reminder scheduler started (%s)\n", cfg.Reminders.Schedule)
	}

	router := httpapi.NewRouter(httpapi.Options{
		Assistant:   a.agent,
		Transcriber: transcriberOrNil(a.transcriber),
		Store:       a.sqlite,
		Bus:         a.bus,
		AuthToken:   cfg.Gateway.AuthToken,
	})
	addr := net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
	server := httpapi.NewServer(addr, router)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("httpapi", "HTTP server error", map[string]interface{}{"error": err.Error()})
			cancel()
		}
	}()
	fmt.Fprintf(out, "✓ HTTP API available at http://%s (/v1/chat, /v1/voice, /v1/voice/ws, /health, /ready)\n", addr)

	agentDone := make(chan error, 1)
	go func() { agentDone <- a.agent.Run(ctx) }()

	fmt.Fprintln(out, "Press Ctrl+C to stop")
	<-ctx.Done()

	fmt.Fprintln(out, "\nShutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.WarnCF("httpapi", "HTTP server shutdown error", map[string]interface{}{"error": err.Error()})
	}
	a.agent.Stop()
	select {
	case <-agentDone:
	case <-shutdownCtx.Done():
	}
	fmt.Fprintln(out, "✓ Gateway stopped")
	return nil
}

// transcriberOrNil avoids handing a typed nil pointer to an interface.
func transcriberOrNil(s *transcribe.Service) agent.Transcriber {
	if s == nil {
		return nil
	}
	return s
}

func newTranscribeCommand() *cobra.Command {
	var (
		language string
		debug    bool
	)

	cmd := &cobra.Command{
		Use:   "transcribe <file>",
		Short: "Transcribe an audio file with the configured engine",
		Long:  "Run a recording through the online (OpenAI) or offline (whisper.cpp) engine and print the text.",
		Example: strings.Join([]string{
			"  cognianchor transcribe note.ogg",
			"  cognianchor transcribe --language de memo.wav",
		}, "\n"),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(debug)
			if err != nil {
				return err
			}
			if strings.TrimSpace(language) != "" {
				cfg.Transcribe.Language = language
			}
			service, err := transcribe.NewFromConfig(cfg.Transcribe)
			if err != nil {
				return err
			}
			audio, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read audio: %w", err)
			}

			text, ok, err := service.TranscribeNamed(cmd.Context(), audio, filepath.Base(args[0]))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "(no speech detected)")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}

	cmd.Flags().StringVarP(&language, "language", "l", "", "Override the transcription language")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newRemindersCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "reminders",
		Short: "Inspect stored reminders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var (
		pairID   string
		upcoming bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List reminders, optionally for one pair",
		Example: strings.Join([]string{
			"  cognianchor reminders list",
			"  cognianchor reminders list --pair family-1 --upcoming",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			sqlite, db, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer sqlite.Close()

			items, err := tools.NewReminderSource(db).ForPair(cmd.Context(), pairID)
			if err != nil {
				return err
			}
			if upcoming {
				items = tools.Upcoming(items, time.Now(), cfg.Location())
			}
			writeReminders(cmd.OutOrStdout(), items)
			return nil
		},
	}
	list.Flags().StringVar(&pairID, "pair", "", "Only reminders of this pair")
	list.Flags().BoolVarP(&upcoming, "upcoming", "u", false, "Only reminders that have not passed, soonest first")

	root.AddCommand(list)
	return root
}

func writeReminders(w io.Writer, items []tools.Reminder) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No reminders.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPAIR\tDATE\tTIME\tTITLE\tANNOUNCED")
	for _, r := range items {
		announced := "-"
		if r.NotifiedAt != "" {
			announced = r.NotifiedAt
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.PairID, r.Date, r.Time, r.Title, announced)
	}
	_ = tw.Flush()
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration, provider and runtime readiness",
		Example: "  cognianchor status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			writeStatus(cmd.OutOrStdout(), cfg, getConfigPath())
			return nil
		},
	}
}

func writeStatus(w io.Writer, cfg *config.Config, configPath string) {
	mark := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "✗"
	}
	exists := func(path string) bool {
		_, err := os.Stat(path)
		return err == nil
	}

	fmt.Fprintf(w, "%s Status\n", appName)
	fmt.Fprintf(w, "Version: %s\n\n", formatVersion())
	fmt.Fprintln(w, "Config:", configPath, mark(exists(configPath)))
	fmt.Fprintln(w, "Store:", cfg.StorePath(), mark(exists(cfg.StorePath())))

	status, err := providers.ProviderCredentialStatus(cfg)
	switch {
	case err != nil:
		fmt.Fprintf(w, "Provider: %s (%v)\n", providers.ActiveProviderName(cfg), err)
	default:
		name := status.Provider
		if status.Default {
			name += " (default)"
		}
		detail := mark(status.Configured)
		if status.Configured {
			detail += " " + status.Mode
		} else if status.Problem != "" {
			detail += " " + status.Problem
		}
		fmt.Fprintf(w, "Provider: %s %s\n", name, detail)
	}
	fmt.Fprintf(w, "Model: %s\n", cfg.Agent.Model)

	voice := "offline (" + cfg.Transcribe.WhisperBinary + ", " + cfg.Transcribe.ModelSize + ")"
	if strings.TrimSpace(cfg.Transcribe.OpenAIAPIKey) != "" {
		voice = "online (" + cfg.Transcribe.Model + ")"
	}
	fmt.Fprintln(w, "Voice:", voice)

	discord := cfg.Channels.Discord
	fmt.Fprintln(w, "Discord:", mark(discord.Enabled && strings.TrimSpace(discord.Token) != ""))
	fmt.Fprintln(w, "Caregiver channel:", mark(strings.TrimSpace(discord.CaregiverChannelID) != ""))
	fmt.Fprintln(w, "Reminders scheduler:", mark(cfg.Reminders.Enabled))
	fmt.Fprintf(w, "Gateway: %s\n", net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)))
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  cognianchor version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
