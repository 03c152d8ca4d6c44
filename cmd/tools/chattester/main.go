package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/zhouzirui/sample-shop/backend/internal/config"
	"github.com/zhouzirui/sample-shop/backend/internal/logging"
	"github.com/zhouzirui/sample-shop/backend/internal/model/product"
	"github.com/zhouzirui/sample-shop/backend/internal/service/ai"
	"github.com/zhouzirui/sample-shop/backend/internal/service/chat"
)

func main() {
	flags := pflag.NewFlagSet("chattester", pflag.ContinueOnError)
	text := flags.StringP("text", "t", "", "send one message and exit; without it an interactive prompt starts")
	session := flags.String("session", "", "session key, defaults to a generated one")
	timeout := flags.Duration("timeout", 90*time.Second, "overall timeout for one-shot mode")
	envFile := flags.String("env-file", ".env", "dotenv file to load")
	stream := flags.Bool("stream", false, "print reply fragments as they arrive")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := godotenv.Load(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not load %s, using system environment: %v\n", *envFile, err)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if _, err := logging.Init(cfg.Log); err != nil {
		log.Warn().Err(err).Msg("file logging disabled")
	}

	ctx := context.Background()
	provider, err := ai.NewProvider(ctx, cfg.AI)
	if err != nil {
		log.Fatal().Err(err).Msg("AI provider unavailable, check the credentials for AI_PROVIDER")
	}

	instruction := cfg.Session.SystemInstruction
	if instruction == "" {
		instruction = ai.NewPromptBuilder(ai.DefaultPromptTemplate(), product.NewMemoryStore(product.Seed())).SystemInstruction()
	}

	sessionID := *session
	if sessionID == "" {
		sessionID = fmt.Sprintf("manual-%d", time.Now().UnixNano())
	}

	manager := chat.NewManager(provider, chat.NewMemoryStore(), chat.Options{
		SystemInstruction: instruction,
		DefaultSessionID:  sessionID,
		HistoryLimit:      cfg.Session.HistoryLimit,
	})
	if _, err := manager.Initialize(ctx, sessionID); err != nil {
		log.Fatal().Err(err).Msg("failed to start chat session")
	}

	t := &tester{manager: manager, sessionID: sessionID, stream: *stream, out: os.Stdout}

	if *text != "" {
		oneShotCtx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()
		if err := t.send(oneShotCtx, *text); err != nil {
			os.Exit(1)
		}
		return
	}

	fmt.Fprintf(os.Stdout, "provider=%s session=%s; type /reset to start over, /quit to exit\n", provider.Name(), sessionID)
	t.repl(ctx, os.Stdin)
}

type tester struct {
	manager   *chat.Manager
	sessionID string
	stream    bool
	out       io.Writer
}

func (t *tester) repl(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(t.out, "> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return
		case "/reset":
			if _, err := t.manager.Reset(ctx, t.sessionID); err != nil {
				log.Warn().Err(err).Msg("reset reported an error")
			}
			fmt.Fprintln(t.out, chat.ResetNotice)
			continue
		}
		_ = t.send(ctx, line)
	}
}

func (t *tester) send(ctx context.Context, text string) error {
	start := time.Now()

	var (
		reply string
		err   error
	)
	if t.stream {
		reply, err = t.manager.Stream(ctx, t.sessionID, text, func(delta string) error {
			_, werr := fmt.Fprint(t.out, delta)
			return werr
		})
		fmt.Fprintln(t.out)
	} else {
		reply, err = t.manager.Send(ctx, t.sessionID, text)
	}
	if err != nil {
		log.Error().Err(err).Msg("chat call failed")
		fmt.Fprintln(t.out, chat.FallbackReply)
		return err
	}

	if !t.stream {
		fmt.Fprintln(t.out, reply)
	}
	log.Debug().Dur("elapsed", time.Since(start)).Int("chars", len(reply)).Msg("reply received")
	return nil
}
