package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/llms"

	"book-rag/internal/appctx"
	"book-rag/internal/chromemdb"
	"book-rag/internal/config"
	"book-rag/internal/helper"
	"book-rag/internal/ingest"
	"book-rag/internal/llmservice"
	"book-rag/internal/rag"
	"book-rag/internal/server"
	"book-rag/internal/voice"
)

const (
	configFilePath = "./configs/config.yaml"

	chatFailureReply = "Sorry, I had trouble answering that. Could you try again?"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var app *appctx.App

	root := &cobra.Command{
		Use:           "book-rag",
		Short:         "Ask questions about a library of books and generate quizzes from them",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			helper.SetupLogger(cfg.Log, os.Stderr)
			app = appctx.New(cfg)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if app == nil {
				return nil
			}
			return app.Close()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", configFilePath, "path to the YAML config file")

	appFn := func() *appctx.App { return app }
	root.AddCommand(
		newServeCmd(appFn),
		newQueryCmd(appFn),
		newQuizCmd(appFn),
		newBooksCmd(appFn),
		newIngestCmd(appFn),
		newChatCmd(appFn),
	)

	return wrapErrors(root)
}

// wrapErrors logs command failures once; cobra itself is silenced.
func wrapErrors(root *cobra.Command) *cobra.Command {
	for _, cmd := range root.Commands() {
		run := cmd.RunE
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			err := run(cmd, args)
			if err != nil {
				log.Error().Err(err).Str("command", cmd.Name()).Str("kind", rag.KindOf(err).String()).Msg("Command failed")
			}
			return err
		}
	}
	return root
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newServeCmd(app func() *appctx.App) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a := app()
			engine, err := a.Engine()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			return server.New(engine, a.Metrics.Handler()).Run(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func newQueryCmd(app func() *appctx.App) *cobra.Command {
	var book string
	var topK int
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Answer a question from the indexed books",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			engine, err := app().Engine()
			if err != nil {
				return err
			}
			resp, err := engine.Query(ctx, rag.QueryRequest{
				Question: strings.Join(args, " "),
				Book:     book,
				TopK:     topK,
			})
			if err != nil {
				return err
			}
			helper.PrettyPrint(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&book, "book", "", "restrict retrieval to this book")
	cmd.Flags().IntVar(&topK, "top-k", 0, "number of chunks to retrieve")
	return cmd
}

func newQuizCmd(app func() *appctx.App) *cobra.Command {
	var book string
	var count, topK int
	cmd := &cobra.Command{
		Use:   "quiz",
		Short: "Generate a multiple-choice quiz",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			engine, err := app().Engine()
			if err != nil {
				return err
			}
			resp, err := engine.GenerateQuiz(ctx, rag.QuizRequest{Book: book, TopK: topK, QuestionCount: count})
			if err != nil {
				return err
			}
			helper.PrettyPrint(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&book, "book", "", "restrict the quiz to this book")
	cmd.Flags().IntVar(&count, "count", 0, "number of questions")
	cmd.Flags().IntVar(&topK, "top-k", 0, "number of chunks to sample")
	return cmd
}

func newBooksCmd(app func() *appctx.App) *cobra.Command {
	return &cobra.Command{
		Use:   "books",
		Short: "List the books in the index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, err := app().Engine()
			if err != nil {
				return err
			}
			helper.PrettyPrint(cmd.OutOrStdout(), map[string][]string{
				"available_books": engine.ListBooks(cmd.Context()),
			})
			return nil
		},
	}
}

func newIngestCmd(app func() *appctx.App) *cobra.Command {
	var sourceDir string
	var export bool
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Parse, chunk and embed the source books into the vector index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a := app()
			emb, err := a.Embedder()
			if err != nil {
				return err
			}
			store, err := a.Store()
			if err != nil {
				return err
			}
			cfg := a.Config.Ingest
			if sourceDir != "" {
				cfg.SourceDir = sourceDir
			}
			if err := ingest.NewPipeline(cfg, emb, store).Ingest(ctx); err != nil {
				return err
			}
			count, err := store.Count(ctx)
			if err != nil {
				return err
			}
			log.Info().Int("chunks", count).Msg("Index populated")

			if !export {
				return nil
			}
			idx, ok := store.(*chromemdb.Index)
			if !ok {
				return errors.New("--export is only supported by the chromem vector store")
			}
			if err := idx.Export(ctx); err != nil {
				return err
			}
			log.Info().Str("path", idx.ExportPath()).Msg("Index exported")
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceDir, "dir", "", "directory of books to ingest (default from config)")
	cmd.Flags().BoolVar(&export, "export", false, "export the chromem collection to its file after ingestion")
	return cmd
}

// newChatCmd runs the voice assistant turn loop over the terminal.
func newChatCmd(app func() *appctx.App) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the course advisor assistant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a := app()
			engine, err := a.Engine()
			if err != nil {
				return err
			}
			model, err := llmservice.CreateLLM(a.Config.LLM, nil)
			if err != nil {
				return err
			}
			agent := voice.NewAgent(model, voice.NewToolset(engine))

			return chat(ctx, agent, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

type responder interface {
	Respond(ctx context.Context, history []llms.MessageContent, utterance string) (string, []llms.MessageContent, error)
}

// chat reads one utterance per line until in is exhausted. A failed turn
// leaves the conversation as it was before that turn.
func chat(ctx context.Context, agent responder, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, voice.Greeting)
	var history []llms.MessageContent
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply, next, err := agent.Respond(ctx, history, line)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("Assistant turn failed")
			fmt.Fprintln(out, chatFailureReply)
			continue
		}
		history = next
		fmt.Fprintln(out, reply)
	}
}
