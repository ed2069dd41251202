package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/paperbase/paperbase/internal/config"
	"github.com/paperbase/paperbase/internal/ingest"
	"github.com/paperbase/paperbase/internal/providers"
	"github.com/paperbase/paperbase/internal/rag"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx := context.Background()

	args := os.Args[1:]
	if len(args) == 0 {
		if err := runInteractive(ctx); err != nil {
			log.Fatalf("command failed: %v", err)
		}
		return
	}

	var err error
	switch args[0] {
	case "add":
		err = runAdd(ctx, args[1:])
	case "delete":
		err = runDelete(ctx, args[1:])
	case "list":
		err = runList(ctx)
	case "query":
		err = runQuery(ctx, args[1:])
	case "ask":
		err = runAsk(ctx, args[1:])
	case "ingest":
		err = runIngest(ctx, args[1:])
	case "rebuild":
		err = runRebuild(ctx)
	case "reset":
		err = runReset(ctx, args[1:])
	case "stats":
		err = runStats(ctx)
	case "help", "-h", "--help":
		usage()
	default:
		usage()
		err = fmt.Errorf("unknown command: %s", args[0])
	}
	if err != nil {
		log.Fatalf("command failed: %v", err)
	}
}

func usage() {
	fmt.Println(`paperbase - local document index and retrieval

Usage:
  paperbase                       interactive question loop
  paperbase add <file>...         index documents
  paperbase delete <doc-id>       remove a document and its vectors
  paperbase list                  list indexed documents
  paperbase query <text>          retrieve the most relevant chunks
  paperbase ask <question>        answer a question over the corpus
  paperbase ingest <dir>          index every document under a directory
      -watch                      keep watching the directory for changes
  paperbase rebuild               rebuild the vector index from scratch
  paperbase reset -yes            delete all documents and vectors
  paperbase stats                 show corpus statistics`)
}

// engine bundles everything a command needs, with a single Close.
type engine struct {
	cfg     *config.Config
	store   *rag.Store
	keyword *rag.KeywordIndex
	manager *rag.Manager
}

func (e *engine) Close() {
	if e.keyword != nil {
		e.keyword.Close()
	}
	e.store.Close()
}

func openEngine(ctx context.Context) (*engine, error) {
	cm, err := config.NewManager()
	if err != nil {
		return nil, err
	}
	cfg, err := cm.Load()
	if err != nil {
		return nil, err
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = filepath.Dir(cm.GetConfigPath())
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	store, err := rag.NewStore(ctx, filepath.Join(dataDir, "paperbase.db"))
	if err != nil {
		return nil, err
	}

	keyword, err := rag.NewKeywordIndex(filepath.Join(dataDir, "keyword.bleve"))
	if err != nil {
		log.Printf("⚠️  Keyword index unavailable, falling back to vector-only retrieval: %v", err)
		keyword = nil
	}

	embedder, err := providers.NewEmbedder(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	manager, err := rag.NewManager(ctx, rag.Config{
		Dimension: cfg.Dimension,
		Chunking:  cfg.Chunking(),
		IndexPath: filepath.Join(dataDir, "index.bin"),
	}, store, embedder, keyword)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &engine{cfg: cfg, store: store, keyword: keyword, manager: manager}, nil
}

func runAdd(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: paperbase add <file>...")
	}

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("⚠️  Failed to read %s: %v", path, err)
			continue
		}
		doc, err := eng.manager.AddDocument(ctx, filepath.Base(path), rag.TitleFromFilename(path), string(data))
		if err != nil {
			log.Printf("⚠️  Failed to index %s: %v", path, err)
			continue
		}
		fmt.Printf("indexed %s as %s\n", path, doc.ID)
	}
	return nil
}

func runDelete(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: paperbase delete <doc-id>")
	}

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.manager.DeleteDocument(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", args[0])
	return nil
}

func runList(ctx context.Context) error {
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	docs, err := eng.store.ListDocuments(ctx)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		fmt.Println("no documents indexed")
		return nil
	}
	for _, d := range docs {
		line := fmt.Sprintf("%s  %-10s %s", d.ID, d.Status, d.Filename)
		if d.Status == rag.StatusFailed && d.FailReason != "" {
			line += "  (" + d.FailReason + ")"
		}
		fmt.Println(line)
	}
	return nil
}

func runQuery(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	topK := fs.Int("k", 5, "Number of chunks to retrieve")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text := strings.Join(fs.Args(), " ")
	if text == "" {
		return fmt.Errorf("usage: paperbase query [-k N] <text>")
	}

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	results, err := eng.manager.HybridQuery(ctx, text, *topK)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no results")
		return nil
	}
	for i, r := range results {
		fmt.Printf("%d. [%.4f] %s (%s)\n%s\n\n", i+1, r.Score, r.Title, r.Filename, r.Text)
	}
	return nil
}

func runAsk(ctx context.Context, args []string) error {
	question := strings.Join(args, " ")
	if question == "" {
		return fmt.Errorf("usage: paperbase ask <question>")
	}

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	client, modelName, err := providers.NewCompletionClient(eng.cfg)
	if err != nil {
		return err
	}
	log.Printf("🤖 Using model %s", modelName)

	answer, err := rag.NewAnswerer(eng.manager, client, eng.cfg.TopK).Ask(ctx, question)
	if err != nil {
		return err
	}
	printAnswer(answer)
	return nil
}

func printAnswer(answer *rag.Answer) {
	fmt.Println(answer.Text)
	if len(answer.Sources) > 0 {
		fmt.Println("\nSources:")
		for _, s := range answer.Sources {
			fmt.Printf("  - %s (%s, score %.4f)\n", s.Title, s.Filename, s.Score)
		}
	}
}

func runIngest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	watch := fs.Bool("watch", false, "Keep watching the directory for new and changed documents")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: paperbase ingest [-watch] <dir>")
	}
	dir := fs.Arg(0)

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	scanner, err := ingest.NewScanner(dir)
	if err != nil {
		return err
	}
	if _, err := scanner.IngestAll(ctx, eng.manager); err != nil {
		return err
	}

	if !*watch {
		return nil
	}

	watcher, err := ingest.NewWatcher(scanner)
	if err != nil {
		return err
	}
	watcher.OnChange(func(paths []string) {
		for _, relPath := range paths {
			data, err := os.ReadFile(filepath.Join(dir, relPath))
			if err != nil {
				log.Printf("⚠️  Failed to read %s: %v", relPath, err)
				continue
			}
			if _, err := eng.manager.AddDocument(ctx, relPath, rag.TitleFromFilename(relPath), string(data)); err != nil {
				log.Printf("⚠️  Failed to ingest %s: %v", relPath, err)
			}
		}
	})
	if err := watcher.Start(); err != nil {
		return err
	}
	defer watcher.Stop()

	log.Printf("👀 Watching %s, press Ctrl-C to stop", dir)
	<-ctx.Done()
	return nil
}

func runRebuild(ctx context.Context) error {
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	return eng.manager.Rebuild(ctx)
}

func runReset(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	yes := fs.Bool("yes", false, "Confirm deleting all documents and vectors")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*yes {
		return fmt.Errorf("reset deletes everything; re-run with -yes to confirm")
	}

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	return eng.manager.Reset(ctx)
}

func runStats(ctx context.Context) error {
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	stats, err := eng.manager.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("documents:  %d\n", stats.Documents)
	fmt.Printf("chunks:     %d\n", stats.Chunks)
	fmt.Printf("vectors:    %d\n", stats.Vectors)
	fmt.Printf("dimension:  %d\n", stats.Dimension)
	fmt.Printf("generation: %d\n", stats.Generation)
	return nil
}

func runInteractive(ctx context.Context) error {
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	client, modelName, err := providers.NewCompletionClient(eng.cfg)
	if err != nil {
		return err
	}
	answerer := rag.NewAnswerer(eng.manager, client, eng.cfg.TopK)

	stats, err := eng.manager.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("paperbase ready: %d documents, %d chunks, model %s\n", stats.Documents, stats.Chunks, modelName)
	fmt.Println("Ask a question, or type 'exit' to quit.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			continue
		}
		if question == "exit" || question == "quit" {
			return nil
		}

		answer, err := answerer.Ask(ctx, question)
		if err != nil {
			log.Printf("⚠️  %v", err)
			continue
		}
		fmt.Println()
		printAnswer(answer)
		fmt.Println()
	}
}
