// Batch re-transcription of stored history audio with the current model.
// Run: go run ./cmd/reprocess -data ~/.config/sonicinput -model <dir> [-status failed]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"sonicinput/ai"
	"sonicinput/history"
	xlog "sonicinput/internal/log"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "reprocess:", err)
		os.Exit(1)
	}
}

func run() error {
	dataDir := flag.String("data", "", "sonicinput data directory (required)")
	model := flag.String("model", "", "model directory for the local engine (required)")
	language := flag.String("language", "", "transcription language hint")
	status := flag.String("status", "", "only records with this transcription status (e.g. failed)")
	query := flag.String("query", "", "full-text filter on transcripts")
	useGPU := flag.Bool("gpu", false, "prefer the GPU execution provider")
	flag.Parse()

	if *dataDir == "" || *model == "" {
		flag.Usage()
		return fmt.Errorf("-data and -model are required")
	}

	xlog.Configure(xlog.Config{Service: "sonicinput-reprocess"})

	store, err := history.Open(
		filepath.Join(*dataDir, "history.db"),
		filepath.Join(*dataDir, "audio"))
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	worker := ai.NewWorker(ai.NewSherpaEngine, nil, ai.EngineConfig{
		Model:    *model,
		UseGPU:   *useGPU,
		Language: *language,
	})
	defer worker.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := store.Reprocess(ctx, history.ReprocessOptions{
		Filter: history.Filter{Text: *query, TransStatus: *status},
	}, func(_ context.Context, _ *history.Record, pcm []float32) (string, error) {
		res, err := worker.Transcribe(pcm, *language, 0)
		if err != nil {
			return "", err
		}
		return res.Text, nil
	})
	if err != nil {
		return err
	}

	fmt.Printf("total=%d success=%d skipped=%d failed=%d\n",
		report.Total, report.Success, report.Skipped, report.Failed)
	for _, e := range report.FirstErrors {
		fmt.Println("  error:", e)
	}
	return nil
}
