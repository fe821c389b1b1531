package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	grpcHandler "github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/adapter/inbound/grpc"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"github.com/anthanhphan/gosdk/logger"
)

func main() {
	var (
		addr      string
		principal string
		opts      uploadOptions
		sampleID  string
		projectID string
		fileType  string
		timeout   time.Duration
	)
	flag.StringVar(&addr, "addr", "localhost:9090", "gRPC address of the ingest service")
	flag.StringVar(&principal, "principal", os.Getenv("INGEST_PRINCIPAL"), "Principal id sent with every call")
	flag.StringVar(&opts.Path, "file", "", "File to upload")
	flag.StringVar(&opts.TargetKey, "target", "", "Target object key (defaults to the file name)")
	flag.StringVar(&sampleID, "sample", "", "sample_id metadata")
	flag.StringVar(&projectID, "project", "", "project_id metadata")
	flag.StringVar(&fileType, "content-type", "", "content_type metadata")
	flag.IntVar(&opts.Parallel, "parallel", 4, "Parts uploaded concurrently")
	flag.IntVar(&opts.PartRetries, "retries", 3, "Attempts per part on transient errors")
	flag.DurationVar(&opts.PollInterval, "poll", 2*time.Second, "Status poll interval")
	flag.BoolVar(&opts.AbortOnError, "abort-on-error", false, "Abort the session when the upload fails")
	flag.DurationVar(&timeout, "timeout", time.Hour, "Overall deadline")
	flag.Parse()

	if opts.Path == "" || principal == "" {
		flag.Usage()
		os.Exit(2)
	}

	logger.InitLogger(&logger.Config{LogLevel: logger.LevelInfo, LogEncoding: logger.EncodingJSON})

	opts.Metadata = map[string]string{
		domain.MetaSampleID:    sampleID,
		domain.MetaProjectID:   projectID,
		domain.MetaContentType: fileType,
	}

	client, err := grpcHandler.NewClient(addr, principal)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	view, err := newUploader(client, opts).Run(ctx)
	if err != nil {
		log.Fatalf("Upload failed: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(view); err != nil {
		log.Fatalf("Failed to print result: %v", err)
	}
	if view.Status != domain.StatusCompleted {
		os.Exit(1)
	}
}
