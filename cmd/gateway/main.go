package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/your-org/meshgate/internal/app"
	"github.com/your-org/meshgate/internal/version"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-v" || os.Args[1] == "--version" || os.Args[1] == "version") {
		fmt.Println(version.String())
		return
	}

	manifestPath := "configs/gateway.example.yaml"
	if len(os.Args) > 1 {
		manifestPath = os.Args[1]
	}
	if v := os.Getenv("MANIFEST_PATH"); v != "" {
		manifestPath = v
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, err := app.BuildFromManifest(manifestPath, app.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway build failed: %v\n", err)
		os.Exit(1)
	}

	serveErr := g.Serve(ctx)
	if closeErr := g.Close(context.Background()); closeErr != nil {
		fmt.Fprintf(os.Stderr, "gateway shutdown: %v\n", closeErr)
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "gateway failed: %v\n", serveErr)
		os.Exit(1)
	}
}
