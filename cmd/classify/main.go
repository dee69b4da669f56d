// Command classify runs one local image through the prediction pipeline and
// prints the result envelope as JSON.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"

	"github.com/Brownie44l1/cattle-breed-api/internal/app"
	"github.com/Brownie44l1/cattle-breed-api/internal/config"
	apperrors "github.com/Brownie44l1/cattle-breed-api/internal/errors"
	"github.com/Brownie44l1/cattle-breed-api/internal/logging"
	"github.com/Brownie44l1/cattle-breed-api/internal/prediction"
)

const (
	exitOK = iota
	exitFailed
	exitStartup
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("classify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	imagePath := fs.String("image", "", "image file to classify (png, jpg, jpeg)")
	configPath := fs.String("config", "config.yaml", "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return exitFailed
	}
	if *imagePath == "" {
		fmt.Fprintln(stderr, "usage: classify -image path [-config path]")
		return exitFailed
	}

	cfg, err := config.NewLoader(*configPath).Load()
	if err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return exitFailed
	}
	cfg.History.Enabled = false

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: stderr})
	if err != nil {
		fmt.Fprintf(stderr, "failed to create logger: %v\n", err)
		return exitFailed
	}

	a, err := app.Build(cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		if apperrors.IsKind(err, apperrors.KindStartup) {
			return exitStartup
		}
		return exitFailed
	}
	defer a.Close()

	in := prediction.RawImageInput{Filename: filepath.Base(*imagePath)}
	if f, err := os.Open(*imagePath); err == nil {
		defer f.Close()
		in.Body = f
	} else {
		logger.Warn("cannot open image", "path", *imagePath, "error", err)
	}

	env := a.Service.Run(in)
	out, err := sonic.ConfigStd.MarshalIndent(env, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "failed to encode result: %v\n", err)
		return exitFailed
	}
	fmt.Fprintln(stdout, string(out))

	if !env.Success() {
		return exitFailed
	}
	return exitOK
}
