package main

import (
	"io"

	"github.com/MrCodeEU/welcomebot/pkg/recognition"
	"github.com/MrCodeEU/welcomebot/pkg/source"
	"github.com/MrCodeEU/welcomebot/pkg/storage"
	"github.com/MrCodeEU/welcomebot/pkg/welcome"
	"github.com/spf13/cobra"
)

// newRecognizer is replaced in tests.
var newRecognizer = recognition.NewRecognizer

func openStore() (*storage.FileStorage, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return storage.NewFileStorage(cfg.Storage.DataDir, cfg.Storage.EncryptionEnabled, cfg.Storage.KeepImages)
}

// newService wires the face database, the recognizer and the image resolver.
// Models load on the first detection, after the arguments have been checked.
// A positive maxMatches overrides the configured limit. The returned func
// releases the recognizer.
func newService(cmd *cobra.Command, maxMatches int) (*welcome.Service, func(), error) {
	store, err := openStore()
	if err != nil {
		return nil, nil, err
	}

	rec := newRecognizer()
	rec.SetTolerance(cfg.Recognition.Tolerance)
	rec.SetUseCNN(cfg.Recognition.UseCNN)
	rec.SetModelPath(cfg.Recognition.ModelPath)

	var progress io.Writer
	if cfg.Fetch.ShowProgress {
		progress = cmd.ErrOrStderr()
	}
	resolver := source.NewResolver(source.Options{
		Timeout:   cfg.Fetch.Timeout,
		MaxBytes:  cfg.Fetch.MaxBytes,
		UserAgent: cfg.Fetch.UserAgent,
		Progress:  progress,
	})

	if maxMatches <= 0 {
		maxMatches = cfg.Recognition.MaxMatches
	}
	svc := welcome.NewService(rec, store, resolver, welcome.Options{
		MaxImageSize: cfg.Recognition.MaxImageSize,
		MaxMatches:   maxMatches,
	})
	return svc, func() { _ = rec.Close() }, nil
}
