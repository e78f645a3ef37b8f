package engine

import (
	"context"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-getter"
	"go.uber.org/zap"

	"github.com/teranos/scry/errors"
)

// PullCatalog fetches a catalog from src and installs it at dst. The fetch
// lands in a temp file and is parsed before replacing dst, so a broken or
// half-downloaded catalog never clobbers a working one.
//
// src accepts anything go-getter understands: https URLs, git repos with
// subpaths, s3 buckets, local paths.
func PullCatalog(ctx context.Context, src, dst string, logger *zap.SugaredLogger) (*Catalog, error) {
	if src == "" {
		return nil, errors.New("no catalog URL configured (set engines.catalog_url)")
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create catalog directory %s", filepath.Dir(dst))
	}

	tempDir, err := os.MkdirTemp("", "scry-catalog-*")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create temp directory")
	}
	defer os.RemoveAll(tempDir)

	tempFile := filepath.Join(tempDir, "engines.toml")

	client := &getter.Client{
		Ctx:  ctx,
		Src:  src,
		Dst:  tempFile,
		Mode: getter.ClientModeFile,
		// Default getters cover http, git, s3, gcs, and local files
		Getters: getter.Getters,
	}

	logger.Infow("Pulling engine catalog", "source", src)

	if err := client.Get(); err != nil {
		return nil, errors.Wrapf(err, "failed to fetch engine catalog from %s", src)
	}

	catalog, err := LoadCatalog(tempFile)
	if err != nil {
		return nil, errors.Wrap(err, "fetched catalog failed validation")
	}

	data, err := os.ReadFile(tempFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read fetched catalog")
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return nil, errors.Wrapf(err, "failed to install catalog at %s", dst)
	}

	logger.Infow("Engine catalog installed",
		"path", dst,
		"engines", len(catalog.Engines),
	)
	return catalog, nil
}
