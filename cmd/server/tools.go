package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/Brownie44l1/ranjana-api/internal/checkpoint"
	"github.com/Brownie44l1/ranjana-api/internal/config"
	"github.com/Brownie44l1/ranjana-api/internal/model"
	"github.com/Brownie44l1/ranjana-api/internal/references"
	"github.com/Brownie44l1/ranjana-api/internal/remote"
)

// predictor is served either by the local models or by a remote server.
type predictor interface {
	Predict(ctx context.Context, data []byte, topK int) (any, error)
	Compare(ctx context.Context, data []byte, class int) (any, error)
}

type remotePredictor struct{ c *remote.Client }

func (p remotePredictor) Predict(ctx context.Context, data []byte, topK int) (any, error) {
	return p.c.Predict(ctx, data, topK)
}

func (p remotePredictor) Compare(ctx context.Context, data []byte, class int) (any, error) {
	return p.c.Compare(ctx, data, class)
}

type localPredictor struct {
	cfg *config.Config
}

func (p localPredictor) Predict(ctx context.Context, data []byte, topK int) (any, error) {
	svc, closeSvc, err := newService(p.cfg)
	if err != nil {
		return nil, err
	}
	defer closeSvc()
	return svc.Predict(ctx, data, topK)
}

func (p localPredictor) Compare(ctx context.Context, data []byte, class int) (any, error) {
	svc, closeSvc, err := newService(p.cfg)
	if err != nil {
		return nil, err
	}
	defer closeSvc()
	return svc.Compare(ctx, data, class)
}

func newPredictor(cfg *config.Config) predictor {
	url := remoteURL
	if url == "" {
		url = cfg.Remote.URL
	}
	if url == "" {
		return localPredictor{cfg: cfg}
	}
	log.Debugf("Using remote server %s", url)
	return remotePredictor{c: remote.NewClient(url, remote.NewRetryableHTTPClient(cfg.Remote.RetryMax, cfg.Remote.Timeout))}
}

func classifyImage(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	res, err := newPredictor(loadConfig()).Predict(ctx, data, topK)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func compareImage(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	res, err := newPredictor(loadConfig()).Compare(ctx, data, class)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func visualizeImage(ctx context.Context, path string, target *int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	svc, closeSvc, err := newService(loadConfig())
	if err != nil {
		return err
	}
	defer closeSvc()

	res, err := svc.Visualize(ctx, data, target)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, res.Overlay, 0o644); err != nil {
		return err
	}
	log.Infof("Wrote attention overlay for class %d to %s", res.Attention.Class, outPath)
	return nil
}

func normalizeImage(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	svc, closeSvc, err := newService(loadConfig())
	if err != nil {
		return err
	}
	defer closeSvc()

	g, err := svc.Normalize(ctx, data)
	if err != nil {
		return err
	}
	raw, err := g.PNG()
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, raw, 0o644); err != nil {
		return err
	}
	log.WithField("degraded", g.Degraded).Infof("Wrote normalized glyph to %s", outPath)
	return nil
}

// initCheckpoints writes untrained classifier and siamese checkpoints into
// model.dir.
func initCheckpoints(archName string, seed int64) error {
	cfg := loadConfig()
	arch, err := model.LookupArch(archName)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Model.Dir, 0o755); err != nil {
		return err
	}

	h, tensors := model.RandomClassifier(arch, seed)
	clfPath := filepath.Join(cfg.Model.Dir, cfg.Model.Classifier)
	if err := checkpoint.Save(clfPath, h, tensors); err != nil {
		return err
	}

	sh, st := model.RandomSiamese(arch, checkpoint.DefaultEmbeddingDim, checkpoint.DefaultThreshold, seed+1)
	siamesePath := filepath.Join(cfg.Model.Dir, fmt.Sprintf("siamese_%s_v1.ckpt", arch.Name))
	if err := checkpoint.Save(siamesePath, sh, st); err != nil {
		return err
	}

	for _, p := range []string{clfPath, siamesePath} {
		fi, err := os.Stat(p)
		if err != nil {
			return err
		}
		log.Infof("Wrote %s (%s)", p, humanize.Bytes(uint64(fi.Size())))
	}
	return nil
}

func invertReferences(src, dst string) error {
	done, failed, err := references.InvertDir(src, dst)
	if err != nil {
		return err
	}
	for name, ferr := range failed {
		log.Errorf("Failed to invert %s: %v", name, ferr)
	}
	log.Infof("Inverted %d reference images into %s", len(done), dst)
	if len(failed) > 0 {
		return fmt.Errorf("%d reference images failed", len(failed))
	}
	return nil
}

// pruneCache loads the current networks and drops cache rows computed by any
// other model version.
func pruneCache(ctx context.Context) error {
	cfg := loadConfig()
	if cfg.References.CachePath == "" {
		return fmt.Errorf("references.cache_path is not set")
	}
	svcCfg := *cfg
	svcCfg.References.CachePath = ""
	svc, closeSvc, err := newService(&svcCfg)
	if err != nil {
		return err
	}
	defer closeSvc()
	if err := svc.Warm(ctx); err != nil {
		return err
	}

	cache, err := references.OpenCache(cfg.References.CachePath)
	if err != nil {
		return err
	}
	defer cache.Close()

	n, err := cache.Prune(ctx, svc.Version())
	if err != nil {
		return err
	}
	log.Infof("Pruned %s cached embeddings, kept version %s", humanize.Comma(n), svc.Version())
	return nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
