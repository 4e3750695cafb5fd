// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package downloader fetches pre-trained models in checkpoint format (a "-symbol.json" topology file
// and a "-0000.params" parameters file) from a model zoo.
package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/finetune/pkg/modelstore"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Model in a model zoo.
type Model struct {
	// Name used for the local files, e.g. "vgg16".
	Name string

	SymbolURL, ParamsURL string

	// ParamsSHA256 is the optional hex encoded checksum of the parameters file.
	ParamsSHA256 string
}

// VGG16 pre-trained on ImageNet, from the MXNet model zoo.
var VGG16 = Model{
	Name:      "vgg16",
	SymbolURL: "http://data.mxnet.io/models/imagenet/vgg/vgg16-symbol.json",
	ParamsURL: "http://data.mxnet.io/models/imagenet/vgg/vgg16-0000.params",
}

// Zoo lists the models known by name.
var Zoo = map[string]Model{
	VGG16.Name: VGG16,
}

// Options of a download.
type Options struct {
	// Client used for the requests. Defaults to http.DefaultClient.
	Client *http.Client

	// ProgressBar displays the progress on stderr.
	ProgressBar bool

	// Force downloading files that already exist.
	Force bool
}

// DownloadModel fetches the model files into dir, returning the reference to load them from as
// epoch 0. Files already present are not downloaded again, unless opts.Force is set.
func DownloadModel(ctx context.Context, dir string, model Model, opts Options) (modelstore.Ref, error) {
	ref := modelstore.NewRef(dir, model.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ref, errors.Wrapf(err, "failed to create directory %q", dir)
	}
	files := []struct {
		url, path, sha256 string
	}{
		{model.SymbolURL, ref.SymbolPath(), ""},
		{model.ParamsURL, ref.ParamsPath(0), model.ParamsSHA256},
	}
	for _, f := range files {
		if !opts.Force {
			if _, err := os.Stat(f.path); err == nil {
				klog.V(1).Infof("%q already exists, skipping download", f.path)
				continue
			}
		}
		size, err := Download(ctx, f.url, f.path, f.sha256, opts)
		if err != nil {
			return ref, err
		}
		klog.Infof("Downloaded %s to %q", humanize.Bytes(uint64(size)), f.path)
	}
	return ref, nil
}

// Download url to filePath, atomically: the file only appears once completely downloaded and, if
// checkSHA256 is not empty, verified.
func Download(ctx context.Context, url, filePath, checkSHA256 string, opts Options) (size int64, err error) {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating request for %q", url)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("failed downloading %q: status %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(filePath), filepath.Base(filePath)+".download-*")
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file for %q", filePath)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	hasher := sha256.New()
	var dst io.Writer = io.MultiWriter(tmp, hasher)
	var bar *progressbar.ProgressBar
	if opts.ProgressBar {
		bar = progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetDescription(filepath.Base(filePath)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
		dst = io.MultiWriter(dst, bar)
	}
	size, err = io.Copy(dst, resp.Body)
	if bar != nil {
		_ = bar.Close()
		_, _ = fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	if checkSHA256 != "" {
		got := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(got, checkSHA256) {
			err = errors.Errorf("checksum of %q is %s, expected %s", url, got, checkSHA256)
			return 0, err
		}
	}
	if err = tmp.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", tmp.Name())
	}
	if err = os.Rename(tmp.Name(), filePath); err != nil {
		return 0, errors.Wrapf(err, "failed moving download to %q", filePath)
	}
	return size, nil
}
