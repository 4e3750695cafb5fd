// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imageiter

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/finetune/internal/recordio"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// ListEntry is one line of an image list file: "index\tlabel[\tlabel...]\tpath".
type ListEntry struct {
	Index  uint64
	Labels []float32
	Path   string
}

// ReadList parses an image list file.
func ReadList(r io.Reader) ([]ListEntry, error) {
	var entries []ListEntry
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			return nil, errors.Errorf("list line %d: expected \"index\\tlabel\\tpath\", got %q", lineNum, line)
		}
		index, err := strconv.ParseUint(strings.TrimSpace(fields[0]), 10, 64)
		if err != nil {
			return nil, errors.Errorf("list line %d: invalid index %q", lineNum, fields[0])
		}
		entry := ListEntry{Index: index, Path: fields[len(fields)-1]}
		for _, field := range fields[1 : len(fields)-1] {
			label, err := strconv.ParseFloat(strings.TrimSpace(field), 32)
			if err != nil {
				return nil, errors.Errorf("list line %d: invalid label %q", lineNum, field)
			}
			entry.Labels = append(entry.Labels, float32(label))
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read list")
	}
	return entries, nil
}

// PackOptions for Pack.
type PackOptions struct {
	// Resize the shorter edge of the images to this size. 0 keeps the original size.
	Resize int

	// Quality of the JPEG encoding. Defaults to 95.
	Quality int

	// ProgressBar displays the progress on stderr.
	ProgressBar bool
}

// Pack reads the images listed in listPath (relative to root) and writes them, JPEG encoded, to
// the record file recPath, with its ".idx" index next to it. It returns the number of records.
func Pack(listPath, root, recPath string, opts PackOptions) (int, error) {
	f, err := os.Open(listPath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to open list %q", listPath)
	}
	entries, err := ReadList(f)
	_ = f.Close()
	if err != nil {
		return 0, errors.WithMessagef(err, "in %q", listPath)
	}
	if opts.Quality <= 0 {
		opts.Quality = 95
	}

	w, err := recordio.Create(recPath)
	if err != nil {
		return 0, err
	}
	index := make([]recordio.IndexEntry, 0, len(entries))
	var bar *progressbar.ProgressBar
	if opts.ProgressBar {
		bar = progressbar.NewOptions(len(entries),
			progressbar.OptionSetDescription(filepath.Base(recPath)),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
		defer func() { _ = bar.Close() }()
	}
	for ii, entry := range entries {
		imgPath := filepath.Join(root, entry.Path)
		img, err := imaging.Open(imgPath)
		if err != nil {
			_ = w.Close()
			return ii, errors.Wrapf(err, "failed to read image %q", imgPath)
		}
		if opts.Resize > 0 {
			bounds := img.Bounds()
			if bounds.Dx() < bounds.Dy() {
				img = imaging.Resize(img, opts.Resize, 0, imaging.Linear)
			} else {
				img = imaging.Resize(img, 0, opts.Resize, imaging.Linear)
			}
		}
		var buf bytes.Buffer
		if err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(opts.Quality)); err != nil {
			_ = w.Close()
			return ii, errors.Wrapf(err, "failed to encode image %q", imgPath)
		}
		header := recordio.Header{ID: entry.Index}
		if len(entry.Labels) == 1 {
			header.Label = entry.Labels[0]
		} else {
			header.Labels = entry.Labels
		}
		offset, err := w.Write(recordio.Pack(header, buf.Bytes()))
		if err != nil {
			_ = w.Close()
			return ii, err
		}
		index = append(index, recordio.IndexEntry{Key: entry.Index, Offset: offset})
		if bar != nil {
			_ = bar.Add(1)
		} else if (ii+1)%1000 == 0 {
			klog.Infof("Packed %d of %d images", ii+1, len(entries))
		}
	}
	if err = w.Close(); err != nil {
		return len(entries), err
	}
	idxPath := strings.TrimSuffix(recPath, ".rec") + ".idx"
	if err = recordio.WriteIndex(idxPath, index); err != nil {
		return len(entries), err
	}
	return len(entries), nil
}
