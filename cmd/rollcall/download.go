package main

import (
	"compress/bzip2"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/MrCodeEU/rollcall/pkg/logging"
)

const cascadeBaseURL = "https://raw.githubusercontent.com/opencv/opencv/4.x/data/haarcascades/"

// asset is one downloadable file. URLs ending in .bz2 are decompressed.
type asset struct {
	Name string
	URL  string
	Dir  string
}

// requiredAssets lists the files the configured pipeline needs.
func requiredAssets() []asset {
	assets := []asset{
		{Name: cfg.Detection.FaceCascade, URL: cascadeBaseURL + filepath.Base(cfg.Detection.FaceCascade), Dir: cfg.Detection.CascadeDir},
		{Name: cfg.Detection.EyeCascade, URL: cascadeBaseURL + filepath.Base(cfg.Detection.EyeCascade), Dir: cfg.Detection.CascadeDir},
	}
	if cfg.Recognition.Encoder != "dlib" {
		return assets
	}
	for _, name := range []string{
		"shape_predictor_5_face_landmarks.dat",
		"dlib_face_recognition_resnet_model_v1.dat",
		"mmod_human_face_detector.dat",
	} {
		assets = append(assets, asset{Name: name, URL: "http://dlib.net/files/" + name + ".bz2", Dir: cfg.Recognition.ModelPath})
	}
	return assets
}

func cmdDownloadModels(args []string) error {
	for _, a := range requiredAssets() {
		target := a.Name
		if !filepath.IsAbs(target) {
			target = filepath.Join(a.Dir, a.Name)
		}
		if _, err := os.Stat(target); err == nil {
			logging.Infof("%s already exists, skipping", filepath.Base(target))
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}

		logging.Infof("Downloading %s...", filepath.Base(target))
		if err := download(a.URL, target); err != nil {
			return fmt.Errorf("failed to download %s: %w", filepath.Base(target), err)
		}
	}

	logging.Infof("All models downloaded to %s and %s", cfg.Detection.CascadeDir, cfg.Recognition.ModelPath)
	return nil
}

func download(url, target string) error {
	client := &http.Client{Timeout: 10 * time.Minute}

	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	// Write to a temp file so an interrupted download is not mistaken for
	// a complete one on the next run.
	tmp := target + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(target))
	var body io.Reader = io.TeeReader(resp.Body, bar)
	if strings.HasSuffix(url, ".bz2") {
		body = bzip2.NewReader(body)
	}

	_, err = io.Copy(out, body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, target)
}
