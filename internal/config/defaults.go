package config

import (
	"path/filepath"
	"time"
)

const defaultRootDir = "/usr/local/var/kagami/data"

// DefaultExtensions are the video file extensions picked up from the drop directory.
var DefaultExtensions = []string{".mov", ".mp4", ".avi", ".mkv", ".webm"}

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	s := &cfg.Storage
	if s.RootDir == "" {
		s.RootDir = defaultRootDir
	}
	if s.DropDir == "" {
		s.DropDir = filepath.Join(s.RootDir, "drop")
	}
	if s.WorkingDir == "" {
		s.WorkingDir = filepath.Join(s.RootDir, "working")
	}
	if s.VideoDir == "" {
		s.VideoDir = filepath.Join(s.RootDir, "videos")
	}
	if s.QuarantineDir == "" {
		s.QuarantineDir = filepath.Join(s.RootDir, "quarantine")
	}
	if s.IndexPath == "" {
		s.IndexPath = filepath.Join(s.RootDir, "index", "features.kgix")
	}
	if s.MetadataPath == "" {
		s.MetadataPath = filepath.Join(s.RootDir, "index", "metadata.msgpack")
	}
	if s.JournalPath == "" {
		s.JournalPath = filepath.Join(s.RootDir, "journal.db")
	}

	e := &cfg.Embedding
	if e.Backend == "" {
		e.Backend = "onnx"
	}
	if e.ModelPath == "" {
		e.ModelPath = filepath.Join(s.RootDir, "models", "clip-vit-base-patch32-vision.onnx")
	}
	if e.Dimensions == 0 {
		e.Dimensions = 512
	}
	if e.StartTime == 0 {
		e.StartTime = 5
	}
	if e.EndTime == 0 {
		e.EndTime = 35
	}
	if e.SampleRate == 0 {
		e.SampleRate = 0.5
	}
	if e.VerifyRate == 0 {
		e.VerifyRate = 0.1
	}
	if e.FrameSize == 0 {
		e.FrameSize = 224
	}
	if e.FFmpegPath == "" {
		e.FFmpegPath = "ffmpeg"
	}
	if e.CacheSize == 0 {
		e.CacheSize = 1000
	}

	if cfg.Search.DefaultK == 0 {
		cfg.Search.DefaultK = 5
	}
	if cfg.Search.MaxK == 0 {
		cfg.Search.MaxK = 100
	}

	in := &cfg.Ingest
	if in.Interval == 0 {
		in.Interval = 30 * time.Second
	}
	if in.Workers == 0 {
		in.Workers = 2
	}
	if in.Extensions == nil {
		in.Extensions = append([]string(nil), DefaultExtensions...)
	}
}
