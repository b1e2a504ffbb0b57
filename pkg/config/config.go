// Package config provides configuration management for rollcall.
// It loads configuration from YAML files with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all rollcall configuration.
type Config struct {
	Detection   DetectionConfig   `yaml:"detection"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Liveness    LivenessConfig    `yaml:"liveness"`
	Tokens      TokenConfig       `yaml:"tokens"`
	Storage     StorageConfig     `yaml:"storage"`
	Roster      RosterConfig      `yaml:"roster"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ScanParams are the parameters of one cascade scan.
type ScanParams struct {
	ScaleFactor  float64 `yaml:"scale_factor"`
	MinNeighbors int     `yaml:"min_neighbors"`
	MinSize      int     `yaml:"min_size"`
}

// DetectionConfig holds Haar cascade settings.
type DetectionConfig struct {
	CascadeDir  string     `yaml:"cascade_dir"`
	FaceCascade string     `yaml:"face_cascade"`
	EyeCascade  string     `yaml:"eye_cascade"`
	Face        ScanParams `yaml:"face"`
	Eyes        ScanParams `yaml:"eyes"`
}

// RecognitionConfig holds encoder and matcher settings.
type RecognitionConfig struct {
	Encoder   string  `yaml:"encoder"` // "pixel" or "dlib"
	FaceSize  int     `yaml:"face_size"`
	Threshold float64 `yaml:"threshold"` // 0 selects the encoder default
	ModelPath string  `yaml:"model_path"`
}

// LivenessConfig holds blink heuristic settings.
type LivenessConfig struct {
	ConsecutiveFrames int  `yaml:"consecutive_frames"`
	BlinkRequired     bool `yaml:"blink_required"`
}

// TokenConfig holds QR token settings.
type TokenConfig struct {
	OutputDir string `yaml:"output_dir"`
	ImageSize int    `yaml:"image_size"`
}

// StorageConfig holds enrollment snapshot settings.
type StorageConfig struct {
	DataDir           string `yaml:"data_dir"`
	SnapshotFile      string `yaml:"snapshot_file"`
	TrainingDir       string `yaml:"training_dir"`
	EncryptionEnabled bool   `yaml:"encryption_enabled"`
}

// RosterConfig holds student roster settings.
type RosterConfig struct {
	Database         string   `yaml:"database"`
	Branches         []string `yaml:"branches"`
	ImagesPerStudent int      `yaml:"images_per_student"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local/share/rollcall")
	return &Config{
		Detection: DetectionConfig{
			CascadeDir:  filepath.Join(dataDir, "cascades"),
			FaceCascade: "haarcascade_frontalface_default.xml",
			EyeCascade:  "haarcascade_eye.xml",
			Face:        ScanParams{ScaleFactor: 1.3, MinNeighbors: 5},
			Eyes:        ScanParams{ScaleFactor: 1.2, MinNeighbors: 2, MinSize: 25},
		},
		Recognition: RecognitionConfig{
			Encoder:   "pixel",
			FaceSize:  200,
			ModelPath: filepath.Join(dataDir, "models"),
		},
		Liveness: LivenessConfig{
			ConsecutiveFrames: 2,
			BlinkRequired:     false,
		},
		Tokens: TokenConfig{
			OutputDir: filepath.Join(dataDir, "qr_codes"),
			ImageSize: 290,
		},
		Storage: StorageConfig{
			DataDir:           dataDir,
			SnapshotFile:      "face_encodings.json",
			TrainingDir:       filepath.Join(dataDir, "training_images"),
			EncryptionEnabled: false,
		},
		Roster: RosterConfig{
			Database:         filepath.Join(dataDir, "roster.db"),
			Branches:         []string{"CAI", "CSM", "CSD", "CSC", "AIDS"},
			ImagesPerStudent: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			File:   filepath.Join(dataDir, "rollcall.log"),
			Format: "text",
		},
	}
}

// Load loads configuration from the specified file on top of the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return config, err
	}

	return config, nil
}

// LoadDefault tries to load configuration from default locations.
func LoadDefault() (*Config, error) {
	if _, err := os.Stat("/etc/rollcall/rollcall.yaml"); err == nil {
		return Load("/etc/rollcall/rollcall.yaml")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfig(), nil
	}

	userConfig := filepath.Join(homeDir, ".config/rollcall/rollcall.yaml")
	if _, err := os.Stat(userConfig); err == nil {
		return Load(userConfig)
	}

	return DefaultConfig(), nil
}

// ExpandPath expands ~ and environment variables in a path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

func validateScan(name string, p ScanParams) error {
	if p.ScaleFactor <= 1 {
		return fmt.Errorf("%s scale_factor must be greater than 1, got %f", name, p.ScaleFactor)
	}
	if p.MinNeighbors < 0 {
		return fmt.Errorf("%s min_neighbors must not be negative, got %d", name, p.MinNeighbors)
	}
	if p.MinSize < 0 {
		return fmt.Errorf("%s min_size must not be negative, got %d", name, p.MinSize)
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := validateScan("detection.face", c.Detection.Face); err != nil {
		return err
	}
	if err := validateScan("detection.eyes", c.Detection.Eyes); err != nil {
		return err
	}

	switch c.Recognition.Encoder {
	case "pixel", "dlib":
	default:
		return fmt.Errorf("invalid encoder: %s (must be pixel or dlib)", c.Recognition.Encoder)
	}
	if c.Recognition.FaceSize <= 0 {
		return fmt.Errorf("face_size must be positive, got %d", c.Recognition.FaceSize)
	}
	if c.Recognition.Threshold < 0 {
		return fmt.Errorf("threshold must not be negative, got %f", c.Recognition.Threshold)
	}

	if c.Liveness.ConsecutiveFrames <= 0 {
		return fmt.Errorf("consecutive_frames must be positive, got %d", c.Liveness.ConsecutiveFrames)
	}

	if c.Tokens.ImageSize <= 0 {
		return fmt.Errorf("tokens.image_size must be positive, got %d", c.Tokens.ImageSize)
	}

	if c.Storage.SnapshotFile == "" {
		return fmt.Errorf("storage.snapshot_file must be set")
	}

	if len(c.Roster.Branches) == 0 {
		return fmt.Errorf("roster.branches must list at least one branch")
	}
	if c.Roster.ImagesPerStudent <= 0 {
		return fmt.Errorf("images_per_student must be positive, got %d", c.Roster.ImagesPerStudent)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// ExpandPaths expands all paths in the configuration.
func (c *Config) ExpandPaths() {
	c.Detection.CascadeDir = ExpandPath(c.Detection.CascadeDir)
	c.Recognition.ModelPath = ExpandPath(c.Recognition.ModelPath)
	c.Tokens.OutputDir = ExpandPath(c.Tokens.OutputDir)
	c.Storage.DataDir = ExpandPath(c.Storage.DataDir)
	c.Storage.TrainingDir = ExpandPath(c.Storage.TrainingDir)
	c.Roster.Database = ExpandPath(c.Roster.Database)
	c.Logging.File = ExpandPath(c.Logging.File)
}

// EnsureDirectories creates the directories rollcall writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []struct {
		path string
		perm os.FileMode
	}{
		{c.Storage.DataDir, 0700},
		{c.Storage.TrainingDir, 0700},
		{c.Tokens.OutputDir, 0755},
		{c.Detection.CascadeDir, 0755},
		{filepath.Dir(c.Roster.Database), 0700},
	}
	if c.Logging.File != "" {
		dirs = append(dirs, struct {
			path string
			perm os.FileMode
		}{filepath.Dir(c.Logging.File), 0755})
	}

	for _, d := range dirs {
		if err := os.MkdirAll(d.path, d.perm); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", d.path, err)
		}
	}
	return nil
}

// SnapshotPath returns the full path of the enrollment snapshot.
func (c *Config) SnapshotPath() string {
	if filepath.IsAbs(c.Storage.SnapshotFile) {
		return c.Storage.SnapshotFile
	}
	return filepath.Join(c.Storage.DataDir, c.Storage.SnapshotFile)
}

// StudentTrainingDir returns the directory holding a student's training images.
func (c *Config) StudentTrainingDir(rollNumber string) string {
	return filepath.Join(c.Storage.TrainingDir, filepath.Base(rollNumber))
}

// CascadePath resolves a cascade file name against the cascade directory.
func (c *Config) CascadePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Detection.CascadeDir, name)
}

// IsBranch reports whether b is one of the configured branches.
func (c *Config) IsBranch(b string) bool {
	for _, branch := range c.Roster.Branches {
		if branch == b {
			return true
		}
	}
	return false
}
