package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/logging"
)

const version = "0.3.0"

// Command represents a CLI command.
type Command struct {
	Name        string
	Description string
	Usage       string
	Run         func(args []string) error
}

var (
	cfg      *config.Config
	commands map[string]*Command
	stdout   io.Writer = os.Stdout
)

// commandOrder is the order commands are listed in the usage text.
var commandOrder = []string{
	"student", "enroll", "revoke", "identify", "blink",
	"issue-qr", "scan-qr", "attend", "report", "export", "stats",
	"download-models", "config", "version", "help",
}

func init() {
	commands = map[string]*Command{
		"student": {
			Name:        "student",
			Description: "Manage the student roster (add, list, remove)",
			Usage:       "rollcall student add|list|remove [flags]",
			Run:         cmdStudent,
		},
		"enroll": {
			Name:        "enroll",
			Description: "Train face encodings for a student",
			Usage:       "rollcall enroll <roll-number> [image ...]",
			Run:         cmdEnroll,
		},
		"revoke": {
			Name:        "revoke",
			Description: "Remove a student's face encodings",
			Usage:       "rollcall revoke <roll-number>",
			Run:         cmdRevoke,
		},
		"identify": {
			Name:        "identify",
			Description: "Recognize the face in an image",
			Usage:       "rollcall identify <image>",
			Run:         cmdIdentify,
		},
		"blink": {
			Name:        "blink",
			Description: "Estimate whether the eyes in an image are closed",
			Usage:       "rollcall blink <image>",
			Run:         cmdBlink,
		},
		"issue-qr": {
			Name:        "issue-qr",
			Description: "Generate a QR code for a student",
			Usage:       "rollcall issue-qr <roll-number>",
			Run:         cmdIssueQR,
		},
		"scan-qr": {
			Name:        "scan-qr",
			Description: "Validate the QR code in an image",
			Usage:       "rollcall scan-qr <image>",
			Run:         cmdScanQR,
		},
		"attend": {
			Name:        "attend",
			Description: "Mark attendance from one or more frames",
			Usage:       "rollcall attend [-mode face|qr] <image> [image ...]",
			Run:         cmdAttend,
		},
		"report": {
			Name:        "report",
			Description: "Show attendance records",
			Usage:       "rollcall report [-date YYYY-MM-DD] [-branch CSM]",
			Run:         cmdReport,
		},
		"export": {
			Name:        "export",
			Description: "Write attendance records as CSV",
			Usage:       "rollcall export [-date YYYY-MM-DD] [-branch CSM] [-o attendance.csv]",
			Run:         cmdExport,
		},
		"stats": {
			Name:        "stats",
			Description: "Show per-branch attendance counts",
			Usage:       "rollcall stats [-date YYYY-MM-DD]",
			Run:         cmdStats,
		},
		"download-models": {
			Name:        "download-models",
			Description: "Download Haar cascades and dlib models",
			Usage:       "rollcall download-models",
			Run:         cmdDownloadModels,
		},
		"config": {
			Name:        "config",
			Description: "Show current configuration",
			Usage:       "rollcall config",
			Run:         cmdConfig,
		},
		"version": {
			Name:        "version",
			Description: "Show version information",
			Usage:       "rollcall version",
			Run:         cmdVersion,
		},
		"help": {
			Name:        "help",
			Description: "Show help information",
			Usage:       "rollcall help [command]",
			Run:         cmdHelp,
		},
	}
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	args := flag.Args()

	var err error
	if *configFile != "" {
		cfg, err = config.Load(*configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.DefaultConfig()
	}
	cfg.ExpandPaths()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logLevel := cfg.Logging.Level
	if *debug {
		logLevel = "debug"
	}
	if err := logging.Init(logging.Options{Level: logLevel, File: cfg.Logging.File, Format: cfg.Logging.Format}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}

	logging.Debugf("rollcall v%s starting, data dir: %s", version, cfg.Storage.DataDir)

	if len(args) < 1 {
		printUsage(stdout)
		os.Exit(0)
	}

	os.Exit(run(args))
}

// run dispatches one command and returns the process exit code.
func run(args []string) int {
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printUsage(os.Stderr)
		return 1
	}

	if err := cmd.Run(args[1:]); err != nil {
		logging.WithError(err).Debugf("Command '%s' failed", cmd.Name)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "rollcall - Face and QR attendance")
	fmt.Fprintf(w, "Version: %s\n\n", version)
	fmt.Fprintln(w, "Usage: rollcall [options] <command> [arguments]")
	fmt.Fprintln(w, "\nOptions:")
	fmt.Fprintln(w, "  -config <file>   Path to configuration file")
	fmt.Fprintln(w, "  -debug           Enable debug logging")
	fmt.Fprintln(w, "\nCommands:")
	for _, name := range commandOrder {
		cmd := commands[name]
		fmt.Fprintf(w, "  %-16s %s\n", cmd.Name, cmd.Description)
	}
	fmt.Fprintln(w, "\nExamples:")
	fmt.Fprintln(w, "  rollcall student add -roll 21A91A0501 -name Asha -branch CSM -images ./shots")
	fmt.Fprintln(w, "  rollcall enroll 21A91A0501")
	fmt.Fprintln(w, "  rollcall attend -mode face frame1.jpg frame2.jpg frame3.jpg")
	fmt.Fprintln(w, "\nRun 'rollcall help <command>' for more information on a command.")
}

func cmdConfig(args []string) error {
	w := stdout
	fmt.Fprintln(w, "Current Configuration:")
	fmt.Fprintln(w, "======================")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[Detection]")
	fmt.Fprintf(w, "  Cascade Dir:     %s\n", cfg.Detection.CascadeDir)
	fmt.Fprintf(w, "  Face Scan:       scale %.2f, neighbors %d\n", cfg.Detection.Face.ScaleFactor, cfg.Detection.Face.MinNeighbors)
	fmt.Fprintf(w, "  Eye Scan:        scale %.2f, neighbors %d, min size %d\n", cfg.Detection.Eyes.ScaleFactor, cfg.Detection.Eyes.MinNeighbors, cfg.Detection.Eyes.MinSize)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[Recognition]")
	fmt.Fprintf(w, "  Encoder:         %s\n", cfg.Recognition.Encoder)
	if cfg.Recognition.Threshold > 0 {
		fmt.Fprintf(w, "  Threshold:       %g\n", cfg.Recognition.Threshold)
	} else {
		fmt.Fprintln(w, "  Threshold:       encoder default")
	}
	fmt.Fprintf(w, "  Model Path:      %s\n", cfg.Recognition.ModelPath)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[Liveness]")
	fmt.Fprintf(w, "  Blink Required:  %t\n", cfg.Liveness.BlinkRequired)
	fmt.Fprintf(w, "  Closed Frames:   %d\n", cfg.Liveness.ConsecutiveFrames)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[Tokens]")
	fmt.Fprintf(w, "  Output Dir:      %s\n", cfg.Tokens.OutputDir)
	fmt.Fprintf(w, "  Image Size:      %d\n", cfg.Tokens.ImageSize)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[Storage]")
	fmt.Fprintf(w, "  Snapshot:        %s\n", cfg.SnapshotPath())
	fmt.Fprintf(w, "  Training Dir:    %s\n", cfg.Storage.TrainingDir)
	fmt.Fprintf(w, "  Encryption:      %t\n", cfg.Storage.EncryptionEnabled)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[Roster]")
	fmt.Fprintf(w, "  Database:        %s\n", cfg.Roster.Database)
	fmt.Fprintf(w, "  Branches:        %s\n", strings.Join(cfg.Roster.Branches, ", "))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[Logging]")
	fmt.Fprintf(w, "  Level:           %s\n", cfg.Logging.Level)
	fmt.Fprintf(w, "  File:            %s\n", cfg.Logging.File)
	return nil
}

func cmdVersion(args []string) error {
	fmt.Fprintf(stdout, "rollcall v%s\n", version)
	fmt.Fprintln(stdout, "Face and QR attendance")
	return nil
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		printUsage(stdout)
		return nil
	}

	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command: %s", args[0])
	}

	fmt.Fprintf(stdout, "Command: %s\n", cmd.Name)
	fmt.Fprintf(stdout, "Description: %s\n", cmd.Description)
	fmt.Fprintf(stdout, "Usage: %s\n", cmd.Usage)

	switch cmd.Name {
	case "student":
		fmt.Fprintln(stdout, "\nSubcommands:")
		fmt.Fprintln(stdout, "  add -roll R -name N -branch B [-gender G] [-email E] [-phone P] [-images DIR]")
		fmt.Fprintln(stdout, "  list [-branch B]")
		fmt.Fprintln(stdout, "  remove <roll-number>   Also deletes encodings, training images and QR codes")
	case "enroll":
		fmt.Fprintln(stdout, "\nWithout image arguments the student's training directory is used.")
		fmt.Fprintln(stdout, "Enrolling again replaces the student's previous encodings.")
	case "attend":
		fmt.Fprintln(stdout, "\nFace mode matches every frame; with blink_required set the frames")
		fmt.Fprintln(stdout, "must also show a blink. QR mode accepts the first valid code.")
	case "config":
		fmt.Fprintln(stdout, "\nConfiguration Locations:")
		fmt.Fprintln(stdout, "  System: /etc/rollcall/rollcall.yaml")
		fmt.Fprintln(stdout, "  User:   ~/.config/rollcall/rollcall.yaml")
		fmt.Fprintln(stdout, "\nUse -config flag to specify a custom config file.")
	}
	return nil
}
