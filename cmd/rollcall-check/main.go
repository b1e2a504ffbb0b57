package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"os"
	"strconv"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/capture"
	"github.com/MrCodeEU/rollcall/pkg/checkin"
	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/logging"
)

const version = "0.3.0"

// Exit codes:
//
//	0 = attendance marked
//	1 = check-in rejected
//	2 = nothing detected (no face or no QR code)
//	3 = system error
const (
	exitAccepted = 0
	exitRejected = 1
	exitNothing  = 2
	exitSystem   = 3
)

// checker is the part of checkin.Service this binary uses.
type checker interface {
	CheckIn(ctx context.Context, mode checkin.Mode, frames []image.Image) checkin.Outcome
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	mode := flag.String("mode", string(checkin.ModeFace), "face or qr")
	flag.Parse()

	startTime := time.Now()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: rollcall-check [-config file] [-mode face|qr] <frame> [frame ...]")
		os.Exit(exitSystem)
	}

	var (
		cfg *config.Config
		err error
	)
	if *configFile != "" {
		cfg, err = config.Load(*configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "rollcall: Configuration error: %v\n", err)
		os.Exit(exitSystem)
	}
	cfg.ExpandPaths()

	// Log to file only; stdout belongs to the kiosk.
	if err := logging.Init(logging.Options{Level: cfg.Logging.Level, File: cfg.Logging.File, Format: cfg.Logging.Format}); err != nil {
		fmt.Fprintf(os.Stderr, "rollcall: Could not initialize file logging: %v\n", err)
	}
	logging.Infof("rollcall-check v%s starting %s check-in", version, *mode)

	frames := make([]image.Image, 0, flag.NArg())
	for _, p := range flag.Args() {
		img, err := capture.Load(p)
		if err != nil {
			logging.Errorf("Failed to read frame %s: %v", p, err)
			fmt.Fprintf(os.Stderr, "rollcall: Cannot read %s\n", p)
			os.Exit(exitSystem)
		}
		frames = append(frames, img)
	}

	svc, err := checkin.NewFromConfig(cfg)
	if err != nil {
		logging.Errorf("Failed to initialize check-in service: %v", err)
		fmt.Fprintln(os.Stderr, "rollcall: Initialization error")
		os.Exit(exitSystem)
	}

	code := runCheck(svc, checkin.Mode(*mode), frames, timeoutFromEnv(), startTime)
	svc.Close()
	os.Exit(code)
}

// timeoutFromEnv reads ROLLCALL_TIMEOUT in seconds; zero means none.
func timeoutFromEnv() time.Duration {
	v := os.Getenv("ROLLCALL_TIMEOUT")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		logging.Warnf("Ignoring invalid ROLLCALL_TIMEOUT %q", v)
		return 0
	}
	return time.Duration(n) * time.Second
}

// runCheck performs one check-in and maps the outcome to an exit code.
func runCheck(c checker, mode checkin.Mode, frames []image.Image, timeout time.Duration, startTime time.Time) int {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result := c.CheckIn(ctx, mode, frames)

	if result.Success {
		logging.Infof("Check-in accepted for %s (confidence: %.2f, duration: %v)",
			result.IdentityID, result.Confidence, result.Duration)
		fmt.Printf("%s %s %s\n", result.IdentityID, result.DisplayName, result.Branch)
		return exitAccepted
	}

	logging.Warnf("Check-in rejected: %s (duration: %v)", result.Reason, time.Since(startTime))
	if errors.Is(result.Error, context.DeadlineExceeded) {
		fmt.Fprintln(os.Stderr, "rollcall: Timed out")
		return exitNothing
	}
	fmt.Fprintf(os.Stderr, "rollcall: %s\n", result.Reason)
	return exitCode(result.Code)
}

func exitCode(code checkin.ErrorCode) int {
	switch code {
	case checkin.ErrCodeNoFace, checkin.ErrCodeNoToken:
		return exitNothing
	case checkin.ErrCodeInternal, checkin.ErrCodeCorruptSnapshot:
		return exitSystem
	default:
		return exitRejected
	}
}
